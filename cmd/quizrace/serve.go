package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ggoodman/quizrace/bus"
	busmemory "github.com/ggoodman/quizrace/bus/memory"
	busredis "github.com/ggoodman/quizrace/bus/redis"
	"github.com/ggoodman/quizrace/config"
	"github.com/ggoodman/quizrace/gateway"
	"github.com/ggoodman/quizrace/internal/jwtauth"
	"github.com/ggoodman/quizrace/orchestrator"
	"github.com/ggoodman/quizrace/records"
	recmemory "github.com/ggoodman/quizrace/records/memory"
	"github.com/ggoodman/quizrace/records/postgres"
	"github.com/ggoodman/quizrace/server"
	"github.com/ggoodman/quizrace/storage"
	stmemory "github.com/ggoodman/quizrace/storage/memory"
	stredis "github.com/ggoodman/quizrace/storage/redis"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	seedDemo bool
	migrate  bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.seedDemo, "seed-demo", false, "seed a demo library and race into the memory records backend")
	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "apply pending postgres migrations before serving")
	return cmd
}

// live bundles the bus and the fast store of the selected live backend.
type live struct {
	bus   bus.Bus
	store storage.Store
	ping  func(ctx context.Context) error
	close func() error
}

func openLive(cfg *config.Config) (*live, error) {
	if cfg.LiveBackend == config.BackendMemory {
		b := busmemory.New(0)
		return &live{
			bus:   b,
			store: stmemory.New(),
			ping:  func(context.Context) error { return nil },
			close: b.Close,
		}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store, err := stredis.New(stredis.Config{Client: client, KeyPrefix: cfg.RedisKeyPrefix})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &live{
		bus:   busredis.New(busredis.Config{Client: client, ChannelPrefix: cfg.RedisKeyPrefix + "channel:"}),
		store: store,
		ping:  func(ctx context.Context) error { return client.Ping(ctx).Err() },
		close: client.Close,
	}, nil
}

func openRecords(ctx context.Context, cfg *config.Config, opts serveOptions, logger *slog.Logger) (records.Store, error) {
	if cfg.RecordsBackend == config.BackendMemory {
		rec := recmemory.New()
		if opts.seedDemo {
			seedDemo(rec, logger)
		}
		return rec, nil
	}
	if opts.seedDemo {
		return nil, errors.New("--seed-demo requires RECORDS_BACKEND=memory")
	}
	rec, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if opts.migrate {
		if err := postgres.MigrateUp(rec.DB(), logger); err != nil {
			_ = rec.Close()
			return nil, err
		}
	}
	return rec, nil
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stderr)

	lv, err := openLive(cfg)
	if err != nil {
		return fmt.Errorf("live backend: %w", err)
	}
	defer func() { _ = lv.close() }()

	rec, err := openRecords(ctx, cfg, opts, logger)
	if err != nil {
		return fmt.Errorf("records backend: %w", err)
	}
	defer func() { _ = rec.Close() }()

	authCfg := jwtauth.DefaultConfig()
	authCfg.Secret = []byte(cfg.JWTSecret)
	authCfg.Issuer = cfg.JWTIssuer
	auth, err := jwtauth.New(authCfg)
	if err != nil {
		return err
	}

	orch := orchestrator.New(lv.bus, lv.store, rec, cfg.Orchestrator, logger)
	manager := orchestrator.NewManager(orch, rec, logger)
	resumed, err := manager.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resuming sessions: %w", err)
	}
	logger.InfoContext(ctx, "sessions.resume", slog.Int("count", resumed))

	gw, err := gateway.New(gateway.Config{
		Bus:          lv.bus,
		Store:        lv.store,
		Records:      rec,
		Logger:       logger,
		ReadLimit:    cfg.WSReadLimit,
		PollInterval: cfg.Orchestrator.PollInterval,
	})
	if err != nil {
		return err
	}

	handler, err := server.New(server.Config{
		Sessions: orchestrator.NewController(lv.bus, rec, manager, logger),
		Gateway:  gw,
		Auth:     auth,
		Logger:   logger,
		Checks: []server.ReadyCheck{
			{Name: "live", Check: lv.ping},
			{Name: "records", Check: rec.Ping},
		},
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "http.listen", slog.String("addr", cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = manager.Shutdown(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("http.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions.shutdown.fail", slog.String("err", err.Error()))
	}
	return nil
}
