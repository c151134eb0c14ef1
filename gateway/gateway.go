// Package gateway relays between client WebSockets and a session's bus
// channel.
//
// A guest socket first receives the live snapshot of the session, then
// sends its join payload. From there two relays race: the inbound relay
// turns every socket frame into a client_update, the outbound relay forwards
// client-facing broadcasts as {event, value} frames. Whichever finishes first
// tears the other down, after which the guest's departure is announced.
//
// Viewer sockets only get the snapshot and the outbound relay.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/quizrace/bus"
	"github.com/ggoodman/quizrace/event"
	"github.com/ggoodman/quizrace/internal/logctx"
	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/records"
	"github.com/ggoodman/quizrace/storage"
)

const (
	defaultReadLimit    = 64 << 10
	defaultPollInterval = 500 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
	defaultCacheSize    = 1024
	defaultJoinTimeout  = 30 * time.Second
)

// errSessionEnded stops the relays once the session announced its end.
var errSessionEnded = errors.New("gateway: session ended")

// Config wires a Gateway to its collaborators.
type Config struct {
	Bus     bus.Bus
	Store   storage.Store
	Records records.Store
	Logger  *slog.Logger

	// ReadLimit caps the size of an inbound frame.
	ReadLimit int64
	// PollInterval bounds a single bus receive of the outbound relay.
	PollInterval time.Duration
	// WriteTimeout bounds every socket write.
	WriteTimeout time.Duration
	// JoinTimeout bounds the wait for a guest's join frame.
	JoinTimeout time.Duration
	// CacheSize is the number of ended sessions kept in memory.
	CacheSize int
	// CheckOrigin overrides the upgrader's origin check. Nil accepts every
	// origin.
	CheckOrigin func(r *http.Request) bool
}

// Gateway serves guest and viewer sockets.
type Gateway struct {
	bus          bus.Bus
	store        storage.Store
	records      records.Store
	log          *slog.Logger
	readLimit    int64
	pollInterval time.Duration
	writeTimeout time.Duration
	joinTimeout  time.Duration
	upgrader     websocket.Upgrader
	// ended caches durable views of ended sessions, which never change.
	ended *lru.Cache[string, quiz.Session]
}

// New creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Bus == nil || cfg.Store == nil || cfg.Records == nil {
		return nil, fmt.Errorf("gateway: bus, store and records are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	cache, err := lru.New[string, quiz.Session](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &Gateway{
		bus:          cfg.Bus,
		store:        cfg.Store,
		records:      cfg.Records,
		log:          cfg.Logger,
		readLimit:    cfg.ReadLimit,
		pollInterval: cfg.PollInterval,
		writeTimeout: cfg.WriteTimeout,
		joinTimeout:  cfg.JoinTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		ended: cache,
	}, nil
}

// ServeGuest upgrades the request and runs a participant socket.
func (g *Gateway) ServeGuest(w http.ResponseWriter, r *http.Request, sessionID, clientID string) {
	if sessionID == "" || clientID == "" {
		http.Error(w, "session id and client id required", http.StatusBadRequest)
		return
	}
	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{SessionID: sessionID})
	ctx = logctx.WithClientData(ctx, &logctx.ClientData{ClientID: clientID, Role: "guest"})

	conn, live, ok := g.open(ctx, w, r, sessionID)
	if !ok {
		return
	}
	defer func() { _ = conn.Close() }()
	if !live {
		return
	}

	// The first frame is the participant's join payload.
	_ = conn.SetReadDeadline(time.Now().Add(g.joinTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		g.log.DebugContext(ctx, "gateway.join.read_fail", slog.String("err", err.Error()))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	var player quiz.PlayerState
	if err := json.Unmarshal(data, &player); err != nil {
		g.log.DebugContext(ctx, "gateway.join.decode_fail", slog.String("err", err.Error()))
		g.closeWith(conn, websocket.CloseUnsupportedData, "invalid join payload")
		return
	}
	player.UID = clientID

	sub, err := g.bus.Subscribe(ctx, sessionID)
	if err != nil {
		g.log.ErrorContext(ctx, "gateway.subscribe.fail", slog.String("err", err.Error()))
		g.closeWith(conn, websocket.CloseInternalServerErr, "")
		return
	}
	defer func() { _ = sub.Close() }()

	if err := bus.PublishEvent(ctx, g.bus, sessionID, event.ClientJoin{Player: player}); err != nil {
		g.log.ErrorContext(ctx, "gateway.join.publish_fail", slog.String("err", err.Error()))
		g.closeWith(conn, websocket.CloseInternalServerErr, "")
		return
	}
	g.log.InfoContext(ctx, "gateway.guest.join")

	defer func() {
		// The request context is usually gone by now.
		lctx := context.WithoutCancel(ctx)
		if err := bus.PublishEvent(lctx, g.bus, sessionID, event.ClientLeave{UID: clientID}); err != nil {
			g.log.WarnContext(lctx, "gateway.leave.publish_fail", slog.String("err", err.Error()))
		}
		g.log.InfoContext(lctx, "gateway.guest.leave")
	}()

	g.relay(ctx, conn, sub, func(gctx context.Context) error {
		return g.inbound(gctx, conn, sessionID, clientID)
	})
}

// ServeViewer upgrades the request and runs a read-only socket following
// the session.
func (g *Gateway) ServeViewer(w http.ResponseWriter, r *http.Request, sessionID string) {
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{SessionID: sessionID})
	ctx = logctx.WithClientData(ctx, &logctx.ClientData{Role: "viewer"})

	conn, live, ok := g.open(ctx, w, r, sessionID)
	if !ok {
		return
	}
	defer func() { _ = conn.Close() }()
	if !live {
		return
	}

	sub, err := g.bus.Subscribe(ctx, sessionID)
	if err != nil {
		g.log.ErrorContext(ctx, "gateway.subscribe.fail", slog.String("err", err.Error()))
		g.closeWith(conn, websocket.CloseInternalServerErr, "")
		return
	}
	defer func() { _ = sub.Close() }()

	g.log.InfoContext(ctx, "gateway.viewer.open")
	g.relay(ctx, conn, sub, func(context.Context) error {
		return discard(conn)
	})
	g.log.InfoContext(ctx, "gateway.viewer.close")
}

// open upgrades the connection and sends the initial frame: the live
// snapshot when the session is live, otherwise its durable view, after
// which the socket is closed. ok is false when the socket is unusable.
func (g *Gateway) open(ctx context.Context, w http.ResponseWriter, r *http.Request, sessionID string) (conn *websocket.Conn, live bool, ok bool) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WarnContext(ctx, "gateway.upgrade.fail", slog.String("err", err.Error()))
		return nil, false, false
	}
	conn.SetReadLimit(g.readLimit)

	snap, err := storage.LoadSnapshot(ctx, g.store, sessionID)
	if err != nil {
		g.log.ErrorContext(ctx, "gateway.snapshot.fail", slog.String("err", err.Error()))
		g.closeWith(conn, websocket.CloseInternalServerErr, "")
		return conn, false, true
	}
	if snap == nil {
		g.sendDurable(ctx, conn, sessionID)
		return conn, false, true
	}
	if err := g.writeJSON(conn, snap); err != nil {
		g.log.DebugContext(ctx, "gateway.write.fail", slog.String("err", err.Error()))
		return conn, false, true
	}
	return conn, true, true
}

func (g *Gateway) sendDurable(ctx context.Context, conn *websocket.Conn, sessionID string) {
	sess, ok := g.ended.Get(sessionID)
	if !ok {
		loaded, err := g.records.GetSession(ctx, sessionID)
		if errors.Is(err, records.ErrNotFound) {
			g.closeWith(conn, websocket.ClosePolicyViolation, "session not found")
			return
		}
		if err != nil {
			g.log.ErrorContext(ctx, "gateway.session.load_fail", slog.String("err", err.Error()))
			g.closeWith(conn, websocket.CloseInternalServerErr, "")
			return
		}
		sess = *loaded
		if sess.Status == quiz.StatusEnded {
			g.ended.Add(sessionID, sess)
		}
	}
	if err := g.writeJSON(conn, sess); err != nil {
		g.log.DebugContext(ctx, "gateway.write.fail", slog.String("err", err.Error()))
		return
	}
	g.closeWith(conn, websocket.CloseNormalClosure, "session not live")
}

// relay runs the outbound relay against peer until either returns. Closing
// the socket once the group is cancelled unblocks a pending read in peer.
func (g *Gateway) relay(ctx context.Context, conn *websocket.Conn, sub bus.Subscription, peer func(context.Context) error) {
	grp, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	grp.Go(func() error { return peer(gctx) })
	grp.Go(func() error {
		err := g.outbound(gctx, conn, sub)
		if errors.Is(err, errSessionEnded) {
			g.closeWith(conn, websocket.CloseNormalClosure, "session ended")
		}
		return err
	})

	err := grp.Wait()
	close(stop)
	if err != nil && !errors.Is(err, errSessionEnded) && !errors.Is(err, context.Canceled) && !isClosed(err) {
		g.log.DebugContext(ctx, "gateway.relay.exit", slog.String("err", err.Error()))
	}
}

// inbound forwards every socket frame as a client_update. Frames that are
// not a player state are dropped.
func (g *Gateway) inbound(ctx context.Context, conn *websocket.Conn, sessionID, clientID string) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var p quiz.PlayerState
		if err := json.Unmarshal(data, &p); err != nil {
			g.log.DebugContext(ctx, "gateway.frame.drop", slog.String("err", err.Error()))
			continue
		}
		p.UID = clientID
		if err := bus.PublishEvent(ctx, g.bus, sessionID, event.ClientUpdate{Player: p}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.log.WarnContext(ctx, "gateway.update.publish_fail", slog.String("err", err.Error()))
		}
	}
}

// outbound forwards client-facing broadcasts until the session ends.
func (g *Gateway) outbound(ctx context.Context, conn *websocket.Conn, sub bus.Subscription) error {
	for {
		ev, err := bus.ReceiveEvent(ctx, sub, g.pollInterval)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, event.ErrProtocol) {
			continue
		}
		if err != nil {
			return err
		}
		if ev == nil {
			continue
		}

		if event.ClientFacing(ev.Topic()) {
			out, err := event.ToOutbound(ev)
			if err != nil {
				return err
			}
			if err := g.writeJSON(conn, out); err != nil {
				return err
			}
		}

		switch ev := ev.(type) {
		case event.StatusUpdate:
			if ev.Status == quiz.StatusEnded {
				return errSessionEnded
			}
		case event.CloseSocket:
			return errSessionEnded
		}
	}
}

// discard reads and drops frames until the peer goes away.
func discard(conn *websocket.Conn) error {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return err
		}
	}
}

func (g *Gateway) writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(g.writeTimeout))
	return conn.WriteJSON(v)
}

func (g *Gateway) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.writeTimeout))
}

func isClosed(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, websocket.ErrCloseSent)
}
