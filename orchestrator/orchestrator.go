// Package orchestrator runs the authoritative control loop of live quiz
// sessions.
//
// Each session has exactly one orchestrator. It is the only writer of the
// session's live state in the fast store and of its durable status and
// result. It consumes the session's bus channel, batches participant
// submissions into a consistent scoreboard, enforces the session timeouts and
// flushes the final result when the session ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/quizrace/bus"
	"github.com/ggoodman/quizrace/event"
	"github.com/ggoodman/quizrace/internal/logctx"
	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/records"
	"github.com/ggoodman/quizrace/scoreboard"
	"github.com/ggoodman/quizrace/storage"
)

// flushTimeout bounds the final flush, which runs detached from the
// session's context.
const flushTimeout = 30 * time.Second

// Orchestrator runs session control loops against shared infrastructure.
// A single Orchestrator may run many sessions concurrently, one Run call
// per session.
type Orchestrator struct {
	bus     bus.Bus
	store   storage.Store
	records records.Store
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

// New creates an Orchestrator. Zero timings in cfg take their defaults.
func New(b bus.Bus, store storage.Store, rec records.Store, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		bus:     b,
		store:   store,
		records: rec,
		cfg:     cfg.withDefaults(),
		log:     logger,
		now:     time.Now,
	}
}

// session is the loop state of one running session.
type session struct {
	o         *Orchestrator
	id        string
	startTime time.Time
	status    quiz.Status
	sub       bus.Subscription
	batch     scoreboard.Batch
	lastFlush time.Time
}

// Run bootstraps the session and drives its loop until the session ends or
// ctx is cancelled.
//
// A session that ends (explicitly or by timeout) is flushed to the durable
// store before Run returns nil. Cancellation exits without flushing and
// returns ctx.Err(); the durable session keeps its last status so it can be
// resumed. Bootstrap failures are returned without entering the loop and
// wrap records.ErrNotFound when the session, its race or its question bank
// is missing.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, startTime time.Time) error {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})

	s, err := o.bootstrap(ctx, sessionID, startTime)
	if err != nil {
		o.log.ErrorContext(ctx, "orchestrator.bootstrap.fail", slog.String("err", err.Error()))
		return err
	}
	if s == nil {
		o.log.InfoContext(ctx, "orchestrator.bootstrap.already_ended")
		return nil
	}
	defer func() { _ = s.sub.Close() }()

	o.log.InfoContext(ctx, "orchestrator.start",
		slog.String("status", string(s.status)),
		slog.Time("start_time", startTime))

	return s.loop(ctx)
}

func (o *Orchestrator) bootstrap(ctx context.Context, sessionID string, startTime time.Time) (*session, error) {
	sess, err := o.records.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess.Status == quiz.StatusEnded {
		return nil, nil
	}
	race, err := o.records.GetRace(ctx, sess.RaceID)
	if err != nil {
		return nil, fmt.Errorf("loading race: %w", err)
	}
	questions, err := o.records.ListQuestions(ctx, race.LibraryID)
	if err != nil {
		return nil, fmt.Errorf("loading question bank: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("library %s has no questions: %w", race.LibraryID, records.ErrNotFound)
	}

	status := sess.Status
	if !status.Valid() {
		status = quiz.StatusCreated
	}

	// Subscribe before publishing the settings: gateways treat the settings
	// as the signal that the session is live and may publish right away.
	sub, err := o.bus.Subscribe(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("subscribing to session channel: %w", err)
	}
	if err := o.store.SetQuestions(ctx, sessionID, quiz.Views(questions)); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("writing question set: %w", err)
	}
	settings := quiz.Settings{
		Status:      status,
		BonusTime:   race.BonusTime,
		PenaltyTime: race.PenaltyTime,
		SessionName: sess.Name,
	}
	if err := o.store.SetSettings(ctx, sessionID, settings); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("writing settings: %w", err)
	}

	return &session{
		o:         o,
		id:        sessionID,
		startTime: startTime,
		status:    status,
		sub:       sub,
		lastFlush: o.now(),
	}, nil
}

func (s *session) loop(ctx context.Context) error {
	o := s.o
	for {
		if s.timedOut() {
			o.log.InfoContext(ctx, "orchestrator.timeout", slog.String("status", string(s.status)))
			if err := bus.PublishEvent(ctx, o.bus, s.id, event.StatusUpdate{Status: quiz.StatusEnded}); err != nil {
				o.log.WarnContext(ctx, "orchestrator.publish.fail", slog.String("topic", string(event.TopicUpdateStatus)), slog.String("err", err.Error()))
			}
			s.status = quiz.StatusEnded
			return s.finish(ctx)
		}

		ev, err := bus.ReceiveEvent(ctx, s.sub, o.cfg.PollInterval)
		switch {
		case ctx.Err() != nil:
			o.log.InfoContext(ctx, "orchestrator.cancelled", slog.String("status", string(s.status)))
			return ctx.Err()
		case errors.Is(err, event.ErrProtocol):
			o.log.DebugContext(ctx, "orchestrator.message.drop", slog.String("err", err.Error()))
		case errors.Is(err, bus.ErrClosed):
			o.log.WarnContext(ctx, "orchestrator.subscription.closed")
			if err := s.resubscribe(ctx); err != nil {
				return err
			}
		case err != nil:
			o.log.WarnContext(ctx, "orchestrator.receive.fail", slog.String("err", err.Error()))
		case ev != nil:
			if s.dispatch(ctx, ev) {
				return s.finish(ctx)
			}
		}

		if s.batch.Len() > 0 && o.now().Sub(s.lastFlush) >= o.cfg.BatchWindow {
			if err := s.flushBatch(ctx); err != nil {
				o.log.WarnContext(ctx, "orchestrator.batch.fail", slog.String("err", err.Error()))
			}
		}
	}
}

// timedOut applies the CREATED and total timeouts, both measured from the
// session's start time.
func (s *session) timedOut() bool {
	elapsed := s.o.now().Sub(s.startTime)
	switch s.status {
	case quiz.StatusCreated:
		return elapsed > s.o.cfg.CreatedTimeout
	case quiz.StatusStarted:
		return elapsed > s.o.cfg.TotalTimeout
	default:
		return false
	}
}

func (s *session) resubscribe(ctx context.Context) error {
	for {
		sub, err := s.o.bus.Subscribe(ctx, s.id)
		if err == nil {
			s.sub = sub
			return nil
		}
		s.o.log.WarnContext(ctx, "orchestrator.resubscribe.fail", slog.String("err", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.o.cfg.PollInterval):
		}
	}
}

// dispatch applies one bus event. It reports whether the session has ended.
func (s *session) dispatch(ctx context.Context, ev event.Event) bool {
	o := s.o
	switch ev := ev.(type) {
	case event.StatusUpdate:
		if !quiz.CanTransition(s.status, ev.Status) {
			o.log.DebugContext(ctx, "orchestrator.status.ignore",
				slog.String("from", string(s.status)),
				slog.String("to", string(ev.Status)))
			return false
		}
		s.status = ev.Status
		if err := o.store.SetStatus(ctx, s.id, ev.Status); err != nil {
			o.log.WarnContext(ctx, "orchestrator.store.fail", slog.String("op", "set_status"), slog.String("err", err.Error()))
		}
		if err := o.records.SetStatus(ctx, s.id, ev.Status); err != nil {
			o.log.WarnContext(ctx, "orchestrator.records.fail", slog.String("op", "set_status"), slog.String("err", err.Error()))
		}
		o.log.InfoContext(ctx, "orchestrator.status", slog.String("status", string(ev.Status)))
		return ev.Status == quiz.StatusEnded

	case event.ClientUpdate:
		if err := ev.Player.Validate(); err != nil {
			o.log.DebugContext(ctx, "orchestrator.message.drop", slog.String("err", err.Error()))
			return false
		}
		s.batch.Add(ev.Player)

	case event.ClientJoin:
		if err := ev.Player.Validate(); err != nil {
			o.log.DebugContext(ctx, "orchestrator.message.drop", slog.String("err", err.Error()))
			return false
		}
		if err := o.store.AddClient(ctx, s.id, ev.Player.UID); err != nil {
			o.log.WarnContext(ctx, "orchestrator.store.fail", slog.String("op", "add_client"), slog.String("err", err.Error()))
			return false
		}
		// A rejoining player keeps the state recorded so far.
		results, err := o.store.GetResults(ctx, s.id)
		if err != nil {
			o.log.WarnContext(ctx, "orchestrator.store.fail", slog.String("op", "get_results"), slog.String("err", err.Error()))
		} else if _, known := results[ev.Player.UID]; !known {
			if err := o.store.PutResult(ctx, s.id, ev.Player); err != nil {
				o.log.WarnContext(ctx, "orchestrator.store.fail", slog.String("op", "put_result"), slog.String("err", err.Error()))
			}
		}
		o.log.DebugContext(ctx, "orchestrator.client.join", slog.String("uid", ev.Player.UID))
		s.broadcastUsers(ctx)

	case event.ClientLeave:
		if err := o.store.RemoveClient(ctx, s.id, ev.UID); err != nil {
			o.log.WarnContext(ctx, "orchestrator.store.fail", slog.String("op", "remove_client"), slog.String("err", err.Error()))
			return false
		}
		o.log.DebugContext(ctx, "orchestrator.client.leave", slog.String("uid", ev.UID))
		s.broadcastUsers(ctx)

	default:
		// Broadcasts produced by the orchestrator itself.
	}
	return false
}

func (s *session) broadcastUsers(ctx context.Context) {
	o := s.o
	clients, err := o.store.ListClients(ctx, s.id)
	if err != nil {
		o.log.WarnContext(ctx, "orchestrator.store.fail", slog.String("op", "list_clients"), slog.String("err", err.Error()))
		return
	}
	results, err := o.store.GetResults(ctx, s.id)
	if err != nil {
		o.log.WarnContext(ctx, "orchestrator.store.fail", slog.String("op", "get_results"), slog.String("err", err.Error()))
		return
	}
	s.publish(ctx, event.UsersSnapshot{PlayerList: clients, Data: results})
}

func (s *session) publish(ctx context.Context, ev event.Event) {
	if err := bus.PublishEvent(ctx, s.o.bus, s.id, ev); err != nil {
		s.o.log.WarnContext(ctx, "orchestrator.publish.fail", slog.String("topic", string(ev.Topic())), slog.String("err", err.Error()))
	}
}

// mergeBatch folds the pending submissions into the stored results and
// recomputes the ranking over the complete map. The queue is only emptied
// once both the results and the ranking are stored.
func (s *session) mergeBatch(ctx context.Context) (map[string]quiz.PlayerState, []string, error) {
	o := s.o
	results, err := o.store.GetResults(ctx, s.id)
	if err != nil {
		return nil, nil, fmt.Errorf("reading results: %w", err)
	}
	merged := s.batch.Merge(results)
	ranking := scoreboard.Rank(merged)
	if err := o.store.PutResults(ctx, s.id, merged); err != nil {
		return nil, nil, fmt.Errorf("writing results: %w", err)
	}
	if err := o.store.SetRanking(ctx, s.id, ranking); err != nil {
		return nil, nil, fmt.Errorf("writing ranking: %w", err)
	}
	s.batch.Reset()
	return merged, ranking, nil
}

func (s *session) flushBatch(ctx context.Context) error {
	n := s.batch.Len()
	results, ranking, err := s.mergeBatch(ctx)
	s.lastFlush = s.o.now()
	if err != nil {
		return err
	}
	s.o.log.DebugContext(ctx, "orchestrator.batch", slog.Int("updates", n), slog.Int("players", len(results)))
	s.publish(ctx, event.ResultSnapshot{Ranking: ranking, Data: results})
	return nil
}

// finish flushes the ended session and releases its live state. It runs on
// a context detached from ctx so that a shutdown racing the end of a session
// does not lose the result.
func (s *session) finish(parent context.Context) error {
	o := s.o
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), flushTimeout)
	defer cancel()

	var (
		results map[string]quiz.PlayerState
		ranking []string
		err     error
	)
	if s.batch.Len() > 0 {
		results, ranking, err = s.mergeBatch(ctx)
		if err != nil {
			o.log.WarnContext(ctx, "orchestrator.batch.fail", slog.String("err", err.Error()))
		}
	}
	if results == nil {
		if results, err = o.store.GetResults(ctx, s.id); err != nil {
			o.log.WarnContext(ctx, "orchestrator.store.fail", slog.String("op", "get_results"), slog.String("err", err.Error()))
			results = map[string]quiz.PlayerState{}
		}
		// Submissions a failed merge left queued still reach the durable result.
		results = s.batch.Merge(results)
		s.batch.Reset()
		ranking = scoreboard.Rank(results)
		if err := o.store.SetRanking(ctx, s.id, ranking); err != nil {
			o.log.WarnContext(ctx, "orchestrator.store.fail", slog.String("op", "set_ranking"), slog.String("err", err.Error()))
		}
	}

	if err := o.store.SetStatus(ctx, s.id, quiz.StatusEnded); err != nil {
		o.log.WarnContext(ctx, "orchestrator.store.fail", slog.String("op", "set_status"), slog.String("err", err.Error()))
	}

	result := quiz.Result{Results: results, Ranking: ranking}
	if err := o.records.Finish(ctx, s.id, result); err != nil {
		o.log.WarnContext(ctx, "orchestrator.records.fail", slog.String("op", "finish"), slog.String("err", err.Error()))
		select {
		case <-ctx.Done():
		case <-time.After(o.cfg.FlushRetryDelay):
		}
		if err := o.records.Finish(ctx, s.id, result); err != nil {
			o.log.ErrorContext(ctx, "orchestrator.records.finish_lost", slog.String("err", err.Error()))
		}
	}

	s.publish(ctx, event.ResultSnapshot{Ranking: ranking, Data: results})
	s.publish(ctx, event.CloseSocket{})

	if err := o.store.Expire(ctx, s.id, o.cfg.LiveStateTTL); err != nil {
		o.log.WarnContext(ctx, "orchestrator.store.fail", slog.String("op", "expire"), slog.String("err", err.Error()))
	}

	o.log.InfoContext(ctx, "orchestrator.end", slog.Int("players", len(results)))
	return nil
}
