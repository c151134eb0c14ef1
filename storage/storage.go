// Package storage provides the fast ephemeral store that holds the live
// state of running sessions: settings, question set, connected clients,
// per-client results and the current ranking.
//
// The orchestrator of a session is its only writer and serializes its own
// writes, so implementations need no multi-key atomicity. Gateways only read.
package storage

import (
	"context"
	"time"

	"github.com/ggoodman/quizrace/quiz"
)

// Store defines the key-scoped operations on a session's live state.
// Implementations MUST be safe for concurrent use by many sessions.
type Store interface {
	// SetSettings writes the whole settings hash.
	SetSettings(ctx context.Context, sessionID string, s quiz.Settings) error
	// GetSettings returns nil when the session has no live settings.
	GetSettings(ctx context.Context, sessionID string) (*quiz.Settings, error)
	// SetStatus updates only the status field of the settings hash.
	SetStatus(ctx context.Context, sessionID string, status quiz.Status) error

	SetQuestions(ctx context.Context, sessionID string, qs []quiz.QuestionView) error
	// GetQuestions returns an empty slice when none were written.
	GetQuestions(ctx context.Context, sessionID string) ([]quiz.QuestionView, error)

	AddClient(ctx context.Context, sessionID, uid string) error
	RemoveClient(ctx context.Context, sessionID, uid string) error
	// ListClients returns the connected client set sorted by uid.
	ListClients(ctx context.Context, sessionID string) ([]string, error)

	PutResult(ctx context.Context, sessionID string, p quiz.PlayerState) error
	PutResults(ctx context.Context, sessionID string, results map[string]quiz.PlayerState) error
	// GetResults returns an empty, non-nil map when no results exist.
	GetResults(ctx context.Context, sessionID string) (map[string]quiz.PlayerState, error)

	SetRanking(ctx context.Context, sessionID string, ranking []string) error
	// GetRanking returns an empty, non-nil slice when no ranking exists.
	GetRanking(ctx context.Context, sessionID string) ([]string, error)

	// Expire schedules removal of all of the session's keys after ttl.
	Expire(ctx context.Context, sessionID string, ttl time.Duration) error

	// Close closes the storage backend and releases resources
	Close() error
}

// Snapshot is the live view of a session handed to a socket when it
// connects.
type Snapshot struct {
	Status      quiz.Status                 `json:"session_status"`
	BonusTime   float64                     `json:"bonus"`
	PenaltyTime float64                     `json:"penalty"`
	SessionName string                      `json:"session_name"`
	Questions   []quiz.QuestionView         `json:"questions"`
	ClientList  []string                    `json:"client_list"`
	ClientData  map[string]quiz.PlayerState `json:"client_data"`
	Ranking     []string                    `json:"ranking"`
}

// LoadSnapshot gathers the live state of a session. It returns nil without
// error when the session is not live: no settings were written or the
// session already ended.
func LoadSnapshot(ctx context.Context, s Store, sessionID string) (*Snapshot, error) {
	settings, err := s.GetSettings(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if settings == nil || settings.Status == quiz.StatusEnded {
		return nil, nil
	}

	questions, err := s.GetQuestions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	clients, err := s.ListClients(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	results, err := s.GetResults(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ranking, err := s.GetRanking(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Status:      settings.Status,
		BonusTime:   settings.BonusTime,
		PenaltyTime: settings.PenaltyTime,
		SessionName: settings.SessionName,
		Questions:   questions,
		ClientList:  clients,
		ClientData:  results,
		Ranking:     ranking,
	}, nil
}
