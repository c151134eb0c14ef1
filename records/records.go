// Package records defines the durable store of quiz sessions and the race
// configuration they are started from. The live state of a running session
// lives in package storage; this store only sees the session's status moves
// and its final result.
package records

import (
	"context"
	"errors"

	"github.com/ggoodman/quizrace/quiz"
)

var (
	// ErrNotFound is returned when a session, race or library does not exist
	// or is not visible to the caller.
	ErrNotFound = errors.New("records: not found")
	// ErrConflict is returned when a write collides with an existing record,
	// such as a duplicate session name for the same owner.
	ErrConflict = errors.New("records: conflict")
)

// Library groups the questions of a race.
type Library struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

// Store is the durable session store.
//
// Implementations MUST be safe for concurrent use.
type Store interface {
	// CreateSession records a new session in CREATED status. The race must
	// exist and belong to ownerID.
	CreateSession(ctx context.Context, ownerID, raceID, name string) (*quiz.Session, error)
	GetSession(ctx context.Context, id string) (*quiz.Session, error)
	// ListActiveSessions returns every session that has not ENDED, oldest
	// first.
	ListActiveSessions(ctx context.Context) ([]quiz.Session, error)

	GetRace(ctx context.Context, id string) (*quiz.Race, error)
	// ListQuestions returns the question bank of a library in its stored
	// order. A missing library yields ErrNotFound; an existing but empty one
	// yields an empty slice.
	ListQuestions(ctx context.Context, libraryID string) ([]quiz.Question, error)

	// SetStatus moves a session forward. Moves that are not strictly forward
	// are silently ignored.
	SetStatus(ctx context.Context, id string, status quiz.Status) error
	// Finish marks the session ENDED and stores its final result. Repeating
	// it is harmless.
	Finish(ctx context.Context, id string, result quiz.Result) error

	Ping(ctx context.Context) error
	Close() error
}

// NormalizeResult returns r with nil collections replaced by empty ones so
// that stored results always encode as objects and arrays.
func NormalizeResult(r quiz.Result) quiz.Result {
	if r.Results == nil {
		r.Results = map[string]quiz.PlayerState{}
	}
	if r.Ranking == nil {
		r.Ranking = []string{}
	}
	return r
}
