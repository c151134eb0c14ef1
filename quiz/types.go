// Package quiz holds the domain types shared by the live session engine:
// session lifecycle status, race configuration, questions and per-player
// score state.
package quiz

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a session. Transitions only ever move
// forward: CREATED, then STARTED, then ENDED.
type Status string

const (
	StatusCreated Status = "CREATED"
	StatusStarted Status = "STARTED"
	StatusEnded   Status = "ENDED"
)

// Rank orders statuses along the lifecycle. Unknown values rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 1
	case StatusStarted:
		return 2
	case StatusEnded:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.Rank() > 0 }

// Terminal reports whether s absorbs every further transition.
func (s Status) Terminal() bool { return s == StatusEnded }

// CanTransition reports whether moving from one status to another is a
// strictly forward move along the lifecycle.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return to.Rank() > from.Rank()
}

// ErrMissingUID is returned when a player state has no uid.
var ErrMissingUID = errors.New("player state: missing uid")

// PlayerState is a participant's current score snapshot.
type PlayerState struct {
	UID   string  `json:"uid"`
	Name  string  `json:"name"`
	Point float64 `json:"point"`
	Time  float64 `json:"time"`
}

// Validate checks the minimal invariants of a player state.
func (p PlayerState) Validate() error {
	if p.UID == "" {
		return ErrMissingUID
	}
	return nil
}

// Result is the final scoreboard flushed onto the durable session.
type Result struct {
	Results map[string]PlayerState `json:"results"`
	Ranking []string               `json:"ranking"`
}

// Empty reports whether the result carries no scoreboard yet.
func (r Result) Empty() bool {
	return len(r.Results) == 0 && len(r.Ranking) == 0
}

// Session is the durable record of one quiz run.
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	RaceID    string    `json:"race_id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Result    Result    `json:"result"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Race is the configuration a session is started from.
type Race struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	LibraryID   string  `json:"library_id"`
	BonusTime   float64 `json:"bonus_time"`
	PenaltyTime float64 `json:"penalty_time"`
}

// Settings is the read-mostly live configuration of a running session.
type Settings struct {
	Status      Status  `json:"status"`
	BonusTime   float64 `json:"bonus"`
	PenaltyTime float64 `json:"penalty"`
	SessionName string  `json:"session_name"`
}

// QuestionType distinguishes how a question is answered.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "MULTIPLECHOICE"
	QuestionFillInBlank    QuestionType = "FILLINTHEBLANK"
)

// Choice is one option of a multiple choice question.
type Choice struct {
	Choice   string `json:"choice"`
	Feedback string `json:"feedback,omitempty"`
}

// Question is a question bank entry including its answer key.
type Question struct {
	ID        string       `json:"id"`
	LibraryID string       `json:"library_id"`
	Prompt    []string     `json:"question"`
	Type      QuestionType `json:"question_type"`
	Choices   []Choice     `json:"choices,omitempty"`
	Answer    []string     `json:"answer"`
}

// QuestionView is the projection of a question that is safe to hand to
// participants.
type QuestionView struct {
	ID      string       `json:"id"`
	Prompt  []string     `json:"question"`
	Type    QuestionType `json:"question_type"`
	Choices []Choice     `json:"choices,omitempty"`
}

// View strips the answer key.
func (q Question) View() QuestionView {
	return QuestionView{
		ID:      q.ID,
		Prompt:  q.Prompt,
		Type:    q.Type,
		Choices: q.Choices,
	}
}

// Views projects a whole question bank, preserving order.
func Views(qs []Question) []QuestionView {
	out := make([]QuestionView, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.View())
	}
	return out
}
