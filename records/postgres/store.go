// Package postgres provides a PostgreSQL records.Store. Queries are built
// with squirrel and the schema ships as embedded golang-migrate migrations.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/records"
)

// uniqueViolation is the SQLSTATE postgres reports for unique constraint
// failures.
const uniqueViolation = "23505"

// statusRank mirrors quiz.Status.Rank inside SQL so that status moves can be
// guarded in a single UPDATE.
const statusRank = "CASE status WHEN 'CREATED' THEN 1 WHEN 'STARTED' THEN 2 WHEN 'ENDED' THEN 3 ELSE 0 END"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var sessionColumns = []string{
	"id", "owner_id", "race_id", "name", "status", "result", "created_at", "updated_at",
}

var raceColumns = []string{
	"id", "owner_id", "name", "description", "library_id", "bonus_time", "penalty_time",
}

var questionColumns = []string{
	"id", "library_id", "prompt", "question_type", "choices", "answer",
}

// Store implements records.Store using PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open connects to the database at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return New(db), nil
}

// DB exposes the underlying handle, for migrations.
func (s *Store) DB() *sql.DB { return s.db }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*quiz.Session, error) {
	var (
		sess   quiz.Session
		status string
		result []byte
	)
	if err := row.Scan(&sess.ID, &sess.OwnerID, &sess.RaceID, &sess.Name, &status, &result, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Status = quiz.Status(status)
	if len(result) > 0 {
		if err := json.Unmarshal(result, &sess.Result); err != nil {
			return nil, fmt.Errorf("decoding result of session %s: %w", sess.ID, err)
		}
	}
	sess.Result = records.NormalizeResult(sess.Result)
	return &sess, nil
}

func (s *Store) CreateSession(ctx context.Context, ownerID, raceID, name string) (*quiz.Session, error) {
	race, err := s.GetRace(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if race.OwnerID != ownerID {
		return nil, fmt.Errorf("race %s: %w", raceID, records.ErrNotFound)
	}

	now := s.now().UTC()
	sess := &quiz.Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		RaceID:    raceID,
		Name:      name,
		Status:    quiz.StatusCreated,
		Result:    records.NormalizeResult(quiz.Result{}),
		CreatedAt: now,
		UpdatedAt: now,
	}
	result, err := json.Marshal(sess.Result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	query, args, err := psq.Insert("race_sessions").
		Columns(sessionColumns...).
		Values(sess.ID, sess.OwnerID, sess.RaceID, sess.Name, string(sess.Status), result, sess.CreatedAt, sess.UpdatedAt).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("session name %q: %w", name, records.ErrConflict)
		}
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*quiz.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("race_sessions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, records.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]quiz.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("race_sessions").
		Where(sq.NotEq{"status": string(quiz.StatusEnded)}).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []quiz.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

func (s *Store) GetRace(ctx context.Context, id string) (*quiz.Race, error) {
	query, args, err := psq.Select(raceColumns...).
		From("races").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	var r quiz.Race
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&r.ID, &r.OwnerID, &r.Name, &r.Description, &r.LibraryID, &r.BonusTime, &r.PenaltyTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("race %s: %w", id, records.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying race: %w", err)
	}
	return &r, nil
}

func (s *Store) ListQuestions(ctx context.Context, libraryID string) ([]quiz.Question, error) {
	exists, err := s.exists(ctx, "libraries", libraryID)
	if err != nil {
		return nil, fmt.Errorf("querying library: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("library %s: %w", libraryID, records.ErrNotFound)
	}

	query, args, err := psq.Select(questionColumns...).
		From("questions").
		Where(sq.Eq{"library_id": libraryID}).
		OrderBy("position ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []quiz.Question{}
	for rows.Next() {
		var (
			q                       quiz.Question
			qtype                   string
			prompt, choices, answer []byte
		)
		if err := rows.Scan(&q.ID, &q.LibraryID, &prompt, &qtype, &choices, &answer); err != nil {
			return nil, fmt.Errorf("scanning question: %w", err)
		}
		q.Type = quiz.QuestionType(qtype)
		if err := unmarshalColumn(prompt, &q.Prompt); err != nil {
			return nil, fmt.Errorf("decoding prompt of question %s: %w", q.ID, err)
		}
		if err := unmarshalColumn(choices, &q.Choices); err != nil {
			return nil, fmt.Errorf("decoding choices of question %s: %w", q.ID, err)
		}
		if err := unmarshalColumn(answer, &q.Answer); err != nil {
			return nil, fmt.Errorf("decoding answer of question %s: %w", q.ID, err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating questions: %w", err)
	}
	return out, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status quiz.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	query, args, err := psq.Update("race_sessions").
		Set("status", string(status)).
		Set("updated_at", s.now().UTC()).
		Where(sq.Eq{"id": id}).
		Where(sq.Expr(statusRank+" < ?", status.Rank())).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	// Nothing changed: either the move was not forward or the row is missing.
	exists, err := s.exists(ctx, "race_sessions", id)
	if err != nil {
		return fmt.Errorf("querying session: %w", err)
	}
	if !exists {
		return fmt.Errorf("session %s: %w", id, records.ErrNotFound)
	}
	return nil
}

func (s *Store) Finish(ctx context.Context, id string, result quiz.Result) error {
	data, err := json.Marshal(records.NormalizeResult(result))
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	query, args, err := psq.Update("race_sessions").
		Set("status", string(quiz.StatusEnded)).
		Set("result", data).
		Set("updated_at", s.now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, records.ErrNotFound)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) exists(ctx context.Context, table, id string) (bool, error) {
	query, args, err := psq.Select("1").From(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func unmarshalColumn(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

var _ records.Store = (*Store)(nil)
