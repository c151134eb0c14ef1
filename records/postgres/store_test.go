package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/records"
)

var testNow = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := New(db)
	store.now = func() time.Time { return testNow }
	return store, mock
}

func raceRows() *sqlmock.Rows {
	return sqlmock.NewRows(raceColumns).
		AddRow("r1", "u1", "race", "", "lib1", 2.0, 5.0)
}

func TestCreateSession(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM races WHERE id").
		WithArgs("r1").
		WillReturnRows(raceRows())
	mock.ExpectExec("INSERT INTO race_sessions").
		WithArgs(sqlmock.AnyArg(), "u1", "r1", "friday", "CREATED", sqlmock.AnyArg(), testNow, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sess, err := store.CreateSession(context.Background(), "u1", "r1", "friday")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, quiz.StatusCreated, sess.Status)
	assert.Equal(t, testNow, sess.CreatedAt)
	assert.NotNil(t, sess.Result.Results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSession_ForeignRace(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM races WHERE id").
		WithArgs("r1").
		WillReturnRows(raceRows())

	_, err := store.CreateSession(context.Background(), "u2", "r1", "friday")
	assert.ErrorIs(t, err, records.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSession_DuplicateName(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM races WHERE id").
		WithArgs("r1").
		WillReturnRows(raceRows())
	mock.ExpectExec("INSERT INTO race_sessions").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	_, err := store.CreateSession(context.Background(), "u1", "r1", "friday")
	assert.ErrorIs(t, err, records.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession(t *testing.T) {
	store, mock := newMockStore(t)

	result := `{"results":{"a":{"uid":"a","name":"A","point":3,"time":1.5}},"ranking":["a"]}`
	mock.ExpectQuery("SELECT (.+) FROM race_sessions WHERE id").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow("s1", "u1", "r1", "friday", "ENDED", []byte(result), testNow, testNow))

	sess, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, quiz.StatusEnded, sess.Status)
	assert.Equal(t, []string{"a"}, sess.Result.Ranking)
	assert.Equal(t, 3.0, sess.Result.Results["a"].Point)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM race_sessions WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestListActiveSessions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM race_sessions WHERE status <> (.+) ORDER BY created_at ASC").
		WithArgs("ENDED").
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow("s1", "u1", "r1", "one", "CREATED", []byte(`{}`), testNow, testNow).
			AddRow("s2", "u1", "r1", "two", "STARTED", []byte(`{}`), testNow, testNow))

	sessions, err := store.ListActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.Equal(t, quiz.StatusStarted, sessions[1].Status)
	assert.NotNil(t, sessions[0].Result.Ranking)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRace_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM races WHERE id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(raceColumns))

	_, err := store.GetRace(context.Background(), "nope")
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestListQuestions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT 1 FROM libraries WHERE id").
		WithArgs("lib1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("SELECT (.+) FROM questions WHERE library_id (.+) ORDER BY position ASC").
		WithArgs("lib1").
		WillReturnRows(sqlmock.NewRows(questionColumns).
			AddRow("q1", "lib1", []byte(`["What is", "?"]`), "FILLINTHEBLANK", []byte(`[]`), []byte(`["Go"]`)).
			AddRow("q2", "lib1", []byte(`["Pick one"]`), "MULTIPLECHOICE", []byte(`[{"choice":"a"},{"choice":"b"}]`), []byte(`["a"]`)))

	qs, err := store.ListQuestions(context.Background(), "lib1")
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, []string{"What is", "?"}, qs[0].Prompt)
	assert.Equal(t, quiz.QuestionMultipleChoice, qs[1].Type)
	assert.Len(t, qs[1].Choices, 2)
	assert.Equal(t, []string{"a"}, qs[1].Answer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListQuestions_MissingLibrary(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT 1 FROM libraries WHERE id").
		WithArgs("lib1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	_, err := store.ListQuestions(context.Background(), "lib1")
	assert.ErrorIs(t, err, records.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatus(t *testing.T) {
	t.Run("forward move", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE race_sessions SET status").
			WithArgs("STARTED", testNow, "s1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.SetStatus(context.Background(), "s1", quiz.StatusStarted))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("backward move is ignored", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE race_sessions SET status").
			WithArgs("CREATED", testNow, "s1", 1).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1 FROM race_sessions WHERE id").
			WithArgs("s1").
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		require.NoError(t, store.SetStatus(context.Background(), "s1", quiz.StatusCreated))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing session", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE race_sessions SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1 FROM race_sessions WHERE id").
			WithArgs("s1").
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

		err := store.SetStatus(context.Background(), "s1", quiz.StatusEnded)
		assert.ErrorIs(t, err, records.ErrNotFound)
	})

	t.Run("invalid status", func(t *testing.T) {
		store, mock := newMockStore(t)
		assert.Error(t, store.SetStatus(context.Background(), "s1", quiz.Status("PAUSED")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFinish(t *testing.T) {
	store, mock := newMockStore(t)

	result := quiz.Result{
		Results: map[string]quiz.PlayerState{"a": {UID: "a", Point: 3, Time: 1}},
		Ranking: []string{"a"},
	}
	data, err := json.Marshal(result)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		mock.ExpectExec("UPDATE race_sessions SET status").
			WithArgs("ENDED", data, testNow, "s1").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, store.Finish(context.Background(), "s1", result))
	require.NoError(t, store.Finish(context.Background(), "s1", result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinish_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE race_sessions SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Finish(context.Background(), "missing", quiz.Result{})
	assert.ErrorIs(t, err, records.ErrNotFound)
}
