package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/quizrace/bus"
	busmemory "github.com/ggoodman/quizrace/bus/memory"
	"github.com/ggoodman/quizrace/event"
	"github.com/ggoodman/quizrace/gateway"
	"github.com/ggoodman/quizrace/internal/jwtauth"
	"github.com/ggoodman/quizrace/orchestrator"
	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/records"
	recmemory "github.com/ggoodman/quizrace/records/memory"
	stmemory "github.com/ggoodman/quizrace/storage/memory"
)

var testSecret = []byte("server-test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	bus     *busmemory.Bus
	records *recmemory.Store
	handler http.Handler
}

func newFixture(t *testing.T, checks ...ReadyCheck) *fixture {
	t.Helper()
	f := &fixture{bus: busmemory.New(0), records: recmemory.New()}
	t.Cleanup(func() { _ = f.bus.Close() })

	f.records.PutLibrary(records.Library{ID: "lib1", OwnerID: "mod"})
	f.records.PutRace(quiz.Race{ID: "r1", OwnerID: "mod", LibraryID: "lib1"})

	gw, err := gateway.New(gateway.Config{
		Bus:          f.bus,
		Store:        stmemory.New(),
		Records:      f.records,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	authCfg := jwtauth.DefaultConfig()
	authCfg.Secret = testSecret
	authCfg.Issuer = "quizrace"
	auth, err := jwtauth.New(authCfg)
	require.NoError(t, err)

	f.handler, err = New(Config{
		Sessions: orchestrator.NewController(f.bus, f.records, nil, nil),
		Gateway:  gw,
		Auth:     auth,
		Checks:   checks,
	})
	require.NoError(t, err)
	return f
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "quizrace",
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, PathHealth, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestReady(t *testing.T) {
	f := newFixture(t, ReadyCheck{Name: "records", Check: func(ctx context.Context) error { return nil }})
	rec := f.do(t, http.MethodGet, PathReady, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f = newFixture(t, ReadyCheck{Name: "redis", Check: func(ctx context.Context) error { return errors.New("down") }})
	rec = f.do(t, http.MethodGet, PathReady, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"unavailable"`)
}

func TestRESTRequiresBearer(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/sessions", "", map[string]string{"race_id": "r1", "name": "n"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/x", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateAndGetSession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions", "mod", map[string]string{"race_id": "r1", "name": "Friday"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created quiz.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, quiz.StatusCreated, created.Status)
	assert.Equal(t, "mod", created.OwnerID)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/"+created.ID, "mod", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got quiz.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/"+created.ID, "someone-else", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions", "mod", map[string]string{"race_id": "r1", "name": "Friday"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/sessions", "mod", map[string]string{"race_id": "r1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions", "mod", map[string]string{"race_id": "r1", "name": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions", "mod", map[string]string{"race_id": "missing", "name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAndEndPublishStatus(t *testing.T) {
	f := newFixture(t)
	sess, err := f.records.CreateSession(context.Background(), "mod", "r1", "s")
	require.NoError(t, err)

	sub, err := f.bus.Subscribe(context.Background(), sess.ID)
	require.NoError(t, err)
	defer sub.Close()

	rec := f.do(t, http.MethodPut, "/api/v1/session/start/"+sess.ID, "mod", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ev, err := bus.ReceiveEvent(context.Background(), sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, event.StatusUpdate{Status: quiz.StatusStarted}, ev)

	rec = f.do(t, http.MethodPut, "/api/v1/session/end/"+sess.ID, "intruder", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.records.SetStatus(context.Background(), sess.ID, quiz.StatusEnded))
	rec = f.do(t, http.MethodPut, "/api/v1/session/end/"+sess.ID, "mod", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWebSocketRoutesArePublic(t *testing.T) {
	f := newFixture(t)
	sess, err := f.records.CreateSession(context.Background(), "mod", "r1", "s")
	require.NoError(t, err)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	// With no live state the viewer receives the durable session and a
	// normal close.
	conn, _, err := websocket.DefaultDialer.Dial(base+"/api/v1/session/ws_user/"+sess.ID, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got quiz.Session
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, sess.ID, got.ID)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected err %v", err)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
