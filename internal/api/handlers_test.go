package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedline/feedline-backend/internal/cache"
	"github.com/feedline/feedline-backend/internal/calendar"
	"github.com/feedline/feedline-backend/internal/feed"
	"github.com/feedline/feedline-backend/internal/feed/mock"
	"github.com/feedline/feedline-backend/internal/schedule"
	"github.com/feedline/feedline-backend/internal/store"
	"github.com/feedline/feedline-backend/internal/ws"
)

type testEnv struct {
	router http.Handler
	store  *store.MemoryStore
	feed   *mock.Feed
	cache  *cache.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zap.NewNop().Sugar()
	st := store.NewMemoryStore()
	fd := mock.NewFeed(nil)
	c := cache.New("", nil, nil)
	t.Cleanup(func() { c.Close() })

	windows, err := calendar.ParseWindows([]string{"09:00", "14:00", "19:00"})
	require.NoError(t, err)
	cal := calendar.New(time.UTC, nil, nil)
	gen := calendar.NewGenerator(cal, windows, time.UTC, 30)

	engine := schedule.New(st, fd, gen, c, logger, nil, time.Minute)
	hub := ws.NewHub(c, nil, logger, nil)
	sse := ws.NewSSEHandler(c, nil, logger)

	h := NewHandler(engine, st, nil, c, hub, sse, logger)
	m := NewMiddleware(logger, nil)

	return &testEnv{
		router: h.Routes(m, []string{"http://localhost:3000"}, 600),
		store:  st,
		feed:   fd,
		cache:  c,
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeEntry(t *testing.T, rec *httptest.ResponseRecorder) EntryDTO {
	t.Helper()
	var dto EntryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	return dto
}

func addPending(t *testing.T, st *store.MemoryStore, id, text string) {
	t.Helper()
	require.NoError(t, st.CreateEntry(context.Background(), &store.Entry{
		ID:     id,
		Text:   text,
		Status: store.StatusPending,
	}))
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApproveLifecycle(t *testing.T) {
	env := newTestEnv(t)
	addPending(t, env.store, "a", "alpha")

	rec := env.do(t, http.MethodPost, "/v1/entries/a/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	dto := decodeEntry(t, rec)
	assert.Equal(t, "scheduled", dto.Status)
	require.NotNil(t, dto.Number)
	assert.Equal(t, 1, *dto.Number)
	assert.NotNil(t, dto.ScheduledTime)
	assert.NotEmpty(t, dto.ExternalRef)

	require.Len(t, env.feed.Posts(), 1)
	assert.Equal(t, "#1 alpha", env.feed.Posts()[0].Text)

	// Approving a scheduled entry is a conflict.
	rec = env.do(t, http.MethodPost, "/v1/entries/a/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApproveWithEditedText(t *testing.T) {
	env := newTestEnv(t)
	addPending(t, env.store, "a", "alpha")

	rec := env.do(t, http.MethodPost, "/v1/entries/a/approve", EditTextRequest{Text: "alpha, moderated"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "alpha, moderated", decodeEntry(t, rec).Text)

	require.Len(t, env.feed.Posts(), 1)
	assert.Equal(t, "#1 alpha, moderated", env.feed.Posts()[0].Text)
}

func TestApproveUnknownEntry(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/entries/nope/approve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveFeedDown(t *testing.T) {
	env := newTestEnv(t)
	addPending(t, env.store, "a", "alpha")
	env.feed.FailCreate(feed.ErrUnavailable)

	rec := env.do(t, http.MethodPost, "/v1/entries/a/approve", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "FEED_UNAVAILABLE", errResp.Code)
}

func TestDenyAndRestore(t *testing.T) {
	env := newTestEnv(t)
	addPending(t, env.store, "a", "alpha")

	rec := env.do(t, http.MethodPost, "/v1/entries/a/deny", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "denied", decodeEntry(t, rec).Status)

	rec = env.do(t, http.MethodPost, "/v1/entries/a/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decodeEntry(t, rec).Status)
}

func TestListEntries(t *testing.T) {
	env := newTestEnv(t)
	addPending(t, env.store, "a", "alpha")
	addPending(t, env.store, "b", "beta")

	rec := env.do(t, http.MethodGet, "/v1/entries?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list EntryListDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	rec = env.do(t, http.MethodGet, "/v1/entries?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSwapEndpoints(t *testing.T) {
	env := newTestEnv(t)
	addPending(t, env.store, "a", "alpha")
	addPending(t, env.store, "b", "beta")
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/entries/a/approve", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/entries/b/approve", nil).Code)

	rec := env.do(t, http.MethodPost, "/v1/entries/a/swap/later", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decodeEntry(t, rec)
	require.NotNil(t, dto.Number)
	assert.Equal(t, 2, *dto.Number)

	rec = env.do(t, http.MethodPost, "/v1/entries/a/swap/later", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/entries/a/swap/sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditTextEndpoint(t *testing.T) {
	env := newTestEnv(t)
	addPending(t, env.store, "a", "alpha")

	rec := env.do(t, http.MethodPut, "/v1/entries/a/text", EditTextRequest{Text: "alpha, revised"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alpha, revised", decodeEntry(t, rec).Text)

	rec = env.do(t, http.MethodPut, "/v1/entries/a/text", EditTextRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnscheduleEndpoint(t *testing.T) {
	env := newTestEnv(t)
	addPending(t, env.store, "a", "alpha")
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/entries/a/approve", nil).Code)

	rec := env.do(t, http.MethodPost, "/v1/entries/a/unschedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decodeEntry(t, rec).Status)
	assert.Empty(t, env.feed.Posts())
}

func TestReconcileEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.feed.SeedPost("#3 from outside", time.Now().Add(48*time.Hour))

	rec := env.do(t, http.MethodPost, "/v1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res schedule.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Adopted)
}

func TestReconcileConflictsWithRunningPass(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	got, err := env.cache.TryLock(ctx, cache.KeyReconcileLock, time.Minute)
	require.NoError(t, err)
	require.True(t, got)

	rec := env.do(t, http.MethodPost, "/v1/reconcile", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "RECONCILE_RUNNING", errResp.Code)

	require.NoError(t, env.cache.Unlock(ctx, cache.KeyReconcileLock))
	rec = env.do(t, http.MethodPost, "/v1/reconcile", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReconcileFeedDown(t *testing.T) {
	env := newTestEnv(t)
	env.feed.FailList(feed.ErrUnavailable)

	rec := env.do(t, http.MethodPost, "/v1/reconcile", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	addPending(t, env.store, "a", "alpha")

	rec := env.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var dto StatsDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, 1, dto.Counts["pending"])
	assert.Equal(t, 1, dto.NextNumber)
}

func TestCounterEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/admin/counter", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dto CounterDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, 1, dto.Next)

	rec = env.do(t, http.MethodPost, "/v1/admin/counter", CounterRequest{Next: 40})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/admin/counter", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, 40, dto.Next)

	rec = env.do(t, http.MethodPost, "/v1/admin/counter", CounterRequest{Next: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntakeSyncNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/intake/sync", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
