package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedline-backend/internal/cache"
	"github.com/feedline/feedline-backend/internal/config"
)

type capturedMail struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func newMailServer(t *testing.T, sent *atomic.Int32, last *capturedMail) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(last))
		sent.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(url string) config.NotifyConfig {
	return config.NotifyConfig{
		Enabled:       true,
		APIURL:        url,
		APIKey:        "test-key",
		FromEmail:     "feedline@example.com",
		Recipients:    []string{"mods@example.com"},
		AlertCooldown: time.Hour,
		AppURL:        "https://feedline.example.com/queue",
	}
}

func TestAlertPendingBacklog(t *testing.T) {
	ctx := context.Background()
	var sent atomic.Int32
	var last capturedMail
	srv := newMailServer(t, &sent, &last)

	n := New(testConfig(srv.URL), cache.New("", nil, nil), nil)
	require.NoError(t, n.AlertPendingBacklog(ctx, 25))

	assert.Equal(t, int32(1), sent.Load())
	assert.Equal(t, "feedline@example.com", last.From)
	assert.Equal(t, []string{"mods@example.com"}, last.To)
	assert.Contains(t, last.Subject, "25")
	assert.Contains(t, last.HTML, "https://feedline.example.com/queue")
}

func TestAlertEmptyWindow(t *testing.T) {
	ctx := context.Background()
	var sent atomic.Int32
	var last capturedMail
	srv := newMailServer(t, &sent, &last)

	n := New(testConfig(srv.URL), cache.New("", nil, nil), nil)
	at := time.Date(2026, 9, 10, 14, 0, 0, 0, time.UTC)
	require.NoError(t, n.AlertEmptyWindow(ctx, at))

	assert.Equal(t, int32(1), sent.Load())
	assert.Contains(t, last.HTML, "14:00")
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	ctx := context.Background()
	var sent atomic.Int32
	var last capturedMail
	srv := newMailServer(t, &sent, &last)

	n := New(testConfig(srv.URL), cache.New("", nil, nil), nil)
	require.NoError(t, n.AlertPendingBacklog(ctx, 25))
	require.NoError(t, n.AlertPendingBacklog(ctx, 30))
	require.NoError(t, n.AlertEmptyWindow(ctx, time.Now()))

	assert.Equal(t, int32(1), sent.Load(), "alerts within the cooldown share one mail")
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	ctx := context.Background()
	var sent atomic.Int32
	var last capturedMail
	srv := newMailServer(t, &sent, &last)

	cfg := testConfig(srv.URL)
	cfg.Enabled = false
	n := New(cfg, cache.New("", nil, nil), nil)

	require.NoError(t, n.AlertPendingBacklog(ctx, 100))
	assert.Zero(t, sent.Load())
}

func TestMailAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(testConfig(srv.URL), nil, nil)
	assert.Error(t, n.AlertPendingBacklog(context.Background(), 25))
}
