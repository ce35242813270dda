package jobs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedline-backend/internal/cache"
	"github.com/feedline/feedline-backend/internal/calendar"
	"github.com/feedline/feedline-backend/internal/config"
	"github.com/feedline/feedline-backend/internal/intake"
	"github.com/feedline/feedline-backend/internal/notify"
	"github.com/feedline/feedline-backend/internal/store"
)

func testGenerator(t *testing.T) *calendar.Generator {
	t.Helper()
	windows, err := calendar.ParseWindows([]string{"09:00", "19:00"})
	require.NoError(t, err)
	return calendar.NewGenerator(calendar.New(time.UTC, nil, nil), windows, time.UTC, 30)
}

func testNotifier(t *testing.T, mailURL string, threshold int) *notify.Notifier {
	t.Helper()
	c := cache.New("", nil, nil)
	t.Cleanup(func() { c.Close() })
	return notify.New(config.NotifyConfig{
		Enabled:          true,
		APIURL:           mailURL,
		APIKey:           "test-key",
		FromEmail:        "queue@feedline.test",
		Recipients:       []string{"mods@feedline.test"},
		PendingThreshold: threshold,
		AlertCooldown:    time.Hour,
	}, c, nil)
}

func TestRunOnceCleansExpiredDenied(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, st.CreateEntry(ctx, &store.Entry{
		ID: "stale", Text: "stale", Status: store.StatusDenied, DecidedAt: store.TimePtr(old),
	}))
	fresh := time.Now().Add(-time.Hour)
	require.NoError(t, st.CreateEntry(ctx, &store.Entry{
		ID: "fresh", Text: "fresh", Status: store.StatusDenied, DecidedAt: store.TimePtr(fresh),
	}))

	hk := NewHousekeeper(st, nil, nil, testGenerator(t), HousekeeperConfig{
		Interval:        time.Minute,
		DeniedRetention: 48 * time.Hour,
	}, nil)
	hk.RunOnce(ctx)

	_, err := st.GetEntry(ctx, "stale")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetEntry(ctx, "fresh")
	assert.NoError(t, err)
}

func TestRunOnceSyncsIntake(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "Timestamp,Text")
		fmt.Fprintln(w, "2026-08-30T10:00:00Z,first submission")
		fmt.Fprintln(w, "2026-08-30T11:00:00Z,second submission")
	}))
	defer src.Close()

	st := store.NewMemoryStore()
	in, err := intake.New(config.IntakeConfig{SourceURL: src.URL}, st, nil)
	require.NoError(t, err)

	hk := NewHousekeeper(st, in, nil, testGenerator(t), HousekeeperConfig{Interval: time.Minute}, nil)
	hk.RunOnce(context.Background())

	pending, err := st.ListByStatus(context.Background(), store.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunOnceAlertsOnPendingBacklog(t *testing.T) {
	var mails atomic.Int32
	mail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mails.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer mail.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, st.CreateEntry(ctx, &store.Entry{
			ID: fmt.Sprintf("p%d", i), Text: "pending", Status: store.StatusPending,
		}))
	}

	hk := NewHousekeeper(st, nil, testNotifier(t, mail.URL, 3), testGenerator(t), HousekeeperConfig{
		Interval:         time.Minute,
		PendingThreshold: 3,
	}, nil)
	hk.RunOnce(ctx)

	assert.Equal(t, int32(1), mails.Load())
}

func TestRunOnceQuietBelowThreshold(t *testing.T) {
	var mails atomic.Int32
	mail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mails.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer mail.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateEntry(ctx, &store.Entry{
		ID: "p0", Text: "pending", Status: store.StatusPending,
	}))
	// Fill every posting window in the next day so the empty-window
	// alert has nothing to report.
	gen := testGenerator(t)
	for i, slot := range gen.NextSlots(3, time.Now()) {
		require.NoError(t, st.CreateEntry(ctx, &store.Entry{
			ID: fmt.Sprintf("s%d", i), Text: "scheduled", Status: store.StatusScheduled,
			SequenceNumber: store.IntPtr(i + 1), ExternalRef: fmt.Sprintf("ref-%d", i+1),
			ScheduledTime: store.TimePtr(slot),
		}))
	}

	hk := NewHousekeeper(st, nil, testNotifier(t, mail.URL, 5), gen, HousekeeperConfig{
		Interval:         time.Minute,
		PendingThreshold: 5,
	}, nil)
	hk.RunOnce(ctx)

	assert.Equal(t, int32(0), mails.Load())
}
