package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	// Empty address keeps the cache in in-process mode.
	c := New("", nil, nil)
	require.True(t, c.InMemoryMode())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	in := map[string]int{"pending": 3, "scheduled": 5}
	require.NoError(t, c.Set(ctx, KeyStats, in, time.Minute))

	var out map[string]int
	require.NoError(t, c.Get(ctx, KeyStats, &out))
	assert.Equal(t, in, out)
}

func TestGetMiss(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	var out map[string]int
	assert.ErrorIs(t, c.Get(ctx, "fln:nope", &out), ErrCacheMiss)
}

func TestExpiredEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Set(ctx, "fln:short", 1, time.Nanosecond))
	time.Sleep(5 * time.Millisecond)

	var out int
	assert.ErrorIs(t, c.Get(ctx, "fln:short", &out), ErrCacheMiss)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Set(ctx, "fln:a", 1, 0))
	require.NoError(t, c.Delete(ctx, "fln:a"))

	var out int
	assert.ErrorIs(t, c.Get(ctx, "fln:a", &out), ErrCacheMiss)
}

func TestTryLock(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	ok, err := c.TryLock(ctx, KeyReconcileLock, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TryLock(ctx, KeyReconcileLock, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be rejected")

	require.NoError(t, c.Unlock(ctx, KeyReconcileLock))

	ok, err = c.TryLock(ctx, KeyReconcileLock, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryLockExpires(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	ok, err := c.TryLock(ctx, KeyReconcileLock, time.Nanosecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	ok, err = c.TryLock(ctx, KeyReconcileLock, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be reacquirable")
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	sub := c.Subscribe(ctx, ChannelScheduleEvents)
	defer sub.Close()

	event := map[string]string{"type": "entry_scheduled", "id": "abc"}
	require.NoError(t, c.Publish(ctx, ChannelScheduleEvents, event))

	select {
	case msg := <-sub.Channel():
		require.NotNil(t, msg)
		assert.Equal(t, ChannelScheduleEvents, msg.Channel)

		var got map[string]string
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, event, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestClosedSubscriptionStopsDelivery(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	sub := c.Subscribe(ctx, ChannelScheduleEvents)
	require.NoError(t, sub.Close())

	// Publishing after close must not panic or block.
	require.NoError(t, c.Publish(ctx, ChannelScheduleEvents, "late"))

	_, open := <-sub.Channel()
	assert.False(t, open)
}
