// Package cache wraps Redis for cross-process coordination: the
// reconcile lock, short-lived response caching, the notification
// cooldown marker and the schedule event channel. When Redis is not
// reachable it degrades to a process-local map and hub, which is enough
// for a single instance.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/feedline/feedline-backend/internal/metrics"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache keys and channels.
const (
	KeyStats          = "fln:stats"
	KeyReconcileLock  = "fln:reconcile:lock"
	KeyLastReconcile  = "fln:reconcile:last"
	KeyNotifyCooldown = "fln:notify:cooldown"

	ChannelScheduleEvents = "fln:events:schedule"
)

type Cache struct {
	client *redis.Client

	// fallback state, used only when client is nil
	mu    sync.RWMutex
	local map[string]localEntry
	hub   *Hub

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

type localEntry struct {
	data      []byte
	expiresAt time.Time
}

func New(addr string, logger *zap.SugaredLogger, m *metrics.Metrics) *Cache {
	c := &Cache{logger: logger, metrics: m}

	if addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err == nil {
			c.client = client
			return c
		} else if logger != nil {
			logger.Warnw("redis unavailable, falling back to in-process cache", "addr", addr, "error", err)
		}
	}

	c.local = make(map[string]localEntry)
	c.hub = NewHub()
	return c
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	var data []byte

	if c.client != nil {
		val, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				c.recordMiss(ctx, key)
				return ErrCacheMiss
			}
			return fmt.Errorf("cache get: %w", err)
		}
		data = val
	} else {
		c.mu.RLock()
		ent, ok := c.local[key]
		c.mu.RUnlock()
		if !ok || (!ent.expiresAt.IsZero() && time.Now().After(ent.expiresAt)) {
			c.recordMiss(ctx, key)
			return ErrCacheMiss
		}
		data = ent.data
	}

	c.recordHit(ctx, key)
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}

	if c.client != nil {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			return fmt.Errorf("cache set: %w", err)
		}
		return nil
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.local[key] = localEntry{data: data, expiresAt: expiresAt}
	c.mu.Unlock()
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if c.client != nil {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache delete: %w", err)
		}
		return nil
	}
	c.mu.Lock()
	for _, k := range keys {
		delete(c.local, k)
	}
	c.mu.Unlock()
	return nil
}

// TryLock takes the named lock for ttl. It returns false when another
// holder has it, which is how concurrent reconcile passes are collapsed
// into one.
func (c *Cache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if c.client != nil {
		ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
		if err != nil {
			return false, fmt.Errorf("cache lock: %w", err)
		}
		return ok, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ent, held := c.local[key]
	if held && (ent.expiresAt.IsZero() || time.Now().Before(ent.expiresAt)) {
		return false, nil
	}
	c.local[key] = localEntry{data: []byte("1"), expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (c *Cache) Unlock(ctx context.Context, key string) error {
	return c.Delete(ctx, key)
}

// Publish fans a JSON message out on a channel. Subscribers on other
// processes see it only in Redis mode.
func (c *Cache) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("publish marshal: %w", err)
	}

	if c.client != nil {
		if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		return nil
	}

	c.hub.Publish(channel, string(data))
	return nil
}

// Subscribe returns a stream of messages on the given channels. The
// subscription is valid until Close or context cancellation.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) Subscription {
	if c.client != nil {
		return newRedisSubscription(ctx, c.client.Subscribe(ctx, channels...))
	}
	return c.hub.Subscribe(ctx, channels...)
}

func (c *Cache) InMemoryMode() bool {
	return c.client == nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if c.client != nil {
		return c.client.Ping(ctx).Err()
	}
	return nil
}

func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Cache) recordHit(ctx context.Context, key string) {
	if c.metrics != nil {
		c.metrics.RecordCacheHit(ctx, key)
	}
}

func (c *Cache) recordMiss(ctx context.Context, key string) {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(ctx, key)
	}
}
