package tokens

import (
	"context"
	"sync"
	"time"

	"voiceagent/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Limiter caps how many tokens one identity may be issued per window.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// MemoryLimiter is a per-process fixed-window counter.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]memoryWindow
}

type memoryWindow struct {
	start time.Time
	count int
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		clock:   time.Now,
		windows: make(map[string]memoryWindow),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = memoryWindow{start: now}
		// Drop expired windows so idle identities do not accumulate.
		for k, old := range l.windows {
			if now.Sub(old.start) >= l.window {
				delete(l.windows, k)
			}
		}
	}
	w.count++
	l.windows[key] = w

	if w.count > l.limit {
		return false, w.start.Add(l.window).Sub(now), nil
	}
	return true, 0, nil
}

// RedisLimiter shares the window across token server replicas.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: "tokens:issue:", limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := utils.IncrWindowCounter(ctx, l.rdb, l.prefix+key, l.limit, l.window)
	if err != nil {
		return false, 0, err
	}
	return res.Allowed, res.RetryAfter, nil
}
