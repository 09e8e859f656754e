package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	memoryPruneThreshold = 4096
	memoryIdleLifetime   = 10 * time.Minute
)

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter はトークンバケット方式のプロセス内レート制限です。
// Redisが構成されていない環境向けのフォールバックです。
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemory は MemoryLimiter を作成します。
func NewMemory() *MemoryLimiter {
	return &MemoryLimiter{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Allow はキーに対応するバケットからトークンを1つ消費します。
func (m *MemoryLimiter) Allow(ctx context.Context, key string, perMinute int) (Result, error) {
	if perMinute <= 0 {
		return Result{Allowed: true}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.entries[key]
	if !ok {
		// 毎分perMinute件の補充、バースト上限も同数
		entry = &memoryEntry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		}
		m.entries[key] = entry
		m.pruneLocked(now)
	}
	entry.lastSeen = now

	allowed := entry.limiter.Allow()
	remaining := int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   allowed,
		Limit:     perMinute,
		Remaining: remaining,
		Reset:     now.Add(time.Minute).Truncate(time.Second),
	}, nil
}

// pruneLocked はしばらく参照されていないバケットを破棄します。
func (m *MemoryLimiter) pruneLocked(now time.Time) {
	if len(m.entries) < memoryPruneThreshold {
		return
	}
	for key, entry := range m.entries {
		if now.Sub(entry.lastSeen) > memoryIdleLifetime {
			delete(m.entries, key)
		}
	}
}
