// Package ratelimit provides per-key token bucket rate limiting for
// the engram MCP tools.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Limiter is a per-key token bucket. Each key gets its own bucket with
// the configured rate and burst. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64          // tokens per second
	burst   int              // max burst size, also the initial token count
	nowFunc func() time.Time // injectable clock for testing
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewLimiter creates a limiter with the given refill rate (tokens/sec)
// and burst size.
func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		nowFunc: time.Now,
	}
}

// Allow reports whether a request for key should proceed, consuming a
// token when it does.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastCheck: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	if elapsed > 0 {
		b.tokens += l.rate * elapsed
		if b.tokens > float64(l.burst) {
			b.tokens = float64(l.burst)
		}
		b.lastCheck = now
	}

	if b.tokens < 1.0 {
		return false
	}
	b.tokens--
	return true
}

// ToolLimiters maps tool names to their rate limiters.
type ToolLimiters map[string]*Limiter

// NewToolLimiters creates the default per-tool limiters. Ingestion and
// generation are the hot path; snapshot maintenance is deliberately
// slow.
func NewToolLimiters() ToolLimiters {
	return ToolLimiters{
		"engram_ingest":    NewLimiter(2.0, 20),      // 120/minute, burst 20
		"engram_generate":  NewLimiter(2.0, 20),      // 120/minute, burst 20
		"engram_feedback":  NewLimiter(1.0, 10),      // 60/minute, burst 10
		"engram_reinforce": NewLimiter(30.0/60.0, 5), // 30/minute, burst 5
		"engram_stats":     NewLimiter(1.0, 10),      // 60/minute, burst 10
		"engram_backup":    NewLimiter(5.0/60.0, 2),  // 5/minute, burst 2
		"engram_export":    NewLimiter(5.0/60.0, 2),  // 5/minute, burst 2
	}
}

// CheckLimit checks the rate limit for a tool. Returns nil when
// allowed; tools without a configured limiter are never limited.
func CheckLimit(limiters ToolLimiters, toolName string) error {
	limiter, ok := limiters[toolName]
	if !ok {
		return nil
	}
	if !limiter.Allow(toolName) {
		return fmt.Errorf("rate limit exceeded for %s, please try again shortly", toolName)
	}
	return nil
}
