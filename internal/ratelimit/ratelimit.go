// Package ratelimit provides sliding-window limiters: a Redis-backed one
// shared by every replica, and an in-process one for keys that only ever
// live on a single replica, such as a connection id.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter reports whether one more event for key fits in the window.
// An allowed event is recorded.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Window tracks events per key within a sliding window in memory.
type Window struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// NewWindow creates a Window allowing max events per window.
func NewWindow(max int, window time.Duration) *Window {
	return &Window{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Allow never fails; the error is always nil.
func (l *Window) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	timestamps := l.entries[key]
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.max {
		l.entries[key] = valid
		return false, nil
	}

	l.entries[key] = append(valid, now)
	return true, nil
}

// Forget drops the history for key. Call it when the key's owner goes away.
func (l *Window) Forget(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Window) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
