package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory implements Limiter with an in-process sliding window per user.
// State does not survive restarts, which is fine for advisory admission.
type Memory struct {
	mu      sync.Mutex
	limit   int
	windows map[int64][]time.Time
	now     func() time.Time
}

// NewMemory creates an in-memory limiter with the given per-window cap.
func NewMemory(limit int) *Memory {
	return &Memory{
		limit:   limit,
		windows: make(map[int64][]time.Time),
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	window := m.prune(userID, now)
	if len(window) >= m.limit {
		return false, nil
	}

	m.windows[userID] = append(window, now)
	return true, nil
}

// Remaining implements Limiter.
func (m *Memory) Remaining(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.prune(userID, m.now())
	remaining := m.limit - len(window)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ResetTime implements Limiter.
func (m *Memory) ResetTime(_ context.Context, userID int64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	window := m.prune(userID, now)
	if len(window) == 0 {
		return now, nil
	}
	return window[0].Add(Window), nil
}

// prune drops entries older than the window. Caller holds the lock.
func (m *Memory) prune(userID int64, now time.Time) []time.Time {
	window := m.windows[userID]
	cutoff := now.Add(-Window)

	idx := 0
	for idx < len(window) && !window[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		window = window[idx:]
	}

	if len(window) == 0 {
		delete(m.windows, userID)
	} else {
		m.windows[userID] = window
	}
	return window
}
