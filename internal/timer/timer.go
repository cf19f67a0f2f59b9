// Package timer provides cancellable one-shot timers used for reconnect
// back-off and challenge expiry.
package timer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Info describes a scheduled timer.
type Info struct {
	ID          string        `json:"id"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Remaining   time.Duration `json:"remaining"`
	Description string        `json:"description"`
}

// timerEntry tracks information about a scheduled timer
type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
	description string
}

// Timer schedules functions to run once after a delay.
type Timer struct {
	timers map[string]*timerEntry
	mu     sync.RWMutex
	nextID int64
	name   string
}

// New creates a Timer. The name only appears in logs.
func New(name string) *Timer {
	slog.Debug("Timer created", "name", name)
	return &Timer{
		timers: make(map[string]*timerEntry),
		name:   name,
	}
}

// ScheduleAfter schedules fn to run after delay and returns the timer ID.
func (t *Timer) ScheduleAfter(delay time.Duration, description string, fn func()) string {
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	t.nextID++
	id := fmt.Sprintf("%s_%d", t.name, t.nextID)
	now := time.Now()
	entry := &timerEntry{
		scheduledAt: now,
		expiresAt:   now.Add(delay),
		description: description,
	}
	t.timers[id] = entry
	// Registered before AfterFunc so a zero delay cannot fire ahead of the map insert.
	entry.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		_, live := t.timers[id]
		delete(t.timers, id)
		t.mu.Unlock()
		if !live {
			return
		}
		slog.Debug("Timer firing", "name", t.name, "id", id, "description", description)
		fn()
	})
	t.mu.Unlock()

	slog.Debug("Timer ScheduleAfter succeeded", "name", t.name, "id", id, "delay", delay)
	return id
}

// Cancel stops a scheduled function. Unknown IDs are ignored.
func (t *Timer) Cancel(id string) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.timers[id]
	if !exists {
		return false
	}
	entry.timer.Stop()
	delete(t.timers, id)
	slog.Debug("Timer Cancel succeeded", "name", t.name, "id", id)
	return true
}

// Stop cancels all scheduled timers.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	if len(t.timers) > 0 {
		slog.Debug("Timer stopped all timers", "name", t.name, "count", len(t.timers))
	}
	t.timers = make(map[string]*timerEntry)
}

// Len returns the number of pending timers.
func (t *Timer) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.timers)
}

// Get returns information about a pending timer.
func (t *Timer) Get(id string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, exists := t.timers[id]
	if !exists {
		return Info{}, false
	}
	remaining := time.Until(entry.expiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return Info{
		ID:          id,
		ScheduledAt: entry.scheduledAt,
		ExpiresAt:   entry.expiresAt,
		Remaining:   remaining,
		Description: entry.description,
	}, true
}

// List returns information about all pending timers.
func (t *Timer) List() []Info {
	t.mu.RLock()
	ids := make([]string, 0, len(t.timers))
	for id := range t.timers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	result := make([]Info, 0, len(ids))
	for _, id := range ids {
		if info, ok := t.Get(id); ok {
			result = append(result, info)
		}
	}
	return result
}
