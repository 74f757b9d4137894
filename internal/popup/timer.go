package popup

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Timer schedules delayed callbacks and tells the current time.
type Timer interface {
	Now() time.Time
	// ScheduleAfter runs fn once after delay and returns an id for Cancel.
	ScheduleAfter(delay time.Duration, fn func()) string
	// Cancel stops a pending callback. Unknown ids are ignored.
	Cancel(id string)
}

// SimpleTimer implements Timer on the time package.
type SimpleTimer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	nextID int64
}

func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{timers: make(map[string]*time.Timer)}
}

func (t *SimpleTimer) Now() time.Time { return time.Now() }

func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	t.timers[id] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
		fn()
	})
	return id
}

func (t *SimpleTimer) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
}

// Stop cancels all pending callbacks.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, timer := range t.timers {
		timer.Stop()
	}
	if n := len(t.timers); n > 0 {
		slog.Debug("SimpleTimer stopped pending timers", "count", n)
	}
	t.timers = make(map[string]*time.Timer)
}

// Pending reports the number of callbacks not yet run.
func (t *SimpleTimer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

type manualEntry struct {
	at  time.Time
	seq int64
	fn  func()
}

// ManualTimer is a Timer whose clock only moves on Advance. Callbacks run
// synchronously on the goroutine calling Advance.
type ManualTimer struct {
	mu      sync.Mutex
	now     time.Time
	nextSeq int64
	pending map[string]*manualEntry
}

func NewManualTimer(start time.Time) *ManualTimer {
	return &ManualTimer{now: start, pending: make(map[string]*manualEntry)}
}

func (m *ManualTimer) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *ManualTimer) ScheduleAfter(delay time.Duration, fn func()) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	id := fmt.Sprintf("manual_%d", m.nextSeq)
	m.pending[id] = &manualEntry{at: m.now.Add(delay), seq: m.nextSeq, fn: fn}
	return id
}

func (m *ManualTimer) Cancel(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Advance moves the clock forward by d, running every callback that comes
// due in schedule order.
func (m *ManualTimer) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		id, entry := m.nextDue(target)
		if entry == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		delete(m.pending, id)
		if entry.at.After(m.now) {
			m.now = entry.at
		}
		m.mu.Unlock()

		entry.fn()
	}
}

// Pending reports the number of callbacks not yet run.
func (m *ManualTimer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *ManualTimer) nextDue(target time.Time) (string, *manualEntry) {
	ids := make([]string, 0, len(m.pending))
	for id, e := range m.pending {
		if !e.at.After(target) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", nil
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.pending[ids[i]], m.pending[ids[j]]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.seq < b.seq
	})
	return ids[0], m.pending[ids[0]]
}
