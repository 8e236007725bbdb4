package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits or rejects classification+pairing cycles per origin
type Limiter interface {
	Admit(ctx context.Context, origin string) (bool, error)
}

// Sweeper is implemented by limiters that keep per-origin state in process memory
type Sweeper interface {
	Sweep() int
}

// Config for a sliding window limiter
type Config struct {
	Window   time.Duration // Default: 60s
	Capacity int           // Default: 1 admission per window
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Capacity <= 0 {
		c.Capacity = 1
	}
	return c
}

type originWindow struct {
	mu      sync.Mutex
	stamps  []time.Time
	removed bool // set by Sweep once the window is no longer in the map
}

// prune drops timestamps that are at least window old. Caller holds w.mu.
func (w *originWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]
}

// Memory is a process-local sliding window limiter. State is lost on restart.
type Memory struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	origins map[string]*originWindow
}

// NewMemory creates an in-process sliding window limiter
func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		origins: make(map[string]*originWindow),
	}
}

// SetClock replaces the time source
func (m *Memory) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Memory) window(origin string) *originWindow {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.origins[origin]
	if !ok {
		w = &originWindow{}
		m.origins[origin] = w
	}
	return w
}

// Admit records an admission for origin if its window has room
func (m *Memory) Admit(_ context.Context, origin string) (bool, error) {
	w := m.window(origin)
	w.mu.Lock()
	for w.removed {
		w.mu.Unlock()
		w = m.window(origin)
		w.mu.Lock()
	}
	defer w.mu.Unlock()

	now := m.now()
	w.prune(now.Add(-m.cfg.Window))
	if len(w.stamps) >= m.cfg.Capacity {
		return false, nil
	}
	w.stamps = append(w.stamps, now)
	return true, nil
}

// RetryAfter is the configured window, used as a retry hint for rejected callers
func (m *Memory) RetryAfter() time.Duration {
	return m.cfg.Window
}

// Sweep forgets origins with no admissions inside the window and returns how many were dropped
func (m *Memory) Sweep() int {
	cutoff := m.now().Add(-m.cfg.Window)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for origin, w := range m.origins {
		w.mu.Lock()
		w.prune(cutoff)
		idle := len(w.stamps) == 0
		if idle {
			w.removed = true
			delete(m.origins, origin)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Origins returns the number of tracked origins
func (m *Memory) Origins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.origins)
}
