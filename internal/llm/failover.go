package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Member is one backend of a Failover chain. Non-empty models replace the ones requested per call,
// so a fallback provider can use its own model names.
type Member struct {
	Backend    Backend
	TextModel  string
	ImageModel string
}

// Failover sends each call to the current backend and moves on to the next one
// after maxFailures consecutive failures. A single call is never retried here.
type Failover struct {
	members     []Member
	maxFailures int

	mu       sync.RWMutex
	current  int
	failures int

	logger *zap.Logger
}

// NewFailover creates a failover chain in priority order. maxFailures <= 0 means 3.
func NewFailover(members []Member, maxFailures int, logger *zap.Logger) (*Failover, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Failover{members: members, maxFailures: maxFailures, logger: logger}, nil
}

func (f *Failover) active() (Member, int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.members[f.current], f.current
}

// observe updates the failure count of the member at index after a call
func (f *Failover) observe(index int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if index != f.current {
		return
	}
	if err == nil {
		f.failures = 0
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	f.failures++
	if f.failures < f.maxFailures || len(f.members) == 1 {
		return
	}

	from := f.current
	f.current = (f.current + 1) % len(f.members)
	f.failures = 0

	f.logger.Warn("Switching classifier provider",
		zap.String("from", f.members[from].Backend.Name()),
		zap.String("to", f.members[f.current].Backend.Name()),
		zap.Error(err))
}

// Route pins the active member for one call. Failures of the returned backend count against that member.
func (f *Failover) Route(model string, image bool) (Backend, Target) {
	m, index := f.active()
	if image && m.ImageModel != "" {
		model = m.ImageModel
	}
	if !image && m.TextModel != "" {
		model = m.TextModel
	}

	backend, target := Route(m.Backend, model, image)
	return &pinned{Backend: backend, failover: f, index: index}, target
}

// ClassifyText implements Backend
func (f *Failover) ClassifyText(ctx context.Context, model, text string) (string, error) {
	b, target := f.Route(model, false)
	return b.ClassifyText(ctx, target.Model, text)
}

// ClassifyImage implements Backend
func (f *Failover) ClassifyImage(ctx context.Context, model string, image []byte, mimeType string) (string, error) {
	b, target := f.Route(model, true)
	return b.ClassifyImage(ctx, target.Model, image, mimeType)
}

// pinned is one member of a Failover, reporting its outcomes back to the chain
type pinned struct {
	Backend
	failover *Failover
	index    int
}

func (p *pinned) ClassifyText(ctx context.Context, model, text string) (string, error) {
	out, err := p.Backend.ClassifyText(ctx, model, text)
	p.failover.observe(p.index, err)
	return out, err
}

func (p *pinned) ClassifyImage(ctx context.Context, model string, image []byte, mimeType string) (string, error) {
	out, err := p.Backend.ClassifyImage(ctx, model, image, mimeType)
	p.failover.observe(p.index, err)
	return out, err
}

// Name implements Backend
func (f *Failover) Name() string {
	m, _ := f.active()
	return m.Backend.Name()
}

// Endpoint implements Backend
func (f *Failover) Endpoint() string {
	m, _ := f.active()
	return m.Backend.Endpoint()
}

// Close closes every member
func (f *Failover) Close() error {
	var errs []string
	for _, m := range f.members {
		if err := m.Backend.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", m.Backend.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close backends: %s", strings.Join(errs, "; "))
	}
	return nil
}
