package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"resonance/internal/ratelimit"
)

type fakeWaiting struct {
	count int
	err   error
}

func (f fakeWaiting) CountUnmatched(context.Context) (int, error) {
	return f.count, f.err
}

func TestSweepLimiter(t *testing.T) {
	limiter := ratelimit.NewMemory(ratelimit.Config{Window: time.Minute, Capacity: 1})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.SetClock(func() time.Time { return now })

	_, err := limiter.Admit(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, 1, limiter.Origins())

	s, err := NewService(Config{SweepSchedule: "@every 1m"}, limiter, nil, zap.NewNop())
	require.NoError(t, err)

	s.SweepLimiter()
	assert.Equal(t, 1, limiter.Origins())

	now = now.Add(2 * time.Minute)
	s.SweepLimiter()
	assert.Equal(t, 0, limiter.Origins())
}

func TestReportWaiting(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	s, err := NewService(Config{}, nil, fakeWaiting{count: 7}, zap.New(core))
	require.NoError(t, err)
	s.ReportWaiting()

	entries := logs.FilterMessage("Waiting submissions").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].ContextMap()["count"])

	t.Run("count failure", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		s, err := NewService(Config{}, nil, fakeWaiting{err: errors.New("db down")}, zap.New(core))
		require.NoError(t, err)
		s.ReportWaiting()
		assert.Equal(t, 1, logs.FilterMessage("Failed to count waiting submissions").Len())
	})
}

func TestNewService_Schedules(t *testing.T) {
	limiter := ratelimit.NewMemory(ratelimit.Config{})

	s, err := NewService(Config{SweepSchedule: "@every 1m", ReportSchedule: "@every 5m"}, limiter, fakeWaiting{}, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 2)

	s, err = NewService(Config{SweepSchedule: "@every 1m"}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, s.cron.Entries())

	_, err = NewService(Config{SweepSchedule: "not a schedule"}, limiter, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	s, err := NewService(Config{ReportSchedule: "@every 1h"}, nil, fakeWaiting{}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Stop()
}
