package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"resonance/internal/ratelimit"
)

// WaitingCounter reports how many submissions are waiting for a counterpart
type WaitingCounter interface {
	CountUnmatched(ctx context.Context) (int, error)
}

// Config holds job schedules. An empty schedule disables its job.
type Config struct {
	SweepSchedule  string // Default: @every 1m
	ReportSchedule string // Default: @every 5m
}

// Service runs periodic maintenance jobs
type Service struct {
	cron    *cron.Cron
	sweeper ratelimit.Sweeper
	waiting WaitingCounter
	logger  *zap.Logger
}

// NewService registers the maintenance jobs. sweeper may be nil when the limiter keeps no local state.
func NewService(cfg Config, sweeper ratelimit.Sweeper, waiting WaitingCounter, logger *zap.Logger) (*Service, error) {
	s := &Service{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{logger}))),
		sweeper: sweeper,
		waiting: waiting,
		logger:  logger,
	}

	if sweeper != nil && cfg.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.SweepSchedule, s.SweepLimiter); err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
	}
	if waiting != nil && cfg.ReportSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.ReportSchedule, s.ReportWaiting); err != nil {
			return nil, fmt.Errorf("invalid report schedule %q: %w", cfg.ReportSchedule, err)
		}
	}

	return s, nil
}

// Start runs the scheduler until ctx is done
func (s *Service) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("Housekeeping started", zap.Int("jobs", len(s.cron.Entries())))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop waits up to 5s for running jobs
func (s *Service) Stop() {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("Housekeeping stop timeout waiting for running jobs")
	}
}

// SweepLimiter drops idle rate limiter origins
func (s *Service) SweepLimiter() {
	removed := s.sweeper.Sweep()
	if removed > 0 {
		s.logger.Debug("Rate limiter swept", zap.Int("removed_origins", removed))
	}
}

// ReportWaiting logs the size of the waiting queue
func (s *Service) ReportWaiting() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	count, err := s.waiting.CountUnmatched(ctx)
	if err != nil {
		s.logger.Error("Failed to count waiting submissions", zap.Error(err))
		return
	}
	s.logger.Info("Waiting submissions", zap.Int("count", count))
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
