package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"resonance/internal/models"
	"resonance/internal/ratelimit"
	"resonance/internal/repository"
)

var (
	// ErrRateLimited is returned when the origin exhausted its admissions for the current window
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInvalidSubmission is returned for malformed input, before any other work is done
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrNotFound is returned by CheckStatus for unknown ids
	ErrNotFound = errors.New("submission not found")
)

// Classifier produces the emotional vector of a submission. It never fails.
type Classifier interface {
	Classify(ctx context.Context, sub *models.Submission) []string
}

// SubmitRequest is one incoming submission
type SubmitRequest struct {
	Origin       string // rate limiting key, e.g. client address
	ContentType  string
	Content      string // raw text or a URI to stored media
	SessionToken string
}

// Engine orchestrates admission, classification and pairing
type Engine struct {
	limiter    ratelimit.Limiter
	classifier Classifier
	store      repository.Store
	now        func() time.Time
	logger     *zap.Logger
}

// NewEngine creates a new pairing engine
func NewEngine(
	limiter ratelimit.Limiter,
	classifier Classifier,
	store repository.Store,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		limiter:    limiter,
		classifier: classifier,
		store:      store,
		now:        time.Now,
		logger:     logger,
	}
}

// Submit classifies a new submission and pairs it with a waiting counterpart when one exists
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*models.SubmitResult, error) {
	contentType, err := models.ParseContentType(req.ContentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: no content supplied", ErrInvalidSubmission)
	}

	admitted, err := e.limiter.Admit(ctx, req.Origin)
	if err != nil {
		e.logger.Warn("Rate limiter unavailable, admitting request", zap.String("origin", req.Origin), zap.Error(err))
		admitted = true
	}
	if !admitted {
		return nil, ErrRateLimited
	}

	sub := &models.Submission{
		ID:           uuid.New().String(),
		ContentType:  contentType,
		Content:      req.Content,
		SessionToken: req.SessionToken,
		Status:       models.StatusUnmatched,
	}

	sub.EmotionalVector = e.classifier.Classify(ctx, sub)
	sub.CreatedAt = e.now().UTC()

	var match *models.Submission
	err = e.store.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.LockKeywords(ctx, sub.EmotionalVector); err != nil {
			return err
		}

		found, err := tx.FindAndPair(ctx, sub)
		if err != nil {
			return err
		}
		if found != nil {
			sub.Status = models.StatusMatched
			sub.MatchedWith = found.ID
		}

		if err := tx.Create(ctx, sub); err != nil {
			return err
		}
		match = found
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store submission: %w", err)
	}

	if match == nil {
		e.logger.Info("Submission waiting",
			zap.String("submission_id", sub.ID),
			zap.Strings("vector", sub.EmotionalVector))
		return &models.SubmitResult{Status: models.ResultWaiting, SubmissionID: sub.ID}, nil
	}

	e.logger.Info("Submission paired",
		zap.String("submission_id", sub.ID),
		zap.String("matched_with", match.ID))

	return &models.SubmitResult{
		Status:       models.ResultMatched,
		SubmissionID: sub.ID,
		Counterpart:  models.CounterpartOf(match),
	}, nil
}

// CheckStatus reports whether a submission has been paired. It has no side effects.
func (e *Engine) CheckStatus(ctx context.Context, id string) (*models.StatusResult, error) {
	sub, err := e.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}

	if !sub.IsMatched() {
		return &models.StatusResult{Status: models.ResultWaiting}, nil
	}

	counterpart, err := e.store.GetByID(ctx, sub.MatchedWith)
	if err != nil {
		// The counterpart row lands right after the claim when pairing bypasses WithTx
		if errors.Is(err, repository.ErrNotFound) {
			return &models.StatusResult{Status: models.ResultWaiting}, nil
		}
		return nil, fmt.Errorf("failed to get counterpart: %w", err)
	}

	return &models.StatusResult{
		Status:      models.ResultMatched,
		Counterpart: models.CounterpartOf(counterpart),
	}, nil
}

// RetryAfter is a hint for callers rejected with ErrRateLimited
func (e *Engine) RetryAfter() time.Duration {
	if r, ok := e.limiter.(interface{ RetryAfter() time.Duration }); ok {
		return r.RetryAfter()
	}
	return time.Minute
}
