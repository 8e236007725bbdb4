package classifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"resonance/internal/audit"
	"resonance/internal/cache"
	"resonance/internal/flags"
	"resonance/internal/llm"
	"resonance/internal/media"
	"resonance/internal/models"
	"resonance/internal/retry"
)

// errNoKeywords is reported when the provider answered but nothing usable could be extracted
var errNoKeywords = errors.New("classifier returned no keywords")

// Config for the gateway
type Config struct {
	Retry          retry.Policy
	RequestTimeout time.Duration // per attempt; Default: 30s
}

// Gateway turns submissions into emotional vectors.
// It never fails: problems are expressed as sentinel vectors.
type Gateway struct {
	backend llm.Backend
	fetcher media.Fetcher
	cache   *cache.FeatureCache
	audit   *audit.Log
	flags   flags.Source
	cfg     Config
	group   singleflight.Group
	logger  *zap.Logger
}

// NewGateway creates a classifier gateway
func NewGateway(
	backend llm.Backend,
	fetcher media.Fetcher,
	featureCache *cache.FeatureCache,
	auditLog *audit.Log,
	flagSource flags.Source,
	cfg Config,
	logger *zap.Logger,
) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Gateway{
		backend: backend,
		fetcher: fetcher,
		cache:   featureCache,
		audit:   auditLog,
		flags:   flagSource,
		cfg:     cfg,
		logger:  logger,
	}
}

// Classify returns the emotional vector for sub. The submission is not modified.
func (g *Gateway) Classify(ctx context.Context, sub *models.Submission) []string {
	current := g.flags.Current()
	digest := cache.Digest(string(sub.ContentType), sub.Content)

	if current.ClassifierDisabled {
		if vector, ok := g.cache.Get(digest); ok {
			return vector
		}
		return models.NeutralVector()
	}

	if vector, ok := g.cache.Get(digest); ok {
		g.logger.Debug("Feature cache hit", zap.String("digest", digest))
		return vector
	}

	if sub.ContentType == models.ContentAudio {
		return models.NeutralVector()
	}

	v, _, shared := g.group.Do(digest, func() (interface{}, error) {
		return g.classify(ctx, sub, digest, current), nil
	})
	if shared {
		g.logger.Debug("Joined in-flight classification", zap.String("digest", digest))
	}

	return append([]string(nil), v.([]string)...)
}

func (g *Gateway) classify(ctx context.Context, sub *models.Submission, digest string, current flags.Flags) []string {
	var (
		call  func(ctx context.Context, backend llm.Backend, model string) (string, error)
		model string
		size  int
		image bool
	)

	switch sub.ContentType {
	case models.ContentText:
		model = current.TextModel
		size = len(sub.Content)
		call = func(ctx context.Context, backend llm.Backend, model string) (string, error) {
			return backend.ClassifyText(ctx, model, sub.Content)
		}
	case models.ContentImage:
		model = current.ImageModel
		image = true
		data, mimeType, err := g.fetcher.FetchImage(ctx, sub.Content)
		if err != nil {
			_, target := llm.Route(g.backend, model, true)
			g.record(audit.KindError, sub.ContentType, target, 0, 0, 0, err.Error())
			g.logger.Warn("Failed to fetch image for classification", zap.Error(err))
			return models.ErrorVector(fmt.Sprintf("image retrieval failed: %v", err))
		}
		size = len(data)
		call = func(ctx context.Context, backend llm.Backend, model string) (string, error) {
			return backend.ClassifyImage(ctx, model, data, mimeType)
		}
	default:
		return models.ErrorVector(fmt.Sprintf("unsupported content type %q", sub.ContentType))
	}

	var (
		keywords []string
		attempt  int
	)

	op := func(ctx context.Context) error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()

		// Resolved per attempt: a failover backend may have moved on since the last one
		backend, target := llm.Route(g.backend, model, image)

		g.record(audit.KindRequest, sub.ContentType, target, size, attempt, 0, "")
		start := time.Now()

		raw, err := call(attemptCtx, backend, target.Model)
		latency := time.Since(start)
		if err != nil {
			g.record(audit.KindError, sub.ContentType, target, 0, attempt, latency, err.Error())
			return err
		}
		g.record(audit.KindResponse, sub.ContentType, target, len(raw), attempt, latency, "")

		keywords = llm.Keywords(raw)
		if len(keywords) == 0 {
			return errNoKeywords
		}
		return nil
	}

	err := retry.Do(ctx, g.cfg.Retry, op,
		retry.If(llm.IsOverloaded),
		retry.OnRetry(func(err error, delay time.Duration) {
			g.logger.Warn("Classifier overloaded, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
		}),
	)

	if err != nil {
		if llm.IsOverloaded(err) {
			g.logger.Warn("Classifier still overloaded after retries", zap.Int("attempts", attempt))
			return models.OverloadedVector()
		}
		g.logger.Warn("Classification failed", zap.Int("attempts", attempt), zap.Error(err))
		return models.ErrorVector(err.Error())
	}

	if err := g.cache.Put(digest, keywords); err != nil {
		g.logger.Warn("Failed to persist feature cache", zap.Error(err))
	}

	return keywords
}

func (g *Gateway) record(kind audit.Kind, ct models.ContentType, target llm.Target, size, attempt int, latency time.Duration, detail string) {
	g.audit.Record(audit.Event{
		Kind:        kind,
		Provider:    target.Provider,
		Endpoint:    target.Endpoint,
		Model:       target.Model,
		ContentType: ct,
		Size:        size,
		Attempt:     attempt,
		Latency:     latency,
		Detail:      detail,
	})
}
