package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"resonance/internal/models"
	"resonance/internal/ratelimit"
	"resonance/internal/repository"
)

// keywordClassifier returns the vector registered for a submission's content
type keywordClassifier struct {
	mu      sync.Mutex
	vectors map[string][]string
	calls   int
}

func (c *keywordClassifier) Classify(_ context.Context, sub *models.Submission) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if v, ok := c.vectors[sub.Content]; ok {
		return v
	}
	return models.NeutralVector()
}

type brokenLimiter struct{}

func (brokenLimiter) Admit(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func setupTestEngine(t *testing.T, limiter ratelimit.Limiter, vectors map[string][]string) (*Engine, *keywordClassifier, repository.Store) {
	t.Helper()

	store, err := repository.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "engine.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if limiter == nil {
		limiter = ratelimit.NewMemory(ratelimit.Config{Window: time.Minute, Capacity: 1000})
	}
	classifier := &keywordClassifier{vectors: vectors}
	return NewEngine(limiter, classifier, store, zap.NewNop()), classifier, store
}

func text(origin, content string) SubmitRequest {
	return SubmitRequest{Origin: origin, ContentType: "text", Content: content}
}

func TestSubmit_MatchedAfterWaiting(t *testing.T) {
	engine, _, _ := setupTestEngine(t, nil, map[string][]string{
		"I feel hopeful today":   {"hopeful", "optimistic"},
		"Such a hopeful morning": {"hopeful", "bright"},
	})
	ctx := context.Background()

	first, err := engine.Submit(ctx, text("a", "I feel hopeful today"))
	require.NoError(t, err)
	assert.Equal(t, models.ResultWaiting, first.Status)
	require.NotEmpty(t, first.SubmissionID)
	assert.Nil(t, first.Counterpart)

	second, err := engine.Submit(ctx, text("b", "Such a hopeful morning"))
	require.NoError(t, err)
	assert.Equal(t, models.ResultMatched, second.Status)
	require.NotNil(t, second.Counterpart)
	assert.Equal(t, "I feel hopeful today", second.Counterpart.Content)
	assert.Equal(t, models.ContentText, second.Counterpart.ContentType)

	status, err := engine.CheckStatus(ctx, first.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultMatched, status.Status)
	require.NotNil(t, status.Counterpart)
	assert.Equal(t, "Such a hopeful morning", status.Counterpart.Content)

	status, err = engine.CheckStatus(ctx, second.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "I feel hopeful today", status.Counterpart.Content)
}

func TestSubmit_NoOverlapWaits(t *testing.T) {
	engine, _, _ := setupTestEngine(t, nil, map[string][]string{
		"rainy day": {"sad"},
		"promotion": {"happy"},
	})
	ctx := context.Background()

	first, err := engine.Submit(ctx, text("a", "rainy day"))
	require.NoError(t, err)
	second, err := engine.Submit(ctx, text("b", "promotion"))
	require.NoError(t, err)

	assert.Equal(t, models.ResultWaiting, first.Status)
	assert.Equal(t, models.ResultWaiting, second.Status)

	status, err := engine.CheckStatus(ctx, first.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultWaiting, status.Status)
	assert.Nil(t, status.Counterpart)
}

func TestSubmit_SentinelsMatchEachOther(t *testing.T) {
	engine, _, _ := setupTestEngine(t, nil, map[string][]string{
		"one": models.OverloadedVector(),
		"two": models.OverloadedVector(),
	})
	ctx := context.Background()

	_, err := engine.Submit(ctx, text("a", "one"))
	require.NoError(t, err)
	res, err := engine.Submit(ctx, text("b", "two"))
	require.NoError(t, err)
	assert.Equal(t, models.ResultMatched, res.Status)
	assert.Equal(t, "one", res.Counterpart.Content)
}

func TestSubmit_ConcurrentOverlapping(t *testing.T) {
	engine, _, store := setupTestEngine(t, nil, map[string][]string{
		"A": {"hope", "joy"},
		"B": {"hope", "calm"},
	})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		results [2]*models.SubmitResult
	)
	for i, content := range []string{"A", "B"} {
		wg.Add(1)
		go func(i int, content string) {
			defer wg.Done()
			res, err := engine.Submit(ctx, text(content, content))
			assert.NoError(t, err)
			results[i] = res
		}(i, content)
	}
	wg.Wait()

	matched := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.Status == models.ResultMatched {
			matched++
		}
	}
	assert.Equal(t, 1, matched)

	unmatched, err := store.CountUnmatched(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, unmatched)
}

func TestSubmit_EachWaitingClaimedOnce(t *testing.T) {
	vectors := map[string][]string{"waiting": {"hope"}}
	for i := 0; i < 8; i++ {
		vectors[fmt.Sprintf("incoming-%d", i)] = []string{"hope", fmt.Sprintf("k%d", i)}
	}
	engine, _, _ := setupTestEngine(t, nil, vectors)
	ctx := context.Background()

	_, err := engine.Submit(ctx, text("w", "waiting"))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Submit(ctx, text(fmt.Sprintf("o%d", i), fmt.Sprintf("incoming-%d", i)))
			assert.NoError(t, err)
			if res != nil && res.Counterpart != nil {
				mu.Lock()
				claimed[res.Counterpart.Content]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	for content, n := range claimed {
		assert.Equal(t, 1, n, "submission %q claimed more than once", content)
	}
	assert.Equal(t, 1, claimed["waiting"])
}

func TestSubmit_RateLimited(t *testing.T) {
	limiter := ratelimit.NewMemory(ratelimit.Config{Window: time.Minute, Capacity: 1})
	engine, classifier, _ := setupTestEngine(t, limiter, nil)
	ctx := context.Background()

	_, err := engine.Submit(ctx, text("1.2.3.4", "first"))
	require.NoError(t, err)

	_, err = engine.Submit(ctx, text("1.2.3.4", "second"))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, classifier.calls)
	assert.Equal(t, time.Minute, engine.RetryAfter())

	_, err = engine.Submit(ctx, text("5.6.7.8", "third"))
	assert.NoError(t, err)
}

func TestSubmit_LimiterFailureAdmits(t *testing.T) {
	engine, _, _ := setupTestEngine(t, brokenLimiter{}, nil)

	res, err := engine.Submit(context.Background(), text("a", "hello"))
	require.NoError(t, err)
	assert.Equal(t, models.ResultWaiting, res.Status)
}

func TestSubmit_Invalid(t *testing.T) {
	limiter := ratelimit.NewMemory(ratelimit.Config{Window: time.Minute, Capacity: 1})
	engine, classifier, store := setupTestEngine(t, limiter, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty content", SubmitRequest{Origin: "a", ContentType: "text", Content: "  "}},
		{"unknown content type", SubmitRequest{Origin: "a", ContentType: "video", Content: "x"}},
		{"missing content type", SubmitRequest{Origin: "a", Content: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidSubmission)
		})
	}

	assert.Equal(t, 0, classifier.calls)
	unmatched, err := store.CountUnmatched(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, unmatched)

	// rejected input did not use the origin's only slot
	_, err = engine.Submit(ctx, text("a", "valid"))
	assert.NoError(t, err)
}

func TestCheckStatus_NotFound(t *testing.T) {
	engine, _, _ := setupTestEngine(t, nil, nil)

	_, err := engine.CheckStatus(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckStatus_CounterpartNotYetStored(t *testing.T) {
	engine, _, store := setupTestEngine(t, nil, nil)
	ctx := context.Background()

	waiting := &models.Submission{
		ID: "waiting", ContentType: models.ContentText, Content: "x",
		EmotionalVector: []string{"calm"}, Status: models.StatusUnmatched,
	}
	require.NoError(t, store.Create(ctx, waiting))

	match, err := store.FindAndPair(ctx, &models.Submission{ID: "not-stored", EmotionalVector: []string{"calm"}})
	require.NoError(t, err)
	require.NotNil(t, match)

	status, err := engine.CheckStatus(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, models.ResultWaiting, status.Status)
}

// failingStore fails inside or before the pairing transaction
type failingStore struct {
	repository.Store
	beginErr  error
	createErr error
}

func (s *failingStore) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if s.beginErr != nil {
		return s.beginErr
	}
	return s.Store.WithTx(ctx, func(tx repository.Tx) error {
		return fn(&failingTx{Tx: tx, createErr: s.createErr})
	})
}

type failingTx struct {
	repository.Tx
	createErr error
}

func (tx *failingTx) Create(ctx context.Context, sub *models.Submission) error {
	if tx.createErr != nil {
		return tx.createErr
	}
	return tx.Tx.Create(ctx, sub)
}

func TestSubmit_StoreFailure(t *testing.T) {
	vectors := map[string][]string{
		"waiting":  {"lonely"},
		"incoming": {"lonely", "tired"},
	}

	tests := []struct {
		name  string
		store func(repository.Store) *failingStore
	}{
		{"unreachable", func(s repository.Store) *failingStore {
			return &failingStore{Store: s, beginErr: errors.New("dial tcp: connection refused")}
		}},
		{"insert fails after claim", func(s repository.Store) *failingStore {
			return &failingStore{Store: s, createErr: errors.New("disk I/O error")}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			healthy, classifier, store := setupTestEngine(t, nil, vectors)
			ctx := context.Background()

			waiting, err := healthy.Submit(ctx, text("a", "waiting"))
			require.NoError(t, err)

			broken := NewEngine(ratelimit.NewMemory(ratelimit.Config{Window: time.Minute, Capacity: 1000}),
				classifier, tt.store(store), zap.NewNop())

			req := text("b", "incoming")
			req.SessionToken = "session-b"
			res, err := broken.Submit(ctx, req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.NotErrorIs(t, err, ErrRateLimited)

			// Nothing was written and the waiting submission is still claimable
			count, err := store.CountBySessionSince(ctx, "session-b", time.Unix(0, 0))
			require.NoError(t, err)
			assert.Equal(t, 0, count)

			unmatched, err := store.CountUnmatched(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, unmatched)

			status, err := healthy.CheckStatus(ctx, waiting.SubmissionID)
			require.NoError(t, err)
			assert.Equal(t, models.ResultWaiting, status.Status)

			retried, err := healthy.Submit(ctx, text("c", "incoming"))
			require.NoError(t, err)
			assert.Equal(t, models.ResultMatched, retried.Status)
		})
	}
}
