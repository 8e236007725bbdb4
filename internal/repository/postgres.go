package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"resonance/internal/models"
)

// PostgresStore keeps submissions in PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type postgresRow struct {
	ID              string         `db:"id"`
	ContentType     string         `db:"content_type"`
	Content         string         `db:"content"`
	EmotionalVector pq.StringArray `db:"emotional_vector"`
	SessionToken    string         `db:"session_token"`
	Status          string         `db:"status"`
	MatchedWith     string         `db:"matched_with"`
	CreatedAt       time.Time      `db:"created_at"`
}

func (r *postgresRow) submission() *models.Submission {
	return &models.Submission{
		ID:              r.ID,
		ContentType:     models.ContentType(r.ContentType),
		Content:         r.Content,
		EmotionalVector: []string(r.EmotionalVector),
		SessionToken:    r.SessionToken,
		Status:          models.Status(r.Status),
		MatchedWith:     r.MatchedWith,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

const postgresColumns = `id, content_type, content, emotional_vector, session_token, status, matched_with, created_at`

// The inner SELECT locks the chosen row; the outer status check rejects a row claimed meanwhile
const postgresFindAndPair = `
	UPDATE submissions
	SET status = 'matched', matched_with = $1
	WHERE status = 'unmatched' AND id = (
		SELECT id FROM submissions
		WHERE status = 'unmatched'
		  AND id <> $1
		  AND emotional_vector && $2::text[]
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + postgresColumns

// NewPostgresDB establishes a new connection to the PostgreSQL database.
func NewPostgresDB(ctx context.Context, cfg Config, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Successfully connected to the database!")
	return db, nil
}

// NewPostgresStore connects and applies migrations
func NewPostgresStore(ctx context.Context, cfg Config, logger *zap.Logger) (*PostgresStore, error) {
	db, err := NewPostgresDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := MigratePostgres(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// WithTx implements Store
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&postgresTx{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindAndPair implements Store
func (s *PostgresStore) FindAndPair(ctx context.Context, sub *models.Submission) (*models.Submission, error) {
	return postgresFindAndPairOn(ctx, s.db, sub)
}

// Create implements Store
func (s *PostgresStore) Create(ctx context.Context, sub *models.Submission) error {
	return postgresCreateOn(ctx, s.db, sub)
}

// GetByID implements Store
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	var row postgresRow
	err := s.db.GetContext(ctx, &row, `SELECT `+postgresColumns+` FROM submissions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.Error("Failed to get submission by ID", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return row.submission(), nil
}

// CountBySessionSince implements Store
func (s *PostgresStore) CountBySessionSince(ctx context.Context, sessionToken string, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM submissions WHERE session_token = $1 AND created_at >= $2`,
		sessionToken, since)
	return count, err
}

// CountUnmatched implements Store
func (s *PostgresStore) CountUnmatched(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM submissions WHERE status = 'unmatched'`)
	return count, err
}

// Close implements Store
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type postgresTx struct {
	q *sqlx.Tx
}

// LockKeywords takes one transaction-scoped advisory lock per keyword, always in the same order
func (t *postgresTx) LockKeywords(ctx context.Context, keywords []string) error {
	for _, k := range lockOrder(keywords) {
		if _, err := t.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, k); err != nil {
			return fmt.Errorf("failed to lock keyword: %w", err)
		}
	}
	return nil
}

func (t *postgresTx) FindAndPair(ctx context.Context, sub *models.Submission) (*models.Submission, error) {
	return postgresFindAndPairOn(ctx, t.q, sub)
}

func (t *postgresTx) Create(ctx context.Context, sub *models.Submission) error {
	return postgresCreateOn(ctx, t.q, sub)
}

func postgresFindAndPairOn(ctx context.Context, q sqlx.QueryerContext, sub *models.Submission) (*models.Submission, error) {
	if len(sub.EmotionalVector) == 0 {
		return nil, nil
	}

	var row postgresRow
	err := sqlx.GetContext(ctx, q, &row, postgresFindAndPair, sub.ID, pq.StringArray(sub.EmotionalVector))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pair submission: %w", err)
	}
	return row.submission(), nil
}

func postgresCreateOn(ctx context.Context, q sqlx.ExecerContext, sub *models.Submission) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	// timestamptz keeps microseconds
	sub.CreatedAt = sub.CreatedAt.Truncate(time.Microsecond)

	_, err := q.ExecContext(ctx, `
		INSERT INTO submissions (`+postgresColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, string(sub.ContentType), sub.Content, pq.StringArray(sub.EmotionalVector),
		sub.SessionToken, string(sub.Status), sub.MatchedWith, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}
