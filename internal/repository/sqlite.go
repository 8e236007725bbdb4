package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"resonance/internal/models"
)

// SQLiteStore keeps submissions in an embedded SQLite database.
// A single connection and immediate transactions make every pairing step serial.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type sqliteRow struct {
	ID              string `db:"id"`
	ContentType     string `db:"content_type"`
	Content         string `db:"content"`
	EmotionalVector string `db:"emotional_vector"`
	SessionToken    string `db:"session_token"`
	Status          string `db:"status"`
	MatchedWith     string `db:"matched_with"`
	CreatedAt       int64  `db:"created_at"`
}

func (r *sqliteRow) submission() (*models.Submission, error) {
	var vector []string
	if err := json.Unmarshal([]byte(r.EmotionalVector), &vector); err != nil {
		return nil, fmt.Errorf("failed to decode emotional vector of %s: %w", r.ID, err)
	}
	return &models.Submission{
		ID:              r.ID,
		ContentType:     models.ContentType(r.ContentType),
		Content:         r.Content,
		EmotionalVector: vector,
		SessionToken:    r.SessionToken,
		Status:          models.Status(r.Status),
		MatchedWith:     r.MatchedWith,
		CreatedAt:       time.Unix(0, r.CreatedAt).UTC(),
	}, nil
}

const sqliteColumns = `id, content_type, content, emotional_vector, session_token, status, matched_with, created_at`

const sqliteFindAndPair = `
	UPDATE submissions
	SET status = 'matched', matched_with = ?
	WHERE id = (
		SELECT s.id FROM submissions s
		WHERE s.status = 'unmatched'
		  AND s.id <> ?
		  AND EXISTS (
			SELECT 1 FROM json_each(s.emotional_vector) AS have
			JOIN json_each(?) AS want ON have.value = want.value
		  )
		ORDER BY s.created_at DESC, s.rowid DESC
		LIMIT 1
	)
	RETURNING ` + sqliteColumns

// NewSQLiteStore opens (creating if needed) the database at path and applies migrations
func NewSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = "data/resonance.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}

	if err := MigrateSQLite(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("SQLite store initialized", zap.String("db_path", path))

	return &SQLiteStore{db: db, logger: logger}, nil
}

// OpenSQLite connects to the database file without migrating it
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")

	db, err := sqlx.ConnectContext(ctx, "sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	return db, nil
}

// WithTx implements Store
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&sqliteTx{q: tx}); err != nil {
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
func (s *SQLiteStore) FindAndPair(ctx context.Context, sub *models.Submission) (*models.Submission, error) {
	return sqliteFindAndPairOn(ctx, s.db, sub)
}

// Create implements Store
func (s *SQLiteStore) Create(ctx context.Context, sub *models.Submission) error {
	return sqliteCreateOn(ctx, s.db, sub)
}

// GetByID implements Store
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	var row sqliteRow
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteColumns+` FROM submissions WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.Error("Failed to get submission by ID", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return row.submission()
}

// CountBySessionSince implements Store
func (s *SQLiteStore) CountBySessionSince(ctx context.Context, sessionToken string, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM submissions WHERE session_token = ? AND created_at >= ?`,
		sessionToken, since.UnixNano())
	return count, err
}

// CountUnmatched implements Store
func (s *SQLiteStore) CountUnmatched(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM submissions WHERE status = 'unmatched'`)
	return count, err
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	q *sqlx.Tx
}

// LockKeywords is a no-op: the immediate transaction already holds the database write lock
func (t *sqliteTx) LockKeywords(context.Context, []string) error {
	return nil
}

func (t *sqliteTx) FindAndPair(ctx context.Context, sub *models.Submission) (*models.Submission, error) {
	return sqliteFindAndPairOn(ctx, t.q, sub)
}

func (t *sqliteTx) Create(ctx context.Context, sub *models.Submission) error {
	return sqliteCreateOn(ctx, t.q, sub)
}

func sqliteFindAndPairOn(ctx context.Context, q sqlx.QueryerContext, sub *models.Submission) (*models.Submission, error) {
	if len(sub.EmotionalVector) == 0 {
		return nil, nil
	}
	want, err := json.Marshal(sub.EmotionalVector)
	if err != nil {
		return nil, fmt.Errorf("failed to encode emotional vector: %w", err)
	}

	var row sqliteRow
	err = sqlx.GetContext(ctx, q, &row, sqliteFindAndPair, sub.ID, sub.ID, string(want))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pair submission: %w", err)
	}
	return row.submission()
}

func sqliteCreateOn(ctx context.Context, q sqlx.ExecerContext, sub *models.Submission) error {
	vector, err := json.Marshal(sub.EmotionalVector)
	if err != nil {
		return fmt.Errorf("failed to encode emotional vector: %w", err)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO submissions (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, string(sub.ContentType), sub.Content, string(vector),
		sub.SessionToken, string(sub.Status), sub.MatchedWith, sub.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}
