package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"resonance/internal/models"
)

// ErrNotFound is returned when a submission does not exist
var ErrNotFound = errors.New("submission not found")

// Tx is a unit of work against the pairing store. Everything done through it commits or rolls back together.
type Tx interface {
	// LockKeywords serializes transactions whose vectors share a keyword
	LockKeywords(ctx context.Context, keywords []string) error
	FindAndPair(ctx context.Context, sub *models.Submission) (*models.Submission, error)
	Create(ctx context.Context, sub *models.Submission) error
}

// Store persists submissions and performs the atomic pairing claim
type Store interface {
	// WithTx runs fn in a transaction, committing when it returns nil
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// FindAndPair claims the most recent unmatched submission sharing a keyword with sub,
	// marking it matched with sub. It returns nil when there is no candidate.
	FindAndPair(ctx context.Context, sub *models.Submission) (*models.Submission, error)
	Create(ctx context.Context, sub *models.Submission) error
	GetByID(ctx context.Context, id string) (*models.Submission, error)
	CountBySessionSince(ctx context.Context, sessionToken string, since time.Time) (int, error)
	CountUnmatched(ctx context.Context) (int, error)
	Close() error
}

// Config selects and configures the backing database
type Config struct {
	Driver          string        `yaml:"driver"` // sqlite | postgres
	DSN             string        `yaml:"dsn"`
	Path            string        `yaml:"path"` // sqlite database file
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Open connects to the configured database
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(ctx, cfg.Path, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// lockOrder returns distinct keywords in a stable order so concurrent lockers cannot deadlock
func lockOrder(keywords []string) []string {
	out := models.Keywords(keywords)
	sort.Strings(out)
	return out
}
