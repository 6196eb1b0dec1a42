package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Config holds configuration values for the SQLite store.
type Config struct {
	Path string
}

// Store is the persistent authoring-of-record for packets, observations,
// node state, and traceroutes.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	cache  *nodeCache
}

// Option configures the store.
type Option func(*Store)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens (creating if needed) the database, applies the schema, and
// loads the node cache.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage: database path must be provided")
	}

	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure directory: %w", err)
	}

	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	if err := configureConnection(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
		cache:  newNodeCache(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.cache.load(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: load node cache: %w", err)
	}

	return s, nil
}

// Close checkpoints and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("final checkpoint failed", slog.Any("error", err))
	}
	return s.db.Close()
}

func configureConnection(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("storage: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// Maintain runs periodic sqlite housekeeping until the context is cancelled.
func (s *Store) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("sqlite checkpoint failed", slog.Any("error", err))
			}
			if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("sqlite optimize failed", slog.Any("error", err))
			}
		}
	}
}

func secondsToTime(value float64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	sec := int64(value)
	nsec := int64((value - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func timeToSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
