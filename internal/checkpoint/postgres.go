// Package checkpoint implements the backfill resume state the historical
// pipeline's original, stateless job runner never had: each loader
// window advances a durable cursor per job, so a crashed process resumes
// the next run from the last completed block instead of re-walking the
// whole range.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"csic-platform/service/blockchain/recording/internal/config"
)

// Store wraps the Postgres connection pool backing the checkpoint table.
type Store struct {
	db *sql.DB
}

// New opens a connection pool against cfg and verifies it with a ping.
func New(cfg config.PostgresConfig) (*Store, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("checkpoint: pinging database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the checkpoint table if it doesn't already exist.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS backfill_checkpoints (
			job_key VARCHAR(512) PRIMARY KEY,
			last_completed_block BIGINT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backfill_checkpoints_updated_at ON backfill_checkpoints(updated_at)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("checkpoint: migration failed: %w", err)
		}
	}
	return nil
}

// Advance upserts jobKey's last completed block. Satisfies
// historical.CheckpointStore.
func (s *Store) Advance(ctx context.Context, jobKey string, lastCompletedBlock uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backfill_checkpoints (job_key, last_completed_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (job_key) DO UPDATE SET last_completed_block = $2, updated_at = NOW()
	`, jobKey, lastCompletedBlock)
	if err != nil {
		return fmt.Errorf("checkpoint: advancing %s: %w", jobKey, err)
	}
	return nil
}

// LastCompleted returns jobKey's last completed block, or ok=false if no
// checkpoint has been recorded yet. Satisfies historical.CheckpointStore.
func (s *Store) LastCompleted(ctx context.Context, jobKey string) (uint64, bool, error) {
	var block int64
	err := s.db.QueryRowContext(ctx, `SELECT last_completed_block FROM backfill_checkpoints WHERE job_key = $1`, jobKey).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint: reading %s: %w", jobKey, err)
	}
	return uint64(block), true, nil
}

// StaleJobKeys returns job keys not advanced in the given number of
// hours, used by the reconciliation sweep to surface backfills that
// appear to have stalled.
func (s *Store) StaleJobKeys(ctx context.Context, olderThanHours int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_key FROM backfill_checkpoints
		WHERE updated_at < NOW() - ($1 || ' hours')::interval
	`, olderThanHours)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: querying stale job keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("checkpoint: scanning stale job key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
