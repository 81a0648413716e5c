package pgresults

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS cached_results (
  phone TEXT PRIMARY KEY,
  location JSONB NOT NULL,
  cached_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_results_cached_at ON cached_results(cached_at)`,
		`
CREATE TABLE IF NOT EXISTS lookup_history (
  id BIGSERIAL PRIMARY KEY,
  job_id TEXT NOT NULL,
  phone TEXT NOT NULL,
  submitter TEXT NOT NULL DEFAULT '',
  latitude DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL,
  accuracy_m DOUBLE PRECISION NULL,
  address TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL,
  finished_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_lookup_history_phone ON lookup_history(phone, finished_at DESC)`,
		// Kafka redeliveries must not duplicate history rows.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_lookup_history_job_id ON lookup_history(job_id)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
