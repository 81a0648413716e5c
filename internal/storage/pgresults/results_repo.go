package pgresults

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/northarch/geotrace/internal/models"
	"github.com/pkg/errors"
)

// CachedRow is one row of the cached-result collection. TTL
// interpretation belongs to the cache service, not to storage.
type CachedRow struct {
	Phone    string
	Location models.Location
	CachedAt time.Time
}

// FindByKey returns the cached row for a normalised phone, or nil when
// absent. Stale rows are returned as-is.
func (s *Storage) FindByKey(ctx context.Context, phone string) (*CachedRow, error) {
	var locJSON []byte
	var cachedAt time.Time
	err := s.db.QueryRow(ctx, `
SELECT location, cached_at
FROM cached_results
WHERE phone = $1
`, phone).Scan(&locJSON, &cachedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select cached result")
	}

	var loc models.Location
	if err := json.Unmarshal(locJSON, &loc); err != nil {
		return nil, errors.Wrap(err, "decode cached location")
	}
	return &CachedRow{Phone: phone, Location: loc, CachedAt: cachedAt}, nil
}

// UpsertByKey replaces the cached row for a phone. Any newer location is
// safe to write over an older one.
func (s *Storage) UpsertByKey(ctx context.Context, phone string, loc models.Location, cachedAt time.Time) error {
	b, err := json.Marshal(loc)
	if err != nil {
		return errors.Wrap(err, "encode location")
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO cached_results (phone, location, cached_at, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (phone)
DO UPDATE SET location = EXCLUDED.location, cached_at = EXCLUDED.cached_at, updated_at = now()
`, phone, b, cachedAt.UTC())
	return errors.Wrap(err, "upsert cached result")
}
