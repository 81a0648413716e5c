package pgresults

import (
	"context"
	"time"

	"github.com/northarch/geotrace/internal/models"
	"github.com/pkg/errors"
)

type LookupRecord struct {
	ID         uint64
	JobID      string
	Phone      string
	Submitter  string
	Latitude   float64
	Longitude  float64
	AccuracyM  *float64
	Address    string
	Source     string
	FinishedAt time.Time
	CreatedAt  time.Time
}

// InsertLookup appends one completed lookup to the history. Replays of
// the same job id are ignored.
func (s *Storage) InsertLookup(ctx context.Context, rec LookupRecord) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO lookup_history (
  job_id, phone, submitter, latitude, longitude, accuracy_m, address, source, finished_at, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
ON CONFLICT (job_id) DO NOTHING
`, rec.JobID, rec.Phone, rec.Submitter, rec.Latitude, rec.Longitude, rec.AccuracyM, rec.Address, rec.Source, rec.FinishedAt.UTC())
	return errors.Wrap(err, "insert lookup history")
}

// ListLookupsByPhone returns the most recent history rows for a phone.
func (s *Storage) ListLookupsByPhone(ctx context.Context, phone string, limit int) ([]*LookupRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, `
SELECT id, job_id, phone, submitter, latitude, longitude, accuracy_m, address, source, finished_at, created_at
FROM lookup_history
WHERE phone = $1
ORDER BY finished_at DESC
LIMIT $2
`, phone, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select lookup history")
	}
	defer rows.Close()

	var out []*LookupRecord
	for rows.Next() {
		var r LookupRecord
		if err := rows.Scan(
			&r.ID, &r.JobID, &r.Phone, &r.Submitter,
			&r.Latitude, &r.Longitude, &r.AccuracyM, &r.Address,
			&r.Source, &r.FinishedAt, &r.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan lookup history")
		}
		out = append(out, &r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// RecordFromLocation builds a history record from a completed job result.
func RecordFromLocation(jobID, phone, submitter string, loc models.Location, finishedAt time.Time) LookupRecord {
	rec := LookupRecord{
		JobID:      jobID,
		Phone:      phone,
		Submitter:  submitter,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		AccuracyM:  loc.AccuracyMeters,
		Source:     loc.Source,
		FinishedAt: finishedAt,
	}
	if loc.Address != nil {
		rec.Address = *loc.Address
	}
	return rec
}
