// Package resultcache serves completed lookups by normalised phone. It
// owns TTL interpretation: storage keeps rows forever, redis keeps a hot
// copy, and this layer decides what still counts as fresh.
package resultcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/northarch/geotrace/internal/cache"
	"github.com/northarch/geotrace/internal/models"
	"github.com/northarch/geotrace/internal/storage/pgresults"
)

type Repository interface {
	FindByKey(ctx context.Context, phone string) (*pgresults.CachedRow, error)
	UpsertByKey(ctx context.Context, phone string, loc models.Location, cachedAt time.Time) error
}

type entry struct {
	Location models.Location `json:"location"`
	CachedAt time.Time       `json:"cached_at"`
}

type Service struct {
	repo Repository
	hot  cache.BytesCache
	ttl  time.Duration
	now  func() time.Time
}

func New(repo Repository, hot cache.BytesCache, ttl time.Duration) *Service {
	return &Service{repo: repo, hot: hot, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// Lookup returns the cached location for a phone if one exists and is
// younger than the TTL. Stale rows count as misses and stay in place;
// the next successful lookup overwrites them. Hot-cache errors are
// treated as misses, the backing store is authoritative.
func (s *Service) Lookup(ctx context.Context, phone string) (*models.Location, bool, error) {
	if s.ttl <= 0 {
		return nil, false, nil
	}

	if s.hot != nil {
		if b, ok, err := s.hot.Get(ctx, hotKey(phone)); err == nil && ok {
			var e entry
			if json.Unmarshal(b, &e) == nil && s.fresh(e.CachedAt) {
				loc := e.Location
				return &loc, true, nil
			}
		}
	}

	row, err := s.repo.FindByKey(ctx, phone)
	if err != nil {
		return nil, false, err
	}
	if row == nil || !s.fresh(row.CachedAt) {
		return nil, false, nil
	}

	if s.hot != nil {
		if b, err := json.Marshal(entry{Location: row.Location, CachedAt: row.CachedAt}); err == nil {
			remaining := s.ttl - s.now().Sub(row.CachedAt)
			_ = s.hot.Set(ctx, hotKey(phone), b, remaining)
		}
	}

	loc := row.Location
	return &loc, true, nil
}

// Store persists a freshly completed lookup. The write-through order is
// store first, hot cache best-effort second, so a hot-cache failure
// never loses a result.
func (s *Service) Store(ctx context.Context, phone string, loc models.Location) error {
	cachedAt := s.now()
	if err := s.repo.UpsertByKey(ctx, phone, loc, cachedAt); err != nil {
		return err
	}

	if s.hot != nil && s.ttl > 0 {
		if b, err := json.Marshal(entry{Location: loc, CachedAt: cachedAt}); err == nil {
			_ = s.hot.Set(ctx, hotKey(phone), b, s.ttl)
		}
	}
	return nil
}

func (s *Service) fresh(cachedAt time.Time) bool {
	return s.now().Sub(cachedAt) < s.ttl
}

func hotKey(phone string) string {
	return fmt.Sprintf("geo:%s:current", phone)
}
