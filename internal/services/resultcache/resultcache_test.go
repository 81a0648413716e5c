package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/northarch/geotrace/internal/models"
	"github.com/northarch/geotrace/internal/storage/pgresults"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type repoMock struct {
	mock.Mock
}

func (m *repoMock) FindByKey(ctx context.Context, phone string) (*pgresults.CachedRow, error) {
	args := m.Called(ctx, phone)
	row, _ := args.Get(0).(*pgresults.CachedRow)
	return row, args.Error(1)
}

func (m *repoMock) UpsertByKey(ctx context.Context, phone string, loc models.Location, cachedAt time.Time) error {
	args := m.Called(ctx, phone, loc, cachedAt)
	return args.Error(0)
}

type hotMock struct {
	mock.Mock
}

func (m *hotMock) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	b, _ := args.Get(0).([]byte)
	return b, args.Bool(1), args.Error(2)
}

func (m *hotMock) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

type ServiceSuite struct {
	suite.Suite

	repo *repoMock
	hot  *hotMock
	svc  *Service
	base time.Time
}

func (s *ServiceSuite) SetupTest() {
	s.repo = &repoMock{}
	s.hot = &hotMock{}
	s.svc = New(s.repo, s.hot, 6*time.Hour)
	s.base = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	s.svc.now = func() time.Time { return s.base }
}

func (s *ServiceSuite) loc() models.Location {
	return models.Location{
		Latitude:  -6.9175,
		Longitude: 107.6191,
		Timestamp: s.base.Add(-time.Hour),
		Source:    models.LocationSourceTextCoordinates,
	}
}

func (s *ServiceSuite) TestLookup_HotHit_NoRepo() {
	b, _ := json.Marshal(entry{Location: s.loc(), CachedAt: s.base.Add(-time.Hour)})
	s.hot.On("Get", mock.Anything, "geo:628123456789:current").Return(b, true, nil).Once()

	loc, ok, err := s.svc.Lookup(context.Background(), "628123456789")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().Equal(-6.9175, loc.Latitude)

	s.repo.AssertNotCalled(s.T(), "FindByKey", mock.Anything, mock.Anything)
	s.hot.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestLookup_HotStale_FallsToRepo() {
	// Hot entry older than TTL: not served, repo consulted.
	b, _ := json.Marshal(entry{Location: s.loc(), CachedAt: s.base.Add(-7 * time.Hour)})
	s.hot.On("Get", mock.Anything, "geo:628123456789:current").Return(b, true, nil).Once()
	s.repo.On("FindByKey", mock.Anything, "628123456789").Return((*pgresults.CachedRow)(nil), nil).Once()

	_, ok, err := s.svc.Lookup(context.Background(), "628123456789")
	s.Require().NoError(err)
	s.Require().False(ok)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestLookup_RepoHit_BackfillsHot() {
	row := &pgresults.CachedRow{Phone: "628123456789", Location: s.loc(), CachedAt: s.base.Add(-time.Hour)}
	s.hot.On("Get", mock.Anything, "geo:628123456789:current").Return([]byte(nil), false, nil).Once()
	s.repo.On("FindByKey", mock.Anything, "628123456789").Return(row, nil).Once()
	s.hot.On("Set", mock.Anything, "geo:628123456789:current", mock.Anything, 5*time.Hour).Return(nil).Once()

	loc, ok, err := s.svc.Lookup(context.Background(), "628123456789")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().Equal(107.6191, loc.Longitude)
	s.hot.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestLookup_StaleRowIsMiss() {
	row := &pgresults.CachedRow{Phone: "628123456789", Location: s.loc(), CachedAt: s.base.Add(-7 * time.Hour)}
	s.hot.On("Get", mock.Anything, mock.Anything).Return([]byte(nil), false, nil).Once()
	s.repo.On("FindByKey", mock.Anything, "628123456789").Return(row, nil).Once()

	_, ok, err := s.svc.Lookup(context.Background(), "628123456789")
	s.Require().NoError(err)
	s.Require().False(ok)
	// Stale rows are not deleted and not backfilled.
	s.hot.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestLookup_HotErrorIsMiss() {
	s.hot.On("Get", mock.Anything, mock.Anything).Return([]byte(nil), false, errors.New("redis down")).Once()
	row := &pgresults.CachedRow{Phone: "628123456789", Location: s.loc(), CachedAt: s.base.Add(-time.Minute)}
	s.repo.On("FindByKey", mock.Anything, "628123456789").Return(row, nil).Once()
	s.hot.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	_, ok, err := s.svc.Lookup(context.Background(), "628123456789")
	s.Require().NoError(err)
	s.Require().True(ok)
}

func (s *ServiceSuite) TestLookup_RepoError() {
	want := errors.New("pg down")
	s.hot.On("Get", mock.Anything, mock.Anything).Return([]byte(nil), false, nil).Once()
	s.repo.On("FindByKey", mock.Anything, mock.Anything).Return((*pgresults.CachedRow)(nil), want).Once()

	_, _, err := s.svc.Lookup(context.Background(), "628123456789")
	s.Require().ErrorIs(err, want)
}

func (s *ServiceSuite) TestLookup_TTLZero_Disabled() {
	svc := New(s.repo, s.hot, 0)
	_, ok, err := svc.Lookup(context.Background(), "628123456789")
	s.Require().NoError(err)
	s.Require().False(ok)
	s.repo.AssertNotCalled(s.T(), "FindByKey", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestStore_WritesRepoThenHot() {
	loc := s.loc()
	s.repo.On("UpsertByKey", mock.Anything, "628123456789", loc, s.base).Return(nil).Once()
	s.hot.On("Set", mock.Anything, "geo:628123456789:current", mock.Anything, 6*time.Hour).Return(nil).Once()

	s.Require().NoError(s.svc.Store(context.Background(), "628123456789", loc))
	s.repo.AssertExpectations(s.T())
	s.hot.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestStore_HotSetErrorIgnored() {
	loc := s.loc()
	s.repo.On("UpsertByKey", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	s.hot.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("set failed")).Once()

	s.Require().NoError(s.svc.Store(context.Background(), "628123456789", loc))
}

func (s *ServiceSuite) TestStore_RepoErrorStops() {
	want := errors.New("upsert failed")
	s.repo.On("UpsertByKey", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(want).Once()

	err := s.svc.Store(context.Background(), "628123456789", s.loc())
	s.Require().ErrorIs(err, want)
	s.hot.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// Round-trip: what Store writes, Lookup serves back.
func (s *ServiceSuite) TestStoreThenLookup_RoundTrip() {
	loc := s.loc()
	var storedLoc models.Location
	var storedAt time.Time
	s.repo.On("UpsertByKey", mock.Anything, "628123456789", loc, s.base).
		Run(func(args mock.Arguments) {
			storedLoc = args.Get(2).(models.Location)
			storedAt = args.Get(3).(time.Time)
		}).
		Return(nil).Once()
	s.hot.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	s.Require().NoError(s.svc.Store(context.Background(), "628123456789", loc))

	s.hot.On("Get", mock.Anything, mock.Anything).Return([]byte(nil), false, nil).Once()
	s.repo.On("FindByKey", mock.Anything, "628123456789").
		Return(&pgresults.CachedRow{Phone: "628123456789", Location: storedLoc, CachedAt: storedAt}, nil).Once()

	got, ok, err := s.svc.Lookup(context.Background(), "628123456789")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().Equal(loc, *got)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
