// Package dashboard aggregates herd figures for the dashboard and report
// pages. Aggregates are cached per calendar month and dropped on any write.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/gaushala/shelter/internal/cache"
	"github.com/gaushala/shelter/internal/domain/activity"
	"github.com/gaushala/shelter/internal/domain/cow"
	"github.com/gaushala/shelter/internal/domain/profile"
	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/metrics"
	"github.com/gaushala/shelter/internal/storage"
)

// Page sizes.
const (
	RecentActivityLimit = 5
	RecentCowsLimit     = 6
	ReportCowsLimit     = 100
)

// DefaultTTL is how long aggregates stay cached.
const DefaultTTL = 30 * time.Second

// KeyPrefix namespaces every cache entry written by this package.
const KeyPrefix = "dashboard:"

// Summary holds the dashboard counters.
type Summary struct {
	Total     int64 `json:"total"`
	Healthy   int64 `json:"healthy"`
	NeedCare  int64 `json:"need_care"`
	ThisMonth int64 `json:"this_month"`
}

// Overview is everything the dashboard page shows.
type Overview struct {
	Profile        *profile.Profile
	Summary        Summary
	RecentActivity []activity.Entry
	RecentCows     []cow.Cow
}

// Deps wires a Service.
type Deps struct {
	Cows     storage.CowStore
	Activity storage.ActivityStore
	Profiles storage.ProfileStore
	Cache    cache.Cache
	TTL      time.Duration
	Logger   *logging.Logger
	// Location defines month boundaries. Nil means time.Local.
	Location *time.Location
}

// Service computes dashboard and report data.
type Service struct {
	cows     storage.CowStore
	activity storage.ActivityStore
	profiles storage.ProfileStore
	cache    cache.Cache
	ttl      time.Duration
	log      *logging.Logger
	loc      *time.Location
	now      func() time.Time
}

// New constructs a Service. A nil cache disables caching.
func New(d Deps) *Service {
	s := &Service{
		cows:     d.Cows,
		activity: d.Activity,
		profiles: d.Profiles,
		cache:    d.Cache,
		ttl:      d.TTL,
		log:      d.Logger,
		loc:      d.Location,
		now:      time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.log == nil {
		s.log = logging.NewNop()
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	return s
}

// MonthStart returns midnight on the first day of t's month in loc, shifted
// by offset months.
func MonthStart(t time.Time, loc *time.Location, offset int) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month()+time.Month(offset), 1, 0, 0, 0, 0, loc)
}

func (s *Service) monthKey(kind string) string {
	return KeyPrefix + kind + ":" + MonthStart(s.now(), s.loc, 0).Format("2006-01")
}

// Overview loads the dashboard for userID. A missing profile is not an error.
func (s *Service) Overview(ctx context.Context, userID string) (*Overview, error) {
	summary, err := s.Summary(ctx)
	if err != nil {
		return nil, err
	}
	out := &Overview{Summary: summary}

	if userID != "" && s.profiles != nil {
		p, err := s.profiles.GetProfile(ctx, userID)
		switch {
		case err == nil:
			out.Profile = &p
		case apperrors.Is(err, apperrors.CodeNotFound):
		default:
			s.log.WithContext(ctx).WithError(err).Warn("load profile failed")
		}
	}

	if s.activity != nil {
		entries, err := s.activity.RecentActivity(ctx, RecentActivityLimit)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).Warn("load recent activity failed")
		}
		out.RecentActivity = entries
	}

	out.RecentCows, err = s.cows.ListCows(ctx, storage.ListOptions{Limit: RecentCowsLimit})
	if err != nil {
		return nil, fmt.Errorf("recent cows: %w", err)
	}
	return out, nil
}

// Summary returns the dashboard counters.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	var out Summary
	key := s.monthKey("summary")
	if s.cached(ctx, key, &out) {
		return out, nil
	}

	monthStart := MonthStart(s.now(), s.loc, 0)
	counts := []struct {
		dst    *int64
		filter storage.CountFilter
	}{
		{&out.Total, storage.CountFilter{}},
		{&out.Healthy, storage.CountFilter{HealthIn: []cow.HealthStatus{cow.HealthHealthy}}},
		{&out.NeedCare, storage.CountFilter{HealthIn: cow.NeedsCare}},
		{&out.ThisMonth, storage.CountFilter{CreatedFrom: monthStart}},
	}
	for _, c := range counts {
		n, err := s.cows.CountCows(ctx, c.filter)
		if err != nil {
			return Summary{}, fmt.Errorf("count cows: %w", err)
		}
		*c.dst = n
	}

	s.store(ctx, key, out)
	return out, nil
}

// Invalidate drops every cached aggregate.
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeletePrefix(ctx, KeyPrefix); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("invalidate dashboard cache failed")
	}
}

// Warm recomputes the cached aggregates.
func (s *Service) Warm(ctx context.Context) error {
	s.Invalidate(ctx)
	if _, err := s.Summary(ctx); err != nil {
		return err
	}
	_, err := s.Aggregates(ctx)
	return err
}

func (s *Service) cached(ctx context.Context, key string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	hit, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("key", key).Warn("cache read failed")
		hit = false
	}
	metrics.RecordCacheLookup(hit)
	return hit
}

func (s *Service) store(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("key", key).Warn("cache write failed")
	}
}
