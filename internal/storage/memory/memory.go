package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaushala/shelter/internal/domain/activity"
	"github.com/gaushala/shelter/internal/domain/cow"
	"github.com/gaushala/shelter/internal/domain/profile"
	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/storage"
)

// Store is a thread-safe in-memory persistence layer for tests and local
// development.
type Store struct {
	mu       sync.RWMutex
	cows     map[string]cow.Cow
	entries  []activity.Entry
	profiles map[string]profile.Profile
}

var _ storage.CowStore = (*Store)(nil)
var _ storage.ActivityStore = (*Store)(nil)
var _ storage.ProfileStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		cows:     make(map[string]cow.Cow),
		profiles: make(map[string]profile.Profile),
	}
}

// Stores returns s wired as every backend.
func (s *Store) Stores() storage.Stores {
	return storage.Stores{Cows: s, Activity: s, Profiles: s}
}

// CowStore implementation -----------------------------------------------------

func (s *Store) CreateCow(_ context.Context, c cow.Cow) (cow.Cow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	} else if _, exists := s.cows[c.ID]; exists {
		return cow.Cow{}, apperrors.Conflict("cow " + c.ID + " already exists")
	}
	for _, existing := range s.cows {
		if existing.TrackingID == c.TrackingID {
			return cow.Cow{}, apperrors.Conflict("tracking id " + c.TrackingID + " already registered")
		}
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	s.cows[c.ID] = c
	return cloneCow(c), nil
}

func (s *Store) UpdateCow(_ context.Context, c cow.Cow) (cow.Cow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.cows[c.ID]
	if !ok {
		return cow.Cow{}, apperrors.NotFound("cow", c.ID)
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = original.CreatedAt
	}
	if c.CreatedBy == nil {
		c.CreatedBy = original.CreatedBy
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	s.cows[c.ID] = c
	return cloneCow(c), nil
}

func (s *Store) GetCow(_ context.Context, id string) (cow.Cow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cows[id]
	if !ok {
		return cow.Cow{}, apperrors.NotFound("cow", id)
	}
	return cloneCow(c), nil
}

func (s *Store) ListCows(_ context.Context, opts storage.ListOptions) ([]cow.Cow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(opts.Search))
	result := make([]cow.Cow, 0, len(s.cows))
	for _, c := range s.cows {
		if needle != "" && !matchesSearch(c, needle) {
			continue
		}
		result = append(result, cloneCow(c))
	}

	sort.Slice(result, func(i, j int) bool {
		if opts.OldestFirst {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) CountCows(_ context.Context, filter storage.CountFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, c := range s.cows {
		if filter.Matches(c) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ColumnValues(_ context.Context, column string) ([]string, error) {
	if !storage.ValidColumn(column) {
		return nil, apperrors.BadRequest("unsupported column " + column)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]string, 0, len(s.cows))
	for _, c := range s.cows {
		switch column {
		case storage.ColumnGender:
			values = append(values, string(c.Gender))
		case storage.ColumnHealthStatus:
			values = append(values, string(c.HealthStatus))
		case storage.ColumnSource:
			values = append(values, string(c.Source))
		}
	}
	return values, nil
}

func matchesSearch(c cow.Cow, needle string) bool {
	if strings.Contains(strings.ToLower(c.TrackingID), needle) {
		return true
	}
	return c.AdopterName != nil && strings.Contains(strings.ToLower(*c.AdopterName), needle)
}

// ActivityStore implementation ------------------------------------------------

func (s *Store) CreateActivity(_ context.Context, entry activity.Entry) (activity.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Details = copyDetails(entry.Details)
	entry.AuthorEmail, entry.AuthorName = "", ""

	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *Store) RecentActivity(_ context.Context, limit int) ([]activity.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]activity.Entry, len(s.entries))
	copy(result, s.entries)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	result = page(result, 0, limit)

	for i := range result {
		result[i].Details = copyDetails(result[i].Details)
		if result[i].CreatedBy == nil {
			continue
		}
		if p, ok := s.profiles[*result[i].CreatedBy]; ok {
			result[i].AuthorEmail = p.Email
			result[i].AuthorName = cow.Deref(p.FullName)
		}
	}
	return result, nil
}

// ProfileStore implementation -------------------------------------------------

func (s *Store) GetProfile(_ context.Context, id string) (profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return profile.Profile{}, apperrors.NotFound("profile", id)
	}
	return p, nil
}

func (s *Store) UpsertProfile(_ context.Context, p profile.Profile) (profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.profiles[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	s.profiles[p.ID] = p
	return p, nil
}

// helpers ---------------------------------------------------------------------

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneCow(c cow.Cow) cow.Cow {
	c.AdopterName = cloneString(c.AdopterName)
	c.PhotoURL = cloneString(c.PhotoURL)
	c.Notes = cloneString(c.Notes)
	c.CreatedBy = cloneString(c.CreatedBy)
	return c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func copyDetails(d activity.Details) activity.Details {
	if d == nil {
		return nil
	}
	out := make(activity.Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
