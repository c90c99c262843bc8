package storage

import (
	"context"
	"time"

	"github.com/gaushala/shelter/internal/domain/activity"
	"github.com/gaushala/shelter/internal/domain/cow"
	"github.com/gaushala/shelter/internal/domain/profile"
)

// ListOptions narrows and orders cow listings. Results are newest first
// unless OldestFirst is set.
type ListOptions struct {
	Limit       int
	Offset      int
	Search      string
	OldestFirst bool
}

// CountFilter selects cows for a count. Zero fields do not filter.
type CountFilter struct {
	HealthIn      []cow.HealthStatus
	Gender        cow.Gender
	Source        cow.Source
	CreatedFrom   time.Time
	CreatedBefore time.Time
}

// CowStore persists cow records.
type CowStore interface {
	CreateCow(ctx context.Context, c cow.Cow) (cow.Cow, error)
	UpdateCow(ctx context.Context, c cow.Cow) (cow.Cow, error)
	GetCow(ctx context.Context, id string) (cow.Cow, error)
	ListCows(ctx context.Context, opts ListOptions) ([]cow.Cow, error)
	CountCows(ctx context.Context, filter CountFilter) (int64, error)
	// ColumnValues returns the value of column for every cow. Only the
	// categorical columns in GroupableColumns are accepted.
	ColumnValues(ctx context.Context, column string) ([]string, error)
}

// Categorical cow columns reports may group by.
const (
	ColumnGender       = "gender"
	ColumnHealthStatus = "health_status"
	ColumnSource       = "source"
)

// GroupableColumns lists the columns ColumnValues accepts.
var GroupableColumns = []string{ColumnGender, ColumnHealthStatus, ColumnSource}

// ValidColumn reports whether column may be passed to ColumnValues.
func ValidColumn(column string) bool {
	for _, c := range GroupableColumns {
		if c == column {
			return true
		}
	}
	return false
}

// ActivityStore persists activity log entries.
type ActivityStore interface {
	CreateActivity(ctx context.Context, entry activity.Entry) (activity.Entry, error)
	RecentActivity(ctx context.Context, limit int) ([]activity.Entry, error)
}

// ProfileStore persists staff profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (profile.Profile, error)
	UpsertProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
}

// Stores bundles the backends a server needs.
type Stores struct {
	Cows     CowStore
	Activity ActivityStore
	Profiles ProfileStore
}

// Matches reports whether c satisfies the filter. Backends that cannot push
// filters down use it directly.
func (f CountFilter) Matches(c cow.Cow) bool {
	if len(f.HealthIn) > 0 {
		hit := false
		for _, h := range f.HealthIn {
			if c.HealthStatus == h {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if f.Gender != "" && c.Gender != f.Gender {
		return false
	}
	if f.Source != "" && c.Source != f.Source {
		return false
	}
	if !f.CreatedFrom.IsZero() && c.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !c.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}
