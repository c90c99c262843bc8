package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaushala/shelter/internal/domain/activity"
	"github.com/gaushala/shelter/internal/domain/cow"
	"github.com/gaushala/shelter/internal/domain/profile"
	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/storage"
)

func newCow(tracking string, created time.Time) cow.Cow {
	return cow.Cow{
		TrackingID:   tracking,
		Gender:       cow.GenderFemale,
		HealthStatus: cow.HealthHealthy,
		Source:       cow.SourceDonation,
		CreatedAt:    created,
	}
}

func TestStore_CowLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.CreateCow(ctx, newCow("GAU-1", time.Time{}))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = s.CreateCow(ctx, newCow("GAU-1", time.Time{}))
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict), "duplicate tracking id should conflict")

	created.HealthStatus = cow.HealthSick
	created.Notes = cow.StringPtr("limping")
	created.UpdatedAt = time.Time{}
	updated, err := s.UpdateCow(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, cow.HealthSick, updated.HealthStatus)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	got, err := s.GetCow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "limping", cow.Deref(got.Notes))

	// returned copies must not alias stored state
	*got.Notes = "changed"
	again, _ := s.GetCow(ctx, created.ID)
	assert.Equal(t, "limping", cow.Deref(again.Notes))

	_, err = s.GetCow(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
	_, err = s.UpdateCow(ctx, cow.Cow{ID: "missing"})
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestStore_ListAndCount(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"A-1", "A-2", "B-3"} {
		c := newCow(id, base.Add(time.Duration(i)*time.Hour))
		if id == "B-3" {
			c.HealthStatus = cow.HealthQuarantine
			c.AdopterName = cow.StringPtr("Ravi")
		}
		_, err := s.CreateCow(ctx, c)
		require.NoError(t, err)
	}

	list, err := s.ListCows(ctx, storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "B-3", list[0].TrackingID)

	list, _ = s.ListCows(ctx, storage.ListOptions{OldestFirst: true, Limit: 2})
	require.Len(t, list, 2)
	assert.Equal(t, "A-1", list[0].TrackingID)

	list, _ = s.ListCows(ctx, storage.ListOptions{Offset: 5})
	assert.Empty(t, list)

	list, _ = s.ListCows(ctx, storage.ListOptions{Search: "ravi"})
	require.Len(t, list, 1)
	assert.Equal(t, "B-3", list[0].TrackingID)

	n, err := s.CountCows(ctx, storage.CountFilter{HealthIn: cow.NeedsCare})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, _ = s.CountCows(ctx, storage.CountFilter{CreatedBefore: base.Add(90 * time.Minute)})
	assert.EqualValues(t, 2, n)

	values, err := s.ColumnValues(ctx, storage.ColumnHealthStatus)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"healthy", "healthy", "quarantine"}, values)

	_, err = s.ColumnValues(ctx, "notes")
	assert.True(t, apperrors.Is(err, apperrors.CodeBadRequest))
}

func TestStore_ActivityJoinsAuthor(t *testing.T) {
	ctx := context.Background()
	s := New()

	uid := "user-1"
	_, err := s.UpsertProfile(ctx, profile.Profile{ID: uid, Email: "a@b.c", FullName: cow.StringPtr("Asha"), Role: profile.RoleAdmin})
	require.NoError(t, err)

	base := time.Now().UTC()
	_, err = s.CreateActivity(ctx, activity.Entry{ActivityType: activity.TypeCowRegistration, Description: "first", CreatedBy: &uid, CreatedAt: base.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = s.CreateActivity(ctx, activity.Entry{ActivityType: activity.TypeCowUpdate, Description: "second", CreatedAt: base})
	require.NoError(t, err)

	recent, err := s.RecentActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Description)
	assert.Equal(t, "System", recent[0].Author())
	assert.Equal(t, "Asha", recent[1].Author())

	recent, _ = s.RecentActivity(ctx, 1)
	assert.Len(t, recent, 1)
}

func TestStore_UpsertProfileKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, err := s.UpsertProfile(ctx, profile.Profile{ID: "u", Email: "x@y.z", Role: profile.RoleStaff})
	require.NoError(t, err)

	second, err := s.UpsertProfile(ctx, profile.Profile{ID: "u", Email: "x@y.z", Role: profile.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := s.GetProfile(ctx, "u")
	require.NoError(t, err)
	assert.True(t, got.IsAdmin())

	_, err = s.GetProfile(ctx, "nobody")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}
