package cows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaushala/shelter/internal/domain/activity"
	"github.com/gaushala/shelter/internal/domain/cow"
	apperrors "github.com/gaushala/shelter/internal/errors"
	activitysvc "github.com/gaushala/shelter/internal/services/activity"
	"github.com/gaushala/shelter/internal/services/upload"
	"github.com/gaushala/shelter/internal/session"
	"github.com/gaushala/shelter/internal/storage"
	"github.com/gaushala/shelter/internal/storage/memory"
)

type stubUploader struct {
	url   string
	err   error
	calls int
	token string
}

func (u *stubUploader) Upload(_ context.Context, token string, f *upload.File) (upload.Result, error) {
	u.calls++
	u.token = token
	if u.err != nil {
		return upload.Result{}, u.err
	}
	return upload.Result{URL: u.url, Strategy: "stub"}, nil
}

type countingInvalidator struct{ n int }

func (c *countingInvalidator) Invalidate(context.Context) { c.n++ }

type fixture struct {
	svc     *Service
	store   *memory.Store
	uploads *stubUploader
	changes *countingInvalidator
	user    *session.User
}

var fixedNow = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	f := &fixture{
		store:   store,
		uploads: &stubUploader{url: "https://cdn.example/cow.jpg"},
		changes: &countingInvalidator{},
		user:    &session.User{ID: "user-1", Email: "staff@gaushala.org", AccessToken: "access-1"},
	}
	f.svc = New(Deps{
		Store:    store,
		Uploads:  f.uploads,
		Activity: activitysvc.New(store, nil),
		Changes:  f.changes,
		Location: time.UTC,
	})
	f.svc.now = func() time.Time { return fixedNow }
	f.svc.randIntN = func(int) int { return 7 }
	return f
}

func validForm() Form {
	return Form{Gender: "female", Source: "rescue", AdopterName: "  Meera ", Notes: " "}
}

// =============================================================================
// Register
// =============================================================================

func TestRegister_Defaults(t *testing.T) {
	f := newFixture(t)

	c, err := f.svc.Register(context.Background(), f.user, validForm())
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "049860000007", c.TrackingID)
	assert.Len(t, c.TrackingID, 12)
	assert.Equal(t, cow.HealthHealthy, c.HealthStatus)
	assert.Equal(t, "Meera", cow.Deref(c.AdopterName))
	assert.Nil(t, c.Notes)
	assert.Nil(t, c.PhotoURL)
	assert.True(t, c.CreatedAt.Equal(fixedNow))
	assert.True(t, c.UpdatedAt.Equal(fixedNow))
	require.NotNil(t, c.CreatedBy)
	assert.Equal(t, "user-1", *c.CreatedBy)
	assert.Zero(t, f.uploads.calls)
	assert.Equal(t, 1, f.changes.n)

	logs, err := f.store.RecentActivity(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, activity.TypeCowRegistration, logs[0].ActivityType)
	assert.Equal(t, c.TrackingID, logs[0].Details["tracking_id"])
	assert.Equal(t, "2024-03-15T10:30:00Z", logs[0].Details["registration_date"])
}

func TestRegister_ExplicitValues(t *testing.T) {
	f := newFixture(t)
	form := validForm()
	form.TrackingID = " GAU-7 "
	form.HealthStatus = "quarantine"
	form.DateTime = "2024-01-02T08:15"
	form.Photo = &upload.File{Name: "a.jpg", Data: []byte("x")}

	c, err := f.svc.Register(context.Background(), f.user, form)
	require.NoError(t, err)

	assert.Equal(t, "GAU-7", c.TrackingID)
	assert.Equal(t, cow.HealthQuarantine, c.HealthStatus)
	assert.True(t, c.CreatedAt.Equal(time.Date(2024, 1, 2, 8, 15, 0, 0, time.UTC)))
	assert.Equal(t, "https://cdn.example/cow.jpg", cow.Deref(c.PhotoURL))
	assert.Equal(t, "access-1", f.uploads.token)
}

func TestRegister_Validation(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Form)
		want string
	}{
		{"missing gender", func(fm *Form) { fm.Gender = "" }, "Gender is required"},
		{"missing source", func(fm *Form) { fm.Source = " " }, "Source is required"},
		{"unknown gender", func(fm *Form) { fm.Gender = "bull" }, `Invalid gender: "bull"`},
		{"unknown health", func(fm *Form) { fm.HealthStatus = "dead" }, `Invalid health status: "dead"`},
		{"bad date", func(fm *Form) { fm.DateTime = "yesterday" }, "Invalid registration date"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			form := validForm()
			form.Photo = &upload.File{Name: "a.jpg", Data: []byte("x")}
			tc.edit(&form)

			_, err := f.svc.Register(context.Background(), f.user, form)
			se := apperrors.GetServiceError(err)
			require.NotNil(t, se, "err = %v", err)
			assert.Equal(t, tc.want, se.Message)
			assert.Zero(t, f.uploads.calls, "photo must not upload for an invalid form")
			assert.Zero(t, f.changes.n)
		})
	}
}

func TestRegister_UploadFailure(t *testing.T) {
	f := newFixture(t)
	f.uploads.err = upload.ErrAllFailed
	form := validForm()
	form.Photo = &upload.File{Name: "a.jpg", Data: []byte("x")}

	_, err := f.svc.Register(context.Background(), f.user, form)
	se := apperrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, "Failed to upload image: All upload methods failed. Please try again later.", se.Message)

	n, err := f.store.CountCows(context.Background(), storage.CountFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegister_RequiresUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), nil, validForm())
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthorized))
}

func TestRegister_DuplicateTrackingID(t *testing.T) {
	f := newFixture(t)
	form := validForm()
	form.TrackingID = "GAU-1"
	_, err := f.svc.Register(context.Background(), f.user, form)
	require.NoError(t, err)

	_, err = f.svc.Register(context.Background(), f.user, form)
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))
}

// =============================================================================
// Update
// =============================================================================

func TestUpdate_KeepsPhotoAndCreatedAt(t *testing.T) {
	f := newFixture(t)
	form := validForm()
	form.Photo = &upload.File{Name: "a.jpg", Data: []byte("x")}
	form.DateTime = "2024-01-02T08:15:00"
	original, err := f.svc.Register(context.Background(), f.user, form)
	require.NoError(t, err)

	later := fixedNow.Add(48 * time.Hour)
	f.svc.now = func() time.Time { return later }

	edit := Form{Gender: "male", Source: "stray", HealthStatus: "sick"}
	updated, err := f.svc.Update(context.Background(), f.user, original.ID, edit)
	require.NoError(t, err)

	assert.Equal(t, original.TrackingID, updated.TrackingID)
	assert.Equal(t, cow.GenderMale, updated.Gender)
	assert.Equal(t, cow.HealthSick, updated.HealthStatus)
	assert.Equal(t, cow.Deref(original.PhotoURL), cow.Deref(updated.PhotoURL))
	assert.True(t, updated.CreatedAt.Equal(original.CreatedAt))
	assert.True(t, updated.UpdatedAt.Equal(later))
	assert.Nil(t, updated.AdopterName)
	assert.Equal(t, 1, f.uploads.calls)
	assert.Equal(t, 2, f.changes.n)

	logs, err := f.store.RecentActivity(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	var sawUpdate bool
	for _, l := range logs {
		if l.ActivityType == activity.TypeCowUpdate {
			sawUpdate = true
			assert.Equal(t, original.TrackingID, l.Details["tracking_id"])
			assert.Equal(t, later.Format(time.RFC3339), l.Details["update_date"])
		}
	}
	assert.True(t, sawUpdate)
}

func TestUpdate_NewPhotoAndDate(t *testing.T) {
	f := newFixture(t)
	original, err := f.svc.Register(context.Background(), f.user, validForm())
	require.NoError(t, err)

	f.uploads.url = "https://cdn.example/new.jpg"
	edit := validForm()
	edit.Photo = &upload.File{Name: "b.png", Data: []byte("y")}
	edit.DateTime = "2023-12-01T00:00:00Z"

	updated, err := f.svc.Update(context.Background(), f.user, original.ID, edit)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/new.jpg", cow.Deref(updated.PhotoURL))
	assert.True(t, updated.CreatedAt.Equal(time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)))
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Update(context.Background(), f.user, "missing", validForm())
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestUpdate_UploadFailureLeavesRecord(t *testing.T) {
	f := newFixture(t)
	original, err := f.svc.Register(context.Background(), f.user, validForm())
	require.NoError(t, err)

	f.uploads.err = errors.New("storage down")
	edit := validForm()
	edit.Gender = "calf"
	edit.Photo = &upload.File{Name: "b.png", Data: []byte("y")}
	_, err = f.svc.Update(context.Background(), f.user, original.ID, edit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to upload image: storage down")

	got, err := f.svc.Get(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, cow.GenderFemale, got.Gender)
}

// =============================================================================
// Queries
// =============================================================================

func TestSearchAndRecent(t *testing.T) {
	f := newFixture(t)
	for i, name := range []string{"Meera", "Ravi", "meenakshi"} {
		form := validForm()
		form.TrackingID = []string{"GAU-1", "GAU-2", "XYZ-3"}[i]
		form.AdopterName = name
		_, err := f.svc.Register(context.Background(), f.user, form)
		require.NoError(t, err)
	}

	found, err := f.svc.Search(context.Background(), "MEE", 0)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = f.svc.Search(context.Background(), "xyz", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "XYZ-3", found[0].TrackingID)

	recent, err := f.svc.Recent(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	_, err = f.svc.Get(context.Background(), "")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestParseDateTime(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	got, err := ParseDateTime("2024-05-01T12:00", ist)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 6, 30, 0, 0, time.UTC), got)

	got, err = ParseDateTime("", ist)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}
