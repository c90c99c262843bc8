// Package cows implements the registration and edit actions.
package cows

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gaushala/shelter/internal/domain/activity"
	"github.com/gaushala/shelter/internal/domain/cow"
	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/metrics"
	"github.com/gaushala/shelter/internal/services/upload"
	"github.com/gaushala/shelter/internal/session"
	"github.com/gaushala/shelter/internal/storage"
)

// DefaultSearchLimit bounds search results.
const DefaultSearchLimit = 50

// Uploader stores a photo and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, accessToken string, f *upload.File) (upload.Result, error)
}

// Recorder writes activity log entries.
type Recorder interface {
	Record(ctx context.Context, entry activity.Entry)
}

// Invalidator is told when cow data changes.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Deps wires a Service.
type Deps struct {
	Store    storage.CowStore
	Uploads  Uploader
	Activity Recorder
	Changes  Invalidator
	Logger   *logging.Logger
	// Location interprets submitted dates without an offset. Nil means
	// time.Local.
	Location *time.Location
}

// Service runs the cow actions.
type Service struct {
	store    storage.CowStore
	uploads  Uploader
	activity Recorder
	changes  Invalidator
	log      *logging.Logger
	loc      *time.Location
	now      func() time.Time
	randIntN func(int) int
}

// New constructs a Service.
func New(d Deps) *Service {
	s := &Service{
		store:    d.Store,
		uploads:  d.Uploads,
		activity: d.Activity,
		changes:  d.Changes,
		log:      d.Logger,
		loc:      d.Location,
		now:      time.Now,
		randIntN: rand.IntN,
	}
	if s.log == nil {
		s.log = logging.NewNop()
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	return s
}

// Location is the zone dates without an offset are read in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// GenerateTrackingID returns the last 10 digits of the Unix millisecond
// clock followed by two random digits.
func (s *Service) GenerateTrackingID() string {
	return fmt.Sprintf("%010d%02d", s.now().UnixMilli()%1e10, s.randIntN(100))
}

// Register creates a cow from form.
func (s *Service) Register(ctx context.Context, user *session.User, form Form) (cow.Cow, error) {
	if user == nil {
		return cow.Cow{}, apperrors.Unauthorized("Authentication required")
	}
	if err := form.Validate(); err != nil {
		return cow.Cow{}, err
	}
	registered, err := ParseDateTime(form.DateTime, s.loc)
	if err != nil {
		return cow.Cow{}, err
	}
	if registered.IsZero() {
		registered = s.now().UTC()
	}

	photo, err := s.uploadPhoto(ctx, user, form.Photo)
	if err != nil {
		return cow.Cow{}, err
	}

	trackingID := form.TrackingID
	if trackingID == "" {
		trackingID = s.GenerateTrackingID()
	}
	health := cow.HealthStatus(form.HealthStatus)
	if health == "" {
		health = cow.HealthHealthy
	}
	createdBy := user.ID

	created, err := s.store.CreateCow(ctx, cow.Cow{
		TrackingID:   trackingID,
		Gender:       cow.Gender(form.Gender),
		HealthStatus: health,
		Source:       cow.Source(form.Source),
		AdopterName:  cow.StringPtr(form.AdopterName),
		PhotoURL:     photo,
		Notes:        cow.StringPtr(form.Notes),
		CreatedBy:    &createdBy,
		CreatedAt:    registered,
		UpdatedAt:    registered,
	})
	metrics.RecordCowMutation("register", err == nil)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("tracking_id", trackingID).Error("cow registration failed")
		return cow.Cow{}, fmt.Errorf("register cow: %w", err)
	}

	s.record(ctx, user, activity.TypeCowRegistration, "Registered cow "+created.TrackingID, created.ID, activity.Details{
		"tracking_id":       created.TrackingID,
		"registration_date": registered.Format(time.RFC3339),
	})
	s.invalidate(ctx)
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"cow_id":      created.ID,
		"tracking_id": created.TrackingID,
	}).Info("cow registered")
	return created, nil
}

// Update applies form to the cow with the given id.
func (s *Service) Update(ctx context.Context, user *session.User, id string, form Form) (cow.Cow, error) {
	if user == nil {
		return cow.Cow{}, apperrors.Unauthorized("Authentication required")
	}
	existing, err := s.store.GetCow(ctx, id)
	if err != nil {
		return cow.Cow{}, err
	}
	if err := form.Validate(); err != nil {
		return cow.Cow{}, err
	}
	createdAt, err := ParseDateTime(form.DateTime, s.loc)
	if err != nil {
		return cow.Cow{}, err
	}
	if createdAt.IsZero() {
		createdAt = existing.CreatedAt
	}

	photo := existing.PhotoURL
	uploaded, err := s.uploadPhoto(ctx, user, form.Photo)
	if err != nil {
		return cow.Cow{}, err
	}
	if uploaded != nil {
		photo = uploaded
	}

	trackingID := form.TrackingID
	if trackingID == "" {
		trackingID = existing.TrackingID
	}
	health := cow.HealthStatus(form.HealthStatus)
	if health == "" {
		health = existing.HealthStatus
	}
	now := s.now().UTC()

	updated, err := s.store.UpdateCow(ctx, cow.Cow{
		ID:           existing.ID,
		TrackingID:   trackingID,
		Gender:       cow.Gender(form.Gender),
		HealthStatus: health,
		Source:       cow.Source(form.Source),
		AdopterName:  cow.StringPtr(form.AdopterName),
		PhotoURL:     photo,
		Notes:        cow.StringPtr(form.Notes),
		CreatedBy:    existing.CreatedBy,
		CreatedAt:    createdAt,
		UpdatedAt:    now,
	})
	metrics.RecordCowMutation("update", err == nil)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("cow_id", id).Error("cow update failed")
		return cow.Cow{}, fmt.Errorf("update cow: %w", err)
	}

	s.record(ctx, user, activity.TypeCowUpdate, "Updated cow "+updated.TrackingID, updated.ID, activity.Details{
		"tracking_id": updated.TrackingID,
		"update_date": now.Format(time.RFC3339),
	})
	s.invalidate(ctx)
	return updated, nil
}

// Get returns one cow.
func (s *Service) Get(ctx context.Context, id string) (cow.Cow, error) {
	if id == "" {
		return cow.Cow{}, apperrors.NotFound("cow", id)
	}
	return s.store.GetCow(ctx, id)
}

// Recent returns the newest n cows.
func (s *Service) Recent(ctx context.Context, n int) ([]cow.Cow, error) {
	return s.store.ListCows(ctx, storage.ListOptions{Limit: n})
}

// Search matches q against tracking id and adopter name, case-insensitively.
// A blank q lists the newest cows.
func (s *Service) Search(ctx context.Context, q string, limit int) ([]cow.Cow, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return s.store.ListCows(ctx, storage.ListOptions{Limit: limit, Search: q})
}

func (s *Service) uploadPhoto(ctx context.Context, user *session.User, f *upload.File) (*string, error) {
	if f.Empty() || s.uploads == nil {
		return nil, nil
	}
	res, err := s.uploads.Upload(ctx, user.AccessToken, f)
	if err != nil {
		msg := err.Error()
		if se := apperrors.GetServiceError(err); se != nil {
			msg = se.Message
		}
		return nil, apperrors.BadRequest("Failed to upload image: " + msg)
	}
	if res.URL == "" {
		return nil, nil
	}
	return &res.URL, nil
}

func (s *Service) record(ctx context.Context, user *session.User, kind, desc, entityID string, details activity.Details) {
	if s.activity == nil {
		return
	}
	uid := user.ID
	eid := entityID
	s.activity.Record(ctx, activity.Entry{
		ActivityType: kind,
		Description:  desc,
		EntityID:     &eid,
		CreatedBy:    &uid,
		Details:      details,
		CreatedAt:    s.now().UTC(),
	})
}

func (s *Service) invalidate(ctx context.Context) {
	if s.changes != nil {
		s.changes.Invalidate(ctx)
	}
}
