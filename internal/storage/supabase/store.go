// Package supabase implements the storage interfaces over the hosted REST
// API. Requests run with the caller's access token from the context so that
// row-level security applies; background work without a token falls back
// to the service role key when one is configured.
package supabase

import (
	"context"
	"strings"
	"time"

	"github.com/gaushala/shelter/internal/domain/activity"
	"github.com/gaushala/shelter/internal/domain/cow"
	"github.com/gaushala/shelter/internal/domain/profile"
	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/storage"
	"github.com/gaushala/shelter/internal/supabase"
)

const (
	tableCows     = "cows"
	tableActivity = "activity_logs"
	tableProfiles = "profiles"

	cowColumns      = "id,tracking_id,gender,health_status,source,adopter_name,photo_url,notes,created_by,created_at,updated_at"
	activityColumns = "id,activity_type,description,entity_id,created_by,details,created_at"
	profileColumns  = "id,email,full_name,role,created_at,updated_at"
)

// Store implements the storage interfaces backed by the hosted database.
type Store struct {
	client *supabase.Client
}

var _ storage.CowStore = (*Store)(nil)
var _ storage.ActivityStore = (*Store)(nil)
var _ storage.ProfileStore = (*Store)(nil)

// New creates a Store using client.
func New(client *supabase.Client) *Store {
	return &Store{client: client}
}

// Stores returns s wired as every backend.
func (s *Store) Stores() storage.Stores {
	return storage.Stores{Cows: s, Activity: s, Profiles: s}
}

func (s *Store) from(ctx context.Context, table string) *supabase.QueryBuilder {
	q := s.client.Database().From(table)
	if token := storage.AccessToken(ctx); token != "" {
		return q.WithToken(token)
	}
	if s.client.HasServiceKey() {
		return q.WithServiceKey()
	}
	return q
}

// --- CowStore ---------------------------------------------------------------

func (s *Store) CreateCow(ctx context.Context, c cow.Cow) (cow.Cow, error) {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	var out cow.Cow
	if err := s.from(ctx, tableCows).Insert(c).Single().ExecuteInto(ctx, &out); err != nil {
		return cow.Cow{}, mapError(err, "cow", c.TrackingID)
	}
	return out, nil
}

func (s *Store) UpdateCow(ctx context.Context, c cow.Cow) (cow.Cow, error) {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	patch := map[string]interface{}{
		"tracking_id":   c.TrackingID,
		"gender":        c.Gender,
		"health_status": c.HealthStatus,
		"source":        c.Source,
		"adopter_name":  c.AdopterName,
		"photo_url":     c.PhotoURL,
		"notes":         c.Notes,
		"updated_at":    c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !c.CreatedAt.IsZero() {
		patch["created_at"] = c.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	var out cow.Cow
	if err := s.from(ctx, tableCows).Update(patch).Eq("id", c.ID).Single().ExecuteInto(ctx, &out); err != nil {
		return cow.Cow{}, mapError(err, "cow", c.ID)
	}
	return out, nil
}

func (s *Store) GetCow(ctx context.Context, id string) (cow.Cow, error) {
	var out cow.Cow
	if err := s.from(ctx, tableCows).Select(cowColumns).Eq("id", id).Single().ExecuteInto(ctx, &out); err != nil {
		return cow.Cow{}, mapError(err, "cow", id)
	}
	return out, nil
}

func (s *Store) ListCows(ctx context.Context, opts storage.ListOptions) ([]cow.Cow, error) {
	q := s.from(ctx, tableCows).Select(cowColumns)
	if search := sanitizeSearch(opts.Search); search != "" {
		q = q.Or("tracking_id.ilike.*" + search + "*,adopter_name.ilike.*" + search + "*")
	}
	if opts.OldestFirst {
		q = q.Order("created_at", supabase.OrderAsc)
	} else {
		q = q.Order("created_at", supabase.OrderDesc)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	result := []cow.Cow{}
	if err := q.ExecuteInto(ctx, &result); err != nil {
		return nil, mapError(err, "cow", "")
	}
	return result, nil
}

func (s *Store) CountCows(ctx context.Context, f storage.CountFilter) (int64, error) {
	q := s.from(ctx, tableCows).Select("id").Head()
	if len(f.HealthIn) > 0 {
		values := make([]interface{}, len(f.HealthIn))
		for i, h := range f.HealthIn {
			values[i] = string(h)
		}
		q = q.In("health_status", values...)
	}
	if f.Gender != "" {
		q = q.Eq("gender", string(f.Gender))
	}
	if f.Source != "" {
		q = q.Eq("source", string(f.Source))
	}
	if !f.CreatedFrom.IsZero() {
		q = q.Gte("created_at", f.CreatedFrom.UTC().Format(time.RFC3339))
	}
	if !f.CreatedBefore.IsZero() {
		q = q.Lt("created_at", f.CreatedBefore.UTC().Format(time.RFC3339))
	}

	n, err := q.ExecuteCount(ctx)
	if err != nil {
		return 0, mapError(err, "cow", "")
	}
	return n, nil
}

func (s *Store) ColumnValues(ctx context.Context, column string) ([]string, error) {
	if !storage.ValidColumn(column) {
		return nil, apperrors.BadRequest("unsupported column " + column)
	}
	var rows []map[string]interface{}
	if err := s.from(ctx, tableCows).Select(column).ExecuteInto(ctx, &rows); err != nil {
		return nil, mapError(err, "cow", "")
	}
	values := make([]string, 0, len(rows))
	for _, row := range rows {
		v, _ := row[column].(string)
		values = append(values, v)
	}
	return values, nil
}

// sanitizeSearch drops characters that would break a PostgREST logic tree.
func sanitizeSearch(v string) string {
	v = strings.Map(func(r rune) rune {
		switch r {
		case ',', '(', ')', '*', '"', '\\':
			return -1
		}
		return r
	}, v)
	return strings.TrimSpace(v)
}

// --- ActivityStore ----------------------------------------------------------

func (s *Store) CreateActivity(ctx context.Context, entry activity.Entry) (activity.Entry, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var out activity.Entry
	if err := s.from(ctx, tableActivity).Insert(entry).Single().ExecuteInto(ctx, &out); err != nil {
		return activity.Entry{}, mapError(err, "activity", "")
	}
	return out, nil
}

func (s *Store) RecentActivity(ctx context.Context, limit int) ([]activity.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries := []activity.Entry{}
	err := s.from(ctx, tableActivity).
		Select(activityColumns).
		Order("created_at", supabase.OrderDesc).
		Limit(limit).
		ExecuteInto(ctx, &entries)
	if err != nil {
		return nil, mapError(err, "activity", "")
	}

	seen := make(map[string]bool)
	var ids []interface{}
	for _, e := range entries {
		if e.CreatedBy != nil && !seen[*e.CreatedBy] {
			seen[*e.CreatedBy] = true
			ids = append(ids, *e.CreatedBy)
		}
	}
	if len(ids) == 0 {
		return entries, nil
	}

	var authors []profile.Profile
	if err := s.from(ctx, tableProfiles).Select("id,email,full_name").In("id", ids...).ExecuteInto(ctx, &authors); err != nil {
		// entries without authors still render
		return entries, nil
	}
	byID := make(map[string]profile.Profile, len(authors))
	for _, p := range authors {
		byID[p.ID] = p
	}
	for i := range entries {
		if entries[i].CreatedBy == nil {
			continue
		}
		if p, ok := byID[*entries[i].CreatedBy]; ok {
			entries[i].AuthorEmail = p.Email
			entries[i].AuthorName = cow.Deref(p.FullName)
		}
	}
	return entries, nil
}

// --- ProfileStore -----------------------------------------------------------

func (s *Store) GetProfile(ctx context.Context, id string) (profile.Profile, error) {
	var out profile.Profile
	if err := s.from(ctx, tableProfiles).Select(profileColumns).Eq("id", id).Single().ExecuteInto(ctx, &out); err != nil {
		return profile.Profile{}, mapError(err, "profile", id)
	}
	return out, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	if p.Role == "" {
		p.Role = profile.RoleStaff
	}
	row := map[string]interface{}{
		"id":         p.ID,
		"email":      p.Email,
		"full_name":  p.FullName,
		"role":       p.Role,
		"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}

	var out profile.Profile
	if err := s.from(ctx, tableProfiles).Upsert(row, "id").Single().ExecuteInto(ctx, &out); err != nil {
		return profile.Profile{}, mapError(err, "profile", p.ID)
	}
	return out, nil
}

func mapError(err error, resource, id string) error {
	switch {
	case supabase.IsNotFound(err):
		return apperrors.NotFound(resource, id)
	case supabase.IsConflict(err):
		return apperrors.Conflict(resource + " already exists")
	}
	if se, ok := supabase.AsError(err); ok {
		if se.StatusCode == 401 || se.StatusCode == 403 {
			return apperrors.Forbidden(se.Message)
		}
		return apperrors.Upstream(se.Message, err)
	}
	return apperrors.Upstream("database request failed", err)
}
