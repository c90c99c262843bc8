// Package postgres implements the storage interfaces over a direct
// PostgreSQL connection.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/gaushala/shelter/internal/domain/activity"
	"github.com/gaushala/shelter/internal/domain/cow"
	"github.com/gaushala/shelter/internal/domain/profile"
	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/storage"
)

const uniqueViolation = "23505"

const cowColumns = `id, tracking_id, gender, health_status, source, adopter_name, photo_url, notes, created_by, created_at, updated_at`

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.CowStore = (*Store)(nil)
var _ storage.ActivityStore = (*Store)(nil)
var _ storage.ProfileStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Open connects to dsn and applies pool limits.
func Open(dsn string, maxOpen int, maxIdle time.Duration) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetConnMaxIdleTime(maxIdle)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stores returns s wired as every backend.
func (s *Store) Stores() storage.Stores {
	return storage.Stores{Cows: s, Activity: s, Profiles: s}
}

// --- CowStore ---------------------------------------------------------------

func (s *Store) CreateCow(ctx context.Context, c cow.Cow) (cow.Cow, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cows (`+cowColumns+`)
		VALUES (:id, :tracking_id, :gender, :health_status, :source, :adopter_name, :photo_url, :notes, :created_by, :created_at, :updated_at)
	`, c)
	if err != nil {
		return cow.Cow{}, mapError(err, "cow", c.ID)
	}
	return c, nil
}

func (s *Store) UpdateCow(ctx context.Context, c cow.Cow) (cow.Cow, error) {
	existing, err := s.GetCow(ctx, c.ID)
	if err != nil {
		return cow.Cow{}, err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = existing.CreatedAt
	}
	if c.CreatedBy == nil {
		c.CreatedBy = existing.CreatedBy
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE cows
		SET tracking_id = :tracking_id, gender = :gender, health_status = :health_status, source = :source,
			adopter_name = :adopter_name, photo_url = :photo_url, notes = :notes,
			created_at = :created_at, updated_at = :updated_at
		WHERE id = :id
	`, c)
	if err != nil {
		return cow.Cow{}, mapError(err, "cow", c.ID)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return cow.Cow{}, apperrors.NotFound("cow", c.ID)
	}
	return c, nil
}

func (s *Store) GetCow(ctx context.Context, id string) (cow.Cow, error) {
	var c cow.Cow
	if err := s.db.GetContext(ctx, &c, `SELECT `+cowColumns+` FROM cows WHERE id = $1`, id); err != nil {
		return cow.Cow{}, mapError(err, "cow", id)
	}
	return c, nil
}

func (s *Store) ListCows(ctx context.Context, opts storage.ListOptions) ([]cow.Cow, error) {
	var (
		q    strings.Builder
		args []interface{}
	)
	q.WriteString(`SELECT ` + cowColumns + ` FROM cows`)
	if search := strings.TrimSpace(opts.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		q.WriteString(` WHERE tracking_id ILIKE $1 OR adopter_name ILIKE $1`)
	}
	if opts.OldestFirst {
		q.WriteString(` ORDER BY created_at ASC`)
	} else {
		q.WriteString(` ORDER BY created_at DESC`)
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&q, ` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&q, ` OFFSET $%d`, len(args))
	}

	result := []cow.Cow{}
	if err := s.db.SelectContext(ctx, &result, q.String(), args...); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CountCows(ctx context.Context, filter storage.CountFilter) (int64, error) {
	where, args := countWhere(filter)
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM cows`+where, args...); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ColumnValues(ctx context.Context, column string) ([]string, error) {
	if !storage.ValidColumn(column) {
		return nil, apperrors.BadRequest("unsupported column " + column)
	}
	values := []string{}
	if err := s.db.SelectContext(ctx, &values, `SELECT `+column+` FROM cows`); err != nil {
		return nil, err
	}
	return values, nil
}

func countWhere(f storage.CountFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(f.HealthIn) > 0 {
		statuses := make([]string, len(f.HealthIn))
		for i, h := range f.HealthIn {
			statuses[i] = string(h)
		}
		add("health_status = ANY($%d)", pq.Array(statuses))
	}
	if f.Gender != "" {
		add("gender = $%d", string(f.Gender))
	}
	if f.Source != "" {
		add("source = $%d", string(f.Source))
	}
	if !f.CreatedFrom.IsZero() {
		add("created_at >= $%d", f.CreatedFrom.UTC())
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore.UTC())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(v string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(v)
}

// --- ActivityStore ----------------------------------------------------------

func (s *Store) CreateActivity(ctx context.Context, entry activity.Entry) (activity.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, activity_type, description, entity_id, created_by, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.ActivityType, entry.Description, entry.EntityID, entry.CreatedBy, entry.Details, entry.CreatedAt)
	if err != nil {
		return activity.Entry{}, mapError(err, "activity", entry.ID)
	}
	return entry, nil
}

func (s *Store) RecentActivity(ctx context.Context, limit int) ([]activity.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	result := []activity.Entry{}
	err := s.db.SelectContext(ctx, &result, `
		SELECT a.id, a.activity_type, a.description, a.entity_id, a.created_by, a.details, a.created_at,
			COALESCE(p.email, '') AS author_email, COALESCE(p.full_name, '') AS author_name
		FROM activity_logs a
		LEFT JOIN profiles p ON p.id = a.created_by
		ORDER BY a.created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- ProfileStore -----------------------------------------------------------

func (s *Store) GetProfile(ctx context.Context, id string) (profile.Profile, error) {
	var p profile.Profile
	err := s.db.GetContext(ctx, &p, `
		SELECT id, email, full_name, role, created_at, updated_at
		FROM profiles
		WHERE id = $1
	`, id)
	if err != nil {
		return profile.Profile{}, mapError(err, "profile", id)
	}
	return p, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	if p.Role == "" {
		p.Role = profile.RoleStaff
	}

	var out profile.Profile
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO profiles (id, email, full_name, role, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email, full_name = EXCLUDED.full_name, role = EXCLUDED.role, updated_at = EXCLUDED.updated_at
		RETURNING id, email, full_name, role, created_at, updated_at
	`, p.ID, p.Email, p.FullName, p.Role, p.UpdatedAt)
	if err != nil {
		return profile.Profile{}, mapError(err, "profile", p.ID)
	}
	return out, nil
}

func mapError(err error, resource, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(resource, id)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return apperrors.Conflict(resource + " already exists")
	}
	return err
}
