// Package setup bootstraps the schema and storage bucket and maintains the
// admin account.
package setup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/gaushala/shelter/internal/domain/profile"
	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/migrations"
	"github.com/gaushala/shelter/internal/storage"
	"github.com/gaushala/shelter/internal/supabase"
)

// BucketSizeLimit is the per-object limit set on a new bucket.
const BucketSizeLimit = 10 << 20

// ExecuteSQLFunction is the security-definer function used to run schema SQL
// over the REST API.
const ExecuteSQLFunction = "execute_sql"

// Messages returned to callers.
const (
	MsgBucketCreated  = "Storage bucket created"
	MsgBucketExists   = "Storage bucket already exists"
	MsgAdminUpdated   = "Admin password updated successfully"
	MsgAdminCreated   = "Admin user created successfully"
	MsgSchemaMigrated = "Database schema migrated"
)

// ErrServiceKeyMissing is returned by admin maintenance without a service
// role key.
var ErrServiceKeyMissing = errors.New("Service role key not configured. Set SUPABASE_SERVICE_ROLE_KEY to manage the admin account.")

// ErrAdminNotConfigured is returned when the admin email or password is unset.
var ErrAdminNotConfigured = errors.New("Admin email and password must be configured")

// Result reports a bootstrap run. Warnings do not clear Success.
type Result struct {
	Success  bool     `json:"success"`
	Messages []string `json:"messages"`
	Error    string   `json:"error,omitempty"`
}

func (r *Result) add(format string, args ...interface{}) {
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

// Admin describes the bootstrap admin account.
type Admin struct {
	Email    string
	Password string
	Name     string
}

// Deps wires a Service.
type Deps struct {
	// Client reaches the hosted platform. Required.
	Client *supabase.Client
	// DB is an optional direct connection. When set the schema is migrated
	// with golang-migrate instead of the execute_sql function.
	DB       *sql.DB
	Profiles storage.ProfileStore
	Bucket   string
	Admin    Admin
	Logger   *logging.Logger
}

// Service runs setup tasks.
type Service struct {
	client   *supabase.Client
	db       *sql.DB
	profiles storage.ProfileStore
	bucket   string
	admin    Admin
	log      *logging.Logger
	migrate  func(*sql.DB) error
}

// New constructs a Service.
func New(d Deps) *Service {
	s := &Service{
		client:   d.Client,
		db:       d.DB,
		profiles: d.Profiles,
		bucket:   d.Bucket,
		admin:    d.Admin,
		log:      d.Logger,
		migrate:  migrations.Migrate,
	}
	s.admin.Email = strings.ToLower(strings.TrimSpace(s.admin.Email))
	if s.bucket == "" {
		s.bucket = "cow-images"
	}
	if s.log == nil {
		s.log = logging.NewNop()
	}
	return s
}

// Bootstrap applies the schema and creates the bucket. It is safe to run
// repeatedly. Individual schema failures become warnings.
func (s *Service) Bootstrap(ctx context.Context) *Result {
	res := &Result{Success: true}
	entry := s.log.WithContext(ctx)

	if s.db != nil {
		s.bootstrapDirect(ctx, res)
	} else {
		s.bootstrapRPC(ctx, res)
	}

	err := s.client.Storage().CreateBucket(ctx, s.bucket, supabase.BucketOptions{Public: true, FileSizeLimit: BucketSizeLimit})
	switch {
	case err == nil:
		res.add(MsgBucketCreated)
	case bucketExists(err):
		res.add(MsgBucketExists)
	default:
		res.Success = false
		res.Error = "Storage bucket: " + err.Error()
		res.add("Error - storage bucket: %v", err)
	}

	entry.WithFields(map[string]interface{}{
		"success":  res.Success,
		"messages": len(res.Messages),
	}).Info("bootstrap finished")
	return res
}

func (s *Service) bootstrapDirect(ctx context.Context, res *Result) {
	if err := s.migrate(s.db); err != nil {
		res.add("Warning - schema: %v", err)
	} else {
		res.add(MsgSchemaMigrated)
	}
	step, err := migrations.StoragePolicies(s.bucket)
	if err != nil {
		res.add("Warning - storage_policies: %v", err)
		return
	}
	if _, err := s.db.ExecContext(ctx, step.SQL); err != nil {
		res.add("Warning - %s: %v", step.Name, err)
		return
	}
	res.add("Applied %s", step.Name)
}

func (s *Service) bootstrapRPC(ctx context.Context, res *Result) {
	steps, err := migrations.Steps()
	if err != nil {
		res.add("Warning - schema: %v", err)
		return
	}
	if policies, err := migrations.StoragePolicies(s.bucket); err == nil {
		steps = append(steps, policies)
	} else {
		res.add("Warning - storage_policies: %v", err)
	}

	for _, step := range steps {
		if err := s.executeSQL(ctx, step.SQL); err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("step", step.Name).Warn("schema step failed")
			res.add("Warning - %s: %v", step.Name, err)
			continue
		}
		res.add("Applied %s", step.Name)
	}
}

// executeSQL runs query through the execute_sql function, which reports SQL
// errors in its result rather than as an HTTP failure.
func (s *Service) executeSQL(ctx context.Context, query string) error {
	body, err := s.client.Database().RPCWithServiceKey(ctx, ExecuteSQLFunction, map[string]string{"sql_query": query})
	if err != nil {
		return err
	}
	if r := gjson.ParseBytes(body); r.IsObject() && r.Get("success").Exists() && !r.Get("success").Bool() {
		msg := r.Get("error").String()
		if d := r.Get("detail").String(); d != "" {
			msg += " (" + d + ")"
		}
		return errors.New(msg)
	}
	return nil
}

func bucketExists(err error) bool {
	if supabase.IsConflict(err) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// VerifyBucket checks that the photo bucket is reachable.
func (s *Service) VerifyBucket(ctx context.Context) error {
	if _, err := s.client.Storage().GetBucket(ctx, s.bucket); err != nil {
		return fmt.Errorf("bucket %s: %w", s.bucket, err)
	}
	return nil
}

// EnsureAdmin creates the admin account or resets its password to the
// configured one, and marks its profile as admin.
func (s *Service) EnsureAdmin(ctx context.Context) (string, error) {
	if !s.client.HasServiceKey() {
		return "", ErrServiceKeyMissing
	}
	if s.admin.Email == "" || s.admin.Password == "" {
		return "", ErrAdminNotConfigured
	}
	auth := s.client.Auth()
	entry := s.log.WithContext(ctx).WithField("email", s.admin.Email)

	existing, err := auth.AdminFindUserByEmail(ctx, s.admin.Email)
	if err != nil {
		return "", fmt.Errorf("find admin: %w", err)
	}

	if existing != nil {
		if _, err := auth.AdminUpdateUser(ctx, existing.ID, supabase.AdminUserAttributes{
			Password:     s.admin.Password,
			EmailConfirm: true,
		}); err != nil {
			return "", fmt.Errorf("update admin: %w", err)
		}
		s.upsertProfile(ctx, existing.ID)
		entry.Info("admin password reset")
		return MsgAdminUpdated, nil
	}

	created, err := auth.AdminCreateUser(ctx, supabase.AdminUserAttributes{
		Email:        s.admin.Email,
		Password:     s.admin.Password,
		EmailConfirm: true,
		UserMetadata: map[string]interface{}{"full_name": s.admin.Name},
	})
	if err != nil {
		return "", fmt.Errorf("create admin: %w", err)
	}
	s.upsertProfile(ctx, created.ID)
	entry.WithField("user_id", created.ID).Info("admin user created")
	return MsgAdminCreated, nil
}

// CheckAdmin creates the admin account if it is missing. It reports whether
// an account was created.
func (s *Service) CheckAdmin(ctx context.Context) (bool, error) {
	if !s.client.HasServiceKey() {
		return false, ErrServiceKeyMissing
	}
	if s.admin.Email == "" {
		return false, ErrAdminNotConfigured
	}
	existing, err := s.client.Auth().AdminFindUserByEmail(ctx, s.admin.Email)
	if err != nil {
		return false, fmt.Errorf("find admin: %w", err)
	}
	if existing != nil {
		return false, nil
	}
	if _, err := s.EnsureAdmin(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// AdminEmail returns the normalised admin email.
func (s *Service) AdminEmail() string {
	return s.admin.Email
}

// IsAdminCredentials reports whether email and password are the configured
// admin pair.
func (s *Service) IsAdminCredentials(email, password string) bool {
	return s.admin.Email != "" && s.admin.Password != "" &&
		strings.EqualFold(email, s.admin.Email) && password == s.admin.Password
}

func (s *Service) upsertProfile(ctx context.Context, userID string) {
	if s.profiles == nil {
		return
	}
	var name *string
	if s.admin.Name != "" {
		n := s.admin.Name
		name = &n
	}
	if _, err := s.profiles.UpsertProfile(ctx, profile.Profile{
		ID:        userID,
		Email:     s.admin.Email,
		FullName:  name,
		Role:      profile.RoleAdmin,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("admin profile upsert failed")
	}
}
