// Package supabase is a client for the hosted auth, PostgREST and storage
// endpoints the shelter application runs on.
package supabase

import (
	"errors"
	"net/http"
	"time"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds Supabase client configuration.
type Config struct {
	// ProjectURL is the project URL (e.g., https://xxx.supabase.co)
	ProjectURL string

	// AnonKey is sent as the apikey header on every request.
	AnonKey string

	// ServiceRoleKey is used for admin operations that bypass RLS.
	ServiceRoleKey string

	// DefaultHeaders are added to every request
	DefaultHeaders map[string]string

	// Timeout for HTTP requests
	Timeout time.Duration

	// HTTPClient overrides the transport. Resilience wraps it when set.
	HTTPClient *http.Client

	// Resilience enables retries and the circuit breaker when non-nil.
	Resilience *ResilienceConfig
}

// =============================================================================
// Auth Types
// =============================================================================

// User represents an auth user.
type User struct {
	ID               string                 `json:"id"`
	Aud              string                 `json:"aud"`
	Role             string                 `json:"role"`
	Email            string                 `json:"email"`
	EmailConfirmedAt *time.Time             `json:"email_confirmed_at,omitempty"`
	LastSignInAt     *time.Time             `json:"last_sign_in_at,omitempty"`
	AppMetadata      map[string]interface{} `json:"app_metadata,omitempty"`
	UserMetadata     map[string]interface{} `json:"user_metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Session represents an auth session.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user,omitempty"`
}

// AdminUserAttributes creates or updates a user through the admin API.
type AdminUserAttributes struct {
	Email        string                 `json:"email,omitempty"`
	Password     string                 `json:"password,omitempty"`
	EmailConfirm bool                   `json:"email_confirm,omitempty"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
}

// =============================================================================
// Database Types
// =============================================================================

// QueryResult represents a database query result.
type QueryResult struct {
	Data       []byte
	Count      *int64
	StatusCode int
}

// FilterOperator for query filters.
type FilterOperator string

const (
	OpEq    FilterOperator = "eq"
	OpNeq   FilterOperator = "neq"
	OpGt    FilterOperator = "gt"
	OpGte   FilterOperator = "gte"
	OpLt    FilterOperator = "lt"
	OpLte   FilterOperator = "lte"
	OpLike  FilterOperator = "like"
	OpILike FilterOperator = "ilike"
	OpIs    FilterOperator = "is"
	OpIn    FilterOperator = "in"
)

// OrderDirection for sorting.
type OrderDirection string

const (
	OrderAsc  OrderDirection = "asc"
	OrderDesc OrderDirection = "desc"
)

// =============================================================================
// Storage Types
// =============================================================================

// Bucket represents a storage bucket.
type Bucket struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Owner            string    `json:"owner,omitempty"`
	Public           bool      `json:"public"`
	FileSizeLimit    *int64    `json:"file_size_limit,omitempty"`
	AllowedMimeTypes []string  `json:"allowed_mime_types,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// BucketOptions for bucket creation.
type BucketOptions struct {
	Public           bool
	FileSizeLimit    int64
	AllowedMimeTypes []string
}

// FileObject represents a stored object.
type FileObject struct {
	Name     string `json:"name"`
	Key      string `json:"key,omitempty"`
	BucketID string `json:"bucket_id,omitempty"`
	Path     string `json:"path,omitempty"`
}

// UploadOptions for file uploads.
type UploadOptions struct {
	ContentType  string
	CacheControl string
	Upsert       bool
}

// SignedUpload is a short-lived credential for a direct upload.
type SignedUpload struct {
	SignedURL string
	Token     string
	Path      string
}

// =============================================================================
// Error Types
// =============================================================================

// Error represents an API error returned by the platform.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Hint       string `json:"hint,omitempty"`
	StatusCode int    `json:"status_code"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// NewError creates a new API error.
func NewError(code, message string, statusCode int) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// ErrServiceKeyMissing is returned by admin operations without a service role key.
var ErrServiceKeyMissing = errors.New("service role key not configured")

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsNotFound reports a missing row, object or bucket.
func IsNotFound(err error) bool {
	apiErr, ok := AsError(err)
	if !ok {
		return false
	}
	// PGRST116 is a .Single() query that matched zero rows.
	return apiErr.StatusCode == http.StatusNotFound || apiErr.Code == "PGRST116" || apiErr.Code == "404" || apiErr.Code == "not_found"
}

// IsConflict reports a duplicate resource.
func IsConflict(err error) bool {
	apiErr, ok := AsError(err)
	if !ok {
		return false
	}
	return apiErr.StatusCode == http.StatusConflict || apiErr.Code == "23505" || apiErr.Code == "409" || apiErr.Code == "email_exists"
}
