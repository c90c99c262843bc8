// Package session resolves the signed-in user from request cookies,
// refreshing expired access tokens through the hosted auth API.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/storage"
	"github.com/gaushala/shelter/internal/supabase"
)

// Cookie names.
const (
	AccessCookie  = "gaushala-access-token"
	RefreshCookie = "gaushala-refresh-token"
)

const refreshCookieMaxAge = 30 * 24 * time.Hour

// ErrNoSession is returned when the request carries no usable session.
var ErrNoSession = errors.New("no session")

// User is the authenticated caller.
type User struct {
	ID          string
	Email       string
	Role        string
	AccessToken string
}

// Claims are the access token claims the shelter reads.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator is the subset of the auth API the manager needs.
type Authenticator interface {
	GetUser(ctx context.Context, accessToken string) (*supabase.User, error)
	RefreshToken(ctx context.Context, refreshToken string) (*supabase.Session, error)
}

// Config configures cookies and local token verification.
type Config struct {
	// JWTSecret enables local HS256 verification when set.
	JWTSecret    string
	CookieSecure bool
	CookieDomain string
}

// Manager reads and writes session cookies.
type Manager struct {
	auth   Authenticator
	cfg    Config
	secret []byte
	log    *logging.Logger
	now    func() time.Time
}

// NewManager creates a session manager.
func NewManager(auth Authenticator, cfg Config, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	m := &Manager{auth: auth, cfg: cfg, log: log, now: time.Now}
	if cfg.JWTSecret != "" {
		m.secret = []byte(cfg.JWTSecret)
	}
	return m
}

// Resolve returns the user behind the request cookies. An expired or
// rejected access token is refreshed once; the new cookies are written to w.
// ErrNoSession means the caller is anonymous.
func (m *Manager) Resolve(w http.ResponseWriter, r *http.Request) (*User, error) {
	ctx := r.Context()

	if access := cookieValue(r, AccessCookie); access != "" {
		user, err := m.Verify(ctx, access)
		if err == nil {
			return user, nil
		}
		m.log.WithContext(ctx).WithError(err).Debug("access token rejected")
	}

	refresh := cookieValue(r, RefreshCookie)
	if refresh == "" {
		return nil, ErrNoSession
	}

	sess, err := m.auth.RefreshToken(ctx, refresh)
	if err != nil || sess == nil || sess.AccessToken == "" {
		m.Clear(w)
		if err == nil {
			err = errors.New("refresh returned no session")
		}
		m.log.WithContext(ctx).WithError(err).Info("session refresh failed")
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	m.Set(w, sess)
	user := &User{AccessToken: sess.AccessToken}
	if sess.User != nil {
		user.ID, user.Email, user.Role = sess.User.ID, sess.User.Email, sess.User.Role
	} else if verified, err := m.Verify(ctx, sess.AccessToken); err == nil {
		user = verified
	}
	m.log.WithContext(ctx).WithField("user_id", user.ID).Debug("session refreshed")
	return user, nil
}

// Verify checks an access token locally when a secret is configured and
// falls back to the auth API otherwise. Expired tokens are never sent to the
// API.
func (m *Manager) Verify(ctx context.Context, token string) (*User, error) {
	if m.secret != nil {
		user, err := m.verifyLocal(token)
		if err == nil {
			return user, nil
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, err
		}
	}

	u, err := m.auth.GetUser(ctx, token)
	if err != nil {
		return nil, err
	}
	return &User{ID: u.ID, Email: u.Email, Role: u.Role, AccessToken: token}, nil
}

func (m *Manager) verifyLocal(token string) (*User, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return &User{ID: claims.Subject, Email: claims.Email, Role: claims.Role, AccessToken: token}, nil
}

// Set writes both session cookies.
func (m *Manager) Set(w http.ResponseWriter, sess *supabase.Session) {
	maxAge := sess.ExpiresIn
	if maxAge <= 0 {
		maxAge = int(time.Hour.Seconds())
	}
	http.SetCookie(w, m.cookie(AccessCookie, sess.AccessToken, maxAge))
	if sess.RefreshToken != "" {
		http.SetCookie(w, m.cookie(RefreshCookie, sess.RefreshToken, int(refreshCookieMaxAge.Seconds())))
	}
}

// Clear expires both session cookies.
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, m.cookie(AccessCookie, "", -1))
	http.SetCookie(w, m.cookie(RefreshCookie, "", -1))
}

func (m *Manager) cookie(name, value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   m.cfg.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge < 0 {
		c.Expires = time.Unix(0, 0)
	}
	return c
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// RefreshToken returns the refresh cookie, used on logout.
func RefreshToken(r *http.Request) string {
	return cookieValue(r, RefreshCookie)
}

// =============================================================================
// Context
// =============================================================================

type userKey struct{}

// WithUser stores u in ctx along with the logging and storage values
// derived from it.
func WithUser(ctx context.Context, u *User) context.Context {
	ctx = context.WithValue(ctx, userKey{}, u)
	ctx = logging.WithUser(ctx, u.ID, u.Role)
	return storage.WithAccessToken(ctx, u.AccessToken)
}

// FromContext returns the user stored by WithUser.
func FromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey{}).(*User)
	return u, ok && u != nil
}
