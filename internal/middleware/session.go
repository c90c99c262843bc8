package middleware

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/session"
)

// Paths the gate redirects to.
const (
	LoginPath     = "/auth/login"
	DashboardPath = "/dashboard"
)

// DefaultProtectedPrefixes require a signed-in user.
var DefaultProtectedPrefixes = []string{"/dashboard", "/register", "/reports", "/logs", "/account", "/support"}

var skippedPrefixes = []string{"/static/", "/uploads/"}

var skippedPaths = map[string]bool{
	"/favicon.ico": true,
	"/healthz":     true,
	"/metrics":     true,
}

var imageExtensions = map[string]bool{
	".svg": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".ico": true,
}

// SessionGate resolves the session on every page request and redirects
// between the login page and the protected area.
type SessionGate struct {
	sessions  *session.Manager
	logger    *logging.Logger
	protected []string
}

// NewSessionGate creates the gate. A nil prefix list uses the defaults.
func NewSessionGate(sessions *session.Manager, logger *logging.Logger, protected []string) *SessionGate {
	if protected == nil {
		protected = DefaultProtectedPrefixes
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SessionGate{sessions: sessions, logger: logger, protected: protected}
}

// Handler returns the middleware handler.
func (g *SessionGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if skipSession(p) {
			next.ServeHTTP(w, r)
			return
		}

		user, err := g.sessions.Resolve(w, r)
		if err != nil && !errors.Is(err, session.ErrNoSession) {
			g.logger.WithContext(r.Context()).WithError(err).Warn("session resolution failed")
		}

		ctx := r.Context()
		if user != nil {
			ctx = session.WithUser(ctx, user)
			noteUser(w, user.ID, user.Role)
		}

		// API handlers check the session themselves and answer with JSON.
		if !strings.HasPrefix(p, "/api/") {
			switch {
			case user == nil && g.isProtected(p):
				g.logger.WithContext(ctx).WithField("path", p).Debug("redirecting anonymous request to login")
				http.Redirect(w, r, LoginPath, http.StatusSeeOther)
				return
			case user != nil && (p == LoginPath || p == "/"):
				http.Redirect(w, r, DashboardPath, http.StatusSeeOther)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *SessionGate) isProtected(p string) bool {
	for _, prefix := range g.protected {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

func skipSession(p string) bool {
	if skippedPaths[p] {
		return true
	}
	for _, prefix := range skippedPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return imageExtensions[strings.ToLower(path.Ext(p))]
}

// RequireUser answers 401 JSON when no session was resolved.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := session.FromContext(r.Context()); !ok {
			writeError(w, r, unauthorized())
			return
		}
		next.ServeHTTP(w, r)
	})
}
