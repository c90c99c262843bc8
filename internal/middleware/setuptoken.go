package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/logging"
)

// SetupTokenHeader authorizes the bootstrap endpoints.
const SetupTokenHeader = "X-Setup-Token"

// SetupToken guards the bootstrap endpoints. With no configured token
// the endpoints do not exist and answer 404.
type SetupToken struct {
	token  []byte
	logger *logging.Logger
}

// NewSetupToken creates the guard.
func NewSetupToken(token string, logger *logging.Logger) *SetupToken {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SetupToken{token: []byte(token), logger: logger}
}

// Enabled reports whether a token is configured.
func (s *SetupToken) Enabled() bool {
	return len(s.token) > 0
}

// Handler returns the middleware handler.
func (s *SetupToken) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			http.NotFound(w, r)
			return
		}

		presented := r.Header.Get(SetupTokenHeader)
		if presented == "" {
			writeError(w, r, errors.Unauthorized("missing setup token"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), s.token) != 1 {
			s.logger.LogSecurityEvent(r.Context(), "setup_token_rejected", map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			})
			writeError(w, r, errors.Unauthorized("invalid setup token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
