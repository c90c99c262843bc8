package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/crypto/hkdf"

	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/httputil"
	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/session"
)

// CSRF form field and header names.
const (
	CSRFField  = "csrf_token"
	CSRFHeader = "X-CSRF-Token"
)

const csrfInfo = "gaushala csrf v1"

// multipartMemory is how much of a multipart body is held in memory; the
// rest spills to temporary files.
const multipartMemory = 8 << 20

// FailureFunc answers a request the CSRF check rejected.
type FailureFunc func(w http.ResponseWriter, r *http.Request, se *apperrors.ServiceError)

// CSRF binds form submissions to the signed-in user. Tokens are keyed to
// the user ID, so they stay valid when the access token is refreshed.
type CSRF struct {
	key       []byte
	logger    *logging.Logger
	onFailure FailureFunc
}

// NewCSRF derives the signing key from secret.
func NewCSRF(secret string, logger *logging.Logger) (*CSRF, error) {
	if secret == "" {
		return nil, errors.New("csrf: empty secret")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(csrfInfo)), key); err != nil {
		return nil, fmt.Errorf("csrf: derive key: %w", err)
	}
	return &CSRF{key: key, logger: logger}, nil
}

// OnFailure replaces the default JSON error answer.
func (c *CSRF) OnFailure(fn FailureFunc) {
	c.onFailure = fn
}

// Token returns the form token for userID.
func (c *CSRF) Token(userID string) string {
	return hex.EncodeToString(c.sum(userID))
}

// Valid reports whether token was issued for userID.
func (c *CSRF) Valid(userID, token string) bool {
	got, err := hex.DecodeString(token)
	if err != nil || token == "" || userID == "" {
		return false
	}
	return hmac.Equal(got, c.sum(userID))
}

func (c *CSRF) sum(userID string) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(userID))
	return mac.Sum(nil)
}

// Protect rejects unsafe requests from signed-in users whose token is
// missing or wrong. Anonymous requests pass; their handlers redirect or
// answer 401 themselves.
func (c *CSRF) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		user, ok := session.FromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(CSRFHeader)
		if token == "" {
			if err := parseForm(r); err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					c.fail(w, r, apperrors.BadRequest("request body too large"))
					return
				}
				c.fail(w, r, apperrors.BadRequest("malformed form"))
				return
			}
			token = r.FormValue(CSRFField)
		}

		if !c.Valid(user.ID, token) {
			c.logger.LogSecurityEvent(r.Context(), "csrf_mismatch", map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			})
			c.fail(w, r, apperrors.Forbidden("invalid CSRF token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *CSRF) fail(w http.ResponseWriter, r *http.Request, se *apperrors.ServiceError) {
	if c.onFailure != nil {
		c.onFailure(w, r, se)
		return
	}
	writeError(w, r, se)
}

// LimitBody caps request bodies at n bytes.
func LimitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if n > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseForm(r *http.Request) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.ParseMultipartForm(multipartMemory)
	}
	return r.ParseForm()
}

func unauthorized() *apperrors.ServiceError {
	return apperrors.Unauthorized("authentication required")
}

func writeError(w http.ResponseWriter, r *http.Request, se *apperrors.ServiceError) {
	httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
}
