// Package httputil provides HTTP helpers shared by the web handlers and the
// hosted platform client.
package httputil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gaushala/shelter/internal/logging"
)

// ErrBodyTooLarge is returned by ReadAllStrict when the body exceeds the limit.
var ErrBodyTooLarge = errors.New("response body too large")

// ReadAllWithLimit reads at most limit bytes from r. truncated reports whether
// more data was available.
func ReadAllWithLimit(r io.Reader, limit int64) (data []byte, truncated bool, err error) {
	if limit <= 0 {
		return nil, false, fmt.Errorf("invalid limit %d", limit)
	}
	data, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// ReadAllStrict reads r fully and fails if it holds more than limit bytes.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// DecodeResponse closes resp.Body and returns an error for 4xx/5xx statuses.
// target receives the decoded JSON body when non-nil.
func DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, truncated, err := ReadAllWithLimit(resp.Body, 64<<10)
		if err != nil {
			return fmt.Errorf("read error response body: %w", err)
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
	}

	if target == nil {
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20)); err != nil {
			return fmt.Errorf("discard response body: %w", err)
		}
		return nil
	}

	body, err := ReadAllStrict(resp.Body, 8<<20)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := jsonUnmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ClientIP returns the caller address, preferring the first X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequireUserID returns the authenticated user ID or writes a 401.
func RequireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := logging.GetUserID(r.Context())
	if userID == "" {
		Unauthorized(w, "")
		return "", false
	}
	return userID, true
}
