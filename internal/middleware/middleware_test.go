package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/session"
	"github.com/gaushala/shelter/internal/supabase"
	"github.com/gaushala/shelter/internal/testutil"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func newGate(t *testing.T) (*SessionGate, *testutil.FakeSupabase) {
	t.Helper()
	fake := testutil.NewFakeSupabase(t)
	client, err := supabase.New(supabase.Config{ProjectURL: fake.URL(), AnonKey: testutil.FakeAnonKey})
	if err != nil {
		t.Fatalf("supabase.New() error = %v", err)
	}
	mgr := session.NewManager(client.Auth(), session.Config{JWTSecret: testutil.FakeJWTSecret}, logging.NewNop())
	return NewSessionGate(mgr, logging.NewNop(), nil), fake
}

// =============================================================================
// SessionGate
// =============================================================================

func TestSessionGate_Redirects(t *testing.T) {
	gate, fake := newGate(t)
	token := fake.IssueToken("user-1", "staff@gaushala.org", time.Hour)

	cases := []struct {
		name     string
		path     string
		signedIn bool
		status   int
		location string
	}{
		{"anonymous dashboard", "/dashboard", false, http.StatusSeeOther, LoginPath},
		{"anonymous nested", "/dashboard/reports", false, http.StatusSeeOther, LoginPath},
		{"anonymous register", "/register", false, http.StatusSeeOther, LoginPath},
		{"anonymous prefix lookalike", "/dashboards", false, http.StatusOK, ""},
		{"anonymous login", LoginPath, false, http.StatusOK, ""},
		{"anonymous credits", "/credits", false, http.StatusOK, ""},
		{"anonymous api", "/api/upload-image", false, http.StatusOK, ""},
		{"signed in login", LoginPath, true, http.StatusSeeOther, DashboardPath},
		{"signed in root", "/", true, http.StatusSeeOther, DashboardPath},
		{"signed in dashboard", "/dashboard", true, http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.signedIn {
				req.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: token})
			}
			rec := httptest.NewRecorder()
			gate.Handler(okHandler).ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if tc.location != "" && rec.Header().Get("Location") != tc.location {
				t.Errorf("Location = %q, want %q", rec.Header().Get("Location"), tc.location)
			}
		})
	}
}

func TestSessionGate_SkipsAssets(t *testing.T) {
	gate, fake := newGate(t)
	refresh := fake.IssueRefreshToken("user-1")

	for _, p := range []string{"/static/app.css", "/uploads/cow-1.jpg", "/favicon.ico", "/logo.svg", "/dashboard/photo.PNG", "/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, p, nil)
		req.AddCookie(&http.Cookie{Name: session.RefreshCookie, Value: refresh})
		rec := httptest.NewRecorder()
		gate.Handler(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", p, rec.Code)
		}
	}
	if fake.Calls("auth.token") != 0 {
		t.Error("asset requests must not refresh sessions")
	}
}

func TestSessionGate_StoresUser(t *testing.T) {
	gate, fake := newGate(t)
	token := fake.IssueToken("user-1", "staff@gaushala.org", time.Hour)

	var got *session.User
	h := gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = session.FromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: token})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil || got.ID != "user-1" {
		t.Fatalf("user in context = %+v", got)
	}
}

func TestRequireUser(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireUser(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/upload-image", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/upload-image", nil)
	req = req.WithContext(session.WithUser(req.Context(), &session.User{ID: "u"}))
	RequireUser(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// =============================================================================
// CSRF
// =============================================================================

func TestCSRF_TokenRoundTrip(t *testing.T) {
	c, err := NewCSRF("session-secret", nil)
	if err != nil {
		t.Fatalf("NewCSRF() error = %v", err)
	}
	tok := c.Token("user-1")
	if !c.Valid("user-1", tok) {
		t.Error("Valid() rejected its own token")
	}
	if c.Valid("user-2", tok) {
		t.Error("Valid() accepted a token for another user")
	}
	if c.Valid("user-1", "") || c.Valid("user-1", "zz") || c.Valid("", c.Token("")) {
		t.Error("Valid() accepted malformed tokens")
	}

	other, _ := NewCSRF("other-secret", nil)
	if other.Token("user-1") == tok {
		t.Error("tokens should depend on the secret")
	}
	if _, err := NewCSRF("", nil); err == nil {
		t.Error("NewCSRF(\"\") should fail")
	}
}

func TestCSRF_Protect(t *testing.T) {
	c, _ := NewCSRF("session-secret", nil)
	user := &session.User{ID: "u1", AccessToken: "access-1"}

	post := func(form url.Values, header string, signedIn bool) int {
		req := httptest.NewRequest(http.MethodPost, "/dashboard/register", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if header != "" {
			req.Header.Set(CSRFHeader, header)
		}
		if signedIn {
			req = req.WithContext(session.WithUser(context.Background(), user))
		}
		rec := httptest.NewRecorder()
		c.Protect(okHandler).ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post(url.Values{CSRFField: {c.Token("u1")}}, "", true); code != http.StatusOK {
		t.Errorf("valid form token status = %d", code)
	}
	if code := post(nil, c.Token("u1"), true); code != http.StatusOK {
		t.Errorf("valid header token status = %d", code)
	}
	if code := post(url.Values{CSRFField: {"deadbeef"}}, "", true); code != http.StatusForbidden {
		t.Errorf("bad token status = %d, want 403", code)
	}
	if code := post(nil, "", false); code != http.StatusOK {
		t.Errorf("anonymous status = %d, want pass-through", code)
	}

	rec := httptest.NewRecorder()
	c.Protect(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET status = %d", rec.Code)
	}
}

func TestCSRF_SurvivesTokenRefresh(t *testing.T) {
	c, _ := NewCSRF("session-secret", nil)
	tok := c.Token("u1")

	req := httptest.NewRequest(http.MethodPost, "/dashboard/register", strings.NewReader(url.Values{CSRFField: {tok}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = req.WithContext(session.WithUser(req.Context(), &session.User{ID: "u1", AccessToken: "refreshed-access"}))

	rec := httptest.NewRecorder()
	c.Protect(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 after refresh", rec.Code)
	}
}

func TestCSRF_OnFailure(t *testing.T) {
	c, _ := NewCSRF("session-secret", nil)
	var got *apperrors.ServiceError
	c.OnFailure(func(w http.ResponseWriter, _ *http.Request, se *apperrors.ServiceError) {
		got = se
		w.WriteHeader(se.HTTPStatus)
	})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader(url.Values{CSRFField: {"deadbeef"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = req.WithContext(session.WithUser(req.Context(), &session.User{ID: "u1", AccessToken: "a"}))

	rec := httptest.NewRecorder()
	c.Protect(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if got == nil || got.Code != apperrors.CodeForbidden {
		t.Errorf("failure handler got %v", got)
	}
}

func TestCSRF_BodyTooLarge(t *testing.T) {
	c, _ := NewCSRF("session-secret", nil)
	body := url.Values{"notes": {strings.Repeat("x", 4096)}}.Encode()
	req := httptest.NewRequest(http.MethodPost, "/dashboard/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = req.WithContext(session.WithUser(req.Context(), &session.User{ID: "u1", AccessToken: "a"}))

	rec := httptest.NewRecorder()
	LimitBody(128)(c.Protect(okHandler)).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// =============================================================================
// RateLimiter
// =============================================================================

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter("login", 60, 2, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("burst should be allowed")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third immediate request should be throttled")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("other keys are independent")
	}

	now = now.Add(time.Second)
	if !rl.Allow("1.2.3.4") {
		t.Error("token should refill after one second")
	}
}

func TestRateLimiter_Handler(t *testing.T) {
	rl := NewRateLimiter("upload", 1, 1, nil)
	h := rl.Handler(okHandler)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/upload-image", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter("login", 10, 1, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(20 * time.Minute)
	rl.Allow("fresh")

	if removed := rl.Cleanup(10 * time.Minute); removed != 1 {
		t.Errorf("Cleanup() = %d, want 1", removed)
	}
	if rl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", rl.Len())
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter("off", 0, 0, nil)
	for i := 0; i < 100; i++ {
		if !rl.Allow("k") {
			t.Fatal("disabled limiter throttled")
		}
	}
}

// =============================================================================
// SetupToken and Logging
// =============================================================================

func TestSetupToken(t *testing.T) {
	cases := []struct {
		name       string
		configured string
		presented  string
		status     int
	}{
		{"disabled", "", "anything", http.StatusNotFound},
		{"missing", "s3cret", "", http.StatusUnauthorized},
		{"wrong", "s3cret", "guess", http.StatusUnauthorized},
		{"ok", "s3cret", "s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/setup", nil)
			if tc.presented != "" {
				req.Header.Set(SetupTokenHeader, tc.presented)
			}
			rec := httptest.NewRecorder()
			NewSetupToken(tc.configured, nil).Handler(okHandler).ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Errorf("status = %d, want %d", rec.Code, tc.status)
			}
		})
	}
}

func TestLogging_TraceID(t *testing.T) {
	var seen string
	h := Logging(logging.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetTraceID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get(TraceHeader) != seen {
		t.Errorf("trace id = %q, header = %q", seen, rec.Header().Get(TraceHeader))
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TraceHeader, "given")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "given" {
		t.Errorf("incoming trace id not reused: %q", seen)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(logging.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}
