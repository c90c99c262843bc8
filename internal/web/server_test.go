package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaushala/shelter/internal/domain/cow"
	"github.com/gaushala/shelter/internal/middleware"
	activitysvc "github.com/gaushala/shelter/internal/services/activity"
	authsvc "github.com/gaushala/shelter/internal/services/auth"
	"github.com/gaushala/shelter/internal/services/cows"
	"github.com/gaushala/shelter/internal/services/dashboard"
	"github.com/gaushala/shelter/internal/services/setup"
	"github.com/gaushala/shelter/internal/services/upload"
	"github.com/gaushala/shelter/internal/session"
	"github.com/gaushala/shelter/internal/storage"
	"github.com/gaushala/shelter/internal/storage/memory"
	"github.com/gaushala/shelter/internal/supabase"
	"github.com/gaushala/shelter/internal/testutil"
)

const (
	staffEmail    = "staff@gaushala.org"
	staffPassword = "pw-123"
	setupToken    = "setup-token"
)

var listAll = storage.ListOptions{Limit: 100}

type harness struct {
	fake    *testutil.FakeSupabase
	store   *memory.Store
	csrf    *middleware.CSRF
	handler http.Handler
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	fake := testutil.NewFakeSupabase(t)
	fake.AddUser(staffEmail, staffPassword, true)

	client, err := supabase.New(supabase.Config{
		ProjectURL:     fake.URL(),
		AnonKey:        testutil.FakeAnonKey,
		ServiceRoleKey: testutil.FakeServiceKey,
	})
	require.NoError(t, err)

	csrf, err := middleware.NewCSRF("csrf-secret", nil)
	require.NoError(t, err)

	store := memory.New()
	dir := t.TempDir()
	activity := activitysvc.New(store, nil)
	dash := dashboard.New(dashboard.Deps{Cows: store, Activity: store, Profiles: store, Location: time.UTC})
	uploads := upload.New(nil, 1<<20, upload.Filesystem{Dir: dir, BaseURL: "http://shelter.test"})

	srv, err := New(Deps{
		Sessions:  session.NewManager(client.Auth(), session.Config{JWTSecret: testutil.FakeJWTSecret}, nil),
		CSRF:      csrf,
		Auth:      authsvc.New(authsvc.Deps{Provider: client.Auth()}),
		Cows:      cows.New(cows.Deps{Store: store, Uploads: uploads, Activity: activity, Changes: dash, Location: time.UTC}),
		Uploads:   uploads,
		Activity:  activity,
		Dashboard: dash,
		Setup: setup.New(setup.Deps{
			Client:   client,
			Profiles: store,
			Admin:    setup.Admin{Email: "admin@gaushala.org", Password: "admin-pw", Name: "Admin"},
		}),
		SetupToken: token,
		UploadsDir: dir,
		MaxUpload:  1 << 20,
		Version:    "test",
	})
	require.NoError(t, err)

	return &harness{fake: fake, store: store, csrf: csrf, handler: srv.Handler()}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

// signIn returns the cookie and CSRF token of a signed-in staff member.
func (h *harness) signIn(t *testing.T) (*http.Cookie, string) {
	t.Helper()
	access, _ := h.fake.SignIn(t, staffEmail)
	return &http.Cookie{Name: session.AccessCookie, Value: access}, h.csrf.Token(h.staffID(t))
}

func (h *harness) staffID(t *testing.T) string {
	t.Helper()
	u, ok := h.fake.User(staffEmail)
	require.True(t, ok)
	return u.ID
}

func multipartBody(t *testing.T, fields map[string]string, fileField, fileName string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		part, err := mw.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func seedCow(t *testing.T, store *memory.Store, tracking string) cow.Cow {
	t.Helper()
	c, err := store.CreateCow(context.Background(), cow.Cow{
		TrackingID:   tracking,
		Gender:       cow.GenderFemale,
		HealthStatus: cow.HealthHealthy,
		Source:       cow.SourceRescue,
		CreatedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	return c
}

// =============================================================================
// Public routes
// =============================================================================

func TestHealth(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, ServiceName, body["service"])
	assert.Equal(t, "test", body["version"])
}

func TestAnonymousRedirects(t *testing.T) {
	h := newHarness(t, "")
	for _, path := range []string{"/", "/dashboard", "/dashboard/reports", "/dashboard/logs"} {
		rec := h.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusSeeOther, rec.Code, path)
		assert.Equal(t, middleware.LoginPath, rec.Header().Get("Location"), path)
	}
}

func TestLoginPage(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="email"`)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestCreditsAndNotFound(t *testing.T) {
	h := newHarness(t, "")
	assert.Equal(t, http.StatusOK, h.do(httptest.NewRequest(http.MethodGet, "/credits", nil)).Code)
	assert.Equal(t, http.StatusNotFound, h.do(httptest.NewRequest(http.MethodGet, "/nope", nil)).Code)
}

// =============================================================================
// Login / logout
// =============================================================================

func loginRequest(email, password string) *http.Request {
	form := url.Values{"email": {email}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestLogin_Success(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(loginRequest(staffEmail, staffPassword))

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, middleware.DashboardPath, rec.Header().Get("Location"))

	names := map[string]bool{}
	for _, c := range rec.Result().Cookies() {
		names[c.Name] = c.Value != ""
	}
	assert.True(t, names[session.AccessCookie])
	assert.True(t, names[session.RefreshCookie])
}

func TestLogin_WrongPassword(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(loginRequest(staffEmail, "wrong"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), authsvc.MsgInvalidCredentials)
	assert.Contains(t, rec.Body.String(), `value="staff@gaushala.org"`)
}

func TestLogout(t *testing.T) {
	h := newHarness(t, "")
	cookie, token := h.signIn(t)

	form := url.Values{middleware.CSRFField: {token}}
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	rec := h.do(req)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, middleware.LoginPath, rec.Header().Get("Location"))
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.AccessCookie {
			assert.Empty(t, c.Value)
		}
	}
	assert.Equal(t, 1, h.fake.Calls("auth.logout"))
}

// =============================================================================
// Dashboard pages
// =============================================================================

func TestDashboard_ShowsHerdAndSearch(t *testing.T) {
	h := newHarness(t, "")
	seedCow(t, h.store, "111111111111")
	seedCow(t, h.store, "222222222222")
	cookie, _ := h.signIn(t)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(cookie)
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "111111111111")
	assert.Contains(t, rec.Body.String(), "222222222222")

	req = httptest.NewRequest(http.MethodGet, "/dashboard?q=2222", nil)
	req.AddCookie(cookie)
	rec = h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Results for")
}

func TestSignedInRootRedirectsToDashboard(t *testing.T) {
	h := newHarness(t, "")
	cookie, _ := h.signIn(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec := h.do(req)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, middleware.DashboardPath, rec.Header().Get("Location"))
}

func TestRegister_CreatesCowWithPhoto(t *testing.T) {
	h := newHarness(t, "")
	cookie, token := h.signIn(t)

	body, ctype := multipartBody(t, map[string]string{
		middleware.CSRFField: token,
		"gender":             "female",
		"source":             "rescue",
		"adopter_name":       "Meera",
	}, "photo", "cow.JPG", []byte("\xff\xd8\xff\xe0 jpeg bytes"))
	req := httptest.NewRequest(http.MethodPost, "/dashboard/register", body)
	req.Header.Set("Content-Type", ctype)
	req.AddCookie(cookie)
	rec := h.do(req)

	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	loc := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, "/dashboard/cows/"), loc)
	assert.True(t, strings.HasSuffix(loc, "?created=1"), loc)

	herd, err := h.store.ListCows(context.Background(), listAll)
	require.NoError(t, err)
	require.Len(t, herd, 1)
	assert.Equal(t, cow.HealthHealthy, herd[0].HealthStatus)
	require.NotNil(t, herd[0].PhotoURL)
	assert.Contains(t, *herd[0].PhotoURL, "http://shelter.test/uploads/cow-")

	req = httptest.NewRequest(http.MethodGet, loc, nil)
	req.AddCookie(cookie)
	page := h.do(req)
	require.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), "Cow registered successfully")
	assert.Contains(t, page.Body.String(), herd[0].TrackingID)
}

func TestRegister_ValidationKeepsValues(t *testing.T) {
	h := newHarness(t, "")
	cookie, token := h.signIn(t)

	body, ctype := multipartBody(t, map[string]string{
		middleware.CSRFField: token,
		"source":             "rescue",
		"adopter_name":       "Meera",
	}, "", "", nil)
	req := httptest.NewRequest(http.MethodPost, "/dashboard/register", body)
	req.Header.Set("Content-Type", ctype)
	req.AddCookie(cookie)
	rec := h.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Gender is required")
	assert.Contains(t, rec.Body.String(), `value="Meera"`)
	assert.Contains(t, rec.Body.String(), `<option value="rescue" selected>`)
}

func TestRegister_RequiresCSRF(t *testing.T) {
	h := newHarness(t, "")
	cookie, _ := h.signIn(t)

	body, ctype := multipartBody(t, map[string]string{"gender": "female", "source": "rescue"}, "", "", nil)
	req := httptest.NewRequest(http.MethodPost, "/dashboard/register", body)
	req.Header.Set("Content-Type", ctype)
	req.AddCookie(cookie)
	rec := h.do(req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Form expired")
	herd, err := h.store.ListCows(context.Background(), listAll)
	require.NoError(t, err)
	assert.Empty(t, herd)
}

func TestRegister_AfterTokenRefresh(t *testing.T) {
	h := newHarness(t, "")
	id := h.staffID(t)
	expired := h.fake.IssueToken(id, staffEmail, -time.Minute)
	refresh := h.fake.IssueRefreshToken(id)

	// The form was rendered while the old access token was still valid.
	body, ctype := multipartBody(t, map[string]string{
		middleware.CSRFField: h.csrf.Token(id),
		"gender":             "male",
		"source":             "donation",
	}, "", "", nil)
	req := httptest.NewRequest(http.MethodPost, "/dashboard/register", body)
	req.Header.Set("Content-Type", ctype)
	req.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: expired})
	req.AddCookie(&http.Cookie{Name: session.RefreshCookie, Value: refresh})
	rec := h.do(req)

	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	var renewed string
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.AccessCookie {
			renewed = c.Value
		}
	}
	assert.NotEmpty(t, renewed)
	assert.NotEqual(t, expired, renewed)

	herd, err := h.store.ListCows(context.Background(), listAll)
	require.NoError(t, err)
	assert.Len(t, herd, 1)
}

func TestFormFromCow_UsesServiceLocation(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	c := cow.Cow{TrackingID: "GAU-1", CreatedAt: time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC)}

	form := formFromCow(c, loc)
	assert.Equal(t, "2024-01-02T08:34", form.DateTime)

	parsed, err := cows.ParseDateTime(form.DateTime, loc)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(c.CreatedAt), parsed)
}

func TestCowPage_NotFound(t *testing.T) {
	h := newHarness(t, "")
	cookie, _ := h.signIn(t)

	req := httptest.NewRequest(http.MethodGet, "/dashboard/cows/missing", nil)
	req.AddCookie(cookie)
	rec := h.do(req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Cow not found")
}

func TestCowUpdate(t *testing.T) {
	h := newHarness(t, "")
	c := seedCow(t, h.store, "333333333333")
	cookie, token := h.signIn(t)

	body, ctype := multipartBody(t, map[string]string{
		middleware.CSRFField: token,
		"gender":             "female",
		"source":             "rescue",
		"health_status":      "sick",
	}, "", "", nil)
	req := httptest.NewRequest(http.MethodPost, "/dashboard/cows/"+c.ID, body)
	req.Header.Set("Content-Type", ctype)
	req.AddCookie(cookie)
	rec := h.do(req)

	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	assert.Equal(t, "/dashboard/cows/"+c.ID+"?updated=1", rec.Header().Get("Location"))

	got, err := h.store.GetCow(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, cow.HealthSick, got.HealthStatus)
	assert.Equal(t, "333333333333", got.TrackingID)
}

func TestReportsAndLogs(t *testing.T) {
	h := newHarness(t, "")
	seedCow(t, h.store, "444444444444")
	cookie, _ := h.signIn(t)

	req := httptest.NewRequest(http.MethodGet, "/dashboard/reports?tab=health", nil)
	req.AddCookie(cookie)
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Health")

	req = httptest.NewRequest(http.MethodGet, "/dashboard/logs", nil)
	req.AddCookie(cookie)
	rec = h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Activity log")
}

func TestShortLinks(t *testing.T) {
	h := newHarness(t, "")
	cookie, _ := h.signIn(t)

	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.AddCookie(cookie)
	rec := h.do(req)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/dashboard/reports", rec.Header().Get("Location"))
}

// =============================================================================
// API
// =============================================================================

func TestUploadImage_RequiresUser(t *testing.T) {
	h := newHarness(t, "")
	body, ctype := multipartBody(t, nil, "file", "cow.png", []byte("png"))
	req := httptest.NewRequest(http.MethodPost, "/api/upload-image", body)
	req.Header.Set("Content-Type", ctype)

	assert.Equal(t, http.StatusUnauthorized, h.do(req).Code)
}

func TestUploadImage_Filesystem(t *testing.T) {
	h := newHarness(t, "")
	cookie, token := h.signIn(t)

	body, ctype := multipartBody(t, map[string]string{
		"useFilesystemFallback": "true",
		"path":                  "herd/meera.png",
	}, "file", "meera.png", []byte("png bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/upload-image", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set(middleware.CSRFHeader, token)
	req.AddCookie(cookie)
	rec := h.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "http://shelter.test/uploads/herd/meera.png", resp.PhotoURL)

	served := httptest.NewRequest(http.MethodGet, "/uploads/herd/meera.png", nil)
	got := h.do(served)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, "png bytes", got.Body.String())
}

func TestUploadImage_BadCSRFAnswersJSON(t *testing.T) {
	h := newHarness(t, "")
	cookie, _ := h.signIn(t)

	body, ctype := multipartBody(t, nil, "file", "meera.png", []byte("png bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/upload-image", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set(middleware.CSRFHeader, "deadbeef")
	req.AddCookie(cookie)
	rec := h.do(req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, rec.Body.String(), `"code":"FORBIDDEN"`)
}

func TestUploadImage_ProxyUnavailable(t *testing.T) {
	h := newHarness(t, "")
	cookie, token := h.signIn(t)

	body, ctype := multipartBody(t, nil, "file", "meera.png", []byte("png bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/upload-image", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set(middleware.CSRFHeader, token)
	req.AddCookie(cookie)
	rec := h.do(req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUploadImage_MissingFile(t *testing.T) {
	h := newHarness(t, "")
	cookie, token := h.signIn(t)

	body, ctype := multipartBody(t, map[string]string{"path": "x.png"}, "", "", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/upload-image", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set(middleware.CSRFHeader, token)
	req.AddCookie(cookie)
	rec := h.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "No file provided")
}

func TestSetupAPI(t *testing.T) {
	h := newHarness(t, setupToken)

	req := httptest.NewRequest(http.MethodPost, "/api/setup", nil)
	assert.Equal(t, http.StatusUnauthorized, h.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/setup", nil)
	req.Header.Set(middleware.SetupTokenHeader, setupToken)
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res setup.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Contains(t, res.Messages, setup.MsgBucketCreated)

	req = httptest.NewRequest(http.MethodGet, "/api/setup/bucket", nil)
	req.Header.Set(middleware.SetupTokenHeader, setupToken)
	assert.Equal(t, http.StatusOK, h.do(req).Code)
}

func TestSetupAPI_DisabledWithoutToken(t *testing.T) {
	h := newHarness(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/setup", nil)
	req.Header.Set(middleware.SetupTokenHeader, "anything")
	assert.Equal(t, http.StatusNotFound, h.do(req).Code)
}

func TestResetAdminAPI(t *testing.T) {
	h := newHarness(t, setupToken)

	req := httptest.NewRequest(http.MethodPost, "/api/reset-admin-password", nil)
	req.Header.Set(middleware.SetupTokenHeader, setupToken)
	rec := h.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp messageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, setup.MsgAdminCreated, resp.Message)

	_, ok := h.fake.User("admin@gaushala.org")
	assert.True(t, ok)
}
