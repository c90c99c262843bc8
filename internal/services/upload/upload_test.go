package upload

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/supabase"
	"github.com/gaushala/shelter/internal/testutil"
)

const bucket = "cow-images"

func newChain(t *testing.T, withServiceKey bool) (*Service, *testutil.FakeSupabase, string) {
	t.Helper()
	fake := testutil.NewFakeSupabase(t)
	fake.AddBucket(bucket, true)
	cfg := supabase.Config{ProjectURL: fake.URL(), AnonKey: testutil.FakeAnonKey}
	if withServiceKey {
		cfg.ServiceRoleKey = testutil.FakeServiceKey
	}
	client, err := supabase.New(cfg)
	require.NoError(t, err)

	dir := t.TempDir()
	svc := New(nil, 1<<20, DefaultChain(client.Storage(), bucket, dir, "http://localhost:8080")...)
	svc.now = func() time.Time { return time.UnixMilli(1700000000123) }
	return svc, fake, dir
}

func photo() *File {
	return &File{Name: "Bessie.JPG", ContentType: "image/jpeg", Data: []byte("jpeg-bytes")}
}

// =============================================================================
// Naming
// =============================================================================

func TestObjectPath(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	cases := map[string]string{
		"photo.PNG":    "cow-1700000000123.png",
		"a.b.jpeg":     "cow-1700000000123.jpeg",
		"no-extension": "cow-1700000000123.bin",
		"":             "cow-1700000000123.bin",
	}
	for in, want := range cases {
		if got := ObjectPath(in, now); got != want {
			t.Errorf("ObjectPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCleanPath(t *testing.T) {
	good := map[string]string{
		"cow-1.jpg":       "cow-1.jpg",
		"/herd/cow-1.jpg": "herd/cow-1.jpg",
		`herd\cow.jpg`:    "herd/cow.jpg",
	}
	for in, want := range good {
		got, err := CleanPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"", "  ", "../etc/passwd", "a/../../b", "/"} {
		_, err := CleanPath(bad)
		assert.Error(t, err, bad)
	}
}

// =============================================================================
// Strategy chain
// =============================================================================

func TestUpload_DirectWithUserToken(t *testing.T) {
	svc, fake, _ := newChain(t, false)
	u := fake.AddUser("staff@gaushala.org", "pw", true)
	access, _ := fake.SignIn(t, u.Email)

	res, err := svc.Upload(context.Background(), access, photo())
	require.NoError(t, err)

	assert.Equal(t, StrategyDirect, res.Strategy)
	assert.Equal(t, "cow-1700000000123.jpg", res.Path)
	assert.Equal(t, fake.URL()+"/storage/v1/object/public/cow-images/cow-1700000000123.jpg", res.URL)
	data, ok := fake.Object(bucket, res.Path)
	require.True(t, ok)
	assert.Equal(t, "jpeg-bytes", string(data))
	assert.Zero(t, fake.Calls("storage.sign"))
}

func TestUpload_FallsBackToSignedURL(t *testing.T) {
	svc, fake, _ := newChain(t, false)
	u := fake.AddUser("staff@gaushala.org", "pw", true)
	access, _ := fake.SignIn(t, u.Email)
	fake.SetFailure("storage.upload", http.StatusForbidden, `{"statusCode":"403","error":"Unauthorized","message":"new row violates row-level security policy"}`)

	res, err := svc.Upload(context.Background(), access, photo())
	require.NoError(t, err)
	assert.Equal(t, StrategySigned, res.Strategy)
	assert.Equal(t, 1, fake.Calls("storage.signed_put"))
	_, ok := fake.Object(bucket, res.Path)
	assert.True(t, ok)
}

func TestUpload_FallsBackToProxy(t *testing.T) {
	svc, fake, _ := newChain(t, true)
	fake.SetFailure("storage.sign", http.StatusInternalServerError, `{"message":"boom"}`)

	// No user token: direct is skipped, signing fails, the service key succeeds.
	res, err := svc.Upload(context.Background(), "", photo())
	require.NoError(t, err)
	assert.Equal(t, StrategyProxy, res.Strategy)
}

func TestUpload_FallsBackToFilesystem(t *testing.T) {
	svc, fake, dir := newChain(t, false)
	fake.SetFailure("storage.sign", http.StatusInternalServerError, `{"message":"boom"}`)

	res, err := svc.Upload(context.Background(), "", photo())
	require.NoError(t, err)
	assert.Equal(t, StrategyFilesystem, res.Strategy)
	assert.Equal(t, "http://localhost:8080/uploads/cow-1700000000123.jpg", res.URL)

	data, err := os.ReadFile(filepath.Join(dir, "cow-1700000000123.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

func TestUpload_AllFail(t *testing.T) {
	fake := testutil.NewFakeSupabase(t)
	client, err := supabase.New(supabase.Config{ProjectURL: fake.URL(), AnonKey: testutil.FakeAnonKey})
	require.NoError(t, err)
	// No bucket and no uploads directory.
	svc := New(nil, 0, DefaultChain(client.Storage(), bucket, "", "")...)

	_, err = svc.Upload(context.Background(), "", photo())
	require.ErrorIs(t, err, ErrAllFailed)
	assert.Equal(t, "All upload methods failed. Please try again later.", err.Error())
}

func TestUpload_EmptyFileIsNoop(t *testing.T) {
	svc, fake, _ := newChain(t, true)
	res, err := svc.Upload(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Empty(t, res.URL)

	res, err = svc.Upload(context.Background(), "", &File{Name: "x.jpg"})
	require.NoError(t, err)
	assert.Empty(t, res.URL)
	assert.Zero(t, fake.Calls("storage.upload"))
}

func TestUpload_TooLarge(t *testing.T) {
	svc, _, _ := newChain(t, true)
	big := &File{Name: "big.jpg", Data: bytes.Repeat([]byte("x"), 1<<20+1)}

	_, err := svc.Upload(context.Background(), "", big)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeBadRequest))
	assert.Contains(t, err.Error(), "1 MB")
}

type cancelling struct{ cancel context.CancelFunc }

func (c cancelling) Name() string { return "cancelling" }
func (c cancelling) Upload(context.Context, Request) (string, error) {
	c.cancel()
	return "", errors.New("cancelled")
}

type recording struct{ called bool }

func (r *recording) Name() string { return "recording" }
func (r *recording) Upload(context.Context, Request) (string, error) {
	r.called = true
	return "ok", nil
}

func TestUpload_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	next := &recording{}
	svc := New(nil, 0, cancelling{cancel: cancel}, next)

	_, err := svc.Upload(ctx, "", photo())
	require.ErrorIs(t, err, ErrAllFailed)
	assert.False(t, next.called)
}

// =============================================================================
// Single strategy
// =============================================================================

func TestUploadWith_RequestedPath(t *testing.T) {
	svc, _, dir := newChain(t, true)
	st, ok := svc.Strategy(StrategyFilesystem)
	require.True(t, ok)

	res, err := svc.UploadWith(context.Background(), st, "herd/bessie.jpg", "", photo())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/uploads/herd/bessie.jpg", res.URL)
	_, err = os.Stat(filepath.Join(dir, "herd", "bessie.jpg"))
	assert.NoError(t, err)

	_, err = svc.UploadWith(context.Background(), st, "../escape.jpg", "", photo())
	assert.True(t, apperrors.Is(err, apperrors.CodeBadRequest))

	_, err = svc.UploadWith(context.Background(), st, "", "", nil)
	assert.True(t, apperrors.Is(err, apperrors.CodeBadRequest))
}

func TestStrategies_Order(t *testing.T) {
	svc, _, _ := newChain(t, true)
	var names []string
	for _, st := range svc.Strategies() {
		names = append(names, st.Name())
	}
	assert.Equal(t, []string{StrategyDirect, StrategySigned, StrategyProxy, StrategyFilesystem}, names)
	_, ok := svc.Strategy("ftp")
	assert.False(t, ok)
}

// =============================================================================
// Multipart
// =============================================================================

func TestFromMultipart(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "cow.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("\x89PNG\r\n\x1a\n"))
	_, err = mw.CreateFormFile("empty", "none.jpg")
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))

	f, err := FromMultipart(req.MultipartForm.File["file"][0])
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "cow.png", f.Name)
	assert.True(t, strings.HasPrefix(f.ContentType, "image/png"), f.ContentType)

	empty, err := FromMultipart(req.MultipartForm.File["empty"][0])
	require.NoError(t, err)
	assert.Nil(t, empty)

	none, err := FromMultipart(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}
