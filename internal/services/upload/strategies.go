package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gaushala/shelter/internal/supabase"
)

// Strategy names, in default chain order.
const (
	StrategyDirect     = "direct"
	StrategySigned     = "signed_url"
	StrategyProxy      = "server_proxy"
	StrategyFilesystem = "filesystem"
)

// CacheControl is sent with hosted uploads, in seconds.
const CacheControl = "3600"

var errNoToken = errors.New("no access token")

// ObjectStorage is the subset of the storage API the strategies use.
type ObjectStorage interface {
	UploadWithToken(ctx context.Context, bucketID, filePath string, data []byte, opts *supabase.UploadOptions, accessToken string) (*supabase.FileObject, error)
	Upload(ctx context.Context, bucketID, filePath string, data []byte, opts *supabase.UploadOptions) (*supabase.FileObject, error)
	CreateSignedUploadURL(ctx context.Context, bucketID, filePath, accessToken string) (*supabase.SignedUpload, error)
	UploadToSignedURL(ctx context.Context, bucketID, filePath, token string, data []byte, opts *supabase.UploadOptions) (*supabase.FileObject, error)
	GetPublicURL(bucketID, filePath string) string
}

func uploadOptions(f *File) *supabase.UploadOptions {
	return &supabase.UploadOptions{ContentType: f.ContentType, CacheControl: CacheControl, Upsert: true}
}

// Direct uploads with the caller's token.
type Direct struct {
	Storage ObjectStorage
	Bucket  string
}

func (d Direct) Name() string { return StrategyDirect }

func (d Direct) Upload(ctx context.Context, req Request) (string, error) {
	if req.AccessToken == "" {
		return "", errNoToken
	}
	if _, err := d.Storage.UploadWithToken(ctx, d.Bucket, req.Path, req.File.Data, uploadOptions(req.File), req.AccessToken); err != nil {
		return "", err
	}
	return d.Storage.GetPublicURL(d.Bucket, req.Path), nil
}

// SignedURL requests a one-time upload URL and PUTs the bytes to it.
type SignedURL struct {
	Storage ObjectStorage
	Bucket  string
}

func (s SignedURL) Name() string { return StrategySigned }

func (s SignedURL) Upload(ctx context.Context, req Request) (string, error) {
	signed, err := s.Storage.CreateSignedUploadURL(ctx, s.Bucket, req.Path, req.AccessToken)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if _, err := s.Storage.UploadToSignedURL(ctx, s.Bucket, req.Path, signed.Token, req.File.Data, uploadOptions(req.File)); err != nil {
		return "", fmt.Errorf("put: %w", err)
	}
	return s.Storage.GetPublicURL(s.Bucket, req.Path), nil
}

// Proxy uploads server-side with the service role key.
type Proxy struct {
	Storage ObjectStorage
	Bucket  string
}

func (p Proxy) Name() string { return StrategyProxy }

func (p Proxy) Upload(ctx context.Context, req Request) (string, error) {
	if _, err := p.Storage.Upload(ctx, p.Bucket, req.Path, req.File.Data, uploadOptions(req.File)); err != nil {
		return "", err
	}
	return p.Storage.GetPublicURL(p.Bucket, req.Path), nil
}

// Filesystem writes under Dir; the web server serves Dir at /uploads/.
type Filesystem struct {
	Dir     string
	BaseURL string
}

func (f Filesystem) Name() string { return StrategyFilesystem }

func (f Filesystem) Upload(_ context.Context, req Request) (string, error) {
	if f.Dir == "" {
		return "", errors.New("uploads directory not configured")
	}
	target := filepath.Join(f.Dir, filepath.FromSlash(req.Path))
	if rel, err := filepath.Rel(f.Dir, target); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes uploads directory", req.Path)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create uploads directory: %w", err)
	}
	if err := os.WriteFile(target, req.File.Data, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return strings.TrimRight(f.BaseURL, "/") + "/uploads/" + req.Path, nil
}

// DefaultChain returns direct, signed URL, server proxy and filesystem in
// that order.
func DefaultChain(storage ObjectStorage, bucket, uploadsDir, baseURL string) []Strategy {
	return []Strategy{
		Direct{Storage: storage, Bucket: bucket},
		SignedURL{Storage: storage, Bucket: bucket},
		Proxy{Storage: storage, Bucket: bucket},
		Filesystem{Dir: uploadsDir, BaseURL: baseURL},
	}
}
