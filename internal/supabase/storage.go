package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/tidwall/gjson"
)

// StorageClient handles object storage operations.
type StorageClient struct {
	client *Client
}

// =============================================================================
// Bucket Operations
// =============================================================================

// ListBuckets lists all storage buckets.
func (s *StorageClient) ListBuckets(ctx context.Context) ([]Bucket, error) {
	resp, err := s.client.requestWithServiceKey(ctx, "GET", s.client.storageURL+"/bucket", nil, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	var buckets []Bucket
	if err := json.Unmarshal(resp.Body, &buckets); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return buckets, nil
}

// GetBucket retrieves a bucket by ID.
func (s *StorageClient) GetBucket(ctx context.Context, bucketID string) (*Bucket, error) {
	resp, err := s.client.requestWithServiceKey(ctx, "GET", s.client.storageURL+"/bucket/"+url.PathEscape(bucketID), nil, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	var bucket Bucket
	if err := json.Unmarshal(resp.Body, &bucket); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &bucket, nil
}

// CreateBucket creates a new storage bucket.
func (s *StorageClient) CreateBucket(ctx context.Context, bucketID string, opts BucketOptions) error {
	req := map[string]interface{}{
		"id":     bucketID,
		"name":   bucketID,
		"public": opts.Public,
	}
	if opts.FileSizeLimit > 0 {
		req["file_size_limit"] = opts.FileSizeLimit
	}
	if len(opts.AllowedMimeTypes) > 0 {
		req["allowed_mime_types"] = opts.AllowedMimeTypes
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := s.client.requestWithServiceKey(ctx, "POST", s.client.storageURL+"/bucket", body, nil)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return parseError(resp.Body, resp.StatusCode)
	}

	return nil
}

// =============================================================================
// File Operations
// =============================================================================

func (s *StorageClient) objectURL(bucketID, filePath string) string {
	return fmt.Sprintf("%s/object/%s/%s", s.client.storageURL, url.PathEscape(bucketID), escapePath(filePath))
}

func uploadHeaders(opts *UploadOptions) map[string]string {
	headers := map[string]string{}
	if opts != nil {
		if opts.ContentType != "" {
			headers["Content-Type"] = opts.ContentType
		}
		if opts.CacheControl != "" {
			headers["Cache-Control"] = "max-age=" + opts.CacheControl
		}
		if opts.Upsert {
			headers["x-upsert"] = "true"
		}
	}

	if headers["Content-Type"] == "" {
		headers["Content-Type"] = "application/octet-stream"
	}
	return headers
}

// Upload uploads a file with the service role key.
func (s *StorageClient) Upload(ctx context.Context, bucketID, filePath string, data []byte, opts *UploadOptions) (*FileObject, error) {
	resp, err := s.client.requestWithServiceKey(ctx, "POST", s.objectURL(bucketID, filePath), data, uploadHeaders(opts))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	return uploadedObject(resp.Body, bucketID, filePath), nil
}

// UploadWithToken uploads a file using a user's access token.
func (s *StorageClient) UploadWithToken(ctx context.Context, bucketID, filePath string, data []byte, opts *UploadOptions, accessToken string) (*FileObject, error) {
	resp, err := s.client.requestWithToken(ctx, "POST", s.objectURL(bucketID, filePath), data, uploadHeaders(opts), accessToken)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	return uploadedObject(resp.Body, bucketID, filePath), nil
}

func uploadedObject(body []byte, bucketID, filePath string) *FileObject {
	return &FileObject{
		Name:     path.Base(filePath),
		Key:      gjson.GetBytes(body, "Key").String(),
		BucketID: bucketID,
		Path:     filePath,
	}
}

// CreateSignedUploadURL asks storage for a one-time upload token. An empty
// accessToken signs with the service role key.
func (s *StorageClient) CreateSignedUploadURL(ctx context.Context, bucketID, filePath, accessToken string) (*SignedUpload, error) {
	urlStr := fmt.Sprintf("%s/object/upload/sign/%s/%s", s.client.storageURL, url.PathEscape(bucketID), escapePath(filePath))

	var resp *response
	var err error
	if accessToken != "" {
		resp, err = s.client.requestWithToken(ctx, "POST", urlStr, []byte("{}"), nil, accessToken)
	} else {
		resp, err = s.client.requestWithServiceKey(ctx, "POST", urlStr, []byte("{}"), nil)
	}
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	rel := gjson.GetBytes(resp.Body, "url").String()
	if rel == "" {
		return nil, fmt.Errorf("signed upload response missing url")
	}
	signed, err := url.Parse(s.client.storageURL + rel)
	if err != nil {
		return nil, fmt.Errorf("parse signed upload url: %w", err)
	}
	token := signed.Query().Get("token")
	if token == "" {
		return nil, fmt.Errorf("signed upload url missing token")
	}

	return &SignedUpload{
		SignedURL: signed.String(),
		Token:     token,
		Path:      filePath,
	}, nil
}

// UploadToSignedURL PUTs data using a token from CreateSignedUploadURL.
func (s *StorageClient) UploadToSignedURL(ctx context.Context, bucketID, filePath, token string, data []byte, opts *UploadOptions) (*FileObject, error) {
	urlStr := fmt.Sprintf("%s/object/upload/sign/%s/%s?token=%s",
		s.client.storageURL, url.PathEscape(bucketID), escapePath(filePath), url.QueryEscape(token))

	resp, err := s.client.do(ctx, "PUT", urlStr, data, uploadHeaders(opts), s.client.config.AnonKey, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	return uploadedObject(resp.Body, bucketID, filePath), nil
}

// GetPublicURL returns the public URL for a file. It does not check that
// the object exists.
func (s *StorageClient) GetPublicURL(bucketID, filePath string) string {
	return fmt.Sprintf("%s/object/public/%s/%s", s.client.storageURL, url.PathEscape(bucketID), escapePath(filePath))
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
