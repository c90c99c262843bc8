// Package upload stores cow photos. Each strategy is tried in order until
// one succeeds, so a photo still lands somewhere when the hosted storage
// rejects the caller's token or is unreachable.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/metrics"
)

// ErrAllFailed is returned when every strategy failed.
var ErrAllFailed = errors.New("All upload methods failed. Please try again later.")

// File is an uploaded photo held in memory.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Empty reports whether there is nothing to upload.
func (f *File) Empty() bool {
	return f == nil || len(f.Data) == 0
}

// Request is one upload attempt.
type Request struct {
	Path        string
	File        *File
	AccessToken string
}

// Strategy stores a file and returns its public URL.
type Strategy interface {
	Name() string
	Upload(ctx context.Context, req Request) (string, error)
}

// Result describes a completed upload.
type Result struct {
	URL      string `json:"url"`
	Path     string `json:"path"`
	Strategy string `json:"strategy"`
}

// Service runs the strategy chain.
type Service struct {
	strategies []Strategy
	maxBytes   int64
	log        *logging.Logger
	now        func() time.Time
}

// New creates a service trying strategies in the given order. A
// non-positive maxBytes disables the size check.
func New(log *logging.Logger, maxBytes int64, strategies ...Strategy) *Service {
	if log == nil {
		log = logging.NewNop()
	}
	return &Service{strategies: strategies, maxBytes: maxBytes, log: log, now: time.Now}
}

// Strategies returns the chain in order.
func (s *Service) Strategies() []Strategy {
	return append([]Strategy(nil), s.strategies...)
}

// Strategy returns the named strategy.
func (s *Service) Strategy(name string) (Strategy, bool) {
	for _, st := range s.strategies {
		if st.Name() == name {
			return st, true
		}
	}
	return nil, false
}

// Upload stores f under a generated name. An empty file is not an error and
// yields an empty result.
func (s *Service) Upload(ctx context.Context, accessToken string, f *File) (Result, error) {
	if f.Empty() {
		return Result{}, nil
	}
	if err := s.CheckSize(int64(len(f.Data))); err != nil {
		return Result{}, err
	}
	return s.run(ctx, s.strategies, Request{Path: ObjectPath(f.Name, s.now()), File: f, AccessToken: accessToken})
}

// UploadWith stores f with a single strategy. An empty objectPath generates
// one.
func (s *Service) UploadWith(ctx context.Context, st Strategy, objectPath, accessToken string, f *File) (Result, error) {
	if f.Empty() {
		return Result{}, apperrors.BadRequest("No file provided")
	}
	if err := s.CheckSize(int64(len(f.Data))); err != nil {
		return Result{}, err
	}
	if objectPath == "" {
		objectPath = ObjectPath(f.Name, s.now())
	} else {
		clean, err := CleanPath(objectPath)
		if err != nil {
			return Result{}, err
		}
		objectPath = clean
	}
	return s.run(ctx, []Strategy{st}, Request{Path: objectPath, File: f, AccessToken: accessToken})
}

// CheckSize rejects files over the configured limit.
func (s *Service) CheckSize(n int64) error {
	if s.maxBytes > 0 && n > s.maxBytes {
		return apperrors.BadRequest(fmt.Sprintf("Image must be %s or smaller", humanBytes(s.maxBytes))).
			WithDetails("limit_bytes", s.maxBytes)
	}
	return nil
}

func (s *Service) run(ctx context.Context, chain []Strategy, req Request) (Result, error) {
	entry := s.log.WithContext(ctx).WithField("path", req.Path)

	for _, st := range chain {
		start := time.Now()
		url, err := st.Upload(ctx, req)
		metrics.RecordUpload(st.Name(), time.Since(start), err == nil)
		if err == nil {
			entry.WithField("strategy", st.Name()).Info("photo uploaded")
			return Result{URL: url, Path: req.Path, Strategy: st.Name()}, nil
		}
		entry.WithError(err).WithField("strategy", st.Name()).Warn("upload strategy failed")
		if ctx.Err() != nil {
			break
		}
	}
	return Result{}, ErrAllFailed
}

// ObjectPath names an upload "cow-<unix-ms>.<ext>", taking the lowercased
// extension from the original file name.
func ObjectPath(original string, now time.Time) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(original), "."))
	if ext == "" || strings.ContainsAny(ext, `/\ `) {
		ext = "bin"
	}
	return "cow-" + strconv.FormatInt(now.UnixMilli(), 10) + "." + ext
}

// CleanPath normalises a caller supplied object path and rejects traversal.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" || strings.Contains(p, "..") {
		return "", apperrors.BadRequest("invalid path")
	}
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" {
		return "", apperrors.BadRequest("invalid path")
	}
	return clean, nil
}

// FromMultipart reads a form file. A missing or empty part returns nil.
func FromMultipart(fh *multipart.FileHeader) (*File, error) {
	if fh == nil || fh.Size == 0 {
		return nil, nil
	}
	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return &File{Name: fh.Filename, ContentType: contentType(fh.Header.Get("Content-Type"), fh.Filename, data), Data: data}, nil
}

func contentType(declared, name string, data []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}

func humanBytes(n int64) string {
	const mib = 1 << 20
	if n%mib == 0 {
		return strconv.FormatInt(n/mib, 10) + " MB"
	}
	return strconv.FormatInt(n, 10) + " bytes"
}
