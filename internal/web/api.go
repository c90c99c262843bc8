package web

import (
	"errors"
	"net/http"

	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/httputil"
	"github.com/gaushala/shelter/internal/services/upload"
	"github.com/gaushala/shelter/internal/session"
)

type uploadResponse struct {
	Success  bool   `json:"success"`
	PhotoURL string `json:"photoUrl,omitempty"`
	Path     string `json:"path,omitempty"`
	Error    string `json:"error,omitempty"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleUploadImage stores a single image with the server proxy strategy, or
// the local filesystem when useFilesystemFallback=true.
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	if s.uploads == nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, uploadResponse{Error: "Uploads are not configured"})
		return
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		msg := "Invalid multipart form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "The uploaded file is too large"
		}
		httputil.WriteJSON(w, http.StatusBadRequest, uploadResponse{Error: msg})
		return
	}

	var f *upload.File
	if files := r.MultipartForm.File["file"]; len(files) > 0 {
		var err error
		if f, err = upload.FromMultipart(files[0]); err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, uploadResponse{Error: "Could not read the uploaded file"})
			return
		}
	}
	if f.Empty() {
		httputil.WriteJSON(w, http.StatusBadRequest, uploadResponse{Error: "No file provided"})
		return
	}

	name := upload.StrategyProxy
	if r.FormValue("useFilesystemFallback") == "true" {
		name = upload.StrategyFilesystem
	}
	st, ok := s.uploads.Strategy(name)
	if !ok {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, uploadResponse{Error: "Upload method " + name + " is not available"})
		return
	}

	var token string
	if u, ok := session.FromContext(r.Context()); ok {
		token = u.AccessToken
	}
	res, err := s.uploads.UploadWith(r.Context(), st, r.FormValue("path"), token, f)
	if err != nil {
		status := http.StatusInternalServerError
		msg := err.Error()
		if se := apperrors.GetServiceError(err); se != nil {
			status, msg = se.HTTPStatus, se.Message
		}
		httputil.WriteJSON(w, status, uploadResponse{Error: msg})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, uploadResponse{Success: true, PhotoURL: res.URL, Path: res.Path})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if s.setup == nil {
		http.NotFound(w, r)
		return
	}
	res := s.setup.Bootstrap(r.Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	httputil.WriteJSON(w, status, res)
}

func (s *Server) handleVerifyBucket(w http.ResponseWriter, r *http.Request) {
	if s.setup == nil {
		http.NotFound(w, r)
		return
	}
	if err := s.setup.VerifyBucket(r.Context()); err != nil {
		httputil.WriteJSON(w, http.StatusBadGateway, messageResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Storage bucket is reachable"})
}

func (s *Server) handleResetAdmin(w http.ResponseWriter, r *http.Request) {
	if s.setup == nil {
		http.NotFound(w, r)
		return
	}
	msg, err := s.setup.EnsureAdmin(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if se := apperrors.GetServiceError(err); se != nil {
			status = se.HTTPStatus
		}
		s.log.WithContext(r.Context()).WithError(err).Warn("admin reset failed")
		httputil.WriteJSON(w, status, messageResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: msg})
}
