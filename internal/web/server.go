// Package web serves the staff-facing pages, form actions and the small
// JSON API.
package web

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/httputil"
	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/metrics"
	"github.com/gaushala/shelter/internal/middleware"
	activitysvc "github.com/gaushala/shelter/internal/services/activity"
	authsvc "github.com/gaushala/shelter/internal/services/auth"
	"github.com/gaushala/shelter/internal/services/cows"
	"github.com/gaushala/shelter/internal/services/dashboard"
	"github.com/gaushala/shelter/internal/services/setup"
	"github.com/gaushala/shelter/internal/services/upload"
	"github.com/gaushala/shelter/internal/session"
)

// ServiceName is reported by /healthz.
const ServiceName = "gaushala"

const (
	msgFormExpired  = "This form is no longer valid. Go back, reload the page and submit it again."
	msgFormRejected = "The submitted form could not be read. Check the photo size and try again."
)

// formSlack is added to the upload limit to allow for the other fields.
const formSlack = 1 << 20

// Deps wires a Server. Setup may be nil, which disables the setup API.
type Deps struct {
	Logger        *logging.Logger
	Sessions      *session.Manager
	CSRF          *middleware.CSRF
	Auth          *authsvc.Service
	Cows          *cows.Service
	Uploads       *upload.Service
	Activity      *activitysvc.Service
	Dashboard     *dashboard.Service
	Setup         *setup.Service
	SetupToken    string
	UploadLimiter *middleware.RateLimiter
	UploadsDir    string
	MaxUpload     int64
	Version       string
}

// Server holds the HTTP handlers.
type Server struct {
	log        *logging.Logger
	sessions   *session.Manager
	csrf       *middleware.CSRF
	auth       *authsvc.Service
	cows       *cows.Service
	uploads    *upload.Service
	activity   *activitysvc.Service
	dashboard  *dashboard.Service
	setup      *setup.Service
	setupToken *middleware.SetupToken
	uploadRL   *middleware.RateLimiter
	uploadsDir string
	maxUpload  int64
	version    string
	templates  map[string]*template.Template
	router     *mux.Router
}

// New parses the templates and registers every route.
func New(d Deps) (*Server, error) {
	if d.Sessions == nil || d.Auth == nil || d.Cows == nil || d.Dashboard == nil || d.Activity == nil {
		return nil, errors.New("web: sessions, auth, cows, activity and dashboard are required")
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	tmpl, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:        d.Logger,
		sessions:   d.Sessions,
		csrf:       d.CSRF,
		auth:       d.Auth,
		cows:       d.Cows,
		uploads:    d.Uploads,
		activity:   d.Activity,
		dashboard:  d.Dashboard,
		setup:      d.Setup,
		setupToken: middleware.NewSetupToken(d.SetupToken, d.Logger),
		uploadRL:   d.UploadLimiter,
		uploadsDir: d.UploadsDir,
		maxUpload:  d.MaxUpload,
		version:    d.Version,
		templates:  tmpl,
		router:     mux.NewRouter(),
	}
	if s.setup == nil {
		s.setupToken = middleware.NewSetupToken("", d.Logger)
	}
	if s.csrf != nil {
		s.csrf.OnFailure(s.csrfFailed)
	}
	s.registerRoutes()
	return s, nil
}

// =============================================================================
// Routes
// =============================================================================

func (s *Server) registerRoutes() {
	r := s.router

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.PathPrefix("/static/").Handler(staticFiles())
	if s.uploadsDir != "" {
		r.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.uploadsDir))))
	}

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/credits", s.handleCredits).Methods(http.MethodGet)
	r.HandleFunc("/auth/login", s.handleLoginPage).Methods(http.MethodGet)
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)

	d := r.PathPrefix("/dashboard").Subrouter()
	d.HandleFunc("", s.handleDashboard).Methods(http.MethodGet)
	d.HandleFunc("/register", s.handleRegisterPage).Methods(http.MethodGet)
	d.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	d.HandleFunc("/cows/{id}", s.handleCowPage).Methods(http.MethodGet)
	d.HandleFunc("/cows/{id}", s.handleCowUpdate).Methods(http.MethodPost)
	d.HandleFunc("/reports", s.handleReports).Methods(http.MethodGet)
	d.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)

	// Short links covered by the session gate's protected prefixes.
	for _, short := range []string{"/register", "/reports", "/logs"} {
		target := "/dashboard" + short
		r.Handle(short, http.RedirectHandler(target, http.StatusMovedPermanently)).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	uploadImage := http.Handler(http.HandlerFunc(s.handleUploadImage))
	if s.uploadRL != nil {
		uploadImage = s.uploadRL.Handler(uploadImage)
	}
	api.Handle("/upload-image", middleware.RequireUser(uploadImage)).Methods(http.MethodPost)
	api.Handle("/setup", s.setupToken.Handler(http.HandlerFunc(s.handleSetup))).Methods(http.MethodPost)
	api.Handle("/setup/bucket", s.setupToken.Handler(http.HandlerFunc(s.handleVerifyBucket))).Methods(http.MethodGet)
	api.Handle("/reset-admin-password", s.setupToken.Handler(http.HandlerFunc(s.handleResetAdmin))).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.renderError(w, req, http.StatusNotFound, "Not found", "The page you were looking for does not exist.")
	})
}

// csrfFailed answers JSON on the API and an error page on form routes.
func (s *Server) csrfFailed(w http.ResponseWriter, r *http.Request, se *apperrors.ServiceError) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
		return
	}
	if se.HTTPStatus == http.StatusForbidden {
		s.renderError(w, r, se.HTTPStatus, "Form expired", msgFormExpired)
		return
	}
	s.renderError(w, r, se.HTTPStatus, "Request rejected", msgFormRejected)
}

// Handler returns the router wrapped in the middleware chain. The chain runs
// outside the router so unmatched paths are logged and gated too.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if s.csrf != nil {
		h = s.csrf.Protect(h)
	}
	h = middleware.LimitBody(s.maxUpload + formSlack)(h)
	h = middleware.NewSessionGate(s.sessions, s.log, nil).Handler(h)
	h = metrics.InstrumentHandler(h)
	h = middleware.Logging(s.log)(h)
	h = middleware.Recover(s.log)(h)
	return h
}

// HTTPServer builds an http.Server for addr.
func (s *Server) HTTPServer(addr string, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down within grace.
func Serve(ctx context.Context, srv *http.Server, grace time.Duration, log *logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithContext(ctx).WithField("addr", srv.Addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	log.WithContext(ctx).Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
