package web

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/gaushala/shelter/internal/domain/activity"
	"github.com/gaushala/shelter/internal/domain/cow"
	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/httputil"
	"github.com/gaushala/shelter/internal/middleware"
	activitysvc "github.com/gaushala/shelter/internal/services/activity"
	"github.com/gaushala/shelter/internal/services/cows"
	"github.com/gaushala/shelter/internal/services/dashboard"
	"github.com/gaushala/shelter/internal/services/upload"
	"github.com/gaushala/shelter/internal/session"
)

// multipartMemory is held in memory while parsing forms; larger parts spill
// to disk.
const multipartMemory = 8 << 20

const genericError = "Something went wrong. Please try again."

// errorMessage returns the user-facing message and status for err.
func errorMessage(err error) (string, int) {
	if se := apperrors.GetServiceError(err); se != nil {
		return se.Message, se.HTTPStatus
	}
	return genericError, http.StatusInternalServerError
}

func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) (*session.User, bool) {
	u, ok := session.FromContext(r.Context())
	if !ok {
		http.Redirect(w, r, middleware.LoginPath, http.StatusSeeOther)
		return nil, false
	}
	return u, true
}

// =============================================================================
// Public pages
// =============================================================================

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if _, ok := session.FromContext(r.Context()); ok {
		http.Redirect(w, r, middleware.DashboardPath, http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, middleware.LoginPath, http.StatusSeeOther)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "credits", page{Title: "Credits"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   ServiceName,
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// Login / logout
// =============================================================================

type loginView struct {
	Email string
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "login", page{Title: "Sign in", Data: loginView{}})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.render(w, r, http.StatusBadRequest, "login", page{Title: "Sign in", Error: "Invalid form submission", Data: loginView{}})
		return
	}
	email := r.PostFormValue("email")

	sess, err := s.auth.Login(r.Context(), httputil.ClientIP(r), email, r.PostFormValue("password"))
	if err != nil {
		msg, status := errorMessage(err)
		s.render(w, r, status, "login", page{Title: "Sign in", Error: msg, Data: loginView{Email: strings.TrimSpace(email)}})
		return
	}

	s.sessions.Set(w, sess)
	http.Redirect(w, r, middleware.DashboardPath, http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if u, ok := session.FromContext(r.Context()); ok {
		s.auth.Logout(r.Context(), u.AccessToken)
	}
	s.sessions.Clear(w)
	http.Redirect(w, r, middleware.LoginPath, http.StatusSeeOther)
}

// =============================================================================
// Dashboard
// =============================================================================

type dashboardView struct {
	Overview *dashboard.Overview
	Query    string
	Results  []cow.Cow
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	u, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	ov, err := s.dashboard.Overview(ctx, u.ID)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Error("load dashboard failed")
		s.renderError(w, r, http.StatusBadGateway, "Dashboard unavailable", "The herd data could not be loaded. Please try again shortly.")
		return
	}

	view := dashboardView{Overview: ov, Query: strings.TrimSpace(r.URL.Query().Get("q"))}
	p := page{Title: "Dashboard", Data: &view}
	if view.Query != "" {
		view.Results, err = s.cows.Search(ctx, view.Query, cows.DefaultSearchLimit)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).Warn("search failed")
			p.Error = "Search failed. Please try again."
		}
	}
	s.render(w, r, http.StatusOK, "dashboard", p)
}

// =============================================================================
// Cow forms
// =============================================================================

type cowFormView struct {
	TrackingID  string
	DateTime    string
	AdopterName string
	Notes       string
	Genders     []option
	Health      []option
	Sources     []option
}

func newCowFormView(f cows.Form) cowFormView {
	v := cowFormView{
		TrackingID:  f.TrackingID,
		DateTime:    f.DateTime,
		AdopterName: f.AdopterName,
		Notes:       f.Notes,
	}
	for _, g := range cow.Genders {
		v.Genders = append(v.Genders, option{Value: string(g), Label: g.Label(), Selected: string(g) == f.Gender})
	}
	health := f.HealthStatus
	if health == "" {
		health = string(cow.HealthHealthy)
	}
	for _, h := range cow.HealthStatuses {
		v.Health = append(v.Health, option{Value: string(h), Label: h.Label(), Selected: string(h) == health})
	}
	for _, src := range cow.Sources {
		v.Sources = append(v.Sources, option{Value: string(src), Label: src.Label(), Selected: string(src) == f.Source})
	}
	return v
}

// formFromCow prefills the edit form. The date is shown in loc so that
// saving an unchanged form keeps created_at.
func formFromCow(c cow.Cow, loc *time.Location) cows.Form {
	return cows.Form{
		TrackingID:   c.TrackingID,
		DateTime:     c.CreatedAt.In(loc).Format(cows.DateTimeLayouts[0]),
		Gender:       string(c.Gender),
		HealthStatus: string(c.HealthStatus),
		Source:       string(c.Source),
		AdopterName:  cow.Deref(c.AdopterName),
		Notes:        cow.Deref(c.Notes),
	}
}

// readCowForm parses the registration/edit form including the optional photo.
func readCowForm(r *http.Request) (cows.Form, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return cows.Form{}, apperrors.BadRequest("The submitted form is too large")
		}
		return cows.Form{}, apperrors.BadRequest("Invalid form submission")
	}
	form := cows.Form{
		TrackingID:   r.FormValue("tracking_id"),
		DateTime:     r.FormValue("date_time"),
		Gender:       r.FormValue("gender"),
		HealthStatus: r.FormValue("health_status"),
		Source:       r.FormValue("source"),
		AdopterName:  r.FormValue("adopter_name"),
		Notes:        r.FormValue("notes"),
	}
	if r.MultipartForm != nil {
		if files := r.MultipartForm.File["photo"]; len(files) > 0 {
			photo, err := upload.FromMultipart(files[0])
			if err != nil {
				return form, apperrors.BadRequest("Could not read the uploaded photo")
			}
			form.Photo = photo
		}
	}
	return form, nil
}

func (s *Server) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "register", page{Title: "Register a cow", Data: newCowFormView(cows.Form{})})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	u, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	form, err := readCowForm(r)
	if err == nil {
		var created cow.Cow
		created, err = s.cows.Register(r.Context(), u, form)
		if err == nil {
			http.Redirect(w, r, "/dashboard/cows/"+url.PathEscape(created.ID)+"?created=1", http.StatusSeeOther)
			return
		}
	}
	msg, status := errorMessage(err)
	s.render(w, r, status, "register", page{Title: "Register a cow", Error: msg, Data: newCowFormView(form)})
}

type cowView struct {
	Cow  cow.Cow
	Form cowFormView
}

func (s *Server) handleCowPage(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCow(w, r)
	if !ok {
		return
	}
	p := page{Title: "Cow " + c.TrackingID, Data: cowView{Cow: c, Form: newCowFormView(formFromCow(c, s.cows.Location()))}}
	switch {
	case r.URL.Query().Get("created") != "":
		p.Notice = "Cow registered successfully"
	case r.URL.Query().Get("updated") != "":
		p.Notice = "Changes saved"
	}
	s.render(w, r, http.StatusOK, "cow", p)
}

func (s *Server) handleCowUpdate(w http.ResponseWriter, r *http.Request) {
	u, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	c, ok := s.loadCow(w, r)
	if !ok {
		return
	}
	form, err := readCowForm(r)
	if err == nil {
		_, err = s.cows.Update(r.Context(), u, c.ID, form)
		if err == nil {
			http.Redirect(w, r, "/dashboard/cows/"+url.PathEscape(c.ID)+"?updated=1", http.StatusSeeOther)
			return
		}
	}
	msg, status := errorMessage(err)
	s.render(w, r, status, "cow", page{Title: "Cow " + c.TrackingID, Error: msg, Data: cowView{Cow: c, Form: newCowFormView(form)}})
}

func (s *Server) loadCow(w http.ResponseWriter, r *http.Request) (cow.Cow, bool) {
	c, err := s.cows.Get(r.Context(), mux.Vars(r)["id"])
	if err == nil {
		return c, true
	}
	if apperrors.Is(err, apperrors.CodeNotFound) {
		s.renderError(w, r, http.StatusNotFound, "Cow not found", "No cow with that ID is registered.")
		return cow.Cow{}, false
	}
	s.log.WithContext(r.Context()).WithError(err).Error("load cow failed")
	s.renderError(w, r, http.StatusBadGateway, "Cow unavailable", "The record could not be loaded. Please try again shortly.")
	return cow.Cow{}, false
}

// =============================================================================
// Reports and logs
// =============================================================================

var tabLabels = map[string]string{
	dashboard.TabAll:           "All",
	dashboard.TabHealth:        "Health",
	dashboard.TabDemographics:  "Demographics",
	dashboard.TabRegistrations: "Registrations",
}

type reportsView struct {
	Report *dashboard.Report
	Tabs   []option
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	report, err := s.dashboard.Report(r.Context(), r.URL.Query().Get("tab"))
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("load reports failed")
		s.renderError(w, r, http.StatusBadGateway, "Reports unavailable", "The report figures could not be loaded. Please try again shortly.")
		return
	}
	view := reportsView{Report: report}
	for _, t := range dashboard.Tabs {
		view.Tabs = append(view.Tabs, option{Value: t, Label: tabLabels[t], Selected: t == report.Tab})
	}
	s.render(w, r, http.StatusOK, "reports", page{Title: "Reports", Data: view})
}

type logsView struct {
	Entries []activity.Entry
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.activity.Recent(r.Context(), activitysvc.DefaultPageSize)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("load activity failed")
		s.renderError(w, r, http.StatusBadGateway, "Logs unavailable", "The activity log could not be loaded. Please try again shortly.")
		return
	}
	s.render(w, r, http.StatusOK, "logs", page{Title: "Activity log", Data: logsView{Entries: entries}})
}
