package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/gaushala/shelter/internal/domain/cow"
	"github.com/gaushala/shelter/internal/services/dashboard"
	"github.com/gaushala/shelter/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

var pageNames = []string{"login", "dashboard", "register", "cow", "reports", "logs", "credits", "error"}

// page is the data every template receives.
type page struct {
	Title  string
	Nav    []NavItem
	User   *session.User
	CSRF   string
	Error  string
	Notice string
	Year   int
	Data   interface{}
}

type option struct {
	Value    string
	Label    string
	Selected bool
}

type breakdownRow struct {
	Label   string
	Count   int64
	Percent float64
}

type breakdownView struct {
	Rows []breakdownRow
}

var templateFuncs = template.FuncMap{
	"deref": cow.Deref,
	"date": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Local().Format("02 Jan 2006")
	},
	"datetime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Local().Format("02 Jan 2006 15:04")
	},
	"percent": dashboard.Percent,
	"breakdown": func(counts []dashboard.Count, total int64) breakdownView {
		rows := make([]breakdownRow, 0, len(counts))
		for _, c := range counts {
			rows = append(rows, breakdownRow{Label: c.Label, Count: c.Count, Percent: dashboard.Percent(c.Count, total)})
		}
		return breakdownView{Rows: rows}
	},
}

// loadTemplates parses one template set per page, each sharing the layout.
func loadTemplates() (map[string]*template.Template, error) {
	out := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		t, err := template.New(name).Funcs(templateFuncs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func staticFiles() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// render executes the named page into a buffer first so a template error
// never leaves a half-written response.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, p page) {
	t, ok := s.templates[name]
	if !ok {
		s.log.WithContext(r.Context()).WithField("template", name).Error("unknown template")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if p.User == nil {
		if u, ok := session.FromContext(r.Context()); ok {
			p.User = u
		}
	}
	if p.User != nil {
		p.Nav = Navigation(r.URL.Path)
		if s.csrf != nil {
			p.CSRF = s.csrf.Token(p.User.ID)
		}
	}
	p.Year = time.Now().Year()

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", p); err != nil {
		s.log.WithContext(r.Context()).WithError(err).WithField("template", name).Error("render failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, heading, message string) {
	s.render(w, r, status, "error", page{
		Title: heading,
		Data: struct {
			Heading string
			Message string
		}{heading, message},
	})
}
