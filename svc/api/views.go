package api

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"pastelite/pkg/clock"
	"pastelite/pkg/domain"
	"pastelite/svc/util"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed views/*.html
var viewFS embed.FS

const siteName = "Pastebin Lite"

type views struct {
	tmpl *template.Template
}

type titled interface {
	PageTitle() string
}

type indexPageData struct {
	Content  string
	TTL      string
	MaxViews string
	Error    string
	MaxBytes int64
}

type pastePageData struct {
	View     *domain.View
	ShareURL string
}

type errorPageData struct {
	Title   string
	Message string
}

func (d indexPageData) PageTitle() string { return siteName }

func (d pastePageData) PageTitle() string {
	return "Paste - " + d.View.ID
}

func (d errorPageData) PageTitle() string {
	return "Error - " + d.Title
}

func newViews() (*views, error) {
	p := message.NewPrinter(language.English)
	tmpl, err := template.New("layout").Funcs(template.FuncMap{
		"formatTime": func(ms int64) string {
			return clock.FromMillis(ms).Format(time.RFC1123)
		},
		"formatCount": func(n int64) string {
			return p.Sprintf("%d", n)
		},
		"formatSize": func(n int64) string {
			return p.Sprintf("%d bytes", n)
		},
		"showQR": func(v *domain.View) bool {
			return v.RemainingViews == nil || *v.RemainingViews > 0
		},
	}).ParseFS(viewFS, "views/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "parse templates")
	}
	return &views{tmpl: tmpl}, nil
}

func (v *views) render(w http.ResponseWriter, status int, name string, data titled) {
	body := &bytes.Buffer{}
	if err := v.tmpl.ExecuteTemplate(body, name+"-body", data); err != nil {
		v.templateError(w, name, err)
		return
	}
	page := &bytes.Buffer{}
	layout := struct {
		Title string
		Body  template.HTML
	}{
		Title: data.PageTitle(),
		Body:  template.HTML(body.String()),
	}
	if err := v.tmpl.ExecuteTemplate(page, "layout", layout); err != nil {
		v.templateError(w, "layout", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	page.WriteTo(w)
}

// renderError maps engine outcomes onto the error page.
func (v *views) renderError(w http.ResponseWriter, err error) {
	data := errorPageData{Title: "Internal Server Error", Message: "Internal server error"}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrPasteNotFound):
		data = errorPageData{Title: "Paste Not Found", Message: "Paste not found"}
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrPasteExpired):
		data = errorPageData{Title: "Paste Expired", Message: "This paste has expired"}
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrViewLimitExceeded):
		data = errorPageData{Title: "View Limit Exceeded", Message: "This paste has reached its view limit"}
		status = http.StatusNotFound
	case domain.IsTransient(err):
		data = errorPageData{Title: "Service Unavailable", Message: "Service temporarily unavailable, please try again"}
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", retryAfter)
	}
	v.render(w, status, "error", data)
}

func (v *views) templateError(w http.ResponseWriter, name string, err error) {
	util.Error().Err(err).Str("template", name).Msg("render template")
	http.Error(w, "Template error", http.StatusInternalServerError)
}
