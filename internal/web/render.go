package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/hpungsan/mneme/internal/bufferzone"
	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/events"
	"github.com/hpungsan/mneme/internal/logging"
)

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	Version string
	Nav     string // active nav item: "sessions", "search", "events"
}

// Pagination describes an offset window over a result list.
type Pagination struct {
	Limit   int
	Offset  int
	HasMore bool
}

// Prev is the offset of the previous page.
func (p Pagination) Prev() int { return max(p.Offset-p.Limit, 0) }

// Next is the offset of the next page.
func (p Pagination) Next() int { return p.Offset + p.Limit }

// SessionsPageData is the template data for the session list.
type SessionsPageData struct {
	PageData
	Items       []*convo.Session
	Pagination  Pagination
	CharacterID string
	UserID      string
	OpenOnly    bool
}

// CompressionView is a compression event with its summary rendered.
type CompressionView struct {
	convo.CompressionEvent
	SummaryHTML template.HTML
}

// SessionPageData is the template data for one session.
type SessionPageData struct {
	PageData
	Session      *convo.Session
	Live         bool
	State        string
	ContextHTML  template.HTML
	Turns        []convo.Turn
	Compressions []CompressionView
}

// TurnsPageData is the template data for a session's full history.
type TurnsPageData struct {
	PageData
	SessionID string
	Turns     []convo.Turn
}

// SearchPageData is the template data for the search page.
type SearchPageData struct {
	PageData
	Query     string
	SessionID string
	Items     []convo.Turn
	HasQuery  bool
}

// EventsPageData is the template data for the event log.
type EventsPageData struct {
	PageData
	Available bool
	Items     []events.Event
	SessionID string
	Type      string
	Types     []events.Type
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Message    string
}

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	version   string
	log       logging.Logger
}

// NewRenderer creates a Renderer by parsing templates from the given FS.
func NewRenderer(templateFS fs.FS, version string, log logging.Logger) *Renderer {
	if log == nil {
		log = logging.Nop()
	}
	funcMap := template.FuncMap{
		"formatTime":  formatTime,
		"formatCount": formatCount,
		"truncate":    truncate,
		"joinInts":    joinInts,
		"score":       func(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) },
		"stateClass":  stateClass,
	}

	layoutTmpl := template.Must(template.New("layout").Funcs(funcMap).ParseFS(templateFS, "layout.html"))

	pages := map[string]string{
		"sessions": "sessions.html",
		"session":  "session.html",
		"turns":    "turns.html",
		"search":   "search.html",
		"events":   "events.html",
		"error":    "error.html",
	}

	templates := make(map[string]*template.Template, len(pages))
	for name, file := range pages {
		t := template.Must(layoutTmpl.Clone())
		template.Must(t.ParseFS(templateFS, file))
		templates[name] = t
	}

	return &Renderer{
		templates: templates,
		version:   version,
		log:       log,
	}
}

func (r *Renderer) page(title, nav string) PageData {
	return PageData{Title: title, Version: r.version, Nav: nav}
}

// renderPage renders a named page template with the given data and HTTP 200 status.
func (r *Renderer) renderPage(w http.ResponseWriter, name string, data any) {
	r.renderPageStatus(w, http.StatusOK, name, data)
}

// renderPageStatus renders a named page template with the given data and HTTP status code.
func (r *Renderer) renderPageStatus(w http.ResponseWriter, status int, name string, data any) {
	t, ok := r.templates[name]
	if !ok {
		r.log.Error("template not found", "template", name)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		r.log.Error("template execution failed", "template", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError renders an error response with content negotiation.
func (r *Renderer) renderError(w http.ResponseWriter, req *http.Request, err error) {
	mErr := errors.As(err)
	status := mErr.Status
	message := mErr.Message
	if mErr.Code == errors.ErrInternal {
		r.log.Error("request failed", "path", req.URL.Path, "error", err)
		message = "an internal error occurred"
	}

	if wantsJSON(req) {
		renderJSON(w, status, map[string]any{
			"error": map[string]any{
				"code":    string(mErr.Code),
				"message": message,
				"status":  status,
			},
		})
		return
	}

	r.renderPageStatus(w, status, "error", ErrorPageData{
		PageData:   r.page(fmt.Sprintf("Error %d", status), ""),
		StatusCode: status,
		Message:    message,
	})
}

func wantsJSON(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "application/json")
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// sanitizer strips anything unsafe from rendered markdown. Conversation text
// is user-controlled.
var sanitizer = bluemonday.UGCPolicy()

// renderMarkdown converts markdown text to sanitized HTML.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(sanitizer.SanitizeBytes(buf.Bytes()))
}

// formatTime formats t as "2006-01-02 15:04" UTC.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

// formatCount formats an integer with comma thousands separators.
func formatCount(n int) string {
	if n < 0 {
		return "-" + formatCount(-n)
	}
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if result.Len() > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// truncate shortens s to n runes with a trailing ellipsis.
func truncate(n int, s string) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}

func stateClass(state string) string {
	switch state {
	case bufferzone.Compacting.String():
		return "state-compacting"
	case bufferzone.ReadyForReset.String():
		return "state-ready"
	default:
		return "state-idle"
	}
}
