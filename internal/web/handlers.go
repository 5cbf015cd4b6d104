package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/hpungsan/mneme/internal/bufferzone"
	"github.com/hpungsan/mneme/internal/convo"
	"github.com/hpungsan/mneme/internal/errors"
	"github.com/hpungsan/mneme/internal/events"
	"github.com/hpungsan/mneme/internal/memory"
	"github.com/hpungsan/mneme/internal/persist"
)

// recentTurnsShown is how many turns the session page lists.
const recentTurnsShown = 20

var eventTypes = []events.Type{
	events.SessionStarted,
	events.SessionClosed,
	events.CompactionStarted,
	events.CompactionCompleted,
	events.CompactionTimeout,
	events.ContextReset,
	events.CompressionSummary,
}

// Handlers contains HTTP route handlers for the inspector. Nothing here
// mutates sessions.
type Handlers struct {
	store    persist.Store
	eventLog persist.EventLog
	mem      *memory.Manager
	renderer *Renderer
}

func newHandlers(store persist.Store, mem *memory.Manager, renderer *Renderer) *Handlers {
	h := &Handlers{store: store, mem: mem, renderer: renderer}
	if el, ok := store.(persist.EventLog); ok {
		h.eventLog = el
	}
	return h
}

// HandleSessions handles GET /sessions.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persist.SessionFilter{
		CharacterID: q.Get("character_id"),
		UserID:      q.Get("user_id"),
		OpenOnly:    parseBoolParam(r, "open"),
		Limit:       clampPage(parseIntParam(r, "limit", 20)),
		Offset:      max(parseIntParam(r, "offset", 0), 0),
	}

	// fetch one extra row to know whether a next page exists
	probe := filter
	probe.Limit++
	items, err := h.store.ListSessions(r.Context(), probe)
	if err != nil {
		h.renderer.renderError(w, r, errors.NewPersistenceFailed("list sessions", err))
		return
	}
	hasMore := len(items) > filter.Limit
	if hasMore {
		items = items[:filter.Limit]
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, map[string]any{"sessions": items, "has_more": hasMore})
		return
	}

	h.renderer.renderPage(w, "sessions", SessionsPageData{
		PageData:    h.renderer.page("Sessions", "sessions"),
		Items:       items,
		Pagination:  Pagination{Limit: filter.Limit, Offset: filter.Offset, HasMore: hasMore},
		CharacterID: filter.CharacterID,
		UserID:      filter.UserID,
		OpenOnly:    filter.OpenOnly,
	})
}

// HandleSession handles GET /sessions/{id}.
func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("session ID is required"))
		return
	}
	ctx := r.Context()

	sess, live := h.lookupLive(id)
	if !live {
		var err error
		if sess, err = h.store.GetSession(ctx, id); err != nil {
			h.renderer.renderError(w, r, err)
			return
		}
	}

	turns, err := h.store.LoadTurns(ctx, id, recentTurnsShown)
	if err != nil {
		h.renderer.renderError(w, r, errors.NewPersistenceFailed("load turns", err))
		return
	}
	compressions, err := h.store.ListCompressionEvents(ctx, id, 10)
	if err != nil {
		h.renderer.renderError(w, r, errors.NewPersistenceFailed("list compression events", err))
		return
	}

	var cc *convo.CompressedContext
	state := bufferzone.Idle.String()
	if live {
		cc, _ = h.mem.PeekContext(id)
		state = h.mem.CompressionState(id).String()
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, map[string]any{
			"session":            sess,
			"live":               live,
			"compression_state":  state,
			"context":            cc,
			"recent_turns":       turns,
			"compression_events": compressions,
		})
		return
	}

	data := SessionPageData{
		PageData: h.renderer.page(sess.CharacterName+" / "+shortID(sess.SessionID), "sessions"),
		Session:  sess,
		Live:     live,
		State:    state,
		Turns:    turns,
	}
	if cc != nil {
		data.ContextHTML = renderMarkdown(cc.ToPrompt())
	}
	for _, e := range compressions {
		data.Compressions = append(data.Compressions, CompressionView{
			CompressionEvent: e,
			SummaryHTML:      renderMarkdown(e.Summary),
		})
	}
	h.renderer.renderPage(w, "session", data)
}

// HandleTurns handles GET /sessions/{id}/turns, the full persisted history.
func (h *Handlers) HandleTurns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	if _, live := h.lookupLive(id); !live {
		if _, err := h.store.GetSession(ctx, id); err != nil {
			h.renderer.renderError(w, r, err)
			return
		}
	}

	turns, err := h.store.LoadTurns(ctx, id, parseIntParam(r, "limit", 0))
	if err != nil {
		h.renderer.renderError(w, r, errors.NewPersistenceFailed("load turns", err))
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, map[string]any{"turns": turns, "count": len(turns)})
		return
	}
	h.renderer.renderPage(w, "turns", TurnsPageData{
		PageData:  h.renderer.page("History "+shortID(id), "sessions"),
		SessionID: id,
		Turns:     turns,
	})
}

// HandleSearch handles GET /search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	data := SearchPageData{
		PageData:  h.renderer.page("Search", "search"),
		Query:     query,
		SessionID: r.URL.Query().Get("session_id"),
		HasQuery:  query != "",
	}

	if data.HasQuery {
		items, err := h.store.QueryTurns(r.Context(), persist.TurnQuery{
			SessionID: data.SessionID,
			Text:      query,
			Limit:     parseIntParam(r, "limit", persist.DefaultSearchLimit),
		})
		if err != nil {
			h.renderer.renderError(w, r, errors.NewPersistenceFailed("search turns", err))
			return
		}
		data.Items = items
	}

	if wantsJSON(r) {
		if !data.HasQuery {
			h.renderer.renderError(w, r, errors.NewInvalidRequest("q is required"))
			return
		}
		renderJSON(w, http.StatusOK, map[string]any{"turns": data.Items, "count": len(data.Items)})
		return
	}
	h.renderer.renderPage(w, "search", data)
}

// HandleEvents handles GET /events.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	data := EventsPageData{
		PageData:  h.renderer.page("Events", "events"),
		Available: h.eventLog != nil,
		SessionID: r.URL.Query().Get("session_id"),
		Type:      r.URL.Query().Get("type"),
		Types:     eventTypes,
	}

	if data.Available {
		items, err := h.eventLog.ListEvents(r.Context(), persist.EventFilter{
			SessionID: data.SessionID,
			Type:      events.Type(data.Type),
			Limit:     clampPage(parseIntParam(r, "limit", 100)),
		})
		if err != nil {
			h.renderer.renderError(w, r, errors.NewPersistenceFailed("list events", err))
			return
		}
		data.Items = items
	}

	if wantsJSON(r) {
		if !data.Available {
			renderJSON(w, http.StatusOK, map[string]any{"events": []events.Event{}, "available": false})
			return
		}
		renderJSON(w, http.StatusOK, map[string]any{"events": data.Items, "available": true})
		return
	}
	h.renderer.renderPage(w, "events", data)
}

func (h *Handlers) lookupLive(id string) (*convo.Session, bool) {
	if h.mem == nil {
		return nil, false
	}
	return h.mem.LookupSession(id)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// parseBoolParam parses a boolean query parameter.
func parseBoolParam(r *http.Request, name string) bool {
	s := r.URL.Query().Get(name)
	return s == "true" || s == "1" || s == "on"
}

func clampPage(limit int) int {
	if limit <= 0 {
		return 20
	}
	return min(limit, 500)
}

// shortID keeps the random tail of a ULID.
func shortID(id string) string {
	if len(id) > 8 {
		return "…" + id[len(id)-8:]
	}
	return id
}
