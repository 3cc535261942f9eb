package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"argus/internal/controller"
	"argus/internal/journal"
	"argus/internal/notices"
)

const (
	defaultPageSize = 10

	// criticalTriggers is the trigger count above which a machine
	// shows up in the critical view.
	criticalTriggers = 20
)

// API serves the reconciled dashboard state over HTTP.
type API struct {
	ctrl    *controller.Controller
	notices *notices.Center
	journal *journal.Journal // optional
	broker  *Broker
}

// NewAPI wires the handlers to their collaborators. journal may be nil.
func NewAPI(ctrl *controller.Controller, center *notices.Center, jrnl *journal.Journal, broker *Broker) *API {
	return &API{ctrl: ctrl, notices: center, journal: jrnl, broker: broker}
}

// RegisterRoutes attaches all dashboard routes to the mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/machines/active", a.ActiveMachines)
	mux.HandleFunc("GET /api/machines/active/critical", a.CriticalMachines)
	mux.HandleFunc("GET /api/machines/inactive", a.InactiveMachines)
	mux.HandleFunc("GET /api/kpi", a.KPI)
	mux.HandleFunc("GET /api/storage", a.StorageAlerts)
	mux.HandleFunc("GET /api/notices", a.Notices)
	mux.HandleFunc("DELETE /api/notices/{id}", a.DismissNotice)
	mux.HandleFunc("GET /api/health", a.Health)
	mux.HandleFunc("GET /api/events/recent", a.RecentEvents)
	mux.HandleFunc("POST /api/refresh/active", a.RefreshActive)
	mux.HandleFunc("POST /api/refresh/inactive", a.RefreshInactive)
	mux.HandleFunc("POST /api/refresh/storage", a.RefreshStorage)
	mux.HandleFunc("GET /api/stream", a.Stream)
}

// ActiveMachines returns one page of the active set, newest first.
// GET /api/machines/active?page=1&page_size=10
func (a *API) ActiveMachines(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	size := queryInt(r, "page_size", defaultPageSize)

	records, totalPages := a.ctrl.Active.Page(page, size)
	JSONResponse(w, map[string]interface{}{
		"data":        records,
		"page":        page,
		"total_pages": totalPages,
		"total_count": a.ctrl.Active.Len(),
		"loading":     a.ctrl.Active.Loading(),
	})
}

// CriticalMachines returns active machines above the trigger
// threshold, most-triggered first.
func (a *API) CriticalMachines(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]interface{}{
		"data": a.ctrl.Active.Critical(criticalTriggers),
	})
}

// InactiveMachines returns one page of the inactive set.
func (a *API) InactiveMachines(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	size := queryInt(r, "page_size", defaultPageSize)

	records, totalPages := a.ctrl.Inactive.Page(page, size)
	JSONResponse(w, map[string]interface{}{
		"data":        records,
		"page":        page,
		"total_pages": totalPages,
		"total_count": a.ctrl.Inactive.Len(),
		"loading":     a.ctrl.Inactive.Loading(),
	})
}

// KPI returns the dashboard aggregates.
func (a *API) KPI(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, a.ctrl.KPI())
}

// StorageAlerts returns the last fetched storage page.
func (a *API) StorageAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, pg, page := a.ctrl.Storage()
	JSONResponse(w, map[string]interface{}{
		"data":        alerts,
		"page":        page,
		"total_pages": pg.TotalPages,
		"total_count": pg.TotalCount,
	})
}

// Notices returns the visible notices plus the overflow count.
func (a *API) Notices(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, a.notices.Visible())
}

// DismissNotice removes one notice.
// DELETE /api/notices/{id}
func (a *API) DismissNotice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, "Invalid notice ID", http.StatusBadRequest)
		return
	}
	a.notices.Dismiss(id)
	JSONResponse(w, map[string]string{"status": "dismissed"})
}

// Health reports the daemon's own view: upstream reachability, both
// stream states, and whether a persistent banner (dead stream, dead
// backend) is live.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	st := a.ctrl.Status()
	alerting := a.notices.HasPersistent()
	status := "healthy"
	if st.BackendDown || alerting {
		status = "degraded"
	}
	JSONResponse(w, map[string]interface{}{
		"status":   status,
		"alerting": alerting,
		"streams":  st,
	})
}

// RecentEvents returns the latest journaled stream events.
// GET /api/events/recent?limit=50
func (a *API) RecentEvents(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		JSONError(w, "Journal not available", http.StatusServiceUnavailable)
		return
	}
	rows, err := a.journal.RecentEvents(queryInt(r, "limit", 50))
	if err != nil {
		log.Printf("❌ Recent events query: %v", err)
		JSONError(w, "Failed to read journal", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []journal.EventRow{}
	}
	total, err := a.journal.EventCount("")
	if err != nil {
		log.Printf("❌ Event count query: %v", err)
	}
	JSONResponse(w, map[string]interface{}{
		"data":  rows,
		"total": total,
	})
}

// RefreshActive re-snapshots the active set over REST and reconnects
// the stream.
// POST /api/refresh/active
func (a *API) RefreshActive(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.RefreshActive(r.Context()); err != nil {
		JSONError(w, "Refresh failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	JSONResponse(w, map[string]string{"status": "refreshed"})
}

// RefreshInactive clears the inactive set and reconnects its stream.
func (a *API) RefreshInactive(w http.ResponseWriter, r *http.Request) {
	a.ctrl.RefreshInactive()
	JSONResponse(w, map[string]string{"status": "refreshed"})
}

// RefreshStorage fetches one page of today's storage alerts.
// POST /api/refresh/storage?page=2
func (a *API) RefreshStorage(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	if err := a.ctrl.RefreshStorage(r.Context(), page); err != nil {
		JSONError(w, "Refresh failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	JSONResponse(w, map[string]string{"status": "refreshed"})
}

// ─── SSE Re-broadcast ─────────────────────────────────────────────────────

// Stream re-broadcasts reconciled push frames to a local subscriber.
// GET /api/stream
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		JSONError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Nginx buffering bypass

	ch := a.broker.Subscribe()
	defer a.broker.Unsubscribe(ch)

	// Send initial connection event
	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case frame, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data)
			flusher.Flush()

		case <-ctx.Done():
			return
		}
	}
}
