package handlers

import (
	"log"
	"net/http"

	"argus/internal/api"
)

// Reports proxies detail lookups and historical searches to the
// backend and saves its export documents to local files.
type Reports struct {
	client    *api.Client
	exportDir string
}

// NewReports wires the report handlers to the backend client.
func NewReports(client *api.Client, exportDir string) *Reports {
	return &Reports{client: client, exportDir: exportDir}
}

// RegisterRoutes attaches the report routes to the mux.
func (rp *Reports) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/machine/{uuid}", rp.MachineDetail)
	mux.HandleFunc("GET /api/end_events", rp.EndEvents)
	mux.HandleFunc("GET /api/storage/search", rp.StorageSearch)
	mux.HandleFunc("GET /api/storage/latest/{ip}", rp.StorageLatest)
	mux.HandleFunc("POST /api/export/events/excel", rp.ExportEventsExcel)
	mux.HandleFunc("POST /api/export/events/pdf", rp.ExportEventsPDF)
	mux.HandleFunc("POST /api/export/machine/{uuid}", rp.ExportMachinePDF)
}

// MachineDetail fetches the backend's detail record for one machine.
// GET /api/machine/{uuid}
func (rp *Reports) MachineDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := rp.client.MachineByUUID(r.Context(), r.PathValue("uuid"))
	if err != nil {
		JSONError(w, "Machine lookup failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	JSONResponse(w, detail)
}

// EndEvents passes a historical-event search through to the backend.
// Filters (date_from, date_to, ip, cpu, ram, storage, user_range,
// page, page_size) forward as-is.
func (rp *Reports) EndEvents(w http.ResponseWriter, r *http.Request) {
	raw, err := rp.client.EndEvents(r.Context(), r.URL.Query())
	if err != nil {
		JSONError(w, "Search failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// StorageSearch passes a storage-history search through to the
// backend. Filters (ip, computer_name, date, page, page_size) forward
// as-is.
// GET /api/storage/search?ip=...
func (rp *Reports) StorageSearch(w http.ResponseWriter, r *http.Request) {
	rows, pg, err := rp.client.StorageSearch(r.Context(), r.URL.Query())
	if err != nil {
		JSONError(w, "Storage search failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	JSONResponse(w, map[string]interface{}{
		"data":        rows,
		"total_pages": pg.TotalPages,
		"total_count": pg.TotalCount,
	})
}

// StorageLatest fetches the most recent storage snapshot for one
// host, optionally pinned to a creation time.
// GET /api/storage/latest/{ip}?created_at=...
func (rp *Reports) StorageLatest(w http.ResponseWriter, r *http.Request) {
	raw, err := rp.client.LatestStorageByIP(r.Context(), r.PathValue("ip"), r.URL.Query().Get("created_at"))
	if err != nil {
		JSONError(w, "Storage lookup failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	JSONResponse(w, raw)
}

// ExportEventsExcel downloads the Excel export of ended events.
// POST /api/export/events/excel?date_from=...
func (rp *Reports) ExportEventsExcel(w http.ResponseWriter, r *http.Request) {
	path, err := rp.client.ExportEventsExcel(r.Context(), r.URL.Query(), rp.exportDir)
	if err != nil {
		log.Printf("❌ Excel export: %v", err)
		JSONError(w, "Export failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	log.Printf("📄 Export written: %s", path)
	JSONResponse(w, map[string]string{"path": path})
}

// ExportEventsPDF downloads the PDF export of ended events.
func (rp *Reports) ExportEventsPDF(w http.ResponseWriter, r *http.Request) {
	path, err := rp.client.ExportEventsPDF(r.Context(), r.URL.Query(), rp.exportDir)
	if err != nil {
		log.Printf("❌ PDF export: %v", err)
		JSONError(w, "Export failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	log.Printf("📄 Export written: %s", path)
	JSONResponse(w, map[string]string{"path": path})
}

// ExportMachinePDF downloads the per-machine event report.
// POST /api/export/machine/{uuid}
func (rp *Reports) ExportMachinePDF(w http.ResponseWriter, r *http.Request) {
	path, err := rp.client.ExportMachinePDF(r.Context(), r.PathValue("uuid"), rp.exportDir)
	if err != nil {
		JSONError(w, "Export failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	log.Printf("📄 Export written: %s", path)
	JSONResponse(w, map[string]string{"path": path})
}
