package handlers

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"argus/internal/api"
	"argus/internal/controller"
	"argus/internal/journal"
	"argus/internal/models"
	"argus/internal/notices"
)

func setupAPI(t *testing.T, backend http.Handler) (*API, *controller.Controller, *notices.Center, *httptest.Server) {
	t.Helper()

	if backend == nil {
		backend = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"healthy"}`))
		})
	}
	upstream := httptest.NewServer(backend)
	t.Cleanup(upstream.Close)

	center := notices.NewCenter()
	broker := NewBroker()
	ctrl := controller.New(controller.Options{
		BackendURL: upstream.URL,
		Client:     api.NewWithHTTPClient(upstream.URL, upstream.Client()),
		HTTPClient: upstream.Client(),
		Notices:    center,
		Sinks:      []controller.Sink{broker},
	})
	t.Cleanup(ctrl.Close)

	a := NewAPI(ctrl, center, nil, broker)
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return a, ctrl, center, srv
}

func seedActive(t *testing.T, ctrl *controller.Controller, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		evt := models.StreamEvent{
			Type: "machine_update",
			Data: json.RawMessage(fmt.Sprintf(
				`{"ip":"10.0.0.%d","status":"running","users":1,"triggers":%d}`, i+1, i)),
		}
		if _, err := ctrl.Active.Apply(evt); err != nil {
			t.Fatal(err)
		}
	}
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatal(err)
	}
}

func TestActiveMachinesPagination(t *testing.T) {
	_, ctrl, _, srv := setupAPI(t, nil)
	seedActive(t, ctrl, 25)

	var resp struct {
		Data       []models.MachineRecord `json:"data"`
		Page       int                    `json:"page"`
		TotalPages int                    `json:"total_pages"`
		TotalCount int                    `json:"total_count"`
		Loading    bool                   `json:"loading"`
	}
	getJSON(t, srv.URL+"/api/machines/active?page=3&page_size=10", &resp)

	if len(resp.Data) != 5 {
		t.Errorf("page 3 of 25 should hold 5 records, got %d", len(resp.Data))
	}
	if resp.TotalPages != 3 || resp.TotalCount != 25 || resp.Page != 3 {
		t.Errorf("pagination: %+v", resp)
	}
	if !resp.Loading {
		t.Error("store never saw initial_state, loading should be true")
	}
}

func TestCriticalMachinesFilter(t *testing.T) {
	_, ctrl, _, srv := setupAPI(t, nil)

	for _, m := range []string{
		`{"ip":"10.0.0.1","status":"running","triggers":50}`,
		`{"ip":"10.0.0.2","status":"running","triggers":5}`,
		`{"ip":"10.0.0.3","status":"running","triggers":21}`,
	} {
		ctrl.Active.Apply(models.StreamEvent{Type: "machine_update", Data: json.RawMessage(m)})
	}

	var resp struct {
		Data []models.MachineRecord `json:"data"`
	}
	getJSON(t, srv.URL+"/api/machines/active/critical", &resp)

	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 critical machines, got %d", len(resp.Data))
	}
	if resp.Data[0].IP != "10.0.0.1" {
		t.Errorf("most-triggered first, got %s", resp.Data[0].IP)
	}
}

func TestNoticesRoundTrip(t *testing.T) {
	_, _, center, srv := setupAPI(t, nil)

	id := center.AddPersistent("stream", "Live updates unavailable")

	var view notices.View
	getJSON(t, srv.URL+"/api/notices", &view)
	if len(view.Notices) != 1 || view.Notices[0].Message != "Live updates unavailable" {
		t.Fatalf("notices: %+v", view)
	}

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/notices/%d", srv.URL, id), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dismiss: %d", resp.StatusCode)
	}

	getJSON(t, srv.URL+"/api/notices", &view)
	if len(view.Notices) != 0 {
		t.Errorf("notice not dismissed: %+v", view)
	}
}

func TestDismissNoticeRejectsBadID(t *testing.T) {
	_, _, _, srv := setupAPI(t, nil)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/notices/abc", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthReportsStreams(t *testing.T) {
	_, _, _, srv := setupAPI(t, nil)

	var resp struct {
		Status  string            `json:"status"`
		Streams controller.Status `json:"streams"`
	}
	getJSON(t, srv.URL+"/api/health", &resp)

	if resp.Status != "healthy" {
		t.Errorf("status: %q", resp.Status)
	}
	if resp.Streams.ActiveStream != "disconnected" {
		t.Errorf("unstarted controller should report disconnected, got %q", resp.Streams.ActiveStream)
	}
}

func TestKPIEndpoint(t *testing.T) {
	_, ctrl, _, srv := setupAPI(t, nil)
	seedActive(t, ctrl, 3)

	var stats models.DashboardStats
	getJSON(t, srv.URL+"/api/kpi", &stats)
	if stats.UsersAffecting != 3 {
		t.Errorf("derived users = %d, want 3", stats.UsersAffecting)
	}
}

func TestRefreshStorageEndpoint(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/storage/list/homepage":
			w.Write([]byte(`{"items":[{"ip":"10.0.0.7","computername":"lab-07","totalsizebytes":2147483648}],` +
				`"pagination":{"total_count":1,"total_pages":1}}`))
		default:
			w.Write([]byte(`{"status":"healthy"}`))
		}
	})
	_, _, _, srv := setupAPI(t, backend)

	resp, err := http.Post(srv.URL+"/api/refresh/storage", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d", resp.StatusCode)
	}

	var list struct {
		Data []models.StorageAlert `json:"data"`
	}
	getJSON(t, srv.URL+"/api/storage", &list)
	if len(list.Data) != 1 || list.Data[0].TotalSpace != "2.00" {
		t.Errorf("storage: %+v", list.Data)
	}
}

func TestHealthDegradedWhilePersistentNoticeLive(t *testing.T) {
	_, _, center, srv := setupAPI(t, nil)

	center.AddPersistent("active", "Live updates unavailable. Refresh to reconnect.")

	var resp struct {
		Status   string `json:"status"`
		Alerting bool   `json:"alerting"`
	}
	getJSON(t, srv.URL+"/api/health", &resp)

	if resp.Status != "degraded" {
		t.Errorf("status: %q", resp.Status)
	}
	if !resp.Alerting {
		t.Error("alerting should be true while a persistent notice is live")
	}
}

func TestRecentEventsIncludesTotal(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := journal.Migrate(db); err != nil {
		t.Fatal(err)
	}
	jrnl := journal.New(db)
	for i := 0; i < 3; i++ {
		if err := jrnl.RecordEvent("active", models.StreamEvent{Type: "machine_update"}, ""); err != nil {
			t.Fatal(err)
		}
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	t.Cleanup(upstream.Close)

	center := notices.NewCenter()
	broker := NewBroker()
	ctrl := controller.New(controller.Options{
		BackendURL: upstream.URL,
		Client:     api.NewWithHTTPClient(upstream.URL, upstream.Client()),
		HTTPClient: upstream.Client(),
		Notices:    center,
		Journal:    jrnl,
	})
	t.Cleanup(ctrl.Close)

	mux := http.NewServeMux()
	NewAPI(ctrl, center, jrnl, broker).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	var resp struct {
		Data  []journal.EventRow `json:"data"`
		Total int                `json:"total"`
	}
	getJSON(t, srv.URL+"/api/events/recent?limit=2", &resp)

	if len(resp.Data) != 2 {
		t.Errorf("limited page should hold 2 rows, got %d", len(resp.Data))
	}
	if resp.Total != 3 {
		t.Errorf("total = %d, want 3", resp.Total)
	}
}

func TestRecentEventsWithoutJournal(t *testing.T) {
	_, _, _, srv := setupAPI(t, nil)

	resp, err := http.Get(srv.URL + "/api/events/recent")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a journal, got %d", resp.StatusCode)
	}
}

func TestStreamRebroadcastsFrames(t *testing.T) {
	a, _, _, srv := setupAPI(t, nil)

	resp, err := http.Get(srv.URL + "/api/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// First event is the connection handshake.
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "event: connected") {
		t.Fatalf("handshake: %q", line)
	}

	// Wait for the subscription to register, then publish.
	deadline := time.Now().Add(2 * time.Second)
	for a.broker.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	a.broker.Publish(models.PushFrame{
		Type:    "kpi",
		Payload: json.RawMessage(`{"users_affecting":9}`),
	})

	var got []string
	for i := 0; i < 4; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, line)
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "kpi") {
			return
		}
	}
	t.Fatalf("kpi frame not re-broadcast, read: %q", got)
}
