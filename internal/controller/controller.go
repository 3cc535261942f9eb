// Package controller owns the reconciliation loop: it keeps the two
// upstream SSE connections alive through backoff reconnects, applies
// their events to the machine stores, polls backend health, and fans
// the reconciled view out to local subscribers.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"argus/internal/api"
	"argus/internal/events"
	"argus/internal/journal"
	"argus/internal/models"
	"argus/internal/notices"
	"argus/internal/state"
	"argus/internal/stream"
	"argus/internal/transform"
)

const (
	activeStreamPath   = "/api/events/active"
	inactiveStreamPath = "/api/events/inactive"

	// activeRefreshPageSize caps the REST snapshot taken on manual refresh.
	activeRefreshPageSize = 30

	// storagePageSize is the daily storage list page size.
	storagePageSize = 10

	// riskyTriggerThreshold marks a machine as high-risk.
	riskyTriggerThreshold = 20

	healthInterval = 5 * time.Minute

	// backendBannerTTL is how long the backend-down banner stays up.
	backendBannerTTL = 10 * time.Second

	// inactiveEmptyTimeout: the inactive stream sends no initial_state
	// when the set is empty, so after this window without one the
	// store stops reporting itself as loading.
	inactiveEmptyTimeout = 5 * time.Second
)

// Sink receives reconciled push frames (SSE broker, websocket hub).
type Sink interface {
	Publish(models.PushFrame)
}

// Options wires the controller's collaborators. Journal and Sinks are
// optional.
type Options struct {
	BackendURL string
	Client     *api.Client
	HTTPClient *http.Client // used for the SSE dials
	Bus        *events.Bus
	Notices    *notices.Center
	Journal    *journal.Journal
	Sinks      []Sink
}

// Controller is the reconciliation loop for one backend.
type Controller struct {
	backendURL string
	client     *api.Client
	httpc      *http.Client
	bus        *events.Bus
	notices    *notices.Center
	journal    *journal.Journal
	sinks      []Sink

	// Active carries running events (stop events merge-upsert);
	// Inactive carries ended ones (plain upserts).
	Active   *state.Store
	Inactive *state.Store

	activeSched   *stream.Scheduler
	inactiveSched *stream.Scheduler

	mu           sync.Mutex
	activeConn   *stream.Connector
	inactiveConn *stream.Connector
	activeGen    uint64
	inactiveGen  uint64
	emptyTimer   *time.Timer
	bannerTimer  *time.Timer
	statsSeen    bool
	backendDown  bool
	closed       bool

	storageMu   sync.RWMutex
	storage     []models.StorageAlert
	storagePg   models.Pagination
	storagePage int

	healthStop chan struct{}
	wg         sync.WaitGroup

	afterFunc func(time.Duration, func()) *time.Timer // test seam
}

// New creates a controller. Call Start to begin reconciling.
func New(opts Options) *Controller {
	if opts.Client == nil {
		opts.Client = api.New(opts.BackendURL)
	}
	if opts.HTTPClient == nil {
		// No global timeout: SSE responses are intentionally endless.
		opts.HTTPClient = &http.Client{}
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Notices == nil {
		opts.Notices = notices.NewCenter()
	}

	c := &Controller{
		backendURL: opts.BackendURL,
		client:     opts.Client,
		httpc:      opts.HTTPClient,
		bus:        opts.Bus,
		notices:    opts.Notices,
		journal:    opts.Journal,
		sinks:      opts.Sinks,
		Active:     state.NewStore("active", true),
		Inactive:   state.NewStore("inactive", false),
		healthStop: make(chan struct{}),
		afterFunc:  time.AfterFunc,
	}

	c.activeSched = stream.NewScheduler(c.connectActive, func() { c.handleGiveUp("active") })
	c.inactiveSched = stream.NewScheduler(c.connectInactive, func() { c.handleGiveUp("inactive") })
	return c
}

// Start performs the startup health check, loads the first storage
// page, opens both streams, and begins the periodic health poll.
func (c *Controller) Start(ctx context.Context) {
	log.Printf("[Controller] Starting against %s", c.backendURL)

	c.checkHealth(ctx)
	c.seedStats(ctx)

	if err := c.RefreshStorage(ctx, 1); err != nil {
		log.Printf("[Controller] Initial storage fetch failed: %v", err)
		c.notices.Add("storage", "Could not load storage alerts")
	}

	c.activeSched.Start()
	c.inactiveSched.Start()

	c.wg.Add(1)
	go c.healthLoop()
}

// seedStats primes the KPI aggregate from the REST stats endpoint so
// the first dashboard paint does not have to wait for a
// dashboard_stats stream event. Failure is non-fatal: the derived
// fallback covers until the stream delivers one.
func (c *Controller) seedStats(ctx context.Context) {
	raw, err := c.client.DashboardStats(ctx)
	if err != nil {
		log.Printf("[Controller] Initial stats fetch failed: %v", err)
		return
	}
	data, err := json.Marshal(raw)
	if err != nil {
		log.Printf("[Controller] Encode initial stats: %v", err)
		return
	}
	if _, err := c.Active.Apply(models.StreamEvent{Type: "dashboard_stats", Data: data}); err != nil {
		log.Printf("[Controller] Apply initial stats: %v", err)
		return
	}
	c.markStatsSeen()
	c.pushJSON("kpi", c.KPI())
}

// ─── Stream wiring ────────────────────────────────────────────────────────

// connectActive dials the active stream. Each dial bumps the
// generation counter so callbacks from a replaced connection are
// dropped instead of corrupting the store.
func (c *Controller) connectActive() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.activeConn != nil {
		c.activeConn.Close()
	}
	c.activeGen++
	gen := c.activeGen
	c.mu.Unlock()

	conn := stream.Dial(c.httpc, c.backendURL+activeStreamPath, stream.Callbacks{
		OnOpen: func() {
			if !c.activeCurrent(gen) {
				return
			}
			c.handleOpen("active", c.activeSched)
		},
		OnMessage: func(data []byte) {
			if !c.activeCurrent(gen) {
				return
			}
			c.handleMessage("active", c.Active, data)
		},
		OnError: func(err error, terminal bool) {
			if !c.activeCurrent(gen) {
				return
			}
			c.handleStreamError("active", c.activeSched, err, terminal)
		},
	})

	c.mu.Lock()
	if gen == c.activeGen && !c.closed {
		c.activeConn = conn
	} else {
		conn.Close()
	}
	c.mu.Unlock()
}

func (c *Controller) connectInactive() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.inactiveConn != nil {
		c.inactiveConn.Close()
	}
	c.inactiveGen++
	gen := c.inactiveGen
	c.mu.Unlock()

	conn := stream.Dial(c.httpc, c.backendURL+inactiveStreamPath, stream.Callbacks{
		OnOpen: func() {
			if !c.inactiveCurrent(gen) {
				return
			}
			c.handleOpen("inactive", c.inactiveSched)
			c.armEmptyTimer()
		},
		OnMessage: func(data []byte) {
			if !c.inactiveCurrent(gen) {
				return
			}
			c.handleMessage("inactive", c.Inactive, data)
		},
		OnError: func(err error, terminal bool) {
			if !c.inactiveCurrent(gen) {
				return
			}
			c.handleStreamError("inactive", c.inactiveSched, err, terminal)
		},
	})

	c.mu.Lock()
	if gen == c.inactiveGen && !c.closed {
		c.inactiveConn = conn
	} else {
		conn.Close()
	}
	c.mu.Unlock()
}

func (c *Controller) activeCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.activeGen && !c.closed
}

func (c *Controller) inactiveCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.inactiveGen && !c.closed
}

// armEmptyTimer starts the one-shot window after which a silent
// inactive stream is treated as an empty machine set.
func (c *Controller) armEmptyTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emptyTimer != nil {
		c.emptyTimer.Stop()
	}
	c.emptyTimer = c.afterFunc(inactiveEmptyTimeout, func() {
		if c.Inactive.Loading() {
			log.Printf("[Controller] Inactive stream silent for %s, assuming empty set", inactiveEmptyTimeout)
			c.Inactive.SetLoading(false)
			c.pushJSON("inactive_initial", []models.MachineRecord{})
		}
	})
}

func (c *Controller) handleOpen(name string, sched *stream.Scheduler) {
	sched.HandleOpen()
	log.Printf("[Controller] %s stream connected", name)
	c.bus.Publish(events.Event{
		Type:     events.StreamConnected,
		Severity: events.SeverityInfo,
		Stream:   name,
		Message:  fmt.Sprintf("%s stream connected", name),
	})
	c.pushStreamStatus()
}

// handleMessage decodes and applies one stream event, then fans out
// the consequences. Nothing here may panic past this frame.
func (c *Controller) handleMessage(name string, store *state.Store, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Controller] Panic applying %s event: %v", name, r)
		}
	}()

	var evt models.StreamEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		log.Printf("[Controller] Malformed %s event: %v", name, err)
		c.notices.Add(name, "Received a malformed update from the backend")
		return
	}

	res, err := store.Apply(evt)
	if err != nil {
		log.Printf("[Controller] Apply %s %s: %v", name, evt.Type, err)
		c.notices.Add(name, fmt.Sprintf("Could not apply %s update", evt.Type))
		return
	}

	c.recordEvent(name, evt, res)

	switch {
	case res.ServerError != "":
		c.notices.Add(name, res.ServerError)

	case evt.Type == "initial_state":
		log.Printf("[Controller] %s initial state: %d machines", name, res.InitialCount)
		c.pushJSON(name+"_initial", store.Machines())

	case res.Machine != nil:
		c.publishMachine(name, res)
		c.pushJSON(name+"_"+res.Type, res.Machine)

	case res.StatsUpdated:
		c.markStatsSeen()
		c.pushJSON("kpi", c.KPI())
	}
}

// publishMachine turns a store result into bus events.
func (c *Controller) publishMachine(name string, res state.Result) {
	m := res.Machine

	if res.Type == "machine_stopped" || res.Type == "machine_stop" {
		sev := events.SeverityWarning
		if m.System() {
			// Nobody was logged in: unattended stop.
			sev = events.SeverityCritical
		}
		c.bus.Publish(events.Event{
			Type:     events.MachineStopped,
			Severity: sev,
			Stream:   name,
			Machine:  m.IP,
			Message:  fmt.Sprintf("Machine %s stopped (%s)", m.IP, m.TriggerType),
		})
		return
	}

	if m.Triggers > riskyTriggerThreshold {
		c.bus.Publish(events.Event{
			Type:     events.MachineRisky,
			Severity: events.SeverityWarning,
			Stream:   name,
			Machine:  m.IP,
			Message:  fmt.Sprintf("Machine %s at %d triggers", m.IP, m.Triggers),
		})
		return
	}

	c.bus.Publish(events.Event{
		Type:     events.MachineUpdated,
		Severity: events.SeverityInfo,
		Stream:   name,
		Machine:  m.IP,
		Message:  fmt.Sprintf("Machine %s updated", m.IP),
	})
}

func (c *Controller) recordEvent(name string, evt models.StreamEvent, res state.Result) {
	if c.journal == nil {
		return
	}
	ip := ""
	if res.Machine != nil {
		ip = res.Machine.IP
	}
	if err := c.journal.RecordEvent(name, evt, ip); err != nil {
		log.Printf("[Controller] Journal %s event: %v", name, err)
	}
}

func (c *Controller) handleStreamError(name string, sched *stream.Scheduler, err error, terminal bool) {
	log.Printf("[Controller] %s stream error (terminal=%v): %v", name, terminal, err)

	if !terminal {
		// Transport still up; surface and move on.
		c.notices.Add(name, fmt.Sprintf("%s stream reported an error", name))
		return
	}

	c.bus.Publish(events.Event{
		Type:     events.StreamLost,
		Severity: events.SeverityWarning,
		Stream:   name,
		Message:  fmt.Sprintf("%s stream lost", name),
	})

	if sched.HandleError(true) {
		attempt := sched.Attempts()
		c.notices.Add(name, fmt.Sprintf(
			"Connection lost, retrying in %s (attempt %d/%d)",
			sched.Delay(attempt), attempt, stream.DefaultMaxAttempts))
	}
	c.pushStreamStatus()
}

func (c *Controller) handleGiveUp(name string) {
	log.Printf("[Controller] %s stream gave up after %d attempts", name, stream.DefaultMaxAttempts)
	c.notices.AddPersistent(name, "Live updates unavailable. Refresh to reconnect.")
	c.bus.Publish(events.Event{
		Type:     events.StreamGaveUp,
		Severity: events.SeverityCritical,
		Stream:   name,
		Message:  fmt.Sprintf("%s stream gave up after %d attempts", name, stream.DefaultMaxAttempts),
	})
	c.pushStreamStatus()
}

// ─── Manual refresh operations ────────────────────────────────────────────

// RefreshActive drops the live connection, snapshots the active set
// over REST, replaces the store wholesale, and reconnects. A stream
// update racing the snapshot is acceptable: the reopened stream's
// next event wins.
func (c *Controller) RefreshActive(ctx context.Context) error {
	c.closeActiveLocked()
	c.Active.SetLoading(true)

	records, fetchErr := c.fetchActiveSnapshot(ctx)
	if fetchErr != nil {
		log.Printf("[Controller] Active refresh fetch failed: %v", fetchErr)
		c.notices.Add("active", "Refresh failed, showing last known data")
		c.Active.SetLoading(false)
	} else {
		c.Active.Replace(records)
		c.pushJSON("active_initial", c.Active.Machines())
	}

	c.activeSched.Refresh()
	return fetchErr
}

func (c *Controller) fetchActiveSnapshot(ctx context.Context) ([]models.MachineRecord, error) {
	raws, err := c.client.ActiveMachines(ctx, 1, activeRefreshPageSize)
	if err != nil {
		return nil, err
	}
	records := make([]models.MachineRecord, 0, len(raws))
	for _, raw := range raws {
		if rec, ok := transform.Machine(raw); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// RefreshInactive drops the connection, clears the store, and
// reconnects; the inactive set is rebuilt purely from the stream.
func (c *Controller) RefreshInactive() {
	c.closeInactiveLocked()
	c.Inactive.Clear()
	c.Inactive.SetLoading(true)
	c.inactiveSched.Refresh()
}

// RefreshStorage fetches one page of today's storage alerts. The date
// filter uses the local calendar day, matching how operators read the
// dashboard.
func (c *Controller) RefreshStorage(ctx context.Context, page int) error {
	if page < 1 {
		page = 1
	}
	raws, pg, err := c.client.StorageList(ctx, "", page, storagePageSize)
	if err != nil {
		return err
	}

	alerts := make([]models.StorageAlert, 0, len(raws))
	for _, raw := range raws {
		alert, ok := transform.Storage(raw)
		if !ok {
			continue
		}
		alerts = append(alerts, alert)
		if c.journal != nil {
			if jerr := c.journal.RecordStorage(alert); jerr != nil {
				log.Printf("[Controller] Journal storage snapshot: %v", jerr)
			}
		}
	}

	c.storageMu.Lock()
	c.storage = alerts
	c.storagePg = pg
	c.storagePage = page
	c.storageMu.Unlock()

	c.pushJSON("storage", alerts)
	return nil
}

func (c *Controller) closeActiveLocked() {
	c.mu.Lock()
	if c.activeConn != nil {
		c.activeConn.Close()
		c.activeConn = nil
	}
	c.activeGen++
	c.mu.Unlock()
}

func (c *Controller) closeInactiveLocked() {
	c.mu.Lock()
	if c.inactiveConn != nil {
		c.inactiveConn.Close()
		c.inactiveConn = nil
	}
	c.inactiveGen++
	if c.emptyTimer != nil {
		c.emptyTimer.Stop()
		c.emptyTimer = nil
	}
	c.mu.Unlock()
}

// ─── Backend health ───────────────────────────────────────────────────────

func (c *Controller) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.healthStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.checkHealth(ctx)
			cancel()
		}
	}
}

func (c *Controller) checkHealth(ctx context.Context) {
	ok, err := c.client.Health(ctx)
	healthy := err == nil && ok

	c.mu.Lock()
	wasDown := c.backendDown
	c.backendDown = !healthy
	c.mu.Unlock()

	switch {
	case !healthy && !wasDown:
		log.Printf("[Controller] Backend unhealthy: ok=%v err=%v", ok, err)
		id := c.notices.AddPersistent("backend", "Monitoring backend is unreachable")
		c.mu.Lock()
		if c.bannerTimer != nil {
			c.bannerTimer.Stop()
		}
		c.bannerTimer = c.afterFunc(backendBannerTTL, func() { c.notices.Dismiss(id) })
		c.mu.Unlock()
		c.bus.Publish(events.Event{
			Type:     events.BackendDown,
			Severity: events.SeverityCritical,
			Message:  "Monitoring backend is unreachable",
		})

	case healthy && wasDown:
		log.Printf("[Controller] Backend recovered")
		c.notices.Add("backend", "Backend connection restored")
		c.bus.Publish(events.Event{
			Type:     events.BackendUp,
			Severity: events.SeverityInfo,
			Message:  "Backend connection restored",
		})
	}
}

// ─── Read side ────────────────────────────────────────────────────────────

// KPI returns the dashboard aggregates: server-pushed stats when an
// aggregate event has arrived, otherwise counts derived from the
// non-ended active records. Storage alert count always comes from the
// latest storage fetch.
func (c *Controller) KPI() models.DashboardStats {
	c.mu.Lock()
	seen := c.statsSeen
	c.mu.Unlock()

	var stats models.DashboardStats
	if seen {
		stats = c.Active.Stats()
	} else {
		stats = c.Active.DeriveKPI()
	}

	c.storageMu.RLock()
	stats.StorageAlerts = c.storagePg.TotalCount
	c.storageMu.RUnlock()
	return stats
}

func (c *Controller) markStatsSeen() {
	c.mu.Lock()
	c.statsSeen = true
	c.mu.Unlock()
}

// Storage returns the last fetched storage page.
func (c *Controller) Storage() ([]models.StorageAlert, models.Pagination, int) {
	c.storageMu.RLock()
	defer c.storageMu.RUnlock()
	out := make([]models.StorageAlert, len(c.storage))
	copy(out, c.storage)
	return out, c.storagePg, c.storagePage
}

// Status is the daemon's health view of itself and its upstream.
type Status struct {
	BackendDown      bool   `json:"backend_down"`
	ActiveStream     string `json:"active_stream"`
	InactiveStream   string `json:"inactive_stream"`
	ActiveAttempts   int    `json:"active_attempts"`
	InactiveAttempts int    `json:"inactive_attempts"`
	ActiveMachines   int    `json:"active_machines"`
	InactiveMachines int    `json:"inactive_machines"`
}

// Status reports stream and backend state for the local health API.
func (c *Controller) Status() Status {
	c.mu.Lock()
	down := c.backendDown
	c.mu.Unlock()

	return Status{
		BackendDown:      down,
		ActiveStream:     c.activeSched.State().String(),
		InactiveStream:   c.inactiveSched.State().String(),
		ActiveAttempts:   c.activeSched.Attempts(),
		InactiveAttempts: c.inactiveSched.Attempts(),
		ActiveMachines:   c.Active.Len(),
		InactiveMachines: c.Inactive.Len(),
	}
}

// ─── Fan-out ──────────────────────────────────────────────────────────────

func (c *Controller) pushJSON(frameType string, payload interface{}) {
	if len(c.sinks) == 0 {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Controller] Marshal %s frame: %v", frameType, err)
		return
	}
	frame := models.PushFrame{Type: frameType, Payload: raw}
	for _, s := range c.sinks {
		s.Publish(frame)
	}
}

func (c *Controller) pushStreamStatus() {
	c.pushJSON("stream_status", c.Status())
}

// Close tears everything down. Idempotent; safe to call regardless of
// how far Start got.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.emptyTimer != nil {
		c.emptyTimer.Stop()
		c.emptyTimer = nil
	}
	if c.bannerTimer != nil {
		c.bannerTimer.Stop()
		c.bannerTimer = nil
	}
	active, inactive := c.activeConn, c.inactiveConn
	c.activeConn, c.inactiveConn = nil, nil
	c.mu.Unlock()

	close(c.healthStop)
	c.activeSched.Stop()
	c.inactiveSched.Stop()
	if active != nil {
		active.Close()
	}
	if inactive != nil {
		inactive.Close()
	}
	c.wg.Wait()
	log.Printf("[Controller] Stopped")
}
