// Package state holds the authoritative in-memory view of "latest
// record per machine" for one logical machine set, updated by typed
// stream events.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"argus/internal/models"
	"argus/internal/transform"
)

// Result describes what applying one stream event did, so the caller
// can journal it, publish bus events, and push frames downstream.
type Result struct {
	Type         string
	Machine      *models.MachineRecord // set for per-machine events
	InitialCount int                   // set for initial_state
	ServerError  string                // set for type "error"
	StatsUpdated bool
	Unknown      bool
}

// Store is a keyed collection of the latest known record per machine
// IP. A store created with mergeStops applies the Active-side rule
// for stop events (merge over the existing record, forcing the
// terminal fields); without it, stop events are plain upserts.
type Store struct {
	name       string
	mergeStops bool

	mu       sync.RWMutex
	machines map[string]models.MachineRecord
	stats    models.DashboardStats
	loading  bool

	now func() time.Time // test seam
}

// NewStore creates an empty store in the loading state.
func NewStore(name string, mergeStops bool) *Store {
	return &Store{
		name:       name,
		mergeStops: mergeStops,
		machines:   make(map[string]models.MachineRecord),
		loading:    true,
		now:        time.Now,
	}
}

// Apply routes one decoded stream event through the update rules.
// The returned error covers payload decode failures only; unknown
// event types are logged and reported through Result.Unknown.
func (s *Store) Apply(evt models.StreamEvent) (Result, error) {
	switch evt.Type {
	case "initial_state":
		return s.applyInitial(evt)

	case "connected":
		return Result{Type: evt.Type}, nil

	case "machine_update", "machine_create", "machine_started":
		return s.applyUpsert(evt)

	case "machine_stopped", "machine_stop":
		return s.applyStop(evt)

	case "dashboard_stats":
		return s.applyStats(evt)

	case "error":
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
		return Result{Type: evt.Type, ServerError: evt.Message}, nil

	default:
		log.Printf("[State:%s] Ignoring unknown event type %q", s.name, evt.Type)
		return Result{Type: evt.Type, Unknown: true}, nil
	}
}

// applyInitial replaces the whole store from a snapshot. This is the
// only bulk operation; keys absent from the snapshot do not survive.
func (s *Store) applyInitial(evt models.StreamEvent) (Result, error) {
	var rawList []map[string]interface{}
	if len(evt.Data) > 0 {
		if err := json.Unmarshal(evt.Data, &rawList); err != nil {
			return Result{Type: evt.Type}, fmt.Errorf("decode initial_state: %w", err)
		}
	}

	next := make(map[string]models.MachineRecord, len(rawList))
	for _, raw := range rawList {
		if rec, ok := transform.Machine(raw); ok {
			next[rec.IP] = rec
		}
	}

	s.mu.Lock()
	s.machines = next
	s.loading = false
	s.mu.Unlock()

	return Result{Type: evt.Type, InitialCount: len(next)}, nil
}

func (s *Store) applyUpsert(evt models.StreamEvent) (Result, error) {
	raw, err := decodeOne(evt)
	if err != nil {
		return Result{Type: evt.Type}, err
	}
	rec, ok := transform.Machine(raw)
	if !ok {
		return Result{Type: evt.Type}, nil
	}

	s.mu.Lock()
	s.machines[rec.IP] = rec
	s.loading = false
	s.mu.Unlock()

	return Result{Type: evt.Type, Machine: &rec}, nil
}

// applyStop applies a stop event. With mergeStops, fields present in
// the payload are merged over the existing record and the terminal
// fields (Ended, end time, stopped) are forced regardless of payload
// content. Without it the normalized record is upserted as-is: the
// inactive set trusts its stream to describe ended machines fully.
func (s *Store) applyStop(evt models.StreamEvent) (Result, error) {
	raw, err := decodeOne(evt)
	if err != nil {
		return Result{Type: evt.Type}, err
	}
	rec, ok := transform.Machine(raw)
	if !ok {
		return Result{Type: evt.Type}, nil
	}

	s.mu.Lock()
	if s.mergeStops {
		if existing, found := s.machines[rec.IP]; found {
			rec = mergePresent(existing, rec, raw)
		}
		end := s.now().UTC()
		rec.Status = models.StatusEnded
		rec.EndTime = &end
		rec.Stopped = true
	}
	s.machines[rec.IP] = rec
	s.loading = false
	s.mu.Unlock()

	return Result{Type: evt.Type, Machine: &rec}, nil
}

// applyStats updates the KPI aggregate with the server-supplied
// numbers. Missing fields keep their previous value — no
// default-to-zero here.
func (s *Store) applyStats(evt models.StreamEvent) (Result, error) {
	raw, err := decodeOne(evt)
	if err != nil {
		return Result{Type: evt.Type}, err
	}

	s.mu.Lock()
	s.stats.UsersAffecting = transform.SafeInt(raw["active_machines_count"], s.stats.UsersAffecting)
	s.stats.CPUTriggers = transform.SafeInt(raw["cpu_triggers"], s.stats.CPUTriggers)
	s.stats.RAMTriggers = transform.SafeInt(raw["ram_triggers"], s.stats.RAMTriggers)
	s.stats.StorageAlerts = transform.SafeInt(raw["storage_alerts"], s.stats.StorageAlerts)
	s.mu.Unlock()

	return Result{Type: evt.Type, StatsUpdated: true}, nil
}

// mergePresent overlays onto base only the fields actually present in
// the raw payload, so a sparse stop payload does not wipe what the
// store already knows.
func mergePresent(base, incoming models.MachineRecord, raw map[string]interface{}) models.MachineRecord {
	out := base
	if _, ok := raw["status"]; ok {
		out.Status = incoming.Status
	}
	if _, ok := raw["users"]; ok {
		out.Users = incoming.Users
	}
	if has(raw, "triggers") || has(raw, "trigger_count") {
		out.Triggers = incoming.Triggers
	}
	if _, ok := raw["cpu"]; ok {
		out.CPU = incoming.CPU
	}
	if _, ok := raw["ram"]; ok {
		out.RAM = incoming.RAM
	}
	if _, ok := raw["storage"]; ok {
		out.Storage = incoming.Storage
	}
	if _, ok := raw["trigger_type"]; ok {
		out.TriggerType = incoming.TriggerType
	}
	if _, ok := raw["uuid"]; ok {
		out.UUID = incoming.UUID
	}
	if _, ok := raw["created_at"]; ok {
		out.CreatedAt = incoming.CreatedAt
	}
	if _, ok := raw["start_time"]; ok {
		out.StartTime = incoming.StartTime
	}
	if _, ok := raw["duration"]; ok {
		out.Duration = incoming.Duration
	}
	out.LastSeen = incoming.LastSeen
	return out
}

func has(raw map[string]interface{}, key string) bool {
	_, ok := raw[key]
	return ok
}

func decodeOne(evt models.StreamEvent) (map[string]interface{}, error) {
	if len(evt.Data) == 0 {
		return nil, nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(evt.Data, &raw); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	return raw, nil
}

// ─── Read side ───────────────────────────────────────────────────────────

// Machines returns all records sorted newest-first by creation time.
func (s *Store) Machines() []models.MachineRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.MachineRecord, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Page returns one page of the sorted machine list plus the total
// page count.
func (s *Store) Page(page, pageSize int) ([]models.MachineRecord, int) {
	all := s.Machines()
	if pageSize <= 0 {
		pageSize = 10
	}
	totalPages := (len(all) + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, totalPages
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], totalPages
}

// Critical returns machines above the trigger threshold, most
// triggers first.
func (s *Store) Critical(minTriggers int) []models.MachineRecord {
	all := s.Machines()
	out := all[:0]
	for _, m := range all {
		if m.Triggers > minTriggers {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Triggers > out[j].Triggers })
	return out
}

// Get returns the record for one IP.
func (s *Store) Get(ip string) (models.MachineRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[ip]
	return m, ok
}

// Len returns the number of tracked machines.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.machines)
}

// Replace swaps the whole store for records fetched out-of-band (the
// REST refresh path) and clears the loading flag.
func (s *Store) Replace(records []models.MachineRecord) {
	next := make(map[string]models.MachineRecord, len(records))
	for _, r := range records {
		next[r.IP] = r
	}

	s.mu.Lock()
	s.machines = next
	s.loading = false
	s.mu.Unlock()
}

// Clear empties the store without touching the loading flag.
func (s *Store) Clear() {
	s.mu.Lock()
	s.machines = make(map[string]models.MachineRecord)
	s.mu.Unlock()
}

// Loading reports whether the store is still waiting for its first
// snapshot.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// SetLoading flips the loading flag; manual refresh sets it back to
// true until the next snapshot lands.
func (s *Store) SetLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

// Stats returns the last server-pushed KPI aggregate.
func (s *Store) Stats() models.DashboardStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// DeriveKPI computes KPI numbers from the non-Ended records: total
// affected users and how many machines have each threshold tripped.
// This is the locally-consistent fallback for a stale or missing
// dashboard_stats aggregate.
func (s *Store) DeriveKPI() models.DashboardStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var kpi models.DashboardStats
	for _, m := range s.machines {
		if m.Status == models.StatusEnded {
			continue
		}
		kpi.UsersAffecting += m.Users
		if m.CPU {
			kpi.CPUTriggers++
		}
		if m.RAM {
			kpi.RAMTriggers++
		}
	}
	return kpi
}
