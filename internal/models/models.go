package models

import (
	"encoding/json"
	"time"
)

// MachineStatus is the normalized lifecycle state of a monitored machine.
type MachineStatus string

const (
	StatusOngoing  MachineStatus = "Ongoing"
	StatusWarning  MachineStatus = "Warning"
	StatusCritical MachineStatus = "Critical"
	StatusEnded    MachineStatus = "Ended"
)

// MachineRecord is the latest known state of one monitored host,
// keyed by IP within a store.
type MachineRecord struct {
	IP          string        `json:"ip"`
	Status      MachineStatus `json:"status"`
	Users       int           `json:"users"`
	Triggers    int           `json:"triggers"`
	CPU         bool          `json:"cpu"`
	RAM         bool          `json:"ram"`
	Storage     bool          `json:"storage"`
	TriggerType string        `json:"trigger_type"`
	UUID        string        `json:"uuid,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartTime   string        `json:"start_time,omitempty"`
	LastSeen    time.Time     `json:"last_seen"`
	Duration    float64       `json:"duration,omitempty"`
	EndTime     *time.Time    `json:"end_time,omitempty"`
	Stopped     bool          `json:"stopped"`
}

// System reports whether the record describes a system-level event,
// i.e. one with no logged-in users behind it.
func (m MachineRecord) System() bool {
	return m.Users == 0
}

// StorageAlert is one storage snapshot for a host. Space figures are
// pre-formatted gigabyte strings with two decimals, matching how the
// backend's byte counts are presented.
type StorageAlert struct {
	IP           string    `json:"ip"`
	Timestamp    time.Time `json:"timestamp"`
	TotalSpace   string    `json:"total_space_gb"`
	UsedSpace    string    `json:"used_space_gb"`
	FreeSpace    string    `json:"free_space_gb"`
	UsedPercent  float64   `json:"used_percent"`
	ComputerName string    `json:"computer_name"`
}

// DashboardStats holds the KPI aggregates shown on the dashboard.
// Server-pushed values take precedence; locally derived values fill in
// whenever the aggregate event has not arrived yet.
type DashboardStats struct {
	UsersAffecting int `json:"users_affecting"`
	CPUTriggers    int `json:"cpu_triggers"`
	RAMTriggers    int `json:"ram_triggers"`
	StorageAlerts  int `json:"storage_alerts"`
}

// StreamEvent is the envelope of one SSE message from the backend.
// Data is left raw; its shape depends on Type (a list for
// initial_state, a single record for machine_* events, aggregate
// counts for dashboard_stats).
type StreamEvent struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Source  string          `json:"source,omitempty"`
}

// PushFrame is the wire format for messages re-broadcast to local
// dashboard clients over SSE or WebSocket.
type PushFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Pagination describes a paginated backend response.
type Pagination struct {
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

// Config holds daemon configuration.
type Config struct {
	BackendURL string
	Port       string
	DBPath     string
	ExportDir  string
	NotifyURLs []string
}
