// Package transform normalizes loosely-typed backend payloads into
// strictly-typed records. Every field has a defaulting rule; nothing
// in here panics on missing or mistyped input.
package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"argus/internal/models"
)

// SafeInt coerces a decoded JSON value to an int, returning fallback
// when the value is absent or unparseable.
func SafeInt(value interface{}, fallback int) int {
	switch v := value.(type) {
	case nil:
		return fallback
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fallback
		}
		return n
	default:
		return fallback
	}
}

// SafeFloat coerces a decoded JSON value to a float64, returning
// fallback when the value is absent or unparseable.
func SafeFloat(value interface{}, fallback float64) float64 {
	switch v := value.(type) {
	case nil:
		return fallback
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fallback
		}
		return f
	default:
		return fallback
	}
}

// SafeBool coerces a decoded JSON value to a bool. Nil is false,
// strings compare case-insensitively against "true", and numbers are
// true when non-zero.
func SafeBool(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

// SafeString returns the value as a string, or fallback when absent
// or not a string.
func SafeString(value interface{}, fallback string) string {
	if s, ok := value.(string); ok && s != "" {
		return s
	}
	return fallback
}

// MapStatus maps a raw backend status string onto the fixed
// enumeration. Anything unrecognized (including missing) maps to
// Ongoing: a record is assumed active unless explicitly marked
// otherwise.
func MapStatus(raw string) models.MachineStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running", "active":
		return models.StatusOngoing
	case "warning", "degraded":
		return models.StatusWarning
	case "critical", "error", "failed":
		return models.StatusCritical
	case "stopped", "inactive":
		return models.StatusEnded
	default:
		return models.StatusOngoing
	}
}

// BytesToGB converts a byte count to a gigabyte string with two
// decimals. Negative input clamps to zero.
func BytesToGB(bytes float64) string {
	if bytes <= 0 {
		return "0.00"
	}
	return fmt.Sprintf("%.2f", bytes/(1<<30))
}

// Machine normalizes one raw machine payload. Returns ok=false only
// for a nil payload.
func Machine(raw map[string]interface{}) (models.MachineRecord, bool) {
	if raw == nil {
		return models.MachineRecord{}, false
	}

	now := time.Now().UTC()

	triggers := SafeInt(raw["triggers"], 0)
	if triggers == 0 {
		triggers = SafeInt(raw["trigger_count"], 0)
	}

	triggerType := SafeString(raw["trigger_type"], "unknown")

	lastSeen := parseTime(raw["last_seen"])
	if lastSeen.IsZero() {
		lastSeen = parseTime(raw["updated_at"])
	}
	if lastSeen.IsZero() {
		lastSeen = now
	}

	createdAt := parseTime(raw["created_at"])
	if createdAt.IsZero() {
		createdAt = now
	}

	rec := models.MachineRecord{
		IP:          SafeString(raw["ip"], "N/A"),
		Status:      MapStatus(SafeString(raw["status"], "")),
		Users:       SafeInt(raw["users"], 0),
		Triggers:    triggers,
		CPU:         SafeBool(raw["cpu"]),
		RAM:         SafeBool(raw["ram"]),
		Storage:     SafeBool(raw["storage"]),
		TriggerType: triggerType,
		UUID:        SafeString(raw["uuid"], ""),
		CreatedAt:   createdAt,
		StartTime:   SafeString(raw["start_time"], ""),
		LastSeen:    lastSeen,
		Duration:    SafeFloat(raw["duration"], 0),
		Stopped:     triggerType == "machine_stopped",
	}

	if end := parseTime(raw["end_time"]); !end.IsZero() {
		rec.EndTime = &end
	}

	return rec, true
}

// Storage normalizes one raw storage snapshot. Returns ok=false only
// for a nil payload.
func Storage(raw map[string]interface{}) (models.StorageAlert, bool) {
	if raw == nil {
		return models.StorageAlert{}, false
	}

	ts := parseTime(raw["timestamp"])
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return models.StorageAlert{
		IP:           SafeString(raw["ip"], "N/A"),
		Timestamp:    ts,
		TotalSpace:   BytesToGB(SafeFloat(raw["totalsizebytes"], 0)),
		UsedSpace:    BytesToGB(SafeFloat(raw["usedspacebytes"], 0)),
		FreeSpace:    BytesToGB(SafeFloat(raw["freespacebytes"], 0)),
		UsedPercent:  SafeFloat(raw["usedpercent"], 0),
		ComputerName: SafeString(raw["computername"], "Unknown"),
	}, true
}

// parseTime accepts the timestamp formats the backend is known to
// emit and returns the zero time for anything else.
func parseTime(value interface{}) time.Time {
	s, ok := value.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
