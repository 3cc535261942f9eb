package notify

import (
	"fmt"
	"strings"

	"argus/internal/events"
)

// FromURLs builds destinations from configured Shoutrrr URLs. Each
// entry is either a bare URL or "min_severity|url", e.g.
// "critical|discord://token@channel". Bare URLs default to warning.
func FromURLs(urls []string) []Destination {
	var out []Destination
	for i, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		min := events.SeverityWarning
		if sev, rest, ok := strings.Cut(raw, "|"); ok {
			switch strings.ToLower(sev) {
			case "info":
				min = events.SeverityInfo
			case "warning":
				min = events.SeverityWarning
			case "critical":
				min = events.SeverityCritical
			default:
				// Not a severity prefix; treat the whole entry as a URL.
				rest = raw
			}
			raw = rest
		}

		out = append(out, Destination{
			Name:        destinationName(raw, i),
			ShoutrrrURL: raw,
			MinSeverity: min,
		})
	}
	return out
}

// destinationName derives a loggable label from the URL scheme without
// leaking tokens into logs.
func destinationName(url string, idx int) string {
	if scheme, _, ok := strings.Cut(url, "://"); ok && scheme != "" {
		return fmt.Sprintf("%s-%d", scheme, idx+1)
	}
	return fmt.Sprintf("destination-%d", idx+1)
}
