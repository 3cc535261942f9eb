package config

import (
	"os"
	"strings"

	"argus/internal/models"
)

// Load returns the daemon configuration from environment variables
func Load() models.Config {
	return models.Config{
		BackendURL: getEnv("BACKEND_URL", "http://localhost:8080"),
		Port:       getEnv("PORT", "9070"),
		DBPath:     getEnv("DB_PATH", "argus.db"),
		ExportDir:  getEnv("EXPORT_DIR", "."),
		NotifyURLs: splitList(getEnv("NOTIFY_URLS", "")),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
