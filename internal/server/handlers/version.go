package handlers

import "net/http"

// Build metadata, injected at link time via -ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// VersionInfo reports build metadata.
func VersionInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"commit":     Commit,
		"build_date": BuildDate,
	})
}
