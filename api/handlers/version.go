package handlers

import (
	"net/http"
)

var (
	// BuildVersion, BuildCommit, BuildDate are set from main via SetBuildInfo.
	BuildVersion = "dev"
	BuildCommit  = "none"
	BuildDate    = "unknown"
)

// SetBuildInfo sets the build info from ldflags values in main.
func SetBuildInfo(version, commit, date string) {
	BuildVersion = version
	BuildCommit = commit
	BuildDate = date
}

// VersionResponse contains the API build version and the target database.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Dialect string `json:"dialect,omitempty"`
}

// Version returns the current build version info.
func (a *API) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version: BuildVersion,
		Commit:  BuildCommit,
		Date:    BuildDate,
		Dialect: a.Dialect,
	})
}
