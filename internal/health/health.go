// Package health provides the /healthz handler for `vmrunner serve`.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/vmrunner/internal/buildinfo"
	"github.com/terrpan/vmrunner/internal/supervisor"
)

// Response represents the health check response body.
type Response struct {
	Status       string                    `json:"status"`
	ServiceName  string                    `json:"service_name"`
	Version      string                    `json:"version"`
	Commit       string                    `json:"commit"`
	BuildTime    string                    `json:"build_time"`
	GoVersion    string                    `json:"go_version"`
	OS           string                    `json:"os"`
	Architecture string                    `json:"architecture"`
	Scope        string                    `json:"scope"`
	Targets      []supervisor.TargetStatus `json:"targets"`
	Timestamp    time.Time                 `json:"timestamp"`
}

// StatusFunc reports the watched targets.
type StatusFunc func() []supervisor.TargetStatus

// Handler responds to health check requests with build info, the runner
// scope and the state of every target.  It is a liveness check: the
// status is always "healthy" (200 OK), even while targets are failing.
func Handler(scope string, status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targets := []supervisor.TargetStatus{}
		if status != nil {
			if st := status(); st != nil {
				targets = st
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		_ = json.NewEncoder(w).Encode(Response{
			Status:       "healthy",
			ServiceName:  "vmrunner",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Scope:        scope,
			Targets:      targets,
			Timestamp:    time.Now().UTC(),
		})
	}
}
