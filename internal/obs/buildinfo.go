package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo is a constant 1 gauge labelled with version data.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pseudomat_build_info",
			Help: "Pseudomat registry build information.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

var current = BuildInfo{Version: "dev", Commit: "none", GoVersion: runtime.Version()}

// InitBuildInfo registers pseudomat_build_info once and records the values
// returned later by CurrentBuild.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if version != "" {
		current.Version = version
	}
	if commit != "" {
		current.Commit = commit
	}
	buildInfo.WithLabelValues(current.Version, current.Commit, current.GoVersion).Set(1)
}

// CurrentBuild returns the build information set by InitBuildInfo.
func CurrentBuild() BuildInfo {
	return current
}
