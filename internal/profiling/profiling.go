// Package profiling wires continuous, server-lifetime profiling into
// Cargo Bay when configured, streaming to a Pyroscope server rather than
// writing local pprof files (there's no natural "run end" for a daemon).
package profiling

import (
	"fmt"
	"os"

	"github.com/grafana/pyroscope-go"

	"github.com/cargobay/cargobay/internal/config"
)

// Handle stops a running profiler. Stop is safe to call on a nil Handle
// obtained from a disabled configuration.
type Handle struct {
	profiler *pyroscope.Profiler
}

// Start begins streaming CPU and memory profiles to cfg.PyroscopeURL. A
// zero-value ProfilingConfig (no URL configured) is a no-op returning a nil
// Handle.
func Start(cfg config.ProfilingConfig) (*Handle, error) {
	if cfg.PyroscopeURL == "" {
		return nil, nil
	}

	appName := cfg.ApplicationName
	if appName == "" {
		appName = "cargobay"
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   appName,
		ServerAddress:     cfg.PyroscopeURL,
		BasicAuthUser:     os.Getenv("PYROSCOPE_BASIC_AUTH_USER"),
		BasicAuthPassword: os.Getenv("PYROSCOPE_BASIC_AUTH_PASSWORD"),
		Logger:            pyroscope.StandardLogger,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope profiler: %w", err)
	}

	return &Handle{profiler: profiler}, nil
}

// Stop flushes and stops the profiler. No-op on a nil Handle.
func (h *Handle) Stop() error {
	if h == nil || h.profiler == nil {
		return nil
	}
	return h.profiler.Stop()
}
