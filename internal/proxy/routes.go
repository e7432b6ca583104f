package proxy

import (
	"log/slog"
	"net/http"

	"github.com/felixge/fgprof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RoutesOptions controls which auxiliary endpoints Routes mounts alongside
// the v2 surface.
type RoutesOptions struct {
	// MetricsRegisterer, when non-nil, mounts a Prometheus /metrics handler
	// scraping this registerer's gatherer.
	MetricsRegisterer *prometheus.Registry
	// EnableProfiling mounts fgprof's continuous-profiling endpoint.
	EnableProfiling bool
}

// Routes builds the top-level mux: the v2 registry surface wrapped in
// request-id/logging/recovery middleware, plus optional /metrics and
// /debug/fgprof endpoints for operators.
func Routes(h *Handler, logger *slog.Logger, opts RoutesOptions) http.Handler {
	mux := http.NewServeMux()

	v2 := RequestID(AccessLog(logger, Recover(logger, h)))
	mux.Handle("/v2/", v2)
	mux.Handle("/v2", v2)

	if opts.MetricsRegisterer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.MetricsRegisterer, promhttp.HandlerOpts{}))
	}
	if opts.EnableProfiling {
		mux.Handle("/debug/fgprof", fgprof.Handler())
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
