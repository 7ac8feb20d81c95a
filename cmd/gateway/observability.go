package main

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newObservabilityServer builds the gateway's own HTTP surface: /healthz
// (liveness: reports the Entity Manager's control-plane/bus dispatch loop
// is still running) and /metrics (Prometheus), per SPEC_FULL.md §6.3.
// Modeled on glennswest-ipmiserial/server/server.go's gorilla/mux router,
// stripped to the two routes this gateway actually needs.
func newObservabilityServer(port int, healthy *atomic.Bool) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", handleHealthz(healthy)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func handleHealthz(healthy *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("manager stopped"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
