package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newAdminServer builds the read-only admin HTTP surface: a JSON session
// snapshot, a scan trigger, and the Prometheus metrics endpoint.
func newAdminServer(addr string, b *bridge, reg *prometheus.Registry) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/session", func(w http.ResponseWriter, req *http.Request) {
		snap := b.orch.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	})

	r.Post("/scan", func(w http.ResponseWriter, req *http.Request) {
		res := b.orch.Scan(nil, 32)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Count int `json:"count"`
		}{Count: len(res.Networks)})
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{Addr: addr, Handler: r}
}
