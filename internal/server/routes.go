package server

import (
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/bastion/internal/api/v1"
)

func registerHealthRoutes(r chi.Router, ready map[string]Pinger) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		deps := readiness(req.Context(), ready)
		status := http.StatusOK
		for _, v := range deps {
			if v != "ok" {
				status = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": http.StatusText(status), "dependencies": deps})
	})
}

func registerAdminRoutes(r chi.Router, deps Deps) {
	apiConfig := huma.DefaultConfig("Bastion Admin API", "1.0.0")
	apiConfig.Servers = []*huma.Server{
		{URL: "/admin/api/v1"},
	}
	api := humachi.New(r, apiConfig)

	v1.RegisterAuditRoutes(api, deps.Audit)
	v1.RegisterSecurityRoutes(api, v1.SecurityDeps{
		Threats:   deps.Threats,
		Circuits:  deps.Guard.Breaker(),
		Limiter:   deps.Limiter,
		Audit:     deps.Audit,
		Decisions: deps.Decisions,
		Announce:  deps.Announce,
		Events:    deps.Events,
	})
}
