package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pitabwire/automata/internal/engine"
	"github.com/pitabwire/automata/internal/rules"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Rules          *rules.Service
	Engine         *engine.Engine
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewRouter creates a chi.Router exposing the admin API. All rule and log
// routes are tenant-scoped through the path. Authentication is expected to
// happen upstream; the engine runs behind the platform's API gateway.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/action-schemas", handleActionSchemas(deps.Rules))
		r.Post("/mutations", handleMutation(deps.Engine))

		// Retention cleanup spans all tenants; it sits outside the tenant
		// subtree so the path never implies per-tenant isolation.
		r.Delete("/execution-logs", handlePurgeLogs(deps.Rules))

		r.Route("/tenants/{tenantId}", func(r chi.Router) {
			r.Post("/rules", handleCreateRule(deps.Rules))
			r.Get("/rules/{ruleId}", handleGetRule(deps.Rules))
			r.Put("/rules/{ruleId}", handleUpdateRule(deps.Rules))
			r.Delete("/rules/{ruleId}", handleDeleteRule(deps.Rules))
			r.Get("/rules/{ruleId}/versions", handleRuleVersions(deps.Rules))
			r.Post("/rules/{ruleId}/run", handleManualRun(deps.Engine))

			r.Get("/execution-logs", handleExecutionLogs(deps.Rules))
			r.Get("/execution-logs/{logId}/actions", handleActionLogs(deps.Rules))
		})
	})

	return r
}
