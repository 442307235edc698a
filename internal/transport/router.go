package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pitabwire/assent/internal/analytics"
	"github.com/pitabwire/assent/internal/config"
	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/internal/identity"
	"github.com/pitabwire/assent/internal/observability"
	"github.com/pitabwire/assent/internal/routing"
	"github.com/pitabwire/assent/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Log          *zap.Logger
	Engine       *workflow.Engine
	Definitions  *definition.Store
	Routing      *routing.Engine
	Analytics    *analytics.Aggregator
	Directory    *identity.Directory
	Metrics      *observability.Metrics
	Ready        observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware, applied to all routes including health.
	r.Use(Recovery(deps.Log))
	r.Use(chimw.RealIP)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes for operational probes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Ready))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(BuildActorContext(deps.Directory))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Log))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/definitions", func(r chi.Router) {
			r.Get("/", handleDefinitionList(deps.Definitions))
			r.Get("/{definitionId}", handleDefinitionGet(deps.Definitions))

			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))
				r.Post("/", handleDefinitionPublish(deps.Definitions, deps.Metrics))
				r.Post("/{definitionId}/deactivate", handleDefinitionDeactivate(deps.Definitions))
			})
		})

		r.Route("/instances", func(r chi.Router) {
			r.Post("/", handleInstanceStart(deps.Engine))
			r.Get("/", handleInstanceList(deps.Engine, deps.Directory))
			r.Get("/{instanceId}", handleInstanceGet(deps.Engine, deps.Directory))
			r.Post("/{instanceId}/advance", handleInstanceAdvance(deps.Engine))
			r.Post("/{instanceId}/cancel", handleInstanceCancel(deps.Engine))
			r.Post("/{instanceId}/suspend", handleInstanceSuspend(deps.Engine))
			r.Post("/{instanceId}/resume", handleInstanceResume(deps.Engine))
			r.Post("/{instanceId}/reroute", handleInstanceReroute(deps.Engine))
			r.Get("/{instanceId}/actions", handleInstanceActions(deps.Engine))
			r.Get("/{instanceId}/history", handleInstanceHistory(deps.Engine))
		})

		r.Get("/history/actor/{actor}", handleActorHistory(deps.Engine))
		r.Get("/metrics/definitions/{definitionId}", handleDefinitionMetrics(deps.Analytics))

		r.Group(func(r chi.Router) {
			r.Use(RequireRole("admin"))
			r.Get("/routing/probe", handleRoutingProbe(deps.Definitions, deps.Routing))
		})
	})

	return r
}
