package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/seqora/cadence/internal/approval"
	"github.com/seqora/cadence/internal/config"
	"github.com/seqora/cadence/internal/events"
	"github.com/seqora/cadence/internal/observability"
	"github.com/seqora/cadence/internal/orchestrator"
	"github.com/seqora/cadence/internal/persist"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Orchestrator *orchestrator.Orchestrator
	Approvals    *approval.Registry
	Persist      *persist.Service
	Broker       *events.Broker
	Ready        observability.ReadinessChecks

	// Authenticate is the auth middleware. Nil means no authentication,
	// used in tests and when auth is disabled in config.
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Ready))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/v1/workflows", func(r chi.Router) {
			r.Post("/", handleWorkflowStart(deps.Orchestrator))
			r.Get("/", handleWorkflowList(deps.Persist))
			r.Get("/active", handleWorkflowActive(deps.Orchestrator))
			r.Get("/stats", handleWorkflowStats(deps.Orchestrator))
			r.Get("/{workflowId}", handleWorkflowStatus(deps.Orchestrator))
			r.Post("/{workflowId}/pause", handleWorkflowPause(deps.Orchestrator))
			r.Post("/{workflowId}/resume", handleWorkflowResume(deps.Orchestrator))
			r.Post("/{workflowId}/retry", handleWorkflowRetry(deps.Orchestrator))
			r.Post("/{workflowId}/cancel", handleWorkflowCancel(deps.Orchestrator))
		})

		r.Route("/v1/approvals", func(r chi.Router) {
			r.Post("/", handleApprovalRequest(deps.Approvals))
			r.Get("/", handleApprovalList(deps.Approvals))
			r.Get("/{approvalId}", handleApprovalGet(deps.Approvals))
			r.Post("/{approvalId}/decide", handleApprovalDecide(deps.Approvals))
			r.Post("/{approvalId}/cancel", handleApprovalCancel(deps.Approvals))
		})

		r.Get("/v1/events", handleEvents(deps.Broker, logger))
	})

	return r
}
