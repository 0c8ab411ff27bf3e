package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/portfolio-authz/pkg/audit"
	"github.com/platinummonkey/portfolio-authz/pkg/httputil"
	"github.com/platinummonkey/portfolio-authz/pkg/middleware"
	"github.com/platinummonkey/portfolio-authz/pkg/observability"
	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

// maxBodyBytes caps request bodies; property access maps are the largest
const maxBodyBytes = 1 << 20

// Dependencies are the services the HTTP API exposes
type Dependencies struct {
	Authorizer  *rbac.Authorizer
	Memberships *rbac.MembershipService
	Properties  *rbac.PropertyService
	AuditReader *audit.Reader
	// Queries resolves target memberships for ad-hoc authorization checks
	Queries rbac.Queries
	// RateLimiter, when set, limits requests per acting user
	RateLimiter middleware.Limiter
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// Server serves the portfolio authorization API
type Server struct {
	router      *mux.Router
	authorizer  *rbac.Authorizer
	memberships *rbac.MembershipService
	properties  *rbac.PropertyService
	auditReader *audit.Reader
	queries     rbac.Queries
	limiter     middleware.Limiter
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewServer creates the API server and registers its routes
func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &Server{
		router:      mux.NewRouter(),
		authorizer:  deps.Authorizer,
		memberships: deps.Memberships,
		properties:  deps.Properties,
		auditReader: deps.AuditReader,
		queries:     deps.Queries,
		limiter:     deps.RateLimiter,
		logger:      logger,
		metrics:     deps.Metrics,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(maxBodyBytes),
		routeSpanMiddleware,
		ActorMiddleware,
	)
	if s.limiter != nil {
		s.router.Use(middleware.RateLimit(s.limiter, s.logger, s.metrics))
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "route not found")
	})

	// Portfolios
	s.router.HandleFunc("/portfolios", s.createPortfolio).Methods("POST")
	s.router.HandleFunc("/portfolios/{id}/permissions", s.getPortfolioPermissions).Methods("GET")
	s.router.HandleFunc("/portfolios/{id}/authorize", s.authorize).Methods("POST")

	// Properties
	s.router.HandleFunc("/portfolios/{id}/properties", s.listProperties).Methods("GET")
	s.router.HandleFunc("/portfolios/{id}/properties", s.createProperty).Methods("POST")
	s.router.HandleFunc("/portfolios/{id}/properties/{pid}", s.deleteProperty).Methods("DELETE")
	s.router.HandleFunc("/portfolios/{id}/properties/{pid}/permissions", s.getPropertyPermissions).Methods("GET")

	// Members
	s.router.HandleFunc("/portfolios/{id}/members", s.listMembers).Methods("GET")
	s.router.HandleFunc("/portfolios/{id}/members/{uid}/role", s.changeMemberRole).Methods("PUT")
	s.router.HandleFunc("/portfolios/{id}/members/{uid}/property-access", s.updatePropertyAccess).Methods("PUT")
	s.router.HandleFunc("/portfolios/{id}/members/{uid}", s.removeMember).Methods("DELETE")
	s.router.HandleFunc("/portfolios/{id}/leave", s.leavePortfolio).Methods("POST")
	s.router.HandleFunc("/portfolios/{id}/transfer-ownership", s.transferOwnership).Methods("POST")

	// Invitations
	s.router.HandleFunc("/portfolios/{id}/invitations", s.inviteMember).Methods("POST")
	s.router.HandleFunc("/invitations/{token}/accept", s.acceptInvitation).Methods("POST")

	// Audit
	s.router.HandleFunc("/portfolios/{id}/audit", s.listAudit).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the server wrapped in OpenTelemetry HTTP instrumentation
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s, "portfolio-authz")
}

// NewOpsRouter serves liveness, readiness and Prometheus metrics on the
// separate health port
func NewOpsRouter(health *observability.HealthChecker, metrics *observability.Metrics) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", health.Liveness).Methods("GET")
	r.HandleFunc("/readyz", health.Readiness).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler()).Methods("GET")
	}
	return r
}
