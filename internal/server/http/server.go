// Package httpserver exposes the reader validation endpoint and the
// account-holder API over HTTP.
package httpserver

import (
	"net"
	"net/http"
	"strings"

	"github.com/and161185/tapledger/internal/metrics"
	"github.com/and161185/tapledger/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server wires services into HTTP handlers.
type Server struct {
	tokens service.TokenAuthority
	ledger service.LedgerService
	points service.PointRegistry

	signKey        []byte
	trustProxy     bool
	allowedOrigins []string

	log      *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	validate *validator.Validate
}

// Options carries transport settings.
type Options struct {
	SignKey        []byte
	TrustProxy     bool
	AllowedOrigins []string
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// New constructs an HTTP server with injected services.
func New(
	tokens service.TokenAuthority,
	ledger service.LedgerService,
	points service.PointRegistry,
	opt Options,
	log *zap.Logger,
	m *metrics.Metrics,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		tokens:         tokens,
		ledger:         ledger,
		points:         points,
		signKey:        opt.SignKey,
		trustProxy:     opt.TrustProxy,
		allowedOrigins: opt.AllowedOrigins,
		log:            log,
		metrics:        m,
		gatherer:       opt.Gatherer,
		validate:       validator.New(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Logging(s.log, s.metrics))
	r.Use(Recover(s.log))
	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", DeviceHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.health)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/validate", s.validateToken)

		r.Get("/dispensing-points", s.listPoints)
		r.Get("/dispensing-points/{id}", s.pointStatus)

		r.Group(func(r chi.Router) {
			r.Use(RequireAccount(s.signKey))
			r.Post("/tokens", s.issueToken)
			r.Post("/credits", s.credit)
			r.Get("/balance", s.balance)
			r.Get("/transactions", s.transactions)
			r.Get("/summary", s.summary)
		})
	})
	return r
}

// clientAddress returns the caller's IP. Forwarding headers are honoured only
// behind a trusted proxy.
func (s *Server) clientAddress(r *http.Request) string {
	if s.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
