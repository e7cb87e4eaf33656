package handlers

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"statsfutbol.app/cloud/internal/activation"
	"statsfutbol.app/cloud/internal/billing"
	"statsfutbol.app/cloud/internal/checkout"
	"statsfutbol.app/cloud/internal/logger"
	"statsfutbol.app/cloud/internal/ratelimit"
	"statsfutbol.app/cloud/internal/resolver"
	"statsfutbol.app/cloud/storage"
)

// UserIDHeader carries the caller identity set by the authenticating gateway.
const UserIDHeader = "X-User-ID"

type CheckoutInitiator interface {
	CreateCheckoutSession(ctx context.Context, req checkout.Request) (*checkout.Session, error)
	CreatePortalSession(ctx context.Context, licenseID, returnURL string) (string, error)
}

type Dependencies struct {
	Storage        storage.Storage
	Reconciler     *billing.Reconciler
	Checkout       CheckoutInitiator
	Activator      *activation.Activator
	Resolver       *resolver.Resolver
	RateLimiter    ratelimit.Limiter
	AllowedOrigins []string
	Version        string
}

type Server struct {
	Router      chi.Router
	Storage     storage.Storage
	Reconciler  *billing.Reconciler
	Checkout    CheckoutInitiator
	Activator   *activation.Activator
	Resolver    *resolver.Resolver
	RateLimiter ratelimit.Limiter
	Version     string
}

func NewHttpServer(deps Dependencies) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		Storage:     deps.Storage,
		Reconciler:  deps.Reconciler,
		Checkout:    deps.Checkout,
		Activator:   deps.Activator,
		Resolver:    deps.Resolver,
		RateLimiter: deps.RateLimiter,
		Version:     deps.Version,
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", UserIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/stripe", s.Stripe)
		r.Post("/checkout/sessions", s.CreateCheckoutSession)
		r.Post("/billing/portal", s.CreatePortalSession)
		r.Get("/me/entitlements", s.Entitlements)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/licenses/validate", s.ValidateLicense)
			r.Post("/licenses/redeem", s.RedeemLicense)
		})
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := HealthResponse{Status: "ok", Version: s.Version, Timestamp: time.Now().UTC()}
	if err := s.Storage.Ping(ctx); err != nil {
		logger.Error("Health check failed", map[string]interface{}{
			"error": err.Error(),
		})
		status = http.StatusServiceUnavailable
		resp.Status = "unavailable"
	}

	writeJSON(w, status, resp)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter != nil && !s.RateLimiter.Allow(r.Context(), clientIP(r)) {
			logger.Warn("Rate limit exceeded", map[string]interface{}{
				"remote_addr": r.RemoteAddr,
				"path":        r.URL.Path,
			})
			writeErrorResponse(w, http.StatusTooManyRequests, "Demasiados intentos. Inténtalo más tarde.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func userID(r *http.Request) string {
	return r.Header.Get(UserIDHeader)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
