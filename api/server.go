/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the gateway
  3. Logger:     Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin UI

ROUTE GROUPS:
  /api/tiers/*      Tier catalog
  /api/users/*      Storefront read API
  /api/admin/*      Admin writes
  /api/orders/*     Order pipeline payment events
  /api/products/*   Product reward eligibility
  /api/scenarios/*  Demo data
  /healthz          Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/tiers", func(r chi.Router) {
			r.Get("/", h.ListTiers)
			r.Post("/", h.CreateTier)
			r.Get("/{id}", h.GetTier)
			r.Patch("/{id}", h.UpdateTier)
			r.Delete("/{id}", h.DeleteTier)
			r.Get("/{id}/users", h.ListTierUsers)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/top", h.TopCustomers)
			r.Get("/vip", h.VIPUsers)
			r.Get("/{id}", h.GetUserRewards)
			r.Get("/{id}/benefits", h.GetBenefits)
			r.Get("/{id}/points", h.GetPoints)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/discount", h.GetDiscount)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reevaluate", h.ReevaluateAll)
			r.Route("/users/{id}", func(r chi.Router) {
				r.Post("/points", h.AddPoints)
				r.Put("/tier", h.AssignTier)
				r.Put("/vip", h.SetVIP)
				r.Put("/free-shipping", h.SetFreeShipping)
				r.Post("/reevaluate", h.ReevaluateUser)
			})
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/paid", h.OrderPaid)
			r.Post("/refunded", h.OrderRefunded)
		})

		r.Put("/products/{id}", h.SetProduct)

		// Demo scenarios
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one structured line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
