package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/lunapay/subs-api/pkg/middleware"
	"github.com/lunapay/subs-api/pkg/observability"
)

// SetupRouter configures all routes and returns the HTTP handler chain
func SetupRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	registerBillingRoutes(mux, deps)
	registerUtilityRoutes(mux, deps)

	var limiter *rate.Limiter
	if deps.Config.Server.RateLimitPerSecond > 0 && deps.Config.Server.RateLimitBurst > 0 {
		limiter = rate.NewLimiter(
			rate.Limit(float64(deps.Config.Server.RateLimitPerSecond)),
			deps.Config.Server.RateLimitBurst,
		)
	}

	// Middleware chain, outermost first.
	var handler http.Handler = mux
	handler = observability.NewMetricsMiddleware()(handler)
	handler = middleware.NewLoggingMiddleware(deps.Logger)(handler)
	handler = middleware.NewRateLimitMiddleware(limiter)(handler)
	handler = middleware.NewRecoveryMiddleware(deps.Logger)(handler)
	handler = middleware.NewRequestIDMiddleware("X-Request-ID")(handler)

	// Enable CORS for browser clients (local frontend, API explorers)
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{
			"http://localhost:3000",
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept-Encoding",
			"Content-Type",
			"X-Request-ID",
		},
		AllowCredentials: true,
	})

	return corsHandler.Handler(handler)
}

// registerBillingRoutes registers the billing API surface
func registerBillingRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("POST /v1/subscribe", deps.BillingHandler.Subscribe)
	mux.HandleFunc("GET /v1/plans", deps.BillingHandler.ListPlans)
	mux.HandleFunc("GET /v1/users/{email}/subscription", deps.BillingHandler.GetSubscription)
	mux.HandleFunc("GET /v1/users/{email}/transactions", deps.BillingHandler.GetTransactions)
	mux.HandleFunc("POST /v1/renewals/run", deps.BillingHandler.RunRenewals)

	deps.Logger.Info("billing routes configured")
}

// registerUtilityRoutes registers health check, metrics, and other utility routes
func registerUtilityRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.Health(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unhealthy"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	deps.Logger.Info("utility routes configured")
}
