package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/applyflow/applyflow/internal/metrics"
	"github.com/applyflow/applyflow/internal/ratelimit"
	"github.com/applyflow/applyflow/internal/ws"
)

// SetupRoutes configures all HTTP routes.
func (h *Handler) SetupRoutes(profileHandler *ProfileHandler, wsServer *ws.Server, rateLimiter *ratelimit.Limiter, rateLimitPerHour int, logger zerolog.Logger) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Mutating session endpoints are rate limited.
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter, rateLimitPerHour))
	limited.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	limited.HandleFunc("/sessions/cleanup", h.CleanupSessions).Methods("POST")
	limited.HandleFunc("/sessions/{id}/start", h.StartSession).Methods("POST")
	limited.HandleFunc("/sessions/{id}/stop", h.StopSession).Methods("POST")
	limited.HandleFunc("/batches", h.CreateBatch).Methods("POST")
	limited.HandleFunc("/monitors", h.RegisterMonitor).Methods("POST")

	// Read endpoints are polled frequently and stay unlimited.
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/screenshot", h.GetSessionScreenshot).Methods("GET")
	api.HandleFunc("/sessions/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		wsServer.HandleSession(w, r, mux.Vars(r)["id"])
	}).Methods("GET")

	api.HandleFunc("/batches/{id}", h.GetBatch).Methods("GET")

	api.HandleFunc("/monitors", h.ListMonitors).Methods("GET")
	api.HandleFunc("/monitors/{id}", h.DeleteMonitor).Methods("DELETE")

	api.HandleFunc("/profiles", profileHandler.CreateProfile).Methods("POST")
	api.HandleFunc("/profiles", profileHandler.ListProfiles).Methods("GET")
	api.HandleFunc("/profiles/{id}", profileHandler.GetProfile).Methods("GET")
	api.HandleFunc("/profiles/{id}", profileHandler.DeleteProfile).Methods("DELETE")

	r.Use(corsMiddleware)
	r.Use(LoggingMiddleware(logger))

	return r
}

// corsMiddleware adds CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
