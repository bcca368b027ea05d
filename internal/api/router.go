package api

import (
	"wikicollab/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, allowedOrigins []string) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)              // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware)        // Catch panics
	r.Use(middleware.CORSMiddleware(allowedOrigins)) // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Health check endpoint
	api.HandleFunc("/health", h.Health).Methods("GET")

	// Collaboration admin endpoints
	admin := api.PathPrefix("/documents/{id}/collaboration").Subrouter()
	admin.Use(h.RequireDocumentAdmin)
	admin.HandleFunc("", h.GetCollaborationStats).Methods("GET")
	admin.HandleFunc("/flush", h.FlushDocument).Methods("POST")
	admin.HandleFunc("/sessions/{userID}", h.KickUser).Methods("DELETE")

	// WebSocket routes
	r.HandleFunc("/ws/documents/{id}", h.HandleDocumentWebSocket)

	return r
}
