package api

import (
	"resume-collab/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	r.Use(middleware.CORSMiddleware)          // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Resume endpoints
	api.HandleFunc("/resumes/{id}/open", h.OpenResume).Methods("POST")
	api.HandleFunc("/resumes/{id}", h.GetResume).Methods("GET")
	api.HandleFunc("/resumes/{id}", h.CloseResume).Methods("DELETE")
	api.HandleFunc("/resumes/{id}/sections/{section}", h.UpdateSection).Methods("PATCH")
	api.HandleFunc("/resumes/{id}/order", h.UpdateOrder).Methods("PUT")
	api.HandleFunc("/resumes/{id}/visibility/{section}/toggle", h.ToggleVisibility).Methods("POST")
	api.HandleFunc("/resumes/{id}/sync", h.ManualSync).Methods("POST")

	// Collaboration endpoints
	api.HandleFunc("/resumes/{id}/share", h.StartSharing).Methods("POST")
	api.HandleFunc("/resumes/{id}/share", h.StopSharing).Methods("DELETE")
	api.HandleFunc("/resumes/{id}/join", h.JoinSession).Methods("POST")

	// Health check endpoint
	api.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket relay
	r.HandleFunc("/realtime", h.HandleRealtime)

	return r
}
