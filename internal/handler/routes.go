package handler

import "net/http"

// RegisterRoutes registers all HTTP routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Sandbox lifecycle API
	mux.HandleFunc("POST /api/servers", h.CreateServer)
	mux.HandleFunc("GET /api/servers", h.ListServers)
	mux.HandleFunc("GET /api/servers/status", h.GetServerStatus)
	mux.HandleFunc("GET /api/servers/logs", h.GetServerLogs)
	mux.HandleFunc("DELETE /api/servers", h.StopServer)

	// Shareable preview links
	mux.HandleFunc("POST /api/preview-links", h.CreatePreviewLink)
	mux.HandleFunc("GET /preview/{id}", h.HandoffPage)

	// Ops
	mux.HandleFunc("GET /healthz", h.Health)
}
