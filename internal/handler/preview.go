package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/appdraft/preview-api/internal/appctx"
	"github.com/appdraft/preview-api/internal/apperrs"
	"github.com/appdraft/preview-api/internal/preview"
)

// CreatePreviewLink issues a short-lived shareable link for a bundled app.
func (h *Handler) CreatePreviewLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		Code      string `json:"code"`
		ProjectID string `json:"projectId"`
		TTL       int    `json:"ttl"` // seconds
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, apperrs.Client(apperrs.CodeInvalidInput, "invalid request body"))
		return
	}
	if req.Name == "" || req.Code == "" {
		h.respondError(w, r, apperrs.Client(apperrs.CodeInvalidInput, "name and code are required"))
		return
	}

	ttl := time.Duration(req.TTL) * time.Second
	id := h.links.Issue(req.Name, req.Code, req.ProjectID, ttl)

	respondJSON(w, http.StatusOK, success(map[string]any{
		"id":  id,
		"url": h.config.Server.BaseURL("/preview/" + id),
	}))
}

// HandoffPage renders the device hand-off page behind a share link.
// Unknown and expired ids get the static expired page: share links are
// time-boxed, so expiry is an expected outcome rather than a fault.
func (h *Handler) HandoffPage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	entry, ok := h.links.Resolve(id)
	if !ok {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		if err := h.pages.RenderExpired(w); err != nil {
			appctx.GetLogger(r.Context()).Error("failed to render expired page", "error", err)
		}
		return
	}

	// Opening a link counts as a device hand-off on the issuing instance.
	if entry.ProjectID != "" {
		h.manager.RecordHandoff(entry.ProjectID, id)
	}

	handoffURL := preview.HandoffURL(h.handoff, entry.Name, entry.Code)
	data := preview.HandoffData{
		Name:       entry.Name,
		HandoffURL: handoffURL,
		QRCodeURL:  preview.QRCodeURL(handoffURL),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.pages.RenderHandoff(w, data); err != nil {
		appctx.GetLogger(r.Context()).Error("failed to render hand-off page", "error", err)
	}
}

// Health reports liveness and the size of the in-memory stores.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"servers":      h.manager.Len(),
		"cachedFiles":  h.files.Len(),
		"previewLinks": h.links.Len(),
	})
}
