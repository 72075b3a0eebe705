package handler

import (
	"encoding/json"
	"net/http"

	"github.com/samber/lo"

	"github.com/appdraft/preview-api/internal/apperrs"
	"github.com/appdraft/preview-api/internal/lifecycle"
	"github.com/appdraft/preview-api/internal/preview"
	"github.com/appdraft/preview-api/internal/sandbox"
)

// serverPayload is a ServerInstance plus the derived QR image address.
type serverPayload struct {
	lifecycle.ServerInstance
	QRCodeURL string `json:"qrCodeUrl,omitempty"`
}

func toPayload(inst lifecycle.ServerInstance) serverPayload {
	return serverPayload{ServerInstance: inst, QRCodeURL: qrCodeURL(inst)}
}

// qrCodeURL picks the most shareable address for the QR image: the tunnel
// if present, then the web preview, then the device URL.
func qrCodeURL(inst lifecycle.ServerInstance) string {
	for _, u := range []string{inst.TunnelURL, inst.WebURL, inst.ExpURL} {
		if u != "" {
			return preview.QRCodeURL(u)
		}
	}
	return ""
}

// CreateServer accepts a project's generated files and kicks off sandbox
// provisioning in the background. The response carries the starting entry;
// clients poll GetServerStatus until it turns ready or error.
func (h *Handler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string         `json:"projectId"`
		Files     []sandbox.File `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, apperrs.Client(apperrs.CodeInvalidInput, "invalid request body"))
		return
	}
	if req.ProjectID == "" {
		h.respondError(w, r, apperrs.Client(apperrs.CodeInvalidInput, "projectId is required"))
		return
	}

	inst, err := h.manager.CreateServer(r.Context(), req.ProjectID, req.Files)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, success(map[string]any{"server": toPayload(*inst)}))
}

// GetServerStatus reports the instance for a project. A project without an
// instance answers status=stopped rather than an error.
func (h *Handler) GetServerStatus(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		h.respondError(w, r, apperrs.Client(apperrs.CodeInvalidInput, "projectId is required"))
		return
	}

	inst := h.manager.GetServer(projectID)
	if inst.Status == lifecycle.StatusStopped {
		respondJSON(w, http.StatusOK, success(map[string]any{
			"server": map[string]string{"status": lifecycle.StatusStopped},
		}))
		return
	}

	respondJSON(w, http.StatusOK, success(map[string]any{"server": toPayload(inst)}))
}

// ListServers returns a snapshot of every registered instance.
func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	servers := lo.Map(h.manager.GetActiveInstances(), func(inst lifecycle.ServerInstance, _ int) serverPayload {
		return toPayload(inst)
	})
	respondJSON(w, http.StatusOK, success(map[string]any{"servers": servers}))
}

// StopServer tears down a project's sandbox.
func (h *Handler) StopServer(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		h.respondError(w, r, apperrs.Client(apperrs.CodeInvalidInput, "projectId is required"))
		return
	}

	if err := h.manager.StopServer(r.Context(), projectID); err != nil {
		h.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, success(nil))
}

// GetServerLogs tails the dev server log of a ready instance.
func (h *Handler) GetServerLogs(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		h.respondError(w, r, apperrs.Client(apperrs.CodeInvalidInput, "projectId is required"))
		return
	}

	logs, err := h.manager.GetLogs(r.Context(), projectID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, success(map[string]any{"logs": logs}))
}
