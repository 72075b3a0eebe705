package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/appdraft/preview-api/internal/appctx"
	"github.com/appdraft/preview-api/internal/apperrs"
)

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// success wraps payload fields in the success envelope.
func success(fields map[string]any) map[string]any {
	body := map[string]any{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	return body
}

func failure(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

// respondError maps an error to the failure envelope. Client errors carry
// their message to the caller; everything else logs its detail and answers
// with a generic message.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrs.Error
	if errors.As(err, &appErr) {
		if appErr.Kind == apperrs.KindClient {
			respondJSON(w, clientStatus(appErr.Code), failure(appErr.Msg))
			return
		}
		appctx.GetLogger(r.Context()).Error("request failed", "code", appErr.Code, "error", err)
		respondJSON(w, http.StatusInternalServerError, failure(appErr.Msg))
		return
	}

	appctx.GetLogger(r.Context()).Error("request failed", "error", err)
	respondJSON(w, http.StatusInternalServerError, failure("internal server error"))
}

func clientStatus(code string) int {
	switch code {
	case apperrs.CodeNotFound:
		return http.StatusNotFound
	case apperrs.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
