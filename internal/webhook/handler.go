package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Handler serves the inbound webhook endpoint.
type Handler struct {
	gate    *Gate
	router  *Router
	header  string
	maxBody int64
}

// NewHandler creates the HTTP handler. header names the signature header;
// bodies larger than maxBody bytes are rejected.
func NewHandler(gate *Gate, router *Router, header string, maxBody int64) *Handler {
	if header == "" {
		header = "openphone-signature"
	}
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{gate: gate, router: router, header: header, maxBody: maxBody}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}

	ev, err := h.gate.Open(body, r.Header.Get(h.header))
	if err != nil {
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			zap.L().Warn("webhook: rejected delivery",
				zap.String("reason", authErr.Reason),
				zap.String("remote_addr", r.RemoteAddr),
			)
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		// Acknowledge permanently bad payloads so the provider stops retrying.
		zap.L().Warn("webhook: malformed delivery", zap.Error(err))
		reason := "malformed payload"
		var malformed *MalformedPayloadError
		if errors.As(err, &malformed) {
			reason = malformed.Reason
		}
		writeJSON(w, http.StatusOK, Result{Status: StatusSkipped, Reason: reason})
		return
	}

	writeJSON(w, http.StatusOK, h.router.Handle(r.Context(), ev))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
