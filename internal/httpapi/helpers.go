package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/pslog"
)

// errorResponse mirrors pipeline.ErrorBody for introspection failures.
type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Detail    string `json:"detail,omitempty"`
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, errorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail}, nil)
		return
	}
	logger.Error("http.request.error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, errorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any, headers map[string]string) {
	for k, val := range headers {
		w.Header().Set(k, val)
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		h.logger.Debug("http.response.encode_failed", "error", err)
	}
}
