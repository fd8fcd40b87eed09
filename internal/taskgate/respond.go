package taskgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/logging"
)

const jsonBodyLimit = 1 << 20

// errorResponse is the body of every failed API call.
type errorResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message,omitempty"`
	Field        string `json:"field,omitempty"`
	RequiredTier string `json:"requiredTier,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("Failed to encode response")
	}
}

// writeError maps a classified error onto its status and body. Unclassified
// errors are logged and reported as a generic internal error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{RequestID: logging.RequestID(r.Context())}
	status := http.StatusInternalServerError

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status = appErr.HTTPStatus()
		resp.Error = string(appErr.Type)
		resp.Message = appErr.Message
		resp.Field = appErr.Field
		resp.Retryable = appErr.Retryable()
		switch appErr.Type {
		case apperrors.ErrorTypeUnauthorized:
			resp.Error = "upgrade_required"
			if appErr.RequiredTier == "" {
				resp.Error = "limit_reached"
			}
			resp.RequiredTier = appErr.RequiredTier
		case apperrors.ErrorTypeUpstream:
			resp.Message = "an upstream service failed; try again"
		case apperrors.ErrorTypeConfiguration:
			status = http.StatusServiceUnavailable
		}
	}
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		if resp.Error == "" {
			resp.Error = string(apperrors.ErrorTypeInternal)
			resp.Message = "an unexpected error occurred"
		}
	}
	writeJSON(w, status, resp)
}

// decodeJSON reads a bounded JSON body into v. Malformed input is a
// validation error.
func decodeJSON(w http.ResponseWriter, r *http.Request, op string, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, jsonBodyLimit)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Validation(op, "body", "request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.Validation(op, "body", "request body too large")
		}
		return apperrors.Validation(op, "body", fmt.Sprintf("invalid JSON: %s", strings.TrimPrefix(err.Error(), "json: ")))
	}
	return nil
}
