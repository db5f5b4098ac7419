package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/ovenzeze/open-interpreter/internal/apierr"
	"github.com/ovenzeze/open-interpreter/internal/logger"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}

// writeError renders err in the shared error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := apierr.Status(err)
	body := errorBody{Error: errorDetail{
		Message: err.Error(),
		Type:    apierr.Type(err),
		Code:    apierr.Code(err),
	}}

	var (
		be *apierr.BusyError
		nf *apierr.NotFoundError
	)
	switch {
	case errors.As(err, &be):
		retry := int(math.Ceil(be.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		body.Error.Message = "session is busy, retry later"
		body.Error.Details = map[string]any{
			"retry_after": retry,
			"status":      "locked",
			"session_id":  be.SessionID,
		}
	case errors.As(err, &nf):
		body.Error.Details = map[string]any{"session_id": nf.SessionID}
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", body.Error.Code, "error", err)
	}

	writeJSON(w, status, body)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	case errors.Is(err, io.EOF):
		return apierr.Validation("request body is required")
	default:
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return apierr.Validation("request body too large")
		}
		return apierr.Validation("invalid JSON body: %v", err)
	}
}
