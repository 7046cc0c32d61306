package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kalambet/docvec/internal/fault"
)

// statusOf maps an error's fault kind to an HTTP status.
func statusOf(err error) int {
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindParse, fault.KindChunk:
		return http.StatusUnprocessableEntity
	case fault.KindProvider:
		switch fault.ReasonOf(err) {
		case fault.ReasonRateLimited:
			return http.StatusTooManyRequests
		case fault.ReasonInvalidResponse:
			return http.StatusBadGateway
		default:
			return http.StatusServiceUnavailable
		}
	case fault.KindStorage, fault.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with the status its kind maps to. The body carries
// the kind, reason and stage so clients can tell failures apart.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err))
	body := map[string]any{
		"message": err.Error(),
		"type":    string(fault.KindOf(err)),
	}
	if r := fault.ReasonOf(err); r != fault.ReasonNone {
		body["reason"] = string(r)
	}
	if s := fault.StageOf(err); s != "" {
		body["stage"] = string(s)
	}
	if fault.Retryable(err) {
		body["retryable"] = true
	}
	json.NewEncoder(w).Encode(map[string]any{"error": body})
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
