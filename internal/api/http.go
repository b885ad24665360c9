package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Yapping72/r2d/internal/jobs"
	"github.com/Yapping72/r2d/internal/storage"
	"github.com/Yapping72/r2d/internal/upload"
)

const maxRequestBodySize = 1 << 20 // 1MB

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeErr maps domain errors to HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	var ve *jobs.ValidationError
	switch {
	case errors.Is(err, jobs.ErrStateGuard):
		httpError(w, http.StatusConflict, "state_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, jobs.ErrItemNotFound),
		errors.Is(err, upload.ErrRecordNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, upload.ErrTooLarge):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "%v", err)
	case errors.As(err, &ve),
		errors.Is(err, jobs.ErrUnknownKind),
		errors.Is(err, storage.ErrUnknownPartition),
		errors.Is(err, upload.ErrInvalidContent),
		errors.Is(err, upload.ErrUnsupportedType),
		errors.Is(err, upload.ErrEmpty):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, jobs.ErrRemote):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

// writeResult writes the job of a successful result, or its error.
func writeResult(w http.ResponseWriter, res jobs.Result) {
	if !res.Success {
		writeErr(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Job)
}
