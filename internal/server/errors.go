package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// errorBody is the JSON shape of every error the proxy itself generates.
type errorBody struct {
	Detail string `json:"detail"`
}

// WriteError writes {"detail": detail} with the given status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeJSON(w, r, status, errorBody{Detail: detail})
}

// writeJSON encodes v as the response body. The status is already on the
// wire when encoding fails, so the error is only attached to the request log.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		AddError(r.Context(), fmt.Errorf("write error body: %w", err))
	}
}
