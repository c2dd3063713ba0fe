package http

import (
	"encoding/json"
	"net/http"

	"github.com/lorrc/sync-engine/internal/core/domain"
)

// SyncEventsResponse is one catch-up page.
type SyncEventsResponse struct {
	Data          []domain.SyncEventSnapshot `json:"data"`
	NextWatermark domain.WatermarkSnapshot   `json:"nextWatermark"`
	HasMore       bool                       `json:"hasMore"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The header has already been sent, nothing useful to do on failure
	_ = json.NewEncoder(w).Encode(v)
}

// WriteCreated writes a created response
func WriteCreated(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusCreated, data)
}
