// internal/server/handlers/nearby.go

package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"nomadnet/internal/domain/nearby"
	nearbyservice "nomadnet/internal/service/nearby"
)

// NearbyReader is the read side of the nearby store
type NearbyReader interface {
	Snapshot() nearby.Snapshot
	SelectByKind(kind nearby.Kind) []nearby.Entity
}

// Refresher performs a blocking refresh around the committed location
type Refresher interface {
	RefreshCurrent(ctx context.Context) error
}

// NearbyHandler serves the nearby snapshot projections
type NearbyHandler struct {
	store     NearbyReader
	refresher Refresher
}

// NewNearbyHandler creates a new nearby handler
func NewNearbyHandler(store NearbyReader, refresher Refresher) *NearbyHandler {
	return &NearbyHandler{
		store:     store,
		refresher: refresher,
	}
}

type kindResponse struct {
	Kind     nearby.Kind     `json:"kind"`
	Entities []nearby.Entity `json:"entities"`
	Version  uint64          `json:"version"`
}

// GetSnapshot returns all four projections
func (h *NearbyHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.store.Snapshot())
}

// GetKind returns one projection
func (h *NearbyHandler) GetKind(w http.ResponseWriter, r *http.Request) {
	kind, err := nearby.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unknown entity kind", err)
		return
	}

	entities := h.store.SelectByKind(kind)
	if entities == nil {
		entities = []nearby.Entity{}
	}

	respondWithJSON(w, http.StatusOK, kindResponse{
		Kind:     kind,
		Entities: entities,
		Version:  h.store.Snapshot().Version,
	})
}

// Refresh blocks until a full refresh around the committed location
// completes, then returns the new snapshot
func (h *NearbyHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	err := h.refresher.RefreshCurrent(r.Context())
	switch {
	case errors.Is(err, nearbyservice.ErrNoLocation):
		respondWithError(w, http.StatusConflict, "No committed location yet", err)
		return
	case err != nil:
		respondWithError(w, http.StatusBadGateway, "Refresh failed", err)
		return
	}

	w.Header().Set("X-Refresh-Duration", time.Since(started).String())
	respondWithJSON(w, http.StatusOK, h.store.Snapshot())
}
