// internal/server/handlers/tracking.go

package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nomadnet/internal/adapter/realtime"
	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/identity"
	"nomadnet/internal/service/location"
)

// Tracker is the location sync service
type Tracker interface {
	Start(ctx context.Context) error
	Stop()
	ClearPermissionDenied()
	Status() location.Status
	Committed() (geo.CommittedLocation, bool)
	Place() geo.PlaceInfo
}

// Realtime is the realtime bridge
type Realtime interface {
	State() realtime.State
	Connect(ctx context.Context) error
}

// Freshness tells consumers whether the snapshot follows live events
type Freshness string

const (
	FreshnessLive      Freshness = "live"
	FreshnessLastKnown Freshness = "last_known"
)

// TrackingHandler controls tracking and reports status
type TrackingHandler struct {
	// base outlives requests; tracking started over HTTP runs until
	// stopped or the process exits
	base     context.Context
	tracker  Tracker
	realtime Realtime
	store    NearbyReader
}

// NewTrackingHandler creates a new tracking handler
func NewTrackingHandler(base context.Context, tracker Tracker, rt Realtime, store NearbyReader) *TrackingHandler {
	return &TrackingHandler{
		base:     base,
		tracker:  tracker,
		realtime: rt,
		store:    store,
	}
}

type locationResponse struct {
	Location geo.CommittedLocation `json:"location"`
	Place    geo.PlaceInfo         `json:"place"`
}

type nearbyStatus struct {
	Version     uint64    `json:"version"`
	Entities    int       `json:"entities"`
	RefreshedAt time.Time `json:"refreshedAt"`
	Restored    bool      `json:"restored"`
}

type statusResponse struct {
	Tracking  location.Status `json:"tracking"`
	Realtime  realtime.State  `json:"realtime"`
	Freshness Freshness       `json:"freshness"`
	Nearby    nearbyStatus    `json:"nearby"`
}

// GetLocation returns the committed location and its place
func (h *TrackingHandler) GetLocation(w http.ResponseWriter, r *http.Request) {
	committed, ok := h.tracker.Committed()
	if !ok {
		respondWithError(w, http.StatusNotFound, "No committed location yet", nil)
		return
	}

	respondWithJSON(w, http.StatusOK, locationResponse{
		Location: committed,
		Place:    h.tracker.Place(),
	})
}

// Start starts tracking
func (h *TrackingHandler) Start(w http.ResponseWriter, r *http.Request) {
	err := h.tracker.Start(h.base)
	switch {
	case errors.Is(err, location.ErrPermissionBlocked):
		respondWithError(w, http.StatusConflict, "Location permission denied", err)
		return
	case errors.Is(err, identity.ErrSessionEnded):
		respondWithError(w, http.StatusUnauthorized, "Session ended", err)
		return
	case err != nil:
		respondWithError(w, http.StatusInternalServerError, "Failed to start tracking", err)
		return
	}

	respondWithJSON(w, http.StatusAccepted, h.tracker.Status())
}

// Stop stops tracking
func (h *TrackingHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.tracker.Stop()
	respondWithJSON(w, http.StatusOK, h.tracker.Status())
}

// GrantPermission records that the user re-granted location access
func (h *TrackingHandler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	h.tracker.ClearPermissionDenied()
	respondWithJSON(w, http.StatusOK, h.tracker.Status())
}

// Reconnect reconnects the realtime channel with a fresh attempt budget
func (h *TrackingHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	err := h.realtime.Connect(r.Context())
	switch {
	case errors.Is(err, realtime.ErrClosed):
		respondWithError(w, http.StatusConflict, "Realtime channel closed", err)
		return
	case errors.Is(err, identity.ErrSessionEnded):
		respondWithError(w, http.StatusUnauthorized, "Session ended", err)
		return
	case err != nil:
		// the bridge keeps retrying in the background
		respondWithError(w, http.StatusBadGateway, "Connect failed, retrying", err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]realtime.State{"realtime": h.realtime.State()})
}

// GetStatus reports tracking state and snapshot freshness
func (h *TrackingHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	state := h.realtime.State()
	snap := h.store.Snapshot()

	respondWithJSON(w, http.StatusOK, statusResponse{
		Tracking:  h.tracker.Status(),
		Realtime:  state,
		Freshness: freshness(state),
		Nearby: nearbyStatus{
			Version:     snap.Version,
			Entities:    snap.Len(),
			RefreshedAt: snap.RefreshedAt,
			Restored:    snap.Restored,
		},
	})
}

func freshness(state realtime.State) Freshness {
	if state == realtime.StateConnected {
		return FreshnessLive
	}
	return FreshnessLastKnown
}
