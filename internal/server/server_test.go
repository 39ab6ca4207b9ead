package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"nomadnet/internal/adapter/realtime"
	"nomadnet/internal/config"
	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/nearby"
	"nomadnet/internal/service/location"
	nearbyservice "nomadnet/internal/service/nearby"
)

type fakeTracker struct {
	mu        sync.Mutex
	status    location.Status
	committed *geo.CommittedLocation
	startErr  error
	startCtx  context.Context
	cleared   bool
}

func (f *fakeTracker) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCtx = ctx
	if f.startErr != nil {
		return f.startErr
	}
	f.status.State = location.StateAcquiringPermission
	return nil
}

func (f *fakeTracker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.State = location.StateStopped
}

func (f *fakeTracker) ClearPermissionDenied() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	f.status.PermissionDenied = false
}

func (f *fakeTracker) Status() location.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTracker) Committed() (geo.CommittedLocation, bool) {
	if f.committed == nil {
		return geo.CommittedLocation{}, false
	}
	return *f.committed, true
}

func (f *fakeTracker) Place() geo.PlaceInfo {
	return geo.PlaceInfo{City: "Berlin", Country: "Germany"}
}

type fakeRealtime struct {
	state      realtime.State
	connectErr error
	connects   int
}

func (f *fakeRealtime) State() realtime.State { return f.state }

func (f *fakeRealtime) Connect(ctx context.Context) error {
	f.connects++
	if f.connectErr == nil {
		f.state = realtime.StateConnected
	}
	return f.connectErr
}

type fakeRefresher struct {
	store *nearbyservice.Store
	err   error
}

func (f *fakeRefresher) RefreshCurrent(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.store.ReplaceAll([]nearby.Entity{nearby.Venue{ID: "fresh"}})
	return nil
}

type testEnv struct {
	handler  http.Handler
	tracker  *fakeTracker
	realtime *fakeRealtime
	store    *nearbyservice.Store
	refresh  *fakeRefresher
	base     context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := nearbyservice.NewStore()
	env := &testEnv{
		tracker:  &fakeTracker{status: location.Status{State: location.StateIdle}},
		realtime: &fakeRealtime{state: realtime.StateDisconnected},
		store:    store,
		refresh:  &fakeRefresher{store: store},
		base:     context.Background(),
	}
	env.handler = NewRouter(config.ServerConfig{CorsOrigins: []string{"*"}}, Dependencies{
		Base:      env.base,
		Tracker:   env.tracker,
		Realtime:  env.realtime,
		Store:     store,
		Refresher: env.refresh,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	w := newTestEnv(t).do(t, http.MethodGet, "/api/health")
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("health = %d %q", w.Code, w.Body.String())
	}
}

func TestNearbyRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.store.ReplaceAll([]nearby.Entity{
		nearby.Person{ID: "u1", DisplayName: "Ana"},
		nearby.Venue{ID: "v1", Name: "Cafe"},
	})

	w := env.do(t, http.MethodGet, "/api/v1/nearby")
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d", w.Code)
	}
	var snap struct {
		Users  []map[string]any `json:"users"`
		Venues []map[string]any `json:"venues"`
	}
	decode(t, w, &snap)
	if len(snap.Users) != 1 || len(snap.Venues) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	tests := []struct {
		path     string
		wantCode int
		wantLen  int
	}{
		{"/api/v1/nearby/users", http.StatusOK, 1},
		{"/api/v1/nearby/venue", http.StatusOK, 1},
		{"/api/v1/nearby/checkins", http.StatusOK, 0},
		{"/api/v1/nearby/spaceships", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		w := env.do(t, http.MethodGet, tt.path)
		if w.Code != tt.wantCode {
			t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.wantCode)
			continue
		}
		if tt.wantCode != http.StatusOK {
			continue
		}
		var body struct {
			Entities []map[string]any `json:"entities"`
		}
		decode(t, w, &body)
		if len(body.Entities) != tt.wantLen {
			t.Errorf("GET %s returned %d entities, want %d", tt.path, len(body.Entities), tt.wantLen)
		}
	}
}

func TestRefreshRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"refreshed", nil, http.StatusOK},
		{"no location", nearbyservice.ErrNoLocation, http.StatusConflict},
		{"backend failure", errors.New("backend down"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			env.refresh.err = tt.err
			w := env.do(t, http.MethodPost, "/api/v1/nearby/refresh")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.err == nil && env.store.Len(nearby.KindVenue) != 1 {
				t.Error("refresh result not reflected in store")
			}
		})
	}
}

func TestLocationRoute(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/api/v1/location"); w.Code != http.StatusNotFound {
		t.Fatalf("before commit = %d, want 404", w.Code)
	}

	env.tracker.committed = &geo.CommittedLocation{Longitude: 13.4, Latitude: 52.5, CommittedAt: time.Now()}
	w := env.do(t, http.MethodGet, "/api/v1/location")
	if w.Code != http.StatusOK {
		t.Fatalf("after commit = %d", w.Code)
	}
	var body struct {
		Location geo.CommittedLocation `json:"location"`
		Place    geo.PlaceInfo         `json:"place"`
	}
	decode(t, w, &body)
	if body.Location.Latitude != 52.5 || body.Place.City != "Berlin" {
		t.Errorf("body = %+v", body)
	}
}

func TestTrackingRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/tracking/start")
	if w.Code != http.StatusAccepted {
		t.Fatalf("start = %d", w.Code)
	}
	if env.tracker.startCtx != env.base {
		t.Error("tracking started with the request context")
	}

	if w := env.do(t, http.MethodPost, "/api/v1/tracking/stop"); w.Code != http.StatusOK {
		t.Errorf("stop = %d", w.Code)
	}
	if env.tracker.Status().State != location.StateStopped {
		t.Error("stop not forwarded")
	}

	env.tracker.startErr = location.ErrPermissionBlocked
	if w := env.do(t, http.MethodPost, "/api/v1/tracking/start"); w.Code != http.StatusConflict {
		t.Errorf("blocked start = %d, want 409", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/tracking/permission"); w.Code != http.StatusOK || !env.tracker.cleared {
		t.Errorf("permission = %d cleared=%v", w.Code, env.tracker.cleared)
	}
}

func TestStatusFreshness(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.store.Restore(nearby.Snapshot{Venues: []nearby.Venue{{ID: "cached"}}})

	var body struct {
		Freshness string `json:"freshness"`
		Realtime  string `json:"realtime"`
		Nearby    struct {
			Entities int  `json:"entities"`
			Restored bool `json:"restored"`
		} `json:"nearby"`
	}

	w := env.do(t, http.MethodGet, "/api/v1/status")
	decode(t, w, &body)
	if body.Freshness != "last_known" || !body.Nearby.Restored || body.Nearby.Entities != 1 {
		t.Errorf("disconnected status = %+v", body)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/realtime/reconnect"); w.Code != http.StatusOK {
		t.Fatalf("reconnect = %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/status")
	decode(t, w, &body)
	if body.Freshness != "live" || body.Realtime != "connected" {
		t.Errorf("connected status = %+v", body)
	}
}

func TestReconnectFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.realtime.connectErr = realtime.ErrClosed
	if w := env.do(t, http.MethodPost, "/api/v1/realtime/reconnect"); w.Code != http.StatusConflict {
		t.Errorf("closed bridge reconnect = %d, want 409", w.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	t.Parallel()

	w := newTestEnv(t).do(t, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "location_commits_total") {
		t.Errorf("metrics = %d", w.Code)
	}
}
