// internal/service/location/sync.go

package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/identity"
	"nomadnet/internal/logging"
	"nomadnet/internal/metrics"
	geoservice "nomadnet/internal/service/geo"
)

// ErrPermissionBlocked is returned by Start after the user denied location
// access, until ClearPermissionDenied is called
var ErrPermissionBlocked = errors.New("location permission denied; waiting for user to re-grant")

// State is the tracking session state
type State string

const (
	StateIdle                State = "idle"
	StateAcquiringPermission State = "acquiring_permission"
	StateTracking            State = "tracking"
	StateStopped             State = "stopped"
)

// Backend receives committed locations
type Backend interface {
	PushLocation(ctx context.Context, update geo.LocationUpdate) error
}

// Status is a point-in-time view of the service for the UI layer
type Status struct {
	State            State  `json:"state"`
	LastError        string `json:"lastError,omitempty"`
	LastErrorKind    string `json:"lastErrorKind,omitempty"`
	PermissionDenied bool   `json:"permissionDenied"`
}

// SyncConfig contains configuration for the sync service
type SyncConfig struct {
	Gate           geoservice.GateConfig
	PushTimeout    time.Duration
	ResolveTimeout time.Duration
}

// DefaultSyncConfig returns the default gate and 10 s network timeouts
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Gate:           geoservice.DefaultGateConfig(),
		PushTimeout:    10 * time.Second,
		ResolveTimeout: 10 * time.Second,
	}
}

// SyncService turns a sample stream into committed locations, pushes
// them to the backend and enriches them with a place. It owns the only
// CommittedLocation.
type SyncService struct {
	sampler  geo.ContinuousSampler
	resolver geo.Resolver
	backend  Backend
	session  *identity.Session
	config   SyncConfig
	log      zerolog.Logger

	mu     sync.Mutex
	state  State
	handle geo.SubscriptionHandle
	stopCh chan struct{}

	// gen changes on every start and stop so callbacks from a previous
	// subscription are ignored
	gen uint64

	committed *geo.CommittedLocation
	seq       uint64
	place     geo.PlaceInfo

	permissionBlocked bool
	lastErr           error

	commitHandlers []func(geo.CommittedLocation)
	errorHandlers  []func(error)

	wg sync.WaitGroup
}

// NewSyncService creates a new sync service
func NewSyncService(
	sampler geo.ContinuousSampler,
	resolver geo.Resolver,
	backend Backend,
	session *identity.Session,
	config SyncConfig,
) *SyncService {
	return &SyncService{
		sampler:  sampler,
		resolver: resolver,
		backend:  backend,
		session:  session,
		config:   config,
		log:      logging.With("location"),
		state:    StateIdle,
		place:    geo.PlaceInfo{City: geo.Unknown, Country: geo.Unknown},
	}
}

// OnCommit registers a handler called after each commit
func (s *SyncService) OnCommit(handler func(geo.CommittedLocation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitHandlers = append(s.commitHandlers, handler)
}

// OnError registers a handler for sampling errors
func (s *SyncService) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandlers = append(s.errorHandlers, handler)
}

// Start begins a tracking session. It returns immediately; the session
// moves to tracking on the first sample. Cancelling ctx stops tracking.
func (s *SyncService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil && !s.session.Active() {
		return identity.ErrSessionEnded
	}
	if s.permissionBlocked {
		return ErrPermissionBlocked
	}
	if s.state == StateAcquiringPermission || s.state == StateTracking {
		return nil
	}

	s.gen++
	gen := s.gen
	s.state = StateAcquiringPermission
	s.lastErr = nil
	s.stopCh = make(chan struct{})

	s.handle = s.sampler.StartContinuous(
		func(sample geo.PositionSample) { s.handleSample(gen, sample) },
		func(err error) { s.handleError(gen, err) },
	)

	go s.watch(ctx, gen, s.stopCh)

	s.log.Info().Msg("Tracking started")
	return nil
}

// Stop ends the tracking session. In-flight pushes and resolutions are
// left to finish.
func (s *SyncService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateAcquiringPermission || s.state == StateTracking {
		s.endLocked(StateStopped)
		s.log.Info().Msg("Tracking stopped")
	}
}

// ClearPermissionDenied records that the user re-granted location access
func (s *SyncService) ClearPermissionDenied() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissionBlocked = false
}

// Restore seeds the committed location from a cache. It has no effect
// once a location has been committed.
func (s *SyncService) Restore(c geo.CommittedLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed == nil {
		s.committed = &c
	}
}

// Status returns the current state
func (s *SyncService) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state, PermissionDenied: s.permissionBlocked}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
		st.LastErrorKind = geo.ErrorKind(s.lastErr)
		if errors.Is(s.lastErr, identity.ErrSessionEnded) {
			st.LastErrorKind = "session_ended"
		}
	}
	return st
}

// Committed returns the current committed location
func (s *SyncService) Committed() (geo.CommittedLocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed == nil {
		return geo.CommittedLocation{}, false
	}
	return *s.committed, true
}

// Place returns the most recently resolved place
func (s *SyncService) Place() geo.PlaceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.place
}

// Wait blocks until in-flight pushes and resolutions have finished
func (s *SyncService) Wait() {
	s.wg.Wait()
}

// endLocked stops the subscription and moves to next; s.mu must be held
func (s *SyncService) endLocked(next State) {
	s.sampler.StopContinuous(s.handle)
	s.gen++
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.state = next
}

// watch ends the session when the auth session or ctx ends
func (s *SyncService) watch(ctx context.Context, gen uint64, stop <-chan struct{}) {
	var sessionDone <-chan struct{}
	if s.session != nil {
		sessionDone = s.session.Done()
	}

	var reason error
	select {
	case <-stop:
		return
	case <-sessionDone:
		reason = identity.ErrSessionEnded
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.endLocked(StateStopped)
	if reason != nil {
		s.lastErr = reason
		s.log.Warn().Err(reason).Msg("Tracking stopped: session lost")
	}
}

func (s *SyncService) handleSample(gen uint64, sample geo.PositionSample) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	if s.state == StateAcquiringPermission {
		s.state = StateTracking
		s.log.Info().Msg("First fix received")
	}

	// Never regress the committed position
	if s.committed != nil && !sample.CapturedAt.After(s.committed.CommittedAt) {
		s.mu.Unlock()
		metrics.LocationSamplesDiscarded.WithLabelValues("out_of_order").Inc()
		return
	}

	if !geoservice.ShouldCommit(s.committed, sample, s.config.Gate) {
		s.mu.Unlock()
		metrics.LocationSamplesDiscarded.WithLabelValues("gated").Inc()
		return
	}

	commit := geo.CommittedLocation{
		Longitude:   sample.Longitude,
		Latitude:    sample.Latitude,
		CommittedAt: sample.CapturedAt,
	}
	s.committed = &commit
	s.seq++
	seq := s.seq
	place := s.place
	handlers := append([]func(geo.CommittedLocation){}, s.commitHandlers...)

	s.wg.Add(2)
	s.mu.Unlock()

	metrics.LocationCommits.Inc()
	s.log.Debug().
		Float64("lat", commit.Latitude).
		Float64("lon", commit.Longitude).
		Uint64("seq", seq).
		Msg("Location committed")

	go s.push(commit, place)
	go s.resolve(seq, commit)

	for _, h := range handlers {
		h(commit)
	}
}

func (s *SyncService) handleError(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	s.lastErr = err
	if errors.Is(err, geo.ErrPermissionDenied) {
		s.permissionBlocked = true
	}

	switch s.state {
	case StateAcquiringPermission:
		s.endLocked(StateIdle)
		s.log.Warn().Err(err).Str("kind", geo.ErrorKind(err)).Msg("Could not acquire location")
	case StateTracking:
		if geo.IsTerminal(err) {
			s.endLocked(StateStopped)
			s.log.Warn().Err(err).Str("kind", geo.ErrorKind(err)).Msg("Tracking stopped: sampling unavailable")
		} else {
			s.log.Debug().Err(err).Str("kind", geo.ErrorKind(err)).Msg("Transient sampling error")
		}
	}

	handlers := append([]func(error){}, s.errorHandlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

// push sends the commit with the last known place. Failures are dropped;
// the next qualifying sample pushes again.
func (s *SyncService) push(commit geo.CommittedLocation, place geo.PlaceInfo) {
	defer s.wg.Done()

	if s.backend == nil {
		return
	}

	ctx, cancel := s.networkContext(s.config.PushTimeout)
	defer cancel()

	update := geo.LocationUpdate{
		Longitude: commit.Longitude,
		Latitude:  commit.Latitude,
		City:      place.City,
		Country:   place.Country,
	}
	if err := s.backend.PushLocation(ctx, update); err != nil {
		metrics.LocationPushFailures.Inc()
		s.log.Warn().Err(err).Msg("Location push failed")
	}
}

// resolve applies the place only if seq is still the latest commit
func (s *SyncService) resolve(seq uint64, commit geo.CommittedLocation) {
	defer s.wg.Done()

	if s.resolver == nil {
		return
	}

	ctx, cancel := s.networkContext(s.config.ResolveTimeout)
	defer cancel()

	place := s.resolver.Resolve(ctx, commit.Longitude, commit.Latitude)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq {
		s.log.Debug().Uint64("seq", seq).Uint64("current", s.seq).Msg("Discarding superseded place")
		return
	}
	s.place = place
}

// networkContext is detached from Stop; only the timeout bounds it
func (s *SyncService) networkContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}
