package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/identity"
)

// fakeSampler hands its callbacks to the test, which drives them directly
type fakeSampler struct {
	mu       sync.Mutex
	onSample func(geo.PositionSample)
	onError  func(error)
	started  int
	stopped  int
}

func (f *fakeSampler) StartContinuous(onSample func(geo.PositionSample), onError func(error)) geo.SubscriptionHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSample, f.onError = onSample, onError
	f.started++
	return geo.SubscriptionHandle(f.started)
}

func (f *fakeSampler) StopContinuous(geo.SubscriptionHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeSampler) SampleOnce(ctx context.Context) (geo.PositionSample, error) {
	return geo.PositionSample{}, geo.ErrUnsupported
}

func (f *fakeSampler) emit(sample geo.PositionSample) {
	f.mu.Lock()
	cb := f.onSample
	f.mu.Unlock()
	cb(sample)
}

func (f *fakeSampler) fail(err error) {
	f.mu.Lock()
	cb := f.onError
	f.mu.Unlock()
	cb(err)
}

type fakeBackend struct {
	mu      sync.Mutex
	updates []geo.LocationUpdate
	err     error
}

func (f *fakeBackend) PushLocation(ctx context.Context, update geo.LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return f.err
}

func (f *fakeBackend) pushed() []geo.LocationUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]geo.LocationUpdate(nil), f.updates...)
}

// gatedResolver blocks each resolution until the test releases it
type gatedResolver struct {
	mu    sync.Mutex
	gates map[float64]chan struct{}
}

func newGatedResolver() *gatedResolver {
	return &gatedResolver{gates: make(map[float64]chan struct{})}
}

func (r *gatedResolver) gate(longitude float64) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[longitude]
	if !ok {
		g = make(chan struct{})
		r.gates[longitude] = g
	}
	return g
}

func (r *gatedResolver) Resolve(ctx context.Context, longitude, latitude float64) geo.PlaceInfo {
	<-r.gate(longitude)
	return geo.PlaceInfo{City: cityFor(longitude), Country: "Testland"}
}

func cityFor(longitude float64) string {
	if longitude < 1 {
		return "First"
	}
	return "Second"
}

type staticResolver struct{ place geo.PlaceInfo }

func (r staticResolver) Resolve(ctx context.Context, longitude, latitude float64) geo.PlaceInfo {
	return r.place
}

func newTestSession(t *testing.T) *identity.Session {
	t.Helper()
	s, err := identity.NewSession(context.Background(), "opaque-token", "u1")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.End)
	return s
}

func sampleAt(lon, lat float64, at time.Time) geo.PositionSample {
	return geo.PositionSample{Longitude: lon, Latitude: lat, CapturedAt: at}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSyncStateTransitions(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{}
	svc := NewSyncService(sampler, staticResolver{}, &fakeBackend{}, newTestSession(t), DefaultSyncConfig())

	if got := svc.Status().State; got != StateIdle {
		t.Fatalf("initial state = %s", got)
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := svc.Status().State; got != StateAcquiringPermission {
		t.Fatalf("state after Start = %s", got)
	}

	// A second Start while active is a no-op
	if err := svc.Start(context.Background()); err != nil || sampler.started != 1 {
		t.Fatalf("second Start: err=%v started=%d", err, sampler.started)
	}

	sampler.emit(sampleAt(0, 0, time.Unix(100, 0)))
	if got := svc.Status().State; got != StateTracking {
		t.Fatalf("state after first sample = %s", got)
	}

	svc.Stop()
	if got := svc.Status().State; got != StateStopped {
		t.Fatalf("state after Stop = %s", got)
	}
	if sampler.stopped != 1 {
		t.Errorf("sampler stopped %d times", sampler.stopped)
	}

	// Late callbacks from the stopped subscription are ignored
	sampler.emit(sampleAt(5, 5, time.Unix(1000, 0)))
	if c, _ := svc.Committed(); c.Longitude != 0 {
		t.Errorf("late sample committed: %+v", c)
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := svc.Status().State; got != StateAcquiringPermission {
		t.Fatalf("state after restart = %s", got)
	}
	svc.Stop()
	svc.Wait()
}

func TestSyncGatesAndPushes(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{}
	backend := &fakeBackend{}
	resolver := staticResolver{place: geo.PlaceInfo{City: "Berlin", Country: "Germany"}}
	svc := NewSyncService(sampler, resolver, backend, newTestSession(t), DefaultSyncConfig())

	var commits []geo.CommittedLocation
	svc.OnCommit(func(c geo.CommittedLocation) { commits = append(commits, c) })

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	t0 := time.Unix(1000, 0)
	sampler.emit(sampleAt(0, 0, t0))
	svc.Wait()
	// Gated, then out of order, then moved ~100 m
	sampler.emit(sampleAt(0.0001, 0, t0.Add(10*time.Second)))
	sampler.emit(sampleAt(0.0002, 0, t0.Add(5*time.Second)))
	sampler.emit(sampleAt(0.0009, 0, t0.Add(30*time.Second)))
	svc.Wait()

	// Same instant, then interval elapsed
	sampler.emit(sampleAt(0.0009, 0, t0.Add(30*time.Second)))
	sampler.emit(sampleAt(0.0009, 0.0001, t0.Add(100*time.Second)))
	svc.Wait()

	if len(commits) != 3 {
		t.Fatalf("got %d commits, want 3: %+v", len(commits), commits)
	}
	for i := 1; i < len(commits); i++ {
		if !commits[i].CommittedAt.After(commits[i-1].CommittedAt) {
			t.Errorf("commit %d not after commit %d", i, i-1)
		}
	}

	updates := backend.pushed()
	if len(updates) != 3 {
		t.Fatalf("got %d pushes, want 3", len(updates))
	}
	// The first push cannot wait for its own resolution
	if updates[0].City != geo.Unknown {
		t.Errorf("first push city = %q, want placeholder", updates[0].City)
	}
	if updates[2].City != "Berlin" || updates[2].Country != "Germany" {
		t.Errorf("later push = %+v, want last known place", updates[2])
	}
	if got := svc.Place(); got.City != "Berlin" {
		t.Errorf("Place = %+v", got)
	}

	svc.Stop()
}

func TestSyncLastCommitWinsPlace(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{}
	resolver := newGatedResolver()
	svc := NewSyncService(sampler, resolver, &fakeBackend{}, newTestSession(t), DefaultSyncConfig())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	t0 := time.Unix(1000, 0)
	sampler.emit(sampleAt(0, 0, t0))
	sampler.emit(sampleAt(1, 0, t0.Add(time.Second)))

	// The newer commit resolves first, then the older one completes
	close(resolver.gate(1))
	waitFor(t, func() bool { return svc.Place().City == "Second" })
	close(resolver.gate(0))
	svc.Wait()

	if got := svc.Place().City; got != "Second" {
		t.Errorf("Place city = %q, want the later commit's place", got)
	}

	svc.Stop()
}

func TestSyncPushFailureIsDropped(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{}
	backend := &fakeBackend{err: errors.New("503")}
	svc := NewSyncService(sampler, staticResolver{}, backend, newTestSession(t), DefaultSyncConfig())

	var errs []error
	svc.OnError(func(err error) { errs = append(errs, err) })

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sampler.emit(sampleAt(0, 0, time.Unix(1000, 0)))
	svc.Wait()

	if _, ok := svc.Committed(); !ok {
		t.Fatal("commit was rolled back after push failure")
	}
	if len(errs) != 0 {
		t.Errorf("push failure surfaced as error: %v", errs)
	}
	if got := svc.Status(); got.State != StateTracking || got.LastError != "" {
		t.Errorf("status = %+v", got)
	}
	if len(backend.pushed()) != 1 {
		t.Errorf("push attempted %d times, want exactly one", len(backend.pushed()))
	}

	svc.Stop()
}

func TestSyncErrorWhileAcquiring(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		blocked   bool
		restartOK bool
	}{
		{"permission denied", geo.ErrPermissionDenied, true, false},
		{"timeout", geo.ErrTimeout, false, true},
		{"unavailable", geo.ErrPositionUnavailable, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sampler := &fakeSampler{}
			svc := NewSyncService(sampler, staticResolver{}, &fakeBackend{}, newTestSession(t), DefaultSyncConfig())

			var surfaced error
			svc.OnError(func(err error) { surfaced = err })

			if err := svc.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			sampler.fail(tt.err)

			st := svc.Status()
			if st.State != StateIdle {
				t.Errorf("state = %s, want idle", st.State)
			}
			if !errors.Is(surfaced, tt.err) {
				t.Errorf("surfaced %v, want %v", surfaced, tt.err)
			}
			if st.PermissionDenied != tt.blocked {
				t.Errorf("PermissionDenied = %v", st.PermissionDenied)
			}

			err := svc.Start(context.Background())
			if tt.restartOK && err != nil {
				t.Errorf("restart: %v", err)
			}
			if !tt.restartOK && !errors.Is(err, ErrPermissionBlocked) {
				t.Errorf("restart = %v, want ErrPermissionBlocked", err)
			}
			svc.Stop()
		})
	}
}

func TestSyncPermissionRegrant(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{}
	svc := NewSyncService(sampler, staticResolver{}, &fakeBackend{}, newTestSession(t), DefaultSyncConfig())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sampler.emit(sampleAt(0, 0, time.Unix(1000, 0)))
	sampler.fail(geo.ErrPermissionDenied)

	if got := svc.Status().State; got != StateStopped {
		t.Fatalf("state after revocation = %s, want stopped", got)
	}
	if err := svc.Start(context.Background()); !errors.Is(err, ErrPermissionBlocked) {
		t.Fatalf("Start while blocked = %v", err)
	}

	svc.ClearPermissionDenied()
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start after re-grant: %v", err)
	}
	svc.Stop()
	svc.Wait()
}

func TestSyncTransientErrorKeepsTracking(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{}
	svc := NewSyncService(sampler, staticResolver{}, &fakeBackend{}, newTestSession(t), DefaultSyncConfig())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sampler.emit(sampleAt(0, 0, time.Unix(1000, 0)))
	sampler.fail(geo.ErrTimeout)

	st := svc.Status()
	if st.State != StateTracking || st.LastErrorKind != "timeout" {
		t.Errorf("status = %+v", st)
	}
	svc.Stop()
	svc.Wait()
}

func TestSyncStopsOnSessionEnd(t *testing.T) {
	t.Parallel()

	session := newTestSession(t)
	sampler := &fakeSampler{}
	svc := NewSyncService(sampler, staticResolver{}, &fakeBackend{}, session, DefaultSyncConfig())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sampler.emit(sampleAt(0, 0, time.Unix(1000, 0)))

	session.End()
	waitFor(t, func() bool { return svc.Status().State == StateStopped })

	if got := svc.Status().LastErrorKind; got != "session_ended" {
		t.Errorf("LastErrorKind = %q", got)
	}
	if err := svc.Start(context.Background()); !errors.Is(err, identity.ErrSessionEnded) {
		t.Errorf("Start after logout = %v", err)
	}
	svc.Wait()
}

func TestSyncRestore(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{}
	svc := NewSyncService(sampler, staticResolver{}, &fakeBackend{}, newTestSession(t), DefaultSyncConfig())

	restored := geo.CommittedLocation{Longitude: 0, Latitude: 0, CommittedAt: time.Unix(1000, 0)}
	svc.Restore(restored)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Close to the restored fix and inside the interval: gated
	sampler.emit(sampleAt(0.0001, 0, time.Unix(1010, 0)))
	if c, _ := svc.Committed(); c != restored {
		t.Errorf("Committed = %+v, want restored", c)
	}

	sampler.emit(sampleAt(0.0001, 0, time.Unix(1100, 0)))
	if c, _ := svc.Committed(); c.CommittedAt.Unix() != 1100 {
		t.Errorf("Committed = %+v, want new commit", c)
	}
	svc.Stop()
	svc.Wait()
}

func TestSyncDropsSampleAtCommittedInstant(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{}
	svc := NewSyncService(sampler, staticResolver{}, &fakeBackend{}, newTestSession(t), DefaultSyncConfig())

	t0 := time.Unix(1000, 0)
	svc.Restore(geo.CommittedLocation{Longitude: 0, Latitude: 0, CommittedAt: t0})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Far enough to pass the gate, but not newer than the commit
	sampler.emit(sampleAt(0.01, 0, t0))
	if c, _ := svc.Committed(); c.Longitude != 0 {
		t.Errorf("Committed = %+v, want sample at the committed instant dropped", c)
	}

	sampler.emit(sampleAt(0.01, 0, t0.Add(time.Second)))
	if c, _ := svc.Committed(); c.Longitude != 0.01 {
		t.Errorf("Committed = %+v, want the newer sample", c)
	}
	svc.Stop()
	svc.Wait()
}
