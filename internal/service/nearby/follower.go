// internal/service/nearby/follower.go

package nearby

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/logging"
	geoservice "nomadnet/internal/service/geo"
)

// InterestRegistrar registers the connection's spatial interest
type InterestRegistrar interface {
	SetInterest(center geo.Coordinates, radius float64) error
}

// AreaRefresher performs a full refresh around a point
type AreaRefresher interface {
	Refresh(ctx context.Context, center geo.Coordinates) error
}

// FollowerConfig contains configuration for the follower
type FollowerConfig struct {
	RadiusMeters         float64
	RejoinDistanceMeters float64
}

// DefaultFollowerConfig rejoins after 500 m of movement
func DefaultFollowerConfig() FollowerConfig {
	return FollowerConfig{RadiusMeters: 5000, RejoinDistanceMeters: 500}
}

// Follower moves the spatial interest and refreshes the store as the
// committed location changes materially
type Follower struct {
	interest  InterestRegistrar
	refresher AreaRefresher
	config    FollowerConfig
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	anchor *geo.Coordinates
}

// NewFollower creates a new follower
func NewFollower(interest InterestRegistrar, refresher AreaRefresher, config FollowerConfig) *Follower {
	ctx, cancel := context.WithCancel(context.Background())
	return &Follower{
		interest:  interest,
		refresher: refresher,
		config:    config,
		log:       logging.With("follower"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// HandleCommit is registered with the sync service. On the first commit
// and whenever the location moved beyond the rejoin distance it
// re-registers interest and starts a refresh in the background.
func (f *Follower) HandleCommit(c geo.CommittedLocation) {
	center := c.Coordinates()

	f.mu.Lock()
	if f.anchor != nil && geoservice.HaversineMeters(*f.anchor, center) <= f.config.RejoinDistanceMeters {
		f.mu.Unlock()
		return
	}
	f.anchor = &center
	f.mu.Unlock()

	if err := f.interest.SetInterest(center, f.config.RadiusMeters); err != nil {
		f.log.Warn().Err(err).Msg("Failed to register interest")
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.refresher.Refresh(f.ctx, center); err != nil && f.ctx.Err() == nil {
			f.log.Warn().Err(err).Msg("Refresh after move failed")
		}
	}()
}

// Anchor returns the point interest was last registered at
func (f *Follower) Anchor() (geo.Coordinates, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.anchor == nil {
		return geo.Coordinates{}, false
	}
	return *f.anchor, true
}

// Wait blocks until background refreshes finish
func (f *Follower) Wait() {
	f.wg.Wait()
}

// Close cancels background refreshes and waits for them
func (f *Follower) Close() {
	f.cancel()
	f.wg.Wait()
}
