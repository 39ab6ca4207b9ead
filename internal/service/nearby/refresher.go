// internal/service/nearby/refresher.go

package nearby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/nearby"
	"nomadnet/internal/logging"
	"nomadnet/internal/metrics"
)

// ErrNoLocation is returned when a refresh needs a committed location
// and none exists yet
var ErrNoLocation = errors.New("no committed location")

// Fetcher performs the full-refresh request
type Fetcher interface {
	FetchNearby(ctx context.Context, q nearby.Query) ([]nearby.Entity, error)
}

// Locator provides the current committed location
type Locator interface {
	Committed() (geo.CommittedLocation, bool)
}

// RefresherConfig contains configuration for full refreshes
type RefresherConfig struct {
	RadiusMeters float64
	Limit        int
	Types        []nearby.Kind
	Interval     time.Duration
	Timeout      time.Duration
}

// DefaultRefresherConfig returns a 5 km, every-five-minutes refresh of all kinds
func DefaultRefresherConfig() RefresherConfig {
	return RefresherConfig{
		RadiusMeters: 5000,
		Limit:        100,
		Types:        nearby.Kinds,
		Interval:     5 * time.Minute,
		Timeout:      15 * time.Second,
	}
}

// Refresher seeds the store from full fetches around the committed
// location and pads sparse kinds with synthetic entries
type Refresher struct {
	fetcher Fetcher
	store   *Store
	locator Locator
	filler  *Filler
	config  RefresherConfig
	log     zerolog.Logger

	// refreshes run one at a time
	mu sync.Mutex
}

// NewRefresher creates a new refresher; filler may be nil
func NewRefresher(fetcher Fetcher, store *Store, locator Locator, filler *Filler, config RefresherConfig) *Refresher {
	if len(config.Types) == 0 {
		config.Types = nearby.Kinds
	}
	return &Refresher{
		fetcher: fetcher,
		store:   store,
		locator: locator,
		filler:  filler,
		config:  config,
		log:     logging.With("refresher"),
	}
}

// Refresh replaces the configured kinds with a fetch around center
func (r *Refresher) Refresh(ctx context.Context, center geo.Coordinates) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	started := time.Now()
	entities, err := r.fetcher.FetchNearby(ctx, nearby.Query{
		Center: center,
		Radius: r.config.RadiusMeters,
		Types:  r.config.Types,
		Limit:  r.config.Limit,
	})
	if err != nil {
		metrics.NearbyRefreshes.WithLabelValues("failed").Inc()
		return fmt.Errorf("refresh nearby: %w", err)
	}

	synthetic := r.filler.Fill(center, r.config.Types, entities)
	r.store.ReplaceKinds(r.config.Types, entities, synthetic)

	metrics.NearbyRefreshes.WithLabelValues("succeeded").Inc()
	r.log.Info().
		Int("entities", len(entities)).
		Int("synthetic", len(synthetic)).
		Dur("took", time.Since(started)).
		Msg("Nearby refreshed")
	return nil
}

// RefreshCurrent refreshes around the committed location
func (r *Refresher) RefreshCurrent(ctx context.Context) error {
	loc, ok := r.locator.Committed()
	if !ok {
		return ErrNoLocation
	}
	return r.Refresh(ctx, loc.Coordinates())
}

// Run prunes expired check-ins and refreshes on every interval until ctx
// is done
func (r *Refresher) Run(ctx context.Context) {
	if r.config.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.store.PruneExpired(now); n > 0 {
				r.log.Debug().Int("pruned", n).Msg("Pruned expired check-ins")
			}

			err := r.RefreshCurrent(ctx)
			switch {
			case err == nil, errors.Is(err, ErrNoLocation):
			case ctx.Err() != nil:
				return
			default:
				r.log.Warn().Err(err).Msg("Periodic refresh failed")
			}
		}
	}
}
