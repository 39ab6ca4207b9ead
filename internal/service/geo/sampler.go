// internal/service/geo/sampler.go

package geo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/logging"
	"nomadnet/internal/metrics"
)

// SamplerConfig contains configuration for the sampler
type SamplerConfig struct {
	HighAccuracy bool

	// Timeout bounds each individual fix request
	Timeout time.Duration

	// MaxSampleAge drops fixes older than this; zero accepts any age
	MaxSampleAge time.Duration

	// ErrorPause is how long a subscription waits after a transient error
	// before asking the source again
	ErrorPause time.Duration
}

// DefaultSamplerConfig returns a 10 s timeout with high accuracy enabled
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		HighAccuracy: true,
		Timeout:      10 * time.Second,
		ErrorPause:   time.Second,
	}
}

// Sampler wraps a platform Source. Each continuous subscription gets its own
// goroutine, so callbacks for one subscription never run concurrently.
// Failed fixes are reported, never retried internally.
type Sampler struct {
	source geo.Source
	config SamplerConfig
	now    func() time.Time
	log    zerolog.Logger

	mu     sync.Mutex
	nextID geo.SubscriptionHandle
	subs   map[geo.SubscriptionHandle]context.CancelFunc
	wg     sync.WaitGroup
}

// NewSampler creates a new sampler over source
func NewSampler(source geo.Source, config SamplerConfig) *Sampler {
	return &Sampler{
		source: source,
		config: config,
		now:    time.Now,
		log:    logging.With("sampler"),
		subs:   make(map[geo.SubscriptionHandle]context.CancelFunc),
	}
}

// StartContinuous begins delivering samples. Terminal errors (permission
// denied, unsupported) are delivered once and end the subscription.
func (s *Sampler) StartContinuous(onSample func(geo.PositionSample), onError func(error)) geo.SubscriptionHandle {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.nextID++
	handle := s.nextID
	s.subs[handle] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(handle)
		s.watch(ctx, onSample, onError)
	}()

	return handle
}

// StopContinuous cancels a subscription. It does not wait for an in-flight
// callback, so it is safe to call from inside one.
func (s *Sampler) StopContinuous(handle geo.SubscriptionHandle) {
	s.mu.Lock()
	cancel, ok := s.subs[handle]
	delete(s.subs, handle)
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

// SampleOnce takes a single fix, honouring the configured age. Timeout
// bounds the whole call, including fixes discarded as stale.
func (s *Sampler) SampleOnce(ctx context.Context) (geo.PositionSample, error) {
	callCtx := ctx
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	for {
		if err := callCtx.Err(); err != nil {
			return geo.PositionSample{}, s.timeoutErr(ctx, err)
		}

		sample, err := s.next(callCtx)
		if err != nil {
			return geo.PositionSample{}, s.timeoutErr(ctx, err)
		}
		if !s.stale(sample) {
			return sample, nil
		}
	}
}

// timeoutErr maps a deadline that was not the caller's to ErrTimeout
func (s *Sampler) timeoutErr(ctx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("no fix within %v: %w", s.config.Timeout, geo.ErrTimeout)
	}
	return err
}

// Close stops every subscription and waits for their goroutines
func (s *Sampler) Close() {
	s.mu.Lock()
	for handle, cancel := range s.subs {
		cancel()
		delete(s.subs, handle)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Sampler) release(handle geo.SubscriptionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, handle)
}

func (s *Sampler) watch(ctx context.Context, onSample func(geo.PositionSample), onError func(error)) {
	for {
		sample, err := s.next(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			metrics.SamplerErrors.WithLabelValues(geo.ErrorKind(err)).Inc()
			if onError != nil {
				onError(err)
			}
			if geo.IsTerminal(err) {
				s.log.Warn().Err(err).Msg("Sampling subscription ended")
				return
			}
			if s.config.ErrorPause > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.config.ErrorPause):
				}
			}
			continue
		}

		if s.stale(sample) {
			s.log.Debug().Time("captured_at", sample.CapturedAt).Msg("Dropping stale fix")
			continue
		}

		if onSample != nil {
			onSample(sample)
		}
	}
}

// next requests one fix from the source, mapping an expired per-request
// deadline to ErrTimeout
func (s *Sampler) next(ctx context.Context) (geo.PositionSample, error) {
	if s.source == nil {
		return geo.PositionSample{}, geo.ErrUnsupported
	}

	reqCtx := ctx
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	sample, err := s.source.Next(reqCtx, s.config.HighAccuracy)
	if err == nil {
		return sample, nil
	}

	return geo.PositionSample{}, s.timeoutErr(ctx, err)
}

func (s *Sampler) stale(sample geo.PositionSample) bool {
	if s.config.MaxSampleAge <= 0 || sample.CapturedAt.IsZero() {
		return false
	}
	return s.now().Sub(sample.CapturedAt) > s.config.MaxSampleAge
}
