// internal/domain/geo/service.go

package geo

import (
	"context"
	"errors"
)

// Sampling failures. Sources and samplers wrap these with %w.
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("position request timed out")
	ErrUnsupported         = errors.New("location sampling unsupported")
)

// IsTerminal reports whether a sampling error ends a subscription.
// Transient errors (unavailable, timeout) are safe to retry.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnsupported)
}

// ErrorKind names a sampling error for logs and metrics
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrPositionUnavailable):
		return "position_unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	default:
		return "other"
	}
}

// Source is the platform's location primitive
type Source interface {
	// Next blocks until the next fix is available or ctx is done
	Next(ctx context.Context, highAccuracy bool) (PositionSample, error)
}

// SubscriptionHandle identifies a continuous sampling subscription
type SubscriptionHandle uint64

// ContinuousSampler delivers samples until stopped
type ContinuousSampler interface {
	// StartContinuous begins sampling; callbacks are never invoked concurrently
	StartContinuous(onSample func(PositionSample), onError func(error)) SubscriptionHandle

	// StopContinuous ends a subscription
	StopContinuous(handle SubscriptionHandle)

	// SampleOnce takes a single fix
	SampleOnce(ctx context.Context) (PositionSample, error)
}

// Resolver turns coordinates into a place. It never fails; unresolvable
// locations come back as UnknownPlace.
type Resolver interface {
	Resolve(ctx context.Context, longitude, latitude float64) PlaceInfo
}
