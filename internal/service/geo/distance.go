// internal/service/geo/distance.go

package geo

import (
	"math"
	"time"

	"nomadnet/internal/domain/geo"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances
const EarthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two points
func HaversineMeters(a, b geo.Coordinates) float64 {
	lat1 := a.Latitude * math.Pi / 180.0
	lon1 := a.Longitude * math.Pi / 180.0
	lat2 := b.Latitude * math.Pi / 180.0
	lon2 := b.Longitude * math.Pi / 180.0

	dLat := lat2 - lat1
	dLon := lon2 - lon1

	hSin := math.Sin(dLat / 2)
	hSin *= hSin

	vSin := math.Sin(dLon / 2)
	vSin *= vSin

	h := hSin + math.Cos(lat1)*math.Cos(lat2)*vSin

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(math.Min(1, h)))
}

// GateConfig holds the two independent commit thresholds
type GateConfig struct {
	MovementThresholdMeters float64
	MinInterval             time.Duration
}

// DefaultGateConfig returns 100 m / 60 s
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MovementThresholdMeters: 100,
		MinInterval:             60 * time.Second,
	}
}

// ShouldCommit decides whether next warrants a backend location update.
// The first fix always commits. Afterwards a sample commits when it moved
// more than the threshold or when more than MinInterval passed since the
// last commit; movement overrides the cooldown.
//
// The gate does not look at sample order. Callers drop samples older than
// last before asking.
func ShouldCommit(last *geo.CommittedLocation, next geo.PositionSample, cfg GateConfig) bool {
	if last == nil {
		return true
	}

	if HaversineMeters(last.Coordinates(), next.Coordinates()) > cfg.MovementThresholdMeters {
		return true
	}

	return next.CapturedAt.Sub(last.CommittedAt) > cfg.MinInterval
}

// IsWithinRadius reports whether point lies within radiusMeters of center
func IsWithinRadius(point, center geo.Coordinates, radiusMeters float64) bool {
	return HaversineMeters(point, center) <= radiusMeters
}

// Destination returns the point distanceMeters from origin along
// bearingRadians (0 is north, clockwise)
func Destination(origin geo.Coordinates, distanceMeters, bearingRadians float64) geo.Coordinates {
	lat1 := origin.Latitude * math.Pi / 180.0
	lon1 := origin.Longitude * math.Pi / 180.0
	angular := distanceMeters / EarthRadiusMeters

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(angular) + math.Cos(lat1)*math.Sin(angular)*math.Cos(bearingRadians))
	lon2 := lon1 + math.Atan2(
		math.Sin(bearingRadians)*math.Sin(angular)*math.Cos(lat1),
		math.Cos(angular)-math.Sin(lat1)*math.Sin(lat2),
	)

	return geo.Coordinates{
		Longitude: lon2 * 180.0 / math.Pi,
		Latitude:  lat2 * 180.0 / math.Pi,
	}
}
