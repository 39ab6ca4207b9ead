// internal/service/nearby/filler.go

package nearby

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/nearby"
	geoservice "nomadnet/internal/service/geo"
)

// SyntheticPrefix starts the id of every generated entity
const SyntheticPrefix = "synthetic-"

// FillerConfig controls padding of sparse map views
type FillerConfig struct {
	// PerKind is the minimum count per kind after padding; zero disables
	PerKind int

	// SpreadMeters bounds how far generated entities sit from the center
	SpreadMeters float64

	// CheckInTTL is the expiry given to generated check-ins
	CheckInTTL time.Duration
}

// Filler generates placeholder entities around a center point
type Filler struct {
	config FillerConfig
	random func() float64
	now    func() time.Time
}

// NewFiller creates a new filler
func NewFiller(config FillerConfig) *Filler {
	if config.SpreadMeters <= 0 {
		config.SpreadMeters = 1000
	}
	if config.CheckInTTL <= 0 {
		config.CheckInTTL = 2 * time.Hour
	}
	return &Filler{config: config, random: rand.Float64, now: time.Now}
}

// Enabled reports whether the filler generates anything
func (f *Filler) Enabled() bool {
	return f != nil && f.config.PerKind > 0
}

// Fill returns synthetic entities for each kind that has fewer than
// PerKind real entities
func (f *Filler) Fill(center geo.Coordinates, kinds []nearby.Kind, real []nearby.Entity) []nearby.Entity {
	if !f.Enabled() {
		return nil
	}

	counts := make(map[nearby.Kind]int, len(kinds))
	for _, e := range real {
		counts[e.Key().Kind]++
	}

	var out []nearby.Entity
	for _, kind := range kinds {
		for i := counts[kind]; i < f.config.PerKind; i++ {
			out = append(out, f.generate(kind, center, i+1))
		}
	}
	return out
}

func (f *Filler) generate(kind nearby.Kind, center geo.Coordinates, n int) nearby.Entity {
	id := SyntheticPrefix + uuid.New().String()

	// sqrt keeps the points evenly spread over the disc
	distance := f.config.SpreadMeters * math.Sqrt(f.random())
	pos := geoservice.Destination(center, distance, 2*math.Pi*f.random())

	switch kind {
	case nearby.KindPerson:
		return nearby.Person{ID: id, DisplayName: fmt.Sprintf("Nomad %d", n), Profession: "Traveler", Position: pos}
	case nearby.KindVenue:
		return nearby.Venue{ID: id, Name: fmt.Sprintf("Local spot %d", n), Category: "cafe", Position: pos}
	case nearby.KindMarketplaceItem:
		return nearby.MarketplaceItem{
			ID:        id,
			Title:     fmt.Sprintf("Listing %d", n),
			PriceInfo: nearby.PriceInfo{Amount: float64(5 * n), Currency: "USD"},
			Position:  pos,
		}
	default:
		note := "Working from here today"
		expires := f.now().Add(f.config.CheckInTTL)
		return nearby.CheckIn{
			ID:        id,
			User:      nearby.UserRef{ID: SyntheticPrefix + "user", DisplayName: fmt.Sprintf("Nomad %d", n)},
			Note:      &note,
			ExpiresAt: &expires,
			Position:  pos,
		}
	}
}
