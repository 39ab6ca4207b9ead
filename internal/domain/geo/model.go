package geo

import (
	"strconv"
	"time"
)

// Coordinates is a WGS84 point
type Coordinates struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// PositionSample is a single fix delivered by a sampler
type PositionSample struct {
	Longitude      float64
	Latitude       float64
	AccuracyMeters float64
	CapturedAt     time.Time
}

// Coordinates returns the sample's point
func (s PositionSample) Coordinates() Coordinates {
	return Coordinates{Longitude: s.Longitude, Latitude: s.Latitude}
}

// CommittedLocation is the last sample accepted by the distance gate and
// pushed to the backend
type CommittedLocation struct {
	Longitude   float64   `json:"longitude"`
	Latitude    float64   `json:"latitude"`
	CommittedAt time.Time `json:"committedAt"`
}

// Coordinates returns the committed point
func (c CommittedLocation) Coordinates() Coordinates {
	return Coordinates{Longitude: c.Longitude, Latitude: c.Latitude}
}

// Unknown is the placeholder for place fields that could not be resolved
const Unknown = "Unknown"

// PlaceInfo is a human readable place for a committed location
type PlaceInfo struct {
	City             string `json:"city"`
	Country          string `json:"country"`
	FormattedAddress string `json:"formattedAddress,omitempty"`
}

// UnknownPlace returns the placeholder used when reverse geocoding fails
func UnknownPlace(longitude, latitude float64) PlaceInfo {
	return PlaceInfo{
		City:    Unknown,
		Country: Unknown,
		FormattedAddress: strconv.FormatFloat(latitude, 'f', -1, 64) + "," +
			strconv.FormatFloat(longitude, 'f', -1, 64),
	}
}

// LocationUpdate is the body pushed to the backend on each commit
type LocationUpdate struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	City      string  `json:"city"`
	Country   string  `json:"country"`
}

// Point is a GeoJSON point; coordinates are [lng, lat]
type Point struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// NewPoint builds a GeoJSON point from coordinates
func NewPoint(c Coordinates) Point {
	return Point{Type: "Point", Coordinates: []float64{c.Longitude, c.Latitude}}
}

// Valid reports whether the point carries a longitude and latitude
func (p Point) Valid() bool {
	return len(p.Coordinates) >= 2
}

// ToCoordinates converts the point; ok is false for malformed points
func (p Point) ToCoordinates() (Coordinates, bool) {
	if !p.Valid() {
		return Coordinates{}, false
	}
	return Coordinates{Longitude: p.Coordinates[0], Latitude: p.Coordinates[1]}, true
}
