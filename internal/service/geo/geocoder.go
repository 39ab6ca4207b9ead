// internal/service/geo/geocoder.go

package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/logging"
	"nomadnet/internal/metrics"
)

// GeocoderConfig contains configuration for the reverse geocoder
type GeocoderConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration

	// RequestsPerSecond throttles attempts; Nominatim allows one per second
	RequestsPerSecond float64

	// FailureThreshold consecutive failures open the breaker for BreakerTimeout
	FailureThreshold uint32
	BreakerTimeout   time.Duration
}

// DefaultGeocoderConfig returns the public Nominatim settings
func DefaultGeocoderConfig() GeocoderConfig {
	return GeocoderConfig{
		BaseURL:           "https://nominatim.openstreetmap.org/reverse",
		UserAgent:         "NomadNet-Chat-App",
		Timeout:           10 * time.Second,
		RequestsPerSecond: 1,
		FailureThreshold:  5,
		BreakerTimeout:    time.Minute,
	}
}

// nominatimReverse is the subset of the reverse endpoint response we read
type nominatimReverse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
	Address     struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		County  string `json:"county"`
		Country string `json:"country"`
	} `json:"address"`
}

// NominatimResolver resolves coordinates to a place via Nominatim.
// Every failure is absorbed into geo.UnknownPlace.
type NominatimResolver struct {
	config  GeocoderConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[geo.PlaceInfo]
	log     zerolog.Logger
}

// NewNominatimResolver creates a new resolver
func NewNominatimResolver(config GeocoderConfig) *NominatimResolver {
	if config.BaseURL == "" {
		config.BaseURL = DefaultGeocoderConfig().BaseURL
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultGeocoderConfig().UserAgent
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}

	r := &NominatimResolver{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		log:     logging.With("geocoder"),
	}

	threshold := config.FailureThreshold
	r.breaker = gobreaker.NewCircuitBreaker[geo.PlaceInfo](gobreaker.Settings{
		Name:    "nominatim",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Geocoder breaker state changed")
		},
	})

	return r
}

// Resolve returns the place for a coordinate pair. It never fails.
func (r *NominatimResolver) Resolve(ctx context.Context, longitude, latitude float64) geo.PlaceInfo {
	if err := r.limiter.Wait(ctx); err != nil {
		metrics.GeocodeRequests.WithLabelValues("failed").Inc()
		r.log.Debug().Err(err).Msg("Geocode throttled")
		return geo.UnknownPlace(longitude, latitude)
	}

	place, err := r.breaker.Execute(func() (geo.PlaceInfo, error) {
		return r.reverse(ctx, longitude, latitude)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.GeocodeRequests.WithLabelValues("short_circuited").Inc()
		} else {
			metrics.GeocodeRequests.WithLabelValues("failed").Inc()
		}
		r.log.Warn().Err(err).Float64("lat", latitude).Float64("lon", longitude).Msg("Reverse geocode failed")
		return geo.UnknownPlace(longitude, latitude)
	}

	metrics.GeocodeRequests.WithLabelValues("resolved").Inc()
	return place
}

func (r *NominatimResolver) reverse(ctx context.Context, longitude, latitude float64) (geo.PlaceInfo, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(latitude, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(longitude, 'f', -1, 64))
	params.Set("format", "json")
	params.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return geo.PlaceInfo{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", r.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return geo.PlaceInfo{}, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return geo.PlaceInfo{}, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return geo.PlaceInfo{}, fmt.Errorf("read body: %w", err)
	}

	var payload nominatimReverse
	if err := json.Unmarshal(body, &payload); err != nil {
		return geo.PlaceInfo{}, fmt.Errorf("decode body: %w", err)
	}
	if payload.Error != "" {
		return geo.PlaceInfo{}, fmt.Errorf("nominatim: %s", payload.Error)
	}

	place := geo.UnknownPlace(longitude, latitude)
	for _, candidate := range []string{payload.Address.City, payload.Address.Town, payload.Address.Village, payload.Address.County} {
		if candidate != "" {
			place.City = candidate
			break
		}
	}
	if payload.Address.Country != "" {
		place.Country = payload.Address.Country
	}
	if payload.DisplayName != "" {
		place.FormattedAddress = payload.DisplayName
	}

	return place, nil
}
