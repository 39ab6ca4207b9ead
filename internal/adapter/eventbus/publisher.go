// internal/adapter/eventbus/publisher.go

// Package eventbus mirrors committed locations and nearby store changes
// onto NATS subjects for local consumers such as a map renderer.
package eventbus

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/nearby"
	"nomadnet/internal/logging"
	nearbyservice "nomadnet/internal/service/nearby"
)

// Config contains configuration for the NATS connection
type Config struct {
	URL            string
	SubjectPrefix  string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// Connect opens a NATS connection with logging reconnect handlers
func Connect(cfg Config) (*nats.Conn, error) {
	log := logging.With("eventbus")

	options := []nats.Option{
		nats.Name("nomadnet-tracker"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to NATS: %w", err)
	}
	return nc, nil
}

// Conn is the part of *nats.Conn the publisher uses
type Conn interface {
	Publish(subject string, data []byte) error
}

// LocationEvent is published on <prefix>.location.committed
type LocationEvent struct {
	Longitude   float64   `json:"longitude"`
	Latitude    float64   `json:"latitude"`
	CommittedAt time.Time `json:"committedAt"`
}

// ChangeEvent is published on <prefix>.nearby.<kind>.<op>
type ChangeEvent struct {
	Op      string        `json:"op"`
	Kind    string        `json:"kind"`
	ID      string        `json:"id,omitempty"`
	Entity  nearby.Entity `json:"entity,omitempty"`
	Version uint64        `json:"version"`
}

// Publisher publishes tracker events
type Publisher struct {
	conn   Conn
	prefix string
	log    zerolog.Logger
}

// NewPublisher creates a new publisher; prefix defaults to "nomadnet"
func NewPublisher(conn Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = "nomadnet"
	}
	return &Publisher{
		conn:   conn,
		prefix: prefix,
		log:    logging.With("eventbus"),
	}
}

// LocationSubject is the subject for committed locations
func (p *Publisher) LocationSubject() string {
	return p.prefix + ".location.committed"
}

// ChangeSubject is the subject for one kind of store change
func (p *Publisher) ChangeSubject(kind nearby.Kind, op nearbyservice.Op) string {
	return fmt.Sprintf("%s.nearby.%s.%s", p.prefix, kind, op)
}

// PublishCommit publishes a committed location. It matches the sync
// service's commit handler signature; failures are logged.
func (p *Publisher) PublishCommit(c geo.CommittedLocation) {
	p.publish(p.LocationSubject(), LocationEvent{
		Longitude:   c.Longitude,
		Latitude:    c.Latitude,
		CommittedAt: c.CommittedAt,
	})
}

// PublishChange publishes a store change. It matches the store's
// listener signature.
func (p *Publisher) PublishChange(c nearbyservice.Change) {
	p.publish(p.ChangeSubject(c.Kind, c.Op), ChangeEvent{
		Op:      string(c.Op),
		Kind:    string(c.Kind),
		ID:      c.ID,
		Entity:  c.Entity,
		Version: c.Version,
	})
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("Failed to encode event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}
