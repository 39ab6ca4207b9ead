// internal/adapter/wire/events.go

package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/nearby"
)

// Realtime event names
const (
	EventJoin = "map:join"

	EventCheckInCreated     = "map:checkin-created"
	EventCheckInUpdated     = "map:checkin-updated"
	EventCheckInDeleted     = "map:checkin-deleted"
	EventCheckInExpired     = "map:checkin-expired"
	EventMarketplaceCreated = "map:marketplace-created"
	EventVenueCreated       = "map:venue-created"
	EventUserEntered        = "map:user-entered"
	EventUserLeft           = "map:user-left"
	EventLocationUpdated    = "map:location-updated"
)

// ErrUnknownEvent is returned for events with no store mapping
var ErrUnknownEvent = errors.New("unknown event")

// Envelope frames every realtime message
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEvent frames data under event
func EncodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// JoinArea registers the connection's spatial interest
type JoinArea struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Radius    float64 `json:"radius"`
}

// MutationOp is the store operation an event maps to
type MutationOp int

const (
	MutationCreate MutationOp = iota + 1
	MutationUpdate
	MutationDelete
)

func (op MutationOp) String() string {
	switch op {
	case MutationCreate:
		return "create"
	case MutationUpdate:
		return "update"
	case MutationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation is a decoded event ready to apply to the store. Entity is set
// for creates; Kind and ID for updates and deletes; Patch for updates.
type Mutation struct {
	Op     MutationOp
	Entity nearby.Entity
	Kind   nearby.Kind
	ID     string
	Patch  nearby.Patch
}

type userRefPayload struct {
	UserID   string    `json:"userId"`
	Location geo.Point `json:"location"`
}

type checkInRefPayload struct {
	IDs
	CheckInID string     `json:"checkInId"`
	Note      *string    `json:"note"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Location  *geo.Point `json:"location"`
}

func (p checkInRefPayload) id() string {
	return checkInID(p.CheckInID, p.IDs)
}

// DecodeEvent maps an envelope to its store mutation
func DecodeEvent(env Envelope) (Mutation, error) {
	switch env.Event {
	case EventCheckInCreated:
		var c CheckIn
		if err := decodeWrapped(env.Data, "checkIn", &c); err != nil {
			return Mutation{}, err
		}
		e, err := c.Entity()
		if err != nil {
			return Mutation{}, err
		}
		return Mutation{Op: MutationCreate, Entity: e}, nil

	case EventMarketplaceCreated:
		var m MarketplaceItem
		if err := decodeWrapped(env.Data, "item", &m); err != nil {
			return Mutation{}, err
		}
		e, err := m.Entity()
		if err != nil {
			return Mutation{}, err
		}
		return Mutation{Op: MutationCreate, Entity: e}, nil

	case EventVenueCreated:
		var v Venue
		if err := decodeWrapped(env.Data, "venue", &v); err != nil {
			return Mutation{}, err
		}
		e, err := v.Entity()
		if err != nil {
			return Mutation{}, err
		}
		return Mutation{Op: MutationCreate, Entity: e}, nil

	case EventUserEntered:
		var u User
		if err := decode(env.Data, &u); err != nil {
			return Mutation{}, err
		}
		p, err := u.Person()
		if err != nil {
			return Mutation{}, err
		}
		return Mutation{Op: MutationCreate, Entity: p}, nil

	case EventUserLeft:
		var ref userRefPayload
		if err := decode(env.Data, &ref); err != nil {
			return Mutation{}, err
		}
		if ref.UserID == "" {
			return Mutation{}, fmt.Errorf("%s: %w", env.Event, errMissingID)
		}
		return Mutation{Op: MutationDelete, Kind: nearby.KindPerson, ID: ref.UserID}, nil

	case EventLocationUpdated:
		var ref userRefPayload
		if err := decode(env.Data, &ref); err != nil {
			return Mutation{}, err
		}
		if ref.UserID == "" {
			return Mutation{}, fmt.Errorf("%s: %w", env.Event, errMissingID)
		}
		pos, ok := ref.Location.ToCoordinates()
		if !ok {
			return Mutation{}, fmt.Errorf("%s %s: %w", env.Event, ref.UserID, errInvalidLocation)
		}
		return Mutation{Op: MutationUpdate, Kind: nearby.KindPerson, ID: ref.UserID, Patch: nearby.Patch{Position: &pos}}, nil

	case EventCheckInDeleted, EventCheckInExpired:
		var ref checkInRefPayload
		if err := decode(env.Data, &ref); err != nil {
			return Mutation{}, err
		}
		if ref.id() == "" {
			return Mutation{}, fmt.Errorf("%s: %w", env.Event, errMissingID)
		}
		return Mutation{Op: MutationDelete, Kind: nearby.KindCheckIn, ID: ref.id()}, nil

	case EventCheckInUpdated:
		var ref checkInRefPayload
		if err := decode(env.Data, &ref); err != nil {
			return Mutation{}, err
		}
		if ref.id() == "" {
			return Mutation{}, fmt.Errorf("%s: %w", env.Event, errMissingID)
		}
		patch := nearby.Patch{Note: ref.Note, ExpiresAt: ref.ExpiresAt}
		if ref.Location != nil {
			pos, ok := ref.Location.ToCoordinates()
			if !ok {
				return Mutation{}, fmt.Errorf("%s %s: %w", env.Event, ref.id(), errInvalidLocation)
			}
			patch.Position = &pos
		}
		return Mutation{Op: MutationUpdate, Kind: nearby.KindCheckIn, ID: ref.id(), Patch: patch}, nil

	default:
		return Mutation{}, fmt.Errorf("%q: %w", env.Event, ErrUnknownEvent)
	}
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// decodeWrapped accepts the record either bare or nested under key
func decodeWrapped(data []byte, key string, v any) error {
	var outer map[string]json.RawMessage
	if err := decode(data, &outer); err != nil {
		return err
	}
	if inner, ok := outer[key]; ok && len(inner) > 0 && inner[0] == '{' {
		return decode(inner, v)
	}
	return decode(data, v)
}
