// internal/adapter/realtime/events.go

package realtime

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"nomadnet/internal/adapter/wire"
	"nomadnet/internal/domain/nearby"
	"nomadnet/internal/logging"
)

// Store is the mutation surface the dispatcher drives
type Store interface {
	ApplyCreate(e nearby.Entity)
	ApplyUpdate(kind nearby.Kind, id string, patch nearby.Patch) bool
	ApplyDelete(kind nearby.Kind, id string) bool
}

// Dispatcher maps server events one-to-one onto store operations
type Dispatcher struct {
	store Store
	log   zerolog.Logger
}

// NewDispatcher creates a dispatcher over store
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{store: store, log: logging.With("dispatcher")}
}

// HandleEvent applies an event, logging anything it cannot apply
func (d *Dispatcher) HandleEvent(env wire.Envelope) {
	if err := d.Dispatch(env); err != nil {
		if errors.Is(err, wire.ErrUnknownEvent) {
			d.log.Debug().Str("event", env.Event).Msg("Ignoring unmapped event")
			return
		}
		d.log.Warn().Err(err).Str("event", env.Event).Msg("Dropping malformed event")
	}
}

// Dispatch decodes and applies an event. Updates and deletes for unknown
// ids are no-ops.
func (d *Dispatcher) Dispatch(env wire.Envelope) error {
	m, err := wire.DecodeEvent(env)
	if err != nil {
		return err
	}

	switch m.Op {
	case wire.MutationCreate:
		d.store.ApplyCreate(m.Entity)
	case wire.MutationUpdate:
		if !d.store.ApplyUpdate(m.Kind, m.ID, m.Patch) {
			d.log.Debug().Str("event", env.Event).Str("id", m.ID).Msg("Update for unknown entity")
		}
	case wire.MutationDelete:
		d.store.ApplyDelete(m.Kind, m.ID)
	default:
		return fmt.Errorf("%s: unsupported mutation %v", env.Event, m.Op)
	}
	return nil
}
