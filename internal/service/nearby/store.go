// internal/service/nearby/store.go

package nearby

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"nomadnet/internal/domain/nearby"
	"nomadnet/internal/metrics"
)

// Op names a store mutation
type Op string

const (
	OpCreated  Op = "created"
	OpUpdated  Op = "updated"
	OpDeleted  Op = "deleted"
	OpReplaced Op = "replaced"
)

// Change describes one applied mutation. Entity is nil for deletes and
// replacements.
type Change struct {
	Op      Op
	Kind    nearby.Kind
	ID      string
	Entity  nearby.Entity
	Version uint64
}

type entry struct {
	entity    nearby.Entity
	synthetic bool
}

// Store holds the nearby snapshot. All mutation goes through its methods.
//
// Real entities win over synthetic ones sharing a key. Synthetic entries
// are only removed by a refresh of their kind or by a real entity with
// the same key.
type Store struct {
	mu          sync.RWMutex
	kinds       map[nearby.Kind]map[string]entry
	version     uint64
	refreshedAt time.Time
	restored    bool
	now         func() time.Time

	listenersMu  sync.Mutex
	listeners    map[int]func(Change)
	nextListener int
}

// NewStore creates an empty store
func NewStore() *Store {
	s := &Store{
		kinds:     make(map[nearby.Kind]map[string]entry, len(nearby.Kinds)),
		now:       time.Now,
		listeners: make(map[int]func(Change)),
	}
	for _, k := range nearby.Kinds {
		s.kinds[k] = make(map[string]entry)
	}
	return s
}

// Subscribe registers fn for every applied change and returns a function
// that removes it. fn runs outside the store lock.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// ReplaceAll replaces every kind with entities
func (s *Store) ReplaceAll(entities []nearby.Entity) {
	s.ReplaceKinds(nearby.Kinds, entities, nil)
}

// ReplaceAllWithSynthetic replaces every kind with entities followed by
// flagged synthetic entries
func (s *Store) ReplaceAllWithSynthetic(entities, synthetic []nearby.Entity) {
	s.ReplaceKinds(nearby.Kinds, entities, synthetic)
}

// ReplaceKinds atomically replaces the mappings of the listed kinds.
// Entities of other kinds are ignored.
func (s *Store) ReplaceKinds(kinds []nearby.Kind, entities, synthetic []nearby.Entity) {
	fresh := make(map[nearby.Kind]map[string]entry, len(kinds))
	for _, k := range kinds {
		fresh[k] = make(map[string]entry)
	}

	for _, e := range synthetic {
		if m, ok := fresh[e.Key().Kind]; ok {
			m[e.Key().ID] = entry{entity: e, synthetic: true}
		}
	}
	for _, e := range entities {
		if m, ok := fresh[e.Key().Kind]; ok {
			m[e.Key().ID] = entry{entity: e}
		}
	}

	s.mu.Lock()
	for k, m := range fresh {
		s.kinds[k] = m
	}
	s.version++
	s.refreshedAt = s.now()
	s.restored = false
	changes := make([]Change, 0, len(kinds))
	for _, k := range kinds {
		changes = append(changes, Change{Op: OpReplaced, Kind: k, Version: s.version})
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.notify(changes...)
}

// Restore loads a previously exported snapshot, flagging the content as
// last known rather than freshly fetched
func (s *Store) Restore(snap nearby.Snapshot) {
	s.ReplaceAll(snap.Entities())

	s.mu.Lock()
	s.restored = true
	s.refreshedAt = snap.RefreshedAt
	s.mu.Unlock()
}

// ApplyCreate inserts or overwrites by key. Reapplying an identical entity
// changes nothing.
func (s *Store) ApplyCreate(e nearby.Entity) {
	key := e.Key()

	s.mu.Lock()
	m, ok := s.kinds[key.Kind]
	if !ok {
		s.mu.Unlock()
		return
	}
	if cur, exists := m[key.ID]; exists && !cur.synthetic && reflect.DeepEqual(cur.entity, e) {
		s.mu.Unlock()
		return
	}
	m[key.ID] = entry{entity: e}
	s.version++
	change := Change{Op: OpCreated, Kind: key.Kind, ID: key.ID, Entity: e, Version: s.version}
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.notify(change)
}

// ApplyUpdate merges patch into an existing entity. It reports whether
// the entity was present; unknown ids are ignored.
func (s *Store) ApplyUpdate(kind nearby.Kind, id string, patch nearby.Patch) bool {
	s.mu.Lock()
	cur, ok := s.kinds[kind][id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	updated := nearby.Apply(cur.entity, patch)
	if reflect.DeepEqual(cur.entity, updated) {
		s.mu.Unlock()
		return true
	}
	s.kinds[kind][id] = entry{entity: updated, synthetic: cur.synthetic}
	s.version++
	change := Change{Op: OpUpdated, Kind: kind, ID: id, Entity: updated, Version: s.version}
	s.mu.Unlock()

	s.notify(change)
	return true
}

// ApplyDelete removes a real entity by key. It reports whether anything
// was removed; absent and synthetic keys are left alone.
func (s *Store) ApplyDelete(kind nearby.Kind, id string) bool {
	s.mu.Lock()
	cur, ok := s.kinds[kind][id]
	if !ok || cur.synthetic {
		s.mu.Unlock()
		return false
	}
	delete(s.kinds[kind], id)
	s.version++
	change := Change{Op: OpDeleted, Kind: kind, ID: id, Version: s.version}
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.notify(change)
	return true
}

// PruneExpired drops real check-ins whose expiry has passed and returns
// how many were removed
func (s *Store) PruneExpired(now time.Time) int {
	s.mu.Lock()
	var changes []Change
	for id, e := range s.kinds[nearby.KindCheckIn] {
		c, ok := e.entity.(nearby.CheckIn)
		if !ok || e.synthetic || !c.Expired(now) {
			continue
		}
		delete(s.kinds[nearby.KindCheckIn], id)
		s.version++
		changes = append(changes, Change{Op: OpDeleted, Kind: nearby.KindCheckIn, ID: id, Version: s.version})
	}
	if len(changes) > 0 {
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	s.notify(changes...)
	return len(changes)
}

// SelectByKind returns one kind's entities ordered by id
func (s *Store) SelectByKind(kind nearby.Kind) []nearby.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.kinds[kind]
	out := make([]nearby.Entity, 0, len(m))
	for _, e := range m {
		out = append(out, e.entity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().ID < out[j].Key().ID })
	return out
}

// Len returns the number of entities of a kind, synthetic included
func (s *Store) Len(kind nearby.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.kinds[kind])
}

// IsSynthetic reports whether key is a locally generated entry
func (s *Store) IsSynthetic(key nearby.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kinds[key.Kind][key.ID].synthetic
}

// Snapshot returns the typed projections, synthetic entries included
func (s *Store) Snapshot() nearby.Snapshot {
	return s.snapshot(true)
}

// Export returns the real entities only, for persistence
func (s *Store) Export() nearby.Snapshot {
	return s.snapshot(false)
}

func (s *Store) snapshot(withSynthetic bool) nearby.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := nearby.Snapshot{
		People:      []nearby.Person{},
		Venues:      []nearby.Venue{},
		Marketplace: []nearby.MarketplaceItem{},
		CheckIns:    []nearby.CheckIn{},
		Version:     s.version,
		RefreshedAt: s.refreshedAt,
		Restored:    s.restored,
	}

	for _, kind := range nearby.Kinds {
		ids := make([]string, 0, len(s.kinds[kind]))
		for id, e := range s.kinds[kind] {
			if e.synthetic && !withSynthetic {
				continue
			}
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			e := s.kinds[kind][id]
			if e.synthetic {
				snap.Synthetic = append(snap.Synthetic, e.entity.Key().String())
			}
			switch v := e.entity.(type) {
			case nearby.Person:
				snap.People = append(snap.People, v)
			case nearby.Venue:
				snap.Venues = append(snap.Venues, v)
			case nearby.MarketplaceItem:
				snap.Marketplace = append(snap.Marketplace, v)
			case nearby.CheckIn:
				snap.CheckIns = append(snap.CheckIns, v)
			}
		}
	}

	return snap
}

func (s *Store) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}

	s.listenersMu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

func (s *Store) updateGaugesLocked() {
	for kind, m := range s.kinds {
		metrics.NearbyEntities.WithLabelValues(string(kind)).Set(float64(len(m)))
	}
}
