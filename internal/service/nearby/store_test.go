package nearby

import (
	"reflect"
	"testing"
	"time"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/nearby"
)

func person(id string, lon, lat float64) nearby.Person {
	return nearby.Person{ID: id, DisplayName: "User " + id, Position: geo.Coordinates{Longitude: lon, Latitude: lat}}
}

func venue(id string) nearby.Venue {
	return nearby.Venue{ID: id, Name: "Venue " + id}
}

func ids(entities []nearby.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.Key().ID)
	}
	return out
}

func TestStoreIdempotentOperations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		apply func(s *Store)
	}{
		{"create", func(s *Store) { s.ApplyCreate(person("u2", 1, 1)) }},
		{"delete", func(s *Store) { s.ApplyDelete(nearby.KindPerson, "u1") }},
		{"update", func(s *Store) {
			pos := geo.Coordinates{Longitude: 9, Latitude: 9}
			s.ApplyUpdate(nearby.KindPerson, "u1", nearby.Patch{Position: &pos})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			once, twice := NewStore(), NewStore()
			for _, s := range []*Store{once, twice} {
				s.ReplaceAll([]nearby.Entity{person("u1", 0, 0), venue("v1")})
			}

			tt.apply(once)
			tt.apply(twice)
			tt.apply(twice)

			a, b := once.Snapshot(), twice.Snapshot()
			a.RefreshedAt, b.RefreshedAt = time.Time{}, time.Time{}
			if !reflect.DeepEqual(a, b) {
				t.Errorf("applying twice diverged:\nonce  %+v\ntwice %+v", a, b)
			}
		})
	}
}

func TestStoreReplaceAllHasNoLeakage(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ReplaceAll([]nearby.Entity{person("old", 0, 0), venue("v-old")})
	s.ApplyCreate(person("realtime", 0, 0))

	s.ReplaceAll(nil)
	s.ReplaceAll([]nearby.Entity{person("u1", 0, 0), person("u2", 0, 0), venue("v1")})

	if got := ids(s.SelectByKind(nearby.KindPerson)); !reflect.DeepEqual(got, []string{"u1", "u2"}) {
		t.Errorf("people = %v", got)
	}
	if got := ids(s.SelectByKind(nearby.KindVenue)); !reflect.DeepEqual(got, []string{"v1"}) {
		t.Errorf("venues = %v", got)
	}
	if got := s.Len(nearby.KindCheckIn); got != 0 {
		t.Errorf("check-ins = %d", got)
	}
}

func TestStoreReplaceKindsLeavesOtherKinds(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ReplaceAll([]nearby.Entity{person("u1", 0, 0), venue("v1")})
	s.ReplaceKinds([]nearby.Kind{nearby.KindVenue}, []nearby.Entity{venue("v2"), person("ignored", 0, 0)}, nil)

	if got := ids(s.SelectByKind(nearby.KindPerson)); !reflect.DeepEqual(got, []string{"u1"}) {
		t.Errorf("people = %v", got)
	}
	if got := ids(s.SelectByKind(nearby.KindVenue)); !reflect.DeepEqual(got, []string{"v2"}) {
		t.Errorf("venues = %v", got)
	}
}

func TestStoreSyntheticEntries(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ReplaceAllWithSynthetic(
		[]nearby.Entity{person("u1", 0, 0)},
		[]nearby.Entity{person("synthetic-1", 1, 1), person("u1", 5, 5)},
	)

	// The real entity wins over a synthetic one with the same key
	if s.IsSynthetic(nearby.Key{Kind: nearby.KindPerson, ID: "u1"}) {
		t.Error("real entity was shadowed by synthetic entry")
	}

	if s.ApplyDelete(nearby.KindPerson, "synthetic-1") {
		t.Error("synthetic entry removed by delete event")
	}
	if got := s.Len(nearby.KindPerson); got != 2 {
		t.Fatalf("people = %d, want 2", got)
	}

	snap := s.Snapshot()
	if !reflect.DeepEqual(snap.Synthetic, []string{"person/synthetic-1"}) {
		t.Errorf("Synthetic = %v", snap.Synthetic)
	}
	if exported := s.Export(); len(exported.People) != 1 || exported.People[0].ID != "u1" {
		t.Errorf("Export = %+v, want real entities only", exported.People)
	}

	// A real create claims the key
	s.ApplyCreate(person("synthetic-1", 2, 2))
	if s.IsSynthetic(nearby.Key{Kind: nearby.KindPerson, ID: "synthetic-1"}) {
		t.Error("create did not replace synthetic entry")
	}
}

func TestStoreUnknownIDsAreNoOps(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ReplaceAll([]nearby.Entity{person("u2", 0, 0)})
	before := s.Snapshot()

	var changes int
	s.Subscribe(func(Change) { changes++ })

	if s.ApplyDelete(nearby.KindPerson, "u1") {
		t.Error("delete of unknown id reported a removal")
	}
	pos := geo.Coordinates{Longitude: 1, Latitude: 1}
	if s.ApplyUpdate(nearby.KindPerson, "u1", nearby.Patch{Position: &pos}) {
		t.Error("update of unknown id reported a match")
	}

	if after := s.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Errorf("snapshot changed: %+v -> %+v", before, after)
	}
	if changes != 0 {
		t.Errorf("got %d change notifications", changes)
	}
}

func TestStoreApplyUpdateMergesFields(t *testing.T) {
	t.Parallel()

	note := "grabbing coffee"
	s := NewStore()
	s.ApplyCreate(nearby.CheckIn{ID: "c1", User: nearby.UserRef{ID: "u1"}, Note: &note})

	newNote := "leaving soon"
	pos := geo.Coordinates{Longitude: 3, Latitude: 4}
	if !s.ApplyUpdate(nearby.KindCheckIn, "c1", nearby.Patch{Note: &newNote, Position: &pos, Title: &newNote}) {
		t.Fatal("update not applied")
	}

	got := s.SelectByKind(nearby.KindCheckIn)[0].(nearby.CheckIn)
	if *got.Note != newNote || got.Position != pos || got.User.ID != "u1" {
		t.Errorf("merged check-in = %+v", got)
	}
	if note != "grabbing coffee" {
		t.Error("patch mutated the caller's value")
	}
}

func TestStorePruneExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	past, future := now.Add(-time.Minute), now.Add(time.Hour)

	s := NewStore()
	s.ReplaceAllWithSynthetic(
		[]nearby.Entity{
			nearby.CheckIn{ID: "expired", ExpiresAt: &past},
			nearby.CheckIn{ID: "live", ExpiresAt: &future},
			nearby.CheckIn{ID: "open"},
		},
		[]nearby.Entity{nearby.CheckIn{ID: "synthetic-old", ExpiresAt: &past}},
	)

	if got := s.PruneExpired(now); got != 1 {
		t.Errorf("PruneExpired = %d, want 1", got)
	}
	if got := ids(s.SelectByKind(nearby.KindCheckIn)); !reflect.DeepEqual(got, []string{"live", "open", "synthetic-old"}) {
		t.Errorf("remaining = %v", got)
	}
}

func TestStoreRestoreAndNotify(t *testing.T) {
	t.Parallel()

	src := NewStore()
	src.ReplaceAll([]nearby.Entity{person("u1", 0, 0), venue("v1")})
	exported := src.Export()

	dst := NewStore()
	var ops []Op
	unsubscribe := dst.Subscribe(func(c Change) { ops = append(ops, c.Op) })

	dst.Restore(exported)
	snap := dst.Snapshot()
	if !snap.Restored || snap.Len() != 2 || !snap.RefreshedAt.Equal(exported.RefreshedAt) {
		t.Errorf("restored snapshot = %+v", snap)
	}

	dst.ApplyCreate(person("u2", 0, 0))
	dst.ApplyDelete(nearby.KindPerson, "u2")
	unsubscribe()
	dst.ApplyCreate(person("u3", 0, 0))

	want := []Op{OpReplaced, OpReplaced, OpReplaced, OpReplaced, OpCreated, OpDeleted}
	if !reflect.DeepEqual(ops, want) {
		t.Errorf("ops = %v, want %v", ops, want)
	}

	// A fresh refresh clears the restored flag
	dst.ReplaceAll(nil)
	if dst.Snapshot().Restored {
		t.Error("refresh did not clear restored flag")
	}
}
