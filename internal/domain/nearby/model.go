// internal/domain/nearby/model.go

package nearby

import (
	"fmt"
	"time"

	"nomadnet/internal/domain/geo"
)

// Kind identifies one of the four nearby entity variants
type Kind string

const (
	KindPerson          Kind = "person"
	KindVenue           Kind = "venue"
	KindMarketplaceItem Kind = "marketplace_item"
	KindCheckIn         Kind = "check_in"
)

// Kinds lists every entity kind
var Kinds = []Kind{KindPerson, KindVenue, KindMarketplaceItem, KindCheckIn}

// ParseKind accepts the canonical names plus the plural forms used by the
// nearby endpoint ("users", "venues", "marketplace", "checkins")
func ParseKind(s string) (Kind, error) {
	switch s {
	case "person", "people", "user", "users":
		return KindPerson, nil
	case "venue", "venues":
		return KindVenue, nil
	case "marketplace_item", "marketplace":
		return KindMarketplaceItem, nil
	case "check_in", "checkin", "checkins", "checkIns":
		return KindCheckIn, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
}

// QueryName is the name the nearby endpoint's types parameter uses
func (k Kind) QueryName() string {
	switch k {
	case KindPerson:
		return "users"
	case KindVenue:
		return "venues"
	case KindMarketplaceItem:
		return "marketplace"
	case KindCheckIn:
		return "checkins"
	default:
		return string(k)
	}
}

// Key is the identity of an entity
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID
}

// Entity is the tagged union over Person, Venue, MarketplaceItem and CheckIn.
// Consumers switch exhaustively on the concrete type.
type Entity interface {
	Key() Key
	Location() geo.Coordinates
	apply(p Patch) Entity
}

// Person is another user nearby
type Person struct {
	ID          string          `json:"id"`
	Username    string          `json:"username,omitempty"`
	DisplayName string          `json:"displayName"`
	Avatar      string          `json:"avatar,omitempty"`
	Profession  string          `json:"profession,omitempty"`
	Position    geo.Coordinates `json:"position"`
}

// Venue is a place users can check in to
type Venue struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category,omitempty"`
	Position geo.Coordinates `json:"position"`
}

// PriceInfo is an asking price
type PriceInfo struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

// MarketplaceItem is an item listed for sale nearby
type MarketplaceItem struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	PriceInfo PriceInfo       `json:"priceInfo"`
	Position  geo.Coordinates `json:"position"`
}

// UserRef is the author of a check-in
type UserRef struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// VenueRef is the venue a check-in was made at
type VenueRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// CheckIn is a user's time-limited presence marker
type CheckIn struct {
	ID        string          `json:"id"`
	User      UserRef         `json:"user"`
	Venue     *VenueRef       `json:"venue,omitempty"`
	Note      *string         `json:"note,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
	Position  geo.Coordinates `json:"position"`
}

// Expired reports whether the check-in has an expiry at or before now
func (c CheckIn) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

func (p Person) Key() Key                           { return Key{Kind: KindPerson, ID: p.ID} }
func (v Venue) Key() Key                            { return Key{Kind: KindVenue, ID: v.ID} }
func (m MarketplaceItem) Key() Key                  { return Key{Kind: KindMarketplaceItem, ID: m.ID} }
func (c CheckIn) Key() Key                          { return Key{Kind: KindCheckIn, ID: c.ID} }
func (p Person) Location() geo.Coordinates          { return p.Position }
func (v Venue) Location() geo.Coordinates           { return v.Position }
func (m MarketplaceItem) Location() geo.Coordinates { return m.Position }
func (c CheckIn) Location() geo.Coordinates         { return c.Position }

// Patch carries the mutable fields of an update event. Nil fields are left
// untouched; fields that do not exist on the target variant are ignored.
type Patch struct {
	Position    *geo.Coordinates
	DisplayName *string
	Avatar      *string
	Profession  *string
	Name        *string
	Category    *string
	Title       *string
	PriceInfo   *PriceInfo
	Note        *string
	ExpiresAt   *time.Time
}

// Empty reports whether the patch changes nothing
func (p Patch) Empty() bool {
	return p == Patch{}
}

// Apply merges a patch into an entity, returning the updated copy
func Apply(e Entity, p Patch) Entity {
	return e.apply(p)
}

func (p Person) apply(patch Patch) Entity {
	if patch.Position != nil {
		p.Position = *patch.Position
	}
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.Avatar != nil {
		p.Avatar = *patch.Avatar
	}
	if patch.Profession != nil {
		p.Profession = *patch.Profession
	}
	return p
}

func (v Venue) apply(patch Patch) Entity {
	if patch.Position != nil {
		v.Position = *patch.Position
	}
	if patch.Name != nil {
		v.Name = *patch.Name
	}
	if patch.Category != nil {
		v.Category = *patch.Category
	}
	return v
}

func (m MarketplaceItem) apply(patch Patch) Entity {
	if patch.Position != nil {
		m.Position = *patch.Position
	}
	if patch.Title != nil {
		m.Title = *patch.Title
	}
	if patch.PriceInfo != nil {
		m.PriceInfo = *patch.PriceInfo
	}
	return m
}

func (c CheckIn) apply(patch Patch) Entity {
	if patch.Position != nil {
		c.Position = *patch.Position
	}
	if patch.Note != nil {
		note := *patch.Note
		c.Note = &note
	}
	if patch.ExpiresAt != nil {
		at := *patch.ExpiresAt
		c.ExpiresAt = &at
	}
	return c
}

// Query selects the entities of a full refresh. Radius is in meters.
type Query struct {
	Center geo.Coordinates
	Radius float64
	Types  []Kind
	Limit  int
}

// Snapshot is the four per-kind projections handed to consumers
type Snapshot struct {
	People      []Person          `json:"users"`
	Venues      []Venue           `json:"venues"`
	Marketplace []MarketplaceItem `json:"marketplace"`
	CheckIns    []CheckIn         `json:"checkIns"`
	Synthetic   []string          `json:"synthetic,omitempty"` // keys of locally generated entries
	Version     uint64            `json:"version"`
	RefreshedAt time.Time         `json:"refreshedAt"`
	Restored    bool              `json:"restored"`
}

// Entities flattens the snapshot
func (s Snapshot) Entities() []Entity {
	out := make([]Entity, 0, len(s.People)+len(s.Venues)+len(s.Marketplace)+len(s.CheckIns))
	for _, p := range s.People {
		out = append(out, p)
	}
	for _, v := range s.Venues {
		out = append(out, v)
	}
	for _, m := range s.Marketplace {
		out = append(out, m)
	}
	for _, c := range s.CheckIns {
		out = append(out, c)
	}
	return out
}

// Len is the total number of entities in the snapshot
func (s Snapshot) Len() int {
	return len(s.People) + len(s.Venues) + len(s.Marketplace) + len(s.CheckIns)
}
