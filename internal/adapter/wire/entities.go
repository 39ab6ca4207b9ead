// internal/adapter/wire/entities.go

// Package wire decodes the backend's JSON representations of nearby
// entities. Locations are GeoJSON points; ids arrive as "id" or "_id".
package wire

import (
	"errors"
	"fmt"
	"time"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/nearby"
)

var (
	errMissingID       = errors.New("missing id")
	errInvalidLocation = errors.New("invalid location")
)

// IDs collects the id spellings the backend uses
type IDs struct {
	ID      string `json:"id"`
	MongoID string `json:"_id"`
}

func (i IDs) resolve() string {
	if i.ID != "" {
		return i.ID
	}
	return i.MongoID
}

// User is a nearby user as returned by /map/nearby and map:user-entered
type User struct {
	IDs
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar"`
	Profession  string    `json:"profession"`
	Location    geo.Point `json:"location"`
}

// Person converts the user to a store entity
func (u User) Person() (nearby.Person, error) {
	id := u.UserID
	if id == "" {
		id = u.resolve()
	}
	if id == "" {
		return nearby.Person{}, fmt.Errorf("user: %w", errMissingID)
	}

	pos, ok := u.Location.ToCoordinates()
	if !ok {
		return nearby.Person{}, fmt.Errorf("user %s: %w", id, errInvalidLocation)
	}

	display := u.DisplayName
	if display == "" {
		display = u.Username
	}

	return nearby.Person{
		ID:          id,
		Username:    u.Username,
		DisplayName: display,
		Avatar:      u.Avatar,
		Profession:  u.Profession,
		Position:    pos,
	}, nil
}

// Venue is a venue record
type Venue struct {
	IDs
	Name     string    `json:"name"`
	Category string    `json:"category"`
	Location geo.Point `json:"location"`
}

// Entity converts the venue to a store entity
func (v Venue) Entity() (nearby.Venue, error) {
	id := v.resolve()
	if id == "" {
		return nearby.Venue{}, fmt.Errorf("venue: %w", errMissingID)
	}
	pos, ok := v.Location.ToCoordinates()
	if !ok {
		return nearby.Venue{}, fmt.Errorf("venue %s: %w", id, errInvalidLocation)
	}
	return nearby.Venue{ID: id, Name: v.Name, Category: v.Category, Position: pos}, nil
}

// MarketplaceItem is a listing. Prices arrive either flat or as priceInfo.
type MarketplaceItem struct {
	IDs
	Title     string            `json:"title"`
	Price     *float64          `json:"price"`
	Currency  string            `json:"currency"`
	PriceInfo *nearby.PriceInfo `json:"priceInfo"`
	Location  geo.Point         `json:"location"`
}

// Entity converts the listing to a store entity
func (m MarketplaceItem) Entity() (nearby.MarketplaceItem, error) {
	id := m.resolve()
	if id == "" {
		return nearby.MarketplaceItem{}, fmt.Errorf("marketplace item: %w", errMissingID)
	}
	pos, ok := m.Location.ToCoordinates()
	if !ok {
		return nearby.MarketplaceItem{}, fmt.Errorf("marketplace item %s: %w", id, errInvalidLocation)
	}

	item := nearby.MarketplaceItem{ID: id, Title: m.Title, Position: pos}
	switch {
	case m.PriceInfo != nil:
		item.PriceInfo = *m.PriceInfo
	case m.Price != nil:
		item.PriceInfo = nearby.PriceInfo{Amount: *m.Price, Currency: m.Currency}
	}
	return item, nil
}

// UserRef is the embedded author of a check-in
type UserRef struct {
	IDs
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

// VenueRef is the embedded venue of a check-in
type VenueRef struct {
	IDs
	Name string `json:"name"`
}

// CheckIn is a check-in record
type CheckIn struct {
	IDs
	CheckInID string     `json:"checkInId"`
	User      UserRef    `json:"user"`
	Venue     *VenueRef  `json:"venue"`
	Note      *string    `json:"note"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Location  geo.Point  `json:"location"`
}

// checkInID prefers the explicit checkInId over the record id, so
// creates and deletes key a check-in the same way
func checkInID(explicit string, ids IDs) string {
	if explicit != "" {
		return explicit
	}
	return ids.resolve()
}

// Entity converts the check-in to a store entity
func (c CheckIn) Entity() (nearby.CheckIn, error) {
	id := checkInID(c.CheckInID, c.IDs)
	if id == "" {
		return nearby.CheckIn{}, fmt.Errorf("check-in: %w", errMissingID)
	}
	pos, ok := c.Location.ToCoordinates()
	if !ok {
		return nearby.CheckIn{}, fmt.Errorf("check-in %s: %w", id, errInvalidLocation)
	}

	out := nearby.CheckIn{
		ID: id,
		User: nearby.UserRef{
			ID:          c.User.resolve(),
			Username:    c.User.Username,
			DisplayName: c.User.DisplayName,
			Avatar:      c.User.Avatar,
		},
		Note:      c.Note,
		ExpiresAt: c.ExpiresAt,
		Position:  pos,
	}
	if c.Venue != nil {
		out.Venue = &nearby.VenueRef{ID: c.Venue.resolve(), Name: c.Venue.Name}
	}
	return out, nil
}

// NearbyResponse is the body of GET /map/nearby
type NearbyResponse struct {
	Data struct {
		Users       []User            `json:"users"`
		Venues      []Venue           `json:"venues"`
		Marketplace []MarketplaceItem `json:"marketplace"`
		CheckIns    []CheckIn         `json:"checkIns"`
	} `json:"data"`
}

// Entities converts every record, skipping malformed ones. The returned
// errors describe what was skipped.
func (r NearbyResponse) Entities() ([]nearby.Entity, []error) {
	var (
		out  []nearby.Entity
		errs []error
	)

	for _, u := range r.Data.Users {
		if p, err := u.Person(); err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, p)
		}
	}
	for _, v := range r.Data.Venues {
		if e, err := v.Entity(); err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, e)
		}
	}
	for _, m := range r.Data.Marketplace {
		if e, err := m.Entity(); err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, e)
		}
	}
	for _, c := range r.Data.CheckIns {
		if e, err := c.Entity(); err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, e)
		}
	}

	return out, errs
}
