package couple

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/petervdpas/lovelink/internal/docstore"
	"github.com/petervdpas/lovelink/internal/together"
)

const LocationsCollection = "locations"

var ErrInvalidLocation = errors.New("couple: coordinates out of range")

// Location is the last position a user shared. Accuracy is in metres, 0 when
// unknown.
type Location struct {
	OwnerID   string    `json:"owner_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Distance is the pair of last known positions and the great-circle distance
// between them. Km is nil unless both positions are known.
type Distance struct {
	Self    *Location `json:"self"`
	Partner *Location `json:"partner"`
	Km      *float64  `json:"distance_km"`
}

// Locations keeps one location document per user.
type Locations struct {
	store   docstore.Store
	couples *Service
}

func NewLocations(store docstore.Store, couples *Service) *Locations {
	return &Locations{store: store, couples: couples}
}

// Share replaces userID's last location.
func (l *Locations) Share(ctx context.Context, userID string, lat, lon, accuracy float64) (Location, error) {
	if !validCoord(lat, 90) || !validCoord(lon, 180) || accuracy < 0 {
		return Location{}, ErrInvalidLocation
	}
	f := docstore.Fields{
		"owner_id":  userID,
		"latitude":  formatFloat(lat),
		"longitude": formatFloat(lon),
		"accuracy":  formatFloat(accuracy),
	}

	d, err := l.store.Update(ctx, LocationsCollection, userID, f)
	if errors.Is(err, docstore.ErrNotFound) {
		d, err = l.store.Create(ctx, LocationsCollection, userID, f)
		if errors.Is(err, docstore.ErrExists) {
			d, err = l.store.Update(ctx, LocationsCollection, userID, f)
		}
	}
	if err != nil {
		return Location{}, fmt.Errorf("share location: %w", err)
	}
	return locationFromDoc(d), nil
}

// Get returns userID's last location, or nil when they never shared one.
func (l *Locations) Get(ctx context.Context, userID string) (*Location, error) {
	d, err := l.store.Get(ctx, LocationsCollection, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get location: %w", err)
	}
	loc := locationFromDoc(d)
	return &loc, nil
}

// Distance reports how far userID is from their partner.
func (l *Locations) Distance(ctx context.Context, userID string) (Distance, error) {
	var out Distance
	self, err := l.Get(ctx, userID)
	if err != nil {
		return out, err
	}
	out.Self = self

	partner, err := l.couples.PartnerOf(ctx, userID)
	if err != nil || partner == "" {
		return out, err
	}
	if out.Partner, err = l.Get(ctx, partner); err != nil {
		return out, err
	}
	if out.Self != nil && out.Partner != nil {
		km := together.Haversine(out.Self.Latitude, out.Self.Longitude, out.Partner.Latitude, out.Partner.Longitude)
		out.Km = &km
	}
	return out, nil
}

func validCoord(v, limit float64) bool {
	return !math.IsNaN(v) && v >= -limit && v <= limit
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func locationFromDoc(d docstore.Doc) Location {
	return Location{
		OwnerID:   d.ID,
		Latitude:  parseFloat(d.Get("latitude")),
		Longitude: parseFloat(d.Get("longitude")),
		Accuracy:  parseFloat(d.Get("accuracy")),
		UpdatedAt: d.UpdatedAt,
	}
}
