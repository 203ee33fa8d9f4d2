// Package location tracks where the cameras are and turns coordinates into
// human readable addresses.
package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	kgeo "github.com/kellydunn/golang-geo"

	"crashwatch/internal/store"
)

// Default coordinates used until a location is reported (New Delhi)
const (
	DefaultLat = 28.6139
	DefaultLng = 77.2090
)

// DefaultLookupTimeout bounds a reverse geocoding call
const DefaultLookupTimeout = 5 * time.Second

// ErrInvalidCoordinates is returned for latitudes or longitudes out of range
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// Locator resolves coordinates to an address
type Locator interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (string, error)
}

// FormatCoordinates renders "lat, lng" using the shortest exact decimal form
func FormatCoordinates(lat, lng float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + ", " + strconv.FormatFloat(lng, 'f', -1, 64)
}

// ParseCoordinates parses the output of FormatCoordinates
func ParseCoordinates(s string) (store.Coordinates, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return store.Coordinates{}, fmt.Errorf("%w: %q", ErrInvalidCoordinates, s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return store.Coordinates{}, fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return store.Coordinates{}, fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
	}
	c := store.Coordinates{Lat: lat, Lng: lng}
	return c, Validate(c)
}

// Validate checks latitude and longitude ranges
func Validate(c store.Coordinates) error {
	if c.Lat != c.Lat || c.Lng != c.Lng {
		return fmt.Errorf("%w: NaN", ErrInvalidCoordinates)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinates, c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinates, c.Lng)
	}
	return nil
}

// Describe returns the address for the coordinates, or the literal
// coordinates when there is no locator or the lookup fails
func Describe(ctx context.Context, loc Locator, c store.Coordinates) string {
	if loc == nil {
		return FormatCoordinates(c.Lat, c.Lng)
	}
	addr, err := loc.ReverseGeocode(ctx, c.Lat, c.Lng)
	if err != nil || strings.TrimSpace(addr) == "" {
		return FormatCoordinates(c.Lat, c.Lng)
	}
	return addr
}

// DistanceKm returns the great circle distance between two positions
func DistanceKm(a, b store.Coordinates) float64 {
	return kgeo.NewPoint(a.Lat, a.Lng).GreatCircleDistance(kgeo.NewPoint(b.Lat, b.Lng))
}

// Tracker holds the current camera location
type Tracker struct {
	mu      sync.RWMutex
	current store.Coordinates
}

// NewTracker creates a tracker starting at the given coordinates
func NewTracker(initial store.Coordinates) *Tracker {
	return &Tracker{current: initial}
}

// Set validates and stores new coordinates, returning the previous ones
func (t *Tracker) Set(c store.Coordinates) (store.Coordinates, error) {
	if err := Validate(c); err != nil {
		return store.Coordinates{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.current
	t.current = c
	return prev, nil
}

// Current returns the current coordinates
func (t *Tracker) Current() store.Coordinates {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}
