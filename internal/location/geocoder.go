package location

import (
	"context"
	"fmt"
	"time"

	kgeo "github.com/kellydunn/golang-geo"
)

// GeoLocator adapts a golang-geo geocoder to Locator
type GeoLocator struct {
	name     string
	geocoder kgeo.Geocoder
	timeout  time.Duration
}

// NewGeoLocator wraps any golang-geo geocoder
func NewGeoLocator(name string, geocoder kgeo.Geocoder, timeout time.Duration) *GeoLocator {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &GeoLocator{name: name, geocoder: geocoder, timeout: timeout}
}

// NewProviderLocator builds a locator for a named provider ("google" or
// "opencage"). It returns nil for "" or "none".
func NewProviderLocator(provider, apiKey string, timeout time.Duration) (*GeoLocator, error) {
	switch provider {
	case "", "none":
		return nil, nil
	case "google":
		kgeo.SetGoogleAPIKey(apiKey)
		return NewGeoLocator(provider, &kgeo.GoogleGeocoder{}, timeout), nil
	case "opencage":
		kgeo.SetOpenCageAPIKey(apiKey)
		return NewGeoLocator(provider, &kgeo.OpenCageGeocoder{}, timeout), nil
	default:
		return nil, fmt.Errorf("unknown geocoder %q", provider)
	}
}

// Name returns the provider name
func (l *GeoLocator) Name() string {
	return l.name
}

// ReverseGeocode resolves the coordinates, giving up after the locator timeout
// or when ctx ends
func (l *GeoLocator) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	type result struct {
		addr string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		addr, err := l.geocoder.ReverseGeocode(kgeo.NewPoint(lat, lng))
		done <- result{addr, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("%s reverse geocode failed: %w", l.name, r.err)
		}
		return r.addr, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%s reverse geocode: %w", l.name, ctx.Err())
	}
}

var _ Locator = (*GeoLocator)(nil)
