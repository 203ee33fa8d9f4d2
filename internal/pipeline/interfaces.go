package pipeline

import (
	"context"
)

// Detector is the unified interface for all detection backends
type Detector interface {
	// Name returns the detector identifier (e.g., "grpc", "http")
	Name() string

	// IsHealthy returns true if the detector is operational
	IsHealthy(ctx context.Context) bool

	// Detect runs detection on a frame and returns every detection above the
	// backend's own floor, unfiltered by class
	Detect(ctx context.Context, frame *Frame) ([]Detection, error)

	// Close releases detector resources
	Close() error
}

// DetectorRegistry manages available detectors
type DetectorRegistry interface {
	Register(detector Detector) error
	Get(name string) (Detector, bool)
	SelectHealthy(ctx context.Context) (Detector, bool)
	Names() []string
	Close() error
}
