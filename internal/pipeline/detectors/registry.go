package detectors

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"crashwatch/internal/pipeline"
)

// Registry manages available detectors in registration (preference) order
type Registry struct {
	detectors []pipeline.Detector
	mu        sync.RWMutex
}

// NewRegistry creates a new detector registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a detector to the registry
func (r *Registry) Register(detector pipeline.Detector) error {
	if detector == nil {
		return fmt.Errorf("detector cannot be nil")
	}

	name := detector.Name()
	if name == "" {
		return fmt.Errorf("detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.detectors {
		if d.Name() == name {
			return fmt.Errorf("detector %q already registered", name)
		}
	}

	r.detectors = append(r.detectors, detector)
	return nil
}

// Get returns a detector by name
func (r *Registry) Get(name string) (pipeline.Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.detectors {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// SelectHealthy returns the first registered detector that reports healthy.
// It is meant to be called once at startup; the result is the capability
// used for the life of the process.
func (r *Registry) SelectHealthy(ctx context.Context) (pipeline.Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.detectors {
		if d.IsHealthy(ctx) {
			return d, true
		}
	}
	return nil, false
}

// Names returns the names of all registered detectors, in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.detectors))
	for _, d := range r.detectors {
		names = append(names, d.Name())
	}
	return names
}

// Close releases all detector resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for _, d := range r.detectors {
		if cerr := d.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("error closing detector %q: %w", d.Name(), cerr))
		}
	}
	r.detectors = nil
	return err
}

// Ensure Registry implements DetectorRegistry
var _ pipeline.DetectorRegistry = (*Registry)(nil)
