package services

import (
	"context"
	"time"

	"crashwatch/internal/pipeline"
	"crashwatch/internal/store"
)

// HealthReport is served by the health endpoint
type HealthReport struct {
	Status   string   `json:"status"` // "ok" or "degraded"
	Store    string   `json:"store"`
	StoreOK  bool     `json:"store_ok"`
	Detector string   `json:"detector,omitempty"`
	Degraded bool     `json:"degraded"`
	Streams  []string `json:"streams"`
	Uptime   string   `json:"uptime"`
}

// HealthService reports liveness and readiness
type HealthService struct {
	accidents *AccidentService
	primary   store.Store
	detector  pipeline.Detector
}

// NewHealthService creates a new health service
func NewHealthService(accidents *AccidentService, primary store.Store, detector pipeline.Detector) *HealthService {
	return &HealthService{accidents: accidents, primary: primary, detector: detector}
}

// Healthz implements the liveness probe
func (h *HealthService) Healthz(ctx context.Context) error {
	return nil
}

// Readyz checks the primary store and, outside degraded mode, the model
func (h *HealthService) Readyz(ctx context.Context) *HealthReport {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	st := h.accidents.Status()
	report := &HealthReport{
		Status:   "ok",
		Store:    h.primary.Name(),
		StoreOK:  h.primary.Ping(ctx) == nil,
		Detector: st.Detector,
		Degraded: st.Degraded,
		Streams:  st.Streams,
		Uptime:   h.accidents.clock.Since(st.StartedAt).Truncate(time.Second).String(),
	}

	if !report.StoreOK || report.Degraded {
		report.Status = "degraded"
	}
	if h.detector != nil && !h.detector.IsHealthy(ctx) {
		report.Status = "degraded"
	}
	return report
}
