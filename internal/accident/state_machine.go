// Package accident turns per-frame evidence into an edge-triggered accident
// decision for a single camera stream.
package accident

import (
	"context"
	"time"

	"crashwatch/internal/pipeline"
)

const (
	// DefaultThreshold is the accident score a frame must exceed
	DefaultThreshold = 0.5
	MinThreshold     = 0.1
	MaxThreshold     = 1.0
)

// Outcome is the result of evaluating one frame
type Outcome struct {
	IsAccident    bool                  `json:"is_accident"` // true only on the rising edge
	AccidentScore float64               `json:"accident_score"`
	VehicleCount  int                   `json:"vehicle_count"`
	Motion        float64               `json:"motion"`
	Boxes         []pipeline.VehicleBox `json:"boxes"`
	Degraded      bool                  `json:"degraded"`
	Threshold     float64               `json:"threshold"`
	Timestamp     time.Time             `json:"timestamp"`
}

// StateMachine holds the hysteresis state of one stream. It is not safe for
// concurrent use; callers serialize access per stream.
type StateMachine struct {
	source    EvidenceSource
	threshold float64
	flag      bool
}

// NewStateMachine creates a state machine with the given evidence source.
// The threshold is clamped into [MinThreshold, MaxThreshold].
func NewStateMachine(source EvidenceSource, threshold float64) *StateMachine {
	return &StateMachine{
		source:    source,
		threshold: ClampThreshold(threshold),
	}
}

// ClampThreshold bounds a caller-supplied threshold
func ClampThreshold(v float64) float64 {
	switch {
	case v != v: // NaN
		return DefaultThreshold
	case v < MinThreshold:
		return MinThreshold
	case v > MaxThreshold:
		return MaxThreshold
	}
	return v
}

// SetThreshold updates the threshold without touching the accident flag
func (m *StateMachine) SetThreshold(v float64) {
	m.threshold = ClampThreshold(v)
}

// Threshold returns the current threshold
func (m *StateMachine) Threshold() float64 {
	return m.threshold
}

// Flag reports whether the last evaluated frame met the accident condition
func (m *StateMachine) Flag() bool {
	return m.flag
}

// Degraded reports whether this machine runs on synthetic evidence
func (m *StateMachine) Degraded() bool {
	return m.source.Degraded()
}

// Evaluate processes one frame. A malformed frame or an evidence error leaves
// every piece of state, the threshold override included, unchanged.
func (m *StateMachine) Evaluate(ctx context.Context, frame *pipeline.Frame, threshold *float64) (Outcome, error) {
	if err := frame.Validate(); err != nil {
		return Outcome{}, err
	}

	ev, err := m.source.Gather(ctx, frame)
	if err != nil {
		return Outcome{}, err
	}

	if threshold != nil {
		m.SetThreshold(*threshold)
	}

	raw := ev.Score > m.threshold && ev.VehicleCount > 0
	rising := raw && !m.flag
	m.flag = raw

	return Outcome{
		IsAccident:    rising,
		AccidentScore: ev.Score,
		VehicleCount:  ev.VehicleCount,
		Motion:        ev.Motion,
		Boxes:         ev.Boxes,
		Degraded:      ev.Degraded,
		Threshold:     m.threshold,
		Timestamp:     frame.Timestamp,
	}, nil
}
