package accident

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"crashwatch/internal/motion"
	"crashwatch/internal/pipeline"
)

// MinVehicleConfidence is the per-detection floor; detections at or below it
// are discarded before counting or scoring
const MinVehicleConfidence = 0.3

// Evidence is what one frame contributes to the accident decision
type Evidence struct {
	Score        float64               // Accumulated accident score (>= 0)
	VehicleCount int                   // Vehicles above the confidence floor
	Motion       float64               // Motion score against the previous frame
	Boxes        []pipeline.VehicleBox // Vehicle detections for overlays
	Degraded     bool                  // Produced without a model
}

// EvidenceSource turns frames into evidence. Sources are per stream and may
// keep state between frames; a failed Gather must leave that state untouched.
type EvidenceSource interface {
	Gather(ctx context.Context, frame *pipeline.Frame) (Evidence, error)
	Degraded() bool
}

// ModelSource fuses detector output with frame-to-frame motion
type ModelSource struct {
	detector  pipeline.Detector
	estimator *motion.Estimator
	prev      *pipeline.Frame
}

// NewModelSource creates a model-backed evidence source for one stream
func NewModelSource(detector pipeline.Detector, estimator *motion.Estimator) *ModelSource {
	if estimator == nil {
		estimator = motion.NewEstimator(motion.DefaultThreshold)
	}
	return &ModelSource{
		detector:  detector,
		estimator: estimator,
	}
}

func (s *ModelSource) Degraded() bool {
	return false
}

// Gather runs the detector, keeps confident vehicles and, if the scene moved
// enough since the previous frame, accumulates confidence times motion for
// each of them. The current frame becomes the previous frame only on success.
func (s *ModelSource) Gather(ctx context.Context, frame *pipeline.Frame) (Evidence, error) {
	detections, err := s.detector.Detect(ctx, frame)
	if err != nil {
		return Evidence{}, fmt.Errorf("detector %s: %w", s.detector.Name(), err)
	}

	var ev Evidence
	for _, d := range detections {
		if !pipeline.IsVehicle(d.ClassID) || d.Confidence <= MinVehicleConfidence {
			continue
		}
		ev.VehicleCount++
		class := d.Class
		if class == "" {
			class = pipeline.VehicleClassName(d.ClassID)
		}
		ev.Boxes = append(ev.Boxes, pipeline.VehicleBox{
			Class:      class,
			Confidence: d.Confidence,
			BBox:       d.BBox,
		})
	}

	if s.prev != nil {
		ev.Motion = s.estimator.Score(s.prev, frame)
		if s.estimator.Moving(ev.Motion) {
			for _, b := range ev.Boxes {
				ev.Score += float64(b.Confidence) * ev.Motion
			}
		}
	}

	s.prev = frame.Clone()
	return ev, nil
}

// Previous returns the retained previous frame, or nil
func (s *ModelSource) Previous() *pipeline.Frame {
	return s.prev
}

// SyntheticSource produces random evidence when no model is available
type SyntheticSource struct {
	rng *rand.Rand
}

// NewSyntheticSource creates a degraded-mode evidence source. A zero seed
// seeds from the clock.
func NewSyntheticSource(seed int64) *SyntheticSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SyntheticSource{rng: rand.New(rand.NewSource(seed))}
}

func (s *SyntheticSource) Degraded() bool {
	return true
}

// Gather returns a score uniform in [0.1, 0.9] and 0 to 3 vehicles
func (s *SyntheticSource) Gather(_ context.Context, _ *pipeline.Frame) (Evidence, error) {
	return Evidence{
		Score:        0.1 + s.rng.Float64()*0.8,
		VehicleCount: s.rng.Intn(4),
		Degraded:     true,
	}, nil
}
