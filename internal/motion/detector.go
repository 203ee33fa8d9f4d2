// Package motion estimates how much a camera scene changed between two frames.
package motion

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"crashwatch/internal/pipeline"
)

// DefaultThreshold is the motion score above which a scene counts as moving
const DefaultThreshold = 0.15

// Score returns the mean absolute luminance difference between prev and cur,
// normalized to [0,1]. It returns 0 when there is no previous frame or the
// frames differ in size.
func Score(prev, cur *pipeline.Frame) float64 {
	if prev == nil || cur == nil || !prev.SameSize(cur) {
		return 0
	}

	n := cur.Width * cur.Height
	if n == 0 {
		return 0
	}

	diffs := make([]float64, n)
	for i := 0; i < n; i++ {
		diffs[i] = math.Abs(cur.Luma(i) - prev.Luma(i))
	}

	return clamp01(stat.Mean(diffs, nil) / 255)
}

// Estimator scores consecutive frames against a fixed motion threshold
type Estimator struct {
	threshold float64
}

// NewEstimator creates an estimator. A non-positive threshold uses DefaultThreshold.
func NewEstimator(threshold float64) *Estimator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Estimator{threshold: threshold}
}

// Threshold returns the configured motion threshold
func (e *Estimator) Threshold() float64 {
	return e.threshold
}

// Score returns the normalized motion between prev and cur
func (e *Estimator) Score(prev, cur *pipeline.Frame) float64 {
	return Score(prev, cur)
}

// Moving reports whether a motion score strictly exceeds the threshold
func (e *Estimator) Moving(score float64) bool {
	return score > e.threshold
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
