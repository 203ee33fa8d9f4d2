package accident

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashwatch/internal/motion"
	"crashwatch/internal/pipeline"
)

// fakeDetector returns scripted detections, one batch per call
type fakeDetector struct {
	batches [][]pipeline.Detection
	err     error
	calls   int
}

func (f *fakeDetector) Name() string                     { return "fake" }
func (f *fakeDetector) IsHealthy(ctx context.Context) bool { return true }
func (f *fakeDetector) Close() error                     { return nil }

func (f *fakeDetector) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	if len(f.batches) > 1 {
		f.batches = f.batches[1:]
	}
	return b, nil
}

// scriptedSource replays fixed evidence
type scriptedSource struct {
	evidence []Evidence
	i        int
}

func (s *scriptedSource) Degraded() bool { return false }

func (s *scriptedSource) Gather(ctx context.Context, frame *pipeline.Frame) (Evidence, error) {
	ev := s.evidence[s.i]
	s.i++
	return ev, nil
}

func gray(v byte) *pipeline.Frame {
	pix := make([]byte, 16)
	for i := range pix {
		pix[i] = v
	}
	return &pipeline.Frame{StreamID: "cam", Width: 4, Height: 4, Channels: 1, Pix: pix}
}

func car(conf float32) pipeline.Detection {
	return pipeline.Detection{ClassID: pipeline.ClassCar, Class: "car", Confidence: conf}
}

func floatPtr(v float64) *float64 { return &v }

func TestClampThreshold(t *testing.T) {
	assert.Equal(t, MinThreshold, ClampThreshold(0.05))
	assert.Equal(t, MinThreshold, ClampThreshold(-3))
	assert.Equal(t, MaxThreshold, ClampThreshold(2.0))
	assert.Equal(t, 0.42, ClampThreshold(0.42))
	assert.Equal(t, MaxThreshold, ClampThreshold(1.0))
}

func TestEvaluateRisingEdgeOnly(t *testing.T) {
	src := &scriptedSource{evidence: []Evidence{
		{Score: 0.9, VehicleCount: 2},
		{Score: 0.9, VehicleCount: 2},
		{Score: 0.1, VehicleCount: 2},
		{Score: 0.9, VehicleCount: 1},
	}}
	m := NewStateMachine(src, DefaultThreshold)
	ctx := context.Background()

	var got []bool
	for i := 0; i < 4; i++ {
		out, err := m.Evaluate(ctx, gray(0), nil)
		require.NoError(t, err)
		got = append(got, out.IsAccident)
	}
	assert.Equal(t, []bool{true, false, false, true}, got)
}

func TestEvaluateFlagTracksRawCondition(t *testing.T) {
	src := &scriptedSource{evidence: []Evidence{
		{Score: 0.9, VehicleCount: 0}, // no vehicles
		{Score: 0.9, VehicleCount: 1},
		{Score: 0.5, VehicleCount: 1}, // equal to threshold is not above it
	}}
	m := NewStateMachine(src, DefaultThreshold)
	ctx := context.Background()

	out, err := m.Evaluate(ctx, gray(0), nil)
	require.NoError(t, err)
	assert.False(t, out.IsAccident)
	assert.False(t, m.Flag())

	out, err = m.Evaluate(ctx, gray(0), nil)
	require.NoError(t, err)
	assert.True(t, out.IsAccident)
	assert.True(t, m.Flag())

	out, err = m.Evaluate(ctx, gray(0), nil)
	require.NoError(t, err)
	assert.False(t, out.IsAccident)
	assert.False(t, m.Flag())
}

func TestEvaluateThresholdOverride(t *testing.T) {
	src := &scriptedSource{evidence: []Evidence{
		{Score: 0.3, VehicleCount: 1},
		{Score: 0.3, VehicleCount: 1},
	}}
	m := NewStateMachine(src, DefaultThreshold)
	ctx := context.Background()

	out, err := m.Evaluate(ctx, gray(0), floatPtr(0.01))
	require.NoError(t, err)
	assert.Equal(t, MinThreshold, out.Threshold)
	assert.True(t, out.IsAccident)

	out, err = m.Evaluate(ctx, gray(0), floatPtr(5))
	require.NoError(t, err)
	assert.Equal(t, MaxThreshold, out.Threshold)
	assert.False(t, out.IsAccident)
	assert.Equal(t, MaxThreshold, m.Threshold(), "override persists")
}

func TestSetThresholdKeepsFlag(t *testing.T) {
	src := &scriptedSource{evidence: []Evidence{{Score: 0.9, VehicleCount: 1}}}
	m := NewStateMachine(src, DefaultThreshold)
	_, err := m.Evaluate(context.Background(), gray(0), nil)
	require.NoError(t, err)
	require.True(t, m.Flag())

	m.SetThreshold(0.95)
	assert.True(t, m.Flag())
	assert.Equal(t, 0.95, m.Threshold())
}

func TestEvaluateMalformedFrameLeavesStateUnchanged(t *testing.T) {
	det := &fakeDetector{batches: [][]pipeline.Detection{{car(0.9)}}}
	src := NewModelSource(det, nil)
	m := NewStateMachine(src, DefaultThreshold)
	ctx := context.Background()

	_, err := m.Evaluate(ctx, gray(0), nil)
	require.NoError(t, err)
	prev := src.Previous()

	bad := &pipeline.Frame{Width: 4, Height: 4, Channels: 3, Pix: make([]byte, 5)}
	_, err = m.Evaluate(ctx, bad, floatPtr(0.2))
	require.ErrorIs(t, err, pipeline.ErrMalformedFrame)

	assert.Same(t, prev, src.Previous())
	assert.Equal(t, DefaultThreshold, m.Threshold())
	assert.Equal(t, 1, det.calls, "detector not called for malformed frames")
}

func TestModelSourceNoPreviousFrameScoresZero(t *testing.T) {
	det := &fakeDetector{batches: [][]pipeline.Detection{{car(0.9), car(0.8)}}}
	m := NewStateMachine(NewModelSource(det, nil), DefaultThreshold)

	out, err := m.Evaluate(context.Background(), gray(255), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.AccidentScore)
	assert.Equal(t, 2, out.VehicleCount)
	assert.False(t, out.IsAccident)
}

func TestModelSourceAccumulatesEveryVehicle(t *testing.T) {
	det := &fakeDetector{batches: [][]pipeline.Detection{{
		car(0.9),
		{ClassID: pipeline.ClassTruck, Class: "truck", Confidence: 0.6},
		{ClassID: pipeline.ClassBus, Confidence: 0.3},  // at the floor, dropped
		{ClassID: 0, Class: "person", Confidence: 0.99}, // not a vehicle
	}}}
	src := NewModelSource(det, motion.NewEstimator(0))
	m := NewStateMachine(src, DefaultThreshold)
	ctx := context.Background()

	_, err := m.Evaluate(ctx, gray(0), nil)
	require.NoError(t, err)

	// full-scale change gives motion 1.0
	out, err := m.Evaluate(ctx, gray(255), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.VehicleCount)
	assert.InDelta(t, 1.0, out.Motion, 1e-9)
	assert.InDelta(t, 1.5, out.AccidentScore, 1e-6)
	assert.True(t, out.IsAccident)
	require.Len(t, out.Boxes, 2)
	assert.Equal(t, "truck", out.Boxes[1].Class)
}

func TestModelSourceMotionBelowThreshold(t *testing.T) {
	det := &fakeDetector{batches: [][]pipeline.Detection{{car(0.95)}}}
	m := NewStateMachine(NewModelSource(det, nil), DefaultThreshold)
	ctx := context.Background()

	_, err := m.Evaluate(ctx, gray(100), nil)
	require.NoError(t, err)

	// 25/255 is under the motion threshold
	out, err := m.Evaluate(ctx, gray(125), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.AccidentScore)
	assert.Equal(t, 1, out.VehicleCount)
}

func TestModelSourceDetectorErrorKeepsPreviousFrame(t *testing.T) {
	det := &fakeDetector{batches: [][]pipeline.Detection{{car(0.9)}}}
	src := NewModelSource(det, nil)
	m := NewStateMachine(src, DefaultThreshold)
	ctx := context.Background()

	_, err := m.Evaluate(ctx, gray(0), nil)
	require.NoError(t, err)
	prev := src.Previous()

	det.err = errors.New("model offline")
	_, err = m.Evaluate(ctx, gray(255), nil)
	require.Error(t, err)
	assert.Same(t, prev, src.Previous())
	assert.False(t, m.Flag())
}

func TestModelSourceCopiesPreviousFrame(t *testing.T) {
	det := &fakeDetector{}
	src := NewModelSource(det, nil)
	f := gray(7)

	_, err := src.Gather(context.Background(), f)
	require.NoError(t, err)
	f.Pix[0] = 200
	assert.Equal(t, byte(7), src.Previous().Pix[0])
}

func TestSyntheticSourceRanges(t *testing.T) {
	src := NewSyntheticSource(42)
	m := NewStateMachine(src, DefaultThreshold)
	assert.True(t, m.Degraded())

	ctx := context.Background()
	prevRaw := false
	for i := 0; i < 500; i++ {
		out, err := m.Evaluate(ctx, gray(0), nil)
		require.NoError(t, err)
		assert.True(t, out.Degraded)
		assert.GreaterOrEqual(t, out.AccidentScore, 0.1)
		assert.LessOrEqual(t, out.AccidentScore, 0.9)
		assert.GreaterOrEqual(t, out.VehicleCount, 0)
		assert.LessOrEqual(t, out.VehicleCount, 3)

		raw := out.AccidentScore > DefaultThreshold && out.VehicleCount > 0
		assert.Equal(t, raw && !prevRaw, out.IsAccident, "edge trigger holds in degraded mode")
		prevRaw = raw
	}
}
