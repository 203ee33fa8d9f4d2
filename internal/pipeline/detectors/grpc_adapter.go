package detectors

import (
	"context"
	"fmt"

	"crashwatch/internal/detection"
	"crashwatch/internal/pipeline"
)

// GRPCAdapter wraps GRPCDetector to implement the unified Detector interface
type GRPCAdapter struct {
	detector      *detection.GRPCDetector
	confThreshold float32
}

// NewGRPCAdapter creates a new gRPC detector adapter
func NewGRPCAdapter(detector *detection.GRPCDetector, confThreshold float32) *GRPCAdapter {
	if confThreshold <= 0 {
		confThreshold = DefaultConfThreshold
	}
	return &GRPCAdapter{
		detector:      detector,
		confThreshold: confThreshold,
	}
}

func (a *GRPCAdapter) Name() string {
	return "yolo-grpc"
}

func (a *GRPCAdapter) IsHealthy(ctx context.Context) bool {
	if a.detector == nil {
		return false
	}
	return a.detector.IsHealthy(ctx)
}

func (a *GRPCAdapter) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	if a.detector == nil {
		return nil, fmt.Errorf("gRPC detector not configured")
	}

	jpegData, err := frame.EncodeJPEG(pipeline.DefaultJPEGQuality)
	if err != nil {
		return nil, err
	}

	result, err := a.detector.DetectObjects(ctx, frame.StreamID, frame.Seq, jpegData, a.confThreshold)
	if err != nil {
		return nil, fmt.Errorf("gRPC detection failed: %w", err)
	}

	return convertDetections(result), nil
}

func (a *GRPCAdapter) Close() error {
	if a.detector == nil {
		return nil
	}
	return a.detector.Close()
}

// Ensure GRPCAdapter implements Detector
var _ pipeline.Detector = (*GRPCAdapter)(nil)
