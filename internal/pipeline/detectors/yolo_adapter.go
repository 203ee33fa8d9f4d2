package detectors

import (
	"context"
	"fmt"

	"crashwatch/internal/detection"
	"crashwatch/internal/pipeline"
)

// DefaultConfThreshold is the floor sent to model services. Vehicle filtering
// applies its own stricter floor afterwards.
const DefaultConfThreshold = 0.25

// YOLOAdapter wraps HTTPDetector to implement the unified Detector interface
type YOLOAdapter struct {
	detector      *detection.HTTPDetector
	confThreshold float32
}

// NewYOLOAdapter creates a new YOLO detector adapter
func NewYOLOAdapter(detector *detection.HTTPDetector, confThreshold float32) *YOLOAdapter {
	if confThreshold <= 0 {
		confThreshold = DefaultConfThreshold
	}
	return &YOLOAdapter{
		detector:      detector,
		confThreshold: confThreshold,
	}
}

func (a *YOLOAdapter) Name() string {
	return "yolo-http"
}

func (a *YOLOAdapter) IsHealthy(ctx context.Context) bool {
	if a.detector == nil {
		return false
	}
	return a.detector.IsHealthy(ctx)
}

func (a *YOLOAdapter) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	if a.detector == nil {
		return nil, fmt.Errorf("YOLO detector not configured")
	}

	jpegData, err := frame.EncodeJPEG(pipeline.DefaultJPEGQuality)
	if err != nil {
		return nil, err
	}

	result, err := a.detector.DetectObjects(ctx, jpegData, a.confThreshold)
	if err != nil {
		return nil, fmt.Errorf("YOLO detection failed: %w", err)
	}

	return convertDetections(result), nil
}

func (a *YOLOAdapter) Close() error {
	// HTTPDetector doesn't have a close method (HTTP client based)
	return nil
}

// convertDetections converts a model service result to pipeline detections
func convertDetections(result *detection.DetectionResult) []pipeline.Detection {
	if result == nil {
		return nil
	}

	detections := make([]pipeline.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		var bbox pipeline.BBox
		if len(d.BBox) >= 4 {
			bbox = pipeline.BBox{
				X1: d.BBox[0],
				Y1: d.BBox[1],
				X2: d.BBox[2],
				Y2: d.BBox[3],
			}
		}

		// Some services only send the label
		classID := d.ClassID
		if classID == 0 && d.Class != "" {
			if id := pipeline.VehicleClassID(d.Class); id >= 0 {
				classID = id
			}
		}

		detections = append(detections, pipeline.Detection{
			ClassID:    classID,
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox:       bbox,
		})
	}
	return detections
}

// Ensure YOLOAdapter implements Detector
var _ pipeline.Detector = (*YOLOAdapter)(nil)
