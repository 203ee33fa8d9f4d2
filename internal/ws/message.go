package ws

import (
	"time"

	"crashwatch/internal/accident"
	"crashwatch/internal/alert"
	"crashwatch/internal/pipeline"
)

// Message types
const (
	TypeAccident = "accident"
	TypeScore    = "score"
)

// AlertMessage is broadcast once per dispatched accident
type AlertMessage struct {
	Type         string                `json:"type"` // "accident"
	ID           string                `json:"id"`
	StreamID     string                `json:"stream_id"`
	Timestamp    time.Time             `json:"timestamp"`
	Location     string                `json:"location"`
	Lat          float64               `json:"lat"`
	Lng          float64               `json:"lng"`
	Confidence   float64               `json:"confidence"`
	VehicleCount int                   `json:"vehicle_count"`
	Status       string                `json:"status"`
	Degraded     bool                  `json:"degraded"`
	Objects      []ObjectDetection     `json:"objects"`
	Channels     []alert.ChannelStatus `json:"channels"`
}

// ScoreMessage is broadcast after every evaluation of a stream
type ScoreMessage struct {
	Type         string            `json:"type"` // "score"
	StreamID     string            `json:"stream_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Score        float64           `json:"score"`
	Threshold    float64           `json:"threshold"`
	Motion       float64           `json:"motion"`
	VehicleCount int               `json:"vehicle_count"`
	IsAccident   bool              `json:"is_accident"`
	Degraded     bool              `json:"degraded"`
	Objects      []ObjectDetection `json:"objects"`
}

// ObjectDetection represents a single detected vehicle
type ObjectDetection struct {
	Class      string    `json:"class"`      // "car", "truck", etc.
	Confidence float32   `json:"confidence"` // 0.0-1.0
	BBox       []float32 `json:"bbox"`       // [x, y, w, h] in pixels
}

// NewAlertMessage creates an alert message from a bus event
func NewAlertMessage(ev *alert.Event) *AlertMessage {
	rec := ev.Record
	return &AlertMessage{
		Type:         TypeAccident,
		ID:           rec.ID,
		StreamID:     rec.StreamID,
		Timestamp:    rec.Timestamp,
		Location:     rec.Location,
		Lat:          rec.Coordinates.Lat,
		Lng:          rec.Coordinates.Lng,
		Confidence:   rec.Confidence,
		VehicleCount: rec.VehicleCount,
		Status:       string(rec.Status),
		Degraded:     ev.Degraded,
		Objects:      objects(ev.Boxes),
		Channels:     ev.Channels,
	}
}

// NewScoreMessage creates a score message from an evaluation outcome
func NewScoreMessage(streamID string, out *accident.Outcome) *ScoreMessage {
	return &ScoreMessage{
		Type:         TypeScore,
		StreamID:     streamID,
		Timestamp:    out.Timestamp,
		Score:        out.AccidentScore,
		Threshold:    out.Threshold,
		Motion:       out.Motion,
		VehicleCount: out.VehicleCount,
		IsAccident:   out.IsAccident,
		Degraded:     out.Degraded,
		Objects:      objects(out.Boxes),
	}
}

func objects(boxes []pipeline.VehicleBox) []ObjectDetection {
	out := make([]ObjectDetection, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, ObjectDetection{
			Class:      b.Class,
			Confidence: b.Confidence,
			BBox:       []float32{b.BBox.X1, b.BBox.Y1, b.BBox.X2 - b.BBox.X1, b.BBox.Y2 - b.BBox.Y1},
		})
	}
	return out
}
