package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"time"

	"go.uber.org/zap"
)

// healthCacheTTL is how long a successful health check is trusted
const healthCacheTTL = 30 * time.Second

// Detection represents a detected object as reported by a model service
type Detection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// DetectionResult represents the full detection response
type DetectionResult struct {
	Detections      []Detection `json:"detections"`
	Count           int         `json:"count"`
	InferenceTimeMs float32     `json:"inference_time_ms"`
	Device          string      `json:"device"`
}

// HTTPDetector talks to a YOLO model service over HTTP multipart uploads
type HTTPDetector struct {
	endpoint string
	client   *http.Client
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	healthy     bool
	healthCheck time.Time
}

// NewHTTPDetector creates a new HTTP object detector client
func NewHTTPDetector(endpoint string, logger *zap.SugaredLogger) *HTTPDetector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HTTPDetector{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger.Named("http_detector"),
	}
}

// Endpoint returns the configured service URL
func (hd *HTTPDetector) Endpoint() string {
	return hd.endpoint
}

// IsHealthy checks if the detection service is available
func (hd *HTTPDetector) IsHealthy(ctx context.Context) bool {
	hd.mu.Lock()
	defer hd.mu.Unlock()

	// Cache health check for 30 seconds
	if hd.healthy && time.Since(hd.healthCheck) < healthCacheTTL {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hd.endpoint+"/health", nil)
	if err != nil {
		hd.healthy = false
		return false
	}

	resp, err := hd.client.Do(req)
	if err != nil {
		hd.logger.Warnw("health check failed", "endpoint", hd.endpoint, "error", err)
		hd.healthy = false
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		hd.healthCheck = time.Now()
		hd.healthy = true
		return true
	}

	hd.logger.Warnw("health check returned non-OK status", "endpoint", hd.endpoint, "status", resp.StatusCode)
	hd.healthy = false
	return false
}

// DetectObjects performs object detection on a JPEG image
func (hd *HTTPDetector) DetectObjects(ctx context.Context, imageData []byte, confThreshold float32) (*DetectionResult, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	// Add image file with proper Content-Type header
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(imageData); err != nil {
		return nil, err
	}

	if err := w.WriteField("conf_threshold", fmt.Sprintf("%.2f", confThreshold)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hd.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := hd.client.Do(req)
	if err != nil {
		hd.markUnhealthy()
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result DetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}

	return &result, nil
}

func (hd *HTTPDetector) markUnhealthy() {
	hd.mu.Lock()
	hd.healthy = false
	hd.mu.Unlock()
}
