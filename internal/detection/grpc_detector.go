package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// DetectionServiceName is the fully-qualified gRPC service name of the model service
	DetectionServiceName = "crashwatch.detection.v1.DetectionService"

	// DetectMethod is the unary detection RPC
	DetectMethod = "/" + DetectionServiceName + "/Detect"
)

// GRPCDetector provides gRPC-based object detection using a YOLO model service.
// Requests and responses are google.protobuf.Struct messages so no generated
// stubs are required:
//
//	request:  {stream_id, frame_seq, timestamp_ns, jpeg (base64), conf_threshold}
//	response: {detections: [{class_id, class_name, confidence, bbox: [x1,y1,x2,y2]}], inference_ms, device}
type GRPCDetector struct {
	endpoint string
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	logger   *zap.SugaredLogger
	timeout  time.Duration

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// GRPCDetectorConfig holds configuration for the gRPC detector
type GRPCDetectorConfig struct {
	Endpoint    string
	Timeout     time.Duration // Per-call deadline, default 2s
	Logger      *zap.SugaredLogger
	DialOptions []grpc.DialOption // Extra options, appended after the defaults
}

// NewGRPCDetector creates a new gRPC-based detector. The connection is
// established lazily on first use.
func NewGRPCDetector(config GRPCDetectorConfig) (*GRPCDetector, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, config.DialOptions...)

	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", config.Endpoint, err)
	}

	gd := &GRPCDetector{
		endpoint: config.Endpoint,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		logger:   logger.Named("grpc_detector"),
		timeout:  timeout,
	}
	gd.logger.Infow("client created", "endpoint", config.Endpoint)
	return gd, nil
}

// Endpoint returns the configured service target
func (gd *GRPCDetector) Endpoint() string {
	return gd.endpoint
}

// IsHealthy checks if the gRPC detection service reports SERVING
func (gd *GRPCDetector) IsHealthy(ctx context.Context) bool {
	gd.healthMu.RLock()
	if gd.healthy && time.Since(gd.lastHealth) < healthCacheTTL {
		gd.healthMu.RUnlock()
		return true
	}
	gd.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := gd.health.Check(ctx, &healthpb.HealthCheckRequest{Service: DetectionServiceName})

	gd.healthMu.Lock()
	defer gd.healthMu.Unlock()
	if err != nil {
		gd.logger.Warnw("health check failed", "endpoint", gd.endpoint, "error", err)
		gd.healthy = false
		return false
	}
	gd.healthy = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	gd.lastHealth = time.Now()
	return gd.healthy
}

// DetectObjects performs a single unary detection call
func (gd *GRPCDetector) DetectObjects(ctx context.Context, streamID string, seq uint64, imageData []byte, confThreshold float32) (*DetectionResult, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"stream_id":      streamID,
		"frame_seq":      float64(seq),
		"timestamp_ns":   float64(time.Now().UnixNano()),
		"jpeg":           base64.StdEncoding.EncodeToString(imageData),
		"conf_threshold": float64(confThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, gd.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		gd.healthMu.Lock()
		gd.healthy = false
		gd.healthMu.Unlock()
		return nil, fmt.Errorf("detect rpc failed: %w", err)
	}

	return convertResponse(resp)
}

// convertResponse converts the Struct response to the internal format
func convertResponse(resp *structpb.Struct) (*DetectionResult, error) {
	fields := resp.GetFields()
	list := fields["detections"].GetListValue()

	result := &DetectionResult{
		Detections:      make([]Detection, 0, len(list.GetValues())),
		InferenceTimeMs: float32(fields["inference_ms"].GetNumberValue()),
		Device:          fields["device"].GetStringValue(),
	}

	for i, v := range list.GetValues() {
		det := v.GetStructValue()
		if det == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		df := det.GetFields()

		bbox := make([]float32, 0, 4)
		for _, c := range df["bbox"].GetListValue().GetValues() {
			bbox = append(bbox, float32(c.GetNumberValue()))
		}

		result.Detections = append(result.Detections, Detection{
			Class:      df["class_name"].GetStringValue(),
			ClassID:    int(df["class_id"].GetNumberValue()),
			Confidence: float32(df["confidence"].GetNumberValue()),
			BBox:       bbox,
		})
	}
	result.Count = len(result.Detections)

	return result, nil
}

// Close shuts down the gRPC connection
func (gd *GRPCDetector) Close() error {
	if gd.conn != nil {
		return gd.conn.Close()
	}
	return nil
}
