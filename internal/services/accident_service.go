package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"crashwatch/internal/accident"
	"crashwatch/internal/alert"
	"crashwatch/internal/location"
	"crashwatch/internal/motion"
	"crashwatch/internal/pipeline"
	"crashwatch/internal/store"
	"crashwatch/internal/telegram"
)

// LocationSettingKey is the settings key the current location is persisted under
const LocationSettingKey = "current_location"

// ErrInvalidStream is returned for an empty stream id
var ErrInvalidStream = errors.New("stream id is required")

// EvaluationObserver is notified after every successful evaluation
type EvaluationObserver interface {
	ObserveEvaluation(streamID string, out *accident.Outcome)
}

// PreviewSink receives the latest evaluated frame of each stream
type PreviewSink interface {
	Update(streamID string, frame *pipeline.Frame, boxes []pipeline.VehicleBox, banner string)
}

// AccidentServiceConfig wires the accident service
type AccidentServiceConfig struct {
	// Detector is the model chosen at startup. Nil runs every stream in
	// degraded mode on synthetic evidence.
	Detector        pipeline.Detector
	Seed            int64 // seed for synthetic evidence, 0 seeds from the clock
	Threshold       float64
	MotionThreshold float64
	MaxFramePixels  int // bound on decoded images, 0 uses pipeline.DefaultMaxFramePixels
	Cooldown        time.Duration

	Dispatcher *alert.Dispatcher
	Settings   store.SettingsStore // optional, persists the current location
	Previews   PreviewSink         // optional
	Observer   EvaluationObserver  // optional

	DefaultLocation store.Coordinates
	Clock           clock.Clock
	Logger          *zap.SugaredLogger
}

// EvaluateResult is the outcome of one evaluation plus what happened at the gate
type EvaluateResult struct {
	accident.Outcome
	StreamID        string `json:"stream_id"`
	AlertQueued     bool   `json:"alert_sent"`
	AlertSuppressed bool   `json:"alert_suppressed"`
}

// streamState is the per-stream detector and gate state
type streamState struct {
	mu      sync.Mutex
	machine *accident.StateMachine
	gate    *alert.Gate
	seq     uint64
}

// AccidentService evaluates frames per stream and dispatches alerts
type AccidentService struct {
	cfg        AccidentServiceConfig
	dispatcher *alert.Dispatcher
	tracker    *location.Tracker
	clock      clock.Clock
	logger     *zap.SugaredLogger
	startedAt  time.Time

	mu      sync.RWMutex
	streams map[string]*streamState

	pending    sync.WaitGroup
	alertsSent atomic.Int64
	closed     atomic.Bool
}

// NewAccidentService creates the service
func NewAccidentService(cfg AccidentServiceConfig) *AccidentService {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = accident.DefaultThreshold
	}
	if cfg.MotionThreshold <= 0 {
		cfg.MotionThreshold = motion.DefaultThreshold
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = alert.NewDispatcher(alert.Config{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if cfg.DefaultLocation == (store.Coordinates{}) {
		cfg.DefaultLocation = store.Coordinates{Lat: location.DefaultLat, Lng: location.DefaultLng}
	}

	s := &AccidentService{
		cfg:        cfg,
		dispatcher: cfg.Dispatcher,
		tracker:    location.NewTracker(cfg.DefaultLocation),
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("accident"),
		streams:    make(map[string]*streamState),
	}
	s.startedAt = s.clock.Now()

	if cfg.Detector == nil {
		s.logger.Warnw("no detection model available, running in degraded mode")
	} else {
		s.logger.Infow("using detection model", "detector", cfg.Detector.Name())
	}
	return s
}

// Degraded reports whether evaluations use synthetic evidence
func (s *AccidentService) Degraded() bool {
	return s.cfg.Detector == nil
}

// DetectorName returns the selected model, empty in degraded mode
func (s *AccidentService) DetectorName() string {
	if s.cfg.Detector == nil {
		return ""
	}
	return s.cfg.Detector.Name()
}

func (s *AccidentService) newSource(streamID string) accident.EvidenceSource {
	if s.cfg.Detector != nil {
		return accident.NewModelSource(s.cfg.Detector, motion.NewEstimator(s.cfg.MotionThreshold))
	}
	seed := s.cfg.Seed
	if seed != 0 {
		// distinct but reproducible sequences per stream
		h := fnv.New64a()
		h.Write([]byte(streamID))
		seed ^= int64(h.Sum64() >> 1)
	}
	return accident.NewSyntheticSource(seed)
}

func (s *AccidentService) stream(streamID string) *streamState {
	s.mu.RLock()
	st, ok := s.streams[streamID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[streamID]; ok {
		return st
	}
	st = &streamState{
		machine: accident.NewStateMachine(s.newSource(streamID), s.cfg.Threshold),
		gate:    alert.NewGate(s.cfg.Cooldown),
	}
	s.streams[streamID] = st
	s.logger.Infow("tracking new stream", "stream", streamID, "degraded", s.Degraded())
	return st
}

// Streams returns the ids of every stream seen so far, sorted
func (s *AccidentService) Streams() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EvaluateImage decodes an encoded image and evaluates it
func (s *AccidentService) EvaluateImage(ctx context.Context, streamID string, data []byte, threshold *float64) (*EvaluateResult, error) {
	if streamID == "" {
		return nil, ErrInvalidStream
	}
	st := s.stream(streamID)

	st.mu.Lock()
	st.seq++
	seq := st.seq
	st.mu.Unlock()

	frame, err := pipeline.DecodeFrameLimit(streamID, seq, s.clock.Now(), data, s.cfg.MaxFramePixels)
	if err != nil {
		return nil, err
	}
	return s.Evaluate(ctx, streamID, frame, threshold)
}

// Evaluate runs one frame through the stream's state machine and, on a rising
// edge that passes the gate, dispatches an alert without waiting for it.
// Evaluations of one stream are serialized; different streams run in parallel.
func (s *AccidentService) Evaluate(ctx context.Context, streamID string, frame *pipeline.Frame, threshold *float64) (*EvaluateResult, error) {
	if streamID == "" {
		return nil, ErrInvalidStream
	}
	st := s.stream(streamID)

	st.mu.Lock()
	out, err := st.machine.Evaluate(ctx, frame, threshold)
	st.mu.Unlock()
	if err != nil {
		s.logger.Warnw("evaluation failed", "stream", streamID, "error", err)
		return nil, fmt.Errorf("evaluate %s: %w", streamID, err)
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = s.clock.Now()
	}

	res := &EvaluateResult{Outcome: out, StreamID: streamID}

	if s.cfg.Previews != nil {
		s.cfg.Previews.Update(streamID, frame, out.Boxes, fmt.Sprintf("score %.2f / %.2f", out.AccidentScore, out.Threshold))
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveEvaluation(streamID, &res.Outcome)
	}

	if !out.IsAccident {
		return res, nil
	}

	if !st.gate.ShouldDispatch(s.clock.Now()) {
		res.AlertSuppressed = true
		s.logger.Infow("accident alert suppressed by cooldown", "stream", streamID, "score", out.AccidentScore)
		return res, nil
	}
	res.AlertQueued = true

	s.logger.Infow("accident detected",
		"stream", streamID,
		"score", out.AccidentScore,
		"threshold", out.Threshold,
		"vehicles", out.VehicleCount,
		"degraded", out.Degraded,
	)

	ev := alert.Evidence{
		StreamID:     streamID,
		Timestamp:    out.Timestamp,
		Confidence:   out.AccidentScore,
		VehicleCount: out.VehicleCount,
		Coordinates:  s.tracker.Current(),
		Boxes:        out.Boxes,
		Degraded:     out.Degraded,
		Frame:        frame.Clone(),
	}
	s.dispatch(ev)
	return res, nil
}

// dispatch runs the dispatcher in the background. The caller's context is
// not used so a finished request does not cancel its alert.
func (s *AccidentService) dispatch(ev alert.Evidence) {
	if s.closed.Load() {
		s.logger.Warnw("service closed, dropping alert", "stream", ev.StreamID)
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorw("alert dispatch panicked", "stream", ev.StreamID, "panic", r)
			}
		}()

		report := s.dispatcher.Dispatch(context.Background(), ev)
		s.alertsSent.Add(1)
		if n := report.Failed(); n > 0 {
			s.logger.Warnw("alert dispatched with failures", "stream", ev.StreamID, "id", report.Record.ID, "failed", n)
		}
	}()
}

// Wait blocks until every queued dispatch has finished or ctx is done
func (s *AccidentService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new dispatches and waits for pending ones
func (s *AccidentService) Close(ctx context.Context) error {
	s.closed.Store(true)
	return s.Wait(ctx)
}

// ListRecentAccidents returns at most limit records, newest first
func (s *AccidentService) ListRecentAccidents(ctx context.Context, limit int) ([]*store.AccidentRecord, error) {
	return s.dispatcher.Primary().Recent(ctx, limit)
}

// CurrentLocation returns the coordinates attached to new alerts
func (s *AccidentService) CurrentLocation() store.Coordinates {
	return s.tracker.Current()
}

// SetCurrentLocation updates the coordinates attached to new alerts and
// persists them when a settings store is configured
func (s *AccidentService) SetCurrentLocation(ctx context.Context, lat, lng float64) (store.Coordinates, error) {
	c := store.Coordinates{Lat: lat, Lng: lng}
	prev, err := s.tracker.Set(c)
	if err != nil {
		return store.Coordinates{}, err
	}

	s.logger.Infow("location updated",
		"lat", lat,
		"lng", lng,
		"moved_km", location.DistanceKm(prev, c),
	)

	if s.cfg.Settings != nil {
		if err := s.cfg.Settings.SaveSetting(ctx, LocationSettingKey, location.FormatCoordinates(lat, lng)); err != nil {
			s.logger.Warnw("failed to persist location", "error", err)
		}
	}
	return c, nil
}

// RestoreLocation loads a previously persisted location, if any
func (s *AccidentService) RestoreLocation(ctx context.Context) {
	if s.cfg.Settings == nil {
		return
	}
	value, ok, err := s.cfg.Settings.GetSetting(ctx, LocationSettingKey)
	if err != nil {
		s.logger.Warnw("failed to load persisted location", "error", err)
		return
	}
	if !ok {
		return
	}
	c, err := location.ParseCoordinates(value)
	if err != nil {
		s.logger.Warnw("ignoring persisted location", "value", value, "error", err)
		return
	}
	s.tracker.Set(c)
	s.logger.Infow("restored location", "lat", c.Lat, "lng", c.Lng)
}

// Status summarizes the service for operators
func (s *AccidentService) Status() telegram.Status {
	return telegram.Status{
		Streams:    s.Streams(),
		Store:      s.dispatcher.Primary().Name(),
		Detector:   s.DetectorName(),
		Degraded:   s.Degraded(),
		StartedAt:  s.startedAt,
		AlertsSent: s.alertsSent.Load(),
	}
}
