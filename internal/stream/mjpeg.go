// Package stream serves annotated previews of the frames the accident
// detector has evaluated, as MJPEG streams and single snapshots.
package stream

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"crashwatch/internal/pipeline"
)

// ErrNoFrame is returned when a stream has not produced a frame yet
var ErrNoFrame = errors.New("no frame available")

// PreviewStream holds the latest evaluated frame of one stream and the MJPEG
// clients watching it
type PreviewStream struct {
	streamID string

	mu     sync.Mutex
	frame  *pipeline.Frame
	boxes  []pipeline.VehicleBox
	banner string
	seq    uint64
	cached []byte // rendered JPEG for seq, nil until requested

	clients   map[chan []byte]bool
	clientsMu sync.RWMutex
}

func newPreviewStream(streamID string) *PreviewStream {
	return &PreviewStream{
		streamID: streamID,
		clients:  make(map[chan []byte]bool),
	}
}

// update replaces the latest frame. When clients are connected the frame is
// rendered once and pushed to each of them.
func (s *PreviewStream) update(frame *pipeline.Frame, boxes []pipeline.VehicleBox, banner string) error {
	s.mu.Lock()
	s.frame = frame.Clone()
	s.boxes = append([]pipeline.VehicleBox(nil), boxes...)
	s.banner = banner
	s.seq++
	s.cached = nil
	s.mu.Unlock()

	if s.clientCount() == 0 {
		return nil
	}

	data, err := s.current()
	if err != nil {
		return err
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for ch := range s.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, drop this frame
		}
	}
	return nil
}

// current returns the rendered latest frame, rendering it at most once
func (s *PreviewStream) current() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame == nil {
		return nil, ErrNoFrame
	}
	if s.cached != nil {
		return s.cached, nil
	}

	data, err := Annotate(s.frame, s.boxes, s.banner)
	if err != nil {
		return nil, err
	}
	s.cached = data
	return data, nil
}

// Seq returns the number of frames received
func (s *PreviewStream) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *PreviewStream) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Manager keeps one preview per stream
type Manager struct {
	mu      sync.RWMutex
	streams map[string]*PreviewStream
	logger  *zap.SugaredLogger
}

// NewManager creates a preview manager
func NewManager(logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		streams: make(map[string]*PreviewStream),
		logger:  logger.Named("preview"),
	}
}

// Update records the latest evaluated frame of a stream
func (m *Manager) Update(streamID string, frame *pipeline.Frame, boxes []pipeline.VehicleBox, banner string) {
	if err := m.getOrCreate(streamID).update(frame, boxes, banner); err != nil {
		m.logger.Warnw("failed to render preview", "stream", streamID, "error", err)
	}
}

// Snapshot returns the latest annotated JPEG of a stream
func (m *Manager) Snapshot(streamID string) ([]byte, error) {
	s := m.get(streamID)
	if s == nil {
		return nil, ErrNoFrame
	}
	return s.current()
}

// Streams returns the ids of every stream with a preview
func (m *Manager) Streams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) get(streamID string) *PreviewStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[streamID]
}

func (m *Manager) getOrCreate(streamID string) *PreviewStream {
	if s := m.get(streamID); s != nil {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[streamID]; ok {
		return s
	}
	s := newPreviewStream(streamID)
	m.streams[streamID] = s
	return s
}

// ServeHTTP streams MJPEG for the stream named by the {id} path value
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	if streamID == "" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}
	s := m.getOrCreate(streamID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Create client channel
	clientCh := make(chan []byte, 5)
	s.clientsMu.Lock()
	s.clients[clientCh] = true
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, clientCh)
		s.clientsMu.Unlock()
	}()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// Send what we already have so clients don't wait for the next frame
	if data, err := s.current(); err == nil {
		writePart(w, data)
	}
	flusher.Flush()

	m.logger.Infow("client connected", "stream", streamID)

	for {
		select {
		case <-r.Context().Done():
			m.logger.Infow("client disconnected", "stream", streamID)
			return
		case frame := <-clientCh:
			writePart(w, frame)
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) {
	fmt.Fprintf(w, "--frame\r\n")
	fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
	w.Write(frame)
	fmt.Fprintf(w, "\r\n")
}

// SnapshotHandler serves single frame snapshots
type SnapshotHandler struct {
	manager *Manager
}

// NewSnapshotHandler creates a new snapshot handler
func NewSnapshotHandler(manager *Manager) *SnapshotHandler {
	return &SnapshotHandler{manager: manager}
}

// ServeHTTP serves a single JPEG snapshot for the {id} path value
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	if streamID == "" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	frame, err := h.manager.Snapshot(streamID)
	if errors.Is(err, ErrNoFrame) {
		http.Error(w, fmt.Sprintf("No frame available for stream %s", streamID), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Write(frame)
}
