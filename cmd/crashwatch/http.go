package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crashwatch/internal/auth"
	"crashwatch/internal/location"
	"crashwatch/internal/middleware"
	"crashwatch/internal/pipeline"
	"crashwatch/internal/services"
	"crashwatch/internal/stream"
	"crashwatch/internal/ws"
)

// maxImageBytes bounds an evaluate request body
const maxImageBytes = 16 << 20

type apiServer struct {
	accidents *services.AccidentService
	health    *services.HealthService
	auth      *auth.Authenticator
	previews  *stream.Manager
	hub       *ws.AlertHub
	logger    *zap.SugaredLogger
}

type evaluateRequest struct {
	Image     string   `json:"image"` // base64, optionally a data: URL
	Threshold *float64 `json:"threshold,omitempty"`
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("POST /api/v1/login", a.handleLogin)
	mux.HandleFunc("POST /api/v1/streams/{id}/evaluate", a.handleEvaluate)
	mux.HandleFunc("GET /api/v1/accidents", a.handleAccidents)
	mux.HandleFunc("GET /api/v1/location", a.handleGetLocation)
	mux.HandleFunc("POST /api/v1/location", a.handleSetLocation)
	mux.Handle("GET /video/stream/{id}", a.previews)
	mux.Handle("GET /video/snapshot/{id}", stream.NewSnapshotHandler(a.previews))
	mux.Handle("GET /ws/alerts", ws.NewHandler(a.hub))

	var handler http.Handler = mux
	handler = middleware.AuthMiddleware(a.auth, a.logger, "/health", "/api/v1/login")(handler)
	handler = logRequests(a.logger)(handler)
	handler = requestID()(handler)
	return handler
}

func (a *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.health.Readyz(r.Context()))
}

func (a *apiServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := a.auth.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, token)
}

func (a *apiServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")

	var req evaluateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxImageBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	data, err := decodeImage(req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.accidents.EvaluateImage(r.Context(), streamID, data, req.Threshold)
	switch {
	case errors.Is(err, pipeline.ErrMalformedFrame), errors.Is(err, services.ErrInvalidStream):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (a *apiServer) handleAccidents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := a.accidents.ListRecentAccidents(r.Context(), limit)
	if err != nil {
		a.logger.Errorw("failed to list accidents", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list accidents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accidents": records,
		"count":     len(records),
	})
}

func (a *apiServer) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.accidents.CurrentLocation())
}

func (a *apiServer) handleSetLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Lat == nil || req.Lng == nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}

	c, err := a.accidents.SetCurrentLocation(r.Context(), *req.Lat, *req.Lng)
	if errors.Is(err, location.ErrInvalidCoordinates) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// decodeImage accepts raw base64 or a data URL ("data:image/jpeg;base64,...")
func decodeImage(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("image is required")
	}
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("image is not valid base64")
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

// requestID tags every request with an id, reusing X-Request-Id when present
func requestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Flusher and Hijacker
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// websocket upgrades need the raw writer to hijack
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			id, _ := r.Context().Value(requestIDKey).(string)
			logger.Debugw("request",
				"id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		})
	}
}

// serveError is reported when the listener fails rather than a signal
type serveError struct {
	err error
}

func (e *serveError) Error() string { return "http server: " + e.err.Error() }
func (e *serveError) Unwrap() error { return e.err }

// handleHTTPServer starts the server and shuts it down when ctx is done
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan error, logger *zap.SugaredLogger) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Infow("HTTP server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- &serveError{err: err}
			}
		}()

		<-ctx.Done()
		logger.Infow("shutting down HTTP server", "addr", addr)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warnw("failed to shutdown", "error", err)
		}
	}()
}
