package livemonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// Server serves the live view: the annotated MJPEG stream, detection
// events over SSE and pipeline status.
type Server struct {
	cfg        Config
	monitor    *Monitor
	frames     *FrameBroadcaster
	detections *EventBroadcaster
}

// NewServer returns a configured monitor server. m may be nil.
func NewServer(cfg Config, m *metrics.Metrics) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:        cfg,
		monitor:    NewMonitor(cfg.HistorySize, m),
		frames:     NewFrameBroadcaster(cfg.JPEGQuality),
		detections: NewEventBroadcaster("DetectionBroadcaster"),
	}
}

// Monitor exposes the status state.
func (s *Server) Monitor() *Monitor {
	return s.monitor
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /api/detections/stream", s.handleDetectionsStream)
	return mux
}

// PublishFrame pushes the live-threshold rendering of a processed frame to MJPEG clients.
func (s *Server) PublishFrame(index uint64, live image.Image) {
	s.monitor.ObserveFrame(index)
	if err := s.frames.Publish(live); err != nil {
		logger.Warn("LiveMonitor", "live frame dropped", "frame", index, "error", err)
	}
}

// PublishDetections pushes the records persisted for one frame to SSE clients.
func (s *Server) PublishDetections(frameIndex uint64, at time.Time, records []types.Detection) {
	event := newDetectionEvent(s.monitor.Run(), frameIndex, at, records)
	s.monitor.UpdateDetection(event)
	if len(records) == 0 {
		return
	}
	if err := s.detections.Publish(event); err != nil {
		logger.Warn("LiveMonitor", "detection event dropped", "frame", frameIndex, "error", err)
	}
}

// Close disconnects all streaming clients.
func (s *Server) Close() {
	s.frames.Close()
	s.detections.Close()
}

// Run listens on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("live monitor listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("LiveMonitor", "serving live view", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("live monitor shutdown: %w", err)
	}
	logger.Info("LiveMonitor", "stopped")
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	streamMJPEGFromChannel(r.Context(), w, frameCh, s.cfg.MJPEGKeepalive)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitor.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.monitor.Snapshot()); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.detections.Subscribe()
	defer s.detections.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEventsFromChannel(r.Context(), w, eventCh, useProtobuf, s.cfg.SSEKeepalive)
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
