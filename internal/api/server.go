// Package api exposes the engine's local HTTP interface: trip lifecycle
// commands, live counts, queue inspection, and frame ingest.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/farebox-data/occupancy.report/internal/counter"
	"github.com/farebox-data/occupancy.report/internal/db"
	"github.com/farebox-data/occupancy.report/internal/httputil"
	"github.com/farebox-data/occupancy.report/internal/timeutil"
	"github.com/farebox-data/occupancy.report/internal/trip"
	"github.com/farebox-data/occupancy.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// SyncStatus abstracts the sync worker for the status endpoint.
type SyncStatus interface {
	Online() bool
}

type Server struct {
	engine *counter.Engine
	db     *db.DB
	sync   SyncStatus
	config interface{}
	clock  timeutil.Clock
}

// NewServer creates a Server. config is the loaded tuning configuration,
// echoed back verbatim on /api/config.
func NewServer(engine *counter.Engine, database *db.DB, sync SyncStatus, config interface{}, clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		engine: engine,
		db:     database,
		sync:   sync,
		config: config,
		clock:  clock,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/trip/start", s.startTrip)
	mux.HandleFunc("/api/trip/stop", s.stopTrip)
	mux.HandleFunc("/api/trip/status", s.tripStatus)
	mux.HandleFunc("/api/count", s.currentCount)
	mux.HandleFunc("/api/frames", s.ingestFrame)
	mux.HandleFunc("/api/events/recent", s.recentEvents)
	mux.HandleFunc("/api/sync/status", s.syncStatus)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/healthz", s.health)
	return mux
}

type startTripRequest struct {
	VehicleID string `json:"vehicle_id"`
	Capacity  int    `json:"capacity"`
}

func (s *Server) startTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req startTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if req.VehicleID == "" {
		httputil.BadRequest(w, "vehicle_id is required")
		return
	}
	if req.Capacity < 0 {
		httputil.BadRequest(w, "capacity must not be negative")
		return
	}

	started, err := s.engine.StartTrip(req.VehicleID, req.Capacity)
	if err != nil {
		s.writeTripError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, started)
}

func (s *Server) stopTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	stopped, err := s.engine.StopTrip()
	if err != nil {
		s.writeTripError(w, err)
		return
	}
	httputil.WriteJSONOK(w, tripStatusResponse{
		Trip:            stopped,
		DurationSeconds: stopped.Duration(s.clock.Now()).Seconds(),
		Pipeline:        s.engine.Stats(),
	})
}

// writeTripError maps trip lifecycle errors onto HTTP statuses.
func (s *Server) writeTripError(w http.ResponseWriter, err error) {
	if errors.Is(err, trip.ErrInvalidState) {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}

type tripStatusResponse struct {
	trip.Trip
	DurationSeconds float64       `json:"duration_seconds"`
	LiveTracks      int           `json:"live_tracks"`
	Pipeline        counter.Stats `json:"pipeline"`
}

func (s *Server) tripStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	t, ok := s.engine.Machine().Snapshot()
	if !ok {
		httputil.NotFound(w, "no trip has been started")
		return
	}
	httputil.WriteJSONOK(w, tripStatusResponse{
		Trip:            t,
		DurationSeconds: t.Duration(s.clock.Now()).Seconds(),
		LiveTracks:      s.engine.LiveTracks(),
		Pipeline:        s.engine.Stats(),
	})
}

func (s *Server) currentCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"trip_id":       s.engine.Machine().TripID(),
		"status":        s.engine.Machine().Status(),
		"current_count": s.engine.Machine().CurrentCount(),
	})
}

// frameRequest is an out-of-process detector posting one frame's worth of
// detections. Raw image ingest stays out of the HTTP surface; the detector
// runs next to the camera and sends boxes, not pixels.
type frameRequest struct {
	Timestamp  time.Time           `json:"timestamp"`
	Detections []counter.Detection `json:"detections"`
}

func (s *Server) ingestFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req frameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}

	if err := s.engine.ProcessDetections(req.Detections, ts); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"current_count": s.engine.Machine().CurrentCount(),
	})
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			httputil.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := s.db.RecentEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if events == nil {
		events = []db.QueuedEvent{}
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	stats, err := s.db.QueueStats()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"online": s.sync.Online(),
		"queue":  stats,
	})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.config)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}
