package counter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/farebox-data/occupancy.report/internal/config"
	"github.com/farebox-data/occupancy.report/internal/monitoring"
	"github.com/farebox-data/occupancy.report/internal/timeutil"
	"github.com/farebox-data/occupancy.report/internal/trip"
)

// EventSink persists staged trip events and the trip aggregate in a single
// transaction. The engine commits its in-memory state only after Append
// returns nil, so a storage failure leaves the count untouched.
type EventSink interface {
	Append(events []trip.Event, t trip.Trip) error
}

// Stats are cumulative engine counters since startup, for the API and logs.
type Stats struct {
	FramesReceived  int64 `json:"frames_received"`
	FramesProcessed int64 `json:"frames_processed"`
	Entries         int64 `json:"entries"`
	Exits           int64 `json:"exits"`
	Suppressed      int64 `json:"suppressed"`
	Ambiguous       int64 `json:"ambiguous"`
	ExitsIgnored    int64 `json:"exits_ignored"`
	Rejected        int64 `json:"rejected"`
	TracksLost      int64 `json:"tracks_lost"`
	DetectorErrors  int64 `json:"detector_errors"`
	StorageErrors   int64 `json:"storage_errors"`
}

// Engine is the frame-to-event pipeline: detections feed the track store,
// resolved crossings feed the trip state machine, and every emitted event
// is written through the sink before the count advances.
type Engine struct {
	mu sync.Mutex

	detector   Detector
	tracks     *TrackStore
	crossings  *CrossingDetector
	identities *IdentityCache
	machine    *trip.Machine
	sink       EventSink
	clock      timeutil.Clock

	defaultCapacity int
	processEveryN   int
	frameCounter    int64

	stats Stats
}

// NewEngine wires a pipeline from tuning config. The detector is the
// caller's person-detection model; the sink is the durable event queue.
func NewEngine(cfg *config.TuningConfig, detector Detector, sink EventSink, machine *trip.Machine, clock timeutil.Clock) *Engine {
	gate := cfg.GetGatingDistance()
	identities := NewIdentityCache(IdentityConfig{
		SimilarityThreshold: cfg.GetSimilarityThreshold(),
		Cooldown:            cfg.GetCooldown(),
		Retention:           cfg.GetIdentityRetention(),
	}, clock)

	return &Engine{
		detector: detector,
		tracks: NewTrackStore(TrackerConfig{
			GatingDistanceSquared: gate * gate,
			MaxTracks:             cfg.GetMaxTracks(),
			SilenceFrames:         cfg.GetSilenceFrames(),
			SilenceDuration:       cfg.GetSilenceDuration(),
		}),
		crossings: NewCrossingDetector(CrossingConfig{
			BoundaryAxis:    Axis(cfg.GetBoundaryAxis()),
			BoundaryOffset:  cfg.GetBoundaryOffset(),
			MinDisplacement: cfg.GetMinDisplacement(),
			EntryPositive:   cfg.GetEntryPositive(),
			MinObservations: cfg.GetMinObservations(),
		}, identities),
		identities:      identities,
		machine:         machine,
		sink:            sink,
		clock:           clock,
		defaultCapacity: cfg.GetDefaultCapacity(),
		processEveryN:   cfg.GetProcessEveryNFrames(),
	}
}

// StartTrip starts a new trip for the vehicle. A capacity of 0 uses the
// configured default. The TRIP_START event is durably queued before the
// trip becomes active.
func (e *Engine) StartTrip(vehicleID string, capacity int) (trip.Trip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if capacity == 0 {
		capacity = e.defaultCapacity
	}
	staged, err := e.machine.StageStart(vehicleID, capacity, e.clock.Now())
	if err != nil {
		return trip.Trip{}, err
	}
	if err := e.sink.Append(staged.Events, staged.Next); err != nil {
		e.stats.StorageErrors++
		return trip.Trip{}, fmt.Errorf("failed to queue trip start: %w", err)
	}
	staged.Commit()
	monitoring.Logf("trip %s started for vehicle %s (capacity %d)",
		staged.Next.TripID, vehicleID, capacity)
	return staged.Next, nil
}

// StopTrip stops the active trip. The TRIP_STOP event is queued
// synchronously before this returns; delivery stays asynchronous.
func (e *Engine) StopTrip() (trip.Trip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	staged, err := e.machine.StageStop(e.clock.Now())
	if err != nil {
		return trip.Trip{}, err
	}
	if err := e.sink.Append(staged.Events, staged.Next); err != nil {
		e.stats.StorageErrors++
		return trip.Trip{}, fmt.Errorf("failed to queue trip stop: %w", err)
	}
	staged.Commit()
	monitoring.Logf("trip %s stopped: %d entries, %d exits, peak %d",
		staged.Next.TripID, staged.Next.TotalEntries, staged.Next.TotalExits,
		staged.Next.MaxCount)
	return staged.Next, nil
}

// ProcessFrame runs the detector on one camera frame and feeds the result
// through the pipeline. Frames between the configured stride are dropped
// cheaply before detection runs.
func (e *Engine) ProcessFrame(image []byte, ts time.Time) error {
	e.mu.Lock()
	e.stats.FramesReceived++
	e.frameCounter++
	skip := e.processEveryN > 1 && e.frameCounter%int64(e.processEveryN) != 0
	e.mu.Unlock()
	if skip {
		return nil
	}

	detections, err := e.detector.Detect(image, ts)
	if err != nil {
		e.mu.Lock()
		e.stats.DetectorErrors++
		e.mu.Unlock()
		return fmt.Errorf("detector failed: %w", err)
	}
	return e.ProcessDetections(detections, ts)
}

// ProcessDetections feeds one frame's detections through tracking and
// crossing resolution. Exposed separately for pipelines that run their own
// detector out of process.
func (e *Engine) ProcessDetections(detections []Detection, ts time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.FramesProcessed++
	delta := e.tracks.Update(detections, ts)
	e.stats.TracksLost += int64(len(delta.Lost))

	var firstErr error
	for _, track := range delta.Matched {
		if err := e.resolveTrack(track, ts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolveTrack evaluates one updated track against the boundary and, on an
// accepted crossing, pushes it through the trip machine and the sink.
// Caller holds the engine lock.
func (e *Engine) resolveTrack(track *Track, ts time.Time) error {
	verdict := e.crossings.Evaluate(track)

	switch verdict.Kind {
	case NoCrossing:
		return nil

	case Ambiguous:
		// The track may still develop into a clean crossing; keep it, and
		// count the hesitation once, not once per straddling frame.
		if !track.ambiguousCounted {
			track.ambiguousCounted = true
			e.stats.Ambiguous++
		}
		return nil

	case Suppressed:
		// The person crossed, but it is a duplicate of a recent crossing.
		e.stats.Suppressed++
		e.tracks.Finalize(track.TrackID)
		return nil
	}

	kind := trip.EventExit
	if verdict.Direction == DirectionEntry {
		kind = trip.EventEntry
	}

	staged, err := e.machine.StageCrossing(kind, ts)
	switch {
	case errors.Is(err, trip.ErrExitIgnored):
		// Exit with nobody on board: drop it, the count stays at zero.
		e.stats.ExitsIgnored++
		monitoring.Logf("track %d: %v", track.TrackID, err)
		e.tracks.Finalize(track.TrackID)
		return nil
	case errors.Is(err, trip.ErrInvalidState):
		// No active trip; crossings outside a trip are discarded.
		e.stats.Rejected++
		e.tracks.Finalize(track.TrackID)
		return nil
	case err != nil:
		return err
	}

	if err := e.sink.Append(staged.Events, staged.Next); err != nil {
		// Dropping the staged transition rolls the count back. The track
		// stays live so the crossing is retried on the next frame.
		e.stats.StorageErrors++
		return fmt.Errorf("failed to queue %s event: %w", kind, err)
	}
	staged.Commit()

	e.identities.MarkDirection(verdict.IdentityID, verdict.Direction)
	e.tracks.Finalize(track.TrackID)

	if verdict.Direction == DirectionEntry {
		e.stats.Entries++
	} else {
		e.stats.Exits++
	}
	monitoring.Logf("trip %s: %s by %s, count now %d",
		staged.Next.TripID, verdict.Direction, verdict.IdentityID,
		staged.Next.CurrentCount)
	return nil
}

// Stats returns a copy of the cumulative pipeline counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// LiveTracks returns the number of active tracks, for the status API.
func (e *Engine) LiveTracks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracks.Len()
}

// Machine exposes the trip state machine for read-side API handlers.
func (e *Engine) Machine() *trip.Machine { return e.machine }
