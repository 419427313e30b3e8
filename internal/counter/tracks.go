package counter

import (
	"sort"
	"time"

	"github.com/farebox-data/occupancy.report/internal/monitoring"
)

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	TrackActive  TrackState = "active"  // being updated with detections
	TrackCounted TrackState = "counted" // resolved into a crossing, removed
	TrackLost    TrackState = "lost"    // exceeded the silence window, removed
)

// TrackerConfig holds configuration parameters for the track store.
type TrackerConfig struct {
	GatingDistanceSquared float64       // squared association gate (normalized units²)
	MaxTracks             int           // maximum number of concurrent tracks
	SilenceFrames         int           // frames without a match before a track is lost
	SilenceDuration       time.Duration // wall-clock bound on the silence window
}

// DefaultTrackerConfig returns default track store configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		GatingDistanceSquared: 0.15 * 0.15,
		MaxTracks:             50,
		SilenceFrames:         10,
		SilenceDuration:       2 * time.Second,
	}
}

// Track is a person followed across consecutive frames.
type Track struct {
	TrackID int64
	State   TrackState

	FirstSeen  time.Time
	LastSeen   time.Time
	FirstFrame int64
	LastFrame  int64

	// Positions is the ordered history of bbox centres, oldest first.
	Positions []Point

	Hits   int // total successful associations
	Misses int // consecutive frames without a match

	// ambiguousCounted dedupes the engine's ambiguous stat for a track
	// that keeps straddling the boundary frame after frame.
	ambiguousCounted bool

	// Best-confidence face embedding seen on this track, if any.
	Embedding           []float64
	EmbeddingConfidence float64
}

// Origin returns the first observed position.
func (t *Track) Origin() Point { return t.Positions[0] }

// Position returns the latest observed position.
func (t *Track) Position() Point { return t.Positions[len(t.Positions)-1] }

// Velocity returns the mean per-frame displacement over the track's life.
func (t *Track) Velocity() Point {
	frames := t.LastFrame - t.FirstFrame
	if frames <= 0 || len(t.Positions) < 2 {
		return Point{}
	}
	o, p := t.Origin(), t.Position()
	return Point{X: (p.X - o.X) / float64(frames), Y: (p.Y - o.Y) / float64(frames)}
}

// absorb merges a detection into the track.
func (t *Track) absorb(det Detection, frame int64, now time.Time) {
	t.Positions = append(t.Positions, det.BBox.Center())
	t.LastSeen = now
	t.LastFrame = frame
	t.Hits++
	t.Misses = 0

	// Keep the highest-confidence embedding as the track's face identity.
	if det.Embedding != nil && det.Confidence > t.EmbeddingConfidence {
		t.Embedding = det.Embedding
		t.EmbeddingConfidence = det.Confidence
	}
}

// TrackUpdate is the per-frame delta returned to downstream stages.
type TrackUpdate struct {
	Matched []*Track // existing tracks updated this frame
	Spawned []*Track // new tracks created this frame
	Lost    []*Track // tracks finalized after exceeding the silence window
}

// TrackStore associates each frame's detections with existing tracks or
// spawns new ones. Tracks live in an arena keyed by integer ids; eviction
// is a sweep over the map after each frame (no reference graphs between
// tracks and identities).
type TrackStore struct {
	tracks      map[int64]*Track
	nextTrackID int64
	frameIndex  int64
	cfg         TrackerConfig
}

// NewTrackStore creates a TrackStore with the given configuration.
func NewTrackStore(cfg TrackerConfig) *TrackStore {
	return &TrackStore{
		tracks:      make(map[int64]*Track),
		nextTrackID: 1,
		cfg:         cfg,
	}
}

// Update processes one frame of detections: nearest-neighbour association
// within the spatial gate, spawning for unmatched detections, and
// silence-window finalization for unmatched tracks. Frames must be
// presented in arrival order.
func (s *TrackStore) Update(detections []Detection, frameTime time.Time) TrackUpdate {
	s.frameIndex++
	var delta TrackUpdate

	// Step 1: associate detections to tracks, globally nearest first. All
	// (detection, track) pairs inside the gate are ranked by distance, so
	// when several detections compete for one track the closest one wins
	// regardless of detection order; the rest spawn new tracks (no merging).
	type candidate struct {
		det   int
		track int64
		dist2 float64
	}
	var candidates []candidate
	for di, det := range detections {
		center := det.BBox.Center()
		for id, track := range s.tracks {
			if dist2 := DistanceSquared(track.Position(), center); dist2 < s.cfg.GatingDistanceSquared {
				candidates = append(candidates, candidate{det: di, track: id, dist2: dist2})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist2 < candidates[j].dist2 })

	matched := make(map[int64]bool)
	assigned := make([]int64, len(detections))
	for _, c := range candidates {
		if assigned[c.det] != 0 || matched[c.track] {
			continue
		}
		assigned[c.det] = c.track
		matched[c.track] = true
	}

	// Step 2: update matched tracks, spawn tracks for the rest.
	for di, det := range detections {
		if id := assigned[di]; id != 0 {
			track := s.tracks[id]
			track.absorb(det, s.frameIndex, frameTime)
			delta.Matched = append(delta.Matched, track)
			continue
		}
		if len(s.tracks) >= s.cfg.MaxTracks {
			monitoring.Logf("track store full (%d tracks), dropping detection", len(s.tracks))
			continue
		}
		track := s.spawn(det, frameTime)
		delta.Spawned = append(delta.Spawned, track)
	}

	// Step 3: age unmatched tracks and sweep out the silent ones. A lost
	// track is a normal lifecycle event, reported for diagnostics only.
	for id, track := range s.tracks {
		if matched[id] || track.FirstFrame == s.frameIndex {
			continue
		}
		track.Misses++
		silentTooLong := track.Misses >= s.cfg.SilenceFrames ||
			frameTime.Sub(track.LastSeen) >= s.cfg.SilenceDuration
		if silentTooLong {
			track.State = TrackLost
			delete(s.tracks, id)
			delta.Lost = append(delta.Lost, track)
			monitoring.Logf("track %d lost after %d silent frames (%d observations)",
				id, track.Misses, track.Hits)
		}
	}

	return delta
}

// spawn creates a new track from an unassociated detection.
func (s *TrackStore) spawn(det Detection, now time.Time) *Track {
	track := &Track{
		TrackID:    s.nextTrackID,
		State:      TrackActive,
		FirstSeen:  now,
		LastSeen:   now,
		FirstFrame: s.frameIndex,
		LastFrame:  s.frameIndex,
		Positions:  []Point{det.BBox.Center()},
		Hits:       1,
	}
	if det.Embedding != nil {
		track.Embedding = det.Embedding
		track.EmbeddingConfidence = det.Confidence
	}
	s.nextTrackID++
	s.tracks[track.TrackID] = track
	return track
}

// Finalize marks a track as counted and removes it from the store.
// Called once the track has resolved into a crossing.
func (s *TrackStore) Finalize(trackID int64) {
	if track, ok := s.tracks[trackID]; ok {
		track.State = TrackCounted
		delete(s.tracks, trackID)
	}
}

// Len returns the number of live tracks.
func (s *TrackStore) Len() int { return len(s.tracks) }

// Get returns a track by id, or nil if not found.
func (s *TrackStore) Get(trackID int64) *Track { return s.tracks[trackID] }
