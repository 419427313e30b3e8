package counter

import (
	"github.com/farebox-data/occupancy.report/internal/monitoring"
)

// Axis selects which normalized coordinate the counting boundary lives on.
type Axis string

const (
	AxisX Axis = "x" // vertical boundary line, crossings move horizontally
	AxisY Axis = "y" // horizontal boundary line, crossings move vertically
)

// CrossingConfig holds configuration parameters for the crossing detector.
type CrossingConfig struct {
	BoundaryAxis    Axis    // axis of the coordinate compared to the boundary
	BoundaryOffset  float64 // boundary position in normalized [0,1] coordinates
	MinDisplacement float64 // minimum first→latest displacement magnitude
	EntryPositive   bool    // true when positive displacement means entering
	MinObservations int     // observations required before a verdict
}

// DefaultCrossingConfig returns default crossing detector configuration:
// a vertical door threshold at the middle of the frame, entry moving right.
func DefaultCrossingConfig() CrossingConfig {
	return CrossingConfig{
		BoundaryAxis:    AxisX,
		BoundaryOffset:  0.5,
		MinDisplacement: 0.1,
		EntryPositive:   true,
		MinObservations: 2,
	}
}

// VerdictKind classifies the outcome of evaluating a track against the
// counting boundary.
type VerdictKind string

const (
	NoCrossing VerdictKind = "no_crossing" // track has not crossed (yet)
	Ambiguous  VerdictKind = "ambiguous"   // jitter or too little movement, dropped
	Suppressed VerdictKind = "suppressed"  // duplicate inside the cool-down window
	Crossed    VerdictKind = "crossed"     // accepted crossing
)

// Verdict is the outcome of one boundary evaluation.
type Verdict struct {
	Kind       VerdictKind
	Direction  Direction
	IdentityID string
}

// CrossingDetector decides, from a track's trajectory, whether a passenger
// crossed the counting boundary and in which direction, then resolves the
// track's face identity and filters cool-down duplicates.
type CrossingDetector struct {
	cfg        CrossingConfig
	identities *IdentityCache
}

// NewCrossingDetector creates a CrossingDetector backed by the given
// identity cache.
func NewCrossingDetector(cfg CrossingConfig, identities *IdentityCache) *CrossingDetector {
	return &CrossingDetector{cfg: cfg, identities: identities}
}

// Evaluate inspects a track against the boundary. Verdicts other than
// Crossed carry no identity and must not advance the passenger count.
// Ambiguous trajectories are a normal outcome of door traffic, logged and
// dropped rather than surfaced as errors.
func (d *CrossingDetector) Evaluate(track *Track) Verdict {
	if track.Hits < d.cfg.MinObservations {
		return Verdict{Kind: NoCrossing}
	}

	origin := d.coord(track.Origin())
	latest := d.coord(track.Position())

	// A crossing needs the trajectory to straddle the boundary.
	startedBefore := origin < d.cfg.BoundaryOffset
	endedBefore := latest < d.cfg.BoundaryOffset
	if startedBefore == endedBefore {
		return Verdict{Kind: NoCrossing}
	}

	displacement := latest - origin
	if abs(displacement) < d.cfg.MinDisplacement {
		monitoring.Logf("track %d: ambiguous crossing, displacement %.3f below %.3f",
			track.TrackID, displacement, d.cfg.MinDisplacement)
		return Verdict{Kind: Ambiguous}
	}

	dir := DirectionExit
	if (displacement > 0) == d.cfg.EntryPositive {
		dir = DirectionEntry
	}

	id := d.identities.Resolve(track.Embedding)
	if d.identities.IsSuppressed(id, dir) {
		monitoring.Logf("track %d: %s by %s suppressed inside cooldown", track.TrackID, dir, id)
		return Verdict{Kind: Suppressed, Direction: dir, IdentityID: id}
	}

	return Verdict{Kind: Crossed, Direction: dir, IdentityID: id}
}

// coord projects a point onto the boundary axis.
func (d *CrossingDetector) coord(p Point) float64 {
	if d.cfg.BoundaryAxis == AxisY {
		return p.Y
	}
	return p.X
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
