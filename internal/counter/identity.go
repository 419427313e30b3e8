package counter

import (
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gonum.org/v1/gonum/floats"

	"github.com/farebox-data/occupancy.report/internal/monitoring"
	"github.com/farebox-data/occupancy.report/internal/timeutil"
)

// Direction of a boundary crossing.
type Direction string

const (
	DirectionEntry Direction = "ENTRY"
	DirectionExit  Direction = "EXIT"
)

// IdentityConfig holds configuration parameters for the identity cache.
type IdentityConfig struct {
	// SimilarityThreshold is the minimum cosine similarity for two face
	// embeddings to be treated as the same person.
	SimilarityThreshold float64
	// Cooldown is the window after a crossing during which the same
	// identity crossing in the same direction is suppressed.
	Cooldown time.Duration
	// Retention bounds how long an unseen identity stays cached.
	Retention time.Duration
}

// DefaultIdentityConfig returns default identity cache configuration.
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		SimilarityThreshold: 0.92,
		Cooldown:            5 * time.Second,
		Retention:           10 * time.Minute,
	}
}

// identityRecord is the cached state for one resolved person.
type identityRecord struct {
	ID        string
	Embedding []float64

	// Last accepted crossing, used for cool-down suppression.
	LastDirection Direction
	LastCrossing  time.Time
	Crossings     int
}

// IdentityCache resolves face embeddings to stable identity ids and
// suppresses repeat crossings within the cool-down window. Retention and
// eviction are delegated to the TTL cache's janitor; the cache holds no
// references back into the track store.
type IdentityCache struct {
	mu     sync.Mutex
	cache  *gocache.Cache
	clock  timeutil.Clock
	cfg    IdentityConfig
	nextID int64
}

// NewIdentityCache creates an IdentityCache with the given configuration.
func NewIdentityCache(cfg IdentityConfig, clock timeutil.Clock) *IdentityCache {
	return &IdentityCache{
		cache: gocache.New(cfg.Retention, cfg.Retention/2),
		clock: clock,
		cfg:   cfg,
	}
}

// Resolve returns the identity id for an embedding, minting a new one when
// no cached identity is similar enough. Embeddings without a face (nil)
// always mint a fresh identity: an unrecognized passenger still counts.
func (c *IdentityCache) Resolve(embedding []float64) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if embedding != nil {
		if rec := c.bestMatch(embedding); rec != nil {
			// Touch the entry so retention runs from last sighting.
			c.cache.Set(rec.ID, rec, gocache.DefaultExpiration)
			return rec.ID
		}
	}

	c.nextID++
	rec := &identityRecord{ID: fmt.Sprintf("pax_%d", c.nextID), Embedding: embedding}
	c.cache.Set(rec.ID, rec, gocache.DefaultExpiration)
	return rec.ID
}

// bestMatch scans cached identities for the highest cosine similarity at or
// above the threshold. Caller holds the lock.
func (c *IdentityCache) bestMatch(embedding []float64) *identityRecord {
	var best *identityRecord
	bestSim := c.cfg.SimilarityThreshold
	for _, item := range c.cache.Items() {
		rec := item.Object.(*identityRecord)
		if rec.Embedding == nil || len(rec.Embedding) != len(embedding) {
			continue
		}
		if sim := cosineSimilarity(rec.Embedding, embedding); sim >= bestSim {
			bestSim = sim
			best = rec
		}
	}
	return best
}

// IsSuppressed reports whether a crossing by this identity in this
// direction falls inside the cool-down window of its previous crossing.
// Repeat sightings at the door within the window are fraud or detector
// flicker, not a second passenger.
func (c *IdentityCache) IsSuppressed(id string, dir Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.cache.Get(id)
	if !ok {
		return false
	}
	rec := obj.(*identityRecord)
	if rec.Crossings == 0 || rec.LastDirection != dir {
		return false
	}
	return c.clock.Since(rec.LastCrossing) < c.cfg.Cooldown
}

// MarkDirection records an accepted crossing for the identity, starting its
// cool-down window.
func (c *IdentityCache) MarkDirection(id string, dir Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.cache.Get(id)
	if !ok {
		monitoring.Logf("identity %s expired before crossing was recorded", id)
		return
	}
	rec := obj.(*identityRecord)
	rec.LastDirection = dir
	rec.LastCrossing = c.clock.Now()
	rec.Crossings++
	c.cache.Set(id, rec, gocache.DefaultExpiration)
}

// Len returns the number of cached identities.
func (c *IdentityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.ItemCount()
}

// cosineSimilarity computes the cosine of the angle between two equal-length
// vectors. Zero-norm vectors yield 0 (no similarity).
func cosineSimilarity(a, b []float64) float64 {
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
