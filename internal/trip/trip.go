// Package trip owns the trip lifecycle state machine: capacity, counts,
// overload state, and TripEvent emission.
package trip

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a trip.
type Status string

const (
	StatusPending Status = "pending" // created, accepts no crossings
	StatusActive  Status = "active"  // counting
	StatusStopped Status = "stopped" // terminal
)

// EventType identifies the kind of a TripEvent.
type EventType string

const (
	EventEntry     EventType = "ENTRY"
	EventExit      EventType = "EXIT"
	EventOverload  EventType = "OVERLOAD"
	EventTripStart EventType = "TRIP_START"
	EventTripStop  EventType = "TRIP_STOP"
)

// ErrInvalidState is returned for trip commands issued in the wrong
// lifecycle state. The trip is left unchanged.
var ErrInvalidState = errors.New("invalid trip state")

// ErrExitIgnored is returned for an EXIT crossing while the count is zero.
// The count never decrements below zero; the crossing is dropped.
var ErrExitIgnored = errors.New("exit ignored: no passengers on board")

// Event is an immutable trip fact. Created once by the state machine,
// never mutated, queued for delivery. EventID doubles as the backend
// idempotency key; Seq is monotonic per trip.
type Event struct {
	EventID        string     `json:"event_id"`
	TripID         string     `json:"trip_id"`
	Seq            int64      `json:"seq"`
	Type           EventType  `json:"type"`
	PassengerCount int        `json:"passenger_count"`
	Timestamp      time.Time  `json:"timestamp"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
}

// Trip is the aggregate lifecycle record for one vehicle trip.
type Trip struct {
	TripID         string     `json:"trip_id"`
	VehicleID      string     `json:"vehicle_id"`
	Status         Status     `json:"status"`
	Capacity       int        `json:"capacity"`
	CurrentCount   int        `json:"current_count"`
	MaxCount       int        `json:"max_count"`
	TotalEntries   int        `json:"total_entries"`
	TotalExits     int        `json:"total_exits"`
	OverloadEvents int        `json:"overload_events"`
	Overloaded     bool       `json:"overloaded"`
	StartedAt      time.Time  `json:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`

	nextSeq int64
}

// Duration returns the trip duration: running duration while active,
// final duration once stopped.
func (t *Trip) Duration(now time.Time) time.Duration {
	if t.StoppedAt != nil {
		return t.StoppedAt.Sub(t.StartedAt)
	}
	return now.Sub(t.StartedAt)
}

// Machine owns at most one trip for its vehicle. All mutations are staged:
// the caller persists the staged events first and commits only after the
// write succeeds, so the in-memory count never runs ahead of durable storage.
type Machine struct {
	mu   sync.RWMutex
	trip *Trip
}

// NewMachine creates a Machine with no trip.
func NewMachine() *Machine {
	return &Machine{}
}

// Resume restores an active trip after a process restart. nextSeq must be
// one past the highest persisted sequence number for the trip.
func (m *Machine) Resume(t Trip, nextSeq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.trip != nil && m.trip.Status == StatusActive {
		return fmt.Errorf("%w: trip %s already active", ErrInvalidState, m.trip.TripID)
	}
	t.nextSeq = nextSeq
	m.trip = &t
	return nil
}

// Staged is a prepared state transition: the events it will emit and the
// trip aggregate as it will look once committed. Commit applies the
// transition; dropping a Staged without committing leaves the trip unchanged.
type Staged struct {
	Events []Event
	Next   Trip

	machine *Machine
}

// Commit applies the staged transition to the machine.
func (s *Staged) Commit() {
	s.machine.mu.Lock()
	defer s.machine.mu.Unlock()
	next := s.Next
	s.machine.trip = &next
}

// StageStart prepares a new trip. Fails with ErrInvalidState while a trip
// is already active.
func (m *Machine) StageStart(vehicleID string, capacity int, now time.Time) (*Staged, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.trip != nil && m.trip.Status == StatusActive {
		return nil, fmt.Errorf("%w: trip %s is active", ErrInvalidState, m.trip.TripID)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be >= 1, got %d", capacity)
	}

	next := Trip{
		TripID:    uuid.NewString(),
		VehicleID: vehicleID,
		Status:    StatusActive,
		Capacity:  capacity,
		StartedAt: now,
		nextSeq:   1,
	}
	ev := next.emit(EventTripStart, now)

	return &Staged{Events: []Event{ev}, Next: next, machine: m}, nil
}

// StageStop prepares the transition to STOPPED. Fails with ErrInvalidState
// unless the trip is currently active.
func (m *Machine) StageStop(now time.Time) (*Staged, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.trip == nil || m.trip.Status != StatusActive {
		return nil, fmt.Errorf("%w: no active trip to stop", ErrInvalidState)
	}

	next := *m.trip
	next.Status = StatusStopped
	stopped := now
	next.StoppedAt = &stopped
	ev := next.emit(EventTripStop, now)

	return &Staged{Events: []Event{ev}, Next: next, machine: m}, nil
}

// StageCrossing prepares an ENTRY or EXIT. In the active state it updates
// counts, recomputes the high-water mark and the overload flag, and emits
// the crossing event plus an OVERLOAD event on the rising edge only.
func (m *Machine) StageCrossing(kind EventType, now time.Time) (*Staged, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if kind != EventEntry && kind != EventExit {
		return nil, fmt.Errorf("crossing must be ENTRY or EXIT, got %s", kind)
	}
	if m.trip == nil || m.trip.Status != StatusActive {
		return nil, fmt.Errorf("%w: crossings require an active trip", ErrInvalidState)
	}

	next := *m.trip
	var events []Event

	switch kind {
	case EventEntry:
		next.CurrentCount++
		next.TotalEntries++
		if next.CurrentCount > next.MaxCount {
			next.MaxCount = next.CurrentCount
		}
		events = append(events, next.emit(EventEntry, now))

		if next.CurrentCount > next.Capacity && !next.Overloaded {
			// Rising edge only; stays set while over capacity.
			next.Overloaded = true
			next.OverloadEvents++
			events = append(events, next.emit(EventOverload, now))
		}

	case EventExit:
		if next.CurrentCount == 0 {
			return nil, ErrExitIgnored
		}
		next.CurrentCount--
		next.TotalExits++
		if next.CurrentCount <= next.Capacity {
			next.Overloaded = false
		}
		events = append(events, next.emit(EventExit, now))
	}

	return &Staged{Events: events, Next: next, machine: m}, nil
}

// emit appends a new event fact with the trip's next sequence number.
func (t *Trip) emit(kind EventType, now time.Time) Event {
	ev := Event{
		EventID:        uuid.NewString(),
		TripID:         t.TripID,
		Seq:            t.nextSeq,
		Type:           kind,
		PassengerCount: t.CurrentCount,
		Timestamp:      now,
	}
	t.nextSeq++
	return ev
}

// Snapshot returns a copy of the current trip, or false when none exists.
func (m *Machine) Snapshot() (Trip, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.trip == nil {
		return Trip{}, false
	}
	return *m.trip, true
}

// Status returns the current lifecycle state; StatusPending when no trip
// has ever been started.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.trip == nil {
		return StatusPending
	}
	return m.trip.Status
}

// CurrentCount returns the live passenger count (0 when no trip exists).
func (m *Machine) CurrentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.trip == nil {
		return 0
	}
	return m.trip.CurrentCount
}

// TripID returns the current trip id, or empty when no trip exists.
func (m *Machine) TripID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.trip == nil {
		return ""
	}
	return m.trip.TripID
}
