package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/farebox-data/occupancy.report/internal/monitoring"
	"github.com/farebox-data/occupancy.report/internal/trip"
)

// Delivery lifecycle of a queued event. All timestamp columns hold unix
// nanoseconds.
const (
	DeliveryPending   = "pending"
	DeliveryInFlight  = "in_flight"
	DeliveryDelivered = "delivered"
	DeliveryAbandoned = "failed_permanent"
)

// QueuedEvent is a trip event as stored in the queue, with its delivery
// bookkeeping.
type QueuedEvent struct {
	trip.Event
	DeliveryStatus string `json:"delivery_status"`
	Attempts       int    `json:"attempts"`
	NextAttempt    int64  `json:"-"`
	LastError      string `json:"last_error,omitempty"`
}

// Append writes the events and the trip aggregate in one transaction. This
// is the write-ahead barrier: the engine commits its in-memory count only
// after Append returns nil. Implements the engine's EventSink.
func (db *DB) Append(events []trip.Event, t trip.Trip) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin append tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			monitoring.Logf("warning: failed to rollback append tx: %v", err)
		}
	}()

	var stoppedAt *int64
	if t.StoppedAt != nil {
		v := t.StoppedAt.UnixNano()
		stoppedAt = &v
	}
	if _, err := tx.Exec(`
		INSERT INTO trips (
			trip_id, vehicle_id, status, capacity, current_count, max_count,
			total_entries, total_exits, overload_events, overloaded,
			started_at_unix, stopped_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trip_id) DO UPDATE SET
			status = excluded.status,
			current_count = excluded.current_count,
			max_count = excluded.max_count,
			total_entries = excluded.total_entries,
			total_exits = excluded.total_exits,
			overload_events = excluded.overload_events,
			overloaded = excluded.overloaded,
			stopped_at_unix = excluded.stopped_at_unix`,
		t.TripID, t.VehicleID, string(t.Status), t.Capacity, t.CurrentCount,
		t.MaxCount, t.TotalEntries, t.TotalExits, t.OverloadEvents,
		t.Overloaded, t.StartedAt.UnixNano(), stoppedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert trip %s: %w", t.TripID, err)
	}

	for _, ev := range events {
		if _, err := tx.Exec(`
			INSERT INTO trip_events (
				event_id, trip_id, seq, event_type, passenger_count,
				occurred_at_unix, latitude, longitude
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.EventID, ev.TripID, ev.Seq, string(ev.Type), ev.PassengerCount,
			ev.Timestamp.UnixNano(), ev.Latitude, ev.Longitude,
		); err != nil {
			return fmt.Errorf("failed to queue event %s (seq %d): %w", ev.EventID, ev.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append tx: %w", err)
	}
	return nil
}

const queuedEventColumns = `
	event_id, trip_id, seq, event_type, passenger_count, occurred_at_unix,
	latitude, longitude, delivery_status, attempts, next_attempt_unix,
	COALESCE(last_error, '')`

func scanQueuedEvent(row interface{ Scan(...interface{}) error }) (QueuedEvent, error) {
	var ev QueuedEvent
	var eventType string
	var occurredAt int64
	err := row.Scan(&ev.EventID, &ev.TripID, &ev.Seq, &eventType,
		&ev.PassengerCount, &occurredAt, &ev.Latitude, &ev.Longitude,
		&ev.DeliveryStatus, &ev.Attempts, &ev.NextAttempt, &ev.LastError)
	if err != nil {
		return ev, err
	}
	ev.Type = trip.EventType(eventType)
	ev.Timestamp = time.Unix(0, occurredAt).UTC()
	return ev, nil
}

// NextDeliverable returns events ready to send: pending, past their backoff
// deadline, and with no earlier undelivered event on the same trip. The
// per-trip head constraint keeps delivery ordered by sequence number;
// abandoned events no longer block the head.
func (db *DB) NextDeliverable(now time.Time, limit int) ([]QueuedEvent, error) {
	rows, err := db.Query(`
		SELECT `+queuedEventColumns+`
		FROM trip_events e
		WHERE e.delivery_status = ?
		  AND e.next_attempt_unix <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM trip_events prior
			WHERE prior.trip_id = e.trip_id
			  AND prior.seq < e.seq
			  AND prior.delivery_status IN (?, ?)
		  )
		ORDER BY e.occurred_at_unix, e.seq
		LIMIT ?`,
		DeliveryPending, now.UnixNano(), DeliveryPending, DeliveryInFlight, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliverable events: %w", err)
	}
	defer rows.Close()

	var out []QueuedEvent
	for rows.Next() {
		ev, err := scanQueuedEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkInFlight claims an event for delivery. Returns false when the event
// is no longer pending (already claimed or resolved), so concurrent workers
// never double-send.
func (db *DB) MarkInFlight(eventID string, now time.Time) (bool, error) {
	res, err := db.Exec(`
		UPDATE trip_events SET delivery_status = ?, attempts = attempts + 1, claimed_at_unix = ?
		WHERE event_id = ? AND delivery_status = ?`,
		DeliveryInFlight, now.UnixNano(), eventID, DeliveryPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark event %s in flight: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkDelivered records a backend ack.
func (db *DB) MarkDelivered(eventID string) error {
	_, err := db.Exec(`
		UPDATE trip_events SET delivery_status = ?, last_error = NULL
		WHERE event_id = ?`,
		DeliveryDelivered, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event %s delivered: %w", eventID, err)
	}
	return nil
}

// MarkFailed records a delivery failure. Transient failures go back to
// pending with the given retry deadline; permanent failures (or exhausted
// attempts) move to failed_permanent, unblocking the queue behind them.
func (db *DB) MarkFailed(eventID string, cause string, nextAttempt time.Time, abandon bool) error {
	status := DeliveryPending
	if abandon {
		status = DeliveryAbandoned
	}
	_, err := db.Exec(`
		UPDATE trip_events SET delivery_status = ?, next_attempt_unix = ?, last_error = ?
		WHERE event_id = ?`,
		status, nextAttempt.UnixNano(), cause, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event %s failed: %w", eventID, err)
	}
	return nil
}

// ResetStaleInFlight returns in_flight events whose claim is older than the
// lease to pending. A crash mid-delivery must not strand the queue head;
// re-sending is safe because the backend dedupes on event id.
func (db *DB) ResetStaleInFlight(now time.Time, lease time.Duration) (int64, error) {
	res, err := db.Exec(`
		UPDATE trip_events SET delivery_status = ?
		WHERE delivery_status = ? AND claimed_at_unix <= ?`,
		DeliveryPending, DeliveryInFlight, now.Add(-lease).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale in-flight events: %w", err)
	}
	return res.RowsAffected()
}

// SyncStats summarizes the queue for the /api/sync/status endpoint.
type SyncStats struct {
	Pending   int64 `json:"pending"`
	InFlight  int64 `json:"in_flight"`
	Delivered int64 `json:"delivered"`
	Abandoned int64 `json:"abandoned"`
}

// QueueStats counts queued events by delivery status.
func (db *DB) QueueStats() (SyncStats, error) {
	var stats SyncStats
	rows, err := db.Query(`SELECT delivery_status, COUNT(*) FROM trip_events GROUP BY delivery_status`)
	if err != nil {
		return stats, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch status {
		case DeliveryPending:
			stats.Pending = n
		case DeliveryInFlight:
			stats.InFlight = n
		case DeliveryDelivered:
			stats.Delivered = n
		case DeliveryAbandoned:
			stats.Abandoned = n
		}
	}
	return stats, rows.Err()
}

// RecentEvents returns the newest events, most recent first.
func (db *DB) RecentEvents(limit int) ([]QueuedEvent, error) {
	rows, err := db.Query(`
		SELECT `+queuedEventColumns+`
		FROM trip_events e
		ORDER BY e.occurred_at_unix DESC, e.seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	var out []QueuedEvent
	for rows.Next() {
		ev, err := scanQueuedEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ActiveTrip returns the persisted active trip, if any. Used on startup to
// resume a trip interrupted by a crash or power cut.
func (db *DB) ActiveTrip() (*trip.Trip, error) {
	row := db.QueryRow(`
		SELECT trip_id, vehicle_id, status, capacity, current_count, max_count,
		       total_entries, total_exits, overload_events, overloaded,
		       started_at_unix, stopped_at_unix
		FROM trips WHERE status = ? ORDER BY started_at_unix DESC LIMIT 1`,
		string(trip.StatusActive))

	var t trip.Trip
	var status string
	var startedAt int64
	var stoppedAt *int64
	err := row.Scan(&t.TripID, &t.VehicleID, &status, &t.Capacity,
		&t.CurrentCount, &t.MaxCount, &t.TotalEntries, &t.TotalExits,
		&t.OverloadEvents, &t.Overloaded, &startedAt, &stoppedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active trip: %w", err)
	}
	t.Status = trip.Status(status)
	t.StartedAt = time.Unix(0, startedAt).UTC()
	if stoppedAt != nil {
		v := time.Unix(0, *stoppedAt).UTC()
		t.StoppedAt = &v
	}
	return &t, nil
}

// LastSeq returns the highest persisted sequence number for the trip, or 0.
func (db *DB) LastSeq(tripID string) (int64, error) {
	var seq sql.NullInt64
	err := db.QueryRow(`SELECT MAX(seq) FROM trip_events WHERE trip_id = ?`, tripID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query last seq for trip %s: %w", tripID, err)
	}
	return seq.Int64, nil
}
