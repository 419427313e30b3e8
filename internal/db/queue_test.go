package db

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farebox-data/occupancy.report/internal/trip"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testTrip(id string) trip.Trip {
	return trip.Trip{
		TripID:    id,
		VehicleID: "bus-12",
		Status:    trip.StatusActive,
		Capacity:  14,
		StartedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func testEvent(tripID string, seq int64, kind trip.EventType) trip.Event {
	return trip.Event{
		EventID:   fmt.Sprintf("%s-ev-%d", tripID, seq),
		TripID:    tripID,
		Seq:       seq,
		Type:      kind,
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
	}
}

func TestAppendAndRecentEvents(t *testing.T) {
	db := newTestDB(t)

	tr := testTrip("trip-1")
	err := db.Append([]trip.Event{
		testEvent("trip-1", 1, trip.EventTripStart),
		testEvent("trip-1", 2, trip.EventEntry),
	}, tr)
	require.NoError(t, err)

	recent, err := db.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(2), recent[0].Seq, "newest first")
	assert.Equal(t, DeliveryPending, recent[0].DeliveryStatus)
	assert.Equal(t, 0, recent[0].Attempts)

	if diff := cmp.Diff(testEvent("trip-1", 2, trip.EventEntry), recent[0].Event); diff != "" {
		t.Errorf("event did not round-trip (-want +got):\n%s", diff)
	}
}

func TestAppendDuplicateSeqIsAtomic(t *testing.T) {
	db := newTestDB(t)

	tr := testTrip("trip-1")
	require.NoError(t, db.Append([]trip.Event{testEvent("trip-1", 1, trip.EventTripStart)}, tr))

	// Second batch reuses seq 1: the whole batch must be rejected.
	dup := testEvent("trip-1", 1, trip.EventEntry)
	dup.EventID = "other-id"
	err := db.Append([]trip.Event{testEvent("trip-1", 2, trip.EventEntry), dup}, tr)
	require.Error(t, err)

	recent, err := db.RecentEvents(10)
	require.NoError(t, err)
	assert.Len(t, recent, 1, "failed batch must not partially persist")
}

func TestNextDeliverableOrdersBySeq(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	tr := testTrip("trip-1")
	require.NoError(t, db.Append([]trip.Event{
		testEvent("trip-1", 1, trip.EventTripStart),
		testEvent("trip-1", 2, trip.EventEntry),
		testEvent("trip-1", 3, trip.EventEntry),
	}, tr))

	// Only the queue head of the trip is deliverable.
	batch, err := db.NextDeliverable(now, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, int64(1), batch[0].Seq)

	require.NoError(t, db.MarkDelivered(batch[0].EventID))
	batch, err = db.NextDeliverable(now, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, int64(2), batch[0].Seq)
}

func TestNextDeliverableIndependentTrips(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	require.NoError(t, db.Append([]trip.Event{testEvent("trip-1", 1, trip.EventTripStart)}, testTrip("trip-1")))
	require.NoError(t, db.Append([]trip.Event{testEvent("trip-2", 1, trip.EventTripStart)}, testTrip("trip-2")))

	// One trip's backlog never blocks another trip's head.
	batch, err := db.NextDeliverable(now, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestNextDeliverableHonorsBackoffDeadline(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	require.NoError(t, db.Append([]trip.Event{testEvent("trip-1", 1, trip.EventTripStart)}, testTrip("trip-1")))

	claimed, err := db.MarkInFlight("trip-1-ev-1", now)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, db.MarkFailed("trip-1-ev-1", "connection refused", now.Add(30*time.Second), false))

	batch, err := db.NextDeliverable(now, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "backing off until the retry deadline")

	batch, err = db.NextDeliverable(now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "connection refused", batch[0].LastError)
	assert.Equal(t, 1, batch[0].Attempts)
}

func TestAbandonedEventUnblocksQueueHead(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	require.NoError(t, db.Append([]trip.Event{
		testEvent("trip-1", 1, trip.EventTripStart),
		testEvent("trip-1", 2, trip.EventEntry),
	}, testTrip("trip-1")))

	claimed, err := db.MarkInFlight("trip-1-ev-1", now)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, db.MarkFailed("trip-1-ev-1", "400 bad request", now, true))

	batch, err := db.NextDeliverable(now, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, int64(2), batch[0].Seq)

	stats, err := db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Abandoned)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestMarkInFlightClaimsOnce(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	require.NoError(t, db.Append([]trip.Event{testEvent("trip-1", 1, trip.EventTripStart)}, testTrip("trip-1")))

	claimed, err := db.MarkInFlight("trip-1-ev-1", now)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = db.MarkInFlight("trip-1-ev-1", now)
	require.NoError(t, err)
	assert.False(t, claimed, "already in flight")

	claimed, err = db.MarkInFlight("no-such-event", now)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestResetStaleInFlight(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	require.NoError(t, db.Append([]trip.Event{
		testEvent("trip-1", 1, trip.EventTripStart),
		testEvent("trip-1", 2, trip.EventEntry),
	}, testTrip("trip-1")))

	// Seq 1 claimed long ago (a crash mid-delivery); seq 2 claimed just now.
	_, err := db.MarkInFlight("trip-1-ev-1", now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.NoError(t, db.MarkDelivered("trip-1-ev-1"))
	_, err = db.MarkInFlight("trip-1-ev-2", now)
	require.NoError(t, err)

	n, err := db.ResetStaleInFlight(now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "fresh claim keeps its lease")

	n, err = db.ResetStaleInFlight(now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Delivered)
}

func TestActiveTripResume(t *testing.T) {
	db := newTestDB(t)

	got, err := db.ActiveTrip()
	require.NoError(t, err)
	assert.Nil(t, got, "no trip yet")

	tr := testTrip("trip-1")
	tr.CurrentCount = 3
	tr.MaxCount = 5
	tr.TotalEntries = 7
	tr.TotalExits = 4
	require.NoError(t, db.Append([]trip.Event{
		testEvent("trip-1", 1, trip.EventTripStart),
		testEvent("trip-1", 2, trip.EventEntry),
	}, tr))

	got, err = db.ActiveTrip()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "trip-1", got.TripID)
	assert.Equal(t, 3, got.CurrentCount)
	assert.Equal(t, trip.StatusActive, got.Status)

	seq, err := db.LastSeq("trip-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	// A stopped trip no longer resumes.
	stopped := tr
	stopped.Status = trip.StatusStopped
	at := tr.StartedAt.Add(time.Hour)
	stopped.StoppedAt = &at
	require.NoError(t, db.Append([]trip.Event{testEvent("trip-1", 3, trip.EventTripStop)}, stopped))

	got, err = db.ActiveTrip()
	require.NoError(t, err)
	assert.Nil(t, got)

	seq, err = db.LastSeq("no-such-trip")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}
