package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farebox-data/occupancy.report/internal/httputil"
	"github.com/farebox-data/occupancy.report/internal/timeutil"
	"github.com/farebox-data/occupancy.report/internal/trip"
)

func newTestWorker(t *testing.T) (*SyncWorker, *DB, *httputil.MockHTTPClient, *timeutil.MockClock) {
	t.Helper()
	db := newTestDB(t)
	mock := httputil.NewMockHTTPClient()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	w := NewSyncWorker(db, NewBackendClient("https://fleet.example.com", mock), clock)
	return w, db, mock, clock
}

func seedEvents(t *testing.T, db *DB, n int) {
	t.Helper()
	events := []trip.Event{testEvent("trip-1", 1, trip.EventTripStart)}
	for i := 2; i <= n; i++ {
		events = append(events, testEvent("trip-1", int64(i), trip.EventEntry))
	}
	require.NoError(t, db.Append(events, testTrip("trip-1")))
}

func TestRunOnceDeliversInOrder(t *testing.T) {
	w, db, mock, _ := newTestWorker(t)
	seedEvents(t, db, 3)

	// Probe + one delivery per pass: ordering means only the head goes out.
	for i := 0; i < 3; i++ {
		require.NoError(t, w.RunOnce(context.Background()))
	}

	stats, err := db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Delivered)
	assert.Equal(t, int64(0), stats.Pending)
	assert.True(t, w.Online())

	// Requests: probe, deliver, probe, deliver, probe, deliver.
	require.Equal(t, 6, mock.RequestCount())
	assert.Equal(t, "/health", mock.GetRequest(0).URL.Path)
	assert.Equal(t, "trip-1-ev-1", mock.GetRequest(1).Header.Get("Idempotency-Key"))
	assert.Equal(t, "trip-1-ev-2", mock.GetRequest(3).Header.Get("Idempotency-Key"))
	assert.Equal(t, "trip-1-ev-3", mock.GetRequest(5).Header.Get("Idempotency-Key"))
}

func TestRunOnceEmptyQueueSkipsProbe(t *testing.T) {
	w, _, mock, _ := newTestWorker(t)

	require.NoError(t, w.RunOnce(context.Background()))
	assert.Equal(t, 0, mock.RequestCount(), "nothing queued, nothing probed")
}

func TestRunOnceOfflineSuspendsDelivery(t *testing.T) {
	w, db, mock, _ := newTestWorker(t)
	seedEvents(t, db, 2)

	mock.DefaultError = errors.New("dial tcp: network is unreachable")
	require.NoError(t, w.RunOnce(context.Background()))
	assert.False(t, w.Online())
	assert.Equal(t, 1, mock.RequestCount(), "probe only, no delivery attempts")

	stats, err := db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending, "offline leaves the queue untouched")

	// Coverage returns; delivery resumes where it left off.
	mock.Reset()
	require.NoError(t, w.RunOnce(context.Background()))
	assert.True(t, w.Online())
	stats, err = db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delivered)
}

func TestRunOnceTransientFailureBacksOff(t *testing.T) {
	w, db, mock, clock := newTestWorker(t)
	seedEvents(t, db, 1)

	mock.AddResponse(200, "ok")  // probe
	mock.AddResponse(503, "")    // delivery fails
	require.NoError(t, w.RunOnce(context.Background()))

	stats, err := db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	// Within the backoff window nothing is attempted.
	mock.Reset()
	clock.Advance(time.Second)
	require.NoError(t, w.RunOnce(context.Background()))
	assert.Equal(t, 0, mock.RequestCount())

	// Past the 2s base backoff the event is retried and delivered.
	clock.Advance(2 * time.Second)
	require.NoError(t, w.RunOnce(context.Background()))
	stats, err = db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delivered)
}

func TestRunOncePermanentRejectionAbandons(t *testing.T) {
	w, db, mock, _ := newTestWorker(t)
	seedEvents(t, db, 2)

	mock.AddResponse(200, "ok")                        // probe
	mock.AddResponse(422, `{"error":"bad payload"}`)   // head rejected outright
	require.NoError(t, w.RunOnce(context.Background()))

	stats, err := db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Abandoned)

	// The abandoned head no longer blocks the rest of the trip.
	mock.Reset()
	require.NoError(t, w.RunOnce(context.Background()))
	stats, err = db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delivered)
}

func TestRunOnceExhaustedAttemptsAbandon(t *testing.T) {
	w, db, mock, clock := newTestWorker(t)
	w.MaxAttempts = 2
	seedEvents(t, db, 1)

	mock.AddResponse(200, "ok") // probe
	mock.AddResponse(503, "")   // attempt 1
	require.NoError(t, w.RunOnce(context.Background()))

	clock.Advance(5 * time.Second)
	mock.AddResponse(200, "ok") // probe
	mock.AddResponse(503, "")   // attempt 2, limit reached
	require.NoError(t, w.RunOnce(context.Background()))

	stats, err := db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Abandoned)

	recent, err := db.RecentEvents(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, 2, recent[0].Attempts)
	assert.Contains(t, recent[0].LastError, "503")
}

func TestRunOnceRecoversExpiredClaims(t *testing.T) {
	w, db, mock, clock := newTestWorker(t)
	seedEvents(t, db, 2)

	// An event stuck in_flight blocks its trip's head for as long as the
	// claim lease holds.
	claimed, err := db.MarkInFlight("trip-1-ev-1", clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, w.RunOnce(context.Background()))
	assert.Equal(t, 0, mock.RequestCount(), "claimed head blocks the queue")

	// Once the lease expires the next pass reclaims and delivers it, no
	// restart needed.
	clock.Advance(w.LeaseWindow + time.Second)
	require.NoError(t, w.RunOnce(context.Background()))

	stats, err := db.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, int64(1), stats.Pending, "next event unblocked for the following pass")
}

func TestBackoffSchedule(t *testing.T) {
	w := NewSyncWorker(nil, nil, timeutil.NewMockClock(time.Now()))
	w.BackoffBase = 2 * time.Second
	w.BackoffMax = 30 * time.Second

	assert.Equal(t, 2*time.Second, w.backoff(1))
	assert.Equal(t, 4*time.Second, w.backoff(2))
	assert.Equal(t, 8*time.Second, w.backoff(3))
	assert.Equal(t, 16*time.Second, w.backoff(4))
	assert.Equal(t, 30*time.Second, w.backoff(5), "capped")
	assert.Equal(t, 30*time.Second, w.backoff(20), "stays capped")
}

func TestWorkerStartStop(t *testing.T) {
	w, db, mock, clock := newTestWorker(t)
	seedEvents(t, db, 1)

	// A stale claim from a previous run is recovered by the first pass.
	_, err := db.MarkInFlight("trip-1-ev-1", clock.Now().Add(-5*time.Minute))
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	// Keep advancing the mock clock until the loop's ticker has fired and
	// the recovered event went out.
	require.Eventually(t, func() bool {
		clock.Advance(w.Interval)
		stats, err := db.QueueStats()
		return err == nil && stats.Delivered == 1
	}, 2*time.Second, 10*time.Millisecond)
	_ = mock
}
