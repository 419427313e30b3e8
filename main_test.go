package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farebox-data/occupancy.report/internal/config"
	"github.com/farebox-data/occupancy.report/internal/counter"
	"github.com/farebox-data/occupancy.report/internal/db"
	"github.com/farebox-data/occupancy.report/internal/timeutil"
	"github.com/farebox-data/occupancy.report/internal/trip"
)

func TestDevDetectorScriptCountsBoardings(t *testing.T) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "dev.db"))
	require.NoError(t, err)
	defer database.Close()

	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	cfg := config.EmptyTuningConfig()
	one := 1
	cfg.ProcessEveryNFrames = &one

	engine := counter.NewEngine(cfg, devDetector(), database, trip.NewMachine(), clock)
	_, err = engine.StartTrip("dev-vehicle", cfg.GetDefaultCapacity())
	require.NoError(t, err)

	// Play the whole script: two boardings and one alighting.
	for i := 0; i < 20; i++ {
		clock.Advance(100 * time.Millisecond)
		require.NoError(t, engine.ProcessFrame(nil, clock.Now()))
	}

	stats := engine.Stats()
	assert.Equal(t, int64(2), stats.Entries)
	assert.Equal(t, int64(1), stats.Exits)
	assert.Equal(t, 1, engine.Machine().CurrentCount())

	stopped, err := engine.StopTrip()
	require.NoError(t, err)
	assert.Equal(t, 2, stopped.TotalEntries)
	assert.Equal(t, 1, stopped.TotalExits)

	// Every event is already durably queued, in order.
	recent, err := database.RecentEvents(100)
	require.NoError(t, err)
	require.Len(t, recent, 5) // TRIP_START, ENTRY, ENTRY, EXIT, TRIP_STOP
	assert.Equal(t, trip.EventTripStop, recent[0].Type)
	assert.Equal(t, trip.EventTripStart, recent[len(recent)-1].Type)
}

func TestSyncStatusWithoutWorkerIsOffline(t *testing.T) {
	assert.False(t, syncStatus{nil}.Online())
}
