// Command occupancy-report runs the on-vehicle passenger counting engine:
// it turns person detections into trip events, queues them durably in
// sqlite, and syncs them to the fleet backend whenever there is coverage.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/farebox-data/occupancy.report/internal/api"
	"github.com/farebox-data/occupancy.report/internal/config"
	"github.com/farebox-data/occupancy.report/internal/counter"
	"github.com/farebox-data/occupancy.report/internal/db"
	"github.com/farebox-data/occupancy.report/internal/timeutil"
	"github.com/farebox-data/occupancy.report/internal/trip"
	"github.com/farebox-data/occupancy.report/internal/version"
)

var (
	listen     = flag.String("listen", ":8080", "Listen address for the local API")
	dbFile     = flag.String("db", "occupancy.db", "Path to the sqlite event database")
	migrations = flag.String("migrations", "migrations", "Path to the schema migration files")
	backendURL = flag.String("backend", "", "Fleet backend base URL (empty disables sync)")
	configFile = flag.String("config", "", "Path to a tuning config JSON file")
	devMode    = flag.Bool("dev", false, "Replay a scripted boarding sequence instead of waiting for frames")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyTuningConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}

	database, err := db.OpenDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	if err := database.MigrateUp(*migrations); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	clock := timeutil.RealClock{}
	machine := trip.NewMachine()

	// A trip interrupted by a crash or power cut picks up where it left
	// off; queued events are already on disk and keep their sequence.
	if active, err := database.ActiveTrip(); err != nil {
		log.Fatalf("failed to check for an active trip: %v", err)
	} else if active != nil {
		lastSeq, err := database.LastSeq(active.TripID)
		if err != nil {
			log.Fatalf("failed to read last event seq: %v", err)
		}
		if err := machine.Resume(*active, lastSeq+1); err != nil {
			log.Fatalf("failed to resume trip %s: %v", active.TripID, err)
		}
		log.Printf("resumed trip %s (count %d, next seq %d)", active.TripID, active.CurrentCount, lastSeq+1)
	}

	var detector counter.Detector
	if *devMode {
		detector = devDetector()
	} else {
		// Detections arrive over POST /api/frames from the detector
		// process; the inline detector sees no frames.
		detector = counter.DetectorFunc(func(image []byte, ts time.Time) ([]counter.Detection, error) {
			return nil, nil
		})
	}

	engine := counter.NewEngine(cfg, detector, database, machine, clock)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var worker *db.SyncWorker
	if *backendURL != "" {
		client := db.NewBackendClient(*backendURL, nil)
		client.DeliveryTimeout = cfg.GetDeliveryTimeout()
		client.ProbeTimeout = cfg.GetProbeTimeout()

		worker = db.NewSyncWorker(database, client, clock)
		worker.Interval = cfg.GetSyncInterval()
		worker.BackoffBase = cfg.GetBackoffBase()
		worker.BackoffMax = cfg.GetBackoffMax()
		worker.MaxAttempts = cfg.GetMaxAttempts()
		worker.LeaseWindow = cfg.GetInFlightLease()
		worker.Start()
		defer worker.Stop()
		log.Printf("sync worker started (backend %s, every %s)", *backendURL, worker.Interval)
	} else {
		log.Print("no backend configured; events will queue locally only")
	}

	if *devMode {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runDevLoop(ctx, engine, cfg)
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		srv := api.NewServer(engine, database, syncStatus{worker}, cfg, clock)
		mux.Handle("/", api.LoggingMiddleware(srv.ServeMux()))

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		go func() {
			log.Printf("occupancy-report %s listening on %s", version.Version, *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// syncStatus adapts an optional worker for the status endpoint; with sync
// disabled the engine reports itself offline.
type syncStatus struct {
	worker *db.SyncWorker
}

func (s syncStatus) Online() bool {
	return s.worker != nil && s.worker.Online()
}

// devDetector scripts two passengers boarding and one leaving, looping the
// door camera's view without any hardware attached.
func devDetector() counter.Detector {
	step := func(x, y float64) []counter.Detection {
		return []counter.Detection{{
			BBox:       counter.BBox{X1: x - 0.05, Y1: y - 0.1, X2: x + 0.05, Y2: y + 0.1},
			Confidence: 0.9,
		}}
	}
	// Second passenger walks a lower lane so the tracker keeps the two
	// boardings apart even when they overlap in time.
	frames := [][]counter.Detection{
		step(0.30, 0.5), step(0.40, 0.5), step(0.52, 0.5), step(0.62, 0.5), nil, nil,
		step(0.25, 0.2), step(0.38, 0.2), step(0.51, 0.2), step(0.64, 0.2), nil, nil,
		step(0.70, 0.5), step(0.58, 0.5), step(0.46, 0.5), step(0.34, 0.5), nil, nil,
	}
	return &counter.ScriptedDetector{Frames: frames}
}

// runDevLoop starts a trip and feeds scripted frames at camera pace until
// the context is cancelled.
func runDevLoop(ctx context.Context, engine *counter.Engine, cfg *config.TuningConfig) {
	if _, err := engine.StartTrip("dev-vehicle", cfg.GetDefaultCapacity()); err != nil {
		log.Printf("dev mode: failed to start trip: %v", err)
		return
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if err := engine.ProcessFrame(nil, now); err != nil {
				log.Printf("dev mode: frame error: %v", err)
			}
		case <-ctx.Done():
			if _, err := engine.StopTrip(); err != nil {
				log.Printf("dev mode: failed to stop trip: %v", err)
			}
			return
		}
	}
}
