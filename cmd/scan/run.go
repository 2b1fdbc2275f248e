package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/adaptive.scan/internal/acquire"
	"github.com/banshee-data/adaptive.scan/internal/config"
	"github.com/banshee-data/adaptive.scan/internal/db"
	"github.com/banshee-data/adaptive.scan/internal/geometry"
	"github.com/banshee-data/adaptive.scan/internal/layout"
	"github.com/banshee-data/adaptive.scan/internal/recommend"
	"github.com/banshee-data/adaptive.scan/internal/scan"
	"github.com/banshee-data/adaptive.scan/internal/serialmux"
	"github.com/banshee-data/adaptive.scan/internal/snap"
	"github.com/banshee-data/adaptive.scan/internal/stage"
	"github.com/banshee-data/adaptive.scan/internal/timeutil"
)

// Dev mode stage travel and synthetic detector peak.
const (
	simTravel   = 300.0 // mm either side of zero
	simVelocity = 20.0  // mm/s
	simPeakTi   = 45.0
	simPeakTemp = 400.0
)

type daemonOptions struct {
	dev            bool
	first          string
	readbackOffset float64
	seed           uint64
	// clock drives the simulated stage and the detector dwell. Nil is the
	// wall clock.
	clock timeutil.Clock
}

// scanner is the assembled daemon.
type scanner struct {
	cfg        *config.ScanConfig
	store      *db.DB
	regions    []geometry.Region
	serial     *serialmux.SerialMux[serialmux.SerialPorter]
	queue      *recommend.Queue
	feed       *recommend.Feed
	controller *scan.Controller
}

func newScanner(cfg *config.ScanConfig, opts daemonOptions) (_ *scanner, err error) {
	s := &scanner{cfg: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if s.store, err = db.NewDB(cfg.GetDBPath()); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if s.regions, err = loadRegions(s.store, cfg.GetRegionsFile(), cfg.GetCellSize()); err != nil {
		return nil, err
	}
	set, err := geometry.NewRegionSet(s.regions, cfg.GetCellSize())
	if err != nil {
		return nil, err
	}

	var detector acquire.Detector
	if opts.dev {
		sim := stage.NewSim(stage.SimConfig{
			Axes: map[string]stage.Limits{
				cfg.GetXAxis(): {Min: -simTravel, Max: simTravel},
				cfg.GetYAxis(): {Min: -simTravel, Max: simTravel},
			},
			Velocity:       simVelocity,
			ReadbackOffset: opts.readbackOffset,
			Clock:          opts.clock,
		})
		s.serial = serialmux.NewSerialMux[serialmux.SerialPorter](sim.Port())
		detector = acquire.NewSynthetic(simPeakTi, simPeakTemp, opts.seed)
		log.Printf("dev mode: simulated stage (readback offset %g mm) and synthetic detector", opts.readbackOffset)
	} else {
		if s.serial, err = serialmux.NewRealSerialMux(cfg.GetSerialPort(), cfg.GetSerialOptions()); err != nil {
			return nil, fmt.Errorf("failed to open stage port: %w", err)
		}
		// No hardware detector driver yet; readings come from the model.
		detector = acquire.NewSynthetic(simPeakTi, simPeakTemp, opts.seed)
		log.Printf("stage on %s (%s)", cfg.GetSerialPort(), cfg.GetSerialOptions())
	}
	motion := stage.NewSerial(s.serial, cfg.GetSettleTimeout(), nil)

	s.queue = recommend.NewQueue(nil)
	s.feed = recommend.NewFeed(s.queue)

	deps := scan.Deps{
		Transform: set,
		Source:    s.queue,
		Mover:     motion,
		Reader:    motion,
		Velocity:  motion,
		Measurer:  acquire.NewRecorder(detector, s.store, cfg.GetExposure(), opts.clock),
		Observer:  scan.ObserverFunc(s.publish),
	}
	if cfg.GetSnap() {
		snapper, err := snap.New(s.regions, cfg.SnapOptions()...)
		if err != nil {
			return nil, err
		}
		deps.Snapper = snapper
	}
	s.controller, err = scan.New(deps, scan.Config{
		Timeout:    cfg.GetRecommenderTimeout(),
		XAxis:      cfg.GetXAxis(),
		YAxis:      cfg.GetYAxis(),
		Velocities: cfg.GetScanVelocities(),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// publish forwards each measurement to feed subscribers.
func (s *scanner) publish(md scan.Metadata, runID string) {
	fields := md.Fields()
	fields["run_id"] = runID
	if err := s.feed.Publish(fields); err != nil {
		log.Printf("failed to publish measurement %s: %v", runID, err)
	}
}

// handler mounts every debug route.
func (s *scanner) handler() *http.ServeMux {
	mux := http.NewServeMux()
	s.controller.AttachAdminRoutes(mux)
	s.serial.AttachAdminRoutes(mux)
	if err := s.store.AttachAdminRoutes(mux); err != nil {
		log.Printf("database admin routes disabled: %v", err)
	}
	layout.AttachAdminRoutes(mux, s.store)
	return mux
}

// scan runs one batch and records how it ended.
func (s *scanner) scan(ctx context.Context, first geometry.Request) (*scan.Batch, error) {
	started := time.Now()
	batch, runErr := s.controller.Run(ctx, first)
	if batch == nil {
		return nil, runErr
	}

	status := db.BatchTerminated
	if runErr != nil {
		status = db.BatchFailed
	}
	// The recorder only creates the row on the first measurement.
	if err := s.store.StartBatch(batch.ID, first, started); err != nil {
		log.Printf("failed to record batch %s: %v", batch.ID, err)
	}
	if err := s.store.FinishBatch(batch.ID, status, runErr, time.Now()); err != nil {
		log.Printf("failed to finish batch %s: %v", batch.ID, err)
	}
	return batch, runErr
}

// serveFeed serves the recommendation feed on lis until the returned server
// is stopped. A recommender may connect at any point of the batch: the feed
// replays the latest measurement to it.
func (s *scanner) serveFeed(lis net.Listener, wg *sync.WaitGroup) *grpc.Server {
	srv := grpc.NewServer()
	s.feed.Register(srv)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("recommendation feed listening on %s", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			log.Printf("recommendation feed stopped: %v", err)
		}
	}()
	return srv
}

func (s *scanner) Close() {
	if s.feed != nil {
		s.feed.Close()
	}
	if s.serial != nil {
		s.serial.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
}

func (s *scanner) firstRequest(first string) (geometry.Request, error) {
	if first == "" {
		return defaultFirst(s.regions), nil
	}
	return parseFirst(first)
}

func runDaemon(ctx context.Context, cfg *config.ScanConfig, opts daemonOptions) error {
	s, err := newScanner(cfg, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	first, err := s.firstRequest(opts.first)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	// The monitor outlives ctx so the controller can restore stage
	// velocities after a cancelled run.
	monitorCtx, stopMonitor := context.WithCancel(context.WithoutCancel(ctx))
	defer stopMonitor()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.serial.Monitor(monitorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	lis, err := net.Listen("tcp", cfg.GetGRPCListen())
	if err != nil {
		return fmt.Errorf("failed to listen for recommendations: %w", err)
	}
	grpcServer := s.serveFeed(lis, &wg)

	server := &http.Server{Addr: cfg.GetHTTPListen(), Handler: s.handler()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("debug server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	batch, scanErr := s.scan(ctx, first)
	if batch != nil {
		log.Printf("batch %s finished with %d measurement(s)", batch.ID, len(batch.RunIDs))
	}

	// Ending the feed streams first lets GracefulStop return.
	s.feed.Close()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	stopMonitor()
	s.serial.Close()
	wg.Wait()
	log.Printf("Graceful shutdown complete")

	if scanErr != nil && !errors.Is(scanErr, context.Canceled) {
		return scanErr
	}
	return nil
}
