// Package acquire takes detector readings at the stage's current position and
// records them alongside the scan metadata.
package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/adaptive.scan/internal/db"
	"github.com/banshee-data/adaptive.scan/internal/geometry"
	"github.com/banshee-data/adaptive.scan/internal/monitoring"
	"github.com/banshee-data/adaptive.scan/internal/scan"
	"github.com/banshee-data/adaptive.scan/internal/timeutil"
)

// Detector reads one integrated intensity at the given sample point.
type Detector interface {
	Acquire(ctx context.Context, p geometry.Point, xy geometry.XY) (float64, error)
}

// Store persists measurements. *db.DB implements it.
type Store interface {
	StartBatch(id uuid.UUID, first geometry.Request, startedAt time.Time) error
	RecordMeasurement(m db.Measurement) error
}

// Recorder implements scan.Measurer.
type Recorder struct {
	detector Detector
	store    Store
	clock    timeutil.Clock
	exposure time.Duration

	mu      sync.Mutex
	batches map[uuid.UUID]bool
}

var _ scan.Measurer = (*Recorder)(nil)

// NewRecorder returns a recorder that dwells for exposure before each read.
// store may be nil, in which case nothing is persisted.
func NewRecorder(detector Detector, store Store, exposure time.Duration, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{
		detector: detector,
		store:    store,
		clock:    clock,
		exposure: exposure,
		batches:  map[uuid.UUID]bool{},
	}
}

// Measure reads the detector at md.Actual and returns a fresh run id.
func (r *Recorder) Measure(ctx context.Context, md scan.Metadata) (string, error) {
	if err := r.ensureBatch(md); err != nil {
		return "", err
	}
	if err := timeutil.Wait(ctx, r.clock, r.exposure); err != nil {
		return "", err
	}

	intensity, err := r.detector.Acquire(ctx, md.Actual, md.Readback)
	if err != nil {
		return "", fmt.Errorf("acquire at %s: %w", md.Actual, err)
	}
	runID := uuid.NewString()

	if r.store != nil {
		raw, err := json.Marshal(md)
		if err != nil {
			return "", err
		}
		if err := r.store.RecordMeasurement(db.Measurement{
			RunID:      runID,
			BatchID:    md.BatchID,
			BatchCount: md.BatchCount,
			RecordedAt: r.clock.Now(),
			Point:      md.Actual,
			Position:   md.Readback,
			Intensity:  intensity,
			Metadata:   raw,
		}); err != nil {
			return "", err
		}
	}
	monitoring.Logf("[acquire] %s #%d at %s: intensity %.4g", runID, md.BatchCount, md.Actual, intensity)
	return runID, nil
}

// ensureBatch creates the batch row the first time a batch is seen.
func (r *Recorder) ensureBatch(md scan.Metadata) error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.batches[md.BatchID] {
		return nil
	}
	started := md.Timestamp
	if started.IsZero() {
		started = r.clock.Now()
	}
	if err := r.store.StartBatch(md.BatchID, md.Requested, started); err != nil {
		return err
	}
	r.batches[md.BatchID] = true
	return nil
}
