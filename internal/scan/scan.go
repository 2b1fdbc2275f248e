// Package scan runs the adaptive move -> measure -> next recommendation loop
// over a set of sample strips.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/adaptive.scan/internal/geometry"
	"github.com/banshee-data/adaptive.scan/internal/recommend"
	"github.com/banshee-data/adaptive.scan/internal/snap"
)

// State is a controller state.
type State string

const (
	StateIdle                State = "idle"
	StateInit                State = "init"
	StateMove                State = "move"
	StateMeasure             State = "measure"
	StateAwaitRecommendation State = "await_recommendation"
	StateTerminated          State = "terminated"
	StateFailed              State = "failed"
)

// AxisTarget is one stage axis and the absolute position to move it to.
type AxisTarget struct {
	Axis     string  `json:"axis"`
	Position float64 `json:"position"`
}

// Mover moves the stage and returns once every axis has settled.
type Mover interface {
	Move(ctx context.Context, targets []AxisTarget) error
}

// Reader reads back the current position of one stage axis.
type Reader interface {
	Read(ctx context.Context, axis string) (float64, error)
}

// Measurer takes one measurement and returns its run identifier.
type Measurer interface {
	Measure(ctx context.Context, md Metadata) (string, error)
}

// VelocityController gets and sets stage axis velocities. A controller with
// temporary velocities configured changes them for the length of a Run.
type VelocityController interface {
	Velocity(ctx context.Context, axis string) (float64, error)
	SetVelocity(ctx context.Context, axis string, v float64) error
}

// Snapper maps a request onto a realizable point.
type Snapper interface {
	Snap(req geometry.Request) (geometry.Point, error)
	Tolerances() snap.Tolerances
}

// Source delivers recommendations. *recommend.Queue implements it.
type Source interface {
	Get(ctx context.Context, timeout time.Duration) (recommend.Recommendation, error)
	Drain() int
}

// Observer is told about every recorded measurement, in order.
type Observer interface {
	Measured(md Metadata, runID string)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(md Metadata, runID string)

func (f ObserverFunc) Measured(md Metadata, runID string) { f(md, runID) }

// Metadata is attached to every measurement.
type Metadata struct {
	BatchID    uuid.UUID `json:"batch_id"`
	BatchCount int       `json:"batch_count"`
	Timestamp  time.Time `json:"timestamp"`

	Requested geometry.Request `json:"requested"`
	Target    geometry.Point   `json:"target"`
	Snapped   bool             `json:"snapped"`
	Position  geometry.XY      `json:"position"` // commanded
	Readback  geometry.XY      `json:"readback"`
	Actual    geometry.Point   `json:"actual"` // inverse of the readback

	SnapTolerances *snap.Tolerances `json:"snap_tolerances,omitempty"`
}

// Fields flattens the metadata into the event published to recommenders.
// The data coordinates are the actual ones, recovered from the readback.
func (m Metadata) Fields() map[string]any {
	return map[string]any{
		"batch_id":       m.BatchID.String(),
		"batch_count":    m.BatchCount,
		"timestamp":      m.Timestamp.UTC().Format(time.RFC3339Nano),
		"ti":             m.Actual.Ti,
		"temperature":    m.Actual.Temperature,
		"annealing_time": m.Actual.AnnealingTime,
		"thickness":      m.Actual.Thickness,
		"x":              m.Readback.X,
		"y":              m.Readback.Y,
		"requested_ti":   m.Requested.Ti,
		"snapped":        m.Snapped,
	}
}

// Batch groups the measurements of one Run.
type Batch struct {
	ID         uuid.UUID `json:"id"`
	RunIDs     []string  `json:"run_ids"`
	Iterations int       `json:"iterations"`
}

var (
	// ErrBusy is returned when Run is called while another Run is active.
	ErrBusy = errors.New("scan already running")
	// ErrInvalidRecommendation is returned for a mapping that names none of
	// the configured axes.
	ErrInvalidRecommendation = errors.New("invalid recommendation")
)

// RecommenderTimeoutError reports that no recommendation arrived in time.
type RecommenderTimeoutError struct {
	Timeout time.Duration
}

func (e *RecommenderTimeoutError) Error() string {
	return fmt.Sprintf("no recommendation within %s", e.Timeout)
}

func (e *RecommenderTimeoutError) Unwrap() error { return recommend.ErrTimeout }

// Error wraps a failure that aborted a Run with the iteration context needed
// to diagnose it.
type Error struct {
	Iteration int
	State     State
	Requested geometry.Request
	Key       *geometry.RegionKey // nil when no region had been chosen
	Err       error
}

func (e *Error) Error() string {
	region := "no region"
	if e.Key != nil {
		region = "region " + e.Key.String()
	}
	return fmt.Sprintf("scan iteration %d (%s) at %s, %s: %v", e.Iteration, e.State, e.Requested, region, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
