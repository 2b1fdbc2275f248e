package scan

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/adaptive.scan/internal/geometry"
	"github.com/banshee-data/adaptive.scan/internal/monitoring"
	"github.com/banshee-data/adaptive.scan/internal/recommend"
	"github.com/banshee-data/adaptive.scan/internal/timeutil"
)

// DefaultTimeout bounds the wait for each recommendation.
const DefaultTimeout = 5 * time.Minute

// restoreTimeout bounds restoring stage velocities after a Run.
const restoreTimeout = 30 * time.Second

// AxisNames maps each data axis to its key in a recommendation.
type AxisNames struct {
	Ti            string `json:"ti"`
	Temperature   string `json:"temperature"`
	AnnealingTime string `json:"annealing_time"`
	Thickness     string `json:"thickness"`
}

// DefaultAxisNames uses the data axis names as recommendation keys.
var DefaultAxisNames = AxisNames{
	Ti:            "ti",
	Temperature:   "temperature",
	AnnealingTime: "annealing_time",
	Thickness:     "thickness",
}

// Config holds the controller settings. Zero values select defaults.
type Config struct {
	Timeout time.Duration
	XAxis   string
	YAxis   string
	Names   AxisNames

	// Velocities are applied to stage axes for the length of a Run and
	// restored afterwards. Requires Deps.Velocity.
	Velocities map[string]float64
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.XAxis == "" {
		c.XAxis = "x"
	}
	if c.YAxis == "" {
		c.YAxis = "y"
	}
	if c.Names == (AxisNames{}) {
		c.Names = DefaultAxisNames
	}
	return c
}

// Deps are the controller's collaborators. Snapper, Observer, Velocity and
// Clock are optional.
type Deps struct {
	Transform geometry.Transform
	Snapper   Snapper
	Source    Source
	Mover     Mover
	Reader    Reader
	Measurer  Measurer
	Observer  Observer
	Velocity  VelocityController
	Clock     timeutil.Clock
}

// Status is a snapshot of the controller for the debug endpoint.
type Status struct {
	State       State      `json:"state"`
	Iteration   int        `json:"iteration"`
	BatchID     string     `json:"batch_id,omitempty"`
	RunIDs      []string   `json:"run_ids"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Last        *Metadata  `json:"last,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Controller sequences the scan. One Run may be active at a time; Status may
// be called from any goroutine.
type Controller struct {
	deps Deps
	cfg  Config

	mu      sync.RWMutex
	status  Status
	running bool
}

// New validates deps and returns an idle controller.
func New(deps Deps, cfg Config) (*Controller, error) {
	for _, d := range []struct {
		name    string
		missing bool
	}{
		{"transform", deps.Transform == nil},
		{"source", deps.Source == nil},
		{"mover", deps.Mover == nil},
		{"reader", deps.Reader == nil},
		{"measurer", deps.Measurer == nil},
	} {
		if d.missing {
			return nil, fmt.Errorf("scan controller requires a %s", d.name)
		}
	}
	if len(cfg.Velocities) > 0 && deps.Velocity == nil {
		return nil, errors.New("scan velocities configured without a velocity controller")
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	cfg = cfg.withDefaults()
	cfg.Velocities = maps.Clone(cfg.Velocities)
	return &Controller{deps: deps, cfg: cfg, status: Status{State: StateIdle}}, nil
}

// Status returns a copy of the live state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.status
	s.RunIDs = append([]string{}, c.status.RunIDs...)
	if c.status.Last != nil {
		last := *c.status.Last
		s.Last = &last
	}
	return s
}

func (c *Controller) setState(state State, iteration int) {
	c.mu.Lock()
	c.status.State = state
	c.status.Iteration = iteration
	c.mu.Unlock()
}

// Run measures at first, then at each recommendation from the source, until
// the termination sentinel arrives. The returned batch holds every run id
// recorded, including those recorded before a failure.
func (c *Controller) Run(ctx context.Context, first geometry.Request) (*Batch, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.running = true
	batch := &Batch{ID: uuid.New()}
	now := c.deps.Clock.Now()
	c.status = Status{State: StateInit, BatchID: batch.ID.String(), StartedAt: &now}
	c.mu.Unlock()

	err := c.run(ctx, first, batch)

	c.mu.Lock()
	done := c.deps.Clock.Now()
	c.status.CompletedAt = &done
	c.status.State = StateTerminated
	if err != nil {
		c.status.State = StateFailed
		c.status.Error = err.Error()
	}
	c.running = false
	c.mu.Unlock()
	return batch, err
}

func (c *Controller) run(ctx context.Context, req geometry.Request, batch *Batch) error {
	if n := c.deps.Source.Drain(); n > 0 {
		monitoring.Logf("[scan] batch %s: discarded %d stale recommendation(s)", batch.ID, n)
	}

	restore, err := c.overrideVelocities(ctx)
	if err != nil {
		return &Error{State: StateInit, Requested: req, Err: err}
	}
	defer restore()

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("[scan] batch %s: cancelled before iteration %d", batch.ID, i)
			return &Error{Iteration: i, State: StateMove, Requested: req, Err: err}
		}

		c.setState(StateMove, i)
		md, err := c.move(ctx, batch, i, req)
		if err != nil {
			return err
		}

		c.setState(StateMeasure, i)
		runID, err := c.deps.Measurer.Measure(ctx, md)
		if err != nil {
			key := md.Target.Key()
			return &Error{Iteration: i, State: StateMeasure, Requested: req, Key: &key, Err: err}
		}
		batch.RunIDs = append(batch.RunIDs, runID)
		batch.Iterations = i + 1
		c.mu.Lock()
		c.status.RunIDs = append(c.status.RunIDs, runID)
		c.status.Last = &md
		c.mu.Unlock()
		monitoring.Logf("[scan] batch %s #%d: run %s at %s (requested %s)", batch.ID, i, runID, md.Actual, req)
		if c.deps.Observer != nil {
			c.deps.Observer.Measured(md, runID)
		}

		c.setState(StateAwaitRecommendation, i)
		rec, err := c.deps.Source.Get(ctx, c.cfg.Timeout)
		if err != nil {
			if errors.Is(err, recommend.ErrTimeout) {
				err = &RecommenderTimeoutError{Timeout: c.cfg.Timeout}
			}
			return &Error{Iteration: i, State: StateAwaitRecommendation, Requested: req, Err: err}
		}
		if rec.IsTerminate() {
			monitoring.Logf("[scan] batch %s: terminated after %d measurement(s)", batch.ID, len(batch.RunIDs))
			return nil
		}
		next, err := c.nextRequest(req, rec)
		if err != nil {
			return &Error{Iteration: i, State: StateAwaitRecommendation, Requested: req, Err: err}
		}
		req = next
	}
}

// move resolves req to a stage position, moves there and reads back where
// the stage actually ended up.
func (c *Controller) move(ctx context.Context, batch *Batch, i int, req geometry.Request) (Metadata, error) {
	md := Metadata{BatchID: batch.ID, BatchCount: i, Requested: req}
	fail := func(key *geometry.RegionKey, err error) (Metadata, error) {
		return Metadata{}, &Error{Iteration: i, State: StateMove, Requested: req, Key: key, Err: err}
	}

	var err error
	if c.deps.Snapper != nil {
		md.Target, err = c.deps.Snapper.Snap(req)
		md.Snapped = true
		tol := c.deps.Snapper.Tolerances()
		md.SnapTolerances = &tol
	} else {
		md.Target, err = req.Exact()
	}
	if err != nil {
		return fail(nil, err)
	}
	key := md.Target.Key()

	if md.Position, err = c.deps.Transform.Forward(md.Target); err != nil {
		return fail(&key, err)
	}
	targets := []AxisTarget{
		{Axis: c.cfg.XAxis, Position: md.Position.X},
		{Axis: c.cfg.YAxis, Position: md.Position.Y},
	}
	if err := c.deps.Mover.Move(ctx, targets); err != nil {
		return fail(&key, fmt.Errorf("move to %s: %w", md.Position, err))
	}
	if md.Readback.X, err = c.deps.Reader.Read(ctx, c.cfg.XAxis); err != nil {
		return fail(&key, fmt.Errorf("read %s: %w", c.cfg.XAxis, err))
	}
	if md.Readback.Y, err = c.deps.Reader.Read(ctx, c.cfg.YAxis); err != nil {
		return fail(&key, fmt.Errorf("read %s: %w", c.cfg.YAxis, err))
	}
	if md.Actual, err = c.deps.Transform.Inverse(md.Readback); err != nil {
		return fail(&key, fmt.Errorf("readback %s: %w", md.Readback, err))
	}
	md.Timestamp = c.deps.Clock.Now()
	return md, nil
}

// nextRequest overlays rec onto the previous request. Axes the mapping does
// not name keep their previous value.
func (c *Controller) nextRequest(prev geometry.Request, rec recommend.Recommendation) (geometry.Request, error) {
	next := prev
	axes := map[string]*float64{
		c.cfg.Names.Ti:            &next.Ti,
		c.cfg.Names.Temperature:   &next.Temperature,
		c.cfg.Names.AnnealingTime: &next.AnnealingTime,
		c.cfg.Names.Thickness:     &next.Thickness,
	}
	matched := 0
	for _, name := range slices.Sorted(maps.Keys(rec.Values)) {
		dst, ok := axes[name]
		if !ok || name == "" {
			monitoring.Logf("[scan] warning: ignoring unknown recommendation key %q", name)
			continue
		}
		*dst = rec.Values[name]
		matched++
	}
	if matched == 0 {
		return prev, fmt.Errorf("%w: %s names no scan axis", ErrInvalidRecommendation, rec)
	}
	return next, nil
}

// overrideVelocities applies the configured temporary velocities and returns
// the function that puts the previous ones back. The restore runs even when
// ctx has been cancelled.
func (c *Controller) overrideVelocities(ctx context.Context) (func(), error) {
	if len(c.cfg.Velocities) == 0 {
		return func() {}, nil
	}
	vc := c.deps.Velocity
	previous := make(map[string]float64, len(c.cfg.Velocities))

	restore := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		defer cancel()
		for _, axis := range slices.Sorted(maps.Keys(previous)) {
			if err := vc.SetVelocity(rctx, axis, previous[axis]); err != nil {
				monitoring.Logf("[scan] warning: failed to restore %s velocity to %g: %v", axis, previous[axis], err)
			}
		}
	}

	for _, axis := range slices.Sorted(maps.Keys(c.cfg.Velocities)) {
		v, err := vc.Velocity(ctx, axis)
		if err != nil {
			restore()
			return nil, fmt.Errorf("read %s velocity: %w", axis, err)
		}
		// The device may apply the change even if its reply is lost.
		previous[axis] = v
		if err := vc.SetVelocity(ctx, axis, c.cfg.Velocities[axis]); err != nil {
			restore()
			return nil, fmt.Errorf("set %s velocity: %w", axis, err)
		}
	}
	return restore, nil
}
