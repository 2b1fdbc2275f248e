package stage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/adaptive.scan/internal/serialmux"
	"github.com/banshee-data/adaptive.scan/internal/timeutil"
)

// Limits is the travel range of one simulated axis.
type Limits struct {
	Min, Max float64
}

// SimConfig configures a simulated controller.
type SimConfig struct {
	Axes     map[string]Limits
	Velocity float64 // initial velocity of every axis, mm/s
	// ReadbackOffset is added to every position report, standing in for
	// encoder error.
	ReadbackOffset float64
	Clock          timeutil.Clock
}

// Sim emulates the motion controller for dev mode and tests. A MOVE is
// acknowledged with DONE after distance/velocity of clock time; the axes
// travel concurrently.
type Sim struct {
	clock  timeutil.Clock
	offset float64
	limits map[string]Limits

	mu       sync.Mutex
	port     *serialmux.ResponderPort
	position map[string]float64
	velocity map[string]float64
}

// NewSim returns a simulated controller with every axis at zero.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Velocity <= 0 {
		cfg.Velocity = 10
	}
	s := &Sim{
		clock:    cfg.Clock,
		offset:   cfg.ReadbackOffset,
		limits:   make(map[string]Limits, len(cfg.Axes)),
		position: make(map[string]float64, len(cfg.Axes)),
		velocity: make(map[string]float64, len(cfg.Axes)),
	}
	for axis, l := range cfg.Axes {
		s.limits[axis] = l
		s.velocity[axis] = cfg.Velocity
	}
	return s
}

// Port returns the serial port connected to the simulator.
func (s *Sim) Port() *serialmux.ResponderPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		s.port = serialmux.NewResponderPort(s.Respond)
	}
	return s.port
}

// Position returns the true position of axis.
func (s *Sim) Position(axis string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position[axis]
}

// Respond answers one command line.
func (s *Sim) Respond(line string) []string {
	f := strings.Fields(line)
	if len(f) < 2 {
		return []string{"ERR - unknown command " + strconv.Quote(line)}
	}
	cmd, axis := f[0], f[1]
	limits, ok := s.limits[axis]
	if !ok {
		return []string{fmt.Sprintf("ERR %s no such axis", axis)}
	}

	switch {
	case cmd == "MOVE" && len(f) == 3:
		target, err := strconv.ParseFloat(f[2], 64)
		if err != nil || math.IsNaN(target) {
			return []string{fmt.Sprintf("ERR %s bad position %s", axis, f[2])}
		}
		if target < limits.Min || target > limits.Max {
			return []string{fmt.Sprintf("ERR %s position %s outside [%g, %g]", axis, f[2], limits.Min, limits.Max)}
		}
		s.mu.Lock()
		travel := math.Abs(target - s.position[axis])
		v := s.velocity[axis]
		port := s.port
		s.mu.Unlock()
		if port == nil {
			// Driven through Respond directly: complete the move at once.
			s.arrive(axis, target)
			return []string{"DONE " + axis + " " + formatFloat(target)}
		}
		go s.travel(port, axis, target, time.Duration(travel/v*float64(time.Second)))
		return nil

	case cmd == "POS?" && len(f) == 2:
		return []string{"POS " + axis + " " + formatFloat(s.Position(axis)+s.offset)}

	case cmd == "VEL" && len(f) == 3:
		v, err := strconv.ParseFloat(f[2], 64)
		if err != nil || !(v > 0) {
			return []string{fmt.Sprintf("ERR %s bad velocity %s", axis, f[2])}
		}
		s.mu.Lock()
		s.velocity[axis] = v
		s.mu.Unlock()
		return []string{"OK VEL " + axis}

	case cmd == "VEL?" && len(f) == 2:
		s.mu.Lock()
		v := s.velocity[axis]
		s.mu.Unlock()
		return []string{"VEL " + axis + " " + formatFloat(v)}
	}
	return []string{fmt.Sprintf("ERR %s unknown command %q", axis, line)}
}

// travel reports DONE once the move's duration has passed on the clock. A
// closed port abandons the move where it started.
func (s *Sim) travel(port *serialmux.ResponderPort, axis string, target float64, d time.Duration) {
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-port.Done():
		return
	case <-t.C():
	}
	s.arrive(axis, target)
	port.Inject("DONE " + axis + " " + formatFloat(target))
}

func (s *Sim) arrive(axis string, target float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position[axis] = target
}
