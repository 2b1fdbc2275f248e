package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/adaptive.scan/internal/monitoring"
	"github.com/banshee-data/adaptive.scan/internal/scan"
	"github.com/banshee-data/adaptive.scan/internal/timeutil"
)

// DefaultSettleTimeout bounds each command round trip, including the motion
// itself for MOVE.
const DefaultSettleTimeout = 60 * time.Second

// ErrTimeout is returned when the controller does not answer in time.
var ErrTimeout = errors.New("stage did not answer in time")

// Commander is the serialmux surface Serial needs.
type Commander interface {
	Subscribe() (string, chan string)
	Unsubscribe(id string)
	SendCommand(command string) error
}

// Serial implements the scan Mover, Reader and VelocityController over a
// serial line. Commands are serialized; one transaction runs at a time.
type Serial struct {
	mux     Commander
	clock   timeutil.Clock
	timeout time.Duration

	mu sync.Mutex
}

var (
	_ scan.Mover              = (*Serial)(nil)
	_ scan.Reader             = (*Serial)(nil)
	_ scan.VelocityController = (*Serial)(nil)
)

// NewSerial drives the controller behind mux. A non-positive timeout uses
// DefaultSettleTimeout; a nil clock uses the wall clock.
func NewSerial(mux Commander, timeout time.Duration, clock timeutil.Clock) *Serial {
	if timeout <= 0 {
		timeout = DefaultSettleTimeout
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Serial{mux: mux, clock: clock, timeout: timeout}
}

type pending struct {
	axis    string
	command string
	kind    string // the reply kind that completes it
}

// transact sends every command and waits for a completing reply to each. An
// ERR for a pending axis fails the whole transaction.
func (s *Serial) transact(ctx context.Context, cmds []pending) ([]Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	for _, c := range cmds {
		if err := s.mux.SendCommand(c.command); err != nil {
			return nil, fmt.Errorf("send %q: %w", c.command, err)
		}
	}

	timer := s.clock.NewTimer(s.timeout)
	defer timer.Stop()

	replies := make([]Reply, len(cmds))
	done := make([]bool, len(cmds))
	remaining := len(cmds)
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C():
			for i, c := range cmds {
				if !done[i] {
					return nil, fmt.Errorf("%w: %q after %s", ErrTimeout, c.command, s.timeout)
				}
			}
		case line, ok := <-lines:
			if !ok {
				return nil, errors.New("serial connection closed")
			}
			r, err := ParseReply(line)
			if err != nil {
				monitoring.Logf("[stage] ignoring %q", line)
				continue
			}
			for i, c := range cmds {
				if done[i] || r.Axis != c.axis {
					continue
				}
				if r.Kind == KindError {
					return nil, &DeviceError{Axis: r.Axis, Command: c.command, Message: r.Message}
				}
				if r.Kind == c.kind {
					replies[i], done[i] = r, true
					remaining--
					break
				}
			}
		}
	}
	return replies, nil
}

// Move starts every axis and returns once all of them report DONE.
func (s *Serial) Move(ctx context.Context, targets []scan.AxisTarget) error {
	cmds := make([]pending, len(targets))
	for i, t := range targets {
		cmds[i] = pending{axis: t.Axis, command: moveCommand(t.Axis, t.Position), kind: KindDone}
	}
	_, err := s.transact(ctx, cmds)
	return err
}

// Read queries the current position of axis.
func (s *Serial) Read(ctx context.Context, axis string) (float64, error) {
	r, err := s.transact(ctx, []pending{{axis: axis, command: positionQuery(axis), kind: KindPosition}})
	if err != nil {
		return 0, err
	}
	return r[0].Value, nil
}

// Velocity queries the velocity of axis.
func (s *Serial) Velocity(ctx context.Context, axis string) (float64, error) {
	r, err := s.transact(ctx, []pending{{axis: axis, command: velocityQuery(axis), kind: KindVelocity}})
	if err != nil {
		return 0, err
	}
	return r[0].Value, nil
}

// SetVelocity sets the velocity of axis.
func (s *Serial) SetVelocity(ctx context.Context, axis string, v float64) error {
	_, err := s.transact(ctx, []pending{{axis: axis, command: velocityCommand(axis, v), kind: KindOK}})
	return err
}
