package galvo

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/nasa-jpl/ldvscan/digitizer"
	"github.com/nasa-jpl/ldvscan/optics"
	"github.com/nasa-jpl/ldvscan/retry"
)

// DefaultAttempts is the number of joint move attempts before diagnosis
const DefaultAttempts = 3

// System positions the laser spot on the sample with two mirrors
type System struct {
	optics *optics.Model
	x, y   *Motor

	// Logger receives retry and diagnosis messages, log.Default() if nil
	Logger *log.Logger
}

// New combines the optics and the two motors
func New(o *optics.Model, x, y *Motor) (*System, error) {
	if x == nil || y == nil {
		return nil, fmt.Errorf("%w: both motors are required", ErrAxisMismatch)
	}
	if x.axis != X || y.axis != Y {
		return nil, fmt.Errorf("%w: got motors %s and %s for X and Y", ErrAxisMismatch, x.axis, y.axis)
	}
	s := &System{optics: o, x: x, y: y}
	s.logf("scanner magnification: %g, max range (mm): +/- %g", o.Magnification(), 1e3*s.Range())
	return s, nil
}

func (s *System) logf(format string, args ...interface{}) {
	l := s.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}

// Motor returns the motor of an axis, nil for an unknown axis
func (s *System) Motor(ax Axis) *Motor {
	switch ax {
	case X:
		return s.x
	case Y:
		return s.y
	}
	return nil
}

// Optics returns the optics model
func (s *System) Optics() *optics.Model { return s.optics }

// Range returns the largest reachable |position| in meters on both axes
func (s *System) Range() float64 {
	r := s.optics.Range()
	for _, m := range []*Motor{s.x, s.y} {
		r = math.Min(r, s.optics.Angle2Pos(optics.Deg2Rad(m.MaxRange())))
	}
	return r
}

func (s *System) retryable(err error) bool {
	return errors.Is(err, ErrSettleTimeout) ||
		errors.Is(err, ErrPositionMismatch) ||
		errors.Is(err, digitizer.ErrTimeout)
}

// Move points the spot at (x, y) meters and waits until both mirrors are at
// rest on target.
//
// Out of range targets fail with ErrRange before any command is sent.  Up to
// attempts joint command/settle/verify rounds are made.  If a mirror is still
// off target after that, it is diagnosed and given one last settle; a failed
// diagnosis returns a *MotorError, a failed last settle ErrPositionMismatch.
func (s *System) Move(x, y float64, attempts int) error {
	ax, ay, err := s.optics.Angles(x, y)
	if err != nil {
		return err
	}
	for _, c := range []struct {
		m     *Motor
		angle float64
	}{{s.x, ax}, {s.y, ay}} {
		if c.m.state == Faulted {
			return fmt.Errorf("%w: %v", ErrFaulted, c.m.fault)
		}
		if _, err := c.m.Voltage(c.angle); err != nil {
			return err
		}
	}

	op := func() error {
		if err := s.x.Command(ax); err != nil {
			return err
		}
		if err := s.y.Command(ay); err != nil {
			return err
		}
		if err := s.waitStill(); err != nil {
			return err
		}
		if err := s.x.verify(ax); err != nil {
			return err
		}
		return s.y.verify(ay)
	}
	notify := func(err error, remaining int) {
		s.logf("move to (%g, %g) m: %v, %d attempts left", x, y, err, remaining)
	}
	err = retry.Do(attempts, 0, op, s.retryable, notify)
	if err == nil {
		return nil
	}
	var ex *retry.Exhausted
	if !errors.As(err, &ex) {
		return err
	}
	return s.escalate(ax, ay)
}

// escalate diagnoses each mirror still off target and settles it once more
func (s *System) escalate(ax, ay float64) error {
	for _, c := range []struct {
		m     *Motor
		angle float64
	}{{s.x, ax}, {s.y, ay}} {
		pos, err := c.m.Position()
		if err != nil {
			return err
		}
		if math.Abs(pos-c.angle) < 10*c.m.cal.MovingTol {
			c.m.state = Stable
			continue
		}
		if err := c.m.Diagnose(); err != nil {
			return err
		}
		if err := c.m.Settle(c.angle); err != nil {
			if errors.Is(err, ErrPositionMismatch) {
				return err
			}
			return fmt.Errorf("%w: axis %s final settle: %w", ErrPositionMismatch, c.m.axis, err)
		}
	}
	return nil
}

// waitStill polls both mirrors until neither is moving, bounded by ten
// fullscale responses
func (s *System) waitStill() error {
	full := s.x.cal.FullscaleResponse
	if s.y.cal.FullscaleResponse > full {
		full = s.y.cal.FullscaleResponse
	}
	step := s.x.cal.StepResponse
	if s.y.cal.StepResponse < step {
		step = s.y.cal.StepResponse
	}
	timeout := 10 * full
	lim := newPoller(step)
	start := time.Now()
	for {
		moving, err := s.x.IsMoving()
		if err != nil {
			return err
		}
		if !moving {
			moving, err = s.y.IsMoving()
			if err != nil {
				return err
			}
		}
		if !moving {
			return nil
		}
		if time.Since(start) > timeout {
			return fmt.Errorf("%w: mirrors still moving after %v", ErrSettleTimeout, timeout)
		}
		s.x.state, s.y.state = Settling, Settling
		time.Sleep(lim.Reserve().Delay())
	}
}
