package galvo

import (
	"fmt"
	"sort"

	"github.com/nasa-jpl/ldvscan/digitizer"
)

// Binding is what a scope serial number resolves to
type Binding struct {
	Axis        Axis
	Calibration Calibration
}

// Registry maps scope serial numbers to mirrors
type Registry struct {
	bySerial map[string]Binding
}

// NewRegistry builds a registry from per-axis calibrations.
// Two axes sharing a serial number is an error.
func NewRegistry(cals map[Axis]Calibration) (*Registry, error) {
	r := &Registry{bySerial: make(map[string]Binding, len(cals))}
	axes := make([]string, 0, len(cals))
	for ax := range cals {
		axes = append(axes, string(ax))
	}
	sort.Strings(axes)
	for _, ax := range axes {
		cal := cals[Axis(ax)]
		if err := cal.Validate(); err != nil {
			return nil, fmt.Errorf("axis %s: %w", ax, err)
		}
		if prev, ok := r.bySerial[cal.Serial]; ok {
			return nil, fmt.Errorf("%w: serial %q is configured for both %s and %s", ErrAxisMismatch, cal.Serial, prev.Axis, ax)
		}
		r.bySerial[cal.Serial] = Binding{Axis: Axis(ax), Calibration: cal}
	}
	return r, nil
}

// Lookup returns the binding of a serial number
func (r *Registry) Lookup(serial string) (Binding, bool) {
	b, ok := r.bySerial[serial]
	return b, ok
}

// Resolve binds each scope to its mirror and returns the X and Y motors.
// Every scope must resolve to a distinct axis and both axes must be present.
func (r *Registry) Resolve(scopes []digitizer.Digitizer, cfg digitizer.Config) (x, y *Motor, err error) {
	found := map[Axis]digitizer.Digitizer{}
	for _, s := range scopes {
		serial := s.Info().Serial
		b, ok := r.Lookup(serial)
		if !ok {
			return nil, nil, fmt.Errorf("%w: scope %q is not wired to a galvo", ErrAxisMismatch, serial)
		}
		if _, dup := found[b.Axis]; dup {
			return nil, nil, fmt.Errorf("%w: two scopes resolve to axis %s", ErrAxisMismatch, b.Axis)
		}
		found[b.Axis] = s
	}
	motors := map[Axis]*Motor{}
	for _, ax := range []Axis{X, Y} {
		s, ok := found[ax]
		if !ok {
			return nil, nil, fmt.Errorf("%w: motor %s not found, check that the scope is connected", ErrAxisMismatch, ax)
		}
		b, _ := r.Lookup(s.Info().Serial)
		m, err := NewMotor(ax, b.Calibration, s, cfg)
		if err != nil {
			return nil, nil, err
		}
		motors[ax] = m
	}
	return motors[X], motors[Y], nil
}
