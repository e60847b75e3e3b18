package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"github.com/nasa-jpl/ldvscan/config"
	"github.com/nasa-jpl/ldvscan/demod"
	"github.com/nasa-jpl/ldvscan/digitizer"
	"github.com/nasa-jpl/ldvscan/galvo"
	"github.com/nasa-jpl/ldvscan/optics"
	"github.com/nasa-jpl/ldvscan/pll"
	"github.com/nasa-jpl/ldvscan/readout"
)

// mockTone is the photodiode carrier of the simulated readout scope
const mockTone = 37e6

// reference is the synthesizer of the analog board
type reference interface {
	readout.Reference
	Identity() (string, error)
	Close() error
}

// rig holds every open instrument.  Close releases them in reverse order.
type rig struct {
	cfg     config.Rig
	sys     *galvo.System
	scope   digitizer.Digitizer
	ref     reference
	analog  *readout.Analog
	board   readout.Board
	closers []io.Closer
}

func (r *rig) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *rig) open(model, serial string) (digitizer.Digitizer, error) {
	d, err := digitizer.Open(model, serial)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, d)
	return d, nil
}

// instruments opens the two galvo scopes, the readout scope and, for the
// analog board, the reference synthesizer
func (r *rig) instruments() (gx, gy digitizer.Digitizer, err error) {
	c := r.cfg
	if c.Mock {
		mx, my := galvo.NewMock(c.Calibrations[galvo.X]), galvo.NewMock(c.Calibrations[galvo.Y])
		scope := digitizer.NewMockReadout(c.Readout.Serial, mockTone, 0.5)
		ref := pll.NewMock(time.Now().UnixNano())
		// the mixer output vanishes when the reference is in quadrature
		scope.Noise = func() float64 { return 0.01 + math.Abs(math.Cos(ref.Phase())) }
		r.closers = append(r.closers, mx, my, scope, ref)
		r.scope, r.ref = scope, ref
		return mx, my, nil
	}
	if gx, err = r.open(c.GalvoScope.Model, c.Calibrations[galvo.X].Serial); err != nil {
		return nil, nil, err
	}
	if gy, err = r.open(c.GalvoScope.Model, c.Calibrations[galvo.Y].Serial); err != nil {
		return nil, nil, err
	}
	if r.scope, err = r.open(c.Readout.Scan.Model, c.Readout.Serial); err != nil {
		return nil, nil, err
	}
	if c.Readout.Board == config.BoardAnalog {
		s, err := pll.Find(c.Readout.PLL.Addrs)
		if err != nil {
			return nil, nil, err
		}
		r.closers = append(r.closers, s)
		r.ref = s
	}
	return gx, gy, nil
}

// openRig opens and configures every instrument of c.  On error the ones
// already open are closed.
func openRig(c config.Rig) (r *rig, err error) {
	r = &rig{cfg: c}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()
	gx, gy, err := r.instruments()
	if err != nil {
		return nil, err
	}
	reg, err := galvo.NewRegistry(c.Calibrations)
	if err != nil {
		return nil, err
	}
	x, y, err := reg.Resolve([]digitizer.Digitizer{gx, gy}, c.GalvoScope)
	if err != nil {
		return nil, err
	}
	o, err := optics.New(c.Lenses, c.Lens)
	if err != nil {
		return nil, err
	}
	if r.sys, err = galvo.New(o, x, y); err != nil {
		return nil, err
	}
	switch c.Readout.Board {
	case config.BoardAnalog:
		if id, err := r.ref.Identity(); err == nil {
			log.Printf("reference synthesizer: %s", id)
		}
		a, err := readout.NewAnalog(r.scope, r.ref, c.Readout.Calibration)
		if err != nil {
			return nil, err
		}
		a.State = c.Readout.PLL.State
		if c.Readout.PLL.LockTimeout > 0 {
			a.LockTimeout = c.Readout.PLL.LockTimeout
		}
		r.analog, r.board = a, a
	case config.BoardDigital:
		dm, err := demod.New(c.Readout.Demodulator, c.Readout.Demod)
		if err != nil {
			return nil, err
		}
		if r.board, err = readout.NewDigital(r.scope, dm, c.Readout.Scan); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: board %q", config.ErrInvalid, c.Readout.Board)
	}
	return r, nil
}

// ready brings the readout board into its scan setup.  The analog board is
// synchronized first.
func (r *rig) ready(c readout.Confirmer) error {
	if r.analog == nil {
		return nil
	}
	if _, err := synchronize(r.analog, c); err != nil {
		return err
	}
	return r.analog.Reconfigure(r.cfg.Readout.Scan)
}
