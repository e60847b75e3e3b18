package readout

import (
	"fmt"
	"time"

	"github.com/nasa-jpl/ldvscan/demod"
	"github.com/nasa-jpl/ldvscan/digitizer"
)

// Digital demodulates the photodiode channel in software.  Its signal to
// noise ratio is lower than the analog board; the scope should run at 12 bits
// and above 250 MS/s.
type Digital struct {
	Sequence

	Demodulator demod.Demodulator

	// Input is the photodiode channel, Output the channel replaced by the
	// demodulated estimate
	Input, Output string
}

// NewDigital configures the scope with cfg and returns a digital board
func NewDigital(scope digitizer.Digitizer, d demod.Demodulator, cfg digitizer.Config) (*Digital, error) {
	if err := scope.Configure(cfg.Clone()); err != nil {
		return nil, err
	}
	return &Digital{
		Sequence:    Sequence{Scope: scope, Segments: cfg.Trigger.Segments, ReadyTimeout: DefaultReadyTimeout},
		Demodulator: d,
		Input:       "A",
		Output:      "B",
	}, nil
}

// Read acquires one readout and replaces Output with the demodulated Input
func (d *Digital) Read(attempts int, segmentDelay time.Duration) (Readout, error) {
	r, err := d.Acquire(attempts, segmentDelay)
	if err != nil {
		return Readout{}, err
	}
	in, ok := r.Channels[d.Input]
	if !ok {
		return Readout{}, fmt.Errorf("%w: %s", ErrChannel, d.Input)
	}
	out, err := d.Demodulator.Demodulate(in, r.DT)
	if err != nil {
		return Readout{}, fmt.Errorf("demodulating channel %s: %w", d.Input, err)
	}
	r.Channels[d.Output] = out
	return r, nil
}
