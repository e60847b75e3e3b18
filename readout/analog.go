package readout

import (
	"errors"
	"fmt"
	"math/cmplx"
	"sort"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/nasa-jpl/ldvscan/digitizer"
)

const (
	// CoarsePasses is the number of relocks used to estimate the noise spread
	CoarsePasses = 10

	// RefinedPasses is the maximum number of relocks spent reaching the
	// threshold found by the coarse pass
	RefinedPasses = 50

	// CalibrationPrompt is shown to the operator before calibration
	CalibrationPrompt = "Calibrating system board, make sure the transducer is disconnected"
)

var (
	// ErrNotConfirmed is generated when the operator declines a confirmation
	ErrNotConfirmed = errors.New("operator did not confirm")

	// ErrLockTimeout is generated when the reference does not lock in time
	ErrLockTimeout = errors.New("reference did not lock")
)

// Reference is the synthesizer feeding the mixing circuit
type Reference interface {
	RecallState(id int) error
	SetOutputEnabled(on bool) error
	Locked() (bool, error)
}

// Confirmer asks the operator to confirm a manual step
type Confirmer interface {
	Confirm(prompt string) (bool, error)
}

// ConfirmFunc adapts a function to the Confirmer interface
type ConfirmFunc func(prompt string) (bool, error)

// Confirm calls f
func (f ConfirmFunc) Confirm(prompt string) (bool, error) { return f(prompt) }

// Calibration is the outcome of Synchronize.  Noise values are the peak
// spectral magnitude of the board output with no transducer attached.
type Calibration struct {
	// Coarse holds the sorted noise of the coarse pass
	Coarse []float64

	// Refined holds the sorted noise of the refined pass
	Refined []float64

	// Threshold is the target of the refined pass
	Threshold float64

	// Best is the lowest noise seen in the refined pass
	Best float64

	// Found is set when the refined pass stopped on the threshold, leaving
	// the reference in a state at or below it
	Found bool
}

// Analog reads the output of the external mixing board.  The board mixes
// the photodiode tone with a reference synthesizer whose phase relative to
// the signal is random after each relock.
type Analog struct {
	Sequence

	Reference Reference

	// Output is the channel carrying the mixer output
	Output string

	// State is the synthesizer state recalled before calibrating
	State int

	// ToggleDelay is the time the reference output stays off when relocking
	ToggleDelay time.Duration

	// LockPoll and LockTimeout bound the wait for lock
	LockPoll    time.Duration
	LockTimeout time.Duration
}

// NewAnalog configures the scope with cfg and returns an analog board
func NewAnalog(scope digitizer.Digitizer, ref Reference, cfg digitizer.Config) (*Analog, error) {
	if err := scope.Configure(cfg.Clone()); err != nil {
		return nil, err
	}
	return &Analog{
		Sequence:    Sequence{Scope: scope, Segments: cfg.Trigger.Segments, ReadyTimeout: DefaultReadyTimeout},
		Reference:   ref,
		Output:      "B",
		State:       1,
		ToggleDelay: 50 * time.Millisecond,
		LockPoll:    50 * time.Millisecond,
		LockTimeout: 5 * time.Second,
	}, nil
}

// Read acquires one readout, the mixer output is returned as captured
func (a *Analog) Read(attempts int, segmentDelay time.Duration) (Readout, error) {
	return a.Acquire(attempts, segmentDelay)
}

func (a *Analog) waitLock() error {
	deadline := time.Now().Add(a.LockTimeout)
	for {
		ok, err := a.Reference.Locked()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrLockTimeout, a.LockTimeout)
		}
		time.Sleep(a.LockPoll)
	}
}

// relock cycles the reference output and waits for it to lock again
func (a *Analog) relock() error {
	if err := a.Reference.SetOutputEnabled(false); err != nil {
		return err
	}
	time.Sleep(a.ToggleDelay)
	if err := a.Reference.SetOutputEnabled(true); err != nil {
		return err
	}
	return a.waitLock()
}

// noise returns the peak spectral magnitude of the output channel over all
// segments of one untriggered capture
func (a *Analog) noise() (float64, error) {
	if err := a.Scope.Arm(); err != nil {
		return 0, err
	}
	timeout := a.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	if err := a.Scope.WaitReady(timeout); err != nil {
		return 0, err
	}
	wav, err := a.Scope.Read()
	if err != nil {
		return 0, err
	}
	ch, ok := wav.Channels[a.Output]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrChannel, a.Output)
	}
	var (
		peak float64
		fft  *fourier.FFT
	)
	for _, seg := range ch.Physical() {
		if len(seg) == 0 {
			continue
		}
		if fft == nil || fft.Len() != len(seg) {
			fft = fourier.NewFFT(len(seg))
		}
		for _, c := range fft.Coefficients(nil, seg) {
			if m := cmplx.Abs(c); m > peak {
				peak = m
			}
		}
	}
	return peak, nil
}

// distribution relocks the reference up to n times, stopping early once the
// noise is at or below threshold, and returns the sorted noise values
func (a *Analog) distribution(n int, threshold float64) ([]float64, bool, error) {
	if err := a.Reference.RecallState(a.State); err != nil {
		return nil, false, err
	}
	var out []float64
	found := false
	for i := 0; i < n && !found; i++ {
		if err := a.relock(); err != nil {
			return nil, false, err
		}
		v, err := a.noise()
		if err != nil {
			return nil, false, err
		}
		out = append(out, v)
		found = v <= threshold
		a.logf("reference relock %d/%d: noise %.4g", i+1, n, v)
	}
	sort.Float64s(out)
	return out, found, nil
}

// Synchronize calibrates the phase between the reference and the signal by
// relocking the reference until the board output noise ranks among the best
// seen.  The operator must confirm the transducer is disconnected first.
func (a *Analog) Synchronize(c Confirmer) (Calibration, error) {
	ok, err := c.Confirm(CalibrationPrompt)
	if err != nil {
		return Calibration{}, err
	}
	if !ok {
		return Calibration{}, ErrNotConfirmed
	}
	coarse, _, err := a.distribution(CoarsePasses, 0)
	if err != nil {
		return Calibration{}, err
	}
	threshold := coarse[0]
	if len(coarse) > 1 {
		threshold = coarse[1]
	}
	refined, found, err := a.distribution(RefinedPasses, threshold)
	if err != nil {
		return Calibration{}, err
	}
	cal := Calibration{
		Coarse:    coarse,
		Refined:   refined,
		Threshold: threshold,
		Best:      refined[0],
		Found:     found,
	}
	if found {
		a.logf("calibration successful, max noise %.4g", refined[len(refined)-1])
	} else {
		a.logf("calibration did not reach threshold %.4g, best %.4g", threshold, cal.Best)
	}
	return cal, nil
}
