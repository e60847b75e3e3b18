// Package demod turns raw photodiode captures into a vibration estimate.
//
// Two interchangeable algorithms are provided.  LockIn locks onto the
// strongest tone of each series and mixes the series with a synthesized
// quadrature reference.  Hilbert differentiates the phase of the analytic
// signal to obtain the instantaneous frequency.  Both finish with the same
// zero-phase Butterworth low-pass.
package demod

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// KindLockIn selects the lock-in demodulator
	KindLockIn = "lockin"

	// KindHilbert selects the instantaneous frequency demodulator
	KindHilbert = "hilbert"

	// rateTolerance is the relative sample rate mismatch accepted between
	// the capture and the filter design
	rateTolerance = 1e-3
)

var (
	// ErrConfig is generated for an unusable demodulator configuration
	ErrConfig = errors.New("invalid demodulator configuration")

	// ErrZeroFrequency is generated when the strongest component of a series
	// is at DC, leaving nothing to lock onto
	ErrZeroFrequency = errors.New("dominant frequency is zero")

	// ErrSampleRate is generated when a capture was not sampled at the rate
	// the filter was designed for
	ErrSampleRate = errors.New("capture sample rate does not match the filter design")
)

// Config is shared by both demodulators
type Config struct {
	// Cutoff is the -3 dB frequency of the low-pass, Hz
	Cutoff float64 `koanf:"cutoff" yaml:"Cutoff"`

	// SampleRate is the sample rate the filter is designed for, Hz
	SampleRate float64 `koanf:"samplerate" yaml:"SampleRate"`

	// Order is the Butterworth filter order
	Order int `koanf:"order" yaml:"Order"`
}

// DefaultConfig is an 8th order filter at 50 MHz for captures at 500 MS/s
func DefaultConfig() Config {
	return Config{Cutoff: 50e6, SampleRate: 500e6, Order: 8}
}

// Validate checks c describes a realizable filter
func (c Config) Validate() error {
	_, err := NewLowpass(c.Order, c.Cutoff, c.SampleRate)
	return err
}

// Demodulator converts raw series to a vibration estimate of the same shape.
// series holds one slice per channel segment; dt is the sample spacing.
type Demodulator interface {
	Demodulate(series [][]float64, dt float64) ([][]float64, error)
}

// New returns the demodulator of the given kind
func New(kind string, c Config) (Demodulator, error) {
	switch kind {
	case KindLockIn:
		return NewLockIn(c)
	case KindHilbert:
		return NewHilbert(c)
	}
	return nil, fmt.Errorf("%w: unknown demodulator %q, should be %s or %s", ErrConfig, kind, KindLockIn, KindHilbert)
}

// base holds the immutable filter shared by both demodulators
type base struct {
	cfg Config
	lp  *Lowpass
}

func newBase(c Config) (base, error) {
	lp, err := NewLowpass(c.Order, c.Cutoff, c.SampleRate)
	if err != nil {
		return base{}, err
	}
	return base{cfg: c, lp: lp}, nil
}

// Config returns the configuration the demodulator was built with
func (b base) Config() Config { return b.cfg }

func (b base) checkRate(dt float64) error {
	if !(dt > 0) {
		return fmt.Errorf("%w: sample spacing must be positive, got %g", ErrSampleRate, dt)
	}
	fs := 1 / dt
	if math.Abs(fs-b.cfg.SampleRate) > rateTolerance*b.cfg.SampleRate {
		return fmt.Errorf("%w: capture at %g S/s, filter designed for %g S/s", ErrSampleRate, fs, b.cfg.SampleRate)
	}
	return nil
}

// Tone is the strongest spectral component of a series
type Tone struct {
	// Frequency in Hz
	Frequency float64

	// Phase of the component, radians
	Phase float64

	// Bin is the index of the FFT bin
	Bin int
}

// LockIn mixes each series with a reference synthesized at its own
// strongest tone, then low-pass filters the product
type LockIn struct {
	base
}

// NewLockIn returns a lock-in demodulator
func NewLockIn(c Config) (*LockIn, error) {
	b, err := newBase(c)
	if err != nil {
		return nil, err
	}
	return &LockIn{b}, nil
}

// Track finds the strongest tone of each series after mean removal
func (l *LockIn) Track(series [][]float64, dt float64) ([]Tone, error) {
	out := make([]Tone, len(series))
	var (
		fft *fourier.FFT
		buf []float64
	)
	for i, s := range series {
		n := len(s)
		if n < 2 {
			return nil, fmt.Errorf("series %d: at least two samples are required", i)
		}
		if fft == nil || fft.Len() != n {
			fft = fourier.NewFFT(n)
			buf = make([]float64, n)
		}
		copy(buf, s)
		floats.AddConst(-stat.Mean(s, nil), buf)
		coeff := fft.Coefficients(nil, buf)
		best, mag := 0, -1.
		for k, c := range coeff {
			if a := cmplx.Abs(c); a > mag {
				best, mag = k, a
			}
		}
		if best == 0 {
			return nil, fmt.Errorf("series %d: %w", i, ErrZeroFrequency)
		}
		out[i] = Tone{
			Frequency: fft.Freq(best) / dt,
			Phase:     cmplx.Phase(coeff[best]),
			Bin:       best,
		}
	}
	return out, nil
}

// Demodulate mixes every series with the quadrature of its tone and filters
func (l *LockIn) Demodulate(series [][]float64, dt float64) ([][]float64, error) {
	if err := l.checkRate(dt); err != nil {
		return nil, err
	}
	tones, err := l.Track(series, dt)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(series))
	for i, s := range series {
		w := 2 * math.Pi * tones[i].Frequency
		mixed := make([]float64, len(s))
		for j, v := range s {
			mixed[j] = v * math.Sin(w*float64(j)*dt+tones[i].Phase)
		}
		out[i] = l.lp.Apply(mixed)
	}
	return out, nil
}

// Hilbert estimates the instantaneous frequency of each series from the
// phase of its analytic signal
type Hilbert struct {
	base
}

// NewHilbert returns an instantaneous frequency demodulator
func NewHilbert(c Config) (*Hilbert, error) {
	b, err := newBase(c)
	if err != nil {
		return nil, err
	}
	return &Hilbert{b}, nil
}

// Analytic returns the analytic signal of x, computed in the frequency domain
func Analytic(x []float64) []complex128 {
	n := len(x)
	if n == 0 {
		return nil
	}
	fft := fourier.NewCmplxFFT(n)
	seq := make([]complex128, n)
	for i, v := range x {
		seq[i] = complex(v, 0)
	}
	coeff := fft.Coefficients(nil, seq)
	// keep DC (and Nyquist), double positive, drop negative frequencies
	for k := 1; k < n; k++ {
		switch {
		case 2*k < n:
			coeff[k] *= 2
		case 2*k == n:
		default:
			coeff[k] = 0
		}
	}
	// inverse transform as conj(fft(conj(X)))/n
	for k := range coeff {
		coeff[k] = cmplx.Conj(coeff[k])
	}
	out := fft.Coefficients(seq, coeff)
	scale := complex(1/float64(n), 0)
	for i := range out {
		out[i] = cmplx.Conj(out[i]) * scale
	}
	return out
}

// Unwrap removes 2*pi jumps between consecutive phases
func Unwrap(phase []float64) []float64 {
	out := make([]float64, len(phase))
	if len(phase) == 0 {
		return out
	}
	out[0] = phase[0]
	var correction float64
	for i := 1; i < len(phase); i++ {
		d := phase[i] - phase[i-1]
		dmod := math.Mod(d+math.Pi, 2*math.Pi)
		if dmod < 0 {
			dmod += 2 * math.Pi
		}
		dmod -= math.Pi
		if dmod == -math.Pi && d > 0 {
			dmod = math.Pi
		}
		if math.Abs(d) >= math.Pi {
			correction += dmod - d
		}
		out[i] = phase[i] + correction
	}
	return out
}

// InstantFrequency returns the instantaneous frequency in Hz of each series.
// The first difference is duplicated so the output keeps the input length.
func (h *Hilbert) InstantFrequency(series [][]float64, dt float64) [][]float64 {
	out := make([][]float64, len(series))
	for i, s := range series {
		a := Analytic(s)
		phase := make([]float64, len(a))
		for j, c := range a {
			phase[j] = cmplx.Phase(c)
		}
		phase = Unwrap(phase)
		f := make([]float64, len(s))
		if len(s) < 2 {
			out[i] = f
			continue
		}
		for j := 1; j < len(s); j++ {
			f[j] = (phase[j] - phase[j-1]) / (2 * math.Pi) / dt
		}
		f[0] = f[1]
		out[i] = f
	}
	return out
}

// Demodulate returns the filtered, zero mean instantaneous frequency
func (h *Hilbert) Demodulate(series [][]float64, dt float64) ([][]float64, error) {
	if err := h.checkRate(dt); err != nil {
		return nil, err
	}
	freqs := h.InstantFrequency(series, dt)
	for i, f := range freqs {
		floats.AddConst(-stat.Mean(f, nil), f)
		freqs[i] = h.lp.Apply(f)
	}
	return freqs, nil
}
