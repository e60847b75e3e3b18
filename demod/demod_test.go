package demod_test

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nasa-jpl/ldvscan/demod"
)

const (
	fs      = 500e6
	dt      = 1 / fs
	samples = 2000
	carrier = 37e6 // on an FFT bin for 2000 samples at 500 MS/s
	fm      = 1e6
	depth   = 0.1
)

// phaseModulated returns amp*cos(2 pi carrier t + depth*sin(2 pi fm t))
func phaseModulated(amp, depth float64) []float64 {
	out := make([]float64, samples)
	for i := range out {
		t := float64(i) * dt
		out[i] = amp * math.Cos(2*math.Pi*carrier*t+depth*math.Sin(2*math.Pi*fm*t))
	}
	return out
}

// projection fits out ~ c*ref over the middle of the record, away from the
// tapered ends
func projection(out, ref []float64) float64 {
	var num, den float64
	for i := len(out) / 5; i < 4*len(out)/5; i++ {
		num += out[i] * ref[i]
		den += ref[i] * ref[i]
	}
	return num / den
}

func TestLowpassCutoff(t *testing.T) {
	for _, order := range []int{1, 3, 8} {
		lp, err := demod.NewLowpass(order, 50e6, fs)
		if err != nil {
			t.Fatal(err)
		}
		if g := lp.Response(0, fs); math.Abs(g-1) > 1e-12 {
			t.Errorf("order %d: DC gain %g", order, g)
		}
		if g := lp.Response(50e6, fs); math.Abs(g-1/math.Sqrt2) > 1e-9 {
			t.Errorf("order %d: gain at cutoff %g, expected -3 dB", order, g)
		}
		if lp.Response(150e6, fs) >= lp.Response(100e6, fs) {
			t.Errorf("order %d: response is not decreasing in the stop band", order)
		}
	}
	if _, err := demod.NewLowpass(8, 300e6, fs); !errors.Is(err, demod.ErrConfig) {
		t.Errorf("expected ErrConfig above Nyquist, got %v", err)
	}
}

func TestFilterKeepsConstant(t *testing.T) {
	lp, err := demod.NewLowpass(8, 50e6, fs)
	if err != nil {
		t.Fatal(err)
	}
	x := make([]float64, 300)
	for i := range x {
		x[i] = 0.75
	}
	if diff := cmp.Diff(x, lp.Filter(x), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("constant input was altered (-want +got):\n%s", diff)
	}
}

func TestTukey(t *testing.T) {
	want := []float64{0, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0}
	if diff := cmp.Diff(want, demod.Tukey(11, 0.2), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Tukey(11, 0.2) mismatch (-want +got):\n%s", diff)
	}
	w := demod.Tukey(101, 0.2)
	for i := range w {
		if math.Abs(w[i]-w[100-i]) > 1e-12 {
			t.Fatalf("window is not symmetric at %d", i)
		}
	}
	if w[5] <= 0 || w[5] >= 1 {
		t.Errorf("expected a taper at sample 5, got %g", w[5])
	}
}

func TestLockInTracksEachSeries(t *testing.T) {
	l, err := demod.NewLockIn(demod.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	other := make([]float64, samples)
	for i := range other {
		other[i] = 0.2 * math.Sin(2*math.Pi*20e6*float64(i)*dt)
	}
	tones, err := l.Track([][]float64{phaseModulated(1, 0), other}, dt)
	if err != nil {
		t.Fatal(err)
	}
	binWidth := fs / samples
	if math.Abs(tones[0].Frequency-carrier) > binWidth {
		t.Errorf("expected %g Hz on series 0, got %g", carrier, tones[0].Frequency)
	}
	if math.Abs(tones[1].Frequency-20e6) > binWidth {
		t.Errorf("expected 20 MHz on series 1, got %g", tones[1].Frequency)
	}
}

func TestLockInRecoversPhaseModulation(t *testing.T) {
	l, err := demod.New(demod.KindLockIn, demod.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	amp := 0.8
	out, err := l.Demodulate([][]float64{phaseModulated(amp, depth), phaseModulated(amp, 0)}, dt)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || len(out[0]) != samples {
		t.Fatalf("output shape %d x %d", len(out), len(out[0]))
	}
	ref := make([]float64, samples)
	for i := range ref {
		ref[i] = math.Sin(2 * math.Pi * fm * float64(i) * dt)
	}
	c := projection(out[0], ref)
	if math.Abs(math.Abs(c)-amp*depth/2) > 0.05*amp*depth/2 {
		t.Errorf("expected modulation amplitude %g, got %g", amp*depth/2, c)
	}
	for i := samples / 5; i < 4*samples/5; i++ {
		if math.Abs(out[1][i]) > 1e-2*amp {
			t.Fatalf("unmodulated carrier gave %g at %d", out[1][i], i)
		}
	}
}

func TestHilbertRecoversFrequency(t *testing.T) {
	h, err := demod.NewHilbert(demod.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	f := h.InstantFrequency([][]float64{phaseModulated(1, 0)}, dt)[0]
	for i := 1; i < samples-1; i++ {
		if math.Abs(f[i]-carrier) > 1e-6*carrier {
			t.Fatalf("instantaneous frequency %g at %d, expected %g", f[i], i, carrier)
		}
	}
	if f[0] != f[1] {
		t.Error("the first sample should duplicate the first difference")
	}

	out, err := h.Demodulate([][]float64{phaseModulated(1, depth)}, dt)
	if err != nil {
		t.Fatal(err)
	}
	ref := make([]float64, samples)
	for i := range ref {
		ref[i] = math.Cos(2 * math.Pi * fm * float64(i) * dt)
	}
	want := depth * fm
	if c := projection(out[0], ref); math.Abs(c-want) > 0.05*want {
		t.Errorf("expected deviation %g Hz, got %g", want, c)
	}
}

func TestZeroFrequency(t *testing.T) {
	l, err := demod.NewLockIn(demod.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Demodulate([][]float64{make([]float64, 64)}, dt); !errors.Is(err, demod.ErrZeroFrequency) {
		t.Errorf("expected ErrZeroFrequency, got %v", err)
	}
}

func TestSampleRateMismatch(t *testing.T) {
	for _, kind := range []string{demod.KindLockIn, demod.KindHilbert} {
		d, err := demod.New(kind, demod.DefaultConfig())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := d.Demodulate([][]float64{phaseModulated(1, 0)}, 1/250e6); !errors.Is(err, demod.ErrSampleRate) {
			t.Errorf("%s: expected ErrSampleRate, got %v", kind, err)
		}
	}
	if _, err := demod.New("fm", demod.DefaultConfig()); !errors.Is(err, demod.ErrConfig) {
		t.Errorf("expected ErrConfig for an unknown kind, got %v", err)
	}
}

func TestUnwrap(t *testing.T) {
	in := []float64{3, -3, -2.9, 3.1}
	got := demod.Unwrap(in)
	want := []float64{3, -3 + 2*math.Pi, -2.9 + 2*math.Pi, 3.1}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Unwrap mismatch (-want +got):\n%s", diff)
	}
}
