package readout_test

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/nasa-jpl/ldvscan/demod"
	"github.com/nasa-jpl/ldvscan/digitizer"
	"github.com/nasa-jpl/ldvscan/pll"
	"github.com/nasa-jpl/ldvscan/readout"
)

const (
	samples  = 2000
	segments = 4
)

func scopeConfig() digitizer.Config {
	return digitizer.Config{
		Model:      digitizer.PS5000A,
		Resolution: "12BIT",
		Timebase:   digitizer.Timebase{SampleRate: 500e6, Samples: samples},
		Channels: map[string]digitizer.ChannelSettings{
			"A": {Enabled: true, Coupling: "DC", Range: 1},
			"B": {Enabled: true, Coupling: "DC", Range: 0.5},
		},
		Trigger: digitizer.Trigger{Segments: segments},
		AWG: digitizer.AWG{WaveType: "sine", PkToPk: 0.1, StartFreq: 20e6, StopFreq: 20e6,
			SweepType: "up", Shots: 10, TriggerSource: "soft_trig", Direction: "rising"},
	}
}

func newAnalog(t *testing.T) (*readout.Analog, *digitizer.MockReadout, *pll.Mock) {
	t.Helper()
	scope := digitizer.NewMockReadout("JO279/0118", 37e6, 0.5)
	ref := pll.NewMock(7)
	a, err := readout.NewAnalog(scope, ref, scopeConfig())
	if err != nil {
		t.Fatal(err)
	}
	a.ToggleDelay = 0
	a.LockPoll = time.Millisecond
	return a, scope, ref
}

func TestAcquireTimesOut(t *testing.T) {
	a, scope, _ := newAnalog(t)
	scope.FailReady(-1)
	r, err := a.Read(3, 0)
	if !errors.Is(err, readout.ErrAcquisitionTimeout) {
		t.Fatalf("expected ErrAcquisitionTimeout, got %v", err)
	}
	if !errors.Is(err, digitizer.ErrTimeout) {
		t.Errorf("the last instrument timeout should be wrapped, got %v", err)
	}
	if r.Channels != nil || r.Time != nil {
		t.Error("a failed acquisition returned data")
	}
	arms, triggers, reads := scope.Stats()
	if arms != 3 || triggers != 3*segments || reads != 0 {
		t.Errorf("expected 3 arms, %d triggers and no reads, got %d %d %d", 3*segments, arms, triggers, reads)
	}
}

func TestAcquireRecovers(t *testing.T) {
	a, scope, _ := newAnalog(t)
	scope.FailReady(2)
	r, err := a.Read(3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(r.Channels["B"]); got != segments {
		t.Errorf("expected %d segments, got %d", segments, got)
	}
	if len(r.Time) != samples || r.DT != 2e-9 {
		t.Errorf("time axis has %d samples at %g s", len(r.Time), r.DT)
	}
	if arms, _, reads := scope.Stats(); arms != 3 || reads != 1 {
		t.Errorf("expected 3 arms and 1 read, got %d and %d", arms, reads)
	}
}

func TestAcquireOtherErrorsBubble(t *testing.T) {
	a, scope, _ := newAnalog(t)
	scope.Close()
	_, err := a.Read(3, 0)
	if !errors.Is(err, digitizer.ErrClosed) || errors.Is(err, readout.ErrAcquisitionTimeout) {
		t.Errorf("expected ErrClosed unwrapped, got %v", err)
	}
	if arms, _, _ := scope.Stats(); arms != 0 {
		t.Errorf("a closed scope should not be retried, %d arms", arms)
	}
}

func TestDigitalReplacesOutput(t *testing.T) {
	scope := digitizer.NewMockReadout("JO279/0118", 37e6, 0.5)
	scope.Noise = func() float64 { return 0.2 }
	d, err := demod.New(demod.KindHilbert, demod.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := readout.NewDigital(scope, d, scopeConfig())
	if err != nil {
		t.Fatal(err)
	}
	r, err := b.Read(readout.DefaultAttempts, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := r.Channels["B"]
	if len(out) != segments || len(out[0]) != samples {
		t.Fatalf("output shape %d x %d", len(out), len(out[0]))
	}
	// a pure tone has a constant instantaneous frequency, so the
	// demodulated estimate sits near zero where the raw output swung by 0.2 V
	for i := samples / 5; i < 4*samples/5; i++ {
		if math.Abs(out[0][i]) > 1e3 {
			t.Fatalf("demodulated sample %d is %g Hz", i, out[0][i])
		}
	}
	if r.Tagged {
		t.Error("a fresh readout is tagged")
	}
	r.Tag(1e-4, -2e-4)
	if !r.Tagged || r.X != 1e-4 || r.Y != -2e-4 {
		t.Errorf("tag not applied: %+v", r)
	}
}

func TestSynchronize(t *testing.T) {
	a, scope, ref := newAnalog(t)
	scope.Noise = func() float64 { return 0.01 + math.Abs(math.Sin(ref.Phase())) }
	prompted := ""
	confirm := readout.ConfirmFunc(func(p string) (bool, error) {
		prompted = p
		return true, nil
	})
	cal, err := a.Synchronize(confirm)
	if err != nil {
		t.Fatal(err)
	}
	if prompted != readout.CalibrationPrompt {
		t.Errorf("operator saw %q", prompted)
	}
	if len(cal.Coarse) != readout.CoarsePasses {
		t.Errorf("coarse pass ran %d times", len(cal.Coarse))
	}
	if cal.Threshold != cal.Coarse[1] {
		t.Errorf("threshold %g is not the second best coarse value %v", cal.Threshold, cal.Coarse)
	}
	if !cal.Found || cal.Best > cal.Threshold {
		t.Errorf("refined pass did not reach the threshold: %+v", cal)
	}
	if got, want := ref.Toggles(), len(cal.Coarse)+len(cal.Refined); got != want {
		t.Errorf("expected %d relocks, got %d", want, got)
	}
	// the reference is left in the state that met the threshold
	if final := 0.01 + math.Abs(math.Sin(ref.Phase())); final > cal.Threshold {
		t.Errorf("final noise %g above threshold %g", final, cal.Threshold)
	}
}

func TestSynchronizeNeedsConfirmation(t *testing.T) {
	a, _, ref := newAnalog(t)
	_, err := a.Synchronize(readout.ConfirmFunc(func(string) (bool, error) { return false, nil }))
	if !errors.Is(err, readout.ErrNotConfirmed) {
		t.Errorf("expected ErrNotConfirmed, got %v", err)
	}
	if ref.Toggles() != 0 {
		t.Error("the reference was touched without confirmation")
	}
}

func TestLockTimeout(t *testing.T) {
	a, _, ref := newAnalog(t)
	ref.LockDelay = time.Hour
	a.LockTimeout = 10 * time.Millisecond
	_, err := a.Synchronize(readout.ConfirmFunc(func(string) (bool, error) { return true, nil }))
	if !errors.Is(err, readout.ErrLockTimeout) {
		t.Errorf("expected ErrLockTimeout, got %v", err)
	}
}

func TestReconfigure(t *testing.T) {
	a, scope, _ := newAnalog(t)
	cfg := scopeConfig()
	cfg.Trigger.Segments = 7
	if err := a.Reconfigure(cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Read(1, 0); err != nil {
		t.Fatal(err)
	}
	if _, triggers, _ := scope.Stats(); triggers != 7 {
		t.Errorf("expected 7 triggers after reconfiguring, got %d", triggers)
	}
	cfg.Resolution = "9BIT"
	if err := a.Reconfigure(cfg); !errors.Is(err, digitizer.ErrInvalidSetting) {
		t.Errorf("expected ErrInvalidSetting, got %v", err)
	}
}

func TestWaveformCSV(t *testing.T) {
	r := readout.Readout{DT: 0.5, Channels: map[string][][]float64{
		"B": {{1, 2}, {3, 4}},
		"A": {{-1, 0}},
	}}
	w := r.Waveform()
	var buf strings.Builder
	if err := w.EncodeCSV(&buf); err != nil {
		t.Fatal(err)
	}
	want := "time,A[0],B[0],B[1]\n0,-1,1,3\n0.5,0,2,4\n"
	if buf.String() != want {
		t.Errorf("got\n%s\nexpected\n%s", buf.String(), want)
	}
}
