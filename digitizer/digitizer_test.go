package digitizer_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/ldvscan/digitizer"
)

func readoutConfig() digitizer.Config {
	return digitizer.Config{
		Model:      digitizer.PS5000A,
		Resolution: "8BIT",
		Timebase:   digitizer.Timebase{SampleRate: 250e6, Samples: 5000},
		Channels: map[string]digitizer.ChannelSettings{
			"A": {Enabled: true, Coupling: "DC", Range: 1},
			"B": {Enabled: true, Coupling: "DC", Range: 0.5},
			"C": {Enabled: false, Coupling: "DC", Range: 2},
		},
		Trigger: digitizer.Trigger{Enabled: true, Source: "A", Threshold: 0.5,
			Direction: "gate_high", PreTrigger: 0.2, Segments: 32},
		AWG: digitizer.AWG{WaveType: "sine", PkToPk: 0.1, StartFreq: 20e6, StopFreq: 20e6,
			SweepType: "up", Shots: 10, TriggerSource: "soft_trig", Direction: "rising"},
	}
}

func TestValidateAcceptsReadoutSetup(t *testing.T) {
	if err := digitizer.Validate(readoutConfig()); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *digitizer.Config){
		"range": func(c *digitizer.Config) {
			c.Channels["A"] = digitizer.ChannelSettings{Enabled: true, Coupling: "DC", Range: 0.3}
		},
		"channel":    func(c *digitizer.Config) { c.Channels["E"] = digitizer.ChannelSettings{Coupling: "DC", Range: 1} },
		"resolution": func(c *digitizer.Config) { c.Resolution = "10BIT" },
		"pretrigger": func(c *digitizer.Config) { c.Trigger.PreTrigger = 1.5 },
		"disabled source": func(c *digitizer.Config) {
			c.Trigger.Source = "C"
		},
		"ext direction": func(c *digitizer.Config) {
			c.Trigger.Source = digitizer.ExternalTrigger
			c.Trigger.Direction = "rising"
		},
		"shots and sweeps": func(c *digitizer.Config) { c.AWG.Sweeps = 2 },
		"awg frequency":    func(c *digitizer.Config) { c.AWG.StopFreq = 40e6 },
		"awg amplitude":    func(c *digitizer.Config) { c.AWG.PkToPk = 3 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := readoutConfig().Clone()
			mutate(&c)
			if err := digitizer.Validate(c); !errors.Is(err, digitizer.ErrInvalidSetting) {
				t.Errorf("expected ErrInvalidSetting, got %v", err)
			}
		})
	}
	c := readoutConfig()
	c.Model = "ps9000"
	if err := digitizer.Validate(c); !errors.Is(err, digitizer.ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestCloneDoesNotShareChannels(t *testing.T) {
	a := readoutConfig()
	b := a.Clone()
	b.Channels["A"] = digitizer.ChannelSettings{}
	if !a.Channels["A"].Enabled {
		t.Error("modifying a clone changed the original")
	}
	if diff := cmp.Diff([]string{"A", "B"}, a.EnabledChannels()); diff != "" {
		t.Errorf("EnabledChannels mismatch (-want +got):\n%s", diff)
	}
}

func TestTimebaseFor(t *testing.T) {
	cases := []struct {
		res     string
		rate    float64
		enabled int
		n       int
		actual  float64
	}{
		{"8BIT", 250e6, 2, 2, 250e6},
		{"8BIT", 2e9, 1, 0, 1e9},
		{"8BIT", 2e9, 2, 1, 500e6},
		{"12BIT", 500e6, 2, 2, 125e6},
		{"8BIT", 100e6, 2, 4, 62.5e6},
		{"14BIT", 125e6, 4, 3, 125e6},
		{"16BIT", 62.5e6, 1, 4, 62.5e6},
		{"16BIT", 62.5e6, 2, 5, 31.25e6},
	}
	for _, c := range cases {
		n, actual, err := digitizer.TimebaseFor(digitizer.PS5000A, c.res, c.rate, c.enabled)
		if err != nil {
			t.Fatal(err)
		}
		if n != c.n || math.Abs(actual-c.actual) > 1e-6 {
			t.Errorf("%s %g S/s with %d channels: expected timebase %d (%g), got %d (%g)",
				c.res, c.rate, c.enabled, c.n, c.actual, n, actual)
		}
	}
}

func TestSampleRateIsMonotonic(t *testing.T) {
	for _, res := range []string{"8BIT", "12BIT", "14BIT", "15BIT", "16BIT"} {
		min, err := digitizer.MinTimebase(digitizer.PS5000A, res, 1)
		if err != nil {
			t.Fatal(err)
		}
		prev := math.Inf(1)
		for n := min; n < min+64; n++ {
			r, err := digitizer.SampleRateOf(digitizer.PS5000A, res, n)
			if err != nil {
				t.Fatal(err)
			}
			if r >= prev {
				t.Errorf("%s: rate of timebase %d (%g) is not below %g", res, n, r, prev)
			}
			prev = r
		}
	}
}

func TestRegistry(t *testing.T) {
	if _, err := digitizer.Open("nosuch", ""); !errors.Is(err, digitizer.ErrNoDriver) {
		t.Errorf("expected ErrNoDriver, got %v", err)
	}
	digitizer.Register("test-readout", func(serial string) (digitizer.Digitizer, error) {
		return digitizer.NewMockReadout(serial, 1e6, 1), nil
	})
	d, err := digitizer.Open("test-readout", "XY123")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if d.Info().Serial != "XY123" {
		t.Errorf("expected serial XY123, got %q", d.Info().Serial)
	}
}

func testPlant() digitizer.Plant {
	return digitizer.Plant{
		CommandGain:   0.16,
		CommandOffset: -0.1,
		OutputScale:   0.5,
		ErrorScale:    2.5,
		TimeConstant:  time.Millisecond,
		StallHold:     50 * time.Millisecond,
		Disturbance:   1,
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func capture(t *testing.T, d digitizer.Digitizer) (pos, errMean float64) {
	t.Helper()
	if err := d.Arm(); err != nil {
		t.Fatal(err)
	}
	if err := d.WaitReady(time.Second); err != nil {
		t.Fatal(err)
	}
	wav, err := d.Read()
	if err != nil {
		t.Fatal(err)
	}
	return wav.Channels["A"].Mean(), wav.Channels["B"].MeanAbs()
}

func TestMockGalvoFollowsCommand(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	p := testPlant()
	g := digitizer.NewMockGalvo("GO027/758", p)
	g.Now = clk.now
	target := 2.0
	awg := digitizer.AWG{SweepType: "up", StartFreq: 1e3, StopFreq: 1e3}.DCLevel(p.CommandGain*target + p.CommandOffset)
	if err := g.ApplyWaveform(awg); err != nil {
		t.Fatal(err)
	}
	_, e := capture(t, g)
	if e*p.ErrorScale < 1.9 {
		t.Errorf("expected a large error right after the command, got %g deg", e*p.ErrorScale)
	}
	clk.advance(20 * time.Millisecond)
	a, e := capture(t, g)
	pos := a/p.OutputScale - p.CommandOffset/p.CommandGain
	if math.Abs(pos-target) > 1e-6 {
		t.Errorf("expected position %g, got %g", target, pos)
	}
	if e*p.ErrorScale > 1e-6 {
		t.Errorf("expected no error after settling, got %g", e*p.ErrorScale)
	}
	if g.Commands() != 1 {
		t.Errorf("expected 1 command, got %d", g.Commands())
	}
}

func TestMockGalvoFaults(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	p := testPlant()
	g := digitizer.NewMockGalvo("GO027/181", p)
	g.Now = clk.now
	g.Inject(digitizer.Stall)
	awg := digitizer.AWG{SweepType: "up", StartFreq: 1e3, StopFreq: 1e3}.DCLevel(p.CommandGain*5 + p.CommandOffset)
	if err := g.ApplyWaveform(awg); err != nil {
		t.Fatal(err)
	}
	clk.advance(10 * time.Millisecond)
	if _, e := capture(t, g); e == 0 {
		t.Error("a stalled servo should report an error while holding")
	}
	clk.advance(time.Second)
	if _, e := capture(t, g); e != 0 {
		t.Errorf("a stalled servo should stop reporting after the hold, got %g", e)
	}
	if g.Angle() != 0 {
		t.Errorf("stalled mirror moved to %g", g.Angle())
	}

	g.Inject(digitizer.Disturb)
	clk.advance(time.Second)
	if _, e := capture(t, g); math.Abs(e*p.ErrorScale-p.Disturbance) > 1e-9 {
		t.Errorf("expected disturbance of %g deg, got %g", p.Disturbance, e*p.ErrorScale)
	}
}

func TestMockReadoutTimeouts(t *testing.T) {
	m := digitizer.NewMockReadout("JO123", 1e6, 1)
	if err := m.WaitReady(time.Millisecond); !errors.Is(err, digitizer.ErrNotArmed) {
		t.Errorf("expected ErrNotArmed, got %v", err)
	}
	m.FailReady(2)
	if err := m.Arm(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := m.WaitReady(time.Millisecond); !errors.Is(err, digitizer.ErrTimeout) {
			t.Errorf("expected ErrTimeout on wait %d, got %v", i, err)
		}
	}
	if err := m.WaitReady(time.Millisecond); err != nil {
		t.Errorf("expected ready after programmed failures, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Arm(); !errors.Is(err, digitizer.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMockReadoutSynthesizesEnabledChannels(t *testing.T) {
	m := digitizer.NewMockReadout("JO123", 1e6, 0.5)
	c := readoutConfig()
	c.Timebase.Samples = 100
	c.Trigger.Segments = 3
	if err := m.Configure(c); err != nil {
		t.Fatal(err)
	}
	if err := m.SoftTrigger(true); err != nil {
		t.Fatal(err)
	}
	_ = m.Arm()
	wav, err := m.Read()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"A", "B"}, wav.Labels()); diff != "" {
		t.Errorf("channel mismatch (-want +got):\n%s", diff)
	}
	if len(wav.Channels["A"].Segments) != 3 || wav.Samples() != 100 {
		t.Errorf("expected 3 segments of 100 samples, got %d of %d", len(wav.Channels["A"].Segments), wav.Samples())
	}
	arms, triggers, reads := m.Stats()
	if arms != 1 || triggers != 1 || reads != 1 {
		t.Errorf("unexpected stats %d %d %d", arms, triggers, reads)
	}
}

func TestSnapshotListsEnabledChannels(t *testing.T) {
	c := readoutConfig()
	c.Channels["D"] = digitizer.ChannelSettings{Coupling: "AC", Range: 2}
	s := c.Snapshot()
	chans := s["Channels"].(map[string]interface{})
	if _, ok := chans["D"]; ok {
		t.Error("a disabled channel was recorded")
	}
	if len(chans) != len(c.EnabledChannels()) {
		t.Errorf("expected %d channels, got %d", len(c.EnabledChannels()), len(chans))
	}
	if s["SampleRate"] != 250e6 || s["Resolution"] != "8BIT" {
		t.Errorf("timebase not recorded: %v", s)
	}
}
