package digitizer

import (
	"errors"
	"fmt"
	"math"
)

const (
	// PS2000 is the galvo driver scope family
	PS2000 = "ps2000"

	// PS5000A is the readout board scope family
	PS5000A = "ps5000a"

	// ExternalTrigger is the name of the EXT trigger input
	ExternalTrigger = "Ext"

	maxTimebase = 1<<32 - 1
)

var (
	// ErrInvalidSetting is generated when a configuration value is not
	// supported by the unit
	ErrInvalidSetting = errors.New("setting not admissible")

	// ErrUnknownModel is generated for a scope family with no settings table
	ErrUnknownModel = errors.New("unknown digitizer model")
)

// family holds the admissible values for one scope family
type family struct {
	channels       []string
	ranges         []float64
	resolutions    []string
	triggerSources []string
	awgMaxFreq     float64
	awgMinFreq     float64
	maxTimebase    int
}

var (
	couplings      = []string{"DC", "AC"}
	directions     = []string{"rising", "falling", "gate_high", "gate_low"}
	waveTypes      = []string{"sine", "square", "triangle", "dc_voltage"}
	sweepTypes     = []string{"up", "down", "updown", "downup"}
	awgMaxPkToPk   = 2.0
	awgMaxOffset   = 2.0
	gateDirections = []string{"gate_high", "gate_low"}
)

var families = map[string]family{
	PS2000: {
		channels:       []string{"A", "B"},
		ranges:         []float64{0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20},
		resolutions:    []string{"", "8BIT"},
		triggerSources: []string{"none"},
		awgMinFreq:     100e-3,
		awgMaxFreq:     100e3,
		maxTimebase:    23,
	},
	PS5000A: {
		channels:       []string{"A", "B", "C", "D"},
		ranges:         []float64{0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20, 50},
		resolutions:    []string{"8BIT", "12BIT", "14BIT", "15BIT", "16BIT"},
		triggerSources: []string{"none", "scope_trig", "ext_in", "soft_trig"},
		awgMinFreq:     30e-3,
		awgMaxFreq:     20e6,
		maxTimebase:    maxTimebase,
	},
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsFloat(list []float64, f float64) bool {
	for _, v := range list {
		if math.Abs(v-f) <= 1e-9*math.Abs(v) {
			return true
		}
	}
	return false
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidSetting, fmt.Sprintf(format, args...))
}

// Validate checks every field of c against the settings table of its model
func Validate(c Config) error {
	fam, ok := families[c.Model]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, c.Model)
	}
	if !contains(fam.resolutions, c.Resolution) {
		return invalid("resolution %q, should be one of %v", c.Resolution, fam.resolutions)
	}
	if c.Timebase.SampleRate <= 0 {
		return invalid("sample rate must be positive, got %g", c.Timebase.SampleRate)
	}
	if c.Timebase.Samples < 1 {
		return invalid("at least one sample per segment is required, got %d", c.Timebase.Samples)
	}
	for name, ch := range c.Channels {
		if !contains(fam.channels, name) {
			return invalid("channel %q, should be one of %v", name, fam.channels)
		}
		if !contains(couplings, ch.Coupling) {
			return invalid("channel %s coupling %q, should be one of %v", name, ch.Coupling, couplings)
		}
		if !containsFloat(fam.ranges, ch.Range) {
			return invalid("channel %s range %g V, should be one of %v", name, ch.Range, fam.ranges)
		}
	}
	if len(c.EnabledChannels()) == 0 {
		return invalid("no channel is enabled")
	}
	if err := validateTrigger(c); err != nil {
		return err
	}
	return validateAWG(fam, c.AWG)
}

func validateTrigger(c Config) error {
	t := c.Trigger
	if t.PreTrigger < 0 || t.PreTrigger > 1 {
		return invalid("pre-trigger fraction %g, should be within [0,1]", t.PreTrigger)
	}
	if t.Segments < 0 {
		return invalid("negative segment count %d", t.Segments)
	}
	if !t.Enabled {
		return nil
	}
	if !contains(directions, t.Direction) {
		return invalid("trigger direction %q, should be one of %v", t.Direction, directions)
	}
	if t.Source == ExternalTrigger {
		if c.Model != PS5000A {
			return invalid("%s has no external trigger input", c.Model)
		}
		if !contains(gateDirections, t.Direction) {
			return invalid("external trigger direction %q, should be one of %v", t.Direction, gateDirections)
		}
		return nil
	}
	if ch, ok := c.Channels[t.Source]; !ok || !ch.Enabled {
		return invalid("trigger source %q is not an enabled channel", t.Source)
	}
	return nil
}

func validateAWG(fam family, a AWG) error {
	if !contains(waveTypes, a.WaveType) {
		return invalid("wave type %q, should be one of %v", a.WaveType, waveTypes)
	}
	if !contains(sweepTypes, a.SweepType) {
		return invalid("sweep type %q, should be one of %v", a.SweepType, sweepTypes)
	}
	if a.PkToPk > awgMaxPkToPk {
		return invalid("generator amplitude %g Vpp exceeds %g Vpp", a.PkToPk, awgMaxPkToPk)
	}
	if math.Abs(a.Offset) > awgMaxOffset {
		return invalid("generator offset %g V exceeds %g V", a.Offset, awgMaxOffset)
	}
	lo, hi := math.Min(a.StartFreq, a.StopFreq), math.Max(a.StartFreq, a.StopFreq)
	if lo < fam.awgMinFreq || hi > fam.awgMaxFreq {
		return invalid("generator frequency [%g, %g] Hz outside [%g, %g] Hz", lo, hi, fam.awgMinFreq, fam.awgMaxFreq)
	}
	if a.Shots != 0 && a.Sweeps != 0 {
		return invalid("only one of shots and sweeps can be nonzero")
	}
	src := a.TriggerSource
	if src == "" {
		src = "none"
	}
	if !contains(fam.triggerSources, src) {
		return invalid("generator trigger source %q, should be one of %v", src, fam.triggerSources)
	}
	if src != "none" && contains(gateDirections, a.Direction) && (a.Shots != 0 || a.Sweeps != 0) {
		return invalid("a gated generator trigger requires zero shots and sweeps")
	}
	return nil
}

// MinTimebase returns the fastest timebase index available with the given
// resolution and number of enabled channels
func MinTimebase(model, resolution string, enabled int) (int, error) {
	switch model {
	case PS2000:
		return enabled, nil
	case PS5000A:
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	switch resolution {
	case "8BIT":
		if enabled <= 1 {
			return 0, nil
		}
		return 1, nil
	case "12BIT":
		if enabled <= 1 {
			return 1, nil
		}
		return 2, nil
	case "14BIT":
		return 3, nil
	case "15BIT":
		if enabled <= 2 {
			return 3, nil
		}
		return 4, nil
	case "16BIT":
		if enabled <= 1 {
			return 4, nil
		}
		return 5, nil
	}
	return 0, invalid("resolution %q", resolution)
}

// SampleRateOf returns the sample rate in Hz of timebase index n
func SampleRateOf(model, resolution string, n int) (float64, error) {
	if n < 0 {
		return 0, invalid("negative timebase %d", n)
	}
	x := float64(n)
	switch model {
	case PS2000:
		// 10 ns doubling per index
		return 100e6 / math.Pow(2, x), nil
	case PS5000A:
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	switch resolution {
	case "8BIT":
		if n < 3 {
			return 1e9 / math.Pow(2, x), nil
		}
		return 125e6 / (x - 2), nil
	case "12BIT":
		if n < 3 {
			return 500e6 / math.Pow(2, x), nil
		}
		return 62.5e6 / (x - 2), nil
	case "14BIT", "15BIT":
		if n < 3 {
			return 0, invalid("timebase %d unavailable at %s", n, resolution)
		}
		return 125e6 / (x - 2), nil
	case "16BIT":
		if n < 4 {
			return 0, invalid("timebase %d unavailable at %s", n, resolution)
		}
		if n == 4 {
			return 62.5e6, nil
		}
		return 62.5e6 / (x - 3), nil
	}
	return 0, invalid("resolution %q", resolution)
}

// TimebaseFor returns the fastest timebase whose sample rate does not exceed
// rate, together with that rate.  Requests faster than the unit can go return
// the minimum timebase.
func TimebaseFor(model, resolution string, rate float64, enabled int) (int, float64, error) {
	if rate <= 0 {
		return 0, 0, invalid("sample rate must be positive, got %g", rate)
	}
	lo, err := MinTimebase(model, resolution, enabled)
	if err != nil {
		return 0, 0, err
	}
	hi := families[model].maxTimebase
	f := func(n int) float64 {
		r, _ := SampleRateOf(model, resolution, n)
		return r
	}
	if f(lo) <= rate {
		return lo, f(lo), nil
	}
	if f(hi) > rate {
		return hi, f(hi), nil
	}
	// invariant: f(lo) > rate >= f(hi)
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if f(mid) > rate {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi, f(hi), nil
}
