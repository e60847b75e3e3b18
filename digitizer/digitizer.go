// Package digitizer describes the oscilloscope / waveform generator units the
// rig is built from.  A single USB scope both drives a galvo (through its AWG)
// and reads back its feedback channels; a faster scope digitizes the
// vibrometer readout board.
//
// Vendor bindings are not part of this package.  They implement Digitizer and
// make themselves available through Register.  Simulated units for dry runs and
// tests live in mock.go.
package digitizer

import (
	"errors"
	"sort"
	"time"

	"github.com/nasa-jpl/ldvscan/oscilloscope"
)

var (
	// ErrTimeout is generated when a capture does not complete before the
	// wait-ready deadline
	ErrTimeout = errors.New("digitizer did not become ready before the timeout")

	// ErrClosed is generated when a closed unit is used
	ErrClosed = errors.New("digitizer is closed")

	// ErrNotArmed is generated when Read or WaitReady are called with no
	// capture in flight
	ErrNotArmed = errors.New("no capture has been armed")
)

// Info identifies a physical unit
type Info struct {
	Model  string `yaml:"Model"`
	Serial string `yaml:"Serial"`
}

// Digitizer is a block-mode oscilloscope with a built-in signal generator
type Digitizer interface {
	// Configure applies channel, trigger and timebase settings
	Configure(Config) error

	// Arm starts a block or rapid-block capture
	Arm() error

	// WaitReady blocks until the armed capture is complete.
	// ErrTimeout is returned if it does not complete in time.
	WaitReady(timeout time.Duration) error

	// Read returns the last completed capture in volts
	Read() (oscilloscope.Waveform, error)

	// ApplyWaveform programs the signal generator
	ApplyWaveform(AWG) error

	// SoftTrigger asserts or releases the generator software trigger
	SoftTrigger(state bool) error

	// Info returns the identity of the unit
	Info() Info

	// Close releases the unit
	Close() error
}

// Timebase describes the horizontal setup of a capture
type Timebase struct {
	// SampleRate is the requested sample rate in Hz.  The actual rate is the
	// nearest one the unit supports at or below it, see TimebaseFor
	SampleRate float64 `koanf:"samplerate" yaml:"SampleRate"`

	// Samples is the number of samples per segment
	Samples int `koanf:"samples" yaml:"Samples"`

	// SegmentIndex is the memory segment the first capture is stored in
	SegmentIndex int `koanf:"segmentindex" yaml:"SegmentIndex"`

	// Oversample averages consecutive conversions, ps2000 only
	Oversample int `koanf:"oversample" yaml:"Oversample,omitempty"`
}

// ChannelSettings is the vertical setup of one input
type ChannelSettings struct {
	Enabled  bool   `koanf:"enabled" yaml:"Enabled"`
	Coupling string `koanf:"coupling" yaml:"Coupling"`

	// Range is the full scale input range in volts
	Range float64 `koanf:"range" yaml:"Range"`

	// AnalogOffset is added in hardware before digitization, in volts
	AnalogOffset float64 `koanf:"analogoffset" yaml:"AnalogOffset"`
}

// Trigger is the simple-trigger and rapid-block setup
type Trigger struct {
	Enabled   bool    `koanf:"enabled" yaml:"Enabled"`
	Source    string  `koanf:"source" yaml:"Source"`
	Threshold float64 `koanf:"threshold" yaml:"Threshold"`
	Direction string  `koanf:"direction" yaml:"Direction"`

	// Delay is the post-trigger delay before recording
	Delay time.Duration `koanf:"delay" yaml:"Delay"`

	// AutoTrigger re-arms the trigger after this long with no event,
	// zero disables it
	AutoTrigger time.Duration `koanf:"autotrigger" yaml:"AutoTrigger"`

	// PreTrigger is the fraction of samples recorded before the event, in [0,1]
	PreTrigger float64 `koanf:"pretrigger" yaml:"PreTrigger"`

	// Segments is the number of rapid-block segments, one per trigger event
	Segments int `koanf:"segments" yaml:"Segments"`
}

// AWG is the built-in signal generator setup.  A dc_voltage wave with zero
// PkToPk outputs Offset as a constant level.
type AWG struct {
	Offset    float64 `koanf:"offset" yaml:"Offset"`
	PkToPk    float64 `koanf:"pktopk" yaml:"PkToPk"`
	WaveType  string  `koanf:"wavetype" yaml:"WaveType"`
	StartFreq float64 `koanf:"startfreq" yaml:"StartFreq"`
	StopFreq  float64 `koanf:"stopfreq" yaml:"StopFreq"`
	Increment float64 `koanf:"increment" yaml:"Increment"`
	DwellTime float64 `koanf:"dwelltime" yaml:"DwellTime"`
	SweepType string  `koanf:"sweeptype" yaml:"SweepType"`

	// Shots and Sweeps are mutually exclusive, zero for continuous output
	Shots  int `koanf:"shots" yaml:"Shots"`
	Sweeps int `koanf:"sweeps" yaml:"Sweeps"`

	TriggerSource string  `koanf:"triggersource" yaml:"TriggerSource"`
	Direction     string  `koanf:"direction" yaml:"Direction"`
	Threshold     float64 `koanf:"threshold" yaml:"Threshold"`
}

// Config is the full setup of one unit.  Treat it as a value; use Clone
// before changing a copy that shares the Channels map.
type Config struct {
	Model      string                     `koanf:"model" yaml:"Model"`
	Resolution string                     `koanf:"resolution" yaml:"Resolution,omitempty"`
	Timebase   Timebase                   `koanf:"timebase" yaml:"Timebase"`
	Channels   map[string]ChannelSettings `koanf:"channels" yaml:"Channels"`
	Trigger    Trigger                    `koanf:"trigger" yaml:"Trigger"`
	AWG        AWG                        `koanf:"awg" yaml:"AWG"`
}

// Clone returns a deep copy of c
func (c Config) Clone() Config {
	out := c
	out.Channels = make(map[string]ChannelSettings, len(c.Channels))
	for k, v := range c.Channels {
		out.Channels[k] = v
	}
	return out
}

// Snapshot returns the settings in a form suited to a session record.  Only
// the enabled channels are listed.
func (c Config) Snapshot() map[string]interface{} {
	chans := make(map[string]interface{})
	for _, name := range c.EnabledChannels() {
		ch := c.Channels[name]
		chans[name] = map[string]interface{}{
			"Coupling":     ch.Coupling,
			"Range":        ch.Range,
			"AnalogOffset": ch.AnalogOffset,
		}
	}
	out := map[string]interface{}{
		"Model":      c.Model,
		"SampleRate": c.Timebase.SampleRate,
		"Samples":    c.Timebase.Samples,
		"Channels":   chans,
		"Trigger":    c.Trigger,
		"AWG":        c.AWG,
	}
	if c.Resolution != "" {
		out["Resolution"] = c.Resolution
	}
	return out
}

// EnabledChannels returns the names of the enabled inputs in sorted order
func (c Config) EnabledChannels() []string {
	var out []string
	for k, v := range c.Channels {
		if v.Enabled {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// DCLevel returns a copy of the generator setup programmed to output a
// constant voltage v
func (a AWG) DCLevel(v float64) AWG {
	a.Offset = v
	a.PkToPk = 0
	a.WaveType = "dc_voltage"
	return a
}
