// Package galvo controls the two galvo mirrors that steer the laser spot.
//
// Each mirror is driven by a small USB scope: the scope's signal generator
// outputs the command voltage as a DC level, channel A reads the position
// feedback of the servo driver and channel B its error output.  A Motor wraps
// one such scope, a System pairs an X and a Y motor with the optics model.
package galvo

import (
	"errors"
	"fmt"
	"time"

	"github.com/nasa-jpl/ldvscan/digitizer"
)

// Axis names a mirror
type Axis string

const (
	// X is the horizontal mirror
	X Axis = "X"

	// Y is the vertical mirror
	Y Axis = "Y"
)

// Calibration holds the per-axis constants of a galvo and its driver
type Calibration struct {
	// Serial is the serial number of the scope wired to this mirror
	Serial string `koanf:"serial" yaml:"Serial"`

	// VoltsPerDeg is the driver input scale
	VoltsPerDeg float64 `koanf:"voltsperdeg" yaml:"VoltsPerDeg"`

	// Gain is the gain of the amplifier between the scope AWG and the driver
	Gain float64 `koanf:"gain" yaml:"Gain"`

	// Offset is the AWG level of the zero-degree position, in volts
	Offset float64 `koanf:"offset" yaml:"Offset"`

	// OutputDegPerVolt scales the position feedback on channel A
	OutputDegPerVolt float64 `koanf:"outputdegpervolt" yaml:"OutputDegPerVolt"`

	// ErrorDegPerVolt scales the servo error on channel B
	ErrorDegPerVolt float64 `koanf:"errordegpervolt" yaml:"ErrorDegPerVolt"`

	StepResponse      time.Duration `koanf:"stepresponse" yaml:"StepResponse"`
	FullscaleResponse time.Duration `koanf:"fullscaleresponse" yaml:"FullscaleResponse"`

	// MovingTol is the servo error in degrees below which the mirror is at rest
	MovingTol float64 `koanf:"movingtol" yaml:"MovingTol"`

	// VoltageLimit is the largest |command| the AWG may output
	VoltageLimit float64 `koanf:"voltagelimit" yaml:"VoltageLimit"`
}

// DefaultCalibrations returns the calibration of the mirrors mounted on the rig
func DefaultCalibrations() map[Axis]Calibration {
	common := Calibration{
		VoltsPerDeg:       0.8,
		Gain:              5,
		OutputDegPerVolt:  0.5,
		ErrorDegPerVolt:   2.5,
		StepResponse:      300 * time.Microsecond,
		FullscaleResponse: 10 * time.Millisecond,
		MovingTol:         0.05,
		VoltageLimit:      2,
	}
	x, y := common, common
	x.Serial, x.Offset = "GO027/758", -100e-3
	y.Serial, y.Offset = "GO027/181", -150e-3
	return map[Axis]Calibration{X: x, Y: y}
}

// DefaultScope returns the setup of the scopes driving the galvos
func DefaultScope() digitizer.Config {
	return digitizer.Config{
		Model:    digitizer.PS2000,
		Timebase: digitizer.Timebase{SampleRate: 1e7, Samples: 2000, Oversample: 1},
		Channels: map[string]digitizer.ChannelSettings{
			"A": {Enabled: true, Coupling: "DC", Range: 10},
			"B": {Enabled: true, Coupling: "DC", Range: 0.05},
		},
		Trigger: digitizer.Trigger{
			Enabled:     true,
			Source:      "B",
			Direction:   "rising",
			AutoTrigger: 10 * time.Millisecond,
			PreTrigger:  0.2,
			Segments:    1,
		},
		AWG: digitizer.AWG{
			WaveType:  "dc_voltage",
			StartFreq: 1e3,
			StopFreq:  1e3,
			DwellTime: 1,
			SweepType: "up",
		},
	}
}

// commandGain is the AWG volts per degree
func (c Calibration) commandGain() float64 {
	return c.VoltsPerDeg / c.Gain
}

// Validate checks the calibration is usable
func (c Calibration) Validate() error {
	switch {
	case c.Serial == "":
		return errors.New("calibration has no serial number")
	case c.VoltsPerDeg <= 0 || c.Gain <= 0:
		return fmt.Errorf("%s: command scale must be positive", c.Serial)
	case c.OutputDegPerVolt == 0 || c.ErrorDegPerVolt == 0:
		return fmt.Errorf("%s: feedback scales must be nonzero", c.Serial)
	case c.StepResponse <= 0 || c.FullscaleResponse < c.StepResponse:
		return fmt.Errorf("%s: response times must be positive with step <= fullscale", c.Serial)
	case c.MovingTol <= 0:
		return fmt.Errorf("%s: moving tolerance must be positive", c.Serial)
	case c.VoltageLimit <= 0:
		return fmt.Errorf("%s: voltage limit must be positive", c.Serial)
	}
	return nil
}
