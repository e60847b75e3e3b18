// Package config holds the setup of the whole rig and loads it from YAML.
//
// Defaults are layered under the file: koanf first loads Defaults() through
// the structs provider and then the YAML file on top, so a file only needs the
// keys it changes.  Both layers are keyed by the yaml tags so the output of
// Encode loads back unchanged.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/ldvscan/demod"
	"github.com/nasa-jpl/ldvscan/digitizer"
	"github.com/nasa-jpl/ldvscan/galvo"
	"github.com/nasa-jpl/ldvscan/optics"
	"github.com/nasa-jpl/ldvscan/scan"
	"github.com/nasa-jpl/ldvscan/scanpath"
)

const (
	// BoardAnalog selects the external mixing board and its PLL reference
	BoardAnalog = "analog"

	// BoardDigital selects software demodulation
	BoardDigital = "digital"
)

// ErrInvalid is generated when a loaded configuration is unusable
var ErrInvalid = errors.New("invalid configuration")

// PLL locates the reference synthesizer of the analog board
type PLL struct {
	// Addrs are tried in order, see pll.New for the forms accepted
	Addrs []string `koanf:"addrs" yaml:"Addrs"`

	// State is the stored instrument state recalled before calibration
	State int `koanf:"state" yaml:"State"`

	LockTimeout time.Duration `koanf:"locktimeout" yaml:"LockTimeout"`
}

// Readout is the setup of the readout scope and board
type Readout struct {
	// Board is analog or digital
	Board string `koanf:"board" yaml:"Board"`

	// Serial of the readout scope, empty for the first one found
	Serial string `koanf:"serial" yaml:"Serial"`

	// Calibration is the scope setup used while synchronizing the reference
	Calibration digitizer.Config `koanf:"calibration" yaml:"Calibration"`

	// Scan is the scope setup used at every scan point
	Scan digitizer.Config `koanf:"scan" yaml:"Scan"`

	// Demodulator is lockin or hilbert, used by the digital board
	Demodulator string       `koanf:"demodulator" yaml:"Demodulator"`
	Demod       demod.Config `koanf:"demod" yaml:"Demod"`

	PLL PLL `koanf:"pll" yaml:"PLL"`
}

// Rig is the full configuration of the instrument
type Rig struct {
	// Mock replaces every instrument with a simulation
	Mock bool `koanf:"mock" yaml:"Mock"`

	// ResultsFolder is the parent of the per-session folders
	ResultsFolder string `koanf:"resultsfolder" yaml:"ResultsFolder"`

	// Lens is the name of the objective in Lenses
	Lens   string                 `koanf:"lens" yaml:"Lens"`
	Lenses map[string]optics.Lens `koanf:"lenses" yaml:"Lenses"`

	Calibrations map[galvo.Axis]galvo.Calibration `koanf:"calibrations" yaml:"Calibrations"`

	// GalvoScope is the setup of the scopes driving the mirrors
	GalvoScope digitizer.Config `koanf:"galvoscope" yaml:"GalvoScope"`

	Readout Readout `koanf:"readout" yaml:"Readout"`

	Path scanpath.Spec `koanf:"path" yaml:"Path"`
	Scan scan.Options  `koanf:"scan" yaml:"Scan"`

	// CenteringLoops is the number of border traces per centering round,
	// zero skips the centering test
	CenteringLoops int `koanf:"centeringloops" yaml:"CenteringLoops"`
}

// CalibrationScope is the readout scope setup used to synchronize the PLL
func CalibrationScope() digitizer.Config {
	return digitizer.Config{
		Model:      digitizer.PS5000A,
		Resolution: "8BIT",
		Timebase:   digitizer.Timebase{SampleRate: 250e6, Samples: 1000000},
		Channels: map[string]digitizer.ChannelSettings{
			"A": {Enabled: true, Coupling: "DC", Range: 1},
			"B": {Enabled: true, Coupling: "DC", Range: 0.5},
			"C": {Coupling: "DC", Range: 2},
			"D": {Coupling: "DC", Range: 2},
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
			WaveType:      "dc_voltage",
			Offset:        0.5,
			StartFreq:     20e6,
			StopFreq:      20e6,
			SweepType:     "up",
			TriggerSource: "none",
			Direction:     "rising",
		},
	}
}

// ScanScope is the readout scope setup used at every scan point
func ScanScope() digitizer.Config {
	c := CalibrationScope()
	c.Timebase.Samples = 5000
	c.Trigger = digitizer.Trigger{
		Enabled:   true,
		Source:    "A",
		Threshold: 0.5,
		Direction: "gate_high",
		Segments:  32,
	}
	c.AWG = digitizer.AWG{
		WaveType:      "sine",
		PkToPk:        0.1,
		StartFreq:     20e6,
		StopFreq:      20e6,
		SweepType:     "up",
		Shots:         10,
		TriggerSource: "soft_trig",
		Direction:     "rising",
	}
	return c
}

// Defaults returns the configuration of the rig as built
func Defaults() Rig {
	dm := demod.DefaultConfig()
	dm.SampleRate = ScanScope().Timebase.SampleRate
	return Rig{
		ResultsFolder: "results",
		Lens:          "4x",
		Lenses:        optics.DefaultLenses(),
		Calibrations:  galvo.DefaultCalibrations(),
		GalvoScope:    galvo.DefaultScope(),
		Readout: Readout{
			Board:       BoardAnalog,
			Serial:      "JO279/0118",
			Calibration: CalibrationScope(),
			Scan:        ScanScope(),
			Demodulator: demod.KindLockIn,
			Demod:       dm,
			PLL: PLL{
				Addrs:       []string{"/dev/ttyACM0", "/dev/ttyUSB0"},
				State:       1,
				LockTimeout: 5 * time.Second,
			},
		},
		Path:           scanpath.Spec{Type: "circle", RadiusMM: 0.5, ResolutionUM: 20},
		Scan:           scan.DefaultOptions(),
		CenteringLoops: 3,
	}
}

// Load returns Defaults overlaid with the YAML file at path.  A missing file
// is not an error.
func Load(path string) (Rig, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "yaml"), nil); err != nil {
		return Rig{}, err
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Rig{}, fmt.Errorf("loading %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Rig{}, err
	}
	var r Rig
	if err := k.UnmarshalWithConf("", &r, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return Rig{}, err
	}
	return r, nil
}

// Encode writes r as YAML
func Encode(w io.Writer, r Rig) error {
	enc := yml.NewEncoder(w)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

// Validate checks the lens, calibrations, scope setups and path of r
func (r Rig) Validate() error {
	if _, err := optics.New(r.Lenses, r.Lens); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := galvo.NewRegistry(r.Calibrations); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	scopes := []struct {
		name string
		cfg  digitizer.Config
	}{
		{"galvo scope", r.GalvoScope},
		{"readout calibration scope", r.Readout.Calibration},
		{"readout scan scope", r.Readout.Scan},
	}
	for _, s := range scopes {
		if err := digitizer.Validate(s.cfg); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, s.name, err)
		}
	}
	switch r.Readout.Board {
	case BoardAnalog:
		if len(r.Readout.PLL.Addrs) == 0 && !r.Mock {
			return fmt.Errorf("%w: the analog board needs at least one PLL address", ErrInvalid)
		}
	case BoardDigital:
		if _, err := demod.New(r.Readout.Demodulator, r.Readout.Demod); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if r.Readout.Demod.SampleRate != r.Readout.Scan.Timebase.SampleRate {
			return fmt.Errorf("%w: demodulator designed for %g S/s, scope samples at %g S/s",
				ErrInvalid, r.Readout.Demod.SampleRate, r.Readout.Scan.Timebase.SampleRate)
		}
	default:
		return fmt.Errorf("%w: board %q, should be %s or %s", ErrInvalid, r.Readout.Board, BoardAnalog, BoardDigital)
	}
	if _, err := r.Path.Design(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if r.Scan.Attempts < 1 || r.Scan.FlushEvery < 1 {
		return fmt.Errorf("%w: scan attempts and flush interval must be positive", ErrInvalid)
	}
	return nil
}
