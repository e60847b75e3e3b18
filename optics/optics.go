// Package optics converts between sample-plane positions and galvo mirror
// angles through the scan lens and the imaging objective.
//
// The mirrors are held at 45 degrees, so a mechanical deflection of the mirror
// is doubled on the beam.  Positions are in meters, angles in radians unless a
// function name says otherwise.
package optics

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MirrorLimitDeg is the mechanical deflection limit of the galvo mirrors
	MirrorLimitDeg = 10.6

	// ReferenceLens names the tube lens the magnification is measured against
	ReferenceLens = "100mm"

	// ScanLens names the scan lens between the mirrors and the tube lens
	ScanLens = "scan"

	// CameraLens names the lens imaging the sample on the alignment camera
	CameraLens = "camLens"
)

var (
	// ErrRange is generated when a requested position implies a mirror
	// deflection beyond MirrorLimitDeg
	ErrRange = errors.New("the required position is outside the optics range")

	// ErrUnknownLens is generated when a lens name is not in the catalogue
	ErrUnknownLens = errors.New("unknown lens")
)

// Lens describes one optical element of the train
type Lens struct {
	ProductID    string `koanf:"productid" yaml:"ProductID"`
	Manufacturer string `koanf:"manufacturer" yaml:"Manufacturer"`

	// EffectiveFocalLength is in mm
	EffectiveFocalLength float64 `koanf:"effectivefocallength" yaml:"EffectiveFocalLength"`

	// NA, Magnification and TubeLength are informational, only set for objectives
	NA            float64 `koanf:"na" yaml:"NA,omitempty"`
	Magnification float64 `koanf:"magnification" yaml:"Magnification,omitempty"`
	TubeLength    float64 `koanf:"tubelength" yaml:"TubeLength,omitempty"`
}

// DefaultLenses returns the catalogue of the lenses mounted on the rig
func DefaultLenses() map[string]Lens {
	return map[string]Lens{
		"4x": {
			ProductID:            "RMS4X",
			Manufacturer:         "Olympus",
			EffectiveFocalLength: 45,
			NA:                   0.1,
			Magnification:        4,
			TubeLength:           180},
		ReferenceLens: {
			ProductID:            "AC254-100-A-ML",
			Manufacturer:         "Thorlabs",
			EffectiveFocalLength: 100},
		ScanLens: {
			ProductID:            "LSM03-VIS",
			Manufacturer:         "Thorlabs",
			EffectiveFocalLength: 39},
		CameraLens: {
			ProductID:            "MVL75M23",
			Manufacturer:         "Navitar",
			EffectiveFocalLength: 75},
	}
}

// Model holds the optical train with one objective selected.
// The zero value is not usable, create with New.
type Model struct {
	lenses   map[string]Lens
	name     string
	lens     Lens
	magn     float64
	magnCam  float64
	maxRange float64
}

// New creates a new optics model from a lens catalogue and selects the named
// objective.  The catalogue must contain ReferenceLens, ScanLens and CameraLens.
func New(lenses map[string]Lens, name string) (*Model, error) {
	cat := make(map[string]Lens, len(lenses))
	for k, v := range lenses {
		cat[k] = v
	}
	for _, required := range []string{ReferenceLens, ScanLens, CameraLens} {
		l, ok := cat[required]
		if !ok {
			return nil, fmt.Errorf("%w: catalogue is missing %q", ErrUnknownLens, required)
		}
		if l.EffectiveFocalLength <= 0 {
			return nil, fmt.Errorf("lens %q must have a positive focal length", required)
		}
	}
	m := &Model{lenses: cat}
	if err := m.SetLens(name); err != nil {
		return nil, err
	}
	return m, nil
}

// SetLens selects the objective used to image the sample and recomputes the
// magnification and the usable range
func (m *Model) SetLens(name string) error {
	l, ok := m.lenses[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLens, name)
	}
	if l.EffectiveFocalLength <= 0 {
		return fmt.Errorf("lens %q must have a positive focal length", name)
	}
	m.name = name
	m.lens = l
	m.magn = m.lenses[ReferenceLens].EffectiveFocalLength / l.EffectiveFocalLength
	m.magnCam = m.lenses[CameraLens].EffectiveFocalLength / l.EffectiveFocalLength
	m.maxRange = m.Angle2Pos(Deg2Rad(MirrorLimitDeg))
	return nil
}

// LensName returns the name of the selected objective
func (m *Model) LensName() string { return m.name }

// Lens returns the selected objective
func (m *Model) Lens() Lens { return m.lens }

// Magnification returns the scanner magnification
func (m *Model) Magnification() float64 { return m.magn }

// CameraMagnification returns the magnification onto the alignment camera
func (m *Model) CameraMagnification() float64 { return m.magnCam }

// Range returns the largest reachable |position| in meters
func (m *Model) Range() float64 { return m.maxRange }

// Angle2Pos converts a mirror angle (rad) to a sample position (m)
func (m *Model) Angle2Pos(angle float64) float64 {
	pos := m.lenses[ScanLens].EffectiveFocalLength * math.Tan(angle)
	pos = 2 * pos / m.magn
	return pos * 1e-3
}

// Pos2Angle converts a sample position (m) to a mirror angle (rad)
func (m *Model) Pos2Angle(pos float64) float64 {
	return math.Atan(0.5 * m.magn * pos * 1e3 / m.lenses[ScanLens].EffectiveFocalLength)
}

// Angles converts a sample point (m) to the pair of mirror angles in degrees.
// ErrRange is returned if either exceeds the mirror limit or is not a number.
func (m *Model) Angles(x, y float64) (float64, float64, error) {
	ax := Rad2Deg(m.Pos2Angle(x))
	ay := Rad2Deg(m.Pos2Angle(y))
	if !(math.Abs(ax) <= MirrorLimitDeg) {
		return ax, ay, fmt.Errorf("%w: x=%g m implies %.2f deg", ErrRange, x, ax)
	}
	if !(math.Abs(ay) <= MirrorLimitDeg) {
		return ax, ay, fmt.Errorf("%w: y=%g m implies %.2f deg", ErrRange, y, ay)
	}
	return ax, ay, nil
}

// Deg2Rad converts degrees to radians
func Deg2Rad(x float64) float64 {
	return x * math.Pi / 180
}

// Rad2Deg converts radians to degrees
func Rad2Deg(x float64) float64 {
	return x * 180 / math.Pi
}
