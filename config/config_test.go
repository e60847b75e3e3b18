package config_test

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/ldvscan/config"
	"github.com/nasa-jpl/ldvscan/galvo"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := config.Defaults().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	r, err := config.Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(config.Defaults(), r); diff != "" {
		t.Errorf("missing file changed the defaults (-want +got):\n%s", diff)
	}
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ldvscan.yml")
	doc := `Mock: true
Lens: 100mm
Path:
  Type: rectangle
  XLengthMM: 0.2
  YLengthMM: 0.1
  ResolutionUM: 10
Scan:
  FlushEvery: 25
  Dwell: 250ms
Calibrations:
  X:
    Offset: 0.05
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	def := config.Defaults()
	if !r.Mock || r.Lens != "100mm" || r.Path.Type != "rectangle" || r.Path.XLengthMM != 0.2 {
		t.Errorf("file values were not applied: %+v", r)
	}
	if r.Scan.FlushEvery != 25 || r.Scan.Dwell != 250*time.Millisecond || r.Scan.Attempts != def.Scan.Attempts {
		t.Errorf("scan options %+v", r.Scan)
	}
	x := r.Calibrations[galvo.X]
	if x.Offset != 0.05 || x.Serial != def.Calibrations[galvo.X].Serial {
		t.Errorf("calibration overlay lost the defaults: %+v", x)
	}
	if diff := cmp.Diff(def.Readout, r.Readout); diff != "" {
		t.Errorf("untouched section changed (-want +got):\n%s", diff)
	}
}

func TestLoadCustomPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ldvscan.yml")
	doc := `Path:
  Type: custom
  PointsMM:
  - [0, 0]
  - [0.1, -0.05]
  - [-0.1, 0.05]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}
	pts, err := r.Path.Design()
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != 3 || math.Abs(pts[1].X-1e-4) > 1e-15 || math.Abs(pts[2].Y-5e-5) > 1e-15 {
		t.Errorf("custom points %v", pts)
	}
}

func TestEncodeLoadsBack(t *testing.T) {
	want := config.Defaults()
	want.Lens = "100mm"
	want.Scan.FlushEvery = 7
	want.Readout.Board = config.BoardDigital
	var buf bytes.Buffer
	if err := config.Encode(&buf, want); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "ldvscan.yml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip through YAML (-want +got):\n%s", diff)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*config.Rig){
		"lens":      func(r *config.Rig) { r.Lens = "20x" },
		"board":     func(r *config.Rig) { r.Readout.Board = "optical" },
		"demod":     func(r *config.Rig) { r.Readout.Board, r.Readout.Demodulator = config.BoardDigital, "fm" },
		"scope":     func(r *config.Rig) { r.Readout.Scan.Resolution = "9BIT" },
		"path":      func(r *config.Rig) { r.Path.Type = "hexagon" },
		"attempts":  func(r *config.Rig) { r.Scan.Attempts = 0 },
		"pll":       func(r *config.Rig) { r.Readout.PLL.Addrs = nil },
		"rate":      func(r *config.Rig) { r.Readout.Board, r.Readout.Demod.SampleRate = config.BoardDigital, 500e6 },
		"duplicate": func(r *config.Rig) { r.Calibrations[galvo.Y] = r.Calibrations[galvo.X] },
	}
	for name, mutate := range cases {
		r := config.Defaults()
		mutate(&r)
		if err := r.Validate(); !errors.Is(err, config.ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestMockNeedsNoPLL(t *testing.T) {
	r := config.Defaults()
	r.Mock = true
	r.Readout.PLL.Addrs = nil
	if err := r.Validate(); err != nil {
		t.Error(err)
	}
}
