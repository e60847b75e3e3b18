package scanpath_test

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nasa-jpl/ldvscan/scanpath"
)

func ExampleSpec_Design() {
	path, _ := scanpath.Spec{Type: "circle", RadiusMM: 0.5, ResolutionUM: 100}.Design()
	lo, hi := scanpath.Bounds(path)
	fmt.Println(len(path) > 0, lo.X >= -0.5e-3, hi.X <= 0.5e-3)
	// Output: true true true
}

func TestDesignIsDeterministic(t *testing.T) {
	regions := []scanpath.Region{
		scanpath.Circle{Radius: 0.5e-3},
		scanpath.Circle{Radius: 0.3e-3, Offset: scanpath.Point{X: 0.1e-3, Y: -0.2e-3}},
		scanpath.Rectangle{HalfWidth: 0.4e-3, HalfHeight: 0.2e-3},
	}
	for _, r := range regions {
		a, err := scanpath.Design(r, 50e-6)
		if err != nil {
			t.Fatal(err)
		}
		b, err := scanpath.Design(r, 50e-6)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(a, b); diff != "" {
			t.Errorf("%T: two designs differ (-first +second):\n%s", r, diff)
		}
	}
}

func TestDesignedPointsAreInside(t *testing.T) {
	c := scanpath.Circle{Radius: 0.5e-3, Offset: scanpath.Point{X: 1e-3, Y: 0}}
	path, err := scanpath.Design(c, 40e-6)
	if err != nil {
		t.Fatal(err)
	}
	border := c.Boundary()
	for i, p := range path {
		if !scanpath.Contains(border, p) {
			t.Errorf("point %d %v is not inside the outline", i, p)
		}
		if math.Hypot(p.X-c.Offset.X, p.Y-c.Offset.Y) > c.Radius {
			t.Errorf("point %d %v is outside the circle", i, p)
		}
	}
	for _, p := range []scanpath.Point{{0, 0}, {1e-3, 0.6e-3}, {1.51e-3, 0}} {
		if scanpath.Contains(border, p) {
			t.Errorf("%v should be outside", p)
		}
	}
}

func TestDensityScaling(t *testing.T) {
	c := scanpath.Circle{Radius: 1e-3}
	coarse, err := scanpath.Design(c, 50e-6)
	if err != nil {
		t.Fatal(err)
	}
	fine, err := scanpath.Design(c, 25e-6)
	if err != nil {
		t.Fatal(err)
	}
	ratio := float64(len(fine)) / float64(len(coarse))
	if ratio < 3.8 || ratio > 4.2 {
		t.Errorf("halving the resolution gave %d -> %d points, ratio %.3f", len(coarse), len(fine), ratio)
	}
}

func TestLatticeOrder(t *testing.T) {
	r := scanpath.Rectangle{HalfWidth: 0.2e-3, HalfHeight: 0.2e-3}
	res := 100e-6
	h := res * math.Sqrt(3) / 2
	path, err := scanpath.Design(r, res)
	if err != nil {
		t.Fatal(err)
	}
	first := path[0]
	for i := 1; i < len(path); i++ {
		prev, cur := path[i-1], path[i]
		if cur.Y < prev.Y-1e-15 {
			// the only drop in y is the switch to the second sub-lattice
			if math.Abs(cur.Y-(-0.2e-3+h)) > 1e-12 {
				t.Errorf("unexpected row change at %d: %v -> %v", i, prev, cur)
			}
		} else if cur.Y == prev.Y && cur.X <= prev.X {
			t.Errorf("points not increasing in x within a row at %d: %v -> %v", i, prev, cur)
		}
	}
	if first.Y > -0.2e-3+2*h+1e-12 {
		t.Errorf("first point %v is not on an early row", first)
	}
}

func TestRectangleOffset(t *testing.T) {
	base, err := scanpath.Design(scanpath.Rectangle{HalfWidth: 0.3e-3, HalfHeight: 0.1e-3}, 50e-6)
	if err != nil {
		t.Fatal(err)
	}
	moved, err := scanpath.Design(scanpath.Rectangle{HalfWidth: 0.3e-3, HalfHeight: 0.1e-3,
		Offset: scanpath.Point{X: 1e-3, Y: 2e-3}}, 50e-6)
	if err != nil {
		t.Fatal(err)
	}
	if len(base) == 0 || math.Abs(float64(len(base)-len(moved))) > 0.1*float64(len(base)) {
		t.Errorf("offset changed the point count too much: %d vs %d", len(base), len(moved))
	}
	lo, hi := scanpath.Bounds(moved)
	if lo.X < 0.7e-3 || hi.X > 1.3e-3 || lo.Y < 1.9e-3 || hi.Y > 2.1e-3 {
		t.Errorf("offset path spans %v to %v", lo, hi)
	}
}

func TestCustom(t *testing.T) {
	if _, err := scanpath.NewCustom([][]float64{{0, 0}, {1, 2, 3}}); !errors.Is(err, scanpath.ErrShape) {
		t.Errorf("expected ErrShape, got %v", err)
	}
	if _, err := scanpath.NewCustom(nil); !errors.Is(err, scanpath.ErrShape) {
		t.Errorf("expected ErrShape for an empty path, got %v", err)
	}
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := scanpath.NewCustom([][]float64{{0, 0}, {bad, 0}}); !errors.Is(err, scanpath.ErrShape) {
			t.Errorf("%g: expected ErrShape, got %v", bad, err)
		}
	}
	c, err := scanpath.NewCustom([][]float64{{1e-4, 0}, {0, 1e-4}, {-1e-4, 0}})
	if err != nil {
		t.Fatal(err)
	}
	path, err := scanpath.Design(c, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := scanpath.Path{{1e-4, 0}, {0, 1e-4}, {-1e-4, 0}}
	if diff := cmp.Diff(want, path); diff != "" {
		t.Errorf("custom path reordered (-want +got):\n%s", diff)
	}
}

func TestHull(t *testing.T) {
	pts := scanpath.Path{{0, 0}, {1, 0}, {0.5, 0.5}, {1, 1}, {0, 1}, {0.2, 0.7}}
	want := scanpath.Path{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	if diff := cmp.Diff(want, scanpath.Hull(pts)); diff != "" {
		t.Errorf("hull mismatch (-want +got):\n%s", diff)
	}
}

func TestSpecCustom(t *testing.T) {
	s := scanpath.Spec{Type: "custom", XOffsetMM: 0.1, PointsMM: [][]float64{{0, 0}, {0.2, -0.1}}}
	path, err := s.Design()
	if err != nil {
		t.Fatal(err)
	}
	want := scanpath.Path{{1e-4, 0}, {3e-4, -1e-4}}
	if diff := cmp.Diff(want, path, cmpopts.EquateApprox(0, 1e-15)); diff != "" {
		t.Errorf("custom path mismatch (-want +got):\n%s", diff)
	}
	s.PointsMM = [][]float64{{0}}
	if _, err := s.Design(); !errors.Is(err, scanpath.ErrShape) {
		t.Errorf("expected ErrShape, got %v", err)
	}
}

func TestSpecRejects(t *testing.T) {
	for _, s := range []scanpath.Spec{
		{Type: "hexagon", ResolutionUM: 10},
		{Type: "circle", ResolutionUM: 10},
		{Type: "rectangle", XLengthMM: 1, ResolutionUM: 10},
		{Type: "circle", RadiusMM: 1},
	} {
		if _, err := s.Design(); !errors.Is(err, scanpath.ErrInvalidRegion) {
			t.Errorf("%+v: expected ErrInvalidRegion, got %v", s, err)
		}
	}
}
