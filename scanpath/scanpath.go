// Package scanpath plans the ordered sequence of sample points a scan visits.
//
// Circles and rectangles are filled with a triangular lattice, two interleaved
// rectangular sub-lattices offset by half a column and half a row, clipped to
// the region outline.  The order of the returned points is row-major within
// each sub-lattice, the first sub-lattice before the second, and is part of the
// contract: the same request always yields the same sequence.
//
// All coordinates are in meters in the sample plane.
package scanpath

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// CircleSamples is the number of vertices of the polygon approximating a
// circle outline
const CircleSamples = 1000

var (
	// ErrShape is generated when a custom path is not a list of (x, y) pairs
	ErrShape = errors.New("custom scan path must be an N x 2 list of points")

	// ErrInvalidRegion is generated for regions with no area or a bad resolution
	ErrInvalidRegion = errors.New("invalid scan region")
)

// Point is a position in the sample plane
type Point struct {
	X float64 `yaml:"X"`
	Y float64 `yaml:"Y"`
}

// Add returns p+q
func (p Point) Add(q Point) Point {
	return Point{X: p.X + q.X, Y: p.Y + q.Y}
}

// Path is an ordered list of points
type Path []Point

// Region is an area of the sample to scan
type Region interface {
	// Boundary returns the closed outline of the region
	Boundary() Path
}

// Circle is a disk of the given radius around Offset
type Circle struct {
	Radius float64
	Offset Point
}

// Boundary returns CircleSamples points on the circle, first and last equal
func (c Circle) Boundary() Path {
	out := make(Path, CircleSamples)
	step := 2 * math.Pi / float64(CircleSamples-1)
	for i := range out {
		theta := float64(i) * step
		out[i] = Point{X: c.Radius * math.Cos(theta), Y: c.Radius * math.Sin(theta)}.Add(c.Offset)
	}
	return out
}

// Rectangle is centered on Offset with the given half extents
type Rectangle struct {
	HalfWidth  float64
	HalfHeight float64
	Offset     Point
}

// Boundary returns the closed list of corners
func (r Rectangle) Boundary() Path {
	w, h := r.HalfWidth, r.HalfHeight
	out := Path{{-w, -h}, {w, -h}, {w, h}, {-w, h}, {-w, -h}}
	for i := range out {
		out[i] = out[i].Add(r.Offset)
	}
	return out
}

// Custom is an explicit list of points scanned in order
type Custom struct {
	Points Path
}

// NewCustom builds a custom path from rows of (x, y)
func NewCustom(rows [][]float64) (Custom, error) {
	if len(rows) == 0 {
		return Custom{}, fmt.Errorf("%w: no points", ErrShape)
	}
	pts := make(Path, len(rows))
	for i, r := range rows {
		if len(r) != 2 {
			return Custom{}, fmt.Errorf("%w: row %d has %d columns", ErrShape, i, len(r))
		}
		if !finite(r[0]) || !finite(r[1]) {
			return Custom{}, fmt.Errorf("%w: row %d is (%g, %g)", ErrShape, i, r[0], r[1])
		}
		pts[i] = Point{X: r[0], Y: r[1]}
	}
	return Custom{Points: pts}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Boundary returns the convex hull of the points
func (c Custom) Boundary() Path {
	return Hull(c.Points)
}

// arange mirrors the half-open [start, stop) sequence with a fixed step
func arange(start, stop, step float64) []float64 {
	n := int(math.Ceil((stop - start) / step))
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// Design fills region with a triangular lattice of the given resolution
// (nearest neighbor distance, meters).  A Custom region is returned as-is.
func Design(region Region, resolution float64) (Path, error) {
	if c, ok := region.(Custom); ok {
		if len(c.Points) == 0 {
			return nil, fmt.Errorf("%w: no points", ErrShape)
		}
		return append(Path(nil), c.Points...), nil
	}
	if !(resolution > 0) {
		return nil, fmt.Errorf("%w: resolution must be positive, got %g", ErrInvalidRegion, resolution)
	}
	border := region.Boundary()
	lo, hi := Bounds(border)
	if !(hi.X > lo.X) || !(hi.Y > lo.Y) {
		return nil, fmt.Errorf("%w: region has no area", ErrInvalidRegion)
	}
	h := resolution * math.Sqrt(3) / 2
	xs := arange(lo.X, hi.X, h)
	ys := arange(lo.Y, hi.Y, 2*h)

	var out Path
	for _, shift := range []Point{{0, 0}, {0.5 * h, h}} {
		for _, y := range ys {
			for _, x := range xs {
				p := Point{X: x + shift.X, Y: y + shift.Y}
				if Contains(border, p) {
					out = append(out, p)
				}
			}
		}
	}
	return out, nil
}

// Contains reports whether p is inside the polygon by the even-odd rule
func Contains(polygon Path, p Point) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		a, b := polygon[i], polygon[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			xcross := a.X + (p.Y-a.Y)*(b.X-a.X)/(b.Y-a.Y)
			if p.X < xcross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Bounds returns the lower left and upper right corners of the bounding box
func Bounds(path Path) (lo, hi Point) {
	if len(path) == 0 {
		return
	}
	lo, hi = path[0], path[0]
	for _, p := range path[1:] {
		lo.X = math.Min(lo.X, p.X)
		lo.Y = math.Min(lo.Y, p.Y)
		hi.X = math.Max(hi.X, p.X)
		hi.Y = math.Max(hi.Y, p.Y)
	}
	return lo, hi
}

func cross(o, a, b Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

// Hull returns the convex hull of path in counter-clockwise order, starting
// from the lowest-leftmost point, without repeating it
func Hull(path Path) Path {
	pts := append(Path(nil), path...)
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].X != pts[j].X {
			return pts[i].X < pts[j].X
		}
		return pts[i].Y < pts[j].Y
	})
	if len(pts) < 3 {
		return pts
	}
	hull := make(Path, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

// Spec is the configuration form of a region
type Spec struct {
	// Type is circle, rectangle or custom
	Type string `koanf:"type" yaml:"Type"`

	RadiusMM float64 `koanf:"radiusmm" yaml:"RadiusMM,omitempty"`

	// XLengthMM and YLengthMM are the half extents of a rectangle
	XLengthMM float64 `koanf:"xlengthmm" yaml:"XLengthMM,omitempty"`
	YLengthMM float64 `koanf:"ylengthmm" yaml:"YLengthMM,omitempty"`

	ResolutionUM float64 `koanf:"resolutionum" yaml:"ResolutionUM"`
	XOffsetMM    float64 `koanf:"xoffsetmm" yaml:"XOffsetMM,omitempty"`
	YOffsetMM    float64 `koanf:"yoffsetmm" yaml:"YOffsetMM,omitempty"`

	// PointsMM lists the (x, y) points of a custom path, scanned in order
	PointsMM [][]float64 `koanf:"pointsmm" yaml:"PointsMM,omitempty"`
}

// Region converts the region description to a Region in meters
func (s Spec) Region() (Region, error) {
	off := Point{X: s.XOffsetMM * 1e-3, Y: s.YOffsetMM * 1e-3}
	switch s.Type {
	case "circle":
		if s.RadiusMM <= 0 {
			return nil, fmt.Errorf("%w: circle radius must be positive", ErrInvalidRegion)
		}
		return Circle{Radius: s.RadiusMM * 1e-3, Offset: off}, nil
	case "rectangle":
		if s.XLengthMM <= 0 || s.YLengthMM <= 0 {
			return nil, fmt.Errorf("%w: rectangle lengths must be positive", ErrInvalidRegion)
		}
		return Rectangle{HalfWidth: s.XLengthMM * 1e-3, HalfHeight: s.YLengthMM * 1e-3, Offset: off}, nil
	case "custom":
		c, err := NewCustom(s.PointsMM)
		if err != nil {
			return nil, err
		}
		for i, p := range c.Points {
			c.Points[i] = Point{X: p.X * 1e-3, Y: p.Y * 1e-3}.Add(off)
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: scan path types can only be circle, rectangle and custom, got %q", ErrInvalidRegion, s.Type)
}

// Design plans the path described by s
func (s Spec) Design() (Path, error) {
	r, err := s.Region()
	if err != nil {
		return nil, err
	}
	return Design(r, s.ResolutionUM*1e-6)
}
