package demod

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// TukeyAlpha is the taper fraction applied before low-pass filtering
const TukeyAlpha = 0.2

// section is one second order stage, a0 normalized to 1
type section struct {
	b0, b1, b2 float64
	a1, a2     float64
}

func (s section) dcGain() float64 {
	return (s.b0 + s.b1 + s.b2) / (1 + s.a1 + s.a2)
}

// Lowpass is a zero-phase Butterworth low-pass filter
type Lowpass struct {
	sections []section
}

// NewLowpass designs a Butterworth low-pass of the given order whose -3 dB
// point is at cutoff, for data sampled at fs.  The design is a cascade of
// second order sections from the bilinear transform with a prewarped cutoff.
func NewLowpass(order int, cutoff, fs float64) (*Lowpass, error) {
	if order < 1 {
		return nil, fmt.Errorf("%w: filter order must be at least 1, got %d", ErrConfig, order)
	}
	if !(cutoff > 0) || !(cutoff < fs/2) {
		return nil, fmt.Errorf("%w: cutoff %g Hz must be within (0, %g) Hz", ErrConfig, cutoff, fs/2)
	}
	k := math.Tan(math.Pi * cutoff / fs)
	k2 := k * k
	lp := &Lowpass{}
	for i := 1; i <= order/2; i++ {
		q := 1 / (2 * math.Sin(float64(2*i-1)*math.Pi/float64(2*order)))
		norm := 1 / (1 + k/q + k2)
		b0 := k2 * norm
		lp.sections = append(lp.sections, section{
			b0: b0, b1: 2 * b0, b2: b0,
			a1: 2 * (k2 - 1) * norm,
			a2: (1 - k/q + k2) * norm,
		})
	}
	if order%2 == 1 {
		b0 := k / (k + 1)
		lp.sections = append(lp.sections, section{b0: b0, b1: b0, a1: (k - 1) / (k + 1)})
	}
	return lp, nil
}

// Response returns the magnitude of the one-pass frequency response at f
func (lp *Lowpass) Response(f, fs float64) float64 {
	w := 2 * math.Pi * f / fs
	z1 := complex(math.Cos(w), -math.Sin(w))
	z2 := z1 * z1
	h := complex(1, 0)
	for _, s := range lp.sections {
		num := complex(s.b0, 0) + complex(s.b1, 0)*z1 + complex(s.b2, 0)*z2
		den := 1 + complex(s.a1, 0)*z1 + complex(s.a2, 0)*z2
		h *= num / den
	}
	return math.Hypot(real(h), imag(h))
}

// padLen is the length of the odd extension at each end
func (lp *Lowpass) padLen(n int) int {
	p := 3 * (2*len(lp.sections) + 1)
	if p > n-1 {
		p = n - 1
	}
	return p
}

// steadyState returns the per-section state for a unit step input
func (lp *Lowpass) steadyState() [][2]float64 {
	zi := make([][2]float64, len(lp.sections))
	scale := 1.
	for i, s := range lp.sections {
		g := s.dcGain()
		zi[i] = [2]float64{scale * (g - s.b0), scale * (s.b2 - s.a2*g)}
		scale *= g
	}
	return zi
}

// run filters x in place through every section in transposed direct form II,
// the states start at zi scaled by x0
func (lp *Lowpass) run(x []float64, zi [][2]float64, x0 float64) {
	for i, s := range lp.sections {
		z1, z2 := zi[i][0]*x0, zi[i][1]*x0
		for j, in := range x {
			out := s.b0*in + z1
			z1 = s.b1*in - s.a1*out + z2
			z2 = s.b2*in - s.a2*out
			x[j] = out
		}
	}
}

// Filter applies the filter forward and backward to x.  The ends are extended
// by odd reflection and the states initialized to their steady state so the
// output has no start-up transient.
func (lp *Lowpass) Filter(x []float64) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return []float64{x[0]}
	}
	p := lp.padLen(n)
	ext := make([]float64, n+2*p)
	for i := 0; i < p; i++ {
		ext[i] = 2*x[0] - x[p-i]
		ext[n+p+i] = 2*x[n-1] - x[n-2-i]
	}
	copy(ext[p:], x)

	zi := lp.steadyState()
	lp.run(ext, zi, ext[0])
	floats.Reverse(ext)
	lp.run(ext, zi, ext[0])
	floats.Reverse(ext)
	out := make([]float64, n)
	copy(out, ext[p:p+n])
	return out
}

// Tukey returns the symmetric tapered cosine window of length n.  alpha is the
// fraction of the window inside the cosine tapers; 0 is rectangular and 1 is
// a Hann window.
func Tukey(n int, alpha float64) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	if n <= 1 || alpha <= 0 {
		return w
	}
	if alpha > 1 {
		alpha = 1
	}
	m := float64(n - 1)
	width := int(math.Floor(alpha * m / 2))
	for i := 0; i <= width; i++ {
		w[i] = 0.5 * (1 + math.Cos(math.Pi*(-1+2*float64(i)/(alpha*m))))
	}
	for i := n - width - 1; i < n; i++ {
		w[i] = 0.5 * (1 + math.Cos(math.Pi*(-2/alpha+1+2*float64(i)/(alpha*m))))
	}
	return w
}

// Apply tapers x with a Tukey window and filters it with zero phase
func (lp *Lowpass) Apply(x []float64) []float64 {
	tapered := make([]float64, len(x))
	floats.MulTo(tapered, x, Tukey(len(x), TukeyAlpha))
	return lp.Filter(tapered)
}
