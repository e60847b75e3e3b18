// Package readout acquires vibrometer records from the readout digitizer.
//
// Two boards share one acquisition sequence.  The Analog board returns the
// output of the external mixing circuit unchanged and carries the one-time
// phase calibration of its reference synthesizer.  The Digital board
// demodulates the photodiode channel in software.
package readout

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/nasa-jpl/ldvscan/digitizer"
	"github.com/nasa-jpl/ldvscan/oscilloscope"
	"github.com/nasa-jpl/ldvscan/retry"
)

const (
	// DefaultAttempts is the number of acquisition attempts before giving up
	DefaultAttempts = 3

	// DefaultSegmentDelay is the pause after each software trigger
	DefaultSegmentDelay = time.Millisecond

	// DefaultReadyTimeout is the short wait for a triggered capture
	DefaultReadyTimeout = 100 * time.Millisecond
)

var (
	// ErrAcquisitionTimeout is generated when every acquisition attempt timed out
	ErrAcquisitionTimeout = errors.New("no successful measurement")

	// ErrChannel is generated when a capture lacks a channel the board needs
	ErrChannel = errors.New("channel missing from capture")
)

// Readout is one capture, in volts, optionally tagged with the scan position
// it was taken at
type Readout struct {
	// Time holds the sample times relative to the start of each segment
	Time []float64 `yaml:"-"`

	// DT is the sample spacing, s
	DT float64

	// Channels maps a channel name to its segments of samples
	Channels map[string][][]float64 `yaml:"-"`

	// X and Y are the sample plane position, m
	X, Y float64

	// Tagged is set once a position is attached
	Tagged bool
}

// Tag attaches the position the readout was taken at
func (r *Readout) Tag(x, y float64) {
	r.X, r.Y, r.Tagged = x, y, true
}

// Labels returns the channel names in order
func (r Readout) Labels() []string {
	out := make([]string, 0, len(r.Channels))
	for k := range r.Channels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FromWaveform converts a raw capture to physical units
func FromWaveform(w oscilloscope.Waveform) Readout {
	r := Readout{
		Time:     w.Time(),
		DT:       w.DT,
		Channels: make(map[string][][]float64, len(w.Channels)),
	}
	for name, ch := range w.Channels {
		r.Channels[name] = ch.Physical()
	}
	return r
}

// Waveform returns r as a capture in physical units, for CSV export
func (r Readout) Waveform() oscilloscope.Waveform {
	w := oscilloscope.Waveform{DT: r.DT, Channels: make(map[string]oscilloscope.Channel, len(r.Channels))}
	for name, segs := range r.Channels {
		data := make([]oscilloscope.Data, len(segs))
		for i, s := range segs {
			data[i] = s
		}
		w.Channels[name] = oscilloscope.Channel{Segments: data, Scale: 1}
	}
	return w
}

// Board is a source of readouts
type Board interface {
	Read(attempts int, segmentDelay time.Duration) (Readout, error)
}

// Sequence is the triggered acquisition shared by both boards
type Sequence struct {
	Scope digitizer.Digitizer

	// Segments is the number of software trigger pulses per capture
	Segments int

	// ReadyTimeout bounds the wait for the capture after the last trigger
	ReadyTimeout time.Duration

	Logger *log.Logger
}

func (s *Sequence) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Reconfigure applies a new scope setup, such as the scan setup after the
// calibration of the analog board
func (s *Sequence) Reconfigure(cfg digitizer.Config) error {
	if err := s.Scope.Configure(cfg.Clone()); err != nil {
		return err
	}
	s.Segments = cfg.Trigger.Segments
	return nil
}

// once arms the scope, pulses the trigger and reads the capture
func (s *Sequence) once(segmentDelay time.Duration) (oscilloscope.Waveform, error) {
	if err := s.Scope.Arm(); err != nil {
		return oscilloscope.Waveform{}, err
	}
	for i := 0; i < s.Segments; i++ {
		if err := s.Scope.SoftTrigger(true); err != nil {
			return oscilloscope.Waveform{}, err
		}
		time.Sleep(segmentDelay)
	}
	timeout := s.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	if err := s.Scope.WaitReady(timeout); err != nil {
		return oscilloscope.Waveform{}, err
	}
	return s.Scope.Read()
}

// Acquire captures one readout.  A capture that is not ready in time is
// retried from arming, up to attempts times in total, after which
// ErrAcquisitionTimeout is returned.  Other errors are returned immediately.
func (s *Sequence) Acquire(attempts int, segmentDelay time.Duration) (Readout, error) {
	var wav oscilloscope.Waveform
	op := func() error {
		w, err := s.once(segmentDelay)
		if err != nil {
			return err
		}
		wav = w
		return nil
	}
	retryable := func(err error) bool { return errors.Is(err, digitizer.ErrTimeout) }
	notify := func(err error, remaining int) {
		s.logf("no scope response: remaining attempts: %d", remaining)
	}
	err := retry.Do(attempts, 0, op, retryable, notify)
	var ex *retry.Exhausted
	if errors.As(err, &ex) {
		return Readout{}, fmt.Errorf("%w despite %d attempts: %w", ErrAcquisitionTimeout, ex.Attempts, ex.Last)
	}
	if err != nil {
		return Readout{}, err
	}
	return FromWaveform(wav), nil
}
