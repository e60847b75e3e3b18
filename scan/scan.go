// Package scan runs a vibrometer scan: the beam visits every point of a path,
// a readout is acquired at each one and the results are flushed to storage in
// batches.
//
// The scan is strictly sequential.  A point is never read while the mirrors
// are moving, and an unrecoverable positioning or acquisition error aborts
// the scan so the operator can intervene.
package scan

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nasa-jpl/ldvscan/readout"
	"github.com/nasa-jpl/ldvscan/scanpath"
)

// CenteringPrompt is asked after each round of the centering test
const CenteringPrompt = "is the scanner well-centered?"

var (
	// ErrEmptyPath is generated when a scan has no points
	ErrEmptyPath = errors.New("scan path has no points")

	// ErrFileID is generated when a sink returns a file id that does not
	// increase
	ErrFileID = errors.New("storage returned a non-increasing file id")
)

// Positioner steers the beam to a position in the sample plane
type Positioner interface {
	Move(x, y float64, attempts int) error
}

// Sink stores batches of readouts
type Sink interface {
	Flush(records []readout.Readout) (fileID int, err error)
}

// Options control a scan
type Options struct {
	// Attempts is passed to the positioner and the board
	Attempts int `koanf:"attempts" yaml:"Attempts"`

	// FlushEvery is the number of points between flushes
	FlushEvery int `koanf:"flushevery" yaml:"FlushEvery"`

	// SegmentDelay is the pause after each trigger of a capture
	SegmentDelay time.Duration `koanf:"segmentdelay" yaml:"SegmentDelay"`

	// Dwell is the pause between a move and the readout
	Dwell time.Duration `koanf:"dwell" yaml:"Dwell"`
}

// DefaultOptions returns three attempts, a flush every 100 points, 1 ms
// between segments and a 100 ms dwell
func DefaultOptions() Options {
	return Options{Attempts: 3, FlushEvery: 100, SegmentDelay: time.Millisecond, Dwell: 100 * time.Millisecond}
}

// Buffer accumulates readouts between flushes
type Buffer struct {
	records []readout.Readout
	lastID  int
	flushes int
}

// Append adds r to the buffer
func (b *Buffer) Append(r readout.Readout) {
	b.records = append(b.records, r)
}

// Len returns the number of buffered readouts
func (b *Buffer) Len() int { return len(b.records) }

// Flushes returns the number of successful flushes
func (b *Buffer) Flushes() int { return b.flushes }

// Flush hands the buffered readouts to s and clears the buffer.  On error the
// readouts are kept.
func (b *Buffer) Flush(s Sink) (int, error) {
	id, err := s.Flush(b.records)
	if err != nil {
		return 0, err
	}
	if b.flushes > 0 && id <= b.lastID {
		return id, fmt.Errorf("%w: %d after %d", ErrFileID, id, b.lastID)
	}
	b.lastID = id
	b.flushes++
	b.records = b.records[:0:0]
	return id, nil
}

// Progress is called after each point with its index, the number of points
// and the readout taken there
type Progress func(i, n int, r readout.Readout)

// Scanner owns the instruments of a scan
type Scanner struct {
	Positioner Positioner
	Board      readout.Board
	Sink       Sink

	// Progress, if not nil, is called after every point
	Progress Progress

	Logger *log.Logger

	path scanpath.Path
	buf  Buffer
	last readout.Readout
}

// New returns a scanner over path
func New(pos Positioner, board readout.Board, sink Sink, path scanpath.Path) (*Scanner, error) {
	s := &Scanner{Positioner: pos, Board: board, Sink: sink}
	if err := s.SetPath(path); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scanner) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// SetPath replaces the path of the next scan
func (s *Scanner) SetPath(path scanpath.Path) error {
	if len(path) == 0 {
		return ErrEmptyPath
	}
	s.path = append(scanpath.Path(nil), path...)
	return nil
}

// Path returns a copy of the scan path
func (s *Scanner) Path() scanpath.Path {
	return append(scanpath.Path(nil), s.path...)
}

// Buffer returns the buffer of readouts not yet flushed
func (s *Scanner) Buffer() *Buffer { return &s.buf }

func (s *Scanner) flush() error {
	n := s.buf.Len()
	id, err := s.buf.Flush(s.Sink)
	if err != nil {
		return err
	}
	s.logf("flushed %d readouts to file %d", n, id)
	return nil
}

// Run visits every point of the path.  The buffer is flushed at every
// FlushEvery-th point and once more at the end.  The first error aborts the
// scan; the readouts taken so far are flushed before it is returned.
func (s *Scanner) Run(o Options) error {
	if o.FlushEvery < 1 {
		o.FlushEvery = DefaultOptions().FlushEvery
	}
	n := len(s.path)
	for i, p := range s.path {
		if err := s.visit(i, p, o); err != nil {
			if ferr := s.flush(); ferr != nil {
				return errors.Join(err, fmt.Errorf("saving readouts after abort: %w", ferr))
			}
			return err
		}
		if i > 0 && i%o.FlushEvery == 0 {
			if err := s.flush(); err != nil {
				return fmt.Errorf("point %d: %w", i, err)
			}
		}
		if s.Progress != nil {
			s.Progress(i, n, s.last)
		}
	}
	if err := s.flush(); err != nil {
		return err
	}
	s.logf("scan completed successfully, %d points", n)
	return nil
}

func (s *Scanner) visit(i int, p scanpath.Point, o Options) error {
	if err := s.Positioner.Move(p.X, p.Y, o.Attempts); err != nil {
		return fmt.Errorf("moving to point %d (%g, %g) m: %w", i, p.X, p.Y, err)
	}
	time.Sleep(o.Dwell)
	r, err := s.Board.Read(o.Attempts, o.SegmentDelay)
	if err != nil {
		return fmt.Errorf("reading point %d (%g, %g) m: %w", i, p.X, p.Y, err)
	}
	r.Tag(p.X, p.Y)
	s.buf.Append(r)
	s.last = r
	return nil
}

// CenteringTest traces the convex hull of the path loops times, then asks the
// operator whether the beam is centered on the sample, repeating until they
// confirm
func (s *Scanner) CenteringTest(c readout.Confirmer, loops int, o Options) error {
	border := scanpath.Hull(s.path)
	for {
		for l := 0; l < loops; l++ {
			for _, p := range border {
				if err := s.Positioner.Move(p.X, p.Y, o.Attempts); err != nil {
					return fmt.Errorf("centering test: %w", err)
				}
				time.Sleep(o.Dwell)
			}
		}
		ok, err := c.Confirm(CenteringPrompt)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}
