// Package storage persists scan records and the session configuration.
//
// Records are flushed in batches, each batch to its own file named after a
// monotonically increasing id.  A file only appears under its final name once
// fully written, so a crash loses at most the batch being flushed.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/snksoft/crc"
	"gopkg.in/yaml.v2"

	"github.com/nasa-jpl/ldvscan/readout"
)

const (
	// SnapshotName is the file the session configuration is written to
	SnapshotName = "config.yml"

	// sessionLayout mirrors asctime with the colons replaced
	sessionLayout = "Mon Jan _2 15-04-05 2006"
)

// ErrEmpty is generated when a record has no channel data
var ErrEmpty = errors.New("record has no data")

var crcTable = crc.NewTable(crc.CRC32)

// Sink accepts ordered batches of records
type Sink interface {
	Flush(records []readout.Readout) (fileID int, err error)
}

// SessionDir returns the folder for a session started at t under root
func SessionDir(root string, t time.Time) string {
	return filepath.Join(root, t.Format(sessionLayout))
}

// Checksum is the CRC-32 of the little endian bytes of the samples
func Checksum(segments [][]float64) uint32 {
	var n int
	for _, s := range segments {
		n += len(s)
	}
	buf := make([]byte, 8*n)
	i := 0
	for _, s := range segments {
		for _, v := range s {
			binary.LittleEndian.PutUint64(buf[i:], math.Float64bits(v))
			i += 8
		}
	}
	return uint32(crcTable.CalculateCRC(buf))
}

// FileName returns the name of the data file with the given id
func FileName(id int) string {
	return fmt.Sprintf("data_%d.fits", id)
}

// FITS writes each batch to a FITS file in Dir.  The primary HDU holds the
// batch metadata; each (record, channel) pair is an image HDU of segment x
// sample, float64.
type FITS struct {
	mu   sync.Mutex
	next int

	// Dir is the session folder
	Dir string
}

// NewFITS creates dir if needed and returns a sink writing to it
func NewFITS(dir string) (*FITS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FITS{Dir: dir}, nil
}

// Flush writes records to the next data file and returns its id
func (f *FITS) Flush(records []readout.Readout) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	tmp, err := os.CreateTemp(f.Dir, ".data_*.tmp")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name()) // no-op once renamed
	if err = writeBatch(tmp, id, records); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("writing data file %d: %w", id, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err = tmp.Close(); err != nil {
		return 0, err
	}
	if err = os.Rename(tmp.Name(), filepath.Join(f.Dir, FileName(id))); err != nil {
		return 0, err
	}
	f.next++
	return id, nil
}

func writeBatch(w *os.File, id int, records []readout.Readout) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	primary, err := fitsio.NewPrimaryHDU(nil)
	if err != nil {
		return err
	}
	defer primary.Close()
	err = primary.Header().Append(
		fitsio.Card{Name: "FILEID", Value: id, Comment: "batch number within the session"},
		fitsio.Card{Name: "NRECORD", Value: len(records), Comment: "records in this file"},
		fitsio.Card{Name: "DATE", Value: time.Now().UTC().Format(time.RFC3339)},
	)
	if err != nil {
		return err
	}
	if err = fits.Write(primary); err != nil {
		return err
	}
	for i, r := range records {
		for _, name := range r.Labels() {
			if err := writeChannel(fits, i, name, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// t0 is the time of the first sample relative to the segment start
func t0(r readout.Readout) float64 {
	if len(r.Time) == 0 {
		return 0
	}
	return r.Time[0]
}

func writeChannel(fits *fitsio.File, index int, name string, r readout.Readout) error {
	segs := r.Channels[name]
	if len(segs) == 0 || len(segs[0]) == 0 {
		return fmt.Errorf("%w: record %d channel %s", ErrEmpty, index, name)
	}
	n := len(segs[0])
	flat := make([]float64, 0, n*len(segs))
	for j, s := range segs {
		if len(s) != n {
			return fmt.Errorf("record %d channel %s: segment %d has %d samples, expected %d", index, name, j, len(s), n)
		}
		flat = append(flat, s...)
	}
	im := fitsio.NewImage(-64, []int{n, len(segs)})
	defer im.Close()
	err := im.Header().Append(
		fitsio.Card{Name: "EXTNAME", Value: fmt.Sprintf("%s_%d", name, index)},
		fitsio.Card{Name: "RECORD", Value: index, Comment: "index within the file"},
		fitsio.Card{Name: "CHANNEL", Value: name},
		fitsio.Card{Name: "X", Value: r.X, Comment: "sample plane position, m"},
		fitsio.Card{Name: "Y", Value: r.Y, Comment: "sample plane position, m"},
		fitsio.Card{Name: "TAGGED", Value: r.Tagged},
		fitsio.Card{Name: "DT", Value: r.DT, Comment: "sample spacing, s"},
		fitsio.Card{Name: "T0", Value: t0(r), Comment: "time of the first sample, s"},
		fitsio.Card{Name: "BUNIT", Value: "V"},
		fitsio.Card{Name: "DATACRC", Value: int(Checksum(segs)), Comment: "CRC-32 of the float64 LE samples"},
	)
	if err != nil {
		return err
	}
	if err = im.Write(flat); err != nil {
		return err
	}
	return fits.Write(im)
}

// Memory keeps flushed batches in memory
type Memory struct {
	mu      sync.Mutex
	Batches [][]readout.Readout
}

// Flush copies records and returns the batch index
func (m *Memory) Flush(records []readout.Readout) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Batches = append(m.Batches, append([]readout.Readout(nil), records...))
	return len(m.Batches) - 1, nil
}

// Records returns every record flushed so far, in order
func (m *Memory) Records() []readout.Readout {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []readout.Readout
	for _, b := range m.Batches {
		out = append(out, b...)
	}
	return out
}

// Snapshot is the configuration of a session, sufficient to reproduce it
type Snapshot struct {
	Started time.Time `yaml:"Started"`

	// Lens is the name of the objective and LensSpec its description
	Lens     string      `yaml:"Lens"`
	LensSpec interface{} `yaml:"LensSpec,omitempty"`

	// Region is the planned region, nil for a custom path
	Region interface{} `yaml:"Region,omitempty"`

	// Path is the full ordered list of points, m
	Path [][2]float64 `yaml:"Path"`

	// Instruments holds the configuration of every instrument by role
	Instruments map[string]interface{} `yaml:"Instruments"`
}

// WriteSnapshot writes s to dir/config.yml
func WriteSnapshot(dir string, s Snapshot) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, SnapshotName), b, 0o644)
}

// ReadSnapshot reads a snapshot written by WriteSnapshot
func ReadSnapshot(dir string) (Snapshot, error) {
	var s Snapshot
	b, err := os.ReadFile(filepath.Join(dir, SnapshotName))
	if err != nil {
		return s, err
	}
	err = yaml.Unmarshal(b, &s)
	return s, err
}
