package storage_test

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/ldvscan/readout"
	"github.com/nasa-jpl/ldvscan/storage"
)

func record(x, y float64) readout.Readout {
	r := readout.Readout{DT: 2e-9, Channels: map[string][][]float64{}}
	for _, ch := range []string{"A", "B"} {
		segs := make([][]float64, 3)
		for s := range segs {
			segs[s] = make([]float64, 8)
			for i := range segs[s] {
				segs[s][i] = math.Sin(float64(i)+x*1e4) * float64(s+1)
			}
		}
		r.Channels[ch] = segs
	}
	r.Tag(x, y)
	return r
}

func openFITS(t *testing.T, path string) *fitsio.File {
	t.Helper()
	fh, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fh.Close() })
	f, err := fitsio.Open(fh)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func card(t *testing.T, hdu fitsio.HDU, name string) interface{} {
	t.Helper()
	c := hdu.Header().Get(name)
	if c == nil {
		t.Fatalf("card %s missing", name)
	}
	return c.Value
}

func TestFITSFlush(t *testing.T) {
	dir := t.TempDir()
	sink, err := storage.NewFITS(dir)
	if err != nil {
		t.Fatal(err)
	}
	batch := []readout.Readout{record(1e-4, -2e-4), record(3e-4, 0)}
	for want := 0; want < 2; want++ {
		id, err := sink.Flush(batch)
		if err != nil {
			t.Fatal(err)
		}
		if id != want {
			t.Errorf("flush %d returned id %d", want, id)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temporary file %s left behind", e.Name())
		}
	}

	f := openFITS(t, filepath.Join(dir, storage.FileName(1)))
	hdus := f.HDUs()
	if len(hdus) != 1+2*2 {
		t.Fatalf("expected a primary and 4 image HDUs, got %d", len(hdus))
	}
	if got := fmt.Sprint(card(t, hdus[0], "NRECORD")); got != "2" {
		t.Errorf("NRECORD = %s", got)
	}
	// record 1, channel B
	hdu := hdus[4]
	if got := card(t, hdu, "CHANNEL"); got != "B" {
		t.Errorf("CHANNEL = %v", got)
	}
	if x, ok := card(t, hdu, "X").(float64); !ok || math.Abs(x-3e-4) > 1e-12 {
		t.Errorf("X = %v", card(t, hdu, "X"))
	}
	if got := fmt.Sprint(card(t, hdu, "T0")); got != "0" {
		t.Errorf("T0 = %v", got)
	}
	want := batch[1].Channels["B"]
	if diff := cmp.Diff([]int{8, 3}, hdu.Header().Axes()); diff != "" {
		t.Errorf("axes mismatch (-want +got):\n%s", diff)
	}
	data := make([]float64, 24)
	if err := hdu.(fitsio.Image).Read(&data); err != nil {
		t.Fatal(err)
	}
	var flat []float64
	for _, s := range want {
		flat = append(flat, s...)
	}
	if diff := cmp.Diff(flat, data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if got, want := fmt.Sprint(card(t, hdu, "DATACRC")), fmt.Sprint(storage.Checksum(want)); got != want {
		t.Errorf("DATACRC = %s, expected %s", got, want)
	}
}

func TestFITSFlushEmpty(t *testing.T) {
	dir := t.TempDir()
	sink, err := storage.NewFITS(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sink.Flush(nil); err != nil {
		t.Fatal(err)
	}
	f := openFITS(t, filepath.Join(dir, storage.FileName(0)))
	if got := fmt.Sprint(card(t, f.HDU(0), "NRECORD")); got != "0" {
		t.Errorf("NRECORD = %s", got)
	}
}

func TestFITSFlushFailureKeepsID(t *testing.T) {
	dir := t.TempDir()
	sink, err := storage.NewFITS(dir)
	if err != nil {
		t.Fatal(err)
	}
	bad := record(0, 0)
	bad.Channels["A"][1] = bad.Channels["A"][1][:4]
	if _, err := sink.Flush([]readout.Readout{bad}); err == nil {
		t.Fatal("ragged segments were accepted")
	}
	empty := readout.Readout{Channels: map[string][][]float64{"A": nil}}
	if _, err := sink.Flush([]readout.Readout{empty}); !errors.Is(err, storage.ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, storage.FileName(0))); !os.IsNotExist(err) {
		t.Error("a failed flush left a data file")
	}
	id, err := sink.Flush([]readout.Readout{record(0, 0)})
	if err != nil || id != 0 {
		t.Errorf("next flush returned %d, %v", id, err)
	}
}

func TestChecksumDetectsChange(t *testing.T) {
	a := [][]float64{{1, 2, 3}}
	b := [][]float64{{1, 2, 3.0000001}}
	if storage.Checksum(a) == storage.Checksum(b) {
		t.Error("checksum did not change with the data")
	}
	if storage.Checksum(a) != storage.Checksum([][]float64{{1}, {2, 3}}) {
		t.Error("checksum should depend only on the sample sequence")
	}
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := storage.Snapshot{
		Started:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Lens:        "4x",
		Path:        [][2]float64{{0, 0}, {1e-4, 0}},
		Instruments: map[string]interface{}{"pll": map[string]interface{}{"State": 1}},
	}
	if err := storage.WriteSnapshot(dir, s); err != nil {
		t.Fatal(err)
	}
	got, err := storage.ReadSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.Lens != s.Lens || !got.Started.Equal(s.Started) {
		t.Errorf("snapshot header mismatch: %+v", got)
	}
	if diff := cmp.Diff(s.Path, got.Path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionDir(t *testing.T) {
	got := storage.SessionDir("results", time.Date(2024, 3, 7, 9, 5, 3, 0, time.UTC))
	want := filepath.Join("results", "Thu Mar  7 09-05-03 2024")
	if got != want {
		t.Errorf("SessionDir = %q, want %q", got, want)
	}
}

func TestMemory(t *testing.T) {
	var m storage.Memory
	for i := 0; i < 3; i++ {
		id, _ := m.Flush([]readout.Readout{record(float64(i), 0)})
		if id != i {
			t.Errorf("flush %d returned id %d", i, id)
		}
	}
	if len(m.Records()) != 3 {
		t.Errorf("expected 3 records, got %d", len(m.Records()))
	}
}
