// Package oscilloscope provides type definitions for captures recorded by
// digitizers in block or rapid-block mode
package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// Waveform describes a recording from a scope.  In rapid-block mode each
// channel holds one segment per trigger event, all of the same length.
type Waveform struct {
	// DT is the temporal sample spacing in seconds
	DT float64 `json:"dt"`

	// PreTrigger is the number of samples recorded before the trigger
	PreTrigger int `json:"preTrigger"`

	// Channels holds named data streams
	Channels map[string]Channel
}

// Channel represents a stream of data from an ADC.  To convert to physical units,
// compute (data-reference)*scale+offset
type Channel struct {
	// Segments holds one buffer per captured segment, []int8, []int16, []uint16 or []float64
	Segments []Data

	// Scale is the vertical scale of the data or size of a single increment
	// in Data's native dtype
	Scale float64

	// Offset is the offset applied to the data
	Offset float64

	// Reference is the reference value for the given channel in DN
	Reference float64
}

// Data is a moniker for an empty interface, expected to be a slice of a concrete
// numerical type
type Data interface{}

func (c Channel) convert(v Data) []float64 {
	switch v := v.(type) {
	case []int8:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	case []int16:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	case []uint16:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	case []float64:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = ((v[i] - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	default:
		panic("attempt to convert non numerical data to physical units")
	}
}

// Physical computes the data scaled to real units, one slice per segment
func (c Channel) Physical() [][]float64 {
	out := make([][]float64, len(c.Segments))
	for i, seg := range c.Segments {
		out[i] = c.convert(seg)
	}
	return out
}

// Mean is the average of the channel over every segment, in physical units
func (c Channel) Mean() float64 {
	var (
		sum float64
		n   int
	)
	for _, seg := range c.Physical() {
		for _, v := range seg {
			sum += v
		}
		n += len(seg)
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// MeanAbs is the average magnitude of the channel over every segment
func (c Channel) MeanAbs() float64 {
	var (
		sum float64
		n   int
	)
	for _, seg := range c.Physical() {
		for _, v := range seg {
			sum += math.Abs(v)
		}
		n += len(seg)
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Samples returns the number of samples per segment
func (wav *Waveform) Samples() int {
	for _, ch := range wav.Channels {
		if len(ch.Segments) == 0 {
			continue
		}
		return len(ch.convert(ch.Segments[0]))
	}
	return 0
}

// Time returns the sample times relative to the start of the segment
func (wav *Waveform) Time() []float64 {
	n := wav.Samples()
	t := make([]float64, n)
	for i := range t {
		t[i] = float64(i) * wav.DT
	}
	return t
}

// Labels returns the channel names in sorted order
func (wav *Waveform) Labels() []string {
	labels := make([]string, 0, len(wav.Channels))
	for k := range wav.Channels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// EncodeCSV converts the waveform data to physical units
// and writes it to a CSV in streaming fashion.  There is one column
// per (channel, segment), labeled e.g. A[0]
func (wav *Waveform) EncodeCSV(w io.Writer) error {
	var (
		labels = []string{"time"}
		data   [][]float64
	)
	for _, name := range wav.Labels() {
		for j, seg := range wav.Channels[name].Physical() {
			labels = append(labels, fmt.Sprintf("%s[%d]", name, j))
			data = append(data, seg)
		}
	}
	t := wav.Time()
	bw := bufio.NewWriter(w)
	writer := csv.NewWriter(bw)
	if err := writer.Write(labels); err != nil {
		return err
	}
	row := make([]string, len(labels))
	for i := range t {
		row[0] = strconv.FormatFloat(t[i], 'G', -1, 64)
		for j := range data {
			row[j+1] = strconv.FormatFloat(data[j][i], 'G', -1, 64)
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return bw.Flush()
}
