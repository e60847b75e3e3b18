/*Package pll controls the Pasternack phase locked synthesizer that provides
the reference tone of the vibrometer readout board.

The synthesizer speaks a small SCPI dialect over TCP, RS232 or USBTMC.  The
transport is chosen from the address:

	host:port          TCP
	usb:VID:PID        USB test and measurement class
	/dev/ttyUSB0, COM3 serial port
*/
package pll

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/nasa-jpl/ldvscan/comm"
	"github.com/nasa-jpl/ldvscan/scpi"
	"github.com/nasa-jpl/ldvscan/usbtmc"
)

// Vendor is the manufacturer string the identity query must contain
const Vendor = "Pasternack"

// ErrNotFound is generated when no address answers as a Pasternack synthesizer
var ErrNotFound = errors.New("PLL was not found")

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: time.Second,
	}
}

func isSerial(addr string) bool {
	return strings.HasPrefix(addr, "/dev/") || strings.HasPrefix(strings.ToUpper(addr), "COM")
}

func usbConnMaker(addr string) (comm.CreationFunc, error) {
	vid, pid, err := usbtmc.ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	term := byte('\n')
	return func() (io.ReadWriteCloser, error) {
		return usbtmc.Open(vid, pid, &term)
	}, nil
}

// Synthesizer is a Pasternack PLL synthesizer
type Synthesizer struct {
	scpi.SCPI

	// Addr is the address the synthesizer was opened at
	Addr string
}

// New returns a synthesizer at addr.  No connection is made until the first
// command.
func New(addr string) (*Synthesizer, error) {
	var maker comm.CreationFunc
	switch {
	case strings.HasPrefix(strings.ToLower(addr), "usb:"):
		m, err := usbConnMaker(addr)
		if err != nil {
			return nil, err
		}
		maker = m
	case isSerial(addr):
		maker = comm.SerialConnMaker(makeSerConf(addr))
	default:
		maker = comm.BackingOffTCPConnMaker(addr, time.Second)
	}
	return &Synthesizer{
		SCPI: scpi.SCPI{Pool: comm.NewPool(1, time.Minute, maker)},
		Addr: addr,
	}, nil
}

// Find returns the first synthesizer in addrs that identifies as a
// Pasternack unit.  Addresses that do not respond are logged and skipped.
func Find(addrs []string) (*Synthesizer, error) {
	for _, addr := range addrs {
		s, err := New(addr)
		if err != nil {
			log.Printf("instrument %s: %v", addr, err)
			continue
		}
		id, err := s.probe()
		if err != nil {
			log.Printf("instrument %s did not respond to IDN query: %v", addr, err)
			s.Close()
			continue
		}
		if strings.Contains(id, Vendor) {
			log.Printf("found PLL at %s: %s", addr, id)
			return s, nil
		}
		s.Close()
	}
	return nil, fmt.Errorf("%w among %d addresses", ErrNotFound, len(addrs))
}

func (s *Synthesizer) probe() (string, error) {
	if err := s.Write("*CLS"); err != nil {
		return "", err
	}
	return s.Identity()
}

// Identity returns the response to *IDN?
func (s *Synthesizer) Identity() (string, error) {
	return s.ReadString("*IDN?")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Locked reports whether the loop is locked
func (s *Synthesizer) Locked() (bool, error) {
	str, err := s.ReadString("freq:lock?")
	return strings.TrimSpace(str) == "1", err
}

// SetOutputEnabled turns the RF output on or off
func (s *Synthesizer) SetOutputEnabled(on bool) error {
	return s.Write("powe:rf " + strconv.Itoa(boolInt(on)))
}

// OutputEnabled reports whether the RF output is on
func (s *Synthesizer) OutputEnabled() (bool, error) {
	i, err := s.ReadInt("powe:rf?")
	return i == 1, err
}

// SetFrequency sets the output frequency in MHz
func (s *Synthesizer) SetFrequency(mhz float64) error {
	return s.Write("freq:set " + strconv.FormatFloat(mhz, 'g', -1, 64))
}

// Frequency returns the output frequency in MHz
func (s *Synthesizer) Frequency() (float64, error) {
	return s.ReadFloat("freq:set?")
}

// SetPower sets the output power in dBm
func (s *Synthesizer) SetPower(dbm float64) error {
	return s.Write("powe:set " + strconv.FormatFloat(dbm, 'g', -1, 64))
}

// Power returns the output power in dBm
func (s *Synthesizer) Power() (float64, error) {
	return s.ReadFloat("powe:set?")
}

// RecallState loads a state saved on the instrument
func (s *Synthesizer) RecallState(id int) error {
	return s.Write("syst:loadstate " + strconv.Itoa(id))
}

// State returns the active saved state
func (s *Synthesizer) State() (int, error) {
	return s.ReadInt("syst:readstate?")
}

// SetExternalReference selects the external (true) or internal reference
func (s *Synthesizer) SetExternalReference(ext bool) error {
	return s.Write("freq:ref:ext " + strconv.Itoa(boolInt(ext)))
}

// ExternalReference reports whether the external reference is selected
func (s *Synthesizer) ExternalReference() (bool, error) {
	i, err := s.ReadInt("freq:ref:ext?")
	return i == 1, err
}

// Close releases the connection
func (s *Synthesizer) Close() error {
	return s.Pool.Close()
}
