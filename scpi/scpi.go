// Package scpi speaks newline-framed SCPI over a pooled connection.  The
// frequency synthesizer of the readout board is driven through it, over TCP,
// RS232 or USBTMC alike.
package scpi

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/ldvscan/comm"
)

const (
	// DefaultTimeout bounds every read and write on a socket
	DefaultTimeout = 5 * time.Second

	frameSize = 1500
)

// ErrDevice is wrapped by errors reported in the device error queue
var ErrDevice = errors.New("instrument reported an error")

// SCPI sends commands to one instrument
type SCPI struct {
	Pool *comm.Pool

	// Handshaking clears the error queue before each message and queries it
	// after, so a rejected command surfaces as ErrDevice
	Handshaking bool

	// Timeout bounds each exchange on connections that support deadlines,
	// DefaultTimeout if zero
	Timeout time.Duration
}

// wrap frames conn with newlines and applies the timeout where possible
func (s *SCPI) wrap(conn io.ReadWriter) (io.ReadWriter, error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	term := comm.NewTerminator(conn, '\n', '\n')
	t, err := comm.NewTimeout(term, timeout)
	if errors.Is(err, comm.ErrNoDeadline) {
		// serial ports carry their timeout in the port configuration
		return term, nil
	}
	return t, err
}

func (s *SCPI) decorate(cmds []string) string {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	return strings.Join(cmds, " ")
}

func checkErrorCode(str string) error {
	str = strings.TrimSpace(str)
	if strings.HasPrefix(str, "+0") || strings.HasPrefix(str, "0,") || str == "0" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDevice, str)
}

// Write sends setting commands.  With Handshaking the error queue is
// checked afterwards.
func (s *SCPI) Write(cmds ...string) error {
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap, err = s.wrap(conn)
	if err != nil {
		return err
	}
	_, err = io.WriteString(wrap, s.decorate(cmds))
	if err != nil {
		return err
	}
	if s.Handshaking {
		buf := make([]byte, frameSize)
		var n int
		n, err = wrap.Read(buf)
		if err != nil {
			return err
		}
		return checkErrorCode(string(buf[:n]))
	}
	return nil
}

// WriteRead sends a query and returns the raw reply line.  With Handshaking
// the error code trailing the reply is checked and stripped.
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return nil, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap, err = s.wrap(conn)
	if err != nil {
		return nil, err
	}
	_, err = io.WriteString(wrap, s.decorate(cmds))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, frameSize)
	var n int
	n, err = wrap.Read(buf)
	if err != nil {
		return nil, err
	}
	resp := buf[:n]
	if s.Handshaking {
		str := string(resp)
		i := strings.LastIndexByte(str, ';')
		if i < 0 {
			return resp, fmt.Errorf("%w: no error code in %q", ErrDevice, str)
		}
		if err := checkErrorCode(str[i+1:]); err != nil {
			return resp, err
		}
		return resp[:i], nil
	}
	return resp, nil
}

// ReadString returns the reply to a query without its line ending
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	return strings.TrimRight(string(resp), "\r\n"), err
}

// ReadFloat parses the reply to a query as a float
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool parses a 0/1 reply
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt parses the reply to a query as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// Raw sends str without handshaking.  The reply is returned for queries,
// those containing '?'.
func (s *SCPI) Raw(str string) (string, error) {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}

// PopError reads the oldest entry of the error queue, nil if it is empty
func (s *SCPI) PopError() error {
	str, err := s.ReadString("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return checkErrorCode(str)
}
