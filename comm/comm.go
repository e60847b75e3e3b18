/*Package comm provides connection pooling and framing for instruments that
speak line-oriented protocols over TCP or a serial port.

Most usages of this package will boil down to:
	1.  create a Pool with a CreationFunc from BackingOffTCPConnMaker or
		SerialConnMaker
	2.  Get a connection, wrap it in a Terminator (and a Timeout for sockets)
	3.  return it with ReturnWithError, which destroys it if the exchange failed

A minimal example is provided below for a frequency synthesizer that responds
to "freq:lock?" with 1 or 0

	func locked(p *comm.Pool) (bool, error) {
		conn, err := p.Get()
		if err != nil {
			return false, err
		}
		defer func() { p.ReturnWithError(conn, err) }()
		wrap := comm.NewTerminator(conn, '\n', '\n')
		if _, err = io.WriteString(wrap, "freq:lock?"); err != nil {
			return false, err
		}
		buf := make([]byte, 16)
		n, err := wrap.Read(buf)
		return err == nil && string(buf[:n]) == "1", err
	}
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a nil connection is used
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not
	// found before the read buffer is full
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrNoDeadline is generated when a Timeout is requested on a connection
	// that does not support deadlines, such as a serial port
	ErrNoDeadline = errors.New("connection does not support deadlines")
)

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr with an
// exponential backoff.  Refused connections are not retried, since the remote
// is up but not listening; timeouts are retried until 3 seconds have elapsed.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			c, err := TCPSetup(addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", addr, err)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens the serial port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// Terminator frames messages with termination bytes.  Write appends Tx to
// each message; Read returns one message with Rx stripped.
type Terminator struct {
	rw     io.ReadWriter
	Rx, Tx byte
}

// NewTerminator wraps rw with the given receive and transmit terminators
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, Rx: rx, Tx: tx}
}

// Write sends b followed by the Tx terminator.  The returned count excludes
// the terminator.
func (t *Terminator) Write(b []byte) (int, error) {
	if t.rw == nil {
		return 0, ErrNotConnected
	}
	msg := make([]byte, len(b), len(b)+1)
	copy(msg, b)
	n, err := t.rw.Write(append(msg, t.Tx))
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// Read reads one byte at a time until the Rx terminator, so no bytes of a
// following message are consumed and lost with the wrapper
func (t *Terminator) Read(b []byte) (int, error) {
	if t.rw == nil {
		return 0, ErrNotConnected
	}
	var one [1]byte
	n := 0
	for {
		m, err := t.rw.Read(one[:])
		if m == 1 {
			if one[0] == t.Rx {
				return n, nil
			}
			if n == len(b) {
				return n, ErrTerminatorNotFound
			}
			b[n] = one[0]
			n++
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return n, ErrTerminatorNotFound
			}
			return n, err
		}
	}
}

// Unwrap returns the wrapped connection
func (t *Terminator) Unwrap() io.ReadWriter {
	return t.rw
}

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

type unwrapper interface {
	Unwrap() io.ReadWriter
}

// Timeout applies a fresh deadline before every Read and Write
type Timeout struct {
	rw      io.ReadWriter
	dl      deadliner
	timeout time.Duration
}

// NewTimeout wraps rw.  The deadline is set on the first connection in the
// chain of wrappers that supports one; ErrNoDeadline is returned if none do.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) (*Timeout, error) {
	var cur interface{} = rw
	for {
		if d, ok := cur.(deadliner); ok {
			return &Timeout{rw: rw, dl: d, timeout: timeout}, nil
		}
		u, ok := cur.(unwrapper)
		if !ok {
			return nil, ErrNoDeadline
		}
		cur = u.Unwrap()
	}
}

// Read sets the read deadline and reads
func (t *Timeout) Read(b []byte) (int, error) {
	if err := t.dl.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.rw.Read(b)
}

// Write sets the write deadline and writes
func (t *Timeout) Write(b []byte) (int, error) {
	if err := t.dl.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.rw.Write(b)
}

// Unwrap returns the wrapped connection
func (t *Timeout) Unwrap() io.ReadWriter {
	return t.rw
}
