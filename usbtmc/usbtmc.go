/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, and a Device that exposes the bulk transfer
endpoints as an io.ReadWriteCloser so it can be pooled and framed like a socket.

It does not include features to support multi-packet messaging, and thus
assumes each message fits in the remote's buffer.

To send a message:
1.  Write the bulk-out header
2.  Write your data
3.  Pad the total transmission to a multiple of 4 bytes

To receive a message:
1.  Send a bulk-in request header on the Out endpoint
2.  Read from the In endpoint and strip the 12 byte header
*/
package usbtmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/gousb"
)

const (
	// reserved is the byte to insert in reserved header fields
	reserved = 0x00

	headerSize = 12
	alignment  = 4

	msgOut = 0x01 // DEV_DEP_MSG_OUT
	msgIn  = 0x02 // REQUEST_DEV_DEP_MSG_IN

	// bufSize is the largest transfer requested from the device
	bufSize = 1500
)

var (
	// ErrHeader is generated when a bulk-in response has a malformed header
	ErrHeader = errors.New("malformed USBTMC bulk-in header")

	// ErrAddress is generated when a usb:VID:PID address cannot be parsed
	ErrAddress = errors.New("USB address must look like usb:VID:PID in hex")
)

// bTagGen is a concurrent-safe bTag generator.  Tags run 1..255 and never 0.
type bTagGen struct {
	sync.Mutex
	value byte
}

func (b *bTagGen) next() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(tag byte, datalen int) [headerSize]byte {
	/* data map by offset:
	0 MsgID
	1 bTag, unique and incrementing with each message
	2 bTagInverse
	3 Reserved
	4-7 transferSize, message bytes exclusive of header and alignment, LSB first
	8 bitmap, bit 0 is EOM
	9-11 reserved
	*/
	var out [headerSize]byte
	out[0] = msgOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // end of message
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil the device is told to ignore the termination character
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	var out [headerSize]byte
	out[0] = msgIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// decBulkInHeader validates the header of a bulk-in transfer sent in reply to
// the request tagged tag and returns the payload size
func decBulkInHeader(b []byte, tag byte) (int, error) {
	if len(b) < headerSize {
		return 0, fmt.Errorf("%w: only %d bytes", ErrHeader, len(b))
	}
	if b[0] != msgIn {
		return 0, fmt.Errorf("%w: message id %#x", ErrHeader, b[0])
	}
	if b[1] != tag || b[2] != invbTag(tag) {
		return 0, fmt.Errorf("%w: bTag %d does not match request %d", ErrHeader, b[1], tag)
	}
	return int(binary.LittleEndian.Uint32(b[4:8])), nil
}

// pad appends zeros until len(b) is a multiple of alignment
func pad(b []byte) []byte {
	if residual := len(b) % alignment; residual > 0 {
		b = append(b, make([]byte, alignment-residual)...)
	}
	return b
}

// ParseAddr parses usb:VID:PID with hexadecimal ids
func ParseAddr(addr string) (vid, pid uint16, err error) {
	parts := strings.Split(addr, ":")
	if len(parts) != 3 || !strings.EqualFold(parts[0], "usb") {
		return 0, 0, fmt.Errorf("%w: got %q", ErrAddress, addr)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrAddress, err)
	}
	p, err := strconv.ParseUint(strings.TrimPrefix(parts[2], "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrAddress, err)
	}
	return uint16(v), uint16(p), nil
}

// Device hides the details of USB and exposes an io.ReadWriteCloser.  Each
// Write is one message; each Read requests and returns one response.
type Device struct {
	tags    bTagGen
	term    *byte
	pending []byte // payload not yet consumed by Read
	ctx     *gousb.Context
	device  *gousb.Device
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	done    func()
}

// Open opens the device with the given vendor and product ID.  If term is not
// nil, responses end at that byte.
func Open(vid, pid uint16, term *byte) (*Device, error) {
	d := &Device{term: term, ctx: gousb.NewContext()}
	var err error
	d.device, err = d.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err == nil && d.device == nil {
		err = fmt.Errorf("no USB device %04x:%04x", vid, pid)
	}
	if err != nil {
		d.ctx.Close()
		return nil, err
	}
	if err = d.device.SetAutoDetach(true); err != nil {
		d.Close()
		return nil, err
	}
	var iface *gousb.Interface
	iface, d.done, err = d.device.DefaultInterface()
	if err != nil {
		d.Close()
		return nil, err
	}
	if d.in, err = iface.InEndpoint(2); err != nil {
		d.Close()
		return nil, err
	}
	if d.out, err = iface.OutEndpoint(2); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Write sends b as one message
func (d *Device) Write(b []byte) (int, error) {
	hdr := encBulkOutHeader(d.tags.next(), len(b))
	msg := make([]byte, 0, headerSize+len(b)+alignment)
	msg = append(msg, hdr[:]...)
	msg = pad(append(msg, b...))
	if _, err := d.out.Write(msg); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read copies the payload of the current response into b, requesting a new
// response from the device once the previous one is consumed
func (d *Device) Read(b []byte) (int, error) {
	if len(d.pending) == 0 {
		if err := d.request(); err != nil {
			return 0, err
		}
	}
	n := copy(b, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *Device) request() error {
	tag := d.tags.next()
	hdr := encBulkInHeader(tag, bufSize, d.term)
	if _, err := d.out.Write(hdr[:]); err != nil {
		return err
	}
	buf := make([]byte, bufSize+headerSize+alignment)
	n, err := d.in.Read(buf)
	if err != nil {
		return err
	}
	size, err := decBulkInHeader(buf[:n], tag)
	if err != nil {
		return err
	}
	payload := buf[headerSize:n]
	if size < len(payload) {
		payload = payload[:size]
	}
	d.pending = payload
	return nil
}

// Close releases the interface, device and USB context
func (d *Device) Close() error {
	if d.done != nil {
		d.done()
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
	}
	if cerr := d.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}
