package codec

import (
	"errors"
	"io"
)

const (
	defaultBufSize = 4096

	// DefaultMaxFrame caps how large the read buffer may grow while a single
	// frame is still incomplete.
	DefaultMaxFrame = 64 << 20
)

var ErrFrameTooLarge = errors.New("frame exceeds read buffer limit")

// Decoder pulls frames off a byte stream. It owns a growable buffer: bytes
// are read into it until Parse yields a frame, and exactly the consumed
// bytes are then dropped from its front.
//
// Slices inside a returned frame alias the buffer and stay valid only until
// the next call to Next or Reset. Copy anything that must outlive that.
type Decoder struct {
	r        io.Reader
	buf      []byte
	start    int
	end      int
	maxFrame int
}

func NewDecoder(r io.Reader) (*Decoder, error) {
	if r == nil {
		return nil, errors.New("got a nil reader")
	}

	return &Decoder{
		r:        r,
		buf:      make([]byte, defaultBufSize),
		maxFrame: DefaultMaxFrame,
	}, nil
}

// SetMaxFrame changes the buffer growth limit. Values below MaxControlLine
// are raised to it.
func (d *Decoder) SetMaxFrame(n int) {
	if n < MaxControlLine+len(crlf) {
		n = MaxControlLine + len(crlf)
	}
	d.maxFrame = n
}

// Next returns the next complete frame. Read errors from the underlying
// reader, io.EOF included, are returned as is; framing errors are
// *ParseError values and leave the buffer untouched.
func (d *Decoder) Next() (Frame, error) {
	for {
		if d.start < d.end {
			frame, n, err := Parse(d.buf[d.start:d.end])
			if err == nil {
				d.start += n
				if d.start == d.end {
					d.start, d.end = 0, 0
				}
				return frame, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return nil, err
			}
		}

		if err := d.fill(); err != nil {
			return nil, err
		}
	}
}

// Reset discards buffered bytes and reads from r from now on.
func (d *Decoder) Reset(r io.Reader) {
	d.r = r
	d.start, d.end = 0, 0
}

// Buffered reports how many unconsumed bytes are held.
func (d *Decoder) Buffered() int {
	return d.end - d.start
}

func (d *Decoder) fill() error {
	if d.start > 0 {
		copy(d.buf, d.buf[d.start:d.end])
		d.end -= d.start
		d.start = 0
	}

	if d.end == len(d.buf) {
		if len(d.buf) >= d.maxFrame {
			return ErrFrameTooLarge
		}
		size := min(2*len(d.buf), d.maxFrame)
		grown := make([]byte, size)
		copy(grown, d.buf[:d.end])
		d.buf = grown
	}

	n, err := d.r.Read(d.buf[d.end:])
	d.end += n
	if n > 0 {
		return nil
	}
	return err
}
