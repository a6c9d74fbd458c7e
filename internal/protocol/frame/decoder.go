package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/realmpipe/internal/protocol"
)

// Decoder accumulates deciphered bytes for one direction and cuts them into
// packets. The buffer never holds a complete frame between calls.
type Decoder struct {
	dir    protocol.Direction
	limits Limits
	buf    []byte
	err    error
}

func NewDecoder(dir protocol.Direction, limits Limits) *Decoder {
	return &Decoder{dir: dir, limits: limits.WithDefaults()}
}

// Feed appends chunk and returns every packet it completes, in order. On a
// fatal framing error the packets completed before the bad header are still
// returned and the decoder stays failed.
func (d *Decoder) Feed(chunk []byte) ([]protocol.Packet, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var out []protocol.Packet
	off := 0
	hlen := d.limits.HeaderLen()
	for {
		rest := d.buf[off:]
		if len(rest) < LengthFieldLen {
			break
		}
		// Length is checked before the id arrives so garbage never buffers.
		declared := binary.BigEndian.Uint32(rest[:LengthFieldLen])
		if declared > d.limits.MaxFrameBytes {
			d.fail(off, fmt.Errorf("%w: declared %d exceeds %d", ErrOversizedPacket, declared, d.limits.MaxFrameBytes))
			return out, d.err
		}
		if declared < uint32(hlen) {
			d.fail(off, fmt.Errorf("%w: declared %d, header %d", ErrUndersizedPacket, declared, hlen))
			return out, d.err
		}
		if len(rest) < int(declared) {
			break
		}
		h, err := DecodeHeader(rest[:hlen], d.limits.IDWidth)
		if err != nil {
			d.fail(off, err)
			return out, d.err
		}
		out = append(out, protocol.NewPacket(d.dir, h.ID, rest[hlen:declared]))
		off += int(declared)
	}
	d.compact(off)
	return out, nil
}

// Buffered reports bytes held that do not yet form a packet.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Finish is called at end of stream. Leftover bytes are a truncated frame.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) > 0 {
		n := len(d.buf)
		d.buf = nil
		return frameErr(fmt.Errorf("%w: %d bytes of incomplete frame", ErrTruncatedStream, n))
	}
	return nil
}

// Reset drops buffered bytes and any sticky error.
func (d *Decoder) Reset() {
	d.buf = nil
	d.err = nil
}

func (d *Decoder) fail(off int, err error) {
	d.compact(off)
	d.err = frameErr(err)
}

func (d *Decoder) compact(off int) {
	if off == 0 {
		return
	}
	n := copy(d.buf, d.buf[off:])
	d.buf = d.buf[:n]
}
