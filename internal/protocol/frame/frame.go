package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/realmpipe/internal/protocol"
)

const (
	LengthFieldLen = 4

	IDWidthByte  = 1
	IDWidthShort = 2
)

var (
	ErrOversizedPacket  = errors.New("frame: oversized packet")
	ErrUndersizedPacket = errors.New("frame: declared length smaller than header")
	ErrTruncatedStream  = errors.New("frame: truncated stream")
	ErrIDOutOfRange     = errors.New("frame: packet id does not fit id field")
	ErrInvalidIDWidth   = errors.New("frame: invalid id width")
)

// Header is the fixed wire header: total length (header included) then type id.
type Header struct {
	Length uint32
	ID     protocol.PacketID
}

// Limits constrains decode/encode memory use and fixes the header shape.
type Limits struct {
	MaxFrameBytes uint32
	IDWidth       int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 8 * 1024 * 1024,
		IDWidth:       IDWidthByte,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	def := DefaultLimits()
	if l.MaxFrameBytes == 0 {
		l.MaxFrameBytes = def.MaxFrameBytes
	}
	if l.IDWidth == 0 {
		l.IDWidth = def.IDWidth
	}
	return l
}

func (l Limits) Validate() error {
	if l.IDWidth != IDWidthByte && l.IDWidth != IDWidthShort {
		return fmt.Errorf("%w: %d", ErrInvalidIDWidth, l.IDWidth)
	}
	if l.MaxFrameBytes < uint32(l.HeaderLen()) {
		return fmt.Errorf("frame: max frame bytes %d below header size %d", l.MaxFrameBytes, l.HeaderLen())
	}
	return nil
}

// HeaderLen is the fixed header size for these limits.
func (l Limits) HeaderLen() int {
	return LengthFieldLen + l.IDWidth
}

// Check reports whether pkt can be encoded under these limits.
func (l Limits) Check(pkt protocol.Packet) error {
	if len(pkt.Payload) > l.MaxPayload() {
		return frameErr(fmt.Errorf("%w: payload %d exceeds %d", ErrOversizedPacket, len(pkt.Payload), l.MaxPayload()))
	}
	if l.IDWidth == IDWidthByte && pkt.ID > 0xff {
		return frameErr(fmt.Errorf("%w: id %d", ErrIDOutOfRange, pkt.ID))
	}
	return nil
}

// MaxPayload is the largest payload a frame may carry.
func (l Limits) MaxPayload() int {
	return int(l.MaxFrameBytes) - l.HeaderLen()
}

// Encode serializes pkt with a header whose length always matches the payload.
func Encode(pkt protocol.Packet, limits Limits) ([]byte, error) {
	return AppendEncode(nil, pkt, limits)
}

// AppendEncode appends the encoded frame for pkt to dst.
func AppendEncode(dst []byte, pkt protocol.Packet, limits Limits) ([]byte, error) {
	if err := limits.Check(pkt); err != nil {
		return dst, err
	}
	h := Header{
		Length: uint32(limits.HeaderLen() + len(pkt.Payload)),
		ID:     pkt.ID,
	}
	dst = append(dst, EncodeHeader(h, limits.IDWidth)...)
	return append(dst, pkt.Payload...), nil
}

func EncodeHeader(h Header, idWidth int) []byte {
	buf := make([]byte, LengthFieldLen+idWidth)
	binary.BigEndian.PutUint32(buf[0:4], h.Length)
	if idWidth == IDWidthShort {
		binary.BigEndian.PutUint16(buf[4:6], uint16(h.ID))
	} else {
		buf[4] = uint8(h.ID)
	}
	return buf
}

func DecodeHeader(b []byte, idWidth int) (Header, error) {
	if len(b) != LengthFieldLen+idWidth {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	h := Header{Length: binary.BigEndian.Uint32(b[0:4])}
	if idWidth == IDWidthShort {
		h.ID = protocol.PacketID(binary.BigEndian.Uint16(b[4:6]))
	} else {
		h.ID = protocol.PacketID(b[4])
	}
	return h, nil
}

func frameErr(err error) error {
	return protocol.Wrap(protocol.KindFrame, err)
}
