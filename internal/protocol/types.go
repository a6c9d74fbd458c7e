package protocol

import "fmt"

// Direction identifies which leg of a session a packet travels on.
type Direction uint8

const (
	ClientToServer Direction = iota
	ServerToClient
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == ClientToServer {
		return ServerToClient
	}
	return ClientToServer
}

// Source names the peer a direction reads from.
func (d Direction) Source() string {
	if d == ClientToServer {
		return "client"
	}
	return "server"
}

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "c2s"
	case ServerToClient:
		return "s2c"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// PacketID is the numeric type code carried in a frame header.
type PacketID uint16

// Packet is one decoded frame. It lives for a single pipeline pass.
type Packet struct {
	ID        PacketID
	Payload   []byte
	Direction Direction
}

// NewPacket builds a packet that owns a copy of payload.
func NewPacket(dir Direction, id PacketID, payload []byte) Packet {
	return Packet{ID: id, Payload: cloneBytes(payload), Direction: dir}
}

// Clone returns a deep copy so handlers can keep packets past dispatch.
func (p Packet) Clone() Packet {
	p.Payload = cloneBytes(p.Payload)
	return p
}

func (p Packet) String() string {
	return fmt.Sprintf("packet(%s id=%d len=%d)", p.Direction, p.ID, len(p.Payload))
}

func cloneBytes(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
