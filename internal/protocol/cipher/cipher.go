// Package cipher implements the per-direction stream cipher state.
//
// One Engine is keyed per direction and per leg. Its keystream position only
// moves forward, by exactly the number of bytes passed to Advance.
package cipher

import (
	"crypto/rc4"
	"errors"
	"fmt"

	"github.com/danmuck/realmpipe/internal/protocol"
)

var ErrBadKeyMaterial = errors.New("cipher: bad key material")

// Engine is a stream cipher with a monotonically advancing keystream.
// It is not safe for concurrent use; each pump owns its engines.
type Engine struct {
	rc4      *rc4.Cipher
	position uint64
}

// New keys an engine. Key material outside RC4's 1..256 byte range is rejected.
func New(key []byte) (*Engine, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindCipher, fmt.Errorf("%w: %v", ErrBadKeyMaterial, err))
	}
	return &Engine{rc4: c}, nil
}

// Advance transforms buf in place and moves the keystream by len(buf).
func (e *Engine) Advance(buf []byte) []byte {
	if len(buf) == 0 {
		return buf
	}
	e.rc4.XORKeyStream(buf, buf)
	e.position += uint64(len(buf))
	return buf
}

// Position is the number of keystream bytes consumed since keying.
func (e *Engine) Position() uint64 {
	return e.position
}

// Pair holds the two engines one directional pump needs: recv deciphers what
// the source sent, send enciphers what is forwarded to the destination. Both
// are keyed with the direction's key but advance independently, since hooks
// may change how many bytes are forwarded.
type Pair struct {
	Direction protocol.Direction
	Recv      *Engine
	Send      *Engine
}

// NewPair keys both engines for dir from keys.
func NewPair(dir protocol.Direction, keys KeyMaterial) (*Pair, error) {
	key := keys.For(dir)
	recv, err := New(key)
	if err != nil {
		return nil, fmt.Errorf("%s recv: %w", dir, err)
	}
	send, err := New(key)
	if err != nil {
		return nil, fmt.Errorf("%s send: %w", dir, err)
	}
	return &Pair{Direction: dir, Recv: recv, Send: send}, nil
}
