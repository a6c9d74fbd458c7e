package session

import (
	"net"
	"sync"
	"time"

	"github.com/danmuck/realmpipe/internal/protocol"
	"github.com/danmuck/realmpipe/internal/protocol/cipher"
	"github.com/danmuck/realmpipe/internal/protocol/frame"
)

// outbound owns the write side of one leg. Pump batches and injections take
// the same lock, so the send keystream advances in write order.
type outbound struct {
	mu           sync.Mutex
	dir          protocol.Direction
	conn         net.Conn
	cipher       *cipher.Engine
	limits       frame.Limits
	writeTimeout time.Duration
	buf          []byte
}

func newOutbound(dir protocol.Direction, conn net.Conn, send *cipher.Engine, limits frame.Limits, writeTimeout time.Duration) *outbound {
	return &outbound{
		dir:          dir,
		conn:         conn,
		cipher:       send,
		limits:       limits,
		writeTimeout: writeTimeout,
	}
}

// write encodes, enciphers and writes pkts as one contiguous chunk.
func (o *outbound) write(pkts []protocol.Packet) (int, error) {
	if len(pkts) == 0 {
		return 0, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cipher == nil {
		return 0, ErrSessionClosed
	}

	buf := o.buf[:0]
	var err error
	for _, pkt := range pkts {
		buf, err = frame.AppendEncode(buf, pkt, o.limits)
		if err != nil {
			return 0, err
		}
	}
	o.cipher.Advance(buf)
	o.buf = buf

	if o.writeTimeout > 0 {
		if err := o.conn.SetWriteDeadline(time.Now().Add(o.writeTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := o.conn.Write(buf)
	if err != nil {
		return n, err
	}
	return n, nil
}

func (o *outbound) release() {
	o.mu.Lock()
	o.cipher = nil
	o.buf = nil
	o.mu.Unlock()
}
