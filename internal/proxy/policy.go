package proxy

import (
	"bytes"
	"errors"
	"net"
	"os"
	"time"
)

// PolicyRequest is what a Flash client sends when it wants the socket policy.
var PolicyRequest = []byte("<policy-file-request/>\x00")

// PolicyFile allows connections from any domain to any port.
var PolicyFile = []byte(`
<?xml version="1.0"?>
<!DOCTYPE cross-domain-policy SYSTEM "/xml/dtds/cross-domain-policy.dtd">
<cross-domain-policy>
    <site-control permitted-cross-domain-policies="all"/>
    <allow-access-from domain="*" to-ports="*"/>
</cross-domain-policy>
`)

// sniffPolicy reads from conn until the bytes either equal PolicyRequest or
// stop being a prefix of it. The bytes read are returned so a game
// connection can replay them. A timeout is reported as not a policy request,
// so clients that wait for the server still get proxied.
func sniffPolicy(conn net.Conn, timeout time.Duration) (prefix []byte, policy bool, err error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, false, err
		}
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}
	buf := make([]byte, len(PolicyRequest))
	n := 0
	for n < len(buf) {
		m, rerr := conn.Read(buf[n:])
		n += m
		if !bytes.HasPrefix(PolicyRequest, buf[:n]) {
			return buf[:n], false, nil
		}
		if rerr != nil {
			if errors.Is(rerr, os.ErrDeadlineExceeded) {
				return buf[:n], false, nil
			}
			return buf[:n], false, rerr
		}
	}
	return buf[:n], true, nil
}

// prefixConn replays bytes consumed while sniffing before reading from the
// underlying connection.
type prefixConn struct {
	net.Conn
	pending []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

func replay(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	return &prefixConn{Conn: conn, pending: append([]byte(nil), prefix...)}
}
