package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/realmpipe/internal/hook"
	"github.com/danmuck/realmpipe/internal/observability"
	"github.com/danmuck/realmpipe/internal/protocol"
	"github.com/danmuck/realmpipe/internal/protocol/cipher"
	"github.com/danmuck/realmpipe/internal/protocol/frame"
)

// pump moves one direction: read, decipher, frame, dispatch, re-encipher,
// write. It blocks on the destination write, so a slow reader stalls the
// source read instead of growing a queue.
type pump struct {
	dir   protocol.Direction
	src   net.Conn
	recv  *cipher.Engine
	dec   *frame.Decoder
	out   *outbound
	hctx  *hook.Context
	state stateCell
	stats pumpStats

	// Injections for this direction made while a batch is being dispatched
	// are appended to that batch behind the packet that triggered them.
	injectMu    sync.Mutex
	dispatching bool
	deferred    []protocol.Packet
}

// deferInject queues pkt on the open batch. It reports false when no batch
// is being dispatched.
func (p *pump) deferInject(pkt protocol.Packet) bool {
	p.injectMu.Lock()
	defer p.injectMu.Unlock()
	if !p.dispatching {
		return false
	}
	p.deferred = append(p.deferred, pkt)
	return true
}

func (p *pump) beginDispatch() {
	p.injectMu.Lock()
	p.dispatching = true
	p.deferred = p.deferred[:0]
	p.injectMu.Unlock()
}

// takeDeferred drains queued injections. With end set the batch closes and
// later injections go straight to the wire.
func (p *pump) takeDeferred(end bool) []protocol.Packet {
	p.injectMu.Lock()
	defer p.injectMu.Unlock()
	if end {
		p.dispatching = false
	}
	if len(p.deferred) == 0 {
		return nil
	}
	out := append([]protocol.Packet(nil), p.deferred...)
	p.deferred = p.deferred[:0]
	return out
}

type pumpStats struct {
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	dropped    atomic.Uint64
	injected   atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
}

func (p *pump) snapshot() PumpSnapshot {
	return PumpSnapshot{
		State:      p.state.get().String(),
		PacketsIn:  p.stats.packetsIn.Load(),
		PacketsOut: p.stats.packetsOut.Load(),
		Dropped:    p.stats.dropped.Load(),
		Injected:   p.stats.injected.Load(),
		BytesIn:    p.stats.bytesIn.Load(),
		BytesOut:   p.stats.bytesOut.Load(),
	}
}

// runPump returns nil on a clean end of stream or when the session is
// already closing, otherwise the error that ended the direction.
func (s *Session) runPump(p *pump) error {
	dirName := p.dir.String()
	readBuf := make([]byte, s.cfg.ReadBufferBytes)
	for {
		p.state.set(StateReading)
		if s.cfg.IdleTimeout > 0 {
			if err := p.src.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				return s.pumpIOErr(err)
			}
		}
		n, rerr := p.src.Read(readBuf)
		if n > 0 {
			p.stats.bytesIn.Add(uint64(n))
			p.state.set(StateDecoding)
			chunk := p.recv.Advance(readBuf[:n])
			pkts, ferr := p.dec.Feed(chunk)
			if err := s.forward(p, pkts); err != nil {
				return err
			}
			if ferr != nil {
				return ferr
			}
		}
		if rerr != nil {
			if s.closing.Load() {
				return nil
			}
			if errors.Is(rerr, io.EOF) {
				s.logger.Debug().Str("direction", dirName).Int("buffered", p.dec.Buffered()).Msg("source closed")
				return p.dec.Finish()
			}
			return s.pumpIOErr(rerr)
		}
	}
}

func (s *Session) forward(p *pump, pkts []protocol.Packet) error {
	if len(pkts) == 0 {
		return nil
	}
	dirName := p.dir.String()
	p.state.set(StateDispatching)
	batch := make([]protocol.Packet, 0, len(pkts))
	var dropped, injected, hookErrs int
	p.beginDispatch()
	for _, pkt := range pkts {
		if s.closing.Load() {
			p.takeDeferred(true)
			return nil
		}
		p.stats.packetsIn.Add(1)
		res := s.chain.Dispatch(p.hctx, pkt)
		if res.Dropped {
			dropped++
		}
		if res.Replaced {
			observability.RecordPackets(dirName, "replace", 1)
		}
		injected += res.Injected
		hookErrs += res.Errors
		batch = append(batch, res.Packets...)
		late := p.takeDeferred(false)
		injected += len(late)
		batch = append(batch, late...)
	}
	late := p.takeDeferred(true)
	injected += len(late)
	batch = append(batch, late...)
	observability.RecordPackets(dirName, "in", len(pkts))
	observability.RecordPackets(dirName, "drop", dropped)
	observability.RecordPackets(dirName, "inject", injected)
	observability.RecordHookErrors(dirName, hookErrs)
	p.stats.dropped.Add(uint64(dropped))
	p.stats.injected.Add(uint64(injected))
	if len(batch) == 0 {
		return nil
	}

	p.state.set(StateWriting)
	n, err := p.out.write(batch)
	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return nil
		}
		if protocol.KindOf(err) == protocol.KindFrame {
			return err
		}
		return s.pumpIOErr(err)
	}
	p.stats.packetsOut.Add(uint64(len(batch)))
	p.stats.bytesOut.Add(uint64(n))
	observability.RecordPackets(dirName, "out", len(batch))
	observability.RecordBytes(dirName, n)
	return nil
}

func (s *Session) pumpIOErr(err error) error {
	if s.closing.Load() {
		return nil
	}
	return protocol.Wrap(protocol.KindIO, err)
}
