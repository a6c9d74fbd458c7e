package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/realmpipe/internal/hook"
	"github.com/danmuck/realmpipe/internal/protocol"
	"github.com/danmuck/realmpipe/internal/protocol/cipher"
	"github.com/danmuck/realmpipe/internal/protocol/frame"
	"github.com/danmuck/realmpipe/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

const ioWait = 2 * time.Second

var testKeys = cipher.KeyMaterial{
	ClientToServer: []byte("client-to-server"),
	ServerToClient: []byte("server-to-client"),
}

// harnessKeys drives both ends, so each test gets its own derived pair.
var harnessKeys = cipher.HKDFKeys{Secret: []byte("session-test-secret")}

type harness struct {
	t    *testing.T
	sess *Session
	// client and server are the remote peers the session is proxying between.
	client net.Conn
	server net.Conn

	clientSend *cipher.Engine
	serverRecv *cipher.Engine
	serverSend *cipher.Engine
	clientRecv *cipher.Engine

	cancel context.CancelFunc
	errc   chan error
}

func newHarness(t *testing.T, limits frame.Limits, handlers ...hook.Handler) *harness {
	t.Helper()
	testlog.Start(t)

	clientPeer, clientLeg := net.Pipe()
	serverLeg, serverPeer := net.Pipe()

	keys, err := harnessKeys.SessionKeys(t.Name())
	if err != nil {
		t.Fatalf("session keys: %v", err)
	}
	logger := zerolog.Nop()
	cfg := DefaultConfig()
	cfg.ID = t.Name()
	cfg.Limits = limits
	cfg.Logger = &logger
	sess, err := New(clientLeg, serverLeg, keys, hook.NewChain(handlers...), cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	h := &harness{
		t:          t,
		sess:       sess,
		client:     clientPeer,
		server:     serverPeer,
		clientSend: mustEngine(t, keys.ClientToServer),
		serverRecv: mustEngine(t, keys.ClientToServer),
		serverSend: mustEngine(t, keys.ServerToClient),
		clientRecv: mustEngine(t, keys.ServerToClient),
		errc:       make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = clientPeer.Close()
		_ = serverPeer.Close()
		select {
		case <-h.errc:
		case <-time.After(ioWait):
			t.Errorf("session did not stop")
		}
	})
	return h
}

func mustEngine(t *testing.T, key []byte) *cipher.Engine {
	t.Helper()
	e, err := cipher.New(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return e
}

func encode(t *testing.T, pkts ...protocol.Packet) []byte {
	t.Helper()
	var out []byte
	var err error
	for _, p := range pkts {
		out, err = frame.AppendEncode(out, p, frame.DefaultLimits())
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	return out
}

// write sends raw bytes from a peer without blocking the test, one Write per chunk.
func write(conn net.Conn, chunks ...[]byte) <-chan error {
	done := make(chan error, 1)
	go func() {
		for _, c := range chunks {
			if _, err := conn.Write(c); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	return done
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(ioWait)); err != nil {
		t.Fatalf("deadline: %v", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func expectEOF(t *testing.T, conn net.Conn) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(ioWait)); err != nil {
		t.Fatalf("deadline: %v", err)
	}
	var one [1]byte
	n, err := conn.Read(one[:])
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF with no data, got n=%d err=%v", n, err)
	}
}

func decodeAll(t *testing.T, dir protocol.Direction, raw []byte) []protocol.Packet {
	t.Helper()
	dec := frame.NewDecoder(dir, frame.DefaultLimits())
	pkts, err := dec.Feed(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Buffered() != 0 {
		t.Fatalf("leftover %d bytes", dec.Buffered())
	}
	return pkts
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.errc:
		h.errc <- err
		return err
	case <-time.After(ioWait):
		h.t.Fatalf("session did not end")
		return nil
	}
}

func packet(dir protocol.Direction, id protocol.PacketID, payload string) protocol.Packet {
	return protocol.NewPacket(dir, id, []byte(payload))
}

func TestPassthroughIsByteIdentical(t *testing.T) {
	h := newHarness(t, frame.DefaultLimits())

	plain := encode(t,
		packet(protocol.ClientToServer, 1, "hello"),
		packet(protocol.ClientToServer, 2, ""),
		packet(protocol.ClientToServer, 3, "world"),
	)
	wire := append([]byte(nil), plain...)
	h.clientSend.Advance(wire)

	chunks := make([][]byte, 0, len(wire))
	for i := range wire {
		chunks = append(chunks, wire[i:i+1])
	}
	sent := write(h.client, chunks...)
	got := readN(t, h.server, len(wire))
	if err := <-sent; err != nil {
		t.Fatalf("client write: %v", err)
	}
	if !bytes.Equal(got, wire) {
		t.Fatalf("forwarded ciphertext differs from input")
	}

	reply := encode(t, packet(protocol.ServerToClient, 9, "ack"))
	h.serverSend.Advance(reply)
	sent = write(h.server, reply)
	got = readN(t, h.client, len(reply))
	<-sent
	h.clientRecv.Advance(got)
	pkts := decodeAll(t, protocol.ServerToClient, got)
	if len(pkts) != 1 || pkts[0].ID != 9 || string(pkts[0].Payload) != "ack" {
		t.Fatalf("unexpected reply %v", pkts)
	}

	deadline := time.Now().Add(ioWait)
	for {
		snap := h.sess.Snapshot()
		if snap.ClientToServer.PacketsOut == 3 && snap.ServerToClient.PacketsOut == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReplaceShrinksFrame(t *testing.T) {
	h := newHarness(t, frame.DefaultLimits(), hook.HandlerFunc(func(_ *hook.Context, p protocol.Packet) hook.Verdict {
		if p.ID == 5 {
			return hook.Replace(protocol.NewPacket(p.Direction, 5, []byte{0xaa, 0xbb, 0xcc}))
		}
		return hook.Pass()
	}))

	wire := encode(t, packet(protocol.ClientToServer, 5, "0123456789"))
	h.clientSend.Advance(wire)
	sent := write(h.client, wire)

	got := readN(t, h.server, 8)
	<-sent
	h.serverRecv.Advance(got)
	want := []byte{0, 0, 0, 8, 5, 0xaa, 0xbb, 0xcc}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x want % x", got, want)
	}
}

func TestDropKeepsKeystreamAligned(t *testing.T) {
	h := newHarness(t, frame.DefaultLimits(), hook.HandlerFunc(func(_ *hook.Context, p protocol.Packet) hook.Verdict {
		if p.ID == 7 {
			return hook.Drop()
		}
		return hook.Pass()
	}))

	wire := encode(t,
		packet(protocol.ClientToServer, 7, "secret"),
		packet(protocol.ClientToServer, 8, "kept"),
	)
	h.clientSend.Advance(wire)
	sent := write(h.client, wire)

	want := encode(t, packet(protocol.ClientToServer, 8, "kept"))
	got := readN(t, h.server, len(want))
	<-sent
	h.serverRecv.Advance(got)
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x want % x", got, want)
	}
}

func TestInjectionsSurroundPacket(t *testing.T) {
	h := newHarness(t, frame.DefaultLimits(), hook.HandlerFunc(func(_ *hook.Context, p protocol.Packet) hook.Verdict {
		if p.ID != 3 {
			return hook.Pass()
		}
		return hook.Pass().
			InjectBefore(protocol.NewPacket(p.Direction, 1, []byte("b"))).
			InjectAfter(protocol.NewPacket(p.Direction, 4, []byte("a")))
	}))

	wire := encode(t, packet(protocol.ClientToServer, 3, "x"))
	h.clientSend.Advance(wire)
	sent := write(h.client, wire)

	want := encode(t,
		packet(protocol.ClientToServer, 1, "b"),
		packet(protocol.ClientToServer, 3, "x"),
		packet(protocol.ClientToServer, 4, "a"),
	)
	got := readN(t, h.server, len(want))
	<-sent
	h.serverRecv.Advance(got)
	pkts := decodeAll(t, protocol.ClientToServer, got)
	if len(pkts) != 3 || pkts[0].ID != 1 || pkts[1].ID != 3 || pkts[2].ID != 4 {
		t.Fatalf("unexpected order %v", pkts)
	}
}

func TestHandlerPanicStillForwards(t *testing.T) {
	h := newHarness(t, frame.DefaultLimits(), hook.HandlerFunc(func(*hook.Context, protocol.Packet) hook.Verdict {
		panic("boom")
	}))

	wire := encode(t, packet(protocol.ClientToServer, 2, "still here"))
	h.clientSend.Advance(wire)
	sent := write(h.client, wire)
	got := readN(t, h.server, len(wire))
	<-sent
	if !bytes.Equal(got, wire) {
		t.Fatalf("packet altered after handler panic")
	}
}

func TestServerClosesMidFrame(t *testing.T) {
	h := newHarness(t, frame.DefaultLimits())

	wire := encode(t, packet(protocol.ServerToClient, 4, "0123456789"))
	h.serverSend.Advance(wire)
	if err := <-write(h.server, wire[:6]); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if err := h.server.Close(); err != nil {
		t.Fatalf("close server: %v", err)
	}

	expectEOF(t, h.client)
	err := h.wait()
	if !errors.Is(err, frame.ErrTruncatedStream) {
		t.Fatalf("expected truncated stream, got %v", err)
	}
	reason := h.sess.Reason()
	if reason.Kind() != protocol.KindFrame || reason.Direction != protocol.ServerToClient {
		t.Fatalf("unexpected reason %+v", reason)
	}
}

func TestOversizedFrameClosesSession(t *testing.T) {
	limits := frame.Limits{MaxFrameBytes: 64, IDWidth: frame.IDWidthByte}
	h := newHarness(t, limits)

	wire := []byte{0, 0, 0x03, 0xe8, 1, 2, 3, 4}
	h.clientSend.Advance(wire)
	write(h.client, wire)

	expectEOF(t, h.server)
	if err := h.wait(); !errors.Is(err, frame.ErrOversizedPacket) {
		t.Fatalf("expected oversized packet, got %v", err)
	}
}

func TestCleanCloseFromClient(t *testing.T) {
	h := newHarness(t, frame.DefaultLimits())
	if err := h.client.Close(); err != nil {
		t.Fatalf("close client: %v", err)
	}
	expectEOF(t, h.server)
	if err := h.wait(); err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
}

func TestContextCancelAndIdempotentClose(t *testing.T) {
	h := newHarness(t, frame.DefaultLimits())
	h.cancel()
	if err := h.wait(); err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	select {
	case <-h.sess.Done():
	default:
		t.Fatalf("done not closed")
	}
	h.sess.Close()
	h.sess.Close()
	if err := h.sess.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %v", err)
	}
	err := h.sess.Inject(protocol.ServerToClient, packet(protocol.ServerToClient, 1, "late"))
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed session, got %v", err)
	}
}

type openRecorder struct {
	mu     sync.Mutex
	opened chan *hook.Context
	closed int
}

func (o *openRecorder) HandlePacket(*hook.Context, protocol.Packet) hook.Verdict { return hook.Pass() }
func (o *openRecorder) SessionOpened(ctx *hook.Context)                          { o.opened <- ctx }
func (o *openRecorder) SessionClosed(*hook.Context) {
	o.mu.Lock()
	o.closed++
	o.mu.Unlock()
}

func TestAsyncInjectFromSessionHandler(t *testing.T) {
	rec := &openRecorder{opened: make(chan *hook.Context, 1)}
	h := newHarness(t, frame.DefaultLimits(), rec)

	var hctx *hook.Context
	select {
	case hctx = <-rec.opened:
	case <-time.After(ioWait):
		t.Fatalf("session handler not opened")
	}
	if hctx.SessionID != t.Name() {
		t.Fatalf("unexpected session id %q", hctx.SessionID)
	}

	injected := make(chan error, 1)
	go func() {
		injected <- hctx.Injector.Inject(protocol.ServerToClient, packet(protocol.ServerToClient, 12, "notice"))
	}()
	want := encode(t, packet(protocol.ServerToClient, 12, "notice"))
	got := readN(t, h.client, len(want))
	if err := <-injected; err != nil {
		t.Fatalf("inject: %v", err)
	}
	h.clientRecv.Advance(got)
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x want % x", got, want)
	}

	h.cancel()
	if err := h.wait(); err != nil {
		t.Fatalf("run: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed != 1 {
		t.Fatalf("expected one close notification, got %d", rec.closed)
	}
}

func TestNewRejectsBadKeys(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := New(a, b, cipher.KeyMaterial{ClientToServer: []byte("k")}, nil, DefaultConfig())
	if !errors.Is(err, cipher.ErrBadKeyMaterial) {
		t.Fatalf("expected bad key material, got %v", err)
	}
	if _, err := New(nil, b, testKeys, nil, DefaultConfig()); !errors.Is(err, ErrNilConn) {
		t.Fatalf("expected nil conn, got %v", err)
	}
}

func TestHandlerInjectKeepsArrivalOrder(t *testing.T) {
	injectErr := make(chan error, 1)
	h := newHarness(t, frame.DefaultLimits(), hook.HandlerFunc(func(ctx *hook.Context, p protocol.Packet) hook.Verdict {
		if p.ID == 1 {
			injectErr <- ctx.Injector.Inject(ctx.Direction, protocol.NewPacket(ctx.Direction, 99, []byte("mid")))
		}
		return hook.Pass()
	}))

	wire := encode(t,
		packet(protocol.ClientToServer, 1, "first"),
		packet(protocol.ClientToServer, 2, "second"),
	)
	h.clientSend.Advance(wire)
	sent := write(h.client, wire)

	want := encode(t,
		packet(protocol.ClientToServer, 1, "first"),
		packet(protocol.ClientToServer, 99, "mid"),
		packet(protocol.ClientToServer, 2, "second"),
	)
	got := readN(t, h.server, len(want))
	<-sent
	if err := <-injectErr; err != nil {
		t.Fatalf("inject: %v", err)
	}
	h.serverRecv.Advance(got)
	pkts := decodeAll(t, protocol.ClientToServer, got)
	if len(pkts) != 3 || pkts[0].ID != 1 || pkts[1].ID != 99 || pkts[2].ID != 2 {
		t.Fatalf("unexpected order %v", pkts)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x want % x", got, want)
	}
}

func TestSlowDestinationStopsSourceReads(t *testing.T) {
	h := newHarness(t, frame.DefaultLimits())

	const frames = 50
	payload := bytes.Repeat([]byte{'x'}, 1000)
	chunks := make([][]byte, 0, frames)
	total := 0
	for i := 0; i < frames; i++ {
		wire := encode(t, protocol.NewPacket(protocol.ClientToServer, 3, payload))
		h.clientSend.Advance(wire)
		chunks = append(chunks, wire)
		total += len(wire)
	}
	// The server peer never reads.
	sent := write(h.client, chunks...)

	deadline := time.Now().Add(ioWait)
	for h.sess.Snapshot().ClientToServer.State != StateWriting.String() {
		if time.Now().After(deadline) {
			t.Fatalf("pump never blocked on write: %+v", h.sess.Snapshot().ClientToServer)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	select {
	case err := <-sent:
		t.Fatalf("client writes completed against a stalled server: %v", err)
	default:
	}
	snap := h.sess.Snapshot().ClientToServer
	if snap.State != StateWriting.String() {
		t.Fatalf("pump left writing state: %+v", snap)
	}
	if snap.BytesIn >= uint64(total/2) {
		t.Fatalf("pump kept reading: %d of %d bytes", snap.BytesIn, total)
	}
}
