package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/realmpipe/internal/hook"
	"github.com/danmuck/realmpipe/internal/observability"
	"github.com/danmuck/realmpipe/internal/protocol"
	"github.com/danmuck/realmpipe/internal/protocol/cipher"
	"github.com/danmuck/realmpipe/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed  = errors.New("session: closed")
	ErrAlreadyRunning = errors.New("session: already running")
	ErrNilConn        = errors.New("session: nil connection")
)

// Session pairs one client socket with one server socket.
type Session struct {
	id     string
	cfg    Config
	client net.Conn
	server net.Conn
	chain  *hook.Chain
	logger zerolog.Logger

	// indexed by protocol.Direction
	pumps [2]*pump
	outs  [2]*outbound

	started   time.Time
	running   atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	errMu  sync.Mutex
	reason CloseReason
}

// CloseReason records why a session ended. A nil Err is a clean close.
type CloseReason struct {
	Direction protocol.Direction
	Err       error
}

func (r CloseReason) Kind() protocol.ErrorKind {
	return protocol.KindOf(r.Err)
}

// New builds a session over an accepted client connection and its opened
// server connection. Bad key material fails here and never later. On error
// the caller still owns both connections.
func New(client, server net.Conn, keys cipher.KeyMaterial, chain *hook.Chain, cfg Config) (*Session, error) {
	if client == nil || server == nil {
		return nil, ErrNilConn
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if err := keys.Validate(0); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = uuid.NewString()
	}
	if chain == nil {
		chain = hook.NewChain()
	}
	chain.Seal()

	logger := cfg.logger().With().
		Str("session", cfg.ID).
		Str("client", client.RemoteAddr().String()).
		Str("server", server.RemoteAddr().String()).
		Logger()

	s := &Session{
		id:      cfg.ID,
		cfg:     cfg,
		client:  client,
		server:  server,
		chain:   chain,
		logger:  logger,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	for _, dir := range []protocol.Direction{protocol.ClientToServer, protocol.ServerToClient} {
		pair, err := cipher.NewPair(dir, keys)
		if err != nil {
			return nil, err
		}
		src, dst := s.legs(dir)
		s.outs[dir] = newOutbound(dir, dst, pair.Send, cfg.Limits, cfg.WriteTimeout)
		s.pumps[dir] = &pump{
			dir:  dir,
			src:  src,
			recv: pair.Recv,
			dec:  frame.NewDecoder(dir, cfg.Limits),
			out:  s.outs[dir],
			hctx: s.hookContext(dir),
		}
	}
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// Done is closed once shutdown has begun.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run drives both pumps until the session ends and returns the first fatal
// error, or nil for a clean close. Cancelling ctx closes the session.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	observability.SessionOpened()
	s.logger.Info().Msg("session opened")
	openCtx := s.hookContext(protocol.ClientToServer)
	s.chain.Opened(openCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.logger.Debug().Err(ctx.Err()).Msg("session context done")
			s.Close()
		case <-s.done:
		}
	}()

	var wg sync.WaitGroup
	for _, p := range s.pumps {
		wg.Add(1)
		go func(p *pump) {
			defer wg.Done()
			err := s.runPump(p)
			p.state.set(StateClosed)
			s.finish(p.dir, err)
		}(p)
	}
	wg.Wait()
	s.Close()
	s.release()

	s.chain.Closed(openCtx)
	reason := s.Reason()
	kind := string(reason.Kind())
	if kind == "" {
		kind = "clean"
	}
	lifetime := time.Since(s.started)
	observability.SessionClosed(kind, lifetime)
	if reason.Err != nil {
		s.logger.Warn().
			Err(reason.Err).
			Str("kind", kind).
			Str("direction", reason.Direction.String()).
			Dur("lifetime", lifetime).
			Msg("session closed")
	} else {
		s.logger.Info().Dur("lifetime", lifetime).Msg("session closed")
	}
	return reason.Err
}

// Close begins shutdown: both sockets close and no new packets are
// dispatched. Safe to call any number of times from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
		if err := s.client.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close client leg")
		}
		if err := s.server.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close server leg")
		}
	})
}

// Reason reports why the session ended so far.
func (s *Session) Reason() CloseReason {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.reason
}

// Err is the first fatal error, if any.
func (s *Session) Err() error {
	return s.Reason().Err
}

// Inject writes pkt on the leg dir travels to, bypassing the hook chain.
// It serializes with the pump of that direction, so it never splits a frame.
// While that pump is dispatching a batch, pkt joins the batch behind the
// packets already handled, so a handler injecting into its own direction
// never overtakes earlier packets from the same read.
func (s *Session) Inject(dir protocol.Direction, pkt protocol.Packet) error {
	if dir != protocol.ClientToServer && dir != protocol.ServerToClient {
		return fmt.Errorf("session: invalid direction %d", dir)
	}
	if s.closing.Load() {
		return ErrSessionClosed
	}
	pkt.Direction = dir
	if err := s.cfg.Limits.Check(pkt); err != nil {
		return err
	}
	if s.pumps[dir].deferInject(pkt) {
		return nil
	}
	n, err := s.outs[dir].write([]protocol.Packet{pkt})
	if err != nil {
		if s.closing.Load() {
			return ErrSessionClosed
		}
		err = protocol.Wrap(protocol.KindIO, err)
		s.finish(dir, err)
		return err
	}
	s.pumps[dir].stats.injected.Add(1)
	observability.RecordPackets(dir.String(), "inject", 1)
	observability.RecordBytes(dir.String(), n)
	return nil
}

func (s *Session) finish(dir protocol.Direction, err error) {
	if err != nil && protocol.Fatal(err) && !s.closing.Load() {
		s.errMu.Lock()
		if s.reason.Err == nil {
			s.reason = CloseReason{Direction: dir, Err: err}
		}
		s.errMu.Unlock()
	}
	s.Close()
}

func (s *Session) release() {
	for _, p := range s.pumps {
		p.dec.Reset()
		p.recv = nil
	}
	for _, o := range s.outs {
		o.release()
	}
}

func (s *Session) legs(dir protocol.Direction) (src, dst net.Conn) {
	if dir == protocol.ClientToServer {
		return s.client, s.server
	}
	return s.server, s.client
}

func (s *Session) hookContext(dir protocol.Direction) *hook.Context {
	return &hook.Context{
		SessionID: s.id,
		Direction: dir,
		Version:   s.cfg.ProtocolVersion,
		Registry:  s.cfg.Registry,
		Limits:    s.cfg.Limits,
		Injector:  s,
		Logger:    s.logger.With().Str("direction", dir.String()).Logger(),
	}
}

// Snapshot is a point-in-time view of a session for the admin surface.
type Snapshot struct {
	ID             string       `json:"id"`
	Client         string       `json:"client"`
	Server         string       `json:"server"`
	StartedAt      time.Time    `json:"started_at"`
	ClientToServer PumpSnapshot `json:"c2s"`
	ServerToClient PumpSnapshot `json:"s2c"`
}

type PumpSnapshot struct {
	State      string `json:"state"`
	PacketsIn  uint64 `json:"packets_in"`
	PacketsOut uint64 `json:"packets_out"`
	Dropped    uint64 `json:"dropped"`
	Injected   uint64 `json:"injected"`
	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:             s.id,
		Client:         s.client.RemoteAddr().String(),
		Server:         s.server.RemoteAddr().String(),
		StartedAt:      s.started,
		ClientToServer: s.pumps[protocol.ClientToServer].snapshot(),
		ServerToClient: s.pumps[protocol.ServerToClient].snapshot(),
	}
}
