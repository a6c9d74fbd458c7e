package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/realmpipe/internal/hook"
	"github.com/danmuck/realmpipe/internal/observability"
	"github.com/danmuck/realmpipe/internal/protocol/cipher"
	"github.com/danmuck/realmpipe/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoKeySource = errors.New("proxy: no key source configured")

// ServiceConfig is the listener configuration.
type ServiceConfig struct {
	ListenAddr       string
	AdminAddr        string
	AdminCORSOrigins []string
	AdminToken       string
	Servers          *ServerList
	Keys             cipher.KeySource
	// Handlers are shared by every session, in order. A handler that keeps
	// state across packets must be safe for concurrent sessions.
	Handlers      []hook.Handler
	DialTimeout   time.Duration
	PolicyFile    bool
	PolicyTimeout time.Duration
	Session       session.Config
	Logger        *zerolog.Logger
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:    ":2050",
		DialTimeout:   10 * time.Second,
		PolicyFile:    true,
		PolicyTimeout: 5 * time.Second,
		Session:       session.DefaultConfig(),
	}
}

// Service accepts clients and runs one session per connection.
type Service struct {
	cfg    ServiceConfig
	logger zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	sessionsMu sync.RWMutex
	sessions   map[string]*session.Session

	accepted atomic.Uint64
	active   atomic.Int64
	started  time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.Servers == nil {
		return nil, ErrNoServers
	}
	if cfg.Keys == nil {
		return nil, ErrNoKeySource
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Limits.Validate(); err != nil {
		return nil, err
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Service{
		cfg:      cfg,
		logger:   logger.With().Str("component", "proxy").Logger(),
		conns:    make(map[net.Conn]struct{}),
		sessions: make(map[string]*session.Session),
		started:  time.Now(),
	}, nil
}

func (s *Service) Servers() *ServerList {
	return s.cfg.Servers
}

// Run listens on ListenAddr, starts the admin surface when configured and
// blocks until ctx is cancelled or the listener fails.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Str("server", s.cfg.Servers.Selected().Addr).Msg("proxy listening")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		admin := NewAdminServer(s, s.cfg.AdminCORSOrigins, s.cfg.AdminToken)
		go func() {
			adminErr <- admin.ListenAndServe(ctx, addr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			cancel()
			<-serveErr
			return fmt.Errorf("admin server: %w", err)
		}
		return <-serveErr
	}
}

// Serve accepts on ln until ctx is cancelled. Live sessions are closed on
// the way out and Serve waits for them to finish.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.accepted.Add(1)
		s.trackConn(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Sessions returns a snapshot of live sessions, oldest first.
func (s *Service) Sessions() []session.Snapshot {
	s.sessionsMu.RLock()
	out := make([]session.Snapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Snapshot())
	}
	s.sessionsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Session looks up a live session by id.
func (s *Service) Session(id string) (*session.Session, bool) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Stats is the listener-level counter view.
type Stats struct {
	Accepted uint64        `json:"accepted"`
	Active   int64         `json:"active"`
	Uptime   time.Duration `json:"uptime"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Accepted: s.accepted.Load(),
		Active:   s.active.Load(),
		Uptime:   time.Since(s.started),
	}
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer s.untrackConn(conn)
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	var client net.Conn = conn
	if s.cfg.PolicyFile {
		prefix, policy, err := sniffPolicy(conn, s.cfg.PolicyTimeout)
		if err != nil {
			logger.Debug().Err(err).Msg("client closed before first bytes")
			_ = conn.Close()
			return
		}
		if policy {
			observability.RecordPolicyRequest()
			logger.Debug().Msg("sending policy file")
			if _, err := conn.Write(PolicyFile); err != nil {
				logger.Debug().Err(err).Msg("write policy file")
			}
			_ = conn.Close()
			return
		}
		client = replay(conn, prefix)
	}

	target := s.cfg.Servers.Selected()
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", target.Addr)
	if err != nil {
		logger.Warn().Err(err).Str("server", target.Name).Str("addr", target.Addr).Msg("dial game server")
		_ = conn.Close()
		return
	}
	s.trackConn(upstream)
	setNoDelay(conn)
	setNoDelay(upstream)

	id := uuid.NewString()
	keys, err := s.cfg.Keys.SessionKeys(id)
	if err != nil {
		logger.Error().Err(err).Msg("session keys")
		s.untrackConn(upstream)
		_ = conn.Close()
		_ = upstream.Close()
		return
	}

	cfg := s.cfg.Session
	cfg.ID = id
	cfg.Logger = &logger
	sess, err := session.New(client, upstream, keys, hook.NewChain(s.cfg.Handlers...), cfg)
	if err != nil {
		logger.Error().Err(err).Msg("create session")
		s.untrackConn(upstream)
		_ = conn.Close()
		_ = upstream.Close()
		return
	}
	// From here the session owns both legs and closes them on ctx cancel.
	s.untrackConn(conn)
	s.untrackConn(upstream)

	s.addSession(sess)
	defer s.removeSession(id)
	if err := sess.Run(ctx); err != nil {
		logger.Debug().Err(err).Str("session", id).Msg("session ended with error")
	}
}

func (s *Service) addSession(sess *session.Session) {
	s.sessionsMu.Lock()
	s.sessions[sess.ID()] = sess
	s.sessionsMu.Unlock()
	s.active.Add(1)
}

func (s *Service) removeSession(id string) {
	s.sessionsMu.Lock()
	delete(s.sessions, id)
	s.sessionsMu.Unlock()
	s.active.Add(-1)
}

func setNoDelay(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
