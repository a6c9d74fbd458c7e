package session

import (
	"time"

	"github.com/danmuck/realmpipe/internal/protocol/frame"
	"github.com/danmuck/realmpipe/internal/registry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config defines per-session pipeline behavior.
//
// Writes block the pump until the destination accepts them, so a slow
// reader slows its source. WriteTimeout caps that stall: a peer that takes
// longer than WriteTimeout to accept one batch is treated as gone and the
// session closes with an I/O error, even if the peer is still connected.
type Config struct {
	// ID names the session in logs; New generates one when empty.
	ID              string
	ProtocolVersion string
	Registry        registry.Registry
	Limits          frame.Limits
	ReadBufferBytes int
	// WriteTimeout bounds a single destination write. Zero waits forever.
	// Defaults to 15s.
	WriteTimeout time.Duration
	// IdleTimeout closes the session when a leg sends nothing for this long.
	IdleTimeout time.Duration
	Logger      *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Registry:        registry.Empty,
		Limits:          frame.DefaultLimits(),
		ReadBufferBytes: 8 * 1024,
		WriteTimeout:    15 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Registry == nil {
		c.Registry = def.Registry
	}
	c.Limits = c.Limits.WithDefaults()
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = def.ReadBufferBytes
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	return c
}

func (c Config) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return log.Logger
}
