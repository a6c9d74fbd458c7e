// Package hook dispatches decoded packets through an ordered set of handlers.
//
// Handlers run synchronously on the pump that decoded the packet. Each returns a
// Verdict: pass, replace, or drop, optionally with packets to inject before or
// after the current one. Long-running work must be handed off and fed back
// through the Context's Injector.
package hook

import (
	"errors"

	"github.com/danmuck/realmpipe/internal/protocol"
	"github.com/danmuck/realmpipe/internal/protocol/frame"
	"github.com/danmuck/realmpipe/internal/registry"
	"github.com/rs/zerolog"
)

var (
	ErrHandlerPanic       = errors.New("hook: handler panicked")
	ErrInvalidReplacement = errors.New("hook: invalid replacement packet")
	ErrInvalidInjection   = errors.New("hook: invalid injected packet")
	ErrChainSealed        = errors.New("hook: chain sealed")
)

// Action is the tag of a Verdict.
type Action uint8

const (
	ActionPass Action = iota
	ActionReplace
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionPass:
		return "pass"
	case ActionReplace:
		return "replace"
	case ActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Verdict is what a handler decides for one packet.
type Verdict struct {
	Action      Action
	Replacement protocol.Packet
	Before      []protocol.Packet
	After       []protocol.Packet
}

func Pass() Verdict { return Verdict{Action: ActionPass} }

func Drop() Verdict { return Verdict{Action: ActionDrop} }

func Replace(pkt protocol.Packet) Verdict {
	return Verdict{Action: ActionReplace, Replacement: pkt}
}

// InjectBefore queues packets to be written ahead of the current one.
func (v Verdict) InjectBefore(pkts ...protocol.Packet) Verdict {
	v.Before = append(v.Before, pkts...)
	return v
}

// InjectAfter queues packets to be written after the current one.
func (v Verdict) InjectAfter(pkts ...protocol.Packet) Verdict {
	v.After = append(v.After, pkts...)
	return v
}

// Injector writes packets into a live session. Called from a handler for
// the direction being dispatched, the packet is queued behind the packet
// being handled, the same place Verdict.InjectAfter puts it.
type Injector interface {
	Inject(dir protocol.Direction, pkt protocol.Packet) error
}

// Context is the per-session view handed to handlers.
type Context struct {
	SessionID string
	Direction protocol.Direction
	Version   string
	Registry  registry.Registry
	Limits    frame.Limits
	Injector  Injector
	Logger    zerolog.Logger
}

// Name resolves id through the session's registry.
func (c *Context) Name(id protocol.PacketID) (string, bool) {
	if c == nil || c.Registry == nil {
		return "", false
	}
	return c.Registry.NameForID(id, c.Version)
}

// ID resolves name through the session's registry.
func (c *Context) ID(name string) (protocol.PacketID, bool) {
	if c == nil || c.Registry == nil {
		return 0, false
	}
	return c.Registry.IDForName(name, c.Version)
}

// WithDirection returns a copy of c scoped to dir.
func (c *Context) WithDirection(dir protocol.Direction) *Context {
	out := *c
	out.Direction = dir
	return &out
}

// Handler inspects and possibly rewrites one packet.
type Handler interface {
	HandlePacket(ctx *Context, pkt protocol.Packet) Verdict
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx *Context, pkt protocol.Packet) Verdict

func (f HandlerFunc) HandlePacket(ctx *Context, pkt protocol.Packet) Verdict {
	return f(ctx, pkt)
}

// SessionHandler is notified when sessions open and close, so it can keep
// per-session state or retain the Injector for asynchronous re-injection.
type SessionHandler interface {
	Handler
	SessionOpened(ctx *Context)
	SessionClosed(ctx *Context)
}
