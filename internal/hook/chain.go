package hook

import (
	"fmt"
	"sync"

	"github.com/danmuck/realmpipe/internal/protocol"
)

// Chain is an ordered handler list. Registration happens before sessions
// start. Registration only appends, so readers copy the slice header under
// the lock and iterate without it.
type Chain struct {
	mu       sync.Mutex
	sealed   bool
	handlers []Handler
}

func NewChain(handlers ...Handler) *Chain {
	c := &Chain{}
	for _, h := range handlers {
		_ = c.Register(h)
	}
	return c
}

// Register appends h. Order of registration is dispatch order.
func (c *Chain) Register(h Handler) error {
	if h == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return ErrChainSealed
	}
	c.handlers = append(c.handlers, h)
	return nil
}

// Seal freezes the handler list. Idempotent.
func (c *Chain) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

func (c *Chain) Len() int {
	return len(c.list())
}

func (c *Chain) list() []Handler {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[:len(c.handlers):len(c.handlers)]
}

// Outcome is the ordered result of dispatching one packet.
type Outcome struct {
	// Packets to forward, in write order.
	Packets  []protocol.Packet
	Dropped  bool
	Replaced bool
	Injected int
	Errors   int
}

// Dispatch runs pkt through every handler. A drop stops the chain; a
// replacement becomes the packet later handlers see. A handler fault is
// logged and counted as pass.
func (c *Chain) Dispatch(ctx *Context, pkt protocol.Packet) Outcome {
	var (
		out    Outcome
		before []protocol.Packet
		after  []protocol.Packet
	)
	if c != nil {
		for i, h := range c.list() {
			v, err := invoke(h, ctx, pkt)
			if err != nil {
				out.Errors++
				ctx.Logger.Error().Err(err).Int("handler", i).Uint16("id", uint16(pkt.ID)).Msg("hook handler failed")
				continue
			}
			before = append(before, c.checkInjected(ctx, i, v.Before, &out)...)
			after = append(after, c.checkInjected(ctx, i, v.After, &out)...)

			switch v.Action {
			case ActionReplace:
				repl := v.Replacement
				repl.Direction = ctx.Direction
				if err := ctx.Limits.Check(repl); err != nil {
					out.Errors++
					ctx.Logger.Error().
						Err(fmt.Errorf("%w: %v", ErrInvalidReplacement, err)).
						Int("handler", i).
						Msg("hook replacement rejected")
					continue
				}
				pkt = repl
				out.Replaced = true
			case ActionDrop:
				out.Dropped = true
			}
			if out.Dropped {
				break
			}
		}
	}

	out.Packets = make([]protocol.Packet, 0, len(before)+1+len(after))
	out.Packets = append(out.Packets, before...)
	if !out.Dropped {
		out.Packets = append(out.Packets, pkt)
	}
	out.Packets = append(out.Packets, after...)
	return out
}

func (c *Chain) checkInjected(ctx *Context, handler int, pkts []protocol.Packet, out *Outcome) []protocol.Packet {
	if len(pkts) == 0 {
		return nil
	}
	kept := make([]protocol.Packet, 0, len(pkts))
	for _, p := range pkts {
		p.Direction = ctx.Direction
		if err := ctx.Limits.Check(p); err != nil {
			out.Errors++
			ctx.Logger.Error().
				Err(fmt.Errorf("%w: %v", ErrInvalidInjection, err)).
				Int("handler", handler).
				Msg("hook injection rejected")
			continue
		}
		kept = append(kept, p)
	}
	out.Injected += len(kept)
	return kept
}

// Opened notifies every SessionHandler that a session started.
func (c *Chain) Opened(ctx *Context) {
	c.notify(ctx, func(h SessionHandler) { h.SessionOpened(ctx) })
}

// Closed notifies every SessionHandler that a session ended.
func (c *Chain) Closed(ctx *Context) {
	c.notify(ctx, func(h SessionHandler) { h.SessionClosed(ctx) })
}

func (c *Chain) notify(ctx *Context, fn func(SessionHandler)) {
	if c == nil {
		return
	}
	for i, h := range c.list() {
		sh, ok := h.(SessionHandler)
		if !ok {
			continue
		}
		if err := guard(func() { fn(sh) }); err != nil {
			ctx.Logger.Error().Err(err).Int("handler", i).Msg("hook session callback failed")
		}
	}
}

func invoke(h Handler, ctx *Context, pkt protocol.Packet) (v Verdict, err error) {
	err = guard(func() {
		v = h.HandlePacket(ctx, pkt.Clone())
	})
	return v, err
}

func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = protocol.Wrap(protocol.KindHook, fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	fn()
	return nil
}
