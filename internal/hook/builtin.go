package hook

import (
	"strings"

	"github.com/danmuck/realmpipe/internal/protocol"
)

// LogPackets logs every packet at debug level and passes it through.
func LogPackets() Handler {
	return HandlerFunc(func(ctx *Context, pkt protocol.Packet) Verdict {
		name, ok := ctx.Name(pkt.ID)
		if !ok {
			name = "UNKNOWN"
		}
		ctx.Logger.Debug().
			Str("direction", pkt.Direction.String()).
			Uint16("id", uint16(pkt.ID)).
			Str("name", name).
			Int("len", len(pkt.Payload)).
			Msg("packet")
		return Pass()
	})
}

// DropByName drops packets whose registry name is in names.
// Packets the registry does not recognise always pass.
func DropByName(names ...string) Handler {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToUpper(strings.TrimSpace(n))
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return HandlerFunc(func(ctx *Context, pkt protocol.Packet) Verdict {
		name, ok := ctx.Name(pkt.ID)
		if !ok {
			return Pass()
		}
		if _, drop := set[name]; drop {
			return Drop()
		}
		return Pass()
	})
}
