package plugins

import (
	"errors"
	"testing"

	"github.com/danmuck/realmpipe/internal/hook"
	"github.com/danmuck/realmpipe/internal/protocol"
	"github.com/danmuck/realmpipe/internal/testutil/testlog"
)

func TestRegisterAndBuild(t *testing.T) {
	testlog.Start(t)
	err := Register("Drop_All", func() hook.Handler {
		return hook.HandlerFunc(func(*hook.Context, protocol.Packet) hook.Verdict { return hook.Drop() })
	})
	if err != nil && !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("register: %v", err)
	}
	if err := Register("drop_all", func() hook.Handler { return nil }); !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	handlers, err := Build("log_packets", "drop_all")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(handlers) != 2 {
		t.Fatalf("expected two handlers, got %d", len(handlers))
	}
	v := handlers[1].HandlePacket(&hook.Context{}, protocol.Packet{ID: 1})
	if v.Action != hook.ActionDrop {
		t.Fatalf("expected drop, got %v", v.Action)
	}

	if _, err := Build("missing"); !errors.Is(err, ErrUnknownPlugin) {
		t.Fatalf("expected unknown plugin, got %v", err)
	}
	names := Names()
	if len(names) < 2 || names[0] != "drop_all" {
		t.Fatalf("unexpected names %v", names)
	}
}
