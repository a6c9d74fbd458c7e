package main

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/realmpipe/internal/protocol"
	"github.com/danmuck/realmpipe/internal/testutil/testlog"
)

func TestLoadExampleConfig(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadServiceConfig(context.Background(), "ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:2050" || cfg.AdminAddr != "127.0.0.1:2099" {
		t.Fatalf("unexpected addresses: listen=%q admin=%q", cfg.ListenAddr, cfg.AdminAddr)
	}
	if got := cfg.Servers.Selected().Name; got != "USEast" {
		t.Fatalf("unexpected default server %q", got)
	}
	if cfg.Session.IdleTimeout != 5*time.Minute {
		t.Fatalf("unexpected idle timeout %v", cfg.Session.IdleTimeout)
	}
	if name, ok := cfg.Session.Registry.NameForID(protocol.PacketID(16), "X31.2.0"); !ok || name != "PING" {
		t.Fatalf("registry not loaded: %q ok=%v", name, ok)
	}
	if len(cfg.Handlers) != 1 {
		t.Fatalf("expected drop handler only, got %d handlers", len(cfg.Handlers))
	}
}
