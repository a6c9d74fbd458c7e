package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/danmuck/realmpipe/internal/testutil/testlog"
)

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range []string{"single", "servers", "official"} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("%s: write template: %v", kind, err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("%s: load template: %v", kind, err)
		}
		if kind == "official" {
			if cfg.ServerListURL != OfficialServerListURL {
				t.Fatalf("official template url %q", cfg.ServerListURL)
			}
		} else if _, err := cfg.ServiceConfig(context.Background()); err != nil {
			t.Fatalf("%s: service config: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("%s: expected refusal to overwrite", kind)
		}
	}
	if _, err := Template("hkdf"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
