package config

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/realmpipe/internal/plugins"
	"github.com/danmuck/realmpipe/internal/protocol/cipher"
	"github.com/danmuck/realmpipe/internal/protocol/frame"
	"github.com/danmuck/realmpipe/internal/testutil/testlog"
)

const testKey = "311f80691451c71d09a13a2a6e4e2f2a1b3c4d5e6f708192a3b4"

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	writeFile(t, dir, "packets.yaml", `
versions:
  "x.1":
    - {id: 1, name: hello}
    - {id: 2, name: ping}
`)
	path := writeFile(t, dir, "realmpipe.toml", `
server_addr = "127.0.0.1:2051"
rc4_key = "`+testKey+`"
registry_file = "packets.yaml"
protocol_version = "x.1"
id_width = 2
idle_timeout = "90s"
log_packets = true
drop_packets = ["ping"]
hooks = ["log_packets"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != Default().ListenAddr {
		t.Fatalf("listen_addr default not kept: %q", cfg.ListenAddr)
	}
	if cfg.IDWidth != frame.IDWidthShort || cfg.IdleTimeout != 90*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.RegistryFile != filepath.Join(dir, "packets.yaml") {
		t.Fatalf("registry path not resolved: %q", cfg.RegistryFile)
	}

	svc, err := cfg.ServiceConfig(context.Background())
	if err != nil {
		t.Fatalf("service config: %v", err)
	}
	if len(svc.Handlers) != 3 {
		t.Fatalf("expected three handlers, got %d", len(svc.Handlers))
	}
	if got := svc.Servers.Selected().Addr; got != "127.0.0.1:2051" {
		t.Fatalf("unexpected server %q", got)
	}
	if id, ok := svc.Session.Registry.IDForName("PING", "x.1"); !ok || id != 2 {
		t.Fatalf("registry not loaded: id=%d ok=%v", id, ok)
	}
	keys, err := svc.Keys.SessionKeys("s1")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys.ClientToServer) != cipher.SplitKeyLen/2 {
		t.Fatalf("unexpected key length %d", len(keys.ClientToServer))
	}
}

func TestLoadServerTable(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, t.TempDir(), "realmpipe.toml", `
default_server = "EUWest"
rc4_key = "`+testKey+`"

[servers]
USEast = "10.0.0.1:2050"
EUWest = "10.0.0.2:2050"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	svc, err := cfg.ServiceConfig(context.Background())
	if err != nil {
		t.Fatalf("service config: %v", err)
	}
	if got := svc.Servers.Selected().Addr; got != "10.0.0.2:2050" {
		t.Fatalf("unexpected default server %q", got)
	}
	if s, ok := svc.Servers.Lookup("use"); !ok || s.Addr != "10.0.0.1:2050" {
		t.Fatalf("abbreviated lookup failed: %+v ok=%v", s, ok)
	}
}

func TestLoadServerListURL(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<Chars><Servers>
<Server><Name>USEast</Name><DNS>10.1.0.1</DNS></Server>
<Server><Name>EUWest</Name><DNS>10.1.0.2</DNS></Server>
</Servers></Chars>`))
	}))
	defer srv.Close()

	path := writeFile(t, t.TempDir(), "realmpipe.toml", `
server_list_url = "`+srv.URL+`/char/list"
default_server = "euw"
rc4_key = "`+testKey+`"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	svc, err := cfg.ServiceConfig(context.Background())
	if err != nil {
		t.Fatalf("service config: %v", err)
	}
	if got := svc.Servers.Selected(); got.Name != "EUWest" || got.Addr != "10.1.0.2:2050" {
		t.Fatalf("unexpected selected server %+v", got)
	}
}

func TestRegistryMustDefineProtocolVersion(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	writeFile(t, dir, "packets.yaml", `
versions:
  "x.1":
    - {id: 1, name: hello}
`)
	path := writeFile(t, dir, "realmpipe.toml", `
server_addr = "127.0.0.1:2051"
rc4_key = "`+testKey+`"
registry_file = "packets.yaml"
protocol_version = "x.2"
drop_packets = ["hello"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err = cfg.ServiceConfig(context.Background())
	if err == nil || !strings.Contains(err.Error(), `"x.2"`) {
		t.Fatalf("expected missing version error, got %v", err)
	}
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"missing server": `rc4_key = "` + testKey + `"`,
		"missing key":    `server_addr = "127.0.0.1:1"`,
		"bad key":        `server_addr = "127.0.0.1:1"` + "\n" + `rc4_key = "zz"`,
		"bad duration":   `server_addr = "127.0.0.1:1"` + "\n" + `rc4_key = "` + testKey + `"` + "\n" + `dial_timeout = "soon"`,
		"bad id width":   `server_addr = "127.0.0.1:1"` + "\n" + `rc4_key = "` + testKey + `"` + "\n" + `id_width = 3`,
		"unknown key":    `server_addr = "127.0.0.1:1"` + "\n" + `rc4_key = "` + testKey + `"` + "\n" + `colour = "red"`,
		"derived keys":   `server_addr = "127.0.0.1:1"` + "\n" + `rc4_key = "` + testKey + `"` + "\n" + `key_derivation = "hkdf"`,
		"no version":     `server_addr = "127.0.0.1:1"` + "\n" + `rc4_key = "` + testKey + `"` + "\n" + `registry_file = "packets.yaml"`,
		"list and addr":  `server_addr = "127.0.0.1:1"` + "\n" + `rc4_key = "` + testKey + `"` + "\n" + `server_list_url = "http://127.0.0.1:9/list"`,
		"bad list url":   `server_list_url = "ftp://example.com/list"` + "\n" + `rc4_key = "` + testKey + `"`,
		"both servers":   `server_addr = "127.0.0.1:1"` + "\n" + `rc4_key = "` + testKey + `"` + "\n" + `[servers]` + "\n" + `a = "127.0.0.1:2"`,
	}
	dir := t.TempDir()
	for name, body := range cases {
		path := writeFile(t, dir, strings.ReplaceAll(name, " ", "_")+".toml", body)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestServiceConfigRejectsUnknownHook(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	cfg.ServerAddr = "127.0.0.1:1"
	cfg.RC4Key = testKey
	cfg.Hooks = []string{"no_such_hook"}
	if _, err := cfg.ServiceConfig(context.Background()); !errors.Is(err, plugins.ErrUnknownPlugin) {
		t.Fatalf("expected unknown plugin, got %v", err)
	}
}
