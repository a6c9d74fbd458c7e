package config

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/realmpipe/internal/hook"
	"github.com/danmuck/realmpipe/internal/plugins"
	"github.com/danmuck/realmpipe/internal/protocol/cipher"
	"github.com/danmuck/realmpipe/internal/protocol/frame"
	"github.com/danmuck/realmpipe/internal/proxy"
	"github.com/danmuck/realmpipe/internal/registry"
	"github.com/danmuck/realmpipe/internal/session"
)

// Config is realmpipe.toml after defaults are applied.
type Config struct {
	ListenAddr       string
	ServerAddr       string
	Servers          map[string]string
	ServerListURL    string
	DefaultServer    string
	AdminAddr        string
	AdminCORSOrigins []string
	AdminToken       string
	RegistryFile     string
	ProtocolVersion  string
	RC4Key           string
	MaxPacketBytes   uint32
	IDWidth          int
	ReadBufferBytes  int
	WriteTimeout     time.Duration
	DialTimeout      time.Duration
	IdleTimeout      time.Duration
	PolicyFile       bool
	LogPackets       bool
	DropPackets      []string
	Hooks            []string
}

// realmpipe.toml key mapping.
type fileConfig struct {
	ListenAddr       string            `toml:"listen_addr"`
	ServerAddr       string            `toml:"server_addr"`
	Servers          map[string]string `toml:"servers"`
	ServerListURL    string            `toml:"server_list_url"`
	DefaultServer    string            `toml:"default_server"`
	AdminAddr        string            `toml:"admin_addr"`
	AdminCORSOrigins []string          `toml:"admin_cors_origins"`
	AdminToken       string            `toml:"admin_token"`
	RegistryFile     string            `toml:"registry_file"`
	ProtocolVersion  string            `toml:"protocol_version"`
	RC4Key           string            `toml:"rc4_key"`
	MaxPacketBytes   int64             `toml:"max_packet_bytes"`
	IDWidth          int               `toml:"id_width"`
	ReadBufferBytes  int               `toml:"read_buffer_bytes"`
	WriteTimeout     string            `toml:"write_timeout"`
	DialTimeout      string            `toml:"dial_timeout"`
	IdleTimeout      string            `toml:"idle_timeout"`
	PolicyFile       bool              `toml:"policy_file"`
	LogPackets       bool              `toml:"log_packets"`
	DropPackets      []string          `toml:"drop_packets"`
	Hooks            []string          `toml:"hooks"`
}

func Default() Config {
	svc := proxy.DefaultServiceConfig()
	sess := session.DefaultConfig()
	return Config{
		ListenAddr:      svc.ListenAddr,
		MaxPacketBytes:  sess.Limits.MaxFrameBytes,
		IDWidth:         sess.Limits.IDWidth,
		ReadBufferBytes: sess.ReadBufferBytes,
		WriteTimeout:    sess.WriteTimeout,
		DialTimeout:     svc.DialTimeout,
		PolicyFile:      svc.PolicyFile,
	}
}

// Load reads path and overlays every key it defines onto Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load realmpipe config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load realmpipe config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("server_addr") {
		cfg.ServerAddr = strings.TrimSpace(raw.ServerAddr)
	}
	if meta.IsDefined("servers") {
		cfg.Servers = raw.Servers
	}
	if meta.IsDefined("server_list_url") {
		cfg.ServerListURL = strings.TrimSpace(raw.ServerListURL)
	}
	if meta.IsDefined("default_server") {
		cfg.DefaultServer = strings.TrimSpace(raw.DefaultServer)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_cors_origins") {
		cfg.AdminCORSOrigins = raw.AdminCORSOrigins
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("registry_file") {
		cfg.RegistryFile = resolvePath(path, strings.TrimSpace(raw.RegistryFile))
	}
	if meta.IsDefined("protocol_version") {
		cfg.ProtocolVersion = strings.TrimSpace(raw.ProtocolVersion)
	}
	if meta.IsDefined("rc4_key") {
		cfg.RC4Key = strings.TrimSpace(raw.RC4Key)
	}
	if meta.IsDefined("max_packet_bytes") {
		if raw.MaxPacketBytes <= 0 || raw.MaxPacketBytes > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("load realmpipe config: max_packet_bytes out of range: %d", raw.MaxPacketBytes)
		}
		cfg.MaxPacketBytes = uint32(raw.MaxPacketBytes)
	}
	if meta.IsDefined("id_width") {
		cfg.IDWidth = raw.IDWidth
	}
	if meta.IsDefined("read_buffer_bytes") {
		cfg.ReadBufferBytes = raw.ReadBufferBytes
	}
	if meta.IsDefined("policy_file") {
		cfg.PolicyFile = raw.PolicyFile
	}
	if meta.IsDefined("log_packets") {
		cfg.LogPackets = raw.LogPackets
	}
	if meta.IsDefined("drop_packets") {
		cfg.DropPackets = raw.DropPackets
	}
	if meta.IsDefined("hooks") {
		cfg.Hooks = raw.Hooks
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("load realmpipe config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load realmpipe config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr is required")
	}
	sources := 0
	for _, set := range []bool{c.ServerAddr != "", len(c.Servers) > 0, c.ServerListURL != ""} {
		if set {
			sources++
		}
	}
	if sources == 0 {
		return fmt.Errorf("one of server_addr, servers or server_list_url is required")
	}
	if sources > 1 {
		return fmt.Errorf("server_addr, servers and server_list_url are mutually exclusive")
	}
	if c.DefaultServer != "" && c.ServerAddr != "" {
		return fmt.Errorf("default_server requires servers or server_list_url")
	}
	if c.ServerListURL != "" && !strings.HasPrefix(c.ServerListURL, "http://") && !strings.HasPrefix(c.ServerListURL, "https://") {
		return fmt.Errorf("server_list_url must be an http or https url")
	}
	if c.RC4Key == "" {
		return fmt.Errorf("rc4_key is required")
	}
	if _, err := cipher.ParseSplitHexKey(c.RC4Key); err != nil {
		return err
	}
	if c.RegistryFile != "" && c.ProtocolVersion == "" {
		return fmt.Errorf("registry_file requires protocol_version")
	}
	if c.WriteTimeout < 0 || c.DialTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.ReadBufferBytes < 0 {
		return fmt.Errorf("read_buffer_bytes must not be negative")
	}
	return c.limits().Validate()
}

func (c Config) limits() frame.Limits {
	return frame.Limits{MaxFrameBytes: c.MaxPacketBytes, IDWidth: c.IDWidth}
}

// KeySource builds the per-session key supplier. The game ships one fixed
// key, so every session gets the same pair.
func (c Config) KeySource() (cipher.KeySource, error) {
	keys, err := cipher.ParseSplitHexKey(c.RC4Key)
	if err != nil {
		return nil, err
	}
	return cipher.StaticKeys{Keys: keys}, nil
}

// Registry loads registry_file, or returns the empty registry. The table
// must define protocol_version, otherwise no name would ever resolve.
func (c Config) Registry() (registry.Registry, error) {
	if c.RegistryFile == "" {
		return registry.Empty, nil
	}
	table, err := registry.LoadYAML(c.RegistryFile)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(table.Versions(), c.ProtocolVersion) {
		return nil, fmt.Errorf("registry %s has no protocol_version %q (have %s)",
			c.RegistryFile, c.ProtocolVersion, strings.Join(table.Versions(), ", "))
	}
	return table, nil
}

// Handlers returns the hooks the file enables, in chain order: packet
// logging, name drops, then named plugins.
func (c Config) Handlers() ([]hook.Handler, error) {
	var out []hook.Handler
	if c.LogPackets {
		out = append(out, hook.LogPackets())
	}
	if len(c.DropPackets) > 0 {
		out = append(out, hook.DropByName(c.DropPackets...))
	}
	named, err := plugins.Build(c.Hooks...)
	if err != nil {
		return nil, err
	}
	return append(out, named...), nil
}

// ServiceConfig assembles the proxy configuration. extra handlers run after
// the built-in ones. ctx bounds the server list download when
// server_list_url is set.
func (c Config) ServiceConfig(ctx context.Context, extra ...hook.Handler) (proxy.ServiceConfig, error) {
	if err := c.Validate(); err != nil {
		return proxy.ServiceConfig{}, err
	}
	servers, err := c.serverList(ctx)
	if err != nil {
		return proxy.ServiceConfig{}, err
	}
	keys, err := c.KeySource()
	if err != nil {
		return proxy.ServiceConfig{}, err
	}
	reg, err := c.Registry()
	if err != nil {
		return proxy.ServiceConfig{}, err
	}
	handlers, err := c.Handlers()
	if err != nil {
		return proxy.ServiceConfig{}, err
	}

	svc := proxy.DefaultServiceConfig()
	svc.ListenAddr = c.ListenAddr
	svc.AdminAddr = c.AdminAddr
	svc.AdminCORSOrigins = c.AdminCORSOrigins
	svc.AdminToken = c.AdminToken
	svc.Servers = servers
	svc.Keys = keys
	svc.Handlers = append(handlers, extra...)
	svc.DialTimeout = c.DialTimeout
	svc.PolicyFile = c.PolicyFile
	svc.Session.ProtocolVersion = c.ProtocolVersion
	svc.Session.Registry = reg
	svc.Session.Limits = c.limits()
	svc.Session.ReadBufferBytes = c.ReadBufferBytes
	svc.Session.WriteTimeout = c.WriteTimeout
	svc.Session.IdleTimeout = c.IdleTimeout
	return svc, nil
}

func (c Config) serverList(ctx context.Context) (*proxy.ServerList, error) {
	if c.ServerAddr != "" {
		return proxy.SingleServer(c.ServerAddr)
	}
	if c.ServerListURL != "" {
		return proxy.FetchServerList(ctx, c.ServerListURL, c.DefaultServer)
	}
	return proxy.NewServerList(c.Servers, c.DefaultServer)
}

func resolvePath(configPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
