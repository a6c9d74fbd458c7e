package proxy

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoServers            = errors.New("proxy: server list is empty")
	ErrUnknownServer        = errors.New("proxy: unknown server")
	ErrAbbreviationConflict = errors.New("proxy: servers share an abbreviation")
)

// GamePort is the port every official server listens on.
const GamePort = 2050

// GameServer is one named upstream.
type GameServer struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// ServerList maps server names to addresses and tracks which one new
// sessions are sent to.
type ServerList struct {
	mu       sync.RWMutex
	servers  map[string]GameServer
	abbrevs  map[string]string
	selected string
}

// NewServerList builds a list from name → address pairs. An empty def picks
// the alphabetically first server. Two names that abbreviate alike are
// rejected.
func NewServerList(servers map[string]string, def string) (*ServerList, error) {
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	l := &ServerList{
		servers: make(map[string]GameServer, len(servers)),
		abbrevs: make(map[string]string, len(servers)),
	}
	for name, addr := range servers {
		name = strings.TrimSpace(name)
		addr = strings.TrimSpace(addr)
		if name == "" || addr == "" {
			return nil, fmt.Errorf("proxy: server %q has empty name or address", name)
		}
		key := strings.ToLower(name)
		if _, dup := l.servers[key]; dup {
			return nil, fmt.Errorf("proxy: duplicate server %q", name)
		}
		l.servers[key] = GameServer{Name: name, Addr: addr}
		short := Abbreviate(name)
		if other, taken := l.abbrevs[short]; taken {
			return nil, fmt.Errorf("%w: %q and %q both abbreviate to %q", ErrAbbreviationConflict, l.servers[other].Name, name, short)
		}
		l.abbrevs[short] = key
	}
	if strings.TrimSpace(def) == "" {
		def = l.List()[0].Name
	}
	if err := l.Select(def); err != nil {
		return nil, err
	}
	return l, nil
}

// SingleServer is a list holding only addr.
func SingleServer(addr string) (*ServerList, error) {
	return NewServerList(map[string]string{"default": addr}, "default")
}

// Lookup matches a full name or its abbreviation, case-insensitively.
func (l *ServerList) Lookup(name string) (GameServer, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lookupLocked(name)
}

func (l *ServerList) lookupLocked(name string) (GameServer, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if s, ok := l.servers[key]; ok {
		return s, true
	}
	if full, ok := l.abbrevs[key]; ok {
		return l.servers[full], true
	}
	return GameServer{}, false
}

// Select makes name the upstream for new sessions.
func (l *ServerList) Select(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.lookupLocked(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	l.selected = strings.ToLower(s.Name)
	return nil
}

func (l *ServerList) Selected() GameServer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.servers[l.selected]
}

// List returns every server sorted by name.
func (l *ServerList) List() []GameServer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]GameServer, 0, len(l.servers))
	for _, s := range l.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var abbreviations = strings.NewReplacer(
	"australia", "aus",
	"east", "e",
	"west", "w",
	"south", "s",
	"north", "n",
	"asia", "as",
	"mid", "m",
)

// Abbreviate shortens a region-style server name, e.g. USSouthWest → ussw.
func Abbreviate(name string) string {
	return abbreviations.Replace(strings.ToLower(name))
}

// charList is the account endpoint document that carries the server list.
type charList struct {
	XMLName xml.Name `xml:"Chars"`
	Servers []struct {
		Name string `xml:"Name"`
		DNS  string `xml:"DNS"`
	} `xml:"Servers>Server"`
}

var listClient = &http.Client{Timeout: 15 * time.Second}

// FetchServerList downloads the official list from url and builds a
// ServerList from it. Every server is reached on GamePort.
func FetchServerList(ctx context.Context, url, def string) (*ServerList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("proxy: server list request: %w", err)
	}
	resp, err := listClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy: fetch server list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy: fetch server list: status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("proxy: read server list: %w", err)
	}
	return ParseServerList(body, def)
}

// ParseServerList reads the <Chars><Servers> document.
func ParseServerList(data []byte, def string) (*ServerList, error) {
	var doc charList
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("proxy: parse server list: %w", err)
	}
	servers := make(map[string]string, len(doc.Servers))
	for _, srv := range doc.Servers {
		host := strings.TrimSpace(srv.DNS)
		if host == "" {
			return nil, fmt.Errorf("proxy: server %q has no address", srv.Name)
		}
		if _, dup := servers[srv.Name]; dup {
			return nil, fmt.Errorf("proxy: duplicate server %q", srv.Name)
		}
		servers[srv.Name] = net.JoinHostPort(host, strconv.Itoa(GamePort))
	}
	return NewServerList(servers, def)
}
