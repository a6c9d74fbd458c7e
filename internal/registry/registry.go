// Package registry maps numeric packet ids to semantic names per protocol version.
//
// The table is built by an extraction step outside the proxy and loaded once.
// Sessions hold it read-only; an unknown id or name is a normal miss.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/danmuck/realmpipe/internal/protocol"
	"gopkg.in/yaml.v3"
)

var (
	ErrDuplicateID   = errors.New("registry: duplicate packet id")
	ErrDuplicateName = errors.New("registry: duplicate packet name")
	ErrEmptyVersion  = errors.New("registry: empty protocol version")
)

// Registry is the lookup contract the core consumes.
type Registry interface {
	IDForName(name, version string) (protocol.PacketID, bool)
	NameForID(id protocol.PacketID, version string) (string, bool)
}

// Entry is one id<->name mapping scoped to a version.
type Entry struct {
	ID   protocol.PacketID `yaml:"id"`
	Name string            `yaml:"name"`
}

type versionTable struct {
	byID   map[protocol.PacketID]string
	byName map[string]protocol.PacketID
}

// Table is an immutable multi-version registry. Build it with NewTable or LoadYAML.
type Table struct {
	versions map[string]versionTable
}

var _ Registry = (*Table)(nil)

// Empty is a registry that recognises nothing.
var Empty Registry = &Table{}

// NewTable builds a table from entries grouped by version.
func NewTable(entries map[string][]Entry) (*Table, error) {
	t := &Table{versions: make(map[string]versionTable, len(entries))}
	for version, list := range entries {
		version = strings.TrimSpace(version)
		if version == "" {
			return nil, ErrEmptyVersion
		}
		vt := versionTable{
			byID:   make(map[protocol.PacketID]string, len(list)),
			byName: make(map[string]protocol.PacketID, len(list)),
		}
		for _, e := range list {
			name := normalizeName(e.Name)
			if name == "" {
				return nil, fmt.Errorf("registry: version %q id %d missing name", version, e.ID)
			}
			if _, ok := vt.byID[e.ID]; ok {
				return nil, fmt.Errorf("%w: version %q id %d", ErrDuplicateID, version, e.ID)
			}
			if _, ok := vt.byName[name]; ok {
				return nil, fmt.Errorf("%w: version %q name %q", ErrDuplicateName, version, name)
			}
			vt.byID[e.ID] = name
			vt.byName[name] = e.ID
		}
		t.versions[version] = vt
	}
	return t, nil
}

func (t *Table) IDForName(name, version string) (protocol.PacketID, bool) {
	vt, ok := t.versions[version]
	if !ok {
		return 0, false
	}
	id, ok := vt.byName[normalizeName(name)]
	return id, ok
}

func (t *Table) NameForID(id protocol.PacketID, version string) (string, bool) {
	vt, ok := t.versions[version]
	if !ok {
		return "", false
	}
	name, ok := vt.byID[id]
	return name, ok
}

// Versions lists the protocol versions the table knows, sorted.
func (t *Table) Versions() []string {
	out := make([]string, 0, len(t.versions))
	for v := range t.versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type fileFormat struct {
	Versions map[string][]Entry `yaml:"versions"`
}

// LoadYAML reads a registry file of the form:
//
//	versions:
//	  "X31.2.0":
//	    - {id: 1, name: FAILURE}
func LoadYAML(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry load failed (%s): %w", path, err)
	}
	return ParseYAML(data)
}

func ParseYAML(data []byte) (*Table, error) {
	var raw fileFormat
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("registry parse failed: %w", err)
	}
	return NewTable(raw.Versions)
}

func normalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
