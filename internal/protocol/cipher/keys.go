package cipher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/realmpipe/internal/protocol"
	"golang.org/x/crypto/hkdf"
)

// SplitKeyLen is the size of the unified hex key shipped with the game client.
// The first half keys client->server traffic, the second half server->client.
const SplitKeyLen = 26

// KeyMaterial carries one key per direction. The two never share state.
type KeyMaterial struct {
	ClientToServer []byte
	ServerToClient []byte
}

// For returns the key for dir.
func (k KeyMaterial) For(dir protocol.Direction) []byte {
	if dir == protocol.ClientToServer {
		return k.ClientToServer
	}
	return k.ServerToClient
}

// Validate checks both keys are usable. expectedLen of 0 skips the length check.
func (k KeyMaterial) Validate(expectedLen int) error {
	for _, dir := range []protocol.Direction{protocol.ClientToServer, protocol.ServerToClient} {
		key := k.For(dir)
		if len(key) == 0 || len(key) > 256 {
			return badKey("%s key length %d", dir, len(key))
		}
		if expectedLen > 0 && len(key) != expectedLen {
			return badKey("%s key length %d, want %d", dir, len(key), expectedLen)
		}
	}
	return nil
}

// Clone copies both keys.
func (k KeyMaterial) Clone() KeyMaterial {
	return KeyMaterial{
		ClientToServer: bytes.Clone(k.ClientToServer),
		ServerToClient: bytes.Clone(k.ServerToClient),
	}
}

// ParseSplitHexKey decodes the unified key and splits it into directional halves.
func ParseSplitHexKey(raw string) (KeyMaterial, error) {
	b, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return KeyMaterial{}, badKey("decode hex: %v", err)
	}
	if len(b) != SplitKeyLen {
		return KeyMaterial{}, badKey("unified key length %d, want %d", len(b), SplitKeyLen)
	}
	half := SplitKeyLen / 2
	return KeyMaterial{
		ClientToServer: b[:half],
		ServerToClient: b[half:],
	}, nil
}

// KeySource supplies key material for a new session.
type KeySource interface {
	SessionKeys(sessionID string) (KeyMaterial, error)
}

// StaticKeys hands every session the same key pair.
type StaticKeys struct {
	Keys KeyMaterial
}

func (s StaticKeys) SessionKeys(string) (KeyMaterial, error) {
	if err := s.Keys.Validate(0); err != nil {
		return KeyMaterial{}, err
	}
	return s.Keys.Clone(), nil
}

// HKDFKeys derives a distinct key pair per session from a shared secret and
// the session ID. Game endpoints never see the session ID, so this only
// serves harnesses that drive both ends of a session themselves; the
// service is configured with StaticKeys.
type HKDFKeys struct {
	Secret []byte
	KeyLen int
}

const (
	infoClientToServer = "realmpipe c2s"
	infoServerToClient = "realmpipe s2c"
)

func (h HKDFKeys) SessionKeys(sessionID string) (KeyMaterial, error) {
	if len(h.Secret) == 0 {
		return KeyMaterial{}, badKey("empty hkdf secret")
	}
	n := h.KeyLen
	if n <= 0 {
		n = SplitKeyLen / 2
	}
	c2s, err := h.derive(sessionID, infoClientToServer, n)
	if err != nil {
		return KeyMaterial{}, err
	}
	s2c, err := h.derive(sessionID, infoServerToClient, n)
	if err != nil {
		return KeyMaterial{}, err
	}
	km := KeyMaterial{ClientToServer: c2s, ServerToClient: s2c}
	if err := km.Validate(n); err != nil {
		return KeyMaterial{}, err
	}
	return km, nil
}

func (h HKDFKeys) derive(sessionID, info string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, h.Secret, []byte(sessionID), []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, badKey("hkdf %s: %v", info, err)
	}
	return out, nil
}

func badKey(format string, args ...any) error {
	return protocol.Wrap(protocol.KindCipher, fmt.Errorf("%w: "+format, append([]any{ErrBadKeyMaterial}, args...)...))
}
