package keyring

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/tokenstore/domain"
)

// Keyring holds the versioned base encryption keys. New tokens seal under
// the current version; decrypt picks the version the token was sealed with,
// so rotation never re-encrypts old tokens.
type Keyring struct {
	current int
	keys    map[int][]byte
}

func New(cfg config.Config) (*Keyring, error) {
	keys := make(map[int][]byte, len(cfg.ServiceKeys)+1)
	for version, raw := range cfg.ServiceKeys {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("encryption key v%d: %w", version, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key v%d must be 32 bytes, got %d", version, len(key))
		}
		keys[version] = key
	}
	if raw := cfg.PrimaryEncryptionKey; raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("primary encryption key: %w", err)
		}
		if len(key) != 32 {
			return nil, errors.New("primary encryption key must be 32 bytes")
		}
		if _, exists := keys[cfg.CurrentKeyVersion]; !exists {
			keys[cfg.CurrentKeyVersion] = key
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("no encryption keys configured")
	}
	current := cfg.CurrentKeyVersion
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("current key version %d has no key", current)
	}
	return &Keyring{current: current, keys: keys}, nil
}

// Current returns the active version and its key.
func (k *Keyring) Current() (int, []byte) {
	return k.current, k.keys[k.current]
}

// Get returns the key for a stored version.
func (k *Keyring) Get(version int) ([]byte, bool) {
	key, ok := k.keys[version]
	return key, ok
}

// Named resolves a client-facing key id to key material. The demo partner
// flow exposes only the primary key; production ids would route to a
// managed secret store here.
func (k *Keyring) Named(keyID string) ([]byte, error) {
	switch keyID {
	case "primary", "demo-primary-key-001":
		return k.keys[k.current], nil
	default:
		return nil, domain.ErrUnknownKey
	}
}

func (k *Keyring) Versions() []int {
	out := make([]int, 0, len(k.keys))
	for v := range k.keys {
		out = append(out, v)
	}
	return out
}

// Fingerprints returns a SHA-256 hex digest per version. Safe to persist;
// the key material itself never leaves the ring.
func (k *Keyring) Fingerprints() map[int]string {
	out := make(map[int]string, len(k.keys))
	for v, key := range k.keys {
		sum := sha256.Sum256(key)
		out[v] = hex.EncodeToString(sum[:])
	}
	return out
}
