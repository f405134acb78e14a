package credential

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNoPrivateKey      = errors.New("no signing key configured")
	ErrInvalidPrivateKey = errors.New("invalid signing key, expected Ed25519")
	ErrInvalidPublicKey  = errors.New("invalid public key, expected Ed25519")
	ErrEmptyKeyRing      = errors.New("key ring has no public keys")
)

// SigningKey is the private half of a versioned Ed25519 key pair.
type SigningKey struct {
	Version int
	Private ed25519.PrivateKey
}

// NewSigningKey checks that priv is a usable Ed25519 key for version.
func NewSigningKey(version int, priv ed25519.PrivateKey) (SigningKey, error) {
	if len(priv) == 0 {
		return SigningKey{}, ErrNoPrivateKey
	}
	if len(priv) != ed25519.PrivateKeySize {
		return SigningKey{}, ErrInvalidPrivateKey
	}
	if version < 1 {
		return SigningKey{}, ErrInvalidKeyVer
	}
	return SigningKey{Version: version, Private: priv}, nil
}

// Public returns the verifying key matching k.
func (k SigningKey) Public() ed25519.PublicKey {
	return k.Private.Public().(ed25519.PublicKey)
}

// ParsePrivateKey accepts a PEM "PRIVATE KEY" block (PKCS#8), a base64
// 32-byte seed, or a base64 64-byte private key.
func ParsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, ErrNoPrivateKey
	}

	if block, _ := pem.Decode([]byte(trimmed)); block != nil {
		if block.Type != "PRIVATE KEY" {
			return nil, fmt.Errorf("%w: unsupported PEM type %q", ErrInvalidPrivateKey, block.Type)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		key, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, ErrInvalidPrivateKey
		}
		return key, nil
	}

	raw, err := decodeKeyText(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, ErrInvalidPrivateKey
	}
}

// ParsePublicKey accepts a PEM "PUBLIC KEY" block (SPKI) or base64 raw key.
func ParsePublicKey(data []byte) (ed25519.PublicKey, error) {
	trimmed := strings.TrimSpace(string(data))
	if block, _ := pem.Decode([]byte(trimmed)); block != nil {
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		key, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, ErrInvalidPublicKey
		}
		return key, nil
	}

	raw, err := decodeKeyText(trimmed)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return ed25519.PublicKey(raw), nil
}

// MarshalPrivateKeyPEM encodes priv as a PKCS#8 PEM block.
func MarshalPrivateKeyPEM(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKey renders pub in the base64url form accepted by ParsePublicKey.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

func decodeKeyText(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, errors.New("not base64")
}

// KeyRing maps key versions to Ed25519 public keys. It is immutable after
// construction and safe for concurrent use.
type KeyRing struct {
	keys map[int]ed25519.PublicKey
}

// NewKeyRing builds a ring from version → key. At least one key is required.
func NewKeyRing(keys map[int]ed25519.PublicKey) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKeyRing
	}
	ring := &KeyRing{keys: make(map[int]ed25519.PublicKey, len(keys))}
	for version, key := range keys {
		if version < 1 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidKeyVer, version)
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: version %d", ErrInvalidPublicKey, version)
		}
		ring.keys[version] = append(ed25519.PublicKey(nil), key...)
	}
	return ring, nil
}

// PublicKey returns the key registered for version.
func (r *KeyRing) PublicKey(version int) (ed25519.PublicKey, bool) {
	if r == nil {
		return nil, false
	}
	key, ok := r.keys[version]
	return key, ok
}

// Versions lists the registered versions in ascending order.
func (r *KeyRing) Versions() []int {
	versions := make([]int, 0, len(r.keys))
	for v := range r.keys {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}
