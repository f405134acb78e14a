package credential

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

var segmentEncoding = base64.RawURLEncoding.Strict()

// Signer issues credential strings with one Ed25519 key. It holds no other
// state and is safe for concurrent use.
type Signer struct {
	key SigningKey
}

// NewSigner returns a signer for key. A missing or malformed key is a
// configuration error the caller should treat as fatal.
func NewSigner(key SigningKey) (*Signer, error) {
	if _, err := NewSigningKey(key.Version, key.Private); err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	return &Signer{key: key}, nil
}

// KeyVersion is the version stamped into every payload this signer issues.
func (s *Signer) KeyVersion() int {
	return s.key.Version
}

// Public returns the verifying key for credentials issued by s.
func (s *Signer) Public() ed25519.PublicKey {
	return s.key.Public()
}

// Issue stamps the signer's key version and the current schema version onto
// p, validates it and returns the signed credential string.
func (s *Signer) Issue(p Payload) (string, error) {
	p.KeyVersion = s.key.Version
	p.SchemaVersion = SchemaVersion
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("issue credential: %w", err)
	}

	body, err := Encode(p)
	if err != nil {
		return "", err
	}
	return s.SignBytes(body), nil
}

// SignBytes signs already canonical bytes and returns the two segment
// string. It is shared with the revocation list codec.
func (s *Signer) SignBytes(body []byte) string {
	sig := ed25519.Sign(s.key.Private, body)
	return segmentEncoding.EncodeToString(body) + "." + segmentEncoding.EncodeToString(sig)
}

// Issue is the functional form of Signer.Issue for one-off use.
func Issue(p Payload, key SigningKey) (string, error) {
	s, err := NewSigner(key)
	if err != nil {
		return "", err
	}
	return s.Issue(p)
}
