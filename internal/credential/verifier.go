package credential

import (
	"crypto/ed25519"
	"encoding/json"
	"strings"
)

// Verifier authenticates credential strings against a KeyRing.
type Verifier struct {
	ring *KeyRing
}

// NewVerifier returns a verifier that trusts the keys in ring.
func NewVerifier(ring *KeyRing) (*Verifier, error) {
	if ring == nil || len(ring.keys) == 0 {
		return nil, ErrEmptyKeyRing
	}
	return &Verifier{ring: ring}, nil
}

// Ring exposes the trusted keys, mainly so the revocation list verifier can
// share them.
func (v *Verifier) Ring() *KeyRing {
	return v.ring
}

// Verify authenticates token and parses its payload. It never panics or
// returns an error for hostile input; every failure is an Invalid result.
func (v *Verifier) Verify(token string) Result {
	body, reason := v.Open(token)
	if reason != ReasonNone {
		return Invalid(reason)
	}

	p, err := ParsePayload(body)
	if err != nil {
		return Invalid(ReasonMalformed)
	}
	return Valid(p)
}

// Open checks the shape and signature of any two segment token signed under
// this ring and returns the literal signed bytes. The bytes are not
// otherwise interpreted beyond reading key_version.
func (v *Verifier) Open(token string) ([]byte, Reason) {
	if token == "" {
		return nil, ReasonNoCredential
	}

	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ReasonMalformed
	}

	body, err := segmentEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ReasonMalformed
	}
	sig, err := segmentEncoding.DecodeString(parts[1])
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, ReasonMalformed
	}

	version, ok := probeKeyVersion(body)
	if !ok {
		return nil, ReasonMalformed
	}
	pub, ok := v.ring.PublicKey(version)
	if !ok {
		return nil, ReasonUnknownKey
	}

	if !ed25519.Verify(pub, body, sig) {
		return nil, ReasonBadSignature
	}
	return body, ReasonNone
}

// probeKeyVersion reads only key_version so the right public key can be
// selected. Nothing else in the body is trusted until the signature checks.
func probeKeyVersion(body []byte) (int, bool) {
	var probe struct {
		KeyVersion *int `json:"key_version"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.KeyVersion == nil {
		return 0, false
	}
	return *probe.KeyVersion, true
}

// Verify authenticates token with a single trusted public key registered
// under version.
func Verify(token string, version int, pub ed25519.PublicKey) Result {
	ring, err := NewKeyRing(map[int]ed25519.PublicKey{version: pub})
	if err != nil {
		return Invalid(ReasonUnknownKey)
	}
	return (&Verifier{ring: ring}).Verify(token)
}
