package revocation

import (
	"fmt"
	"sync"

	"isxlicense/internal/credential"
)

// TrustedList holds the newest CRL a client has accepted. It is safe for
// concurrent use.
type TrustedList struct {
	verifier *credential.Verifier

	mu    sync.RWMutex
	crl   CRL
	token string
}

// NewTrustedList starts with no trusted CRL (version 0).
func NewTrustedList(verifier *credential.Verifier) *TrustedList {
	return &TrustedList{verifier: verifier}
}

// Adopt verifies token and replaces the trusted list if, and only if, its
// version is strictly greater than the current one. A validly signed list
// with an equal or older version returns ErrRollback and changes nothing.
func (t *TrustedList) Adopt(token string) (CRL, error) {
	crl, reason := Verify(token, t.verifier)
	if reason != credential.ReasonNone {
		return CRL{}, fmt.Errorf("%w: %s", ErrMalformed, reason)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if crl.Version <= t.crl.Version {
		return CRL{}, fmt.Errorf("%w: got %d, trusted %d", ErrRollback, crl.Version, t.crl.Version)
	}
	t.crl = crl
	t.token = token
	return crl, nil
}

// Current returns the trusted CRL and its signed string. The token is empty
// when nothing has been adopted.
func (t *TrustedList) Current() (CRL, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.crl, t.token
}

// Version is the trusted CRL version, 0 when none.
func (t *TrustedList) Version() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.crl.Version
}

// IsRevoked reports whether the trusted CRL lists licenseID.
func (t *TrustedList) IsRevoked(licenseID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.crl.Contains(licenseID)
}
