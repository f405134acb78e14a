// Package revocation implements the signed certificate revocation list
// (CRL) that accompanies license credentials.
//
// A CRL uses the credential wire format: base64url(canonical JSON) "."
// base64url(Ed25519 signature), signed with the same versioned keys.
// Clients hold at most one trusted CRL and only replace it with a strictly
// newer version.
package revocation

import (
	"errors"
	"fmt"
	"sort"

	"isxlicense/internal/credential"
)

// CRL is the signed body of a revocation list.
type CRL struct {
	Version           int64    `json:"version"`
	UpdatedAt         string   `json:"updated_at"`
	RevokedLicenseIDs []string `json:"revoked_license_ids"`
	KeyVersion        int      `json:"key_version"`
}

var (
	ErrInvalidVersion = errors.New("crl version must be at least 1")
	ErrMalformed      = errors.New("crl malformed")
	ErrRollback       = errors.New("crl version is not newer than the trusted list")
)

// New builds a CRL with ids normalized to a sorted set.
func New(version int64, updatedAt string, ids []string) CRL {
	return CRL{Version: version, UpdatedAt: updatedAt, RevokedLicenseIDs: normalize(ids)}
}

// Contains reports whether licenseID is revoked by c.
func (c CRL) Contains(licenseID string) bool {
	i := sort.SearchStrings(c.RevokedLicenseIDs, licenseID)
	return i < len(c.RevokedLicenseIDs) && c.RevokedLicenseIDs[i] == licenseID
}

func normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Sign stamps signer's key version onto c and returns the CRL string.
func Sign(c CRL, signer *credential.Signer) (string, error) {
	if c.Version < 1 {
		return "", ErrInvalidVersion
	}
	c.RevokedLicenseIDs = normalize(c.RevokedLicenseIDs)
	c.KeyVersion = signer.KeyVersion()

	body, err := credential.Encode(c)
	if err != nil {
		return "", fmt.Errorf("sign crl: %w", err)
	}
	return signer.SignBytes(body), nil
}

type wireCRL struct {
	Version           *int64    `json:"version"`
	UpdatedAt         *string   `json:"updated_at"`
	RevokedLicenseIDs *[]string `json:"revoked_license_ids"`
	KeyVersion        *int      `json:"key_version"`
}

// Verify authenticates token and decodes the list. The returned reason is
// credential.ReasonNone on success.
func Verify(token string, verifier *credential.Verifier) (CRL, credential.Reason) {
	body, reason := verifier.Open(token)
	if reason != credential.ReasonNone {
		return CRL{}, reason
	}

	var w wireCRL
	if err := credential.DecodeStrict(body, &w); err != nil {
		return CRL{}, credential.ReasonMalformed
	}
	if w.Version == nil || w.UpdatedAt == nil || w.RevokedLicenseIDs == nil || w.KeyVersion == nil {
		return CRL{}, credential.ReasonMalformed
	}
	if *w.Version < 1 {
		return CRL{}, credential.ReasonMalformed
	}

	return CRL{
		Version:           *w.Version,
		UpdatedAt:         *w.UpdatedAt,
		RevokedLicenseIDs: normalize(*w.RevokedLicenseIDs),
		KeyVersion:        *w.KeyVersion,
	}, credential.ReasonNone
}
