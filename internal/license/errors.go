package license

import (
	"errors"
	"fmt"
)

var (
	// ErrServerUnreachable wraps transport failures talking to the license
	// server. It never changes the offline determination.
	ErrServerUnreachable = errors.New("license server unreachable")
	// ErrCredentialRejected is returned when the server hands back a
	// credential that does not verify locally or is not usable here.
	ErrCredentialRejected = errors.New("server credential rejected")
	// ErrNotActivated is returned by operations that need a license key.
	ErrNotActivated = errors.New("no license activated")
	// ErrOfflineOnly is returned when no server is configured.
	ErrOfflineOnly = errors.New("license manager has no server configured")
	// ErrStateCorrupt is returned when the state record cannot be opened.
	ErrStateCorrupt = errors.New("license state corrupt")
)

// RemoteError is a problem response from the license server.
type RemoteError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("license server returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("license server returned %d %s: %s", e.StatusCode, e.Code, e.Detail)
}

// Error codes the server uses that the client acts on.
const (
	CodeInvalidLicenseKey = "INVALID_LICENSE_KEY"
	CodeSeatLimitExceeded = "SEAT_LIMIT_EXCEEDED"
	CodeLicenseRevoked    = "LICENSE_REVOKED"
	CodeLicenseExpired    = "LICENSE_EXPIRED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)
