package activation

import (
	"context"
	"errors"
	"time"

	"isxlicense/internal/credential"
)

// Status is the lifecycle state of an issued license.
type Status string

const (
	StatusActive   Status = "active"
	StatusRevoked  Status = "revoked"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusRevoked || s == StatusCanceled
}

// Terminal reports whether s stops the license from working anywhere.
func (s Status) Terminal() bool {
	return s == StatusRevoked || s == StatusCanceled
}

var (
	ErrSeatLimitExceeded  = errors.New("seat limit exceeded")
	ErrLicenseNotFound    = errors.New("license not found")
	ErrLicenseInactive    = errors.New("license is not active")
	ErrLicenseExpired     = errors.New("license expired")
	ErrActivationNotFound = errors.New("activation not found")
	ErrDuplicateLicense   = errors.New("license already exists")
	ErrInvalidStatus      = errors.New("invalid license status")
)

// License is an issued license as recorded by the server.
type License struct {
	LicenseID string
	KeyHash   string
	UserID    string
	Email     string
	ProductID string
	Plan      credential.Plan
	SeatLimit int
	GraceDays int
	IssuedAt  time.Time
	ExpiresAt time.Time
	Status    Status
	UpdatedAt time.Time
}

// Payload builds the credential payload for this license bound to
// machineID. An empty machineID yields an unbound credential.
func (l License) Payload(machineID string) credential.Payload {
	expires := credential.FormatTime(l.ExpiresAt)
	if l.Plan == credential.PlanLifetime {
		expires = credential.LifetimeExpiry
	}
	return credential.Payload{
		LicenseID:         l.LicenseID,
		UserID:            l.UserID,
		ProductID:         l.ProductID,
		Plan:              l.Plan,
		DeviceFingerprint: machineID,
		SeatLimit:         l.SeatLimit,
		IssuedAt:          credential.FormatTime(l.IssuedAt),
		ExpiresAt:         expires,
		GraceDays:         l.GraceDays,
	}
}

// Activation is one device holding a seat of a license.
type Activation struct {
	LicenseID       string
	MachineID       string
	MachineLabel    string
	ActivatedAt     time.Time
	LastValidatedAt time.Time
	// Reactivated is set when the machine already held a seat.
	Reactivated bool
}

// Ledger records which devices consumed a license's seats.
type Ledger interface {
	Activate(ctx context.Context, licenseID, machineID, machineLabel string) (Activation, error)
	Deactivate(ctx context.Context, licenseID, machineID string) error
	Touch(ctx context.Context, licenseID, machineID string) (bool, error)
	Activations(ctx context.Context, licenseID string) ([]Activation, error)
}

// Registry stores issued licenses and their revocation state.
type Registry interface {
	CreateLicense(ctx context.Context, l License) error
	License(ctx context.Context, licenseID string) (License, error)
	LicenseByKeyHash(ctx context.Context, keyHash string) (License, error)
	SetStatus(ctx context.Context, licenseID string, status Status) (int64, error)
	RevocationSnapshot(ctx context.Context) (Snapshot, error)
}

// Snapshot is the revocation state to sign into a CRL.
type Snapshot struct {
	Version    int64
	UpdatedAt  time.Time
	LicenseIDs []string
}
