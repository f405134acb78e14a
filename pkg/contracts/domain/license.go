// Package domain holds the wire contracts shared by the license server, the
// desktop agent and the operator CLI.
package domain

import (
	"time"
)

// ActivationRequest binds a license key to one device.
type ActivationRequest struct {
	LicenseKey   string `json:"license_key" validate:"required,max=64"`
	MachineID    string `json:"machine_id" validate:"required,min=8,max=128,printascii"`
	MachineLabel string `json:"machine_label,omitempty" validate:"omitempty,max=100"`
}

// ActivationResponse carries the freshly signed credential and enough
// identity for the GUI to show whose license this is.
type ActivationResponse struct {
	LicenseID   string `json:"license_id"`
	MaskedEmail string `json:"masked_email"`
	Credential  string `json:"credential"`
	Plan        string `json:"plan"`
	ExpiresAt   string `json:"expires_at"`
	SeatLimit   int    `json:"seat_limit"`
	// Reactivated is true when the device already held a seat.
	Reactivated bool `json:"reactivated"`
}

// ValidationRequest asks for the live status of a license. When MachineID
// names a device that already holds a seat, the response carries a freshly
// signed credential for it.
type ValidationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=64"`
	MachineID  string `json:"machine_id,omitempty" validate:"omitempty,min=8,max=128,printascii"`
}

// ValidationResponse is the read-only status answer. Status and Plan are
// omitted for keys the server does not know.
type ValidationResponse struct {
	Valid      bool   `json:"valid"`
	Status     string `json:"status,omitempty"`
	Plan       string `json:"plan,omitempty"`
	LicenseID  string `json:"license_id,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// IssueRequest is sent by the checkout collaborator once a purchase clears.
// ExpiresAt is required for subscriptions and ignored for lifetime plans.
type IssueRequest struct {
	UserID    string `json:"user_id" validate:"required,max=128"`
	Email     string `json:"email" validate:"required,email"`
	ProductID string `json:"product_id" validate:"required,max=128"`
	Plan      string `json:"plan" validate:"required,plan"`
	SeatLimit int    `json:"seat_limit,omitempty" validate:"omitempty,gte=1,lte=1000"`
	GraceDays *int   `json:"grace_days,omitempty" validate:"omitempty,gte=0,lte=365"`
	ExpiresAt string `json:"expires_at,omitempty" validate:"omitempty,rfc3339"`
}

// IssueResponse returns the new license key exactly once, plus an unbound
// credential the customer can use before activating a device.
type IssueResponse struct {
	LicenseID  string `json:"license_id"`
	LicenseKey string `json:"license_key"`
	Credential string `json:"credential"`
	Plan       string `json:"plan"`
	ExpiresAt  string `json:"expires_at"`
	SeatLimit  int    `json:"seat_limit"`
}

// DeactivateRequest frees the seat held by MachineID.
type DeactivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=64"`
	MachineID  string `json:"machine_id" validate:"required,min=8,max=128,printascii"`
}

// DeactivateResponse reports the remaining seat usage.
type DeactivateResponse struct {
	LicenseID   string `json:"license_id"`
	SeatsUsed   int    `json:"seats_used"`
	SeatLimit   int    `json:"seat_limit"`
	Deactivated bool   `json:"deactivated"`
}

// StatusChangeRequest moves a license to revoked or canceled (or back to
// active).
type StatusChangeRequest struct {
	LicenseID string `json:"license_id" validate:"required,max=64"`
	Status    string `json:"status" validate:"required,license_status"`
}

// StatusChangeResponse carries the CRL version that includes the change.
type StatusChangeResponse struct {
	LicenseID  string `json:"license_id"`
	Status     string `json:"status"`
	CRLVersion int64  `json:"crl_version"`
}

// CRLResponse wraps the signed revocation list.
type CRLResponse struct {
	CRL     string `json:"crl"`
	Version int64  `json:"version"`
}

// LicenseState is the client's observable license state.
type LicenseState string

const (
	StateUnlicensed   LicenseState = "unlicensed"
	StateValidOffline LicenseState = "valid_offline"
	StateValidOnline  LicenseState = "valid_online"
)

// Licensed reports whether the state grants use of the product.
func (s LicenseState) Licensed() bool {
	return s == StateValidOffline || s == StateValidOnline
}

// LicenseStatus is what the desktop agent publishes to the GUI.
type LicenseStatus struct {
	State        LicenseState `json:"state"`
	Reason       string       `json:"reason"`
	InGrace      bool         `json:"in_grace"`
	LicenseID    string       `json:"license_id,omitempty"`
	Plan         string       `json:"plan,omitempty"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	GraceEndsAt  *time.Time   `json:"grace_ends_at,omitempty"`
	CheckedAt    time.Time    `json:"checked_at"`
	LastOnlineAt *time.Time   `json:"last_online_at,omitempty"`
	CRLVersion   int64        `json:"crl_version,omitempty"`
}

// AgentActivateRequest is what the GUI posts to the local agent. The agent
// supplies the machine ID itself.
type AgentActivateRequest struct {
	LicenseKey   string `json:"license_key" validate:"required,max=64"`
	MachineLabel string `json:"machine_label,omitempty" validate:"omitempty,max=100"`
}

// HealthResponse is served by /healthz on the server and the agent.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}
