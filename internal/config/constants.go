package config

import (
	"time"

	"isxlicense/pkg/contracts"
)

// Application constants
const (
	AppName    = "ISX License"
	AppVersion = contracts.Version
	AppVendor  = "Iraqi Investor"

	// Files (relative to the data directory)
	DatabaseFileName = "licenses.db"
	StateFileName    = "license-state.db"

	// Rate limiting, per source IP per hour
	DefaultActivatePerHour = 10
	DefaultValidatePerHour = 60

	// Client reconciliation
	DefaultOnlineTimeout   = 10 * time.Second
	DefaultRecheckInterval = 6 * time.Hour
	MinReconcileInterval   = time.Minute

	// Caches
	ValidationCacheDuration = 30 * time.Second
	CRLCacheDuration        = 5 * time.Minute

	// Issuance defaults
	DefaultGraceDays = 7
	DefaultSeatLimit = 3

	// Headers
	AdminTokenHeader = "X-Admin-Token"
)
