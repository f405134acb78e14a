package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"isxlicense/internal/activation"
	"isxlicense/internal/config"
	"isxlicense/internal/credential"
	"isxlicense/internal/revocation"
	"isxlicense/pkg/contracts/domain"
)

// ErrInvalidIssue is returned for issuance requests that cannot produce a
// valid license.
var ErrInvalidIssue = errors.New("invalid issue request")

// Store is the persistence the service needs.
type Store interface {
	activation.Ledger
	activation.Registry
}

// LicenseService is the server side of the license protocol.
type LicenseService interface {
	Activate(ctx context.Context, req domain.ActivationRequest) (*domain.ActivationResponse, error)
	Validate(ctx context.Context, req domain.ValidationRequest) (*domain.ValidationResponse, error)
	Deactivate(ctx context.Context, req domain.DeactivateRequest) (*domain.DeactivateResponse, error)
	Issue(ctx context.Context, req domain.IssueRequest) (*domain.IssueResponse, error)
	SetStatus(ctx context.Context, req domain.StatusChangeRequest) (*domain.StatusChangeResponse, error)
	CRL(ctx context.Context) (*domain.CRLResponse, error)
}

type licenseService struct {
	store   Store
	signer  *credential.Signer
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	// validations caches ValidationResponse by key hash and machine.
	validations *cache.Cache
	// crl holds the last signed revocation list.
	crl *cache.Cache
}

// Option configures the service.
type Option func(*licenseService)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *licenseService) { s.now = now }
}

// WithMetrics attaches OTel counters.
func WithMetrics(m *Metrics) Option {
	return func(s *licenseService) { s.metrics = m }
}

// NewLicenseService wires the service. signer must be non-nil; a server
// without a signing key refuses to start.
func NewLicenseService(store Store, signer *credential.Signer, logger *slog.Logger, opts ...Option) LicenseService {
	s := &licenseService{
		store:       store,
		signer:      signer,
		logger:      logger.With(slog.String("component", "license_service")),
		now:         func() time.Time { return time.Now().UTC() },
		validations: cache.New(config.ValidationCacheDuration, 2*config.ValidationCacheDuration),
		crl:         cache.New(config.CRLCacheDuration, 2*config.CRLCacheDuration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup resolves a presented key to its license.
func (s *licenseService) lookup(ctx context.Context, key string) (activation.License, error) {
	if err := activation.ValidateKeyFormat(key); err != nil {
		return activation.License{}, err
	}
	return s.store.LicenseByKeyHash(ctx, activation.HashKey(key))
}

// expired applies the credential expiry rule to the registry record.
func (s *licenseService) expired(lic activation.License) bool {
	return credential.IsExpired(lic.Payload(""), s.now())
}

// sign issues a credential for lic bound to machineID, stamped now.
func (s *licenseService) sign(lic activation.License, machineID string) (string, error) {
	p := lic.Payload(machineID)
	p.IssuedAt = credential.FormatTime(s.now())
	cred, err := s.signer.Issue(p)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}
	return cred, nil
}

func expiresAt(lic activation.License) string {
	return lic.Payload("").ExpiresAt
}

// Activate binds the device to the license and returns a credential for it.
func (s *licenseService) Activate(ctx context.Context, req domain.ActivationRequest) (*domain.ActivationResponse, error) {
	start := time.Now()
	masked := activation.MaskKey(req.LicenseKey)

	resp, err := s.activate(ctx, req)
	if err != nil {
		result := "error"
		switch {
		case errors.Is(err, activation.ErrSeatLimitExceeded):
			result = "seat_limit_exceeded"
		case errors.Is(err, activation.ErrLicenseNotFound), errors.Is(err, activation.ErrInvalidKeyFormat):
			result = "invalid_key"
		case errors.Is(err, activation.ErrLicenseInactive):
			result = "revoked"
		case errors.Is(err, activation.ErrLicenseExpired):
			result = "expired"
		}
		s.metrics.add(ctx, s.metrics.activations, "result", result)
		s.logger.WarnContext(ctx, "license activation rejected",
			slog.String("license_key", masked),
			slog.String("machine_id", req.MachineID),
			slog.String("result", result),
			slog.String("error", err.Error()),
			slog.Duration("latency", time.Since(start)),
		)
		return nil, err
	}

	result := "activated"
	if resp.Reactivated {
		result = "reactivated"
	}
	s.metrics.add(ctx, s.metrics.activations, "result", result)
	s.logger.InfoContext(ctx, "license activated",
		slog.String("license_id", resp.LicenseID),
		slog.String("license_key", masked),
		slog.String("machine_id", req.MachineID),
		slog.Bool("reactivated", resp.Reactivated),
		slog.Duration("latency", time.Since(start)),
	)
	return resp, nil
}

func (s *licenseService) activate(ctx context.Context, req domain.ActivationRequest) (*domain.ActivationResponse, error) {
	lic, err := s.lookup(ctx, req.LicenseKey)
	if err != nil {
		return nil, err
	}
	if lic.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", activation.ErrLicenseInactive, lic.Status)
	}
	if s.expired(lic) {
		return nil, activation.ErrLicenseExpired
	}

	act, err := s.store.Activate(ctx, lic.LicenseID, req.MachineID, strings.TrimSpace(req.MachineLabel))
	if err != nil {
		return nil, err
	}

	cred, err := s.sign(lic, req.MachineID)
	if err != nil {
		return nil, err
	}
	s.validations.Flush()

	return &domain.ActivationResponse{
		LicenseID:   lic.LicenseID,
		MaskedEmail: activation.MaskEmail(lic.Email),
		Credential:  cred,
		Plan:        string(lic.Plan),
		ExpiresAt:   expiresAt(lic),
		SeatLimit:   lic.SeatLimit,
		Reactivated: act.Reactivated,
	}, nil
}

// Validate reports the live status of a key without consuming a seat.
// Unknown or malformed keys are answered with valid=false rather than an
// error, so the endpoint does not distinguish them.
func (s *licenseService) Validate(ctx context.Context, req domain.ValidationRequest) (*domain.ValidationResponse, error) {
	cacheKey := activation.HashKey(req.LicenseKey) + "|" + req.MachineID
	if cached, ok := s.validations.Get(cacheKey); ok {
		resp := cached.(domain.ValidationResponse)
		s.metrics.add(ctx, s.metrics.validations, "result", "cached")
		return &resp, nil
	}

	lic, err := s.lookup(ctx, req.LicenseKey)
	if errors.Is(err, activation.ErrInvalidKeyFormat) || errors.Is(err, activation.ErrLicenseNotFound) {
		s.metrics.add(ctx, s.metrics.validations, "result", "unknown")
		return &domain.ValidationResponse{Valid: false}, nil
	}
	if err != nil {
		return nil, err
	}

	resp := domain.ValidationResponse{
		Status:    string(lic.Status),
		Plan:      string(lic.Plan),
		LicenseID: lic.LicenseID,
		ExpiresAt: expiresAt(lic),
	}
	resp.Valid = lic.Status == activation.StatusActive && !s.expired(lic)

	if resp.Valid && req.MachineID != "" {
		held, err := s.store.Touch(ctx, lic.LicenseID, req.MachineID)
		if err != nil {
			return nil, err
		}
		if held {
			if resp.Credential, err = s.sign(lic, req.MachineID); err != nil {
				return nil, err
			}
		}
	}

	s.validations.SetDefault(cacheKey, resp)
	s.metrics.add(ctx, s.metrics.validations, "result", string(lic.Status))
	s.logger.DebugContext(ctx, "license validated",
		slog.String("license_id", lic.LicenseID),
		slog.String("status", resp.Status),
		slog.Bool("valid", resp.Valid),
		slog.Bool("refreshed", resp.Credential != ""),
	)
	return &resp, nil
}

// Deactivate frees the seat held by a device.
func (s *licenseService) Deactivate(ctx context.Context, req domain.DeactivateRequest) (*domain.DeactivateResponse, error) {
	lic, err := s.lookup(ctx, req.LicenseKey)
	if err != nil {
		return nil, err
	}
	if err := s.store.Deactivate(ctx, lic.LicenseID, req.MachineID); err != nil {
		return nil, err
	}
	s.validations.Flush()

	acts, err := s.store.Activations(ctx, lic.LicenseID)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "license deactivated",
		slog.String("license_id", lic.LicenseID),
		slog.String("machine_id", req.MachineID),
		slog.Int("seats_used", len(acts)),
	)
	return &domain.DeactivateResponse{
		LicenseID:   lic.LicenseID,
		SeatsUsed:   len(acts),
		SeatLimit:   lic.SeatLimit,
		Deactivated: true,
	}, nil
}

const issueAttempts = 3

// Issue creates a license for a completed purchase.
func (s *licenseService) Issue(ctx context.Context, req domain.IssueRequest) (*domain.IssueResponse, error) {
	now := s.now()
	lic := activation.License{
		LicenseID: uuid.NewString(),
		UserID:    req.UserID,
		Email:     strings.TrimSpace(req.Email),
		ProductID: req.ProductID,
		Plan:      credential.Plan(req.Plan),
		SeatLimit: req.SeatLimit,
		GraceDays: config.DefaultGraceDays,
		IssuedAt:  now,
		Status:    activation.StatusActive,
	}
	if lic.SeatLimit == 0 {
		lic.SeatLimit = config.DefaultSeatLimit
	}
	if req.GraceDays != nil {
		lic.GraceDays = *req.GraceDays
	}

	switch lic.Plan {
	case credential.PlanLifetime:
		lic.ExpiresAt, _ = credential.ParseTime(credential.LifetimeExpiry)
	case credential.PlanSubscription:
		if req.ExpiresAt == "" {
			return nil, fmt.Errorf("%w: expires_at is required for subscriptions", ErrInvalidIssue)
		}
		exp, err := credential.ParseTime(req.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("%w: expires_at: %v", ErrInvalidIssue, err)
		}
		if !exp.After(now) {
			return nil, fmt.Errorf("%w: expires_at is in the past", ErrInvalidIssue)
		}
		lic.ExpiresAt = exp.UTC()
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidIssue, credential.ErrInvalidPlan)
	}

	var key string
	for attempt := 1; ; attempt++ {
		var err error
		if key, err = activation.GenerateKey(); err != nil {
			return nil, err
		}
		lic.KeyHash = activation.HashKey(key)

		err = s.store.CreateLicense(ctx, lic)
		if err == nil {
			break
		}
		if !errors.Is(err, activation.ErrDuplicateLicense) || attempt == issueAttempts {
			return nil, err
		}
	}

	cred, err := s.sign(lic, "")
	if err != nil {
		return nil, err
	}

	s.metrics.add(ctx, s.metrics.issued, "plan", string(lic.Plan))
	s.logger.InfoContext(ctx, "license issued",
		slog.String("license_id", lic.LicenseID),
		slog.String("license_key", activation.MaskKey(key)),
		slog.String("plan", string(lic.Plan)),
		slog.Int("seat_limit", lic.SeatLimit),
	)
	return &domain.IssueResponse{
		LicenseID:  lic.LicenseID,
		LicenseKey: key,
		Credential: cred,
		Plan:       string(lic.Plan),
		ExpiresAt:  expiresAt(lic),
		SeatLimit:  lic.SeatLimit,
	}, nil
}

// SetStatus revokes, cancels or reinstates a license.
func (s *licenseService) SetStatus(ctx context.Context, req domain.StatusChangeRequest) (*domain.StatusChangeResponse, error) {
	status := activation.Status(req.Status)
	version, err := s.store.SetStatus(ctx, req.LicenseID, status)
	if err != nil {
		return nil, err
	}

	s.validations.Flush()
	if version == 0 {
		snap, err := s.store.RevocationSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		version = snap.Version
	} else {
		s.crl.Flush()
	}

	s.metrics.add(ctx, s.metrics.statusSets, "status", string(status))
	s.logger.InfoContext(ctx, "license status changed",
		slog.String("license_id", req.LicenseID),
		slog.String("status", string(status)),
		slog.Int64("crl_version", version),
	)
	return &domain.StatusChangeResponse{
		LicenseID:  req.LicenseID,
		Status:     string(status),
		CRLVersion: version,
	}, nil
}

const crlCacheKey = "crl"

// CRL returns the signed revocation list for the current registry state.
func (s *licenseService) CRL(ctx context.Context) (*domain.CRLResponse, error) {
	if cached, ok := s.crl.Get(crlCacheKey); ok {
		resp := cached.(domain.CRLResponse)
		return &resp, nil
	}

	snap, err := s.store.RevocationSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	list := revocation.New(snap.Version, credential.FormatTime(snap.UpdatedAt), snap.LicenseIDs)
	token, err := revocation.Sign(list, s.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign crl: %w", err)
	}

	resp := domain.CRLResponse{CRL: token, Version: list.Version}
	s.crl.SetDefault(crlCacheKey, resp)
	s.metrics.add(ctx, s.metrics.crlSigned, "version", fmt.Sprint(list.Version))
	s.logger.InfoContext(ctx, "revocation list signed",
		slog.Int64("version", list.Version),
		slog.Int("revoked", len(list.RevokedLicenseIDs)),
	)
	return &resp, nil
}
