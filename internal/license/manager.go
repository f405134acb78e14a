package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"isxlicense/internal/config"
	"isxlicense/internal/credential"
	"isxlicense/internal/infrastructure"
	"isxlicense/internal/revocation"
	"isxlicense/pkg/contracts/domain"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPolicy sets the expiry evaluation policy.
func WithPolicy(p credential.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithOnlineTimeout bounds every reconciliation round trip.
func WithOnlineTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.onlineTimeout = d
		}
	}
}

// WithReconcileLimit throttles Reconcile to one attempt per interval with
// the given burst.
func WithReconcileLimit(interval time.Duration, burst int) Option {
	return func(m *Manager) {
		m.limiter = rate.NewLimiter(rate.Every(interval), burst)
	}
}

// WithMetrics attaches the license instruments.
func WithMetrics(metrics *LicenseMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// Manager owns the client license state. It evaluates the cached
// credential offline and reconciles with the server when it can. A network
// failure never downgrades a credential that verifies locally.
type Manager struct {
	verifier  *credential.Verifier
	store     *StateStore
	remote    Remote
	trusted   *revocation.TrustedList
	results   *resultCache
	machineID string

	policy        credential.Policy
	onlineTimeout time.Duration
	limiter       *rate.Limiter
	group         singleflight.Group
	now           func() time.Time

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *LicenseMetrics

	mu     sync.Mutex
	state  State
	status domain.LicenseStatus
	online bool
	// emptyReason is reported while no credential is held.
	emptyReason credential.Reason
	subs        []func(domain.LicenseStatus)
}

// NewManager builds a Manager. remote may be nil, in which case the
// manager works purely offline.
func NewManager(verifier *credential.Verifier, store *StateStore, remote Remote, machineID string, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if verifier == nil || store == nil {
		return nil, errors.New("license manager: verifier and state store are required")
	}
	if machineID == "" {
		return nil, errors.New("license manager: machine id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		verifier:      verifier,
		store:         store,
		remote:        remote,
		trusted:       revocation.NewTrustedList(verifier),
		results:       newResultCache(config.CRLCacheDuration),
		machineID:     machineID,
		policy:        credential.DefaultPolicy(),
		onlineTimeout: config.DefaultOnlineTimeout,
		limiter:       rate.NewLimiter(rate.Every(config.MinReconcileInterval), 2),
		now:           time.Now,
		logger:        infrastructure.WithComponent(logger, "license_manager"),
		tracer:        otel.Tracer(TracerName),
		emptyReason:   credential.ReasonNoCredential,
		status:        domain.LicenseStatus{State: domain.StateUnlicensed, Reason: string(credential.ReasonNoCredential)},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		metrics, err := InitializeLicenseMetrics(noop.NewMeterProvider().Meter(MeterName))
		if err != nil {
			return nil, fmt.Errorf("license manager: %w", err)
		}
		m.metrics = metrics
	}
	return m, nil
}

// OnStatus registers fn to receive every published status. fn is called
// without the manager lock held and must not block for long.
func (m *Manager) OnStatus(fn func(domain.LicenseStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Status returns the last published status.
func (m *Manager) Status() domain.LicenseStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Start publishes the offline determination and then reconciles in the
// background. It never waits on the network.
func (m *Manager) Start(ctx context.Context) domain.LicenseStatus {
	status := m.Load(ctx)

	m.mu.Lock()
	hasKey := m.state.LicenseKey != ""
	m.mu.Unlock()

	if m.remote != nil && hasKey {
		ctx := infrastructure.EnsureTraceID(context.WithoutCancel(ctx))
		go func() {
			if _, err := m.Reconcile(ctx); err != nil {
				m.logger.DebugContext(ctx, "startup reconcile did not complete", slog.String("error", err.Error()))
			}
		}()
	}
	return status
}

// Load reads the persisted state and evaluates it offline.
func (m *Manager) Load(ctx context.Context) domain.LicenseStatus {
	st, err := m.store.Load()

	m.mu.Lock()
	switch {
	case errors.Is(err, ErrStateCorrupt):
		m.logger.WarnContext(ctx, "license state does not open, starting unlicensed", slog.String("error", err.Error()))
		m.state = State{}
		m.emptyReason = credential.ReasonInvalid
	case err != nil:
		m.logger.ErrorContext(ctx, "failed to read license state", slog.String("error", err.Error()))
		m.state = State{}
	default:
		m.state = st
	}
	if m.state.CRL != "" {
		if _, err := m.trusted.Adopt(m.state.CRL); err != nil {
			m.logger.WarnContext(ctx, "stored revocation list rejected", slog.String("error", err.Error()))
		}
	}
	status, subs := m.commitLocked(ctx, m.evaluateLocked(ctx))
	m.mu.Unlock()
	notify(subs, status)

	m.logger.InfoContext(ctx, "license evaluated offline",
		slog.String("state", string(status.State)),
		slog.String("reason", status.Reason),
	)
	return status
}

// Recheck re-evaluates the cached credential without the network.
func (m *Manager) Recheck(ctx context.Context) domain.LicenseStatus {
	m.mu.Lock()
	status, subs := m.commitLocked(ctx, m.evaluateLocked(ctx))
	m.mu.Unlock()
	notify(subs, status)
	return status
}

// Run rechecks and reconciles every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultRecheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx := infrastructure.WithTraceID(ctx, infrastructure.GenerateTraceID())
			m.Recheck(tickCtx)
			if m.remote == nil {
				continue
			}
			if _, err := m.Reconcile(tickCtx); err != nil && !errors.Is(err, ErrNotActivated) {
				m.logger.DebugContext(tickCtx, "periodic reconcile failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Reconcile refreshes the revocation list and asks the server for the live
// license status. Concurrent calls share one round trip and attempts are
// throttled. On a transport failure the offline status stands and the
// error wraps ErrServerUnreachable.
func (m *Manager) Reconcile(ctx context.Context) (domain.LicenseStatus, error) {
	if m.remote == nil {
		return m.Status(), ErrOfflineOnly
	}
	m.mu.Lock()
	key := m.state.LicenseKey
	m.mu.Unlock()
	if key == "" {
		return m.Status(), ErrNotActivated
	}
	if !m.limiter.Allow() {
		m.logger.DebugContext(ctx, "reconcile throttled")
		return m.Status(), nil
	}

	v, err, _ := m.group.Do("reconcile", func() (any, error) {
		return m.reconcile(ctx, key)
	})
	return v.(domain.LicenseStatus), err
}

func (m *Manager) reconcile(ctx context.Context, key string) (domain.LicenseStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, m.onlineTimeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "license.reconcile")
	defer span.End()

	crlResp, err := m.remote.FetchCRL(ctx)
	if err != nil {
		return m.stayOffline(ctx, span, fmt.Errorf("fetch crl: %w", err))
	}
	m.adoptCRL(ctx, crlResp.CRL)

	resp, err := m.remote.Validate(ctx, domain.ValidationRequest{LicenseKey: key, MachineID: m.machineID})
	if err != nil {
		return m.stayOffline(ctx, span, fmt.Errorf("validate: %w", err))
	}
	span.SetAttributes(
		attribute.String("license.status", resp.Status),
		attribute.Bool("license.valid", resp.Valid),
	)

	if reason, terminal := terminalReason(resp.Status); terminal {
		return m.invalidate(ctx, resp.LicenseID, reason)
	}

	var rejected error
	fresh := ""
	if resp.Credential != "" {
		if err := m.acceptable(resp.Credential, resp.LicenseID); err != nil {
			rejected = err
			m.logger.WarnContext(ctx, "server credential refused", slog.String("error", err.Error()))
		} else {
			fresh = resp.Credential
		}
	}

	m.mu.Lock()
	if fresh != "" {
		m.state.Credential = fresh
		m.emptyReason = credential.ReasonNoCredential
	}
	m.state.LastOnline = m.now().UTC()
	m.online = resp.Valid && rejected == nil
	if m.online {
		m.confirmLocked(ctx)
	}
	m.saveLocked(ctx)
	status, subs := m.commitLocked(ctx, m.evaluateLocked(ctx))
	m.mu.Unlock()
	notify(subs, status)

	outcome := "online"
	if !m.online {
		outcome = "not_valid"
	}
	m.metrics.count(ctx, m.metrics.Reconciles, attribute.String("outcome", outcome))
	m.logger.InfoContext(ctx, "license reconciled",
		slog.String("state", string(status.State)),
		slog.String("reason", status.Reason),
		slog.Bool("credential_refreshed", fresh != ""),
	)
	return status, rejected
}

// stayOffline records a failed round trip. The offline determination is
// recomputed and never turned into a revocation.
func (m *Manager) stayOffline(ctx context.Context, span trace.Span, err error) (domain.LicenseStatus, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "server unreachable")

	m.mu.Lock()
	m.online = false
	status, subs := m.commitLocked(ctx, m.evaluateLocked(ctx))
	m.mu.Unlock()
	notify(subs, status)

	m.metrics.count(ctx, m.metrics.Reconciles, attribute.String("outcome", "offline"))
	m.logger.WarnContext(ctx, "license server unavailable, keeping offline status",
		slog.String("state", string(status.State)),
		slog.String("error", err.Error()),
	)
	if !errors.Is(err, ErrServerUnreachable) {
		err = fmt.Errorf("%w: %w", ErrServerUnreachable, err)
	}
	return status, err
}

// invalidate drops the cached credential after the server reported the
// license revoked or canceled.
func (m *Manager) invalidate(ctx context.Context, licenseID string, reason credential.Reason) (domain.LicenseStatus, error) {
	m.mu.Lock()
	m.state.Credential = ""
	m.state.LastOnline = m.now().UTC()
	m.online = false
	m.emptyReason = reason
	m.saveLocked(ctx)
	status := m.evaluateLocked(ctx)
	status.LicenseID = licenseID
	status, subs := m.commitLocked(ctx, status)
	m.mu.Unlock()
	notify(subs, status)

	m.metrics.count(ctx, m.metrics.Revocations, attribute.String("reason", string(reason)))
	m.logger.WarnContext(ctx, "license invalidated by server",
		slog.String("license_id", licenseID),
		slog.String("reason", string(reason)),
	)
	return status, nil
}

// Activate binds this machine to key on the server. The returned credential
// must verify locally and be bound to this machine before it is stored.
func (m *Manager) Activate(ctx context.Context, key, label string) (domain.LicenseStatus, error) {
	if m.remote == nil {
		return m.Status(), ErrOfflineOnly
	}
	key = strings.ToUpper(strings.TrimSpace(key))

	ctx, cancel := context.WithTimeout(ctx, m.onlineTimeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "license.activate")
	defer span.End()

	resp, err := m.remote.Activate(ctx, domain.ActivationRequest{
		LicenseKey:   key,
		MachineID:    m.machineID,
		MachineLabel: label,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activation failed")
		m.recordActivation(ctx, err)
		m.logger.WarnContext(ctx, "activation failed",
			slog.String("license_key", MaskLicenseKey(key)),
			slog.String("error", err.Error()),
		)
		return m.Status(), err
	}

	if err := m.acceptable(resp.Credential, resp.LicenseID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "credential rejected")
		m.recordActivation(ctx, err)
		m.logger.ErrorContext(ctx, "activation returned an unusable credential",
			slog.String("license_id", resp.LicenseID),
			slog.String("error", err.Error()),
		)
		return m.Status(), err
	}

	// A newer revocation list may have been published since the last sync.
	if crlResp, err := m.remote.FetchCRL(ctx); err == nil {
		m.adoptCRL(ctx, crlResp.CRL)
	}

	m.mu.Lock()
	m.state.LicenseKey = key
	m.state.Credential = resp.Credential
	m.state.LastOnline = m.now().UTC()
	m.online = true
	m.emptyReason = credential.ReasonNoCredential
	m.confirmLocked(ctx)
	if err := m.saveLocked(ctx); err != nil {
		m.mu.Unlock()
		return m.Status(), fmt.Errorf("persist license state: %w", err)
	}
	status, subs := m.commitLocked(ctx, m.evaluateLocked(ctx))
	m.mu.Unlock()
	notify(subs, status)

	m.recordActivation(ctx, nil)
	m.logger.InfoContext(ctx, "license activated",
		slog.String("license_id", resp.LicenseID),
		slog.String("license_key", MaskLicenseKey(key)),
		slog.Bool("reactivated", resp.Reactivated),
		slog.String("state", string(status.State)),
	)
	return status, nil
}

// Deactivate releases this machine's seat and forgets the local license.
func (m *Manager) Deactivate(ctx context.Context) (domain.LicenseStatus, error) {
	if m.remote == nil {
		return m.Status(), ErrOfflineOnly
	}
	m.mu.Lock()
	key := m.state.LicenseKey
	m.mu.Unlock()
	if key == "" {
		return m.Status(), ErrNotActivated
	}

	ctx, cancel := context.WithTimeout(ctx, m.onlineTimeout)
	defer cancel()

	if _, err := m.remote.Deactivate(ctx, domain.DeactivateRequest{LicenseKey: key, MachineID: m.machineID}); err != nil {
		return m.Status(), err
	}

	m.mu.Lock()
	m.state.LicenseKey = ""
	m.state.Credential = ""
	m.online = false
	m.emptyReason = credential.ReasonNoCredential
	err := m.saveLocked(ctx)
	status, subs := m.commitLocked(ctx, m.evaluateLocked(ctx))
	m.mu.Unlock()
	notify(subs, status)

	m.logger.InfoContext(ctx, "license deactivated", slog.String("license_key", MaskLicenseKey(key)))
	return status, err
}

// Close releases the state file.
func (m *Manager) Close() error {
	return m.store.Close()
}

// acceptable checks a credential handed out by the server before it may
// replace the cached one.
func (m *Manager) acceptable(token, licenseID string) error {
	res := m.verifier.Verify(token)
	if !res.Valid {
		return fmt.Errorf("%w: %s", ErrCredentialRejected, res.Reason.Public())
	}
	p := res.Payload
	if !p.BoundTo(m.machineID) {
		return fmt.Errorf("%w: %s", ErrCredentialRejected, credential.ReasonDeviceMismatch)
	}
	if licenseID != "" && p.LicenseID != licenseID {
		return fmt.Errorf("%w: license id mismatch", ErrCredentialRejected)
	}
	if m.trusted.IsRevoked(p.LicenseID) {
		return fmt.Errorf("%w: %s", ErrCredentialRejected, credential.ReasonRevoked)
	}
	return nil
}

func (m *Manager) adoptCRL(ctx context.Context, token string) {
	if token == "" {
		return
	}
	crl, err := m.trusted.Adopt(token)
	switch {
	case errors.Is(err, revocation.ErrRollback):
		m.logger.DebugContext(ctx, "revocation list not newer", slog.String("detail", err.Error()))
		return
	case err != nil:
		m.logger.WarnContext(ctx, "revocation list rejected", slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	m.state.CRL = token
	m.saveLocked(ctx)
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "revocation list updated",
		slog.Int64("version", crl.Version),
		slog.Int("revoked", len(crl.RevokedLicenseIDs)),
	)
}

// confirmLocked rebases the high-water mark after the server confirmed the
// license. The mark becomes the later of the local clock and the issued_at
// of the held credential, which the server stamped with its own clock, so a
// clock that once ran ahead stops counting and a slow clock cannot push a
// fresh credential into the future. Callers hold m.mu.
func (m *Manager) confirmLocked(ctx context.Context) {
	confirmed := m.now().UTC()
	if m.state.Credential != "" {
		res, _ := m.results.verify(m.verifier, m.state.Credential)
		if issued, err := credential.ParseTime(res.Payload.IssuedAt); res.Valid && err == nil && issued.After(confirmed) {
			confirmed = issued.UTC()
		}
	}
	if !confirmed.Equal(m.state.HighWater) {
		m.logger.DebugContext(ctx, "high water rebased",
			slog.Time("from", m.state.HighWater),
			slog.Time("to", confirmed),
		)
	}
	m.state.HighWater = confirmed
}

// evaluateLocked computes the status from the cached credential. Time is
// max(now, high water) so winding the clock back cannot revive a
// credential. Callers hold m.mu.
func (m *Manager) evaluateLocked(ctx context.Context) domain.LicenseStatus {
	now := m.now().UTC()
	if now.After(m.state.HighWater) {
		m.state.HighWater = now
		m.saveLocked(ctx)
	}
	effective := m.state.HighWater

	status := domain.LicenseStatus{
		State:      domain.StateUnlicensed,
		CheckedAt:  now,
		CRLVersion: m.trusted.Version(),
	}
	if !m.state.LastOnline.IsZero() {
		last := m.state.LastOnline
		status.LastOnlineAt = &last
	}

	if m.state.Credential == "" {
		status.Reason = string(m.emptyReason)
		return status
	}

	start := time.Now()
	res, hit := m.results.verify(m.verifier, m.state.Credential)
	m.metrics.verified(ctx, time.Since(start), hit)
	if !res.Valid {
		status.Reason = string(res.Reason.Public())
		return status
	}

	p := res.Payload
	status.LicenseID = p.LicenseID
	status.Plan = string(p.Plan)

	if !p.BoundTo(m.machineID) {
		status.Reason = string(credential.ReasonDeviceMismatch)
		return status
	}
	if m.trusted.IsRevoked(p.LicenseID) {
		status.Reason = string(credential.ReasonRevoked)
		return status
	}

	ev := m.policy.Evaluate(p, effective)
	if !ev.ExpiresAt.IsZero() {
		exp, end := ev.ExpiresAt, ev.GraceEndsAt
		status.ExpiresAt = &exp
		status.GraceEndsAt = &end
	}
	status.Reason = string(ev.Reason)
	if !ev.Valid {
		return status
	}

	status.InGrace = ev.InGrace
	status.State = domain.StateValidOffline
	if m.online {
		status.State = domain.StateValidOnline
	}
	return status
}

// commitLocked stores status and returns the subscribers to notify once
// the lock is released.
func (m *Manager) commitLocked(ctx context.Context, status domain.LicenseStatus) (domain.LicenseStatus, []func(domain.LicenseStatus)) {
	changed := status.State != m.status.State || status.Reason != m.status.Reason
	m.status = status
	m.metrics.count(ctx, m.metrics.Evaluations,
		attribute.String("state", string(status.State)),
		attribute.String("reason", status.Reason),
	)
	if changed {
		m.logger.InfoContext(ctx, "license status changed",
			slog.String("state", string(status.State)),
			slog.String("reason", status.Reason),
			slog.Bool("in_grace", status.InGrace),
		)
	}
	return status, slices.Clone(m.subs)
}

func (m *Manager) saveLocked(ctx context.Context) error {
	if err := m.store.Save(m.state); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist license state", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (m *Manager) recordActivation(ctx context.Context, err error) {
	result := "success"
	var remoteErr *RemoteError
	switch {
	case err == nil:
	case errors.As(err, &remoteErr) && remoteErr.Code == CodeSeatLimitExceeded:
		result = "seat_limit"
		m.metrics.count(ctx, m.metrics.SeatLimitRejections)
	case errors.Is(err, ErrCredentialRejected):
		result = "rejected"
	case errors.Is(err, ErrServerUnreachable):
		result = "unreachable"
	default:
		result = "failure"
	}
	m.metrics.count(ctx, m.metrics.Activations, attribute.String("result", result))
}

func terminalReason(status string) (credential.Reason, bool) {
	switch status {
	case "revoked":
		return credential.ReasonRevoked, true
	case "canceled":
		return credential.ReasonCanceled, true
	}
	return "", false
}

func notify(subs []func(domain.LicenseStatus), status domain.LicenseStatus) {
	for _, fn := range subs {
		fn(status)
	}
}

// MaskLicenseKey keeps the first and last four characters of key.
func MaskLicenseKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
