package license

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "license-manager"
	MeterName  = "license-manager"
)

// LicenseMetrics holds the client license instruments.
type LicenseMetrics struct {
	Activations         metric.Int64Counter
	SeatLimitRejections metric.Int64Counter
	Evaluations         metric.Int64Counter
	Revocations         metric.Int64Counter
	Reconciles          metric.Int64Counter
	VerifyDuration      metric.Float64Histogram
	CacheHits           metric.Int64Counter
}

// InitializeLicenseMetrics creates the license instruments on meter, or on
// the global meter provider when meter is nil.
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}

	var m LicenseMetrics
	var err error
	if m.Activations, err = meter.Int64Counter("license_client_activations_total",
		metric.WithDescription("Activation attempts by result")); err != nil {
		return nil, err
	}
	if m.SeatLimitRejections, err = meter.Int64Counter("license_client_seat_limit_rejections_total",
		metric.WithDescription("Activations refused because every seat is taken")); err != nil {
		return nil, err
	}
	if m.Evaluations, err = meter.Int64Counter("license_client_evaluations_total",
		metric.WithDescription("License status evaluations by state and reason")); err != nil {
		return nil, err
	}
	if m.Revocations, err = meter.Int64Counter("license_client_revocations_total",
		metric.WithDescription("Credentials invalidated by revocation or cancellation")); err != nil {
		return nil, err
	}
	if m.Reconciles, err = meter.Int64Counter("license_client_reconciles_total",
		metric.WithDescription("Online reconciliation attempts by outcome")); err != nil {
		return nil, err
	}
	if m.VerifyDuration, err = meter.Float64Histogram("license_client_verify_duration_seconds",
		metric.WithDescription("Time spent verifying the cached credential"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.CacheHits, err = meter.Int64Counter("license_client_verify_cache_hits_total",
		metric.WithDescription("Verifications answered from the result cache")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *LicenseMetrics) count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *LicenseMetrics) verified(ctx context.Context, d time.Duration, hit bool) {
	if m == nil {
		return
	}
	m.VerifyDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("cached", hit)))
	if hit {
		m.CacheHits.Add(ctx, 1)
	}
}
