package services

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics are the server side license counters.
type Metrics struct {
	activations metric.Int64Counter
	validations metric.Int64Counter
	issued      metric.Int64Counter
	statusSets  metric.Int64Counter
	crlSigned   metric.Int64Counter
}

// NewMetrics registers the license counters on meter. A nil meter yields
// no-op instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("isxlicense")
	}

	var m Metrics
	var err error
	if m.activations, err = meter.Int64Counter("license_activations_total",
		metric.WithDescription("Activation attempts by result")); err != nil {
		return nil, err
	}
	if m.validations, err = meter.Int64Counter("license_validations_total",
		metric.WithDescription("Validation requests by result")); err != nil {
		return nil, err
	}
	if m.issued, err = meter.Int64Counter("license_issued_total",
		metric.WithDescription("Licenses issued by plan")); err != nil {
		return nil, err
	}
	if m.statusSets, err = meter.Int64Counter("license_status_changes_total",
		metric.WithDescription("License status changes by target status")); err != nil {
		return nil, err
	}
	if m.crlSigned, err = meter.Int64Counter("license_crl_signed_total",
		metric.WithDescription("Revocation lists signed")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, key, value string) {
	if m == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String(key, value)))
}
