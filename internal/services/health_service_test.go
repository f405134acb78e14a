package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthService(t *testing.T) {
	ctx := context.Background()

	t.Run("liveness and health need no dependencies", func(t *testing.T) {
		hs := NewHealthService("1.0.0", nil, nil)
		assert.Equal(t, "ok", hs.HealthCheck(ctx).Status)

		live := hs.LivenessCheck(ctx)
		assert.Equal(t, "alive", live.Status)
		assert.Contains(t, live.Runtime, "goroutines")
		assert.Equal(t, "ready", hs.ReadinessCheck(ctx).Status)
	})

	tests := []struct {
		name       string
		redisErr   error
		wantStatus string
		wantRedis  ServiceHealth
	}{
		{"all ready", nil, "ready", ServiceHealth{Status: "ready"}},
		{"redis down", errors.New("dial tcp: connection refused"), "not_ready",
			ServiceHealth{Status: "not_ready", Message: "dial tcp: connection refused"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthService("1.0.0", map[string]CheckFunc{
				"database": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return tt.redisErr },
			}, nil)

			got := hs.ReadinessCheck(ctx)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, ServiceHealth{Status: "ready"}, got.Services["database"])
			assert.Equal(t, tt.wantRedis, got.Services["redis"])
		})
	}
}
