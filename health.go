package embedkit

import (
	"context"
	"time"
)

// HealthStatus represents the database health status
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	PoolStats PoolStats     `json:"pool_stats"`
}

// Health checks out a connection, validates it and reports the result with
// the pool statistics
func (p *Pool) Health(ctx context.Context) HealthStatus {
	start := time.Now()

	err := p.WithConnection(ctx, func(c *Conn) error {
		return c.Validate(ctx)
	})
	latency := time.Since(start)

	status := HealthStatus{
		Healthy:   err == nil,
		Latency:   latency,
		PoolStats: p.Stats(),
	}

	if err != nil {
		status.Error = err.Error()
	}

	return status
}

// IsHealthy returns true if a pooled connection passes validation
func (p *Pool) IsHealthy(ctx context.Context) bool {
	return p.Health(ctx).Healthy
}
