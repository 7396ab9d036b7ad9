package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments shared by the daemon and plugin servers.
// All recording helpers accept a nil receiver.
type Metrics struct {
	RequestDuration     metric.Float64Histogram
	SandboxFaults       metric.Int64Counter
	LockWait            metric.Float64Histogram
	ActiveRegistrations metric.Int64UpDownCounter
	Confirmations       metric.Int64Counter
	HandshakeFailures   metric.Int64Counter
	RateLimitRejects    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("plat.request.duration",
		metric.WithDescription("Plugin request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxFaults, err = meter.Int64Counter("plat.sandbox.faults",
		metric.WithDescription("Component faults by reason code"),
	)
	if err != nil {
		return nil, err
	}

	m.LockWait, err = meter.Float64Histogram("plat.lock.wait",
		metric.WithDescription("Time spent waiting for an advisory lock in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRegistrations, err = meter.Int64UpDownCounter("plat.registrations.active",
		metric.WithDescription("Plugins currently registered with the daemon"),
	)
	if err != nil {
		return nil, err
	}

	m.Confirmations, err = meter.Int64Counter("plat.confirmations",
		metric.WithDescription("Resolved confirmation requests by kind and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.HandshakeFailures, err = meter.Int64Counter("plat.handshake.failures",
		metric.WithDescription("Operator handshakes rejected"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("plat.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, plugin string, seconds float64, status int) {
	if m == nil || m.RequestDuration == nil {
		return
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(
		AttrPluginName.String(plugin),
		attribute.Int("http.status_code", status),
	))
}

func (m *Metrics) RecordFault(ctx context.Context, plugin, reason string) {
	if m == nil || m.SandboxFaults == nil {
		return
	}
	m.SandboxFaults.Add(ctx, 1, metric.WithAttributes(
		AttrPluginName.String(plugin),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordLockWait(ctx context.Context, seconds float64) {
	if m == nil || m.LockWait == nil {
		return
	}
	m.LockWait.Record(ctx, seconds)
}

// RegistrationDelta adds +1 on register and -1 on deregister.
func (m *Metrics) RegistrationDelta(ctx context.Context, delta int64, source string) {
	if m == nil || m.ActiveRegistrations == nil {
		return
	}
	m.ActiveRegistrations.Add(ctx, delta, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) RecordConfirmation(ctx context.Context, kind string, allow bool) {
	if m == nil || m.Confirmations == nil {
		return
	}
	m.Confirmations.Add(ctx, 1, metric.WithAttributes(
		AttrConfirmKind.String(kind),
		attribute.Bool("allow", allow),
	))
}

func (m *Metrics) RecordHandshakeFailure(ctx context.Context, reason string) {
	if m == nil || m.HandshakeFailures == nil {
		return
	}
	m.HandshakeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil || m.RateLimitRejects == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
