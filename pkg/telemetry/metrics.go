// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kelicblan/seerlord-ai/pkg/errors"
)

// KernelMetrics tracks kernel activity: sessions, state transitions, routing
// decisions, evolution outcomes and call latencies.
type KernelMetrics struct {
	sessionCounter    metric.Int64Counter
	transitionCounter metric.Int64Counter
	routerCounter     metric.Int64Counter
	evolutionCounter  metric.Int64Counter
	approvalExpired   metric.Int64Counter
	llmDuration       metric.Float64Histogram
	toolDuration      metric.Float64Histogram
}

// NewKernelMetrics creates the kernel metrics instruments on the global meter.
func NewKernelMetrics() (*KernelMetrics, error) {
	meter := otel.Meter("seerlord/kernel")

	sessionCounter, err := meter.Int64Counter(
		"seerlord.sessions.total",
		metric.WithDescription("Kernel sessions started, by mode"),
	)
	if err != nil {
		return nil, err
	}

	transitionCounter, err := meter.Int64Counter(
		"seerlord.transitions.total",
		metric.WithDescription("State machine transitions, by source and target state"),
	)
	if err != nil {
		return nil, err
	}

	routerCounter, err := meter.Int64Counter(
		"seerlord.router.matches.total",
		metric.WithDescription("Skill router decisions, by matched level"),
	)
	if err != nil {
		return nil, err
	}

	evolutionCounter, err := meter.Int64Counter(
		"seerlord.evolution.total",
		metric.WithDescription("Skill evolution operations, by kind and outcome"),
	)
	if err != nil {
		return nil, err
	}

	approvalExpired, err := meter.Int64Counter(
		"seerlord.approvals.expired.total",
		metric.WithDescription("Pending approvals expired by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram(
		"seerlord.llm.duration_ms",
		metric.WithDescription("LLM call latency in milliseconds, by model"),
	)
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram(
		"seerlord.tool.duration_ms",
		metric.WithDescription("Tool call latency in milliseconds, by tool"),
	)
	if err != nil {
		return nil, err
	}

	return &KernelMetrics{
		sessionCounter:    sessionCounter,
		transitionCounter: transitionCounter,
		routerCounter:     routerCounter,
		evolutionCounter:  evolutionCounter,
		approvalExpired:   approvalExpired,
		llmDuration:       llmDuration,
		toolDuration:      toolDuration,
	}, nil
}

// RecordSession counts a kernel session start.
func (km *KernelMetrics) RecordSession(ctx context.Context, mode string) {
	if km == nil {
		return
	}
	km.sessionCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordTransition counts a state machine transition.
func (km *KernelMetrics) RecordTransition(ctx context.Context, from, to string) {
	if km == nil {
		return
	}
	km.transitionCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordRouterMatch counts a routing decision at the given tree level.
func (km *KernelMetrics) RecordRouterMatch(ctx context.Context, level int, fallback bool) {
	if km == nil {
		return
	}
	km.routerCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Int("level", level),
			attribute.Bool("fallback", fallback),
		),
	)
}

// RecordEvolution counts an evolution operation outcome.
func (km *KernelMetrics) RecordEvolution(ctx context.Context, kind string, ok bool) {
	if km == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	km.evolutionCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordApprovalExpired counts pending approvals retired by the sweeper.
func (km *KernelMetrics) RecordApprovalExpired(ctx context.Context, count int) {
	if km == nil || count <= 0 {
		return
	}
	km.approvalExpired.Add(ctx, int64(count))
}

// RecordLLMDuration records an LLM call latency.
func (km *KernelMetrics) RecordLLMDuration(ctx context.Context, model string, durationMs float64) {
	if km == nil {
		return
	}
	km.llmDuration.Record(ctx, durationMs,
		metric.WithAttributes(attribute.String("model", model)),
	)
}

// RecordToolDuration records a tool call latency.
func (km *KernelMetrics) RecordToolDuration(ctx context.Context, tool string, durationMs float64) {
	if km == nil {
		return
	}
	km.toolDuration.Record(ctx, durationMs,
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// ErrorMetrics tracks error rates, types, and recovery patterns for
// production monitoring.
type ErrorMetrics struct {
	// errorCounter tracks total errors by code and component
	errorCounter metric.Int64Counter

	// recoveryCounter tracks successful recoveries
	recoveryCounter metric.Int64Counter

	// healthStatusGauge tracks component health (0=unhealthy, 1=degraded, 2=healthy)
	healthStatusGauge metric.Int64Gauge

	// circuitBreakerStateGauge tracks circuit breaker state per component
	circuitBreakerStateGauge metric.Int64Gauge

	mu sync.RWMutex
}

// NewErrorMetrics creates a new error metrics tracker with OTEL meters.
func NewErrorMetrics(ctx context.Context) (*ErrorMetrics, error) {
	meter := otel.Meter("seerlord/errors")

	errorCounter, err := meter.Int64Counter(
		"seerlord.errors.total",
		metric.WithDescription("Total errors by code and component"),
	)
	if err != nil {
		return nil, err
	}

	recoveryCounter, err := meter.Int64Counter(
		"seerlord.errors.recovered",
		metric.WithDescription("Successful error recoveries by code"),
	)
	if err != nil {
		return nil, err
	}

	healthStatusGauge, err := meter.Int64Gauge(
		"seerlord.health.status",
		metric.WithDescription("Component health status (0=unhealthy, 1=degraded, 2=healthy)"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerStateGauge, err := meter.Int64Gauge(
		"seerlord.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state per component (0=open, 1=half-open, 2=closed)"),
	)
	if err != nil {
		return nil, err
	}

	return &ErrorMetrics{
		errorCounter:             errorCounter,
		recoveryCounter:          recoveryCounter,
		healthStatusGauge:        healthStatusGauge,
		circuitBreakerStateGauge: circuitBreakerStateGauge,
	}, nil
}

// RecordErrorMetric increments the error counter for the given error code and component.
func (em *ErrorMetrics) RecordErrorMetric(ctx context.Context, err error, component string) {
	if em == nil || err == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	if se, ok := err.(*errors.Error); ok {
		em.errorCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("error.code", string(se.Code)),
				attribute.String("component", component),
				attribute.String("recoverable", se.RecoverableString()),
			),
		)
	} else {
		// Generic error
		em.errorCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("error.code", "UNKNOWN"),
				attribute.String("component", component),
				attribute.String("recoverable", "unknown"),
			),
		)
	}
}

// RecordRecovery increments the recovery counter for the given error code.
// Called when an error is successfully handled (retry succeeded, fallback used).
func (em *ErrorMetrics) RecordRecovery(ctx context.Context, errorCode errors.ErrorCode) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.recoveryCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("error.code", string(errorCode)),
		),
	)
}

// RecordHealthStatus records the health status of a component (0=unhealthy, 1=degraded, 2=healthy).
func (em *ErrorMetrics) RecordHealthStatus(ctx context.Context, component string, status int64) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.healthStatusGauge.Record(ctx, status,
		metric.WithAttributes(
			attribute.String("component", component),
		),
	)
}

// RecordCircuitBreakerState records the circuit breaker state (0=open, 1=half-open, 2=closed).
func (em *ErrorMetrics) RecordCircuitBreakerState(ctx context.Context, component string, state int64) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.circuitBreakerStateGauge.Record(ctx, state,
		metric.WithAttributes(
			attribute.String("component", component),
		),
	)
}
