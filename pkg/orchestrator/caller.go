// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/config"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/llm"
	"github.com/kelicblan/seerlord-ai/pkg/resilience"
	"github.com/kelicblan/seerlord-ai/pkg/telemetry"
)

const breakerComponent = "llm"

// caller wraps the LLM provider with the kernel's retry, timeout and
// circuit breaker policy and records call latency. Every kernel LLM
// call goes through it.
type caller struct {
	provider llm.Provider
	model    string
	retry    resilience.RetryConfig
	timeout  resilience.TimeoutConfig
	breaker  *resilience.CircuitBreaker
	metrics  *telemetry.KernelMetrics
	errs     *telemetry.ErrorMetrics
}

func newCaller(provider llm.Provider, cfg config.LLMConfig, metrics *telemetry.KernelMetrics, errs *telemetry.ErrorMetrics) *caller {
	retry := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry = retry.WithMaxAttempts(cfg.MaxRetries)
	}
	return &caller{
		provider: provider,
		model:    cfg.Model,
		retry:    retry,
		timeout:  resilience.TimeoutConfig{Duration: cfg.Timeout(), ErrorOnTimeout: true},
		breaker:  resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: breakerComponent}),
		metrics:  metrics,
		errs:     errs,
	}
}

// generate performs a buffered completion with retries. Transient
// provider failures and timeouts are retried; configuration errors are
// not. The breaker wraps the whole retry cycle, so a provider that
// exhausts its retries counts as one breaker failure and an open
// breaker fails fast without touching the provider.
func (c *caller) generate(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	start := time.Now()
	var value interface{}
	err := c.breaker.Call(ctx, func() error {
		var cerr error
		value, cerr = c.retry.DoWithResult(ctx, func() (interface{}, error) {
			return resilience.WithTimeoutResult(ctx, c.timeout, func() (interface{}, error) {
				return c.provider.Generate(ctx, req)
			})
		})
		return cerr
	})
	c.metrics.RecordLLMDuration(ctx, req.Model, float64(time.Since(start).Milliseconds()))
	c.observe(ctx, err)
	if err != nil {
		if kerrors.AsError(err) != nil {
			return nil, err
		}
		return nil, kerrors.New(kerrors.CodeLLMError, "llm generate failed", err)
	}
	resp, ok := value.(*llm.ChatResponse)
	if !ok || resp == nil {
		return nil, kerrors.New(kerrors.CodeLLMError, "llm returned no response", nil)
	}
	return resp, nil
}

// stream performs a token-streaming completion. Streams are never
// retried: replaying after partial output would duplicate tokens on
// the event stream. The deadline is enforced through the context so
// the provider stops producing instead of being abandoned mid-stream.
func (c *caller) stream(ctx context.Context, req llm.ChatRequest, fn func(llm.Token) error) error {
	if req.Model == "" {
		req.Model = c.model
	}
	if c.timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout.Duration)
		defer cancel()
	}
	start := time.Now()
	err := c.breaker.Call(ctx, func() error {
		return c.provider.Stream(ctx, req, fn)
	})
	c.metrics.RecordLLMDuration(ctx, req.Model, float64(time.Since(start).Milliseconds()))
	c.observe(ctx, err)
	if err != nil && kerrors.AsError(err) == nil {
		return kerrors.New(kerrors.CodeLLMError, "llm stream failed", err)
	}
	return err
}

// recovered notes a fallback absorbing err: the session continued, so
// the failure counts as handled.
func (c *caller) recovered(ctx context.Context, err error) {
	code := kerrors.CodeLLMError
	if typed := kerrors.AsError(err); typed != nil {
		code = typed.Code
	}
	c.errs.RecordRecovery(ctx, code)
}

// observe records the breaker state gauge and the call's error, if
// any, against the llm component.
func (c *caller) observe(ctx context.Context, err error) {
	var state int64
	switch c.breaker.State() {
	case resilience.StateOpen:
		state = 0
	case resilience.StateHalfOpen:
		state = 1
	default:
		state = 2
	}
	c.errs.RecordCircuitBreakerState(ctx, breakerComponent, state)
	if err != nil {
		c.errs.RecordErrorMetric(ctx, err, breakerComponent)
	}
}
