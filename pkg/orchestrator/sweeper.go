// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/telemetry"
)

const defaultSweepTimeout = 10 * time.Second

// ApprovalSweeper retires pending approvals whose TTL has passed. An
// expired approval makes the suspended session unresumable; the
// checkpoint itself is kept so operators can inspect what was pending.
type ApprovalSweeper struct {
	store    ApprovalStore
	interval time.Duration
	timeout  time.Duration
	metrics  *telemetry.KernelMetrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewApprovalSweeper creates a sweeper over the given store. A zero or
// negative interval disables the background loop; Sweep can still be
// called directly.
func NewApprovalSweeper(store ApprovalStore, interval time.Duration, metrics *telemetry.KernelMetrics) *ApprovalSweeper {
	return &ApprovalSweeper{
		store:    store,
		interval: interval,
		timeout:  defaultSweepTimeout,
		metrics:  metrics,
	}
}

// Start launches the background sweep loop.
func (s *ApprovalSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	if s.interval <= 0 {
		slog.Info("kernel.approval.sweep disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, sweepCancel := context.WithTimeout(ctx, s.timeout)
				if _, err := s.Sweep(sweepCtx); err != nil {
					slog.Warn("kernel.approval.sweep failed", slog.String("error", err.Error()))
				}
				sweepCancel()
			}
		}
	}()
	slog.Info("kernel.approval.sweep started", slog.Duration("interval", s.interval))
}

// Stop halts the background loop and waits for it to drain. Safe to
// call more than once and without a prior Start.
func (s *ApprovalSweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep runs one expiry pass and returns how many records it retired.
func (s *ApprovalSweeper) Sweep(ctx context.Context) (int, error) {
	pending, err := s.store.List(ctx, ApprovalFilter{
		Status:         ApprovalStatusPending,
		ExpiringBefore: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, record := range pending {
		if _, err := s.store.UpdateStatus(ctx, record.ID, ApprovalStatusExpired, "approval ttl exceeded"); err != nil {
			slog.Warn("kernel.approval.expire failed",
				slog.String("approval_id", record.ID),
				slog.String("error", err.Error()))
			continue
		}
		expired++
		slog.Info("kernel.approval.expired",
			slog.String("approval_id", record.ID),
			slog.String("thread_id", record.ThreadID))
	}
	s.metrics.RecordApprovalExpired(ctx, expired)
	return expired, nil
}
