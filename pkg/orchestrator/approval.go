// SPDX-License-Identifier: Apache-2.0

// Package orchestrator implements the kernel: a bounded state machine
// that routes a request through the skill fast track or the
// plan/dispatch/critic loop, suspends for human approval, and drives
// registered plugins until a final answer is produced.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

// ApprovalStatus values for a suspended plan.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
	ApprovalStatusExpired  = "expired"
)

// ApprovalRecord is one human-approval gate raised by the planner. The
// plan snapshot is what the operator reviews; the session itself stays
// in the checkpoint store.
type ApprovalRecord struct {
	ID           string     `json:"id"`
	ThreadID     string     `json:"thread_id"`
	PlanSnapshot *core.Plan `json:"plan_snapshot,omitempty"`
	Status       string     `json:"status"`
	// Reason records why the record left pending: an operator note on
	// approve/reject, or the sweeper's expiry note.
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the record's deadline has passed. Records
// without a deadline never expire.
func (r *ApprovalRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// ApprovalFilter narrows List results. Zero values match everything.
type ApprovalFilter struct {
	ThreadID string
	Status   string
	// ExpiringBefore selects records whose deadline falls at or before
	// the given instant. Records without a deadline never match.
	ExpiringBefore time.Time
	Limit          int
}

// ApprovalStore persists approval records.
type ApprovalStore interface {
	// Create stores a new record, filling ID, status and timestamps.
	Create(ctx context.Context, record *ApprovalRecord) (*ApprovalRecord, error)
	// Get returns a record by ID, or a not-found error.
	Get(ctx context.Context, id string) (*ApprovalRecord, error)
	// Latest returns the thread's most recently updated record, or a
	// not-found error when the thread has none.
	Latest(ctx context.Context, threadID string) (*ApprovalRecord, error)
	// List returns matching records, most recently updated first.
	List(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRecord, error)
	// UpdateStatus resolves a record and returns the updated copy.
	UpdateStatus(ctx context.Context, id, status, reason string) (*ApprovalRecord, error)
}

func approvalNotFound(id string) error {
	return kerrors.New(kerrors.CodeNotFound, "approval not found: "+id, nil)
}

func clonePlan(p *core.Plan) *core.Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Tasks = append([]core.Task(nil), p.Tasks...)
	return &out
}

func cloneApproval(r *ApprovalRecord) *ApprovalRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.PlanSnapshot = clonePlan(r.PlanSnapshot)
	return &out
}

func (f ApprovalFilter) matches(r *ApprovalRecord) bool {
	if f.ThreadID != "" && r.ThreadID != f.ThreadID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.ExpiringBefore.IsZero() {
		if r.ExpiresAt.IsZero() || r.ExpiresAt.After(f.ExpiringBefore) {
			return false
		}
	}
	return true
}

// MemoryApprovalStore keeps approval records in memory. Suitable for
// tests and single-process runs without durability requirements.
type MemoryApprovalStore struct {
	mu      sync.RWMutex
	records map[string]*ApprovalRecord
}

// NewMemoryApprovalStore creates an empty in-memory approval store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{records: make(map[string]*ApprovalRecord)}
}

// Create implements ApprovalStore.
func (s *MemoryApprovalStore) Create(_ context.Context, record *ApprovalRecord) (*ApprovalRecord, error) {
	if record == nil || record.ThreadID == "" {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "approval requires a thread id", nil)
	}
	stored := cloneApproval(record)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = ApprovalStatusPending
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.mu.Lock()
	s.records[stored.ID] = stored
	s.mu.Unlock()
	return cloneApproval(stored), nil
}

// Get implements ApprovalStore.
func (s *MemoryApprovalStore) Get(_ context.Context, id string) (*ApprovalRecord, error) {
	s.mu.RLock()
	record, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, approvalNotFound(id)
	}
	return cloneApproval(record), nil
}

// Latest implements ApprovalStore.
func (s *MemoryApprovalStore) Latest(ctx context.Context, threadID string) (*ApprovalRecord, error) {
	records, err := s.List(ctx, ApprovalFilter{ThreadID: threadID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, kerrors.New(kerrors.CodeNotFound, "no approvals for thread "+threadID, nil)
	}
	return records[0], nil
}

// List implements ApprovalStore.
func (s *MemoryApprovalStore) List(_ context.Context, filter ApprovalFilter) ([]*ApprovalRecord, error) {
	s.mu.RLock()
	matched := make([]*ApprovalRecord, 0, len(s.records))
	for _, record := range s.records {
		if filter.matches(record) {
			matched = append(matched, cloneApproval(record))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// UpdateStatus implements ApprovalStore.
func (s *MemoryApprovalStore) UpdateStatus(_ context.Context, id, status, reason string) (*ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, approvalNotFound(id)
	}
	record.Status = status
	record.Reason = reason
	record.UpdatedAt = time.Now().UTC()
	return cloneApproval(record), nil
}

var _ ApprovalStore = (*MemoryApprovalStore)(nil)
