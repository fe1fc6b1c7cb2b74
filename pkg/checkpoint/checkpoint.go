// Package checkpoint persists session snapshots between runs, so a
// suspended thread can be resumed after a restart. The store keeps one
// snapshot per thread; Save overwrites and is safe to call after every
// transition (at-least-once).
package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

// Snapshot is one persisted session image.
type Snapshot struct {
	ThreadID string        `json:"thread_id"`
	Session  *core.Session `json:"session"`
	SavedAt  time.Time     `json:"saved_at"`
}

// Store persists snapshots keyed by thread.
type Store interface {
	// Save overwrites the thread's snapshot.
	Save(ctx context.Context, threadID string, snap Snapshot) error
	// Load returns the thread's snapshot, or a session-not-found error.
	Load(ctx context.Context, threadID string) (*Snapshot, error)
	// Delete removes the thread's snapshot. Missing threads are a no-op.
	Delete(ctx context.Context, threadID string) error
	// Threads lists thread IDs with a stored snapshot, sorted.
	Threads(ctx context.Context) ([]string, error)
}

func normalizeSnapshot(threadID string, snap *Snapshot) error {
	if threadID == "" {
		return kerrors.New(kerrors.CodeInvalidInput, "thread id is required", nil)
	}
	if snap.Session == nil {
		return kerrors.New(kerrors.CodeInvalidInput, "snapshot has no session", nil)
	}
	snap.ThreadID = threadID
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	return nil
}

func notFound(threadID string) error {
	return kerrors.New(kerrors.CodeSessionNotFound, "no checkpoint for thread "+threadID, nil)
}

// MemoryStore keeps snapshots in memory. Suitable for tests and
// single-process runs that do not need durability.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Snapshot)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, threadID string, snap Snapshot) error {
	if err := normalizeSnapshot(threadID, &snap); err != nil {
		return err
	}
	snap.Session = snap.Session.Clone()
	s.mu.Lock()
	s.snapshots[threadID] = snap
	s.mu.Unlock()
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, threadID string) (*Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(threadID)
	}
	snap.Session = snap.Session.Clone()
	return &snap, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	delete(s.snapshots, threadID)
	s.mu.Unlock()
	return nil
}

// Threads implements Store.
func (s *MemoryStore) Threads(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.snapshots))
	for threadID := range s.snapshots {
		out = append(out, threadID)
	}
	sort.Strings(out)
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
