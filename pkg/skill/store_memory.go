package skill

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Skill
	byName  map[string]string
	history map[string][]HistoryEntry
	histSeq int64
}

// NewMemoryStore creates an empty in-memory skill store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Skill),
		byName:  make(map[string]string),
		history: make(map[string][]HistoryEntry),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Skill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var parent *Skill
	if s.ParentID != "" {
		parent = m.byID[s.ParentID]
	}
	if err := validateSkill(s, parent); err != nil {
		return kerrors.New(kerrors.CodeInvalidInput, "invalid skill", err)
	}
	if _, exists := m.byName[s.Name]; exists {
		return kerrors.New(kerrors.CodeInvalidInput, "skill name already exists: "+s.Name, nil)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := m.byID[s.ID]; exists {
		return kerrors.New(kerrors.CodeInvalidInput, "skill id already exists: "+s.ID, nil)
	}
	now := time.Now().UTC()
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now
	m.byID[s.ID] = s.Clone()
	m.byName[s.Name] = s.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, kerrors.New(kerrors.CodeNotFound, "skill not found: "+id, nil)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) GetByName(ctx context.Context, name string) (*Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return nil, kerrors.New(kerrors.CodeNotFound, "skill not found: "+name, nil)
	}
	return m.byID[id].Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Skill
	for _, s := range m.byID {
		if matchesFilter(s, filter) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Skill, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.byID[s.ID]
	if !ok {
		return kerrors.New(kerrors.CodeNotFound, "skill not found: "+s.ID, nil)
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	var parent *Skill
	if s.ParentID != "" {
		parent = m.byID[s.ParentID]
	}
	if err := validateSkill(s, parent); err != nil {
		return kerrors.New(kerrors.CodeInvalidInput, "invalid skill", err)
	}
	if s.Name != current.Name {
		if _, exists := m.byName[s.Name]; exists {
			return kerrors.New(kerrors.CodeInvalidInput, "skill name already exists: "+s.Name, nil)
		}
		delete(m.byName, current.Name)
		m.byName[s.Name] = s.ID
	}

	next := s.Clone()
	next.Version = expectedVersion + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	next.Stats = current.Stats
	m.byID[s.ID] = next
	s.Version = next.Version
	s.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryStore) UpdateStats(ctx context.Context, id string, success bool, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return kerrors.New(kerrors.CodeNotFound, "skill not found: "+id, nil)
	}
	if success {
		s.Stats.SuccessCount++
	} else {
		s.Stats.FailureCount++
	}
	used := usedAt.UTC()
	s.Stats.LastUsed = &used
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return kerrors.New(kerrors.CodeNotFound, "skill not found: "+id, nil)
	}
	for _, other := range m.byID {
		if other.ParentID == id {
			return kerrors.New(kerrors.CodeInvalidInput,
				"skill has children and cannot be deleted: "+s.Name, nil)
		}
	}
	delete(m.byID, id)
	delete(m.byName, s.Name)
	delete(m.history, id)
	return nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.SkillID == "" {
		return kerrors.New(kerrors.CodeInvalidInput, "history entry requires a skill id", nil)
	}
	m.histSeq++
	entry.ID = m.histSeq
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.history[entry.SkillID] = append(m.history[entry.SkillID], entry)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, skillID string) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[skillID]
	out := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
