// SPDX-License-Identifier: Apache-2.0

package skill

import (
	"context"
	"time"
)

// ListFilter narrows Store.List. Zero values match everything.
type ListFilter struct {
	Level    int
	Category string
	ParentID string
	Name     string
}

// Store persists the skill tree. Implementations enforce the tree shape
// on every write: a level-1 parent must be level 2, a level-2 parent
// must be level 3, level 3 has no parent, and a node with children
// cannot be deleted.
type Store interface {
	// Create inserts a new skill. Names are unique; a duplicate name
	// fails with CodeInvalidInput.
	Create(ctx context.Context, s *Skill) error

	// Get returns the skill by id, or CodeNotFound.
	Get(ctx context.Context, id string) (*Skill, error)

	// GetByName returns the skill by exact name, or CodeNotFound.
	GetByName(ctx context.Context, name string) (*Skill, error)

	// List returns skills matching the filter, ordered by name.
	List(ctx context.Context, filter ListFilter) ([]*Skill, error)

	// Update replaces the mutable fields of a skill if its stored
	// version equals expectedVersion, bumping the version by one.
	// A mismatch fails with ErrVersionConflict.
	Update(ctx context.Context, s *Skill, expectedVersion int) error

	// UpdateStats bumps the usage counters without touching the
	// version.
	UpdateStats(ctx context.Context, id string, success bool, usedAt time.Time) error

	// Delete removes a childless skill. Deleting a node that still has
	// children fails with CodeInvalidInput.
	Delete(ctx context.Context, id string) error

	// AppendHistory records an audit entry for a skill mutation.
	AppendHistory(ctx context.Context, entry HistoryEntry) error

	// History returns the audit entries for a skill, newest first.
	History(ctx context.Context, skillID string) ([]HistoryEntry, error)
}

func matchesFilter(s *Skill, filter ListFilter) bool {
	if filter.Level != 0 && s.Level != filter.Level {
		return false
	}
	if filter.Category != "" && s.Category != filter.Category {
		return false
	}
	if filter.ParentID != "" && s.ParentID != filter.ParentID {
		return false
	}
	if filter.Name != "" && s.Name != filter.Name {
		return false
	}
	return true
}
