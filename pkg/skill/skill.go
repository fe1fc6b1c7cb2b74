// Package skill implements the hierarchical skill tree: the three-level
// model and its invariants, persistent stores, the vector-backed
// service, the router and the evolution engine.
package skill

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Skill tree levels. Level 1 is the most specific; level 3 is the
// guaranteed catch-all the router can always fall back to.
const (
	LevelSpecific = 1
	LevelDomain   = 2
	LevelMeta     = 3
)

// ErrVersionConflict is returned by Store.Update when the stored version
// does not match the caller's expected version.
var ErrVersionConflict = errors.New("skill version conflict")

// Content is the executable payload of a skill.
type Content struct {
	PromptTemplate string         `json:"prompt_template" yaml:"prompt_template"`
	Knowledge      []string       `json:"knowledge,omitempty" yaml:"knowledge,omitempty"`
	Logic          string         `json:"logic,omitempty" yaml:"logic,omitempty"`
	ParamsSchema   map[string]any `json:"params_schema,omitempty" yaml:"params_schema,omitempty"`

	// ChildNameTemplate names level-1 children instantiated from a
	// domain skill, e.g. "learn_{subject}". Empty means
	// "<name>_<subject>".
	ChildNameTemplate string `json:"child_name_template,omitempty" yaml:"child_name_template,omitempty"`
}

// Stats tracks skill usage. Updated outside the version lock: usage is
// advisory and never triggers history entries.
type Stats struct {
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
}

// Skill is a node in the three-level tree.
type Skill struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Level       int       `json:"level"`
	ParentID    string    `json:"parent_id,omitempty"`
	Category    string    `json:"category,omitempty"`
	Content     Content   `json:"content"`
	Tags        []string  `json:"tags,omitempty"`
	Version     int       `json:"version"`
	Stats       Stats     `json:"stats"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HistoryEntry is an immutable audit record of one skill mutation.
// SnapshotContent holds the content as it was before the change.
type HistoryEntry struct {
	ID                int64     `json:"id,omitempty"`
	SkillID           string    `json:"skill_id"`
	Version           int       `json:"version"`
	ChangeDescription string    `json:"change_description"`
	SnapshotContent   Content   `json:"snapshot_content"`
	ActingAgentID     string    `json:"acting_agent_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// EmbeddingText is the text embedded for semantic search.
func (s *Skill) EmbeddingText() string {
	return s.Name + ": " + s.Description
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Skill) Clone() *Skill {
	if s == nil {
		return nil
	}
	out := *s
	out.Tags = append([]string(nil), s.Tags...)
	out.Content.Knowledge = append([]string(nil), s.Content.Knowledge...)
	if s.Content.ParamsSchema != nil {
		schema := make(map[string]any, len(s.Content.ParamsSchema))
		for k, v := range s.Content.ParamsSchema {
			schema[k] = v
		}
		out.Content.ParamsSchema = schema
	}
	if s.Stats.LastUsed != nil {
		used := *s.Stats.LastUsed
		out.Stats.LastUsed = &used
	}
	return &out
}

// validateSkill checks the node itself and its relation to the resolved
// parent. parent is nil when ParentID is empty; a set ParentID always
// resolves before writes, so a dangling parent never enters a store.
// Every create, update and re-parent goes through this.
func validateSkill(s *Skill, parent *Skill) error {
	if s == nil {
		return fmt.Errorf("skill is nil")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("skill name is required")
	}
	if strings.TrimSpace(s.Description) == "" {
		return fmt.Errorf("skill %q: description is required", s.Name)
	}
	if s.Level < LevelSpecific || s.Level > LevelMeta {
		return fmt.Errorf("skill %q: level must be 1, 2 or 3, got %d", s.Name, s.Level)
	}
	if s.Level == LevelMeta && s.ParentID != "" {
		return fmt.Errorf("skill %q: meta skills have no parent", s.Name)
	}
	if s.ParentID != "" {
		if parent == nil {
			return fmt.Errorf("skill %q: parent %q not found", s.Name, s.ParentID)
		}
		if parent.Level != s.Level+1 {
			return fmt.Errorf("skill %q: level %d parent must be level %d, got level %d",
				s.Name, s.Level, s.Level+1, parent.Level)
		}
	}
	return nil
}

// RenderTemplate substitutes {key} placeholders in a skill template.
// Unknown placeholders are left intact.
func RenderTemplate(template string, bindings map[string]string) string {
	if len(bindings) == 0 {
		return template
	}
	pairs := make([]string, 0, len(bindings)*2)
	for key, value := range bindings {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Slug converts free text into a lowercase identifier fragment used in
// derived skill names.
func Slug(text string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
