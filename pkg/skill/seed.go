package skill

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

// SeedSkill is a skill definition loaded from a SKILL.md file. The
// frontmatter carries the tree position; the body is the prompt
// template.
type SeedSkill struct {
	Name              string
	Description       string
	Level             int
	Category          string
	Parent            string
	Tags              []string
	Knowledge         []string
	ChildNameTemplate string
	Body              string
	Path              string
	Dir               string
}

const (
	maxSeedNameLen        = 64
	maxSeedDescriptionLen = 1024
)

var seedNamePattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

// LoadSeedDir scans a directory for skill subdirectories with SKILL.md.
func LoadSeedDir(root string) ([]SeedSkill, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []SeedSkill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillPath := filepath.Join(root, entry.Name(), "SKILL.md")
		if _, err := os.Stat(skillPath); err != nil {
			continue
		}
		seed, err := LoadSeedFile(skillPath)
		if err != nil {
			return nil, err
		}
		out = append(out, seed)
	}
	return out, nil
}

// LoadSeedFile parses a single SKILL.md file.
func LoadSeedFile(path string) (SeedSkill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedSkill{}, err
	}
	fm, body, err := splitFrontmatter(string(data))
	if err != nil {
		return SeedSkill{}, fmt.Errorf("%s: %w", path, err)
	}
	var parsed seedFrontmatter
	if err := yaml.Unmarshal([]byte(fm), &parsed); err != nil {
		return SeedSkill{}, fmt.Errorf("%s: parse frontmatter: %w", path, err)
	}
	seed := SeedSkill{
		Name:              parsed.Name,
		Description:       parsed.Description,
		Level:             parsed.Level,
		Category:          parsed.Category,
		Parent:            parsed.Parent,
		Tags:              parsed.Tags,
		Knowledge:         parsed.Knowledge,
		ChildNameTemplate: parsed.ChildNameTemplate,
		Body:              strings.TrimSpace(body),
		Path:              path,
		Dir:               filepath.Dir(path),
	}
	if err := validateSeed(seed); err != nil {
		return SeedSkill{}, fmt.Errorf("%s: %w", path, err)
	}
	return seed, nil
}

type seedFrontmatter struct {
	Name              string   `yaml:"name"`
	Description       string   `yaml:"description"`
	Level             int      `yaml:"level"`
	Category          string   `yaml:"category"`
	Parent            string   `yaml:"parent"`
	Tags              []string `yaml:"tags"`
	Knowledge         []string `yaml:"knowledge"`
	ChildNameTemplate string   `yaml:"child-name-template"`
}

func splitFrontmatter(content string) (string, string, error) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", errors.New("missing frontmatter")
	}
	parts := strings.SplitN(trimmed, "---", 3)
	if len(parts) < 3 {
		return "", "", errors.New("invalid frontmatter")
	}
	return strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2]), nil
}

func validateSeed(seed SeedSkill) error {
	name := strings.TrimSpace(seed.Name)
	if name == "" {
		return errors.New("name is required")
	}
	if utf8.RuneCountInString(name) > maxSeedNameLen {
		return fmt.Errorf("name exceeds %d characters", maxSeedNameLen)
	}
	if !seedNamePattern.MatchString(name) {
		return fmt.Errorf("name must match %s", seedNamePattern.String())
	}
	if dirName := filepath.Base(seed.Dir); dirName != name {
		return fmt.Errorf("name must match directory name (%s)", dirName)
	}
	desc := strings.TrimSpace(seed.Description)
	if desc == "" {
		return errors.New("description is required")
	}
	if utf8.RuneCountInString(desc) > maxSeedDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", maxSeedDescriptionLen)
	}
	if seed.Level < LevelSpecific || seed.Level > LevelMeta {
		return fmt.Errorf("level must be 1, 2 or 3, got %d", seed.Level)
	}
	if seed.Level == LevelMeta && seed.Parent != "" {
		return errors.New("meta skills have no parent")
	}
	if strings.TrimSpace(seed.Body) == "" {
		return errors.New("body (prompt template) is required")
	}
	return nil
}

// Seed loads seed definitions into the service, metas first so child
// levels can resolve their parents by name. Existing names are left
// untouched. Returns the number of skills created.
func (s *Service) Seed(ctx context.Context, seeds []SeedSkill) (int, error) {
	created := 0
	for level := LevelMeta; level >= LevelSpecific; level-- {
		for _, seed := range seeds {
			if seed.Level != level {
				continue
			}
			if _, err := s.store.GetByName(ctx, seed.Name); err == nil {
				continue
			}
			parentID := ""
			if seed.Parent != "" {
				parent, err := s.store.GetByName(ctx, seed.Parent)
				if err != nil {
					return created, kerrors.New(kerrors.CodeInvalidInput,
						fmt.Sprintf("seed %s names unknown parent %q", seed.Name, seed.Parent), err)
				}
				parentID = parent.ID
			}
			sk := &Skill{
				Name:        seed.Name,
				Description: seed.Description,
				Level:       seed.Level,
				ParentID:    parentID,
				Category:    seed.Category,
				Tags:        seed.Tags,
				Content: Content{
					PromptTemplate:    seed.Body,
					Knowledge:         seed.Knowledge,
					ChildNameTemplate: seed.ChildNameTemplate,
				},
			}
			if _, err := s.Create(ctx, sk, "seed", "seeded from "+seed.Path); err != nil {
				return created, err
			}
			created++
		}
	}
	return created, nil
}

// EnsureDefaults creates a meta skill for every category that lacks
// one, plus a global fallback when the tree has no meta at all. This
// keeps the router's level-3 guarantee intact on an empty database.
func (s *Service) EnsureDefaults(ctx context.Context, categories []string) (int, error) {
	created := 0
	metas, err := s.store.List(ctx, ListFilter{Level: LevelMeta})
	if err != nil {
		return 0, err
	}
	haveCategory := make(map[string]bool, len(metas))
	for _, meta := range metas {
		haveCategory[meta.Category] = true
	}

	if len(metas) == 0 {
		if err := s.createDefaultMeta(ctx, ""); err != nil {
			return created, err
		}
		created++
	}
	for _, category := range categories {
		if category == "" || haveCategory[category] {
			continue
		}
		if err := s.createDefaultMeta(ctx, category); err != nil {
			return created, err
		}
		created++
		haveCategory[category] = true
	}
	return created, nil
}

func (s *Service) createDefaultMeta(ctx context.Context, category string) error {
	name := "general_problem_solver"
	description := "General problem solver used when no specific skill matches."
	if category != "" {
		name = Slug(category) + "_solver"
		description = fmt.Sprintf("General %s solver used when no specific skill matches.", category)
	}
	if _, err := s.store.GetByName(ctx, name); err == nil {
		return nil
	}
	meta := &Skill{
		Name:        name,
		Description: description,
		Level:       LevelMeta,
		Category:    category,
		Tags:        []string{"default"},
		Content: Content{
			PromptTemplate: "You are a versatile expert assistant. The user needs help with {subject}. " +
				"Work through the request step by step: clarify what is being asked, apply relevant " +
				"knowledge, and state the answer plainly.",
		},
	}
	_, err := s.Create(ctx, meta, "seed", "default meta skill")
	return err
}
