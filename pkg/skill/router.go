// SPDX-License-Identifier: Apache-2.0

package skill

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kelicblan/seerlord-ai/pkg/telemetry"
)

// Router defaults; distances are cosine similarity.
const (
	DefaultThresholdSpecific = 0.85
	DefaultThresholdDomain   = 0.70
	DefaultSearchLimit       = 3
)

// RouterConfig tunes the hierarchical match.
type RouterConfig struct {
	ThresholdSpecific float32
	ThresholdDomain   float32
	SearchLimit       int
}

// Router resolves a request to a skill by searching the tree from the
// most specific level down to the guaranteed meta fallback. The request
// is embedded exactly once; the same vector serves every level.
type Router struct {
	service *Service
	cfg     RouterConfig
	metrics *telemetry.KernelMetrics
}

// Route is a routing decision.
type Route struct {
	Skill      *Skill
	Bindings   map[string]string
	Score      float32
	MatchLevel int
	Fallback   bool
}

// NewRouter builds a Router; zero config fields take the defaults.
func NewRouter(service *Service, cfg RouterConfig, metrics *telemetry.KernelMetrics) *Router {
	if cfg.ThresholdSpecific == 0 {
		cfg.ThresholdSpecific = DefaultThresholdSpecific
	}
	if cfg.ThresholdDomain == 0 {
		cfg.ThresholdDomain = DefaultThresholdDomain
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = DefaultSearchLimit
	}
	return &Router{service: service, cfg: cfg, metrics: metrics}
}

// Route finds the best skill for the query. Level 1 wins above the
// specific threshold, level 2 above the domain threshold with the
// request subject bound, and the level-3 meta skill catches everything
// else. Candidates whose parent chain is broken are skipped: an orphan
// must never shadow a well-formed skill.
func (r *Router) Route(ctx context.Context, query, category string) (*Route, error) {
	vector, err := r.service.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	if match := r.matchLevel(ctx, vector, LevelSpecific, category, r.cfg.ThresholdSpecific); match != nil {
		route := &Route{
			Skill:      match.Skill,
			Bindings:   map[string]string{},
			Score:      match.Score,
			MatchLevel: LevelSpecific,
		}
		r.finish(ctx, route, query)
		return route, nil
	}

	subject := ExtractSubject(query)
	if match := r.matchLevel(ctx, vector, LevelDomain, category, r.cfg.ThresholdDomain); match != nil {
		route := &Route{
			Skill:      match.Skill,
			Bindings:   map[string]string{"subject": subject},
			Score:      match.Score,
			MatchLevel: LevelDomain,
		}
		r.finish(ctx, route, query)
		return route, nil
	}

	meta, err := r.service.MetaSkill(ctx, category)
	if err != nil {
		return nil, err
	}
	route := &Route{
		Skill:      meta,
		Bindings:   map[string]string{"subject": subject},
		MatchLevel: LevelMeta,
		Fallback:   true,
	}
	r.finish(ctx, route, query)
	return route, nil
}

// matchLevel returns the best well-formed candidate at one level, or
// nil when nothing clears the threshold.
func (r *Router) matchLevel(ctx context.Context, vector []float32, level int, category string, threshold float32) *Match {
	matches, err := r.service.SearchLevel(ctx, vector, level, category, r.cfg.SearchLimit, threshold)
	if err != nil {
		slog.Warn("skill search failed, falling through",
			slog.Int("level", level),
			slog.String("error", err.Error()))
		return nil
	}
	for i := range matches {
		match := matches[i]
		if _, ok := r.service.ResolveChain(ctx, match.Skill); !ok {
			slog.Warn("skipping orphan skill",
				slog.String("skill", match.Skill.Name),
				slog.Int("level", match.Skill.Level))
			continue
		}
		return &match
	}
	return nil
}

func (r *Router) finish(ctx context.Context, route *Route, query string) {
	r.metrics.RecordRouterMatch(ctx, route.MatchLevel, route.Fallback)
	slog.Debug("skill routed",
		slog.String("skill", route.Skill.Name),
		slog.Int("level", route.MatchLevel),
		slog.Float64("score", float64(route.Score)),
		slog.Bool("fallback", route.Fallback),
		slog.String("query", truncateQuery(query)))
}

func truncateQuery(q string) string {
	if len(q) > 80 {
		return q[:80] + "..."
	}
	return q
}

// subjectStopwords are tokens too generic to name a topic.
var subjectStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "i": {}, "me": {}, "my": {}, "we": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "for": {}, "with": {}, "about": {},
	"and": {}, "or": {}, "is": {}, "are": {}, "am": {}, "be": {}, "do": {},
	"how": {}, "what": {}, "why": {}, "when": {}, "where": {}, "which": {},
	"can": {}, "could": {}, "would": {}, "should": {}, "please": {}, "help": {},
	"want": {}, "need": {}, "like": {}, "learn": {}, "teach": {}, "tell": {},
	"some": {}, "something": {}, "you": {}, "your": {},
}

// ExtractSubject distills a request into the topic bound to {subject}
// in domain and meta templates. Best effort: significant tokens, at
// most four, falling back to the trimmed query itself.
func ExtractSubject(query string) string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
	var kept []string
	for _, f := range fields {
		if _, skip := subjectStopwords[f]; skip {
			continue
		}
		kept = append(kept, f)
		if len(kept) == 4 {
			break
		}
	}
	if len(kept) == 0 {
		return strings.TrimSpace(query)
	}
	return strings.Join(kept, " ")
}
