// SPDX-License-Identifier: Apache-2.0

package skill

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

// Induction scans for level-1 skills parked directly under a meta skill
// or orphaned, clusters them by embedding similarity and proposes a
// level-2 parent. Proposals stay pending until a human confirms them;
// only confirmation mutates the tree.

// ProposalStatus is the lifecycle state of an induction proposal.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalConfirmed ProposalStatus = "confirmed"
	ProposalRejected  ProposalStatus = "rejected"
)

// Proposal suggests grouping sibling specific skills under a domain
// parent. ParentID names an existing level-2 target; when empty,
// ParentName names the level-2 skill to create on confirmation.
type Proposal struct {
	ID         string         `json:"id"`
	Category   string         `json:"category,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	ParentName string         `json:"parent_name"`
	MemberIDs  []string       `json:"member_ids"`
	Similarity float32        `json:"similarity"`
	Status     ProposalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// ProposalStore persists induction proposals.
type ProposalStore interface {
	Create(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, id string) (*Proposal, error)
	// List returns proposals with the given status, or all when empty,
	// newest first.
	List(ctx context.Context, status ProposalStatus) ([]*Proposal, error)
	UpdateStatus(ctx context.Context, id string, status ProposalStatus, resolvedAt time.Time) error
}

// RunInduction performs one induction scan and returns the number of
// proposals created. Called on the engine ticker and from the manual
// trigger.
func (e *Engine) RunInduction(ctx context.Context) (int, error) {
	if e.proposals == nil {
		return 0, kerrors.New(kerrors.CodeConfiguration, "induction is disabled, no proposal store", nil)
	}

	candidates, err := e.inductionCandidates(ctx)
	if err != nil {
		return 0, err
	}
	reserved, err := e.pendingMembers(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for category, group := range candidates {
		if len(group) < e.cfg.InductionMinSiblings {
			continue
		}
		vectors := make([][]float32, len(group))
		for i, sk := range group {
			vec, err := e.service.EmbedQuery(ctx, sk.EmbeddingText())
			if err != nil {
				return created, err
			}
			vectors[i] = vec
		}
		for _, cluster := range clusterBySimilarity(vectors, e.cfg.InductionSimilarity, e.cfg.InductionMinSiblings) {
			members := make([]string, 0, len(cluster.members))
			names := make([]string, 0, len(cluster.members))
			skip := false
			for _, idx := range cluster.members {
				if _, taken := reserved[group[idx].ID]; taken {
					skip = true
					break
				}
				members = append(members, group[idx].ID)
				names = append(names, group[idx].Name)
			}
			if skip {
				continue
			}

			proposal := &Proposal{
				Category:   category,
				MemberIDs:  members,
				Similarity: cluster.similarity,
				Status:     ProposalPending,
				CreatedAt:  time.Now().UTC(),
			}
			if parent := e.existingDomainTarget(ctx, cluster.centroid, category); parent != nil {
				proposal.ParentID = parent.ID
				proposal.ParentName = parent.Name
			} else {
				proposal.ParentName = induceParentName(names, category)
			}
			if err := e.proposals.Create(ctx, proposal); err != nil {
				return created, err
			}
			for _, id := range members {
				reserved[id] = struct{}{}
			}
			created++
			slog.Info("induction proposal created",
				slog.String("parent", proposal.ParentName),
				slog.Int("members", len(members)),
				slog.String("category", category))
		}
	}
	return created, nil
}

// ConfirmProposal applies a pending proposal: the level-2 parent is
// resolved or created, every member is re-parented under it, and the
// proposal is marked confirmed. Returns the parent skill.
func (e *Engine) ConfirmProposal(ctx context.Context, id, actingAgent string) (*Skill, error) {
	if e.proposals == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "induction is disabled, no proposal store", nil)
	}
	proposal, err := e.proposals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if proposal.Status != ProposalPending {
		return nil, kerrors.New(kerrors.CodeInvalidInput,
			fmt.Sprintf("proposal %s is %s, only pending proposals can be confirmed", id, proposal.Status), nil)
	}
	if actingAgent == "" {
		actingAgent = EvolutionAgentID
	}

	parent, err := e.resolveProposalParent(ctx, proposal, actingAgent)
	if err != nil {
		return nil, err
	}

	moved := 0
	for _, memberID := range proposal.MemberIDs {
		member, err := e.service.Get(ctx, memberID)
		if err != nil {
			slog.Warn("induction member vanished, skipping",
				slog.String("skill_id", memberID))
			continue
		}
		if member.ParentID == parent.ID {
			moved++
			continue
		}
		next := member.Clone()
		next.ParentID = parent.ID
		change := fmt.Sprintf("re-parented under %s by induction", parent.Name)
		if _, err := e.service.Update(ctx, next, member.Version, actingAgent, change); err != nil {
			e.dropped(RuleInduction, memberID, err)
			continue
		}
		moved++
	}
	if moved == 0 && len(proposal.MemberIDs) > 0 {
		e.metrics.RecordEvolution(ctx, RuleInduction, false)
		return nil, kerrors.New(kerrors.CodeEvolution, "no proposal member could be re-parented", nil)
	}

	if err := e.proposals.UpdateStatus(ctx, id, ProposalConfirmed, time.Now().UTC()); err != nil {
		return nil, err
	}
	e.metrics.RecordEvolution(ctx, RuleInduction, true)
	e.committed(ctx, Observation{}, parent, RuleInduction,
		fmt.Sprintf("adopted %d sibling skills", moved))
	return parent, nil
}

// RejectProposal marks a pending proposal rejected without touching the
// tree.
func (e *Engine) RejectProposal(ctx context.Context, id string) error {
	if e.proposals == nil {
		return kerrors.New(kerrors.CodeConfiguration, "induction is disabled, no proposal store", nil)
	}
	proposal, err := e.proposals.Get(ctx, id)
	if err != nil {
		return err
	}
	if proposal.Status != ProposalPending {
		return kerrors.New(kerrors.CodeInvalidInput,
			fmt.Sprintf("proposal %s is %s, only pending proposals can be rejected", id, proposal.Status), nil)
	}
	return e.proposals.UpdateStatus(ctx, id, ProposalRejected, time.Now().UTC())
}

// ListProposals returns proposals with the given status, or all when
// empty.
func (e *Engine) ListProposals(ctx context.Context, status ProposalStatus) ([]*Proposal, error) {
	if e.proposals == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "induction is disabled, no proposal store", nil)
	}
	return e.proposals.List(ctx, status)
}

// inductionCandidates groups mis-parented specifics by category: level-1
// skills whose parent is missing, dangling or a level-3 meta.
func (e *Engine) inductionCandidates(ctx context.Context) (map[string][]*Skill, error) {
	specifics, err := e.service.List(ctx, ListFilter{Level: LevelSpecific})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*Skill)
	for _, sk := range specifics {
		if sk.ParentID != "" {
			parent, err := e.service.Get(ctx, sk.ParentID)
			if err == nil && parent.Level == LevelDomain {
				continue
			}
		}
		out[sk.Category] = append(out[sk.Category], sk)
	}
	return out, nil
}

// pendingMembers returns skill ids already claimed by a pending
// proposal, so repeated scans never double-book a skill.
func (e *Engine) pendingMembers(ctx context.Context) (map[string]struct{}, error) {
	pending, err := e.proposals.List(ctx, ProposalPending)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for _, p := range pending {
		for _, id := range p.MemberIDs {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// existingDomainTarget looks for a level-2 skill close enough to the
// cluster centroid to adopt the members directly.
func (e *Engine) existingDomainTarget(ctx context.Context, centroid []float32, category string) *Skill {
	matches, err := e.service.SearchLevel(ctx, centroid, LevelDomain, category, 1, e.cfg.InductionSimilarity)
	if err != nil || len(matches) == 0 {
		return nil
	}
	return matches[0].Skill
}

func (e *Engine) resolveProposalParent(ctx context.Context, proposal *Proposal, actingAgent string) (*Skill, error) {
	if proposal.ParentID != "" {
		parent, err := e.service.Get(ctx, proposal.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.Level != LevelDomain {
			return nil, kerrors.New(kerrors.CodeInvalidInput,
				"proposal parent must be a level-2 skill: "+parent.Name, nil)
		}
		return parent, nil
	}
	if existing, err := e.service.GetByName(ctx, proposal.ParentName); err == nil {
		if existing.Level != LevelDomain {
			return nil, kerrors.New(kerrors.CodeInvalidInput,
				"proposal parent name is taken by a non-domain skill: "+existing.Name, nil)
		}
		return existing, nil
	}
	meta, err := e.service.MetaSkill(ctx, proposal.Category)
	if err != nil {
		return nil, err
	}
	parent := &Skill{
		Name:        proposal.ParentName,
		Description: fmt.Sprintf("Domain skill induced from %d sibling skills", len(proposal.MemberIDs)),
		Level:       LevelDomain,
		ParentID:    meta.ID,
		Category:    proposal.Category,
		Content: Content{
			PromptTemplate: "You are an expert in {subject}. Help the user with their request " +
				"step by step, stating assumptions and checking the result.",
			ChildNameTemplate: proposal.ParentName + "_{subject}",
		},
		Tags: []string{"induced"},
	}
	return e.service.Create(ctx, parent, actingAgent,
		fmt.Sprintf("induced as parent for %d sibling skills", len(proposal.MemberIDs)))
}

type cluster struct {
	members    []int
	centroid   []float32
	similarity float32
}

// clusterBySimilarity greedily groups vectors: each unassigned vector
// seeds a cluster collecting every other unassigned vector within the
// threshold. Clusters below minSize are discarded.
func clusterBySimilarity(vectors [][]float32, threshold float32, minSize int) []cluster {
	assigned := make([]bool, len(vectors))
	var out []cluster
	for seed := range vectors {
		if assigned[seed] {
			continue
		}
		members := []int{seed}
		var minSim float32 = 1
		for other := range vectors {
			if other == seed || assigned[other] {
				continue
			}
			sim := cosine32(vectors[seed], vectors[other])
			if sim >= threshold {
				members = append(members, other)
				if sim < minSim {
					minSim = sim
				}
			}
		}
		if len(members) < minSize {
			continue
		}
		for _, idx := range members {
			assigned[idx] = true
		}
		out = append(out, cluster{
			members:    members,
			centroid:   meanVector(vectors, members),
			similarity: minSim,
		})
	}
	return out
}

func cosine32(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func meanVector(vectors [][]float32, members []int) []float32 {
	if len(members) == 0 {
		return nil
	}
	dim := len(vectors[members[0]])
	mean := make([]float64, dim)
	for _, idx := range members {
		for i, v := range vectors[idx] {
			mean[i] += float64(v)
		}
	}
	var norm float64
	for i := range mean {
		mean[i] /= float64(len(members))
		norm += mean[i] * mean[i]
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dim)
	for i := range mean {
		if norm > 0 {
			out[i] = float32(mean[i] / norm)
		}
	}
	return out
}

// induceParentName derives a deterministic name for a proposed parent
// from the members' longest common name prefix, falling back to the
// category.
func induceParentName(memberNames []string, category string) string {
	prefix := commonNamePrefix(memberNames)
	if prefix != "" {
		return prefix + "_general"
	}
	if category != "" {
		return Slug(category) + "_general"
	}
	return "induced_general"
}

func commonNamePrefix(names []string) string {
	if len(names) == 0 {
		return ""
	}
	prefix := names[0]
	for _, name := range names[1:] {
		for len(prefix) > 0 {
			if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
				break
			}
			prefix = prefix[:len(prefix)-1]
		}
	}
	return Slug(prefix)
}
