package election

import (
	"context"
	"fmt"
	"sort"

	"github.com/zeusync/syncmesh/internal/core/cluster"
)

// Strategy decides who leads among a candidate set.
type Strategy interface {
	Name() string
	ShouldBecomeLeader(ctx context.Context, selfID string, candidates []cluster.Node) bool
	CalculatePriority(ctx context.Context, node cluster.Node) float64
	// RequiresVoting strategies only finish through Vote and Complete.
	RequiresVoting() bool
}

// FirstNode elects the lexicographically smallest id without exchanging messages.
type FirstNode struct{}

func (FirstNode) Name() string                                            { return string(cluster.PromotionFirstNode) }
func (FirstNode) CalculatePriority(context.Context, cluster.Node) float64 { return 0 }
func (FirstNode) RequiresVoting() bool                                    { return false }

func (s FirstNode) ShouldBecomeLeader(ctx context.Context, selfID string, candidates []cluster.Node) bool {
	w, ok := pick(ctx, s, candidates)
	return ok && w.ID() == selfID
}

// CapabilityBased prefers the highest announced capability score.
type CapabilityBased struct{}

func (CapabilityBased) Name() string         { return string(cluster.PromotionCapabilityBased) }
func (CapabilityBased) RequiresVoting() bool { return false }

func (CapabilityBased) CalculatePriority(_ context.Context, n cluster.Node) float64 {
	return n.CapabilityScore()
}

func (s CapabilityBased) ShouldBecomeLeader(ctx context.Context, selfID string, candidates []cluster.Node) bool {
	w, ok := pick(ctx, s, candidates)
	return ok && w.ID() == selfID
}

// MajorityVote tallies votes; each voter prefers the candidate with the best
// capability score.
type MajorityVote struct{}

func (MajorityVote) Name() string         { return string(cluster.PromotionMajorityVote) }
func (MajorityVote) RequiresVoting() bool { return true }

func (MajorityVote) CalculatePriority(_ context.Context, n cluster.Node) float64 {
	return n.CapabilityScore()
}

func (s MajorityVote) ShouldBecomeLeader(ctx context.Context, selfID string, candidates []cluster.Node) bool {
	w, ok := pick(ctx, s, candidates)
	return ok && w.ID() == selfID
}

// Preferred is the candidate a node should vote for under s.
func Preferred(ctx context.Context, s Strategy, candidates []cluster.Node) (cluster.Node, bool) {
	return pick(ctx, s, candidates)
}

// StrategyFor maps a topology promotion strategy onto its implementation.
func StrategyFor(p cluster.PromotionStrategy) (Strategy, error) {
	switch p {
	case cluster.PromotionFirstNode:
		return FirstNode{}, nil
	case cluster.PromotionCapabilityBased:
		return CapabilityBased{}, nil
	case cluster.PromotionMajorityVote:
		return MajorityVote{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, p)
}

// pick returns the highest-priority candidate, ties broken by smallest id.
func pick(ctx context.Context, s Strategy, candidates []cluster.Node) (cluster.Node, bool) {
	if len(candidates) == 0 {
		return cluster.Node{}, false
	}
	sorted := sortedByID(candidates)
	best := sorted[0]
	bestPriority := s.CalculatePriority(ctx, best)
	for _, n := range sorted[1:] {
		if p := s.CalculatePriority(ctx, n); p > bestPriority {
			best, bestPriority = n, p
		}
	}
	return best, true
}

func sortedByID(nodes []cluster.Node) []cluster.Node {
	out := append([]cluster.Node(nil), nodes...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
