// Package scoring implements the multiplicative edge disambiguator. A
// node's outgoing edges are scored as a product of independent factors,
// so any single weak factor can veto a path; the winner is the argmax.
// Every factor is computed relative to the source node's own local
// aggregates, never against a global or fixed cutoff.
package scoring

import (
	"github.com/engramdb/engram/internal/graph"
)

// Params holds the tunable factor weights.
type Params struct {
	// HierarchyBoost scales how strongly an actively matching
	// hierarchy pulls edge selection toward its next element. The
	// right balance between hierarchy guidance and context matching is
	// empirically tuned, so it is a parameter rather than a rule.
	HierarchyBoost float64 `yaml:"hierarchy_boost"`

	// ActivationBoost scales the bonus for targets already active in
	// the current wave.
	ActivationBoost float64 `yaml:"activation_boost"`

	// ContextWindow bounds how many trailing bytes of the generation
	// context are aligned against an edge's stored fingerprint.
	ContextWindow int `yaml:"context_window"`
}

// DefaultParams returns the default scoring parameters.
func DefaultParams() Params {
	return Params{
		HierarchyBoost:  1.5,
		ActivationBoost: 1.0,
		ContextWindow:   graph.FingerprintSize,
	}
}

// Emission records how a target was recently emitted, for habituation.
type Emission struct {
	Count    int // times emitted so far
	LastStep int // node step of the most recent emission
}

// Context carries the call-local state the disambiguator scores against.
// All fields are read-only during scoring.
type Context struct {
	// Active maps wave-activated nodes to their current strength.
	Active map[graph.NodeID]float64

	// Recent is the trailing generation context (input + emitted bytes).
	Recent []byte

	// Emitted tracks habituation state per emitted node.
	Emitted map[graph.NodeID]Emission

	// Step is the current node-step counter.
	Step int

	// HierarchyNext is the byte an actively matching hierarchy expects
	// next; only meaningful when HierarchyActive is set.
	HierarchyNext   byte
	HierarchyActive bool
}

// Scorer scores and disambiguates a node's outgoing edges.
type Scorer struct {
	store  *graph.Store
	params Params
}

// New creates a scorer over the given store.
func New(store *graph.Store, params Params) *Scorer {
	return &Scorer{store: store, params: params}
}

// Score computes the multiplicative score of one edge:
//
//	frequency × context similarity × activation boost × hierarchy × habituation
//
// Each factor is neutral (1.0) when its inputs are absent, so degenerate
// cases yield a definite value instead of an error.
func (s *Scorer) Score(src graph.NodeID, e *graph.Edge, ctx *Context) float64 {
	score := s.frequencyFactor(src, e)
	score *= s.contextSimilarityFactor(e, ctx)
	score *= s.activationBoostFactor(e, ctx)
	score *= s.hierarchyFactor(e, ctx)
	score *= habituationFactor(e.Target, ctx)
	return score
}

// frequencyFactor relates the decoded edge weight to the source's local
// average. Above 1.0 the edge is a local winner; below it is a local
// loser. With no meaningful average the factor is neutral.
func (s *Scorer) frequencyFactor(src graph.NodeID, e *graph.Edge) float64 {
	avg := s.store.LocalAverage(src)
	eps := graph.AdaptiveEpsilon(avg)
	if avg <= eps {
		return 1.0
	}
	return graph.DecodeWeight(e.Weight) / avg
}

// contextSimilarityFactor compares the edge's stored fingerprint
// against the trailing window of the current generation context,
// position by position with both ends anchored. The fingerprint was
// captured most-recent-last, so byte k from the end of the fingerprint
// speaks about byte k from the end of the context; crediting a byte
// matched at some other offset lets an edge captured in one stream
// score high inside another, and interleaves learned continuations.
// The agreement fraction is squared so a minor positional coincidence
// stays a veto instead of a discount.
func (s *Scorer) contextSimilarityFactor(e *graph.Edge, ctx *Context) float64 {
	fp := e.Context[:e.ContextLen]
	if len(fp) == 0 || len(ctx.Recent) == 0 {
		return 1.0
	}
	window := ctx.Recent
	if s.params.ContextWindow > 0 && len(window) > s.params.ContextWindow {
		window = window[len(window)-s.params.ContextWindow:]
	}

	matched := 0
	for k := 1; k <= len(fp) && k <= len(window); k++ {
		if fp[len(fp)-k] == window[len(window)-k] {
			matched++
		}
	}
	// Normalizing by the full fingerprint capacity, not the stored
	// length, makes a complete 4-byte match beat a complete short one:
	// more matched context is always stronger evidence.
	eps := graph.AdaptiveEpsilon(graph.FingerprintSize)
	agreement := (float64(matched) + eps) / (graph.FingerprintSize + eps)
	return agreement * agreement
}

// activationBoostFactor rewards targets that are already part of the
// current wave's active set, reinforcing convergent predictions. The
// strength is squashed to (0,1) before boosting so a heavily activated
// target sharpens the choice without drowning the context factor's
// veto.
func (s *Scorer) activationBoostFactor(e *graph.Edge, ctx *Context) float64 {
	if ctx.Active == nil {
		return 1.0
	}
	act, ok := ctx.Active[e.Target]
	if !ok || act <= 0 {
		return 1.0
	}
	return 1.0 + s.params.ActivationBoost*act/(1.0+act)
}

// hierarchyFactor boosts the edge whose target continues the actively
// matching hierarchy sequence and attenuates the rest. Inactive when no
// hierarchy is being matched.
func (s *Scorer) hierarchyFactor(e *graph.Edge, ctx *Context) float64 {
	if !ctx.HierarchyActive {
		return 1.0
	}
	target := s.store.Node(e.Target)
	if target == nil || len(target.Payload) == 0 {
		return 1.0
	}
	if target.Payload[0] == ctx.HierarchyNext {
		return 1.0 + s.params.HierarchyBoost
	}
	return 1.0 / (1.0 + s.params.HierarchyBoost)
}

// habituationFactor suppresses targets that were emitted recently or
// often. It decreases with emission count and recovers as steps pass
// since the last emission, which is what breaks repetition loops.
func habituationFactor(target graph.NodeID, ctx *Context) float64 {
	if ctx.Emitted == nil {
		return 1.0
	}
	em, ok := ctx.Emitted[target]
	if !ok || em.Count == 0 {
		return 1.0
	}
	since := ctx.Step - em.LastStep
	if since < 1 {
		since = 1
	}
	recovery := float64(since) / float64(since+1)
	return recovery / float64(1+em.Count)
}

// WinningEdge returns the argmax-scored outgoing edge of src, with ties
// broken by most recent reinforcement and then by reinforcement count.
// A node with no outgoing edges yields (nil, 0, false): that is an
// ordinary terminal condition, not an error. Selection is repeatable
// given identical edges, weights, and context.
func (s *Scorer) WinningEdge(src graph.NodeID, ctx *Context) (*graph.Edge, float64, bool) {
	n := s.store.Node(src)
	if n == nil || len(n.Edges) == 0 {
		return nil, 0, false
	}

	var best *graph.Edge
	bestScore := -1.0
	for i := range n.Edges {
		e := &n.Edges[i]
		score := s.Score(src, e, ctx)
		switch {
		case score > bestScore:
			best, bestScore = e, score
		case score == bestScore && best != nil:
			if e.LastUsed > best.LastUsed ||
				(e.LastUsed == best.LastUsed && e.Hits > best.Hits) {
				best = e
			}
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best, bestScore, true
}
