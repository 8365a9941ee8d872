// Package hierarchy consolidates strongly, repeatedly traversed edges
// into higher-abstraction nodes. Qualification is pure relative
// competition: an edge must beat its source's local average and its
// reinforcement count must stand above the node's own mean, never a
// fixed threshold. Consolidation is recursive, so hierarchies can fold
// into higher hierarchies.
package hierarchy

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/engramdb/engram/internal/graph"
)

// ErrCyclicAncestry reports a consolidation that would put a node into
// its own lineage. The caller skips the formation and continues.
var ErrCyclicAncestry = errors.New("hierarchy: consolidation would create cyclic ancestry")

// Pair is one traversed edge offered for consolidation.
type Pair struct {
	Src graph.NodeID
	Dst graph.NodeID
}

// Former performs opportunistic hierarchy formation after ingestion or
// propagation.
type Former struct {
	store  *graph.Store
	logger *slog.Logger
}

// NewFormer creates a hierarchy former over the given store.
func NewFormer(store *graph.Store) *Former {
	return &Former{store: store}
}

// SetLogger sets the structured logger for observability.
func (f *Former) SetLogger(logger *slog.Logger) {
	f.logger = logger
}

// Qualifies reports whether the edge src->dst is a consolidation
// candidate: its decoded weight beats the source's local average and its
// reinforcement count stands above the source's mean. Both comparisons
// are relative to the node's own competition.
func (f *Former) Qualifies(src, dst graph.NodeID) bool {
	n := f.store.Node(src)
	if n == nil {
		return false
	}
	e := n.EdgeTo(dst)
	if e == nil {
		return false
	}
	avg := f.store.LocalAverage(src)
	eps := graph.AdaptiveEpsilon(avg)
	if avg <= eps {
		return false
	}
	if graph.DecodeWeight(e.Weight)/avg <= 1.0+eps {
		return false
	}
	return float64(e.Hits) > f.store.MeanHits(src)+eps
}

// Sweep offers each traversed edge for consolidation and returns the
// ids of any hierarchy nodes formed. A formation rejected by the
// ancestry check is logged and skipped; the sweep continues.
func (f *Former) Sweep(traversed []Pair) []graph.NodeID {
	var formed []graph.NodeID
	seen := make(map[Pair]bool, len(traversed))
	for _, p := range traversed {
		if seen[p] {
			continue
		}
		seen[p] = true
		if !f.Qualifies(p.Src, p.Dst) {
			continue
		}
		id, err := f.Consolidate(p.Src, p.Dst)
		if err != nil {
			if errors.Is(err, ErrCyclicAncestry) {
				if f.logger != nil {
					f.logger.Warn("consolidation skipped",
						"src", p.Src, "dst", p.Dst, "reason", "cyclic ancestry")
				}
				continue
			}
			if f.logger != nil {
				f.logger.Warn("consolidation failed", "src", p.Src, "dst", p.Dst, "error", err)
			}
			continue
		}
		formed = append(formed, id)
	}
	return formed
}

// Consolidate folds the two endpoints into a new node whose payload
// concatenates theirs, at one abstraction level above the higher of the
// two. The endpoints keep their identity; each gains an edge into the
// new node so it participates in future scoring. Returns the existing
// node when the concatenated payload is already indexed.
func (f *Former) Consolidate(a, b graph.NodeID) (graph.NodeID, error) {
	na := f.store.Node(a)
	if na == nil {
		return graph.InvalidNode, fmt.Errorf("consolidate: %w: %d", graph.ErrNodeNotFound, a)
	}
	nb := f.store.Node(b)
	if nb == nil {
		return graph.InvalidNode, fmt.Errorf("consolidate: %w: %d", graph.ErrNodeNotFound, b)
	}

	level := na.Level
	if nb.Level > level {
		level = nb.Level
	}
	level++

	payload := make([]byte, 0, len(na.Payload)+len(nb.Payload))
	payload = append(payload, na.Payload...)
	payload = append(payload, nb.Payload...)

	ancestry := lineage(na, nb)

	id, created := f.store.CreateNode(payload, level, ancestry)
	if !created {
		// The payload was already indexed. Folding a node into its own
		// lineage is the one shape that must be rejected.
		if id == a || id == b || na.InAncestry(id) || nb.InAncestry(id) {
			return graph.InvalidNode, fmt.Errorf("%w: %d + %d -> %d", ErrCyclicAncestry, a, b, id)
		}
		return id, nil
	}

	if _, err := f.store.AddOrStrengthenEdge(a, id, na.Payload); err != nil {
		return graph.InvalidNode, fmt.Errorf("consolidate: wire %d -> %d: %w", a, id, err)
	}
	if _, err := f.store.AddOrStrengthenEdge(b, id, payload); err != nil {
		return graph.InvalidNode, fmt.Errorf("consolidate: wire %d -> %d: %w", b, id, err)
	}

	if f.logger != nil {
		f.logger.Debug("hierarchy formed",
			"id", id, "level", level, "payload_len", len(payload), "src", a, "dst", b)
	}
	return id, nil
}

// lineage builds the non-owning ancestry of a consolidation: both
// endpoints plus everything in their own lineages, deduplicated.
func lineage(na, nb *graph.Node) []graph.NodeID {
	seen := make(map[graph.NodeID]bool, 2+len(na.Ancestry)+len(nb.Ancestry))
	out := make([]graph.NodeID, 0, 2+len(na.Ancestry)+len(nb.Ancestry))
	add := func(id graph.NodeID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(na.ID)
	add(nb.ID)
	for _, id := range na.Ancestry {
		add(id)
	}
	for _, id := range nb.Ancestry {
		add(id)
	}
	return out
}
