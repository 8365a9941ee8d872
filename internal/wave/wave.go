// Package wave implements the propagation engine. Activation is seeded
// on the nodes matching the current input, then advances one winning
// edge per active node per step until the frontier's energy dissipates
// or an adaptive step cap is reached. Each step is a synchronous update:
// routing decisions are computed against a snapshot of the frontier and
// committed only after every active node has decided.
package wave

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/engramdb/engram/internal/graph"
	"github.com/engramdb/engram/internal/scoring"
)

// Config holds tunable parameters for the propagation engine.
type Config struct {
	// MaxSteps is the hard ceiling on propagation steps. The effective
	// cap per call lies in [1, MaxSteps] and grows with the ambiguity
	// of the competing routing scores.
	MaxSteps int

	// Parallelism bounds the per-step fan-out goroutines. Zero or
	// negative means one goroutine per active node.
	Parallelism int
}

// DefaultConfig returns the default propagation configuration.
func DefaultConfig() Config {
	return Config{
		MaxSteps:    8,
		Parallelism: 0,
	}
}

// Seed is an initial activation anchor, in input order.
type Seed struct {
	Node       graph.NodeID
	Activation float64
}

// SeedsFromNodes builds seeds for the resolved input nodes, with
// activation proportional to recency: later input is stronger.
func SeedsFromNodes(ids []graph.NodeID) []Seed {
	if len(ids) == 0 {
		return nil
	}
	seeds := make([]Seed, len(ids))
	for i, id := range ids {
		seeds[i] = Seed{Node: id, Activation: float64(i+1) / float64(len(ids))}
	}
	return seeds
}

// Record is one edge traversal made by the wave. The full sequence is
// retained per call; it feeds both weight updates and generation.
type Record struct {
	Step     int
	Node     graph.NodeID
	Strength float64
	Target   graph.NodeID
	Score    float64
}

// State is the outcome of one propagation call. Active holds the summed
// strength of every node the wave touched; Order preserves touch order
// so downstream consumers iterate deterministically.
type State struct {
	Active     map[graph.NodeID]float64
	Order      []graph.NodeID
	Transforms map[graph.NodeID]float64
	Records    []Record

	Steps         int
	StepCap       int
	InitialEnergy float64
	FinalEnergy   float64
}

// Strength returns the accumulated activation of id, zero if untouched.
func (st *State) Strength(id graph.NodeID) float64 {
	return st.Active[id]
}

// touch accumulates strength on a node, recording first-touch order.
func (st *State) touch(id graph.NodeID, strength float64) {
	if _, ok := st.Active[id]; !ok {
		st.Order = append(st.Order, id)
	}
	st.Active[id] += strength
}

// Engine advances activation waves over the graph. The engine itself is
// stateless; all mutable state lives in the State built per call.
type Engine struct {
	store  *graph.Store
	scorer *scoring.Scorer
	cfg    Config
}

// NewEngine creates a propagation engine over the given store.
func NewEngine(store *graph.Store, scorer *scoring.Scorer, cfg Config) *Engine {
	if cfg.MaxSteps < 1 {
		cfg.MaxSteps = 1
	}
	return &Engine{store: store, scorer: scorer, cfg: cfg}
}

// move is one node's routing decision, computed in the fan-out phase
// and committed in the join phase.
type move struct {
	src         graph.NodeID
	strength    float64
	target      graph.NodeID
	transformed float64
	score       float64
	gate        uint8
	ok          bool
}

// Propagate runs one learning wave from the given seeds. recent is the
// trailing byte context routing decisions are matched against. Arrivals
// at the same node sum their energy; a node with no outgoing edges
// terminates that branch silently. The per-traversal weight commits
// happen as each step joins, so an aborted wave still leaves a valid
// graph.
func (e *Engine) Propagate(ctx context.Context, seeds []Seed, recent []byte) (*State, error) {
	return e.run(ctx, seeds, recent, true)
}

// Probe runs the same wave without reinforcing anything: no weight or
// gate is touched. Generation probes; only ingestion learns, so a
// feedback correction is not washed out by the very next generation
// re-strengthening the edge it penalized.
func (e *Engine) Probe(ctx context.Context, seeds []Seed, recent []byte) (*State, error) {
	return e.run(ctx, seeds, recent, false)
}

func (e *Engine) run(ctx context.Context, seeds []Seed, recent []byte, learn bool) (*State, error) {
	st := &State{
		Active:     make(map[graph.NodeID]float64, len(seeds)),
		Transforms: make(map[graph.NodeID]float64),
	}
	if len(seeds) == 0 {
		return st, nil
	}

	sctx := &scoring.Context{Active: st.Active, Recent: recent}

	// Frontier entries stay in first-arrival order so that commit order,
	// and therefore the whole call, is repeatable regardless of how the
	// fan-out goroutines are scheduled.
	frontier := make([]graph.NodeID, 0, len(seeds))
	strength := make(map[graph.NodeID]float64, len(seeds))
	for _, s := range seeds {
		if _, ok := strength[s.Node]; !ok {
			frontier = append(frontier, s.Node)
		}
		strength[s.Node] += s.Activation
		st.touch(s.Node, s.Activation)
	}

	for _, id := range frontier {
		st.InitialEnergy += strength[id]
	}
	st.StepCap = e.stepCap(frontier, sctx)

	for step := 0; step < st.StepCap && len(frontier) > 0; step++ {
		if err := ctx.Err(); err != nil {
			return st, fmt.Errorf("wave: step %d: %w", step, err)
		}
		st.Steps = step + 1

		// Fan out: every active node decides its winning edge against
		// the same snapshot. The moves slice is index-aligned with the
		// frontier, so no goroutine shares a write target.
		moves := make([]move, len(frontier))
		var g errgroup.Group
		if e.cfg.Parallelism > 0 {
			g.SetLimit(e.cfg.Parallelism)
		}
		for i, id := range frontier {
			g.Go(func() error {
				moves[i] = e.decide(id, strength[id], sctx)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return st, fmt.Errorf("wave: step %d: %w", step, err)
		}

		// Join: commit decisions in frontier order and build the next
		// snapshot. Convergent arrivals sum their energy.
		next := make([]graph.NodeID, 0, len(frontier))
		nextStrength := make(map[graph.NodeID]float64, len(frontier))
		for _, m := range moves {
			if !m.ok {
				continue
			}
			st.Records = append(st.Records, Record{
				Step:     step,
				Node:     m.src,
				Strength: m.strength,
				Target:   m.target,
				Score:    m.score,
			})
			if learn {
				if _, err := e.store.AddOrStrengthenEdge(m.src, m.target, nil); err != nil {
					return st, fmt.Errorf("wave: commit %d -> %d: %w", m.src, m.target, err)
				}
				if err := e.store.SetGate(m.src, m.target, m.gate); err != nil {
					return st, fmt.Errorf("wave: gate %d -> %d: %w", m.src, m.target, err)
				}
			}
			st.Transforms[m.src] = m.transformed

			if _, ok := nextStrength[m.target]; !ok {
				next = append(next, m.target)
			}
			nextStrength[m.target] += m.transformed
			st.touch(m.target, m.transformed)
		}

		frontier, strength = next, nextStrength

		energy := 0.0
		for _, id := range frontier {
			energy += strength[id]
		}
		st.FinalEnergy = energy

		eps := graph.AdaptiveEpsilon(st.InitialEnergy)
		ratio := eps / (st.InitialEnergy + eps)
		if energy < st.InitialEnergy*ratio+eps {
			break
		}
	}
	return st, nil
}

// decide computes one node's routing: the winning edge, the activation
// transformed through it, and the refreshed routing gate. Pure reads;
// commits happen at the join barrier.
func (e *Engine) decide(id graph.NodeID, act float64, sctx *scoring.Context) move {
	win, score, ok := e.scorer.WinningEdge(id, sctx)
	if !ok {
		return move{}
	}

	transformed := act * graph.DecodeWeight(win.Weight) * graph.GateValue(win.Gate)
	if transformed <= graph.AdaptiveEpsilon(act) {
		return move{}
	}

	// The gate relaxes toward how decisively this edge won against the
	// node's local competition, a soft routing signal rather than a
	// binary open/closed switch.
	localAvg := e.store.LocalAverage(id)
	threshold := localAvg / (localAvg + 1.0)
	eps := graph.AdaptiveEpsilon(score + threshold)
	gateFrac := score / (score + threshold + eps)
	if gateFrac > 1.0 {
		gateFrac = 1.0
	}

	return move{
		src:         id,
		strength:    act,
		target:      win.Target,
		transformed: transformed,
		score:       score,
		gate:        uint8(math.Round(gateFrac * 255.0)),
		ok:          true,
	}
}

// stepCap bounds the wave in [1, MaxSteps], growing with the ambiguity
// of the seeds' competing routing scores: unambiguous input converges in
// a step or two, contested input is given room to settle.
func (e *Engine) stepCap(frontier []graph.NodeID, sctx *scoring.Context) int {
	if len(frontier) == 0 {
		return 1
	}
	var scores []float64
	for _, id := range frontier {
		if _, score, ok := e.scorer.WinningEdge(id, sctx); ok {
			scores = append(scores, score)
		}
	}
	if len(scores) < 2 {
		return e.cfg.MaxSteps
	}

	mean := 0.0
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))
	variance := 0.0
	for _, s := range scores {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(scores))

	eps := graph.AdaptiveEpsilon(mean)
	ambiguity := variance / (variance + mean*mean + eps)
	limit := 1 + int(math.Round(ambiguity*float64(e.cfg.MaxSteps-1)))
	if limit < 1 {
		limit = 1
	}
	if limit > e.cfg.MaxSteps {
		limit = e.cfg.MaxSteps
	}
	return limit
}
