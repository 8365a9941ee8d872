// Package generate implements the autoregressive output sampler. A wave
// seeded by the probe yields an activated node set; the first emission
// is sampled from a temperature-controlled softmax over that set, and
// every following step is chosen by the edge scorer from the node just
// emitted. Stopping is data-driven: an accumulated readiness hazard, a
// loop detector over the emitted bytes, or the step cap.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/engramdb/engram/internal/graph"
	"github.com/engramdb/engram/internal/hierarchy"
	"github.com/engramdb/engram/internal/scoring"
	"github.com/engramdb/engram/internal/wave"
)

// Source yields uniform samples in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Config holds tunable parameters for the generator.
type Config struct {
	// MaxNodeSteps is the hard ceiling on node steps per call. The
	// effective cap adapts downward for small activated sets but never
	// exceeds this; it guarantees termination on its own.
	MaxNodeSteps int

	// LoopPeriod is the longest repeating-subsequence period the loop
	// detector scans for.
	LoopPeriod int

	// HazardBaseline is the per-step stop probability blended in while
	// a node has no emission experience yet.
	HazardBaseline float64
}

// DefaultConfig returns the default generator configuration.
func DefaultConfig() Config {
	return Config{
		MaxNodeSteps:   64,
		LoopPeriod:     8,
		HazardBaseline: 0.1,
	}
}

// Step records one edge traversal made while generating, for the
// feedback channel.
type Step struct {
	From graph.NodeID
	To   graph.NodeID
}

// Result is the outcome of one generation call. Bytes and node steps
// are counted separately: a hierarchy emission adds one node step but
// many bytes.
type Result struct {
	Output     []byte
	Path       []graph.NodeID
	Traversed  []Step
	NodeSteps  int
	StopReason string
	Echoed     bool
}

// Generator samples byte continuations from the graph.
type Generator struct {
	store   *graph.Store
	scorer  *scoring.Scorer
	waves   *wave.Engine
	matcher *hierarchy.Matcher
	params  scoring.Params
	cfg     Config
	rng     Source
	logger  *slog.Logger
}

// New creates a generator. rng drives softmax sampling; pass a seeded
// *rand.Rand for reproducible output.
func New(store *graph.Store, scorer *scoring.Scorer, waves *wave.Engine, params scoring.Params, cfg Config, rng Source) *Generator {
	if cfg.MaxNodeSteps < 1 {
		cfg.MaxNodeSteps = 1
	}
	if cfg.LoopPeriod < 2 {
		cfg.LoopPeriod = 2
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	return &Generator{
		store:   store,
		scorer:  scorer,
		waves:   waves,
		matcher: hierarchy.NewMatcher(store),
		params:  params,
		cfg:     cfg,
		rng:     rng,
	}
}

// SetLogger sets the structured logger for observability.
func (g *Generator) SetLogger(logger *slog.Logger) {
	g.logger = logger
}

// Generate produces a byte continuation for the probe. A probe that
// resolves to nothing known, or a wave that activates nothing usable,
// falls back to echoing the probe so the caller always gets bytes back.
func (g *Generator) Generate(ctx context.Context, probe []byte) (*Result, error) {
	res := &Result{}

	seedIDs := g.resolveProbe(probe)
	if len(seedIDs) == 0 {
		return g.echo(res, probe, "unknown_input"), nil
	}

	st, err := g.waves.Probe(ctx, wave.SeedsFromNodes(seedIDs), probe)
	if err != nil {
		return res, fmt.Errorf("generate: %w", err)
	}
	if len(st.Order) == 0 {
		return g.echo(res, probe, "no_activation"), nil
	}

	sctx := &scoring.Context{
		Active:  st.Active,
		Emitted: make(map[graph.NodeID]scoring.Emission),
	}

	current, from, ok := g.firstNode(st, seedIDs, probe)
	if !ok {
		return g.echo(res, probe, "no_candidate"), nil
	}
	if from != graph.InvalidNode {
		res.Traversed = append(res.Traversed, Step{From: from, To: current})
	}

	recent := append([]byte(nil), probe...)
	var match *hierarchy.Match
	hazard := 0.0
	limit := g.stepCap(len(st.Order))

	for res.NodeSteps < limit {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("generate: %w", err)
		}
		node := g.store.Node(current)
		if node == nil || len(node.Payload) == 0 {
			res.StopReason = "unresolved_node"
			break
		}
		if node.Payload[0] == graph.Terminator {
			res.StopReason = "end_of_stream"
			g.learnStop(node, len(res.Output))
			break
		}

		res.Output = append(res.Output, node.Payload...)
		res.Path = append(res.Path, current)
		res.NodeSteps++
		node.Activations++

		recent = append(recent, node.Payload...)
		for _, b := range node.Payload {
			if match.Active() {
				match.Advance(b)
			}
		}
		if !match.Active() {
			match = g.matcher.Find(recent)
		}

		sctx.Emitted[current] = scoring.Emission{
			Count:    sctx.Emitted[current].Count + 1,
			LastStep: res.NodeSteps,
		}
		sctx.Step = res.NodeSteps
		sctx.Recent = recent
		sctx.HierarchyActive = match.Active()
		if sctx.HierarchyActive {
			sctx.HierarchyNext = match.Next()
		}

		if period := repeatingPeriod(res.Output, g.cfg.LoopPeriod); period > 0 {
			res.StopReason = "loop"
			break
		}

		// Readiness is an integrated hazard: each step contributes its
		// stop probability, and generation ends once the accumulated
		// mass crosses certainty. Inside an actively matching hierarchy
		// the contribution is attenuated so the sequence can complete.
		p := g.stopProbability(node, st, len(res.Output))
		if sctx.HierarchyActive {
			p /= 1.0 + g.params.HierarchyBoost
		}
		hazard += p
		if hazard > 1.0 {
			res.StopReason = "readiness"
			g.learnStop(node, len(res.Output))
			break
		}

		next, _, found := g.scorer.WinningEdge(current, sctx)
		if !found {
			res.StopReason = "terminal"
			g.learnStop(node, len(res.Output))
			break
		}
		res.Traversed = append(res.Traversed, Step{From: current, To: next.Target})
		current = next.Target
	}
	if res.StopReason == "" {
		res.StopReason = "step_cap"
	}

	if len(res.Output) == 0 {
		return g.echo(res, probe, res.StopReason), nil
	}
	if g.logger != nil {
		g.logger.Debug("generated",
			"bytes", len(res.Output), "node_steps", res.NodeSteps, "stop", res.StopReason)
	}
	return res, nil
}

// resolveProbe maps probe bytes to known nodes, preferring the longest
// indexed pattern at each position. Unknown bytes are skipped.
func (g *Generator) resolveProbe(probe []byte) []graph.NodeID {
	var ids []graph.NodeID
	for i := 0; i < len(probe); {
		id, n := g.longestMatch(probe[i:])
		if n == 0 {
			i++
			continue
		}
		ids = append(ids, id)
		i += n
	}
	return ids
}

// longestMatch finds the longest indexed payload that prefixes b.
func (g *Generator) longestMatch(b []byte) (graph.NodeID, int) {
	max := len(b)
	if max > maxPatternLen {
		max = maxPatternLen
	}
	for n := max; n > 0; n-- {
		if id, ok := g.store.FindNode(b[:n]); ok {
			return id, n
		}
	}
	return graph.InvalidNode, 0
}

// maxPatternLen bounds how far longestMatch probes the index per
// position, keeping resolution linear in the probe length.
const maxPatternLen = 32

// firstNode picks the first emission. The continuation source is the
// longest indexed suffix of the probe with a winning edge to a real
// payload node; that edge decides, because the scorer already weighs
// context, frequency, and habituation, and its choice is repeatable
// under a fixed graph. A probe whose every suffix is edgeless falls
// back to a temperature softmax over the activated set, as does one
// whose best continuation is the stream terminator. The second return
// value names the traversed source, or InvalidNode for a sampled pick.
func (g *Generator) firstNode(st *wave.State, seeds []graph.NodeID, probe []byte) (graph.NodeID, graph.NodeID, bool) {
	sctx := &scoring.Context{Active: st.Active, Recent: probe}
	for n := min(len(probe), maxPatternLen); n > 0; n-- {
		id, ok := g.store.FindNode(probe[len(probe)-n:])
		if !ok {
			continue
		}
		e, _, found := g.scorer.WinningEdge(id, sctx)
		if !found {
			continue
		}
		t := g.store.Node(e.Target)
		if t == nil || len(t.Payload) == 0 || t.Payload[0] == graph.Terminator {
			// A complete stream; whether anything follows is a draw.
			break
		}
		return e.Target, id, true
	}
	id, ok := g.sampleFirst(st, seeds)
	return id, graph.InvalidNode, ok
}

// sampleFirst draws the first emission from a softmax over the
// activated set only, numerically stabilized by subtracting the max
// logit.
func (g *Generator) sampleFirst(st *wave.State, seeds []graph.NodeID) (graph.NodeID, bool) {
	ids, logits := g.logits(st, seeds)
	if len(ids) == 0 {
		return graph.InvalidNode, false
	}

	temp := g.temperature(logits, ids)

	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}
	weights := make([]float64, len(logits))
	total := 0.0
	for i, l := range logits {
		weights[i] = math.Exp((l - maxLogit) / temp)
		total += weights[i]
	}

	r := g.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return ids[i], true
		}
	}
	return ids[len(ids)-1], true
}

// logits computes a local-relative logit per activated node: the
// activation strength plus the edge transform that produced it, boosted
// when the node directly continues a recent probe node. The boost mirrors
// the scale of the node's own signal, never an absolute constant.
func (g *Generator) logits(st *wave.State, seeds []graph.NodeID) ([]graph.NodeID, []float64) {
	ids := make([]graph.NodeID, 0, len(st.Order))
	logits := make([]float64, 0, len(st.Order))

	seedCount := make(map[graph.NodeID]int, len(seeds))
	for _, id := range seeds {
		seedCount[id]++
	}

	for _, id := range st.Order {
		n := g.store.Node(id)
		if n == nil || len(n.Payload) == 0 || n.Payload[0] == graph.Terminator {
			continue
		}
		base := st.Strength(id) + st.Transforms[id]

		// Direct continuation of the probe: scan seeds most recent
		// first and take the first edge pointing at this node. Recency
		// scales the boost so late context dominates.
		for i := len(seeds) - 1; i >= 0; i-- {
			src := g.store.Node(seeds[i])
			if src == nil {
				continue
			}
			if e := src.EdgeTo(id); e != nil {
				position := float64(i+1) / float64(len(seeds))
				eps := graph.AdaptiveEpsilon(base)
				base += graph.DecodeWeight(e.Weight) * (1.0 + position) * (base + eps)
				break
			}
		}

		// The probe's own nodes were just consumed as input; habituating
		// them steers the first emission toward a continuation instead
		// of replaying the probe.
		if c := seedCount[id]; c > 0 {
			base /= float64(1 + 2*c)
		}

		ids = append(ids, id)
		logits = append(logits, base)
	}
	return ids, logits
}

// temperature derives the sampling temperature from the local variance
// of the logits and the activated set's emission experience, clamped to
// an adaptive band: an experienced, decisive distribution approaches
// argmax while a young or flat one stays exploratory.
func (g *Generator) temperature(logits []float64, ids []graph.NodeID) float64 {
	mean := 0.0
	for _, l := range logits {
		mean += l
	}
	mean /= float64(len(logits))
	variance := 0.0
	for _, l := range logits {
		d := l - mean
		variance += d * d
	}
	variance /= float64(len(logits))

	var experience uint64
	for _, id := range ids {
		if n := g.store.Node(id); n != nil {
			experience += n.Activations
		}
	}
	readiness := float64(experience) / (float64(experience) + 50.0)

	eps := graph.AdaptiveEpsilon(mean)
	raw := math.Sqrt(variance) / (math.Abs(mean) + eps)

	lo := 0.05 + 0.45*(1.0-readiness)
	hi := lo + 1.0
	if raw < lo {
		return lo
	}
	if raw > hi {
		return hi
	}
	return raw
}

// stopProbability estimates how ready the current node is to end the
// output. Every input is normalized by the node's own local context.
func (g *Generator) stopProbability(n *graph.Node, st *wave.State, bytes int) float64 {
	act := st.Strength(n.ID)
	localAvg := g.store.LocalAverage(n.ID)
	eps := graph.AdaptiveEpsilon(localAvg)

	length := float64(bytes) / (localAvg*float64(n.Degree()) + 1.0)
	connectivity := 1.0 / float64(n.Degree()+1)

	w1 := act / (localAvg + eps + 1.0)
	w2 := length * n.Bias
	w3 := connectivity

	hidden := 0.4*w1 + 0.3*w2 + 0.3*w3
	hidden = 1.0 / (1.0 + math.Exp(-3.0*hidden))

	p := hidden * (1.0 - 0.7*act)
	if p < 0 {
		p = 0
	}

	// Experienced nodes trust their own estimate; young ones lean on
	// the low baseline so a fresh graph keeps talking.
	experience := float64(n.Activations) / (float64(n.Activations) + 50.0)
	p = p*experience + (1.0-experience)*g.cfg.HazardBaseline
	if p > 1 {
		p = 1
	}
	return p
}

// learnStop nudges the node's stop bias toward the length it actually
// produced, a slow exponential blend applied only on natural stops.
func (g *Generator) learnStop(n *graph.Node, bytes int) {
	target := float64(bytes) / (float64(bytes) + 10.0)
	n.Bias = n.Bias*0.95 + target*0.05
}

// stepCap adapts the node-step ceiling to the activated set: small sets
// cannot sustain long outputs. The configured maximum always bounds it.
func (g *Generator) stepCap(activated int) int {
	limit := 4*activated + 8
	if limit > g.cfg.MaxNodeSteps {
		limit = g.cfg.MaxNodeSteps
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// echo falls back to replaying the probe when nothing was generated.
func (g *Generator) echo(res *Result, probe []byte, reason string) *Result {
	res.Output = append([]byte(nil), probe...)
	res.Echoed = true
	res.StopReason = reason
	if g.logger != nil {
		g.logger.Debug("echoed probe", "bytes", len(probe), "reason", reason)
	}
	return res
}

// repeatingPeriod reports the period of a trailing repetition in out:
// some subsequence of length 2..maxPeriod repeated at least three times
// back to back. Zero means no loop.
func repeatingPeriod(out []byte, maxPeriod int) int {
	for p := 2; p <= maxPeriod; p++ {
		if len(out) < 3*p {
			continue
		}
		tail := out[len(out)-3*p:]
		looped := true
		for i := p; i < len(tail); i++ {
			if tail[i] != tail[i-p] {
				looped = false
				break
			}
		}
		if looped {
			return p
		}
	}
	return 0
}
