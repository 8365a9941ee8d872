// Package engine is the session facade over the graph: explicit
// open/close lifecycle, byte ingestion, generation with an output
// accumulator, the scalar feedback channel, and snapshot persistence.
// One logical writer runs at a time; an ingest-or-generate call
// completes before the next begins.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/generate"
	"github.com/engramdb/engram/internal/graph"
	"github.com/engramdb/engram/internal/hierarchy"
	"github.com/engramdb/engram/internal/logging"
	"github.com/engramdb/engram/internal/persist"
	"github.com/engramdb/engram/internal/scoring"
	"github.com/engramdb/engram/internal/wave"
)

// SnapshotName is the snapshot file inside the engine directory.
const SnapshotName = "graph.engram"

// Stats summarizes the graph for callers and the CLI.
type Stats struct {
	Nodes       int    `json:"nodes"`
	Edges       uint64 `json:"edges"`
	Hierarchies int    `json:"hierarchies"`
	MaxLevel    uint32 `json:"max_level"`
	Adaptations uint32 `json:"adaptations"`
	Generation  uint64 `json:"generation"`
}

// Engine ties the graph, scorer, wave engine, hierarchy former, and
// generator into one continually learning instance rooted at a
// directory.
type Engine struct {
	mu sync.Mutex

	dir string
	cfg *config.EngramConfig

	store     *graph.Store
	scorer    *scoring.Scorer
	waves     *wave.Engine
	former    *hierarchy.Former
	generator *generate.Generator

	nodeFile  *persist.NodeFile
	logger    *slog.Logger
	decisions *logging.DecisionLogger

	output []byte
	last   *generate.Result
	closed bool
}

// Open creates or resumes an engine rooted at dir. A nil cfg uses the
// defaults. An existing snapshot is loaded eagerly, or partially when
// the configuration bounds residency.
func Open(dir string, cfg *config.EngramConfig) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create directory: %w", err)
	}

	store := graph.NewStore()
	var nodeFile *persist.NodeFile
	snap := filepath.Join(dir, SnapshotName)
	if _, err := os.Stat(snap); err == nil {
		if cfg.Persistence.ResidentNodes > 0 {
			nf, err := persist.LoadPartial(snap, store, cfg.Persistence.ResidentNodes)
			if err != nil {
				return nil, fmt.Errorf("engine: %w", err)
			}
			nodeFile = nf
		} else if err := persist.Load(snap, store); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	params := scoring.DefaultParams()
	if cfg.Engine.ContextWindow > 0 {
		params.ContextWindow = cfg.Engine.ContextWindow
	}
	if cfg.Engine.HierarchyBoost > 0 {
		params.HierarchyBoost = cfg.Engine.HierarchyBoost
	}
	if cfg.Engine.ActivationBoost > 0 {
		params.ActivationBoost = cfg.Engine.ActivationBoost
	}
	scorer := scoring.New(store, params)

	wcfg := wave.DefaultConfig()
	if cfg.Engine.MaxWaveSteps > 0 {
		wcfg.MaxSteps = cfg.Engine.MaxWaveSteps
	}
	wcfg.Parallelism = cfg.Engine.Parallelism
	waves := wave.NewEngine(store, scorer, wcfg)

	gcfg := generate.DefaultConfig()
	if cfg.Engine.MaxNodeSteps > 0 {
		gcfg.MaxNodeSteps = cfg.Engine.MaxNodeSteps
	}
	if cfg.Engine.LoopPeriod > 0 {
		gcfg.LoopPeriod = cfg.Engine.LoopPeriod
	}
	if cfg.Engine.HazardBaseline > 0 {
		gcfg.HazardBaseline = cfg.Engine.HazardBaseline
	}
	var rng generate.Source
	if cfg.Engine.Seed != 0 {
		rng = rand.New(rand.NewPCG(cfg.Engine.Seed, 0))
	}
	generator := generate.New(store, scorer, waves, params, gcfg, rng)

	logger := logging.NewLogger(cfg.Logging.Level, os.Stderr)
	former := hierarchy.NewFormer(store)
	former.SetLogger(logger)
	generator.SetLogger(logger)

	return &Engine{
		dir:       dir,
		cfg:       cfg,
		store:     store,
		scorer:    scorer,
		waves:     waves,
		former:    former,
		generator: generator,
		nodeFile:  nodeFile,
		logger:    logger,
		decisions: logging.NewDecisionLogger(dir, cfg.Logging.Level),
	}, nil
}

// Close saves a snapshot and releases the engine's file handles. It is
// idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	saveErr := persist.Save(filepath.Join(e.dir, SnapshotName), e.store)
	if e.nodeFile != nil {
		e.nodeFile.Close()
	}
	e.decisions.Close()
	if saveErr != nil {
		return fmt.Errorf("engine: close: %w", saveErr)
	}
	return nil
}

// Save writes a snapshot without closing the engine.
func (e *Engine) Save() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := persist.Save(filepath.Join(e.dir, SnapshotName), e.store); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// Export mirrors the graph into a SQLite database at dbPath.
func (e *Engine) Export(ctx context.Context, dbPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return persist.Export(ctx, dbPath, e.store)
}

// Ingest learns from a raw byte stream. Every byte becomes a node, each
// transition an edge carrying the preceding context, and a terminator
// node closes the stream so generation can learn where outputs end. A
// wave then runs from the input nodes, and edges that stood out during
// the pass are considered for hierarchy consolidation. The channel tag
// records where the bytes came from; the graph itself is agnostic to it.
func (e *Engine) Ingest(ctx context.Context, data []byte, channel string) error {
	if len(data) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tick := e.store.BumpTick()

	ids := make([]graph.NodeID, 0, len(data))
	var pairs []hierarchy.Pair
	prev := graph.InvalidNode
	for i := range data {
		id, _ := e.store.GetOrCreateNode(data[i : i+1])
		if n := e.store.Node(id); n != nil {
			n.PushTrace(data[i : i+1])
		}
		if prev != graph.InvalidNode {
			if _, err := e.store.AddOrStrengthenEdge(prev, id, data[:i]); err != nil {
				return fmt.Errorf("engine: ingest: %w", err)
			}
			pairs = append(pairs, hierarchy.Pair{Src: prev, Dst: id})
		}
		ids = append(ids, id)
		prev = id
	}

	eos, _ := e.store.GetOrCreateNode([]byte{graph.Terminator})
	if _, err := e.store.AddOrStrengthenEdge(prev, eos, data); err != nil {
		return fmt.Errorf("engine: ingest: %w", err)
	}

	st, err := e.waves.Propagate(ctx, wave.SeedsFromNodes(ids), data)
	if err != nil {
		return fmt.Errorf("engine: ingest: %w", err)
	}
	for _, r := range st.Records {
		if r.Node == eos || r.Target == eos {
			continue
		}
		pairs = append(pairs, hierarchy.Pair{Src: r.Node, Dst: r.Target})
	}

	formed := e.former.Sweep(pairs)
	for _, id := range formed {
		if n := e.store.Node(id); n != nil {
			e.decisions.Event("hierarchy_formed",
				"node", float64(id), "payload", string(n.Payload), "level", float64(n.Level))
		}
	}

	e.logger.Debug("ingested",
		"channel", channel, "bytes", len(data), "wave_steps", st.Steps,
		"hierarchies", len(formed), "tick", tick)
	return nil
}

// Generate produces a continuation for probe, appends it to the output
// accumulator, and remembers the traversal for the feedback channel.
func (e *Engine) Generate(ctx context.Context, probe []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.store.BumpTick()
	res, err := e.generator.Generate(ctx, probe)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.last = res
	e.output = append(e.output, res.Output...)

	e.decisions.Event("generated",
		"stop", res.StopReason, "bytes", float64(len(res.Output)),
		"node_steps", float64(res.NodeSteps), "echoed", res.Echoed)
	return append([]byte(nil), res.Output...), nil
}

// Output returns the accumulated generated bytes.
func (e *Engine) Output() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.output...)
}

// ClearOutput empties the output accumulator.
func (e *Engine) ClearOutput() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.output = e.output[:0]
}

// Feedback applies a scalar correctness signal to the edges traversed
// while producing the most recent output. 1.0 strengthens them, 0.0
// weakens them, 0.5 is neutral. Rates adapt to each edge's standing
// among its siblings: strong edges move less than weak ones, and a
// penalty never pushes a weight below half the local minimum. The
// traversal is consumed; a second call without a new generation is a
// no-op. Returns the number of edges adjusted.
func (e *Engine) Feedback(signal float64) (int, error) {
	if signal < 0 {
		signal = 0
	}
	if signal > 1 {
		signal = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	last := e.last
	e.last = nil
	if last == nil || len(last.Traversed) == 0 {
		return 0, nil
	}

	adjusted := 0
	for _, step := range last.Traversed {
		n := e.store.Node(step.From)
		if n == nil {
			continue
		}
		edge := n.EdgeTo(step.To)
		if edge == nil {
			continue
		}

		old := graph.DecodeWeight(edge.Weight)
		localAvg := e.store.LocalAverage(step.From)
		eps := graph.AdaptiveEpsilon(localAvg)
		ratio := old / (localAvg + eps + 0.1)

		w := old
		if signal < 0.5 {
			// A penalty has to move the choice, not just the number:
			// when the edge leads its siblings, cut it below the
			// strongest rival so the next selection picks differently.
			// The severity of the cut follows the signal.
			severity := (0.5 - signal) * 2.0
			w = old * (1.0 - 0.2*severity)
			rival := 0.0
			for i := range n.Edges {
				if n.Edges[i].Target == step.To {
					continue
				}
				if rw := graph.DecodeWeight(n.Edges[i].Weight); rw > rival {
					rival = rw
				}
			}
			if rival > 0 && old >= rival {
				undercut := rival * (1.0 - 0.1*severity)
				if undercut < w {
					w = undercut
				}
			}
			floor := e.store.LocalMinWeight(step.From) * 0.5
			if floor < 0.01 {
				floor = 0.01
			}
			if w < floor {
				w = floor
			}
		} else {
			// Base rate scales inversely with the edge's local standing,
			// so dominant edges stay stable and weak ones move more.
			base := 0.1
			if ratio > 0 {
				base = 0.1 / ratio
			}
			base = math.Min(math.Max(base, 0.01), 0.1)
			rate := base / (ratio + 1.0)
			w = old + rate*((signal-0.5)*2.0)
		}

		if err := e.store.SetWeight(step.From, step.To, encodeWeight(w)); err != nil {
			return adjusted, fmt.Errorf("engine: feedback: %w", err)
		}
		adjusted++
	}

	e.decisions.Event("feedback", "signal", signal, "edges", float64(adjusted))
	return adjusted, nil
}

// StrengthenContinuation reinforces the known-correct continuation of a
// training sequence: edges from sequence[prefixLen:] onward get a
// double reinforcement with their context captured, giving the correct
// path a head start over wave-discovered alternatives.
func (e *Engine) StrengthenContinuation(sequence []byte, prefixLen int) error {
	if prefixLen < 0 || prefixLen >= len(sequence) || len(sequence) < 2 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := graph.InvalidNode
	for i := prefixLen; i < len(sequence); i++ {
		id, _ := e.store.GetOrCreateNode(sequence[i : i+1])
		if prev != graph.InvalidNode {
			for k := 0; k < 2; k++ {
				if _, err := e.store.AddOrStrengthenEdge(prev, id, sequence[:i]); err != nil {
					return fmt.Errorf("engine: strengthen: %w", err)
				}
			}
		}
		prev = id
	}
	return nil
}

// Stats reports the graph's current shape.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Nodes:       e.store.NodeCount(),
		Edges:       e.store.EdgeCount(),
		Hierarchies: len(e.store.Hierarchies()),
		MaxLevel:    e.store.MaxLevel(),
		Adaptations: e.store.Tick(),
		Generation:  e.store.Generation(),
	}
}

func encodeWeight(w float64) uint8 {
	v := math.Round(w * 128.0)
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return uint8(v)
}
