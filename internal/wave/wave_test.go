package wave

import (
	"context"
	"testing"

	"github.com/engramdb/engram/internal/graph"
	"github.com/engramdb/engram/internal/scoring"
)

// newByteNode is a test helper that creates a single-byte node.
func newByteNode(t *testing.T, s *graph.Store, b byte) graph.NodeID {
	t.Helper()
	id, _ := s.GetOrCreateNode([]byte{b})
	return id
}

// link is a test helper that creates or strengthens an edge n times.
func link(t *testing.T, s *graph.Store, src, dst graph.NodeID, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		if _, err := s.AddOrStrengthenEdge(src, dst, nil); err != nil {
			t.Fatalf("link %d->%d: %v", src, dst, err)
		}
	}
}

func newEngine(s *graph.Store, cfg Config) *Engine {
	return NewEngine(s, scoring.New(s, scoring.DefaultParams()), cfg)
}

// chain builds a -> b -> c -> d over single-byte nodes and returns the ids.
func chain(t *testing.T, s *graph.Store, payload string, times int) []graph.NodeID {
	t.Helper()
	ids := make([]graph.NodeID, len(payload))
	for i := range payload {
		ids[i] = newByteNode(t, s, payload[i])
	}
	for i := 0; i+1 < len(ids); i++ {
		link(t, s, ids[i], ids[i+1], times)
	}
	return ids
}

func TestPropagateNoSeeds(t *testing.T) {
	s := graph.NewStore()
	eng := newEngine(s, DefaultConfig())

	st, err := eng.Propagate(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.Active) != 0 || len(st.Records) != 0 {
		t.Errorf("expected empty state, got %d active, %d records", len(st.Active), len(st.Records))
	}
}

func TestSeedsFromNodesRecency(t *testing.T) {
	seeds := SeedsFromNodes([]graph.NodeID{3, 7, 9})
	if len(seeds) != 3 {
		t.Fatalf("expected 3 seeds, got %d", len(seeds))
	}
	for i := 1; i < len(seeds); i++ {
		if seeds[i].Activation <= seeds[i-1].Activation {
			t.Errorf("seed %d activation %.3f not above seed %d activation %.3f",
				i, seeds[i].Activation, i-1, seeds[i-1].Activation)
		}
	}
	if seeds[2].Activation != 1.0 {
		t.Errorf("latest seed should carry full activation, got %.3f", seeds[2].Activation)
	}
}

func TestWaveFollowsWinningEdgeOnly(t *testing.T) {
	s := graph.NewStore()
	a := newByteNode(t, s, 'a')
	b := newByteNode(t, s, 'b')
	c := newByteNode(t, s, 'c')
	link(t, s, a, b, 10)
	link(t, s, a, c, 1)

	eng := newEngine(s, DefaultConfig())
	st, err := eng.Propagate(context.Background(), []Seed{{Node: a, Activation: 1.0}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if st.Strength(b) == 0 {
		t.Error("strong target should have been activated")
	}
	if st.Strength(c) != 0 {
		t.Errorf("losing edge must not propagate, target got %.3f", st.Strength(c))
	}
	if len(st.Records) == 0 {
		t.Fatal("expected at least one traversal record")
	}
	if st.Records[0].Node != a || st.Records[0].Target != b {
		t.Errorf("first record = %d->%d, want %d->%d",
			st.Records[0].Node, st.Records[0].Target, a, b)
	}
}

func TestTerminalNodeIsSilent(t *testing.T) {
	s := graph.NewStore()
	a := newByteNode(t, s, 'a')

	eng := newEngine(s, DefaultConfig())
	st, err := eng.Propagate(context.Background(), []Seed{{Node: a, Activation: 1.0}}, nil)
	if err != nil {
		t.Fatalf("node without edges must terminate silently, got %v", err)
	}
	if st.Strength(a) != 1.0 {
		t.Errorf("seed strength = %.3f, want 1.0", st.Strength(a))
	}
	if len(st.Records) != 0 {
		t.Errorf("expected no traversal records, got %d", len(st.Records))
	}
}

func TestConvergentArrivalsSumEnergy(t *testing.T) {
	s := graph.NewStore()
	a := newByteNode(t, s, 'a')
	b := newByteNode(t, s, 'b')
	c := newByteNode(t, s, 'c')
	link(t, s, a, c, 5)
	link(t, s, b, c, 5)

	eng := newEngine(s, DefaultConfig())
	st, err := eng.Propagate(context.Background(), []Seed{
		{Node: a, Activation: 1.0},
		{Node: b, Activation: 1.0},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Each arrival carries its own transformed energy; the node must
	// hold the sum, not the max or the last writer.
	var fromA, fromB float64
	for _, r := range st.Records {
		switch r.Node {
		case a:
			fromA = st.Transforms[a]
		case b:
			fromB = st.Transforms[b]
		}
	}
	if fromA == 0 || fromB == 0 {
		t.Fatal("both seeds should have traversed into c")
	}
	want := fromA + fromB
	if st.Strength(c) != want {
		t.Errorf("convergent strength = %.4f, want sum %.4f", st.Strength(c), want)
	}
}

func TestWaveRespectsStepCap(t *testing.T) {
	s := graph.NewStore()
	ids := chain(t, s, "abcdefghij", 8)

	cfg := DefaultConfig()
	cfg.MaxSteps = 2
	eng := newEngine(s, cfg)
	st, err := eng.Propagate(context.Background(), []Seed{{Node: ids[0], Activation: 1.0}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Steps > 2 {
		t.Errorf("wave ran %d steps, cap was 2", st.Steps)
	}
	if st.StepCap < 1 || st.StepCap > 2 {
		t.Errorf("step cap %d outside [1, 2]", st.StepCap)
	}
}

func TestWaveConvergesByEnergyDissipation(t *testing.T) {
	s := graph.NewStore()
	ids := chain(t, s, "abcdefghijklmnop", 2)

	cfg := DefaultConfig()
	cfg.MaxSteps = 64
	eng := newEngine(s, cfg)
	st, err := eng.Propagate(context.Background(), []Seed{{Node: ids[0], Activation: 1.0}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Young weights transform to roughly a quarter of the arriving
	// energy per hop, so the wave must die out well before the cap.
	if st.Steps >= cfg.MaxSteps {
		t.Errorf("wave never converged: ran all %d steps", st.Steps)
	}
	if st.FinalEnergy >= st.InitialEnergy {
		t.Errorf("final energy %.4f not below initial %.4f", st.FinalEnergy, st.InitialEnergy)
	}
}

func TestTraversalStrengthensEdges(t *testing.T) {
	s := graph.NewStore()
	a := newByteNode(t, s, 'a')
	b := newByteNode(t, s, 'b')
	link(t, s, a, b, 1)
	before := s.Node(a).EdgeTo(b).Weight

	eng := newEngine(s, DefaultConfig())
	if _, err := eng.Propagate(context.Background(), []Seed{{Node: a, Activation: 1.0}}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after := s.Node(a).EdgeTo(b).Weight
	if after <= before {
		t.Errorf("traversed edge weight %d not above pre-wave %d", after, before)
	}
}

func TestProbeDoesNotStrengthenEdges(t *testing.T) {
	s := graph.NewStore()
	a := newByteNode(t, s, 'a')
	b := newByteNode(t, s, 'b')
	link(t, s, a, b, 1)
	edge := s.Node(a).EdgeTo(b)
	weightBefore := edge.Weight
	hitsBefore := edge.Hits
	gateBefore := edge.Gate

	eng := newEngine(s, DefaultConfig())
	st, err := eng.Probe(context.Background(), []Seed{{Node: a, Activation: 1.0}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if st.Strength(b) == 0 {
		t.Error("probe wave should still activate the target")
	}
	if len(st.Records) == 0 {
		t.Error("probe wave should still record traversals")
	}
	edge = s.Node(a).EdgeTo(b)
	if edge.Weight != weightBefore {
		t.Errorf("probe changed edge weight %d -> %d", weightBefore, edge.Weight)
	}
	if edge.Hits != hitsBefore {
		t.Errorf("probe changed edge hits %d -> %d", hitsBefore, edge.Hits)
	}
	if edge.Gate != gateBefore {
		t.Errorf("probe changed edge gate %d -> %d", gateBefore, edge.Gate)
	}
}

func TestWaveDeterministicAcrossParallelism(t *testing.T) {
	build := func() *graph.Store {
		s := graph.NewStore()
		ids := chain(t, s, "abcde", 4)
		x := newByteNode(t, s, 'x')
		link(t, s, ids[1], x, 1)
		link(t, s, ids[3], x, 2)
		return s
	}

	run := func(parallelism int) *State {
		s := build()
		cfg := DefaultConfig()
		cfg.Parallelism = parallelism
		eng := newEngine(s, cfg)
		a, _ := s.FindNode([]byte("a"))
		c, _ := s.FindNode([]byte("c"))
		st, err := eng.Propagate(context.Background(), []Seed{
			{Node: a, Activation: 0.5},
			{Node: c, Activation: 1.0},
		}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return st
	}

	serial := run(1)
	parallel := run(0)

	if len(serial.Records) != len(parallel.Records) {
		t.Fatalf("record counts differ: %d vs %d", len(serial.Records), len(parallel.Records))
	}
	for i := range serial.Records {
		if serial.Records[i] != parallel.Records[i] {
			t.Errorf("record %d differs: %+v vs %+v", i, serial.Records[i], parallel.Records[i])
		}
	}
	if len(serial.Order) != len(parallel.Order) {
		t.Fatalf("touch orders differ in length: %d vs %d", len(serial.Order), len(parallel.Order))
	}
	for i := range serial.Order {
		if serial.Order[i] != parallel.Order[i] {
			t.Errorf("touch order %d differs: %d vs %d", i, serial.Order[i], parallel.Order[i])
		}
	}
	for id, strength := range serial.Active {
		if parallel.Active[id] != strength {
			t.Errorf("node %d strength differs: %.6f vs %.6f", id, strength, parallel.Active[id])
		}
	}
}

func TestStepCapGrowsWithAmbiguity(t *testing.T) {
	// Unambiguous: two seeds whose winning scores agree closely.
	clear := graph.NewStore()
	ca := newByteNode(t, clear, 'a')
	cb := newByteNode(t, clear, 'b')
	cc := newByteNode(t, clear, 'c')
	cd := newByteNode(t, clear, 'd')
	link(t, clear, ca, cb, 5)
	link(t, clear, cc, cd, 5)

	// Ambiguous: competing scores diverge strongly between seeds.
	fuzzy := graph.NewStore()
	fa := newByteNode(t, fuzzy, 'a')
	fb := newByteNode(t, fuzzy, 'b')
	fc := newByteNode(t, fuzzy, 'c')
	fd := newByteNode(t, fuzzy, 'd')
	fe := newByteNode(t, fuzzy, 'e')
	link(t, fuzzy, fa, fb, 30)
	link(t, fuzzy, fa, fe, 1)
	link(t, fuzzy, fc, fd, 1)
	link(t, fuzzy, fc, fe, 1)

	cfg := DefaultConfig()
	cfg.MaxSteps = 16

	clearEng := newEngine(clear, cfg)
	fuzzyEng := newEngine(fuzzy, cfg)

	sctx := &scoring.Context{}
	clearCap := clearEng.stepCap([]graph.NodeID{ca, cc}, sctx)
	fuzzyCap := fuzzyEng.stepCap([]graph.NodeID{fa, fc}, sctx)

	if clearCap < 1 || clearCap > cfg.MaxSteps || fuzzyCap < 1 || fuzzyCap > cfg.MaxSteps {
		t.Fatalf("caps %d, %d outside [1, %d]", clearCap, fuzzyCap, cfg.MaxSteps)
	}
	if fuzzyCap <= clearCap {
		t.Errorf("ambiguous cap %d not above unambiguous cap %d", fuzzyCap, clearCap)
	}
}
