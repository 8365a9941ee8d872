package graph

import (
	"math"
	"testing"
)

func TestAdaptiveEpsilon(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"zero floors", 0, 1e-3},
		{"negative uses magnitude", -2000, 2.0},
		{"small stays floored", 0.5, 1e-3},
		{"large scales", 10000, 10.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AdaptiveEpsilon(tt.in); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("AdaptiveEpsilon(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLocalAverageNeutralOnZeroDegree(t *testing.T) {
	s := NewStore()
	id, _ := s.GetOrCreateNode([]byte("x"))
	if got := s.LocalAverage(id); got != 0 {
		t.Errorf("zero-degree average = %v, want neutral 0", got)
	}
	if got := s.LocalVariance(id); got != 0 {
		t.Errorf("zero-degree variance = %v, want 0", got)
	}
}

func TestLocalVariance(t *testing.T) {
	s := NewStore()
	src, _ := s.GetOrCreateNode([]byte("s"))
	a, _ := s.GetOrCreateNode([]byte("a"))
	b, _ := s.GetOrCreateNode([]byte("b"))
	if _, err := s.AddOrStrengthenEdge(src, a, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddOrStrengthenEdge(src, b, nil); err != nil {
		t.Fatal(err)
	}
	// Equal weights: variance zero.
	if v := s.LocalVariance(src); v != 0 {
		t.Errorf("equal-weight variance = %v, want 0", v)
	}
	// Strengthen one edge: variance becomes positive.
	for i := 0; i < 10; i++ {
		if _, err := s.AddOrStrengthenEdge(src, a, nil); err != nil {
			t.Fatal(err)
		}
	}
	if v := s.LocalVariance(src); v <= 0 {
		t.Errorf("skewed-weight variance = %v, want > 0", v)
	}
}

func TestLocalMinWeight(t *testing.T) {
	s := NewStore()
	src, _ := s.GetOrCreateNode([]byte("s"))
	a, _ := s.GetOrCreateNode([]byte("a"))
	b, _ := s.GetOrCreateNode([]byte("b"))
	s.AddOrStrengthenEdge(src, a, nil)
	s.AddOrStrengthenEdge(src, b, nil)
	for i := 0; i < 10; i++ {
		s.AddOrStrengthenEdge(src, a, nil)
	}
	weak := s.Node(src).EdgeTo(b)
	if got, want := s.LocalMinWeight(src), DecodeWeight(weak.Weight); got != want {
		t.Errorf("local min = %v, want %v", got, want)
	}
}

func TestEnsureEmbeddingLazyAndDeterministic(t *testing.T) {
	s := NewStore()
	id, _ := s.GetOrCreateNode([]byte("hello"))
	if s.Node(id).Embedding != nil {
		t.Fatal("embedding built eagerly")
	}
	e1 := s.EnsureEmbedding(id)
	e2 := s.EnsureEmbedding(id)
	if len(e1) == 0 {
		t.Fatal("empty embedding")
	}
	for i := range e1 {
		if e1[i] != e2[i] {
			t.Fatalf("embedding not stable at %d", i)
		}
	}
}

func TestEmbeddingDimAdapts(t *testing.T) {
	if small, big := embeddingDim(4), embeddingDim(1<<20); small >= big {
		t.Errorf("dimension does not grow with graph size: %d vs %d", small, big)
	}
	if embeddingDim(1<<40) > 32 {
		t.Error("dimension unbounded")
	}
}
