package graph

// AdaptiveEpsilon returns a small guard value scaled to the magnitude of
// the surrounding data. Every comparison in the engine is made relative
// to a local mean/variance plus this epsilon rather than a fixed cutoff,
// which keeps decisions smooth near zero. The floor exists only to make
// division safe when there is no data at all.
func AdaptiveEpsilon(x float64) float64 {
	if x < 0 {
		x = -x
	}
	scaled := x * 1e-3
	if scaled < 1e-3 {
		return 1e-3
	}
	return scaled
}

// LocalAverage returns the mean decoded weight of the node's outgoing
// edges. The cached aggregate is served in O(1) while its stamp matches
// the node's mutation generation; otherwise the sum is recomputed in
// O(degree) and re-cached. A node with no edges averages to zero
// (neutral, not an error).
func (s *Store) LocalAverage(id NodeID) float64 {
	n := s.Node(id)
	if n == nil || len(n.Edges) == 0 {
		return 0
	}

	s.mu.Lock()
	if n.agg.stamp >= n.dirty && n.agg.count == len(n.Edges) {
		sum, count := n.agg.weightSum, n.agg.count
		s.mu.Unlock()
		return float64(sum) / (128.0 * float64(count))
	}
	var sum int64
	for i := range n.Edges {
		sum += int64(n.Edges[i].Weight)
	}
	n.agg = aggregate{weightSum: sum, count: len(n.Edges), stamp: s.generation}
	s.mu.Unlock()
	return float64(sum) / (128.0 * float64(len(n.Edges)))
}

// UncachedLocalAverage recomputes the mean decoded weight from scratch,
// bypassing the aggregate cache. The two must always agree.
func (s *Store) UncachedLocalAverage(id NodeID) float64 {
	n := s.Node(id)
	if n == nil || len(n.Edges) == 0 {
		return 0
	}
	s.mu.RLock()
	var sum float64
	for i := range n.Edges {
		sum += DecodeWeight(n.Edges[i].Weight)
	}
	s.mu.RUnlock()
	return sum / float64(len(n.Edges))
}

// LocalVariance returns the variance of the node's decoded outgoing
// weights around their local average. O(degree). Zero when the node has
// fewer than two edges.
func (s *Store) LocalVariance(id NodeID) float64 {
	n := s.Node(id)
	if n == nil || len(n.Edges) < 2 {
		return 0
	}
	avg := s.LocalAverage(id)
	s.mu.RLock()
	var v float64
	for i := range n.Edges {
		d := DecodeWeight(n.Edges[i].Weight) - avg
		v += d * d
	}
	count := len(n.Edges)
	s.mu.RUnlock()
	return v / float64(count)
}

// LocalMinWeight returns the smallest decoded outgoing weight, used as
// an adaptive floor by the feedback channel. Zero when degree is zero.
func (s *Store) LocalMinWeight(id NodeID) float64 {
	n := s.Node(id)
	if n == nil || len(n.Edges) == 0 {
		return 0
	}
	s.mu.RLock()
	min := n.Edges[0].Weight
	for i := 1; i < len(n.Edges); i++ {
		if n.Edges[i].Weight < min {
			min = n.Edges[i].Weight
		}
	}
	s.mu.RUnlock()
	return DecodeWeight(min)
}

// MeanHits returns the average reinforcement count over the node's
// outgoing edges. Hierarchy formation compares an edge's own count
// against this local competition instead of any fixed threshold.
func (s *Store) MeanHits(id NodeID) float64 {
	n := s.Node(id)
	if n == nil || len(n.Edges) == 0 {
		return 0
	}
	s.mu.RLock()
	var sum uint64
	for i := range n.Edges {
		sum += uint64(n.Edges[i].Hits)
	}
	count := len(n.Edges)
	s.mu.RUnlock()
	return float64(sum) / float64(count)
}

// embeddingDim adapts the lazy embedding dimension to graph size:
// small graphs get small vectors, growing logarithmically and bounded.
func embeddingDim(nodeCount int) int {
	dim := 4
	for n := nodeCount; n > 16 && dim < 32; n >>= 2 {
		dim += 4
	}
	return dim
}

// EnsureEmbedding lazily builds a deterministic payload embedding with a
// dimension adapted to the current graph size. Already-built embeddings
// are returned as-is even if the adaptive dimension has since grown.
func (s *Store) EnsureEmbedding(id NodeID) []float32 {
	n := s.Node(id)
	if n == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.Embedding != nil {
		return n.Embedding
	}
	dim := embeddingDim(s.count)
	emb := make([]float32, dim)
	// FNV-style rolling projection of the payload into the vector.
	var h uint64 = 14695981039346656037
	for i, b := range n.Payload {
		h = (h ^ uint64(b)) * 1099511628211
		emb[i%dim] += float32(h%2048)/1024.0 - 1.0
	}
	n.Embedding = emb
	return emb
}
