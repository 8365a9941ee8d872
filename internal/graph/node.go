// Package graph owns the node/edge arena for the engram engine. Nodes
// represent raw bytes or consolidated multi-byte patterns; edges record
// observed transitions with a bounded 8-bit weight. All aggregate queries
// are local to a node and O(degree) at worst.
package graph

// NodeID is a stable index into the store's node arena. IDs are never
// reused while a node is live and stay valid across arena growth.
type NodeID uint64

// InvalidNode is the zero-value sentinel for "no node".
const InvalidNode NodeID = ^NodeID(0)

// FingerprintSize is the number of trailing context bytes captured on an
// edge at creation time, used for disambiguation during scoring.
const FingerprintSize = 4

// Terminator is the end-of-stream marker byte. Ingestion appends a
// terminator node to each stream so generation can learn where outputs
// end; the byte itself is never emitted.
const Terminator byte = 0x00

// TraceSize bounds the per-node context trace of recent activation bytes.
const TraceSize = 8

// Edge is a directed, weighted transition owned by its source node. The
// target is referenced by id only: the edge never owns the target and
// never prevents its demotion.
type Edge struct {
	Target NodeID

	// Weight is the bounded transition magnitude. Repeat observations
	// strengthen it; it clamps at 255 and never leaves [0, 255].
	Weight uint8

	// Gate is the learned routing scalar, quantized to a byte.
	// GateValue decodes it into [0, 1].
	Gate uint8

	// Context holds the trailing bytes observed when the edge was
	// created. ContextLen says how many entries are valid.
	Context    [FingerprintSize]byte
	ContextLen uint8

	CreatedAt uint32 // adaptation tick at creation
	LastUsed  uint32 // adaptation tick of last reinforcement
	Hits      uint32 // reinforcement count
}

// DecodeWeight converts a stored weight byte into its scoring magnitude.
// This is a pure function of the byte alone: it must not consult any
// other state, so the decoded value can never feed back into itself
// through aggregates computed from it.
func DecodeWeight(w uint8) float64 {
	return float64(w) / 128.0
}

// GateValue decodes the routing gate byte into [0, 1].
func GateValue(g uint8) float64 {
	return float64(g) / 255.0
}

// aggregate caches a node's outgoing weight sum and edge count. It is
// stamped with the store generation at computation time and trusted only
// while the stamp is not older than the node's last mutation.
type aggregate struct {
	weightSum int64 // sum of raw weight bytes
	count     int
	stamp     uint64
}

// Node is a graph unit: a raw byte (Level 0) or a consolidated pattern
// (Level > 0). Mutable per-node state is confined to the node itself so
// that work on distinct nodes is independent.
type Node struct {
	ID      NodeID
	Payload []byte
	Level   uint32

	// Ancestry lists the constituent lineage of a consolidated node.
	// It is a non-owning relation used solely for acyclicity checks.
	Ancestry []NodeID

	// Edges is the owned outgoing edge list. At most one edge exists
	// per (source, target) pair.
	Edges []Edge

	// Bias is the stop-readiness state adjusted by the feedback
	// channel, not by ordinary frequency reinforcement.
	Bias float64

	// Activations counts how often this node was emitted during
	// generation; it acts as the experience factor for stop decisions.
	Activations uint64

	// Trace holds the most recent activation bytes seen at this node,
	// oldest first, bounded by TraceSize.
	Trace []byte

	// Embedding is built lazily with a dimension that adapts to graph
	// size. Nil until first requested.
	Embedding []float32

	// Activation is transient wave state, reset at each seeding.
	Activation float64

	agg   aggregate
	dirty uint64 // store generation of the last mutation touching this node
}

// Degree returns the outgoing edge count.
func (n *Node) Degree() int { return len(n.Edges) }

// EdgeTo returns the outgoing edge to target, or nil.
func (n *Node) EdgeTo(target NodeID) *Edge {
	for i := range n.Edges {
		if n.Edges[i].Target == target {
			return &n.Edges[i]
		}
	}
	return nil
}

// PushTrace appends recent activation bytes, keeping the newest
// TraceSize bytes.
func (n *Node) PushTrace(b []byte) {
	n.Trace = append(n.Trace, b...)
	if len(n.Trace) > TraceSize {
		n.Trace = n.Trace[len(n.Trace)-TraceSize:]
	}
}

// Stamp returns the generation of the node's last mutation. The
// persistence layer records it so residency can favor recently
// touched nodes on a partial load.
func (n *Node) Stamp() uint64 { return n.dirty }

// SetStamp restores the mutation stamp when installing a loaded node.
func (n *Node) SetStamp(g uint64) { n.dirty = g }

// InAncestry reports whether id appears in the node's ancestry chain.
func (n *Node) InAncestry(id NodeID) bool {
	for _, a := range n.Ancestry {
		if a == id {
			return true
		}
	}
	return false
}
