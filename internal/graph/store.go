package graph

import (
	"errors"
	"fmt"
	"sync"
)

// Store errors.
var (
	// ErrNodeNotFound reports an id that does not resolve to a live node.
	ErrNodeNotFound = errors.New("graph: node not found")
	// ErrDanglingTarget reports an edge creation whose target id does
	// not resolve.
	ErrDanglingTarget = errors.New("graph: edge target does not resolve")
)

// NodeLoader faults a non-resident node in from backing storage. It is
// optional; a store without a loader treats every unresolved id as a
// missing node.
type NodeLoader interface {
	LoadNode(id NodeID) (*Node, error)
}

// Store owns the growable node arena and the pattern index. There is no
// fixed capacity: the arena starts at capacity 1 and doubles on demand.
// Growth is copy-then-swap under a lock scoped to the reallocation, so a
// reader holding the previous slice stays valid.
//
// A monotonically increasing generation counter is bumped on every
// structural mutation and weight change; per-node aggregate caches are
// trusted only while their stamp is not older than the node's last
// mutation.
type Store struct {
	mu sync.RWMutex

	nodes []*Node
	count int

	index       map[string]NodeID
	hierarchies []NodeID

	generation uint64
	edgeCount  uint64
	tick       uint32
	maxLevel   uint32

	loader NodeLoader
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		nodes: make([]*Node, 0, 1),
		index: make(map[string]NodeID),
	}
}

// SetLoader attaches a fault-in loader for partial residency.
func (s *Store) SetLoader(l NodeLoader) {
	s.mu.Lock()
	s.loader = l
	s.mu.Unlock()
}

// Generation returns the current mutation generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// BumpGeneration invalidates all cached aggregates. Called after any
// write to the on-disk representation.
func (s *Store) BumpGeneration() {
	s.mu.Lock()
	s.generation++
	for _, n := range s.nodes {
		if n != nil {
			n.dirty = s.generation
		}
	}
	s.mu.Unlock()
}

// Tick returns the current adaptation tick.
func (s *Store) Tick() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

// BumpTick advances the adaptation tick. The engine calls this once per
// ingest-or-generate call; edge metadata is stamped with it.
func (s *Store) BumpTick() uint32 {
	s.mu.Lock()
	s.tick++
	t := s.tick
	s.mu.Unlock()
	return t
}

// NodeCount returns the number of live nodes.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// EdgeCount returns the total number of edges.
func (s *Store) EdgeCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edgeCount
}

// MaxLevel returns the highest abstraction level present.
func (s *Store) MaxLevel() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxLevel
}

// Node resolves an id to its live node, faulting it in through the
// loader when the store is partially resident. Returns nil for ids that
// do not resolve.
func (s *Store) Node(id NodeID) *Node {
	s.mu.RLock()
	if int(id) >= len(s.nodes) {
		s.mu.RUnlock()
		return nil
	}
	n := s.nodes[id]
	loader := s.loader
	s.mu.RUnlock()
	if n != nil || loader == nil {
		return n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n = s.nodes[id]; n != nil { // faulted in by a racing caller
		return n
	}
	loaded, err := loader.LoadNode(id)
	if err != nil || loaded == nil {
		return nil
	}
	loaded.ID = id
	s.nodes[id] = loaded
	return loaded
}

// FindNode returns the id of the node holding exactly this payload.
func (s *Store) FindNode(payload []byte) (NodeID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.index[string(payload)]
	return id, ok
}

// GetOrCreateNode returns the node for payload, creating a level-0 node
// on first encounter. The second return reports whether a node was
// created. O(1) amortized via the pattern index.
func (s *Store) GetOrCreateNode(payload []byte) (NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.index[string(payload)]; ok {
		return id, false
	}
	return s.createLocked(payload, 0, nil), true
}

// CreateNode adds a node at the given abstraction level with the given
// non-owning ancestry. Used by hierarchy formation; returns the existing
// id when the payload is already indexed.
func (s *Store) CreateNode(payload []byte, level uint32, ancestry []NodeID) (NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.index[string(payload)]; ok {
		return id, false
	}
	return s.createLocked(payload, level, ancestry), true
}

func (s *Store) createLocked(payload []byte, level uint32, ancestry []NodeID) NodeID {
	id := NodeID(len(s.nodes))
	s.generation++
	n := &Node{
		ID:       id,
		Payload:  append([]byte(nil), payload...),
		Level:    level,
		Ancestry: append([]NodeID(nil), ancestry...),
		dirty:    s.generation,
	}

	// Copy-then-swap growth: the node only becomes visible once the
	// new backing array is fully populated, so an aborted allocation
	// leaves the arena in its last committed state.
	if len(s.nodes) == cap(s.nodes) {
		newCap := cap(s.nodes) * 2
		if newCap == 0 {
			newCap = 1
		}
		grown := make([]*Node, len(s.nodes), newCap)
		copy(grown, s.nodes)
		s.nodes = grown
	}
	s.nodes = append(s.nodes, n)
	s.count++
	s.index[string(n.Payload)] = id

	if level > 0 {
		s.hierarchies = append(s.hierarchies, id)
		if level > s.maxLevel {
			s.maxLevel = level
		}
	}
	return id
}

// initialWeight is the starting weight byte for a new edge; it decodes
// to 0.5, below the neutral 1.0 so young edges compete from behind.
const initialWeight = 64

// weightStep returns the bounded-add increment for a strengthen. The
// step shrinks as the weight approaches its ceiling, so repeated
// reinforcement saturates instead of overflowing.
func weightStep(w uint8) uint8 {
	step := (255 - w) / 8
	if step == 0 {
		step = 1
	}
	return step
}

// AddOrStrengthenEdge records an observed transition. A repeat
// observation strengthens the existing edge (bounded add, clamped at
// 255) and refreshes its last-used tick; a first observation creates the
// edge with the trailing context fingerprint. Either way the store
// generation is bumped and the source's aggregate cache is maintained.
func (s *Store) AddOrStrengthenEdge(src, dst NodeID, context []byte) (*Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.resolveLocked(src)
	if from == nil {
		return nil, fmt.Errorf("%w: source %d", ErrNodeNotFound, src)
	}
	if s.resolveLocked(dst) == nil {
		return nil, fmt.Errorf("%w: %d -> %d", ErrDanglingTarget, src, dst)
	}

	s.generation++
	for i := range from.Edges {
		e := &from.Edges[i]
		if e.Target != dst {
			continue
		}
		old := e.Weight
		step := weightStep(e.Weight)
		if int(e.Weight)+int(step) > 255 {
			e.Weight = 255
		} else {
			e.Weight += step
		}
		e.Hits++
		e.LastUsed = s.tick
		s.touchLocked(from, int64(e.Weight)-int64(old), 0)
		return e, nil
	}

	e := Edge{
		Target:    dst,
		Weight:    initialWeight,
		Gate:      128,
		CreatedAt: s.tick,
		LastUsed:  s.tick,
		Hits:      1,
	}
	e.ContextLen = uint8(copy(e.Context[:], tail(context, FingerprintSize)))
	// Append is the commit point: a failed allocation before this line
	// leaves no partially linked edge.
	from.Edges = append(from.Edges, e)
	s.edgeCount++
	s.touchLocked(from, int64(e.Weight), 1)
	return &from.Edges[len(from.Edges)-1], nil
}

// SetWeight overwrites an edge weight, maintaining the source aggregate.
// Used by the feedback channel, which adjusts weights outside ordinary
// frequency reinforcement.
func (s *Store) SetWeight(src, dst NodeID, w uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.resolveLocked(src)
	if from == nil {
		return fmt.Errorf("%w: source %d", ErrNodeNotFound, src)
	}
	e := from.EdgeTo(dst)
	if e == nil {
		return fmt.Errorf("%w: %d -> %d", ErrDanglingTarget, src, dst)
	}
	s.generation++
	old := e.Weight
	e.Weight = w
	s.touchLocked(from, int64(w)-int64(old), 0)
	return nil
}

// SetGate overwrites an edge's routing gate.
func (s *Store) SetGate(src, dst NodeID, g uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.resolveLocked(src)
	if from == nil {
		return fmt.Errorf("%w: source %d", ErrNodeNotFound, src)
	}
	e := from.EdgeTo(dst)
	if e == nil {
		return fmt.Errorf("%w: %d -> %d", ErrDanglingTarget, src, dst)
	}
	e.Gate = g
	return nil
}

// touchLocked records a mutation on n at the current generation. When
// the aggregate cache was valid before the mutation it is maintained
// incrementally, otherwise it stays invalid until the next recompute.
func (s *Store) touchLocked(n *Node, sumDelta int64, countDelta int) {
	wasValid := n.agg.stamp >= n.dirty && n.agg.count == len(n.Edges)-countDelta
	n.dirty = s.generation
	if wasValid {
		n.agg.weightSum += sumDelta
		n.agg.count += countDelta
		n.agg.stamp = s.generation
	}
}

func (s *Store) resolveLocked(id NodeID) *Node {
	if int(id) >= len(s.nodes) {
		return nil
	}
	n := s.nodes[id]
	if n == nil && s.loader != nil {
		loaded, err := s.loader.LoadNode(id)
		if err == nil && loaded != nil {
			loaded.ID = id
			s.nodes[id] = loaded
			n = loaded
		}
	}
	return n
}

// IDs returns every live node id in arena order, resident or not.
func (s *Store) IDs() []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]NodeID, len(s.nodes))
	for i := range s.nodes {
		ids[i] = NodeID(i)
	}
	return ids
}

// Hierarchies returns a snapshot of all consolidated node ids.
func (s *Store) Hierarchies() []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]NodeID(nil), s.hierarchies...)
}

// Reserve pre-sizes the arena for n nodes without making any visible.
// Used by the persistence layer when loading a snapshot.
func (s *Store) Reserve(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cap(s.nodes) < n {
		grown := make([]*Node, len(s.nodes), n)
		copy(grown, s.nodes)
		s.nodes = grown
	}
}

// Install places a fully formed node at its id, growing the arena with
// nil placeholders as needed. Placeholder slots are faulted in on
// demand through the loader.
func (s *Store) Install(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for int(n.ID) >= len(s.nodes) {
		s.nodes = append(s.nodes, nil)
	}
	if s.nodes[n.ID] == nil {
		s.count++
	}
	s.nodes[n.ID] = n
	if n != nil {
		s.index[string(n.Payload)] = n.ID
		s.edgeCount += uint64(len(n.Edges))
		if n.Level > 0 {
			s.hierarchies = append(s.hierarchies, n.ID)
			if n.Level > s.maxLevel {
				s.maxLevel = n.Level
			}
		}
	}
}

// InstallPlaceholder registers a non-resident node: its payload is
// indexed so pattern lookups resolve, but the node body is faulted in
// through the loader on first access.
func (s *Store) InstallPlaceholder(id NodeID, payload []byte, level uint32, edges int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for int(id) >= len(s.nodes) {
		s.nodes = append(s.nodes, nil)
	}
	s.count++
	s.index[string(payload)] = id
	s.edgeCount += uint64(edges)
	if level > 0 {
		s.hierarchies = append(s.hierarchies, id)
		if level > s.maxLevel {
			s.maxLevel = level
		}
	}
}

// RestoreCounters replaces the generation and tick, used after a load so
// cache stamps from the snapshot stay meaningful.
func (s *Store) RestoreCounters(generation uint64, tick uint32, edges uint64) {
	s.mu.Lock()
	s.generation = generation
	s.tick = tick
	s.edgeCount = edges
	s.mu.Unlock()
}

// Resident reports whether the node body for id is in memory.
func (s *Store) Resident(id NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(id) < len(s.nodes) && s.nodes[id] != nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
