package hierarchy

import (
	"github.com/engramdb/engram/internal/graph"
)

// Match tracks progress through one hierarchy node's payload during
// generation. Pos counts payload bytes already covered by the output.
type Match struct {
	Node    graph.NodeID
	Payload []byte
	Pos     int
}

// Active reports whether the match still has bytes left to guide.
func (m *Match) Active() bool {
	return m != nil && m.Pos < len(m.Payload)
}

// Next returns the byte the hierarchy expects next. Only meaningful
// while Active.
func (m *Match) Next() byte {
	return m.Payload[m.Pos]
}

// Advance consumes one emitted byte. It reports whether the byte kept
// the match alive; a mismatch deactivates it.
func (m *Match) Advance(b byte) bool {
	if !m.Active() || m.Payload[m.Pos] != b {
		m.Pos = len(m.Payload)
		return false
	}
	m.Pos++
	return true
}

// Matcher finds the hierarchy a trailing output window is currently
// inside of. The window is bounded by the longest hierarchy payload, so
// a lookup never scans unbounded history.
type Matcher struct {
	store *graph.Store
}

// NewMatcher creates a matcher over the given store.
func NewMatcher(store *graph.Store) *Matcher {
	return &Matcher{store: store}
}

// Find returns the deepest hierarchy whose payload prefix matches a
// suffix of recent, positioned past the matched prefix. The match must
// be proper: fully completed payloads no longer guide anything. Returns
// nil when no hierarchy matches.
func (m *Matcher) Find(recent []byte) *Match {
	if len(recent) == 0 {
		return nil
	}
	var best *Match
	for _, id := range m.store.Hierarchies() {
		h := m.store.Node(id)
		if h == nil || len(h.Payload) < 2 {
			continue
		}
		pos := prefixSuffixOverlap(h.Payload, recent)
		if pos == 0 || pos >= len(h.Payload) {
			continue
		}
		if best == nil || pos > best.Pos ||
			(pos == best.Pos && len(h.Payload) > len(best.Payload)) {
			best = &Match{Node: id, Payload: h.Payload, Pos: pos}
		}
	}
	return best
}

// prefixSuffixOverlap returns the length of the longest prefix of
// payload that is also a suffix of recent.
func prefixSuffixOverlap(payload, recent []byte) int {
	max := len(payload)
	if len(recent) < max {
		max = len(recent)
	}
	for n := max; n > 0; n-- {
		if string(payload[:n]) == string(recent[len(recent)-n:]) {
			return n
		}
	}
	return 0
}
