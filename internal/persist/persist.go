// Package persist implements the snapshot format for the graph arena.
// A snapshot is a single little-endian file: a fixed header, compact
// node records, an id-to-offset index, and a checksummed trailer. Node
// records keep a small fixed header plus a varint-length payload; edge
// records are 19 bytes each, so edge-dominated graphs stay compact.
//
// Loading is either eager, installing every node body, or partial:
// the most recently touched nodes become resident and the rest are
// registered as placeholders faulted in through a NodeFile on demand.
package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"sort"

	"github.com/engramdb/engram/internal/graph"
)

// Snapshot format errors.
var (
	// ErrBadMagic reports a file that is not a snapshot.
	ErrBadMagic = errors.New("persist: bad magic")
	// ErrCorrupt reports a snapshot whose structure or checksum does
	// not hold together.
	ErrCorrupt = errors.New("persist: corrupt snapshot")
)

const (
	magic = "ENGRAM01"

	// headerSize is magic + generation + tick + edge count + node count.
	headerSize = 8 + 8 + 4 + 8 + 8

	// nodeHeaderSize is the fixed part of a node record: id, level,
	// mutation stamp, degree, quantized bias.
	nodeHeaderSize = 6 + 2 + 6 + 2 + 2

	// edgeRecordSize is target id, weight, gate, fingerprint length,
	// fingerprint, saturated hit count, last-used tick.
	edgeRecordSize = 6 + 1 + 1 + 1 + graph.FingerprintSize + 2 + 4

	// indexEntrySize is id, record offset, record length.
	indexEntrySize = 6 + 6 + 4

	// trailerSize is the index offset plus the CRC32 of everything
	// before the checksum itself.
	trailerSize = 8 + 4
)

// Save writes a complete snapshot of the store to path. The snapshot is
// written to a temporary sibling first and renamed into place, so a
// failed save never clobbers the previous one. Non-resident nodes are
// faulted in through the store's loader as they are encountered.
func Save(path string, store *graph.Store) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("persist: create snapshot: %w", err)
	}
	defer f.Close()

	if err := write(f, store); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist: sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist: close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist: rename snapshot: %w", err)
	}
	return nil
}

func write(f *os.File, store *graph.Store) error {
	crc := crc32.NewIEEE()
	w := &countingWriter{w: io.MultiWriter(f, crc)}

	ids := store.IDs()

	var hdr [headerSize]byte
	copy(hdr[:8], magic)
	binary.LittleEndian.PutUint64(hdr[8:], store.Generation())
	binary.LittleEndian.PutUint32(hdr[16:], store.Tick())
	binary.LittleEndian.PutUint64(hdr[20:], store.EdgeCount())
	binary.LittleEndian.PutUint64(hdr[28:], uint64(len(ids)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("persist: write header: %w", err)
	}

	type span struct {
		id  graph.NodeID
		off uint64
		len uint32
	}
	spans := make([]span, 0, len(ids))
	var buf []byte
	for _, id := range ids {
		n := store.Node(id)
		if n == nil {
			return fmt.Errorf("persist: node %d did not resolve: %w", id, graph.ErrNodeNotFound)
		}
		encoded, err := encodeNode(buf[:0], n)
		if err != nil {
			return err
		}
		buf = encoded
		spans = append(spans, span{id: id, off: w.n, len: uint32(len(buf))})
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("persist: write node %d: %w", id, err)
		}
	}

	indexOff := w.n
	var entry [indexEntrySize]byte
	for _, sp := range spans {
		putU48(entry[0:], uint64(sp.id))
		putU48(entry[6:], sp.off)
		binary.LittleEndian.PutUint32(entry[12:], sp.len)
		if _, err := w.Write(entry[:]); err != nil {
			return fmt.Errorf("persist: write index: %w", err)
		}
	}

	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], indexOff)
	if _, err := w.Write(off[:]); err != nil {
		return fmt.Errorf("persist: write trailer: %w", err)
	}
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc.Sum32())
	if _, err := f.Write(sum[:]); err != nil {
		return fmt.Errorf("persist: write checksum: %w", err)
	}
	return nil
}

// Load reads a snapshot eagerly: every node body is installed and the
// store needs no loader afterwards.
func Load(path string, store *graph.Store) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("persist: read snapshot: %w", err)
	}
	recs, hdr, err := decode(data)
	if err != nil {
		return err
	}

	store.Reserve(int(hdr.nodes))
	for _, r := range recs {
		store.Install(r.node)
	}
	store.RestoreCounters(hdr.generation, hdr.tick, hdr.edges)
	return nil
}

// NodeFile faults node bodies in from a snapshot for a partially
// resident store. It is safe for concurrent use and must be closed when
// the store is done with it.
type NodeFile struct {
	f     *os.File
	index map[graph.NodeID]fileSpan
}

type fileSpan struct {
	off uint64
	len uint32
}

// LoadNode reads and decodes the record for id.
func (nf *NodeFile) LoadNode(id graph.NodeID) (*graph.Node, error) {
	sp, ok := nf.index[id]
	if !ok {
		return nil, fmt.Errorf("persist: node %d not in snapshot: %w", id, graph.ErrNodeNotFound)
	}
	buf := make([]byte, sp.len)
	if _, err := nf.f.ReadAt(buf, int64(sp.off)); err != nil {
		return nil, fmt.Errorf("persist: fault node %d: %w", id, err)
	}
	r := &reader{b: buf}
	n := decodeNode(r)
	if r.err != nil {
		return nil, fmt.Errorf("persist: fault node %d: %w", id, r.err)
	}
	return n, nil
}

// Close releases the snapshot handle. Faulting in after Close fails.
func (nf *NodeFile) Close() error {
	return nf.f.Close()
}

// LoadPartial reads a snapshot keeping at most resident node bodies in
// memory, preferring the most recently mutated ones. All other nodes
// are installed as placeholders and served by the returned NodeFile,
// which is attached to the store as its loader.
func LoadPartial(path string, store *graph.Store, resident int) (*NodeFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persist: open snapshot: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("persist: read snapshot: %w", err)
	}
	recs, hdr, err := decode(data)
	if err != nil {
		f.Close()
		return nil, err
	}

	byRecency := make([]int, len(recs))
	for i := range byRecency {
		byRecency[i] = i
	}
	sort.Slice(byRecency, func(a, b int) bool {
		return recs[byRecency[a]].node.Stamp() > recs[byRecency[b]].node.Stamp()
	})
	keep := make(map[graph.NodeID]bool, resident)
	for i := 0; i < resident && i < len(byRecency); i++ {
		keep[recs[byRecency[i]].node.ID] = true
	}

	store.Reserve(int(hdr.nodes))
	nf := &NodeFile{f: f, index: make(map[graph.NodeID]fileSpan, len(recs))}
	for _, r := range recs {
		nf.index[r.node.ID] = fileSpan{off: r.off, len: r.len}
		if keep[r.node.ID] {
			store.Install(r.node)
		} else {
			store.InstallPlaceholder(r.node.ID, r.node.Payload, r.node.Level, len(r.node.Edges))
		}
	}
	store.RestoreCounters(hdr.generation, hdr.tick, hdr.edges)
	store.SetLoader(nf)
	return nf, nil
}

type header struct {
	generation uint64
	tick       uint32
	edges      uint64
	nodes      uint64
}

type record struct {
	node *graph.Node
	off  uint64
	len  uint32
}

// decode validates the checksum and structure of a full snapshot image
// and returns every node record with its file span.
func decode(data []byte) ([]record, header, error) {
	var hdr header
	if len(data) < headerSize+trailerSize {
		return nil, hdr, fmt.Errorf("persist: %d byte file: %w", len(data), ErrCorrupt)
	}
	if string(data[:8]) != magic {
		return nil, hdr, ErrBadMagic
	}
	sum := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(data[:len(data)-4]) != sum {
		return nil, hdr, fmt.Errorf("persist: checksum mismatch: %w", ErrCorrupt)
	}

	hdr.generation = binary.LittleEndian.Uint64(data[8:])
	hdr.tick = binary.LittleEndian.Uint32(data[16:])
	hdr.edges = binary.LittleEndian.Uint64(data[20:])
	hdr.nodes = binary.LittleEndian.Uint64(data[28:])

	indexOff := binary.LittleEndian.Uint64(data[len(data)-trailerSize:])
	indexLen := uint64(len(data)-trailerSize) - indexOff
	if indexOff < headerSize || indexOff > uint64(len(data)-trailerSize) ||
		indexLen != hdr.nodes*indexEntrySize {
		return nil, hdr, fmt.Errorf("persist: index out of bounds: %w", ErrCorrupt)
	}

	recs := make([]record, 0, hdr.nodes)
	for i := uint64(0); i < hdr.nodes; i++ {
		entry := data[indexOff+i*indexEntrySize:]
		id := graph.NodeID(u48(entry))
		off := u48(entry[6:])
		length := binary.LittleEndian.Uint32(entry[12:])
		if off < headerSize || off+uint64(length) > indexOff {
			return nil, hdr, fmt.Errorf("persist: node %d span out of bounds: %w", id, ErrCorrupt)
		}
		r := &reader{b: data[off : off+uint64(length)]}
		n := decodeNode(r)
		if r.err != nil {
			return nil, hdr, fmt.Errorf("persist: node %d: %w", id, r.err)
		}
		if n.ID != id {
			return nil, hdr, fmt.Errorf("persist: node %d record claims id %d: %w", id, n.ID, ErrCorrupt)
		}
		recs = append(recs, record{node: n, off: off, len: length})
	}
	return recs, hdr, nil
}

func encodeNode(buf []byte, n *graph.Node) ([]byte, error) {
	// The record's degree field is 16-bit; writing more edges than it
	// can name would round-trip to a silently smaller node.
	if len(n.Edges) > math.MaxUint16 {
		return nil, fmt.Errorf("persist: node %d has %d edges, beyond the record limit of %d", n.ID, len(n.Edges), math.MaxUint16)
	}
	var fixed [nodeHeaderSize]byte
	putU48(fixed[0:], uint64(n.ID))
	binary.LittleEndian.PutUint16(fixed[6:], uint16(min(n.Level, math.MaxUint16)))
	putU48(fixed[8:], n.Stamp())
	binary.LittleEndian.PutUint16(fixed[14:], uint16(len(n.Edges)))
	binary.LittleEndian.PutUint16(fixed[16:], quantizeBias(n.Bias))
	buf = append(buf, fixed[:]...)

	buf = binary.AppendUvarint(buf, uint64(len(n.Payload)))
	buf = append(buf, n.Payload...)
	buf = binary.AppendUvarint(buf, n.Activations)
	buf = binary.AppendUvarint(buf, uint64(len(n.Ancestry)))
	for _, a := range n.Ancestry {
		var id [6]byte
		putU48(id[:], uint64(a))
		buf = append(buf, id[:]...)
	}

	var e [edgeRecordSize]byte
	for i := range n.Edges {
		edge := &n.Edges[i]
		putU48(e[0:], uint64(edge.Target))
		e[6] = edge.Weight
		e[7] = edge.Gate
		e[8] = edge.ContextLen
		copy(e[9:9+graph.FingerprintSize], edge.Context[:])
		hits := edge.Hits
		if hits > math.MaxUint16 {
			hits = math.MaxUint16
		}
		binary.LittleEndian.PutUint16(e[9+graph.FingerprintSize:], uint16(hits))
		binary.LittleEndian.PutUint32(e[11+graph.FingerprintSize:], edge.LastUsed)
		buf = append(buf, e[:]...)
	}
	return buf, nil
}

func decodeNode(r *reader) *graph.Node {
	fixed := r.bytes(nodeHeaderSize)
	if r.err != nil {
		return nil
	}
	n := &graph.Node{
		ID:    graph.NodeID(u48(fixed)),
		Level: uint32(binary.LittleEndian.Uint16(fixed[6:])),
		Bias:  dequantizeBias(binary.LittleEndian.Uint16(fixed[16:])),
	}
	n.SetStamp(u48(fixed[8:]))
	degree := int(binary.LittleEndian.Uint16(fixed[14:]))

	n.Payload = append([]byte(nil), r.bytes(int(r.uvarint()))...)
	n.Activations = r.uvarint()
	ancestors := int(r.uvarint())
	if r.err != nil {
		return nil
	}
	for i := 0; i < ancestors; i++ {
		n.Ancestry = append(n.Ancestry, graph.NodeID(u48(r.bytes(6))))
	}

	n.Edges = make([]graph.Edge, 0, degree)
	for i := 0; i < degree; i++ {
		raw := r.bytes(edgeRecordSize)
		if r.err != nil {
			return nil
		}
		e := graph.Edge{
			Target:     graph.NodeID(u48(raw)),
			Weight:     raw[6],
			Gate:       raw[7],
			ContextLen: raw[8],
			Hits:       uint32(binary.LittleEndian.Uint16(raw[9+graph.FingerprintSize:])),
			LastUsed:   binary.LittleEndian.Uint32(raw[11+graph.FingerprintSize:]),
		}
		copy(e.Context[:], raw[9:9+graph.FingerprintSize])
		e.CreatedAt = e.LastUsed
		n.Edges = append(n.Edges, e)
	}
	if r.err != nil {
		return nil
	}
	return n
}

// quantizeBias maps the stop bias in [0, 1) onto a byte pair; the
// resolution is far below the bias learning rate, so round-tripping
// never changes a stop decision.
func quantizeBias(b float64) uint16 {
	if b <= 0 {
		return 0
	}
	if b >= 1 {
		return math.MaxUint16
	}
	return uint16(math.Round(b * math.MaxUint16))
}

func dequantizeBias(q uint16) float64 {
	return float64(q) / math.MaxUint16
}

func putU48(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
}

func u48(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40
}

// countingWriter tracks the absolute file offset while writing.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// reader is a bounds-checked cursor over a record. The first failure
// sticks; callers check err once after a decode run.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = ErrCorrupt
		return nil
	}
	b := r.b[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b[r.off:])
	if n <= 0 {
		r.err = ErrCorrupt
		return 0
	}
	r.off += n
	return v
}
