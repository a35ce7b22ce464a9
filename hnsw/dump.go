package hnsw

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hivellm/vectorizer/model"
)

// NodeDump is the serialized form of a single graph node.
type NodeDump struct {
	Slot  model.Slot
	Level int
	Conns [][]model.Slot
}

// GraphDump is a point-in-time copy of the graph topology, suitable
// for archiving. Vectors are not included; they live in the record
// store.
type GraphDump struct {
	HasEntry   bool
	EntryPoint model.Slot
	MaxLevel   int
	Nodes      []NodeDump
	Tombstones []uint32
}

// Dump snapshots the graph. Concurrent inserts landing after the
// snapshot point are not included.
func (h *Index) Dump() *GraphDump {
	h.mu.RLock()
	dump := &GraphDump{
		HasEntry:   h.hasEntry,
		EntryPoint: h.entryPoint,
		MaxLevel:   h.maxLevel,
		Nodes:      make([]NodeDump, 0, len(h.nodes)),
	}
	nodes := make([]*node, 0, len(h.nodes))
	for _, n := range h.nodes {
		nodes = append(nodes, n)
	}
	h.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].slot < nodes[j].slot })

	for _, n := range nodes {
		n.mu.RLock()
		nd := NodeDump{Slot: n.slot, Level: n.level, Conns: make([][]model.Slot, len(n.conns))}
		for l, conns := range n.conns {
			nd.Conns[l] = append([]model.Slot(nil), conns...)
		}
		n.mu.RUnlock()
		dump.Nodes = append(dump.Nodes, nd)
	}

	h.tombMu.RLock()
	dump.Tombstones = h.tombstones.ToArray()
	h.tombMu.RUnlock()

	return dump
}

// Restore replaces the graph topology with the dumped one. The caller
// must guarantee the record store still holds vectors for every
// restored slot.
func (h *Index) Restore(dump *GraphDump) {
	nodes := make(map[model.Slot]*node, len(dump.Nodes))
	for _, nd := range dump.Nodes {
		n := &node{slot: nd.Slot, level: nd.Level, conns: make([][]model.Slot, len(nd.Conns))}
		for l, conns := range nd.Conns {
			n.conns[l] = append([]model.Slot(nil), conns...)
		}
		nodes[nd.Slot] = n
	}

	tombs := roaring.New()
	tombs.AddMany(dump.Tombstones)

	h.mu.Lock()
	h.nodes = nodes
	h.hasEntry = dump.HasEntry
	h.entryPoint = dump.EntryPoint
	h.maxLevel = dump.MaxLevel
	h.mu.Unlock()

	h.tombMu.Lock()
	h.tombstones = tombs
	h.tombMu.Unlock()
}
