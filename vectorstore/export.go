package vectorstore

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hivellm/vectorizer/model"
)

// SlotEntry is the raw, slot-preserving view of one arena slot used by
// the archive codec. Payload bytes stay in their stored encoding so an
// archive roundtrip never recompresses.
type SlotEntry struct {
	InUse      bool
	Dead       bool
	ID         string
	Vector     []float32
	Code       []byte
	Sparse     *model.SparseVector
	Payload    []byte
	PayloadTag byte
}

// Export copies the arena slot by slot. Index structures keyed by slot
// stay valid across an Export/Import roundtrip.
func (s *Store) Export() []SlotEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]SlotEntry, len(s.ids))
	for i := range s.ids {
		if s.vectors[i] == nil {
			continue
		}
		entries[i] = SlotEntry{
			InUse:      true,
			Dead:       s.tombstones.Contains(uint32(i)),
			ID:         s.ids[i],
			Vector:     append([]float32(nil), s.vectors[i]...),
			Code:       append([]byte(nil), s.codes[i]...),
			Sparse:     s.sparse[i],
			Payload:    append([]byte(nil), s.payloads[i]...),
			PayloadTag: s.payloadTags[i],
		}
	}
	return entries
}

// Import replaces the arena with the exported slots. Unused slots
// become reusable free slots.
func (s *Store) Import(entries []SlotEntry) {
	n := len(entries)

	ids := make([]string, n)
	vectors := make([][]float32, n)
	codes := make([][]byte, n)
	sparse := make([]*model.SparseVector, n)
	payloads := make([][]byte, n)
	payloadTags := make([]byte, n)
	tombstones := roaring.New()
	var freeSlots []model.Slot
	idToSlot := make(map[string]model.Slot, n)

	for i, e := range entries {
		if !e.InUse {
			freeSlots = append(freeSlots, model.Slot(i))
			continue
		}
		ids[i] = e.ID
		vectors[i] = e.Vector
		codes[i] = e.Code
		sparse[i] = e.Sparse
		payloads[i] = e.Payload
		payloadTags[i] = e.PayloadTag
		if e.Dead {
			tombstones.Add(uint32(i))
		} else {
			idToSlot[e.ID] = model.Slot(i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = ids
	s.vectors = vectors
	s.codes = codes
	s.sparse = sparse
	s.payloads = payloads
	s.payloadTags = payloadTags
	s.tombstones = tombstones
	s.freeSlots = freeSlots
	s.idToSlot = idToSlot
}
