// Package vectorstore is the ground-truth record store of a collection.
//
// Records live in an arena of slots addressed by dense integer indexes.
// Indexes reference records through slots, never pointers, so removal
// cannot dangle: deletion tombstones the slot and compaction reclaims
// it. Payloads above the configured threshold are stored
// lz4-compressed.
package vectorstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/hivellm/vectorizer/model"
)

const (
	payloadRaw byte = 0
	payloadLZ4 byte = 1
)

var (
	// ErrDuplicateID is returned when inserting an id that is already live.
	ErrDuplicateID = errors.New("vectorstore: id already exists")
	// ErrDimension is returned when a vector does not match the store's
	// dimension.
	ErrDimension = errors.New("vectorstore: dimension mismatch")
	// ErrRecordNotFound is returned when an id is absent or tombstoned.
	ErrRecordNotFound = errors.New("vectorstore: record not found")
)

// Store is a concurrency-safe arena of vector records.
type Store struct {
	mu sync.RWMutex

	dimension   int
	compression model.CompressionConfig

	ids         []string
	vectors     [][]float32
	codes       [][]byte
	sparse      []*model.SparseVector
	payloads    [][]byte
	payloadTags []byte

	tombstones *roaring.Bitmap
	freeSlots  []model.Slot
	idToSlot   map[string]model.Slot
}

// New creates an empty store for vectors of the given dimension.
func New(dimension int, compression model.CompressionConfig) *Store {
	return &Store{
		dimension:   dimension,
		compression: compression,
		tombstones:  roaring.New(),
		idToSlot:    make(map[string]model.Slot),
	}
}

// Dimension returns the configured vector dimension.
func (s *Store) Dimension() int { return s.dimension }

// Insert stores a record and returns its slot. The dense vector is
// stored as given (callers normalize beforehand when the metric
// requires it). Inserting an id that is already live fails.
func (s *Store) Insert(rec *model.Record) (model.Slot, error) {
	if len(rec.Dense) != s.dimension {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(rec.Dense), s.dimension)
	}

	payload, tag, err := s.encodePayload(rec.Payload)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.idToSlot[rec.ID]; ok {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateID, rec.ID)
	}

	vec := make([]float32, len(rec.Dense))
	copy(vec, rec.Dense)

	var slot model.Slot
	if n := len(s.freeSlots); n > 0 {
		slot = s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		s.ids[slot] = rec.ID
		s.vectors[slot] = vec
		s.codes[slot] = nil
		s.sparse[slot] = rec.Sparse
		s.payloads[slot] = payload
		s.payloadTags[slot] = tag
		s.tombstones.Remove(uint32(slot))
	} else {
		slot = model.Slot(len(s.ids))
		s.ids = append(s.ids, rec.ID)
		s.vectors = append(s.vectors, vec)
		s.codes = append(s.codes, nil)
		s.sparse = append(s.sparse, rec.Sparse)
		s.payloads = append(s.payloads, payload)
		s.payloadTags = append(s.payloadTags, tag)
	}

	s.idToSlot[rec.ID] = slot
	return slot, nil
}

// Delete tombstones the record. It reports whether the id was live.
// Deleting an absent or already-deleted id is a no-op.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.idToSlot[id]
	if !ok {
		return false
	}

	delete(s.idToSlot, id)
	s.tombstones.Add(uint32(slot))
	return true
}

// SlotForID resolves a live id to its slot.
func (s *Store) SlotForID(id string) (model.Slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.idToSlot[id]
	return slot, ok
}

// IDForSlot resolves a slot to its id. Tombstoned slots still resolve
// until compaction so in-flight searches can be mapped.
func (s *Store) IDForSlot(slot model.Slot) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(slot) >= len(s.ids) {
		return "", false
	}
	return s.ids[slot], true
}

// Vector returns the dense vector stored at slot.
func (s *Store) Vector(slot model.Slot) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(slot) >= len(s.vectors) || s.vectors[slot] == nil {
		return nil, false
	}
	return s.vectors[slot], true
}

// SetCode attaches a quantized code to the slot.
func (s *Store) SetCode(slot model.Slot, code []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(slot) < len(s.codes) {
		s.codes[slot] = code
	}
}

// Code returns the quantized code stored at slot, if any.
func (s *Store) Code(slot model.Slot) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(slot) >= len(s.codes) || s.codes[slot] == nil {
		return nil, false
	}
	return s.codes[slot], true
}

// Tombstoned reports whether the slot is logically deleted.
func (s *Store) Tombstoned(slot model.Slot) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tombstones.Contains(uint32(slot))
}

// Get materializes the live record with the given id.
func (s *Store) Get(id string) (*model.Record, bool) {
	s.mu.RLock()
	slot, ok := s.idToSlot[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.GetBySlot(slot)
}

// GetBySlot materializes the record at slot, tombstoned or not.
func (s *Store) GetBySlot(slot model.Slot) (*model.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(slot) >= len(s.ids) || s.vectors[slot] == nil {
		return nil, false
	}

	payload, err := s.decodePayload(s.payloads[slot], s.payloadTags[slot])
	if err != nil {
		return nil, false
	}

	vec := make([]float32, len(s.vectors[slot]))
	copy(vec, s.vectors[slot])

	return &model.Record{
		ID:      s.ids[slot],
		Dense:   vec,
		Sparse:  s.sparse[slot],
		Payload: payload,
	}, true
}

// UpdatePayload replaces the payload of a live record in place.
// Payload-only edits do not touch the indexes.
func (s *Store) UpdatePayload(id string, payload map[string]any) error {
	encoded, tag, err := s.encodePayload(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.idToSlot[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrRecordNotFound, id)
	}
	s.payloads[slot] = encoded
	s.payloadTags[slot] = tag
	return nil
}

// Count returns the number of live (non-tombstoned) records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idToSlot)
}

// SlotCapacity returns the arena size including tombstoned slots.
func (s *Store) SlotCapacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// TombstoneRatio returns tombstoned/total slots, the compaction
// trigger input. An empty arena has ratio 0.
func (s *Store) TombstoneRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ids) == 0 {
		return 0
	}
	return float64(s.tombstones.GetCardinality()) / float64(len(s.ids))
}

// IterateLive calls fn for every live record in slot order. fn must not
// mutate the store. Iteration stops when fn returns false.
func (s *Store) IterateLive(fn func(slot model.Slot, id string, vector []float32, sparse *model.SparseVector) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.ids {
		slot := model.Slot(i)
		if s.vectors[i] == nil || s.tombstones.Contains(uint32(i)) {
			continue
		}
		if !fn(slot, s.ids[i], s.vectors[i], s.sparse[i]) {
			return
		}
	}
}

// PayloadBySlot returns the decoded payload at slot.
func (s *Store) PayloadBySlot(slot model.Slot) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(slot) >= len(s.payloads) {
		return nil, fmt.Errorf("vectorstore: slot %d out of range", slot)
	}
	return s.decodePayload(s.payloads[slot], s.payloadTags[slot])
}

func (s *Store) encodePayload(payload map[string]any) ([]byte, byte, error) {
	if len(payload) == 0 {
		return nil, payloadRaw, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("vectorstore: encode payload: %w", err)
	}

	if !s.compression.Enabled || len(raw) < s.compression.ThresholdBytes {
		return raw, payloadRaw, nil
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, 0, fmt.Errorf("vectorstore: compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("vectorstore: compress payload: %w", err)
	}

	// Keep the raw form when compression does not pay off.
	if buf.Len() >= len(raw) {
		return raw, payloadRaw, nil
	}
	return buf.Bytes(), payloadLZ4, nil
}

func (s *Store) decodePayload(data []byte, tag byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	raw := data
	if tag == payloadLZ4 {
		zr := lz4.NewReader(bytes.NewReader(data))
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: decompress payload: %w", err)
		}
		raw = decompressed
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("vectorstore: decode payload: %w", err)
	}
	return payload, nil
}
