package model

import (
	"fmt"
	"time"
)

// Slot is a dense, collection-local arena index for a record.
// It is transient and may change during compaction. Public callers
// address records by their string ID; slots are internal currency
// between the record store and the indexes.
type Slot uint32

// DistanceMetric selects the similarity function for a collection.
type DistanceMetric string

const (
	// DistanceCosine normalizes vectors at insert so dot product
	// substitutes for cosine at search time.
	DistanceCosine DistanceMetric = "cosine"
	// DistanceEuclidean uses squared L2 distance.
	DistanceEuclidean DistanceMetric = "euclidean"
	// DistanceDot uses negated dot product (higher dot = closer).
	DistanceDot DistanceMetric = "dot"
)

// Valid reports whether the metric is one of the supported values.
func (m DistanceMetric) Valid() bool {
	switch m {
	case DistanceCosine, DistanceEuclidean, DistanceDot:
		return true
	}
	return false
}

// QuantizationKind tags the quantization variant of a collection.
type QuantizationKind string

const (
	QuantizationNone    QuantizationKind = "none"
	QuantizationScalar  QuantizationKind = "scalar"
	QuantizationProduct QuantizationKind = "product"
	QuantizationBinary  QuantizationKind = "binary"
)

// QuantizationConfig is the tagged-union quantization selection made at
// collection creation. Only the fields for the selected Kind are read.
type QuantizationConfig struct {
	Kind QuantizationKind `yaml:"kind" json:"kind"`

	// Bits is the per-dimension width for scalar quantization (4, 8 or 16).
	Bits int `yaml:"bits,omitempty" json:"bits,omitempty"`

	// NumSubquantizers and NumCentroids configure product quantization.
	NumSubquantizers int `yaml:"n_subquantizers,omitempty" json:"n_subquantizers,omitempty"`
	NumCentroids     int `yaml:"n_centroids,omitempty" json:"n_centroids,omitempty"`
}

// HNSWConfig configures the dense index of a collection.
type HNSWConfig struct {
	// M is the number of bidirectional links created per node and layer.
	M int `yaml:"m" json:"m"`
	// EFConstruction is the candidate list size during insertion.
	EFConstruction int `yaml:"ef_construction" json:"ef_construction"`
	// EFSearch is the default candidate list size during search.
	EFSearch int `yaml:"ef_search" json:"ef_search"`
	// Seed, when non-nil, makes level generation deterministic.
	Seed *int64 `yaml:"seed,omitempty" json:"seed,omitempty"`
}

// DefaultHNSWConfig returns the construction defaults.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EFConstruction: 200, EFSearch: 100}
}

// CompressionConfig controls transparent payload compression in the
// record store.
type CompressionConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// ThresholdBytes is the minimum encoded payload size that triggers
	// compression.
	ThresholdBytes int `yaml:"threshold_bytes" json:"threshold_bytes"`
}

// DefaultCompressionConfig enables lz4 payload compression above 1 KiB.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{Enabled: true, ThresholdBytes: 1024}
}

// CollectionConfig is the immutable configuration of a collection.
type CollectionConfig struct {
	Dimension    int                `yaml:"dimension" json:"dimension"`
	Metric       DistanceMetric     `yaml:"metric" json:"metric"`
	HNSW         HNSWConfig         `yaml:"hnsw" json:"hnsw"`
	Quantization QuantizationConfig `yaml:"quantization" json:"quantization"`
	Compression  CompressionConfig  `yaml:"compression" json:"compression"`
	// SparseEnabled creates a sparse (BM25) index alongside the dense one.
	SparseEnabled bool `yaml:"sparse_enabled" json:"sparse_enabled"`
}

// DefaultCollectionConfig mirrors the defaults of the original engine:
// cosine metric and 8-bit scalar quantization.
func DefaultCollectionConfig(dimension int) CollectionConfig {
	return CollectionConfig{
		Dimension:     dimension,
		Metric:        DistanceCosine,
		HNSW:          DefaultHNSWConfig(),
		Quantization:  QuantizationConfig{Kind: QuantizationScalar, Bits: 8},
		Compression:   DefaultCompressionConfig(),
		SparseEnabled: true,
	}
}

// SparseVector is an (indices, values) pair for mostly-zero
// high-dimensional data. Indices must be unique and strictly ascending.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Validate checks the structural invariants of a sparse vector.
func (s *SparseVector) Validate() error {
	if len(s.Indices) != len(s.Values) {
		return fmt.Errorf("sparse vector: %d indices but %d values", len(s.Indices), len(s.Values))
	}
	for i := 1; i < len(s.Indices); i++ {
		if s.Indices[i] <= s.Indices[i-1] {
			return fmt.Errorf("sparse vector: indices not strictly ascending at position %d", i)
		}
	}
	return nil
}

// Record is a full vector record as stored in a collection.
type Record struct {
	ID      string         `json:"id"`
	Dense   []float32      `json:"dense"`
	Sparse  *SparseVector  `json:"sparse,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SearchResult is one entry of an ordered result list. Score semantics
// are metric-dependent for dense search, BM25 for sparse search and
// fusion-algorithm-dependent for hybrid search.
type SearchResult struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`

	// Materialized data, present when requested.
	Dense   []float32      `json:"dense,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// TenantContext is the per-request identity injected by the external
// authentication layer. The core only reads it; it never validates
// credentials.
type TenantContext struct {
	TenantID    string
	Permissions []string
}

// System is the zero TenantContext, used by single-tenant deployments.
// Collections created under it are invisible to named tenants and vice
// versa.
var System = TenantContext{}

// CollectionMeta is the descriptive state of a collection as reported
// by stats and persisted in the archive header.
type CollectionMeta struct {
	Name        string           `json:"name"`
	OwnerTenant string           `json:"owner_tenant,omitempty"`
	Config      CollectionConfig `json:"config"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	// VectorCount is the non-tombstoned record count. It is reconciled
	// lazily and exact only at compaction boundaries.
	VectorCount int `json:"vector_count"`
}

// SnapshotInfo describes an immutable snapshot of a collection.
type SnapshotInfo struct {
	Name       string    `json:"name"`
	Collection string    `json:"collection"`
	TenantID   string    `json:"tenant_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Path       string    `json:"path,omitempty"`
}
