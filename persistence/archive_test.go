package persistence

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivellm/vectorizer/hnsw"
	"github.com/hivellm/vectorizer/model"
	"github.com/hivellm/vectorizer/vectorstore"
)

func testArchive() *Archive {
	cfg := model.DefaultCollectionConfig(4)
	cfg.SparseEnabled = true

	return &Archive{
		Name:      "docs",
		TenantID:  "tenant-a",
		Config:    cfg,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC),

		CodecState: []byte{1, 2, 3, 4},
		Slots: []vectorstore.SlotEntry{
			{
				InUse:  true,
				ID:     "a",
				Vector: []float32{1, 0, 0, 0},
				Code:   []byte{0xAA, 0xBB},
				Sparse: &model.SparseVector{
					Indices: []uint32{3, 17},
					Values:  []float32{0.5, 1.5},
				},
				Payload:    []byte(`{"title":"a"}`),
				PayloadTag: 0,
			},
			{InUse: true, Dead: true, ID: "b", Vector: []float32{0, 1, 0, 0}},
			{}, // free slot
		},
		Graph: &hnsw.GraphDump{
			HasEntry:   true,
			EntryPoint: 0,
			MaxLevel:   1,
			Nodes: []hnsw.NodeDump{
				{Slot: 0, Level: 1, Conns: [][]model.Slot{{1}, nil}},
				{Slot: 1, Level: 0, Conns: [][]model.Slot{{0}}},
			},
			Tombstones: []uint32{1},
		},
	}
}

func TestArchiveRoundtrip(t *testing.T) {
	want := testArchive()

	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, want))

	got, err := ReadArchive(&buf)
	require.NoError(t, err)

	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.TenantID, got.TenantID)
	assert.Equal(t, want.Config, got.Config)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, want.CodecState, got.CodecState)
	assert.Equal(t, want.Slots, got.Slots)
	assert.Equal(t, want.Graph, got.Graph)
}

func TestArchiveEmpty(t *testing.T) {
	want := &Archive{
		Name:   "empty",
		Config: model.DefaultCollectionConfig(8),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, want))

	got, err := ReadArchive(&buf)
	require.NoError(t, err)
	assert.Empty(t, got.Slots)
	assert.Nil(t, got.Graph)
}

func TestArchiveDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, testArchive()))

	data := buf.Bytes()
	// Flip a bit in the body, past the header.
	data[len(data)-3] ^= 0x01

	_, err := ReadArchive(bytes.NewReader(data))
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))
}

func TestArchiveDetectsTruncation(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, testArchive()))

	data := buf.Bytes()[:buf.Len()-10]
	_, err := ReadArchive(bytes.NewReader(data))
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))
}

func TestArchiveRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, testArchive()))

	data := buf.Bytes()
	data[0] ^= 0xFF

	_, err := ReadArchive(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrInvalidMagic)
	assert.True(t, IsCorrupt(err))
}
