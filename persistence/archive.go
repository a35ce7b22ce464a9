package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/hivellm/vectorizer/hnsw"
	"github.com/hivellm/vectorizer/model"
	"github.com/hivellm/vectorizer/vectorstore"
)

// slot entry flags
const (
	slotInUse = 1 << 0
	slotDead  = 1 << 1
)

// archiveMeta is the JSON-encoded descriptive section of an archive.
// JSON keeps it tolerant of config fields added in later versions.
type archiveMeta struct {
	Name      string                 `json:"name"`
	TenantID  string                 `json:"tenant_id"`
	Config    model.CollectionConfig `json:"config"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Archive is the complete persistent state of one collection.
type Archive struct {
	Name      string
	TenantID  string
	Config    model.CollectionConfig
	CreatedAt time.Time
	UpdatedAt time.Time

	// CodecState is the quantizer's marshaled training state, empty
	// when the collection stores raw vectors only.
	CodecState []byte

	// Slots is the slot-preserving dump of the record arena.
	Slots []vectorstore.SlotEntry

	// Graph is the dense index topology, nil when the collection was
	// never written to.
	Graph *hnsw.GraphDump
}

// WriteArchive serializes the archive to w: header, then the
// zstd-compressed body. The body is staged in memory so the header can
// carry its length and checksum.
func WriteArchive(w io.Writer, a *Archive) error {
	var body bytes.Buffer
	cw := newChecksumWriter(&body)

	zw, err := zstd.NewWriter(cw)
	if err != nil {
		return fmt.Errorf("persistence: create compressor: %w", err)
	}
	if err := encodeBody(zw, a); err != nil {
		_ = zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("persistence: compress body: %w", err)
	}

	header := FileHeader{
		Magic:    MagicNumber,
		Version:  FormatVersion,
		BodyLen:  uint64(body.Len()),
		Checksum: cw.Sum(),
	}
	enc := newEncoder(w)
	enc.Uint32(header.Magic)
	enc.Uint32(header.Version)
	enc.Uint64(header.BodyLen)
	enc.Uint32(header.Checksum)
	enc.write(header.Reserved[:])
	if err := enc.Err(); err != nil {
		return err
	}

	_, err = w.Write(body.Bytes())
	return err
}

// ReadArchive deserializes an archive from r, verifying magic, version
// and body checksum before decoding. Failures are reported through
// errors that satisfy IsCorrupt when the file is damaged.
func ReadArchive(r io.Reader) (*Archive, error) {
	dec := newDecoder(r)
	header := FileHeader{
		Magic:    dec.Uint32(),
		Version:  dec.Uint32(),
		BodyLen:  dec.Uint64(),
		Checksum: dec.Uint32(),
	}
	dec.read(header.Reserved[:])
	if err := dec.Err(); err != nil {
		return nil, err
	}

	if header.Magic != MagicNumber {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, header.Magic)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidVersion, header.Version)
	}

	body := make([]byte, header.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if sum := checksum(body); sum != header.Checksum {
		return nil, &ChecksumMismatchError{Expected: header.Checksum, Actual: sum}
	}

	zr, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("persistence: open compressed body: %w", err)
	}
	defer zr.Close()

	return decodeBody(zr)
}

func encodeBody(w io.Writer, a *Archive) error {
	meta, err := json.Marshal(archiveMeta{
		Name:      a.Name,
		TenantID:  a.TenantID,
		Config:    a.Config,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("persistence: marshal meta: %w", err)
	}

	enc := newEncoder(w)
	enc.Bytes(meta)
	enc.Bytes(a.CodecState)

	enc.Uint32(uint32(len(a.Slots)))
	for i := range a.Slots {
		encodeSlot(enc, &a.Slots[i])
	}

	encodeGraph(enc, a.Graph)
	return enc.Err()
}

func encodeSlot(enc *encoder, s *vectorstore.SlotEntry) {
	var flags uint8
	if s.InUse {
		flags |= slotInUse
	}
	if s.Dead {
		flags |= slotDead
	}
	enc.Uint8(flags)
	if !s.InUse {
		return
	}

	enc.String(s.ID)
	enc.Float32Slice(s.Vector)
	enc.Bytes(s.Code)

	if s.Sparse != nil {
		enc.Bool(true)
		enc.Uint32Slice(s.Sparse.Indices)
		enc.Float32Slice(s.Sparse.Values)
	} else {
		enc.Bool(false)
	}

	enc.Bytes(s.Payload)
	enc.Uint8(s.PayloadTag)
}

func encodeGraph(enc *encoder, g *hnsw.GraphDump) {
	if g == nil {
		enc.Bool(false)
		return
	}
	enc.Bool(true)
	enc.Bool(g.HasEntry)
	enc.Uint32(uint32(g.EntryPoint))
	enc.Uint32(uint32(g.MaxLevel))

	enc.Uint32(uint32(len(g.Nodes)))
	for _, n := range g.Nodes {
		enc.Uint32(uint32(n.Slot))
		enc.Uint32(uint32(n.Level))
		enc.Uint32(uint32(len(n.Conns)))
		for _, conns := range n.Conns {
			slots := make([]uint32, len(conns))
			for i, c := range conns {
				slots[i] = uint32(c)
			}
			enc.Uint32Slice(slots)
		}
	}

	enc.Uint32Slice(g.Tombstones)
}

func decodeBody(r io.Reader) (*Archive, error) {
	dec := newDecoder(r)

	metaBytes := dec.Bytes()
	if err := dec.Err(); err != nil {
		return nil, err
	}
	var meta archiveMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal meta: %w", err)
	}

	a := &Archive{
		Name:       meta.Name,
		TenantID:   meta.TenantID,
		Config:     meta.Config,
		CreatedAt:  meta.CreatedAt,
		UpdatedAt:  meta.UpdatedAt,
		CodecState: dec.Bytes(),
	}

	numSlots := dec.sliceLen()
	a.Slots = make([]vectorstore.SlotEntry, numSlots)
	for i := 0; i < numSlots; i++ {
		decodeSlot(dec, &a.Slots[i])
		if err := dec.Err(); err != nil {
			return nil, err
		}
	}

	a.Graph = decodeGraph(dec)
	if err := dec.Err(); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeSlot(dec *decoder, s *vectorstore.SlotEntry) {
	flags := dec.Uint8()
	s.InUse = flags&slotInUse != 0
	s.Dead = flags&slotDead != 0
	if !s.InUse {
		return
	}

	s.ID = dec.String()
	s.Vector = dec.Float32Slice()
	s.Code = dec.Bytes()

	if dec.Bool() {
		s.Sparse = &model.SparseVector{
			Indices: dec.Uint32Slice(),
			Values:  dec.Float32Slice(),
		}
	}

	s.Payload = dec.Bytes()
	s.PayloadTag = dec.Uint8()
}

func decodeGraph(dec *decoder) *hnsw.GraphDump {
	if !dec.Bool() {
		return nil
	}

	g := &hnsw.GraphDump{
		HasEntry:   dec.Bool(),
		EntryPoint: model.Slot(dec.Uint32()),
		MaxLevel:   int(dec.Uint32()),
	}

	numNodes := dec.sliceLen()
	g.Nodes = make([]hnsw.NodeDump, 0, numNodes)
	for i := 0; i < numNodes; i++ {
		n := hnsw.NodeDump{
			Slot:  model.Slot(dec.Uint32()),
			Level: int(dec.Uint32()),
		}
		numLayers := dec.sliceLen()
		n.Conns = make([][]model.Slot, numLayers)
		for l := 0; l < numLayers; l++ {
			slots := dec.Uint32Slice()
			conns := make([]model.Slot, len(slots))
			for j, s := range slots {
				conns[j] = model.Slot(s)
			}
			n.Conns[l] = conns
		}
		if dec.Err() != nil {
			return nil
		}
		g.Nodes = append(g.Nodes, n)
	}

	g.Tombstones = dec.Uint32Slice()
	return g
}
