package persistence

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/hivellm/vectorizer/internal/mmap"
	"github.com/hivellm/vectorizer/model"
)

// Warm sidecar file: raw vectors laid out slot-major next to the
// archive. Flush rewrites it; readers mmap it and hand out zero-copy
// slices, so a collection can serve dense reads without holding every
// vector on the heap after a cold start.

const (
	warmMagic   = 0x565A5256 // "VZRV"
	warmVersion = 1

	warmHeaderSize = 24
)

// WriteVectorFile writes the sidecar for the given slots. Unused and
// dead slots are zero-filled so slot arithmetic stays trivial.
func WriteVectorFile(path string, dimension int, vectors [][]float32) error {
	return saveToFile(path, func(w io.Writer) error {
		header := make([]byte, warmHeaderSize)
		binary.LittleEndian.PutUint32(header[0:], warmMagic)
		binary.LittleEndian.PutUint32(header[4:], warmVersion)
		binary.LittleEndian.PutUint64(header[8:], uint64(len(vectors)))
		binary.LittleEndian.PutUint32(header[16:], uint32(dimension))
		if _, err := w.Write(header); err != nil {
			return err
		}

		row := make([]byte, dimension*4)
		for _, vec := range vectors {
			for i := range row {
				row[i] = 0
			}
			for i, v := range vec {
				binary.LittleEndian.PutUint32(row[i*4:], math.Float32bits(v))
			}
			if _, err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	})
}

// VectorFile is a read-only mmap view over the warm sidecar.
type VectorFile struct {
	f         *mmap.File
	dimension int
	count     int
}

// OpenVectorFile maps the sidecar at path.
func OpenVectorFile(path string) (*VectorFile, error) {
	f, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	data := f.Bytes()
	if len(data) < warmHeaderSize {
		_ = f.Close()
		return nil, fmt.Errorf("persistence: vector file too short")
	}
	if binary.LittleEndian.Uint32(data[0:]) != warmMagic {
		_ = f.Close()
		return nil, ErrInvalidMagic
	}
	if binary.LittleEndian.Uint32(data[4:]) != warmVersion {
		_ = f.Close()
		return nil, ErrInvalidVersion
	}

	count := int(binary.LittleEndian.Uint64(data[8:]))
	dimension := int(binary.LittleEndian.Uint32(data[16:]))
	if want := warmHeaderSize + count*dimension*4; len(data) < want {
		_ = f.Close()
		return nil, fmt.Errorf("persistence: vector file truncated: %d bytes, want %d", len(data), want)
	}

	return &VectorFile{f: f, dimension: dimension, count: count}, nil
}

// Dimension returns the per-vector dimension.
func (v *VectorFile) Dimension() int { return v.dimension }

// Count returns the number of slots in the file.
func (v *VectorFile) Count() int { return v.count }

// At decodes the vector at slot. The returned slice is freshly
// allocated; the mapping itself is never handed out because float32
// reinterpretation of mmap bytes is alignment- and lifetime-unsafe
// across Close.
func (v *VectorFile) At(slot model.Slot) ([]float32, bool) {
	if int(slot) >= v.count {
		return nil, false
	}
	off := warmHeaderSize + int(slot)*v.dimension*4
	data := v.f.Bytes()[off : off+v.dimension*4]

	vec := make([]float32, v.dimension)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, true
}

// Close unmaps the file.
func (v *VectorFile) Close() error { return v.f.Close() }
