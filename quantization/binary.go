package quantization

import (
	"encoding/binary"
	"math/bits"

	"github.com/hivellm/vectorizer/model"
)

// BinaryQuantizer stores one sign bit per dimension, packed into
// uint64 words. Distance is the Hamming distance between the sign
// patterns, a fast proxy for cosine distance. No training is required.
type BinaryQuantizer struct {
	dimension int
}

// NewBinaryQuantizer creates a binary quantizer for the dimension.
func NewBinaryQuantizer(dimension int) *BinaryQuantizer {
	return &BinaryQuantizer{dimension: dimension}
}

func (bq *BinaryQuantizer) Kind() model.QuantizationKind { return model.QuantizationBinary }

func (bq *BinaryQuantizer) Trained() bool { return true }

// Train is a no-op: sign quantization needs no calibration.
func (bq *BinaryQuantizer) Train([][]float32) error { return nil }

// CodeSize returns the packed size: one uint64 word per 64 dimensions.
func (bq *BinaryQuantizer) CodeSize() int {
	return ((bq.dimension + 63) / 64) * 8
}

// Encode packs the sign of each dimension into bits.
func (bq *BinaryQuantizer) Encode(v []float32) ([]byte, error) {
	if len(v) != bq.dimension {
		return nil, ErrCodeSize
	}
	code := make([]byte, bq.CodeSize())
	for i, x := range v {
		if x >= 0 {
			code[i/8] |= 1 << (i % 8)
		}
	}
	return code, nil
}

// Decode reconstructs a crude ±1 vector from the sign bits.
func (bq *BinaryQuantizer) Decode(code []byte) ([]float32, error) {
	if len(code) != bq.CodeSize() {
		return nil, ErrCodeSize
	}
	out := make([]float32, bq.dimension)
	for i := range out {
		if code[i/8]&(1<<(i%8)) != 0 {
			out[i] = 1
		} else {
			out[i] = -1
		}
	}
	return out, nil
}

// Distance encodes the query's signs on the fly and returns the
// Hamming distance to the stored code.
func (bq *BinaryQuantizer) Distance(query []float32, code []byte) (float32, error) {
	if len(query) != bq.dimension {
		return 0, ErrCodeSize
	}
	if len(code) != bq.CodeSize() {
		return 0, ErrCodeSize
	}

	var dist int
	var word, qword uint64
	for i := 0; i < bq.dimension; i += 64 {
		qword = 0
		end := i + 64
		if end > bq.dimension {
			end = bq.dimension
		}
		for j := i; j < end; j++ {
			if query[j] >= 0 {
				qword |= 1 << (j - i)
			}
		}
		word = binary.LittleEndian.Uint64(code[i/8:])
		dist += bits.OnesCount64(word ^ qword)
	}
	return float32(dist), nil
}

// MarshalBinary serializes the dimension.
func (bq *BinaryQuantizer) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(bq.dimension))
	return buf, nil
}

// UnmarshalBinary restores the dimension.
func (bq *BinaryQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return ErrCodeSize
	}
	bq.dimension = int(binary.LittleEndian.Uint32(data))
	return nil
}
