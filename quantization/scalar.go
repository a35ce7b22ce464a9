package quantization

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hivellm/vectorizer/model"
)

// ScalarQuantizer maps each dimension onto a per-dimension [min, max]
// range using 4, 8 or 16 bits. It is usable immediately with a default
// [-1, 1] range; Train tightens the ranges to the observed data.
type ScalarQuantizer struct {
	dimension int
	bits      int
	metric    model.DistanceMetric
	mins      []float32
	maxs      []float32
}

// NewScalarQuantizer creates a scalar quantizer. bits must be 4, 8 or 16.
func NewScalarQuantizer(dimension, bits int, metric model.DistanceMetric) (*ScalarQuantizer, error) {
	switch bits {
	case 4, 8, 16:
	default:
		return nil, fmt.Errorf("quantization: scalar bits must be 4, 8 or 16, got %d", bits)
	}

	sq := &ScalarQuantizer{
		dimension: dimension,
		bits:      bits,
		metric:    metric,
		mins:      make([]float32, dimension),
		maxs:      make([]float32, dimension),
	}
	for i := 0; i < dimension; i++ {
		sq.mins[i] = -1
		sq.maxs[i] = 1
	}
	return sq, nil
}

func (sq *ScalarQuantizer) Kind() model.QuantizationKind { return model.QuantizationScalar }

// Trained always returns true: the default range makes the codec usable
// without calibration.
func (sq *ScalarQuantizer) Trained() bool { return true }

// Train recomputes per-dimension ranges from the sample.
func (sq *ScalarQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("quantization: no training vectors")
	}
	for i := 0; i < sq.dimension; i++ {
		sq.mins[i] = math.MaxFloat32
		sq.maxs[i] = -math.MaxFloat32
	}
	for _, v := range vectors {
		if len(v) != sq.dimension {
			return fmt.Errorf("quantization: training vector has dimension %d, want %d", len(v), sq.dimension)
		}
		for i, x := range v {
			if x < sq.mins[i] {
				sq.mins[i] = x
			}
			if x > sq.maxs[i] {
				sq.maxs[i] = x
			}
		}
	}
	// Degenerate dimensions get a unit range so the scale stays finite.
	for i := 0; i < sq.dimension; i++ {
		if sq.mins[i] == sq.maxs[i] {
			sq.maxs[i] = sq.mins[i] + 1
		}
	}
	return nil
}

func (sq *ScalarQuantizer) levels() float32 {
	return float32(uint32(1)<<sq.bits) - 1
}

// CodeSize returns the encoded size in bytes.
func (sq *ScalarQuantizer) CodeSize() int {
	switch sq.bits {
	case 4:
		return (sq.dimension + 1) / 2
	case 8:
		return sq.dimension
	default:
		return sq.dimension * 2
	}
}

// Encode quantizes v. The vector length must match the dimension.
func (sq *ScalarQuantizer) Encode(v []float32) ([]byte, error) {
	if len(v) != sq.dimension {
		return nil, fmt.Errorf("quantization: vector dimension %d, want %d", len(v), sq.dimension)
	}

	levels := sq.levels()
	code := make([]byte, sq.CodeSize())
	for i, x := range v {
		lo, hi := sq.mins[i], sq.maxs[i]
		if x < lo {
			x = lo
		} else if x > hi {
			x = hi
		}
		q := uint32((x-lo)/(hi-lo)*levels + 0.5)
		switch sq.bits {
		case 4:
			if i%2 == 0 {
				code[i/2] |= byte(q)
			} else {
				code[i/2] |= byte(q) << 4
			}
		case 8:
			code[i] = byte(q)
		default:
			binary.LittleEndian.PutUint16(code[i*2:], uint16(q))
		}
	}
	return code, nil
}

// level extracts the quantized level of dimension i from code.
func (sq *ScalarQuantizer) level(code []byte, i int) float32 {
	switch sq.bits {
	case 4:
		b := code[i/2]
		if i%2 == 0 {
			return float32(b & 0x0f)
		}
		return float32(b >> 4)
	case 8:
		return float32(code[i])
	default:
		return float32(binary.LittleEndian.Uint16(code[i*2:]))
	}
}

// Decode reconstructs the approximate vector.
func (sq *ScalarQuantizer) Decode(code []byte) ([]float32, error) {
	if len(code) != sq.CodeSize() {
		return nil, ErrCodeSize
	}
	levels := sq.levels()
	out := make([]float32, sq.dimension)
	for i := range out {
		out[i] = sq.mins[i] + sq.level(code, i)/levels*(sq.maxs[i]-sq.mins[i])
	}
	return out, nil
}

// Distance computes the metric-consistent distance between query and a
// stored code, reconstructing dimensions on the fly without allocating.
func (sq *ScalarQuantizer) Distance(query []float32, code []byte) (float32, error) {
	if len(query) != sq.dimension {
		return 0, fmt.Errorf("quantization: query dimension %d, want %d", len(query), sq.dimension)
	}
	if len(code) != sq.CodeSize() {
		return 0, ErrCodeSize
	}

	levels := sq.levels()
	var dot, l2 float32
	for i, q := range query {
		x := sq.mins[i] + sq.level(code, i)/levels*(sq.maxs[i]-sq.mins[i])
		dot += q * x
		d := q - x
		l2 += d * d
	}

	if sq.metric == model.DistanceEuclidean {
		return l2, nil
	}
	// Cosine (normalized at insert) and dot both order by descending dot.
	if sq.metric == model.DistanceCosine {
		return 1 - dot, nil
	}
	return -dot, nil
}

// MarshalBinary serializes bits and per-dimension ranges.
func (sq *ScalarQuantizer) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8+8*sq.dimension)
	binary.LittleEndian.PutUint32(buf[0:], uint32(sq.bits))
	binary.LittleEndian.PutUint32(buf[4:], uint32(sq.dimension))
	off := 8
	for i := 0; i < sq.dimension; i++ {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(sq.mins[i]))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(sq.maxs[i]))
		off += 8
	}
	return buf, nil
}

// UnmarshalBinary restores bits and ranges.
func (sq *ScalarQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return ErrCodeSize
	}
	sq.bits = int(binary.LittleEndian.Uint32(data[0:]))
	sq.dimension = int(binary.LittleEndian.Uint32(data[4:]))
	if len(data) != 8+8*sq.dimension {
		return ErrCodeSize
	}
	sq.mins = make([]float32, sq.dimension)
	sq.maxs = make([]float32, sq.dimension)
	off := 8
	for i := 0; i < sq.dimension; i++ {
		sq.mins[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		sq.maxs[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4:]))
		off += 8
	}
	return nil
}
