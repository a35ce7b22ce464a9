package quantization

import (
	"errors"
	"fmt"

	"github.com/hivellm/vectorizer/model"
)

var (
	// ErrNotTrained is returned by Encode and Distance before Train has
	// been called on a codec that requires calibration.
	ErrNotTrained = errors.New("quantization: codec not trained")

	// ErrCodeSize is returned when a stored code does not match the
	// codec's expected size.
	ErrCodeSize = errors.New("quantization: unexpected code size")
)

// Quantizer is the uniform capability shared by all codec variants.
type Quantizer interface {
	// Kind identifies the codec variant.
	Kind() model.QuantizationKind

	// Encode quantizes a float32 vector into a compact code.
	Encode(v []float32) ([]byte, error)

	// Decode reconstructs an approximate vector from a code.
	Decode(code []byte) ([]float32, error)

	// Distance computes the metric-consistent distance between a raw
	// query and a stored code without materializing the decoded vector.
	Distance(query []float32, code []byte) (float32, error)

	// Train calibrates the codec on sample vectors.
	Train(vectors [][]float32) error

	// Trained reports whether the codec accepts Encode calls.
	Trained() bool

	// CodeSize returns the encoded size in bytes.
	CodeSize() int

	// MarshalBinary serializes the codec state for the archive.
	MarshalBinary() ([]byte, error)

	// UnmarshalBinary restores codec state from the archive.
	UnmarshalBinary(data []byte) error
}

// FromConfig constructs the codec selected by cfg for the given
// dimension and metric. A Kind of "none" yields a nil Quantizer.
func FromConfig(cfg model.QuantizationConfig, dimension int, metric model.DistanceMetric) (Quantizer, error) {
	switch cfg.Kind {
	case model.QuantizationNone, "":
		return nil, nil
	case model.QuantizationScalar:
		return NewScalarQuantizer(dimension, cfg.Bits, metric)
	case model.QuantizationProduct:
		return NewProductQuantizer(dimension, cfg.NumSubquantizers, cfg.NumCentroids, metric)
	case model.QuantizationBinary:
		return NewBinaryQuantizer(dimension), nil
	default:
		return nil, fmt.Errorf("quantization: unknown kind %q", cfg.Kind)
	}
}
