// Package quantization provides lossy vector compression trading
// precision for memory.
//
// Three codec families are supported, selected per collection at
// creation time:
//
//   - Scalar: each dimension mapped onto a per-dimension range using
//     4, 8 or 16 bits.
//   - Product: the vector split into subvectors, each replaced by the
//     id of its nearest trained centroid.
//   - Binary: one sign bit per dimension, compared with Hamming
//     distance as a cosine proxy.
//
// A codec never changes record identity; it only changes the
// representation the dense index's distance function consults.
package quantization
