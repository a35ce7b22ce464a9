// Package distance provides the distance functions backing the
// supported collection metrics, plus vector normalization helpers.
//
// All functions treat smaller distances as closer. Metric-specific
// score conversion for user-facing results lives in ScoreFromDistance.
package distance
