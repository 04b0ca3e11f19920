package vstore

import "github.com/xDarkicex/proximum/internal/util"

// ResolveDistance maps a configured metric name to its SIMD-accelerated
// implementation, for callers building Options without importing util
// directly.
func ResolveDistance(metric util.DistanceMetric) (util.DistanceFunc, error) {
	return util.GetDistanceFunc(metric)
}
