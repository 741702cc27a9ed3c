//go:build !race

package integration

import "time"

// Latency budgets for the in-process evaluation path. The race-detector
// build relaxes these in perf_race_test.go.
var (
	perfP99Threshold = 5 * time.Millisecond
	perfP50Threshold = 1 * time.Millisecond
)
