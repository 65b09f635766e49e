// Package bench provides the put-latency benchmarking harness used to
// compare the engine's two durability fidelities, in the style of the
// teacher's own bench package: HdrHistogram-backed latency recording
// with a human-readable percentile distribution dump.
package bench

import (
	"github.com/HdrHistogram/hdrhistogram-go"
	hdrwriter "github.com/benmathews/hdrhistogram-writer"
)

// DefaultPercentiles mirrors the percentile ladder the teacher's own
// benchmarking tooling reports.
var DefaultPercentiles = []float64{50, 75, 90, 99, 99.9, 99.99, 100}

// WriteDistribution dumps hist's percentile distribution to path,
// scaled from microseconds to milliseconds, for later comparison
// across runs.
func WriteDistribution(hist *hdrhistogram.Histogram, path string) error {
	return hdrwriter.WriteDistributionFile(hist, DefaultPercentiles, 1000.0, path)
}
