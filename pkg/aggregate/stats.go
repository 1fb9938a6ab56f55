// Package aggregate computes daily cohort benchmark aggregates from hourly
// telemetry points.
package aggregate

import (
	"errors"
	"math"
	"sort"
	"time"
)

// ErrNoValues indicates a statistics computation over an empty value set.
var ErrNoValues = errors.New("aggregate: no values")

// Stats holds the deterministic summary statistics for one aggregate group.
type Stats struct {
	P50    float64
	P75    float64
	P90    float64
	P95    float64
	P99    float64
	Mean   float64
	StdDev float64
}

// Compute returns summary statistics over the values. Percentiles use
// linear interpolation between ranks: index p*(n-1) split into floor/ceil
// neighbours weighted by the fractional part, which is reproducible across
// runs and platforms. StdDev is the population standard deviation.
func Compute(values []float64) (Stats, error) {
	if len(values) == 0 {
		return Stats{}, ErrNoValues
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	var sqDiff float64
	for _, v := range sorted {
		d := v - mean
		sqDiff += d * d
	}

	return Stats{
		P50:    percentile(sorted, 0.50),
		P75:    percentile(sorted, 0.75),
		P90:    percentile(sorted, 0.90),
		P95:    percentile(sorted, 0.95),
		P99:    percentile(sorted, 0.99),
		Mean:   mean,
		StdDev: math.Sqrt(sqDiff / float64(len(sorted))),
	}, nil
}

// percentile computes the p-th percentile of sorted values by linear
// interpolation between ranks.
func percentile(sorted []float64, p float64) float64 {
	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sorted[lower]
	}

	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Key is the uniqueness key of one aggregate row. Benchmark queries order
// by it and use it as an opaque keyset cursor position.
type Key struct {
	BucketDate   time.Time `json:"bucket_date"`
	CohortKey    string    `json:"cohort_key"`
	MetricFamily string    `json:"metric_family"`
	MetricKey    string    `json:"metric_key"`
}

// Aggregate is one daily benchmark row for a (date, cohort, metric) group.
// It never carries a tenant hash or any tenant-identifying value.
type Aggregate struct {
	BucketDate   time.Time // midnight UTC
	CohortKey    string
	MetricFamily string
	MetricKey    string
	Stats        Stats
	SampleSize   int // distinct contributing tenant hashes
	ComputedAt   time.Time
}
