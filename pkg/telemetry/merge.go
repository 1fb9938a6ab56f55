package telemetry

import (
	"log/slog"
	"sort"
	"time"
)

// MergeRule defines how duplicate observations for one (hour, family, key)
// are combined.
type MergeRule string

const (
	// MergeSum adds duplicate values. Used for count-like families.
	MergeSum MergeRule = "sum"

	// MergeAvg averages duplicate values. Used for rate- and score-like
	// families where summing would inflate the measurement.
	MergeAvg MergeRule = "avg"
)

// mergeRules is the reviewed per-family merge table. Families absent from
// this table default to MergeSum; register rate-like families explicitly.
var mergeRules = map[MetricFamily]MergeRule{
	FamilyAlerts:    MergeSum,
	FamilyIncidents: MergeSum,
	FamilyQA:        MergeSum,
	FamilyRisk:      MergeAvg,
	FamilyPerf:      MergeAvg,
}

// RuleFor returns the merge rule for a metric family.
func RuleFor(family MetricFamily) MergeRule {
	if rule, ok := mergeRules[family]; ok {
		return rule
	}
	slog.Warn("telemetry: unknown metric family, defaulting to sum merge",
		"metric_family", string(family))
	return MergeSum
}

type mergeKey struct {
	bucketStart time.Time
	family      MetricFamily
	key         string
}

type mergeAcc struct {
	sum   float64
	count int
	unit  string
}

// MergeSamples buckets each sample to the top of its hour, drops samples
// outside the window, and merges duplicates per (hour, family, key)
// according to the family's merge rule. The result is ordered by bucket,
// family, then key so repeated runs produce identical output.
func MergeSamples(samples []Sample, window Window) []Sample {
	accs := make(map[mergeKey]*mergeAcc)
	for _, s := range samples {
		if !window.Contains(s.ObservedAt) {
			continue
		}
		k := mergeKey{
			bucketStart: TruncateHour(s.ObservedAt),
			family:      s.MetricFamily,
			key:         s.MetricKey,
		}
		acc, ok := accs[k]
		if !ok {
			acc = &mergeAcc{unit: s.Unit}
			accs[k] = acc
		}
		acc.sum += s.Value
		acc.count++
	}

	out := make([]Sample, 0, len(accs))
	for k, acc := range accs {
		value := acc.sum
		if RuleFor(k.family) == MergeAvg && acc.count > 0 {
			value = acc.sum / float64(acc.count)
		}
		out = append(out, Sample{
			MetricFamily: k.family,
			MetricKey:    k.key,
			Value:        value,
			Unit:         acc.unit,
			ObservedAt:   k.bucketStart,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.Before(out[j].ObservedAt)
		}
		if out[i].MetricFamily != out[j].MetricFamily {
			return out[i].MetricFamily < out[j].MetricFamily
		}
		return out[i].MetricKey < out[j].MetricKey
	})

	return out
}
