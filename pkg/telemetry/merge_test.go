package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var hourStart = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func window(hours int) Window {
	return Window{Start: hourStart, End: hourStart.Add(time.Duration(hours) * time.Hour)}
}

func TestRuleFor_CountFamiliesSum(t *testing.T) {
	assert.Equal(t, MergeSum, RuleFor(FamilyAlerts))
	assert.Equal(t, MergeSum, RuleFor(FamilyIncidents))
	assert.Equal(t, MergeSum, RuleFor(FamilyQA))
}

func TestRuleFor_RateFamiliesAverage(t *testing.T) {
	assert.Equal(t, MergeAvg, RuleFor(FamilyRisk))
	assert.Equal(t, MergeAvg, RuleFor(FamilyPerf))
}

func TestRuleFor_UnknownFamilyDefaultsToSum(t *testing.T) {
	assert.Equal(t, MergeSum, RuleFor(MetricFamily("deploys")))
}

func TestMergeSamples_CountsSum(t *testing.T) {
	samples := []Sample{
		{MetricFamily: FamilyAlerts, MetricKey: KeyAlertsTotal, Value: 3, ObservedAt: hourStart.Add(5 * time.Minute)},
		{MetricFamily: FamilyAlerts, MetricKey: KeyAlertsTotal, Value: 7, ObservedAt: hourStart.Add(40 * time.Minute)},
	}

	merged := MergeSamples(samples, window(1))
	assert.Len(t, merged, 1)
	assert.Equal(t, 10.0, merged[0].Value)
	assert.Equal(t, hourStart, merged[0].ObservedAt)
}

func TestMergeSamples_RatesAverage(t *testing.T) {
	samples := []Sample{
		{MetricFamily: FamilyPerf, MetricKey: KeyPerfP95MS, Value: 100, Unit: "ms", ObservedAt: hourStart.Add(time.Minute)},
		{MetricFamily: FamilyPerf, MetricKey: KeyPerfP95MS, Value: 300, Unit: "ms", ObservedAt: hourStart.Add(2 * time.Minute)},
	}

	merged := MergeSamples(samples, window(1))
	assert.Len(t, merged, 1)
	assert.Equal(t, 200.0, merged[0].Value)
	assert.Equal(t, "ms", merged[0].Unit)
}

func TestMergeSamples_SeparateHoursStaySeparate(t *testing.T) {
	samples := []Sample{
		{MetricFamily: FamilyAlerts, MetricKey: KeyAlertsTotal, Value: 1, ObservedAt: hourStart.Add(10 * time.Minute)},
		{MetricFamily: FamilyAlerts, MetricKey: KeyAlertsTotal, Value: 2, ObservedAt: hourStart.Add(70 * time.Minute)},
	}

	merged := MergeSamples(samples, window(2))
	assert.Len(t, merged, 2)
	assert.Equal(t, 1.0, merged[0].Value)
	assert.Equal(t, hourStart, merged[0].ObservedAt)
	assert.Equal(t, 2.0, merged[1].Value)
	assert.Equal(t, hourStart.Add(time.Hour), merged[1].ObservedAt)
}

func TestMergeSamples_DropsSamplesOutsideWindow(t *testing.T) {
	samples := []Sample{
		{MetricFamily: FamilyAlerts, MetricKey: KeyAlertsTotal, Value: 1, ObservedAt: hourStart.Add(-time.Minute)},
		{MetricFamily: FamilyAlerts, MetricKey: KeyAlertsTotal, Value: 2, ObservedAt: hourStart},
		{MetricFamily: FamilyAlerts, MetricKey: KeyAlertsTotal, Value: 4, ObservedAt: hourStart.Add(time.Hour)},
	}

	merged := MergeSamples(samples, window(1))
	assert.Len(t, merged, 1)
	assert.Equal(t, 2.0, merged[0].Value)
}

func TestMergeSamples_DeterministicOrder(t *testing.T) {
	samples := []Sample{
		{MetricFamily: FamilyRisk, MetricKey: KeyRiskAvgScore, Value: 0.5, ObservedAt: hourStart.Add(time.Minute)},
		{MetricFamily: FamilyAlerts, MetricKey: KeyAlertsTotal, Value: 1, ObservedAt: hourStart.Add(time.Minute)},
		{MetricFamily: FamilyAlerts, MetricKey: KeyAlertsCritical, Value: 1, ObservedAt: hourStart.Add(time.Minute)},
	}

	first := MergeSamples(samples, window(1))
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, MergeSamples(samples, window(1)))
	}
	assert.Equal(t, KeyAlertsCritical, first[0].MetricKey)
	assert.Equal(t, KeyAlertsTotal, first[1].MetricKey)
	assert.Equal(t, KeyRiskAvgScore, first[2].MetricKey)
}

func TestHourWindow(t *testing.T) {
	w := HourWindow(hourStart.Add(17 * time.Minute))
	assert.Equal(t, hourStart, w.Start)
	assert.Equal(t, hourStart.Add(time.Hour), w.End)
}

func TestWindow_ContainsIsHalfOpen(t *testing.T) {
	w := window(1)
	assert.True(t, w.Contains(w.Start))
	assert.False(t, w.Contains(w.End))
}
