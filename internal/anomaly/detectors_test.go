package anomaly

import (
	"testing"
	"time"

	"opswatch-backend/internal/tsdb"
)

func seriesOf(values ...float64) []tsdb.Point {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	points := make([]tsdb.Point, len(values))
	for i, v := range values {
		points[i] = tsdb.Point{Timestamp: base.Add(time.Duration(i) * time.Minute).UnixMilli(), Value: v}
	}
	return points
}

func TestStatisticalDetectorFlagsSpike(t *testing.T) {
	// Baseline alternates 9.9/10.1: mean 10, population stddev 0.1.
	values := make([]float64, 0, 12)
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			values = append(values, 9.9)
		} else {
			values = append(values, 10.1)
		}
	}
	values = append(values, 10.05, 20) // in-band point, then a 100-sigma spike

	d := NewStatisticalDetector(3, 10)
	results := d.Detect(seriesOf(values...))
	if len(results) != 1 {
		t.Fatalf("expected exactly the spike, got %d results", len(results))
	}
	r := results[0]
	if r.Value != 20 {
		t.Fatalf("flagged wrong point: %+v", r)
	}
	if r.Severity != SeverityHigh {
		t.Fatalf("100-sigma spike should be high severity, got %s", r.Severity)
	}
	if r.Algorithm != AlgorithmStatistical {
		t.Fatalf("algorithm = %s", r.Algorithm)
	}
	if r.Expected != 10 {
		t.Fatalf("expected baseline mean 10, got %g", r.Expected)
	}
}

func TestStatisticalDetectorNeedsMoreThanWindow(t *testing.T) {
	d := NewStatisticalDetector(3, 10)
	if results := d.Detect(seriesOf(1, 2, 3)); results != nil {
		t.Fatalf("short series must yield no results, got %v", results)
	}
}

func TestStatisticalDetectorZeroVarianceBaseline(t *testing.T) {
	// Flat baseline: any departure is anomalous outright.
	values := []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 7}
	d := NewStatisticalDetector(3, 10)
	results := d.Detect(seriesOf(values...))
	if len(results) != 1 || results[0].Value != 7 || results[0].Severity != SeverityHigh {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestMADDetectorResistsOutlierContamination(t *testing.T) {
	// 100 clustered points and one extreme outlier: only the outlier flags.
	values := make([]float64, 0, 101)
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			values = append(values, 9)
		} else {
			values = append(values, 11)
		}
	}
	values = append(values, 1000)

	d := NewMADDetector(3)
	results := d.Detect(seriesOf(values...))
	if len(results) != 1 {
		t.Fatalf("expected only the outlier, got %d results", len(results))
	}
	if results[0].Value != 1000 || results[0].Severity != SeverityHigh {
		t.Fatalf("unexpected result %+v", results[0])
	}
}

func TestMADDetectorDegenerateSeries(t *testing.T) {
	// MAD is zero when most values are identical; the off-median point still
	// gets flagged.
	values := []float64{10, 10, 10, 10, 50}
	d := NewMADDetector(3)
	results := d.Detect(seriesOf(values...))
	if len(results) != 1 || results[0].Value != 50 || results[0].Severity != SeverityHigh {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestExponentialSmoothingDetectorFlagsLevelShift(t *testing.T) {
	values := []float64{10, 10, 10, 10, 10, 10, 10, 10, 50}
	d := NewExponentialSmoothingDetector(0.1, 2)
	results := d.Detect(seriesOf(values...))
	if len(results) != 1 {
		t.Fatalf("expected the level shift, got %d results", len(results))
	}
	if results[0].Value != 50 || results[0].Algorithm != AlgorithmExponentialSmoothing {
		t.Fatalf("unexpected result %+v", results[0])
	}
	if results[0].Expected != 10 {
		t.Fatalf("expected EWMA level 10 before the shift, got %g", results[0].Expected)
	}
}

func TestExponentialSmoothingDetectorAdaptsToDrift(t *testing.T) {
	// A slow ramp stays within the error envelope once variance is learned.
	values := []float64{10, 10.1, 10.2, 10.3, 10.4}
	for i := 0; i < 30; i++ {
		values = append(values, 10.5+0.1*float64(i))
	}
	d := NewExponentialSmoothingDetector(0.3, 3)
	if results := d.Detect(seriesOf(values...)); len(results) != 0 {
		t.Fatalf("gradual drift should not flag, got %d results", len(results))
	}
}

func TestSeasonalDetectorFlagsOffPatternHour(t *testing.T) {
	// Seven days of hourly data with a stable per-hour profile; the final
	// day's 03:00 reading is wildly off its bucket.
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var points []tsdb.Point
	for day := 0; day < 7; day++ {
		for hour := 0; hour < 24; hour++ {
			value := 10 + 0.1*float64(day)
			if day == 6 && hour == 3 {
				value = 100
			}
			ts := base.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
			points = append(points, tsdb.Point{Timestamp: ts.UnixMilli(), Value: value})
		}
	}

	d := NewSeasonalDetector(PeriodicityDaily, 2)
	results := d.Detect(points)
	if len(results) != 1 {
		t.Fatalf("expected the off-pattern hour, got %d results", len(results))
	}
	if results[0].Value != 100 || results[0].Algorithm != AlgorithmSeasonal {
		t.Fatalf("unexpected result %+v", results[0])
	}
	if got := time.UnixMilli(results[0].Timestamp).UTC().Hour(); got != 3 {
		t.Fatalf("flagged hour = %d, want 3", got)
	}
}

func TestSeasonalDetectorOnlyScansRecentPoints(t *testing.T) {
	// An anomaly older than the recent window contributes to the baseline but
	// is not reported.
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var points []tsdb.Point
	for day := 0; day < 7; day++ {
		for hour := 0; hour < 24; hour++ {
			value := 10 + 0.1*float64(day)
			if day == 0 && hour == 3 {
				value = 100
			}
			ts := base.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
			points = append(points, tsdb.Point{Timestamp: ts.UnixMilli(), Value: value})
		}
	}

	d := NewSeasonalDetector(PeriodicityDaily, 2)
	if results := d.Detect(points); len(results) != 0 {
		t.Fatalf("stale anomaly must not be reported, got %+v", results)
	}
}

type fixedDetector struct {
	name    string
	results []Result
}

func (d *fixedDetector) Detect(points []tsdb.Point) []Result { return d.results }
func (d *fixedDetector) Name() string                        { return d.name }

type panickyDetector struct{}

func (panickyDetector) Detect(points []tsdb.Point) []Result { panic("boom") }
func (panickyDetector) Name() string                        { return "panicky" }

func TestCompositeDetectorKeepsHighestSeverity(t *testing.T) {
	low := &fixedDetector{name: "a", results: []Result{
		{Timestamp: 100, Value: 1, Severity: SeverityLow, Algorithm: "a"},
		{Timestamp: 200, Value: 2, Severity: SeverityMedium, Algorithm: "a"},
	}}
	high := &fixedDetector{name: "b", results: []Result{
		{Timestamp: 100, Value: 1, Severity: SeverityHigh, Algorithm: "b"},
	}}

	d := NewCompositeDetector(low, high)
	results := d.Detect(nil)
	if len(results) != 2 {
		t.Fatalf("expected 2 deduped results, got %d", len(results))
	}
	if results[0].Timestamp != 100 || results[0].Severity != SeverityHigh || results[0].Algorithm != "b" {
		t.Fatalf("timestamp 100 should keep the high-severity finding, got %+v", results[0])
	}
	if results[1].Timestamp != 200 || results[1].Severity != SeverityMedium {
		t.Fatalf("unexpected second result %+v", results[1])
	}
}

func TestCompositeDetectorIsolatesPanics(t *testing.T) {
	ok := &fixedDetector{name: "ok", results: []Result{
		{Timestamp: 100, Value: 1, Severity: SeverityLow, Algorithm: "ok"},
	}}
	d := NewCompositeDetector(panickyDetector{}, ok)
	results := d.Detect(seriesOf(1, 2, 3))
	if len(results) != 1 || results[0].Algorithm != "ok" {
		t.Fatalf("healthy member should still report, got %+v", results)
	}
}

func TestFromSpec(t *testing.T) {
	d, err := FromSpec(Spec{Type: "statistical", Threshold: 2.5, WindowSize: 30, RecomputeBaseline: true})
	if err != nil {
		t.Fatalf("statistical: %v", err)
	}
	sd, ok := d.(*StatisticalDetector)
	if !ok || sd.Threshold != 2.5 || sd.WindowSize != 30 || !sd.RecomputeBaseline {
		t.Fatalf("unexpected detector %+v", d)
	}

	d, err = FromSpec(Spec{Type: "composite", Detectors: []Spec{
		{Type: "mad", Threshold: 3},
		{Type: "exponential_smoothing", Alpha: 0.2, Threshold: 3},
	}})
	if err != nil {
		t.Fatalf("composite: %v", err)
	}
	if d.Name() != AlgorithmComposite {
		t.Fatalf("name = %s", d.Name())
	}

	if _, err := FromSpec(Spec{Type: "composite"}); err == nil {
		t.Fatalf("empty composite should be rejected")
	}
	if _, err := FromSpec(Spec{Type: "nope"}); err == nil {
		t.Fatalf("unknown type should be rejected")
	}
}

func TestMedianAndMAD(t *testing.T) {
	if m := Median([]float64{3, 1, 2}); m != 2 {
		t.Fatalf("median odd = %g", m)
	}
	if m := Median([]float64{4, 1, 2, 3}); m != 2.5 {
		t.Fatalf("median even = %g", m)
	}
	if m := MAD([]float64{1, 1, 2, 2, 4, 6, 9}, 2); m != 1 {
		t.Fatalf("mad = %g", m)
	}
}
