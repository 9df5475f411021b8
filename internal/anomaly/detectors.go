package anomaly

import (
	"fmt"
	"math"
	"sort"
	"time"

	"opswatch-backend/internal/tsdb"
)

const epsilon = 1e-9

// Severity of an anomaly finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Algorithm names reported in Result.Algorithm and metric labels.
const (
	AlgorithmStatistical          = "statistical"
	AlgorithmSeasonal             = "seasonal"
	AlgorithmExponentialSmoothing = "exponential_smoothing"
	AlgorithmMAD                  = "mad"
	AlgorithmComposite            = "composite"
)

// Result is a single anomalous point: the observed value, what the model
// expected, and how far off it was.
type Result struct {
	Timestamp int64    `json:"timestamp"`
	Value     float64  `json:"value"`
	Expected  float64  `json:"expected"`
	Deviation float64  `json:"deviation"`
	Severity  Severity `json:"severity"`
	Algorithm string   `json:"algorithm"`
}

// Detector scans a chronological series of points and returns the anomalies
// it finds. Implementations are stateless between calls.
type Detector interface {
	Detect(points []tsdb.Point) []Result
	Name() string
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// StatisticalDetector flags points whose z-score against a baseline
// mean/stddev exceeds the threshold. The baseline is computed from the first
// WindowSize points and by default stays fixed for the whole scan;
// RecomputeBaseline switches to a sliding baseline over the trailing
// WindowSize points.
type StatisticalDetector struct {
	Threshold         float64
	WindowSize        int
	RecomputeBaseline bool
}

func NewStatisticalDetector(threshold float64, windowSize int) *StatisticalDetector {
	if threshold <= 0 {
		threshold = 3
	}
	if windowSize <= 0 {
		windowSize = 20
	}
	return &StatisticalDetector{Threshold: threshold, WindowSize: windowSize}
}

func (d *StatisticalDetector) Name() string { return AlgorithmStatistical }

func (d *StatisticalDetector) Detect(points []tsdb.Point) []Result {
	if len(points) <= d.WindowSize {
		return nil
	}

	mean := Mean(valuesOf(points[:d.WindowSize]))
	std := StdDev(valuesOf(points[:d.WindowSize]), true)

	var results []Result
	for i := d.WindowSize; i < len(points); i++ {
		if d.RecomputeBaseline {
			window := valuesOf(points[i-d.WindowSize : i])
			mean = Mean(window)
			std = StdDev(window, true)
		}
		if std < epsilon {
			if math.Abs(points[i].Value-mean) < epsilon {
				continue
			}
			results = append(results, Result{
				Timestamp: points[i].Timestamp,
				Value:     points[i].Value,
				Expected:  mean,
				Deviation: math.Abs(points[i].Value - mean),
				Severity:  SeverityHigh,
				Algorithm: AlgorithmStatistical,
			})
			continue
		}
		z := math.Abs(points[i].Value-mean) / std
		if z <= d.Threshold {
			continue
		}
		results = append(results, Result{
			Timestamp: points[i].Timestamp,
			Value:     points[i].Value,
			Expected:  mean,
			Deviation: z,
			Severity:  zSeverity(z, d.Threshold),
			Algorithm: AlgorithmStatistical,
		})
	}
	return results
}

func zSeverity(z, threshold float64) Severity {
	switch {
	case z > 2*threshold:
		return SeverityHigh
	case z > 1.5*threshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Periodicity selects the seasonal bucketing scheme.
type Periodicity string

const (
	PeriodicityHourly Periodicity = "hourly" // bucket by minute of hour
	PeriodicityDaily  Periodicity = "daily"  // bucket by hour of day
	PeriodicityWeekly Periodicity = "weekly" // bucket by day of week
)

// SeasonalDetector builds a per-bucket baseline from the whole series, then
// evaluates only the most recent points against the baseline of their bucket.
// It catches values that are normal globally but abnormal for their time slot.
type SeasonalDetector struct {
	Periodicity Periodicity
	Threshold   float64
}

// recentWindow is how many trailing points a seasonal scan evaluates; older
// points only contribute to the baseline.
const recentWindow = 24

func NewSeasonalDetector(periodicity Periodicity, threshold float64) *SeasonalDetector {
	if threshold <= 0 {
		threshold = 3
	}
	switch periodicity {
	case PeriodicityHourly, PeriodicityDaily, PeriodicityWeekly:
	default:
		periodicity = PeriodicityDaily
	}
	return &SeasonalDetector{Periodicity: periodicity, Threshold: threshold}
}

func (d *SeasonalDetector) Name() string { return AlgorithmSeasonal }

func (d *SeasonalDetector) bucket(ts int64) int {
	t := time.UnixMilli(ts).UTC()
	switch d.Periodicity {
	case PeriodicityHourly:
		return t.Minute()
	case PeriodicityWeekly:
		return int(t.Weekday())
	default:
		return t.Hour()
	}
}

func (d *SeasonalDetector) Detect(points []tsdb.Point) []Result {
	if len(points) < 2 {
		return nil
	}

	buckets := make(map[int][]float64)
	for _, p := range points {
		b := d.bucket(p.Timestamp)
		buckets[b] = append(buckets[b], p.Value)
	}

	type baseline struct {
		mean, std float64
		n         int
	}
	baselines := make(map[int]baseline, len(buckets))
	for b, vals := range buckets {
		if len(vals) < 2 {
			continue
		}
		baselines[b] = baseline{mean: Mean(vals), std: StdDev(vals, true), n: len(vals)}
	}

	start := 0
	if len(points) > recentWindow {
		start = len(points) - recentWindow
	}

	var results []Result
	for _, p := range points[start:] {
		bl, ok := baselines[d.bucket(p.Timestamp)]
		if !ok || bl.n < 3 || bl.std < epsilon {
			continue
		}
		z := math.Abs(p.Value-bl.mean) / bl.std
		if z <= d.Threshold {
			continue
		}
		sev := SeverityMedium
		if z > 2*d.Threshold {
			sev = SeverityHigh
		}
		results = append(results, Result{
			Timestamp: p.Timestamp,
			Value:     p.Value,
			Expected:  bl.mean,
			Deviation: z,
			Severity:  sev,
			Algorithm: AlgorithmSeasonal,
		})
	}
	return results
}

// ExponentialSmoothingDetector tracks an EWMA level and an EWMA of the
// squared prediction error; a point is anomalous when its prediction error
// exceeds Threshold standard deviations of that error estimate. Adapts to
// slow drift, flags abrupt level shifts.
type ExponentialSmoothingDetector struct {
	Alpha     float64
	Threshold float64
}

const ewmaSeedPoints = 5

func NewExponentialSmoothingDetector(alpha, threshold float64) *ExponentialSmoothingDetector {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.3
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &ExponentialSmoothingDetector{Alpha: alpha, Threshold: threshold}
}

func (d *ExponentialSmoothingDetector) Name() string { return AlgorithmExponentialSmoothing }

func (d *ExponentialSmoothingDetector) Detect(points []tsdb.Point) []Result {
	if len(points) <= ewmaSeedPoints {
		return nil
	}

	level := Mean(valuesOf(points[:ewmaSeedPoints]))
	variance := 0.0

	var results []Result
	for _, p := range points[ewmaSeedPoints:] {
		err := p.Value - level
		variance = d.Alpha*err*err + (1-d.Alpha)*variance

		if sd := math.Sqrt(variance); sd > epsilon && math.Abs(err) > d.Threshold*sd {
			z := math.Abs(err) / sd
			sev := SeverityLow
			switch {
			case z > 2*d.Threshold:
				sev = SeverityHigh
			case z > 1.5*d.Threshold:
				sev = SeverityMedium
			}
			results = append(results, Result{
				Timestamp: p.Timestamp,
				Value:     p.Value,
				Expected:  level,
				Deviation: z,
				Severity:  sev,
				Algorithm: AlgorithmExponentialSmoothing,
			})
		}

		level = d.Alpha*p.Value + (1-d.Alpha)*level
	}
	return results
}

// MADDetector uses the median absolute deviation, which a handful of extreme
// outliers cannot inflate the way they inflate a standard deviation.
type MADDetector struct {
	Threshold float64
}

func NewMADDetector(threshold float64) *MADDetector {
	if threshold <= 0 {
		threshold = 3
	}
	return &MADDetector{Threshold: threshold}
}

func (d *MADDetector) Name() string { return AlgorithmMAD }

func (d *MADDetector) Detect(points []tsdb.Point) []Result {
	if len(points) < 3 {
		return nil
	}

	values := valuesOf(points)
	median := Median(values)
	mad := MAD(values, median)

	var results []Result
	for _, p := range points {
		if mad < epsilon {
			// Degenerate series: more than half the values are identical. Any
			// point off the median is an outright anomaly.
			if math.Abs(p.Value-median) <= epsilon {
				continue
			}
			results = append(results, Result{
				Timestamp: p.Timestamp,
				Value:     p.Value,
				Expected:  median,
				Deviation: math.Abs(p.Value - median),
				Severity:  SeverityHigh,
				Algorithm: AlgorithmMAD,
			})
			continue
		}
		modZ := 0.6745 * (p.Value - median) / mad
		if math.Abs(modZ) <= 0.6745*d.Threshold {
			continue
		}
		z := math.Abs(modZ) / 0.6745
		sev := SeverityLow
		switch {
		case z > 2*d.Threshold:
			sev = SeverityHigh
		case z > 1.5*d.Threshold:
			sev = SeverityMedium
		}
		results = append(results, Result{
			Timestamp: p.Timestamp,
			Value:     p.Value,
			Expected:  median,
			Deviation: math.Abs(modZ),
			Severity:  sev,
			Algorithm: AlgorithmMAD,
		})
	}
	return results
}

// CompositeDetector runs several detectors over the same series and merges
// their findings, keeping one result per timestamp (the highest severity
// wins). A panicking member is skipped; the others still run.
type CompositeDetector struct {
	detectors []Detector
}

func NewCompositeDetector(detectors ...Detector) *CompositeDetector {
	return &CompositeDetector{detectors: detectors}
}

func (d *CompositeDetector) Name() string { return AlgorithmComposite }

func (d *CompositeDetector) Detect(points []tsdb.Point) []Result {
	merged := make(map[int64]Result)
	for _, member := range d.detectors {
		for _, r := range detectSafe(member, points) {
			if prev, ok := merged[r.Timestamp]; ok && severityRank(prev.Severity) >= severityRank(r.Severity) {
				continue
			}
			merged[r.Timestamp] = r
		}
	}

	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Timestamp < results[j].Timestamp })
	return results
}

func detectSafe(d Detector, points []tsdb.Point) (results []Result) {
	defer func() {
		if recover() != nil {
			results = nil
		}
	}()
	return d.Detect(points)
}

// Spec is the wire form of a detector configuration, as accepted by the
// management API.
type Spec struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	WindowSize        int     `json:"windowSize,omitempty"`
	Alpha             float64 `json:"alpha,omitempty"`
	Periodicity       string  `json:"periodicity,omitempty"`
	RecomputeBaseline bool    `json:"recomputeBaseline,omitempty"`
	Detectors         []Spec  `json:"detectors,omitempty"`
}

// FromSpec builds a Detector from its wire configuration.
func FromSpec(spec Spec) (Detector, error) {
	switch spec.Type {
	case AlgorithmStatistical:
		d := NewStatisticalDetector(spec.Threshold, spec.WindowSize)
		d.RecomputeBaseline = spec.RecomputeBaseline
		return d, nil
	case AlgorithmSeasonal:
		return NewSeasonalDetector(Periodicity(spec.Periodicity), spec.Threshold), nil
	case AlgorithmExponentialSmoothing:
		return NewExponentialSmoothingDetector(spec.Alpha, spec.Threshold), nil
	case AlgorithmMAD:
		return NewMADDetector(spec.Threshold), nil
	case AlgorithmComposite:
		if len(spec.Detectors) == 0 {
			return nil, fmt.Errorf("composite detector requires at least one member")
		}
		members := make([]Detector, 0, len(spec.Detectors))
		for _, ms := range spec.Detectors {
			member, err := FromSpec(ms)
			if err != nil {
				return nil, err
			}
			members = append(members, member)
		}
		return NewCompositeDetector(members...), nil
	default:
		return nil, fmt.Errorf("unknown detector type %q", spec.Type)
	}
}

func valuesOf(points []tsdb.Point) []float64 {
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	return values
}
