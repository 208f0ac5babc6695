package event

import "time"

// MetricKind distinguishes whether Data.Value is a delta since the last
// report (Incremental) or a point-in-time reading (Absolute).
type MetricKind uint8

const (
	Incremental MetricKind = iota
	Absolute
)

// Series identifies a metric stream.
type Series struct {
	Name      string
	Namespace string // optional, empty when unset
	Tags      map[string]string
}

// Data is the observation attached to a Series at a point in time.
type Data struct {
	Kind      MetricKind
	Timestamp time.Time // zero Timestamp means "unset"
	Value     Value
}

// ValueKind discriminates the Value sum type.
type ValueKind uint8

const (
	ValueCounter ValueKind = iota
	ValueGauge
	ValueSet
	ValueAggregatedHistogram
	ValueAggregatedSummary
	ValueDistribution
	ValueSketch
)

// Value is the measurement payload of a metric. Exactly one field
// matching Kind is populated.
type Value struct {
	Kind ValueKind

	Counter float64
	Gauge   float64
	Set     map[string]struct{}

	Histogram *AggregatedHistogram
	Summary   *AggregatedSummary
	Dist      *Distribution
	Sketch    *Sketch
}

// AggregatedHistogram mirrors a pre-bucketed histogram snapshot.
type AggregatedHistogram struct {
	Buckets []HistogramBucket
	Count   uint64
	Sum     float64
}

type HistogramBucket struct {
	UpperLimit float64
	Count      uint64
}

// AggregatedSummary mirrors a pre-computed quantile summary.
type AggregatedSummary struct {
	Quantiles []Quantile
	Count     uint64
	Sum       float64
}

type Quantile struct {
	Quantile float64
	Value    float64
}

// Distribution is a set of raw samples awaiting aggregation downstream.
type Distribution struct {
	Samples []DistSample
}

type DistSample struct {
	Value float64
	Rate  uint32
}

// Sketch is an opaque, mergeable sketch (e.g. DDSketch) blob.
type Sketch struct {
	Algorithm string
	Bytes     []byte
}

// Metric is a fully-identified metric observation.
type Metric struct {
	Series Series
	Data   Data
}
