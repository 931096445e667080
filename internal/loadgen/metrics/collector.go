// Package metrics aggregates request outcomes and latencies.
//
// The Collector is the only mutable structure shared by every virtual user of
// a run. Samples are spread over independent shards so concurrent writers
// rarely contend; shards are merged only when a Report is requested.
package metrics

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Outcome classifies a completed request.
type Outcome int

const (
	// OutcomeOK is a response that passed every check.
	OutcomeOK Outcome = iota
	// OutcomeKO is a response that failed a status or body check.
	OutcomeKO
	// OutcomeConnectionError is a transport failure before a response arrived.
	OutcomeConnectionError
	// OutcomeTimeout is a request that exceeded its timeout.
	OutcomeTimeout

	numOutcomes
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeKO:
		return "ko"
	case OutcomeConnectionError:
		return "connection_error"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Failed reports whether the outcome counts as a failed request.
func (o Outcome) Failed() bool {
	return o != OutcomeOK
}

// Sample is a single recorded request.
type Sample struct {
	Name    string
	Outcome Outcome
	Latency time.Duration
	Status  int
	Bytes   int64
}

// Sink receives every sample after it has been recorded. Implementations must
// be safe for concurrent use.
type Sink interface {
	Observe(Sample)
}

// CollectorConfig contains configuration for the Collector.
type CollectorConfig struct {
	// Shards is the number of independent accumulators (default: GOMAXPROCS).
	// Every shard holds one histogram per request name.
	Shards int

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 3600000000 = 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultCollectorConfig returns the default configuration.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Shards:           runtime.GOMAXPROCS(0),
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

// Collector records request samples. It is safe for concurrent use.
type Collector struct {
	config CollectorConfig
	shards []*shard
	next   atomic.Uint64

	// First-seen order of request names, used to order reports.
	names   sync.Map
	nameSeq atomic.Int64

	// Running totals for live progress; authoritative numbers come from Report.
	total  atomic.Int64
	failed atomic.Int64
	bytes  atomic.Int64

	sinks []Sink

	startTime time.Time
}

type shard struct {
	mu       sync.Mutex
	requests map[string]*accumulator
}

type accumulator struct {
	hist     *hdrhistogram.Histogram
	outcomes [numOutcomes]int64
	bytes    int64
}

// Option configures a Collector.
type Option func(*Collector)

// WithSink forwards every recorded sample to s.
func WithSink(s Sink) Option {
	return func(c *Collector) {
		if s != nil {
			c.sinks = append(c.sinks, s)
		}
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg CollectorConfig) Option {
	return func(c *Collector) {
		c.config = cfg
	}
}

// WithMaxLatency bounds the histogram range to d. Longer latencies are
// recorded as d. A non-positive d keeps the default range.
func WithMaxLatency(d time.Duration) Option {
	return func(c *Collector) {
		if micros := d.Microseconds(); micros > 0 {
			c.config.HistogramMax = micros
		}
	}
}

// NewCollector creates an empty Collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{config: DefaultCollectorConfig()}
	for _, opt := range opts {
		opt(c)
	}

	defaults := DefaultCollectorConfig()
	if c.config.Shards <= 0 {
		c.config.Shards = defaults.Shards
	}
	if c.config.HistogramMin <= 0 {
		c.config.HistogramMin = defaults.HistogramMin
	}
	if c.config.HistogramMax <= c.config.HistogramMin {
		c.config.HistogramMax = defaults.HistogramMax
	}
	if c.config.HistogramSigFigs <= 0 {
		c.config.HistogramSigFigs = defaults.HistogramSigFigs
	}

	c.shards = make([]*shard, c.config.Shards)
	for i := range c.shards {
		c.shards[i] = &shard{requests: make(map[string]*accumulator)}
	}
	c.startTime = time.Now()
	return c
}

// Record records one request outcome.
func (c *Collector) Record(name string, outcome Outcome, latency time.Duration) {
	c.RecordSample(Sample{Name: name, Outcome: outcome, Latency: latency})
}

// RecordSample records one request with its status and byte count.
func (c *Collector) RecordSample(s Sample) {
	if s.Outcome < 0 || s.Outcome >= numOutcomes {
		s.Outcome = OutcomeKO
	}
	c.names.LoadOrStore(s.Name, c.nameSeq.Add(1))

	micros := s.Latency.Microseconds()
	if micros < c.config.HistogramMin {
		micros = c.config.HistogramMin
	}
	if micros > c.config.HistogramMax {
		micros = c.config.HistogramMax
	}

	sh := c.shards[c.next.Add(1)%uint64(len(c.shards))]
	sh.mu.Lock()
	acc, ok := sh.requests[s.Name]
	if !ok {
		acc = &accumulator{hist: c.newHistogram()}
		sh.requests[s.Name] = acc
	}
	// Values are clamped to the histogram range, so RecordValue cannot fail.
	_ = acc.hist.RecordValue(micros)
	acc.outcomes[s.Outcome]++
	acc.bytes += s.Bytes
	sh.mu.Unlock()

	c.total.Add(1)
	c.bytes.Add(s.Bytes)
	if s.Outcome.Failed() {
		c.failed.Add(1)
	}

	for _, sink := range c.sinks {
		sink.Observe(s)
	}
}

func (c *Collector) newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(c.config.HistogramMin, c.config.HistogramMax, c.config.HistogramSigFigs)
}

// Snapshot is a cheap, lock-free view of the running totals.
type Snapshot struct {
	TotalRequests  int64         `json:"totalRequests"`
	FailedRequests int64         `json:"failedRequests"`
	TotalBytes     int64         `json:"totalBytes"`
	RPS            float64       `json:"rps"`
	ErrorRate      float64       `json:"errorRate"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Snapshot returns the running totals.
func (c *Collector) Snapshot() Snapshot {
	elapsed := time.Since(c.startTime)
	total := c.total.Load()
	failed := c.failed.Load()

	snap := Snapshot{
		TotalRequests:  total,
		FailedRequests: failed,
		TotalBytes:     c.bytes.Load(),
		Elapsed:        elapsed,
	}
	if elapsed > 0 {
		snap.RPS = float64(total) / elapsed.Seconds()
	}
	if total > 0 {
		snap.ErrorRate = float64(failed) / float64(total)
	}
	return snap
}

// Report merges every shard into per-request and overall aggregates.
// Requests are listed in the order their names were first recorded.
func (c *Collector) Report() *Report {
	merged := make(map[string]*accumulator)
	for _, sh := range c.shards {
		sh.mu.Lock()
		for name, acc := range sh.requests {
			dst, ok := merged[name]
			if !ok {
				dst = &accumulator{hist: c.newHistogram()}
				merged[name] = dst
			}
			dst.hist.Merge(acc.hist)
			for i := range acc.outcomes {
				dst.outcomes[i] += acc.outcomes[i]
			}
			dst.bytes += acc.bytes
		}
		sh.mu.Unlock()
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return c.nameOrder(names[i]) < c.nameOrder(names[j])
	})

	overall := &accumulator{hist: c.newHistogram()}
	report := &Report{Requests: make([]RequestStats, 0, len(names))}
	for _, name := range names {
		acc := merged[name]
		report.Requests = append(report.Requests, acc.stats(name))

		overall.hist.Merge(acc.hist)
		for i := range acc.outcomes {
			overall.outcomes[i] += acc.outcomes[i]
		}
		overall.bytes += acc.bytes
	}
	report.Overall = overall.stats("")
	return report
}

func (c *Collector) nameOrder(name string) int64 {
	if v, ok := c.names.Load(name); ok {
		return v.(int64)
	}
	return math.MaxInt64
}

func (a *accumulator) stats(name string) RequestStats {
	rs := RequestStats{
		Name:             name,
		OK:               a.outcomes[OutcomeOK],
		KO:               a.outcomes[OutcomeKO],
		ConnectionErrors: a.outcomes[OutcomeConnectionError],
		Timeouts:         a.outcomes[OutcomeTimeout],
		Bytes:            a.bytes,
		Latency:          latencyStats(a.hist),
	}
	rs.Count = rs.OK + rs.KO + rs.ConnectionErrors + rs.Timeouts
	if rs.Count > 0 {
		rs.ErrorRate = float64(rs.Count-rs.OK) / float64(rs.Count)
	}
	return rs
}

func latencyStats(hist *hdrhistogram.Histogram) LatencyStats {
	if hist.TotalCount() == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Min:    time.Duration(hist.Min()) * time.Microsecond,
		Max:    time.Duration(hist.Max()) * time.Microsecond,
		Mean:   time.Duration(hist.Mean()) * time.Microsecond,
		StdDev: time.Duration(hist.StdDev()) * time.Microsecond,
		P50:    time.Duration(hist.ValueAtQuantile(50)) * time.Microsecond,
		P75:    time.Duration(hist.ValueAtQuantile(75)) * time.Microsecond,
		P90:    time.Duration(hist.ValueAtQuantile(90)) * time.Microsecond,
		P95:    time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond,
		P99:    time.Duration(hist.ValueAtQuantile(99)) * time.Microsecond,
		Count:  hist.TotalCount(),
	}
}

// Report is the merged view of everything a Collector recorded.
type Report struct {
	Requests []RequestStats `json:"requests"`
	Overall  RequestStats   `json:"overall"`
}

// Request returns the stats of the named request.
func (r *Report) Request(name string) (RequestStats, bool) {
	for _, rs := range r.Requests {
		if rs.Name == name {
			return rs, true
		}
	}
	return RequestStats{}, false
}

// RequestStats aggregates every sample recorded under one name.
type RequestStats struct {
	Name             string       `json:"name,omitempty"`
	Count            int64        `json:"count"`
	OK               int64        `json:"ok"`
	KO               int64        `json:"ko"`
	ConnectionErrors int64        `json:"connectionErrors"`
	Timeouts         int64        `json:"timeouts"`
	ErrorRate        float64      `json:"errorRate"`
	Bytes            int64        `json:"bytes"`
	Latency          LatencyStats `json:"latency"`
}

// Failed returns the number of requests with any non-OK outcome.
func (rs RequestStats) Failed() int64 {
	return rs.Count - rs.OK
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P75    time.Duration `json:"p75"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}
