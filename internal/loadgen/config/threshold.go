package config

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Threshold metrics.
const (
	MetricHTTPReqDuration = "http_req_duration"
	MetricHTTPReqFailed   = "http_req_failed"
	MetricHTTPReqs        = "http_reqs"
)

var thresholdExpr = regexp.MustCompile(`^(\w+)\s*([<>=!]+)\s*(.+)$`)

// allowedStats lists the statistics each metric supports.
var allowedStats = map[string][]string{
	MetricHTTPReqDuration: {"min", "max", "avg", "med", "p50", "p75", "p90", "p95", "p99"},
	MetricHTTPReqFailed:   {"rate"},
	MetricHTTPReqs:        {"count", "rate"},
}

// Threshold is a compiled pass/fail criterion such as "p95 < 500ms" on
// http_req_duration. Duration thresholds hold their Value in nanoseconds.
type Threshold struct {
	Metric     string
	Stat       string
	Op         string
	Value      float64
	Expression string
}

// ParseThreshold compiles expr for metric.
func ParseThreshold(metric, expr string) (Threshold, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Threshold{}, fmt.Errorf("threshold expression cannot be empty")
	}

	matches := thresholdExpr.FindStringSubmatch(expr)
	if len(matches) != 4 {
		return Threshold{}, fmt.Errorf("invalid expression format: %s", expr)
	}
	t := Threshold{
		Metric:     metric,
		Stat:       matches[1],
		Op:         matches[2],
		Expression: expr,
	}

	stats, ok := allowedStats[metric]
	if !ok {
		return Threshold{}, fmt.Errorf("unknown threshold metric: %s", metric)
	}
	if !slices.Contains(stats, t.Stat) {
		return Threshold{}, fmt.Errorf("%s does not support %q (want one of %s)", metric, t.Stat, strings.Join(stats, ", "))
	}

	switch t.Op {
	case "<", "<=", ">", ">=", "==", "!=":
	default:
		return Threshold{}, fmt.Errorf("invalid comparison operator %q", t.Op)
	}

	raw := strings.TrimSpace(matches[3])
	if metric == MetricHTTPReqDuration {
		d, err := ParseDurationString(raw)
		if err != nil {
			return Threshold{}, fmt.Errorf("failed to parse threshold value: %w", err)
		}
		t.Value = float64(d)
	} else {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Threshold{}, fmt.Errorf("failed to parse threshold value: %w", err)
		}
		t.Value = v
	}
	return t, nil
}

// Passes compares actual against the threshold.
func (t Threshold) Passes(actual float64) bool {
	switch t.Op {
	case "<":
		return actual < t.Value
	case "<=":
		return actual <= t.Value
	case ">":
		return actual > t.Value
	case ">=":
		return actual >= t.Value
	case "==":
		return actual == t.Value
	case "!=":
		return actual != t.Value
	default:
		return false
	}
}

// FormatValue renders v in the threshold's unit.
func (t Threshold) FormatValue(v float64) string {
	switch {
	case t.Metric == MetricHTTPReqDuration:
		return time.Duration(v).String()
	case t.Stat == "count":
		return strconv.FormatFloat(v, 'f', 0, 64)
	case t.Metric == MetricHTTPReqFailed:
		return strconv.FormatFloat(v, 'f', 4, 64)
	default:
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
}

func (t Threshold) String() string {
	return t.Metric + ": " + t.Expression
}
