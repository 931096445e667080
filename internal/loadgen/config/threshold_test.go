package config

import (
	"testing"
	"time"
)

func TestParseThreshold(t *testing.T) {
	tests := []struct {
		metric  string
		expr    string
		stat    string
		op      string
		value   float64
		wantErr bool
	}{
		{metric: MetricHTTPReqDuration, expr: "p95 < 500ms", stat: "p95", op: "<", value: float64(500 * time.Millisecond)},
		{metric: MetricHTTPReqDuration, expr: "avg<=2", stat: "avg", op: "<=", value: float64(2 * time.Second)},
		{metric: MetricHTTPReqFailed, expr: "rate < 0.01", stat: "rate", op: "<", value: 0.01},
		{metric: MetricHTTPReqs, expr: "count >= 1000", stat: "count", op: ">=", value: 1000},
		{metric: MetricHTTPReqs, expr: "rate > 100", stat: "rate", op: ">", value: 100},
		{metric: MetricHTTPReqDuration, expr: "", wantErr: true},
		{metric: MetricHTTPReqDuration, expr: "p95 500ms", wantErr: true},
		{metric: MetricHTTPReqDuration, expr: "rate < 1", wantErr: true},
		{metric: MetricHTTPReqDuration, expr: "p95 =< 1s", wantErr: true},
		{metric: MetricHTTPReqDuration, expr: "p95 < fast", wantErr: true},
		{metric: MetricHTTPReqFailed, expr: "count < 1", wantErr: true},
		{metric: MetricHTTPReqs, expr: "count > many", wantErr: true},
		{metric: "http_req_blocked", expr: "avg < 1s", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.metric+" "+tt.expr, func(t *testing.T) {
			got, err := ParseThreshold(tt.metric, tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseThreshold(%q) expected error, got %+v", tt.expr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseThreshold(%q) unexpected error: %v", tt.expr, err)
			}
			if got.Stat != tt.stat || got.Op != tt.op || got.Value != tt.value {
				t.Errorf("ParseThreshold(%q) = %+v, want stat=%s op=%s value=%v", tt.expr, got, tt.stat, tt.op, tt.value)
			}
		})
	}
}

func TestThreshold_Passes(t *testing.T) {
	tests := []struct {
		op     string
		actual float64
		want   bool
	}{
		{"<", 1, true},
		{"<", 2, false},
		{"<=", 2, true},
		{">", 3, true},
		{">=", 1, false},
		{"==", 2, true},
		{"!=", 2, false},
		{"??", 2, false},
	}

	for _, tt := range tests {
		th := Threshold{Op: tt.op, Value: 2}
		if got := th.Passes(tt.actual); got != tt.want {
			t.Errorf("Threshold{%s 2}.Passes(%v) = %v, want %v", tt.op, tt.actual, got, tt.want)
		}
	}
}

func TestThreshold_FormatValue(t *testing.T) {
	tests := []struct {
		th   Threshold
		v    float64
		want string
	}{
		{Threshold{Metric: MetricHTTPReqDuration, Stat: "p95"}, float64(1500 * time.Millisecond), "1.5s"},
		{Threshold{Metric: MetricHTTPReqFailed, Stat: "rate"}, 0.05, "0.0500"},
		{Threshold{Metric: MetricHTTPReqs, Stat: "count"}, 42, "42"},
		{Threshold{Metric: MetricHTTPReqs, Stat: "rate"}, 12.346, "12.35"},
	}

	for _, tt := range tests {
		if got := tt.th.FormatValue(tt.v); got != tt.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}
