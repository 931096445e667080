// Package engine runs a compiled simulation from start to summary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/volley/internal/loadgen"
	"github.com/wesleyorama2/volley/internal/loadgen/config"
	"github.com/wesleyorama2/volley/internal/loadgen/metrics"
	"github.com/wesleyorama2/volley/internal/logging"
)

// Engine is the orchestrator of a run.
//
// It coordinates:
//   - A reachability probe of the target before any user starts
//   - The scheduler and the metrics collector
//   - An optional Prometheus endpoint for live scraping
//   - Threshold evaluation and the final summary
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("simulation.yaml")
//	sim, _ := config.Compile(cfg)
//	summary, _ := engine.New(sim, engine.Options{}).Run(context.Background())
//	fmt.Printf("Run passed: %v\n", summary.Passed)
type Engine struct {
	sim    *config.Simulation
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	running   bool
	scheduler *loadgen.Scheduler
	collector *metrics.Collector
}

// Options configures an Engine.
type Options struct {
	Logger *zap.Logger

	// SkipProbe disables the reachability check before the run.
	SkipProbe bool

	// ProbeTimeout bounds the reachability check. Defaults to 10s.
	ProbeTimeout time.Duration

	// MetricsAddr, when set, serves Prometheus metrics on this address for
	// the duration of the run.
	MetricsAddr string

	// OnProgress is called every ProgressInterval while the run executes.
	OnProgress func(Progress)

	// ProgressInterval defaults to one second.
	ProgressInterval time.Duration
}

// Progress is a live view of a running simulation.
type Progress struct {
	Elapsed  time.Duration
	Expected time.Duration

	ActiveUsers  int64
	StartedUsers int64
	PlannedUsers int64

	Totals metrics.Snapshot
}

// Summary is the outcome of a run.
type Summary struct {
	RunID       string        `json:"runId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Profile     string        `json:"profile"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	Users   *loadgen.RunStats `json:"users"`
	Report  *metrics.Report   `json:"report"`
	Overall metrics.Snapshot  `json:"totals"`

	// Threshold evaluation
	Passed     bool              `json:"passed"`
	Thresholds []ThresholdResult `json:"thresholds,omitempty"`

	// Warnings lists non-fatal problems such as delayed starts.
	Warnings []string `json:"warnings,omitempty"`
}

// ThresholdResult contains the result of a threshold evaluation.
type ThresholdResult struct {
	Metric     string `json:"metric"`
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
	Value      string `json:"value"`
	Message    string `json:"message,omitempty"`
}

// New creates an engine for sim.
func New(sim *config.Simulation, opts Options) *Engine {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = time.Second
	}
	return &Engine{
		sim:    sim,
		opts:   opts,
		logger: logging.OrNop(opts.Logger),
	}
}

// Run executes the simulation and returns its summary.
//
// It fails without a summary only when the run cannot start: the target is
// unreachable (ErrTargetUnreachable) or the metrics endpoint cannot listen.
// Cancelling ctx stops the run gracefully; a summary is still returned.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is already running")
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	runID := uuid.NewString()
	logger := e.logger.With(zap.String("run_id", runID), zap.String("simulation", e.sim.Name))

	if !e.opts.SkipProbe {
		if err := e.probe(ctx); err != nil {
			return nil, err
		}
	}

	// Latencies never exceed the request timeout, so the histograms need no
	// larger range.
	collectorOpts := []metrics.Option{metrics.WithMaxLatency(e.sim.Protocol.RequestTimeout)}
	var exporter *metrics.PrometheusExporter
	var listener net.Listener
	if e.opts.MetricsAddr != "" {
		promCfg := metrics.DefaultPrometheusConfig()
		promCfg.Simulation = e.sim.Name
		promCfg.RunID = runID
		exporter = metrics.NewPrometheusExporter(promCfg)
		collectorOpts = append(collectorOpts, metrics.WithSink(exporter))

		var err error
		listener, err = net.Listen("tcp", e.opts.MetricsAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", e.opts.MetricsAddr, err)
		}
	}

	collector := metrics.NewCollector(collectorOpts...)
	scheduler := loadgen.NewScheduler(e.sim.Scenario, e.sim.Protocol, e.sim.Profile, collector, e.sim.Scheduler, logger)

	e.mu.Lock()
	e.collector = collector
	e.scheduler = scheduler
	e.mu.Unlock()

	runCtx := ctx
	if e.sim.MaxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.sim.MaxDuration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(runCtx)
	done := make(chan struct{})
	startTime := time.Now()

	logger.Info("run started",
		zap.String("profile", e.sim.Profile.String()),
		zap.Int64("users", e.sim.Profile.Total()),
		zap.Duration("max_duration", e.sim.MaxDuration))

	var stats *loadgen.RunStats
	g.Go(func() error {
		defer close(done)
		stats = scheduler.Run(gctx)
		return nil
	})

	g.Go(func() error {
		e.trackProgress(done, startTime, exporter)
		return nil
	})

	if listener != nil {
		server := &http.Server{Handler: exporter.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-done
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		logger.Info("serving metrics", zap.String("addr", listener.Addr().String()))
	}

	if err := g.Wait(); err != nil {
		logger.Warn("run finished with error", zap.Error(err))
	}

	summary := e.summarize(runID, startTime, stats, collector)
	logger.Info("run finished",
		zap.Duration("duration", summary.Duration),
		zap.Int64("requests", summary.Report.Overall.Count),
		zap.Bool("passed", summary.Passed))
	return summary, nil
}

// trackProgress reports progress until done is closed.
func (e *Engine) trackProgress(done <-chan struct{}, start time.Time, exporter *metrics.PrometheusExporter) {
	ticker := time.NewTicker(e.opts.ProgressInterval)
	defer ticker.Stop()

	expected := e.sim.Profile.Duration() + e.sim.Scenario.MinDuration()
	if e.sim.MaxDuration > 0 && e.sim.MaxDuration < expected {
		expected = e.sim.MaxDuration
	}

	var lastStarted int64
	report := func() {
		e.mu.RLock()
		scheduler, collector := e.scheduler, e.collector
		e.mu.RUnlock()

		p := Progress{
			Elapsed:      time.Since(start),
			Expected:     expected,
			ActiveUsers:  scheduler.ActiveUsers(),
			StartedUsers: scheduler.StartedUsers(),
			PlannedUsers: scheduler.PlannedUsers(),
			Totals:       collector.Snapshot(),
		}
		if exporter != nil {
			exporter.SetActiveUsers(p.ActiveUsers)
			if delta := p.StartedUsers - lastStarted; delta > 0 {
				exporter.UsersStarted.Add(float64(delta))
			}
		}
		lastStarted = p.StartedUsers
		if e.opts.OnProgress != nil {
			e.opts.OnProgress(p)
		}
	}

	for {
		select {
		case <-done:
			report()
			return
		case <-ticker.C:
			report()
		}
	}
}

func (e *Engine) summarize(runID string, start time.Time, stats *loadgen.RunStats, collector *metrics.Collector) *Summary {
	end := time.Now()
	report := collector.Report()

	s := &Summary{
		RunID:       runID,
		Name:        e.sim.Name,
		Description: e.sim.Description,
		Profile:     e.sim.Profile.String(),
		StartTime:   start,
		EndTime:     end,
		Duration:    end.Sub(start),
		Users:       stats,
		Report:      report,
		Overall:     collector.Snapshot(),
		Passed:      true,
	}

	for _, th := range e.sim.Thresholds {
		result := evaluateThreshold(th, report.Overall, stats.Elapsed)
		if !result.Passed {
			s.Passed = false
		}
		s.Thresholds = append(s.Thresholds, result)
	}

	if overload := stats.Overload(); overload != nil {
		s.Warnings = append(s.Warnings, overload.Error())
	}
	if stats.NotStarted > 0 {
		s.Warnings = append(s.Warnings, fmt.Sprintf("%d of %d users were never started because the run was stopped", stats.NotStarted, stats.Planned))
	}
	if stats.Killed > 0 {
		s.Warnings = append(s.Warnings, fmt.Sprintf("%d users were still running when the graceful stop expired", stats.Killed))
	}
	return s
}

// evaluateThreshold evaluates th against the overall aggregate.
func evaluateThreshold(th config.Threshold, overall metrics.RequestStats, elapsed time.Duration) ThresholdResult {
	result := ThresholdResult{
		Metric:     th.Metric,
		Expression: th.Expression,
	}

	var actual float64
	switch th.Metric {
	case config.MetricHTTPReqDuration:
		lat := overall.Latency
		switch th.Stat {
		case "min":
			actual = float64(lat.Min)
		case "max":
			actual = float64(lat.Max)
		case "avg":
			actual = float64(lat.Mean)
		case "med", "p50":
			actual = float64(lat.P50)
		case "p75":
			actual = float64(lat.P75)
		case "p90":
			actual = float64(lat.P90)
		case "p95":
			actual = float64(lat.P95)
		case "p99":
			actual = float64(lat.P99)
		}
	case config.MetricHTTPReqFailed:
		actual = overall.ErrorRate
	case config.MetricHTTPReqs:
		actual = float64(overall.Count)
		if th.Stat == "rate" {
			actual = 0
			if elapsed > 0 {
				actual = float64(overall.Count) / elapsed.Seconds()
			}
		}
	default:
		result.Message = fmt.Sprintf("unknown metric: %s", th.Metric)
		return result
	}

	result.Value = th.FormatValue(actual)
	result.Passed = th.Passes(actual)
	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %s, threshold: %s %s", th.Stat, result.Value, th.Op, th.FormatValue(th.Value))
	}
	return result
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Simulation returns the simulation the engine runs.
func (e *Engine) Simulation() *config.Simulation {
	return e.sim
}
