package loadgen

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wesleyorama2/volley/internal/loadgen/injection"
	"github.com/wesleyorama2/volley/internal/loadgen/metrics"
	"github.com/wesleyorama2/volley/internal/loadgen/rate"
)

// SchedulerConfig contains the execution options of a run.
type SchedulerConfig struct {
	// MaxConcurrentUsers caps the number of VUs running at once. Starts beyond
	// the cap wait for a slot. 0 means unlimited.
	MaxConcurrentUsers int

	// LateStartTolerance is how late a start may be before it is counted as
	// delayed.
	LateStartTolerance time.Duration

	// GracefulStop is how long running VUs get to finish their in-flight
	// request after a stop before the run is cancelled hard.
	GracefulStop time.Duration

	// FailurePolicy is applied by every VU.
	FailurePolicy FailurePolicy

	// ThrottleRPS caps the request rate of the whole run. 0 disables it.
	ThrottleRPS float64
}

// DefaultSchedulerConfig returns the default execution options.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		LateStartTolerance: 250 * time.Millisecond,
		GracefulStop:       30 * time.Second,
		FailurePolicy:      FailurePolicyContinue,
	}
}

// RunStats accounts for every user of the injection profile.
type RunStats struct {
	Planned     int64 `json:"planned"`
	Started     int64 `json:"started"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Interrupted int64 `json:"interrupted"`
	NotStarted  int64 `json:"notStarted"`

	// Delayed counts starts later than the tolerance; Queued counts starts
	// that waited for a concurrency slot.
	Delayed     int64         `json:"delayed"`
	Queued      int64         `json:"queued"`
	MaxStartLag time.Duration `json:"maxStartLag"`

	Elapsed time.Duration `json:"elapsed"`

	// Stopped is true when the run ended through a global stop.
	Stopped bool `json:"stopped"`

	// Killed is the number of VUs still running when the grace period
	// expired and the run was cancelled hard.
	Killed int64 `json:"killed"`
}

// Overload returns a SchedulerOverloadError when any start was later than
// the tolerance, and nil otherwise. Queued starts alone are the expected
// effect of a concurrency cap and do not count as overload.
func (rs *RunStats) Overload() *SchedulerOverloadError {
	if rs.Delayed == 0 {
		return nil
	}
	return &SchedulerOverloadError{Delayed: rs.Delayed, Queued: rs.Queued, MaxStartLag: rs.MaxStartLag}
}

// Scheduler starts virtual users at the offsets of an injection profile and
// waits for them to finish.
//
// It provides:
// - One goroutine per VU, all sharing one HTTP client
// - An optional concurrency cap with queueing (backpressure)
// - Late start accounting
// - Graceful shutdown coordination
type Scheduler struct {
	scenario  *Scenario
	protocol  *ProtocolConfig
	profile   injection.Profile
	collector *metrics.Collector
	config    SchedulerConfig
	logger    *zap.Logger

	client   *http.Client
	throttle *rate.LeakyBucket
	slots    *semaphore.Weighted

	// Running VUs
	vus   map[int]*VirtualUser
	vusMu sync.Mutex

	nextID atomic.Int64
	active atomic.Int64

	started     atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	interrupted atomic.Int64
	delayed     atomic.Int64
	queued      atomic.Int64
	maxLag      atomic.Int64

	running atomic.Bool
}

// NewScheduler creates a scheduler. The HTTP client is created from the
// protocol configuration and shared by every VU.
func NewScheduler(scenario *Scenario, protocol *ProtocolConfig, profile injection.Profile, collector *metrics.Collector, config SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.LateStartTolerance <= 0 {
		config.LateStartTolerance = DefaultSchedulerConfig().LateStartTolerance
	}

	s := &Scheduler{
		scenario:  scenario,
		protocol:  protocol,
		profile:   profile,
		collector: collector,
		config:    config,
		logger:    logger,
		client:    protocol.NewHTTPClient(),
		vus:       make(map[int]*VirtualUser),
	}
	if config.MaxConcurrentUsers > 0 {
		s.slots = semaphore.NewWeighted(int64(config.MaxConcurrentUsers))
	}
	if config.ThrottleRPS > 0 {
		s.throttle = rate.NewLeakyBucket(config.ThrottleRPS)
	}
	return s
}

// Run executes the profile. It returns once every started VU has finished.
//
// Cancelling ctx is the global stop: no further users are started, running
// VUs are asked to stop at their next suspension point, and after
// GracefulStop the remaining in-flight requests are aborted.
func (s *Scheduler) Run(ctx context.Context) *RunStats {
	s.running.Store(true)
	defer s.running.Store(false)

	start := time.Now()
	planned := s.profile.Total()

	// VUs run under their own context so a global stop does not abort
	// in-flight requests until the grace period has expired.
	vuCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCancel()

	var wg sync.WaitGroup
	s.spawnAll(ctx, vuCtx, start, &wg)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	stats := &RunStats{Planned: planned}
	select {
	case <-done:
	case <-ctx.Done():
		stats.Stopped = true
		s.logger.Info("stopping virtual users",
			zap.Int64("active", s.active.Load()),
			zap.Duration("grace", s.config.GracefulStop))
		s.stopAll()

		grace := time.NewTimer(s.config.GracefulStop)
		select {
		case <-done:
			grace.Stop()
		case <-grace.C:
			stats.Killed = s.active.Load()
			s.logger.Warn("grace period expired, aborting in-flight requests",
				zap.Int64("active", stats.Killed))
			hardCancel()
			<-done
		}
	}
	if ctx.Err() != nil {
		stats.Stopped = true
	}

	s.client.CloseIdleConnections()

	stats.Started = s.started.Load()
	stats.Completed = s.completed.Load()
	stats.Failed = s.failed.Load()
	stats.Interrupted = s.interrupted.Load()
	stats.NotStarted = planned - stats.Started
	stats.Delayed = s.delayed.Load()
	stats.Queued = s.queued.Load()
	stats.MaxStartLag = time.Duration(s.maxLag.Load())
	stats.Elapsed = time.Since(start)

	if overload := stats.Overload(); overload != nil {
		s.logger.Warn("scheduler could not keep up with the injection profile", zap.Error(overload))
	}
	return stats
}

// spawnAll walks the profile, starting one VU per offset, until the profile
// is exhausted or ctx is cancelled.
func (s *Scheduler) spawnAll(ctx, vuCtx context.Context, start time.Time, wg *sync.WaitGroup) {
	it := s.profile.Iterator()

	// End of the last wait for a concurrency slot. Starts due before it
	// were held back by the cap, not by the scheduler.
	var unblocked time.Time
	for {
		offset, ok := it.Next()
		if !ok {
			return
		}

		target := start.Add(offset)
		if wait := time.Until(target); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		due := target
		if due.Before(unblocked) {
			due = unblocked
		}
		if lag := time.Since(due); lag > s.config.LateStartTolerance {
			s.delayed.Add(1)
			s.recordLag(lag)
		}

		if s.slots != nil && !s.slots.TryAcquire(1) {
			s.queued.Add(1)
			if err := s.slots.Acquire(ctx, 1); err != nil {
				return
			}
			unblocked = time.Now()
		}

		vu := s.spawn()
		wg.Add(1)
		go s.runVU(vuCtx, vu, wg)
	}
}

func (s *Scheduler) recordLag(lag time.Duration) {
	for {
		cur := s.maxLag.Load()
		if int64(lag) <= cur || s.maxLag.CompareAndSwap(cur, int64(lag)) {
			return
		}
	}
}

func (s *Scheduler) spawn() *VirtualUser {
	id := int(s.nextID.Add(1))
	vu := NewVirtualUser(id, s.scenario, s.protocol, s.client, s.collector,
		WithFailurePolicy(s.config.FailurePolicy),
		WithThrottle(s.throttle),
		WithLogger(s.logger),
	)

	s.vusMu.Lock()
	s.vus[id] = vu
	s.vusMu.Unlock()

	s.started.Add(1)
	s.active.Add(1)
	return vu
}

func (s *Scheduler) runVU(ctx context.Context, vu *VirtualUser, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		s.vusMu.Lock()
		delete(s.vus, vu.ID)
		s.vusMu.Unlock()
		s.active.Add(-1)
		if s.slots != nil {
			s.slots.Release(1)
		}
	}()

	err := vu.Run(ctx)
	switch {
	case err == nil:
		s.completed.Add(1)
	case errors.Is(err, ErrStopped):
		s.interrupted.Add(1)
	default:
		s.failed.Add(1)
		s.logger.Debug("virtual user failed", zap.Int("vu", vu.ID), zap.Error(err))
	}
}

// stopAll asks every running VU to stop.
func (s *Scheduler) stopAll() {
	s.vusMu.Lock()
	defer s.vusMu.Unlock()
	for _, vu := range s.vus {
		vu.RequestStop()
	}
}

// ActiveUsers returns the number of VUs currently running.
func (s *Scheduler) ActiveUsers() int64 {
	return s.active.Load()
}

// StartedUsers returns the number of VUs started so far.
func (s *Scheduler) StartedUsers() int64 {
	return s.started.Load()
}

// PlannedUsers returns the number of users in the injection profile.
func (s *Scheduler) PlannedUsers() int64 {
	return s.profile.Total()
}

// IsRunning reports whether Run is in progress.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}
