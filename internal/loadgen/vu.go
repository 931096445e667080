package loadgen

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/loadgen/metrics"
	"github.com/wesleyorama2/volley/internal/loadgen/rate"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStatePending indicates the VU has been created but not started.
	VUStatePending VUState = iota
	// VUStateRunning indicates the VU is walking its scenario.
	VUStateRunning
	// VUStateCompleted indicates the VU reached the end of its scenario.
	VUStateCompleted
	// VUStateFailed indicates the VU was stopped or aborted.
	VUStateFailed
)

func (s VUState) String() string {
	switch s {
	case VUStatePending:
		return "pending"
	case VUStateRunning:
		return "running"
	case VUStateCompleted:
		return "completed"
	case VUStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailurePolicy decides what a VU does after a failed request.
type FailurePolicy int

const (
	// FailurePolicyContinue records the failure and moves on.
	FailurePolicyContinue FailurePolicy = iota
	// FailurePolicyAbort ends the VU once the failed request's resource
	// group has finished.
	FailurePolicyAbort
)

func (p FailurePolicy) String() string {
	if p == FailurePolicyAbort {
		return "abort"
	}
	return "continue"
}

// ParseFailurePolicy parses "continue" or "abort". An empty string means
// continue.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue":
		return FailurePolicyContinue, nil
	case "abort":
		return FailurePolicyAbort, nil
	}
	return FailurePolicyContinue, fmt.Errorf("unknown failure policy %q (expected continue or abort)", s)
}

// Cursor is a VU's position in its scenario.
type Cursor struct {
	// Position counts the requests, resources and pauses entered so far. It
	// never decreases.
	Position int

	// Path is the index path of the current step through nested groups. A
	// resource adds its index below its parent request.
	Path []int
}

// VirtualUser represents a single simulated user walking a scenario once.
//
// Each VU has its own:
// - Cursor (monotonic position in the scenario)
// - Session variables (values saved by checks)
// - Lifecycle state
//
// The scenario, protocol configuration, HTTP client and collector are shared
// with every other VU of the run and are never modified.
type VirtualUser struct {
	// Unique identifier for this VU
	ID int

	Scenario   *Scenario
	Protocol   *ProtocolConfig
	HTTPClient *http.Client
	Metrics    *metrics.Collector

	policy   FailurePolicy
	throttle *rate.LeakyBucket
	logger   *zap.Logger
	rng      *rand.Rand

	// Lifecycle state (atomic for lock-free reads)
	state atomic.Int32

	// Stop signal; closed at most once
	stopCh   chan struct{}
	stopOnce sync.Once

	// Done signal (closed when Run returns)
	doneCh chan struct{}

	cursorMu sync.RWMutex
	cursor   Cursor

	// Per-VU session variables
	session   map[string]string
	sessionMu sync.RWMutex

	err error
}

// VUOption configures a VirtualUser.
type VUOption func(*VirtualUser)

// WithFailurePolicy sets what the VU does after a failed request.
func WithFailurePolicy(p FailurePolicy) VUOption {
	return func(vu *VirtualUser) { vu.policy = p }
}

// WithThrottle makes every request wait for a slot of the shared bucket.
func WithThrottle(lb *rate.LeakyBucket) VUOption {
	return func(vu *VirtualUser) { vu.throttle = lb }
}

// WithLogger sets the VU's logger.
func WithLogger(l *zap.Logger) VUOption {
	return func(vu *VirtualUser) {
		if l != nil {
			vu.logger = l
		}
	}
}

// NewVirtualUser creates a pending Virtual User.
func NewVirtualUser(id int, scenario *Scenario, protocol *ProtocolConfig, client *http.Client, collector *metrics.Collector, opts ...VUOption) *VirtualUser {
	vu := &VirtualUser{
		ID:         id,
		Scenario:   scenario,
		Protocol:   protocol,
		HTTPClient: client,
		Metrics:    collector,
		logger:     zap.NewNop(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		session:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(vu)
	}
	vu.logger = vu.logger.With(zap.Int("vu", id))
	return vu
}

// State returns the current VU state.
func (vu *VirtualUser) State() VUState {
	return VUState(vu.state.Load())
}

// Cursor returns a copy of the VU's current position.
func (vu *VirtualUser) Cursor() Cursor {
	vu.cursorMu.RLock()
	defer vu.cursorMu.RUnlock()
	path := make([]int, len(vu.cursor.Path))
	copy(path, vu.cursor.Path)
	return Cursor{Position: vu.cursor.Position, Path: path}
}

// Err returns the error the VU ended with, once Done is closed.
func (vu *VirtualUser) Err() error {
	select {
	case <-vu.doneCh:
		return vu.err
	default:
		return nil
	}
}

// Done is closed when Run returns.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

// RequestStop asks the VU to stop at its next suspension point. In-flight
// requests are allowed to finish. Safe to call any number of times.
func (vu *VirtualUser) RequestStop() {
	vu.stopOnce.Do(func() { close(vu.stopCh) })
}

// Session returns a saved session value.
func (vu *VirtualUser) Session(key string) (string, bool) {
	vu.sessionMu.RLock()
	defer vu.sessionMu.RUnlock()
	v, ok := vu.session[key]
	return v, ok
}

// Run walks the scenario once, from the first step to the last.
//
// Returns:
//   - nil when the scenario completed (failed requests included, under the
//     continue policy)
//   - ErrStopped when RequestStop was called or ctx was cancelled first
//   - ErrScenarioAborted when a request failed under the abort policy
//
// ctx is the hard deadline of the run: cancelling it also aborts in-flight
// requests.
func (vu *VirtualUser) Run(ctx context.Context) error {
	if !vu.state.CompareAndSwap(int32(VUStatePending), int32(VUStateRunning)) {
		return fmt.Errorf("virtual user %d already started", vu.ID)
	}
	defer close(vu.doneCh)

	err := vu.runSteps(ctx, vu.Scenario.Steps, nil)
	vu.err = err
	if err != nil {
		vu.state.Store(int32(VUStateFailed))
		return err
	}
	vu.state.Store(int32(VUStateCompleted))
	return nil
}

func (vu *VirtualUser) runSteps(ctx context.Context, steps []Step, parent []int) error {
	for i, step := range steps {
		path := make([]int, len(parent)+1)
		copy(path, parent)
		path[len(parent)] = i

		if err := vu.checkStop(ctx); err != nil {
			return err
		}

		switch step.Kind {
		case StepRequest:
			if err := vu.runRequestGroup(ctx, step.Request, path); err != nil {
				return err
			}
		case StepPause:
			vu.advance(path)
			if err := vu.pause(ctx, step.Pause); err != nil {
				return err
			}
		case StepGroup:
			if err := vu.runSteps(ctx, step.Group.Steps, path); err != nil {
				return err
			}
		}
	}
	return nil
}

// runRequestGroup issues a request followed by its resources. Every member
// of the group is attempted whatever the outcome of the others.
func (vu *VirtualUser) runRequestGroup(ctx context.Context, t *RequestTemplate, path []int) error {
	vu.advance(path)
	ok := vu.execute(ctx, t)

	for j, res := range t.Resources {
		if err := vu.checkStop(ctx); err != nil {
			return err
		}
		resPath := make([]int, len(path)+1)
		copy(resPath, path)
		resPath[len(path)] = j

		vu.advance(resPath)
		if !vu.execute(ctx, res) {
			ok = false
		}
	}

	if !ok && vu.policy == FailurePolicyAbort {
		return ErrScenarioAborted
	}
	return nil
}

func (vu *VirtualUser) checkStop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrStopped
	case <-vu.stopCh:
		return ErrStopped
	default:
		return nil
	}
}

func (vu *VirtualUser) advance(path []int) {
	vu.cursorMu.Lock()
	vu.cursor.Position++
	vu.cursor.Path = path
	vu.cursorMu.Unlock()
}

// pause waits for the pause duration or until stopped.
func (vu *VirtualUser) pause(ctx context.Context, p Pause) error {
	d := p.sample(vu.rng)
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ErrStopped
	case <-vu.stopCh:
		return ErrStopped
	case <-timer.C:
		return nil
	}
}

// execute issues one request, evaluates its checks and records the outcome.
// It reports whether the request succeeded.
func (vu *VirtualUser) execute(ctx context.Context, t *RequestTemplate) bool {
	if vu.throttle != nil {
		if err := vu.throttle.Wait(ctx); err != nil {
			return false
		}
	}

	url := vu.Protocol.ResolveURL(vu.resolve(t.Path))
	sample := metrics.Sample{Name: t.Name}

	reqCtx := ctx
	if timeout := vu.Protocol.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	status, body, err := vu.roundTrip(reqCtx, t, url, &sample)
	sample.Latency = time.Since(start)
	sample.Status = status

	if err == nil {
		err = vu.check(t, status, body)
	}

	switch {
	case err == nil:
		sample.Outcome = metrics.OutcomeOK
	default:
		var timeoutErr *TimeoutError
		var connErr *ConnectionError
		switch {
		case errors.As(err, &timeoutErr):
			sample.Outcome = metrics.OutcomeTimeout
		case errors.As(err, &connErr):
			sample.Outcome = metrics.OutcomeConnectionError
		default:
			sample.Outcome = metrics.OutcomeKO
		}
		vu.logger.Debug("request failed",
			zap.String("request", t.Name),
			zap.String("url", url),
			zap.Stringer("outcome", sample.Outcome),
			zap.Error(err),
		)
	}

	vu.Metrics.RecordSample(sample)
	return sample.Outcome == metrics.OutcomeOK
}

// roundTrip sends the request and reads the whole response body. The
// returned body is decompressed when the encoding policy asks for it.
func (vu *VirtualUser) roundTrip(ctx context.Context, t *RequestTemplate, url string, sample *metrics.Sample) (int, []byte, error) {
	var body io.Reader
	if t.Body != "" {
		body = strings.NewReader(vu.resolve(t.Body))
	}

	req, err := http.NewRequestWithContext(ctx, t.Method, url, body)
	if err != nil {
		return 0, nil, &ConnectionError{Request: t.Name, URL: url, Err: err}
	}
	vu.Protocol.applyHeaders(req.Header, t, vu.resolve)

	resp, err := vu.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, classifyTransportError(t.Name, url, vu.Protocol.RequestTimeout, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	sample.Bytes = int64(len(raw))
	if err != nil {
		return resp.StatusCode, nil, classifyTransportError(t.Name, url, vu.Protocol.RequestTimeout, err)
	}

	if vu.Protocol.Encoding.Decompress && len(t.Checks) > 0 &&
		strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		decoded, err := gunzip(raw)
		if err != nil {
			return resp.StatusCode, nil, &CheckError{Request: t.Name, Check: "gzip", Err: err}
		}
		raw = decoded
	}
	return resp.StatusCode, raw, nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// check applies the template's checks in order and stops at the first
// failure. Values captured by checks are saved only when every check passes.
func (vu *VirtualUser) check(t *RequestTemplate, status int, body []byte) error {
	if !t.hasStatusCheck() && !statusAcceptable(status) {
		return &CheckError{Request: t.Name, Check: "status", Err: fmt.Errorf("unexpected status %d", status)}
	}

	var saved map[string]string
	for i := range t.Checks {
		c := &t.Checks[i]
		value, err := c.evaluate(status, body)
		if err != nil {
			return &CheckError{Request: t.Name, Check: c.String(), Err: err}
		}
		if c.SaveAs != "" {
			if saved == nil {
				saved = make(map[string]string)
			}
			saved[c.SaveAs] = value
		}
	}

	if len(saved) > 0 {
		vu.sessionMu.Lock()
		for k, v := range saved {
			vu.session[k] = v
		}
		vu.sessionMu.Unlock()
	}
	return nil
}

// resolve replaces {{name}} placeholders with, in order of precedence, a
// session value, a scenario variable or the built-in userId. Unknown
// placeholders are left untouched.
func (vu *VirtualUser) resolve(input string) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	var sb strings.Builder
	rest := input
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			sb.WriteString(rest)
			break
		}
		end := strings.Index(rest[open+2:], "}}")
		if end < 0 {
			sb.WriteString(rest)
			break
		}
		name := strings.TrimSpace(rest[open+2 : open+2+end])
		sb.WriteString(rest[:open])
		if value, ok := vu.lookup(name); ok {
			sb.WriteString(value)
		} else {
			sb.WriteString(rest[open : open+2+end+2])
		}
		rest = rest[open+2+end+2:]
	}
	return sb.String()
}

func (vu *VirtualUser) lookup(name string) (string, bool) {
	vu.sessionMu.RLock()
	v, ok := vu.session[name]
	vu.sessionMu.RUnlock()
	if ok {
		return v, true
	}
	if v, ok := vu.Scenario.Variables[name]; ok {
		return v, true
	}
	if name == "userId" {
		return strconv.Itoa(vu.ID), true
	}
	return "", false
}
