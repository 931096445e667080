package loadgen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	// ErrStopped is returned by a VirtualUser that was told to stop before it
	// reached the end of its scenario.
	ErrStopped = errors.New("virtual user stopped before completing its scenario")

	// ErrScenarioAborted is returned by a VirtualUser running under
	// FailurePolicyAbort once a request (or resource group) has failed.
	ErrScenarioAborted = errors.New("scenario aborted after a failed request")

	// ErrTargetUnreachable marks a run that could not reach its target before
	// any user was started.
	ErrTargetUnreachable = errors.New("target unreachable")
)

// Issue is a single problem found while compiling a scenario definition.
type Issue struct {
	Field   string
	Message string
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// DefinitionError reports a malformed scenario definition. It is fatal and is
// always returned before any virtual user is scheduled.
type DefinitionError struct {
	Issues []Issue
}

func (e *DefinitionError) Error() string {
	switch len(e.Issues) {
	case 0:
		return "invalid scenario definition"
	case 1:
		return "invalid scenario definition: " + e.Issues[0].String()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "invalid scenario definition (%d issues):", len(e.Issues))
	for i, issue := range e.Issues {
		fmt.Fprintf(&sb, "\n  %d. %s", i+1, issue)
	}
	return sb.String()
}

// Add records an issue against field.
func (e *DefinitionError) Add(field, message string) {
	e.Issues = append(e.Issues, Issue{Field: field, Message: message})
}

// Addf records a formatted issue against field.
func (e *DefinitionError) Addf(field, format string, args ...any) {
	e.Add(field, fmt.Sprintf(format, args...))
}

// HasIssues reports whether any issue was recorded.
func (e *DefinitionError) HasIssues() bool {
	return len(e.Issues) > 0
}

// ErrOrNil returns e when it holds issues and nil otherwise, so callers can
// accumulate into a DefinitionError and return it unconditionally.
func (e *DefinitionError) ErrOrNil() error {
	if e == nil || !e.HasIssues() {
		return nil
	}
	return e
}

// ConnectionError is a transport-level failure of a single request. It is
// recorded as a failed outcome and never aborts the scenario by itself.
type ConnectionError struct {
	Request string
	URL     string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("request %q to %s: connection error: %v", e.Request, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is a request that did not complete within its timeout. It is
// counted separately from connection errors.
type TimeoutError struct {
	Request string
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("request %q to %s: timed out after %s", e.Request, e.URL, e.Timeout)
	}
	return fmt.Sprintf("request %q to %s: timed out", e.Request, e.URL)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// CheckError is a response that arrived but failed one of its checks.
type CheckError struct {
	Request string
	Check   string
	Err     error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("request %q: check %s failed: %v", e.Request, e.Check, e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }

// SchedulerOverloadError describes users that could not be started on time.
// It is informational: it is attached to the run statistics, never returned
// as a fatal error.
type SchedulerOverloadError struct {
	Delayed     int64
	Queued      int64
	MaxStartLag time.Duration
}

func (e *SchedulerOverloadError) Error() string {
	return fmt.Sprintf("scheduler overloaded: %d user starts delayed (max lag %s), %d queued behind the concurrency cap",
		e.Delayed, e.MaxStartLag.Round(time.Millisecond), e.Queued)
}

// classifyTransportError turns an error from http.Client.Do (or from reading
// the body) into a ConnectionError or TimeoutError.
func classifyTransportError(request, url string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Request: request, URL: url, Timeout: timeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Request: request, URL: url, Timeout: timeout, Err: err}
	}
	return &ConnectionError{Request: request, URL: url, Err: err}
}
