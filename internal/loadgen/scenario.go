// Package loadgen contains the scenario model and the runtime that executes
// it: virtual users walking a compiled scenario graph, started by a
// scheduler that follows an injection profile.
package loadgen

import (
	"math/rand"
	"time"
)

// StepKind identifies the variant held by a Step.
type StepKind int

const (
	// StepRequest issues a request template (and its resources, if any).
	StepRequest StepKind = iota
	// StepPause suspends the virtual user.
	StepPause
	// StepGroup runs a named, nested list of steps.
	StepGroup
)

func (k StepKind) String() string {
	switch k {
	case StepRequest:
		return "request"
	case StepPause:
		return "pause"
	case StepGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Step is one node of the scenario graph. Exactly one of Request, Pause or
// Group is meaningful, as selected by Kind.
type Step struct {
	Kind    StepKind
	Request *RequestTemplate
	Pause   Pause
	Group   *Group
}

// RequestStep wraps a request template in a step.
func RequestStep(t *RequestTemplate) Step {
	return Step{Kind: StepRequest, Request: t}
}

// PauseStep builds a fixed pause.
func PauseStep(d time.Duration) Step {
	return Step{Kind: StepPause, Pause: Pause{Min: d}}
}

// RandomPauseStep builds a pause drawn uniformly from [min, max].
func RandomPauseStep(min, max time.Duration) Step {
	return Step{Kind: StepPause, Pause: Pause{Min: min, Max: max}}
}

// GroupStep builds a named group of steps.
func GroupStep(name string, steps ...Step) Step {
	return Step{Kind: StepGroup, Group: &Group{Name: name, Steps: steps}}
}

// Pause is a think time. When Max is greater than Min the actual duration is
// drawn uniformly from [Min, Max] for every execution.
type Pause struct {
	Min time.Duration
	Max time.Duration
}

// IsRandom reports whether the pause has a range.
func (p Pause) IsRandom() bool {
	return p.Max > p.Min
}

func (p Pause) sample(rng *rand.Rand) time.Duration {
	if !p.IsRandom() {
		return p.Min
	}
	return p.Min + time.Duration(rng.Int63n(int64(p.Max-p.Min)+1))
}

func (p Pause) String() string {
	if p.IsRandom() {
		return p.Min.String() + ".." + p.Max.String()
	}
	return p.Min.String()
}

// Group is a named sequence of steps. Groups only structure the scenario;
// they do not change execution semantics.
type Group struct {
	Name  string
	Steps []Step
}

// RequestTemplate is a compiled, immutable description of one HTTP request.
type RequestTemplate struct {
	// Name identifies the request in metrics. Several templates may share a
	// name, in which case their samples are aggregated together.
	Name string

	// Method is the upper-case HTTP method.
	Method string

	// Path is either relative to the protocol base URL or absolute.
	Path string

	// Headers are applied over the protocol defaults.
	Headers Headers

	Body string

	// Checks run against every response. When empty, the response status
	// must be 2xx or 3xx.
	Checks []Check

	// Resources are fetched after this request completes, in order. Each has
	// its own outcome; one failing never prevents the others.
	Resources []*RequestTemplate
}

// Scenario is a compiled scenario graph. It is read-only once compiled and
// shared by every virtual user.
type Scenario struct {
	Name      string
	Steps     []Step
	Variables map[string]string
}

// Leaves returns the number of cursor positions a virtual user passes through
// when it runs the whole scenario: one per request, resource and pause.
func (s *Scenario) Leaves() int {
	return countLeaves(s.Steps)
}

func countLeaves(steps []Step) int {
	n := 0
	for _, step := range steps {
		switch step.Kind {
		case StepRequest:
			n += 1 + len(step.Request.Resources)
		case StepPause:
			n++
		case StepGroup:
			n += countLeaves(step.Group.Steps)
		}
	}
	return n
}

// Requests returns every request template in execution order, resources
// included.
func (s *Scenario) Requests() []*RequestTemplate {
	var out []*RequestTemplate
	s.Walk(func(_ []int, step Step) {
		if step.Kind == StepRequest {
			out = append(out, step.Request)
			out = append(out, step.Request.Resources...)
		}
	})
	return out
}

// Walk visits every step depth-first, groups before their children. The path
// slice must not be retained by fn.
func (s *Scenario) Walk(fn func(path []int, step Step)) {
	walkSteps(s.Steps, nil, fn)
}

func walkSteps(steps []Step, parent []int, fn func([]int, Step)) {
	for i, step := range steps {
		path := append(parent, i)
		fn(path, step)
		if step.Kind == StepGroup {
			walkSteps(step.Group.Steps, path, fn)
		}
	}
}

// MinDuration is the sum of the minimum pause durations, i.e. the shortest
// time a virtual user can take to finish, ignoring response times.
func (s *Scenario) MinDuration() time.Duration {
	var total time.Duration
	s.Walk(func(_ []int, step Step) {
		if step.Kind == StepPause {
			total += step.Pause.Min
		}
	})
	return total
}
