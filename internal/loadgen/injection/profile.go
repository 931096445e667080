// Package injection describes when virtual users start.
//
// A Profile is an ordered list of directives. Each directive contributes a
// number of users and a length of time; the next directive starts where the
// previous one ends. Iterating a profile yields one start offset per user,
// relative to the start of the run, in non-decreasing order.
package injection

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// countEpsilon absorbs float error in rate × duration products such as
// 2.3 × 10 = 22.999999999999996.
const countEpsilon = 1e-9

// Directive is one step of an injection profile.
type Directive interface {
	// Users is the number of users this directive starts.
	Users() int64

	// Duration is the time this directive occupies.
	Duration() time.Duration

	// Offset returns the start offset of user i (0 <= i < Users()),
	// relative to the directive's own start.
	Offset(i int64) time.Duration

	// Validate reports a malformed directive.
	Validate() error

	String() string
}

// AtOnce starts N users immediately.
type AtOnce struct {
	N int64
}

func (d AtOnce) Users() int64               { return d.N }
func (d AtOnce) Duration() time.Duration    { return 0 }
func (d AtOnce) Offset(int64) time.Duration { return 0 }
func (d AtOnce) String() string             { return fmt.Sprintf("atOnce(%d)", d.N) }

func (d AtOnce) Validate() error {
	if d.N < 0 {
		return fmt.Errorf("atOnce: user count must be non-negative, got %d", d.N)
	}
	return nil
}

// RampUsers starts N users evenly spread over Over. The first user starts at
// the directive start and the last one at its end.
type RampUsers struct {
	N    int64
	Over time.Duration
}

func (d RampUsers) Users() int64            { return d.N }
func (d RampUsers) Duration() time.Duration { return d.Over }

func (d RampUsers) Offset(i int64) time.Duration {
	if d.N <= 1 {
		return 0
	}
	return time.Duration(float64(d.Over) * float64(i) / float64(d.N-1))
}

func (d RampUsers) String() string {
	return fmt.Sprintf("rampUsers(%d, %s)", d.N, d.Over)
}

func (d RampUsers) Validate() error {
	if d.N < 0 {
		return fmt.Errorf("rampUsers: user count must be non-negative, got %d", d.N)
	}
	if d.Over < 0 {
		return fmt.Errorf("rampUsers: duration must be non-negative, got %s", d.Over)
	}
	return nil
}

// ConstantRate starts Rate users per second for During.
type ConstantRate struct {
	Rate   float64
	During time.Duration
}

func (d ConstantRate) Users() int64 {
	if d.Rate <= 0 || d.During <= 0 {
		return 0
	}
	return int64(math.Floor(d.Rate*d.During.Seconds() + countEpsilon))
}

func (d ConstantRate) Duration() time.Duration { return d.During }

func (d ConstantRate) Offset(i int64) time.Duration {
	return time.Duration(float64(i) / d.Rate * float64(time.Second))
}

func (d ConstantRate) String() string {
	return fmt.Sprintf("constantRate(%g/s, %s)", d.Rate, d.During)
}

func (d ConstantRate) Validate() error {
	if math.IsNaN(d.Rate) || math.IsInf(d.Rate, 0) || d.Rate <= 0 {
		return fmt.Errorf("constantRate: rate must be a positive number, got %g", d.Rate)
	}
	if d.During <= 0 {
		return fmt.Errorf("constantRate: duration must be positive, got %s", d.During)
	}
	return nil
}

// NothingFor starts no users and delays the following directives.
type NothingFor struct {
	D time.Duration
}

func (d NothingFor) Users() int64               { return 0 }
func (d NothingFor) Duration() time.Duration    { return d.D }
func (d NothingFor) Offset(int64) time.Duration { return 0 }
func (d NothingFor) String() string             { return fmt.Sprintf("nothingFor(%s)", d.D) }

func (d NothingFor) Validate() error {
	if d.D < 0 {
		return fmt.Errorf("nothingFor: duration must be non-negative, got %s", d.D)
	}
	return nil
}

// RampRate changes the arrival rate linearly from From to To users per second
// over During.
type RampRate struct {
	From   float64
	To     float64
	During time.Duration
}

func (d RampRate) Users() int64 {
	if d.During <= 0 {
		return 0
	}
	n := (d.From + d.To) / 2 * d.During.Seconds()
	if n <= 0 {
		return 0
	}
	return int64(math.Floor(n + countEpsilon))
}

func (d RampRate) Duration() time.Duration { return d.During }

// Offset solves From·t + (To−From)·t²/(2·During) = i for t.
func (d RampRate) Offset(i int64) time.Duration {
	k := float64(i)
	a := d.From
	span := d.During.Seconds()
	c := (d.To - d.From) / (2 * span)

	var t float64
	if math.Abs(c) < 1e-12 {
		t = k / a
	} else {
		disc := a*a + 4*c*k
		if disc < 0 {
			disc = 0
		}
		t = (-a + math.Sqrt(disc)) / (2 * c)
	}
	if t < 0 || math.IsNaN(t) {
		t = 0
	}
	if t > span {
		t = span
	}
	return time.Duration(t * float64(time.Second))
}

func (d RampRate) String() string {
	return fmt.Sprintf("rampRate(%g/s -> %g/s, %s)", d.From, d.To, d.During)
}

func (d RampRate) Validate() error {
	for _, r := range []float64{d.From, d.To} {
		if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
			return fmt.Errorf("rampRate: rates must be non-negative numbers, got %g -> %g", d.From, d.To)
		}
	}
	if d.From == 0 && d.To == 0 {
		return fmt.Errorf("rampRate: at least one of the rates must be positive")
	}
	if d.During <= 0 {
		return fmt.Errorf("rampRate: duration must be positive, got %s", d.During)
	}
	return nil
}

// Profile is an ordered list of directives.
type Profile []Directive

// Total returns the number of users the profile starts.
func (p Profile) Total() int64 {
	var n int64
	for _, d := range p {
		n += d.Users()
	}
	return n
}

// Duration returns the time from the run start to the end of the last
// directive.
func (p Profile) Duration() time.Duration {
	var total time.Duration
	for _, d := range p {
		total += d.Duration()
	}
	return total
}

// Validate checks every directive. An empty profile is invalid.
func (p Profile) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("injection profile has no directives")
	}
	for i, d := range p {
		if d == nil {
			return fmt.Errorf("directive %d is empty", i)
		}
		if err := d.Validate(); err != nil {
			return fmt.Errorf("directive %d: %w", i, err)
		}
	}
	return nil
}

func (p Profile) String() string {
	parts := make([]string, len(p))
	for i, d := range p {
		parts[i] = d.String()
	}
	return strings.Join(parts, ", ")
}

// Iterator returns a fresh iterator over the profile's start offsets.
func (p Profile) Iterator() *Iterator {
	return &Iterator{profile: p}
}

// Offsets materialises every start offset. Use Iterator for large profiles.
func (p Profile) Offsets() []time.Duration {
	out := make([]time.Duration, 0, p.Total())
	it := p.Iterator()
	for {
		off, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, off)
	}
}

// Iterator yields start offsets lazily. It is not safe for concurrent use.
type Iterator struct {
	profile Profile
	current int
	index   int64
	base    time.Duration
	last    time.Duration
}

// Next returns the next start offset, or false once the profile is
// exhausted. Offsets never decrease.
func (it *Iterator) Next() (time.Duration, bool) {
	for it.current < len(it.profile) {
		d := it.profile[it.current]
		if it.index < d.Users() {
			off := it.base + d.Offset(it.index)
			it.index++
			if off < it.last {
				off = it.last
			}
			it.last = off
			return off, true
		}
		it.base += d.Duration()
		it.current++
		it.index = 0
	}
	return 0, false
}
