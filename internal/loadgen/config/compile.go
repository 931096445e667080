package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/wesleyorama2/volley/internal/loadgen"
	"github.com/wesleyorama2/volley/internal/loadgen/injection"
)

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// Simulation is a compiled simulation file: everything a run needs, all of
// it read-only once Compile returns.
type Simulation struct {
	Name        string
	Description string
	Scenario    *loadgen.Scenario
	Protocol    *loadgen.ProtocolConfig
	Profile     injection.Profile
	Scheduler   loadgen.SchedulerConfig

	// MaxDuration stops the run after this long. 0 lets it run to the end.
	MaxDuration time.Duration

	Thresholds []Threshold
}

// Overrides are command-line values applied over a compiled simulation.
// Zero values and nil pointers leave the simulation unchanged.
type Overrides struct {
	// Users replaces the injection profile with AtOnce(Users).
	Users int64

	// Duration caps the run.
	Duration time.Duration

	MaxConcurrentUsers *int
	GracefulStop       *time.Duration
	AbortOnFailure     bool
}

// Apply applies o to the simulation.
func (s *Simulation) Apply(o Overrides) error {
	errs := &loadgen.DefinitionError{}
	if o.Users < 0 {
		errs.Addf("--users", "must be non-negative, got %d", o.Users)
	}
	if o.Duration < 0 {
		errs.Addf("--duration", "must be non-negative, got %s", o.Duration)
	}
	if o.MaxConcurrentUsers != nil && *o.MaxConcurrentUsers < 0 {
		errs.Addf("--max-concurrent", "must be non-negative, got %d", *o.MaxConcurrentUsers)
	}
	if o.GracefulStop != nil && *o.GracefulStop < 0 {
		errs.Addf("--grace", "must be non-negative, got %s", *o.GracefulStop)
	}
	if err := errs.ErrOrNil(); err != nil {
		return err
	}

	if o.Users > 0 {
		s.Profile = injection.Profile{injection.AtOnce{N: o.Users}}
	}
	if o.Duration > 0 {
		s.MaxDuration = o.Duration
	}
	if o.MaxConcurrentUsers != nil {
		s.Scheduler.MaxConcurrentUsers = *o.MaxConcurrentUsers
	}
	if o.GracefulStop != nil {
		s.Scheduler.GracefulStop = *o.GracefulStop
	}
	if o.AbortOnFailure {
		s.Scheduler.FailurePolicy = loadgen.FailurePolicyAbort
	}
	return nil
}

// Compile turns a parsed simulation file into a Simulation.
//
// Every problem found is reported at once in a *loadgen.DefinitionError whose
// issues carry the field path, e.g. "steps[1].pause".
func Compile(cfg *SimulationConfig) (*Simulation, error) {
	c := &compiler{
		errs:       &loadgen.DefinitionError{},
		headerSets: make(map[string]loadgen.Headers, len(cfg.HeaderSets)),
	}

	for name, list := range cfg.HeaderSets {
		c.headerSets[name] = loadgen.NewHeaders(list...)
	}

	protocol := c.compileProtocol(&cfg.Protocol)
	c.baseURL = protocol.BaseURL

	if len(cfg.Steps) == 0 {
		c.errs.Add("steps", "at least one step is required")
	}
	steps := c.compileSteps("steps", cfg.Steps)
	profile := c.compileInjection(cfg.Injection)
	scheduler, maxDuration := c.compileOptions(&cfg.Options)
	thresholds := c.compileThresholds(cfg.Thresholds)

	if err := c.errs.ErrOrNil(); err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = "simulation"
	}
	variables := make(map[string]string, len(cfg.Variables))
	for k, v := range cfg.Variables {
		variables[k] = v
	}

	return &Simulation{
		Name:        name,
		Description: cfg.Description,
		Scenario:    &loadgen.Scenario{Name: name, Steps: steps, Variables: variables},
		Protocol:    protocol,
		Profile:     profile,
		Scheduler:   scheduler,
		MaxDuration: maxDuration,
		Thresholds:  thresholds,
	}, nil
}

type compiler struct {
	errs       *loadgen.DefinitionError
	headerSets map[string]loadgen.Headers
	baseURL    string
	requests   int
}

func (c *compiler) duration(field, raw string, allowNegative bool) time.Duration {
	d, err := ParseDurationString(raw)
	if err != nil {
		c.errs.Add(field, err.Error())
		return 0
	}
	if d < 0 && !allowNegative {
		c.errs.Addf(field, "cannot be negative, got %s", d)
		return 0
	}
	return d
}

func (c *compiler) compileProtocol(p *ProtocolSettings) *loadgen.ProtocolConfig {
	out := loadgen.DefaultProtocolConfig()

	if p.BaseURL != "" {
		u, err := url.Parse(p.BaseURL)
		if err != nil {
			c.errs.Addf("protocol.baseUrl", "invalid URL: %v", err)
		} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			c.errs.Addf("protocol.baseUrl", "must be an absolute http(s) URL, got %q", p.BaseURL)
		}
		out.BaseURL = p.BaseURL
	}

	defaults := append([]loadgen.Header(nil), p.Headers...)
	if p.AcceptEncoding != "" {
		defaults = append(defaults, loadgen.Header{Name: "Accept-Encoding", Value: p.AcceptEncoding})
	}
	if p.AcceptLanguage != "" {
		defaults = append(defaults, loadgen.Header{Name: "Accept-Language", Value: p.AcceptLanguage})
	}
	if p.UserAgent != "" {
		defaults = append(defaults, loadgen.Header{Name: "User-Agent", Value: p.UserAgent})
	}
	out.DefaultHeaders = loadgen.NewHeaders(defaults...)

	if p.Encoding != nil {
		out.Encoding.Accept = p.Encoding.Accept
		if p.Encoding.Decompress != nil {
			out.Encoding.Decompress = *p.Encoding.Decompress
		}
	}

	if p.Timeout != "" {
		if d := c.duration("protocol.timeout", p.Timeout, false); d > 0 {
			out.RequestTimeout = d
		}
	}
	if p.ConnectTimeout != "" {
		if d := c.duration("protocol.connectTimeout", p.ConnectTimeout, false); d > 0 {
			out.ConnectTimeout = d
		}
	}

	if p.MaxConnectionsPerHost < 0 {
		c.errs.Add("protocol.maxConnectionsPerHost", "cannot be negative")
	}
	out.MaxConnsPerHost = p.MaxConnectionsPerHost
	if p.MaxIdleConnsPerHost < 0 {
		c.errs.Add("protocol.maxIdleConnsPerHost", "cannot be negative")
	} else if p.MaxIdleConnsPerHost > 0 {
		out.MaxIdleConnsPerHost = p.MaxIdleConnsPerHost
	}

	out.InsecureSkipVerify = p.InsecureSkipVerify
	if p.FollowRedirects != nil {
		out.FollowRedirects = *p.FollowRedirects
	}
	return &out
}

func (c *compiler) compileSteps(prefix string, steps []StepConfig) []loadgen.Step {
	out := make([]loadgen.Step, 0, len(steps))
	for i := range steps {
		field := fmt.Sprintf("%s[%d]", prefix, i)
		if step, ok := c.compileStep(field, &steps[i]); ok {
			out = append(out, step)
		}
	}
	return out
}

func (c *compiler) compileStep(field string, sc *StepConfig) (loadgen.Step, bool) {
	set := 0
	for _, present := range []bool{sc.Request != nil, sc.Pause != nil, sc.Group != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		c.errs.Add(field, "step must have exactly one of request, pause or group")
		return loadgen.Step{}, false
	}

	switch {
	case sc.Request != nil:
		t := c.compileRequest(field+".request", sc.Request, true)
		return loadgen.RequestStep(t), true

	case sc.Pause != nil:
		return c.compilePause(field+".pause", sc.Pause)

	default:
		g := sc.Group
		if g.Name == "" {
			c.errs.Add(field+".group.name", "group name is required")
		}
		if len(g.Steps) == 0 {
			c.errs.Add(field+".group.steps", "group must contain at least one step")
		}
		return loadgen.GroupStep(g.Name, c.compileSteps(field+".group.steps", g.Steps)...), true
	}
}

func (c *compiler) compilePause(field string, p *PauseConfig) (loadgen.Step, bool) {
	if !p.IsRange() {
		if strings.TrimSpace(p.Fixed) == "" {
			c.errs.Add(field, "pause duration is required")
			return loadgen.Step{}, false
		}
		return loadgen.PauseStep(c.duration(field, p.Fixed, false)), true
	}

	if p.Min == "" || p.Max == "" {
		c.errs.Add(field, "random pause needs both min and max")
		return loadgen.Step{}, false
	}
	minDur := c.duration(field+".min", p.Min, false)
	maxDur := c.duration(field+".max", p.Max, false)
	if minDur > maxDur {
		c.errs.Add(field, "min must be less than or equal to max")
	}
	return loadgen.RandomPauseStep(minDur, maxDur), true
}

func (c *compiler) compileRequest(field string, rc *RequestConfig, allowResources bool) *loadgen.RequestTemplate {
	t := &loadgen.RequestTemplate{
		Name:   rc.Name,
		Method: strings.ToUpper(strings.TrimSpace(rc.Method)),
		Path:   strings.TrimSpace(rc.Path),
		Body:   rc.Body,
	}
	if t.Name == "" {
		t.Name = fmt.Sprintf("request_%d", c.requests)
	}
	c.requests++

	if t.Method == "" {
		t.Method = "GET"
	} else if !validMethods[t.Method] {
		c.errs.Addf(field+".method", "invalid HTTP method: %s", rc.Method)
	}

	switch {
	case t.Path == "":
		c.errs.Add(field+".path", "path is required")
	case isAbsoluteURL(t.Path):
	case c.baseURL == "":
		c.errs.Addf(field+".path", "relative path %q needs protocol.baseUrl", t.Path)
	}

	var headers loadgen.Headers
	if rc.Headers != "" {
		set, ok := c.headerSets[rc.Headers]
		if !ok {
			c.errs.Addf(field+".headers", "undefined header set %q", rc.Headers)
		}
		headers = set
	}
	if len(rc.ExtraHeaders) > 0 {
		headers = headers.Merge(loadgen.NewHeaders(rc.ExtraHeaders...))
	}
	t.Headers = headers

	for i := range rc.Checks {
		if check, ok := c.compileCheck(fmt.Sprintf("%s.checks[%d]", field, i), &rc.Checks[i]); ok {
			t.Checks = append(t.Checks, check)
		}
	}

	if len(rc.Resources) > 0 && !allowResources {
		c.errs.Add(field+".resources", "resources cannot be nested")
	}
	for i := range rc.Resources {
		res := c.compileRequest(fmt.Sprintf("%s.resources[%d]", field, i), &rc.Resources[i], false)
		t.Resources = append(t.Resources, res)
	}
	return t
}

func (c *compiler) compileCheck(field string, cc *CheckConfig) (loadgen.Check, bool) {
	set := 0
	for _, present := range []bool{len(cc.Status) > 0, cc.JSONPath != "", cc.BodyContains != "", cc.JSONSchema != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		c.errs.Add(field, "check must have exactly one of status, jsonPath, bodyContains or jsonSchema")
		return loadgen.Check{}, false
	}
	if (cc.Equals != nil || cc.SaveAs != "") && cc.JSONPath == "" {
		c.errs.Add(field, "equals and saveAs only apply to jsonPath checks")
		return loadgen.Check{}, false
	}

	switch {
	case len(cc.Status) > 0:
		for _, code := range cc.Status {
			if code < 100 || code > 599 {
				c.errs.Addf(field+".status", "invalid status code %d", code)
				return loadgen.Check{}, false
			}
		}
		return loadgen.StatusCheck(cc.Status...), true

	case cc.JSONPath != "":
		check, err := loadgen.JSONPathCheck(cc.JSONPath)
		if err != nil {
			c.errs.Add(field+".jsonPath", err.Error())
			return loadgen.Check{}, false
		}
		check.Equals = cc.Equals
		check.SaveAs = cc.SaveAs
		return check, true

	case cc.BodyContains != "":
		return loadgen.BodyContainsCheck(cc.BodyContains), true

	default:
		schema, err := schemaText(cc.JSONSchema)
		if err == nil {
			var check loadgen.Check
			if check, err = loadgen.JSONSchemaCheck(schema); err == nil {
				return check, true
			}
		}
		c.errs.Add(field+".jsonSchema", err.Error())
		return loadgen.Check{}, false
	}
}

// schemaText accepts a schema written as a JSON string or inline as a
// mapping.
func schemaText(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("schema is not JSON-compatible: %w", err)
	}
	return string(data), nil
}

func (c *compiler) compileInjection(entries []InjectionConfig) injection.Profile {
	if len(entries) == 0 {
		c.errs.Add("injection", "at least one injection directive is required")
		return nil
	}

	profile := make(injection.Profile, 0, len(entries))
	for i := range entries {
		field := fmt.Sprintf("injection[%d]", i)
		d, ok := c.compileDirective(field, &entries[i])
		if !ok {
			continue
		}
		if err := d.Validate(); err != nil {
			c.errs.Add(field, err.Error())
			continue
		}
		profile = append(profile, d)
	}
	return profile
}

func (c *compiler) compileDirective(field string, ic *InjectionConfig) (injection.Directive, bool) {
	set := 0
	for _, present := range []bool{ic.AtOnce != nil, ic.RampUsers != nil, ic.ConstantRate != nil, ic.NothingFor != nil, ic.RampRate != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		c.errs.Add(field, "directive must have exactly one of atOnce, rampUsers, constantRate, nothingFor or rampRate")
		return nil, false
	}

	switch {
	case ic.AtOnce != nil:
		return injection.AtOnce{N: *ic.AtOnce}, true
	case ic.RampUsers != nil:
		return injection.RampUsers{N: ic.RampUsers.Users, Over: c.duration(field+".rampUsers.over", ic.RampUsers.Over, true)}, true
	case ic.ConstantRate != nil:
		return injection.ConstantRate{Rate: ic.ConstantRate.Rate, During: c.duration(field+".constantRate.during", ic.ConstantRate.During, true)}, true
	case ic.NothingFor != nil:
		return injection.NothingFor{D: c.duration(field+".nothingFor", *ic.NothingFor, true)}, true
	default:
		r := ic.RampRate
		return injection.RampRate{From: r.From, To: r.To, During: c.duration(field+".rampRate.during", r.During, true)}, true
	}
}

func (c *compiler) compileOptions(o *OptionsConfig) (loadgen.SchedulerConfig, time.Duration) {
	cfg := loadgen.DefaultSchedulerConfig()

	if o.MaxConcurrentUsers < 0 {
		c.errs.Add("options.maxConcurrentUsers", "cannot be negative")
	}
	cfg.MaxConcurrentUsers = o.MaxConcurrentUsers

	policy, err := loadgen.ParseFailurePolicy(o.OnFailure)
	if err != nil {
		c.errs.Add("options.onFailure", err.Error())
	}
	cfg.FailurePolicy = policy

	if o.GracefulStop != "" {
		cfg.GracefulStop = c.duration("options.gracefulStop", o.GracefulStop, false)
	}
	if o.LateStartTolerance != "" {
		cfg.LateStartTolerance = c.duration("options.lateStartTolerance", o.LateStartTolerance, false)
	}

	var maxDuration time.Duration
	if o.MaxDuration != "" {
		maxDuration = c.duration("options.maxDuration", o.MaxDuration, false)
	}

	if o.Throttle != nil {
		if o.Throttle.RPS <= 0 {
			c.errs.Addf("options.throttle.rps", "must be greater than 0, got %g", o.Throttle.RPS)
		}
		cfg.ThrottleRPS = o.Throttle.RPS
	}
	return cfg, maxDuration
}

func (c *compiler) compileThresholds(t *ThresholdsConfig) []Threshold {
	if t == nil {
		return nil
	}

	var out []Threshold
	groups := []struct {
		metric string
		exprs  []string
	}{
		{MetricHTTPReqDuration, t.HTTPReqDuration},
		{MetricHTTPReqFailed, t.HTTPReqFailed},
		{MetricHTTPReqs, t.HTTPReqs},
	}
	for _, g := range groups {
		for i, expr := range g.exprs {
			th, err := ParseThreshold(g.metric, expr)
			if err != nil {
				c.errs.Add(fmt.Sprintf("thresholds.%s[%d]", g.metric, i), err.Error())
				continue
			}
			out = append(out, th)
		}
	}
	return out
}

func isAbsoluteURL(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}
