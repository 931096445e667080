// Package config provides parsing and compilation of simulation files.
//
// A simulation file is plain data: it is decoded into SimulationConfig and
// then compiled into the immutable scenario graph, protocol configuration
// and injection profile the runtime executes.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

// SimulationConfig is the root of a simulation file.
//
// Example YAML:
//
//	name: RecordedSimulation
//	protocol:
//	  baseUrl: http://192.168.0.200:3000
//	headerSets:
//	  headers_0:
//	    Accept: text/html
//	steps:
//	  - request: { name: request_0, path: /, headers: headers_0 }
//	  - pause: 22
//	injection:
//	  - atOnce: 20
type SimulationConfig struct {
	// Name of the simulation (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the simulation (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Protocol holds the HTTP settings shared by every request
	Protocol ProtocolSettings `json:"protocol,omitempty" yaml:"protocol,omitempty"`

	// HeaderSets are named, reusable header lists referenced by requests
	HeaderSets map[string]HeaderList `json:"headerSets,omitempty" yaml:"headerSets,omitempty"`

	// Variables are available to {{name}} placeholders
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Steps is the scenario every virtual user walks
	Steps []StepConfig `json:"steps" yaml:"steps"`

	// Injection is the ordered list of injection directives
	Injection []InjectionConfig `json:"injection" yaml:"injection"`

	// Options controls execution
	Options OptionsConfig `json:"options,omitempty" yaml:"options,omitempty"`

	// Thresholds define pass/fail criteria for the run
	Thresholds *ThresholdsConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// ProtocolSettings contains the HTTP protocol configuration.
type ProtocolSettings struct {
	// BaseURL is prepended to relative request paths
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Headers are sent with every request, beneath the request's header set
	Headers HeaderList `json:"headers,omitempty" yaml:"headers,omitempty"`

	// AcceptEncoding, AcceptLanguage and UserAgent are shortcuts for the
	// matching default headers.
	AcceptEncoding string `json:"acceptEncoding,omitempty" yaml:"acceptEncoding,omitempty"`
	AcceptLanguage string `json:"acceptLanguage,omitempty" yaml:"acceptLanguage,omitempty"`
	UserAgent      string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Encoding controls content negotiation and decompression
	Encoding *EncodingConfig `json:"encoding,omitempty" yaml:"encoding,omitempty"`

	// Timeout is the request timeout (e.g. "60s")
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ConnectTimeout bounds the TCP dial
	ConnectTimeout string `json:"connectTimeout,omitempty" yaml:"connectTimeout,omitempty"`

	// MaxConnectionsPerHost limits connections per host
	MaxConnectionsPerHost int `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// FollowRedirects defaults to true
	FollowRedirects *bool `json:"followRedirects,omitempty" yaml:"followRedirects,omitempty"`
}

// EncodingConfig is the Accept-Encoding and decompression policy.
type EncodingConfig struct {
	Accept     string `json:"accept,omitempty" yaml:"accept,omitempty"`
	Decompress *bool  `json:"decompress,omitempty" yaml:"decompress,omitempty"`
}

// StepConfig is one scenario step. Exactly one field must be set.
type StepConfig struct {
	Request *RequestConfig `json:"request,omitempty" yaml:"request,omitempty"`
	Pause   *PauseConfig   `json:"pause,omitempty" yaml:"pause,omitempty"`
	Group   *GroupConfig   `json:"group,omitempty" yaml:"group,omitempty"`
}

// GroupConfig is a named list of nested steps.
type GroupConfig struct {
	Name  string       `json:"name" yaml:"name"`
	Steps []StepConfig `json:"steps" yaml:"steps"`
}

// RequestConfig defines a single HTTP request.
type RequestConfig struct {
	// Name for this request (used in metrics); defaults to request_<n>
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Method is the HTTP method; defaults to GET
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Path is relative to protocol.baseUrl, or an absolute URL
	Path string `json:"path" yaml:"path"`

	// Headers names a header set from headerSets
	Headers string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// ExtraHeaders are applied over the named header set
	ExtraHeaders HeaderList `json:"extraHeaders,omitempty" yaml:"extraHeaders,omitempty"`

	// Body is the request body (supports variable substitution)
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// Checks validate the response
	Checks []CheckConfig `json:"checks,omitempty" yaml:"checks,omitempty"`

	// Resources are fetched after this request completes, in order
	Resources []RequestConfig `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// CheckConfig defines a response check. Exactly one of Status, JSONPath,
// BodyContains or JSONSchema must be set.
type CheckConfig struct {
	Status       IntList `json:"status,omitempty" yaml:"status,omitempty"`
	JSONPath     string  `json:"jsonPath,omitempty" yaml:"jsonPath,omitempty"`
	Equals       *string `json:"equals,omitempty" yaml:"equals,omitempty"`
	SaveAs       string  `json:"saveAs,omitempty" yaml:"saveAs,omitempty"`
	BodyContains string  `json:"bodyContains,omitempty" yaml:"bodyContains,omitempty"`

	// JSONSchema is a schema document, either as a JSON string or inline
	JSONSchema any `json:"jsonSchema,omitempty" yaml:"jsonSchema,omitempty"`
}

// InjectionConfig is one injection directive. Exactly one field must be set.
type InjectionConfig struct {
	AtOnce       *int64              `json:"atOnce,omitempty" yaml:"atOnce,omitempty"`
	RampUsers    *RampUsersConfig    `json:"rampUsers,omitempty" yaml:"rampUsers,omitempty"`
	ConstantRate *ConstantRateConfig `json:"constantRate,omitempty" yaml:"constantRate,omitempty"`
	NothingFor   *string             `json:"nothingFor,omitempty" yaml:"nothingFor,omitempty"`
	RampRate     *RampRateConfig     `json:"rampRate,omitempty" yaml:"rampRate,omitempty"`
}

// RampUsersConfig spreads Users starts evenly over Over.
type RampUsersConfig struct {
	Users int64  `json:"users" yaml:"users"`
	Over  string `json:"over" yaml:"over"`
}

// ConstantRateConfig starts Rate users per second for During.
type ConstantRateConfig struct {
	Rate   float64 `json:"rate" yaml:"rate"`
	During string  `json:"during" yaml:"during"`
}

// RampRateConfig ramps the arrival rate linearly from From to To users per
// second over During.
type RampRateConfig struct {
	From   float64 `json:"from" yaml:"from"`
	To     float64 `json:"to" yaml:"to"`
	During string  `json:"during" yaml:"during"`
}

// OptionsConfig controls execution behavior.
type OptionsConfig struct {
	// MaxConcurrentUsers caps running users; 0 means unlimited
	MaxConcurrentUsers int `json:"maxConcurrentUsers,omitempty" yaml:"maxConcurrentUsers,omitempty"`

	// OnFailure is "continue" (default) or "abort"
	OnFailure string `json:"onFailure,omitempty" yaml:"onFailure,omitempty"`

	// GracefulStop is how long users get to finish after a stop
	GracefulStop string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// MaxDuration stops the run after this long
	MaxDuration string `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// LateStartTolerance is how late a start may be before it counts as delayed
	LateStartTolerance string `json:"lateStartTolerance,omitempty" yaml:"lateStartTolerance,omitempty"`

	// Throttle caps the request rate of the whole run
	Throttle *ThrottleConfig `json:"throttle,omitempty" yaml:"throttle,omitempty"`
}

// ThrottleConfig caps the global request rate.
type ThrottleConfig struct {
	RPS float64 `json:"rps" yaml:"rps"`
}

// ThresholdsConfig defines pass/fail criteria for the run.
type ThresholdsConfig struct {
	// HTTPReqDuration thresholds for request duration
	// e.g., ["p95 < 500ms", "avg < 200ms"]
	HTTPReqDuration []string `json:"http_req_duration,omitempty" yaml:"http_req_duration,omitempty"`

	// HTTPReqFailed thresholds for failure rate
	// e.g., ["rate < 0.01"] (less than 1% failures)
	HTTPReqFailed []string `json:"http_req_failed,omitempty" yaml:"http_req_failed,omitempty"`

	// HTTPReqs thresholds for request count/rate
	// e.g., ["count > 1000", "rate > 100"]
	HTTPReqs []string `json:"http_reqs,omitempty" yaml:"http_reqs,omitempty"`
}

// HeaderList is an ordered list of headers. It decodes from a mapping (kept
// in document order), or from a sequence of {name, value} objects or
// [name, value] pairs.
type HeaderList []loadgen.Header

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *HeaderList) UnmarshalYAML(node *yaml.Node) error {
	var out HeaderList
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			hdr, err := yamlHeader(node.Content[i], node.Content[i+1])
			if err != nil {
				return err
			}
			out = append(out, hdr)
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			switch item.Kind {
			case yaml.MappingNode:
				var hdr loadgen.Header
				if err := item.Decode(&hdr); err != nil {
					return err
				}
				out = append(out, hdr)
			case yaml.SequenceNode:
				if len(item.Content) != 2 {
					return fmt.Errorf("line %d: header pair must have exactly two elements", item.Line)
				}
				hdr, err := yamlHeader(item.Content[0], item.Content[1])
				if err != nil {
					return err
				}
				out = append(out, hdr)
			default:
				return fmt.Errorf("line %d: header must be a {name, value} object or a [name, value] pair", item.Line)
			}
		}
	default:
		return fmt.Errorf("line %d: headers must be a mapping or a list", node.Line)
	}
	*h = out
	return nil
}

func yamlHeader(name, value *yaml.Node) (loadgen.Header, error) {
	if name.Kind != yaml.ScalarNode || name.Tag == "!!null" {
		return loadgen.Header{}, fmt.Errorf("line %d: header name must be a string", name.Line)
	}
	if value.Kind != yaml.ScalarNode || value.Tag == "!!null" {
		return loadgen.Header{}, fmt.Errorf("line %d: header %q must have a string, number or boolean value", value.Line, name.Value)
	}
	return loadgen.Header{Name: name.Value, Value: value.Value}, nil
}

func jsonHeader(name string, value any) (loadgen.Header, error) {
	switch v := value.(type) {
	case string:
		return loadgen.Header{Name: name, Value: v}, nil
	case json.Number, float64, bool:
		return loadgen.Header{Name: name, Value: fmt.Sprint(v)}, nil
	default:
		return loadgen.Header{}, fmt.Errorf("header %q must have a string, number or boolean value", name)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Object keys keep their order.
func (h *HeaderList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*h = nil
		return nil
	}

	if data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make(HeaderList, 0, len(items))
		for _, raw := range items {
			var pair []any
			if err := json.Unmarshal(raw, &pair); err == nil {
				if len(pair) != 2 {
					return fmt.Errorf("header pair must have exactly two elements")
				}
				name, ok := pair[0].(string)
				if !ok {
					return fmt.Errorf("header name must be a string, got %v", pair[0])
				}
				hdr, err := jsonHeader(name, pair[1])
				if err != nil {
					return err
				}
				out = append(out, hdr)
				continue
			}
			var hdr loadgen.Header
			if err := json.Unmarshal(raw, &hdr); err != nil {
				return fmt.Errorf("header must be a {name, value} object or a [name, value] pair: %w", err)
			}
			out = append(out, hdr)
		}
		*h = out
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if tok, err := dec.Token(); err != nil {
		return err
	} else if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("headers must be an object or an array")
	}

	var out HeaderList
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return err
		}
		hdr, err := jsonHeader(keyTok.(string), value)
		if err != nil {
			return err
		}
		out = append(out, hdr)
	}
	*h = out
	return nil
}

// PauseConfig is a pause step: either a fixed duration ("22s", 22) or a
// {min, max} range.
type PauseConfig struct {
	Fixed string `json:"-" yaml:"-"`
	Min   string `json:"min,omitempty" yaml:"min,omitempty"`
	Max   string `json:"max,omitempty" yaml:"max,omitempty"`
}

// IsRange reports whether the pause was written as a {min, max} range.
func (p *PauseConfig) IsRange() bool {
	return p.Fixed == "" && (p.Min != "" || p.Max != "")
}

type pauseRange struct {
	Min string `json:"min" yaml:"min"`
	Max string `json:"max" yaml:"max"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *PauseConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*p = PauseConfig{Fixed: node.Value}
		return nil
	case yaml.MappingNode:
		var r pauseRange
		if err := node.Decode(&r); err != nil {
			return err
		}
		*p = PauseConfig{Min: r.Min, Max: r.Max}
		return nil
	default:
		return fmt.Errorf("line %d: pause must be a duration or a {min, max} range", node.Line)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *PauseConfig) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty pause")
	}
	switch data[0] {
	case '{':
		var r pauseRange
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		*p = PauseConfig{Min: r.Min, Max: r.Max}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PauseConfig{Fixed: s}
	default:
		*p = PauseConfig{Fixed: string(data)}
	}
	return nil
}

// IntList decodes from a single integer or a list of integers.
type IntList []int

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *IntList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		n, err := strconv.Atoi(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %q is not an integer", node.Line, node.Value)
		}
		*l = IntList{n}
		return nil
	}
	var out []int
	if err := node.Decode(&out); err != nil {
		return err
	}
	*l = out
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *IntList) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*l = IntList{n}
		return nil
	}
	var out []int
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*l = out
	return nil
}
