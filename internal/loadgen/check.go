package loadgen

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/wesleyorama2/volley/pkg/jsonpath"
	"github.com/wesleyorama2/volley/pkg/jsonschema"
)

// CheckKind identifies what a Check inspects.
type CheckKind string

const (
	CheckStatus       CheckKind = "status"
	CheckJSONPath     CheckKind = "jsonPath"
	CheckBodyContains CheckKind = "bodyContains"
	CheckJSONSchema   CheckKind = "jsonSchema"
)

// Check is a compiled response assertion. A failing check turns the request
// outcome into KO; it never aborts the virtual user by itself.
type Check struct {
	Kind CheckKind

	// Statuses lists the accepted status codes of a status check.
	Statuses []int

	// Path is the JSONPath of a jsonPath check.
	Path jsonpath.Path

	// Equals, when set, is the value the path must resolve to.
	Equals *string

	// SaveAs stores the resolved value in the virtual user's session.
	SaveAs string

	// Contains is the substring a bodyContains check looks for.
	Contains string

	// Schema is the compiled schema of a jsonSchema check.
	Schema *jsonschema.Schema
}

// StatusCheck accepts any of the given status codes.
func StatusCheck(codes ...int) Check {
	return Check{Kind: CheckStatus, Statuses: codes}
}

// JSONPathCheck requires expr to resolve in a JSON response body.
func JSONPathCheck(expr string) (Check, error) {
	p, err := jsonpath.Compile(expr)
	if err != nil {
		return Check{}, err
	}
	return Check{Kind: CheckJSONPath, Path: p}, nil
}

// BodyContainsCheck requires substr in the response body.
func BodyContainsCheck(substr string) Check {
	return Check{Kind: CheckBodyContains, Contains: substr}
}

// JSONSchemaCheck requires the response body to validate against schema.
func JSONSchemaCheck(schema string) (Check, error) {
	s, err := jsonschema.Compile(schema)
	if err != nil {
		return Check{}, err
	}
	return Check{Kind: CheckJSONSchema, Schema: s}, nil
}

func (c Check) String() string {
	switch c.Kind {
	case CheckStatus:
		codes := make([]string, len(c.Statuses))
		for i, code := range c.Statuses {
			codes[i] = strconv.Itoa(code)
		}
		return "status in [" + strings.Join(codes, ",") + "]"
	case CheckJSONPath:
		if c.Equals != nil {
			return fmt.Sprintf("jsonPath %s == %q", c.Path, *c.Equals)
		}
		return "jsonPath " + c.Path.String()
	case CheckBodyContains:
		return fmt.Sprintf("body contains %q", c.Contains)
	case CheckJSONSchema:
		return "jsonSchema"
	default:
		return string(c.Kind)
	}
}

// evaluate runs the check. The returned value is the captured value of a
// jsonPath check and is empty for every other kind.
func (c *Check) evaluate(status int, body []byte) (string, error) {
	switch c.Kind {
	case CheckStatus:
		for _, code := range c.Statuses {
			if code == status {
				return "", nil
			}
		}
		return "", fmt.Errorf("unexpected status %d", status)

	case CheckJSONPath:
		value, err := c.Path.Extract(body)
		if err != nil {
			return "", err
		}
		if c.Equals != nil && value != *c.Equals {
			return "", fmt.Errorf("got %q, want %q", value, *c.Equals)
		}
		return value, nil

	case CheckBodyContains:
		if !bytes.Contains(body, []byte(c.Contains)) {
			return "", fmt.Errorf("body does not contain %q", c.Contains)
		}
		return "", nil

	case CheckJSONSchema:
		return "", c.Schema.Validate(body)
	}
	return "", fmt.Errorf("unknown check kind %q", c.Kind)
}

// statusAcceptable is the implicit check applied when a template declares
// no status check of its own.
func statusAcceptable(status int) bool {
	return status >= 200 && status < 400
}

// hasStatusCheck reports whether t declares an explicit status check.
func (t *RequestTemplate) hasStatusCheck() bool {
	for i := range t.Checks {
		if t.Checks[i].Kind == CheckStatus {
			return true
		}
	}
	return false
}
