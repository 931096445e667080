// Package jsonpath evaluates the small JSONPath subset used by response
// checks ($.a.b[0].c, $['a'], $[0]) on top of gjson.
package jsonpath

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNotFound is returned when a path does not resolve to any value.
var ErrNotFound = errors.New("path not found")

// Path is a compiled JSONPath expression.
type Path struct {
	raw   string
	gpath string
}

// Compile converts a JSONPath expression to its gjson form.
func Compile(expr string) (Path, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Path{}, fmt.Errorf("empty JSONPath expression")
	}
	if strings.Count(expr, "[") != strings.Count(expr, "]") {
		return Path{}, fmt.Errorf("unbalanced brackets in JSONPath expression %q", expr)
	}
	return Path{raw: expr, gpath: toGjsonPath(expr)}, nil
}

// String returns the expression as written.
func (p Path) String() string {
	return p.raw
}

// Extract resolves the path against a JSON document and returns the value in
// its string form. JSON null is returned as "null".
func (p Path) Extract(body []byte) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("empty JSON document")
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("response body is not valid JSON")
	}

	result := gjson.GetBytes(body, p.gpath)
	if !result.Exists() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p.raw)
	}
	if result.Type == gjson.Null {
		return "null", nil
	}
	return result.String(), nil
}

// Extract is a convenience wrapper that compiles expr and applies it to body.
func Extract(body []byte, expr string) (string, error) {
	p, err := Compile(expr)
	if err != nil {
		return "", err
	}
	return p.Extract(body)
}

// toGjsonPath rewrites $.users[0].name as users.0.name.
func toGjsonPath(path string) string {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}

	r := strings.NewReplacer(
		"['", ".", "']", "",
		"[\"", ".", "\"]", "",
		"[", ".", "]", "",
	)
	path = r.Replace(path)
	return strings.TrimPrefix(path, ".")
}
