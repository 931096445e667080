package loadgen

import (
	"net/http"
	"strings"
)

// Header is a single header name/value pair.
type Header struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Headers is an ordered header set with case-insensitive names.
//
// Names are normalised with http.CanonicalHeaderKey when they are added, so
// "accept", "ACCEPT" and "Accept" address the same entry. Setting an existing
// name keeps its original position and replaces its value (last write wins).
//
// A compiled Headers value is never mutated again: Merge returns a new set.
type Headers struct {
	entries []Header
	index   map[string]int
}

// NewHeaders compiles a raw, possibly duplicated header list.
func NewHeaders(raw ...Header) Headers {
	var h Headers
	for _, hdr := range raw {
		h.set(hdr.Name, hdr.Value)
	}
	return h
}

func (h *Headers) set(name, value string) {
	key := http.CanonicalHeaderKey(strings.TrimSpace(name))
	if key == "" {
		return
	}
	if h.index == nil {
		h.index = make(map[string]int)
	}
	if pos, ok := h.index[key]; ok {
		h.entries[pos].Value = value
		return
	}
	h.index[key] = len(h.entries)
	h.entries = append(h.entries, Header{Name: key, Value: value})
}

// Get returns the value stored under name.
func (h Headers) Get(name string) (string, bool) {
	pos, ok := h.index[http.CanonicalHeaderKey(strings.TrimSpace(name))]
	if !ok {
		return "", false
	}
	return h.entries[pos].Value, true
}

// Len returns the number of distinct header names.
func (h Headers) Len() int {
	return len(h.entries)
}

// Entries returns a copy of the headers in insertion order.
func (h Headers) Entries() []Header {
	out := make([]Header, len(h.entries))
	copy(out, h.entries)
	return out
}

// Merge returns a new set holding h overlaid with over.
func (h Headers) Merge(over Headers) Headers {
	var merged Headers
	for _, e := range h.entries {
		merged.set(e.Name, e.Value)
	}
	for _, e := range over.entries {
		merged.set(e.Name, e.Value)
	}
	return merged
}

// Equal reports whether both sets hold the same names, values and order.
func (h Headers) Equal(other Headers) bool {
	if len(h.entries) != len(other.entries) {
		return false
	}
	for i := range h.entries {
		if h.entries[i] != other.entries[i] {
			return false
		}
	}
	return true
}

// apply writes the headers onto an outgoing request, resolving placeholders
// in values with resolve.
func (h Headers) apply(dst http.Header, resolve func(string) string) {
	for _, e := range h.entries {
		dst.Set(e.Name, resolve(e.Value))
	}
}
