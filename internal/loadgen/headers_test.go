package loadgen_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

func TestNewHeaders_LastWriteWins(t *testing.T) {
	h := loadgen.NewHeaders(
		loadgen.Header{Name: "Accept", Value: "text/html"},
		loadgen.Header{Name: "proxy-connection", Value: "keep-alive"},
		loadgen.Header{Name: "ACCEPT", Value: "*/*"},
	)

	require.Equal(t, 2, h.Len())
	entries := h.Entries()
	assert.Equal(t, loadgen.Header{Name: "Accept", Value: "*/*"}, entries[0])
	assert.Equal(t, loadgen.Header{Name: "Proxy-Connection", Value: "keep-alive"}, entries[1])

	for _, name := range []string{"accept", "Accept", "ACCEPT", " accept "} {
		v, ok := h.Get(name)
		assert.True(t, ok, name)
		assert.Equal(t, "*/*", v, name)
	}
}

func TestNewHeaders_Idempotent(t *testing.T) {
	raw := []loadgen.Header{
		{Name: "user-agent", Value: "a"},
		{Name: "Upgrade-Insecure-Requests", Value: "1"},
		{Name: "User-Agent", Value: "b"},
	}

	once := loadgen.NewHeaders(raw...)
	twice := loadgen.NewHeaders(once.Entries()...)

	assert.True(t, once.Equal(twice))
	assert.Equal(t, once.Entries(), twice.Entries())
}

func TestNewHeaders_SkipsBlankNames(t *testing.T) {
	h := loadgen.NewHeaders(loadgen.Header{Name: "  ", Value: "x"})
	assert.Equal(t, 0, h.Len())
}

func TestHeaders_Merge(t *testing.T) {
	defaults := loadgen.NewHeaders(
		loadgen.Header{Name: "Accept-Encoding", Value: "gzip, deflate"},
		loadgen.Header{Name: "User-Agent", Value: "volley"},
	)
	request := loadgen.NewHeaders(
		loadgen.Header{Name: "user-agent", Value: "custom"},
		loadgen.Header{Name: "Accept", Value: "*/*"},
	)

	merged := defaults.Merge(request)

	assert.Equal(t, []loadgen.Header{
		{Name: "Accept-Encoding", Value: "gzip, deflate"},
		{Name: "User-Agent", Value: "custom"},
		{Name: "Accept", Value: "*/*"},
	}, merged.Entries())

	// Merge never mutates its operands.
	v, _ := defaults.Get("User-Agent")
	assert.Equal(t, "volley", v)
	assert.Equal(t, 2, request.Len())
}

func TestHeaders_EntriesIsACopy(t *testing.T) {
	h := loadgen.NewHeaders(loadgen.Header{Name: "Accept", Value: "*/*"})
	entries := h.Entries()
	entries[0].Value = "changed"

	v, _ := h.Get("Accept")
	assert.Equal(t, "*/*", v)
}

func TestHeaders_ZeroValue(t *testing.T) {
	var h loadgen.Headers
	_, ok := h.Get("Accept")
	assert.False(t, ok)
	assert.Equal(t, 0, h.Len())
	assert.True(t, h.Equal(loadgen.NewHeaders()))
}
