package loadgen

import (
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"
)

// EncodingPolicy controls content negotiation and response decompression.
type EncodingPolicy struct {
	// Accept is sent as Accept-Encoding unless a header set overrides it.
	Accept string

	// Decompress makes checks see the decoded body of gzip responses. Byte
	// counts always reflect what went over the wire.
	Decompress bool
}

// ProtocolConfig is the shared, read-only HTTP configuration of a run.
type ProtocolConfig struct {
	// BaseURL is prepended to relative request paths.
	BaseURL string

	// DefaultHeaders are sent with every request, beneath the request's own
	// header set.
	DefaultHeaders Headers

	// RequestTimeout bounds a whole request including the body read.
	RequestTimeout time.Duration

	// ConnectTimeout bounds the TCP dial.
	ConnectTimeout time.Duration

	Encoding EncodingPolicy

	// MaxConnsPerHost limits the total connections per host (0 = unlimited).
	MaxConnsPerHost int

	// MaxIdleConnsPerHost controls the maximum idle connections per host.
	MaxIdleConnsPerHost int

	// InsecureSkipVerify skips TLS certificate verification.
	InsecureSkipVerify bool

	// FollowRedirects makes the client follow 3xx responses.
	FollowRedirects bool
}

// DefaultProtocolConfig returns sensible defaults for load testing.
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		RequestTimeout:      60 * time.Second,
		ConnectTimeout:      10 * time.Second,
		MaxIdleConnsPerHost: 100,
		FollowRedirects:     true,
		Encoding:            EncodingPolicy{Decompress: true},
	}
}

// NewHTTPClient creates the client shared by every virtual user of a run.
// Request timeouts are enforced per request through the context, so the
// client itself carries none.
func (p *ProtocolConfig) NewHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   p.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        0,
		MaxIdleConnsPerHost: p.MaxIdleConnsPerHost,
		MaxConnsPerHost:     p.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: p.ConnectTimeout,
		// Accept-Encoding is always explicit, so the transport must not
		// negotiate compression on its own.
		DisableCompression: true,
	}
	if p.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	client := &http.Client{Transport: transport}
	if !p.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

// ResolveURL joins a request path with the base URL. Absolute paths are
// returned unchanged.
func (p *ProtocolConfig) ResolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if p.BaseURL == "" {
		return path
	}
	base := strings.TrimRight(p.BaseURL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// applyHeaders writes the headers sent with t: protocol defaults, the
// configured Accept-Encoding, then the template's own set.
func (p *ProtocolConfig) applyHeaders(dst http.Header, t *RequestTemplate, resolve func(string) string) {
	p.DefaultHeaders.apply(dst, resolve)
	if p.Encoding.Accept != "" && dst.Get("Accept-Encoding") == "" {
		dst.Set("Accept-Encoding", p.Encoding.Accept)
	}
	t.Headers.apply(dst, resolve)
}
