package loadgen_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wesleyorama2/volley/internal/loadgen"
	"github.com/wesleyorama2/volley/internal/loadgen/metrics"
)

// Helper function to create a protocol pointing at a test server
func newTestProtocol(baseURL string) *loadgen.ProtocolConfig {
	p := loadgen.DefaultProtocolConfig()
	p.BaseURL = baseURL
	p.RequestTimeout = 5 * time.Second
	return &p
}

// Helper function to create a test VU
func newTestVU(t *testing.T, scenario *loadgen.Scenario, protocol *loadgen.ProtocolConfig, collector *metrics.Collector, opts ...loadgen.VUOption) *loadgen.VirtualUser {
	t.Helper()
	opts = append([]loadgen.VUOption{loadgen.WithLogger(zaptest.NewLogger(t))}, opts...)
	return loadgen.NewVirtualUser(1, scenario, protocol, protocol.NewHTTPClient(), collector, opts...)
}

func get(name, path string, resources ...*loadgen.RequestTemplate) *loadgen.RequestTemplate {
	return &loadgen.RequestTemplate{Name: name, Method: http.MethodGet, Path: path, Resources: resources}
}

// statusServer answers every path with the status registered for it, 200 by
// default, and counts hits per path.
type statusServer struct {
	*httptest.Server
	mu     sync.Mutex
	status map[string]int
	hits   map[string]int
}

func newStatusServer(status map[string]int) *statusServer {
	s := &statusServer{status: status, hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		code, ok := s.status[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			code = http.StatusOK
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte("ok"))
	}))
	return s
}

func (s *statusServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func TestNewVirtualUser(t *testing.T) {
	protocol := newTestProtocol("http://localhost")
	vu := newTestVU(t, &loadgen.Scenario{}, protocol, metrics.NewCollector())

	if vu.ID != 1 {
		t.Errorf("VU ID = %d, want 1", vu.ID)
	}
	if vu.State() != loadgen.VUStatePending {
		t.Errorf("Initial VU state = %v, want %v", vu.State(), loadgen.VUStatePending)
	}
	if c := vu.Cursor(); c.Position != 0 || len(c.Path) != 0 {
		t.Errorf("Initial cursor = %+v, want zero", c)
	}
}

func TestVUState_String(t *testing.T) {
	tests := []struct {
		state loadgen.VUState
		want  string
	}{
		{loadgen.VUStatePending, "pending"},
		{loadgen.VUStateRunning, "running"},
		{loadgen.VUStateCompleted, "completed"},
		{loadgen.VUStateFailed, "failed"},
		{loadgen.VUState(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("VUState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    loadgen.FailurePolicy
		wantErr bool
	}{
		{"", loadgen.FailurePolicyContinue, false},
		{"continue", loadgen.FailurePolicyContinue, false},
		{"ABORT", loadgen.FailurePolicyAbort, false},
		{"retry", loadgen.FailurePolicyContinue, true},
	}

	for _, tt := range tests {
		got, err := loadgen.ParseFailurePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFailurePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFailurePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestVirtualUser_RunCompletesScenario(t *testing.T) {
	server := newStatusServer(nil)
	defer server.Close()

	scenario := &loadgen.Scenario{
		Name: "recorded",
		Steps: []loadgen.Step{
			loadgen.RequestStep(get("request_0", "/")),
			loadgen.PauseStep(10 * time.Millisecond),
			loadgen.GroupStep("game", loadgen.RequestStep(get("request_1", "/game"))),
			loadgen.RequestStep(get("request_2", "/manifest.json", get("request_3", "/static/js/bundle.js.map"))),
		},
	}
	collector := metrics.NewCollector()
	vu := newTestVU(t, scenario, newTestProtocol(server.URL), collector)

	err := vu.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, loadgen.VUStateCompleted, vu.State())
	assert.NoError(t, vu.Err())
	assert.Equal(t, scenario.Leaves(), vu.Cursor().Position)

	report := collector.Report()
	assert.Equal(t, int64(4), report.Overall.Count)
	assert.Equal(t, int64(4), report.Overall.OK)
	for _, path := range []string{"/", "/game", "/manifest.json", "/static/js/bundle.js.map"} {
		assert.Equal(t, 1, server.Hits(path), path)
	}

	select {
	case <-vu.Done():
	default:
		t.Error("Done() not closed after Run returned")
	}
}

func TestVirtualUser_RunTwice(t *testing.T) {
	vu := newTestVU(t, &loadgen.Scenario{}, newTestProtocol("http://localhost"), metrics.NewCollector())
	require.NoError(t, vu.Run(context.Background()))
	assert.Error(t, vu.Run(context.Background()))
}

func TestVirtualUser_FailingResourceDoesNotStopSiblings(t *testing.T) {
	server := newStatusServer(map[string]int{"/broken.js": http.StatusNotFound})
	defer server.Close()

	scenario := &loadgen.Scenario{
		Steps: []loadgen.Step{
			loadgen.RequestStep(get("page", "/page",
				get("broken", "/broken.js"),
				get("style", "/style.css"),
			)),
			loadgen.RequestStep(get("next", "/next")),
		},
	}
	collector := metrics.NewCollector()
	vu := newTestVU(t, scenario, newTestProtocol(server.URL), collector)

	require.NoError(t, vu.Run(context.Background()))
	assert.Equal(t, loadgen.VUStateCompleted, vu.State())

	report := collector.Report()
	broken, _ := report.Request("broken")
	style, _ := report.Request("style")
	next, _ := report.Request("next")
	assert.Equal(t, int64(1), broken.KO)
	assert.Equal(t, int64(1), style.OK)
	assert.Equal(t, int64(1), next.OK)
}

func TestVirtualUser_AbortPolicyFinishesGroupThenStops(t *testing.T) {
	server := newStatusServer(map[string]int{"/page": http.StatusInternalServerError})
	defer server.Close()

	scenario := &loadgen.Scenario{
		Steps: []loadgen.Step{
			loadgen.RequestStep(get("page", "/page", get("asset", "/asset.js"))),
			loadgen.RequestStep(get("next", "/next")),
		},
	}
	collector := metrics.NewCollector()
	vu := newTestVU(t, scenario, newTestProtocol(server.URL), collector,
		loadgen.WithFailurePolicy(loadgen.FailurePolicyAbort))

	err := vu.Run(context.Background())
	assert.ErrorIs(t, err, loadgen.ErrScenarioAborted)
	assert.Equal(t, loadgen.VUStateFailed, vu.State())

	assert.Equal(t, 1, server.Hits("/asset.js"), "resource of the failed request must still run")
	assert.Equal(t, 0, server.Hits("/next"), "steps after the failed group must not run")
}

func TestVirtualUser_ContinuePolicyRunsEverything(t *testing.T) {
	server := newStatusServer(map[string]int{"/page": http.StatusInternalServerError})
	defer server.Close()

	scenario := &loadgen.Scenario{
		Steps: []loadgen.Step{
			loadgen.RequestStep(get("page", "/page")),
			loadgen.RequestStep(get("next", "/next")),
		},
	}
	vu := newTestVU(t, scenario, newTestProtocol(server.URL), metrics.NewCollector())

	require.NoError(t, vu.Run(context.Background()))
	assert.Equal(t, 1, server.Hits("/next"))
}

func TestVirtualUser_RequestStopDuringPause(t *testing.T) {
	server := newStatusServer(nil)
	defer server.Close()

	scenario := &loadgen.Scenario{
		Steps: []loadgen.Step{
			loadgen.RequestStep(get("first", "/first")),
			loadgen.PauseStep(10 * time.Second),
			loadgen.RequestStep(get("second", "/second")),
		},
	}
	vu := newTestVU(t, scenario, newTestProtocol(server.URL), metrics.NewCollector())

	errCh := make(chan error, 1)
	go func() { errCh <- vu.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	vu.RequestStop()
	vu.RequestStop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, loadgen.ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("VU did not stop during its pause")
	}
	assert.Equal(t, loadgen.VUStateFailed, vu.State())
	assert.Equal(t, 0, server.Hits("/second"))
}

func TestVirtualUser_ContextCancelDuringPause(t *testing.T) {
	scenario := &loadgen.Scenario{Steps: []loadgen.Step{loadgen.PauseStep(10 * time.Second)}}
	vu := newTestVU(t, scenario, newTestProtocol("http://localhost"), metrics.NewCollector())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := vu.Run(ctx)
	assert.ErrorIs(t, err, loadgen.ErrStopped)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestVirtualUser_CursorIsMonotonic(t *testing.T) {
	server := newStatusServer(nil)
	defer server.Close()

	var steps []loadgen.Step
	for i := 0; i < 10; i++ {
		steps = append(steps,
			loadgen.RequestStep(get("r", "/r", get("res", "/res"))),
			loadgen.PauseStep(time.Millisecond),
		)
	}
	scenario := &loadgen.Scenario{Steps: []loadgen.Step{loadgen.GroupStep("loop", steps...)}}
	vu := newTestVU(t, scenario, newTestProtocol(server.URL), metrics.NewCollector())

	done := make(chan struct{})
	var positions []int
	go func() {
		defer close(done)
		for {
			positions = append(positions, vu.Cursor().Position)
			select {
			case <-vu.Done():
				positions = append(positions, vu.Cursor().Position)
				return
			default:
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	require.NoError(t, vu.Run(context.Background()))
	<-done

	for i := 1; i < len(positions); i++ {
		if positions[i] < positions[i-1] {
			t.Fatalf("cursor moved backwards: %d -> %d", positions[i-1], positions[i])
		}
	}
	assert.Equal(t, scenario.Leaves(), positions[len(positions)-1])
}

func TestVirtualUser_ConnectionError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	scenario := &loadgen.Scenario{
		Steps: []loadgen.Step{
			loadgen.RequestStep(get("dead", "/")),
			loadgen.RequestStep(get("dead-again", "/")),
		},
	}
	collector := metrics.NewCollector()
	vu := newTestVU(t, scenario, newTestProtocol(url), collector)

	require.NoError(t, vu.Run(context.Background()), "connection errors never abort under the continue policy")

	report := collector.Report()
	assert.Equal(t, int64(2), report.Overall.ConnectionErrors)
	assert.Equal(t, int64(0), report.Overall.Timeouts)
}

func TestVirtualUser_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	protocol := newTestProtocol(server.URL)
	protocol.RequestTimeout = 50 * time.Millisecond

	collector := metrics.NewCollector()
	vu := newTestVU(t, &loadgen.Scenario{Steps: []loadgen.Step{loadgen.RequestStep(get("slow", "/"))}}, protocol, collector)

	require.NoError(t, vu.Run(context.Background()))

	rs, ok := collector.Report().Request("slow")
	require.True(t, ok)
	assert.Equal(t, int64(1), rs.Timeouts)
	assert.Equal(t, int64(0), rs.ConnectionErrors)
}

func TestVirtualUser_Headers(t *testing.T) {
	headers := make(chan http.Header, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
	}))
	defer server.Close()

	protocol := newTestProtocol(server.URL)
	protocol.DefaultHeaders = loadgen.NewHeaders(
		loadgen.Header{Name: "User-Agent", Value: "volley-test"},
		loadgen.Header{Name: "Accept-Language", Value: "es-ES,es;q=0.9"},
	)
	protocol.Encoding.Accept = "gzip, deflate"

	tmpl := get("page", "/")
	tmpl.Headers = loadgen.NewHeaders(
		loadgen.Header{Name: "accept-language", Value: "en"},
		loadgen.Header{Name: "X-User", Value: "{{userId}}"},
	)

	vu := newTestVU(t, &loadgen.Scenario{Steps: []loadgen.Step{loadgen.RequestStep(tmpl)}}, protocol, metrics.NewCollector())
	require.NoError(t, vu.Run(context.Background()))

	got := <-headers
	assert.Equal(t, "volley-test", got.Get("User-Agent"))
	assert.Equal(t, "en", got.Get("Accept-Language"))
	assert.Equal(t, "gzip, deflate", got.Get("Accept-Encoding"))
	assert.Equal(t, "1", got.Get("X-User"))
}

func TestVirtualUser_SaveAsAndSubstitution(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.RequestURI())
		mu.Unlock()
		if r.URL.Path == "/login" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"session": {"token": "abc123"}}`))
		}
	}))
	defer server.Close()

	capture, err := loadgen.JSONPathCheck("$.session.token")
	require.NoError(t, err)
	capture.SaveAs = "token"

	login := get("login", "/login")
	login.Checks = []loadgen.Check{capture}

	scenario := &loadgen.Scenario{
		Variables: map[string]string{"team": "blue"},
		Steps: []loadgen.Step{
			loadgen.RequestStep(login),
			loadgen.RequestStep(get("items", "/items/{{token}}?team={{team}}&missing={{nope}}")),
		},
	}
	vu := newTestVU(t, scenario, newTestProtocol(server.URL), metrics.NewCollector())
	require.NoError(t, vu.Run(context.Background()))

	v, ok := vu.Session("token")
	assert.True(t, ok)
	assert.Equal(t, "abc123", v)

	require.Len(t, paths, 2)
	assert.Equal(t, "/items/abc123?team=blue&missing={{nope}}", paths[1])
}

func TestVirtualUser_ChecksDecideOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/html":
			_, _ = w.Write([]byte("<html><title>Game</title></html>"))
		}
	}))
	defer server.Close()

	notFoundOK := get("expected-404", "/missing")
	notFoundOK.Checks = []loadgen.Check{loadgen.StatusCheck(404)}

	title := get("has-title", "/html")
	title.Checks = []loadgen.Check{loadgen.BodyContainsCheck("<title>Game</title>")}

	wrongTitle := get("wrong-title", "/html")
	wrongTitle.Checks = []loadgen.Check{loadgen.BodyContainsCheck("Lobby")}

	scenario := &loadgen.Scenario{
		Steps: []loadgen.Step{
			loadgen.RequestStep(get("default-404", "/missing")),
			loadgen.RequestStep(notFoundOK),
			loadgen.RequestStep(title),
			loadgen.RequestStep(wrongTitle),
		},
	}
	collector := metrics.NewCollector()
	vu := newTestVU(t, scenario, newTestProtocol(server.URL), collector)
	require.NoError(t, vu.Run(context.Background()))

	report := collector.Report()
	for name, wantOK := range map[string]bool{
		"default-404":  false,
		"expected-404": true,
		"has-title":    true,
		"wrong-title":  false,
	} {
		rs, ok := report.Request(name)
		require.True(t, ok, name)
		assert.Equal(t, wantOK, rs.OK == 1, name)
	}
}

func TestVirtualUser_DecompressesForChecks(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"status": "ready"}`))
	require.NoError(t, zw.Close())
	compressed := buf.Bytes()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressed)
	}))
	defer server.Close()

	check, err := loadgen.JSONPathCheck("$.status")
	require.NoError(t, err)
	ready := "ready"
	check.Equals = &ready

	tmpl := get("status", "/")
	tmpl.Checks = []loadgen.Check{check}

	collector := metrics.NewCollector()
	vu := newTestVU(t, &loadgen.Scenario{Steps: []loadgen.Step{loadgen.RequestStep(tmpl)}}, newTestProtocol(server.URL), collector)
	require.NoError(t, vu.Run(context.Background()))

	rs, _ := collector.Report().Request("status")
	assert.Equal(t, int64(1), rs.OK)
	assert.Equal(t, int64(len(compressed)), rs.Bytes, "byte counts reflect the wire size")
}

func TestVirtualUser_ErrorsAreTyped(t *testing.T) {
	var defErr *loadgen.DefinitionError
	err := error(&loadgen.DefinitionError{Issues: []loadgen.Issue{{Field: "steps[1].pause", Message: "negative"}}})
	require.True(t, errors.As(err, &defErr))
	assert.Contains(t, err.Error(), "steps[1].pause: negative")

	wrapped := errors.Join(&loadgen.TimeoutError{Request: "r", URL: "http://x", Timeout: time.Second, Err: context.DeadlineExceeded})
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
}
