package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

// executeCommand runs the command tree with args and captures its output.
func executeCommand(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	var outBuf, errBuf bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)

	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeScenario writes a scenario file into a temporary directory.
func writeScenario(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func countingServer(status int) (*httptest.Server, *atomic.Int64) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	return server, &hits
}

func simpleScenario(baseURL string, extra string) string {
	return fmt.Sprintf(`
name: smoke
protocol:
  baseUrl: %s
steps:
  - request: { name: home, path: / }
  - request: { name: api, path: /api }
injection:
  - atOnce: 3
%s`, baseURL, extra)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain error", errors.New("boom"), ExitError},
		{"threshold", &ExitCodeError{Code: ExitThresholdFailed, Err: errThresholdsFailed}, ExitThresholdFailed},
		{"wrapped", fmt.Errorf("outer: %w", &ExitCodeError{Code: ExitThresholdFailed, Err: errThresholdsFailed}), ExitThresholdFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestRootCmd(t *testing.T) {
	stdout, _, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, stdout, version)

	stdout, _, err = executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, stdout, "run")
	assert.Contains(t, stdout, "validate")
}

func TestExecute(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Execute() panicked: %v", r)
		}
	}()

	RootCmd.SetArgs([]string{"--help"})
	RootCmd.SetOut(&bytes.Buffer{})
	defer RootCmd.SetArgs(nil)

	assert.NoError(t, Execute())
}

func TestRun_Completes(t *testing.T) {
	server, hits := countingServer(http.StatusOK)
	defer server.Close()

	path := writeScenario(t, "smoke.yaml", simpleScenario(server.URL, ""))
	stdout, _, err := executeCommand(t, "run", "-s", path, "--no-color", "--log-level", "error")
	require.NoError(t, err)

	assert.Contains(t, stdout, "smoke - Running [atOnce(3)]")
	assert.Contains(t, stdout, "smoke - Completed ✓")
	assert.Contains(t, stdout, "home")
	assert.Contains(t, stdout, "api")
	// Three users with two requests each, plus the reachability probe.
	assert.Equal(t, int64(7), hits.Load())
}

func TestRun_UsersOverride(t *testing.T) {
	server, hits := countingServer(http.StatusOK)
	defer server.Close()

	path := writeScenario(t, "smoke.yaml", simpleScenario(server.URL, ""))
	stdout, _, err := executeCommand(t, "run", "-s", path, "--users", "5", "--skip-probe", "--quiet", "--log-level", "error")
	require.NoError(t, err)

	assert.Contains(t, stdout, "PASSED")
	assert.Equal(t, int64(10), hits.Load())
}

func TestRun_ThresholdFailureExitCode(t *testing.T) {
	server, _ := countingServer(http.StatusInternalServerError)
	defer server.Close()

	path := writeScenario(t, "smoke.yaml", simpleScenario(server.URL, `
thresholds:
  http_req_failed: ["rate < 0.5"]
`))
	stdout, _, err := executeCommand(t, "run", "-s", path, "--quiet", "--log-level", "error")
	require.Error(t, err)

	assert.Equal(t, ExitThresholdFailed, ExitCode(err))
	assert.ErrorIs(t, err, errThresholdsFailed)
	assert.Contains(t, stdout, "FAILED")
}

func TestRun_FailedRequestsWithoutThresholdsPass(t *testing.T) {
	server, _ := countingServer(http.StatusInternalServerError)
	defer server.Close()

	path := writeScenario(t, "smoke.yaml", simpleScenario(server.URL, ""))
	_, _, err := executeCommand(t, "run", "-s", path, "--quiet", "--log-level", "error")
	assert.NoError(t, err)
}

func TestRun_DefinitionErrorExitCode(t *testing.T) {
	path := writeScenario(t, "bad.yaml", `
protocol: { baseUrl: "http://127.0.0.1:1" }
steps:
  - request: { path: / }
  - pause: "-5"
injection:
  - atOnce: 1
`)
	_, _, err := executeCommand(t, "run", "-s", path, "--log-level", "error")
	require.Error(t, err)

	assert.Equal(t, ExitError, ExitCode(err))
	var defErr *loadgen.DefinitionError
	assert.True(t, errors.As(err, &defErr), "got %v", err)
}

func TestRun_UnreachableTargetExitCode(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	path := writeScenario(t, "smoke.yaml", simpleScenario("http://"+addr, ""))
	stdout, _, err := executeCommand(t, "run", "-s", path, "--log-level", "error")
	require.Error(t, err)

	assert.Equal(t, ExitError, ExitCode(err))
	assert.ErrorIs(t, err, loadgen.ErrTargetUnreachable)
	assert.NotContains(t, stdout, "Completed")
}

func TestRun_InvalidOverride(t *testing.T) {
	server, _ := countingServer(http.StatusOK)
	defer server.Close()

	path := writeScenario(t, "smoke.yaml", simpleScenario(server.URL, ""))
	_, _, err := executeCommand(t, "run", "-s", path, "--max-concurrent", "-1", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--max-concurrent")
}

func TestRun_MissingScenario(t *testing.T) {
	_, _, err := executeCommand(t, "run")
	assert.Error(t, err)

	_, _, err = executeCommand(t, "run", "-s", filepath.Join(t.TempDir(), "nope.yaml"), "--log-level", "error")
	require.Error(t, err)
	assert.Equal(t, ExitError, ExitCode(err))
}

func TestRun_InvalidLogLevel(t *testing.T) {
	_, _, err := executeCommand(t, "run", "-s", "whatever.yaml", "--log-level", "loud")
	require.Error(t, err)
	assert.Equal(t, ExitError, ExitCode(err))
}

func TestRun_JSONToStdout(t *testing.T) {
	server, _ := countingServer(http.StatusOK)
	defer server.Close()

	path := writeScenario(t, "smoke.yaml", simpleScenario(server.URL, ""))
	stdout, stderr, err := executeCommand(t, "run", "-s", path, "--json", "--quiet", "--log-level", "error")
	require.NoError(t, err)

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &summary), "stdout: %s", stdout)
	assert.Equal(t, "smoke", summary["name"])
	assert.Equal(t, true, summary["passed"])
	assert.Contains(t, stderr, "PASSED")
}

func TestRun_OutputFile(t *testing.T) {
	server, _ := countingServer(http.StatusOK)
	defer server.Close()

	path := writeScenario(t, "smoke.yaml", simpleScenario(server.URL, ""))
	out := filepath.Join(t.TempDir(), "summary.json")
	_, _, err := executeCommand(t, "run", "-s", path, "--quiet", "-o", out, "--log-level", "error")
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	var summary struct {
		Name   string `json:"name"`
		Report struct {
			Overall struct {
				Count int64 `json:"count"`
			} `json:"overall"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, "smoke", summary.Name)
	assert.Equal(t, int64(6), summary.Report.Overall.Count)
}
