package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

// probeTarget picks the URL to check before starting: the base URL, or the
// first absolute request URL when there is none.
func (e *Engine) probeTarget() string {
	if e.sim.Protocol.BaseURL != "" {
		return e.sim.Protocol.BaseURL
	}
	for _, t := range e.sim.Scenario.Requests() {
		if u := e.sim.Protocol.ResolveURL(t.Path); u != "" {
			return u
		}
	}
	return ""
}

// probe issues one GET to the target. Any HTTP response, whatever its status,
// proves the target is reachable.
func (e *Engine) probe(ctx context.Context) error {
	target := e.probeTarget()
	if target == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", loadgen.ErrTargetUnreachable, target, err)
	}

	client := e.sim.Protocol.NewHTTPClient()
	defer client.CloseIdleConnections()

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", loadgen.ErrTargetUnreachable, target, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	e.logger.Debug("target reachable", zap.String("url", target), zap.Int("status", resp.StatusCode))
	return nil
}
