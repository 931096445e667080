// Command test-server serves the pages of examples/recorded-simulation.yaml
// so the recorded simulation can be replayed locally.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/logging"
)

func newMux(logger *zap.Logger, latency time.Duration) *http.ServeMux {
	mux := http.NewServeMux()

	page := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if latency > 0 {
				time.Sleep(latency)
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, body)
			logger.Debug("served", zap.String("path", r.URL.Path))
		}
	}

	mux.HandleFunc("GET /{$}", page(`<!doctype html><title>Game</title><div id="root"></div>`))
	mux.HandleFunc("GET /game", page(`<!doctype html><title>Game</title><div id="board"></div>`))

	mux.HandleFunc("GET /manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"short_name": "Game",
			"start_url":  ".",
			"display":    "standalone",
		})
	})

	mux.HandleFunc("GET /static/js/bundle.js.map", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"version":3,"sources":["index.js"],"mappings":""}`)
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "healthy")
	})

	return mux
}

func main() {
	var addr, logLevel string
	var latency time.Duration

	cmd := &cobra.Command{
		Use:   "test-server",
		Short: "Serve the pages of the recorded simulation example",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Config{Level: logLevel, Format: "console", Output: "stderr"})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			server := &http.Server{
				Addr:              addr,
				Handler:           newMux(logger, latency),
				ReadTimeout:       5 * time.Second,
				WriteTimeout:      5 * time.Second,
				IdleTimeout:       120 * time.Second,
				ReadHeaderTimeout: 2 * time.Second,
			}

			logger.Info("starting test server", zap.String("addr", addr), zap.Duration("latency", latency))
			return server.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":3000", "Listen address")
	cmd.Flags().DurationVar(&latency, "latency", 0, "Artificial latency added to page responses")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
