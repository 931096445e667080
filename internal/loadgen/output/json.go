package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/wesleyorama2/volley/internal/loadgen/engine"
)

// WriteJSON writes the summary as indented JSON.
func WriteJSON(w io.Writer, summary *engine.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return nil
}

// WriteJSONFile writes the summary to path, replacing any existing file.
func WriteJSONFile(path string, summary *engine.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteJSON(f, summary); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
