package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/PulseMakerWin/dss-ward/internal/graph"
)

// WriteJSON writes <dir>/<name>.json and returns its path.
func WriteJSON(dir, name string, exp graph.Export) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create graph dir: %w", err)
	}
	raw, err := json.MarshalIndent(exp, "", "    ")
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}
	p := filepath.Join(dir, name+".json")
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return p, nil
}

// ReadJSON loads an export written by WriteJSON.
func ReadJSON(dir, name string) (graph.Export, error) {
	raw, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if err != nil {
		return graph.Export{}, err
	}
	var exp graph.Export
	if err := json.Unmarshal(raw, &exp); err != nil {
		return graph.Export{}, fmt.Errorf("decode export %s: %w", name, err)
	}
	return exp, nil
}
