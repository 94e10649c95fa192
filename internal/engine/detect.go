package engine

import (
	"context"
	"fmt"
)

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect returns the inference backend for cfg. Only Ollama exposes the
// load/unload/ps endpoints residency needs, so it is the only candidate.
func Detect(cfg DetectConfig) (Engine, error) {
	if cfg.OllamaBaseURL == "" {
		return nil, fmt.Errorf("ollama base URL is empty")
	}
	return NewOllamaEngine(cfg.OllamaBaseURL), nil
}

// Probe returns an error when the backend behind e is unreachable.
func Probe(ctx context.Context, e Engine) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running. Start it with: ollama serve")
	}
	return nil
}
