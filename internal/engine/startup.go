package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/kalambet/topicforge/internal/ollama"
)

// EnsureReady checks that the Engine is reachable and every model in models
// is available locally. Missing models are pulled with progress written to w.
// Empty and repeated names are ignored.
func EnsureReady(ctx context.Context, e Engine, models []string, w io.Writer) error {
	if err := Probe(ctx, e); err != nil {
		return err
	}

	var unique []string
	for _, m := range models {
		if m == "" {
			continue
		}
		dup := false
		for _, u := range unique {
			if ollama.SameModel(u, m) {
				dup = true
				break
			}
		}
		if !dup {
			unique = append(unique, m)
		}
	}

	for _, model := range unique {
		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := e.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	return nil
}
