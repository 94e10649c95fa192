package engine

import (
	"context"

	"github.com/kalambet/topicforge/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema, opts *Options) (string, error) {
	return e.client.Chat(ctx, model, messages, jsonSchema, opts)
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.client.Embed(ctx, model, text)
}

func (e *OllamaEngine) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return e.client.EmbedBatch(ctx, model, texts)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	return e.client.PullModel(ctx, name, onProgress)
}

// Load keeps the model resident until Unload.
func (e *OllamaEngine) Load(ctx context.Context, model string) error {
	return e.client.Load(ctx, model, 0)
}

func (e *OllamaEngine) Unload(ctx context.Context, model string) error {
	return e.client.Unload(ctx, model)
}

func (e *OllamaEngine) Loaded(ctx context.Context) ([]string, error) {
	running, err := e.client.Running(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(running))
	for _, m := range running {
		name := m.Model
		if name == "" {
			name = m.Name
		}
		names = append(names, name)
	}
	return names, nil
}
