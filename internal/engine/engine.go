package engine

import "context"

// Engine abstracts a local inference backend. Stages such as generation,
// evaluation and embedding use this interface instead of depending on a
// concrete client, and the residency manager uses Load/Unload/Loaded to keep
// at most one large model in memory.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema, opts *Options) (string, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error

	// Load brings a model into memory.
	Load(ctx context.Context, model string) error

	// Unload requests eviction of a model. Completion is observed via Loaded.
	Unload(ctx context.Context, model string) error

	// Loaded returns the names of the models currently resident in memory.
	Loaded(ctx context.Context) ([]string, error)
}
