package engine

import "github.com/kalambet/topicforge/internal/ollama"

// Wire types are shared with the Ollama client; other backends translate
// into them at their own boundary.
type (
	Message        = ollama.Message
	Schema         = ollama.Schema
	SchemaProperty = ollama.SchemaProperty
	Options        = ollama.Options
	PullProgress   = ollama.PullProgress
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// WithTemperature returns Options carrying only a sampling temperature.
func WithTemperature(t float64) *Options { return ollama.WithTemperature(t) }
