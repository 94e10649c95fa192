// Package structured makes schema-constrained chat calls and decodes the
// reply into Go values. A malformed reply is retried once with a stricter
// instruction before the call gives up.
package structured

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/research"
	"github.com/kalambet/topicforge/internal/retry"
)

// Chatter is the chat half of engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema, opts *engine.Options) (string, error)
}

// Request is one structured call.
type Request struct {
	Model    string
	Messages []engine.Message
	Schema   *engine.Schema
	Options  *engine.Options
	// Retry bounds transient-error retries of each attempt. Zero value
	// disables them.
	Retry retry.Config
}

// Result reports how a call went.
type Result struct {
	// Attempts counts schema attempts (1 or 2), not transient retries.
	Attempts int
	Raw      string
}

// Retried reports whether the stricter second attempt was needed.
func (r Result) Retried() bool { return r.Attempts > 1 }

// Validator checks a decoded value; a non-nil error marks the reply malformed.
type Validator[T any] func(*T) error

// Call sends req, decodes the reply into T and validates it. A reply that
// fails to decode or validate is retried once with StricterInstruction
// appended; a second failure returns an error wrapping
// research.ErrMalformedResponse. Transport errors are returned as-is after
// req.Retry is exhausted.
func Call[T any](ctx context.Context, c Chatter, req Request, validate Validator[T]) (T, Result, error) {
	var zero T
	var res Result
	msgs := req.Messages

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		res.Attempts = attempt
		if attempt == 2 {
			msgs = withStricterInstruction(req.Messages, lastErr)
		}

		var raw string
		err := retry.WithBackoff(ctx, req.Retry, func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			callCtx, cancel := research.Detach(ctx)
			defer cancel()
			var err error
			raw, err = c.Chat(callCtx, req.Model, msgs, req.Schema, req.Options)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return zero, res, fmt.Errorf("%w: %v", research.ErrCancelled, ctx.Err())
			}
			return zero, res, err
		}
		res.Raw = raw

		v, err := decode(raw, validate)
		if err == nil {
			return v, res, nil
		}
		lastErr = err
		slog.Debug("malformed structured reply", "model", req.Model, "attempt", attempt, "error", err)
	}
	return zero, res, fmt.Errorf("%w: %v", research.ErrMalformedResponse, lastErr)
}

func decode[T any](raw string, validate Validator[T]) (T, error) {
	var v T
	cleaned := Clean(raw)
	if cleaned == "" {
		return v, errors.New("empty reply")
	}
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return v, fmt.Errorf("decoding reply: %w", err)
	}
	if validate != nil {
		if err := validate(&v); err != nil {
			return v, err
		}
	}
	return v, nil
}

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	codeFence  = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
)

// StripThinking removes <think> reasoning blocks from a reply.
func StripThinking(raw string) string {
	s := thinkBlock.ReplaceAllString(raw, "")
	// An unterminated reasoning block swallows the rest of the reply.
	if i := strings.Index(s, "<think>"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Clean strips reasoning blocks and a surrounding markdown code fence, then
// trims the reply to its outermost JSON object when prose surrounds it.
func Clean(raw string) string {
	s := StripThinking(raw)
	if m := codeFence.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	if !strings.HasPrefix(s, "{") {
		start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
		if start >= 0 && end > start {
			s = s[start : end+1]
		}
	}
	return strings.TrimSpace(s)
}

// Model names the model to call and its sampling options. residency.Lease
// implements it.
type Model interface {
	Model() string
	Options() *engine.Options
}

// For builds a Request for model m.
func For(m Model, msgs []engine.Message, schema *engine.Schema, rc retry.Config) Request {
	return Request{Model: m.Model(), Messages: msgs, Schema: schema, Options: m.Options(), Retry: rc}
}
