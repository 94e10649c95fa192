// Package enginetest provides an in-memory engine.Engine for tests. It
// simulates model residency so callers can assert load/unload ordering.
package enginetest

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/ollama"
)

// Dim is the size of vectors produced by HashEmbed.
const Dim = 32

// Fake is an engine.Engine backed by function fields and a residency table.
// Zero value is usable: chat returns "", embeddings come from HashEmbed.
type Fake struct {
	ChatFunc       func(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema, opts *engine.Options) (string, error)
	EmbedBatchFunc func(ctx context.Context, model string, texts []string) ([][]float32, error)

	// Down makes IsRunning report false.
	Down bool
	// Sticky lists models that ignore Unload and stay resident.
	Sticky map[string]bool
	// LoadErr, when set, is returned by Load for the named model.
	LoadErr map[string]error

	mu          sync.Mutex
	resident    []string
	events      []string
	maxResident int
	chats       []string
	coldCalls   int
	pulled      []string
}

func (f *Fake) Chat(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema, opts *engine.Options) (string, error) {
	f.mu.Lock()
	f.chats = append(f.chats, model)
	if !f.isResidentLocked(model) {
		f.coldCalls++
	}
	fn := f.ChatFunc
	f.mu.Unlock()

	if fn == nil {
		return "", nil
	}
	return fn(ctx, model, messages, schema, opts)
}

func (f *Fake) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *Fake) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	f.mu.Lock()
	if !f.isResidentLocked(model) {
		f.coldCalls++
	}
	fn := f.EmbedBatchFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, model, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = HashEmbed(t)
	}
	return out, nil
}

func (f *Fake) IsRunning(context.Context) bool { return !f.Down }

func (f *Fake) ListModels(context.Context) ([]string, error) { return nil, nil }

func (f *Fake) HasModel(context.Context, string) bool { return true }

func (f *Fake) PullModel(_ context.Context, name string, _ func(engine.PullProgress)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, name)
	return nil
}

func (f *Fake) Load(_ context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.LoadErr[model]; err != nil {
		return err
	}
	f.events = append(f.events, "load:"+model)
	if !f.isResidentLocked(model) {
		f.resident = append(f.resident, model)
	}
	if len(f.resident) > f.maxResident {
		f.maxResident = len(f.resident)
	}
	return nil
}

func (f *Fake) Unload(_ context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "unload:"+model)
	if f.Sticky[model] {
		return nil
	}
	kept := f.resident[:0]
	for _, m := range f.resident {
		if !ollama.SameModel(m, model) {
			kept = append(kept, m)
		}
	}
	f.resident = kept
	return nil
}

func (f *Fake) Loaded(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resident...), nil
}

// Preload marks models resident without recording events, simulating
// models left in memory by another process.
func (f *Fake) Preload(models ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resident = append(f.resident, models...)
}

// Events returns the ordered "load:<model>" / "unload:<model>" log.
func (f *Fake) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// MaxResident is the most models that were ever resident at once.
func (f *Fake) MaxResident() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxResident
}

// Resident returns the models currently resident.
func (f *Fake) Resident() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resident...)
}

// ColdCalls counts chat or embed calls made while their model was not loaded.
func (f *Fake) ColdCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coldCalls
}

// ChatModels returns the model of every chat call, in call order.
func (f *Fake) ChatModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chats...)
}

// Pulled returns the models passed to PullModel.
func (f *Fake) Pulled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulled...)
}

func (f *Fake) isResidentLocked(model string) bool {
	for _, m := range f.resident {
		if ollama.SameModel(m, model) {
			return true
		}
	}
	return false
}

// HashEmbed maps text to a deterministic unit vector by hashing its
// lowercase words into Dim buckets. Texts sharing words score higher.
func HashEmbed(text string) []float32 {
	v := make([]float32, Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%Dim]++
	}
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if n == 0 {
		v[0] = 1
		return v
	}
	s := float32(1 / math.Sqrt(n))
	for i := range v {
		v[i] *= s
	}
	return v
}

// ErrOffline is a convenience error for simulating a dead backend.
var ErrOffline = errors.New("connection refused")

var _ engine.Engine = (*Fake)(nil)
