package ask

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/engine/enginetest"
	"github.com/kalambet/topicforge/internal/research"
	"github.com/kalambet/topicforge/internal/residency"
	"github.com/kalambet/topicforge/internal/retrieval"
	"github.com/kalambet/topicforge/internal/storage"
)

type env struct {
	fake  *enginetest.Fake
	mgr   *residency.Manager
	store *retrieval.SQLiteStore
}

func newEnv(t *testing.T) env {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fake := &enginetest.Fake{}
	mgr := residency.NewManager(fake, residency.Config{
		Roles: map[residency.Role]residency.Binding{
			residency.RoleEmbedding: {Model: "nomic-embed-text"},
			residency.RoleGenerator: {Model: "deepseek-r1:14b", Temperature: 0.3},
		},
		VerifyTimeout: 50 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	})
	return env{fake: fake, mgr: mgr, store: retrieval.NewSQLiteStore(db.DB())}
}

func (e env) seed(t *testing.T, collection string, texts ...string) {
	t.Helper()
	var recs []retrieval.Record
	for i, text := range texts {
		recs = append(recs, retrieval.Record{
			ID:        fmt.Sprintf("W%d", i+1),
			Title:     fmt.Sprintf("Paper %d", i+1),
			Text:      text,
			Embedding: enginetest.HashEmbed(text),
		})
	}
	if err := e.store.Insert(context.Background(), collection, recs); err != nil {
		t.Fatalf("seeding %s: %v", collection, err)
	}
}

func TestAsk(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "papers_gnn",
		"message passing graph neural networks",
		"protein folding with transformers",
		"graph attention networks")

	var prompt string
	e.fake.ChatFunc = func(_ context.Context, model string, msgs []engine.Message, schema *engine.Schema, _ *engine.Options) (string, error) {
		if schema != nil {
			t.Error("answer call must not use a schema")
		}
		prompt = msgs[0].Content
		return "<think>look at [1]</think>GNNs pass messages between nodes.", nil
	}

	ans, err := New(e.mgr, e.fake, e.store, Config{TopK: 2}).Ask(context.Background(), "", "message passing graph neural networks?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ans.Collection != "papers_gnn" {
		t.Errorf("collection = %q, want latest papers_gnn", ans.Collection)
	}
	if ans.Text != "GNNs pass messages between nodes." {
		t.Errorf("text = %q", ans.Text)
	}
	if ans.Model != "deepseek-r1:14b" {
		t.Errorf("model = %q", ans.Model)
	}
	if len(ans.Sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(ans.Sources))
	}
	if ans.Sources[0].ID != "W1" {
		t.Errorf("top source = %q, want W1", ans.Sources[0].ID)
	}
	for _, want := range []string{
		"Answer the question based only on the following context:",
		"message passing graph neural networks",
		"Question: message passing graph neural networks?",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	wantEvents := []string{"load:nomic-embed-text", "unload:nomic-embed-text", "load:deepseek-r1:14b"}
	if got := e.fake.Events(); !slices.Equal(got, wantEvents) {
		t.Errorf("events = %v, want %v", got, wantEvents)
	}
	if n := e.fake.ColdCalls(); n != 0 {
		t.Errorf("%d calls to a model that was not resident", n)
	}
	if e.mgr.Held() {
		t.Error("lease still held")
	}
}

func TestAsk_NamedCollection(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "papers_old", "graph neural networks")
	e.seed(t, "papers_new", "quantum chemistry")
	e.fake.ChatFunc = func(context.Context, string, []engine.Message, *engine.Schema, *engine.Options) (string, error) {
		return "ok", nil
	}

	ans, err := New(e.mgr, e.fake, e.store, Config{}).Ask(context.Background(), "papers_old", "graphs?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Collection != "papers_old" {
		t.Errorf("collection = %q, want papers_old", ans.Collection)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].Text != "graph neural networks" {
		t.Errorf("sources = %+v", ans.Sources)
	}
}

func TestAsk_NoCollection(t *testing.T) {
	e := newEnv(t)
	_, err := New(e.mgr, e.fake, e.store, Config{}).Ask(context.Background(), "", "anything?")
	if err == nil {
		t.Error("expected error without collections")
	}
	if ev := e.fake.Events(); len(ev) != 0 {
		t.Errorf("events = %v, want no model loaded", ev)
	}
}

func TestAsk_EmptyCollectionIsEmptyResult(t *testing.T) {
	e := newEnv(t)
	_, err := New(e.mgr, e.fake, e.store, Config{}).Ask(context.Background(), "papers_missing", "anything?")
	if !errors.Is(err, research.ErrEmptyResult) {
		t.Errorf("error = %v, want ErrEmptyResult", err)
	}
	if slices.Contains(e.fake.Events(), "load:deepseek-r1:14b") {
		t.Error("generator loaded for an empty collection")
	}
}

func TestAsk_EmptyQuestion(t *testing.T) {
	e := newEnv(t)
	if _, err := New(e.mgr, e.fake, e.store, Config{}).Ask(context.Background(), "", "   "); err == nil {
		t.Error("expected error for a blank question")
	}
}

func TestAsk_ChatErrorReleasesLease(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "papers_gnn", "graph neural networks")
	e.fake.ChatFunc = func(context.Context, string, []engine.Message, *engine.Schema, *engine.Options) (string, error) {
		return "", errors.New("model crashed")
	}

	if _, err := New(e.mgr, e.fake, e.store, Config{}).Ask(context.Background(), "", "graphs?"); err == nil {
		t.Error("expected chat error")
	}
	if e.mgr.Held() {
		t.Error("lease still held")
	}
}

func TestAsk_Rerank(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "papers_gnn",
		"graph neural networks for molecules",
		"graph neural networks for traffic",
		"graph neural networks for social graphs")

	var mu sync.Mutex
	var answerPrompt string
	e.fake.ChatFunc = func(_ context.Context, _ string, msgs []engine.Message, schema *engine.Schema, _ *engine.Options) (string, error) {
		content := msgs[0].Content
		if schema == nil {
			mu.Lock()
			answerPrompt = content
			mu.Unlock()
			return "answer", nil
		}
		switch {
		case strings.Contains(content, "Paper: graph neural networks for traffic"):
			return `{"score": 0.9}`, nil
		case strings.Contains(content, "Paper: graph neural networks for molecules"):
			return "```json\n{\"score\": 0.6}\n```", nil
		default:
			return `{"score": 0.1}`, nil
		}
	}

	cfg := Config{TopK: 3, Rerank: true, RerankThreshold: 0.5}
	ans, err := New(e.mgr, e.fake, e.store, cfg).Ask(context.Background(), "", "graph neural networks traffic forecasting")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ans.Sources) != 2 {
		t.Fatalf("got %d sources, want 2 (low-relevance paper dropped)", len(ans.Sources))
	}
	if ans.Sources[0].Text != "graph neural networks for traffic" || !near(ans.Sources[0].Score, 0.9) {
		t.Errorf("top source = %q (%.2f)", ans.Sources[0].Text, ans.Sources[0].Score)
	}
	if ans.Sources[1].Text != "graph neural networks for molecules" {
		t.Errorf("second source = %q", ans.Sources[1].Text)
	}
	if strings.Contains(answerPrompt, "social graphs") {
		t.Error("dropped paper reached the answer prompt")
	}
}

func TestRerank_AllBelowThresholdKeepsInput(t *testing.T) {
	chat := &enginetest.Fake{ChatFunc: func(context.Context, string, []engine.Message, *engine.Schema, *engine.Options) (string, error) {
		return `{"score": 0.05}`, nil
	}}
	in := []retrieval.ContextChunk{{ID: "a", Score: 0.3}, {ID: "b", Score: 0.2}}

	rr := &reranker{chat: chat, threshold: 0.5, timeout: time.Second}
	if got := rr.rerank(context.Background(), stubModel{}, "q", in); !reflect.DeepEqual(got, in) {
		t.Errorf("rerank = %+v, want input unchanged", got)
	}
}

func TestRerank_UnparseableKeepsSimilarity(t *testing.T) {
	chat := &enginetest.Fake{ChatFunc: func(_ context.Context, _ string, msgs []engine.Message, _ *engine.Schema, _ *engine.Options) (string, error) {
		if strings.Contains(msgs[0].Content, "Paper: good") {
			return `{"score": 0.8}`, nil
		}
		return "I think it's relevant", nil
	}}
	in := []retrieval.ContextChunk{{ID: "a", Text: "vague", Score: 0.7}, {ID: "b", Text: "good", Score: 0.2}}

	rr := &reranker{chat: chat, threshold: 0.5, timeout: time.Second}
	got := rr.rerank(context.Background(), stubModel{}, "q", in)
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Errorf("order = %s, %s, want b, a", got[0].ID, got[1].ID)
	}
	if !near(got[1].Score, 0.7) {
		t.Errorf("unscored chunk score = %.2f, want similarity 0.7 kept", got[1].Score)
	}
}

func TestRerank_Timeout(t *testing.T) {
	chat := &enginetest.Fake{ChatFunc: func(ctx context.Context, _ string, _ []engine.Message, _ *engine.Schema, _ *engine.Options) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	in := []retrieval.ContextChunk{{ID: "a", Score: 0.1}, {ID: "b", Score: 0.9}}

	rr := &reranker{chat: chat, threshold: 0.5, timeout: 20 * time.Millisecond}
	if got := rr.rerank(context.Background(), stubModel{}, "q", in); !reflect.DeepEqual(got, in) {
		t.Errorf("rerank = %+v, want original order when nothing scored", got)
	}
}

func TestSelectChunks_Budget(t *testing.T) {
	in := []retrieval.ContextChunk{
		{ID: "low", Text: strings.Repeat("a", 40), Score: 0.1},
		{ID: "huge", Text: strings.Repeat("b", 4000), Score: 0.9},
		{ID: "high", Text: strings.Repeat("c", 40), Score: 0.8},
	}
	got := selectChunks(in, 200)
	if len(got) != 2 || got[0].ID != "high" || got[1].ID != "low" {
		t.Errorf("selected = %+v, want high then low", got)
	}
}

type stubModel struct{}

func (stubModel) Model() string            { return "deepseek-r1:14b" }
func (stubModel) Options() *engine.Options { return nil }

func near(got float32, want float64) bool {
	return math.Abs(float64(got)-want) < 1e-6
}

func TestAsk_CancelKeepsInFlightAnswer(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "papers_gnn", "graph neural networks")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawDone bool
	e.fake.ChatFunc = func(callCtx context.Context, _ string, _ []engine.Message, _ *engine.Schema, _ *engine.Options) (string, error) {
		time.AfterFunc(10*time.Millisecond, cancel)
		select {
		case <-callCtx.Done():
			sawDone = true
			return "", callCtx.Err()
		case <-time.After(100 * time.Millisecond):
			return "graphs", nil
		}
	}

	ans, err := New(e.mgr, e.fake, e.store, Config{}).Ask(ctx, "", "graphs?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sawDone || ans.Text != "graphs" {
		t.Errorf("sawDone = %v, text = %q; want the started answer kept", sawDone, ans.Text)
	}
	if e.mgr.Held() {
		t.Error("lease still held")
	}
}
