package residency

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/topicforge/internal/engine/enginetest"
	"github.com/kalambet/topicforge/internal/research"
)

func testConfig() Config {
	return Config{
		Roles: map[Role]Binding{
			RoleEmbedding:  {Model: "bge-m3"},
			RoleGenerator:  {Model: "qwen3:8b", Temperature: 0.7},
			RoleEvaluator:  {Model: "gemma3:12b", Temperature: 0.2},
			RoleTranslator: {Model: "gemma3:12b", Temperature: 0.3},
		},
		VerifyTimeout: 50 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, string(e.Kind)+":"+e.Model)
	}
	return out
}

func noop(context.Context, *Lease) error { return nil }

func mustAcquire(t *testing.T, m *Manager, role Role) *Lease {
	t.Helper()
	l, err := m.Acquire(context.Background(), role)
	if err != nil {
		t.Fatalf("Acquire(%s): %v", role, err)
	}
	return l
}

func mustRelease(t *testing.T, l *Lease) {
	t.Helper()
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func mustWith(t *testing.T, m *Manager, role Role) {
	t.Helper()
	if err := With(context.Background(), m, role, noop); err != nil {
		t.Fatalf("With(%s): %v", role, err)
	}
}

func TestAcquire_UnloadsBeforeLoadingNext(t *testing.T) {
	fake := &enginetest.Fake{}
	rec := &recorder{}
	m := NewManager(fake, testConfig(), WithObserver(rec.observe))

	l := mustAcquire(t, m, RoleEmbedding)
	if l.Model() != "bge-m3" {
		t.Errorf("model = %q, want bge-m3", l.Model())
	}
	mustRelease(t, l)

	l = mustAcquire(t, m, RoleGenerator)
	if l.Temperature() != 0.7 {
		t.Errorf("temperature = %v, want 0.7", l.Temperature())
	}
	mustRelease(t, l)

	if got, want := rec.kinds(), []string{"load:bge-m3", "unload:bge-m3", "load:qwen3:8b"}; !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if n := fake.MaxResident(); n != 1 {
		t.Errorf("max resident = %d, want 1", n)
	}
	if role, ok := m.Resident(); !ok || role != RoleGenerator {
		t.Errorf("resident = %s, %v; want generator", role, ok)
	}
}

func TestAcquire_SharedModelIsReused(t *testing.T) {
	fake := &enginetest.Fake{}
	rec := &recorder{}
	m := NewManager(fake, testConfig(), WithObserver(rec.observe))

	mustWith(t, m, RoleEvaluator)
	mustWith(t, m, RoleTranslator)

	if got, want := rec.kinds(), []string{"load:gemma3:12b", "reuse:gemma3:12b"}; !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if got := fake.Events(); !slices.Equal(got, []string{"load:gemma3:12b"}) {
		t.Errorf("engine events = %v, want a single load", got)
	}
	if role, _ := m.Resident(); role != RoleTranslator {
		t.Errorf("resident role = %s, want translator", role)
	}
}

func TestAcquire_UnconfirmedUnloadIsResourceExhausted(t *testing.T) {
	fake := &enginetest.Fake{Sticky: map[string]bool{"bge-m3": true}}
	m := NewManager(fake, testConfig())

	mustWith(t, m, RoleEmbedding)

	_, err := m.Acquire(context.Background(), RoleGenerator)
	if !errors.Is(err, research.ErrResourceExhausted) {
		t.Fatalf("error = %v, want ErrResourceExhausted", err)
	}
	if m.Held() {
		t.Error("slot must be freed after a failed acquire")
	}
	if slices.Contains(fake.Resident(), "qwen3:8b") {
		t.Error("next model must not load")
	}
}

func TestAcquire_LoadFailureFreesSlot(t *testing.T) {
	fake := &enginetest.Fake{LoadErr: map[string]error{"qwen3:8b": errors.New("out of memory")}}
	m := NewManager(fake, testConfig())

	if _, err := m.Acquire(context.Background(), RoleGenerator); err == nil {
		t.Fatal("expected load error")
	}
	if m.Held() {
		t.Error("slot still held after failed load")
	}
	mustRelease(t, mustAcquire(t, m, RoleEmbedding))
}

func TestAcquire_UnknownRole(t *testing.T) {
	m := NewManager(&enginetest.Fake{}, testConfig())
	if _, err := m.Acquire(context.Background(), Role("reranker")); err == nil {
		t.Error("expected error for an unknown role")
	}
}

func TestAcquire_BlocksUntilReleased(t *testing.T) {
	m := NewManager(&enginetest.Fake{}, testConfig())
	ctx := context.Background()

	first := mustAcquire(t, m, RoleEmbedding)

	acquired := make(chan *Lease)
	go func() {
		l, err := m.Acquire(ctx, RoleGenerator)
		if err == nil {
			acquired <- l
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while first lease was held")
	case <-time.After(20 * time.Millisecond):
	}

	mustRelease(t, first)

	select {
	case l := <-acquired:
		if l.Role() != RoleGenerator {
			t.Errorf("role = %s, want generator", l.Role())
		}
		mustRelease(t, l)
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestAcquire_CancelledWhileWaiting(t *testing.T) {
	m := NewManager(&enginetest.Fake{}, testConfig())
	held := mustAcquire(t, m, RoleEmbedding)
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, RoleGenerator); !errors.Is(err, research.ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	m := NewManager(&enginetest.Fake{}, testConfig())
	ctx := context.Background()

	l := mustAcquire(t, m, RoleEmbedding)
	for i, release := range []func() error{
		func() error { return l.Release(ctx) },
		func() error { return l.Release(ctx) },
		func() error { return m.Release(ctx, l) },
		func() error { return m.Release(ctx, nil) },
		func() error { var never *Lease; return never.Release(ctx) },
	} {
		if err := release(); err != nil {
			t.Errorf("release %d: %v", i, err)
		}
	}
	if m.Held() {
		t.Error("lease still held")
	}
}

func TestWith_ReleasesOnError(t *testing.T) {
	m := NewManager(&enginetest.Fake{}, testConfig())
	boom := errors.New("stage failed")

	err := With(context.Background(), m, RoleGenerator, func(context.Context, *Lease) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
	if m.Held() {
		t.Error("lease still held")
	}
}

func TestWith_ReleasesOnPanic(t *testing.T) {
	m := NewManager(&enginetest.Fake{}, testConfig())

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed")
			}
		}()
		With(context.Background(), m, RoleGenerator, func(context.Context, *Lease) error {
			panic("mid-stage")
		})
	}()

	if m.Held() {
		t.Error("lease still held after panic")
	}
}

func TestEagerUnload(t *testing.T) {
	fake := &enginetest.Fake{}
	cfg := testConfig()
	cfg.EagerUnload = true
	m := NewManager(fake, cfg)

	mustWith(t, m, RoleGenerator)
	if r := fake.Resident(); len(r) != 0 {
		t.Errorf("resident = %v, want none", r)
	}
	if _, ok := m.Resident(); ok {
		t.Error("manager still reports a resident model")
	}
}

func TestShutdown_UnloadsConfiguredModels(t *testing.T) {
	fake := &enginetest.Fake{}
	fake.Preload("gemma3:12b")
	m := NewManager(fake, testConfig())

	mustWith(t, m, RoleEmbedding)
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if r := fake.Resident(); len(r) != 0 {
		t.Errorf("resident = %v, want none", r)
	}
	if _, ok := m.Resident(); ok {
		t.Error("manager still reports a resident model")
	}
}

func TestShutdown_NothingResident(t *testing.T) {
	fake := &enginetest.Fake{}
	m := NewManager(fake, testConfig())
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ev := fake.Events(); len(ev) != 0 {
		t.Errorf("events = %v, want none", ev)
	}
}

func TestShutdown_StickyModelIsResourceExhausted(t *testing.T) {
	fake := &enginetest.Fake{Sticky: map[string]bool{"bge-m3": true}}
	m := NewManager(fake, testConfig())

	mustWith(t, m, RoleEmbedding)
	if err := m.Shutdown(context.Background()); !errors.Is(err, research.ErrResourceExhausted) {
		t.Errorf("error = %v, want ErrResourceExhausted", err)
	}
	if m.Held() {
		t.Error("slot still held after Shutdown")
	}
}
