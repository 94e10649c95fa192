// Package residency owns the single model slot of the inference backend.
// Stages obtain a Lease for a role; at most one lease exists at a time, and a
// different model is loaded only after the previous one is confirmed gone.
package residency

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/ollama"
	"github.com/kalambet/topicforge/internal/research"
)

// Role names a pipeline duty that needs a model.
type Role string

const (
	RoleEmbedding  Role = "embedding"
	RoleGenerator  Role = "generator"
	RoleEvaluator  Role = "evaluator"
	RoleTranslator Role = "translator"
)

// Roles lists every role in pipeline order.
var Roles = []Role{RoleEmbedding, RoleGenerator, RoleEvaluator, RoleTranslator}

// Binding is the model and sampling temperature configured for a role.
type Binding struct {
	Model       string
	Temperature float64
}

// Config controls a Manager.
type Config struct {
	Roles map[Role]Binding

	// VerifyTimeout bounds how long an unload may take to show up in the
	// backend's resident list.
	VerifyTimeout time.Duration
	// PollInterval is the delay between resident-list checks.
	PollInterval time.Duration
	// EagerUnload unloads on every Release instead of at the next Acquire
	// for a different model.
	EagerUnload bool
}

// EventKind identifies a residency transition.
type EventKind string

const (
	EventLoad   EventKind = "load"
	EventUnload EventKind = "unload"
	EventReuse  EventKind = "reuse"
)

// Event describes one transition, delivered to the Observer synchronously.
type Event struct {
	Kind  EventKind
	Role  Role
	Model string
}

// Observer receives every residency Event.
type Observer func(Event)

// Manager serializes access to the model slot.
type Manager struct {
	eng      engine.Engine
	cfg      Config
	logger   *slog.Logger
	observer Observer

	slot chan struct{}

	mu           sync.Mutex
	resident     string
	residentRole Role
	active       *Lease
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver installs a callback for load, unload and reuse events.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager for eng.
func NewManager(eng engine.Engine, cfg Config, opts ...Option) *Manager {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	m := &Manager{
		eng:    eng,
		cfg:    cfg,
		logger: slog.Default(),
		slot:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Binding returns the model binding for role.
func (m *Manager) Binding(role Role) (Binding, bool) {
	b, ok := m.cfg.Roles[role]
	return b, ok && b.Model != ""
}

// Resident reports the role whose model this manager last loaded and has not
// yet unloaded.
func (m *Manager) Resident() (Role, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.residentRole, m.resident != ""
}

// Held reports whether a lease is currently outstanding.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Acquire blocks until the slot is free, makes the role's model resident and
// returns a lease on it. The previous model, if different, is unloaded and
// its absence verified first; failure to verify returns
// research.ErrResourceExhausted.
func (m *Manager) Acquire(ctx context.Context, role Role) (*Lease, error) {
	b, ok := m.Binding(role)
	if !ok {
		return nil, fmt.Errorf("no model configured for role %q", role)
	}

	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for model slot: %w", research.ErrCancelled)
	}

	if err := m.makeResident(ctx, role, b.Model); err != nil {
		<-m.slot
		return nil, err
	}

	l := &Lease{m: m, role: role, binding: b}
	m.mu.Lock()
	m.active = l
	m.mu.Unlock()
	return l, nil
}

// Release releases l. A nil lease is a no-op.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	return l.Release(ctx)
}

func (m *Manager) makeResident(ctx context.Context, role Role, model string) error {
	m.mu.Lock()
	prev, prevRole := m.resident, m.residentRole
	m.mu.Unlock()

	if prev != "" && ollama.SameModel(prev, model) {
		m.mu.Lock()
		m.residentRole = role
		m.mu.Unlock()
		m.emit(Event{Kind: EventReuse, Role: role, Model: model})
		m.logger.Debug("model already resident", "role", role, "model", model)
		return nil
	}

	if prev != "" {
		if err := m.unload(ctx, prevRole, prev); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := m.eng.Load(ctx, model); err != nil {
		return fmt.Errorf("loading %s model %s: %w", role, model, err)
	}
	m.mu.Lock()
	m.resident, m.residentRole = model, role
	m.mu.Unlock()
	m.emit(Event{Kind: EventLoad, Role: role, Model: model})
	m.logger.Info("model loaded", "role", role, "model", model, "duration", time.Since(start))
	return nil
}

// unload evicts model and waits until the backend no longer lists it.
func (m *Manager) unload(ctx context.Context, role Role, model string) error {
	// Unloading proceeds even if ctx is cancelled: the slot must not be
	// handed on while a model may still occupy memory.
	ctx = context.WithoutCancel(ctx)
	if err := m.eng.Unload(ctx, model); err != nil {
		m.logger.Warn("unload request failed", "model", model, "error", err)
	}
	if err := m.verifyGone(ctx, model); err != nil {
		return fmt.Errorf("unloading %s model %s: %w", role, model, err)
	}
	m.mu.Lock()
	if m.resident == model {
		m.resident, m.residentRole = "", ""
	}
	m.mu.Unlock()
	m.emit(Event{Kind: EventUnload, Role: role, Model: model})
	m.logger.Info("model unloaded", "role", role, "model", model)
	return nil
}

func (m *Manager) verifyGone(ctx context.Context, model string) error {
	vctx, cancel := context.WithTimeout(ctx, m.cfg.VerifyTimeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		loaded, err := m.eng.Loaded(vctx)
		if err == nil {
			if !slices.ContainsFunc(loaded, func(n string) bool { return ollama.SameModel(n, model) }) {
				return nil
			}
			lastErr = fmt.Errorf("still resident: %s", model)
		} else {
			lastErr = err
		}

		select {
		case <-vctx.Done():
			return fmt.Errorf("%w: %v", research.ErrResourceExhausted, lastErr)
		case <-ticker.C:
		}
	}
}

// Shutdown unloads every configured model the backend reports resident and
// verifies each is gone. It waits for an outstanding lease to be released.
func (m *Manager) Shutdown(ctx context.Context) error {
	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for model slot: %w", research.ErrCancelled)
	}
	defer func() { <-m.slot }()

	loaded, err := m.eng.Loaded(ctx)
	if err != nil {
		return fmt.Errorf("listing resident models: %w", err)
	}

	var firstErr error
	var seen []string
	for _, role := range Roles {
		b, ok := m.Binding(role)
		if !ok || slices.ContainsFunc(seen, func(n string) bool { return ollama.SameModel(n, b.Model) }) {
			continue
		}
		seen = append(seen, b.Model)
		if !slices.ContainsFunc(loaded, func(n string) bool { return ollama.SameModel(n, b.Model) }) {
			continue
		}
		if err := m.unload(ctx, role, b.Model); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.mu.Lock()
	if firstErr == nil {
		m.resident, m.residentRole = "", ""
	}
	m.mu.Unlock()
	return firstErr
}

func (m *Manager) emit(e Event) {
	if m.observer != nil {
		m.observer(e)
	}
}

// Lease grants use of one role's model until released.
type Lease struct {
	m       *Manager
	role    Role
	binding Binding

	once sync.Once
	err  error
}

// Role returns the leased role.
func (l *Lease) Role() Role { return l.role }

// Model returns the resident model name.
func (l *Lease) Model() string { return l.binding.Model }

// Temperature returns the role's configured sampling temperature.
func (l *Lease) Temperature() float64 { return l.binding.Temperature }

// Options returns chat options for the role.
func (l *Lease) Options() *engine.Options { return engine.WithTemperature(l.binding.Temperature) }

// Release frees the slot. It is idempotent; later calls return the first
// call's result. With EagerUnload the model is unloaded and verified here.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		m := l.m
		if m.cfg.EagerUnload {
			m.mu.Lock()
			model, role := m.resident, m.residentRole
			m.mu.Unlock()
			if model != "" {
				l.err = m.unload(ctx, role, model)
			}
		}
		m.mu.Lock()
		if m.active == l {
			m.active = nil
		}
		m.mu.Unlock()
		<-m.slot
	})
	return l.err
}

// With acquires role, runs fn and releases the lease on every exit path,
// including a panic in fn. A release error is returned only when fn succeeded.
func With(ctx context.Context, m *Manager, role Role, fn func(ctx context.Context, l *Lease) error) (err error) {
	l, err := m.Acquire(ctx, role)
	if err != nil {
		return err
	}
	defer func() {
		relErr := l.Release(ctx)
		if err == nil {
			err = relErr
		}
	}()
	return fn(ctx, l)
}
