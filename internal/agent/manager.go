// Package agent manages the long-lived per-user agent runtimes: lazy
// construction with duplicate-create suppression, persona hot-reload on
// access, credential lookup, and idle eviction.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/seanchangg/dyno/internal/bus"
	"github.com/seanchangg/dyno/internal/llm"
	"github.com/seanchangg/dyno/internal/otel"
	"github.com/seanchangg/dyno/internal/persistence"
	"github.com/seanchangg/dyno/internal/policy"
	"github.com/seanchangg/dyno/internal/runtime"
	"github.com/seanchangg/dyno/internal/tools"
	"github.com/seanchangg/dyno/internal/workspace"
)

const (
	defaultIdleTimeout   = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

// ToolContributor adds tools beyond the built-in set (orchestration,
// dashboard) to a newly built agent's registry. pol is the policy in effect
// at build time, so contributors see hot-reloaded rules.
type ToolContributor func(userID string, reg *tools.Registry, client llm.Client, ws *workspace.Workspace, pol policy.Policy)

// Config wires a Manager.
type Config struct {
	Store       *persistence.Store
	Provisioner *workspace.Provisioner
	Bus         *bus.Bus
	Logger      *slog.Logger
	Policy      policy.Policy
	Tracer      trace.Tracer
	Metrics     *otel.Metrics

	Model         string
	MaxTokens     int
	MaxIterations int

	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// ClientFactory builds a model client for an API key. Tests inject
	// fakes here; production uses the Anthropic adapter.
	ClientFactory func(apiKey string) llm.Client

	Contribute ToolContributor
}

type entry struct {
	rt           *runtime.Runtime
	ws           *workspace.Workspace
	lastActiveAt time.Time
}

type pending struct {
	done chan struct{}
	rt   *runtime.Runtime
	err  error
}

// Manager caches one runtime per user.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	agents   map[string]*entry
	inflight map[string]*pending
	keys     map[string]string // api key cache in front of the store

	stop      chan struct{}
	closeOnce sync.Once
}

// NewManager builds a Manager and starts its idle-eviction sweep.
func NewManager(cfg Config) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ClientFactory == nil {
		cfg.ClientFactory = func(key string) llm.Client { return llm.NewAnthropicClient(key, 0) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		agents:   make(map[string]*entry),
		inflight: make(map[string]*pending),
		keys:     make(map[string]string),
		stop:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// GetOrCreate returns the user's runtime, building it on first access.
// Concurrent callers for the same user share one construction: the first
// starts the work and the rest wait on its result. On an existing entry
// the persona documents are re-read so dashboard edits apply immediately.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*runtime.Runtime, error) {
	m.mu.Lock()
	if e, ok := m.agents[userID]; ok {
		e.lastActiveAt = time.Now()
		rt, ws := e.rt, e.ws
		m.mu.Unlock()
		m.applyPersona(rt, ws)
		return rt, nil
	}
	if p, ok := m.inflight[userID]; ok {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.rt, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &pending{done: make(chan struct{})}
	m.inflight[userID] = p
	m.mu.Unlock()

	rt, ws, err := m.build(ctx, userID)

	m.mu.Lock()
	// The marker is cleared on failure too, so a later call can retry.
	delete(m.inflight, userID)
	if err == nil {
		m.agents[userID] = &entry{rt: rt, ws: ws, lastActiveAt: time.Now()}
	}
	m.mu.Unlock()
	if err == nil {
		m.countAgents(1)
	}

	p.rt, p.err = rt, err
	close(p.done)
	return rt, err
}

func (m *Manager) build(ctx context.Context, userID string) (*runtime.Runtime, *workspace.Workspace, error) {
	ws, err := m.cfg.Provisioner.Ensure(userID)
	if err != nil {
		return nil, nil, fmt.Errorf("provision workspace: %w", err)
	}

	key, ok := m.APIKey(ctx, userID)
	if !ok {
		return nil, nil, fmt.Errorf("no API key for user %s", userID)
	}
	client := m.cfg.ClientFactory(key)

	m.mu.Lock()
	pol := m.cfg.Policy
	m.mu.Unlock()

	reg := tools.NewRegistry()
	tools.RegisterMemoryTools(reg, ws)
	tools.RegisterFileTools(reg, ws)
	tools.RegisterWebTools(reg, pol)
	tools.RegisterScriptTools(reg, ws)
	if m.cfg.Contribute != nil {
		m.cfg.Contribute(userID, reg, client, ws, pol)
	}

	persona, soul, _ := workspace.ContextDocs(ws)
	rt := runtime.New(runtime.Config{
		UserID:        userID,
		Client:        client,
		Tools:         reg,
		Policy:        pol,
		Bus:           m.cfg.Bus,
		Logger:        m.logger,
		Tracer:        m.cfg.Tracer,
		Metrics:       m.cfg.Metrics,
		Model:         m.cfg.Model,
		MaxTokens:     m.cfg.MaxTokens,
		MaxIterations: m.cfg.MaxIterations,
	}, workspace.BuildSystemPrompt(persona, soul))

	m.logger.Info("agent created", "user", userID)
	return rt, ws, nil
}

// applyPersona re-reads the context documents and swaps the system prompt.
// Read failures leave the current prompt in place.
func (m *Manager) applyPersona(rt *runtime.Runtime, ws *workspace.Workspace) {
	persona, soul, _ := workspace.ContextDocs(ws)
	rt.SetSystemPrompt(workspace.BuildSystemPrompt(persona, soul))
}

// APIKey resolves a user's key: in-memory cache first, then the durable
// store with a cache backfill. ok is false when no key is known.
func (m *Manager) APIKey(ctx context.Context, userID string) (string, bool) {
	m.mu.Lock()
	if key, ok := m.keys[userID]; ok && key != "" {
		m.mu.Unlock()
		return key, true
	}
	m.mu.Unlock()

	if m.cfg.Store == nil {
		return "", false
	}
	key, err := m.cfg.Store.Credential(ctx, userID)
	if err != nil {
		m.logger.Warn("credential lookup failed", "user", userID, "err", err)
		return "", false
	}
	if key == "" {
		return "", false
	}
	m.mu.Lock()
	m.keys[userID] = key
	m.mu.Unlock()
	return key, true
}

// SetAPIKey caches the key and, when a store is configured, persists it.
func (m *Manager) SetAPIKey(ctx context.Context, userID, key string) error {
	m.mu.Lock()
	m.keys[userID] = key
	m.mu.Unlock()
	if m.cfg.Store == nil {
		return nil
	}
	return m.cfg.Store.SetCredential(ctx, userID, key)
}

// Active reports whether a runtime is currently cached for the user.
func (m *Manager) Active(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.agents[userID]
	return ok
}

// SetPolicy swaps the approval policy and evicts every cached runtime so
// the next access rebuilds tools against the new rules. Used by the
// policy.yaml hot-reload path.
func (m *Manager) SetPolicy(p policy.Policy) {
	m.mu.Lock()
	m.cfg.Policy = p
	dropped := len(m.agents)
	m.agents = make(map[string]*entry)
	m.mu.Unlock()
	m.countAgents(-dropped)
	m.logger.Info("policy updated, cached agents dropped")
}

// Evict drops a user's runtime. The next access rebuilds it.
func (m *Manager) Evict(userID string) {
	m.mu.Lock()
	_, existed := m.agents[userID]
	delete(m.agents, userID)
	m.mu.Unlock()
	if existed {
		m.countAgents(-1)
	}
}

func (m *Manager) countAgents(delta int) {
	if m.cfg.Metrics != nil && delta != 0 {
		m.cfg.Metrics.ActiveAgents.Add(context.Background(), int64(delta))
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	evicted := 0
	for userID, e := range m.agents {
		if now.Sub(e.lastActiveAt) > m.cfg.IdleTimeout {
			delete(m.agents, userID)
			evicted++
			m.logger.Debug("agent evicted", "user", userID)
		}
	}
	m.mu.Unlock()
	m.countAgents(-evicted)
}

// Close stops the eviction sweep.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.stop) })
}
