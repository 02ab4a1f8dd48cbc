package runtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/seanchangg/dyno/internal/bus"
	"github.com/seanchangg/dyno/internal/llm"
	"github.com/seanchangg/dyno/internal/otel"
	"github.com/seanchangg/dyno/internal/policy"
	"github.com/seanchangg/dyno/internal/tools"
)

// Config builds a per-user Runtime.
type Config struct {
	UserID        string
	Client        llm.Client
	Tools         *tools.Registry
	Policy        policy.Policy
	Bus           *bus.Bus
	Logger        *slog.Logger
	Tracer        trace.Tracer
	Metrics       *otel.Metrics
	Model         string
	MaxTokens     int
	MaxIterations int
}

// Runtime is the long-lived agent object for one user. It owns the
// conversation history and the hot-swappable system prompt; runs are
// serialized, so two chat requests never interleave history writes.
type Runtime struct {
	cfg Config

	runMu sync.Mutex // serializes RunLoop calls

	mu        sync.Mutex
	system    string
	history   []llm.Message
	tokensIn  int
	tokensOut int

	cancelled atomic.Bool
}

// New builds a Runtime with the given initial system prompt.
func New(cfg Config, systemPrompt string) *Runtime {
	return &Runtime{cfg: cfg, system: systemPrompt}
}

// UserID returns the owning user.
func (r *Runtime) UserID() string { return r.cfg.UserID }

// SetSystemPrompt swaps the system prompt. Applied on the next run; edits
// to the persona documents take effect without a restart.
func (r *Runtime) SetSystemPrompt(s string) {
	r.mu.Lock()
	r.system = s
	r.mu.Unlock()
}

// SystemPrompt returns the current system prompt.
func (r *Runtime) SystemPrompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.system
}

// Tools returns the runtime's full tool registry.
func (r *Runtime) Tools() *tools.Registry { return r.cfg.Tools }

// Client returns the runtime's model client.
func (r *Runtime) Client() llm.Client { return r.cfg.Client }

// Usage returns cumulative token counts across all runs.
func (r *Runtime) Usage() (in, out int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokensIn, r.tokensOut
}

// Cancel requests the current run stop at its next iteration boundary.
func (r *Runtime) Cancel() { r.cancelled.Store(true) }

// RunOptions override per-run behavior. Zero values fall back to the
// runtime's configuration.
type RunOptions struct {
	Model         string
	Approver      Approver
	Tools         *tools.Registry
	MaxIterations int
	// Detached runs (heartbeat action phase) do not touch the user's chat
	// history: they start from a fresh conversation and discard it after.
	Detached bool
	// Headless runs restrict tools to the headless allowlist even when
	// policy would auto-approve them.
	Headless bool
}

// RunLoop appends the prompt to the conversation and drives the tool-call
// loop to completion.
func (r *Runtime) RunLoop(ctx context.Context, prompt string, opts RunOptions) (*Result, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.mu.Lock()
	system := r.system
	var history []llm.Message
	if !opts.Detached {
		history = append(history, r.history...)
	}
	r.mu.Unlock()
	history = append(history, llm.TextMessage(llm.RoleUser, prompt))

	r.cancelled.Store(false)

	loop := &Loop{
		Client:        r.cfg.Client,
		Tools:         r.cfg.Tools,
		Policy:        r.cfg.Policy,
		Approver:      opts.Approver,
		Bus:           r.cfg.Bus,
		Logger:        r.cfg.Logger,
		Tracer:        r.cfg.Tracer,
		Metrics:       r.cfg.Metrics,
		UserID:        r.cfg.UserID,
		Model:         r.cfg.Model,
		MaxTokens:     r.cfg.MaxTokens,
		MaxIterations: r.cfg.MaxIterations,
		Headless:      opts.Headless,
	}
	if opts.Model != "" {
		loop.Model = opts.Model
	}
	if opts.Tools != nil {
		loop.Tools = opts.Tools
	}
	if opts.MaxIterations > 0 {
		loop.MaxIterations = opts.MaxIterations
	}

	res, err := loop.Run(ctx, system, history, &r.cancelled)

	r.mu.Lock()
	r.tokensIn += res.TokensIn
	r.tokensOut += res.TokensOut
	if !opts.Detached && err == nil && !res.Cancelled {
		r.history = res.History
	}
	r.mu.Unlock()
	return res, err
}

// HistoryLen reports the number of stored conversation turns.
func (r *Runtime) HistoryLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

// ClearHistory drops the stored conversation.
func (r *Runtime) ClearHistory() {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
}
