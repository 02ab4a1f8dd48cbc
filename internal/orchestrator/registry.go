// Package orchestrator supervises child agent sessions: independent
// tool-call loops spawned by a parent agent, observed via polling tools,
// and the dashboard layout tools.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanchangg/dyno/internal/bus"
	"github.com/seanchangg/dyno/internal/llm"
	"github.com/seanchangg/dyno/internal/otel"
	"github.com/seanchangg/dyno/internal/policy"
	"github.com/seanchangg/dyno/internal/runtime"
	"github.com/seanchangg/dyno/internal/tools"
)

// Session statuses. Transitions are one-directional except
// completed -> running (re-activation via send_to_session).
const (
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusError      = "error"
	StatusTerminated = "terminated"
)

// MaxChildren caps retained child sessions per user. Settled sessions stay
// inspectable and keep counting against the cap.
const MaxChildren = 5

// maxResultChars caps the stored result summary of a settled child.
const maxResultChars = 500

// LayoutStore is the external collaborator holding the dashboard layout.
type LayoutStore interface {
	Layout(ctx context.Context, userID string) (string, error)
}

// Config wires a Registry. One Registry per user agent.
type Config struct {
	UserID        string
	Client        llm.Client
	ParentTools   *tools.Registry // children get this minus the orchestration set
	Policy        policy.Policy
	Bus           *bus.Bus
	Logger        *slog.Logger
	Tracer        trace.Tracer
	Metrics       *otel.Metrics
	DefaultModel  string
	MaxTokens     int
	MaxIterations int
	Layout        LayoutStore
}

// Session is one child sub-task. Retained after it settles so the parent
// can inspect it later; never deleted automatically.
type Session struct {
	ID        string
	Model     string
	Prompt    string
	CreatedAt time.Time

	mu        sync.Mutex
	status    string
	history   []llm.Message
	result    string
	tokensIn  int
	tokensOut int
	cancelled atomic.Bool
	cancelRun context.CancelFunc // interrupts an in-flight model call
}

// Registry owns the child sessions of one user agent.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string // creation order for stable listings

	wg sync.WaitGroup
}

// New builds a Registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// childTools is the parent's toolset minus the orchestration set: children
// cannot recursively spawn or touch the dashboard. Derived per run so
// tools registered after construction are included.
func (r *Registry) childTools() *tools.Registry {
	if r.cfg.ParentTools == nil {
		return tools.NewRegistry()
	}
	return r.cfg.ParentTools.Without(OrchestrationToolNames()...)
}

// Spawn starts a child session and returns its id immediately; the loop
// runs as a detached goroutine. The session_created event is pushed before
// the loop starts.
func (r *Registry) Spawn(prompt, model string) (string, error) {
	if model == "" {
		model = r.cfg.DefaultModel
	}
	s := &Session{
		ID:        uuid.NewString(),
		Model:     model,
		Prompt:    prompt,
		CreatedAt: time.Now(),
		status:    StatusRunning,
		history:   []llm.Message{llm.TextMessage(llm.RoleUser, prompt)},
	}

	r.mu.Lock()
	if len(r.sessions) >= MaxChildren {
		r.mu.Unlock()
		return "", fmt.Errorf("child session limit reached (%d sessions)", MaxChildren)
	}
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
	r.mu.Unlock()

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ChildSessions.Add(context.Background(), 1)
	}
	r.publish(bus.TopicSessionCreated, bus.SessionEvent{
		SessionID: s.ID,
		Status:    StatusRunning,
		Model:     model,
		Prompt:    prompt,
	})

	r.wg.Add(1)
	go r.runChild(s)
	return s.ID, nil
}

// SendToSession appends a message to a completed child and re-enters its
// loop. Any other starting status is an error.
func (r *Registry) SendToSession(id, message string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.status != StatusCompleted {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("session %s is %s; messages are only accepted when completed", id, status)
	}
	s.status = StatusRunning
	s.cancelled.Store(false)
	s.history = append(s.history, llm.TextMessage(llm.RoleUser, message))
	s.mu.Unlock()

	r.publish(bus.TopicSessionStatus, bus.SessionEvent{SessionID: id, Status: StatusRunning})
	r.wg.Add(1)
	go r.runChild(s)
	return nil
}

// Terminate sets the cancelled flag and marks the session terminated
// optimistically; the loop observes the flag at its next iteration
// boundary. Terminating an already-terminal session is an error.
func (r *Registry) Terminate(id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if isTerminal(s.status) {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("session %s is already %s", id, status)
	}
	s.cancelled.Store(true)
	s.status = StatusTerminated
	cancelRun := s.cancelRun
	tokensIn, tokensOut := s.tokensIn, s.tokensOut
	s.mu.Unlock()
	if cancelRun != nil {
		cancelRun() // unblock a loop stuck inside a model call
	}

	r.publish(bus.TopicSessionEnded, bus.SessionEvent{
		SessionID: id,
		Status:    StatusTerminated,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	})
	return nil
}

// Summary is the read-only view of a session.
type Summary struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Model     string    `json:"model"`
	Prompt    string    `json:"prompt"`
	Result    string    `json:"result,omitempty"`
	TokensIn  int       `json:"tokensIn"`
	TokensOut int       `json:"tokensOut"`
	CreatedAt time.Time `json:"createdAt"`
	Turns     int       `json:"turns"`
}

// List returns session summaries in creation order, optionally filtered
// by status.
func (r *Registry) List(statusFilter string) []Summary {
	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	var out []Summary
	for _, id := range ids {
		s, err := r.lookup(id)
		if err != nil {
			continue
		}
		sum := s.summary()
		if statusFilter != "" && sum.Status != statusFilter {
			continue
		}
		out = append(out, sum)
	}
	return out
}

// Status returns a session's current status.
func (r *Registry) Status(id string) (string, error) {
	s, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return s.Status(), nil
}

// Details returns the full summary for one session.
func (r *Registry) Details(id string) (Summary, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Summary{}, err
	}
	return s.summary(), nil
}

// Close terminates any running sessions and waits for their loops.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()
	for _, id := range ids {
		if s, err := r.lookup(id); err == nil && !isTerminal(s.Status()) {
			_ = r.Terminate(id)
		}
	}
	r.wg.Wait()
}

func (r *Registry) runChild(s *Session) {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	history := append([]llm.Message(nil), s.history...)
	s.cancelRun = cancel
	s.mu.Unlock()

	loop := &runtime.Loop{
		Client:        r.cfg.Client,
		Tools:         r.childTools(),
		Policy:        r.cfg.Policy,
		Approver:      runtime.HeadlessApprover(),
		Bus:           r.cfg.Bus,
		Logger:        r.logger,
		Tracer:        r.cfg.Tracer,
		Metrics:       r.cfg.Metrics,
		UserID:        r.cfg.UserID,
		SessionID:     s.ID,
		Model:         s.Model,
		MaxTokens:     r.cfg.MaxTokens,
		MaxIterations: r.cfg.MaxIterations,
		Headless:      true,
	}
	res, err := loop.Run(ctx, childSystemPrompt, history, &s.cancelled)

	s.mu.Lock()
	s.tokensIn += res.TokensIn
	s.tokensOut += res.TokensOut
	s.history = res.History
	switch {
	case s.status == StatusTerminated:
		// Terminate won the race; keep its verdict.
	case err != nil:
		s.status = StatusError
		s.result = truncateResult(err.Error())
	case res.Cancelled:
		s.status = StatusTerminated
	default:
		s.status = StatusCompleted
		s.result = truncateResult(res.Summary)
	}
	status, result := s.status, s.result
	tokensIn, tokensOut := s.tokensIn, s.tokensOut
	s.mu.Unlock()

	if status == StatusTerminated {
		return // Terminate already published the ended event.
	}
	if err != nil {
		r.logger.Warn("child session failed", "user", r.cfg.UserID, "session", s.ID, "err", err)
	}
	r.publish(bus.TopicSessionEnded, bus.SessionEvent{
		SessionID: s.ID,
		Status:    status,
		Result:    result,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	})
}

func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no session with id %s", id)
	}
	return s, nil
}

func (r *Registry) publish(topic string, payload any) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(topic, r.cfg.UserID, payload)
	}
}

// Status returns the session status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:        s.ID,
		Status:    s.status,
		Model:     s.Model,
		Prompt:    s.Prompt,
		Result:    s.result,
		TokensIn:  s.tokensIn,
		TokensOut: s.tokensOut,
		CreatedAt: s.CreatedAt,
		Turns:     len(s.history),
	}
}

func isTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError || status == StatusTerminated
}

func truncateResult(s string) string {
	if len(s) <= maxResultChars {
		return s
	}
	return s[:maxResultChars] + "..."
}

const childSystemPrompt = `You are a focused sub-agent spawned for a single task. Work the task to completion with the tools available, then reply with a concise summary of the outcome. You cannot spawn further agents.`
