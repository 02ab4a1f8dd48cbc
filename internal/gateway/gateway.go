// Package gateway serves the dashboard websocket: bus events for a user
// stream out to the connected tab, and chat / heartbeat / approval
// commands come back in.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanchangg/dyno/internal/agent"
	"github.com/seanchangg/dyno/internal/bus"
	"github.com/seanchangg/dyno/internal/heartbeat"
	"github.com/seanchangg/dyno/internal/otel"
	"github.com/seanchangg/dyno/internal/runtime"
)

const defaultApprovalTimeout = 60 * time.Second

// Config wires a Server.
type Config struct {
	Manager *agent.Manager
	Daemon  *heartbeat.Daemon
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer

	// AllowOrigins controls accepted Origin headers for browser
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ApprovalTimeout is how long an unanswered tool approval waits
	// before defaulting to deny. Zero means 60s.
	ApprovalTimeout time.Duration
}

// Server is the websocket gateway.
type Server struct {
	cfg    Config
	logger *slog.Logger

	approvalsMu sync.Mutex
	approvals   map[string]chan bool
}

// New builds a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = defaultApprovalTimeout
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		approvals: make(map[string]chan bool),
	}
}

// Handler returns the HTTP handler: /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"healthy": true})
}

// outEvent is one bus event pushed to the client.
type outEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// inbound is one client command.
type inbound struct {
	Type string `json:"type"`

	// chat
	Text string `json:"text,omitempty"`

	// set_api_key
	APIKey string `json:"apiKey,omitempty"`

	// heartbeat_start
	IntervalMinutes int     `json:"intervalMinutes,omitempty"`
	Cron            string  `json:"cron,omitempty"`
	DailyBudgetUSD  float64 `json:"dailyBudgetUsd,omitempty"`

	// approval
	ApprovalID string `json:"approvalId,omitempty"`
	Approve    bool   `json:"approve,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	s.logger.Info("ws: client connected", "user", userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Outbound pump: every bus event for this user. A slow or gone client
	// just drops events; disconnection is not an error.
	sub := s.cfg.Bus.SubscribeUser("", userID)
	defer s.cfg.Bus.Unsubscribe(sub)
	go func() {
		for {
			select {
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if err := wsjson.Write(ctx, conn, outEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var msg inbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			s.logger.Info("ws: client disconnected", "user", userID)
			return
		}
		s.dispatch(ctx, userID, msg)
	}
}

func (s *Server) dispatch(ctx context.Context, userID string, msg inbound) {
	switch msg.Type {
	case "chat":
		go s.runChat(userID, msg.Text)
	case "cancel":
		if s.cfg.Manager.Active(userID) {
			if rt, err := s.cfg.Manager.GetOrCreate(ctx, userID); err == nil {
				rt.Cancel()
			}
		}
	case "set_api_key":
		if err := s.cfg.Manager.SetAPIKey(ctx, userID, msg.APIKey); err != nil {
			s.logger.Error("set api key failed", "user", userID, "err", err)
		}
	case "heartbeat_start":
		cfg := heartbeat.UserConfig{
			Interval:       time.Duration(msg.IntervalMinutes) * time.Minute,
			Cron:           msg.Cron,
			DailyBudgetUSD: msg.DailyBudgetUSD,
		}
		if err := s.cfg.Daemon.Start(userID, cfg); err != nil {
			s.logger.Error("heartbeat start failed", "user", userID, "err", err)
			s.cfg.Bus.Publish(bus.TopicError, userID, map[string]string{"error": err.Error()})
		}
	case "heartbeat_stop":
		s.cfg.Daemon.Stop(userID)
	case "approval":
		s.resolveApproval(msg.ApprovalID, msg.Approve)
	default:
		s.logger.Warn("ws: unknown message type", "user", userID, "type", msg.Type)
	}
}

// runChat executes one chat turn. The run is detached from the websocket
// read loop so a long tool run does not block further inbound messages;
// results reach the client through the bus.
func (s *Server) runChat(userID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	var span trace.Span
	if s.cfg.Tracer != nil {
		ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, "ws.chat", otel.AttrUserID.String(userID))
		defer span.End()
	}

	rt, err := s.cfg.Manager.GetOrCreate(ctx, userID)
	if err != nil {
		s.logger.Error("chat: agent unavailable", "user", userID, "err", err)
		s.cfg.Bus.Publish(bus.TopicError, userID, map[string]string{"error": err.Error()})
		return
	}
	if _, err := rt.RunLoop(ctx, text, runtime.RunOptions{
		Approver: &wsApprover{server: s, userID: userID},
	}); err != nil {
		s.logger.Error("chat run failed", "user", userID, "err", err)
	}
}

// wsApprover routes non-auto tool calls to the connected client: a
// proposal event goes out, and the decision (or a timeout deny) comes
// back through resolveApproval.
type wsApprover struct {
	server *Server
	userID string
}

func (a *wsApprover) Approve(ctx context.Context, tool string, args []byte) (bool, string) {
	id := uuid.NewString()
	decision := make(chan bool, 1)

	a.server.approvalsMu.Lock()
	a.server.approvals[id] = decision
	a.server.approvalsMu.Unlock()
	defer func() {
		a.server.approvalsMu.Lock()
		delete(a.server.approvals, id)
		a.server.approvalsMu.Unlock()
	}()

	a.server.cfg.Bus.Publish(bus.TopicProposal, a.userID, map[string]any{
		"approvalId": id,
		"tool":       tool,
		"input":      string(args),
	})

	select {
	case approved := <-decision:
		if !approved {
			a.resolve(id, "denied")
			return false, "denied by user"
		}
		a.resolve(id, "approved")
		return true, ""
	case <-time.After(a.server.cfg.ApprovalTimeout):
		a.resolve(id, "timeout")
		return false, "approval timed out"
	case <-ctx.Done():
		a.resolve(id, "cancelled")
		return false, "run cancelled"
	}
}

// resolve closes out a proposal on the client side so the dashboard can
// retire its card even when the decision came from a timeout or cancel.
func (a *wsApprover) resolve(id, outcome string) {
	a.server.cfg.Bus.Publish(bus.TopicExecutionResult, a.userID, map[string]string{
		"approvalId": id,
		"outcome":    outcome,
	})
}

func (s *Server) resolveApproval(id string, approved bool) {
	s.approvalsMu.Lock()
	decision, ok := s.approvals[id]
	s.approvalsMu.Unlock()
	if !ok {
		s.logger.Warn("approval for unknown or expired request", "id", id)
		return
	}
	select {
	case decision <- approved:
	default:
	}
}
