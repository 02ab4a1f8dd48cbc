package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seanchangg/dyno/internal/bus"
	"github.com/seanchangg/dyno/internal/tools"
)

// OrchestrationToolNames lists the tools withheld from child sessions.
func OrchestrationToolNames() []string {
	return []string{
		"spawn_agent",
		"send_to_session",
		"terminate_child",
		"list_children",
		"get_session_status",
		"get_child_details",
		"get_dashboard_layout",
		"ui_action",
	}
}

// RegisterTools adds the orchestration and dashboard tools to the parent
// agent's registry. Illegal states (messaging a running child, terminating
// a terminal one) come back as result strings the model can read, not as
// run-ending errors.
func (r *Registry) RegisterTools(reg *tools.Registry) {
	reg.MustRegister(tools.Tool{
		Name:        "spawn_agent",
		Description: "Spawn an independent child agent to work a task in the background. Returns the session id immediately; poll get_session_status for progress.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{"type": "string", "description": "The task for the child agent."},
				"model":  map[string]any{"type": "string", "description": "Optional model override."},
			},
			"required": []string{"prompt"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Prompt string `json:"prompt"`
				Model  string `json:"model"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			id, err := r.Spawn(in.Prompt, in.Model)
			if err != nil {
				return err.Error(), nil
			}
			return fmt.Sprintf("Spawned session %s (status: running).", id), nil
		},
	})

	reg.MustRegister(tools.Tool{
		Name:        "send_to_session",
		Description: "Send a follow-up message to a completed child session, resuming its loop. Only completed sessions accept messages.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{"type": "string"},
				"message":    map[string]any{"type": "string"},
			},
			"required": []string{"session_id", "message"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				SessionID string `json:"session_id"`
				Message   string `json:"message"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := r.SendToSession(in.SessionID, in.Message); err != nil {
				return err.Error(), nil
			}
			return fmt.Sprintf("Message delivered; session %s is running again.", in.SessionID), nil
		},
	})

	reg.MustRegister(tools.Tool{
		Name:        "terminate_child",
		Description: "Terminate a running child session. Already-terminal sessions (completed, error, terminated) cannot be terminated again.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{"type": "string"},
			},
			"required": []string{"session_id"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := r.Terminate(in.SessionID); err != nil {
				return err.Error(), nil
			}
			return fmt.Sprintf("Session %s terminated.", in.SessionID), nil
		},
	})

	reg.MustRegister(tools.Tool{
		Name:        "list_children",
		Description: "List child sessions, optionally filtered by status (running, completed, error, terminated).",
		ReadOnly:    true,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type": "string",
					"enum": []string{StatusRunning, StatusCompleted, StatusError, StatusTerminated},
				},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			sessions := r.List(in.Status)
			if len(sessions) == 0 {
				return "No child sessions.", nil
			}
			var b strings.Builder
			for _, s := range sessions {
				fmt.Fprintf(&b, "%s  %-10s  %s\n", s.ID, s.Status, firstLine(s.Prompt, 80))
			}
			return b.String(), nil
		},
	})

	reg.MustRegister(tools.Tool{
		Name:        "get_session_status",
		Description: "Get the current status of one child session.",
		ReadOnly:    true,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{"type": "string"},
			},
			"required": []string{"session_id"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			status, err := r.Status(in.SessionID)
			if err != nil {
				return err.Error(), nil
			}
			return status, nil
		},
	})

	reg.MustRegister(tools.Tool{
		Name:        "get_child_details",
		Description: "Get full details of one child session: status, result, token usage, and turn count.",
		ReadOnly:    true,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{"type": "string"},
			},
			"required": []string{"session_id"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			details, err := r.Details(in.SessionID)
			if err != nil {
				return err.Error(), nil
			}
			out, err := json.MarshalIndent(details, "", "  ")
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	})

	r.registerDashboardTools(reg)
}

func (r *Registry) registerDashboardTools(reg *tools.Registry) {
	reg.MustRegister(tools.Tool{
		Name:        "get_dashboard_layout",
		Description: "Read the user's current dashboard layout.",
		ReadOnly:    true,
		Schema:      map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			if r.cfg.Layout == nil {
				return "No dashboard layout store configured.", nil
			}
			layout, err := r.cfg.Layout.Layout(ctx, r.cfg.UserID)
			if err != nil {
				return "", fmt.Errorf("read dashboard layout: %w", err)
			}
			return layout, nil
		},
	})

	reg.MustRegister(tools.Tool{
		Name:        "ui_action",
		Description: "Mutate the dashboard layout (add, move, resize, update, or remove a widget). The change is pushed to the connected client and acknowledged immediately without waiting for it to apply.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type": "string",
					"enum": []string{"add", "move", "resize", "update", "remove"},
				},
				"widget_id":   map[string]any{"type": "string"},
				"widget_type": map[string]any{"type": "string"},
				"position":    map[string]any{"type": "object"},
				"size":        map[string]any{"type": "object"},
				"props":       map[string]any{"type": "object"},
			},
			"required": []string{"action", "widget_id"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Action     string         `json:"action"`
				WidgetID   string         `json:"widget_id"`
				WidgetType string         `json:"widget_type"`
				Position   map[string]any `json:"position"`
				Size       map[string]any `json:"size"`
				Props      map[string]any `json:"props"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			// Fire-and-forget: the mutation is acknowledged before the
			// client applies it.
			r.publish(bus.TopicUIMutation, bus.UIMutationEvent{
				Action:     in.Action,
				WidgetID:   in.WidgetID,
				WidgetType: in.WidgetType,
				Position:   in.Position,
				Size:       in.Size,
				Props:      in.Props,
			})
			return fmt.Sprintf("Dashboard %s for widget %s dispatched.", in.Action, in.WidgetID), nil
		},
	})
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
