package bus

// Loop event topics published by running agent loops. The payloads mirror
// the dashboard's websocket message shapes.
const (
	TopicThinking        = "loop.thinking"
	TopicToolCall        = "loop.tool_call"
	TopicToolResult      = "loop.tool_result"
	TopicTokenUsage      = "loop.token_usage"
	TopicDone            = "loop.done"
	TopicError           = "loop.error"
	TopicProposal        = "loop.proposal"
	TopicExecutionResult = "loop.execution_result"
)

// Child session topics published by the orchestrator.
const (
	TopicSessionCreated = "session.created"
	TopicSessionStatus  = "session.status"
	TopicSessionEnded   = "session.ended"
)

// Dashboard mutation topic: layout changes pushed to the connected client.
const TopicUIMutation = "ui.mutation"

// Heartbeat topics.
const (
	TopicHeartbeatEscalated = "heartbeat.escalated"
	TopicHeartbeatCompleted = "heartbeat.completed"
	TopicHeartbeatBudget    = "heartbeat.budget_exceeded"
)

// ThinkingEvent carries streamed assistant text.
type ThinkingEvent struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// ToolCallEvent is published before a tool executes.
type ToolCallEvent struct {
	SessionID string `json:"sessionId"`
	ID        string `json:"id"`
	Tool      string `json:"tool"`
	Input     any    `json:"input"`
}

// ToolResultEvent is published after a tool executes. Result is truncated
// for display; the full result lives in the loop's message history.
type ToolResultEvent struct {
	SessionID string `json:"sessionId"`
	ID        string `json:"id"`
	Tool      string `json:"tool"`
	Result    string `json:"result"`
}

// TokenUsageEvent carries per-iteration token deltas and running totals.
type TokenUsageEvent struct {
	SessionID string `json:"sessionId"`
	DeltaIn   int    `json:"deltaIn"`
	DeltaOut  int    `json:"deltaOut"`
	TotalIn   int    `json:"totalIn"`
	TotalOut  int    `json:"totalOut"`
	Iteration int    `json:"iteration"`
}

// DoneEvent ends a loop run.
type DoneEvent struct {
	SessionID string `json:"sessionId"`
	Summary   string `json:"summary"`
	TokensIn  int    `json:"tokensIn"`
	TokensOut int    `json:"tokensOut"`
}

// SessionEvent describes a child session lifecycle change.
type SessionEvent struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Model     string `json:"model,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Result    string `json:"result,omitempty"`
	TokensIn  int    `json:"tokensIn"`
	TokensOut int    `json:"tokensOut"`
}

// HeartbeatEvent describes a heartbeat status transition.
type HeartbeatEvent struct {
	Status  string  `json:"status"`
	Reason  string  `json:"reason,omitempty"`
	Summary string  `json:"summary,omitempty"`
	CostUSD float64 `json:"costUsd,omitempty"`
}

// UIMutationEvent is a dashboard layout mutation pushed to the client.
type UIMutationEvent struct {
	Action     string `json:"action"`
	WidgetID   string `json:"widgetId"`
	WidgetType string `json:"widgetType,omitempty"`
	Position   any    `json:"position,omitempty"`
	Size       any    `json:"size,omitempty"`
	Props      any    `json:"props,omitempty"`
}
