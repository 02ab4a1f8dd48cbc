// Package llm defines the model client surface the gateway programs
// against. The loop, heartbeat, and orchestrator all speak this interface;
// the Anthropic adapter is the only concrete implementation.
package llm

import "context"

// Stop reasons reported by a completion.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)

// Roles for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block kinds inside a message.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Block is one content block of a message: text, a tool invocation the
// model requested, or the result we feed back for one.
type Block struct {
	Type string

	// BlockText
	Text string

	// BlockToolUse
	ToolUseID string
	ToolName  string
	ToolInput []byte // raw JSON arguments

	// BlockToolResult
	Content string
	IsError bool
}

// Message is one turn of the conversation.
type Message struct {
	Role   string
	Blocks []Block
}

// TextMessage builds a single-text-block message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolDef describes a tool offered to the model. Schema is a JSON Schema
// object (type, properties, required).
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is a single completion call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the model's reply.
type Response struct {
	Message    Message // role is always assistant
	StopReason string
	Usage      Usage
}

// ToolUses returns the tool_use blocks of the response, in order.
func (r *Response) ToolUses() []Block {
	var out []Block
	for _, b := range r.Message.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Client is a model backend.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
