package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultCallTimeout bounds a single Messages API call when no timeout is
// configured. A hung call would otherwise pin its loop goroutine forever.
const DefaultCallTimeout = 2 * time.Minute

// AnthropicClient adapts the official SDK to the Client interface. One
// instance per API key; agents for different users hold different clients.
type AnthropicClient struct {
	client  anthropic.Client
	timeout time.Duration
}

// NewAnthropicClient builds a client bound to the given API key. Every call
// carries callTimeout as a deadline; zero falls back to DefaultCallTimeout.
func NewAnthropicClient(apiKey string, callTimeout time.Duration) *AnthropicClient {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		timeout: callTimeout,
	}
}

// Generate issues one Messages API call.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		msg, err := toSDKMessage(m)
		if err != nil {
			return nil, err
		}
		params.Messages = append(params.Messages, msg)
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, toSDKTool(t))
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return fromSDKMessage(resp), nil
}

func toSDKMessage(m Message) (anthropic.MessageParam, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			blocks = append(blocks, anthropic.NewTextBlock(b.Text))
		case BlockToolUse:
			var input any
			if len(b.ToolInput) > 0 {
				if err := json.Unmarshal(b.ToolInput, &input); err != nil {
					return anthropic.MessageParam{}, fmt.Errorf("tool input for %s: %w", b.ToolName, err)
				}
			} else {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, input, b.ToolName))
		case BlockToolResult:
			blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
		default:
			return anthropic.MessageParam{}, fmt.Errorf("unknown block type %q", b.Type)
		}
	}
	switch m.Role {
	case RoleUser:
		return anthropic.NewUserMessage(blocks...), nil
	case RoleAssistant:
		return anthropic.NewAssistantMessage(blocks...), nil
	default:
		return anthropic.MessageParam{}, fmt.Errorf("unknown role %q", m.Role)
	}
}

func toSDKTool(t ToolDef) anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{}
	if props, ok := t.Schema["properties"]; ok {
		schema.Properties = props
	}
	if req, ok := t.Schema["required"].([]string); ok {
		schema.Required = req
	} else if reqAny, ok := t.Schema["required"].([]any); ok {
		for _, r := range reqAny {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: schema,
		},
	}
}

func fromSDKMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		Message:    Message{Role: RoleAssistant},
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Message.Blocks = append(resp.Message.Blocks, Block{
				Type: BlockText,
				Text: b.Text,
			})
		case anthropic.ToolUseBlock:
			resp.Message.Blocks = append(resp.Message.Blocks, Block{
				Type:      BlockToolUse,
				ToolUseID: b.ID,
				ToolName:  b.Name,
				ToolInput: []byte(b.JSON.Input.Raw()),
			})
		}
	}
	return resp
}
