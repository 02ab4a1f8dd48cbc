// Package runtime runs the agent tool-call loop. The Loop engine is shared
// machinery: the per-user Runtime, child sessions, and headless heartbeat
// action runs all execute through it.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanchangg/dyno/internal/bus"
	"github.com/seanchangg/dyno/internal/llm"
	"github.com/seanchangg/dyno/internal/otel"
	"github.com/seanchangg/dyno/internal/policy"
	"github.com/seanchangg/dyno/internal/tools"
)

const (
	// DefaultMaxIterations caps model round-trips per run.
	DefaultMaxIterations = 15

	maxHistoryResultChars = 4000 // tool result kept in message history
	maxEventResultChars   = 2000 // tool result pushed to the dashboard

	maxIterationsSummary = "Reached maximum iterations"
)

// Loop executes tool-call conversations against one model client.
type Loop struct {
	Client        llm.Client
	Tools         *tools.Registry
	Policy        policy.Policy
	Approver      Approver
	Bus           *bus.Bus
	Logger        *slog.Logger
	Tracer        trace.Tracer  // nil disables spans
	Metrics       *otel.Metrics // nil disables instruments
	UserID        string
	SessionID     string // empty for the main per-user loop
	Model         string
	MaxTokens     int
	MaxIterations int

	// Headless runs have no human to ask: tools outside the headless
	// allowlist are denied regardless of their policy mode.
	Headless bool
}

// Result is the outcome of one loop run.
type Result struct {
	Summary    string
	History    []llm.Message
	TokensIn   int
	TokensOut  int
	Iterations int
	Cancelled  bool
}

// Run drives the model until it stops requesting tools, the iteration cap
// is hit, or the cancelled flag is observed. The returned history includes
// every assistant turn and tool result appended during the run.
func (l *Loop) Run(ctx context.Context, system string, history []llm.Message, cancelled *atomic.Bool) (*Result, error) {
	maxIter := l.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	approver := l.Approver
	if approver == nil {
		approver = denyAllApprover{}
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	res := &Result{History: history}
	for iter := 1; iter <= maxIter; iter++ {
		if cancelled != nil && cancelled.Load() {
			res.Cancelled = true
			res.Iterations = iter - 1
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			res.Cancelled = true
			res.Iterations = iter - 1
			return res, nil
		}
		res.Iterations = iter

		genCtx := ctx
		var span trace.Span
		if l.Tracer != nil {
			genCtx, span = otel.StartClientSpan(ctx, l.Tracer, "llm.generate",
				otel.AttrUserID.String(l.UserID),
				otel.AttrModel.String(l.Model),
				otel.AttrIteration.Int(iter))
		}
		start := time.Now()
		resp, err := l.Client.Generate(genCtx, llm.Request{
			Model:     l.Model,
			System:    system,
			Messages:  res.History,
			Tools:     l.Tools.Defs(),
			MaxTokens: l.MaxTokens,
		})
		if l.Metrics != nil {
			l.Metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otel.AttrModel.String(l.Model)))
			l.Metrics.LoopIterations.Add(ctx, 1)
		}
		if err != nil {
			if span != nil {
				span.RecordError(err)
				span.End()
			}
			l.publish(bus.TopicError, map[string]string{"sessionId": l.SessionID, "error": err.Error()})
			return res, fmt.Errorf("model call (iteration %d): %w", iter, err)
		}
		if span != nil {
			span.SetAttributes(
				otel.AttrTokensInput.Int(resp.Usage.InputTokens),
				otel.AttrTokensOutput.Int(resp.Usage.OutputTokens),
			)
			span.End()
		}

		res.TokensIn += resp.Usage.InputTokens
		res.TokensOut += resp.Usage.OutputTokens
		if l.Metrics != nil {
			l.Metrics.TokensUsed.Add(ctx, int64(resp.Usage.InputTokens+resp.Usage.OutputTokens),
				metric.WithAttributes(otel.AttrModel.String(l.Model)))
		}
		l.publish(bus.TopicTokenUsage, bus.TokenUsageEvent{
			SessionID: l.SessionID,
			DeltaIn:   resp.Usage.InputTokens,
			DeltaOut:  resp.Usage.OutputTokens,
			TotalIn:   res.TokensIn,
			TotalOut:  res.TokensOut,
			Iteration: iter,
		})

		if text := resp.Message.Text(); text != "" {
			l.publish(bus.TopicThinking, bus.ThinkingEvent{SessionID: l.SessionID, Text: text})
		}
		res.History = append(res.History, resp.Message)

		uses := resp.ToolUses()
		if resp.StopReason != llm.StopReasonToolUse || len(uses) == 0 {
			res.Summary = resp.Message.Text()
			l.publish(bus.TopicDone, bus.DoneEvent{
				SessionID: l.SessionID,
				Summary:   res.Summary,
				TokensIn:  res.TokensIn,
				TokensOut: res.TokensOut,
			})
			return res, nil
		}

		var results []llm.Block
		for _, use := range uses {
			results = append(results, l.execute(ctx, approver, logger, use))
		}
		res.History = append(res.History, llm.Message{Role: llm.RoleUser, Blocks: results})
	}

	res.Summary = maxIterationsSummary
	l.publish(bus.TopicDone, bus.DoneEvent{
		SessionID: l.SessionID,
		Summary:   res.Summary,
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
	})
	return res, nil
}

// execute runs one requested tool call through policy, approval, and the
// registry, and returns the tool_result block for the model.
func (l *Loop) execute(ctx context.Context, approver Approver, logger *slog.Logger, use llm.Block) llm.Block {
	l.publish(bus.TopicToolCall, bus.ToolCallEvent{
		SessionID: l.SessionID,
		ID:        use.ToolUseID,
		Tool:      use.ToolName,
		Input:     string(use.ToolInput),
	})

	// The allowlist binds in headless runs no matter what mode the policy
	// resolves, so an auto override cannot smuggle a tool past it.
	if l.Headless && !policy.HeadlessAllowed(use.ToolName) {
		logger.Warn("tool call denied",
			"user", l.UserID, "session", l.SessionID,
			"tool", use.ToolName, "reason", "not permitted in headless runs")
		return l.resultBlock(use, fmt.Sprintf("Tool %q was not approved: tool not permitted in headless runs", use.ToolName), true)
	}

	mode := l.Policy.ModeFor(use.ToolName, l.Tools.ReadOnly(use.ToolName))
	if mode != policy.ModeAuto {
		approved, reason := approver.Approve(ctx, use.ToolName, use.ToolInput)
		if !approved {
			if reason == "" {
				reason = "denied"
			}
			logger.Warn("tool call denied",
				"user", l.UserID, "session", l.SessionID,
				"tool", use.ToolName, "reason", reason)
			return l.resultBlock(use, fmt.Sprintf("Tool %q was not approved: %s", use.ToolName, reason), true)
		}
	}

	callCtx := ctx
	var span trace.Span
	if l.Tracer != nil {
		callCtx, span = otel.StartSpan(ctx, l.Tracer, "tool.call",
			otel.AttrUserID.String(l.UserID),
			otel.AttrToolName.String(use.ToolName))
	}
	start := time.Now()
	out, err := l.Tools.Call(callCtx, use.ToolName, use.ToolInput)
	if l.Metrics != nil {
		l.Metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrToolName.String(use.ToolName)))
		if err != nil {
			l.Metrics.ToolCallErrors.Add(ctx, 1,
				metric.WithAttributes(otel.AttrToolName.String(use.ToolName)))
		}
	}
	if span != nil {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
	if err != nil {
		logger.Warn("tool call failed",
			"user", l.UserID, "session", l.SessionID,
			"tool", use.ToolName, "err", err)
		return l.resultBlock(use, "Error: "+err.Error(), true)
	}
	return l.resultBlock(use, out, false)
}

func (l *Loop) resultBlock(use llm.Block, content string, isError bool) llm.Block {
	l.publish(bus.TopicToolResult, bus.ToolResultEvent{
		SessionID: l.SessionID,
		ID:        use.ToolUseID,
		Tool:      use.ToolName,
		Result:    truncate(content, maxEventResultChars),
	})
	return llm.Block{
		Type:      llm.BlockToolResult,
		ToolUseID: use.ToolUseID,
		Content:   truncate(content, maxHistoryResultChars),
		IsError:   isError,
	}
}

func (l *Loop) publish(topic string, payload any) {
	if l.Bus != nil {
		l.Bus.Publish(topic, l.UserID, payload)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... [truncated]"
}
