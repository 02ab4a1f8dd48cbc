package runtime

import (
	"context"
	"testing"

	"github.com/seanchangg/dyno/internal/llm"
	"github.com/seanchangg/dyno/internal/tools"
)

func newTestRuntime(client llm.Client) *Runtime {
	return New(Config{
		UserID: "u1",
		Client: client,
		Tools:  tools.NewRegistry(),
		Model:  "base-model",
	}, "base prompt")
}

func TestRuntimeAccumulatesHistoryAndTokens(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		textResponse("first answer"),
		textResponse("second answer"),
	}}
	rt := newTestRuntime(client)

	if _, err := rt.RunLoop(context.Background(), "one", RunOptions{}); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if _, err := rt.RunLoop(context.Background(), "two", RunOptions{}); err != nil {
		t.Fatalf("run 2: %v", err)
	}

	// Second call sees the full prior exchange plus the new prompt.
	second := client.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(second.Messages))
	}
	if second.Messages[0].Text() != "one" || second.Messages[1].Text() != "first answer" {
		t.Fatalf("history = %+v", second.Messages)
	}

	in, out := rt.Usage()
	if in != 20 || out != 10 {
		t.Fatalf("usage = %d/%d", in, out)
	}
	if rt.HistoryLen() != 4 {
		t.Fatalf("history len = %d", rt.HistoryLen())
	}
}

func TestRuntimeDetachedRunLeavesHistory(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		textResponse("chat answer"),
		textResponse("heartbeat answer"),
		textResponse("chat again"),
	}}
	rt := newTestRuntime(client)

	rt.RunLoop(context.Background(), "chat", RunOptions{})
	rt.RunLoop(context.Background(), "tick task", RunOptions{Detached: true, Model: "action-model"})
	rt.RunLoop(context.Background(), "chat 2", RunOptions{})

	// The detached run started fresh and used the overridden model.
	detached := client.requests[1]
	if len(detached.Messages) != 1 || detached.Model != "action-model" {
		t.Fatalf("detached request = %+v", detached)
	}
	// The next chat run does not see the detached conversation.
	third := client.requests[2]
	for _, m := range third.Messages {
		if m.Text() == "tick task" {
			t.Fatal("detached prompt leaked into chat history")
		}
	}
	// Detached tokens still count toward the user's totals.
	in, _ := rt.Usage()
	if in != 30 {
		t.Fatalf("tokens in = %d, want 30", in)
	}
}

func TestRuntimeHotSwapPrompt(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		textResponse("a"),
		textResponse("b"),
	}}
	rt := newTestRuntime(client)

	rt.RunLoop(context.Background(), "x", RunOptions{})
	rt.SetSystemPrompt("updated persona")
	rt.RunLoop(context.Background(), "y", RunOptions{})

	if client.requests[0].System != "base prompt" || client.requests[1].System != "updated persona" {
		t.Fatalf("systems = %q, %q", client.requests[0].System, client.requests[1].System)
	}
}
