package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seanchangg/dyno/internal/bus"
	"github.com/seanchangg/dyno/internal/llm"
	"github.com/seanchangg/dyno/internal/policy"
	"github.com/seanchangg/dyno/internal/tools"
)

// gateClient blocks every Generate call until released, then answers with
// plain text.
type gateClient struct {
	mu      sync.Mutex
	gate    chan struct{}
	calls   int
	answers []string
}

func newGateClient(answers ...string) *gateClient {
	return &gateClient{gate: make(chan struct{}), answers: answers}
}

func (c *gateClient) release() { close(c.gate) }

func (c *gateClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	select {
	case <-c.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	text := "done"
	if c.calls < len(c.answers) {
		text = c.answers[c.calls]
	}
	c.calls++
	c.mu.Unlock()
	return &llm.Response{
		Message:    llm.TextMessage(llm.RoleAssistant, text),
		StopReason: llm.StopReasonEndTurn,
		Usage:      llm.Usage{InputTokens: 7, OutputTokens: 3},
	}, nil
}

func newTestRegistry(client llm.Client, b *bus.Bus) *Registry {
	return New(Config{
		UserID:       "u1",
		Client:       client,
		ParentTools:  tools.NewRegistry(),
		Policy:       policy.Default(),
		Bus:          b,
		DefaultModel: "child-model",
	})
}

func waitForStatus(t *testing.T, r *Registry, id, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, err := r.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := r.Status(id)
	t.Fatalf("status = %q, want %q", status, want)
}

func TestSpawnReturnsImmediately(t *testing.T) {
	client := newGateClient("child finished the task")
	r := newTestRegistry(client, nil)
	defer r.Close()

	start := time.Now()
	id, err := r.Spawn("summarize the notes", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Spawn blocked for %v", elapsed)
	}
	if status, _ := r.Status(id); status != StatusRunning {
		t.Fatalf("status = %q, want running", status)
	}

	client.release()
	waitForStatus(t, r, id, StatusCompleted)

	details, err := r.Details(id)
	if err != nil {
		t.Fatal(err)
	}
	if details.Result != "child finished the task" {
		t.Fatalf("result = %q", details.Result)
	}
	if details.TokensIn != 7 || details.TokensOut != 3 {
		t.Fatalf("tokens = %d/%d", details.TokensIn, details.TokensOut)
	}
	if details.Model != "child-model" {
		t.Fatalf("model = %q, want default applied", details.Model)
	}
}

func TestSpawnLimit(t *testing.T) {
	client := newGateClient()
	r := newTestRegistry(client, nil)
	defer func() {
		client.release()
		r.Close()
	}()

	for i := 0; i < MaxChildren; i++ {
		if _, err := r.Spawn("task", ""); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	if _, err := r.Spawn("one too many", ""); err == nil {
		t.Fatal("expected limit error")
	}
}

func TestSpawnLimitCountsSettledSessions(t *testing.T) {
	client := newGateClient()
	r := newTestRegistry(client, nil)
	defer func() {
		client.release()
		r.Close()
	}()

	ids := make([]string, 0, MaxChildren)
	for i := 0; i < MaxChildren; i++ {
		id, err := r.Spawn("task", "")
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if err := r.Terminate(ids[0]); err != nil {
		t.Fatal(err)
	}

	// Settled sessions stay retained and keep counting against the cap.
	if _, err := r.Spawn("after terminate", ""); err == nil {
		t.Fatal("terminated session must still count toward the limit")
	}
}

// stuckClient simulates a hung model API: Generate signals entry on
// started, then returns only when the call context is cancelled.
type stuckClient struct {
	once    sync.Once
	started chan struct{}
}

func newStuckClient() *stuckClient {
	return &stuckClient{started: make(chan struct{})}
}

func (c *stuckClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.once.Do(func() { close(c.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *stuckClient) awaitCall(t *testing.T) {
	t.Helper()
	select {
	case <-c.started:
	case <-time.After(2 * time.Second):
		t.Fatal("model call never started")
	}
}

func TestCloseUnblocksStuckModelCall(t *testing.T) {
	client := newStuckClient()
	r := newTestRegistry(client, nil)

	id, err := r.Spawn("task", "")
	if err != nil {
		t.Fatal(err)
	}
	client.awaitCall(t)

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not interrupt the in-flight model call")
	}
	if status, _ := r.Status(id); status != StatusTerminated {
		t.Fatalf("status = %q, want terminated", status)
	}
}

func TestTerminateInterruptsModelCall(t *testing.T) {
	client := newStuckClient()
	r := newTestRegistry(client, nil)
	defer r.Close()

	id, err := r.Spawn("task", "")
	if err != nil {
		t.Fatal(err)
	}
	client.awaitCall(t)

	if err := r.Terminate(id); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	waitForStatus(t, r, id, StatusTerminated)
}

func TestSendToSessionOnlyFromCompleted(t *testing.T) {
	client := newGateClient()
	r := newTestRegistry(client, nil)
	defer r.Close()

	id, err := r.Spawn("task", "")
	if err != nil {
		t.Fatal(err)
	}

	// Still running: rejected.
	if err := r.SendToSession(id, "more"); err == nil {
		t.Fatal("expected rejection while running")
	}

	client.release()
	waitForStatus(t, r, id, StatusCompleted)

	// Completed: flips back to running and re-enters the loop.
	if err := r.SendToSession(id, "follow up"); err != nil {
		t.Fatalf("SendToSession: %v", err)
	}
	waitForStatus(t, r, id, StatusCompleted)

	details, _ := r.Details(id)
	if details.Turns < 4 {
		t.Fatalf("turns = %d, want the follow-up exchange recorded", details.Turns)
	}
}

func TestSendToUnknownSession(t *testing.T) {
	r := newTestRegistry(newGateClient(), nil)
	defer r.Close()
	if err := r.SendToSession("missing", "x"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestTerminateIdempotenceIsAnError(t *testing.T) {
	client := newGateClient()
	r := newTestRegistry(client, nil)
	defer func() {
		client.release()
		r.Close()
	}()

	id, err := r.Spawn("task", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Terminate(id); err != nil {
		t.Fatalf("first Terminate: %v", err)
	}
	if status, _ := r.Status(id); status != StatusTerminated {
		t.Fatalf("status = %q", status)
	}
	// Second call is an error, not a silent no-op.
	if err := r.Terminate(id); err == nil {
		t.Fatal("second Terminate must fail")
	}
}

func TestTerminateCompletedIsAnError(t *testing.T) {
	client := newGateClient()
	r := newTestRegistry(client, nil)
	defer r.Close()

	id, _ := r.Spawn("task", "")
	client.release()
	waitForStatus(t, r, id, StatusCompleted)

	if err := r.Terminate(id); err == nil {
		t.Fatal("terminating a completed session must fail")
	}
}

func TestListFiltersByStatus(t *testing.T) {
	client := newGateClient()
	r := newTestRegistry(client, nil)
	defer r.Close()

	a, _ := r.Spawn("a", "")
	b, _ := r.Spawn("b", "")
	r.Terminate(b)
	client.release()
	waitForStatus(t, r, a, StatusCompleted)

	completed := r.List(StatusCompleted)
	if len(completed) != 1 || completed[0].ID != a {
		t.Fatalf("completed = %+v", completed)
	}
	terminated := r.List(StatusTerminated)
	if len(terminated) != 1 || terminated[0].ID != b {
		t.Fatalf("terminated = %+v", terminated)
	}
	if all := r.List(""); len(all) != 2 {
		t.Fatalf("all = %d", len(all))
	}
}

func TestSessionEvents(t *testing.T) {
	client := newGateClient("all done")
	b := bus.New()
	sub := b.SubscribeUser("session.", "u1")
	defer b.Unsubscribe(sub)

	r := newTestRegistry(client, b)
	defer r.Close()

	id, _ := r.Spawn("task", "")

	// session.created arrives before the loop settles.
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicSessionCreated {
			t.Fatalf("first event = %s", ev.Topic)
		}
		payload := ev.Payload.(bus.SessionEvent)
		if payload.SessionID != id || payload.Status != StatusRunning {
			t.Fatalf("created payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no session.created event")
	}

	client.release()
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicSessionEnded {
			t.Fatalf("second event = %s", ev.Topic)
		}
		payload := ev.Payload.(bus.SessionEvent)
		if payload.Status != StatusCompleted || payload.Result != "all done" {
			t.Fatalf("ended payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no session.ended event")
	}
}

func TestChildToolsExcludeOrchestration(t *testing.T) {
	parent := tools.NewRegistry()
	r := New(Config{UserID: "u1", Client: newGateClient(), ParentTools: parent, DefaultModel: "m"})
	r.RegisterTools(parent)

	child := r.childTools()
	for _, name := range OrchestrationToolNames() {
		if _, ok := parent.Lookup(name); !ok {
			t.Errorf("parent missing %s", name)
		}
		if _, ok := child.Lookup(name); ok {
			t.Errorf("child must not have %s", name)
		}
	}
}

func TestUIActionTool(t *testing.T) {
	parent := tools.NewRegistry()
	b := bus.New()
	sub := b.SubscribeUser(bus.TopicUIMutation, "u1")
	defer b.Unsubscribe(sub)

	r := New(Config{UserID: "u1", Client: newGateClient(), ParentTools: parent, Bus: b, DefaultModel: "m"})
	r.RegisterTools(parent)

	out, err := parent.Call(context.Background(), "ui_action",
		json.RawMessage(`{"action":"add","widget_id":"w1","widget_type":"notes"}`))
	if err != nil {
		t.Fatalf("ui_action: %v", err)
	}
	if !strings.Contains(out, "dispatched") {
		t.Fatalf("ack = %q", out)
	}
	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.UIMutationEvent)
		if payload.Action != "add" || payload.WidgetID != "w1" {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no ui.mutation event")
	}
}

type staticLayout string

func (l staticLayout) Layout(ctx context.Context, userID string) (string, error) {
	return string(l), nil
}

func TestDashboardLayoutTool(t *testing.T) {
	parent := tools.NewRegistry()
	r := New(Config{
		UserID:      "u1",
		Client:      newGateClient(),
		ParentTools: parent,
		Layout:      staticLayout(`{"widgets":[]}`),
	})
	r.RegisterTools(parent)

	out, err := parent.Call(context.Background(), "get_dashboard_layout", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"widgets":[]}` {
		t.Fatalf("layout = %q", out)
	}
}
