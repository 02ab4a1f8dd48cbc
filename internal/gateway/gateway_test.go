package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/seanchangg/dyno/internal/agent"
	"github.com/seanchangg/dyno/internal/bus"
	"github.com/seanchangg/dyno/internal/llm"
	"github.com/seanchangg/dyno/internal/persistence"
	"github.com/seanchangg/dyno/internal/policy"
	"github.com/seanchangg/dyno/internal/workspace"
)

// staticClient replies with the same text to every request.
type staticClient struct {
	text string
}

func (c *staticClient) Generate(_ context.Context, _ llm.Request) (*llm.Response, error) {
	return &llm.Response{
		Message:    llm.TextMessage(llm.RoleAssistant, c.text),
		StopReason: llm.StopReasonEndTurn,
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

type fixture struct {
	server *Server
	bus    *bus.Bus
	ts     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := persistence.Open(filepath.Join(dir, "dyno.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	mgr := agent.NewManager(agent.Config{
		Store:       store,
		Provisioner: workspace.NewProvisioner(dir),
		Bus:         b,
		Policy:      policy.Default(),
		Model:       "claude-sonnet-4-5",
		MaxTokens:   1024,
		ClientFactory: func(string) llm.Client {
			return &staticClient{text: "hello back"}
		},
	})
	t.Cleanup(mgr.Close)

	if err := mgr.SetAPIKey(context.Background(), "u1", "sk-test"); err != nil {
		t.Fatalf("set api key: %v", err)
	}

	srv := New(Config{
		Manager:         mgr,
		Bus:             b,
		ApprovalTimeout: 100 * time.Millisecond,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: srv, bus: b, ts: ts}
}

func (f *fixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+f.ts.URL[len("http"):]+"/ws?user="+userID, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) outEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ev outEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["healthy"] != true {
		t.Fatalf("expected healthy=true, got %v", body)
	}
}

func TestWSRequiresUser(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+f.ts.URL[len("http"):]+"/ws", nil)
	if err == nil {
		t.Fatalf("expected dial without user to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestWSPushesOwnUserEventsOnly(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1")

	// Subscription races the dial; give the pump a moment to register.
	deadline := time.Now().Add(time.Second)
	for f.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	f.bus.Publish(bus.TopicDone, "u2", bus.DoneEvent{Summary: "not yours"})
	f.bus.Publish(bus.TopicDone, "u1", bus.DoneEvent{Summary: "yours"})

	ev := readEvent(t, conn)
	if ev.Topic != bus.TopicDone {
		t.Fatalf("expected %s, got %s", bus.TopicDone, ev.Topic)
	}
	payload, _ := ev.Payload.(map[string]any)
	if payload["summary"] != "yours" {
		t.Fatalf("expected u1's event first, got %v", ev.Payload)
	}
}

func TestChatRunsLoopAndStreamsDone(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1")

	deadline := time.Now().Add(time.Second)
	for f.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx := context.Background()
	if err := wsjson.Write(ctx, conn, inbound{Type: "chat", Text: "hi"}); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	// The run publishes token usage, thinking, then done.
	var sawDone bool
	for i := 0; i < 10 && !sawDone; i++ {
		ev := readEvent(t, conn)
		if ev.Topic == bus.TopicDone {
			sawDone = true
			payload, _ := ev.Payload.(map[string]any)
			if payload["summary"] != "hello back" {
				t.Fatalf("unexpected done payload: %v", ev.Payload)
			}
		}
	}
	if !sawDone {
		t.Fatalf("never received a done event")
	}
}

func TestApprovalResolvedByClient(t *testing.T) {
	f := newFixture(t)
	approver := &wsApprover{server: f.server, userID: "u1"}

	sub := f.bus.SubscribeUser(bus.TopicProposal, "u1")
	defer f.bus.Unsubscribe(sub)
	resSub := f.bus.SubscribeUser(bus.TopicExecutionResult, "u1")
	defer f.bus.Unsubscribe(resSub)

	type result struct {
		approved bool
		reason   string
	}
	got := make(chan result, 1)
	go func() {
		ok, reason := approver.Approve(context.Background(), "write_file", []byte(`{}`))
		got <- result{ok, reason}
	}()

	var ev bus.Event
	select {
	case ev = <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("no proposal published")
	}
	payload := ev.Payload.(map[string]any)
	id := payload["approvalId"].(string)
	if payload["tool"] != "write_file" {
		t.Fatalf("expected write_file proposal, got %v", payload)
	}

	f.server.resolveApproval(id, true)

	select {
	case r := <-got:
		if !r.approved {
			t.Fatalf("expected approval, got deny: %s", r.reason)
		}
	case <-time.After(time.Second):
		t.Fatal("approver never returned")
	}

	select {
	case ev = <-resSub.Ch():
	case <-time.After(time.Second):
		t.Fatal("no execution result published")
	}
	outcome := ev.Payload.(map[string]string)
	if outcome["approvalId"] != id || outcome["outcome"] != "approved" {
		t.Fatalf("unexpected execution result: %v", outcome)
	}
}

func TestApprovalTimesOutToDeny(t *testing.T) {
	f := newFixture(t)
	approver := &wsApprover{server: f.server, userID: "u1"}

	ok, reason := approver.Approve(context.Background(), "run_script", []byte(`{}`))
	if ok {
		t.Fatal("expected timeout to deny")
	}
	if reason != "approval timed out" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestApprovalForUnknownIDIgnored(t *testing.T) {
	f := newFixture(t)
	// Must not panic or block.
	f.server.resolveApproval("no-such-id", true)
}
