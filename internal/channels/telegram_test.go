package channels

import (
	"strings"
	"testing"

	"github.com/seanchangg/dyno/internal/bus"
)

func TestTelegramChannelName(t *testing.T) {
	ch := NewTelegramChannel("token", nil, nil, bus.New(), nil)
	if ch.Name() != "telegram" {
		t.Fatalf("expected telegram, got %q", ch.Name())
	}
}

func TestUserMappingCopied(t *testing.T) {
	users := map[int64]string{42: "u1"}
	ch := NewTelegramChannel("token", users, nil, bus.New(), nil)

	// Mutating the caller's map must not change routing.
	users[42] = "intruder"
	if got := ch.users[42]; got != "u1" {
		t.Fatalf("expected u1, got %q", got)
	}
}

func TestFormatHeartbeatEvent(t *testing.T) {
	cases := []struct {
		topic   string
		payload bus.HeartbeatEvent
		want    string
	}{
		{bus.TopicHeartbeatEscalated, bus.HeartbeatEvent{Reason: "inbox overdue"}, "Heartbeat escalated: inbox overdue"},
		{bus.TopicHeartbeatCompleted, bus.HeartbeatEvent{Summary: "archived 3 emails"}, "Heartbeat done: archived 3 emails"},
		{bus.TopicHeartbeatBudget, bus.HeartbeatEvent{}, "daily budget reached"},
	}
	for _, tc := range cases {
		got := formatHeartbeatEvent(bus.Event{Topic: tc.topic, UserID: "u1", Payload: tc.payload})
		if !strings.Contains(got, tc.want) {
			t.Errorf("topic %s: got %q, want substring %q", tc.topic, got, tc.want)
		}
	}
}

func TestFormatHeartbeatEventIgnoresForeignPayloads(t *testing.T) {
	got := formatHeartbeatEvent(bus.Event{Topic: bus.TopicHeartbeatCompleted, Payload: "not an event"})
	if got != "" {
		t.Fatalf("expected empty for foreign payload, got %q", got)
	}
}
