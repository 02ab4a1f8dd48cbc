package persistence

import (
	"context"
	"testing"
)

func TestLayoutRoundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	layout, err := store.Layout(ctx, "u1")
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if layout != `{"widgets":[]}` {
		t.Fatalf("expected empty default layout, got %q", layout)
	}

	saved := `{"widgets":[{"id":"w1","type":"notes"}]}`
	if err := store.SetLayout(ctx, "u1", saved); err != nil {
		t.Fatalf("set layout: %v", err)
	}
	layout, err = store.Layout(ctx, "u1")
	if err != nil {
		t.Fatalf("layout after set: %v", err)
	}
	if layout != saved {
		t.Fatalf("expected %q, got %q", saved, layout)
	}

	// Upsert replaces.
	updated := `{"widgets":[]}`
	if err := store.SetLayout(ctx, "u1", updated); err != nil {
		t.Fatalf("update layout: %v", err)
	}
	layout, _ = store.Layout(ctx, "u1")
	if layout != updated {
		t.Fatalf("expected %q after update, got %q", updated, layout)
	}
}

func TestSetLayoutRequiresUser(t *testing.T) {
	store := openTestStore(t)
	if err := store.SetLayout(context.Background(), "", "{}"); err == nil {
		t.Fatal("expected error for empty user id")
	}
}
