package featureflag

import (
	"context"
	"testing"
	"time"
)

func TestTrack(t *testing.T) {
	_, rdb := newTestRedis(t, "testtrack:")
	ctx := context.Background()

	c, err := New(rdb, 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	attrs := map[string]string{"bbCookie": "c1", "browser_type": "Apple iPhone"}
	c.Track("item_purchase", "alice", attrs)
	c.Track("item_purchase", "bob", nil)
	c.Track("page_view", "carol", nil)

	// caller mutation after Track must not leak into the event
	attrs["bbCookie"] = "changed"

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	events, err := RecentEvents(ctx, rdb, 10)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}

	// newest first
	if events[0].Key != "page_view" || events[2].UserID != "alice" {
		t.Errorf("Unexpected order: %+v", events)
	}
	if events[2].Attributes["bbCookie"] != "c1" {
		t.Errorf("Expected copied attributes, got %v", events[2].Attributes)
	}
	if events[2].ID == "" || events[2].ID == events[1].ID {
		t.Errorf("Expected unique event ids")
	}
	if time.Since(events[0].Timestamp) > time.Minute {
		t.Errorf("Unexpected timestamp %v", events[0].Timestamp)
	}

	limited, err := RecentEvents(ctx, rdb, 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("Expected 1 event, got %d (err: %v)", len(limited), err)
	}
}

func TestTrack_AfterClose(t *testing.T) {
	_, rdb := newTestRedis(t, "testtrackclosed:")
	c, err := New(rdb, 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_ = c.Close()
	// second Close is a no-op
	_ = c.Close()

	c.Track("item_purchase", "alice", nil)

	events, err := RecentEvents(context.Background(), rdb, 10)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected dropped event, got %d", len(events))
	}

	select {
	case <-c.done:
	default:
		t.Error("dispatcher should have stopped")
	}
}

func TestRecentEvents_Empty(t *testing.T) {
	_, rdb := newTestRedis(t, "testtrackempty:")
	events, err := RecentEvents(context.Background(), rdb, 5)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events, got %d", len(events))
	}
	events, _ = RecentEvents(context.Background(), rdb, 0)
	if events == nil || len(events) != 0 {
		t.Errorf("Expected empty slice for n=0")
	}
}
