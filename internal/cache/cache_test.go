package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client), mr
}

func TestPushAndReadActivity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := Event{
			Timestamp: int64(1000 + i),
			Event:     "Payment to Acme",
			RequestID: fmt.Sprintf("req-%d", i),
			Status:    "CONFIRMED",
			Amount:    1200,
			Currency:  "USD",
			Balance:   int64(100000 - i*1200),
		}
		if err := store.PushActivity(ctx, ev); err != nil {
			t.Fatalf("push activity: %v", err)
		}
	}

	events, err := store.RecentActivity(ctx, 10)
	if err != nil {
		t.Fatalf("recent activity: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	// LPUSH：最新的在前
	if events[0].RequestID != "req-2" {
		t.Fatalf("expected newest first, got %s", events[0].RequestID)
	}
}

func TestActivityTrimmedToCap(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < activityMax+20; i++ {
		ev := Event{Timestamp: int64(i), RequestID: fmt.Sprintf("req-%d", i)}
		if err := store.PushActivity(ctx, ev); err != nil {
			t.Fatalf("push activity: %v", err)
		}
	}

	events, err := store.RecentActivity(ctx, activityMax)
	if err != nil {
		t.Fatalf("recent activity: %v", err)
	}
	if len(events) != activityMax {
		t.Fatalf("expected activity capped at %d, got %d", activityMax, len(events))
	}
}

func TestBalanceMirror(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Balance(ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if ok {
		t.Fatal("expected cache miss on empty redis")
	}

	if err := store.SetBalance(ctx, 98800); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	v, ok, err := store.Balance(ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !ok || v != 98800 {
		t.Fatalf("expected 98800, got %d ok=%v", v, ok)
	}
}

func TestPendingApprovalsMirror(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.SetPendingApprovals(ctx, 4); err != nil {
		t.Fatalf("set pending approvals: %v", err)
	}
	n, ok, err := store.PendingApprovals(ctx)
	if err != nil {
		t.Fatalf("pending approvals: %v", err)
	}
	if !ok || n != 4 {
		t.Fatalf("expected 4, got %d ok=%v", n, ok)
	}
}

func TestAlerts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.PushAlert(ctx, "ESCALATED req-1: manual review required"); err != nil {
		t.Fatalf("push alert: %v", err)
	}
	alerts, err := store.Alerts(ctx, 10)
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0] != "ESCALATED req-1: manual review required" {
		t.Fatalf("unexpected alerts: %v", alerts)
	}
}

func TestRebuildReplacesProjections(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// 旧投影
	if err := store.PushActivity(ctx, Event{RequestID: "stale"}); err != nil {
		t.Fatalf("push activity: %v", err)
	}
	if err := store.SetBalance(ctx, 1); err != nil {
		t.Fatalf("set balance: %v", err)
	}

	events := []Event{
		{Timestamp: 2000, RequestID: "req-b", Status: "CONFIRMED"},
		{Timestamp: 1000, RequestID: "req-a", Status: "REJECTED"},
	}
	if err := store.Rebuild(ctx, events, 98800, 2); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	got, err := store.RecentActivity(ctx, 10)
	if err != nil {
		t.Fatalf("recent activity: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events after rebuild, got %d", len(got))
	}
	if got[0].RequestID != "req-b" || got[1].RequestID != "req-a" {
		t.Fatalf("rebuild must preserve newest-first order, got %+v", got)
	}

	balance, ok, err := store.Balance(ctx)
	if err != nil || !ok || balance != 98800 {
		t.Fatalf("expected rebuilt balance 98800, got %d ok=%v err=%v", balance, ok, err)
	}
	pending, ok, err := store.PendingApprovals(ctx)
	if err != nil || !ok || pending != 2 {
		t.Fatalf("expected rebuilt pending 2, got %d ok=%v err=%v", pending, ok, err)
	}
}

func TestRecentActivitySkipsCorruptEntries(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.PushActivity(ctx, Event{RequestID: "good"}); err != nil {
		t.Fatalf("push activity: %v", err)
	}
	mr.Lpush(activityKey, "{broken")

	events, err := store.RecentActivity(ctx, 10)
	if err != nil {
		t.Fatalf("recent activity: %v", err)
	}
	if len(events) != 1 || events[0].RequestID != "good" {
		t.Fatalf("expected corrupt entry skipped, got %+v", events)
	}
}
