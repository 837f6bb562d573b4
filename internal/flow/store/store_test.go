package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestStore() *Store {
	return New(Config{ShardCount: 4, DefaultTTL: time.Minute, IdempotencyCapacity: 3})
}

func TestInitThenDuplicateInitFails(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()

	_, err := st.Init(ctx, InitParams{SessionID: "s1", FlowType: "login", TenantID: "t1", ClientID: "c1", EntryNodeID: "n1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := st.Init(ctx, InitParams{SessionID: "s1", EntryNodeID: "n1"}); err != ErrSessionExists {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	st.Init(ctx, InitParams{SessionID: "s1", EntryNodeID: "n1"})

	submit := SubmitParams{
		RequestID: "r1", CapabilityID: "email", Response: "a@b.com",
		Result: map[string]interface{}{"type": "continue"}, NextNodeID: "n2",
	}

	s1, err := st.Submit(ctx, "s1", submit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s1.CurrentNodeID != "n2" {
		t.Fatalf("currentNodeId = %v, want n2", s1.CurrentNodeID)
	}

	// Same requestId resubmitted must not double-apply.
	submit.NextNodeID = "n3"
	s2, err := st.Submit(ctx, "s1", submit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s2.CurrentNodeID != "n2" {
		t.Fatalf("duplicate submit advanced cursor to %v, want n2 unchanged", s2.CurrentNodeID)
	}
	if len(s2.VisitedNodeIDs) != 1 {
		t.Fatalf("visitedNodeIds length = %d, want 1", len(s2.VisitedNodeIDs))
	}
}

func TestCheckRequestReturnsCachedResult(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	st.Init(ctx, InitParams{SessionID: "s1", EntryNodeID: "n1"})

	result := map[string]interface{}{"type": "redirect"}
	st.Submit(ctx, "s1", SubmitParams{RequestID: "r1", CapabilityID: "email", Result: result, NextNodeID: "n2"})

	found, cached, _, err := st.CheckRequest(ctx, "s1", "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatalf("expected found=true for known requestId")
	}
	if cached.(map[string]interface{})["type"] != "redirect" {
		t.Fatalf("cached result mismatch: %v", cached)
	}

	found, _, _, err = st.CheckRequest(ctx, "s1", "r-unknown")
	if err != nil || found {
		t.Fatalf("expected found=false for unknown requestId, got found=%v err=%v", found, err)
	}
}

func TestIdempotencyCacheEvictsOldestFIFO(t *testing.T) {
	ctx := context.Background()
	st := newTestStore() // capacity 3

	st.Init(ctx, InitParams{SessionID: "s1", EntryNodeID: "n1"})
	for i, rid := range []string{"r1", "r2", "r3", "r4"} {
		st.Submit(ctx, "s1", SubmitParams{RequestID: rid, CapabilityID: "c", NextNodeID: "n", Result: i})
	}

	if _, found, _, _ := checkFound(ctx, st, "r1"); found {
		t.Fatalf("expected r1 to be evicted")
	}
	if _, found, _, _ := checkFound(ctx, st, "r4"); !found {
		t.Fatalf("expected r4 (most recent) to still be cached")
	}
}

func checkFound(ctx context.Context, st *Store, rid string) (interface{}, bool, *Session, error) {
	found, result, session, err := st.CheckRequest(ctx, "s1", rid)
	return result, found, session, err
}

func TestCancelIsAlwaysSuccessEvenIfAbsent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	if err := st.Cancel(ctx, "never-existed"); err != nil {
		t.Fatalf("cancel on absent session should not error: %v", err)
	}

	st.Init(ctx, InitParams{SessionID: "s1", EntryNodeID: "n1"})
	if err := st.Cancel(ctx, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := st.State(ctx, "s1"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after cancel, got %v", err)
	}
}

func TestTTLExpiryDeletesSession(t *testing.T) {
	ctx := context.Background()
	st := New(Config{ShardCount: 2, DefaultTTL: 30 * time.Millisecond, IdempotencyCapacity: 10})
	st.Init(ctx, InitParams{SessionID: "s1", EntryNodeID: "n1"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := st.State(ctx, "s1"); err == ErrSessionNotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected session to expire via TTL alarm")
}

func TestSnapshotReflectsDurablyPersistedSessions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()

	st.Init(ctx, InitParams{SessionID: "s1", FlowType: "login", EntryNodeID: "n1"})
	st.Submit(ctx, "s1", SubmitParams{RequestID: "r1", CapabilityID: "email", NextNodeID: "n2", Result: "ok"})

	snap, err := st.Snapshot(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := snap.Data["s1"]; !ok {
		t.Fatalf("expected durable snapshot to contain session s1, got keys: %v", snap.Data)
	}

	st.Cancel(ctx, "s1")
	snap, err = st.Snapshot(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := snap.Data["s1"]; ok {
		t.Fatalf("expected cancel to remove s1 from the durable snapshot")
	}
}

func TestConcurrentSubmitsToDifferentSessionsDoNotBlockEachOther(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sid := "session-" + string(rune('a'+i))
		st.Init(ctx, InitParams{SessionID: sid, EntryNodeID: "n1"})
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				st.Submit(ctx, sid, SubmitParams{RequestID: sid + "-r", CapabilityID: "c", NextNodeID: "n2"})
			}
		}(sid)
	}
	wg.Wait()
}
