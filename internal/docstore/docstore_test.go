package docstore

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMergeCreatesDocument(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, ok, _ := store.Get(ctx, "calls/a_b"); ok {
		t.Fatal("store should start empty")
	}

	err := store.Merge(ctx, "calls/a_b", map[string]any{
		"status":   "calling",
		"callerId": "a",
	})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	doc, ok, err := store.Get(ctx, "calls/a_b")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("document should exist after merge")
	}
	if doc.String("status") != "calling" || doc.String("callerId") != "a" {
		t.Fatalf("unexpected document: %v", doc)
	}
}

func TestMergeIsShallow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Merge(ctx, "k", map[string]any{"status": "calling", "offer": "sdp-offer"}); err != nil {
		t.Fatalf("first merge failed: %v", err)
	}
	if err := store.Merge(ctx, "k", map[string]any{"status": "answered"}); err != nil {
		t.Fatalf("second merge failed: %v", err)
	}

	doc, _, _ := store.Get(ctx, "k")
	if doc.String("status") != "answered" {
		t.Fatalf("status = %q, want answered", doc.String("status"))
	}
	if doc.String("offer") != "sdp-offer" {
		t.Fatal("merge overwrote a field it did not name")
	}
}

func TestMergeDottedPath(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Merge(ctx, "k", map[string]any{"alice.lastCandidate": map[string]any{"candidate": "c1"}}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if err := store.Merge(ctx, "k", map[string]any{"alice.muted": true}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	doc, _, _ := store.Get(ctx, "k")
	section := doc.Section("alice")
	if section == nil {
		t.Fatal("dotted path should create a nested section")
	}
	cand := section.Section("lastCandidate")
	if cand.String("candidate") != "c1" {
		t.Fatalf("nested write lost: %v", doc)
	}
	if !section.Bool("muted") {
		t.Fatal("second dotted write should merge into the same section")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Merge(ctx, "k", map[string]any{"status": "calling"}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	doc, _, _ := store.Get(ctx, "k")
	doc["status"] = "mutated"

	fresh, _, _ := store.Get(ctx, "k")
	if fresh.String("status") != "calling" {
		t.Fatal("mutating a Get result must not affect the store")
	}
}

// collector gathers subscription deliveries for inspection.
type collector struct {
	mu   sync.Mutex
	docs []Document
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 64)}
}

func (c *collector) put(doc Document) {
	c.mu.Lock()
	c.docs = append(c.docs, doc)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []Document {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.docs) >= n {
			out := make([]Document, len(c.docs))
			copy(out, c.docs)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries", n)
		}
	}
}

func TestSubscribeDeliversInitialSnapshot(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Merge(ctx, "k", map[string]any{"status": "calling"}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	col := newCollector()
	cancel, err := store.Subscribe(ctx, "k", col.put)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	docs := col.wait(t, 1)
	if docs[0].String("status") != "calling" {
		t.Fatalf("initial snapshot = %v, want existing document", docs[0])
	}
}

func TestSubscribeMissingDocumentDeliversNil(t *testing.T) {
	store := NewMemoryStore()
	col := newCollector()
	cancel, err := store.Subscribe(context.Background(), "absent", col.put)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	docs := col.wait(t, 1)
	if docs[0] != nil {
		t.Fatalf("missing document should be delivered as nil, got %v", docs[0])
	}
}

func TestSubscribeOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	col := newCollector()
	cancel, err := store.Subscribe(ctx, "k", col.put)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	statuses := []string{"calling", "answered", "active", "ended"}
	for _, st := range statuses {
		if err := store.Merge(ctx, "k", map[string]any{"status": st}); err != nil {
			t.Fatalf("merge %q failed: %v", st, err)
		}
	}

	docs := col.wait(t, 1+len(statuses))
	if docs[0] != nil {
		t.Fatalf("first delivery should be the nil initial snapshot, got %v", docs[0])
	}
	for i, st := range statuses {
		if got := docs[i+1].String("status"); got != st {
			t.Fatalf("delivery %d = %q, want %q", i+1, got, st)
		}
	}
}

func TestSubscribeDeleteDeliversNil(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Merge(ctx, "k", map[string]any{"status": "calling"}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	col := newCollector()
	cancel, err := store.Subscribe(ctx, "k", col.put)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()
	col.wait(t, 1)

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	docs := col.wait(t, 2)
	if docs[1] != nil {
		t.Fatalf("deletion should be delivered as nil, got %v", docs[1])
	}
}

func TestUnsubscribeStopsDeliveries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	col := newCollector()
	cancel, err := store.Subscribe(ctx, "k", col.put)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	col.wait(t, 1)
	cancel()
	cancel() // idempotent

	if err := store.Merge(ctx, "k", map[string]any{"status": "calling"}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if docs := col.wait(t, 1); len(docs) > 1 {
		t.Fatalf("received %d deliveries after cancel", len(docs))
	}
}

func TestSubscriberReentrancy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	done := make(chan struct{})
	var once sync.Once
	cancel, err := store.Subscribe(ctx, "k", func(doc Document) {
		if doc.String("status") == "calling" {
			// Re-entering the store from a delivery must not deadlock.
			if err := store.Merge(ctx, "k", map[string]any{"status": "answered"}); err != nil {
				t.Errorf("re-entrant merge failed: %v", err)
			}
		}
		if doc.String("status") == "answered" {
			once.Do(func() { close(done) })
		}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	if err := store.Merge(ctx, "k", map[string]any{"status": "calling"}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant subscriber deadlocked or delivery lost")
	}
}
