// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"sync"
	"testing"

	"github.com/aiku/mattermost-sbs/pkg/sbs"
)

func commentWithID(id int64, text string) *sbs.Comment {
	c := &sbs.Comment{ID: id, ParentID: testRoom}
	c.SetContent(sbs.Settings{Markup: sbs.Markup12y, BridgeName: "alice"}, text)
	return c
}

func TestCorrelationCache_Bidirectional(t *testing.T) {
	t.Parallel()
	cc := NewCorrelationCache(10)
	cc.RecordOutgoing("post1", commentWithID(1000, "hello"))
	cc.RecordIncoming(commentWithID(2000, "hi"), "post2")

	got, ok := cc.LookupByLocal("post1")
	if !ok || got.ID != 1000 || got.TextContent != "hello" {
		t.Errorf("LookupByLocal(post1): got %+v, %v", got, ok)
	}
	if id, ok := cc.LookupByRemote(2000); !ok || id != "post2" {
		t.Errorf("LookupByRemote(2000): got %q, %v", id, ok)
	}
	if _, ok := cc.LookupByLocal("nope"); ok {
		t.Error("LookupByLocal(nope) should miss")
	}
	if _, ok := cc.LookupByRemote(1); ok {
		t.Error("LookupByRemote(1) should miss")
	}
}

func TestCorrelationCache_EvictsOldestFromBothSides(t *testing.T) {
	t.Parallel()
	cc := NewCorrelationCache(3)
	for i := 0; i < 4; i++ {
		cc.RecordOutgoing(fmt.Sprintf("post%d", i), commentWithID(int64(1000+i), "x"))
	}

	if cc.Len() != 3 {
		t.Fatalf("Len: got %d, want 3", cc.Len())
	}
	if _, ok := cc.LookupByLocal("post0"); ok {
		t.Error("post0 should have been evicted")
	}
	if _, ok := cc.LookupByRemote(1000); ok {
		t.Error("comment 1000 should have been evicted")
	}
	for i := 1; i < 4; i++ {
		if id, ok := cc.LookupByRemote(int64(1000 + i)); !ok || id != fmt.Sprintf("post%d", i) {
			t.Errorf("LookupByRemote(%d): got %q, %v", 1000+i, id, ok)
		}
	}
}

func TestCorrelationCache_LookupRefreshesRecency(t *testing.T) {
	t.Parallel()
	cc := NewCorrelationCache(2)
	cc.RecordOutgoing("post0", commentWithID(1000, "x"))
	cc.RecordOutgoing("post1", commentWithID(1001, "x"))
	cc.LookupByLocal("post0")
	cc.RecordOutgoing("post2", commentWithID(1002, "x"))

	if _, ok := cc.LookupByLocal("post0"); !ok {
		t.Error("post0 was used recently and should survive")
	}
	if _, ok := cc.LookupByLocal("post1"); ok {
		t.Error("post1 should have been evicted")
	}
}

func TestCorrelationCache_RecordIsIdempotent(t *testing.T) {
	t.Parallel()
	cc := NewCorrelationCache(10)
	cc.RecordOutgoing("post1", commentWithID(1000, "hello"))
	cc.RecordOutgoing("post1", commentWithID(1000, "edited"))

	if cc.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", cc.Len())
	}
	got, _ := cc.LookupByLocal("post1")
	if got.TextContent != "edited" {
		t.Errorf("TextContent: got %q, want %q", got.TextContent, "edited")
	}
}

func TestCorrelationCache_RemapReplacesStaleSide(t *testing.T) {
	t.Parallel()
	cc := NewCorrelationCache(10)
	cc.RecordOutgoing("post1", commentWithID(1000, "x"))
	cc.RecordOutgoing("post1", commentWithID(1001, "x"))
	if _, ok := cc.LookupByRemote(1000); ok {
		t.Error("comment 1000 should no longer map to post1")
	}

	cc.RecordIncoming(commentWithID(1001, "x"), "post2")
	if _, ok := cc.LookupByLocal("post1"); ok {
		t.Error("post1 should no longer map to comment 1001")
	}
	if id, _ := cc.LookupByRemote(1001); id != "post2" {
		t.Errorf("LookupByRemote(1001): got %q, want post2", id)
	}
	if cc.Len() != 1 {
		t.Errorf("Len: got %d, want 1", cc.Len())
	}
}

func TestCorrelationCache_ReturnsCopies(t *testing.T) {
	t.Parallel()
	cc := NewCorrelationCache(10)
	original := commentWithID(1000, "hello")
	cc.RecordOutgoing("post1", original)
	original.TextContent = "mutated"

	got, _ := cc.LookupByLocal("post1")
	got.TextContent = "also mutated"
	again, _ := cc.LookupByLocal("post1")
	if again.TextContent != "hello" {
		t.Errorf("TextContent: got %q, want %q", again.TextContent, "hello")
	}
}

func TestCorrelationCache_IgnoresIncompletePairs(t *testing.T) {
	t.Parallel()
	cc := NewCorrelationCache(10)
	cc.RecordOutgoing("", commentWithID(1000, "x"))
	cc.RecordIncoming(nil, "post1")
	if cc.Len() != 0 {
		t.Errorf("Len: got %d, want 0", cc.Len())
	}
}

func TestCorrelationCache_DefaultCapacity(t *testing.T) {
	t.Parallel()
	cc := NewCorrelationCache(0)
	for i := 0; i < DefaultCorrelationCapacity+5; i++ {
		cc.RecordOutgoing(fmt.Sprintf("post%d", i), commentWithID(int64(i+1), "x"))
	}
	if cc.Len() != DefaultCorrelationCapacity {
		t.Errorf("Len: got %d, want %d", cc.Len(), DefaultCorrelationCapacity)
	}
}

func TestCorrelationCache_Concurrent(t *testing.T) {
	t.Parallel()
	cc := NewCorrelationCache(50)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := int64(w*1000 + i)
				cc.RecordOutgoing(fmt.Sprintf("p%d", id), commentWithID(id, "x"))
				cc.LookupByRemote(id)
				cc.LookupByLocal(fmt.Sprintf("p%d", id))
			}
		}(w)
	}
	wg.Wait()

	if cc.Len() != 50 {
		t.Fatalf("Len: got %d, want 50", cc.Len())
	}
	// Every surviving remote id must still point at a live local entry.
	hits := 0
	for w := 0; w < 8; w++ {
		for i := 0; i < 100; i++ {
			id := int64(w*1000 + i)
			if local, ok := cc.LookupByRemote(id); ok {
				hits++
				if local != fmt.Sprintf("p%d", id) {
					t.Errorf("LookupByRemote(%d): got %q", id, local)
				}
			}
		}
	}
	if hits > 50 {
		t.Errorf("remote hits: got %d, want at most 50", hits)
	}
}
