// Copyright 2024-2026 Aiku AI

package connector

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestRegistry_BindAndFind(t *testing.T) {
	t.Parallel()
	r := NewRegistry(10, zerolog.Nop())
	pair := r.Bind(testChannel, testRoom)

	if pair.LocalChannelID != testChannel || pair.RemoteRoomID != testRoom {
		t.Errorf("Bind: got %+v", pair)
	}
	if pair.Cache == nil {
		t.Fatal("Bind should create a correlation cache")
	}
	if got := r.FindByLocal(testChannel); got != pair {
		t.Errorf("FindByLocal: got %p, want %p", got, pair)
	}
	if got := r.FindByRemote(testRoom); got != pair {
		t.Errorf("FindByRemote: got %p, want %p", got, pair)
	}
	if r.FindByLocal("other") != nil || r.FindByRemote(1) != nil {
		t.Error("unknown ids should not be found")
	}
}

func TestRegistry_RebindReplacesPairAndCache(t *testing.T) {
	t.Parallel()
	r := NewRegistry(10, zerolog.Nop())
	first := r.Bind(testChannel, testRoom)
	first.Cache.RecordOutgoing("post1", commentWithID(1000, "x"))

	second := r.Bind(testChannel, 12)
	if r.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", r.Len())
	}
	if second.Cache.Len() != 0 {
		t.Errorf("rebound cache Len: got %d, want 0", second.Cache.Len())
	}
	if r.FindByRemote(testRoom) != nil {
		t.Error("old room should no longer be bound")
	}
	if r.FindByRemote(12) != second {
		t.Error("new room should be bound")
	}
}

func TestRegistry_Unbind(t *testing.T) {
	t.Parallel()
	r := NewRegistry(10, zerolog.Nop())
	r.Bind("channela", testRoom)
	r.Bind("channelb", 12)

	if !r.UnbindByLocal("channela") {
		t.Error("UnbindByLocal(channela): got false")
	}
	if r.UnbindByLocal("channela") {
		t.Error("second UnbindByLocal(channela): got true")
	}
	if !r.UnbindByRemote(12) {
		t.Error("UnbindByRemote(12): got false")
	}
	if r.UnbindByRemote(99) {
		t.Error("UnbindByRemote(99): got true")
	}
	if r.Len() != 0 {
		t.Errorf("Len: got %d, want 0", r.Len())
	}
}

func TestRegistry_FanOut(t *testing.T) {
	t.Parallel()
	r := NewRegistry(10, zerolog.Nop())
	r.Bind("channela", testRoom)
	r.Bind("channelb", testRoom)
	r.Bind("channelc", 12)

	if got := len(r.FindAllByRemote(testRoom)); got != 2 {
		t.Errorf("FindAllByRemote(%d): got %d pairs, want 2", testRoom, got)
	}
	if got := len(r.FindAllByRemote(99)); got != 0 {
		t.Errorf("FindAllByRemote(99): got %d pairs, want 0", got)
	}
	if got := len(r.All()); got != 3 {
		t.Errorf("All: got %d pairs, want 3", got)
	}
}

func TestRegistry_BindingsSortedAndRestore(t *testing.T) {
	t.Parallel()
	r := NewRegistry(10, zerolog.Nop())
	r.Bind("zeta", 3)
	r.Bind("alpha", 1)
	r.Bind("mid", 2)

	bindings := r.Bindings()
	want := []ChannelBinding{{"alpha", 1}, {"mid", 2}, {"zeta", 3}}
	if len(bindings) != len(want) {
		t.Fatalf("Bindings: got %v", bindings)
	}
	for i := range want {
		if bindings[i] != want[i] {
			t.Errorf("Bindings[%d]: got %+v, want %+v", i, bindings[i], want[i])
		}
	}

	restored := NewRegistry(10, zerolog.Nop())
	restored.Restore(append(bindings, ChannelBinding{LocalChannelID: "", RemoteRoomID: 5}))
	if restored.Len() != 3 {
		t.Errorf("restored Len: got %d, want 3", restored.Len())
	}
	if p := restored.FindByLocal("mid"); p == nil || p.RemoteRoomID != 2 {
		t.Errorf("restored mid: got %+v", p)
	}
}

func TestChannelPair_Target(t *testing.T) {
	t.Parallel()
	r := NewRegistry(10, zerolog.Nop())
	pair := r.Bind(testChannel, testRoom)
	if pair.Target() != nil {
		t.Fatal("new pair should have no target")
	}
	pair.SetTarget(&WriteTarget{ChannelID: testChannel, DisplayName: "Town Square"})
	if got := pair.Target(); got == nil || got.DisplayName != "Town Square" {
		t.Errorf("Target: got %+v", got)
	}
}
