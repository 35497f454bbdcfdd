package peer_test

import (
	"testing"

	"github.com/busdriverd/busd/peer"
)

func TestNewPeerUniqueAddr(t *testing.T) {
	p := peer.New(42, 4)
	if got, want := p.UniqueAddr, ":1.42"; got != want {
		t.Errorf("UniqueAddr = %q, want %q", got, want)
	}
	if p.State() != peer.Unregistered {
		t.Errorf("State() = %v, want Unregistered", p.State())
	}
}

func TestRegisterAndPromote(t *testing.T) {
	p := peer.New(1, 4)
	p.Register()
	if p.State() != peer.Registered {
		t.Fatalf("State() = %v, want Registered", p.State())
	}
	p.PromoteToMonitor()
	if p.State() != peer.Monitor {
		t.Fatalf("State() = %v, want Monitor", p.State())
	}
}

func TestEnqueueRespectsQuota(t *testing.T) {
	p := peer.New(1, 2)
	if err := p.Enqueue([]byte("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := p.Enqueue([]byte("b")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := p.Enqueue([]byte("c")); err != peer.ErrQuota {
		t.Fatalf("Enqueue() = %v, want ErrQuota", err)
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	p := peer.New(1, 2)
	p.Close()
	if err := p.Enqueue([]byte("a")); err != peer.ErrClosed {
		t.Fatalf("Enqueue() = %v, want ErrClosed", err)
	}
}

func TestAllocReplyRejectsDuplicateSerial(t *testing.T) {
	p := peer.New(1, 4)
	if ok := p.AllocReply(7, 2); !ok {
		t.Fatal("AllocReply() = false, want true on first call")
	}
	if ok := p.AllocReply(7, 3); ok {
		t.Fatal("AllocReply() = true, want false on duplicate serial")
	}
}

func TestConsumeReply(t *testing.T) {
	p := peer.New(1, 4)
	p.AllocReply(7, 2)
	slot, ok := p.ConsumeReply(7)
	if !ok || slot.From != 2 {
		t.Fatalf("ConsumeReply() = %+v, %v; want From=2, true", slot, ok)
	}
	if _, ok := p.ConsumeReply(7); ok {
		t.Fatal("ConsumeReply() should fail once slot is consumed")
	}
}

func TestAddMatchIsIdempotentAndRemovable(t *testing.T) {
	p := peer.New(1, 4)
	r1, err := p.AddMatch("type='signal'")
	if err != nil {
		t.Fatalf("AddMatch: %v", err)
	}
	r2, err := p.AddMatch("type='signal'")
	if err != nil {
		t.Fatalf("AddMatch (dup): %v", err)
	}
	if r1 != r2 {
		t.Error("expected duplicate AddMatch to return the same *rule.Rule")
	}
	if !p.RemoveMatch("type='signal'") {
		t.Fatal("RemoveMatch() = false, want true")
	}
	if p.RemoveMatch("type='signal'") {
		t.Fatal("RemoveMatch() on absent rule should return false")
	}
}

func TestAddMatchRejectsInvalidRule(t *testing.T) {
	p := peer.New(1, 4)
	if _, err := p.AddMatch("bogus='x'"); err == nil {
		t.Fatal("expected AddMatch to reject an unknown match key")
	}
}

func TestClearMatches(t *testing.T) {
	p := peer.New(1, 4)
	p.AddMatch("type='signal'")
	p.AddMatch("type='method_call'")
	cleared := p.ClearMatches()
	if len(cleared) != 2 {
		t.Fatalf("ClearMatches() returned %d rules, want 2", len(cleared))
	}
	if len(p.Matches) != 0 {
		t.Fatal("expected Matches to be empty after ClearMatches")
	}
}

func TestDrainInboundReplies(t *testing.T) {
	p := peer.New(1, 4)
	p.TrackInboundReply(1, 10)
	p.TrackInboundReply(2, 11)
	slots := p.DrainInboundReplies()
	if len(slots) != 2 {
		t.Fatalf("DrainInboundReplies() returned %d slots, want 2", len(slots))
	}
	if more := p.DrainInboundReplies(); len(more) != 0 {
		t.Fatalf("DrainInboundReplies() after drain returned %d slots, want 0", len(more))
	}
}
