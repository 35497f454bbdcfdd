package policy_test

import (
	"testing"

	"github.com/busdriverd/busd/policy"
)

func TestPermissiveAllowsEverything(t *testing.T) {
	var p policy.Permissive
	tx := policy.Transaction{SenderID: 1, ReceiverID: 2}
	if got := p.CheckSend(tx); got != policy.Allow {
		t.Errorf("CheckSend() = %v, want Allow", got)
	}
	if got := p.CheckReceive(tx); got != policy.Allow {
		t.Errorf("CheckReceive() = %v, want Allow", got)
	}
}

func TestStaticEmptyAllowlistBehavesPermissive(t *testing.T) {
	s := policy.Static{}
	if got := s.CheckSend(policy.Transaction{SenderID: 1}); got != policy.Allow {
		t.Errorf("CheckSend() = %v, want Allow for empty allowlist", got)
	}
}

func TestStaticDeniesUnknownUID(t *testing.T) {
	s := policy.Static{
		AllowedUIDs: map[uint32]bool{1000: true},
		UIDOf: func(id uint64) (uint32, bool) {
			if id == 1 {
				return 1000, true
			}
			return 2000, true
		},
	}
	if got := s.CheckSend(policy.Transaction{SenderID: 1}); got != policy.Allow {
		t.Errorf("CheckSend(peer 1) = %v, want Allow", got)
	}
	if got := s.CheckSend(policy.Transaction{SenderID: 2}); got != policy.Deny {
		t.Errorf("CheckSend(peer 2) = %v, want Deny", got)
	}
}

func TestStaticDeniesUnresolvablePeer(t *testing.T) {
	s := policy.Static{
		AllowedUIDs: map[uint32]bool{1000: true},
		UIDOf:       func(uint64) (uint32, bool) { return 0, false },
	}
	if got := s.CheckReceive(policy.Transaction{ReceiverID: 99}); got != policy.Deny {
		t.Errorf("CheckReceive() = %v, want Deny for unresolvable peer", got)
	}
}
