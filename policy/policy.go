// Package policy defines the contract the driver's send/receive
// checks run against (SPEC_FULL.md §4.5 step 1, §4.6, §6 Collaborator
// interfaces), plus the two implementations this expansion ships:
// Permissive (the default — everything allowed) and Static, a uid
// allowlist. The bus configuration loader and the full mandatory+
// SELinux policy compiler the reference implementation has are an
// external collaborator and out of scope, same as spec.md states.
package policy

// Decision is check_send/check_receive's result, kept as a tri-state
// rather than a plain bool so a Snapshot can distinguish an ordinary
// access-control denial from one that should be logged as an SELinux
// decision (SPEC_FULL.md §6).
type Decision int

const (
	Allow Decision = iota
	Deny
	DenySELinux
)

// Transaction is the full context a Snapshot needs to decide a
// send/receive check, mirroring the audit record §7 requires the
// driver to log on denial regardless of outcome.
type Transaction struct {
	SenderID      uint64
	SenderNames   []string
	SenderSeclabel []byte
	ReceiverID    uint64
	ReceiverNames []string
	ReceiverSeclabel []byte

	Interface string
	Member    string
	Path      string
	// Type is one of "method_call", "method_return", "signal", "error".
	Type string
	NumFDs int
}

// Snapshot is a point-in-time policy view, taken fresh per connection
// (so later config reloads don't retroactively change an
// already-established peer's rules mid-transaction).
type Snapshot interface {
	CheckSend(tx Transaction) Decision
	CheckReceive(tx Transaction) Decision
}

// Permissive allows everything. It is the default snapshot when no
// policy is configured.
type Permissive struct{}

// CheckSend implements Snapshot.
func (Permissive) CheckSend(Transaction) Decision { return Allow }

// CheckReceive implements Snapshot.
func (Permissive) CheckReceive(Transaction) Decision { return Allow }

// Static allows only uids present in its allowlist to send or
// receive; an empty allowlist behaves as Permissive, since an
// operator who configures no policy at all should not be locked out.
type Static struct {
	// AllowedUIDs maps a uid to whether it's privileged enough to pass
	// checks. Absent entries are denied once the set is non-empty.
	AllowedUIDs map[uint32]bool
	// UIDOf resolves a peer id to its uid, since Transaction only
	// carries peer ids and names; the caller supplies this, typically
	// from the driver's peer registry.
	UIDOf func(peerID uint64) (uid uint32, ok bool)
}

// CheckSend implements Snapshot.
func (s Static) CheckSend(tx Transaction) Decision { return s.check(tx.SenderID) }

// CheckReceive implements Snapshot.
func (s Static) CheckReceive(tx Transaction) Decision { return s.check(tx.ReceiverID) }

func (s Static) check(peerID uint64) Decision {
	if len(s.AllowedUIDs) == 0 {
		return Allow
	}
	uid, ok := s.UIDOf(peerID)
	if !ok || !s.AllowedUIDs[uid] {
		return Deny
	}
	return Allow
}
