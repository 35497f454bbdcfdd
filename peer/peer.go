// Package peer models a single connected client: its lifecycle state,
// the names and match rules it owns, and the reply-slot accounting
// that enforces at-most-one-pending-reply-per-serial (SPEC_FULL.md
// §3 Peer, ReplySlot).
//
// A Peer does not know how to decode or send bytes; it only tracks
// state and exposes a bounded Enqueue so the driver's forwarding
// engine (§4.6) can hand it outgoing messages without touching the
// connection directly. The session that owns the actual socket reads
// from Peer.Outbound.
package peer

import (
	"errors"
	"os"

	"github.com/creachadair/mds/mapset"

	"github.com/busdriverd/busd/policy"
	"github.com/busdriverd/busd/rule"
)

// State is a peer's lifecycle state (SPEC_FULL.md §3 invariant: a
// monitor owns no names and holds no reply slots).
type State int

const (
	Unregistered State = iota
	Registered
	Monitor
)

// ErrQuota is returned by Enqueue when the peer's outbound queue is
// full. The driver treats this as the terminal "disconnect the
// receiver" signal described in §5 and §4.6, never as a retryable
// condition.
var ErrQuota = errors.New("peer: outbound quota exceeded")

// ErrClosed is returned by Enqueue once the peer has gone through
// goodbye/teardown.
var ErrClosed = errors.New("peer: connection closed")

// Frame is one outbound wire frame plus any file descriptors that ride
// alongside it (SCM_RIGHTS attachments on the original message, if
// any). The session write goroutine passes Files to the transport's
// WriteWithFiles verbatim.
type Frame struct {
	Bytes []byte
	Files []*os.File
}

// Credentials holds the identity captured from the transport at
// accept time (SO_PEERCRED and, when available, SELinux label).
type Credentials struct {
	UID     uint32
	PID     uint32
	Seclabel []byte
}

// ReplySlot is expected-reply accounting for one outstanding method
// call: it is created on the caller's owned_replies when a call
// expecting a reply is forwarded, and consumed by the matching
// method-return/error, or synthesized into NoReply on goodbye.
type ReplySlot struct {
	// Serial is the call's serial number, scoped to the caller.
	Serial uint32
	// From is the peer id that is expected to reply.
	From uint64
}

// Peer is the full server-side connection record for one client
// (SPEC_FULL.md §3 Peer). The bus loop is the only goroutine that
// mutates a Peer's registries; Enqueue is safe to call from other
// goroutines since it only pushes onto a channel.
type Peer struct {
	// ID is the monotonically assigned, never-reused connection id
	// (SPEC_FULL.md §3 invariant 1). UniqueAddr derives from it.
	ID         uint64
	UniqueAddr string

	Creds Credentials

	// Policy is this peer's point-in-time policy snapshot, taken at
	// connect time (policy.Snapshot doc comment).
	Policy policy.Snapshot

	state State

	// Outbound is the bounded queue a session's write goroutine drains.
	// Its capacity is the peer's quota.
	Outbound chan Frame
	closed   bool

	// OwnedNames is the set of well-known names this peer currently
	// has some ownership claim to (primary or queued). The names
	// registry is the source of truth for ordering; this is a fast
	// membership index maintained alongside it.
	OwnedNames mapset.Set[string]

	// Matches holds the parsed match rules this peer registered via
	// AddMatch, keyed by canonical rule text so RemoveMatch can find
	// them in O(1) and the forwarding engine can evaluate them.
	Matches map[string]*rule.Rule

	// OwnedReplies are reply slots this peer is waiting to receive
	// (it made the call). Keyed by serial.
	OwnedReplies map[uint32]ReplySlot

	// Replies are reply slots other peers are waiting on *from* this
	// peer (it received the call). Keyed by serial.
	Replies map[uint32]ReplySlot
}

// New constructs a Peer with the given id and outbound quota; its
// unique address is derived from the id. It starts Unregistered.
func New(id uint64, quota int) *Peer {
	return &Peer{
		ID:           id,
		UniqueAddr:   uniqueAddr(id),
		Policy:       policy.Permissive{},
		state:        Unregistered,
		Outbound:     make(chan Frame, quota),
		OwnedNames:   mapset.New[string](),
		Matches:      map[string]*rule.Rule{},
		OwnedReplies: map[uint32]ReplySlot{},
		Replies:      map[uint32]ReplySlot{},
	}
}

// AddMatch registers rule text r under peer p, parsing it first. It
// fails with errInvalidRule-equivalent handling left to the caller
// (the driver maps parse errors to MATCH_INVALID); duplicates are
// idempotent, matching AddMatch's documented behavior.
func (p *Peer) AddMatch(text string) (*rule.Rule, error) {
	if existing, ok := p.Matches[text]; ok {
		return existing, nil
	}
	r, err := rule.Parse(text)
	if err != nil {
		return nil, err
	}
	p.Matches[text] = r
	return r, nil
}

// RemoveMatch un-registers rule text. It reports whether a matching
// rule was found (RemoveMatch's MATCH_NOT_FOUND case otherwise).
func (p *Peer) RemoveMatch(text string) bool {
	if _, ok := p.Matches[text]; !ok {
		return false
	}
	delete(p.Matches, text)
	return true
}

// ClearMatches removes and returns every match rule this peer held,
// for goodbye/teardown (§4.7 step 1) and BecomeMonitor's provisional
// teardown.
func (p *Peer) ClearMatches() []*rule.Rule {
	out := make([]*rule.Rule, 0, len(p.Matches))
	for _, r := range p.Matches {
		out = append(out, r)
	}
	p.Matches = map[string]*rule.Rule{}
	return out
}

func uniqueAddr(id uint64) string {
	return ":1." + itoa(id)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State { return p.state }

// Register transitions an Unregistered peer to Registered (on Hello).
func (p *Peer) Register() { p.state = Registered }

// PromoteToMonitor transitions a peer to Monitor, after
// goodbye(silent=true) has already stripped its names and matches
// (BecomeMonitor, §4.5.x).
func (p *Peer) PromoteToMonitor() { p.state = Monitor }

// Unregister transitions a peer out of Registered back to
// Unregistered, once goodbye/teardown has emitted its disappearance
// signal. Idempotent: called on an already-Unregistered peer it is a
// no-op state assignment.
func (p *Peer) Unregister() { p.state = Unregistered }

// Enqueue pushes bs (plus any attached files) onto the peer's outbound
// queue without blocking. It returns ErrQuota if the queue is full and
// ErrClosed if the peer has already been torn down; both are terminal
// from the forwarding engine's point of view (§4.6).
func (p *Peer) Enqueue(bs []byte, files ...*os.File) error {
	if p.closed {
		return ErrClosed
	}
	select {
	case p.Outbound <- Frame{Bytes: bs, Files: files}:
		return nil
	default:
		return ErrQuota
	}
}

// Close marks the peer closed and closes its outbound channel so the
// session's write goroutine can drain remaining messages and exit.
// Idempotent.
func (p *Peer) Close() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.Outbound)
}

// AllocReply records that this peer expects a reply from to on
// serial. It fails with false if a slot already exists for that
// serial (SPEC_FULL.md §3 invariant 3, EXPECTED_REPLY_EXISTS in
// §4.6).
func (p *Peer) AllocReply(serial uint32, to uint64) bool {
	if _, exists := p.OwnedReplies[serial]; exists {
		return false
	}
	p.OwnedReplies[serial] = ReplySlot{Serial: serial, From: to}
	return true
}

// ConsumeReply removes and returns the reply slot for serial, if any.
// Called when this peer's expected reply arrives.
func (p *Peer) ConsumeReply(serial uint32) (ReplySlot, bool) {
	slot, ok := p.OwnedReplies[serial]
	if ok {
		delete(p.OwnedReplies, serial)
	}
	return slot, ok
}

// TrackInboundReply records, on the replying peer (this), that peer
// `from` holds an outstanding reply slot keyed on `serial` against it.
// Used by goodbye (§4.7 step 8) to synthesize NoReply to waiters when
// this peer disconnects.
func (p *Peer) TrackInboundReply(serial uint32, from uint64) {
	p.Replies[serial] = ReplySlot{Serial: serial, From: from}
}

// UntrackInboundReply removes the bookkeeping TrackInboundReply added,
// once the reply has actually been sent.
func (p *Peer) UntrackInboundReply(serial uint32) {
	delete(p.Replies, serial)
}

// DrainInboundReplies returns and clears every reply slot others are
// waiting on from this peer, for goodbye step 8 to synthesize NoReply
// against.
func (p *Peer) DrainInboundReplies() []ReplySlot {
	out := make([]ReplySlot, 0, len(p.Replies))
	for _, slot := range p.Replies {
		out = append(out, slot)
	}
	p.Replies = map[uint32]ReplySlot{}
	return out
}
