package driver

import (
	"github.com/creachadair/mds/mapset"

	"github.com/busdriverd/busd/peer"
)

// Goodbye implements teardown (SPEC_FULL.md §4.7), run when a peer
// disconnects or transitions to monitor (silent=true for the latter).
// It is idempotent: a peer that already went through Goodbye once
// (its matches, names and reply slots already drained) runs every
// step again harmlessly, since each step is itself a no-op on empty
// state.
func (d *Driver) Goodbye(p *peer.Peer, silent bool) {
	// 1. Flush the peer's own match set.
	p.ClearMatches()

	// 2. Fail every outbound expected reply this peer owns: it will
	// never receive its awaited replies now that it's gone, but there
	// is no one left to notify (the peer itself is disconnecting), so
	// this step is just bookkeeping cleanup — draining OwnedReplies
	// without p.ConsumeReply since we're discarding them all.
	p.OwnedReplies = map[uint32]peer.ReplySlot{}

	// 3. Flush the sender-match registry: covered by step 1 since this
	// implementation keeps per-peer matches in a single map rather than
	// separate sender/name registries (§9 open question: unified,
	// simpler than the reference implementation's split tables).

	// 4. Release every name the peer owns, emitting name-change on
	// real transitions unless silent.
	for _, t := range d.names.ReleaseAll(p.ID) {
		if t.HadNewPrimary {
			d.addOwnedName(t.NewPrimary, t.Name)
		}
		if !silent {
			d.notifyNameChange(t.Name, t.OldPrimary, t.NewPrimary)
		}
	}
	p.OwnedNames = mapset.New[string]()

	// 5. If registered or monitoring, emit disappearance (unless
	// silent) and unregister. Gated on State() so a second Goodbye on
	// an already-torn-down peer (the quota and connection-error
	// teardown paths can each observe the same disconnect) never
	// re-emits the disappearance signal: once this runs, p moves to
	// Unregistered and every later call finds nothing left to do here.
	if p.State() != peer.Unregistered {
		if !silent {
			d.notifyNameChange(p.UniqueAddr, p.ID, 0)
		}
		p.Unregister()
	}

	// 6. If the peer was a monitor, stop monitoring.
	delete(d.monitors, p.ID)

	// 7. Flush the peer's NameOwnerChanged match registry: same
	// unified map as step 1/3, already cleared.

	// 8. Every inbound reply slot others hold against this peer: unless
	// silent, synthesize NoReply to each waiter; free the slot either
	// way.
	for _, slot := range p.DrainInboundReplies() {
		if silent {
			continue
		}
		if waiter, ok := d.peers[slot.From]; ok {
			if _, ok := waiter.ConsumeReply(slot.Serial); ok {
				if err := d.replyErrorFromBus(waiter, slot.Serial, "org.freedesktop.DBus.Error.NoReply", "Remote peer disconnected"); err != nil {
					d.disconnectOnQuota(waiter, err)
				}
			}
		}
	}

	// A silent teardown keeps the outbound queue open: the peer goes on
	// as a monitor and receives mirrored traffic on it.
	if !silent {
		p.Close()
	}
}

// replyErrorFromBus sends a bus-synthesized error reply (such as
// NoReply) to p. It is a thin wrapper around replyError.
func (d *Driver) replyErrorFromBus(p *peer.Peer, serial uint32, wireName, detail string) error {
	return d.replyError(p, serial, wireName, detail)
}
