package driver

import (
	"github.com/busdriverd/busd/peer"
	"github.com/busdriverd/busd/policy"
	"github.com/busdriverd/busd/rule"
)

// notifyNameChange implements the name-change notifier (SPEC_FULL.md
// §4.4): given a name whose ownership moved from oldOwner to
// newOwner (either may be the zero peer id), it unicasts NameLost/
// NameAcquired to the losing/gaining peer and broadcasts
// NameOwnerChanged to every monitor and every peer whose match rules
// select it.
//
// The signal body carries each peer's unique address (UniqueAddr) for
// oldOwner and newOwner; a disappearing or appearing peer passes its
// own unique address as name.
func (d *Driver) notifyNameChange(name string, oldOwner, newOwner uint64) {
	var oldAddr, newAddr string
	if oldOwner != 0 {
		if p, ok := d.peers[oldOwner]; ok {
			oldAddr = p.UniqueAddr
			if err := d.signalTo(p, "NameLost", NameLost{Name: name}); err != nil {
				d.disconnectOnQuota(p, err)
			}
		}
	}

	meta := rule.Metadata{
		Type:      "signal",
		Sender:    BusName,
		Path:      busPath,
		Interface: busIface,
		Member:    "NameOwnerChanged",
		Args:      []string{name, oldAddr, newAddr},
	}
	if newOwner != 0 {
		if p, ok := d.peers[newOwner]; ok {
			newAddr = p.UniqueAddr
			meta.Args[2] = newAddr
		}
	}

	body := NameOwnerChanged{Name: name, Prev: oldAddr, New: newAddr}
	for _, p := range d.broadcastTargets(meta) {
		tx := receiveTx(nil, p, meta)
		if decision := p.Policy.CheckReceive(tx); decision != policy.Allow {
			d.auditDeny("notify", tx, decision)
			continue
		}
		if err := d.signalBroadcastTo(p, "NameOwnerChanged", body); err != nil {
			d.disconnectOnQuota(p, err)
		}
	}

	if newOwner != 0 {
		if p, ok := d.peers[newOwner]; ok {
			if err := d.signalTo(p, "NameAcquired", NameAcquired{Name: name}); err != nil {
				d.disconnectOnQuota(p, err)
			}
		}
	}
}

// broadcastTargets returns every monitor plus every registered peer
// whose own match rules select meta, deduplicated.
func (d *Driver) broadcastTargets(meta rule.Metadata) []*peer.Peer {
	seen := map[uint64]bool{}
	var out []*peer.Peer
	add := func(id uint64) {
		if seen[id] {
			return
		}
		if p, ok := d.peers[id]; ok {
			seen[id] = true
			out = append(out, p)
		}
	}
	for id := range d.monitors {
		add(id)
	}
	for id, p := range d.peers {
		if p.State() == peer.Monitor {
			continue
		}
		for _, r := range p.Matches {
			if r.Matches(meta) {
				add(id)
				break
			}
		}
	}
	return out
}
