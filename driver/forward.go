package driver

import (
	"os"

	"github.com/busdriverd/busd/activation"
	"github.com/busdriverd/busd/errcode"
	"github.com/busdriverd/busd/peer"
	"github.com/busdriverd/busd/policy"
	"github.com/busdriverd/busd/rule"
)

// unicast implements the forwarding engine's unicast path
// (SPEC_FULL.md §4.6). dest is the header's DESTINATION field; raw is
// the fully encoded frame being forwarded verbatim; meta is the
// message's match-rule metadata, used only for the policy
// transaction, not for matching (unicast delivery does not consult
// match rules).
func (d *Driver) unicast(sender *peer.Peer, dest string, meta rule.Metadata, hdr msgHeader, raw []byte, files []*os.File) errcode.Code {
	target, ok := d.PeerByAddr(dest)
	if !ok {
		if hdr.noAutoStart {
			return errcode.DestinationNotFound
		}
		rec := d.activationRecord(dest)
		if rec == nil {
			return errcode.NameNotActivatable
		}
		rec.QueueMessage(activation.Message{Raw: raw, Files: files})
		d.startActivationIfNeeded(dest, rec)
		return errcode.OK
	}

	tx := sendTx(sender, target, meta)
	if decision := sender.Policy.CheckSend(tx); decision != policy.Allow {
		d.auditDeny("forward-send", tx, decision)
		return errcode.SendDenied
	}
	if decision := target.Policy.CheckReceive(tx); decision != policy.Allow {
		d.auditDeny("forward-receive", tx, decision)
		return errcode.ReceiveDenied
	}

	if hdr.wantReply {
		if !sender.AllocReply(hdr.serial, target.ID) {
			return errcode.ExpectedReplyExists
		}
		target.TrackInboundReply(hdr.serial, sender.ID)
	}

	if err := target.Enqueue(raw, files...); err != nil {
		if d.disconnectOnQuota(target, err) != nil {
			return errcode.InvalidMessage
		}
		return errcode.Quota
	}
	return errcode.OK
}

// broadcast implements the forwarding engine's broadcast path: the
// receiver set is every registered, non-monitor peer whose match
// rules select meta (monitors are handled separately by the monitor
// mirror, per §4.6's "does not run inside broadcast fan-out").
func (d *Driver) broadcast(sender *peer.Peer, meta rule.Metadata, raw []byte, files []*os.File) {
	for _, target := range d.peers {
		if target.State() != peer.Registered {
			continue
		}
		if !anyMatch(target, meta) {
			continue
		}
		tx := sendTx(sender, target, meta)
		if decision := sender.Policy.CheckSend(tx); decision != policy.Allow {
			d.auditDeny("broadcast-send", tx, decision)
			continue
		}
		if decision := target.Policy.CheckReceive(tx); decision != policy.Allow {
			d.auditDeny("broadcast-receive", tx, decision)
			continue
		}
		if err := target.Enqueue(raw, files...); err != nil {
			d.disconnectOnQuota(target, err)
		}
	}
}

func anyMatch(p *peer.Peer, meta rule.Metadata) bool {
	for _, r := range p.Matches {
		if r.Matches(meta) {
			return true
		}
	}
	return false
}

// msgHeader is the subset of wire.HeaderFields the forwarding engine
// needs, named locally so forward.go doesn't need to import wire
// directly for every call site (dispatch.go builds it once per
// message).
type msgHeader struct {
	serial      uint32
	wantReply   bool
	noAutoStart bool
}
