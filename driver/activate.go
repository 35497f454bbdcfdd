package driver

import (
	"github.com/busdriverd/busd/activation"
	"github.com/busdriverd/busd/peer"
	"github.com/busdriverd/busd/policy"
	"github.com/busdriverd/busd/rule"
)

// startActivationIfNeeded asks the launcher to start name if no launch
// is already outstanding for it.
func (d *Driver) startActivationIfNeeded(name string, rec *activation.Record) {
	if rec.Requested() {
		return
	}
	rec.MarkRequested()
	if d.cfg.Launcher == nil {
		d.activationFailed(name, "no activation launcher configured")
		return
	}
	d.cfg.Launcher.Launch(name, func(res activation.Result) {
		if res.Outcome == activation.Activated {
			d.activationSucceeded(name)
		} else {
			d.activationFailed(name, res.Reason)
		}
	})
}

// activationSucceeded is the "name became owned" half of the
// activation hand-off (§4.9): the driver expects the activated
// service to show up and call RequestName itself, at which point
// requestName's own ownership-transition code path calls
// completeActivation. activationSucceeded only exists so a launcher
// that reports success without the service ever calling RequestName
// doesn't leave requests hanging forever; the default StaticTable
// launcher calls done synchronously and the name is not actually
// owned by anyone yet, so there is deliberately nothing to drain here
// until RequestName observes real ownership.
func (d *Driver) activationSucceeded(name string) {
	d.log.Info("activation launch accepted", "name", name)
}

// activationFailed drains a name's activation record after the
// launcher reports failure: every pending StartServiceByName caller
// gets ServiceUnknown. Queued auto-start messages are dropped, and
// their senders get no error reply.
func (d *Driver) activationFailed(name, reason string) {
	rec, ok := d.activations[name]
	if !ok {
		return
	}
	reqs, msgs := rec.Drain()
	d.log.Warn("activation failed", "name", name, "reason", reason)
	for _, r := range reqs {
		if p, ok := d.peers[r.CallerID]; ok {
			d.replyError(p, r.Serial, "org.freedesktop.DBus.Error.ServiceUnknown", "The name was not provided by any .service files")
		}
	}
	_ = msgs // queued messages are dropped without a reply: a queued
	// activation.Message holds only the raw frame, not its sender.
}

// completeActivation implements §4.9's "activation target becomes
// owned" half: called from requestName once RequestName actually
// grants primary ownership of name. It drains pending
// StartServiceByName callers (send START_REPLY_SUCCESS == 1) and
// replays queued auto-start messages onto the new owner through the
// same peer-layer queue unicast forwarding uses.
func (d *Driver) completeActivation(name string) {
	rec, ok := d.activations[name]
	if !ok {
		return
	}
	reqs, msgs := rec.Drain()
	for _, r := range reqs {
		if p, ok := d.peers[r.CallerID]; ok {
			d.replyReturn(p, r.Serial, uint32(1)) // START_REPLY_SUCCESS
		}
	}
	target, ok := d.PeerByAddr(name)
	if !ok {
		return
	}
	for _, m := range msgs {
		d.replayAutoStart(target, m.Raw)
	}
}

// replayAutoStart re-enqueues a previously queued auto-start message
// onto its now-existing destination. Only the destination's receive
// policy is checked: there is no send-policy check and no reply slot
// is allocated. The queued activation.Message holds only the raw
// frame, so a policy denial drops the message without telling its
// original sender; a quota failure disconnects the destination.
func (d *Driver) replayAutoStart(target *peer.Peer, raw []byte) {
	meta := rule.Metadata{Type: "method_call"}
	tx := sendTx(nil, target, meta)
	if decision := target.Policy.CheckReceive(tx); decision != policy.Allow {
		d.auditDeny("activation-replay", tx, decision)
		return
	}
	if err := target.Enqueue(raw); err != nil {
		d.disconnectOnQuota(target, err)
	}
}
