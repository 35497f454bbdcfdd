package driver

import (
	"errors"
	"log/slog"

	"github.com/busdriverd/busd/peer"
	"github.com/busdriverd/busd/policy"
	"github.com/busdriverd/busd/rule"
)

// sendTx builds the policy.Transaction for a check_send call from
// sender to receiver about meta. Either peer may be nil (a bus-
// originated message has no sender peer); names lists are read
// straight off the peer's OwnedNames, matching §7's requirement that
// denials log both name sets.
func sendTx(sender, receiver *peer.Peer, meta rule.Metadata) policy.Transaction {
	tx := policy.Transaction{
		Interface: meta.Interface,
		Member:    meta.Member,
		Path:      meta.Path,
		Type:      meta.Type,
	}
	if sender != nil {
		tx.SenderID = sender.ID
		tx.SenderNames = namesOf(sender)
		tx.SenderSeclabel = sender.Creds.Seclabel
	}
	if receiver != nil {
		tx.ReceiverID = receiver.ID
		tx.ReceiverNames = namesOf(receiver)
		tx.ReceiverSeclabel = receiver.Creds.Seclabel
	}
	return tx
}

// namesOf collects p's owned well-known names into a slice for a
// policy.Transaction (OwnedNames is a mapset.Set, ranged directly).
func namesOf(p *peer.Peer) []string {
	out := make([]string, 0, len(p.OwnedNames))
	for n := range p.OwnedNames {
		out = append(out, n)
	}
	return out
}

// receiveTx is sendTx with the roles already fixed for a check_receive
// call: the bus itself never has a seclabel of its own, so a
// bus-originated signal always passes a nil sender.
func receiveTx(sender, receiver *peer.Peer, meta rule.Metadata) policy.Transaction {
	return sendTx(sender, receiver, meta)
}

// auditDeny logs a policy denial with the full transaction record, as
// §7 requires regardless of whether a wire error is ultimately
// emitted.
func (d *Driver) auditDeny(stage string, tx policy.Transaction, decision policy.Decision) {
	d.log.Warn("policy denied",
		"stage", stage,
		"decision", decision,
		"sender_id", tx.SenderID,
		"sender_names", tx.SenderNames,
		"receiver_id", tx.ReceiverID,
		"receiver_names", tx.ReceiverNames,
		"interface", tx.Interface,
		"member", tx.Member,
		"path", tx.Path,
		"type", tx.Type,
	)
}

// disconnectOnQuota inspects err from a peer enqueue: a quota refusal
// logs a warning, disconnects p and returns nil; peer.ErrClosed also
// returns nil; any other error is logged and returned so the caller
// can treat it as fatal.
func (d *Driver) disconnectOnQuota(p *peer.Peer, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, peer.ErrQuota) {
		d.log.Warn("peer exceeded outbound quota, disconnecting", "peer_id", p.ID)
		d.Disconnect(p.ID)
		return nil
	}
	if errors.Is(err, peer.ErrClosed) {
		return nil
	}
	d.log.Error("fatal enqueue failure", "peer_id", p.ID, slog.Any("error", err))
	return err
}
