package driver

import (
	"github.com/busdriverd/busd/peer"
	"github.com/busdriverd/busd/wire"
)

// sendTo marshals hdr+body and enqueues the resulting frame on p's
// outbound channel. Any marshal or enqueue error (including
// peer.ErrQuota) is returned unchanged; sendTo itself neither
// disconnects p nor logs, and callers pass the error to
// disconnectOnQuota.
func (d *Driver) sendTo(p *peer.Peer, hdr wire.HeaderFields, body any) error {
	var buf frameBuffer
	if err := wire.WriteMessage(&buf, hdr, body); err != nil {
		return err
	}
	if err := p.Enqueue(buf.Bytes()); err != nil {
		return err
	}
	return nil
}

// replyReturn sends a method return to p for the call with the given
// serial. If serial is 0 (caller set NO_REPLY_EXPECTED), the reply is
// silently discarded per §4.2.
func (d *Driver) replyReturn(p *peer.Peer, serial uint32, body any) error {
	if serial == 0 {
		return nil
	}
	hdr := wire.HeaderFields{
		Type:        wire.MethodReturn,
		Serial:      d.nextSerial(),
		Sender:      BusName,
		Destination: p.UniqueAddr,
		ReplySerial: serial,
		Flags:       wire.FlagNoReplyExpected,
	}
	return d.sendTo(p, hdr, body)
}

// replyError sends an error reply to p for the call with the given
// serial, carrying one string body argument (detail). Silently
// discarded if serial is 0.
func (d *Driver) replyError(p *peer.Peer, serial uint32, wireName, detail string) error {
	if serial == 0 {
		return nil
	}
	hdr := wire.HeaderFields{
		Type:        wire.Error,
		Serial:      d.nextSerial(),
		Sender:      BusName,
		Destination: p.UniqueAddr,
		ReplySerial: serial,
		ErrName:     wireName,
		Flags:       wire.FlagNoReplyExpected,
	}
	return d.sendTo(p, hdr, detail)
}

// signalTo emits member as a unicast signal from the bus's own object
// to p, with p's unique address as the wire DESTINATION field (used
// for NameLost/NameAcquired, which are always addressed to one peer).
func (d *Driver) signalTo(p *peer.Peer, member string, body any) error {
	hdr := wire.HeaderFields{
		Type:        wire.Signal,
		Serial:      d.nextSerial(),
		Sender:      BusName,
		Path:        busPath,
		Interface:   busIface,
		Member:      member,
		Destination: p.UniqueAddr,
	}
	return d.sendTo(p, hdr, body)
}

// signalBroadcastTo delivers member to p the way a real broadcast
// signal arrives on the wire: no DESTINATION header field at all,
// since p is merely one of possibly many recipients a match rule
// selected, not the message's addressee (used for NameOwnerChanged
// fan-out).
func (d *Driver) signalBroadcastTo(p *peer.Peer, member string, body any) error {
	hdr := wire.HeaderFields{
		Type:      wire.Signal,
		Serial:    d.nextSerial(),
		Sender:    BusName,
		Path:      busPath,
		Interface: busIface,
		Member:    member,
	}
	return d.sendTo(p, hdr, body)
}
