package driver

import (
	"context"

	"github.com/busdriverd/busd/errcode"
	"github.com/busdriverd/busd/peer"
	"github.com/busdriverd/busd/rule"
	"github.com/busdriverd/busd/wire"
)

const peerInterface = "org.freedesktop.DBus.Peer"

// Dispatch is the dispatch entry point (SPEC_FULL.md §4.8): every
// fully decoded inbound message from sender is routed here by the
// per-connection read goroutine by way of the bus loop's inbound
// channel. raw is the exact bytes that were read off the wire, reused
// verbatim for broadcast fan-out and monitor mirroring so the driver
// never re-encodes a message it's only forwarding.
func (d *Driver) Dispatch(sender *peer.Peer, msg *wire.Message, raw []byte) {
	if sender.State() == peer.Monitor {
		d.protocolViolation(sender)
		return
	}

	meta := metaFor(sender, msg)
	d.mirrorToMonitors(sender, meta, raw, msg.Files)

	hdr := msgHeader{
		serial:      msg.Serial,
		wantReply:   msg.WantReply(),
		noAutoStart: msg.Flags&wire.FlagNoAutoStart != 0,
	}

	code := d.route(sender, msg, meta, hdr, raw)
	d.resolve(sender, msg, code)
}

// route implements the §4.8 routing table, returning the errcode.Code
// outcome for the outer shell to translate.
func (d *Driver) route(sender *peer.Peer, msg *wire.Message, meta rule.Metadata, hdr msgHeader, raw []byte) errcode.Code {
	switch {
	case msg.Destination == "" && msg.Type == wire.MethodCall:
		if msg.Interface != "" && msg.Interface != peerInterface {
			return errcode.UnexpectedMethod
		}
		return d.dispatchBuiltinCall(sender, msg, true)

	case msg.Destination == BusName:
		return d.dispatchBuiltinCall(sender, msg, false)

	default:
		if sender.State() != peer.Registered {
			return errcode.PeerNotRegistered
		}
		switch {
		case msg.Destination == "" && msg.Type == wire.Signal:
			d.broadcast(sender, meta, raw, msg.Files)
			return errcode.OK
		case msg.Destination == "":
			return errcode.UnexpectedMessageType
		case msg.Type == wire.MethodReturn || msg.Type == wire.Error:
			return d.routeReply(sender, msg, raw)
		default:
			return d.unicast(sender, msg.Destination, meta, hdr, raw, msg.Files)
		}
	}
}

// routeReply implements §4.8 step 7: a method return/error with a
// destination is matched against the target's inbound reply-slot
// registry before being forwarded raw.
func (d *Driver) routeReply(sender *peer.Peer, msg *wire.Message, raw []byte) errcode.Code {
	target, ok := d.PeerByAddr(msg.Destination)
	if !ok {
		return errcode.UnexpectedReply
	}
	if _, ok := target.ConsumeReply(msg.ReplySerial); !ok {
		return errcode.UnexpectedReply
	}
	sender.UntrackInboundReply(msg.ReplySerial)
	if err := target.Enqueue(raw, msg.Files...); err != nil {
		if d.disconnectOnQuota(target, err) != nil {
			return errcode.InvalidMessage
		}
	}
	return errcode.OK
}

// resolve sends the outer-shell translation of code back to sender:
// success and silent drops do nothing, a wire-reportable code becomes
// an error reply, and a connection-dropping code tears sender down.
func (d *Driver) resolve(sender *peer.Peer, msg *wire.Message, code errcode.Code) {
	if code == errcode.OK {
		return
	}
	if code.DropsConnection() {
		d.protocolViolation(sender)
		return
	}
	name, ok := code.WireName()
	if !ok {
		return
	}
	if err := d.replyError(sender, msg.Serial, name, code.Error()); err != nil {
		d.disconnectOnQuota(sender, err)
	}
}

// protocolViolation tears sender's connection down per §4.8's
// PROTOCOL_VIOLATION handling.
func (d *Driver) protocolViolation(sender *peer.Peer) {
	d.log.Warn("protocol violation, dropping connection", "peer_id", sender.ID)
	d.Disconnect(sender.ID)
}

// metaFor builds the rule.Metadata a message is matched against, from
// its decoded header and stringified leading body arguments.
func metaFor(sender *peer.Peer, msg *wire.Message) rule.Metadata {
	return rule.Metadata{
		Type:        msg.Type.String(),
		Sender:      sender.UniqueAddr,
		Path:        msg.Path,
		Interface:   msg.Interface,
		Member:      msg.Member,
		Destination: msg.Destination,
		Args:        stringArgs(msg),
	}
}

// stringArgs best-effort decodes the message body's leading string and
// object-path arguments for argN/argNpath/arg0namespace matching,
// leaving a "" hole at indices whose type isn't a plain string or
// object path, or that don't decode at all (an empty or malformed body
// just yields no match-rule hits on those keys, never an error).
func stringArgs(msg *wire.Message) []string {
	if msg.Signature == "" {
		return nil
	}
	sig, err := wire.ParseSignature(msg.Signature)
	if err != nil {
		return nil
	}
	dec := msg.Decoder()
	var out []string
	for part := range sig.Parts() {
		v := part.Value()
		if !v.IsValid() {
			break
		}
		if err := dec.Value(context.Background(), v.Interface()); err != nil {
			out = append(out, "")
			break
		}
		switch s := v.Elem().Interface().(type) {
		case string:
			out = append(out, s)
		case wire.ObjectPath:
			out = append(out, string(s))
		default:
			out = append(out, "")
		}
	}
	return out
}
