package driver

import (
	"context"
	"sort"

	"github.com/busdriverd/busd/activation"
	"github.com/busdriverd/busd/errcode"
	"github.com/busdriverd/busd/names"
	"github.com/busdriverd/busd/peer"
	"github.com/busdriverd/busd/policy"
	"github.com/busdriverd/busd/wire"
)

// activationRequestOf builds the activation.Request recording sender
// as the caller awaiting name's StartServiceByName outcome.
func activationRequestOf(sender *peer.Peer, msg *wire.Message) activation.Request {
	return activation.Request{CallerID: sender.ID, Serial: msg.Serial}
}

const (
	ifaceDBus           = "org.freedesktop.DBus"
	ifaceMonitoring     = "org.freedesktop.DBus.Monitoring"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceProperties     = "org.freedesktop.DBus.Properties"
)

// methodTable is the (interface, member) -> needs_registration table
// SPEC_FULL.md §4.5 describes. Path pinning is uniform (every method
// here is only callable on busPath except Peer methods, handled by
// the empty-destination special case in dispatch.go, and Introspect,
// which introspect.go answers per path), so it isn't repeated per
// entry.
var methodTable = map[string]map[string]bool{
	ifaceDBus: {
		"Hello":                               false,
		"RequestName":                         true,
		"ReleaseName":                         true,
		"ListQueuedOwners":                    true,
		"ListNames":                           true,
		"ListActivatableNames":                true,
		"NameHasOwner":                        true,
		"StartServiceByName":                  true,
		"UpdateActivationEnvironment":         true,
		"GetNameOwner":                        true,
		"GetConnectionUnixUser":               true,
		"GetConnectionUnixProcessID":          true,
		"GetConnectionCredentials":            true,
		"GetAdtAuditSessionData":              true,
		"GetConnectionSELinuxSecurityContext": true,
		"AddMatch":                            true,
		"RemoveMatch":                         true,
		"ReloadConfig":                        true,
		"GetId":                               true,
		"BecomeMonitor":                       true,
	},
	ifaceMonitoring: {
		"BecomeMonitor": true,
	},
	ifaceIntrospectable: {
		"Introspect": false,
	},
	peerInterface: {
		"Ping":         false,
		"GetMachineId": false,
	},
	ifaceProperties: {
		"Get":    true,
		"GetAll": true,
		"Set":    true,
	},
}

var fixedInterfaceOrder = []string{ifaceDBus, ifaceMonitoring, ifaceIntrospectable, peerInterface, ifaceProperties}

func knownInterface(iface string) bool {
	_, ok := methodTable[iface]
	return ok
}

func hasMethod(iface, member string) bool {
	return methodTable[iface] != nil && func() bool { _, ok := methodTable[iface][member]; return ok }()
}

func needsRegistration(iface, member string) bool {
	return methodTable[iface][member]
}

// dispatchBuiltinCall implements §4.5 steps 1-4 and hands off to
// callMethod/callPeer for step 5. peerOnly is set for the
// empty-destination special case (§4.8 step 2): only
// org.freedesktop.DBus.Peer methods are reachable.
func (d *Driver) dispatchBuiltinCall(sender *peer.Peer, msg *wire.Message, peerOnly bool) errcode.Code {
	tx := policy.Transaction{
		SenderID:      sender.ID,
		SenderNames:   namesOf(sender),
		SenderSeclabel: sender.Creds.Seclabel,
		Interface:     msg.Interface,
		Member:        msg.Member,
		Path:          msg.Path,
		Type:          msg.Type.String(),
		NumFDs:        int(msg.NumFDs),
	}
	if decision := sender.Policy.CheckSend(tx); decision != policy.Allow {
		d.auditDeny("dispatch-send", tx, decision)
		return errcode.SendDenied
	}

	if peerOnly {
		if msg.Interface != "" && msg.Interface != peerInterface {
			return errcode.UnexpectedMethod
		}
		return d.callPeer(sender, msg)
	}

	registered := sender.State() == peer.Registered
	remap := func(code errcode.Code) errcode.Code {
		if !registered && (code == errcode.UnexpectedInterface || code == errcode.UnexpectedMethod) {
			return errcode.PeerNotYetRegistered
		}
		return code
	}

	iface := msg.Interface
	if iface == "" {
		for _, candidate := range fixedInterfaceOrder {
			if hasMethod(candidate, msg.Member) {
				iface = candidate
				break
			}
		}
		if iface == "" {
			return remap(errcode.UnexpectedMethod)
		}
	} else if !knownInterface(iface) {
		return remap(errcode.UnexpectedInterface)
	}

	if !hasMethod(iface, msg.Member) {
		return remap(errcode.UnexpectedMethod)
	}

	if needsRegistration(iface, msg.Member) && !registered {
		return errcode.PeerNotYetRegistered
	}

	if msg.Path != "" && msg.Path != busPath && iface != peerInterface && iface != ifaceIntrospectable {
		return errcode.UnexpectedPath
	}

	return d.callMethod(sender, msg, iface, msg.Member)
}

func (d *Driver) callPeer(sender *peer.Peer, msg *wire.Message) errcode.Code {
	switch msg.Member {
	case "Ping":
		return d.replyOK(sender, msg, nil)
	case "GetMachineId":
		return d.replyOK(sender, msg, d.machineID)
	default:
		return errcode.UnexpectedMethod
	}
}

// replyOK sends a method return carrying body and reports OK, unless
// the send itself fails fatally.
func (d *Driver) replyOK(sender *peer.Peer, msg *wire.Message, body any) errcode.Code {
	if err := d.replyReturn(sender, msg.Serial, body); err != nil {
		if d.disconnectOnQuota(sender, err) != nil {
			return errcode.InvalidMessage
		}
	}
	return errcode.OK
}

func decodeArgs(msg *wire.Message, out ...any) errcode.Code {
	dec := msg.Decoder()
	for _, o := range out {
		if err := dec.Value(context.Background(), o); err != nil {
			return errcode.UnexpectedSignature
		}
	}
	return errcode.OK
}

// callMethod dispatches (iface, member) to its handler. Every handler
// decodes its own arguments and calls replyOK/replyError-equivalent
// codes itself; a zero return means the handler already replied (or
// deliberately didn't, e.g. StartServiceByName's pending-activation
// case).
func (d *Driver) callMethod(sender *peer.Peer, msg *wire.Message, iface, member string) errcode.Code {
	switch iface {
	case ifaceIntrospectable:
		return d.replyOK(sender, msg, introspectFor(msg.Path))
	case ifaceMonitoring:
		return d.methodBecomeMonitor(sender, msg)
	case ifaceProperties:
		return d.dispatchProperties(sender, msg, member)
	case peerInterface:
		return d.callPeer(sender, msg)
	case ifaceDBus:
		return d.dispatchCore(sender, msg, member)
	}
	return errcode.UnexpectedInterface
}

func (d *Driver) dispatchCore(sender *peer.Peer, msg *wire.Message, member string) errcode.Code {
	switch member {
	case "Hello":
		return d.methodHello(sender, msg)
	case "RequestName":
		return d.methodRequestName(sender, msg)
	case "ReleaseName":
		return d.methodReleaseName(sender, msg)
	case "ListQueuedOwners":
		return d.methodListQueuedOwners(sender, msg)
	case "ListNames":
		return d.methodListNames(sender, msg)
	case "ListActivatableNames":
		return d.methodListActivatableNames(sender, msg)
	case "NameHasOwner":
		return d.methodNameHasOwner(sender, msg)
	case "StartServiceByName":
		return d.methodStartServiceByName(sender, msg)
	case "UpdateActivationEnvironment":
		return d.methodUpdateActivationEnvironment(sender, msg)
	case "GetNameOwner":
		return d.methodGetNameOwner(sender, msg)
	case "GetConnectionUnixUser":
		return d.methodGetConnectionUnixUser(sender, msg)
	case "GetConnectionUnixProcessID":
		return d.methodGetConnectionUnixProcessID(sender, msg)
	case "GetConnectionCredentials":
		return d.methodGetConnectionCredentials(sender, msg)
	case "GetAdtAuditSessionData":
		return d.methodGetAdtAuditSessionData(sender, msg)
	case "GetConnectionSELinuxSecurityContext":
		return d.methodGetConnectionSELinuxSecurityContext(sender, msg)
	case "AddMatch":
		return d.methodAddMatch(sender, msg)
	case "RemoveMatch":
		return d.methodRemoveMatch(sender, msg)
	case "ReloadConfig":
		return d.methodReloadConfig(sender, msg)
	case "GetId":
		return d.methodGetId(sender, msg)
	case "BecomeMonitor":
		return d.methodBecomeMonitor(sender, msg)
	}
	return errcode.UnexpectedMethod
}

func (d *Driver) methodHello(sender *peer.Peer, msg *wire.Message) errcode.Code {
	if sender.State() != peer.Unregistered {
		return errcode.PeerAlreadyRegistered
	}
	sender.Register()
	if code := d.replyOK(sender, msg, sender.UniqueAddr); code != errcode.OK {
		return code
	}
	d.notifyNameChange(sender.UniqueAddr, 0, sender.ID)
	return errcode.OK
}

func (d *Driver) methodRequestName(sender *peer.Peer, msg *wire.Message) errcode.Code {
	var name string
	var flags uint32
	if code := decodeArgs(msg, &name, &flags); code != errcode.OK {
		return code
	}
	if name == BusName {
		return errcode.NameReserved
	}
	if !names.ValidWellKnown(name) {
		return errcode.NameInvalid
	}
	result, preempted, changed := d.names.Request(name, sender.ID, names.Flags(flags))
	switch result {
	case names.PrimaryOwner, names.InQueue, names.AlreadyOwner:
		sender.OwnedNames.Add(name)
	}

	var wireResult uint32
	switch result {
	case names.PrimaryOwner:
		wireResult = 1
	case names.InQueue:
		wireResult = 2
	case names.Exists:
		wireResult = 3
	case names.AlreadyOwner:
		wireResult = 4
	}
	if code := d.replyOK(sender, msg, wireResult); code != errcode.OK {
		return code
	}
	if changed {
		d.notifyNameChange(name, preempted, sender.ID)
		d.completeActivation(name)
	}
	return errcode.OK
}

func (d *Driver) methodReleaseName(sender *peer.Peer, msg *wire.Message) errcode.Code {
	var name string
	if code := decodeArgs(msg, &name); code != errcode.OK {
		return code
	}
	result, oldPrimary, newPrimary, changed := d.names.Release(name, sender.ID)
	sender.OwnedNames.Remove(name)

	var wireResult uint32
	switch result {
	case names.Released:
		wireResult = 1
	case names.NonExistent:
		wireResult = 2
	case names.NotOwner:
		wireResult = 3
	}
	if code := d.replyOK(sender, msg, wireResult); code != errcode.OK {
		return code
	}
	if changed {
		if newPrimary != 0 {
			d.addOwnedName(newPrimary, name)
		}
		d.notifyNameChange(name, oldPrimary, newPrimary)
	}
	return errcode.OK
}

func (d *Driver) methodListQueuedOwners(sender *peer.Peer, msg *wire.Message) errcode.Code {
	var name string
	if code := decodeArgs(msg, &name); code != errcode.OK {
		return code
	}
	if name == BusName {
		return d.replyOK(sender, msg, []string{BusName})
	}
	owners, ok := d.names.ListQueuedOwners(name)
	if !ok {
		if p, ok := d.PeerByAddr(name); ok && p.UniqueAddr == name {
			return d.replyOK(sender, msg, []string{name})
		}
		return errcode.NameNotFound
	}
	out := make([]string, 0, len(owners))
	for _, o := range owners {
		if p, ok := d.peers[o.PeerID]; ok {
			out = append(out, p.UniqueAddr)
		}
	}
	return d.replyOK(sender, msg, out)
}

func (d *Driver) methodListNames(sender *peer.Peer, msg *wire.Message) errcode.Code {
	var addrs []string
	for _, p := range d.peers {
		if p.State() == peer.Registered {
			addrs = append(addrs, p.UniqueAddr)
		}
	}
	sort.Strings(addrs)

	owned := d.names.ListOwned()
	sort.Strings(owned)

	out := append([]string{BusName}, addrs...)
	out = append(out, owned...)
	return d.replyOK(sender, msg, out)
}

func (d *Driver) methodListActivatableNames(sender *peer.Peer, msg *wire.Message) errcode.Code {
	out := []string{BusName}
	if d.cfg.Activatable != nil {
		out = append(out, d.cfg.Activatable.Names()...)
	}
	return d.replyOK(sender, msg, out)
}

func (d *Driver) methodNameHasOwner(sender *peer.Peer, msg *wire.Message) errcode.Code {
	var name string
	if code := decodeArgs(msg, &name); code != errcode.OK {
		return code
	}
	_, has := d.PeerByAddr(name)
	return d.replyOK(sender, msg, has)
}

func (d *Driver) methodStartServiceByName(sender *peer.Peer, msg *wire.Message) errcode.Code {
	var name string
	var flags uint32
	if code := decodeArgs(msg, &name, &flags); code != errcode.OK {
		return code
	}
	if d.cfg.Activatable == nil || !d.cfg.Activatable.Activatable(name) {
		return errcode.NameNotActivatable
	}
	if d.names.HasOwner(name) {
		return d.replyOK(sender, msg, uint32(2)) // ALREADY_RUNNING
	}
	rec := d.activationRecord(name)
	rec.QueueRequest(activationRequestOf(sender, msg))
	d.startActivationIfNeeded(name, rec)
	return errcode.OK
}

func (d *Driver) methodUpdateActivationEnvironment(sender *peer.Peer, msg *wire.Message) errcode.Code {
	if !d.IsPrivileged(sender) {
		return errcode.PeerNotPrivileged
	}
	var env map[string]string
	if code := decodeArgs(msg, &env); code != errcode.OK {
		return code
	}
	if d.cfg.UpdateEnvironment != nil {
		if err := d.cfg.UpdateEnvironment(env); err != nil {
			return errcode.ForwardFailed
		}
	}
	return d.replyOK(sender, msg, nil)
}

func (d *Driver) methodGetNameOwner(sender *peer.Peer, msg *wire.Message) errcode.Code {
	var name string
	if code := decodeArgs(msg, &name); code != errcode.OK {
		return code
	}
	if name == BusName {
		return d.replyOK(sender, msg, BusName)
	}
	p, ok := d.PeerByAddr(name)
	if !ok {
		return errcode.NameOwnerNotFound
	}
	return d.replyOK(sender, msg, p.UniqueAddr)
}

func (d *Driver) methodGetConnectionUnixUser(sender *peer.Peer, msg *wire.Message) errcode.Code {
	p, code := d.resolveNamedPeer(msg)
	if code != errcode.OK {
		return code
	}
	return d.replyOK(sender, msg, p.Creds.UID)
}

func (d *Driver) methodGetConnectionUnixProcessID(sender *peer.Peer, msg *wire.Message) errcode.Code {
	p, code := d.resolveNamedPeer(msg)
	if code != errcode.OK {
		return code
	}
	return d.replyOK(sender, msg, p.Creds.PID)
}

func (d *Driver) methodGetConnectionCredentials(sender *peer.Peer, msg *wire.Message) errcode.Code {
	p, code := d.resolveNamedPeer(msg)
	if code != errcode.OK {
		return code
	}
	creds := map[string]wire.Variant{
		"UnixUserID": {Value: p.Creds.UID},
		"ProcessID":  {Value: p.Creds.PID},
	}
	if len(p.Creds.Seclabel) > 0 {
		creds["LinuxSecurityLabel"] = wire.Variant{Value: append(append([]byte{}, p.Creds.Seclabel...), 0)}
	}
	return d.replyOK(sender, msg, creds)
}

func (d *Driver) methodGetAdtAuditSessionData(sender *peer.Peer, msg *wire.Message) errcode.Code {
	_, code := d.resolveNamedPeer(msg)
	if code != errcode.OK {
		return code
	}
	return errcode.AdtNotSupported
}

func (d *Driver) methodGetConnectionSELinuxSecurityContext(sender *peer.Peer, msg *wire.Message) errcode.Code {
	if !d.cfg.SELinuxEnabled {
		return errcode.SELinuxNotSupported
	}
	p, code := d.resolveNamedPeer(msg)
	if code != errcode.OK {
		return code
	}
	return d.replyOK(sender, msg, p.Creds.Seclabel)
}

func (d *Driver) resolveNamedPeer(msg *wire.Message) (*peer.Peer, errcode.Code) {
	var name string
	if code := decodeArgs(msg, &name); code != errcode.OK {
		return nil, code
	}
	p, ok := d.PeerByAddr(name)
	if !ok {
		return nil, errcode.PeerNotFound
	}
	return p, errcode.OK
}

func (d *Driver) methodAddMatch(sender *peer.Peer, msg *wire.Message) errcode.Code {
	var ruleText string
	if code := decodeArgs(msg, &ruleText); code != errcode.OK {
		return code
	}
	if _, err := sender.AddMatch(ruleText); err != nil {
		return errcode.MatchInvalid
	}
	return d.replyOK(sender, msg, nil)
}

func (d *Driver) methodRemoveMatch(sender *peer.Peer, msg *wire.Message) errcode.Code {
	var ruleText string
	if code := decodeArgs(msg, &ruleText); code != errcode.OK {
		return code
	}
	if !sender.RemoveMatch(ruleText) {
		return errcode.MatchNotFound
	}
	return d.replyOK(sender, msg, nil)
}

func (d *Driver) methodReloadConfig(sender *peer.Peer, msg *wire.Message) errcode.Code {
	if d.cfg.ReloadConfig == nil {
		return d.replyOK(sender, msg, nil)
	}
	d.cfg.ReloadConfig(func(err error) {
		if err != nil {
			d.replyError(sender, msg.Serial, "org.freedesktop.DBus.Error.Failed", err.Error())
			return
		}
		d.replyReturn(sender, msg.Serial, nil)
	})
	return errcode.OK
}

func (d *Driver) methodGetId(sender *peer.Peer, msg *wire.Message) errcode.Code {
	return d.replyOK(sender, msg, d.guid)
}

func (d *Driver) methodBecomeMonitor(sender *peer.Peer, msg *wire.Message) errcode.Code {
	if !d.IsPrivileged(sender) {
		return errcode.PeerNotPrivileged
	}
	var rules []string
	var flags uint32
	if code := decodeArgs(msg, &rules, &flags); code != errcode.OK {
		return code
	}
	if flags != 0 {
		return errcode.UnexpectedFlags
	}
	if len(rules) == 0 {
		rules = []string{""}
	}
	cleared := sender.ClearMatches()
	for _, text := range rules {
		if _, err := sender.AddMatch(text); err != nil {
			sender.ClearMatches()
			for _, r := range cleared {
				sender.AddMatch(r.String())
			}
			return errcode.MatchInvalid
		}
	}
	if code := d.replyOK(sender, msg, nil); code != errcode.OK {
		return code
	}
	d.Goodbye(sender, true)
	sender.PromoteToMonitor()
	for _, text := range rules {
		sender.AddMatch(text)
	}
	d.monitors[sender.ID] = true
	return errcode.OK
}
