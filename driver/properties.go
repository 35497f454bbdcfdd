package driver

import (
	"github.com/busdriverd/busd/errcode"
	"github.com/busdriverd/busd/peer"
	"github.com/busdriverd/busd/wire"
)

// busFeatures and busExtraInterfaces back the bus object's own
// org.freedesktop.DBus.Properties surface (SPEC_FULL.md §4.5.x
// Get/GetAll/Set): Features holds "SELinux" when SELinux is enabled and
// is empty otherwise, and Monitoring is the only interface beyond the
// baseline four.
func (d *Driver) busFeatures() []string {
	if d.cfg.SELinuxEnabled {
		return []string{"SELinux"}
	}
	return []string{}
}

var busExtraInterfaces = []string{ifaceMonitoring}

func (d *Driver) dispatchProperties(sender *peer.Peer, msg *wire.Message, member string) errcode.Code {
	switch member {
	case "Get":
		var iface, prop string
		if code := decodeArgs(msg, &iface, &prop); code != errcode.OK {
			return code
		}
		v, code := busProperty(iface, prop, d.busFeatures())
		if code != errcode.OK {
			return code
		}
		return d.replyOK(sender, msg, v)

	case "GetAll":
		var iface string
		if code := decodeArgs(msg, &iface); code != errcode.OK {
			return code
		}
		return d.replyOK(sender, msg, busPropertiesFor(iface, d.busFeatures()))

	case "Set":
		var iface, prop string
		var val wire.Variant
		if code := decodeArgs(msg, &iface, &prop, &val); code != errcode.OK {
			return code
		}
		// Unknown interface or property names get their own error first.
		if _, code := busProperty(iface, prop, nil); code != errcode.OK {
			return code
		}
		return errcode.ReadonlyProperty
	}
	return errcode.UnexpectedMethod
}

func busProperty(iface, prop string, features []string) (wire.Variant, errcode.Code) {
	if iface != "" && iface != ifaceDBus {
		return wire.Variant{}, errcode.UnexpectedInterface
	}
	switch prop {
	case "Features":
		return wire.Variant{Value: features}, errcode.OK
	case "Interfaces":
		return wire.Variant{Value: busExtraInterfaces}, errcode.OK
	}
	return wire.Variant{}, errcode.UnexpectedProperty
}

func busPropertiesFor(iface string, features []string) map[string]wire.Variant {
	if iface != "" && iface != ifaceDBus {
		return map[string]wire.Variant{}
	}
	return map[string]wire.Variant{
		"Features":   {Value: features},
		"Interfaces": {Value: busExtraInterfaces},
	}
}
