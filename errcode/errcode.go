// Package errcode defines the flat error-kind enum handlers in the
// driver use to report failures, and the two pure projections callers
// need: a human-readable detail string and the DBus wire error name
// the dispatch entry point sends back to a caller.
package errcode

import "fmt"

// Code is a driver-internal error kind. Handlers and internal plumbing
// return a Code instead of an ad hoc error so that the dispatch entry
// point can apply a single, total translation to a wire error name.
type Code int

const (
	// Zero value: not an error.
	OK Code = iota

	InvalidMessage
	PeerNotRegistered
	PeerNotYetRegistered
	PeerAlreadyRegistered
	PeerNotPrivileged
	UnexpectedMessageType
	UnexpectedPath
	UnexpectedInterface
	UnexpectedMethod
	UnexpectedProperty
	ReadonlyProperty
	UnexpectedSignature
	UnexpectedReply
	ForwardFailed
	Quota
	UnexpectedFlags
	UnexpectedEnvironmentUpdate
	SendDenied
	ReceiveDenied
	ExpectedReplyExists
	NameReserved
	NameUnique
	NameInvalid
	NameRefused
	NameNotFound
	NameNotActivatable
	NameOwnerNotFound
	PeerNotFound
	DestinationNotFound
	MatchInvalid
	MatchNotFound
	AdtNotSupported
	SELinuxNotSupported

	// ProtocolViolation is never sent as a wire error: it tells the
	// dispatch entry point to drop the sender's connection instead.
	ProtocolViolation
)

// detail holds the human-readable explanation for each Code, taken
// verbatim from the reference implementation's error table, typos
// included.
var detail = map[Code]string{
	InvalidMessage:              "Invalid message body",
	PeerNotRegistered:           "Message forwarding attempted without calling Hello()",
	PeerNotYetRegistered:        "Hello() was not yet called",
	PeerAlreadyRegistered:       "Hello() already called",
	PeerNotPrivileged:           "The caller does not have the necessary privileged to call this method",
	UnexpectedMessageType:       "Unexpected message type",
	UnexpectedPath:              "Invalid object path",
	UnexpectedInterface:         "Invalid interface",
	UnexpectedMethod:            "Invalid method call",
	UnexpectedProperty:          "Invalid property",
	ReadonlyProperty:            "Cannot set read-only property",
	UnexpectedSignature:         "Invalid signature for method",
	UnexpectedReply:             "No pending reply with that serial",
	ForwardFailed:               "Request could not be forwarded to the parent process",
	Quota:                       "Sending user's quota exceeded",
	UnexpectedFlags:             "Invalid flags",
	UnexpectedEnvironmentUpdate: "User is not authorized to update environment variables",
	SendDenied:                  "Sender is not authorized to send message",
	ReceiveDenied:               "Receiver is not authorized to receive message",
	ExpectedReplyExists:         "Pending reply with that serial already exists",
	NameReserved:                "org.freedesktop.DBus is a reserved name",
	NameUnique:                  "The name is a unique name",
	NameInvalid:                 "The name is not a valid well-known name",
	NameRefused:                 "Request to own name refused by policy",
	NameNotFound:                "The name does not exist",
	NameNotActivatable:          "The name is not activatable",
	NameOwnerNotFound:           "The name does not have an owner",
	PeerNotFound:                "The connection does not exist",
	DestinationNotFound:         "Destination does not exist",
	MatchInvalid:                "Invalid match rule",
	MatchNotFound:               "The match does not exist",
	AdtNotSupported:             "Solaris ADT is not supported",
	SELinuxNotSupported:         "SELinux is not supported",
	ProtocolViolation:           "Protocol violation",
}

// wireName holds the DBus error name each Code translates to when sent
// to a caller. Codes absent from this map (OK, PeerNotRegistered,
// InvalidMessage, ProtocolViolation) are never turned into a wire
// error: OK means success, and the other three drop the connection
// instead (see DropsConnection).
var wireName = map[Code]string{
	PeerAlreadyRegistered: "org.freedesktop.DBus.Error.Failed",

	PeerNotYetRegistered:        "org.freedesktop.DBus.Error.AccessDenied",
	UnexpectedPath:              "org.freedesktop.DBus.Error.AccessDenied",
	UnexpectedMessageType:       "org.freedesktop.DBus.Error.AccessDenied",
	UnexpectedReply:             "org.freedesktop.DBus.Error.AccessDenied",
	UnexpectedEnvironmentUpdate: "org.freedesktop.DBus.Error.AccessDenied",
	ExpectedReplyExists:         "org.freedesktop.DBus.Error.AccessDenied",
	SendDenied:                  "org.freedesktop.DBus.Error.AccessDenied",
	ReceiveDenied:               "org.freedesktop.DBus.Error.AccessDenied",
	PeerNotPrivileged:           "org.freedesktop.DBus.Error.AccessDenied",
	NameRefused:                 "org.freedesktop.DBus.Error.AccessDenied",

	UnexpectedInterface: "org.freedesktop.DBus.Error.UnknownInterface",
	UnexpectedMethod:    "org.freedesktop.DBus.Error.UnknownMethod",
	// Sic: the reference implementation misspells this error name on
	// the wire. Preserved for wire compatibility; see SPEC_FULL.md §9.
	UnexpectedProperty: "org.freedesktop.DBus.Error.UnkonwnProperty",
	ReadonlyProperty:   "org.freedesktop.DBus.Error.PropertyReadOnly",

	UnexpectedSignature: "org.freedesktop.DBus.Error.InvalidArgs",
	UnexpectedFlags:     "org.freedesktop.DBus.Error.InvalidArgs",
	NameReserved:        "org.freedesktop.DBus.Error.InvalidArgs",
	NameUnique:          "org.freedesktop.DBus.Error.InvalidArgs",
	NameInvalid:         "org.freedesktop.DBus.Error.InvalidArgs",

	ForwardFailed: "org.freedesktop.DBus.Error.LimitsExceeded",
	Quota:         "org.freedesktop.DBus.Error.LimitsExceeded",

	PeerNotFound:        "org.freedesktop.DBus.Error.NameHasNoOwner",
	NameNotFound:        "org.freedesktop.DBus.Error.NameHasNoOwner",
	NameOwnerNotFound:   "org.freedesktop.DBus.Error.NameHasNoOwner",
	DestinationNotFound: "org.freedesktop.DBus.Error.NameHasNoOwner",

	NameNotActivatable: "org.freedesktop.DBus.Error.ServiceUnknown",
	MatchInvalid:       "org.freedesktop.DBus.Error.MatchRuleInvalid",
	MatchNotFound:      "org.freedesktop.DBus.Error.MatchRuleNotFound",
	AdtNotSupported:    "org.freedesktop.DBus.Error.AdtAuditDataUnknown",
	SELinuxNotSupported: "org.freedesktop.DBus.Error.SELinuxSecurityContextUnknown",
}

// Error implements the error interface, returning the human-readable
// detail associated with c.
func (c Code) Error() string {
	if s, ok := detail[c]; ok {
		return s
	}
	return fmt.Sprintf("errcode: unknown code %d", int(c))
}

// WireName returns the DBus error name that c translates to when sent
// back to a caller, and whether c is actually a wire-reportable error
// (false for OK, and for PeerNotRegistered, InvalidMessage and
// ProtocolViolation, which drop the connection instead of replying).
func (c Code) WireName() (name string, ok bool) {
	name, ok = wireName[c]
	return name, ok
}

// DropsConnection reports whether c must terminate the sender's
// connection rather than produce a wire error reply.
func (c Code) DropsConnection() bool {
	return c == PeerNotRegistered || c == InvalidMessage || c == ProtocolViolation
}
