// Signal body types defined by the driver (SPEC_FULL.md §4.4
// name-change notifier; PropertiesChanged and
// ActivatableServicesChanged are defined but not emitted). These
// are marshal-only: the driver never receives these signals itself, so
// unlike the client-side equivalents they carry plain exported fields
// and no custom UnmarshalDBus — wire.WriteMessage's reflection-based
// struct encoder produces the right wire bytes directly from field
// order.
package driver

import "github.com/busdriverd/busd/wire"

// NameOwnerChanged is emitted on the bus itself whenever a well-known
// name's primary owner changes, including the NewOwner=="" case when a
// name loses its last owner.
type NameOwnerChanged struct {
	Name string
	Prev string
	New  string
}

// NameLost is emitted directly to a peer when it loses ownership
// (primary or queued) of a well-known name.
type NameLost struct {
	Name string
}

// NameAcquired is emitted directly to a peer when it becomes the
// primary owner of a well-known name, including its own unique name at
// Hello time.
type NameAcquired struct {
	Name string
}

// ActivatableServicesChanged is the body of the
// ActivatableServicesChanged signal. The driver does not emit it.
type ActivatableServicesChanged struct{}

// PropertiesChanged is the body of the
// org.freedesktop.DBus.Properties.PropertiesChanged signal. The driver
// does not emit it; its own properties never change value.
type PropertiesChanged struct {
	Interface   string
	Changed     map[string]wire.Variant
	Invalidated []string
}

// InterfacesAdded and InterfacesRemoved exist for ObjectManager
// completeness on the driver's own object tree; the driver has a
// single object and never actually adds or removes interfaces, but
// the signal shapes are kept so a future object tree can use them
// without a wire-format change.
type InterfacesAdded struct {
	Path       wire.ObjectPath
	Interfaces map[string]map[string]wire.Variant
}

type InterfacesRemoved struct {
	Path       wire.ObjectPath
	Interfaces []string
}
