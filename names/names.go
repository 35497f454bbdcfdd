// Package names implements the bus name-ownership state machine: the
// ordered ownership list behind every well-known name, and the
// RequestName/ReleaseName/ListQueuedOwners semantics built on top of
// it.
//
// A *Registry holds one Name per well-known string a peer currently
// has some claim to; a Name disappears from the registry once its
// ownership list empties. The registry itself does not know about
// peers, signals, or activation — those are the driver package's job
// (SPEC_FULL.md §4.4, §4.5, §4.9); this package only tracks who owns
// what, in what order, and under what replacement rules.
package names

import "strings"

// Flags mirrors the bit layout the teacher's bus.go documents for
// NameRequest, kept unchanged since RequestName's wire flags argument
// uses these exact bits.
type Flags uint32

const (
	AllowReplacement Flags = 1 << 0
	ReplaceCurrent   Flags = 1 << 1
	NoQueue          Flags = 1 << 2
)

// RequestResult is the outcome RequestName maps to a u32 reply code.
type RequestResult int

const (
	PrimaryOwner RequestResult = iota + 1
	InQueue
	Exists
	AlreadyOwner
)

// ReleaseResult is the outcome ReleaseName maps to a u32 reply code.
type ReleaseResult int

const (
	Released ReleaseResult = iota + 1
	NonExistent
	NotOwner
)

// Owner is one entry in a Name's ownership list.
type Owner struct {
	// PeerID identifies the owning peer. The registry is peer-id
	// agnostic otherwise; the driver resolves ids to unique addresses
	// and back.
	PeerID           uint64
	AllowReplacement bool
	// NoQueue records that this owner asked not to be requeued if
	// later preempted; losing ownership drops the entry instead of
	// moving it to the back of the queue.
	NoQueue bool
}

// Name is the ownership state for one well-known bus name.
type Name struct {
	owners []Owner
}

// Primary returns the current primary owner, if any.
func (n *Name) Primary() (Owner, bool) {
	if n == nil || len(n.owners) == 0 {
		return Owner{}, false
	}
	return n.owners[0], true
}

// Queued returns the ownership list in order, primary first.
func (n *Name) Queued() []Owner {
	if n == nil {
		return nil
	}
	out := make([]Owner, len(n.owners))
	copy(out, n.owners)
	return out
}

func (n *Name) indexOf(peer uint64) int {
	for i, o := range n.owners {
		if o.PeerID == peer {
			return i
		}
	}
	return -1
}

// Registry tracks every well-known name currently claimed by at least
// one peer.
type Registry struct {
	names map[string]*Name
}

// NewRegistry returns an empty name registry.
func NewRegistry() *Registry {
	return &Registry{names: map[string]*Name{}}
}

// Lookup returns the Name record for name, if any peer has claimed it.
func (r *Registry) Lookup(name string) (*Name, bool) {
	n, ok := r.names[name]
	return n, ok
}

// ValidWellKnown reports whether name satisfies DBus well-known-name
// syntax: at least two dot-separated, non-empty elements, each made of
// letters, digits, '_' and '-' and not starting with a digit, with no
// leading ':' (that denotes a unique address instead).
func ValidWellKnown(name string) bool {
	if name == "" || strings.HasPrefix(name, ":") {
		return false
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if !validElement(e) {
			return false
		}
	}
	return true
}

func validElement(e string) bool {
	if e == "" {
		return false
	}
	for i, c := range e {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		case c == '-':
		default:
			return false
		}
	}
	return true
}

// Request applies peer's claim to name under flags, per the teacher's
// documented RequestName semantics (bus.go) generalized to the
// server side:
//
//   - If the name has no owner, peer becomes primary owner.
//   - If peer already owns it (anywhere in the queue), its flags are
//     updated in place and it keeps its position: AlreadyOwner if it
//     is primary, InQueue otherwise, even when ReplaceCurrent is set.
//   - Otherwise, if ReplaceCurrent is set and the current primary
//     owner allowed replacement, peer preempts it: the old primary is
//     requeued at the back unless it set NoQueue, in which case it is
//     dropped entirely.
//   - Otherwise, if NoQueue is set, the request is refused (Exists).
//   - Otherwise peer is appended to the queue (InQueue).
//
// preempted is the peer id that lost primary ownership as a result of
// this call, if any; changed reports whether the primary owner
// actually changed (so the caller knows whether to emit a
// NameOwnerChanged signal).
func (r *Registry) Request(name string, peer uint64, flags Flags) (result RequestResult, preempted uint64, changed bool) {
	n, ok := r.names[name]
	if !ok {
		n = &Name{}
		r.names[name] = n
	}

	owner := Owner{
		PeerID:           peer,
		AllowReplacement: flags&AllowReplacement != 0,
		NoQueue:          flags&NoQueue != 0,
	}

	if idx := n.indexOf(peer); idx >= 0 {
		n.owners[idx].AllowReplacement = owner.AllowReplacement
		n.owners[idx].NoQueue = owner.NoQueue
		if idx == 0 {
			return AlreadyOwner, 0, false
		}
		return InQueue, 0, false
	}

	if len(n.owners) == 0 {
		n.owners = append(n.owners, owner)
		return PrimaryOwner, 0, true
	}

	current := n.owners[0]
	if flags&ReplaceCurrent != 0 && current.AllowReplacement {
		rest := append([]Owner{}, n.owners[1:]...)
		if !current.NoQueue {
			rest = append(rest, current)
		}
		n.owners = append([]Owner{owner}, rest...)
		return PrimaryOwner, current.PeerID, true
	}

	if flags&NoQueue != 0 {
		return Exists, 0, false
	}

	n.owners = append(n.owners, owner)
	return InQueue, 0, false
}

// Release removes peer's claim to name. When peer was the primary
// owner, oldPrimary is peer, newPrimary is the next owner (0 if none
// is left) and changed is true; otherwise all three are zero values.
// A name with no owners left is deleted from the registry.
func (r *Registry) Release(name string, peer uint64) (result ReleaseResult, oldPrimary, newPrimary uint64, changed bool) {
	n, ok := r.names[name]
	if !ok {
		return NonExistent, 0, 0, false
	}
	idx := n.indexOf(peer)
	if idx < 0 {
		return NotOwner, 0, 0, false
	}

	wasPrimary := idx == 0
	oldPrimary = n.owners[0].PeerID
	n.owners = append(n.owners[:idx], n.owners[idx+1:]...)

	if len(n.owners) == 0 {
		delete(r.names, name)
		if wasPrimary {
			return Released, oldPrimary, 0, true
		}
		return Released, 0, 0, false
	}

	if wasPrimary {
		return Released, oldPrimary, n.owners[0].PeerID, true
	}
	return Released, 0, 0, false
}

// ReleaseAll drops every claim peer holds across the whole registry,
// as goodbye/teardown (SPEC_FULL.md §4.7) requires. It returns one
// transition per name whose primary owner changed as a result.
type Transition struct {
	Name       string
	OldPrimary uint64
	NewPrimary uint64
	// HadNewPrimary is false when the name lost its last owner
	// entirely.
	HadNewPrimary bool
}

func (r *Registry) ReleaseAll(peer uint64) []Transition {
	var transitions []Transition
	for name, n := range r.names {
		idx := n.indexOf(peer)
		if idx < 0 {
			continue
		}
		wasPrimary := idx == 0
		oldPrimary := n.owners[0].PeerID
		n.owners = append(n.owners[:idx], n.owners[idx+1:]...)
		if len(n.owners) == 0 {
			delete(r.names, name)
			if wasPrimary {
				transitions = append(transitions, Transition{Name: name, OldPrimary: oldPrimary})
			}
			continue
		}
		if wasPrimary {
			transitions = append(transitions, Transition{
				Name: name, OldPrimary: oldPrimary,
				NewPrimary: n.owners[0].PeerID, HadNewPrimary: true,
			})
		}
	}
	return transitions
}

// ListQueuedOwners returns the ownership list for name, primary
// owner first, or (nil, false) if the name has no owner.
func (r *Registry) ListQueuedOwners(name string) ([]Owner, bool) {
	n, ok := r.names[name]
	if !ok {
		return nil, false
	}
	return n.Queued(), true
}

// ListOwned returns every well-known name r currently has an entry
// for (every such name has a primary owner by construction — a Name
// is dropped from the registry the moment its owners list empties),
// in no particular order; the driver's ListNames sorts it.
func (r *Registry) ListOwned() []string {
	out := make([]string, 0, len(r.names))
	for name := range r.names {
		out = append(out, name)
	}
	return out
}

// HasOwner reports whether name currently has a primary owner.
func (r *Registry) HasOwner(name string) bool {
	n, ok := r.names[name]
	return ok && len(n.owners) > 0
}
