// Package driver implements the bus driver core: the name-ownership
// state machine, match-rule broadcast dispatch, per-peer quota and
// reply-slot accounting, policy checks, monitor mirroring, and
// error-name translation that sit behind the well-known destination
// "org.freedesktop.DBus".
//
// A *Driver owns every piece of mutable bus state and is only ever
// touched from the single bus-loop goroutine (SPEC_FULL.md §5); the
// per-connection I/O goroutines hand it decoded messages and drain
// peers' outbound channels, but never read or write a Driver's fields
// themselves.
package driver

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/busdriverd/busd/activation"
	"github.com/busdriverd/busd/names"
	"github.com/busdriverd/busd/peer"
	"github.com/busdriverd/busd/policy"
)

// BusName is the well-known destination every driver method dispatches
// under.
const BusName = "org.freedesktop.DBus"

const (
	busPath = "/org/freedesktop/DBus"
	busIface = "org.freedesktop.DBus"
)

// Config bundles the operator-supplied knobs a Driver needs at
// construction (SPEC_FULL.md §3 Config).
type Config struct {
	// MachineID is the 32 hex character machine id GetMachineId
	// returns; the caller reads it from /etc/machine-id or generates
	// one, same as the teacher's cmd/dbus does for its own identity.
	MachineID string
	// SELinuxEnabled gates Features/GetConnectionSELinuxSecurityContext.
	SELinuxEnabled bool
	// Privileged reports whether the peer with the given uid may call
	// privileged-only methods (UpdateActivationEnvironment,
	// BecomeMonitor). ReloadConfig is not gated by it.
	Privileged func(uid uint32) bool
	// DefaultQuota is the outbound channel capacity new peers get.
	DefaultQuota int
	// Activatable is the static name->launch-descriptor table.
	Activatable activation.Table
	// Launcher starts services for StartServiceByName/auto-start.
	Launcher activation.Launcher
	// Policy builds a fresh policy snapshot for a newly accepted peer.
	Policy func(uid uint32) policy.Snapshot
	// UpdateEnvironment applies an UpdateActivationEnvironment call's
	// key/value pairs to whatever environment the configured Launcher
	// reads from. Nil makes the method a privileged no-op.
	UpdateEnvironment func(env map[string]string) error
	// ReloadConfig re-reads policy/activation configuration from disk
	// and invokes done once finished (asynchronously, matching
	// activation.Launcher's own callback shape); nil makes the method
	// an immediate no-op success.
	ReloadConfig func(done func(error))
	// Log receives structured audit and diagnostic lines (AMBIENT
	// STACK: log/slog, matching the teacher's diagnostic conventions).
	Log *slog.Logger
}

// Driver is the full bus driver core. All exported methods assume
// they run on the single bus-loop goroutine; none of them take locks.
type Driver struct {
	cfg Config
	log *slog.Logger

	guid      string
	machineID string

	nextPeerID atomic.Uint64

	peers map[uint64]*peer.Peer
	// byAddr indexes peer ids by unique address, since DESTINATION and
	// SENDER header fields carry the wire string, not the internal id.
	byAddr map[string]uint64

	names *names.Registry

	// monitors is the set of peer ids currently in Monitor state, kept
	// alongside peers map for O(1) "any monitors?" checks in the hot
	// dispatch path.
	monitors map[uint64]bool

	// activations tracks activation.Record by well-known name, created
	// lazily the first time a name becomes relevant to activation
	// (StartServiceByName or an auto-started unicast).
	activations map[string]*activation.Record

	busSerial atomic.Uint32
}

// nextSerial returns the next serial the bus itself uses as sender,
// for signals and method returns/errors it originates.
func (d *Driver) nextSerial() uint32 {
	return d.busSerial.Add(1)
}

// New constructs a Driver. guid is the server's bus GUID (32 hex
// characters, matching the DBus address-string convention); callers
// that don't have one yet can use NewGUID.
func New(cfg Config, guid string) *Driver {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Driver{
		cfg:         cfg,
		log:         cfg.Log,
		guid:        guid,
		machineID:   cfg.MachineID,
		peers:       map[uint64]*peer.Peer{},
		byAddr:      map[string]uint64{},
		names:       names.NewRegistry(),
		monitors:    map[uint64]bool{},
		activations: map[string]*activation.Record{},
	}
}

// NewGUID generates a random 32 hex character bus GUID the way the
// reference implementation does at startup.
func NewGUID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("driver: reading random GUID bytes: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// AddPeer registers a newly accepted connection and returns its Peer
// record, not yet Hello'd. Its outbound quota is cfg.DefaultQuota, or
// 64 when that is not positive.
func (d *Driver) AddPeer(uid, pid uint32, seclabel []byte) *peer.Peer {
	id := d.nextPeerID.Add(1)
	quota := d.cfg.DefaultQuota
	if quota <= 0 {
		quota = 64
	}
	p := peer.New(id, quota)
	p.Creds = peer.Credentials{UID: uid, PID: pid, Seclabel: seclabel}
	if d.cfg.Policy != nil {
		p.Policy = d.cfg.Policy(uid)
	}
	d.peers[id] = p
	d.byAddr[p.UniqueAddr] = id
	return p
}

// Peer looks a peer up by internal id.
func (d *Driver) Peer(id uint64) (*peer.Peer, bool) {
	p, ok := d.peers[id]
	return p, ok
}

// PeerByAddr resolves a destination string to a peer: a unique address
// directly, or a well-known name via the name registry's primary
// owner.
func (d *Driver) PeerByAddr(addr string) (*peer.Peer, bool) {
	if id, ok := d.byAddr[addr]; ok {
		p, ok := d.peers[id]
		return p, ok
	}
	if n, ok := d.names.Lookup(addr); ok {
		if owner, ok := n.Primary(); ok {
			p, ok := d.peers[owner.PeerID]
			return p, ok
		}
	}
	return nil, false
}

// IsPrivileged reports whether p's connection uid counts as
// privileged under the configured predicate.
func (d *Driver) IsPrivileged(p *peer.Peer) bool {
	return d.cfg.Privileged != nil && d.cfg.Privileged(p.Creds.UID)
}

// RemovePeer drops the bookkeeping AddPeer created. Goodbye/teardown
// (§4.7) must be run by the caller before this, since that's what
// flushes names/matches/replies; RemovePeer only forgets the id so it
// can never be resolved again.
func (d *Driver) RemovePeer(id uint64) {
	if p, ok := d.peers[id]; ok {
		delete(d.byAddr, p.UniqueAddr)
	}
	delete(d.peers, id)
	delete(d.monitors, id)
}

// Disconnect runs teardown for a peer whose connection died outside
// the dispatch path (a session's read loop hit EOF or a transport
// error) and forgets it. It is the bus-loop counterpart of
// protocolViolation for disconnects the connection layer observes
// rather than the driver itself; calling it twice for the same peer
// (the session's read and write sides can each notice the same
// closure) is harmless since both Goodbye and RemovePeer are
// idempotent.
func (d *Driver) Disconnect(id uint64) {
	p, ok := d.peers[id]
	if !ok {
		return
	}
	d.Goodbye(p, false)
	d.RemovePeer(id)
}

// addOwnedName records that peer id now holds a claim on name, for
// transitions (preemption, release, disconnect) that promote a
// previously-queued owner to primary without that peer itself issuing
// a fresh RequestName call.
func (d *Driver) addOwnedName(id uint64, name string) {
	if p, ok := d.peers[id]; ok {
		p.OwnedNames.Add(name)
	}
}

// Monitors returns the ids of every peer currently in Monitor state.
func (d *Driver) Monitors() []uint64 {
	out := make([]uint64, 0, len(d.monitors))
	for id := range d.monitors {
		out = append(out, id)
	}
	return out
}

// activationRecord returns (creating if necessary) the activation
// record for name, or nil if name isn't activatable at all.
func (d *Driver) activationRecord(name string) *activation.Record {
	if r, ok := d.activations[name]; ok {
		return r
	}
	if d.cfg.Activatable == nil || !d.cfg.Activatable.Activatable(name) {
		return nil
	}
	r := activation.NewRecord(name)
	d.activations[name] = r
	return r
}
