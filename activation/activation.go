// Package activation models the per-name activation record
// (SPEC_FULL.md §3 Activation, §4.9) and the Launcher contract a real
// service-starting mechanism plugs in behind.
package activation

import (
	"os"

	"github.com/creachadair/mds/queue"
)

// Request is a pending StartServiceByName call awaiting the name's
// activation outcome; Serial is preserved so the driver can send the
// eventual reply to the right caller.
type Request struct {
	CallerID uint64
	Serial   uint32
}

// Message is queued auto-start traffic: a unicast message that
// arrived for a name with no current owner but an activation record,
// to be replayed once the name is owned.
type Message struct {
	// Raw is the fully encoded message frame, ready to replay verbatim
	// once a destination exists.
	Raw []byte
	// Files are any file descriptors the original message attached via
	// SCM_RIGHTS, replayed alongside Raw.
	Files []*os.File
}

// Record is the activation state for one well-known name.
type Record struct {
	Name string

	requested bool
	requests  *queue.Queue[Request]
	messages  *queue.Queue[Message]
}

// NewRecord returns an activation record for name, not yet requested.
func NewRecord(name string) *Record {
	return &Record{
		Name:     name,
		requests: queue.New[Request](),
		messages: queue.New[Message](),
	}
}

// Requested reports whether a launch has already been requested and
// is still pending.
func (r *Record) Requested() bool { return r.requested }

// MarkRequested records that the launcher has been asked to start the
// service; further arrivals queue behind this one instead of issuing
// duplicate launch requests.
func (r *Record) MarkRequested() { r.requested = true }

// QueueRequest enqueues a StartServiceByName caller awaiting the
// outcome.
func (r *Record) QueueRequest(req Request) { r.requests.Add(req) }

// QueueMessage enqueues auto-start traffic awaiting the name to gain
// an owner.
func (r *Record) QueueMessage(m Message) { r.messages.Add(m) }

// Drain empties both queues, for replay once the name is activated or
// for discard once activation fails.
func (r *Record) Drain() ([]Request, []Message) {
	reqs := make([]Request, 0, r.requests.Len())
	for r.requests.Len() > 0 {
		v, _ := r.requests.Pop()
		reqs = append(reqs, v)
	}
	msgs := make([]Message, 0, r.messages.Len())
	for r.messages.Len() > 0 {
		v, _ := r.messages.Pop()
		msgs = append(msgs, v)
	}
	r.requested = false
	return reqs, msgs
}

// Outcome is what a Launcher reports back to the driver for a launch
// attempt.
type Outcome int

const (
	Activated Outcome = iota
	Failed
)

// Result is the callback payload a Launcher hands back to the driver,
// asynchronously in general (SPEC_FULL.md §5: activation is a
// deliberate suspension point, resumed via callback).
type Result struct {
	Name    string
	Outcome Outcome
	// Reason is a human-readable failure explanation, set only when
	// Outcome is Failed.
	Reason string
}

// Launcher starts the service process that should come to own name.
// Launch must not block the bus loop: a real implementation forks a
// unit and calls back asynchronously; Launch itself only needs to
// accept the request and schedule that work.
type Launcher interface {
	Launch(name string, done func(Result))
}

// Table maps an activatable name to a launch descriptor. It has no
// behavior of its own; StaticTable is the Launcher that interprets
// it.
type Table map[string]Descriptor

// Descriptor is what the static table knows about one activatable
// name. Real deployments would add an exec path, environment, user to
// run as; launching a real process is out of scope for this
// implementation (SPEC_FULL.md §9), so Descriptor only records enough
// to report success deterministically.
type Descriptor struct {
	// Name is the well-known name this descriptor activates.
	Name string
}

// StaticTable is the default Launcher: it resolves any name present in
// its table successfully, and reports ServiceUnknown-equivalent
// failure for anything absent. It always calls done synchronously,
// from within Launch — but the driver never assumes that, since a
// real launcher would not (SPEC_FULL.md §9 Open Question decision).
type StaticTable struct {
	Table Table
}

// Launch implements Launcher.
func (t StaticTable) Launch(name string, done func(Result)) {
	if _, ok := t.Table[name]; !ok {
		done(Result{Name: name, Outcome: Failed, Reason: "name not present in static activation table"})
		return
	}
	done(Result{Name: name, Outcome: Activated})
}

// Activatable reports whether name appears in the table, for
// ListActivatableNames and StartServiceByName's NAME_NOT_ACTIVATABLE
// check.
func (t Table) Activatable(name string) bool {
	_, ok := t[name]
	return ok
}

// Names returns every activatable name in the table, in no particular
// order.
func (t Table) Names() []string {
	out := make([]string, 0, len(t))
	for name := range t {
		out = append(out, name)
	}
	return out
}
