package driver

import (
	"os"

	"github.com/creachadair/taskgroup"

	"github.com/busdriverd/busd/peer"
	"github.com/busdriverd/busd/rule"
)

// mirrorToMonitors implements the monitor mirror (SPEC_FULL.md §4.3):
// for every message the driver routes, if there is at least one
// monitor, compute which monitors' rules select it and enqueue the
// raw frame on each. It is a pure side effect — the caller proceeds
// with policy checks and destination lookup regardless of outcome.
//
// sender is the originating peer (nil for a bus-originated message,
// which never needs mirroring since it's synthesized straight from
// notify.go's own broadcast logic).
func (d *Driver) mirrorToMonitors(sender *peer.Peer, meta rule.Metadata, raw []byte, files []*os.File) {
	if len(d.monitors) == 0 {
		return
	}
	var targets []*peer.Peer
	for id := range d.monitors {
		m, ok := d.peers[id]
		if !ok {
			continue
		}
		for _, r := range m.Matches {
			if r.Matches(meta) {
				targets = append(targets, m)
				break
			}
		}
		// A monitor with no rules at all (BecomeMonitor([], 0), which
		// the peer layer stores as one empty-string rule) matches
		// everything, same as an ordinary empty Rule.
	}
	if len(targets) == 0 {
		return
	}
	if len(targets) == 1 {
		d.disconnectOnQuota(targets[0], targets[0].Enqueue(raw, files...))
		return
	}

	// Enqueue is a non-blocking channel send that only touches the
	// target peer's own fields, so fanning it out across goroutines is
	// safe even under the single-threaded bus-loop model; every error
	// is collected and replayed sequentially below so the only bus
	// state mutation (a quota disconnect) still happens on the bus
	// loop's own goroutine, never concurrently.
	errs := make([]error, len(targets))
	g, start := taskgroup.New(nil).Limit(len(targets))
	for i, m := range targets {
		i, m := i, m
		start(func() error {
			errs[i] = m.Enqueue(raw, files...)
			return nil
		})
	}
	g.Wait()

	for i, m := range targets {
		d.disconnectOnQuota(m, errs[i])
	}
}
