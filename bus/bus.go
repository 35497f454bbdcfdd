// Package bus is the top-level orchestrator that wires transport,
// peer, names and driver together into one running broker process
// (SPEC_FULL.md §5). It owns the accept loop and the per-connection
// read/write goroutines; the driver core itself is only ever touched
// from the single bus-loop goroutine this package runs, matching the
// single-threaded cooperative event-loop model the driver assumes.
package bus

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/busdriverd/busd/driver"
	"github.com/busdriverd/busd/peer"
	"github.com/busdriverd/busd/transport"
	"github.com/busdriverd/busd/wire"
)

// Bus runs the accept loop and the single dispatch goroutine driving
// a *driver.Driver.
type Bus struct {
	drv *driver.Driver
	ln  *transport.Listener
	log *slog.Logger

	connCh       chan connRequest
	inboundCh    chan inboundMsg
	disconnectCh chan uint64
	stopCh       chan struct{}

	wg sync.WaitGroup
}

type connRequest struct {
	creds transport.Credentials
	reply chan *peer.Peer
}

type inboundMsg struct {
	peer *peer.Peer
	msg  *wire.Message
	raw  []byte
}

// New builds a Bus around an already-constructed Driver and Listener.
// Run starts serving; Close stops it.
func New(drv *driver.Driver, ln *transport.Listener, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		drv:          drv,
		ln:           ln,
		log:          log,
		connCh:       make(chan connRequest),
		inboundCh:    make(chan inboundMsg, 64),
		disconnectCh: make(chan uint64, 64),
		stopCh:       make(chan struct{}),
	}
}

// Run drives the accept loop and the bus dispatch loop until Close is
// called or the listener fails permanently. It blocks until both have
// exited.
func (b *Bus) Run() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.acceptLoop()
	}()
	b.dispatchLoop()
	b.wg.Wait()
}

// Close stops accepting new connections and shuts down the dispatch
// loop. In-flight connections are left to wind down on their own as
// their sockets close.
func (b *Bus) Close() error {
	err := b.ln.Close()
	close(b.stopCh)
	return err
}

// acceptLoop accepts and authenticates new connections, handing each
// off to the bus loop for peer creation before spawning its I/O
// goroutines.
func (b *Bus) acceptLoop() {
	for {
		t, creds, err := b.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.log.Warn("accept failed", "error", err)
			continue
		}

		reply := make(chan *peer.Peer, 1)
		select {
		case b.connCh <- connRequest{creds: creds, reply: reply}:
		case <-b.stopCh:
			t.Close()
			return
		}
		p := <-reply

		b.wg.Add(2)
		go func() {
			defer b.wg.Done()
			b.writeLoop(t, p)
		}()
		go func() {
			defer b.wg.Done()
			b.readLoop(t, p)
		}()
	}
}

// dispatchLoop is the single goroutine that ever touches Driver
// state, serializing peer creation, inbound dispatch and disconnect
// teardown against one another.
func (b *Bus) dispatchLoop() {
	for {
		select {
		case req := <-b.connCh:
			p := b.drv.AddPeer(req.creds.UID, req.creds.PID, nil)
			req.reply <- p
		case m := <-b.inboundCh:
			b.drv.Dispatch(m.peer, m.msg, m.raw)
		case id := <-b.disconnectCh:
			b.drv.Disconnect(id)
		case <-b.stopCh:
			return
		}
	}
}

// readLoop decodes one connection's inbound frames and forwards them
// to the bus loop, until the connection errors or closes.
func (b *Bus) readLoop(t transport.Transport, p *peer.Peer) {
	defer func() {
		select {
		case b.disconnectCh <- p.ID:
		case <-b.stopCh:
		}
		t.Close()
	}()

	src := &teeSource{t: t}
	for {
		msg, err := wire.ReadMessage(src)
		if err != nil {
			return
		}
		raw := src.take()
		if err := msg.Valid(); err != nil {
			b.log.Warn("malformed message header, dropping connection", "peer_id", p.ID, "error", err)
			return
		}
		select {
		case b.inboundCh <- inboundMsg{peer: p, msg: msg, raw: raw}:
		case <-b.stopCh:
			return
		}
	}
}

// writeLoop drains a peer's outbound queue onto its transport until
// the queue is closed (by Goodbye, via Peer.Close), then closes the
// transport so readLoop's blocked Read unblocks with an error.
func (b *Bus) writeLoop(t transport.Transport, p *peer.Peer) {
	for frame := range p.Outbound {
		if _, err := t.WriteWithFiles(frame.Bytes, frame.Files); err != nil {
			b.log.Warn("write failed, dropping connection", "peer_id", p.ID, "error", err)
			break
		}
	}
	t.Close()
}

// teeSource wraps a transport.Transport so each call to ReadMessage
// can recover the exact raw bytes it consumed, for broadcast fan-out
// and monitor mirroring to forward verbatim without re-encoding
// (SPEC_FULL.md §4.3, §4.6: the driver never re-encodes a message it
// is only forwarding).
type teeSource struct {
	t   transport.Transport
	buf bytes.Buffer
}

func (s *teeSource) Read(p []byte) (int, error) {
	n, err := s.t.Read(p)
	s.buf.Write(p[:n])
	return n, err
}

func (s *teeSource) GetFiles(n int) ([]*os.File, error) {
	return s.t.GetFiles(n)
}

// take returns and clears the bytes accumulated since the last call.
func (s *teeSource) take() []byte {
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	s.buf.Reset()
	return out
}
