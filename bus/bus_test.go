package bus_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/busdriverd/busd/bus"
	"github.com/busdriverd/busd/driver"
	"github.com/busdriverd/busd/transport"
	"github.com/busdriverd/busd/wire"
)

// testClient drives the client side of the Unix-socket AUTH EXTERNAL
// handshake transport.Listener.Accept expects on the server side, so
// this test can exercise a full Bus without a real dbus client
// library.
type testClient struct {
	conn *net.UnixConn
	buf  *bufio.Reader
}

func dialTestClient(t *testing.T, path string, uid uint32) *testClient {
	t.Helper()
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Net: "unix", Name: path})
	if err != nil {
		t.Fatalf("DialUnix: %v", err)
	}
	c := &testClient{conn: conn, buf: bufio.NewReader(conn)}

	if _, err := io.WriteString(conn, "\x00AUTH EXTERNAL "+hex.EncodeToString([]byte(strconv.Itoa(int(uid))))+"\r\n"); err != nil {
		t.Fatalf("writing AUTH line: %v", err)
	}
	line, err := c.buf.ReadString('\n')
	if err != nil {
		t.Fatalf("reading AUTH reply: %v", err)
	}
	if !strings.HasPrefix(line, "OK ") {
		t.Fatalf("unexpected AUTH reply: %q", line)
	}
	if _, err := io.WriteString(conn, "BEGIN\r\n"); err != nil {
		t.Fatalf("writing BEGIN: %v", err)
	}
	return c
}

func (c *testClient) Read(p []byte) (int, error)  { return c.buf.Read(p) }
func (c *testClient) GetFiles(int) ([]*os.File, error) { return nil, nil }

func (c *testClient) send(t *testing.T, hdr wire.HeaderFields, body any) {
	t.Helper()
	var buf bytes.Buffer
	if err := wire.WriteMessage(&frameAdapter{&buf}, hdr, body); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		t.Fatalf("writing message: %v", err)
	}
}

func (c *testClient) recv(t *testing.T) *wire.Message {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := wire.ReadMessage(c)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return msg
}

type frameAdapter struct{ *bytes.Buffer }

func (f *frameAdapter) WriteWithFiles(bs []byte, _ []*os.File) (int, error) { return f.Write(bs) }

func TestHelloRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "bus.sock")
	ln, err := transport.ListenUnix(sock, driver.NewGUID())
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	drv := driver.New(driver.Config{DefaultQuota: 8}, driver.NewGUID())
	b := bus.New(drv, ln, nil)
	go b.Run()
	defer b.Close()

	c := dialTestClient(t, sock, 1000)
	c.send(t, wire.HeaderFields{
		Type: wire.MethodCall, Serial: 1,
		Destination: driver.BusName,
		Path:        "/org/freedesktop/DBus",
		Interface:   "org.freedesktop.DBus",
		Member:      "Hello",
	}, nil)

	reply := c.recv(t)
	if reply.Type != wire.MethodReturn {
		t.Fatalf("got message type %v, want MethodReturn", reply.Type)
	}
	var addr string
	if err := reply.Decoder().Value(context.Background(), &addr); err != nil {
		t.Fatalf("decoding Hello reply: %v", err)
	}
	if addr != ":1.1" {
		t.Fatalf("Hello reply = %q, want \":1.1\"", addr)
	}
}
