package wire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/busdriverd/busd/wire/fragments"
)

// MessageType is the wire-visible DBus message type byte, exported so
// the driver and transport packages can build and inspect headers
// without reaching into this package's internal representation.
type MessageType uint8

const (
	MethodCall MessageType = iota + 1
	MethodReturn
	Error
	Signal
)

func (t MessageType) String() string {
	switch t {
	case MethodCall:
		return "method_call"
	case MethodReturn:
		return "method_return"
	case Error:
		return "error"
	case Signal:
		return "signal"
	default:
		return fmt.Sprintf("MessageType(%d)", t)
	}
}

// Header flag bits (DBus wire format).
const (
	FlagNoReplyExpected byte = 1 << 0
	FlagNoAutoStart     byte = 1 << 1
	FlagAllowInteractiveAuth byte = 1 << 2
)

// HeaderFields is the decoded message envelope, with exported fields
// for use outside this package. It is the public mirror of the
// internal header type header.go defines; ReadMessage/WriteMessage
// convert between the two.
type HeaderFields struct {
	Type        MessageType
	Flags       byte
	Serial      uint32
	Path        string
	Interface   string
	Member      string
	ErrName     string
	ReplySerial uint32
	Destination string
	Sender      string
	// Signature is the body's type signature string, with no outer
	// parens (DBus message-body signatures are a bare concatenation
	// of argument types, never a struct signature).
	Signature string
	NumFDs    uint32
}

// WantReply reports whether a method call expects a reply.
func (h HeaderFields) WantReply() bool {
	return h.Type == MethodCall && h.Flags&FlagNoReplyExpected == 0
}

// Message is one fully decoded incoming DBus message: its header plus
// raw, not-yet-unmarshaled body bytes (in the header's declared byte
// order) and any attached file descriptors.
type Message struct {
	HeaderFields
	BodyOrder fragments.ByteOrder
	Body      []byte
	Files     []*os.File
}

// Decoder returns a fragments.Decoder ready to unmarshal m's body.
func (m *Message) Decoder() *fragments.Decoder {
	return &fragments.Decoder{
		Order:  m.BodyOrder,
		Mapper: decoderFor,
		In:     bytes.NewBuffer(m.Body),
	}
}

// FrameSource is what ReadMessage needs from a transport connection:
// a byte stream plus the out-of-band file descriptors that arrived
// alongside it.
type FrameSource interface {
	io.Reader
	GetFiles(n int) ([]*os.File, error)
}

// ReadMessage reads one complete DBus message from src. It does not
// validate the header against message-type requirements; callers
// needing that should call (*Message).Valid.
func ReadMessage(src FrameSource) (*Message, error) {
	dec := fragments.Decoder{
		Order:  fragments.NativeEndian,
		Mapper: decoderFor,
		In:     src,
	}
	var h header
	if err := dec.Value(context.Background(), &h); err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(src, int64(h.Length)))
	if err != nil {
		return nil, fmt.Errorf("reading message body: %w", err)
	}
	files, err := src.GetFiles(int(h.NumFDs))
	if err != nil {
		return nil, fmt.Errorf("reading attached files: %w", err)
	}
	return &Message{
		HeaderFields: fromInternalHeader(&h),
		BodyOrder:    dec.Order,
		Body:         body,
		Files:        files,
	}, nil
}

// Valid reports whether h satisfies the required-field rules for its
// message type (DBus specification §"Message Format").
func (h HeaderFields) Valid() error {
	if h.Serial == 0 {
		return fmt.Errorf("invalid message with zero serial")
	}
	switch h.Type {
	case MethodCall:
		if h.Path == "" || h.Interface == "" || h.Member == "" {
			return fmt.Errorf("method call missing required path/interface/member")
		}
	case MethodReturn, Error:
		if h.ReplySerial == 0 {
			return fmt.Errorf("reply missing required reply_serial")
		}
		if h.Type == Error && h.ErrName == "" {
			return fmt.Errorf("error message missing required error_name")
		}
	case Signal:
		if h.Path == "" || h.Interface == "" || h.Member == "" {
			return fmt.Errorf("signal missing required path/interface/member")
		}
	default:
		return fmt.Errorf("unknown message type %d", h.Type)
	}
	return nil
}

func fromInternalHeader(h *header) HeaderFields {
	return HeaderFields{
		Type:        MessageType(h.Type),
		Flags:       h.Flags,
		Serial:      h.Serial,
		Path:        string(h.Path),
		Interface:   h.Interface,
		Member:      h.Member,
		ErrName:     h.ErrName,
		ReplySerial: h.ReplySerial,
		Destination: h.Destination,
		Sender:      h.Sender,
		Signature:   h.Signature.String(),
		NumFDs:      h.NumFDs,
	}
}

func (h HeaderFields) toInternalHeader() *header {
	return &header{
		Type:        msgType(h.Type),
		Flags:       h.Flags,
		Version:     1,
		Serial:      h.Serial,
		Path:        ObjectPath(h.Path),
		Interface:   h.Interface,
		Member:      h.Member,
		ErrName:     h.ErrName,
		ReplySerial: h.ReplySerial,
		Destination: h.Destination,
		Sender:      h.Sender,
	}
}

// FrameSink is what WriteMessage needs from a transport connection: a
// byte stream plus a way to attach file descriptors to the write that
// follows.
type FrameSink interface {
	io.Writer
	WriteWithFiles(bs []byte, files []*os.File) (int, error)
}

var encPool = sync.Pool{
	New: func() any { return &fragments.Encoder{} },
}

// WriteMessage marshals hdr and body (body may be nil for a unit
// body) and writes the resulting frame to dst. hdr.Signature,
// hdr.NumFDs are computed from body and overwritten; callers only need
// to set the remaining fields.
func WriteMessage(dst FrameSink, hdr HeaderFields, body any) error {
	var (
		bodyBytes []byte
		files     []*os.File
	)
	if body != nil {
		bodyCtx := withContextPutFiles(context.Background(), &files)
		enc := encPool.Get().(*fragments.Encoder)
		defer encPool.Put(enc)
		*enc = fragments.Encoder{Order: fragments.NativeEndian, Mapper: encoderFor}
		if err := enc.Value(bodyCtx, body); err != nil {
			return fmt.Errorf("encoding message body: %w", err)
		}
		bodyBytes = enc.Out

		sig, err := SignatureOf(body)
		if err != nil {
			return fmt.Errorf("computing message body signature: %w", err)
		}
		hdr.Signature = stripOuterParens(sig.String())
	}
	hdr.NumFDs = uint32(len(files))

	internal := hdr.toInternalHeader()
	internal.Length = uint32(len(bodyBytes))
	if hdr.Signature != "" {
		sig, err := ParseSignature(hdr.Signature)
		if err != nil {
			return fmt.Errorf("invalid body signature %q: %w", hdr.Signature, err)
		}
		internal.Signature = sig
	}

	henc := encPool.Get().(*fragments.Encoder)
	defer encPool.Put(henc)
	*henc = fragments.Encoder{Order: fragments.NativeEndian, Mapper: encoderFor}
	if err := henc.Value(context.Background(), internal); err != nil {
		return fmt.Errorf("encoding message header: %w", err)
	}

	if _, err := dst.WriteWithFiles(henc.Out, files); err != nil {
		return fmt.Errorf("writing message header: %w", err)
	}
	if len(bodyBytes) > 0 {
		if _, err := dst.Write(bodyBytes); err != nil {
			return fmt.Errorf("writing message body: %w", err)
		}
	}
	return nil
}

func stripOuterParens(s string) string {
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		return s[1 : len(s)-1]
	}
	return s
}
