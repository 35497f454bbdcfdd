package driver

import (
	"bytes"
	"os"
)

// frameBuffer is a minimal wire.FrameSink for messages the driver
// originates itself (replies and signals): none of those ever carry
// file descriptors, so WriteWithFiles just writes.
type frameBuffer struct {
	bytes.Buffer
}

func (f *frameBuffer) WriteWithFiles(bs []byte, files []*os.File) (int, error) {
	return f.Write(bs)
}
