package transport

import (
	"context"
	"fmt"
	"io"
)

// Stream adapts an already-open byte stream to the Transport contract.
// Useful for serial ports opened by the caller and for tests driving a
// session over an in-memory pipe.
type Stream struct {
	rwc io.ReadWriteCloser
}

// NewStream wraps rwc as a Transport whose Open is a no-op
func NewStream(rwc io.ReadWriteCloser) *Stream {
	return &Stream{rwc: rwc}
}

func (s *Stream) Open(ctx context.Context) error {
	if s.rwc == nil {
		return &Error{Op: "open", Err: fmt.Errorf("nil stream")}
	}
	return nil
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.rwc.Read(p)
	return n, wrapErr("read", err)
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.rwc.Write(p)
	return n, wrapErr("write", err)
}

func (s *Stream) Close() error {
	return wrapErr("close", s.rwc.Close())
}
