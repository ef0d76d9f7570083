// Package transport provides the byte-stream contract the FBB session
// engine runs over, with implementations for plain TCP, QUIC, SSH,
// KISS+AX.25 and AGWPE.
package transport

import (
	"context"
	"fmt"
	"io"
	"time"
)

// DefaultReadTimeout applies to Read when a transport is created without
// an explicit timeout.
const DefaultReadTimeout = 30 * time.Second

// Transport is a reliable, ordered byte stream between two stations. Open
// establishes the underlying connection; Read and Write may only be called
// after a successful Open. All failures surface as *Error.
type Transport interface {
	Open(ctx context.Context) error
	io.ReadWriteCloser
}

// Error wraps any transport-level failure: dial errors, timeouts, peer
// closing mid-stream
type Error struct {
	Op  string // "open", "read", "write" or "close"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapErr converts err into a *Error unless it already is one or is a
// clean EOF
func wrapErr(op string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Op: op, Err: err}
}
