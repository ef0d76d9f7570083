package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPConfig configures a TCP transport
type TCPConfig struct {
	Address      string        // "host:port" format
	DialTimeout  time.Duration // Per-attempt dial timeout
	DialRetries  int           // Additional dial attempts after the first
	RetryDelay   time.Duration // Delay between dial attempts
	ReadTimeout  time.Duration // Read timeout (0 = DefaultReadTimeout)
	WriteTimeout time.Duration // Write timeout (0 = no timeout)
}

// DefaultTCPConfig returns a TCP configuration for the given address
func DefaultTCPConfig(address string) TCPConfig {
	return TCPConfig{
		Address:     address,
		DialTimeout: 10 * time.Second,
		DialRetries: 2,
		RetryDelay:  5 * time.Second,
		ReadTimeout: DefaultReadTimeout,
	}
}

// TCP is a Transport over a plain TCP connection
type TCP struct {
	cfg TCPConfig

	connLock sync.RWMutex
	conn     net.Conn
}

// NewTCP creates an unopened TCP transport
func NewTCP(cfg TCPConfig) *TCP {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &TCP{cfg: cfg}
}

// Open dials the remote address, retrying per configuration
func (t *TCP) Open(ctx context.Context) error {
	if t.cfg.Address == "" {
		return &Error{Op: "open", Err: fmt.Errorf("address is required")}
	}

	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	var lastErr error
	for attempt := 0; attempt <= t.cfg.DialRetries; attempt++ {
		if attempt > 0 && t.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return &Error{Op: "open", Err: ctx.Err()}
			case <-time.After(t.cfg.RetryDelay):
			}
		}

		conn, err := d.DialContext(ctx, "tcp", t.cfg.Address)
		if err == nil {
			t.connLock.Lock()
			t.conn = conn
			t.connLock.Unlock()
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return &Error{Op: "open", Err: fmt.Errorf("dial %s: %w", t.cfg.Address, lastErr)}
}

func (t *TCP) current() (net.Conn, error) {
	t.connLock.RLock()
	defer t.connLock.RUnlock()
	if t.conn == nil {
		return nil, &Error{Op: "read", Err: fmt.Errorf("not open")}
	}
	return t.conn, nil
}

func (t *TCP) Read(p []byte) (int, error) {
	conn, err := t.current()
	if err != nil {
		return 0, err
	}
	if t.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	n, err := conn.Read(p)
	return n, wrapErr("read", err)
}

func (t *TCP) Write(p []byte) (int, error) {
	conn, err := t.current()
	if err != nil {
		return 0, err
	}
	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	n, err := conn.Write(p)
	return n, wrapErr("write", err)
}

// Close shuts the connection down
func (t *TCP) Close() error {
	t.connLock.Lock()
	defer t.connLock.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return wrapErr("close", err)
}

// RemoteAddr returns the remote address of the open connection
func (t *TCP) RemoteAddr() net.Addr {
	t.connLock.RLock()
	defer t.connLock.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}
