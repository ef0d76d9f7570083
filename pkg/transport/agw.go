package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ke4ahr/PyFBB/pkg/agwpe"
)

// AGWConfig configures an AGWPE transport. The AGW engine runs the AX.25
// link itself; this transport registers the local callsign and exchanges
// connected-mode data frames.
type AGWConfig struct {
	Address string // "host:port" of the AGWPE engine, typically port 8000
	Local   string // Local callsign-SSID
	Remote  string // Remote callsign-SSID
	Port    uint32 // AGWPE radio port
	Monitor bool   // Subscribe to monitored frames
}

// AGW is a Transport over an AGWPE SoundCard-TNC engine
type AGW struct {
	cfg  AGWConfig
	conn net.Conn
	tnc  *agwpe.TNC
}

// NewAGW creates an unopened AGWPE transport
func NewAGW(cfg AGWConfig) *AGW {
	return &AGW{cfg: cfg}
}

// Open dials the engine, registers the callsign and starts the connected
// AX.25 link to the remote station
func (a *AGW) Open(ctx context.Context) error {
	if a.cfg.Address == "" {
		return &Error{Op: "open", Err: fmt.Errorf("address is required")}
	}

	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", a.cfg.Address)
	if err != nil {
		return &Error{Op: "open", Err: fmt.Errorf("dial engine %s: %w", a.cfg.Address, err)}
	}

	tnc, err := agwpe.NewTNC(conn, agwpe.Config{
		LocalCall:     a.cfg.Local,
		Port:          a.cfg.Port,
		EnableMonitor: a.cfg.Monitor,
	})
	if err != nil {
		conn.Close()
		return &Error{Op: "open", Err: err}
	}

	if err := tnc.Connect(a.cfg.Remote); err != nil {
		tnc.Close()
		return &Error{Op: "open", Err: err}
	}

	a.conn = conn
	a.tnc = tnc
	return nil
}

func (a *AGW) Read(p []byte) (int, error) {
	if a.tnc == nil {
		return 0, &Error{Op: "read", Err: fmt.Errorf("not open")}
	}
	n, err := a.tnc.Read(p)
	return n, wrapErr("read", err)
}

func (a *AGW) Write(p []byte) (int, error) {
	if a.tnc == nil {
		return 0, &Error{Op: "write", Err: fmt.Errorf("not open")}
	}
	n, err := a.tnc.Write(p)
	return n, wrapErr("write", err)
}

// Close releases the link and the engine connection
func (a *AGW) Close() error {
	if a.tnc == nil {
		return nil
	}
	a.tnc.Disconnect()
	err := a.tnc.Close()
	a.tnc = nil
	return wrapErr("close", err)
}
