package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ke4ahr/PyFBB/pkg/ax25"
	"github.com/ke4ahr/PyFBB/pkg/kiss"
)

// KISSConfig configures a KISS+AX.25 transport. The TNC is reached either
// over TCP (Address set, as for a networked TNC) or over a caller-supplied
// stream such as an open serial port (Stream set).
type KISSConfig struct {
	Address string             // "host:port" of a KISS-over-TCP TNC
	Stream  io.ReadWriteCloser // Alternative: already-open TNC stream

	Local       string   // Local callsign-SSID
	Remote      string   // Remote callsign-SSID
	Digipeaters []string // Digipeater path, in transmission order

	KISS kiss.Config      // Framer options (checksum mode, TNC address, params)
	Link *ax25.LinkConfig // Link options (nil = DefaultLinkConfig)

	PollSlaves   []byte        // XKISS slave addresses to poll (empty = no polling)
	PollInterval time.Duration // Poll period (0 = kiss.DefaultPollInterval)
}

// KISS is a Transport running an AX.25 connected-mode link over a
// KISS-framed TNC stream
type KISS struct {
	cfg KISSConfig

	stream io.ReadWriteCloser
	framer *kiss.Framer
	link   *ax25.Link
}

// NewKISS creates an unopened KISS transport
func NewKISS(cfg KISSConfig) *KISS {
	return &KISS{cfg: cfg}
}

// Open reaches the TNC, initialises KISS framing and connects the AX.25
// link to the remote station
func (k *KISS) Open(ctx context.Context) error {
	local, err := ax25.ParseAddress(k.cfg.Local)
	if err != nil {
		return &Error{Op: "open", Err: err}
	}
	remote, err := ax25.ParseAddress(k.cfg.Remote)
	if err != nil {
		return &Error{Op: "open", Err: err}
	}

	stream := k.cfg.Stream
	if stream == nil {
		if k.cfg.Address == "" {
			return &Error{Op: "open", Err: fmt.Errorf("address or stream is required")}
		}
		d := net.Dialer{Timeout: 10 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", k.cfg.Address)
		if err != nil {
			return &Error{Op: "open", Err: fmt.Errorf("dial TNC %s: %w", k.cfg.Address, err)}
		}
		stream = conn
	}

	framer, err := kiss.NewFramer(stream, k.cfg.KISS)
	if err != nil {
		stream.Close()
		return &Error{Op: "open", Err: err}
	}

	if len(k.cfg.PollSlaves) > 0 {
		interval := k.cfg.PollInterval
		if interval == 0 {
			interval = kiss.DefaultPollInterval
		}
		if err := framer.StartPolling(k.cfg.PollSlaves, interval); err != nil {
			stream.Close()
			return &Error{Op: "open", Err: err}
		}
	}

	linkCfg := ax25.DefaultLinkConfig(local, remote)
	if k.cfg.Link != nil {
		linkCfg = *k.cfg.Link
		linkCfg.Local = local
		linkCfg.Remote = remote
	}
	for _, digi := range k.cfg.Digipeaters {
		addr, err := ax25.ParseAddress(digi)
		if err != nil {
			stream.Close()
			return &Error{Op: "open", Err: err}
		}
		linkCfg.Path = append(linkCfg.Path, addr)
	}

	link := ax25.NewLink(framer, linkCfg)
	if err := link.Connect(ctx); err != nil {
		framer.StopPolling()
		stream.Close()
		return err // LinkError passes through untouched
	}

	k.stream = stream
	k.framer = framer
	k.link = link
	return nil
}

func (k *KISS) Read(p []byte) (int, error) {
	if k.link == nil {
		return 0, &Error{Op: "read", Err: fmt.Errorf("not open")}
	}
	return k.link.Read(p)
}

func (k *KISS) Write(p []byte) (int, error) {
	if k.link == nil {
		return 0, &Error{Op: "write", Err: fmt.Errorf("not open")}
	}
	return k.link.Write(p)
}

// Close releases the AX.25 link, stops polling and closes the TNC stream
func (k *KISS) Close() error {
	if k.link == nil {
		return nil
	}
	linkErr := k.link.Close()
	k.framer.StopPolling()
	err := k.stream.Close()
	k.link = nil
	if linkErr != nil {
		return linkErr
	}
	return wrapErr("close", err)
}
