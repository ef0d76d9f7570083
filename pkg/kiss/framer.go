package kiss

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/ke4ahr/PyFBB/pkg/internal/logger"
)

// Framer reads and writes KISS/XKISS frames over a byte stream. The stream
// is typically a serial port or a TCP connection to a network TNC; any
// io.ReadWriter will do.
//
// The write path is shared between the caller and the poll scheduler and is
// serialised at the frame boundary.
type Framer struct {
	rw  io.ReadWriter
	br  *bufio.Reader
	cfg Config
	log logger.Logger

	writeMu sync.Mutex

	// Invoked on checksum mismatch before the frame is discarded
	ChecksumWarn func(frame []byte)

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup

	closed bool
}

// NewFramer creates a Framer over rw and emits the configured parameter
// frames unless Params.Ignore is set
func NewFramer(rw io.ReadWriter, cfg Config) (*Framer, error) {
	if cfg.Address > MaxTNCAddress {
		return nil, ErrInvalidAddress
	}

	f := &Framer{
		rw:  rw,
		br:  bufio.NewReader(rw),
		cfg: cfg,
		log: logger.Component("kiss"),
	}

	if !cfg.Params.Ignore {
		if err := f.sendParams(); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// sendParams emits parameter frames 0x01..0x06 in order
func (f *Framer) sendParams() error {
	params := []struct {
		cmd byte
		val byte
	}{
		{CmdTXDelay, f.cfg.Params.TXDelay},
		{CmdPersist, f.cfg.Params.Persistence},
		{CmdSlotTime, f.cfg.Params.SlotTime},
		{CmdTXTail, f.cfg.Params.TXTail},
		{CmdFullDuplex, f.cfg.Params.FullDuplex},
		{CmdHardware, f.cfg.Params.Hardware},
	}
	for _, p := range params {
		if err := f.WriteFrame(p.cmd, []byte{p.val}); err != nil {
			return err
		}
	}
	return nil
}

// Escape applies KISS transparency escaping in a single pass
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	for _, b := range data {
		switch b {
		case FEND:
			out = append(out, FESC, TFEND)
		case FESC:
			out = append(out, FESC, TFESC)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Unescape reverses KISS transparency escaping. Unknown escape sequences
// pass the escaped byte through unchanged.
func Unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	escaped := false
	for _, b := range data {
		if escaped {
			switch b {
			case TFEND:
				out = append(out, FEND)
			case TFESC:
				out = append(out, FESC)
			default:
				out = append(out, b)
			}
			escaped = false
			continue
		}
		if b == FESC {
			escaped = true
			continue
		}
		out = append(out, b)
	}
	return out
}

// WriteFrame sends one frame. cmd is the full command byte (address nibble
// plus command nibble); payload may be empty for poll frames.
func (f *Framer) WriteFrame(cmd byte, payload []byte) error {
	body := make([]byte, 0, len(payload)+2)
	body = append(body, cmd)
	body = append(body, payload...)

	if f.cfg.UseChecksum {
		var sum byte
		for _, b := range body {
			sum += b
		}
		body = append(body, sum)
	}

	frame := make([]byte, 0, len(body)+4)
	frame = append(frame, FEND)
	frame = append(frame, Escape(body)...)
	frame = append(frame, FEND)

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, err := f.rw.Write(frame)
	if err == nil {
		f.log.Debug("sent frame cmd=0x%02X len=%d", cmd, len(payload))
	}
	return err
}

// ReadFrame reads the next valid frame and returns its command byte and
// payload. Frames failing the checksum are discarded without error; the
// ChecksumWarn hook, when set, sees the raw frame first.
func (f *Framer) ReadFrame() (byte, []byte, error) {
	var raw []byte
	inFrame := false

	for {
		b, err := f.br.ReadByte()
		if err != nil {
			return 0, nil, err
		}

		if b == FEND {
			if inFrame && len(raw) > 0 {
				frame := Unescape(raw)
				if len(frame) < 1 {
					raw = raw[:0]
					continue
				}

				if f.cfg.UseChecksum {
					if len(frame) < 2 {
						raw = raw[:0]
						continue
					}
					var sum byte
					for _, v := range frame[:len(frame)-1] {
						sum += v
					}
					if sum != frame[len(frame)-1] {
						f.log.Warn("checksum mismatch, frame discarded")
						if f.ChecksumWarn != nil {
							f.ChecksumWarn(frame)
						}
						raw = raw[:0]
						continue
					}
					frame = frame[:len(frame)-1]
				}

				f.log.Debug("received frame cmd=0x%02X len=%d", frame[0], len(frame)-1)
				return frame[0], frame[1:], nil
			}
			inFrame = true
			raw = raw[:0]
			continue
		}

		if inFrame {
			raw = append(raw, b)
		}
	}
}

// StartPolling begins XKISS master polling of the given slave addresses.
// Every interval one poll frame is sent per slave, in order. A second call
// while polling is active is a no-op.
func (f *Framer) StartPolling(slaves []byte, interval time.Duration) error {
	if len(slaves) == 0 {
		return ErrNoSlaves
	}
	for _, a := range slaves {
		if a > MaxTNCAddress {
			return ErrInvalidAddress
		}
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	f.pollMu.Lock()
	defer f.pollMu.Unlock()
	if f.pollCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.pollCancel = cancel

	addrs := make([]byte, len(slaves))
	copy(addrs, slaves)

	f.pollWG.Add(1)
	go f.pollLoop(ctx, addrs, interval)

	f.log.Info("polling started for %d slaves every %v", len(addrs), interval)
	return nil
}

// StopPolling stops the poll scheduler and waits for it to exit
func (f *Framer) StopPolling() {
	f.pollMu.Lock()
	cancel := f.pollCancel
	f.pollCancel = nil
	f.pollMu.Unlock()

	if cancel != nil {
		cancel()
		f.pollWG.Wait()
		f.log.Info("polling stopped")
	}
}

// pollLoop emits poll frames round-robin until cancelled
func (f *Framer) pollLoop(ctx context.Context, slaves []byte, interval time.Duration) {
	defer f.pollWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range slaves {
				if err := f.WriteFrame((addr<<4)|CmdPoll, nil); err != nil {
					f.log.Error("poll write failed: %v", err)
					return
				}
			}
		}
	}
}

// WriteData sends a data frame addressed with the configured multi-drop
// address
func (f *Framer) WriteData(payload []byte) error {
	return f.WriteFrame((f.cfg.Address<<4)|CmdData, payload)
}

// Close stops polling and closes the underlying stream when it supports
// closing
func (f *Framer) Close() error {
	f.StopPolling()
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if c, ok := f.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
