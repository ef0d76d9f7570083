package agwpe

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ke4ahr/PyFBB/pkg/internal/logger"
)

// TNC errors
var (
	ErrRegistrationFailed = errors.New("agwpe: callsign registration refused")
	ErrNotConnected       = errors.New("agwpe: no connected link")
	ErrClosed             = errors.New("agwpe: TNC closed")
)

// Config configures a SoundCard-TNC client
type Config struct {
	LocalCall     string        // Callsign registered with the engine
	Port          uint32        // AGWPE radio port
	EnableMonitor bool          // Subscribe to monitored frames after login
	ReplyTimeout  time.Duration // Handshake reply timeout
	Logger        logger.Logger
}

// TNC speaks the AGWPE framed protocol over a byte stream. The AGW engine
// runs the AX.25 link itself; the TNC exposes the connected-mode data as a
// stream of 'D' payloads.
type TNC struct {
	rw  io.ReadWriteCloser
	br  *bufio.Reader
	cfg Config
	log logger.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	cond      *sync.Cond
	recvBuf   bytes.Buffer
	connected bool
	remote    string // connected peer, addressed in 'D' and 'd' frames
	closed    bool
	readErr   error
	replies   chan Frame

	// MonitorHook, when set, receives monitored frames ('I', 'S', 'T',
	// 'U') as they arrive
	MonitorHook func(Frame)

	wg sync.WaitGroup
}

// NewTNC creates a TNC client over rw and performs the registration
// handshake: 'X' with the local callsign, awaiting the 'X' reply. Monitoring
// is enabled afterwards when configured.
func NewTNC(rw io.ReadWriteCloser, cfg Config) (*TNC, error) {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Component("agwpe")
	}

	t := &TNC{
		rw:      rw,
		br:      bufio.NewReader(rw),
		cfg:     cfg,
		log:     cfg.Logger,
		replies: make(chan Frame, 8),
	}
	t.cond = sync.NewCond(&t.mu)

	t.wg.Add(1)
	go t.readLoop()

	if err := t.register(); err != nil {
		t.Close()
		return nil, err
	}
	if cfg.EnableMonitor {
		if err := t.writeFrame(NewFrame(cfg.Port, KindMonitor, cfg.LocalCall, "", nil)); err != nil {
			t.Close()
			return nil, err
		}
		t.log.Info("monitoring enabled")
	}
	return t, nil
}

// register performs the 'X' application login
func (t *TNC) register() error {
	f := NewFrame(t.cfg.Port, KindRegister, t.cfg.LocalCall, "", nil)
	if err := t.writeFrame(f); err != nil {
		return err
	}

	reply, err := t.awaitReply(KindRegister)
	if err != nil {
		return err
	}
	if len(reply.Data) < 1 || reply.Data[0] != 1 {
		return ErrRegistrationFailed
	}
	t.log.Info("registered as %s", t.cfg.LocalCall)
	return nil
}

// Connect asks the AGW engine to open a connected AX.25 link to remote
func (t *TNC) Connect(remote string) error {
	f := NewFrame(t.cfg.Port, KindConnect, t.cfg.LocalCall, remote, nil)
	if err := t.writeFrame(f); err != nil {
		return err
	}

	if _, err := t.awaitReply(KindConnect); err != nil {
		return err
	}

	t.mu.Lock()
	t.connected = true
	t.remote = remote
	t.mu.Unlock()
	t.log.Info("link up %s>%s", t.cfg.LocalCall, remote)
	return nil
}

// awaitReply waits for the next handshake frame of the given kind
func (t *TNC) awaitReply(kind byte) (Frame, error) {
	deadline := time.After(t.cfg.ReplyTimeout)
	for {
		select {
		case f, ok := <-t.replies:
			if !ok {
				return Frame{}, ErrClosed
			}
			if f.DataKind == kind {
				return f, nil
			}
			// Unrelated handshake traffic ('R', 'G') is skipped
		case <-deadline:
			return Frame{}, fmt.Errorf("agwpe: timeout awaiting '%c' reply", kind)
		}
	}
}

// Write sends connected-mode data as a 'D' frame
func (t *TNC) Write(p []byte) (int, error) {
	t.mu.Lock()
	connected := t.connected
	remote := t.remote
	t.mu.Unlock()
	if !connected {
		return 0, ErrNotConnected
	}

	f := NewFrame(t.cfg.Port, KindData, t.cfg.LocalCall, remote, p)
	if err := t.writeFrame(f); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns buffered connected-mode data, blocking until some arrives
func (t *TNC) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.recvBuf.Len() == 0 {
		if t.readErr != nil {
			return 0, t.readErr
		}
		if t.closed {
			return 0, io.EOF
		}
		t.cond.Wait()
	}
	return t.recvBuf.Read(p)
}

// Disconnect releases the AX.25 link
func (t *TNC) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	remote := t.remote
	t.mu.Unlock()
	return t.writeFrame(NewFrame(t.cfg.Port, KindDisconnect, t.cfg.LocalCall, remote, nil))
}

// Close releases the link and the underlying stream
func (t *TNC) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()

	err := t.rw.Close()
	t.wg.Wait()
	return err
}

// writeFrame serialises and sends one frame under the write lock
func (t *TNC) writeFrame(f Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.rw.Write(data)
	return err
}

// readLoop demultiplexes inbound frames: 'D' payloads feed the stream
// buffer, monitored frames go to the hook, handshake replies to the reply
// channel, 'd' marks the link down
func (t *TNC) readLoop() {
	defer t.wg.Done()
	defer close(t.replies)

	for {
		f, err := t.readFrame()
		if err != nil {
			t.mu.Lock()
			if !t.closed {
				t.readErr = err
			}
			t.cond.Broadcast()
			t.mu.Unlock()
			return
		}

		switch f.DataKind {
		case KindData:
			t.mu.Lock()
			t.recvBuf.Write(f.Data)
			t.cond.Broadcast()
			t.mu.Unlock()

		case KindDisconnect:
			t.log.Info("link released by engine")
			t.mu.Lock()
			t.connected = false
			t.readErr = io.EOF
			t.cond.Broadcast()
			t.mu.Unlock()

		case KindMonInfo, KindMonSuper, KindMonOwn, KindMonUnnum:
			if t.MonitorHook != nil {
				t.MonitorHook(f)
			}

		default:
			select {
			case t.replies <- f:
			default:
				t.log.Debug("dropping unconsumed '%c' frame", f.DataKind)
			}
		}
	}
}

// readFrame reads exactly one header and its payload
func (t *TNC) readFrame() (Frame, error) {
	buf := make([]byte, HeaderLen)
	if _, err := io.ReadFull(t.br, buf); err != nil {
		return Frame{}, err
	}

	length := int(binary.LittleEndian.Uint32(buf[28:32]))
	if length > 0 {
		data := make([]byte, length)
		if _, err := io.ReadFull(t.br, data); err != nil {
			return Frame{}, err
		}
		buf = append(buf, data...)
	}

	return Unmarshal(buf)
}
