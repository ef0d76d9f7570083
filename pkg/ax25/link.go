package ax25

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/ke4ahr/PyFBB/pkg/internal/logger"
	"github.com/ke4ahr/PyFBB/pkg/kiss"
)

// LinkConfig configures a connected-mode data link
type LinkConfig struct {
	Local      Address       // Local station
	Remote     Address       // Remote station
	Path       []Address     // Digipeater path, in transmission order
	WindowSize int           // k, at most 7 for modulo-8
	T1         time.Duration // Retransmission timer
	MaxRetries int           // N2
	MaxIField  int           // I-frame payload segmentation limit
	Logger     logger.Logger
}

// DefaultLinkConfig returns the conventional v2.0 defaults
func DefaultLinkConfig(local, remote Address) LinkConfig {
	return LinkConfig{
		Local:      local,
		Remote:     remote,
		WindowSize: DefaultWindowSize,
		T1:         DefaultT1,
		MaxRetries: DefaultMaxRetries,
		MaxIField:  DefaultMaxIField,
	}
}

// Link is an AX.25 v2.0 connected-mode data link over a KISS framer. It
// implements a byte-stream Read/Write on top of windowed I-frame exchange
// with T1 retransmission.
type Link struct {
	framer *kiss.Framer
	cfg    LinkConfig
	log    logger.Logger

	mu   sync.Mutex
	cond *sync.Cond

	state    State
	vs       int // V(S) send state variable
	vr       int // V(R) receive state variable
	va       int // V(A) acknowledge state variable
	unacked  [Modulus][]byte
	retry    int
	peerBusy bool
	rejSent  bool

	recvBuf bytes.Buffer
	linkErr error

	t1gen    uint64
	t1timer  *time.Timer
	t1active bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLink creates a link over the given framer. The framer's read side
// becomes owned by the link once Connect is called.
func NewLink(framer *kiss.Framer, cfg LinkConfig) *Link {
	if cfg.WindowSize <= 0 || cfg.WindowSize > Modulus-1 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.T1 <= 0 {
		cfg.T1 = DefaultT1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxIField <= 0 {
		cfg.MaxIField = DefaultMaxIField
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Component("ax25")
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		framer: framer,
		cfg:    cfg,
		log:    cfg.Logger,
		state:  StateDisconnected,
		ctx:    ctx,
		cancel: cancel,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// State returns the current data-link state
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connect establishes the link with SABM and waits for UA
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateDisconnected {
		l.mu.Unlock()
		return &LinkError{Reason: "connect in state " + l.state.String()}
	}
	l.state = StateAwaitingConnect
	l.retry = 0
	l.linkErr = nil

	l.wg.Add(1)
	go l.readLoop()

	l.log.Info("SABM %s>%s", l.cfg.Local, l.cfg.Remote)
	l.sendControl(CtrlSABM|PollFinal, true)
	l.startT1()

	stop := l.wakeOnDone(ctx)
	defer stop()

	for l.state == StateAwaitingConnect && ctx.Err() == nil {
		l.cond.Wait()
	}
	err := l.linkErr
	connected := l.state == StateConnected
	l.mu.Unlock()

	if connected {
		return nil
	}
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrConnectTimeout
}

// Write segments p into I-frames, blocking while the send window is full or
// the peer has asserted RNR
func (l *Link) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := l.cfg.MaxIField
		if n > len(p) {
			n = len(p)
		}
		if err := l.writeSegment(p[:n]); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (l *Link) writeSegment(seg []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if l.linkErr != nil {
			return l.linkErr
		}
		if l.state != StateConnected && l.state != StateTimerRecovery {
			return ErrNotConnected
		}
		window := (l.vs - l.va + Modulus) % Modulus
		if l.state == StateConnected && !l.peerBusy && window < l.cfg.WindowSize {
			break
		}
		l.cond.Wait()
	}

	info := append([]byte(nil), seg...)
	l.unacked[l.vs] = info
	l.sendI(l.vs, info)
	l.vs = (l.vs + 1) % Modulus
	if !l.t1active {
		l.startT1()
	}
	return nil
}

// Read returns up to len(p) bytes of delivered I-frame payload, in N(S)
// order. It blocks until data arrives, the link fails, or it is released.
func (l *Link) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.recvBuf.Len() == 0 {
		if l.linkErr != nil {
			return 0, l.linkErr
		}
		if l.state == StateDisconnected {
			return 0, io.EOF
		}
		l.cond.Wait()
	}
	return l.recvBuf.Read(p)
}

// Close releases the link with DISC and stops the reader
func (l *Link) Close() error {
	l.mu.Lock()
	if l.state == StateConnected || l.state == StateTimerRecovery {
		l.state = StateAwaitingRelease
		l.retry = 0
		l.log.Info("DISC %s>%s", l.cfg.Local, l.cfg.Remote)
		l.sendControl(CtrlDISC|PollFinal, true)
		l.startT1()

		deadline := time.Now().Add(l.cfg.T1 * time.Duration(l.cfg.MaxRetries))
		for l.state == StateAwaitingRelease && time.Now().Before(deadline) {
			l.cond.Wait()
		}
	}
	l.state = StateDisconnected
	l.stopT1()
	l.mu.Unlock()

	l.cancel()
	l.cond.Broadcast()
	return nil
}

// readLoop consumes KISS data frames and feeds the state machine
func (l *Link) readLoop() {
	defer l.wg.Done()

	for l.ctx.Err() == nil {
		cmd, payload, err := l.framer.ReadFrame()
		if err != nil {
			l.mu.Lock()
			if l.linkErr == nil && l.state != StateDisconnected {
				l.linkErr = &LinkError{Reason: "framer read: " + err.Error()}
			}
			l.state = StateDisconnected
			l.stopT1()
			l.cond.Broadcast()
			l.mu.Unlock()
			return
		}
		if cmd&0x0F != kiss.CmdData {
			continue
		}

		f, err := ParseFrame(payload)
		if err != nil {
			// Corrupted frames are dropped at this layer
			l.log.Debug("dropping frame: %v", err)
			continue
		}
		if f.Dst != l.cfg.Local || f.Src != l.cfg.Remote {
			continue
		}

		l.mu.Lock()
		l.handleFrame(f)
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

// handleFrame runs one event through the state machine. Caller holds mu.
func (l *Link) handleFrame(f *Frame) {
	switch {
	case f.IsU():
		l.handleU(f)
	case f.IsS():
		l.handleS(f)
	case f.IsI():
		l.handleI(f)
	}
}

func (l *Link) handleU(f *Frame) {
	switch f.Control &^ PollFinal {
	case CtrlUA:
		switch l.state {
		case StateAwaitingConnect:
			l.log.Info("UA received, link up")
			l.state = StateConnected
			l.vs, l.vr, l.va = 0, 0, 0
			l.retry = 0
			l.stopT1()
		case StateAwaitingRelease:
			l.log.Info("UA received, link released")
			l.state = StateDisconnected
			l.stopT1()
		}

	case CtrlDM:
		switch l.state {
		case StateAwaitingConnect:
			l.log.Warn("DM received, connection refused")
			l.fail(ErrConnectionRefused)
		case StateAwaitingRelease:
			l.state = StateDisconnected
			l.stopT1()
		case StateConnected, StateTimerRecovery:
			l.log.Warn("DM received mid-session")
			l.fail(ErrDisconnectedPeer)
		}

	case CtrlDISC:
		fbit := byte(0)
		if f.PF() {
			fbit = PollFinal
		}
		l.sendControl(CtrlUA|fbit, false)
		if l.state == StateConnected || l.state == StateTimerRecovery {
			l.log.Warn("DISC received mid-session")
			l.fail(ErrDisconnectedPeer)
		} else {
			l.state = StateDisconnected
			l.stopT1()
		}

	case CtrlSABM:
		// Inbound connections are not accepted on a client link
		l.sendControl(CtrlDM|PollFinal, false)
	}
}

func (l *Link) handleS(f *Frame) {
	if l.state != StateConnected && l.state != StateTimerRecovery {
		return
	}
	nr := f.NR()

	switch f.Control & 0x0F {
	case CtrlRR, CtrlRNR:
		busy := f.Control&0x0F == CtrlRNR
		if busy {
			l.log.Warn("RNR received, peer busy")
		}
		l.peerBusy = busy
		l.ack(nr)
		if l.state == StateTimerRecovery && !f.Command && f.PF() {
			// F=1 clears recovery; resend everything outstanding
			l.state = StateConnected
			l.retry = 0
			l.retransmitFrom(l.va)
		} else if f.Command && f.PF() {
			l.sendRR(false, true)
		}

	case CtrlREJ:
		l.log.Warn("REJ N(R)=%d, retransmitting", nr)
		l.peerBusy = false
		l.ack(nr)
		l.retransmitFrom(nr)
	}
}

func (l *Link) handleI(f *Frame) {
	if l.state != StateConnected && l.state != StateTimerRecovery {
		return
	}
	l.ack(f.NR())

	if f.NS() == l.vr {
		l.vr = (l.vr + 1) % Modulus
		l.rejSent = false
		l.recvBuf.Write(f.Info)
		l.sendRR(false, f.PF())
	} else if !l.rejSent {
		l.log.Warn("I-frame N(S)=%d out of sequence, expected %d", f.NS(), l.vr)
		l.sendREJ()
		l.rejSent = true
	}
}

// ack processes N(R): advances V(A), releases acknowledged I-frames, and
// manages T1. Caller holds mu.
func (l *Link) ack(nr int) {
	// nr must lie in [va, vs] on the modulo-8 circle
	if (nr-l.va+Modulus)%Modulus > (l.vs-l.va+Modulus)%Modulus {
		return
	}
	for l.va != nr {
		l.unacked[l.va] = nil
		l.va = (l.va + 1) % Modulus
	}
	if l.va == l.vs {
		l.stopT1()
		l.retry = 0
	} else {
		l.startT1()
	}
}

// retransmitFrom resends stored I-frames from ns up to V(S)
func (l *Link) retransmitFrom(ns int) {
	for i := ns; i != l.vs; i = (i + 1) % Modulus {
		if l.unacked[i] != nil {
			l.sendI(i, l.unacked[i])
		}
	}
	if l.va != l.vs {
		l.startT1()
	}
}

// onT1 handles a T1 expiry for the given timer generation
func (l *Link) onT1(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.t1gen || !l.t1active {
		return
	}
	l.t1active = false

	switch l.state {
	case StateAwaitingConnect:
		if l.retry < l.cfg.MaxRetries {
			l.retry++
			l.log.Warn("T1 expiry, resending SABM (retry %d)", l.retry)
			l.sendControl(CtrlSABM|PollFinal, true)
			l.startT1()
		} else {
			l.log.Error("T1 expiry, link setup failed")
			l.fail(ErrConnectTimeout)
		}

	case StateConnected:
		l.log.Warn("T1 expiry, entering timer recovery")
		l.state = StateTimerRecovery
		l.retry = 0
		l.sendRR(true, true)
		l.startT1()

	case StateTimerRecovery:
		if l.retry < l.cfg.MaxRetries {
			l.retry++
			l.log.Warn("T1 expiry in recovery (retry %d)", l.retry)
			l.sendRR(true, true)
			l.startT1()
		} else {
			l.log.Error("T1 expiry, retries exhausted")
			l.sendControl(CtrlDM|PollFinal, false)
			l.fail(ErrRetriesExhausted)
		}

	case StateAwaitingRelease:
		if l.retry < l.cfg.MaxRetries {
			l.retry++
			l.sendControl(CtrlDISC|PollFinal, true)
			l.startT1()
		} else {
			l.state = StateDisconnected
		}
	}
	l.cond.Broadcast()
}

// fail records a fatal link error. Caller holds mu.
func (l *Link) fail(err error) {
	if l.linkErr == nil {
		l.linkErr = err
	}
	l.state = StateDisconnected
	l.stopT1()
	l.cond.Broadcast()
}

func (l *Link) startT1() {
	l.t1gen++
	gen := l.t1gen
	l.t1active = true
	if l.t1timer != nil {
		l.t1timer.Stop()
	}
	l.t1timer = time.AfterFunc(l.cfg.T1, func() { l.onT1(gen) })
}

func (l *Link) stopT1() {
	l.t1gen++
	l.t1active = false
	if l.t1timer != nil {
		l.t1timer.Stop()
	}
}

// sendI transmits an I-frame with the current V(R)
func (l *Link) sendI(ns int, info []byte) {
	ctrl := byte(l.vr<<5) | byte(ns<<1)
	f := &Frame{
		Dst:     l.cfg.Remote,
		Src:     l.cfg.Local,
		Path:    l.digis(),
		Command: true,
		Control: ctrl,
		PID:     PIDNoLayer3,
		Info:    info,
	}
	l.transmit(f)
}

// sendRR transmits RR with the current V(R); poll sends it as a command
// with P=1, otherwise as a response with F per final
func (l *Link) sendRR(poll, final bool) {
	ctrl := CtrlRR | byte(l.vr<<5)
	if poll || final {
		ctrl |= PollFinal
	}
	f := &Frame{
		Dst:     l.cfg.Remote,
		Src:     l.cfg.Local,
		Path:    l.digis(),
		Command: poll,
		Control: ctrl,
	}
	l.transmit(f)
}

func (l *Link) sendREJ() {
	f := &Frame{
		Dst:     l.cfg.Remote,
		Src:     l.cfg.Local,
		Path:    l.digis(),
		Command: false,
		Control: CtrlREJ | byte(l.vr<<5),
	}
	l.transmit(f)
}

func (l *Link) sendControl(ctrl byte, command bool) {
	f := &Frame{
		Dst:     l.cfg.Remote,
		Src:     l.cfg.Local,
		Path:    l.digis(),
		Command: command,
		Control: ctrl,
	}
	l.transmit(f)
}

func (l *Link) digis() []Digi {
	if len(l.cfg.Path) == 0 {
		return nil
	}
	out := make([]Digi, len(l.cfg.Path))
	for i, a := range l.cfg.Path {
		out[i] = Digi{Address: a}
	}
	return out
}

func (l *Link) transmit(f *Frame) {
	data, err := f.Marshal()
	if err != nil {
		l.log.Error("marshal: %v", err)
		return
	}
	if err := l.framer.WriteData(data); err != nil {
		l.log.Error("write: %v", err)
		if l.linkErr == nil {
			l.linkErr = &LinkError{Reason: "write: " + err.Error()}
		}
	}
}

// wakeOnDone broadcasts the condition when ctx is cancelled so waiters can
// observe it; the returned stop function releases the watcher
func (l *Link) wakeOnDone(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.cond.Broadcast()
		case <-done:
		}
	}()
	return func() { close(done) }
}
