package ax25

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ke4ahr/PyFBB/pkg/kiss"
)

var (
	testLocal  = MustParseAddress("KE4AHR")
	testRemote = MustParseAddress("W1AW")
)

// fakePeer is the remote station: it parses every KISS data frame off the
// wire into a channel and can inject frames back toward the link
type fakePeer struct {
	framer *kiss.Framer
	frames chan *Frame
}

func newLinkPair(t *testing.T, cfg LinkConfig) (*Link, *fakePeer) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	kcfg := kiss.Config{Params: kiss.DefaultParams()}
	kcfg.Params.Ignore = true

	lf, err := kiss.NewFramer(a, kcfg)
	if err != nil {
		t.Fatalf("NewFramer failed: %v", err)
	}
	pf, err := kiss.NewFramer(b, kcfg)
	if err != nil {
		t.Fatalf("NewFramer failed: %v", err)
	}

	p := &fakePeer{framer: pf, frames: make(chan *Frame, 64)}
	go p.drain()

	cfg.Local = testLocal
	cfg.Remote = testRemote
	return NewLink(lf, cfg), p
}

func (p *fakePeer) drain() {
	for {
		cmd, payload, err := p.framer.ReadFrame()
		if err != nil {
			close(p.frames)
			return
		}
		if cmd&0x0F != kiss.CmdData {
			continue
		}
		f, err := ParseFrame(payload)
		if err != nil {
			continue
		}
		p.frames <- f
	}
}

func (p *fakePeer) next(d time.Duration) *Frame {
	select {
	case f, ok := <-p.frames:
		if !ok {
			return nil
		}
		return f
	case <-time.After(d):
		return nil
	}
}

// reply sends a frame from the remote station toward the link
func (p *fakePeer) reply(ctrl byte, command bool, info []byte) {
	f := &Frame{
		Dst:     testLocal,
		Src:     testRemote,
		Command: command,
		Control: ctrl,
	}
	if f.IsI() {
		f.PID = PIDNoLayer3
		f.Info = info
	}
	data, err := f.Marshal()
	if err != nil {
		return
	}
	p.framer.WriteData(data)
}

// serveConnect consumes frames until SABM arrives, then grants the link
func (p *fakePeer) serveConnect(t *testing.T) {
	t.Helper()
	for {
		f := p.next(2 * time.Second)
		if f == nil {
			t.Error("no SABM seen")
			return
		}
		if f.IsU() && f.Control&^PollFinal == CtrlSABM {
			if !f.Command || !f.PF() {
				t.Errorf("SABM command=%v PF=%v", f.Command, f.PF())
			}
			p.reply(CtrlUA|PollFinal, false, nil)
			return
		}
	}
}

func connectTestLink(t *testing.T, cfg LinkConfig) (*Link, *fakePeer) {
	t.Helper()
	l, p := newLinkPair(t, cfg)
	go p.serveConnect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if l.State() != StateConnected {
		t.Fatalf("state = %v after connect", l.State())
	}
	return l, p
}

func TestLinkConnectHandshake(t *testing.T) {
	connectTestLink(t, LinkConfig{T1: time.Second})
}

func TestLinkConnectRefusedWithDM(t *testing.T) {
	l, p := newLinkPair(t, LinkConfig{T1: time.Second})
	go func() {
		if f := p.next(2 * time.Second); f != nil {
			p.reply(CtrlDM|PollFinal, false, nil)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Connect(ctx); err != ErrConnectionRefused {
		t.Errorf("Connect error = %v, want ErrConnectionRefused", err)
	}
}

func TestLinkConnectRetriesExhausted(t *testing.T) {
	l, p := newLinkPair(t, LinkConfig{T1: 30 * time.Millisecond, MaxRetries: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := l.Connect(ctx)
	if err != ErrConnectTimeout {
		t.Fatalf("Connect error = %v, want ErrConnectTimeout", err)
	}

	// Initial SABM plus MaxRetries resends
	sabms := 0
	for {
		f := p.next(50 * time.Millisecond)
		if f == nil {
			break
		}
		if f.IsU() && f.Control&^PollFinal == CtrlSABM {
			sabms++
		}
	}
	if sabms != 3 {
		t.Errorf("saw %d SABMs, want 3", sabms)
	}
}

func TestLinkInOrderDeliveryNoDuplicates(t *testing.T) {
	l, p := connectTestLink(t, LinkConfig{T1: time.Second})

	iCtrl := func(ns, nr int) byte { return byte(nr<<5) | byte(ns<<1) }
	p.reply(iCtrl(0, 0), true, []byte("AB"))
	p.reply(iCtrl(0, 0), true, []byte("AB")) // duplicate, must not deliver twice
	p.reply(iCtrl(1, 0), true, []byte("CD"))

	buf := make([]byte, 4)
	if _, err := io.ReadFull(l, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf) != "ABCD" {
		t.Errorf("delivered %q, want \"ABCD\"", buf)
	}

	// The duplicate draws exactly one REJ
	rejs := 0
	for {
		f := p.next(100 * time.Millisecond)
		if f == nil {
			break
		}
		if f.IsS() && f.Control&0x0F == CtrlREJ {
			rejs++
		}
	}
	if rejs != 1 {
		t.Errorf("saw %d REJs, want 1", rejs)
	}
}

func TestLinkWriteSegmentsAndAck(t *testing.T) {
	l, p := connectTestLink(t, LinkConfig{
		T1:         time.Second,
		WindowSize: 2,
		MaxIField:  4,
	})

	var got []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(got) < 12 {
			f := p.next(2 * time.Second)
			if f == nil {
				return
			}
			if !f.IsI() {
				continue
			}
			got = append(got, f.Info...)
			p.reply(CtrlRR|byte((f.NS()+1)<<5), false, nil)
		}
	}()

	n, err := l.Write([]byte("ABCDEFGHIJKL"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != 12 {
		t.Errorf("Write returned %d, want 12", n)
	}

	<-done
	if string(got) != "ABCDEFGHIJKL" {
		t.Errorf("peer received %q", got)
	}
}

func TestLinkRetriesExhaustedMidSession(t *testing.T) {
	l, _ := connectTestLink(t, LinkConfig{
		T1:         30 * time.Millisecond,
		MaxRetries: 2,
	})

	// Peer never acknowledges; T1 recovery must give up
	if _, err := l.Write([]byte("unacked")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := l.Read(make([]byte, 16)); err != ErrRetriesExhausted {
		t.Errorf("Read error = %v, want ErrRetriesExhausted", err)
	}
}

func TestLinkPeerDisconnects(t *testing.T) {
	l, p := connectTestLink(t, LinkConfig{T1: time.Second})

	p.reply(CtrlDISC|PollFinal, true, nil)
	if _, err := l.Read(make([]byte, 16)); err != ErrDisconnectedPeer {
		t.Errorf("Read error = %v, want ErrDisconnectedPeer", err)
	}

	// DISC is answered with UA before the link goes down
	for {
		f := p.next(time.Second)
		if f == nil {
			t.Error("no UA for DISC")
			return
		}
		if f.IsU() && f.Control&^PollFinal == CtrlUA {
			return
		}
	}
}
