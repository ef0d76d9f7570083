package ax25

import (
	"bytes"
	"testing"
)

func TestFrameRoundTripI(t *testing.T) {
	f := &Frame{
		Dst:     MustParseAddress("KE4AHR"),
		Src:     MustParseAddress("W1AW-2"),
		Command: true,
		Control: 0x00, // I-frame N(S)=0 N(R)=0
		PID:     PIDNoLayer3,
		Info:    []byte("payload bytes"),
	}
	wire, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := ParseFrame(wire)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if got.Dst != f.Dst || got.Src != f.Src {
		t.Errorf("addresses = %s>%s", got.Src, got.Dst)
	}
	if !got.Command || !got.IsI() || got.PID != PIDNoLayer3 {
		t.Errorf("command=%v I=%v PID=0x%02X", got.Command, got.IsI(), got.PID)
	}
	if !bytes.Equal(got.Info, f.Info) {
		t.Errorf("info = %q", got.Info)
	}
}

func TestFrameRoundTripWithPath(t *testing.T) {
	f := &Frame{
		Dst: MustParseAddress("KE4AHR"),
		Src: MustParseAddress("W1AW"),
		Path: []Digi{
			{Address: MustParseAddress("WIDE1-1"), Repeated: true},
			{Address: MustParseAddress("WIDE2-2")},
		},
		Command: false,
		Control: CtrlRR | 2<<5,
	}
	wire, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := ParseFrame(wire)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if len(got.Path) != 2 || !got.Path[0].Repeated || got.Path[1].Repeated {
		t.Errorf("path = %+v", got.Path)
	}
	if got.Command {
		t.Error("response parsed as command")
	}
	if !got.IsS() || got.NR() != 2 {
		t.Errorf("ctl = 0x%02X", got.Control)
	}

	reply := got.ReplyPath()
	if reply[0].Address != f.Path[1].Address || reply[0].Repeated {
		t.Errorf("reply path = %+v", reply)
	}
}

func TestParseFrameRejectsBadFCS(t *testing.T) {
	f := &Frame{
		Dst:     MustParseAddress("KE4AHR"),
		Src:     MustParseAddress("W1AW"),
		Command: true,
		Control: CtrlSABM | PollFinal,
	}
	wire, _ := f.Marshal()
	wire[len(wire)-1] ^= 0xFF
	if _, err := ParseFrame(wire); err != ErrBadFCS {
		t.Errorf("error = %v, want ErrBadFCS", err)
	}
}

func TestParseFrameShort(t *testing.T) {
	if _, err := ParseFrame([]byte{0x01, 0x02}); err != ErrFrameTooShort {
		t.Errorf("error = %v, want ErrFrameTooShort", err)
	}
}

func TestControlHelpers(t *testing.T) {
	i := &Frame{Control: 3<<5 | PollFinal | 2<<1}
	if !i.IsI() || i.NS() != 2 || i.NR() != 3 || !i.PF() {
		t.Errorf("I helpers: NS=%d NR=%d PF=%v", i.NS(), i.NR(), i.PF())
	}
	s := &Frame{Control: CtrlREJ | 5<<5}
	if !s.IsS() || s.NR() != 5 {
		t.Errorf("S helpers: NR=%d", s.NR())
	}
	u := &Frame{Control: CtrlSABM}
	if !u.IsU() {
		t.Error("SABM not recognised as U frame")
	}
}
