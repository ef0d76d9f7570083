package ax25

import (
	"bytes"
	"fmt"
)

// Digi is one digipeater hop; Repeated is the on-air has-been-repeated flag
type Digi struct {
	Address
	Repeated bool
}

// Frame is an AX.25 v2.0 frame. Command selects the command/response bit
// placement in the two station addresses. Wire form carries the FCS but not
// the HDLC flags (KISS and AGWPE both frame without flags).
type Frame struct {
	Dst     Address
	Src     Address
	Path    []Digi
	Command bool
	Control byte
	PID     byte
	Info    []byte
}

// IsI reports whether the control octet encodes an information frame
func (f *Frame) IsI() bool { return f.Control&0x01 == 0 }

// IsS reports whether the control octet encodes a supervisory frame
func (f *Frame) IsS() bool { return f.Control&0x03 == 0x01 }

// IsU reports whether the control octet encodes an unnumbered frame
func (f *Frame) IsU() bool { return f.Control&0x03 == 0x03 }

// NS returns the send sequence number of an I-frame
func (f *Frame) NS() int { return int(f.Control>>1) & 0x07 }

// NR returns the receive sequence number of an I- or S-frame
func (f *Frame) NR() int { return int(f.Control>>5) & 0x07 }

// PF returns the poll/final bit
func (f *Frame) PF() bool { return f.Control&PollFinal != 0 }

// Marshal serialises the frame with addresses, control, PID (I-frames
// only), info and trailing FCS
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.Path) > MaxDigipeaters {
		return nil, ErrPathTooLong
	}

	buf := make([]byte, 0, 2*AddressLen+len(f.Path)*AddressLen+2+len(f.Info)+2)

	// Command: dst C=1 src C=0; response: dst C=0 src C=1
	buf = f.Dst.encode(buf, f.Command, false)
	buf = f.Src.encode(buf, !f.Command, len(f.Path) == 0)
	for i, d := range f.Path {
		buf = d.Address.encode(buf, d.Repeated, i == len(f.Path)-1)
	}

	buf = append(buf, f.Control)
	if f.IsI() {
		buf = append(buf, f.PID)
	}
	buf = append(buf, f.Info...)

	return AppendFCS(buf), nil
}

// ParseFrame decodes a wire frame, verifying the FCS and the address chain.
// ErrBadFCS is returned for corrupted frames; callers discard those without
// surfacing an error to the session.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < 2*AddressLen+1+2 {
		return nil, ErrFrameTooShort
	}
	if !VerifyFCS(data) {
		return nil, ErrBadFCS
	}
	data = data[:len(data)-2]

	f := &Frame{}
	var last bool
	var err error
	var dstC, srcC bool

	f.Dst, dstC, last, err = decodeAddress(data)
	if err != nil {
		return nil, err
	}
	if last {
		return nil, ErrBadAddress
	}
	data = data[AddressLen:]

	f.Src, srcC, last, err = decodeAddress(data)
	if err != nil {
		return nil, err
	}
	data = data[AddressLen:]

	// v2.0 command/response from the C bit pair; treat the legacy
	// both-equal encodings as commands
	f.Command = dstC || !srcC

	for !last {
		if len(f.Path) == MaxDigipeaters {
			return nil, ErrPathTooLong
		}
		var d Digi
		d.Address, d.Repeated, last, err = decodeAddress(data)
		if err != nil {
			return nil, err
		}
		f.Path = append(f.Path, d)
		data = data[AddressLen:]
	}

	if len(data) < 1 {
		return nil, ErrFrameTooShort
	}
	f.Control = data[0]
	data = data[1:]

	if f.IsI() {
		if len(data) < 1 {
			return nil, ErrFrameTooShort
		}
		f.PID = data[0]
		data = data[1:]
	}

	if len(data) > 0 {
		f.Info = append([]byte(nil), data...)
	}
	return f, nil
}

// ReplyPath returns the digipeater path inverted for the return direction,
// with the repeated flags cleared
func (f *Frame) ReplyPath() []Digi {
	if len(f.Path) == 0 {
		return nil
	}
	out := make([]Digi, len(f.Path))
	for i, d := range f.Path {
		out[len(f.Path)-1-i] = Digi{Address: d.Address}
	}
	return out
}

// String returns a short human-readable description
func (f *Frame) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s>%s", f.Src, f.Dst)
	for _, d := range f.Path {
		fmt.Fprintf(&b, ",%s", d.Address)
		if d.Repeated {
			b.WriteByte('*')
		}
	}
	fmt.Fprintf(&b, " ctl=0x%02X len=%d", f.Control, len(f.Info))
	return b.String()
}
