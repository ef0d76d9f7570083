package agwpe

import (
	"encoding/binary"
	"errors"
	"strings"
)

// Header geometry
const (
	HeaderLen  = 36 // AGWPE header length in bytes
	MaxCallLen = 9  // Callsign-SSID length, NUL terminated in a 10-byte field
)

// DataKind codes used by the forwarding engine
const (
	KindRegister   byte = 'X' // Register callsign / registration reply
	KindVersion    byte = 'R' // Query engine version
	KindPortInfo   byte = 'G' // Query port information
	KindConnect    byte = 'C' // Start connected AX.25 link / connect reply
	KindData       byte = 'D' // Connected-mode data
	KindDisconnect byte = 'd' // Disconnect / disconnect notice
	KindMonitor    byte = 'm' // Toggle monitoring

	// Monitored traffic delivered when monitoring is enabled
	KindMonInfo  byte = 'I'
	KindMonSuper byte = 'S'
	KindMonOwn   byte = 'T'
	KindMonUnnum byte = 'U'
)

// Frame-level errors
var (
	ErrShortHeader = errors.New("agwpe: incomplete header")
	ErrShortData   = errors.New("agwpe: incomplete data")
	ErrCallTooLong = errors.New("agwpe: callsign exceeds field")
)

// Header is the fixed 36-byte AGWPE frame header: 4-byte little-endian
// port, DataKind, PID, two NUL-padded 10-byte callsign fields, and a 4-byte
// little-endian data length
type Header struct {
	Port     uint32
	DataKind byte
	PID      byte
	CallFrom string
	CallTo   string
	DataLen  uint32
}

// Frame pairs a header with its payload
type Frame struct {
	Header
	Data []byte
}

// NewFrame builds a frame with the PID convention AGWPE expects for the
// given kind
func NewFrame(port uint32, kind byte, callFrom, callTo string, data []byte) Frame {
	var pid byte
	if kind == KindData || kind == KindConnect {
		pid = 0xF0
	}
	return Frame{
		Header: Header{
			Port:     port,
			DataKind: kind,
			PID:      pid,
			CallFrom: callFrom,
			CallTo:   callTo,
			DataLen:  uint32(len(data)),
		},
		Data: data,
	}
}

// Marshal serialises the frame into header + payload wire form
func (f Frame) Marshal() ([]byte, error) {
	if len(f.CallFrom) > MaxCallLen || len(f.CallTo) > MaxCallLen {
		return nil, ErrCallTooLong
	}

	out := make([]byte, HeaderLen+len(f.Data))
	binary.LittleEndian.PutUint32(out[0:4], f.Port)
	out[4] = f.DataKind
	out[6] = f.PID
	copy(out[8:18], f.CallFrom)
	copy(out[18:28], f.CallTo)
	binary.LittleEndian.PutUint32(out[28:32], uint32(len(f.Data)))
	copy(out[HeaderLen:], f.Data)
	return out, nil
}

// Unmarshal decodes a frame from wire bytes
func Unmarshal(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, ErrShortHeader
	}

	h := Header{
		Port:     binary.LittleEndian.Uint32(b[0:4]),
		DataKind: b[4],
		PID:      b[6],
		CallFrom: strings.TrimRight(string(b[8:18]), "\x00"),
		CallTo:   strings.TrimRight(string(b[18:28]), "\x00"),
		DataLen:  binary.LittleEndian.Uint32(b[28:32]),
	}

	total := HeaderLen + int(h.DataLen)
	if len(b) < total {
		return Frame{}, ErrShortData
	}

	return Frame{
		Header: h,
		Data:   append([]byte(nil), b[HeaderLen:total]...),
	}, nil
}
