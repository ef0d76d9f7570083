package kiss

import (
	"errors"
	"time"
)

// KISS special bytes
const (
	FEND  byte = 0xC0 // Frame delimiter
	FESC  byte = 0xDB // Escape character
	TFEND byte = 0xDC // Transposed FEND
	TFESC byte = 0xDD // Transposed FESC
)

// Command nibbles (low nibble of the command byte; high nibble carries the
// multi-drop TNC address 0-15)
const (
	CmdData       byte = 0x00 // Data frame
	CmdTXDelay    byte = 0x01 // Transmitter keyup delay
	CmdPersist    byte = 0x02 // Persistence parameter
	CmdSlotTime   byte = 0x03 // Slot interval
	CmdTXTail     byte = 0x04 // Time to hold after frame
	CmdFullDuplex byte = 0x05 // Full duplex flag
	CmdHardware   byte = 0x06 // Hardware specific
	CmdPoll       byte = 0x0E // XKISS master poll
	CmdReturn     byte = 0x0F // Exit KISS mode
)

// Limits and defaults
const (
	MaxTNCAddress       = 15                     // Multi-drop address range is 0-15
	DefaultPollInterval = 100 * time.Millisecond // XKISS master poll period
)

// Errors
var (
	ErrClosed         = errors.New("kiss: framer closed")
	ErrInvalidAddress = errors.New("kiss: TNC address out of range")
	ErrNoSlaves       = errors.New("kiss: no slave addresses configured")
)

// Params holds the TNC parameter set emitted at configuration time as
// command frames 0x01..0x06
type Params struct {
	TXDelay     byte // In 10 ms units
	Persistence byte // p * 256 - 1
	SlotTime    byte // In 10 ms units
	TXTail      byte // In 10 ms units (obsolete but still emitted)
	FullDuplex  byte // 0 = half duplex
	Hardware    byte // Hardware specific value
	Ignore      bool // Suppress parameter emission entirely
}

// DefaultParams returns the conventional TNC parameter set
func DefaultParams() Params {
	return Params{
		TXDelay:     50,
		Persistence: 63,
		SlotTime:    10,
		TXTail:      1,
		FullDuplex:  0,
		Hardware:    0,
	}
}

// Config configures a Framer
type Config struct {
	UseChecksum bool   // XKISS 8-bit checksum trailer on every frame
	Address     byte   // Local multi-drop address placed in the high nibble
	Params      Params // Parameter frames sent once at setup
}
