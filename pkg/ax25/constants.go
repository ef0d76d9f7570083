package ax25

import (
	"errors"
	"time"
)

// Control octets (P/F bit cleared; or with PollFinal to set it)
const (
	CtrlSABM byte = 0x2F // Set Asynchronous Balanced Mode
	CtrlUA   byte = 0x63 // Unnumbered Acknowledge
	CtrlDISC byte = 0x43 // Disconnect
	CtrlDM   byte = 0x0F // Disconnected Mode

	CtrlRR  byte = 0x01 // Receive Ready
	CtrlRNR byte = 0x05 // Receive Not Ready
	CtrlREJ byte = 0x09 // Reject

	PollFinal byte = 0x10 // P/F bit
)

// Frame format constants
const (
	PIDNoLayer3    byte = 0xF0 // No layer 3 protocol
	AddressLen          = 7    // Encoded callsign-SSID length
	MaxDigipeaters      = 8    // Maximum digipeater path length
	Modulus             = 8    // Modulo-8 sequence numbering
)

// Data-link defaults
const (
	DefaultT1         = 10 * time.Second
	DefaultMaxRetries = 10
	DefaultWindowSize = 4
	DefaultMaxIField  = 256
)

// Frame-level errors, absorbed below the session layer
var (
	ErrInvalidCallsign = errors.New("ax25: invalid callsign")
	ErrInvalidSSID     = errors.New("ax25: SSID out of range")
	ErrPathTooLong     = errors.New("ax25: digipeater path too long")
	ErrFrameTooShort   = errors.New("ax25: frame too short")
	ErrBadFCS          = errors.New("ax25: FCS mismatch")
	ErrBadAddress      = errors.New("ax25: malformed address field")
)

// LinkError reports a data-link failure: retries exhausted, connection
// refused, or disconnection by the peer mid-session
type LinkError struct {
	Reason string
}

func (e *LinkError) Error() string {
	return "ax25: " + e.Reason
}

// Known link failures
var (
	ErrRetriesExhausted  = &LinkError{Reason: "retries exhausted"}
	ErrConnectionRefused = &LinkError{Reason: "connection refused (DM)"}
	ErrConnectTimeout    = &LinkError{Reason: "connect timeout"}
	ErrDisconnectedPeer  = &LinkError{Reason: "disconnected by peer"}
	ErrNotConnected      = &LinkError{Reason: "not connected"}
)

// State is the data-link state per AX.25 v2.0 4.3
type State int

const (
	StateDisconnected State = iota
	StateAwaitingConnect
	StateConnected
	StateTimerRecovery
	StateAwaitingRelease
)

// String returns string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateAwaitingConnect:
		return "AwaitingConnect"
	case StateConnected:
		return "Connected"
	case StateTimerRecovery:
		return "TimerRecovery"
	case StateAwaitingRelease:
		return "AwaitingRelease"
	default:
		return "Unknown"
	}
}
