package ax25

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a callsign-SSID pair. The base callsign is 1-6 uppercase
// alphanumeric characters; SSID is 0-15.
type Address struct {
	Call string
	SSID uint8
}

// ParseAddress parses "CALL" or "CALL-SSID" notation
func ParseAddress(s string) (Address, error) {
	call := strings.ToUpper(strings.TrimSpace(s))
	var ssid uint8

	if idx := strings.IndexByte(call, '-'); idx >= 0 {
		n, err := strconv.Atoi(call[idx+1:])
		if err != nil || n < 0 || n > 15 {
			return Address{}, ErrInvalidSSID
		}
		ssid = uint8(n)
		call = call[:idx]
	}

	if len(call) == 0 || len(call) > 6 {
		return Address{}, ErrInvalidCallsign
	}
	for _, c := range call {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return Address{}, ErrInvalidCallsign
		}
	}

	return Address{Call: call, SSID: ssid}, nil
}

// MustParseAddress is ParseAddress that panics on error, for fixed
// configuration values
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(fmt.Sprintf("ax25: bad address %q: %v", s, err))
	}
	return a
}

// String returns "CALL" or "CALL-SSID" notation
func (a Address) String() string {
	if a.SSID == 0 {
		return a.Call
	}
	return fmt.Sprintf("%s-%d", a.Call, a.SSID)
}

// encode appends the 7-byte wire form: six shifted, space-padded callsign
// octets plus an SSID octet with reserved bits 5-6 set. cBit lands in bit 7
// (command/response on station addresses, has-been-repeated on digipeater
// addresses); last sets the extension bit.
func (a Address) encode(dst []byte, cBit, last bool) []byte {
	call := a.Call
	for len(call) < 6 {
		call += " "
	}
	for i := 0; i < 6; i++ {
		dst = append(dst, call[i]<<1)
	}

	ssid := byte(0x60) | (a.SSID&0x0F)<<1
	if cBit {
		ssid |= 0x80
	}
	if last {
		ssid |= 0x01
	}
	return append(dst, ssid)
}

// decodeAddress decodes one 7-byte address field, returning the address,
// its bit-7 flag, and whether the extension bit marks it as last
func decodeAddress(b []byte) (Address, bool, bool, error) {
	if len(b) < AddressLen {
		return Address{}, false, false, ErrFrameTooShort
	}

	call := make([]byte, 0, 6)
	padded := false
	for i := 0; i < 6; i++ {
		if b[i]&0x01 != 0 {
			return Address{}, false, false, ErrBadAddress
		}
		c := b[i] >> 1
		if c == ' ' {
			padded = true
			continue
		}
		// Spaces are only valid as trailing padding
		if padded {
			return Address{}, false, false, ErrBadAddress
		}
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return Address{}, false, false, ErrBadAddress
		}
		call = append(call, c)
	}

	addr := Address{
		Call: string(call),
		SSID: (b[6] >> 1) & 0x0F,
	}
	cBit := b[6]&0x80 != 0
	last := b[6]&0x01 != 0
	return addr, cBit, last, nil
}
