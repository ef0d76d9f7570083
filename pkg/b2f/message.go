// Package b2f implements the Winlink B2F message format: canonical
// header assembly and parsing, and the STX-framed binary block encoding
// used for compressed message transfer.
package b2f

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultMaxPayload bounds the total declared body plus attachment size
// accepted by ParseMessage when no limit is given.
const DefaultMaxPayload = 5 << 20

// MaxMidLen is the longest message identifier the format allows
const MaxMidLen = 12

// Message codec errors
var (
	ErrMissingMid     = errors.New("b2f: missing Mid header")
	ErrMissingDate    = errors.New("b2f: missing Date header")
	ErrMissingType    = errors.New("b2f: missing Type header")
	ErrMissingFrom    = errors.New("b2f: missing From header")
	ErrMissingSubject = errors.New("b2f: missing Subject header")
	ErrMissingBody    = errors.New("b2f: missing Body header")
	ErrDuplicateMid   = errors.New("b2f: duplicate Mid header")
	ErrMidTooLong     = errors.New("b2f: Mid exceeds 12 characters")
	ErrBadLength      = errors.New("b2f: length is not a non-negative integer")
	ErrTooLarge       = errors.New("b2f: declared payload exceeds limit")
	ErrShortPayload   = errors.New("b2f: payload shorter than declared")
	ErrBadHeader      = errors.New("b2f: malformed header line")
)

// Attachment is one File entry of a message
type Attachment struct {
	Name string
	Data []byte
}

// Message is a B2F message. Date carries the wire form "YYYY/MM/DD HH:MM"
// unmodified so that a parsed message re-encodes byte-identically.
type Message struct {
	Mid         string
	Date        string
	Type        string
	From        string
	To          []string
	Cc          []string
	Subject     string
	Mbo         string
	Body        []byte
	Attachments []Attachment
}

// Size returns the body length plus all attachment lengths
func (m *Message) Size() int {
	n := len(m.Body)
	for _, a := range m.Attachments {
		n += len(a.Data)
	}
	return n
}

// Marshal encodes the message: headers in canonical order, each line
// CRLF-terminated, a blank line, then the body and each attachment, each
// followed by CRLF.
func (m *Message) Marshal() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Mid: %s\r\n", m.Mid)
	fmt.Fprintf(&buf, "Date: %s\r\n", m.Date)
	fmt.Fprintf(&buf, "Type: %s\r\n", m.Type)
	fmt.Fprintf(&buf, "From: %s\r\n", m.From)
	for _, to := range m.To {
		fmt.Fprintf(&buf, "To: %s\r\n", to)
	}
	for _, cc := range m.Cc {
		fmt.Fprintf(&buf, "Cc: %s\r\n", cc)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", m.Subject)
	if m.Mbo != "" {
		fmt.Fprintf(&buf, "Mbo: %s\r\n", m.Mbo)
	}
	fmt.Fprintf(&buf, "Body: %d\r\n", len(m.Body))
	for _, a := range m.Attachments {
		fmt.Fprintf(&buf, "File: %s %d\r\n", a.Name, len(a.Data))
	}
	buf.WriteString("\r\n")

	buf.Write(m.Body)
	buf.WriteString("\r\n")
	for _, a := range m.Attachments {
		buf.Write(a.Data)
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), nil
}

func (m *Message) validate() error {
	switch {
	case m.Mid == "":
		return ErrMissingMid
	case len(m.Mid) > MaxMidLen:
		return ErrMidTooLong
	case m.Date == "":
		return ErrMissingDate
	case m.Type == "":
		return ErrMissingType
	case m.From == "":
		return ErrMissingFrom
	case m.Subject == "":
		return ErrMissingSubject
	}
	return nil
}

// ParseMessage decodes a marshalled message. limit bounds the total
// declared payload; values <= 0 select DefaultMaxPayload.
func ParseMessage(data []byte, limit int) (*Message, error) {
	if limit <= 0 {
		limit = DefaultMaxPayload
	}

	m := &Message{}
	var bodyLen int
	var fileLens []int
	seenBody := false

	rest := data
	for {
		idx := bytes.Index(rest, []byte("\r\n"))
		if idx < 0 {
			return nil, ErrBadHeader
		}
		line := string(rest[:idx])
		rest = rest[idx+2:]
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBadHeader, line)
		}

		// Header names are matched case-insensitively
		switch strings.ToLower(name) {
		case "mid":
			if m.Mid != "" {
				return nil, ErrDuplicateMid
			}
			m.Mid = value
		case "date":
			m.Date = value
		case "type":
			m.Type = value
		case "from":
			m.From = value
		case "to":
			m.To = append(m.To, value)
		case "cc":
			m.Cc = append(m.Cc, value)
		case "subject":
			m.Subject = value
		case "mbo":
			m.Mbo = value
		case "body":
			n, err := parseLen(value)
			if err != nil {
				return nil, err
			}
			bodyLen = n
			seenBody = true
		case "file":
			fname, flen, ok := cutLast(value)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrBadHeader, line)
			}
			n, err := parseLen(flen)
			if err != nil {
				return nil, err
			}
			m.Attachments = append(m.Attachments, Attachment{Name: fname})
			fileLens = append(fileLens, n)
		default:
			// Unknown headers are tolerated for forward compatibility
		}
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	if !seenBody {
		return nil, ErrMissingBody
	}

	total := bodyLen
	for _, n := range fileLens {
		total += n
	}
	if total > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, total, limit)
	}

	var err error
	m.Body, rest, err = takePayload(rest, bodyLen)
	if err != nil {
		return nil, err
	}
	for i, n := range fileLens {
		m.Attachments[i].Data, rest, err = takePayload(rest, n)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// takePayload consumes n payload bytes plus the trailing CRLF
func takePayload(data []byte, n int) ([]byte, []byte, error) {
	if len(data) < n+2 {
		return nil, nil, ErrShortPayload
	}
	payload := append([]byte(nil), data[:n]...)
	return payload, data[n+2:], nil
}

func parseLen(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadLength, s)
	}
	return n, nil
}

// cutLast splits "name with spaces 1234" at the final space
func cutLast(s string) (string, string, bool) {
	i := strings.LastIndexByte(s, ' ')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
