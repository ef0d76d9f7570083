package fbb

import (
	"fmt"
	"strconv"
	"strings"
)

// ProposalKind selects the transfer encoding offered for a message
type ProposalKind byte

const (
	KindAuto   ProposalKind = 0   // Chosen from peer capabilities
	KindASCII  ProposalKind = 'A' // FA: plain text, SUB-terminated
	KindBinary ProposalKind = 'B' // FB: binary body in checksummed chunks
	KindB2F    ProposalKind = 'C' // FC: compressed B2F message in chunks
)

func (k ProposalKind) String() string {
	switch k {
	case KindASCII:
		return "FA"
	case KindBinary:
		return "FB"
	case KindB2F:
		return "FC"
	}
	return "F?"
}

// Proposal is one FA/FB/FC line of a batch
type Proposal struct {
	Kind ProposalKind
	Type string // Message type, e.g. "P" private, "B" bulletin
	Mid  string
	Size int // Declared size: body bytes (FA/FB), marshalled message (FC)

	// FA/FB addressing
	From    string
	To      string
	Routing string // "@CALL" hierarchical routing, may be empty

	// FC only
	CompressedSize int

	// Offset is a sender-known resume point appended to the size field
	// as "@offset"; -1 when absent
	Offset int
}

// StreamSize returns the number of body-stream bytes the proposal
// declares: the compressed size for FC, the raw size otherwise.
func (p *Proposal) StreamSize() int {
	if p.Kind == KindB2F {
		return p.CompressedSize
	}
	return p.Size
}

// String renders the proposal wire line without the CRLF
func (p *Proposal) String() string {
	switch p.Kind {
	case KindB2F:
		size := strconv.Itoa(p.CompressedSize)
		if p.Offset > 0 {
			size += "@" + strconv.Itoa(p.Offset)
		}
		return fmt.Sprintf("FC %s %s %d %s", p.Type, p.Mid, p.Size, size)
	default:
		size := strconv.Itoa(p.Size)
		if p.Offset > 0 {
			size += "@" + strconv.Itoa(p.Offset)
		}
		routing := p.Routing
		if routing == "" {
			routing = "@"
		}
		return fmt.Sprintf("%s %s %s %s %s %s %s",
			p.Kind, p.Type, size, p.From, p.To, routing, p.Mid)
	}
}

// ParseProposal parses one FA/FB/FC line
func ParseProposal(line string) (*Proposal, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields[0]) != 2 || fields[0][0] != 'F' {
		return nil, protoErrf("not a proposal line: %q", line)
	}

	p := &Proposal{Offset: -1}
	switch fields[0] {
	case "FA":
		p.Kind = KindASCII
	case "FB":
		p.Kind = KindBinary
	case "FC":
		p.Kind = KindB2F
	default:
		return nil, protoErrf("unknown proposal kind: %q", fields[0])
	}

	if p.Kind == KindB2F {
		if len(fields) != 5 {
			return nil, protoErrf("malformed FC proposal: %q", line)
		}
		p.Type = fields[1]
		p.Mid = fields[2]
		size, err := strconv.Atoi(fields[3])
		if err != nil || size < 0 {
			return nil, protoErrf("bad FC size in %q", line)
		}
		p.Size = size
		p.CompressedSize, p.Offset, err = parseSizeOffset(fields[4])
		if err != nil {
			return nil, protoErrf("bad FC compressed size in %q", line)
		}
		return p, nil
	}

	if len(fields) != 7 {
		return nil, protoErrf("malformed %s proposal: %q", fields[0], line)
	}
	p.Type = fields[1]
	var err error
	p.Size, p.Offset, err = parseSizeOffset(fields[2])
	if err != nil {
		return nil, protoErrf("bad size in %q", line)
	}
	p.From = fields[3]
	p.To = fields[4]
	if fields[5] != "@" {
		p.Routing = fields[5]
	}
	p.Mid = fields[6]
	return p, nil
}

// parseSizeOffset splits "1234" or "1234@500"
func parseSizeOffset(s string) (size, offset int, err error) {
	offset = -1
	sizeStr, offStr, hasOff := strings.Cut(s, "@")
	size, err = strconv.Atoi(sizeStr)
	if err != nil || size < 0 {
		return 0, 0, fmt.Errorf("bad size %q", s)
	}
	if hasOff {
		offset, err = strconv.Atoi(offStr)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("bad offset %q", s)
		}
	}
	return size, offset, nil
}

// batchChecksum computes the F> checksum: the low byte of the sum of all
// proposal-line bytes, CRLF included, as two uppercase hex digits.
func batchChecksum(lines []string) string {
	var sum byte
	for _, line := range lines {
		for i := 0; i < len(line); i++ {
			sum += line[i]
		}
		sum += '\r' + '\n'
	}
	return fmt.Sprintf("%02X", sum)
}

// Verdict is one positional entry of an FS reply
type Verdict struct {
	Code   byte // '+', '-', '=', 'L', 'R', 'H', 'E' or '!'
	Offset int  // Resume offset for '!', otherwise 0
}

// Accepted reports whether the verdict asks for the body
func (v Verdict) Accepted() bool {
	return v.Code == '+' || v.Code == '!'
}

// ParseVerdicts decodes the body of an FS line into exactly want verdicts
func ParseVerdicts(s string, want int) ([]Verdict, error) {
	var out []Verdict
	for i := 0; i < len(s); {
		c := s[i]
		switch c {
		case '+', '-', '=', 'L', 'R', 'H', 'E':
			out = append(out, Verdict{Code: c})
			i++
		case '!':
			j := i + 1
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			if j == i+1 {
				return nil, protoErrf("verdict '!' without offset in %q", s)
			}
			off, err := strconv.Atoi(s[i+1 : j])
			if err != nil {
				return nil, protoErrf("bad verdict offset in %q", s)
			}
			out = append(out, Verdict{Code: '!', Offset: off})
			i = j
		case ' ':
			i++
		default:
			return nil, protoErrf("unknown verdict %q in %q", c, s)
		}
	}
	if len(out) != want {
		return nil, protoErrf("FS carries %d verdicts, want %d", len(out), want)
	}
	return out, nil
}

// encodeVerdicts renders verdicts for an FS line
func encodeVerdicts(vs []Verdict) string {
	var sb strings.Builder
	for _, v := range vs {
		if v.Code == '!' {
			fmt.Fprintf(&sb, "!%d", v.Offset)
		} else {
			sb.WriteByte(v.Code)
		}
	}
	return sb.String()
}
