package fbb

import "strings"

// Capability letters carried in the SID feature field
const (
	CapBasic    = "F"  // FBB basic forwarding
	CapBinary   = "B"  // Binary (LZHUF) forwarding
	CapB2F      = "B1" // Winlink B2F forwarding
	CapHierarch = "H"  // Hierarchical routing / traffic limiting
	CapChecksum = "M"  // Proposal batch checksums
	CapXFWD     = "X"  // Extended forwarding (resume offsets)
	CapGzip     = "G"  // Gzip compression (experimental)
)

// SID identifies an FBB implementation and its capabilities, exchanged as
// the first line of a session: "[NAME-version-features$]".
type SID struct {
	Name     string
	Version  string
	Features string
	// Conformant is false when the feature field lacked the '$'
	// terminator; such peers are tolerated when every capability letter
	// is understood.
	Conformant bool
}

// String renders the bracketed wire form
func (s SID) String() string {
	return "[" + s.Name + "-" + s.Version + "-" + s.Features + "$]"
}

// Has reports whether the feature field carries the capability. Multi-letter
// capabilities such as B1 are matched exactly: a bare "B" does not imply
// "B1", and "B1" implies "B".
func (s SID) Has(cap string) bool {
	feats := s.Features
	if cap == CapBinary {
		return strings.ContainsRune(feats, 'B')
	}
	for i := 0; i < len(feats); i++ {
		if feats[i:i+1] != cap[:1] {
			continue
		}
		if len(cap) == 1 {
			// Single-letter capability must not be the prefix of a
			// multi-letter one
			if cap == CapBinary || i+1 >= len(feats) || feats[i+1] < '0' || feats[i+1] > '9' {
				return true
			}
			continue
		}
		if strings.HasPrefix(feats[i:], cap) {
			return true
		}
	}
	return false
}

// ParseSID parses a bracketed SID line. A missing '$' terminator is noted
// in Conformant rather than rejected.
func ParseSID(line string) (SID, error) {
	line = strings.TrimSpace(line)
	if len(line) < 2 || line[0] != '[' || line[len(line)-1] != ']' {
		return SID{}, protoErrf("not a SID line: %q", line)
	}
	inner := line[1 : len(line)-1]

	parts := strings.SplitN(inner, "-", 3)
	if len(parts) != 3 {
		return SID{}, protoErrf("malformed SID: %q", line)
	}

	sid := SID{Name: parts[0], Version: parts[1], Features: parts[2]}
	if strings.HasSuffix(sid.Features, "$") {
		sid.Features = strings.TrimSuffix(sid.Features, "$")
		sid.Conformant = true
	}
	return sid, nil
}

// IsSIDLine reports whether line looks like a bracketed SID
func IsSIDLine(line string) bool {
	line = strings.TrimSpace(line)
	return len(line) >= 2 && line[0] == '[' && line[len(line)-1] == ']'
}
