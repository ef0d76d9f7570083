// Package lzhuf implements the classical LZSS plus adaptive Huffman
// compression used by F6FBB BBS software for binary message forwarding.
// The bit layout is the 1989 Okumura/Yoshizaki algorithm; output is
// prefixed with the little-endian 32-bit original length.
package lzhuf

import (
	"encoding/binary"
	"errors"
)

const (
	ringSize  = 4096 // N: size of ring buffer
	maxMatch  = 60   // F: upper limit for match length
	threshold = 2    // encode as position+length above this
	nil_      = ringSize

	nChar   = 256 - threshold + maxMatch // literal + length symbols
	tblSize = nChar*2 - 1                // T: size of the Huffman table
	root    = tblSize - 1                // R: position of root
	maxFreq = 0x8000                     // tree rebuild trigger
)

// ErrTruncated reports compressed input too short to carry its length
// prefix
var ErrTruncated = errors.New("lzhuf: truncated input")

type state struct {
	textBuf [ringSize + maxMatch - 1]byte
	lson    [ringSize + 1]int
	rson    [ringSize + 257]int
	dad     [ringSize + 1]int

	freq [tblSize + 1]uint16
	prnt [tblSize + nChar]int
	son  [tblSize]int

	matchPosition int
	matchLength   int

	// bit I/O
	out    []byte
	putBuf uint16
	putLen uint8

	in     []byte
	inPos  int
	getBuf uint16
	getLen uint8
}

func (s *state) initTree() {
	for i := ringSize + 1; i <= ringSize + 256; i++ {
		s.rson[i] = nil_
	}
	for i := 0; i < ringSize; i++ {
		s.dad[i] = nil_
	}
}

func (s *state) insertNode(r int) {
	cmp := 1
	key := s.textBuf[r:]
	p := ringSize + 1 + int(key[0])
	s.rson[r] = nil_
	s.lson[r] = nil_
	s.matchLength = 0

	for {
		if cmp >= 0 {
			if s.rson[p] != nil_ {
				p = s.rson[p]
			} else {
				s.rson[p] = r
				s.dad[r] = p
				return
			}
		} else {
			if s.lson[p] != nil_ {
				p = s.lson[p]
			} else {
				s.lson[p] = r
				s.dad[r] = p
				return
			}
		}

		var i int
		for i = 1; i < maxMatch; i++ {
			cmp = int(key[i]) - int(s.textBuf[p+i])
			if cmp != 0 {
				break
			}
		}
		if i > threshold {
			if i > s.matchLength {
				s.matchPosition = ((r - p) & (ringSize - 1)) - 1
				s.matchLength = i
				if i >= maxMatch {
					break
				}
			} else if i == s.matchLength {
				if c := ((r - p) & (ringSize - 1)) - 1; c < s.matchPosition {
					s.matchPosition = c
				}
			}
		}
	}

	s.dad[r] = s.dad[p]
	s.lson[r] = s.lson[p]
	s.rson[r] = s.rson[p]
	s.dad[s.lson[p]] = r
	s.dad[s.rson[p]] = r
	if s.rson[s.dad[p]] == p {
		s.rson[s.dad[p]] = r
	} else {
		s.lson[s.dad[p]] = r
	}
	s.dad[p] = nil_
}

func (s *state) deleteNode(p int) {
	if s.dad[p] == nil_ {
		return
	}

	var q int
	switch {
	case s.rson[p] == nil_:
		q = s.lson[p]
	case s.lson[p] == nil_:
		q = s.rson[p]
	default:
		q = s.lson[p]
		if s.rson[q] != nil_ {
			for s.rson[q] != nil_ {
				q = s.rson[q]
			}
			s.rson[s.dad[q]] = s.lson[q]
			s.dad[s.lson[q]] = s.dad[q]
			s.lson[q] = s.lson[p]
			s.dad[s.lson[p]] = q
		}
		s.rson[q] = s.rson[p]
		s.dad[s.rson[p]] = q
	}

	s.dad[q] = s.dad[p]
	if s.rson[s.dad[p]] == p {
		s.rson[s.dad[p]] = q
	} else {
		s.lson[s.dad[p]] = q
	}
	s.dad[p] = nil_
}

func (s *state) startHuff() {
	for i := 0; i < nChar; i++ {
		s.freq[i] = 1
		s.son[i] = i + tblSize
		s.prnt[i+tblSize] = i
	}
	i, j := 0, nChar
	for j <= root {
		s.freq[j] = s.freq[i] + s.freq[i+1]
		s.son[j] = i
		s.prnt[i] = j
		s.prnt[i+1] = j
		i += 2
		j++
	}
	s.freq[tblSize] = 0xFFFF
	s.prnt[root] = 0
}

// reconst halves all frequencies and rebuilds the tree
func (s *state) reconst() {
	j := 0
	for i := 0; i < tblSize; i++ {
		if s.son[i] >= tblSize {
			s.freq[j] = (s.freq[i] + 1) / 2
			s.son[j] = s.son[i]
			j++
		}
	}
	for i, j := 0, nChar; j < tblSize; i, j = i+2, j+1 {
		f := s.freq[i] + s.freq[i+1]
		s.freq[j] = f
		k := j - 1
		for f < s.freq[k] {
			k--
		}
		k++
		copy(s.freq[k+1:j+1], s.freq[k:j])
		s.freq[k] = f
		copy(s.son[k+1:j+1], s.son[k:j])
		s.son[k] = i
	}
	for i := 0; i < tblSize; i++ {
		k := s.son[i]
		s.prnt[k] = i
		if k < tblSize {
			s.prnt[k+1] = i
		}
	}
}

// update increments the frequency of code c and resorts the tree
func (s *state) update(c int) {
	if s.freq[root] == maxFreq {
		s.reconst()
	}
	c = s.prnt[c+tblSize]
	for {
		s.freq[c]++
		k := s.freq[c]

		if l := c + 1; k > s.freq[l] {
			for k > s.freq[l+1] {
				l++
			}
			s.freq[c] = s.freq[l]
			s.freq[l] = k

			i := s.son[c]
			s.prnt[i] = l
			if i < tblSize {
				s.prnt[i+1] = l
			}

			j := s.son[l]
			s.son[l] = i

			s.prnt[j] = c
			if j < tblSize {
				s.prnt[j+1] = c
			}
			s.son[c] = j

			c = l
		}

		c = s.prnt[c]
		if c == 0 {
			break
		}
	}
}

func (s *state) putCode(l uint8, c uint16) {
	s.putBuf |= c >> s.putLen
	s.putLen += l
	if s.putLen >= 8 {
		s.out = append(s.out, byte(s.putBuf>>8))
		s.putLen -= 8
		if s.putLen >= 8 {
			s.out = append(s.out, byte(s.putBuf))
			s.putLen -= 8
			s.putBuf = c << (l - s.putLen)
		} else {
			s.putBuf <<= 8
		}
	}
}

func (s *state) encodeChar(c int) {
	var code uint16
	var length uint8

	k := s.prnt[c+tblSize]
	for {
		code >>= 1
		// odd node address means the bigger brother
		if k&1 != 0 {
			code += 0x8000
		}
		length++
		k = s.prnt[k]
		if k == root {
			break
		}
	}
	s.putCode(length, code)
	s.update(c)
}

func (s *state) encodePosition(c int) {
	i := c >> 6
	s.putCode(pLen[i], uint16(pCode[i])<<8)
	s.putCode(6, uint16(c&0x3F)<<10)
}

func (s *state) encodeEnd() {
	if s.putLen > 0 {
		s.out = append(s.out, byte(s.putBuf>>8))
	}
}

func (s *state) getBit() int {
	for s.getLen <= 8 {
		var b byte
		if s.inPos < len(s.in) {
			b = s.in[s.inPos]
			s.inPos++
		}
		s.getBuf |= uint16(b) << (8 - s.getLen)
		s.getLen += 8
	}
	i := s.getBuf
	s.getBuf <<= 1
	s.getLen--
	return int(i>>15) & 1
}

func (s *state) getByte() int {
	for s.getLen <= 8 {
		var b byte
		if s.inPos < len(s.in) {
			b = s.in[s.inPos]
			s.inPos++
		}
		s.getBuf |= uint16(b) << (8 - s.getLen)
		s.getLen += 8
	}
	i := s.getBuf
	s.getBuf <<= 8
	s.getLen -= 8
	return int(i>>8) & 0xFF
}

func (s *state) decodeChar() int {
	c := s.son[root]
	for c < tblSize {
		c += s.getBit()
		c = s.son[c]
	}
	c -= tblSize
	s.update(c)
	return c
}

func (s *state) decodePosition() int {
	i := s.getByte()
	c := int(dCode[i]) << 6
	j := int(dLen[i]) - 2
	for ; j > 0; j-- {
		i = (i << 1) + s.getBit()
	}
	return c | (i & 0x3F)
}

// Compress encodes data, prefixing the output with the little-endian
// 32-bit original length. Compress and Decompress are pure functions with
// no state across calls.
func Compress(data []byte) []byte {
	s := &state{}
	s.out = make([]byte, 4, len(data)/2+8)
	binary.LittleEndian.PutUint32(s.out[:4], uint32(len(data)))
	if len(data) == 0 {
		return s.out
	}

	s.startHuff()
	s.initTree()

	pos := 0
	sIdx := 0
	r := ringSize - maxMatch
	for i := 0; i < r; i++ {
		s.textBuf[i] = ' '
	}

	length := 0
	for ; length < maxMatch && pos < len(data); length++ {
		s.textBuf[r+length] = data[pos]
		pos++
	}

	for i := 1; i <= maxMatch; i++ {
		s.insertNode(r - i)
	}
	s.insertNode(r)

	for {
		if s.matchLength > length {
			s.matchLength = length
		}
		if s.matchLength <= threshold {
			s.matchLength = 1
			s.encodeChar(int(s.textBuf[r]))
		} else {
			s.encodeChar(255 - threshold + s.matchLength)
			s.encodePosition(s.matchPosition)
		}

		lastMatchLength := s.matchLength
		var i int
		for i = 0; i < lastMatchLength && pos < len(data); i++ {
			c := data[pos]
			pos++
			s.deleteNode(sIdx)
			s.textBuf[sIdx] = c
			if sIdx < maxMatch-1 {
				s.textBuf[sIdx+ringSize] = c
			}
			sIdx = (sIdx + 1) & (ringSize - 1)
			r = (r + 1) & (ringSize - 1)
			s.insertNode(r)
		}
		for i < lastMatchLength {
			i++
			s.deleteNode(sIdx)
			sIdx = (sIdx + 1) & (ringSize - 1)
			r = (r + 1) & (ringSize - 1)
			length--
			if length > 0 {
				s.insertNode(r)
			}
		}
		if length <= 0 {
			break
		}
	}
	s.encodeEnd()
	return s.out
}

// Decompress decodes data produced by Compress
func Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrTruncated
	}
	size := binary.LittleEndian.Uint32(data[:4])
	if size == 0 {
		return []byte{}, nil
	}

	s := &state{in: data[4:]}
	s.startHuff()

	r := ringSize - maxMatch
	for i := 0; i < r; i++ {
		s.textBuf[i] = ' '
	}

	out := make([]byte, 0, size)
	for uint32(len(out)) < size {
		c := s.decodeChar()
		if c < 256 {
			out = append(out, byte(c))
			s.textBuf[r] = byte(c)
			r = (r + 1) & (ringSize - 1)
			continue
		}
		i := (r - s.decodePosition() - 1) & (ringSize - 1)
		j := c - 255 + threshold
		for k := 0; k < j && uint32(len(out)) < size; k++ {
			b := s.textBuf[(i+k)&(ringSize-1)]
			out = append(out, b)
			s.textBuf[r] = b
			r = (r + 1) & (ringSize - 1)
		}
	}
	return out, nil
}
