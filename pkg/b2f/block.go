package b2f

import (
	"errors"
	"io"
)

// Binary block framing control bytes
const (
	STX = 0x02 // starts a data chunk
	ETX = 0x03 // starts the final, empty chunk

	// MaxChunk is the largest data length carried by a single chunk
	MaxChunk = 250
)

// Block framing errors
var (
	ErrBlockChecksum = errors.New("b2f: block checksum mismatch")
	ErrBlockFraming  = errors.New("b2f: unexpected block control byte")
)

// blockChecksum is the two's complement of the 8-bit sum of the data
func blockChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return -sum
}

// WriteBlocks frames data into STX chunks of at most MaxChunk bytes, each
// carrying its own checksum, and terminates with the empty ETX chunk.
func WriteBlocks(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > MaxChunk {
			n = MaxChunk
		}
		chunk := data[:n]
		data = data[n:]

		buf := make([]byte, 0, n+3)
		buf = append(buf, STX, byte(n))
		buf = append(buf, chunk...)
		buf = append(buf, blockChecksum(chunk))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte{ETX, 0, 0})
	return err
}

// ReadBlocks consumes STX chunks from r until the ETX terminator, verifying
// each chunk checksum, and returns the reassembled data. On a checksum
// mismatch the remaining chunks are still consumed, keeping the stream
// framed, and ErrBlockChecksum is returned.
func ReadBlocks(r io.Reader) ([]byte, error) {
	var out []byte
	corrupt := false
	hdr := make([]byte, 2)
	for {
		if _, err := io.ReadFull(r, hdr[:1]); err != nil {
			return nil, err
		}
		switch hdr[0] {
		case ETX:
			if _, err := io.ReadFull(r, hdr); err != nil {
				return nil, err
			}
			if corrupt {
				return nil, ErrBlockChecksum
			}
			return out, nil
		case STX:
			if _, err := io.ReadFull(r, hdr[1:]); err != nil {
				return nil, err
			}
			n := int(hdr[1])
			chunk := make([]byte, n+1)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return nil, err
			}
			data, cksum := chunk[:n], chunk[n]
			if blockChecksum(data) != cksum {
				corrupt = true
				continue
			}
			out = append(out, data...)
		default:
			return nil, ErrBlockFraming
		}
	}
}
