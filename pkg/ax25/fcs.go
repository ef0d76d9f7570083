package ax25

// AX.25 FCS is CRC-16 CCITT: reflected polynomial 0x8408, initial value
// 0xFFFF, complemented and appended little-endian.

// GoodFCS is the residue left by running the CRC over a frame including its
// own FCS field
const GoodFCS uint16 = 0xF0B8

var fcsTable [256]uint16

func init() {
	const poly uint16 = 0x8408
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		fcsTable[i] = crc
	}
}

func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ fcsTable[(crc^uint16(b))&0xFF]
	}
	return crc
}

// FCS computes the frame check sequence for the given frame bytes
func FCS(data []byte) uint16 {
	return ^crc16(data)
}

// AppendFCS appends the little-endian FCS to the frame
func AppendFCS(frame []byte) []byte {
	fcs := FCS(frame)
	return append(frame, byte(fcs), byte(fcs>>8))
}

// VerifyFCS checks a frame carrying its 2-byte FCS trailer. Correctly
// received frames leave the canonical residue.
func VerifyFCS(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	return crc16(frame) == GoodFCS
}
