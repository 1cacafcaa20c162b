package protocol

// Unsigned LEB128 varints. A value is encoded 7 bits at a time, low group
// first, with the high bit of each byte marking continuation.

// MaxVarintLen is the worst-case encoded size of a uint64.
const MaxVarintLen = 10

// AppendUvarint appends v to buf and returns the extended slice.
func AppendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// ReadUvarint decodes a varint from the front of data, returning the value
// and the remaining bytes. A truncated or over-long encoding yields
// ErrBadVarint.
func ReadUvarint(data []byte) (uint64, []byte, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(data); i++ {
		if i >= MaxVarintLen {
			return 0, nil, ErrBadVarint
		}
		b := data[i]
		if b < 0x80 {
			if i == MaxVarintLen-1 && b > 1 {
				return 0, nil, ErrBadVarint
			}
			return v | uint64(b)<<shift, data[i+1:], nil
		}
		v |= uint64(b&0x7f) << shift
		shift += 7
	}
	return 0, nil, ErrBadVarint
}

// UvarintLen returns the encoded size of v.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
