package rle

import "encoding/binary"

// Header precedes every compressed buffer.
//
// Layout, little-endian, 12 bytes:
//
//	0..8   uncompressed size in bytes
//	8..12  flags; bit 0 set when the auxiliary (alpha) channel is present,
//	       all other bits zero
type Header struct {
	Size     uint64
	UseAlpha bool
}

const HeaderLen = 12

const flagAlpha uint32 = 1 << 0

func (h Header) AppendBinary(into []byte) []byte {
	into = binary.LittleEndian.AppendUint64(into, h.Size)
	var flags uint32
	if h.UseAlpha {
		flags |= flagAlpha
	}
	return binary.LittleEndian.AppendUint32(into, flags)
}

// ParseHeader reads a header and returns the bytes after it.
func ParseHeader(data []byte) (h Header, rest []byte, err error) {
	if len(data) < HeaderLen {
		return h, nil, ErrBadHeader
	}
	flags := binary.LittleEndian.Uint32(data[8:12])
	if flags&^flagAlpha != 0 {
		return h, nil, ErrBadHeader
	}
	h.Size = binary.LittleEndian.Uint64(data[0:8])
	h.UseAlpha = flags&flagAlpha != 0
	return h, data[HeaderLen:], nil
}
