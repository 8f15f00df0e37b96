package rle

import (
	"encoding/binary"
	"fmt"
	"math"
)

const wordLen = 8

// CompressRaw packs arbitrary bytes as 64-bit little-endian words, the
// last one zero padded, and encodes them as a single channel. The output
// is a Header followed by the encoded words.
func CompressRaw(data []byte) []byte {
	words := make([]uint64, (len(data)+wordLen-1)/wordLen)
	for i := range words {
		var w [wordLen]byte
		copy(w[:], data[i*wordLen:])
		words[i] = binary.LittleEndian.Uint64(w[:])
	}
	enc := AppendEncoded(make([]uint64, 0, len(words)), words)

	out := Header{Size: uint64(len(data))}.AppendBinary(make([]byte, 0, HeaderLen+len(enc)*wordLen))
	for _, w := range enc {
		out = binary.LittleEndian.AppendUint64(out, w)
	}
	bytesIn.WithLabelValues("raw").Add(float64(len(data)))
	bytesOut.WithLabelValues("raw").Add(float64(len(out)))
	return out
}

// DecompressRaw reverses CompressRaw. limit caps the uncompressed size a
// header may announce; zero means no cap.
func DecompressRaw(data []byte, limit uint64) ([]byte, error) {
	h, body, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if h.UseAlpha || len(body)%wordLen != 0 {
		return nil, ErrBadHeader
	}
	if limit > 0 && h.Size > limit {
		return nil, &CodecError{Op: "decompress", Err: fmt.Errorf("%w: %d bytes over limit %d", ErrShortBuffer, h.Size, limit)}
	}
	enc := make([]uint64, len(body)/wordLen)
	for i := range enc {
		enc[i] = binary.LittleEndian.Uint64(body[i*wordLen:])
	}
	nwords := h.Size / wordLen
	if h.Size%wordLen != 0 {
		nwords++
	}
	if nwords > math.MaxInt/wordLen {
		return nil, &CodecError{Op: "decompress", Err: fmt.Errorf("%w: %d bytes announced", ErrShortBuffer, h.Size)}
	}
	// the stream must expand to exactly the announced size before
	// anything that size is allocated
	got, err := DecodedLen(enc)
	if err != nil {
		return nil, err
	}
	if got != nwords {
		return nil, &CodecError{Op: "decompress", Err: fmt.Errorf("%w: %d words announced, stream has %d", ErrSizeMismatch, nwords, got)}
	}
	words := make([]uint64, nwords)
	if err := DecodeExact(words, enc, int(nwords)); err != nil {
		return nil, err
	}
	out := make([]byte, nwords*wordLen)
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[i*wordLen:], w)
	}
	return out[:h.Size], nil
}
