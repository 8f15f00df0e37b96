// Package rle is a run-length codec for channel data.
//
// A channel is a slice of unsigned symbols (bytes for image planes, 64-bit
// words for raw payloads). The encoded stream is a sequence of tokens:
//
//	literal      one symbol, copied as is
//	escape       [marker][value][count...]
//
// A run of 1..3 identical symbols is written as literals, anything longer
// as an escape. A run of the marker symbol itself is always escaped, so a
// literal marker never appears in the stream and the decoder needs no
// lookahead. The count is variable length: every count symbol carries
// width-1 payload bits, least significant group first, and the top bit
// flags that another count symbol follows (LEB128 for bytes).
//
// The marker is MarkerWord truncated to the symbol width. Three symbols per
// escape keep the encoded channel within three times its input, and
// strictly shorter than the input whenever a run of four or more
// non-marker symbols is folded.
package rle

import (
	"math/bits"

	"golang.org/x/exp/constraints"
)

// MarkerWord is the escape marker for 64-bit symbols.
const MarkerWord uint64 = 0xF3C553FF64F6477F

// Marker is the escape marker for symbols of type T.
func Marker[T constraints.Unsigned]() T {
	m := MarkerWord
	return T(m)
}

func width[T constraints.Unsigned]() int {
	return bits.Len64(uint64(^T(0)))
}

// MaxEncodedLen is the worst-case encoded length of n symbols.
func MaxEncodedLen(n int) int {
	return 3 * n
}

// AppendEncoded appends the encoding of src to dst.
func AppendEncoded[T constraints.Unsigned](dst, src []T) []T {
	marker := Marker[T]()
	for i := 0; i < len(src); {
		v := src[i]
		j := i + 1
		for j < len(src) && src[j] == v {
			j++
		}
		count := j - i
		if v != marker && count <= 3 {
			for ; count > 0; count-- {
				dst = append(dst, v)
			}
		} else {
			dst = append(dst, marker, v)
			dst = appendCount(dst, uint64(count))
		}
		i = j
	}
	return dst
}

func appendCount[T constraints.Unsigned](dst []T, count uint64) []T {
	payload := width[T]() - 1
	more := T(1) << payload
	mask := uint64(more - 1)
	for count > mask {
		dst = append(dst, T(count&mask)|more)
		count >>= payload
	}
	return append(dst, T(count))
}

func readCount[T constraints.Unsigned](src []T) (count uint64, used int, ok bool) {
	payload := width[T]() - 1
	more := T(1) << payload
	shift := 0
	for used < len(src) {
		s := src[used]
		used++
		group := uint64(s &^ more)
		if shift >= 64 || (shift > 0 && group>>(64-shift) != 0) {
			return 0, used, false
		}
		count |= group << shift
		if s&more == 0 {
			return count, used, true
		}
		shift += payload
	}
	return 0, used, false
}

// Decode expands src into dst and returns the number of symbols written.
// A stream that does not fit dst fails with ErrShortBuffer, a truncated
// or malformed escape with ErrCorrupt. On error the content of dst is
// unspecified.
func Decode[T constraints.Unsigned](dst, src []T) (int, error) {
	marker := Marker[T]()
	n := 0
	for i := 0; i < len(src); {
		s := src[i]
		if s != marker {
			if n == len(dst) {
				return n, &CodecError{Op: "decode", Offset: i, Err: ErrShortBuffer}
			}
			dst[n] = s
			n++
			i++
			continue
		}
		if len(src)-i < 3 {
			return n, &CodecError{Op: "decode", Offset: i, Err: ErrCorrupt}
		}
		value := src[i+1]
		count, used, ok := readCount(src[i+2:])
		if !ok || count == 0 {
			return n, &CodecError{Op: "decode", Offset: i, Err: ErrCorrupt}
		}
		if count > uint64(len(dst)-n) {
			return n, &CodecError{Op: "decode", Offset: i, Err: ErrShortBuffer}
		}
		fill := dst[n : n+int(count)]
		for k := range fill {
			fill[k] = value
		}
		n += int(count)
		i += 2 + used
	}
	return n, nil
}

// DecodedLen returns the number of symbols src expands to without
// expanding it. Malformed escapes and totals past 2^64-1 are ErrCorrupt.
func DecodedLen[T constraints.Unsigned](src []T) (uint64, error) {
	marker := Marker[T]()
	var n uint64
	for i := 0; i < len(src); {
		count, step := uint64(1), 1
		if src[i] == marker {
			if len(src)-i < 3 {
				return 0, &CodecError{Op: "decode", Offset: i, Err: ErrCorrupt}
			}
			c, used, ok := readCount(src[i+2:])
			if !ok || c == 0 {
				return 0, &CodecError{Op: "decode", Offset: i, Err: ErrCorrupt}
			}
			count, step = c, 2+used
		}
		if n+count < n {
			return 0, &CodecError{Op: "decode", Offset: i, Err: ErrCorrupt}
		}
		n += count
		i += step
	}
	return n, nil
}

// DecodeExact is Decode that also requires exactly want symbols.
func DecodeExact[T constraints.Unsigned](dst, src []T, want int) error {
	if want > len(dst) {
		return &CodecError{Op: "decode", Err: ErrShortBuffer}
	}
	n, err := Decode(dst, src)
	if err != nil {
		return err
	}
	if n != want {
		return &CodecError{Op: "decode", Offset: len(src), Err: ErrSizeMismatch}
	}
	return nil
}
