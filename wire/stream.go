// Package wire holds the binary stream encoding shared by replicated
// objects and command payloads. All integers are little-endian; strings
// and byte slices are prefixed with their uvarint length.
//
// Reads are sticky: after the first failure every subsequent read returns
// a zero value and Err reports the original failure, so a decoder can read
// a whole record and check once.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	ErrIncomplete = errors.New("wire: incomplete data")
	ErrOverlong   = errors.New("wire: length prefix exceeds data")
)

type OStream struct {
	buf []byte
}

func NewOStream(buf []byte) *OStream {
	return &OStream{buf: buf[:0]}
}

func (os *OStream) Bytes() []byte {
	return os.buf
}

func (os *OStream) Len() int {
	return len(os.buf)
}

func (os *OStream) WriteUint8(v uint8) {
	os.buf = append(os.buf, v)
}

func (os *OStream) WriteBool(v bool) {
	if v {
		os.buf = append(os.buf, 1)
	} else {
		os.buf = append(os.buf, 0)
	}
}

func (os *OStream) WriteUint32(v uint32) {
	os.buf = binary.LittleEndian.AppendUint32(os.buf, v)
}

func (os *OStream) WriteUint64(v uint64) {
	os.buf = binary.LittleEndian.AppendUint64(os.buf, v)
}

func (os *OStream) WriteInt32(v int32) {
	os.WriteUint32(uint32(v))
}

func (os *OStream) WriteFloat32(v float32) {
	os.WriteUint32(math.Float32bits(v))
}

func (os *OStream) WriteBytes(b []byte) {
	os.buf = binary.AppendUvarint(os.buf, uint64(len(b)))
	os.buf = append(os.buf, b...)
}

func (os *OStream) WriteString(s string) {
	os.buf = binary.AppendUvarint(os.buf, uint64(len(s)))
	os.buf = append(os.buf, s...)
}

type IStream struct {
	buf []byte
	err error
}

func NewIStream(data []byte) *IStream {
	return &IStream{buf: data}
}

func (is *IStream) Err() error {
	return is.err
}

// Remaining is the number of unread bytes.
func (is *IStream) Remaining() int {
	return len(is.buf)
}

func (is *IStream) take(n int) []byte {
	if is.err != nil {
		return nil
	}
	if n > len(is.buf) {
		is.err = ErrIncomplete
		is.buf = nil
		return nil
	}
	b := is.buf[:n]
	is.buf = is.buf[n:]
	return b
}

func (is *IStream) ReadUint8() uint8 {
	b := is.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (is *IStream) ReadBool() bool {
	return is.ReadUint8() != 0
}

func (is *IStream) ReadUint32() uint32 {
	b := is.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (is *IStream) ReadUint64() uint64 {
	b := is.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (is *IStream) ReadInt32() int32 {
	return int32(is.ReadUint32())
}

func (is *IStream) ReadFloat32() float32 {
	return math.Float32frombits(is.ReadUint32())
}

func (is *IStream) readLen() int {
	if is.err != nil {
		return 0
	}
	l, n := binary.Uvarint(is.buf)
	if n <= 0 {
		is.err = ErrIncomplete
		is.buf = nil
		return 0
	}
	is.buf = is.buf[n:]
	if l > uint64(len(is.buf)) {
		is.err = ErrOverlong
		is.buf = nil
		return 0
	}
	return int(l)
}

// ReadBytes returns a copy of the next length-prefixed byte slice.
func (is *IStream) ReadBytes() []byte {
	l := is.readLen()
	b := is.take(l)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (is *IStream) ReadString() string {
	l := is.readLen()
	return string(is.take(l))
}
