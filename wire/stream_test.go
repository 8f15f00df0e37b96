package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStream_Layout(t *testing.T) {
	os := NewOStream(nil)
	os.WriteUint32(0x01020304)
	os.WriteString("ab")
	os.WriteBool(true)
	assert.Equal(t, []byte{4, 3, 2, 1, 2, 'a', 'b', 1}, os.Bytes())

	is := NewIStream(os.Bytes())
	assert.Equal(t, uint32(0x01020304), is.ReadUint32())
	assert.Equal(t, "ab", is.ReadString())
	assert.True(t, is.ReadBool())
	assert.Nil(t, is.Err())
	assert.Equal(t, 0, is.Remaining())
}

func TestStream_StickyError(t *testing.T) {
	is := NewIStream([]byte{1, 2, 3})
	assert.Equal(t, uint64(0), is.ReadUint64())
	assert.Equal(t, ErrIncomplete, is.Err())
	assert.Equal(t, uint8(0), is.ReadUint8())
	assert.Equal(t, ErrIncomplete, is.Err())
}

func TestStream_OverlongString(t *testing.T) {
	is := NewIStream([]byte{10, 'a'})
	assert.Equal(t, "", is.ReadString())
	assert.Equal(t, ErrOverlong, is.Err())
}

func TestStream_BytesAreCopied(t *testing.T) {
	os := NewOStream(nil)
	os.WriteBytes([]byte("xyz"))
	data := os.Bytes()
	b := NewIStream(data).ReadBytes()
	data[1] = 'Q'
	assert.Equal(t, []byte("xyz"), b)
}
