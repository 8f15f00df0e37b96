package dirty

import (
	"testing"

	"github.com/drpcorg/fabric/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	x, y  uint32
	label string
	z     uint64
}

const (
	bitX Bits = 1 << iota
	bitY
	bitLabel
	baseCustom = 1 << 4
)

const bitZ Bits = baseCustom

func (p *point) schema(t *testing.T) *Schema {
	base, err := NewSchema(nil, baseCustom,
		Field{Bit: bitX, Name: "x",
			Serialize:   func(os *wire.OStream) { os.WriteUint32(p.x) },
			Deserialize: func(is *wire.IStream) { p.x = is.ReadUint32() }},
		Field{Bit: bitY, Name: "y",
			Serialize:   func(os *wire.OStream) { os.WriteUint32(p.y) },
			Deserialize: func(is *wire.IStream) { p.y = is.ReadUint32() }},
		Field{Bit: bitLabel, Name: "label",
			Serialize:   func(os *wire.OStream) { os.WriteString(p.label) },
			Deserialize: func(is *wire.IStream) { p.label = is.ReadString() }},
	)
	require.NoError(t, err)
	s, err := NewSchema(base, baseCustom<<4,
		Field{Bit: bitZ, Name: "z",
			Serialize:   func(os *wire.OStream) { os.WriteUint64(p.z) },
			Deserialize: func(is *wire.IStream) { p.z = is.ReadUint64() }},
	)
	require.NoError(t, err)
	return s
}

func TestTracker(t *testing.T) {
	var tr Tracker
	assert.False(t, tr.IsDirty())
	tr.SetDirty(bitX)
	tr.SetDirty(bitX)
	tr.SetDirty(bitLabel)
	assert.True(t, tr.IsDirty())
	assert.Equal(t, bitX|bitLabel, tr.Dirty())
	assert.Equal(t, bitX|bitLabel, tr.Clear())
	assert.False(t, tr.IsDirty())
}

func TestSchema_EverySubsetRoundTrips(t *testing.T) {
	src := &point{x: 7, y: 9, label: "left eye", z: 1 << 40}
	srcSchema := src.schema(t)
	all := []Bits{bitX, bitY, bitLabel, bitZ}

	for subset := 0; subset < 1<<len(all); subset++ {
		var b Bits
		for i, bit := range all {
			if subset&(1<<i) != 0 {
				b |= bit
			}
		}
		os := wire.NewOStream(nil)
		srcSchema.Serialize(os, b)

		dst := &point{x: 1, y: 2, label: "old", z: 3}
		err := dst.schema(t).Deserialize(wire.NewIStream(os.Bytes()), b)
		require.NoError(t, err, "subset %s", b)

		want := point{x: 1, y: 2, label: "old", z: 3}
		if b&bitX != 0 {
			want.x = src.x
		}
		if b&bitY != 0 {
			want.y = src.y
		}
		if b&bitLabel != 0 {
			want.label = src.label
		}
		if b&bitZ != 0 {
			want.z = src.z
		}
		assert.Equal(t, want, *dst, "subset %s", b)
	}
}

func TestSchema_ParentFieldsGoFirst(t *testing.T) {
	p := &point{x: 1, z: 2}
	os := wire.NewOStream(nil)
	p.schema(t).Serialize(os, bitZ|bitX)
	assert.Equal(t, []byte{1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0}, os.Bytes())
}

func TestSchema_Validation(t *testing.T) {
	noop := func(*wire.OStream) {}
	nop := func(*wire.IStream) {}

	_, err := NewSchema(nil, 1<<4,
		Field{Bit: 1, Name: "a", Serialize: noop, Deserialize: nop},
		Field{Bit: 1, Name: "b", Serialize: noop, Deserialize: nop})
	assert.ErrorIs(t, err, ErrBitCollision)

	_, err = NewSchema(nil, 1<<4, Field{Bit: 3, Name: "a", Serialize: noop, Deserialize: nop})
	assert.ErrorIs(t, err, ErrBitNotSingle)

	_, err = NewSchema(nil, 1<<4, Field{Bit: 1 << 4, Name: "a", Serialize: noop, Deserialize: nop})
	assert.ErrorIs(t, err, ErrBitRange)

	base := MustSchema(nil, 1<<4, Field{Bit: 1, Name: "a", Serialize: noop, Deserialize: nop})
	_, err = NewSchema(base, 1<<8, Field{Bit: 2, Name: "b", Serialize: noop, Deserialize: nop})
	assert.ErrorIs(t, err, ErrBitRange)
	assert.Panics(t, func() { MustSchema(base, 1<<2) })
}

func TestSchema_UnknownBits(t *testing.T) {
	p := &point{}
	err := p.schema(t).Deserialize(wire.NewIStream(nil), 1<<30)
	assert.ErrorIs(t, err, ErrUnknownBits)
}

func TestSchema_TruncatedStream(t *testing.T) {
	p := &point{}
	err := p.schema(t).Deserialize(wire.NewIStream([]byte{1, 2}), bitX)
	assert.ErrorIs(t, err, wire.ErrIncomplete)
}

func TestSchema_SnapshotRestore(t *testing.T) {
	p := &point{x: 1, y: 2, label: "a", z: 4}
	s := p.schema(t)
	snap := s.Snapshot()
	assert.False(t, snap.IsZero())

	changed, err := s.Restore(snap)
	assert.NoError(t, err)
	assert.Equal(t, None, changed)

	p.y = 20
	p.label = "b"
	changed, err = s.Restore(snap)
	assert.NoError(t, err)
	assert.Equal(t, bitY|bitLabel, changed)
	assert.Equal(t, point{x: 1, y: 2, label: "a", z: 4}, *p)

	_, err = s.Restore(Snapshot{})
	assert.ErrorIs(t, err, ErrSnapshot)
}
