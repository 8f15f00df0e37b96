// Package dirty implements per-field change tracking for replicated
// entities.
//
// A Tracker holds a bit mask with one bit per tracked field. A Schema
// binds every bit to a field codec and fixes the order in which selected
// fields are written and read back. Schemas compose: a schema built on a
// parent evaluates the parent's fields first, then its own, and may only
// use bits at or above the parent's custom offset. Bits below that offset
// stay reserved to the parent, so adding a field to a parent never shifts
// the bits of an already serialized child stream.
package dirty

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"

	"github.com/drpcorg/fabric/wire"
)

type Bits uint64

const None Bits = 0
const All Bits = ^Bits(0)

var (
	ErrBitCollision = errors.New("dirty: bit used by two fields")
	ErrBitRange     = errors.New("dirty: bit outside of the level's reserved range")
	ErrBitNotSingle = errors.New("dirty: field bit must have exactly one bit set")
	ErrUnknownBits  = errors.New("dirty: stream selects bits no field declares")
	ErrSnapshot     = errors.New("dirty: snapshot does not match the schema")
)

func (b Bits) Has(x Bits) bool {
	return b&x == x
}

func (b Bits) String() string {
	return fmt.Sprintf("%#x", uint64(b))
}

// Tracker is the dirty mask of one entity. The zero value is clean.
type Tracker struct {
	bits Bits
}

func (t *Tracker) IsDirty() bool {
	return t.bits != None
}

func (t *Tracker) Dirty() Bits {
	return t.bits
}

// SetDirty ORs b into the mask.
func (t *Tracker) SetDirty(b Bits) {
	t.bits |= b
}

// Clear resets the mask and returns what it was.
func (t *Tracker) Clear() Bits {
	b := t.bits
	t.bits = None
	return b
}

type Field struct {
	Bit         Bits
	Name        string
	Serialize   func(os *wire.OStream)
	Deserialize func(is *wire.IStream)
}

type Schema struct {
	parent *Schema
	fields []Field
	first  Bits
	custom Bits
	mask   Bits
}

// NewSchema declares one level of fields. Field bits must lie in
// [parent.Custom(), custom); a root schema starts at bit 0. The order of
// fields is the wire order.
func NewSchema(parent *Schema, custom Bits, fields ...Field) (*Schema, error) {
	s := &Schema{parent: parent, fields: fields, first: 1, custom: custom}
	if parent != nil {
		s.first = parent.custom
		s.mask = parent.mask
	}
	if bits.OnesCount64(uint64(custom)) != 1 || custom <= s.first {
		return nil, fmt.Errorf("%w: custom offset %s", ErrBitRange, custom)
	}
	for _, f := range fields {
		if bits.OnesCount64(uint64(f.Bit)) != 1 {
			return nil, fmt.Errorf("%w: %s %s", ErrBitNotSingle, f.Name, f.Bit)
		}
		if f.Bit < s.first || f.Bit >= custom {
			return nil, fmt.Errorf("%w: %s %s", ErrBitRange, f.Name, f.Bit)
		}
		if s.mask&f.Bit != 0 {
			return nil, fmt.Errorf("%w: %s %s", ErrBitCollision, f.Name, f.Bit)
		}
		s.mask |= f.Bit
	}
	return s, nil
}

// MustSchema is NewSchema for static declarations.
func MustSchema(parent *Schema, custom Bits, fields ...Field) *Schema {
	s, err := NewSchema(parent, custom, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Custom is the first bit available to a schema extending this one.
func (s *Schema) Custom() Bits {
	return s.custom
}

// Mask is the union of all declared bits, parents included.
func (s *Schema) Mask() Bits {
	return s.mask
}

func (s *Schema) each(f func(fld *Field) error) error {
	if s.parent != nil {
		if err := s.parent.each(f); err != nil {
			return err
		}
	}
	for i := range s.fields {
		if err := f(&s.fields[i]); err != nil {
			return err
		}
	}
	return nil
}

// Serialize writes every field selected by b, in declared order.
func (s *Schema) Serialize(os *wire.OStream, b Bits) {
	_ = s.each(func(fld *Field) error {
		if b&fld.Bit != 0 {
			fld.Serialize(os)
		}
		return nil
	})
}

// Deserialize reads the fields selected by b in the same order Serialize
// wrote them. Fields not selected are left untouched.
func (s *Schema) Deserialize(is *wire.IStream, b Bits) error {
	if unknown := b &^ s.mask; unknown != 0 {
		return fmt.Errorf("%w: %s", ErrUnknownBits, unknown)
	}
	return s.each(func(fld *Field) error {
		if b&fld.Bit == 0 {
			return nil
		}
		fld.Deserialize(is)
		if err := is.Err(); err != nil {
			return fmt.Errorf("dirty: field %s: %w", fld.Name, err)
		}
		return nil
	})
}

// Snapshot is a per-field copy of an entity's state.
type Snapshot struct {
	chunks [][]byte
}

func (snap Snapshot) IsZero() bool {
	return snap.chunks == nil
}

func (s *Schema) Snapshot() Snapshot {
	var snap Snapshot
	_ = s.each(func(fld *Field) error {
		os := wire.NewOStream(nil)
		fld.Serialize(os)
		snap.chunks = append(snap.chunks, os.Bytes())
		return nil
	})
	return snap
}

// Restore overwrites the fields that differ from snap and returns their
// bits. A snapshot taken from a different schema is rejected before any
// field is touched.
func (s *Schema) Restore(snap Snapshot) (changed Bits, err error) {
	current := s.Snapshot()
	if len(current.chunks) != len(snap.chunks) {
		return None, ErrSnapshot
	}
	var stale []*Field
	var chunks [][]byte
	i := 0
	_ = s.each(func(fld *Field) error {
		if !bytes.Equal(current.chunks[i], snap.chunks[i]) {
			stale = append(stale, fld)
			chunks = append(chunks, snap.chunks[i])
		}
		i++
		return nil
	})
	for j, fld := range stale {
		is := wire.NewIStream(chunks[j])
		fld.Deserialize(is)
		if is.Err() != nil || is.Remaining() != 0 {
			return changed, fmt.Errorf("%w: field %s", ErrSnapshot, fld.Name)
		}
		changed |= fld.Bit
	}
	return changed, nil
}
