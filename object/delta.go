package object

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/drpcorg/fabric/dirty"
)

var (
	ErrReplication  = errors.New("object: replication failed")
	ErrWrongObject  = errors.New("object: delta is for another object")
	ErrVersionGap   = errors.New("object: delta version does not follow the local one")
	ErrNeedSnapshot = errors.New("object: mirror is inconsistent, waiting for a full snapshot")
	ErrTrailingData = errors.New("object: trailing bytes after the selected fields")
	ErrShortDelta   = errors.New("object: delta shorter than its header")
)

// ReplicationError reports a delta a mirror could not apply. It matches
// ErrReplication and its cause with errors.Is.
type ReplicationError struct {
	ID     ID
	Local  uint64
	Remote uint64
	Bits   dirty.Bits
	Err    error
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("object %d: replication failed at local version %d, delta version %d bits %s: %v",
		e.ID, e.Local, e.Remote, e.Bits, e.Err)
}

func (e *ReplicationError) Unwrap() []error {
	return []error{ErrReplication, e.Err}
}

// Delta is one committed change of an object.
//
// Wire format (little-endian): version u64, dirty bits u64, then the
// selected fields in declared order. The object id travels outside, as
// the destination of the carrying packet.
type Delta struct {
	ID      ID
	Version uint64
	Bits    dirty.Bits
	Payload []byte
}

const DeltaHeaderLen = 16

func (d Delta) AppendBinary(into []byte) []byte {
	into = binary.LittleEndian.AppendUint64(into, d.Version)
	into = binary.LittleEndian.AppendUint64(into, uint64(d.Bits))
	return append(into, d.Payload...)
}

func (d Delta) MarshalBinary() ([]byte, error) {
	return d.AppendBinary(make([]byte, 0, DeltaHeaderLen+len(d.Payload))), nil
}

// ParseDelta decodes a delta of object id. The payload is copied.
func ParseDelta(id ID, data []byte) (Delta, error) {
	if len(data) < DeltaHeaderLen {
		return Delta{}, ErrShortDelta
	}
	return Delta{
		ID:      id,
		Version: binary.LittleEndian.Uint64(data[0:8]),
		Bits:    dirty.Bits(binary.LittleEndian.Uint64(data[8:16])),
		Payload: append([]byte(nil), data[DeltaHeaderLen:]...),
	}, nil
}
