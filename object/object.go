// Package object implements the distributed object: the replicated base
// entity every resource of the cluster builds on.
//
// An Object carries identity, a name, a non-owning user-data handle, the
// message of the last failed operation and an advisory task mask. Changes
// are tracked per field with dirty bits and leave the process only on
// commit, as a versioned Delta holding the selected fields in declared
// order. A mirror applies deltas strictly in version order.
//
// Entities add their own state by composition: Extend appends a schema
// level whose bits start at the current level's custom offset.
//
// Precondition: every live instance of one object type must use the same
// type of user-data object. Nothing here checks it; mixing types is
// undefined behavior.
//
// An Object is owned by one execution context and is not safe for
// concurrent use.
package object

import (
	"context"
	"errors"
	"fmt"

	"github.com/drpcorg/fabric/dirty"
	"github.com/drpcorg/fabric/wire"
)

const (
	DirtyName dirty.Bits = 1 << iota
	DirtyUserData
	DirtyError
	DirtyTasks
	// bits 4 and 5 are kept free for compatible additions

	DirtyCustom dirty.Bits = 1 << 6
)

// ID identifies an object within a session. Zero is never assigned.
type ID uint64

const IDNone ID = 0

// VersionNone is the version of an object that was never committed.
const VersionNone uint64 = 0

// Version is a non-owning reference to a particular state of another
// object. It is resolved through the session that manages the target.
type Version struct {
	ID      ID
	Version uint64
}

func (v Version) IsZero() bool {
	return v.ID == IDNone
}

var ErrNoBackup = errors.New("object: no backup taken")

// Committer distributes committed deltas. Publish must not wait for any
// acknowledgment; Sync blocks until the given version is acknowledged.
type Committer interface {
	Publish(d Delta)
	Sync(ctx context.Context, id ID, version uint64) error
}

type Object struct {
	dirty.Tracker

	id      ID
	version uint64

	name     string
	userData Version
	errMsg   string
	tasks    uint32

	schema       *dirty.Schema
	backup       dirty.Snapshot
	inconsistent error
	committer    Committer
}

func New(id ID) *Object {
	o := &Object{id: id}
	o.schema = dirty.MustSchema(nil, DirtyCustom,
		dirty.Field{Bit: DirtyName, Name: "name",
			Serialize:   func(os *wire.OStream) { os.WriteString(o.name) },
			Deserialize: func(is *wire.IStream) { o.name = is.ReadString() }},
		dirty.Field{Bit: DirtyUserData, Name: "userdata",
			Serialize: func(os *wire.OStream) {
				os.WriteUint64(uint64(o.userData.ID))
				os.WriteUint64(o.userData.Version)
			},
			Deserialize: func(is *wire.IStream) {
				o.userData.ID = ID(is.ReadUint64())
				o.userData.Version = is.ReadUint64()
			}},
		dirty.Field{Bit: DirtyError, Name: "error",
			Serialize:   func(os *wire.OStream) { os.WriteString(o.errMsg) },
			Deserialize: func(is *wire.IStream) { o.errMsg = is.ReadString() }},
		dirty.Field{Bit: DirtyTasks, Name: "tasks",
			Serialize:   func(os *wire.OStream) { os.WriteUint32(o.tasks) },
			Deserialize: func(is *wire.IStream) { o.tasks = is.ReadUint32() }},
	)
	return o
}

// Extend adds a schema level for an entity's own fields. Bits must start
// at Custom(); custom is the offset left to the next level.
func (o *Object) Extend(custom dirty.Bits, fields ...dirty.Field) error {
	s, err := dirty.NewSchema(o.schema, custom, fields...)
	if err != nil {
		return err
	}
	o.schema = s
	return nil
}

// Custom is the first bit an extension of this object may use.
func (o *Object) Custom() dirty.Bits {
	return o.schema.Custom()
}

func (o *Object) ID() ID {
	return o.id
}

func (o *Object) Version() uint64 {
	return o.version
}

// Attach binds a committer. Objects without one commit locally only.
func (o *Object) Attach(c Committer) {
	o.committer = c
}

func (o *Object) Name() string {
	return o.name
}

func (o *Object) SetName(name string) {
	o.name = name
	o.SetDirty(DirtyName)
}

func (o *Object) UserData() Version {
	return o.userData
}

func (o *Object) SetUserData(v Version) {
	o.userData = v
	o.SetDirty(DirtyUserData)
}

// ErrorMessage is the reason the last operation failed, transmitted to
// the originator of the request.
func (o *Object) ErrorMessage() string {
	return o.errMsg
}

func (o *Object) SetErrorMessage(msg string) {
	if msg == o.errMsg {
		return
	}
	o.errMsg = msg
	o.SetDirty(DirtyError)
}

// Tasks is the worst-case set of tasks this entity might execute.
func (o *Object) Tasks() uint32 {
	return o.tasks
}

func (o *Object) SetTasks(tasks uint32) {
	o.tasks = tasks
	o.SetDirty(DirtyTasks)
}

// Inconsistent reports the replication failure that detached this mirror
// from its master, or nil.
func (o *Object) Inconsistent() error {
	return o.inconsistent
}

// CommitNB packs the dirty fields into a delta, advances the version and
// hands the delta to the committer without waiting. Committing a clean
// object is a no-op that returns the current version.
func (o *Object) CommitNB() uint64 {
	d, ok := o.pack()
	if !ok {
		return o.version
	}
	if o.committer != nil {
		o.committer.Publish(d)
	} else {
		o.backup = o.schema.Snapshot()
	}
	return d.Version
}

// Commit is CommitNB followed by a wait for the committer to acknowledge
// the new version. An acknowledged version becomes the backup.
func (o *Object) Commit(ctx context.Context) (uint64, error) {
	v := o.CommitNB()
	if o.committer == nil {
		return v, nil
	}
	if err := o.committer.Sync(ctx, o.id, v); err != nil {
		return v, fmt.Errorf("object %d: sync version %d: %w", o.id, v, err)
	}
	o.backup = o.schema.Snapshot()
	return v, nil
}

func (o *Object) pack() (Delta, bool) {
	bits := o.Clear()
	if bits == dirty.None {
		return Delta{}, false
	}
	os := wire.NewOStream(nil)
	o.schema.Serialize(os, bits)
	o.version++
	return Delta{ID: o.id, Version: o.version, Bits: bits, Payload: os.Bytes()}, true
}

// Backup keeps a copy of all tracked fields. It is overwritten only by
// the next Backup or acknowledged commit.
func (o *Object) Backup() {
	o.backup = o.schema.Snapshot()
}

// Restore rolls live fields back to the last backup and marks the ones
// that changed as dirty.
func (o *Object) Restore() error {
	if o.backup.IsZero() {
		return ErrNoBackup
	}
	changed, err := o.schema.Restore(o.backup)
	if err != nil {
		return err
	}
	o.SetDirty(changed)
	return nil
}

// Snapshot packs the full state at the current version, for mirrors that
// join late. It does not touch the dirty mask.
func (o *Object) Snapshot() Delta {
	os := wire.NewOStream(nil)
	mask := o.schema.Mask()
	o.schema.Serialize(os, mask)
	return Delta{ID: o.id, Version: o.version, Bits: mask, Payload: os.Bytes()}
}

// Apply brings a mirror to d.Version. Deltas must arrive in version order;
// a full snapshot may skip versions. On failure the fields are left as
// they were, the mirror is marked inconsistent and a *ReplicationError is
// returned. A later full snapshot clears the mark.
func (o *Object) Apply(d Delta) error {
	full := d.Bits == o.schema.Mask()
	switch {
	case d.ID != o.id:
		return o.fail(d, ErrWrongObject)
	case full && d.Version >= o.version:
	case o.inconsistent != nil:
		return o.fail(d, ErrNeedSnapshot)
	case d.Version != o.version+1:
		return o.fail(d, ErrVersionGap)
	}
	before := o.schema.Snapshot()
	is := wire.NewIStream(d.Payload)
	err := o.schema.Deserialize(is, d.Bits)
	if err == nil && is.Remaining() != 0 {
		err = ErrTrailingData
	}
	if err != nil {
		_, _ = o.schema.Restore(before)
		return o.fail(d, err)
	}
	o.version = d.Version
	if full {
		o.inconsistent = nil
	}
	return nil
}

func (o *Object) fail(d Delta, cause error) error {
	err := &ReplicationError{ID: o.id, Local: o.version, Remote: d.Version, Bits: d.Bits, Err: cause}
	o.inconsistent = err
	return err
}
