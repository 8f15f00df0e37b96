package session

import (
	"context"
	"math"
	"testing"

	"github.com/drpcorg/fabric/object"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	return openStoreAt(t, t.TempDir())
}

func TestSession_RegisterAndIDs(t *testing.T) {
	s := New(Options{})
	a := object.New(s.AllocID())
	require.NoError(t, s.Register(a))
	assert.ErrorIs(t, s.Register(object.New(a.ID())), ErrIDInUse)
	assert.ErrorIs(t, s.Register(object.New(object.IDNone)), ErrBadID)

	// an externally supplied id is skipped by allocation
	require.NoError(t, s.Register(object.New(a.ID()+1)))
	assert.Equal(t, a.ID()+2, s.AllocID())

	got, ok := s.Lookup(a.ID())
	assert.True(t, ok)
	assert.Same(t, a, got)

	assert.True(t, s.Deregister(a.ID()))
	assert.False(t, s.Deregister(a.ID()))
	_, ok = s.Lookup(a.ID())
	assert.False(t, ok)
}

func TestSession_CommitIsAcknowledged(t *testing.T) {
	s := New(Options{})
	o := object.New(s.AllocID())
	require.NoError(t, s.Register(o))

	var seen []object.Delta
	s.OnCommit(func(d object.Delta) { seen = append(seen, d) })

	o.SetName("left")
	v, err := o.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	require.Len(t, seen, 1)
	assert.Equal(t, object.DirtyName, seen[0].Bits)

	assert.ErrorIs(t, s.Sync(context.Background(), o.ID(), 2), ErrNotPublished)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Sync(ctx, o.ID(), 1), context.Canceled)
}

func TestSession_FindByName(t *testing.T) {
	s := New(Options{})
	a, b := object.New(s.AllocID()), object.New(s.AllocID())
	a.SetName("wall")
	require.NoError(t, s.Register(a))
	require.NoError(t, s.Register(b))
	assert.Equal(t, []object.ID{a.ID()}, s.FindByName("wall"))

	b.SetName("wall")
	// not committed yet
	assert.Equal(t, []object.ID{a.ID()}, s.FindByName("wall"))
	b.CommitNB()
	assert.Equal(t, []object.ID{a.ID(), b.ID()}, s.FindByName("wall"))

	a.SetName("floor")
	a.CommitNB()
	assert.Equal(t, []object.ID{b.ID()}, s.FindByName("wall"))
	assert.Equal(t, []object.ID{a.ID()}, s.FindByName("floor"))

	s.Deregister(b.ID())
	assert.Empty(t, s.FindByName("wall"))
}

func TestSession_ResolveUserData(t *testing.T) {
	s := New(Options{})
	target := object.New(s.AllocID())
	require.NoError(t, s.Register(target))
	target.SetTasks(1)
	target.CommitNB()

	o, err := s.ResolveUserData(object.Version{ID: target.ID(), Version: 1})
	require.NoError(t, err)
	assert.Same(t, target, o)

	_, err = s.ResolveUserData(object.Version{ID: target.ID(), Version: 2})
	assert.ErrorIs(t, err, ErrStaleVersion)
	_, err = s.ResolveUserData(object.Version{ID: 999})
	assert.ErrorIs(t, err, ErrUnknownObject)

	o, err = s.ResolveUserData(object.Version{})
	assert.NoError(t, err)
	assert.Nil(t, o)
}

func TestSession_Inconsistency(t *testing.T) {
	var reported []object.ID
	master := New(Options{})
	mirror := New(Options{OnInconsistent: func(id object.ID, err error) {
		assert.ErrorIs(t, err, object.ErrReplication)
		reported = append(reported, id)
	}})

	m := object.New(7)
	require.NoError(t, master.Register(m))
	require.NoError(t, mirror.Register(object.New(7)))

	var deltas []object.Delta
	master.OnCommit(func(d object.Delta) { deltas = append(deltas, d) })
	for _, name := range []string{"a", "b", "c"} {
		m.SetName(name)
		m.CommitNB()
	}

	require.NoError(t, mirror.Apply(deltas[0]))
	err := mirror.Apply(deltas[2])
	assert.ErrorIs(t, err, object.ErrVersionGap)
	assert.Equal(t, []object.ID{7}, reported)
	assert.Contains(t, mirror.Inconsistent(), object.ID(7))

	require.NoError(t, mirror.Apply(m.Snapshot()))
	assert.Empty(t, mirror.Inconsistent())
	assert.Equal(t, []object.ID{7}, mirror.FindByName("c"))

	assert.ErrorIs(t, mirror.Apply(object.Delta{ID: 8}), ErrUnknownObject)
}

func TestStore_ReplayInOrder(t *testing.T) {
	store := openStore(t)
	master := New(Options{Store: store})
	m := object.New(3)
	require.NoError(t, master.Register(m))
	other := object.New(4)
	require.NoError(t, master.Register(other))

	for i := 0; i < 12; i++ {
		m.SetTasks(uint32(i))
		m.CommitNB()
		other.SetTasks(uint32(i))
		other.CommitNB()
	}
	latest, err := store.Latest(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), latest)

	var versions []uint64
	require.NoError(t, store.Replay(3, 5, func(d object.Delta) error {
		assert.Equal(t, object.ID(3), d.ID)
		versions = append(versions, d.Version)
		return nil
	}))
	assert.Equal(t, []uint64{5, 6, 7, 8, 9, 10, 11, 12}, versions)

	require.NoError(t, store.Truncate(3, 10))
	versions = versions[:0]
	require.NoError(t, store.Replay(3, 0, func(d object.Delta) error {
		versions = append(versions, d.Version)
		return nil
	}))
	assert.Equal(t, []uint64{10, 11, 12}, versions)
	latest, err = store.Latest(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), latest)

	require.NoError(t, store.Forget(4))
	_, err = store.Latest(4)
	assert.ErrorIs(t, err, ErrNoDeltas)
}

func TestSession_CatchUp(t *testing.T) {
	store := openStore(t)
	master := New(Options{Store: store})
	m := object.New(3)
	require.NoError(t, master.Register(m))
	for _, name := range []string{"a", "b", "c"} {
		m.SetName(name)
		m.CommitNB()
	}

	mirror := New(Options{Store: store})
	mo := object.New(3)
	require.NoError(t, mirror.Register(mo))
	require.NoError(t, mirror.CatchUp(3))
	assert.Equal(t, uint64(3), mo.Version())
	assert.Equal(t, "c", mo.Name())
	require.NoError(t, mirror.CatchUp(3))
	assert.Equal(t, uint64(3), mo.Version())

	empty := object.New(5)
	require.NoError(t, mirror.Register(empty))
	require.NoError(t, mirror.CatchUp(5))
	assert.ErrorIs(t, mirror.CatchUp(9), ErrUnknownObject)
}

func TestStoreCollector(t *testing.T) {
	store := openStore(t)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewStoreCollector(store)))
	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestStore_LastObjectID(t *testing.T) {
	const last, prev = object.ID(math.MaxUint64), object.ID(math.MaxUint64 - 1)
	dir := t.TempDir()
	store, err := OpenStore(dir, StoreOptions{})
	require.NoError(t, err)
	for v := uint64(1); v <= 2; v++ {
		require.NoError(t, store.Append(object.Delta{ID: last, Version: v, Payload: []byte{byte(v)}}))
	}
	require.NoError(t, store.Append(object.Delta{ID: prev, Version: 1}))

	var versions []uint64
	require.NoError(t, store.Replay(last, 0, func(d object.Delta) error {
		assert.Equal(t, last, d.ID)
		versions = append(versions, d.Version)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2}, versions)
	require.NoError(t, store.Close())

	// a fresh store reads the keys, not the cache
	store = openStoreAt(t, dir)
	latest, err := store.Latest(last)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest)

	require.NoError(t, store.Forget(last))
	_, err = store.Latest(last)
	assert.ErrorIs(t, err, ErrNoDeltas)
	latest, err = store.Latest(prev)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest)
}

func openStoreAt(t *testing.T, dir string) *Store {
	s, err := OpenStore(dir, StoreOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
