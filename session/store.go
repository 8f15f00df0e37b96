package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/fabric/object"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Store keeps the committed deltas of every object, keyed by object id
// and version, so a mirror that joins late or lost its way can catch up.
//
// Key layout: 'D' id(u64 BE) version(u64 BE). Big-endian keeps the
// versions of one object adjacent and in order.
type Store struct {
	db     *pebble.DB
	sync   bool
	latest *lru.Cache[object.ID, uint64]
}

const deltaPrefix = 'D'

var ErrNoDeltas = errors.New("session: no deltas stored for object")

type StoreOptions struct {
	// Sync makes every append durable before it returns.
	Sync   bool
	Pebble *pebble.Options
	// LatestCache is how many objects' latest versions are kept in memory.
	LatestCache int
}

func (o *StoreOptions) SetDefaults() {
	if o.Pebble == nil {
		o.Pebble = &pebble.Options{}
	}
	if o.LatestCache <= 0 {
		o.LatestCache = 4096
	}
}

func OpenStore(dir string, opts StoreOptions) (*Store, error) {
	opts.SetDefaults()
	latest, err := lru.New[object.ID, uint64](opts.LatestCache)
	if err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, opts.Pebble)
	if err != nil {
		return nil, fmt.Errorf("session: open store %s: %w", dir, err)
	}
	return &Store{db: db, sync: opts.Sync, latest: latest}, nil
}

func deltaKey(id object.ID, version uint64) []byte {
	key := make([]byte, 0, 17)
	key = append(key, deltaPrefix)
	key = binary.BigEndian.AppendUint64(key, uint64(id))
	return binary.BigEndian.AppendUint64(key, version)
}

func objectPrefix(id object.ID) []byte {
	return deltaKey(id, 0)[:9]
}

// objectEnd is the first key past every delta of id.
func objectEnd(id object.ID) []byte {
	if id == object.ID(math.MaxUint64) {
		return []byte{deltaPrefix + 1}
	}
	return deltaKey(id+1, 0)
}

func (s *Store) writeOpts() *pebble.WriteOptions {
	if s.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *Store) Append(d object.Delta) error {
	val, _ := d.MarshalBinary()
	if err := s.db.Set(deltaKey(d.ID, d.Version), val, s.writeOpts()); err != nil {
		return fmt.Errorf("session: store delta %d@%d: %w", d.ID, d.Version, err)
	}
	if v, ok := s.latest.Get(d.ID); !ok || v < d.Version {
		s.latest.Add(d.ID, d.Version)
	}
	return nil
}

// Replay feeds the stored deltas of id with version >= from, in version
// order, until fn fails.
func (s *Store) Replay(id object.ID, from uint64, fn func(object.Delta) error) error {
	prefix := objectPrefix(id)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: deltaKey(id, from),
		UpperBound: objectEnd(id),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		key := iter.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		d, err := object.ParseDelta(id, iter.Value())
		if err != nil {
			return fmt.Errorf("session: stored delta %x: %w", key, err)
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Latest is the highest stored version of id.
func (s *Store) Latest(id object.ID) (uint64, error) {
	if v, ok := s.latest.Get(id); ok {
		return v, nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: objectPrefix(id),
		UpperBound: objectEnd(id),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return 0, err
		}
		return 0, ErrNoDeltas
	}
	v := binary.BigEndian.Uint64(iter.Key()[9:])
	s.latest.Add(id, v)
	return v, nil
}

// Truncate drops the deltas of id older than version, typically once a
// full snapshot at version is stored.
func (s *Store) Truncate(id object.ID, version uint64) error {
	s.latest.Remove(id)
	return s.db.DeleteRange(deltaKey(id, 0), deltaKey(id, version), s.writeOpts())
}

// Forget drops everything stored for id.
func (s *Store) Forget(id object.ID) error {
	s.latest.Remove(id)
	return s.db.DeleteRange(objectPrefix(id), objectEnd(id), s.writeOpts())
}

func (s *Store) Close() error {
	return s.db.Close()
}
