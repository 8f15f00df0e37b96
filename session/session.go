// Package session is the registry of distributed objects on one node. It
// hands out object ids, resolves user-data handles, keeps a name index
// and acts as the committer of registered objects: committed deltas are
// persisted to an optional Store and fanned out to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrUnknownObject = errors.New("session: unknown object")
	ErrIDInUse       = errors.New("session: object id already registered")
	ErrBadID         = errors.New("session: object id must be non-zero")
	ErrStaleVersion  = errors.New("session: object is older than the requested version")
	ErrNotPublished  = errors.New("session: version was never published")
)

// InconsistencyHandler is told about every mirror that failed to apply a
// delta.
type InconsistencyHandler func(id object.ID, err error)

type Options struct {
	Logger utils.Logger
	// Store, when set, persists every published delta.
	Store          *Store
	OnInconsistent InconsistencyHandler
	// FirstID is the first id AllocID returns.
	FirstID object.ID
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.FirstID == object.IDNone {
		o.FirstID = 1
	}
}

type Session struct {
	id   uuid.UUID
	log  utils.Logger
	opts Options

	next         atomic.Uint64
	objects      *xsync.MapOf[object.ID, *object.Object]
	published    *xsync.MapOf[object.ID, uint64]
	inconsistent *xsync.MapOf[object.ID, error]

	lock      sync.Mutex
	names     map[uint64][]object.ID
	nameOf    map[object.ID]string
	listeners []func(object.Delta)
}

func New(opts Options) *Session {
	opts.SetDefaults()
	s := &Session{
		id:           uuid.Must(uuid.NewV7()),
		log:          opts.Logger,
		opts:         opts,
		objects:      xsync.NewMapOf[object.ID, *object.Object](),
		published:    xsync.NewMapOf[object.ID, uint64](),
		inconsistent: xsync.NewMapOf[object.ID, error](),
		names:        make(map[uint64][]object.ID),
		nameOf:       make(map[object.ID]string),
	}
	s.next.Store(uint64(opts.FirstID) - 1)
	return s
}

// ID is the instance id of this session, unique across restarts.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// AllocID returns an id no registered object uses.
func (s *Session) AllocID() object.ID {
	for {
		id := object.ID(s.next.Add(1))
		if _, ok := s.objects.Load(id); !ok && id != object.IDNone {
			return id
		}
	}
}

// Register adds o under its id and makes the session its committer.
func (s *Session) Register(o *object.Object) error {
	id := o.ID()
	if id == object.IDNone {
		return ErrBadID
	}
	if _, loaded := s.objects.LoadOrStore(id, o); loaded {
		return fmt.Errorf("object %d: %w", id, ErrIDInUse)
	}
	o.Attach(s)
	s.index(id, o.Name())
	s.log.Debug("session: registered", "id", uint64(id), "name", o.Name())
	return nil
}

// Deregister removes id. It reports whether id was registered.
func (s *Session) Deregister(id object.ID) bool {
	o, ok := s.objects.LoadAndDelete(id)
	if !ok {
		return false
	}
	o.Attach(nil)
	s.unindex(id)
	s.published.Delete(id)
	s.inconsistent.Delete(id)
	if s.opts.Store != nil {
		if err := s.opts.Store.Forget(id); err != nil {
			s.log.Warn("session: couldn't forget deltas", "id", uint64(id), "err", err)
		}
	}
	s.log.Debug("session: deregistered", "id", uint64(id))
	return true
}

func (s *Session) Lookup(id object.ID) (*object.Object, bool) {
	return s.objects.Load(id)
}

// ResolveUserData follows a user-data handle. The target must be
// registered and at least at the referenced version.
func (s *Session) ResolveUserData(v object.Version) (*object.Object, error) {
	if v.IsZero() {
		return nil, nil
	}
	o, ok := s.objects.Load(v.ID)
	if !ok {
		return nil, fmt.Errorf("user data %d: %w", v.ID, ErrUnknownObject)
	}
	if o.Version() < v.Version {
		return nil, fmt.Errorf("user data %d at %d, want %d: %w", v.ID, o.Version(), v.Version, ErrStaleVersion)
	}
	return o, nil
}

func nameHash(name string) uint64 {
	return xxhash.Sum64String(name)
}

func (s *Session) index(id object.ID, name string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.unindexLocked(id)
	if name == "" {
		return
	}
	h := nameHash(name)
	s.names[h] = append(s.names[h], id)
	s.nameOf[id] = name
}

func (s *Session) unindex(id object.ID) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.unindexLocked(id)
}

func (s *Session) unindexLocked(id object.ID) {
	old, ok := s.nameOf[id]
	if !ok {
		return
	}
	delete(s.nameOf, id)
	h := nameHash(old)
	ids := s.names[h]
	for i, x := range ids {
		if x == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.names, h)
	} else {
		s.names[h] = ids
	}
}

// FindByName lists, in id order, the objects whose committed name is
// name.
func (s *Session) FindByName(name string) []object.ID {
	s.lock.Lock()
	defer s.lock.Unlock()
	var res []object.ID
	for _, id := range s.names[nameHash(name)] {
		if s.nameOf[id] == name {
			res = append(res, id)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// OnCommit subscribes fn to every published delta. fn runs in the
// committing context and must not block.
func (s *Session) OnCommit(fn func(object.Delta)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Publish implements object.Committer.
func (s *Session) Publish(d object.Delta) {
	if d.Bits.Has(object.DirtyName) {
		if o, ok := s.objects.Load(d.ID); ok {
			s.index(d.ID, o.Name())
		}
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.Append(d); err != nil {
			s.log.Error("session: couldn't persist delta", "id", uint64(d.ID), "version", d.Version, "err", err)
			return
		}
	}
	s.published.Compute(d.ID, func(old uint64, _ bool) (uint64, bool) {
		return max(old, d.Version), false
	})
	s.lock.Lock()
	listeners := s.listeners
	s.lock.Unlock()
	for _, fn := range listeners {
		fn(d)
	}
}

// Sync implements object.Committer. Publishing is synchronous, so a
// version is acknowledged once Publish stored it.
func (s *Session) Sync(ctx context.Context, id object.ID, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v, ok := s.published.Load(id); ok && v >= version {
		return nil
	}
	return fmt.Errorf("object %d version %d: %w", id, version, ErrNotPublished)
}

// Apply hands a delta to the registered mirror. Failures mark the mirror
// inconsistent and are reported; nothing is retried.
func (s *Session) Apply(d object.Delta) error {
	o, ok := s.objects.Load(d.ID)
	if !ok {
		return fmt.Errorf("delta for %d: %w", d.ID, ErrUnknownObject)
	}
	if err := o.Apply(d); err != nil {
		s.report(d.ID, err)
		return err
	}
	if _, was := s.inconsistent.LoadAndDelete(d.ID); was {
		s.log.Info("session: mirror recovered", "id", uint64(d.ID), "version", d.Version)
	}
	if d.Bits.Has(object.DirtyName) {
		s.index(d.ID, o.Name())
	}
	return nil
}

func (s *Session) report(id object.ID, err error) {
	s.inconsistent.Store(id, err)
	s.log.Warn("session: mirror inconsistent", "id", uint64(id), "err", err)
	if s.opts.OnInconsistent != nil {
		s.opts.OnInconsistent(id, err)
	}
}

// Inconsistent lists the mirrors waiting for a full snapshot.
func (s *Session) Inconsistent() map[object.ID]error {
	res := make(map[object.ID]error)
	s.inconsistent.Range(func(id object.ID, err error) bool {
		res[id] = err
		return true
	})
	return res
}

// CatchUp replays stored deltas newer than the mirror's version into it.
func (s *Session) CatchUp(id object.ID) error {
	if s.opts.Store == nil {
		return nil
	}
	o, ok := s.objects.Load(id)
	if !ok {
		return fmt.Errorf("catch up %d: %w", id, ErrUnknownObject)
	}
	latest, err := s.opts.Store.Latest(id)
	if errors.Is(err, ErrNoDeltas) || (err == nil && latest <= o.Version()) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("catch up %d: %w", id, err)
	}
	return s.opts.Store.Replay(id, o.Version()+1, s.Apply)
}
