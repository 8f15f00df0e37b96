// Package dispatch delivers command packets to actors.
//
// Every actor is bound to at most one execution context. A context is
// served by one worker goroutine draining a FIFO queue; deferred commands
// run only there, immediate commands run in the caller. Packets sent from
// one sender to one receiver execute in send order. A request carries a
// correlation id and gets exactly one reply, routed back to the node that
// sent it. Nothing is dropped silently: a packet nobody can execute is
// answered with a failure reply.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/drpcorg/fabric/command"
	"github.com/drpcorg/fabric/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrClosed        = errors.New("dispatch: dispatcher is closed")
	ErrContextExists = errors.New("dispatch: execution context already exists")
	ErrContextAbsent = errors.New("dispatch: no such execution context")
)

// Actor is an addressable resource proxy.
type Actor interface {
	Commands() *command.Registry
}

// Remote carries packets this node cannot deliver locally.
type Remote interface {
	Send(ctx context.Context, p *command.Packet) error
}

// NoContext binds an actor to no execution context; it accepts immediate
// commands only.
const NoContext uint64 = 0

type Options struct {
	// NodeID is the sender id of requests issued here.
	NodeID     uint64
	QueueLimit int
	Logger     utils.Logger
}

func (o *Options) SetDefaults() {
	if o.NodeID == 0 {
		o.NodeID = 1
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = 1 << 16
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

type binding struct {
	actor Actor
	ctxID uint64
}

type Dispatcher struct {
	opts Options
	log  utils.Logger

	actors  *xsync.MapOf[uint64, binding]
	workers *xsync.MapOf[uint64, *worker]
	pending *xsync.MapOf[uint64, *Pending]
	remote  atomic.Pointer[Remote]

	corr atomic.Uint64
	// lock orders AddContext against Close.
	lock   sync.Mutex
	closed atomic.Bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options) *Dispatcher {
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:    opts,
		log:     opts.Logger,
		actors:  xsync.NewMapOf[uint64, binding](),
		workers: xsync.NewMapOf[uint64, *worker](),
		pending: xsync.NewMapOf[uint64, *Pending](),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (d *Dispatcher) NodeID() uint64 {
	return d.opts.NodeID
}

// SetRemote installs the transport for packets addressed elsewhere.
func (d *Dispatcher) SetRemote(r Remote) {
	d.remote.Store(&r)
}

func (d *Dispatcher) getRemote() Remote {
	if r := d.remote.Load(); r != nil {
		return *r
	}
	return nil
}

// AddContext starts the worker of execution context id.
func (d *Dispatcher) AddContext(id uint64, name string) error {
	if id == NoContext {
		return fmt.Errorf("%w: context id 0 is reserved", ErrContextExists)
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed.Load() {
		return ErrClosed
	}
	w := &worker{
		id:    id,
		name:  name,
		d:     d,
		queue: utils.NewQueue[*command.Packet](d.opts.QueueLimit),
		done:  make(chan struct{}),
	}
	if _, loaded := d.workers.LoadOrStore(id, w); loaded {
		return ErrContextExists
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(w.done)
		w.run(d.ctx)
	}()
	d.log.Debug("dispatch: context started", "context", id, "name", name)
	return nil
}

// RemoveContext stops accepting packets for context id. Packets already
// queued are still executed.
func (d *Dispatcher) RemoveContext(id uint64) error {
	_, err := d.removeContext(id)
	return err
}

// StopContext removes context id and waits until its worker has executed
// everything queued and exited. It must not be called from that worker.
func (d *Dispatcher) StopContext(ctx context.Context, id uint64) error {
	done, err := d.removeContext(id)
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) removeContext(id uint64) (<-chan struct{}, error) {
	w, ok := d.workers.LoadAndDelete(id)
	if !ok {
		return nil, ErrContextAbsent
	}
	_ = w.queue.Close()
	queueDepth.DeleteLabelValues(w.name)
	return w.done, nil
}

// AddActor binds actor id to execution context ctxID.
func (d *Dispatcher) AddActor(id uint64, a Actor, ctxID uint64) error {
	if _, loaded := d.actors.LoadOrStore(id, binding{actor: a, ctxID: ctxID}); loaded {
		return fmt.Errorf("actor %d: %w", id, command.ErrIDInUse)
	}
	return nil
}

// RemoveActor unbinds id. Packets still queued for it are answered with
// a resource error.
func (d *Dispatcher) RemoveActor(id uint64) bool {
	_, ok := d.actors.LoadAndDelete(id)
	return ok
}

// Dispatch delivers p locally or, for an unknown destination, through the
// remote transport. Failures to execute are reported in the reply, the
// returned error covers only the dispatcher itself.
func (d *Dispatcher) Dispatch(ctx context.Context, p *command.Packet) error {
	return d.dispatch(ctx, p, true)
}

// Deliver is Dispatch for packets that arrived from the transport; they
// are never forwarded again.
func (d *Dispatcher) Deliver(ctx context.Context, p *command.Packet) error {
	return d.dispatch(ctx, p, false)
}

// Send is fire-and-forget: no reply is produced and it never blocks on a
// full queue.
func (d *Dispatcher) Send(ctx context.Context, p *command.Packet) error {
	q := *p
	q.Correlation = 0
	return d.dispatch(ctx, &q, true)
}

// Request sends p with a fresh correlation id. The reply is collected
// with Pending.Wait.
func (d *Dispatcher) Request(ctx context.Context, p *command.Packet) (*Pending, error) {
	q := p.Clone()
	q.Correlation = d.corr.Add(1)
	q.Sender = d.opts.NodeID
	q.Flags &^= command.FlagReply
	pend := newPending(d, q)
	d.pending.Store(q.Correlation, pend)
	if err := d.dispatch(ctx, q, true); err != nil {
		d.pending.Delete(q.Correlation)
		return nil, err
	}
	return pend, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, p *command.Packet, forward bool) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if p.IsReply() {
		d.route(ctx, p)
		return nil
	}
	b, ok := d.actors.Load(p.Dest)
	if !ok {
		if r := d.getRemote(); forward && r != nil {
			err := r.Send(ctx, p)
			if err == nil {
				return nil
			}
			d.log.WarnCtx(ctx, "dispatch: couldn't forward", "packet", p.String(), "err", err)
		}
		d.finish(ctx, p, "none", nil, fmt.Errorf("actor %d: %w", p.Dest, command.ErrUnroutable))
		return nil
	}
	e, ok := b.actor.Commands().Lookup(p.Op)
	if !ok || e.Kind == command.Task {
		d.finish(ctx, p, "none", nil, command.ProtocolErrorf("actor %d: unknown opcode %#x", p.Dest, uint32(p.Op)))
		return nil
	}
	if e.Kind == command.Immediate {
		body, err := e.Handler.Handle(ctx, p)
		d.finish(ctx, p, e.Kind.String(), body, err)
		return nil
	}

	w, ok := d.workers.Load(b.ctxID)
	if !ok {
		d.finish(ctx, p, e.Kind.String(), nil,
			fmt.Errorf("actor %d context %d: %w", p.Dest, b.ctxID, command.ErrUnroutable))
		return nil
	}
	if e.Admission != nil {
		if err := e.Admission.Admit(p); err != nil {
			d.finish(ctx, p, e.Kind.String(), nil, err)
			return nil
		}
	}
	if err := w.queue.Drain(p.Clone()); err != nil {
		if e.Admission != nil {
			e.Admission.Cancel(p)
		}
		if errors.Is(err, utils.ErrClosed) {
			err = fmt.Errorf("context %d: %w", b.ctxID, command.ErrUnroutable)
		} else {
			err = command.Failed(fmt.Sprintf("context %d: queue is full", b.ctxID))
		}
		d.finish(ctx, p, e.Kind.String(), nil, err)
		return nil
	}
	queueDepth.WithLabelValues(w.name).Set(float64(w.queue.Len()))
	return nil
}

// execute runs a deferred packet on the worker that owns its actor.
func (d *Dispatcher) execute(ctx context.Context, w *worker, p *command.Packet) {
	b, ok := d.actors.Load(p.Dest)
	if !ok || b.ctxID != w.id {
		d.finish(ctx, p, command.Task.String(), nil, fmt.Errorf("actor %d: %w", p.Dest, command.ErrUnknownActor))
		return
	}
	e, _ := b.actor.Commands().Lookup(p.Op)
	h, err := b.actor.Commands().Task(e)
	if err != nil {
		d.finish(ctx, p, command.Task.String(), nil, err)
		return
	}
	body, err := h.Handle(ctx, p)
	d.finish(ctx, p, command.Task.String(), body, err)
}

// finish accounts for a handled packet and replies if a reply is due.
func (d *Dispatcher) finish(ctx context.Context, p *command.Packet, kind string, body any, herr error) {
	status := command.StatusOf(herr)
	dispatched.WithLabelValues(kind, status.String()).Inc()
	if herr != nil {
		d.log.DebugCtx(ctx, "dispatch: command failed", "packet", p.String(), "status", status.String(), "err", herr)
	}
	if p.Correlation == 0 {
		return
	}
	rp, err := command.NewReply(p, body, herr)
	if err != nil {
		d.log.ErrorCtx(ctx, "dispatch: reply body", "packet", p.String(), "err", err)
		if rp, err = command.NewReply(p, nil, command.Failed(err.Error())); err != nil {
			return
		}
	}
	d.route(ctx, rp)
}

func (d *Dispatcher) route(ctx context.Context, rp *command.Packet) {
	if rp.Dest == d.opts.NodeID {
		if pend, ok := d.pending.LoadAndDelete(rp.Correlation); ok {
			pend.resolve(rp)
			return
		}
		d.log.DebugCtx(ctx, "dispatch: reply without a waiter", "packet", rp.String())
		return
	}
	if r := d.getRemote(); r != nil {
		if err := r.Send(ctx, rp); err != nil {
			d.log.WarnCtx(ctx, "dispatch: couldn't send reply", "packet", rp.String(), "err", err)
		}
		return
	}
	d.log.WarnCtx(ctx, "dispatch: reply to unknown node dropped", "packet", rp.String())
}

// Close stops all workers after they ran what is already queued.
func (d *Dispatcher) Close() error {
	d.lock.Lock()
	if d.closed.Swap(true) {
		d.lock.Unlock()
		return ErrClosed
	}
	d.workers.Range(func(id uint64, w *worker) bool {
		_ = w.queue.Close()
		return true
	})
	d.lock.Unlock()
	d.wg.Wait()
	d.workers.Clear()
	d.cancel()
	return nil
}
