package command

import (
	"context"
	"fmt"
)

// Handler executes one packet. The returned body, if any, is encoded into
// the reply; a non-nil error selects the reply status.
type Handler interface {
	Handle(ctx context.Context, p *Packet) (body any, err error)
}

type HandlerFunc func(ctx context.Context, p *Packet) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, p *Packet) (any, error) {
	return f(ctx, p)
}

// Admission is consulted in the sender's context before a deferred packet
// is queued. Admit may refuse the packet; Cancel undoes an admitted
// packet that could not be queued after all.
type Admission interface {
	Admit(p *Packet) error
	Cancel(p *Packet)
}

type Kind uint8

const (
	// Immediate handlers run synchronously in the caller's context.
	Immediate Kind = iota + 1
	// Deferred entries queue the packet on the owning worker, which runs
	// the task registered under Real.
	Deferred
	// Task handlers run only on the owning worker, never on dispatch.
	Task
)

func (k Kind) String() string {
	switch k {
	case Immediate:
		return "immediate"
	case Deferred:
		return "deferred"
	case Task:
		return "task"
	default:
		return "none"
	}
}

type Entry struct {
	Kind      Kind
	Handler   Handler
	Real      Op
	Admission Admission
}

// Registry is the fixed opcode table of one actor. It is filled when the
// actor is constructed and read-only afterwards.
type Registry struct {
	entries map[Op]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Op]Entry)}
}

func (r *Registry) add(op Op, e Entry) {
	if _, ok := r.entries[op]; ok {
		panic(fmt.Sprintf("command: opcode %d registered twice", op))
	}
	r.entries[op] = e
}

// Register binds an immediate handler.
func (r *Registry) Register(op Op, h Handler) {
	r.add(op, Entry{Kind: Immediate, Handler: h})
}

// RegisterTask binds the handler a deferred opcode runs on the worker.
func (r *Registry) RegisterTask(op Op, h Handler) {
	r.add(op, Entry{Kind: Task, Handler: h})
}

// RegisterPush makes op a deferred opcode executed as real. adm may be
// nil.
func (r *Registry) RegisterPush(op, real Op, adm Admission) {
	r.add(op, Entry{Kind: Deferred, Real: real, Admission: adm})
}

func (r *Registry) Lookup(op Op) (Entry, bool) {
	e, ok := r.entries[op]
	return e, ok
}

// Task resolves the handler a deferred entry runs.
func (r *Registry) Task(e Entry) (Handler, error) {
	t, ok := r.entries[e.Real]
	if !ok || t.Kind != Task {
		return nil, ProtocolErrorf("opcode %d has no task", e.Real)
	}
	return t.Handler, nil
}
