package resource

import (
	"sync/atomic"

	"github.com/drpcorg/fabric/command"
)

type State int32

const (
	Uninitialized State = iota
	Initializing
	Running
	Exiting
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Exiting:
		return "exiting"
	default:
		return "invalid"
	}
}

// lifecycle moves a resource between states. INIT and EXIT enter their
// transitional state when admitted by the dispatcher; the task on the
// owning worker completes the transition.
type lifecycle struct {
	id     uint64
	state  atomic.Int32
	initOp command.Op
	exitOp command.Op
}

func (l *lifecycle) State() State {
	return State(l.state.Load())
}

func (l *lifecycle) move(from, to State) bool {
	return l.state.CompareAndSwap(int32(from), int32(to))
}

func (l *lifecycle) set(s State) {
	l.state.Store(int32(s))
}

func (l *lifecycle) Admit(p *command.Packet) error {
	switch p.Op {
	case l.initOp:
		if !l.move(Uninitialized, Initializing) {
			return command.ResourceStateErrorf("resource %d: init while %s", l.id, l.State())
		}
	case l.exitOp:
		if !l.move(Running, Exiting) {
			return command.ResourceStateErrorf("resource %d: exit while %s", l.id, l.State())
		}
	}
	return nil
}

func (l *lifecycle) Cancel(p *command.Packet) {
	switch p.Op {
	case l.initOp:
		l.move(Initializing, Uninitialized)
	case l.exitOp:
		l.move(Exiting, Running)
	}
}
