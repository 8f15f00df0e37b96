package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/drpcorg/fabric/command"
	"github.com/drpcorg/fabric/object"
)

// Pipe is an execution context: one worker executes the deferred
// commands of the pipe's windows and channels, in order.
type Pipe struct {
	*object.Object

	env *Env
	reg *command.Registry

	lock    sync.Mutex
	windows map[object.ID]*Window
}

// NewPipe registers the pipe with the session and starts its worker.
func NewPipe(env *Env, id object.ID, name string) (*Pipe, error) {
	env.SetDefaults()
	p := &Pipe{
		Object:  object.New(id),
		env:     env,
		reg:     command.NewRegistry(),
		windows: make(map[object.ID]*Window),
	}
	p.SetName(name)
	p.reg.Register(command.OpPipeCreateWindow, command.HandlerFunc(p.createWindow))
	p.reg.Register(command.OpPipeDestroyWindow, command.HandlerFunc(p.destroyWindow))
	registerMirror(p.reg, env.Session)

	if err := env.Dispatcher.AddContext(uint64(id), name); err != nil {
		return nil, fmt.Errorf("pipe %d: %w", id, err)
	}
	if err := env.register(p.Object, p, uint64(id)); err != nil {
		_ = env.Dispatcher.RemoveContext(uint64(id))
		return nil, err
	}
	return p, nil
}

func (p *Pipe) Commands() *command.Registry {
	return p.reg
}

func (p *Pipe) createWindow(_ context.Context, pkt *command.Packet) (any, error) {
	id, name, err := decodeChild(pkt)
	if err != nil {
		return nil, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.windows[id]; ok {
		return nil, fmt.Errorf("pipe %d window %d: %w", p.ID(), id, command.ErrIDInUse)
	}
	w, err := newWindow(p.env, id, p.ID(), name)
	if err != nil {
		return nil, err
	}
	if err := p.env.register(w.Object, w, uint64(p.ID())); err != nil {
		return nil, err
	}
	p.windows[id] = w
	return nil, nil
}

// destroyWindow releases a window that is not running. Unknown ids are
// ignored.
func (p *Pipe) destroyWindow(_ context.Context, pkt *command.Packet) (any, error) {
	id, err := decodeDestroy(pkt)
	if err != nil {
		return nil, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	w, ok := p.windows[id]
	if !ok {
		return nil, nil
	}
	if s := w.State(); s != Uninitialized {
		return nil, command.ResourceStateErrorf("window %d: destroy while %s", id, s)
	}
	delete(p.windows, id)
	w.release()
	return nil, nil
}

func (p *Pipe) Window(id object.ID) (*Window, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	w, ok := p.windows[id]
	return w, ok
}

// Close stops the worker once it has run the commands already queued,
// then exits the backend of every window still holding one and releases
// all windows. Commands sent afterwards are answered as unknown.
func (p *Pipe) Close() error {
	err := p.env.Dispatcher.StopContext(context.Background(), uint64(p.ID()))
	p.lock.Lock()
	defer p.lock.Unlock()
	for id, w := range p.windows {
		w.shutdown()
		w.release()
		delete(p.windows, id)
	}
	p.env.unregister(p.ID())
	return err
}
