package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drpcorg/fabric/command"
	"github.com/drpcorg/fabric/object"
)

const (
	DirtyViewport = object.DirtyCustom
	windowCustom  = object.DirtyCustom << 4
)

type Window struct {
	*object.Object
	lifecycle

	env     *Env
	pipe    object.ID
	backend Backend
	reg     *command.Registry

	viewport command.Viewport

	lock     sync.Mutex
	channels map[object.ID]*Channel
}

func newWindow(env *Env, id, pipe object.ID, name string) (*Window, error) {
	w := &Window{
		Object:   object.New(id),
		env:      env,
		pipe:     pipe,
		backend:  env.Backends(name),
		reg:      command.NewRegistry(),
		channels: make(map[object.ID]*Channel),
	}
	w.lifecycle.id = uint64(id)
	w.initOp, w.exitOp = command.OpWindowInit, command.OpWindowExit
	if err := w.Extend(windowCustom, viewportField(DirtyViewport, &w.viewport)); err != nil {
		return nil, err
	}
	w.SetName(name)

	w.reg.RegisterPush(command.OpWindowInit, command.ReqWindowInit, &w.lifecycle)
	w.reg.RegisterPush(command.OpWindowExit, command.ReqWindowExit, &w.lifecycle)
	w.reg.RegisterTask(command.ReqWindowInit, command.HandlerFunc(w.init))
	w.reg.RegisterTask(command.ReqWindowExit, command.HandlerFunc(w.exit))
	w.reg.Register(command.OpWindowCreateChannel, command.HandlerFunc(w.createChannel))
	w.reg.Register(command.OpWindowDestroyChannel, command.HandlerFunc(w.destroyChannel))
	registerMirror(w.reg, env.Session)
	return w, nil
}

func (w *Window) Commands() *command.Registry {
	return w.reg
}

// Pipe is the id of the execution context owning the window.
func (w *Window) Pipe() object.ID {
	return w.pipe
}

func (w *Window) Viewport() command.Viewport {
	return w.viewport
}

func (w *Window) SetViewport(vp command.Viewport) {
	w.viewport = vp
	w.SetDirty(DirtyViewport)
}

func (w *Window) init(ctx context.Context, _ *command.Packet) (any, error) {
	ok, msg := w.backend.Init()
	if !ok {
		w.set(Uninitialized)
		w.SetErrorMessage(msg)
		w.CommitNB()
		w.env.Logger.WarnCtx(ctx, "window: init failed", "id", uint64(w.ID()), "err", msg)
		return command.InitReply{Error: msg}, command.Failed(msg)
	}
	w.set(Running)
	w.SetErrorMessage("")
	w.CommitNB()
	w.env.Logger.InfoCtx(ctx, "window: running", "id", uint64(w.ID()), "name", w.Name())
	return command.InitReply{OK: true, Viewport: w.viewport}, nil
}

func (w *Window) exit(ctx context.Context, _ *command.Packet) (any, error) {
	w.backend.Exit()
	w.set(Uninitialized)
	w.env.Logger.InfoCtx(ctx, "window: exited", "id", uint64(w.ID()))
	return command.ExitReply{OK: true}, nil
}

func (w *Window) createChannel(_ context.Context, p *command.Packet) (any, error) {
	id, name, err := decodeChild(p)
	if err != nil {
		return nil, err
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	if _, ok := w.channels[id]; ok {
		return nil, fmt.Errorf("window %d channel %d: %w", w.ID(), id, command.ErrIDInUse)
	}
	ch, err := newChannel(w.env, id, w.ID(), name)
	if err != nil {
		return nil, err
	}
	if err := w.env.register(ch.Object, ch, uint64(w.pipe)); err != nil {
		return nil, err
	}
	w.channels[id] = ch
	return nil, nil
}

func (w *Window) destroyChannel(_ context.Context, p *command.Packet) (any, error) {
	id, err := decodeDestroy(p)
	if err != nil {
		return nil, err
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	if _, ok := w.channels[id]; !ok {
		return nil, nil
	}
	delete(w.channels, id)
	w.env.unregister(id)
	return nil, nil
}

func (w *Window) Channel(id object.ID) (*Channel, bool) {
	w.lock.Lock()
	defer w.lock.Unlock()
	ch, ok := w.channels[id]
	return ch, ok
}

// Channels lists child ids in ascending order.
func (w *Window) Channels() []object.ID {
	w.lock.Lock()
	defer w.lock.Unlock()
	ids := make([]object.ID, 0, len(w.channels))
	for id := range w.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// shutdown exits a backend left initialized once the worker is gone.
// Initializing there means the INIT task never ran.
func (w *Window) shutdown() {
	switch w.State() {
	case Running, Exiting:
		w.backend.Exit()
		w.env.Logger.Info("window: exited on close", "id", uint64(w.ID()))
	}
	w.set(Uninitialized)
}

func (w *Window) release() {
	w.lock.Lock()
	defer w.lock.Unlock()
	for id := range w.channels {
		w.env.unregister(id)
	}
	clear(w.channels)
	w.env.unregister(w.ID())
}
