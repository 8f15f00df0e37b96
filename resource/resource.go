// Package resource implements the actors of the rendering control plane:
// a Pipe is an execution context hosting Windows, a Window owns a
// Backend and Channels. Every actor is also a distributed object
// registered with the node's session under the same id.
package resource

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/drpcorg/fabric/command"
	"github.com/drpcorg/fabric/dirty"
	"github.com/drpcorg/fabric/dispatch"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/session"
	"github.com/drpcorg/fabric/utils"
	"github.com/drpcorg/fabric/wire"
)

// Env is what actors of one node share.
type Env struct {
	Session    *session.Session
	Dispatcher *dispatch.Dispatcher
	Logger     utils.Logger
	Backends   BackendFactory
}

func (e *Env) SetDefaults() {
	if e.Logger == nil {
		e.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if e.Backends == nil {
		e.Backends = MockFactory
	}
}

// register makes o known to the session and binds actor a to execution
// context ctxID, undoing the first step if the second fails.
func (e *Env) register(o *object.Object, a dispatch.Actor, ctxID uint64) error {
	if err := e.Session.Register(o); err != nil {
		return fmt.Errorf("%w: %v", command.ErrIDInUse, err)
	}
	if err := e.Dispatcher.AddActor(uint64(o.ID()), a, ctxID); err != nil {
		e.Session.Deregister(o.ID())
		return err
	}
	return nil
}

func (e *Env) unregister(id object.ID) {
	e.Dispatcher.RemoveActor(uint64(id))
	e.Session.Deregister(id)
}

func viewportField(bit dirty.Bits, vp *command.Viewport) dirty.Field {
	return dirty.Field{Bit: bit, Name: "viewport",
		Serialize: func(os *wire.OStream) {
			os.WriteInt32(vp.X)
			os.WriteInt32(vp.Y)
			os.WriteInt32(vp.W)
			os.WriteInt32(vp.H)
		},
		Deserialize: func(is *wire.IStream) {
			vp.X, vp.Y = is.ReadInt32(), is.ReadInt32()
			vp.W, vp.H = is.ReadInt32(), is.ReadInt32()
		}}
}

func decodeChild(p *command.Packet) (object.ID, string, error) {
	var c command.CreateChild
	if err := command.Unmarshal(p.Payload, &c); err != nil {
		return object.IDNone, "", err
	}
	if c.ID == 0 {
		return object.IDNone, "", command.ProtocolErrorf("child id 0")
	}
	return object.ID(c.ID), c.Name, nil
}

func decodeDestroy(p *command.Packet) (object.ID, error) {
	var c command.DestroyChild
	if err := command.Unmarshal(p.Payload, &c); err != nil {
		return object.IDNone, err
	}
	return object.ID(c.ID), nil
}

// registerMirror lets deltas of the actor's object be applied on its
// owning worker.
func registerMirror(reg *command.Registry, s *session.Session) {
	reg.RegisterPush(command.OpObjectDelta, command.ReqObjectDelta, nil)
	reg.RegisterTask(command.ReqObjectDelta, command.HandlerFunc(func(_ context.Context, p *command.Packet) (any, error) {
		d, err := object.ParseDelta(object.ID(p.Dest), p.Payload)
		if err != nil {
			return nil, command.ProtocolErrorf("%v", err)
		}
		if err := s.Apply(d); err != nil {
			return nil, command.Failed(err.Error())
		}
		return d.Version, nil
	}))
}
