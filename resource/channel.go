package resource

import (
	"github.com/drpcorg/fabric/command"
	"github.com/drpcorg/fabric/object"
)

const channelCustom = object.DirtyCustom << 4

// Channel is a view into a window. It refers to its window by id only.
type Channel struct {
	*object.Object

	window   object.ID
	viewport command.Viewport
	reg      *command.Registry
}

func newChannel(env *Env, id, window object.ID, name string) (*Channel, error) {
	ch := &Channel{Object: object.New(id), window: window, reg: command.NewRegistry()}
	if err := ch.Extend(channelCustom, viewportField(DirtyViewport, &ch.viewport)); err != nil {
		return nil, err
	}
	ch.SetName(name)
	registerMirror(ch.reg, env.Session)
	return ch, nil
}

func (ch *Channel) Commands() *command.Registry {
	return ch.reg
}

func (ch *Channel) Window() object.ID {
	return ch.window
}

func (ch *Channel) Viewport() command.Viewport {
	return ch.viewport
}

func (ch *Channel) SetViewport(vp command.Viewport) {
	ch.viewport = vp
	ch.SetDirty(DirtyViewport)
}
