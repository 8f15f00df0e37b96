// Package transport moves command packets between nodes. A transport is
// the dispatcher's Remote; packets it receives go to a Receiver, usually
// Dispatcher.Deliver.
package transport

import (
	"context"
	"errors"

	"github.com/drpcorg/fabric/command"
)

var (
	ErrNoRoute = errors.New("transport: no route to destination")
	ErrClosed  = errors.New("transport: closed")
)

type Receiver func(ctx context.Context, p *command.Packet) error

type Transport interface {
	Send(ctx context.Context, p *command.Packet) error
	Close() error
}
