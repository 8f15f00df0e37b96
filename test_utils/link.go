// Package testutils connects nodes for tests without a network.
package testutils

import (
	"context"
	"log/slog"

	"github.com/drpcorg/fabric/dispatch"
	"github.com/drpcorg/fabric/transport"
	"github.com/drpcorg/fabric/utils"
)

// Link makes a and b each other's remote through an in-process link, so
// requests for actors one of them doesn't host reach the other. The
// returned func tears the link down.
func Link(a, b *dispatch.Dispatcher) func() {
	log := utils.NewDefaultLogger(slog.LevelError)
	ctx, cancel := context.WithCancel(context.Background())
	ta, tb := transport.NewLoopback(log)
	ta.Start(ctx, a.Deliver)
	tb.Start(ctx, b.Deliver)
	a.SetRemote(ta)
	b.SetRemote(tb)
	return func() {
		_ = ta.Close()
		_ = tb.Close()
		cancel()
	}
}
