package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/drpcorg/fabric/command"
	"github.com/drpcorg/fabric/utils"
)

// Loopback is one end of an in-process link. Packets are copied and
// delivered in order on the receiving end's goroutine.
type Loopback struct {
	peer  *Loopback
	log   utils.Logger
	queue *utils.Queue[*command.Packet]
	wg    sync.WaitGroup
}

// NewLoopback links two ends.
func NewLoopback(log utils.Logger) (*Loopback, *Loopback) {
	a := &Loopback{log: log, queue: utils.NewQueue[*command.Packet](0)}
	b := &Loopback{log: log, queue: utils.NewQueue[*command.Packet](0)}
	a.peer, b.peer = b, a
	return a, b
}

// Start delivers packets sent by the other end to recv.
func (l *Loopback) Start(ctx context.Context, recv Receiver) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			batch, err := l.queue.Feed()
			for _, p := range batch {
				if rerr := recv(ctx, p); rerr != nil {
					l.log.WarnCtx(ctx, "loopback: delivery failed", "packet", p.String(), "err", rerr)
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

func (l *Loopback) Send(_ context.Context, p *command.Packet) error {
	if err := l.peer.queue.Drain(p.Clone()); err != nil {
		if errors.Is(err, utils.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close stops delivery on this end once the queued packets are done.
func (l *Loopback) Close() error {
	if err := l.queue.Close(); err != nil {
		return ErrClosed
	}
	l.wg.Wait()
	return nil
}
