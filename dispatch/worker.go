package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/drpcorg/fabric/command"
	"github.com/drpcorg/fabric/utils"
)

type worker struct {
	id    uint64
	name  string
	d     *Dispatcher
	queue *utils.Queue[*command.Packet]
	done  chan struct{}
}

func (w *worker) run(ctx context.Context) {
	ctx = utils.WithDefaultArgs(ctx, "context", w.name)
	for {
		batch, err := w.queue.Feed()
		for _, p := range batch {
			w.d.execute(ctx, w, p)
		}
		queueDepth.WithLabelValues(w.name).Set(float64(w.queue.Len()))
		if err != nil {
			w.d.log.DebugCtx(ctx, "dispatch: context stopped")
			return
		}
	}
}

// Pending is an outstanding request.
type Pending struct {
	d       *Dispatcher
	req     *command.Packet
	started time.Time
	ch      chan *command.Packet
}

func newPending(d *Dispatcher, req *command.Packet) *Pending {
	return &Pending{d: d, req: req, started: time.Now(), ch: make(chan *command.Packet, 1)}
}

func (p *Pending) Correlation() uint64 {
	return p.req.Correlation
}

func (p *Pending) resolve(rp *command.Packet) {
	replyLatency.WithLabelValues(fmt.Sprint(uint32(p.req.Op))).Observe(time.Since(p.started).Seconds())
	p.ch <- rp
}

// Wait blocks for the reply. When ctx ends first the request counts as
// failed; the command itself is not cancelled and its late reply is
// discarded.
func (p *Pending) Wait(ctx context.Context) (*command.Reply, error) {
	select {
	case rp := <-p.ch:
		return command.ParseReply(rp)
	case <-ctx.Done():
		p.d.pending.Delete(p.req.Correlation)
		select {
		case rp := <-p.ch:
			return command.ParseReply(rp)
		default:
		}
		return nil, fmt.Errorf("dispatch: request %d (%s): %w", p.req.Correlation, p.req, ctx.Err())
	}
}
