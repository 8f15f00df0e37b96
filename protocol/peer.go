package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Peer pumps records between a connection and its FeedDrainCloserTraced.
type Peer struct {
	closed atomic.Bool
	once   sync.Once

	conn  net.Conn
	inout FeedDrainCloserTraced
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	for !p.closed.Load() && ctx.Err() == nil {
		buf.Grow(TypicalMTU)
		idle := buf.AvailableBuffer()[:buf.Available()]
		n, err := p.conn.Read(idle)
		if n > 0 {
			buf.Write(idle[:n])
			recs, serr := Split(&buf)
			if len(recs) > 0 {
				if derr := p.inout.Drain(ctx, recs); derr != nil {
					return derr
				}
			}
			if serr != nil {
				return serr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() && ctx.Err() == nil {
		recs, err := p.inout.Feed(ctx)
		if len(recs) > 0 {
			b := net.Buffers(recs)
			if _, werr := b.WriteTo(p.conn); werr != nil {
				return werr
			}
		}
		if err != nil {
			return nil
		}
	}
	return nil
}

// Keep runs until either direction stops, then shuts the other one down.
func (p *Peer) Keep(ctx context.Context) (rerr, werr error) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rerr = p.keepRead(ctx)
		p.Close()
	}()
	go func() {
		defer wg.Done()
		werr = p.keepWrite(ctx)
		p.Close()
	}()
	wg.Wait()
	if errors.Is(rerr, net.ErrClosed) {
		rerr = nil
	}
	return
}

// Close stops both directions: the connection unblocks the reader, the
// closed sink unblocks the writer.
func (p *Peer) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		_ = p.conn.Close()
		_ = p.inout.Close()
	})
}
