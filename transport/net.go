package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/drpcorg/fabric/command"
	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/rle"
	"github.com/drpcorg/fabric/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

type NetOptions struct {
	NodeID uint64
	// CompressAbove is the payload size from which payloads are RLE
	// packed when that makes them smaller. Zero disables compression.
	CompressAbove int
	// MaxPayload caps the size a compressed payload may expand to.
	MaxPayload uint64
	// QueueLimit caps the records waiting to be written to one peer.
	QueueLimit int
	// DefaultNode receives requests for actors without a route.
	DefaultNode uint64
	TLS         *tls.Config
	Logger      utils.Logger
}

func (o *NetOptions) SetDefaults() {
	if o.NodeID == 0 {
		o.NodeID = 1
	}
	if o.MaxPayload == 0 {
		o.MaxPayload = 1 << 28
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = 1 << 16
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

// Net carries packets over TCP or TLS. Every connection starts with a
// hello naming the node on each side. Replies go to the node named as
// their destination, requests to the node routed for the actor.
type Net struct {
	opts NetOptions
	log  utils.Logger
	recv Receiver
	net  *protocol.Net

	conns  *xsync.MapOf[string, *conn]
	nodes  *xsync.MapOf[uint64, *conn]
	routes *xsync.MapOf[uint64, uint64]
}

func NewNet(opts NetOptions, recv Receiver) *Net {
	opts.SetDefaults()
	t := &Net{
		opts:   opts,
		log:    opts.Logger,
		recv:   recv,
		conns:  xsync.NewMapOf[string, *conn](),
		nodes:  xsync.NewMapOf[uint64, *conn](),
		routes: xsync.NewMapOf[uint64, uint64](),
	}
	t.net = protocol.NewNet(opts.Logger, opts.TLS, t.install, t.destroy)
	return t
}

func (t *Net) Listen(ctx context.Context, addr string) error {
	return t.net.Listen(ctx, addr)
}

// Addr resolves the bound address of a listener, e.g. one on port 0.
func (t *Net) Addr(addr string) (string, bool) {
	a, ok := t.net.Addr(addr)
	if !ok {
		return "", false
	}
	return a.String(), true
}

func (t *Net) Connect(ctx context.Context, addr string) error {
	return t.net.Connect(ctx, addr)
}

// Route sends requests for actor to node.
func (t *Net) Route(actor, node uint64) {
	t.routes.Store(actor, node)
}

// Connected reports whether node said hello on a live connection.
func (t *Net) Connected(node uint64) bool {
	_, ok := t.nodes.Load(node)
	return ok
}

func (t *Net) Send(ctx context.Context, p *command.Packet) error {
	node := p.Dest
	if !p.IsReply() {
		var ok bool
		if node, ok = t.routes.Load(p.Dest); !ok && t.opts.DefaultNode == 0 {
			return fmt.Errorf("actor %d: %w", p.Dest, ErrNoRoute)
		} else if !ok {
			node = t.opts.DefaultNode
		}
	}
	c, ok := t.nodes.Load(node)
	if !ok {
		return fmt.Errorf("node %d: %w", node, ErrNoRoute)
	}
	return c.send(t.encode(p))
}

// Broadcast sends p to every connected node.
func (t *Net) Broadcast(ctx context.Context, p *command.Packet) (sent int) {
	rec := t.encode(p)
	t.nodes.Range(func(node uint64, c *conn) bool {
		if err := c.send(rec); err != nil {
			t.log.WarnCtx(ctx, "transport: broadcast failed", "node", node, "err", err)
		} else {
			sent++
		}
		return true
	})
	return sent
}

func (t *Net) Close() error {
	return t.net.Close()
}

func (t *Net) encode(p *command.Packet) []byte {
	if t.opts.CompressAbove > 0 && len(p.Payload) >= t.opts.CompressAbove && p.Flags&command.FlagCompressed == 0 {
		if z := rle.CompressRaw(p.Payload); len(z) < len(p.Payload) {
			q := *p
			q.Payload = z
			q.Flags |= command.FlagCompressed
			return protocol.PacketRecord(&q)
		}
	}
	return protocol.PacketRecord(p)
}

func (t *Net) decode(rec []byte) (*command.Packet, error) {
	p, err := protocol.ParsePacket(rec)
	if err != nil {
		return nil, err
	}
	if p.Flags&command.FlagCompressed != 0 {
		raw, err := rle.DecompressRaw(p.Payload, t.opts.MaxPayload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %w", command.ErrProtocol, err)
		}
		p.Payload = raw
		p.Flags &^= command.FlagCompressed
	}
	return p, nil
}

func (t *Net) install(name string) protocol.FeedDrainCloserTraced {
	c := &conn{t: t, name: name, out: utils.NewQueue[[]byte](t.opts.QueueLimit)}
	_ = c.out.Drain(protocol.HelloRecord(t.opts.NodeID))
	t.conns.Store(name, c)
	return c
}

func (t *Net) destroy(name string, _ protocol.Traced) {
	t.conns.Delete(name)
	t.log.Info("transport: connection gone", "name", name)
}

// conn is the packet side of one connection.
type conn struct {
	t    *Net
	name string
	node atomic.Uint64
	out  *utils.Queue[[]byte]
}

func (c *conn) send(rec []byte) error {
	if err := c.out.Drain(rec); err != nil {
		if errors.Is(err, utils.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("node %d: %w", c.node.Load(), err)
	}
	return nil
}

func (c *conn) Feed(context.Context) (protocol.Records, error) {
	recs, err := c.out.Feed()
	return protocol.Records(recs), err
}

// Drain handles records read from the peer. Malformed packets are logged
// and dropped, the connection stays up.
func (c *conn) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		lit, _, _ := protocol.ProbeHeader(rec)
		switch lit {
		case protocol.LitHello:
			node, err := protocol.ParseHello(rec)
			if err != nil {
				return err
			}
			c.node.Store(node)
			c.t.nodes.Store(node, c)
			c.t.log.InfoCtx(ctx, "transport: hello", "name", c.name, "node", node)
		case protocol.LitPacket:
			p, err := c.t.decode(rec)
			if err != nil {
				c.t.log.WarnCtx(ctx, "transport: dropped packet", "name", c.name, "err", err)
				continue
			}
			if err := c.t.recv(ctx, p); err != nil {
				c.t.log.WarnCtx(ctx, "transport: delivery failed", "packet", p.String(), "err", err)
			}
		default:
			c.t.log.WarnCtx(ctx, "transport: unexpected record", "name", c.name, "lit", string(lit))
		}
	}
	return nil
}

func (c *conn) Close() error {
	_ = c.out.Close()
	if node := c.node.Load(); node != 0 {
		c.t.nodes.Compute(node, func(old *conn, loaded bool) (*conn, bool) {
			return old, !loaded || old == c
		})
	}
	return nil
}

func (c *conn) GetTraceId() string {
	return c.name
}
