package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/fabric/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type ConnType uint

const (
	TCP ConnType = iota + 1
	TLS
)

const (
	TypicalMTU = 1500

	MaxRetryPeriod = time.Minute
	MinRetryPeriod = time.Second / 2
)

var (
	ErrAddressInvalid    = errors.New("protocol: invalid address")
	ErrAddressDuplicated = errors.New("protocol: address already used")
	ErrAddressUnknown    = errors.New("protocol: unknown address")
)

// InstallCallback makes the record source and sink of a new connection.
type InstallCallback func(name string) FeedDrainCloserTraced

// DestroyCallback is called once the connection is gone.
type DestroyCallback func(name string, p Traced)

// Net keeps TCP/TLS connections alive: outgoing ones are redialed with
// backoff, listeners accept until closed. Each connection streams records
// both ways; a slow peer never holds up the others.
type Net struct {
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup

	log       utils.Logger
	onInstall InstallCallback
	onDestroy DestroyCallback

	conns   *xsync.MapOf[string, *Peer]
	listens *xsync.MapOf[string, net.Listener]

	TLSConfig *tls.Config
}

func NewNet(log utils.Logger, tlsConfig *tls.Config, install InstallCallback, destroy DestroyCallback) *Net {
	return &Net{
		log:       log,
		done:      make(chan struct{}),
		conns:     xsync.NewMapOf[string, *Peer](),
		listens:   xsync.NewMapOf[string, net.Listener](),
		onInstall: install,
		onDestroy: destroy,
		TLSConfig: tlsConfig,
	}
}

func (n *Net) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	close(n.done)

	n.listens.Range(func(_ string, l net.Listener) bool {
		if l != nil {
			_ = l.Close()
		}
		return true
	})
	n.conns.Range(func(_ string, p *Peer) bool {
		// nil while still dialing
		if p != nil {
			p.Close()
		}
		return true
	})
	n.wg.Wait()
	n.listens.Clear()
	n.conns.Clear()
	return nil
}

// Connect keeps a connection to addr until Disconnect or Close.
func (n *Net) Connect(ctx context.Context, addr string) error {
	if _, loaded := n.conns.LoadOrStore(addr, nil); loaded {
		return ErrAddressDuplicated
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.keepConnecting(ctx, addr)
	}()
	return nil
}

func (n *Net) Disconnect(addr string) error {
	p, ok := n.conns.LoadAndDelete(addr)
	if !ok {
		return ErrAddressUnknown
	}
	if p != nil {
		p.Close()
	}
	return nil
}

// Listen accepts connections on addr. It returns once the listener is
// bound.
func (n *Net) Listen(ctx context.Context, addr string) error {
	if _, loaded := n.listens.LoadOrStore(addr, nil); loaded {
		return ErrAddressDuplicated
	}
	l, err := n.listen(ctx, addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, l)
	n.log.Info("net: listening", "addr", addr, "local", l.Addr().String())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.keepListening(ctx, addr, l)
	}()
	return nil
}

// Addr is the bound address of the listener started for addr.
func (n *Net) Addr(addr string) (net.Addr, bool) {
	l, ok := n.listens.Load(addr)
	if !ok || l == nil {
		return nil, false
	}
	return l.Addr(), true
}

func (n *Net) Unlisten(addr string) error {
	l, ok := n.listens.LoadAndDelete(addr)
	if !ok || l == nil {
		return ErrAddressUnknown
	}
	return l.Close()
}

func (n *Net) keepConnecting(ctx context.Context, addr string) {
	backoff := MinRetryPeriod
	for !n.closed.Load() && ctx.Err() == nil {
		if _, ok := n.conns.Load(addr); !ok {
			return // disconnected
		}
		conn, err := n.dial(ctx, addr)
		if err != nil {
			n.log.Warn("net: couldn't connect", "addr", addr, "err", err, "retry", backoff)
			select {
			case <-ctx.Done():
				return
			case <-n.done:
				return
			case <-time.After(backoff):
			}
			backoff = min(MaxRetryPeriod, backoff*2)
			continue
		}
		n.log.Info("net: connected", "addr", addr)
		backoff = MinRetryPeriod
		n.keepPeer(ctx, addr, conn)
	}
}

func (n *Net) keepListening(ctx context.Context, addr string, l net.Listener) {
	for !n.closed.Load() && ctx.Err() == nil {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			n.log.Error("net: couldn't accept", "addr", addr, "err", err)
			continue
		}
		remote := conn.RemoteAddr().String()
		n.log.Info("net: accepted", "addr", addr, "remote", remote)
		name := fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remote)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(ctx, name, conn)
		}()
	}
	if l, ok := n.listens.LoadAndDelete(addr); ok && l != nil {
		_ = l.Close()
	}
	n.log.Info("net: listener closed", "addr", addr)
}

func (n *Net) keepPeer(ctx context.Context, name string, conn net.Conn) {
	peer := &Peer{inout: n.onInstall(name), conn: conn}
	n.conns.Store(name, peer)

	rerr, werr := peer.Keep(ctx)
	if rerr != nil {
		n.log.Warn("net: read failed", "name", name, "err", rerr, "trace_id", peer.GetTraceId())
	}
	if werr != nil {
		n.log.Warn("net: write failed", "name", name, "err", werr, "trace_id", peer.GetTraceId())
	}
	// an outgoing connection keeps its placeholder so it is redialed
	redial := !strings.HasPrefix(name, "listen:") && !n.closed.Load()
	n.conns.Compute(name, func(old *Peer, loaded bool) (*Peer, bool) {
		if !loaded || old != peer {
			return old, !loaded
		}
		return nil, !redial
	})
	n.onDestroy(name, peer)
}

func (n *Net) listen(ctx context.Context, addr string) (net.Listener, error) {
	typ, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if typ == TLS {
		l = tls.NewListener(l, n.TLSConfig)
	}
	return l, nil
}

func (n *Net) dial(ctx context.Context, addr string) (net.Conn, error) {
	typ, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	if typ == TLS {
		d := tls.Dialer{Config: n.TLSConfig}
		return d.DialContext(ctx, "tcp", address)
	}
	d := net.Dialer{Timeout: time.Minute}
	return d.DialContext(ctx, "tcp", address)
}

func parseAddr(addr string) (ConnType, string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return TCP, "", err
	}
	var typ ConnType
	switch u.Scheme {
	case "", "tcp", "tcp4", "tcp6":
		typ = TCP
	case "tls":
		typ = TLS
	default:
		return typ, addr, ErrAddressInvalid
	}
	u.Scheme = ""
	return typ, strings.TrimPrefix(u.String(), "//"), nil
}
