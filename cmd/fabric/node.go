package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/drpcorg/fabric/command"
	"github.com/drpcorg/fabric/config"
	"github.com/drpcorg/fabric/dispatch"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/resource"
	"github.com/drpcorg/fabric/rle"
	"github.com/drpcorg/fabric/session"
	"github.com/drpcorg/fabric/transport"
	"github.com/drpcorg/fabric/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type nodeOptions struct {
	// hostPipe starts the configured pipe on this node.
	hostPipe bool
	// defaultNode receives requests for actors without a route.
	defaultNode uint64
}

// node is one running fabric process: session, dispatcher, transport and
// the pipe it hosts.
type node struct {
	cfg   *config.Config
	log   utils.Logger
	store *session.Store
	sess  *session.Session
	disp  *dispatch.Dispatcher
	net   *transport.Net
	pipe  *resource.Pipe
}

func openNode(ctx context.Context, cfg *config.Config, opts nodeOptions) (n *node, err error) {
	n = &node{cfg: cfg}
	if n.log, err = cfg.Log.Logger(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	if cfg.Store.Dir != "" {
		if n.store, err = session.OpenStore(cfg.Store.Dir, session.StoreOptions{Sync: cfg.Store.Sync}); err != nil {
			return nil, err
		}
	}
	n.sess = session.New(session.Options{
		Logger: n.log,
		Store:  n.store,
		OnInconsistent: func(id object.ID, err error) {
			n.log.Warn("fabric: mirror inconsistent", "id", id, "err", err)
		},
	})
	n.disp = dispatch.New(dispatch.Options{
		NodeID:     cfg.Node.ID,
		QueueLimit: cfg.Dispatch.QueueLimit,
		Logger:     n.log,
	})
	n.net = transport.NewNet(transport.NetOptions{
		NodeID:        cfg.Node.ID,
		CompressAbove: cfg.Transport.CompressThreshold,
		MaxPayload:    cfg.Transport.MaxPayload,
		QueueLimit:    cfg.Dispatch.QueueLimit,
		DefaultNode:   opts.defaultNode,
		Logger:        n.log,
	}, n.disp.Deliver)
	for _, r := range cfg.Routes {
		n.net.Route(r.Actor, r.Node)
	}
	n.disp.SetRemote(n.net)
	n.sess.OnCommit(n.broadcast)

	if opts.hostPipe {
		env := &resource.Env{Session: n.sess, Dispatcher: n.disp, Logger: n.log}
		if n.pipe, err = resource.NewPipe(env, object.ID(cfg.Node.Pipe), cfg.Node.Name); err != nil {
			return nil, err
		}
	}
	for _, addr := range cfg.Node.Listen {
		if err = n.net.Listen(ctx, addr); err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
	}
	for _, addr := range cfg.Node.Connect {
		if err = n.net.Connect(ctx, addr); err != nil {
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
	}
	return n, nil
}

// broadcast pushes a committed delta to the mirrors on other nodes.
func (n *node) broadcast(d object.Delta) {
	payload, err := d.MarshalBinary()
	if err != nil {
		n.log.Error("fabric: encode delta", "id", d.ID, "err", err)
		return
	}
	n.net.Broadcast(context.Background(), &command.Packet{
		Op:      command.OpObjectDelta,
		Dest:    uint64(d.ID),
		Sender:  n.cfg.Node.ID,
		Payload: payload,
	})
}

func (n *node) metrics() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(dispatch.Collectors()...)
	reg.MustRegister(rle.Collectors()...)
	if n.store != nil {
		reg.MustRegister(session.NewStoreCollector(n.store))
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (n *node) Close() error {
	var errs []error
	if n.pipe != nil {
		errs = append(errs, n.pipe.Close())
	}
	if n.net != nil {
		errs = append(errs, n.net.Close())
	}
	if n.disp != nil {
		errs = append(errs, n.disp.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	if z, ok := n.log.(*utils.ZapLogger); ok {
		_ = z.Sync()
	}
	return errors.Join(errs...)
}
