// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package s2s is the composition root: it wires the resolver, registry,
// route tables, and dialback feature onto accepted and dialed NetSessions,
// and owns the one goroutine-per-listener / goroutine-per-connection shape
// the teacher's server and dial packages used before their logic moved
// into the async, loop-scheduled packages they grounded.
package s2s // import "vein.im/s2s"

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"strconv"

	"github.com/miekg/dns"

	"vein.im/s2s/config"
	"vein.im/s2s/dialback"
	"vein.im/s2s/internal/loop"
	"vein.im/s2s/netio"
	"vein.im/s2s/registry"
	"vein.im/s2s/resolve"
	"vein.im/s2s/route"
	"vein.im/s2s/stanza"
)

// Core wires together one process's worth of S2S state: a single event
// loop, the session registry, the DNS resolver, the route tables, and the
// dialback feature. It owns the listener and outbound dialer, but leaves
// stanza delivery beyond the wire to whatever StanzaHandler the embedder
// sets.
type Core struct {
	cfg      config.View
	loop     *loop.Loop
	reg      *registry.Registry
	resolver route.Resolver
	tables   *route.Tables
	dialback *dialback.Feature

	// TLSConfig is used for both the server side of an Accept and the
	// client side of a Connect. A nil TLSConfig disables TLS entirely,
	// which is only appropriate in tests.
	TLSConfig *tls.Config

	// StanzaHandler, if set, is called on the loop for every inbound
	// message/presence/iq once its NetSession has decoded it. Delivering
	// it onward to a C2S session or component is this hook's job, not
	// this package's.
	StanzaHandler func(local, remote string, st stanza.Stanza)

	logger *log.Logger
}

// New builds a Core from a configuration view and a stub-resolver config
// (as loaded from /etc/resolv.conf). Logging follows the teacher's
// convention of a *log.Logger field rather than a package-level global, so
// an embedder can redirect or silence it.
func New(cfg config.View, dnsConfig *dns.ClientConfig, logger *log.Logger) *Core {
	l := loop.New(256)
	return newCore(cfg, l, resolve.New(l, dnsConfig), logger)
}

// NewWithResolver builds a Core around an already-constructed resolver
// instead of the live DNS-backed one New creates. Intended for embedders
// that substitute SRV/address/TLSA lookups with something other than a
// stub resolver talking to real nameservers, tests foremost among them.
func NewWithResolver(cfg config.View, resolver route.Resolver, logger *log.Logger) *Core {
	return newCore(cfg, loop.New(256), resolver, logger)
}

func newCore(cfg config.View, l *loop.Loop, resolver route.Resolver, logger *log.Logger) *Core {
	if logger == nil {
		logger = log.Default()
	}
	reg := registry.New()
	c := &Core{
		cfg:      cfg,
		loop:     l,
		reg:      reg,
		resolver: resolver,
		logger:   logger,
	}
	c.tables = route.NewTables(l, resolver, reg, cfg, c, c.bounce)
	c.dialback = dialback.New(cfg, routeTableAdapter{c.tables}, reg)
	return c
}

// Loop returns the Core's event loop, for an embedder that wants to run it
// itself (Run) or drive it deterministically in tests (RunOne).
func (c *Core) Loop() *loop.Loop { return c.loop }

// Route returns the Route for (local, remote), creating it on first
// access. Exposed so an embedder can call TransmitStanza directly when
// originating a stanza rather than relaying one received off the wire.
func (c *Core) Route(local, remote string) *route.Route {
	return c.tables.Route(local, remote)
}

func (c *Core) bounce(local, remote string, st stanza.Stanza) {
	c.logger.Printf("s2s: bouncing stanza %s->%s after terminal dialback failure", local, remote)
}

// Listen accepts inbound S2S connections on network/addr until ctx is
// canceled, handing each to Accept on its own goroutine. Grounded on the
// teacher's deleted server.go listener loop, narrowed to the one
// connection-handling step this module still owns.
func (c *Core) Listen(ctx context.Context, local, network, addr string) error {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	return c.Serve(ctx, local, ln)
}

// Serve accepts inbound S2S connections on an already-created listener
// until ctx is canceled. Split out from Listen so a caller that needs the
// bound address in advance (ephemeral test ports, socket-activated
// listeners) can create the net.Listener itself.
func (c *Core) Serve(ctx context.Context, local string, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				c.logger.Printf("s2s: accept: %v", err)
				return err
			}
		}
		go c.accept(local, conn)
	}
}

func (c *Core) accept(local string, conn net.Conn) {
	sess, err := netio.Accept(conn, local, c.loop, c.reg)
	if err != nil {
		c.logger.Printf("s2s: accept handshake: %v", err)
		return
	}
	c.wire(sess)
	remote := sess.RemoteDomain()
	c.loop.Post(func() {
		if err := c.dialback.SendFeatures(sess, local, remote); err != nil {
			c.logger.Printf("s2s: send features: %v", err)
		}
		// The accepting side has nothing incoming to wait for: it is the
		// one presenting features, not receiving them, so it reaches
		// auth-ready as soon as its own features are on the wire.
		sess.MarkAuthReady()
	})
	go sess.ReadLoop()
}

// Connect implements route.Connector: it dials addr, optionally upgrades
// to TLS, and negotiates the initial XML stream. Grounded on the teacher's
// deleted dial.go TLS/plain fallback shape, narrowed to the single target
// Route hands it (Route itself does the SRV-priority iteration across
// targets).
func (c *Core) Connect(local, remote string, addr registry.Addr) (*netio.Session, error) {
	hostport := net.JoinHostPort(addr.Host, strconv.Itoa(int(addr.Port)))
	conn, err := net.Dial("tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("s2s: dial %s: %w", hostport, err)
	}
	if c.TLSConfig != nil {
		tlsConn := tls.Client(conn, c.TLSConfig.Clone())
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			conn.Close()
			return nil, fmt.Errorf("s2s: tls handshake %s: %w", hostport, err)
		}
		conn = tlsConn
	}
	sess, err := netio.Open(conn, local, remote, c.loop, c.reg, addr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if c.TLSConfig != nil {
		sess.MarkSecured()
	}
	c.wire(sess)
	go sess.ReadLoop()
	return sess, nil
}

func (c *Core) wire(sess *netio.Session) {
	c.dialback.Attach(sess)
	sess.TLSAuthOKFunc = func(local, remote string, tlsa []resolve.TLSARecord) bool { return false }
	sess.StanzaHandler = func(s *netio.Session, st stanza.Stanza) {
		if c.StanzaHandler != nil {
			c.StanzaHandler(s.LocalDomain(), s.RemoteDomain(), st)
		}
	}
}

// routeTableAdapter satisfies dialback.RouteTable by converting route.Tables'
// concrete *route.Route return value to the dialback.Route interface; Go
// does not let *route.Route's Route-returning method double as one
// returning dialback.Route directly; package route never imports dialback,
// so this conversion lives here instead.
type routeTableAdapter struct{ t *route.Tables }

func (a routeTableAdapter) Route(local, remote string) dialback.Route {
	return a.t.Route(local, remote)
}
