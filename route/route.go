// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package route implements the Route and Route Table: per-(local,remote)
// domain routing state, the stanza/dialback queues that back it, and the
// DNS-driven logic that establishes an outbound NetSession when none
// exists yet.
package route // import "vein.im/s2s/route"

import (
	"bytes"
	"context"
	"encoding/xml"

	"vein.im/s2s/config"
	"vein.im/s2s/internal/loop"
	"vein.im/s2s/jid"
	"vein.im/s2s/netio"
	"vein.im/s2s/registry"
	"vein.im/s2s/resolve"
	"vein.im/s2s/stanza"
)

// BounceFunc is invoked once per stanza that cannot be delivered because
// its Route's OUTBOUND authorization attempt terminally failed.
type BounceFunc func(local, remote string, st stanza.Stanza)

// Connector opens an outbound TCP connection to addr and negotiates the
// initial XML stream, returning the resulting NetSession. The TCP dial and
// TLS handshake are an external collaborator; Route only consumes the
// NetSession that results.
type Connector interface {
	Connect(local, remote string, addr registry.Addr) (*netio.Session, error)
}

// Resolver is the subset of resolve.Resolver's facade a Route drives.
// *resolve.Resolver satisfies this; the interface exists so tests can
// substitute a resolver that never touches the network.
type Resolver interface {
	SRVLookup(ctx context.Context, domain string, cb func(resolve.SRVResult))
	AddressLookup(ctx context.Context, hostname string, cb func(resolve.AddressResult))
	TLSALookup(ctx context.Context, port uint16, hostname string, cb func(resolve.TLSAResult))
}

// Route holds the routing state for one (local domain, remote domain)
// pair: queued stanzas and verify challenges, weak references to whatever
// NetSessions currently serve the pair, and the DNS results driving
// outbound connection establishment. All of Route's methods are meant to
// run on the owning loop; the only goroutine Route starts is the one in
// handleAddressResult that runs the blocking Connector.Connect and posts
// its outcome back onto the loop.
type Route struct {
	local, remote string

	loop      *loop.Loop
	resolver  Resolver
	reg       *registry.Registry
	cfg       config.View
	connector Connector
	bounce    BounceFunc

	toSession     registry.Token
	verifySession registry.Token

	pendingStanzas  []stanza.Stanza
	pendingDialback []stanza.Verify

	srv        *resolve.SRVResult
	srvCursor  int
	connecting bool

	tlsaPending map[string]bool
	tlsa        map[string][]resolve.TLSARecord

	collating  bool
	collateCBs []func(tlsAuthOK bool)
}

func newRoute(local, remote string, l *loop.Loop, resolver Resolver, reg *registry.Registry, cfg config.View, connector Connector, bounce BounceFunc) *Route {
	return &Route{
		local:       local,
		remote:      remote,
		loop:        l,
		resolver:    resolver,
		reg:         reg,
		cfg:         cfg,
		connector:   connector,
		bounce:      bounce,
		tlsaPending: make(map[string]bool),
		tlsa:        make(map[string][]resolve.TLSARecord),
	}
}

// LocalDomain and RemoteDomain report the pair this Route serves.
func (r *Route) LocalDomain() string  { return r.local }
func (r *Route) RemoteDomain() string { return r.remote }

// TransmitStanza is the main outbound path: send st now if to_session is
// authorized, queue it behind an in-flight or not-yet-begun authorization
// attempt otherwise, and kick off session discovery/connection if this
// Route has no candidate session at all.
func (r *Route) TransmitStanza(st stanza.Stanza) {
	st = st.Freeze()
	sess, ok := r.session(r.toSession)
	if !ok {
		if vs, ok2 := r.session(r.verifySession); ok2 {
			r.adopt(vs)
			sess, ok = vs, true
		} else if s, ok2 := r.reg.ByDomain(r.remote); ok2 {
			if ns, ok3 := s.(*netio.Session); ok3 {
				r.adopt(ns)
				sess, ok = ns, true
			}
		}
	}
	if !ok {
		r.pendingStanzas = append(r.pendingStanzas, st)
		r.beginSRV()
		return
	}
	switch sess.AuthState(r.local, r.remote, netio.Outbound) {
	case netio.AuthAuthorized:
		_ = sess.SendStanza(st)
	case netio.AuthRequested:
		r.pendingStanzas = append(r.pendingStanzas, st)
	case netio.AuthNone:
		r.pendingStanzas = append(r.pendingStanzas, st)
		if sess.AuthReady() {
			r.requestAuth(sess)
		}
	}
}

// TransmitVerify sends a dialback challenge over this Route's verify
// session (the peer's already-established inbound-to-us session, reused
// rather than opening a fresh connection). It is queued if that session is
// not yet auth_ready, and queued with SRV discovery started if the Route
// has no verify session and the registry has no session for the remote
// domain.
func (r *Route) TransmitVerify(v stanza.Verify) {
	v = v.Freeze()
	sess, ok := r.session(r.verifySession)
	if !ok {
		if s, ok2 := r.reg.ByDomain(r.remote); ok2 {
			if ns, ok3 := s.(*netio.Session); ok3 {
				r.adopt(ns)
				sess, ok = ns, true
			}
		}
	}
	if ok {
		if sess.AuthReady() {
			_ = sess.SendVerify(v)
			return
		}
		r.pendingDialback = append(r.pendingDialback, v)
		return
	}
	r.pendingDialback = append(r.pendingDialback, v)
	r.beginSRV()
}

// Collate resolves the names needed to decide whether this Route's peer is
// already TLS-authenticated: SRV, and if DNSSEC-signed, every target's
// TLSA records. cb fires once collation settles, reporting whether TLS
// already authenticates the peer (in which case the caller may skip the
// verify round-trip).
func (r *Route) Collate(cb func(tlsAuthOK bool)) {
	r.collateCBs = append(r.collateCBs, cb)
	if r.collating {
		return
	}
	r.collating = true
	r.beginSRV()
	r.evaluateCollation()
}

// Fail terminates the in-flight OUTBOUND authorization attempt for this
// pair and bounces every stanza still queued behind it with a
// remote-server-not-found error reply, per §7's "bounced with an
// addressing error or remote-server-not-found" terminal-failure handling.
// The pair is never retried for the life of the NetSession that reported
// the failure; a later Close of that session drops the weak reference and
// a fresh attempt starts clean.
func (r *Route) Fail() {
	pending := r.pendingStanzas
	r.pendingStanzas = nil
	if r.bounce == nil {
		return
	}
	for _, st := range pending {
		r.bounce(r.local, r.remote, bounceError(st))
	}
}

// bounceError turns an undeliverable stanza into an error reply addressed
// back to its sender, carrying a remote-server-not-found condition: the
// peer domain could not be authorized, so routing treats it the same as
// the original destination not existing.
func bounceError(st stanza.Stanza) stanza.Stanza {
	se := stanza.Error{
		Type:      stanza.Cancel,
		Condition: stanza.RemoteServerNotFound,
	}
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := se.MarshalXML(enc, xml.StartElement{}); err == nil {
		_ = enc.Flush()
	}
	return stanza.Stanza{
		Kind:  st.Kind,
		From:  st.To,
		To:    st.From,
		ID:    st.ID,
		Type:  "error",
		Inner: buf.Bytes(),
	}.Freeze()
}

func (r *Route) adopt(sess *netio.Session) {
	if r.toSession == sess.StreamID() {
		return
	}
	r.toSession = sess.StreamID()
	if r.verifySession == "" {
		r.verifySession = sess.StreamID()
	}
	sess.OnAuthenticated(func(local, remote string) {
		if local == r.local && remote == r.remote {
			r.flushStanzas(sess)
		}
	})
	sess.OnAuthReady(func() {
		if sess.StreamID() == r.verifySession {
			r.flushDialback(sess)
		}
		r.retryPendingStanzas()
	})
}

func (r *Route) requestAuth(sess *netio.Session) {
	from, err := jid.Parse(r.local)
	if err != nil {
		return
	}
	to, err := jid.Parse(r.remote)
	if err != nil {
		return
	}
	key := r.cfg.DialbackKey(sess.StreamID(), r.remote, r.local)
	if err := sess.SendResult(stanza.Result{From: from, To: to, Key: string(key)}); err != nil {
		return
	}
	_ = sess.SetAuthState(r.local, r.remote, netio.Outbound, netio.AuthRequested)
}

func (r *Route) flushStanzas(sess *netio.Session) {
	pending := r.pendingStanzas
	r.pendingStanzas = nil
	for _, st := range pending {
		_ = sess.SendStanza(st)
	}
}

func (r *Route) flushDialback(sess *netio.Session) {
	pending := r.pendingDialback
	r.pendingDialback = nil
	for _, v := range pending {
		_ = sess.SendVerify(v)
	}
}

func (r *Route) retryPendingStanzas() {
	pending := r.pendingStanzas
	r.pendingStanzas = nil
	for _, st := range pending {
		r.TransmitStanza(st)
	}
}

func (r *Route) session(token registry.Token) (*netio.Session, bool) {
	if token == "" {
		return nil, false
	}
	s, ok := r.reg.Resolve(token)
	if !ok {
		return nil, false
	}
	sess, ok := s.(*netio.Session)
	return sess, ok
}

func (r *Route) beginSRV() {
	if r.srv != nil {
		r.driveConnection()
		return
	}
	r.resolver.SRVLookup(context.Background(), r.remote, r.handleSRVResult)
}

// handleSRVResult stores the SRV result, issues a TLSA lookup per target
// when the answer was DNSSEC-signed, and (either way) starts trying to
// connect to the first target.
func (r *Route) handleSRVResult(res resolve.SRVResult) {
	r.srv = &res
	r.srvCursor = 0
	if res.Err == nil && res.DNSSEC {
		for _, t := range res.Targets {
			if r.tlsaPending[t.Host] {
				continue
			}
			r.tlsaPending[t.Host] = true
			host, port := t.Host, t.Port
			r.resolver.TLSALookup(context.Background(), port, host, func(tres resolve.TLSAResult) {
				r.handleTLSAResult(host, tres)
			})
		}
	}
	r.evaluateCollation()
	r.driveConnection()
}

// handleTLSAResult replaces any prior record set for host and re-drives
// collation; a TLSA lookup that errors still counts as "returned" so
// collation is never stuck waiting on a target that will never resolve.
func (r *Route) handleTLSAResult(host string, tres resolve.TLSAResult) {
	r.tlsa[host] = tres.Records
	delete(r.tlsaPending, host)
	r.evaluateCollation()
}

func (r *Route) evaluateCollation() {
	if r.srv == nil || len(r.collateCBs) == 0 {
		return
	}
	if r.srv.DNSSEC && len(r.tlsaPending) > 0 {
		return
	}
	cbs := r.collateCBs
	r.collateCBs = nil
	r.collating = false
	ok := r.tlsAuthOK()
	for _, cb := range cbs {
		cb(ok)
	}
}

func (r *Route) tlsAuthOK() bool {
	sess, ok := r.session(r.verifySession)
	if !ok {
		return false
	}
	return sess.TLSAuthOK(r.local, r.remote, r.TLSA())
}

// TLSA returns the TLSA record set this Route has collated: every live DNS
// answer gathered across its SRV targets so far, or, if none have arrived
// yet (DNSSEC unsigned, or lookups still pending), the static override
// configured for the remote domain. This mirrors
// original_source/router.cc's Route::tlsa(), which falls back to the
// config-level override precisely when its own live collection is empty.
func (r *Route) TLSA() []resolve.TLSARecord {
	var live []resolve.TLSARecord
	for _, recs := range r.tlsa {
		live = append(live, recs...)
	}
	if len(live) > 0 {
		return live
	}
	return r.cfg.TLSA(r.remote)
}

func (r *Route) driveConnection() {
	if r.connecting {
		return
	}
	if _, ok := r.session(r.verifySession); ok {
		return
	}
	if r.srv == nil || r.srvCursor >= len(r.srv.Targets) {
		return
	}
	r.connecting = true
	target := r.srv.Targets[r.srvCursor]
	host, port := target.Host, target.Port
	r.resolver.AddressLookup(context.Background(), host, func(res resolve.AddressResult) {
		r.handleAddressResult(port, res)
	})
}

// handleAddressResult opens a NetSession to the first resolved address. The
// Connector's dial and stream handshake block, so it runs on its own
// goroutine and posts its outcome back onto the loop, the same shape every
// other suspending operation in this module uses; driveConnection's
// "connecting" guard stays set for the duration so a concurrent SRV/address
// callback cannot start a second dial to the same target in the meantime. A
// connect failure (no addresses, or the Connector's own dial/TLS error)
// advances the SRV cursor to the next target in priority/weight order
// instead of failing the whole Route, per the connection-failure target
// iteration supplement.
func (r *Route) handleAddressResult(port uint16, res resolve.AddressResult) {
	ips := res.V4
	if len(ips) == 0 {
		ips = res.V6
	}
	if res.Err != nil || len(ips) == 0 {
		r.connecting = false
		r.advanceTarget()
		return
	}
	addr := registry.Addr{Host: ips[0].String(), Port: port}
	go func() {
		sess, err := r.connector.Connect(r.local, r.remote, addr)
		r.loop.Post(func() {
			r.connecting = false
			if err != nil {
				r.advanceTarget()
				return
			}
			r.adopt(sess)
		})
	}()
}

func (r *Route) advanceTarget() {
	r.srvCursor++
	r.driveConnection()
}

// Table is the singleton collection of Routes for one local domain.
type Table struct {
	local     string
	routes    map[string]*Route
	loop      *loop.Loop
	resolver  Resolver
	reg       *registry.Registry
	cfg       config.View
	connector Connector
	bounce    BounceFunc
}

func newTable(local string, l *loop.Loop, resolver Resolver, reg *registry.Registry, cfg config.View, connector Connector, bounce BounceFunc) *Table {
	return &Table{
		local:     local,
		routes:    make(map[string]*Route),
		loop:      l,
		resolver:  resolver,
		reg:       reg,
		cfg:       cfg,
		connector: connector,
		bounce:    bounce,
	}
}

// Route returns the singleton Route for remote, creating it on first
// access. Routes are never removed.
func (t *Table) Route(remote string) *Route {
	if r, ok := t.routes[remote]; ok {
		return r
	}
	r := newRoute(t.local, remote, t.loop, t.resolver, t.reg, t.cfg, t.connector, t.bounce)
	t.routes[remote] = r
	return r
}

// Tables is the process-wide collection of per-local-domain Route Tables.
type Tables struct {
	loop      *loop.Loop
	resolver  Resolver
	reg       *registry.Registry
	cfg       config.View
	connector Connector
	bounce    BounceFunc
	tables    map[string]*Table
}

// NewTables builds an empty Tables collection wired to the given
// collaborators: l is the event loop every Route's callbacks run on,
// resolver performs SRV/address/TLSA lookups, reg resolves weak session
// references, cfg supplies per-domain policy, connector opens outbound
// NetSessions, and bounce (optional) is called for every stanza dropped by
// a terminal dialback failure.
func NewTables(l *loop.Loop, resolver Resolver, reg *registry.Registry, cfg config.View, connector Connector, bounce BounceFunc) *Tables {
	return &Tables{
		loop:      l,
		resolver:  resolver,
		reg:       reg,
		cfg:       cfg,
		connector: connector,
		bounce:    bounce,
		tables:    make(map[string]*Table),
	}
}

// Table returns the singleton Route Table for local, creating it on first
// access.
func (t *Tables) Table(local string) *Table {
	if tb, ok := t.tables[local]; ok {
		return tb
	}
	tb := newTable(local, t.loop, t.resolver, t.reg, t.cfg, t.connector, t.bounce)
	t.tables[local] = tb
	return tb
}

// Route returns the Route for (local, remote), creating the Table and
// Route on first access. This is the method the dialback feature's
// RouteTable interface calls.
func (t *Tables) Route(local, remote string) *Route {
	return t.Table(local).Route(remote)
}
