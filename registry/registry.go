// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package registry implements the process-wide session registry: the three
// indexes (by address, by peer domain, by stream id) that let a Route find
// an existing NetSession instead of always dialing a new one, and that let
// the dialback feature correlate an incoming db:verify response with the
// NetSession that originally requested it.
package registry // import "vein.im/s2s/registry"

// Session is the minimal view of a NetSession the registry needs. netio.Session
// implements this interface; the registry package does not import netio so
// that netio may in turn depend on registry (to register and deregister
// itself) without an import cycle.
type Session interface {
	// StreamID is the random token assigned when the stream was opened; it
	// doubles as the weak-reference token Routes hold.
	StreamID() string
}

// Addr identifies a NetSession by the remote host/port it was dialed to or
// accepted from.
type Addr struct {
	Host string
	Port uint16
}

// Registry holds strong references to every live NetSession, indexed three
// ways. Consumers such as Route hold only the stream id (a Token) and
// upgrade it through Resolve on every use; once a session closes and is
// Removed, Resolve reports ok=false and the Route re-resolves instead of
// acting on a stale reference.
type Registry struct {
	byAddress  map[Addr]Session
	byDomain   map[string]Session
	byStreamID map[string]Session
}

// Token is a weak reference to a Session: just its stream id. A Token
// survives the Session's death; Resolve is how a holder finds out.
type Token = string

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byAddress:  make(map[Addr]Session),
		byDomain:   make(map[string]Session),
		byStreamID: make(map[string]Session),
	}
}

// Insert registers s under its stream id and, if addr is non-zero, under
// its dial address. Insert is called when the NetSession is created, and
// again by the session's BindStreamID once it learns its stream id.
func (r *Registry) Insert(s Session, addr Addr) {
	r.byStreamID[s.StreamID()] = s
	if addr != (Addr{}) {
		r.byAddress[addr] = s
	}
}

// BindDomain indexes s under domain, once the session's peer domain is
// learned during stream negotiation. A later call for the same domain
// replaces the prior binding, matching "at most one usable session per
// domain" being a Route-level policy rather than a registry invariant.
func (r *Registry) BindDomain(s Session, domain string) {
	r.byDomain[domain] = s
}

// Remove deregisters s from every index it appears in. Called when the
// NetSession closes, and by BindStreamID before it re-inserts the session
// under its new stream id.
func (r *Registry) Remove(s Session, addr Addr) {
	id := s.StreamID()
	if r.byStreamID[id] == s {
		delete(r.byStreamID, id)
	}
	if addr != (Addr{}) && r.byAddress[addr] == s {
		delete(r.byAddress, addr)
	}
	for domain, bound := range r.byDomain {
		if bound == s {
			delete(r.byDomain, domain)
		}
	}
}

// ByAddress looks up a session by its dial address.
func (r *Registry) ByAddress(addr Addr) (Session, bool) {
	s, ok := r.byAddress[addr]
	return s, ok
}

// ByDomain looks up a session by peer domain.
func (r *Registry) ByDomain(domain string) (Session, bool) {
	s, ok := r.byDomain[domain]
	return s, ok
}

// ByStreamID looks up a session by stream id.
func (r *Registry) ByStreamID(id string) (Session, bool) {
	s, ok := r.byStreamID[id]
	return s, ok
}

// Resolve upgrades a weak Token into a live Session. It reports ok=false
// once the session named by token has closed and been Removed.
func (r *Registry) Resolve(token Token) (Session, bool) {
	return r.ByStreamID(token)
}
