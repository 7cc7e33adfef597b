// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package netio implements NetSession and XMLStream: one TCP connection
// carrying one XML stream in one direction, its feature-negotiation state,
// its per-(local,remote,direction) dialback auth state map, and the event
// emitters Route and the dialback feature subscribe to.
//
// Reading off the wire happens on a dedicated goroutine (mirroring the
// teacher's encode/decode goroutine pair in its old stream manager); every
// decoded value that matters to routing state is handed to the event loop
// as a self-contained value, never as a live *xml.Decoder, so no decoder is
// ever touched from two goroutines.
package netio // import "vein.im/s2s/netio"

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net"

	"vein.im/s2s/internal/decl"
	"vein.im/s2s/internal/loop"
	"vein.im/s2s/internal/ns"
	"vein.im/s2s/registry"
	"vein.im/s2s/resolve"
	"vein.im/s2s/stanza"
	"vein.im/s2s/stream"
)

// Direction is which way a stream was opened.
type Direction int

// The two stream directions.
const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// AuthState is a dialback authorization state for one (local, remote,
// direction) triple. Transitions are monotonic: None -> Requested ->
// Authorized; writing a lower state than the one already stored is a
// programming error.
type AuthState int

// The three states an auth pair can be in.
const (
	AuthNone AuthState = iota
	AuthRequested
	AuthAuthorized
)

func (a AuthState) String() string {
	switch a {
	case AuthRequested:
		return "requested"
	case AuthAuthorized:
		return "authorized"
	default:
		return "none"
	}
}

// ErrAuthRegression is returned by SetAuthState when the caller tries to
// move a pair backwards. Per §4.3 this is a fatal programming error, never
// silently recovered.
var ErrAuthRegression = errors.New("netio: auth state regression")

type authKey struct {
	local, remote string
	dir           Direction
}

// Handler processes an incoming top-level stream child element that isn't
// one of the stanza kinds or dialback elements this package already
// understands. It receives the fully-decoded element; the element's inner
// XML has already been drained from the wire by the reader goroutine.
type Handler func(s *Session, el Element)

// Element is a generic, already-decoded top-level stream child: its name,
// its attributes, and its raw inner XML. Handlers that need structure
// beyond this re-decode Inner with their own xml.Decoder.
type Element struct {
	Name  xml.Name
	Attr  []xml.Attr
	Inner []byte
}

// StartElement reconstructs the xml.StartElement this Element was decoded
// from, for callers that want to feed it back through a stanza/verify
// decode helper.
func (e Element) StartElement() xml.StartElement {
	return xml.StartElement{Name: e.Name, Attr: e.Attr}
}

// Session is one NetSession: a socket plus the XMLStream state layered on
// top of it. Session implements registry.Session.
type Session struct {
	id        string
	conn      net.Conn
	dec       *xml.Decoder
	direction Direction
	loop      *loop.Loop
	reg       *registry.Registry
	addr      registry.Addr

	localDomain  string
	remoteDomain string
	secured      bool
	authReady    bool

	auth map[authKey]AuthState

	onAuthReady     []func()
	onAuthenticated []func(local, remote string)

	// StanzaHandler, if set, is invoked on the loop for every inbound
	// message/presence/iq stanza, after freezing. Routing stanzas onward to
	// a C2S or component session is a collaborator's job (§1); this package
	// only surfaces the decoded, frozen value.
	StanzaHandler func(s *Session, st stanza.Stanza)
	// ResultHandler and VerifyHandler are set by the dialback package.
	ResultHandler func(s *Session, r stanza.Result)
	VerifyHandler func(s *Session, v stanza.Verify)
	// FeaturesHandler, if set, is invoked with the raw <stream:features/>
	// element whenever one arrives, before MarkAuthReady fires. Used by
	// the dialback feature to decide whether the peer offered dialback.
	FeaturesHandler func(s *Session, el Element)
	// TLSAuthOKFunc lets the dialback feature short-circuit authentication
	// when the TLS certificate already proves the peer owns a domain. tlsa
	// is the route's collated TLSA record set (live DNS, falling back to
	// any static override), handed to the hook so it has something to
	// check the peer's certificate against. The TLS verification decision
	// itself is an external collaborator (§1); this is only the hook that
	// carries its answer.
	TLSAuthOKFunc func(local, remote string, tlsa []resolve.TLSARecord) bool

	handlers map[xml.Name]Handler

	writeCh chan []byte
	closed  chan struct{}
}

// New wraps conn as a Session in the given direction, scoped to l for all
// state mutation and dispatch. local/remote may be empty if not yet known
// (learned during negotiation); reg/addr register the session for
// registry-mediated discovery (addr may be the zero Addr for inbound
// sessions with no dial address).
//
// id is the stream id this session is known by. Per RFC 6120, the id is
// assigned by whichever party accepts the stream: for an Inbound session
// that is us (generate one with attr.RandomID before calling New); for an
// Outbound session it is the remote peer, learned only after they reply
// with their own opening tag, so id is initially empty and set later with
// BindStreamID.
func New(conn net.Conn, dir Direction, id string, l *loop.Loop, reg *registry.Registry, addr registry.Addr) *Session {
	s := &Session{
		id:        id,
		conn:      conn,
		dec:       xml.NewTokenDecoder(decl.Skip(xml.NewDecoder(conn))),
		direction: dir,
		loop:      l,
		reg:       reg,
		addr:      addr,
		auth:      make(map[authKey]AuthState),
		handlers:  make(map[xml.Name]Handler),
		// Buffered generously so that Send, called only from the loop
		// goroutine, does not itself become a suspension point; the writer
		// goroutine drains independently. A peer that never reads and
		// exhausts this buffer will block the loop, which is the
		// deliberately simple version of §5's suspension point (d).
		writeCh: make(chan []byte, 1024),
		closed:  make(chan struct{}),
	}
	if reg != nil {
		reg.Insert(s, addr)
	}
	go s.writeLoop()
	return s
}

// BindStreamID records the stream id assigned by the remote peer (only
// meaningful for an Outbound session, whose id is not known at New time)
// and re-indexes the session in the registry under it.
func (s *Session) BindStreamID(id string) {
	if s.reg != nil {
		s.reg.Remove(s, s.addr)
	}
	s.id = id
	if s.reg != nil {
		s.reg.Insert(s, s.addr)
	}
}

// StreamID implements registry.Session.
func (s *Session) StreamID() string { return s.id }

// Direction reports which way this stream was opened.
func (s *Session) Direction() Direction { return s.direction }

// LocalDomain and RemoteDomain report the stream's negotiated endpoints;
// both may be empty until negotiation completes.
func (s *Session) LocalDomain() string  { return s.localDomain }
func (s *Session) RemoteDomain() string { return s.remoteDomain }

// SetDomains records the negotiated local/remote domains and binds the
// session into the registry's by-domain index.
func (s *Session) SetDomains(local, remote string) {
	s.localDomain, s.remoteDomain = local, remote
	if s.reg != nil && remote != "" {
		s.reg.BindDomain(s, remote)
	}
}

// Secured reports whether TLS has completed on this stream.
func (s *Session) Secured() bool { return s.secured }

// MarkSecured records that TLS has completed. The TLS handshake and
// certificate verification themselves are an external collaborator (§1);
// this method only records the outcome so the auth-state machine can
// consult it.
func (s *Session) MarkSecured() { s.secured = true }

// AuthReady reports whether stream features have been exchanged and
// dialback may begin.
func (s *Session) AuthReady() bool { return s.authReady }

// MarkAuthReady records that feature negotiation has reached the point
// where dialback may begin, and fires on_auth_ready subscribers exactly
// once.
func (s *Session) MarkAuthReady() {
	if s.authReady {
		return
	}
	s.authReady = true
	for _, f := range s.onAuthReady {
		f()
	}
}

// OnAuthReady registers f to run when the stream becomes auth-ready. If
// the stream is already auth-ready, f runs immediately (there is no
// re-fire semantics to preserve: auth_ready only ever fires once).
func (s *Session) OnAuthReady(f func()) {
	if s.authReady {
		f()
		return
	}
	s.onAuthReady = append(s.onAuthReady, f)
}

// OnAuthenticated registers f to run every time some (local, remote,
// OUTBOUND) pair on this stream transitions to Authorized.
func (s *Session) OnAuthenticated(f func(local, remote string)) {
	s.onAuthenticated = append(s.onAuthenticated, f)
}

// AuthState returns the current state for (local, remote, dir), or
// AuthNone if never written.
func (s *Session) AuthState(local, remote string, dir Direction) AuthState {
	return s.auth[authKey{local, remote, dir}]
}

// SetAuthState writes a new state for (local, remote, dir). The write must
// be monotonic (None -> Requested -> Authorized); a regression returns
// ErrAuthRegression and leaves the map unchanged. Writing the same state
// twice is a no-op success, matching the idempotence testable property in
// §8.
func (s *Session) SetAuthState(local, remote string, dir Direction, state AuthState) error {
	key := authKey{local, remote, dir}
	cur := s.auth[key]
	if state < cur {
		return fmt.Errorf("%w: %s/%s/%s %s -> %s", ErrAuthRegression, local, remote, dir, cur, state)
	}
	if state == cur {
		return nil
	}
	s.auth[key] = state
	if state == AuthAuthorized && dir == Outbound {
		for _, f := range s.onAuthenticated {
			f(local, remote)
		}
	}
	return nil
}

// TLSAuthOK calls the configured TLS-identity hook, or returns false if
// none was set.
func (s *Session) TLSAuthOK(local, remote string, tlsa []resolve.TLSARecord) bool {
	if s.TLSAuthOKFunc == nil {
		return false
	}
	return s.TLSAuthOKFunc(local, remote, tlsa)
}

// RegisterHandler installs h for top-level stream children in the given
// namespace. This is the "registry of handlers keyed by (scope, namespace,
// local-name)" called for in §9's redesign note, scoped here to namespace
// (the scope and local-name axes are expressed by which package calls
// RegisterHandler and what it does with the Element it receives).
func (s *Session) RegisterHandler(namespace string, h Handler) {
	s.handlers[xml.Name{Space: namespace}] = h
}

// Send serializes v and enqueues the bytes for the writer goroutine,
// preserving the order in which Send was called. v must already be
// "frozen" if it is a stanza or verify value that outlives this call.
func (s *Session) Send(v interface{ MarshalXML(*xml.Encoder, xml.StartElement) error }) error {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := v.MarshalXML(enc, xml.StartElement{}); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	select {
	case s.writeCh <- buf.Bytes():
		return nil
	case <-s.closed:
		return fmt.Errorf("netio: send on closed session %s", s.id)
	}
}

// SendStanza is Send specialized for a Stanza, to make the dialback send
// path's intent explicit at call sites.
func (s *Session) SendStanza(st stanza.Stanza) error { return s.Send(st) }

// SendVerify is Send specialized for a Verify.
func (s *Session) SendVerify(v stanza.Verify) error { return s.Send(v) }

// SendResult is Send specialized for a Result.
func (s *Session) SendResult(r stanza.Result) error { return s.Send(r) }

// SendStreamError writes se as a <stream:error/> and tears the session
// down. Per RFC 6120 §4.9 a stream-level error is always fatal, so unlike
// Send there is nothing left for a caller to retry against once the peer
// has been told the stream is over.
func (s *Session) SendStreamError(se stream.Error) error {
	err := s.Send(se)
	s.loop.Post(func() { s.Close() })
	return err
}

func (s *Session) writeLoop() {
	for b := range s.writeCh {
		if _, err := s.conn.Write(b); err != nil {
			s.loop.Post(func() { s.Close() })
			return
		}
	}
}

// Close tears the session down: closes the socket, stops the writer
// goroutine, and removes the session from the registry so that every
// Route holding this session's stream id as a weak reference observes its
// death on next Resolve.
func (s *Session) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	close(s.writeCh)
	if s.reg != nil {
		s.reg.Remove(s, s.addr)
	}
	return s.conn.Close()
}

// ReadLoop decodes top-level stream child elements off conn until it
// closes or a stream-fatal error occurs, dispatching each one onto the
// loop. It is meant to run on its own goroutine for the life of the
// session; callers start it after the stream header has been exchanged
// (see Open/Accept).
func (s *Session) ReadLoop() {
	for {
		tok, err := s.dec.Token()
		if err != nil {
			s.loop.Post(func() { s.Close() })
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		s.dispatch(s.dec, start)
	}
}

func (s *Session) dispatch(dec *xml.Decoder, start xml.StartElement) {
	switch {
	case start.Name.Space == ns.Stream && start.Name.Local == "error":
		se := stream.Error{}
		_ = (&se).UnmarshalXML(dec, start)
		s.loop.Post(func() { s.Close() })
	case start.Name.Space == ns.Stream && start.Name.Local == "features":
		raw := struct {
			Inner []byte `xml:",innerxml"`
		}{}
		_ = dec.DecodeElement(&raw, &start)
		el := Element{Name: start.Name, Attr: start.Attr, Inner: raw.Inner}
		s.loop.Post(func() {
			if s.FeaturesHandler != nil {
				s.FeaturesHandler(s, el)
			}
			s.MarkAuthReady()
		})
	case start.Name.Space == ns.Dialback && start.Name.Local == "result":
		r, err := stanza.ResultFromStartElement(dec, start)
		if err != nil {
			_ = s.SendStreamError(streamErrorFor(err))
			return
		}
		s.loop.Post(func() {
			if s.ResultHandler != nil {
				s.ResultHandler(s, r)
			}
		})
	case start.Name.Space == ns.Dialback && start.Name.Local == "verify":
		v, err := stanza.VerifyFromStartElement(dec, start)
		if err != nil {
			_ = s.SendStreamError(streamErrorFor(err))
			return
		}
		v = v.Freeze()
		s.loop.Post(func() {
			if s.VerifyHandler != nil {
				s.VerifyHandler(s, v)
			}
		})
	case start.Name.Local == "message" || start.Name.Local == "presence" || start.Name.Local == "iq":
		st, err := stanza.FromStartElement(dec, start)
		if err != nil {
			_ = s.SendStreamError(stream.BadFormat)
			return
		}
		st = st.Freeze()
		s.loop.Post(func() {
			if s.StanzaHandler != nil {
				s.StanzaHandler(s, st)
			}
		})
	default:
		raw := struct {
			Inner []byte `xml:",innerxml"`
		}{}
		if err := dec.DecodeElement(&raw, &start); err != nil {
			_ = s.SendStreamError(stream.BadFormat)
			return
		}
		el := Element{Name: start.Name, Attr: start.Attr, Inner: raw.Inner}
		s.loop.Post(func() {
			if h, ok := s.handlers[xml.Name{Space: start.Name.Space}]; ok {
				h(s, el)
			}
		})
	}
}

// streamErrorFor maps a db:result/db:verify decode failure to the RFC 6120
// §4.9.3 condition original_source/dialback.cc throws for the same case:
// unsupported-stanza-type for a recognized element missing its mandatory
// attributes, bad-format for anything else (malformed XML, wrong types).
func streamErrorFor(err error) stream.Error {
	if errors.Is(err, stanza.ErrMissingAttr) {
		return stream.UnsupportedStanzaType
	}
	return stream.BadFormat
}
