// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package dialback implements XEP-0220 Server Dialback on top of netio.
// It owns nothing about transport or routing itself; it is wired onto a
// Session's ResultHandler/VerifyHandler and drives a Route through the
// minimal Route/RouteTable interfaces below to collate names and deliver
// a verify challenge.
package dialback // import "vein.im/s2s/dialback"

import (
	"crypto/hmac"
	"encoding/xml"

	"vein.im/s2s/config"
	"vein.im/s2s/internal/ns"
	"vein.im/s2s/jid"
	"vein.im/s2s/netio"
	"vein.im/s2s/registry"
	"vein.im/s2s/stanza"
	"vein.im/s2s/stream"
)

// RouteTable resolves the per-(local,remote) Route the feature drives.
type RouteTable interface {
	Route(local, remote string) Route
}

// Route is the subset of route.Route the dialback feature uses.
type Route interface {
	// Collate triggers (or reuses the result of) name collation and calls
	// cb once a verdict is known. tlsAuthOK reports whether the peer's TLS
	// certificate already authenticates it, letting the caller skip the
	// verify round-trip.
	Collate(cb func(tlsAuthOK bool))
	// TransmitVerify sends v over this route's verify session, queuing it
	// if that session is not yet auth_ready.
	TransmitVerify(v stanza.Verify)
	// Fail terminates any in-flight OUTBOUND authorization attempt for
	// this route and bounces its pending stanzas.
	Fail()
}

// Feature implements dialback's stream-content and feature-advertisement
// behavior, scoped to one configuration view, route table, and session
// registry.
type Feature struct {
	cfg    config.View
	routes RouteTable
	reg    *registry.Registry
}

// New returns a Feature that consults cfg for per-domain policy, drives
// routes for collation and verify delivery, and resolves original
// NetSessions out of reg when a db:verify response arrives.
func New(cfg config.View, routes RouteTable, reg *registry.Registry) *Feature {
	return &Feature{cfg: cfg, routes: routes, reg: reg}
}

// Attach wires the feature's handlers onto s.
func (f *Feature) Attach(s *netio.Session) {
	s.ResultHandler = f.handleResult
	s.VerifyHandler = f.handleVerify
}

// Offer reports whether dialback should be advertised in stream features
// between local and remote: only once the stream is secured, or if
// neither domain requires TLS.
func (f *Feature) Offer(s *netio.Session, local, remote string) bool {
	return s.Secured() || (!f.cfg.RequireTLS(local) && !f.cfg.RequireTLS(remote))
}

// SendFeatures writes a <stream:features/> element on s, nesting the
// dialback advertisement when Offer allows it. Other features a
// collaborator wants to advertise are this function's caller's concern;
// this package only ever contributes its own child element.
func (f *Feature) SendFeatures(s *netio.Session, local, remote string) error {
	return s.Send(featuresElement{offerDialback: f.Offer(s, local, remote)})
}

type featuresElement struct {
	offerDialback bool
}

func (e featuresElement) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Space: ns.Stream, Local: "features"}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.offerDialback {
		if err := writeDialbackFeature(enc); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func writeDialbackFeature(enc *xml.Encoder) error {
	start := xml.StartElement{Name: xml.Name{Space: ns.DialbackFeature, Local: "dialback"}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	errs := xml.StartElement{Name: xml.Name{Local: "errors"}}
	if err := enc.EncodeToken(errs); err != nil {
		return err
	}
	if err := enc.EncodeToken(errs.End()); err != nil {
		return err
	}
	return enc.EncodeToken(start.End())
}

// handleResult dispatches an inbound db:result by whether it carries a
// type attribute: untyped is the original authentication request, typed
// is a response to a db:result request we sent earlier.
func (f *Feature) handleResult(s *netio.Session, r stanza.Result) {
	if r.Type == "" {
		f.handleResultRequest(s, r)
		return
	}
	f.handleResultResponse(s, r)
}

// handleResultRequest enforces the per-domain policy a db:result request
// must satisfy before collation is even attempted. All three rejections
// below are stream-fatal host-unknown closes, matching
// original_source/dialback.cc's host_unknown throws for an unconfigured
// S2S transport, a peer dialback isn't allowed to authenticate for, and a
// required-TLS stream that never secured.
func (f *Feature) handleResultRequest(s *netio.Session, r stanza.Result) {
	local, remote := r.To.String(), r.From.String()

	if f.cfg.TransportType(remote) != config.S2S {
		_ = s.SendStreamError(stream.HostUnknown)
		return
	}
	if !f.cfg.AuthDialback(remote) {
		_ = s.SendStreamError(stream.HostUnknown)
		return
	}
	if f.cfg.RequireTLS(local) && !s.Secured() {
		_ = s.SendStreamError(stream.HostUnknown)
		return
	}
	if err := s.SetAuthState(local, remote, netio.Inbound, netio.AuthRequested); err != nil {
		return
	}

	route := f.routes.Route(local, remote)
	streamID := s.StreamID()
	route.Collate(func(tlsAuthOK bool) {
		if tlsAuthOK {
			f.sendResult(s, local, remote, "valid")
			_ = s.SetAuthState(local, remote, netio.Inbound, netio.AuthAuthorized)
			return
		}
		key := f.cfg.DialbackKey(streamID, local, remote)
		route.TransmitVerify(stanza.Verify{
			From: r.To,
			To:   r.From,
			ID:   streamID,
			Key:  string(key),
		}.Freeze())
	})
}

// handleResultResponse answers our own earlier db:result request, which
// (per Route.TransmitStanza's session-promotion chain) may have gone out
// over either a freshly-dialed session or one promoted from the registry,
// so there is no connection-direction invariant to check here; only a
// request we actually sent (auth state already at least REQUESTED) may be
// authorized by it.
func (f *Feature) handleResultResponse(s *netio.Session, r stanza.Result) {
	local, remote := r.To.String(), r.From.String()
	if s.AuthState(local, remote, netio.Outbound) < netio.AuthRequested {
		return
	}
	switch r.Type {
	case "valid":
		_ = s.SetAuthState(local, remote, netio.Outbound, netio.AuthAuthorized)
	case "invalid", "error":
		f.routes.Route(local, remote).Fail()
	}
}

// handleVerify dispatches an inbound db:verify by whether it carries a
// type attribute: untyped is a challenge asking us to vouch for a key we
// issued, typed is the verdict on a challenge we sent earlier.
func (f *Feature) handleVerify(s *netio.Session, v stanza.Verify) {
	if v.Type == "" {
		f.handleVerifyChallenge(s, v)
		return
	}
	f.handleVerifyResponse(s, v)
}

func (f *Feature) handleVerifyChallenge(s *netio.Session, v stanza.Verify) {
	expected := f.cfg.DialbackKey(v.ID, v.From.String(), v.To.String())
	ok := hmac.Equal([]byte(expected), []byte(v.Key))
	reply := stanza.Verify{
		From: v.From,
		To:   v.To,
		ID:   v.ID,
		Type: verdict(ok),
	}
	_ = s.SendVerify(reply.Freeze())
}

// handleVerifyResponse arrives on whatever session carried the original
// challenge, which by design is usually the peer's inbound-to-us session
// reused rather than a fresh outbound one (see Route.TransmitVerify). The
// id attribute, not this session's direction, is what names the original
// stream awaiting the verdict.
func (f *Feature) handleVerifyResponse(s *netio.Session, v stanza.Verify) {
	sess, ok := f.reg.Resolve(v.ID)
	if !ok {
		return
	}
	orig, ok := sess.(*netio.Session)
	if !ok {
		return
	}
	local, remote := v.From.String(), v.To.String()
	if orig.AuthState(local, remote, netio.Inbound) < netio.AuthRequested {
		return
	}
	if v.Type == "valid" {
		f.sendResult(orig, local, remote, "valid")
		_ = orig.SetAuthState(local, remote, netio.Inbound, netio.AuthAuthorized)
		return
	}
	f.sendResult(orig, local, remote, "invalid")
}

func (f *Feature) sendResult(s *netio.Session, local, remote, typ string) {
	from, err := jid.Parse(local)
	if err != nil {
		return
	}
	to, err := jid.Parse(remote)
	if err != nil {
		return
	}
	_ = s.SendResult(stanza.Result{From: from, To: to, Type: typ})
}

func verdict(ok bool) string {
	if ok {
		return "valid"
	}
	return "invalid"
}
