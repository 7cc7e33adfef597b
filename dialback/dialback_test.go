// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package dialback_test

import (
	"encoding/xml"
	"net"
	"testing"
	"time"

	"vein.im/s2s/config"
	"vein.im/s2s/dialback"
	"vein.im/s2s/internal/loop"
	"vein.im/s2s/jid"
	"vein.im/s2s/netio"
	"vein.im/s2s/registry"
	"vein.im/s2s/stanza"
	"vein.im/s2s/stream"
)

type fakeRoute struct {
	collateResult bool
	collateCalled bool
	verifies      []stanza.Verify
	failed        bool
}

func (r *fakeRoute) Collate(cb func(bool)) {
	r.collateCalled = true
	cb(r.collateResult)
}
func (r *fakeRoute) TransmitVerify(v stanza.Verify) { r.verifies = append(r.verifies, v) }
func (r *fakeRoute) Fail()                          { r.failed = true }

type fakeTable struct {
	routes map[string]*fakeRoute
}

func newFakeTable() *fakeTable { return &fakeTable{routes: make(map[string]*fakeRoute)} }

func (t *fakeTable) Route(local, remote string) dialback.Route {
	key := local + "|" + remote
	r, ok := t.routes[key]
	if !ok {
		r = &fakeRoute{}
		t.routes[key] = r
	}
	return r
}

func newPipeSession(dir netio.Direction, id string, reg *registry.Registry) (*netio.Session, net.Conn) {
	a, b := net.Pipe()
	l := loop.New(8)
	if reg == nil {
		reg = registry.New()
	}
	s := netio.New(a, dir, id, l, reg, registry.Addr{})
	return s, b
}

func attrValue(attrs []xml.Attr, local string) string {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func readStreamError(t *testing.T, conn net.Conn) stream.Error {
	t.Helper()
	type res struct {
		se  stream.Error
		err error
	}
	ch := make(chan res, 1)
	go func() {
		dec := xml.NewDecoder(conn)
		for {
			tok, err := dec.Token()
			if err != nil {
				ch <- res{err: err}
				return
			}
			start, ok := tok.(xml.StartElement)
			if !ok {
				continue
			}
			var se stream.Error
			if err := (&se).UnmarshalXML(dec, start); err != nil {
				ch <- res{err: err}
				return
			}
			ch <- res{se: se}
			return
		}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("reading stream error: %v", r.err)
		}
		return r.se
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream error")
	}
	return stream.Error{}
}

func readElement(t *testing.T, conn net.Conn) xml.StartElement {
	t.Helper()
	type res struct {
		start xml.StartElement
		err   error
	}
	ch := make(chan res, 1)
	go func() {
		dec := xml.NewDecoder(conn)
		for {
			tok, err := dec.Token()
			if err != nil {
				ch <- res{err: err}
				return
			}
			if start, ok := tok.(xml.StartElement); ok {
				ch <- res{start: start}
				return
			}
		}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("reading reply: %v", r.err)
		}
		return r.start
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	return xml.StartElement{}
}

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("jid.Parse(%q): %v", s, err)
	}
	return j
}

func TestResultRequestFailsWhenTLSRequiredAndNotSecured(t *testing.T) {
	cfg := config.New(
		config.WithDomain("b.example", config.Domain{RequireTLS: true, AuthDialback: true, Transport: config.S2S}),
		config.WithDomain("a.example", config.Domain{AuthDialback: true, Transport: config.S2S}),
	)
	table := newFakeTable()
	f := dialback.New(cfg, table, registry.New())
	sess, peer := newPipeSession(netio.Inbound, "s1", nil)
	f.Attach(sess)

	sess.ResultHandler(sess, stanza.Result{
		From: mustJID(t, "a.example"),
		To:   mustJID(t, "b.example"),
		Key:  "somekey",
	})

	se := readStreamError(t, peer)
	if se.Err != stream.HostUnknown.Err {
		t.Fatalf("condition = %q, want %q", se.Err, stream.HostUnknown.Err)
	}
}

func TestResultRequestFailsWhenNotConfiguredAsS2S(t *testing.T) {
	cfg := config.New(
		config.WithDomain("b.example", config.Domain{AuthDialback: true, Transport: config.S2S}),
		config.WithDomain("a.example", config.Domain{Transport: config.C2S}),
	)
	table := newFakeTable()
	f := dialback.New(cfg, table, registry.New())
	sess, peer := newPipeSession(netio.Inbound, "s1", nil)
	f.Attach(sess)

	sess.ResultHandler(sess, stanza.Result{
		From: mustJID(t, "a.example"),
		To:   mustJID(t, "b.example"),
		Key:  "somekey",
	})

	se := readStreamError(t, peer)
	if se.Err != stream.HostUnknown.Err {
		t.Fatalf("condition = %q, want %q", se.Err, stream.HostUnknown.Err)
	}
}

func TestResultRequestFailsWhenDialbackDisallowed(t *testing.T) {
	cfg := config.New(
		config.WithDomain("b.example", config.Domain{AuthDialback: false, Transport: config.S2S}),
		config.WithDomain("a.example", config.Domain{Transport: config.S2S}),
	)
	table := newFakeTable()
	f := dialback.New(cfg, table, registry.New())
	sess, peer := newPipeSession(netio.Inbound, "s1", nil)
	f.Attach(sess)

	sess.ResultHandler(sess, stanza.Result{
		From: mustJID(t, "a.example"),
		To:   mustJID(t, "b.example"),
		Key:  "somekey",
	})

	se := readStreamError(t, peer)
	if se.Err != stream.HostUnknown.Err {
		t.Fatalf("condition = %q, want %q", se.Err, stream.HostUnknown.Err)
	}
}

func TestResultRequestTLSAuthOKRepliesValidImmediately(t *testing.T) {
	cfg := config.New(
		config.WithDomain("b.example", config.Domain{AuthDialback: true, Transport: config.S2S}),
		config.WithDomain("a.example", config.Domain{AuthDialback: true, Transport: config.S2S}),
	)
	table := newFakeTable()
	f := dialback.New(cfg, table, registry.New())
	sess, peer := newPipeSession(netio.Inbound, "s1", nil)
	f.Attach(sess)
	table.routes["b.example|a.example"] = &fakeRoute{collateResult: true}

	sess.ResultHandler(sess, stanza.Result{
		From: mustJID(t, "a.example"),
		To:   mustJID(t, "b.example"),
		Key:  "somekey",
	})

	start := readElement(t, peer)
	if got := attrValue(start.Attr, "type"); got != "valid" {
		t.Fatalf("type = %q, want valid", got)
	}
	if got := sess.AuthState("b.example", "a.example", netio.Inbound); got != netio.AuthAuthorized {
		t.Fatalf("auth state = %v, want Authorized", got)
	}
}

func TestResultRequestWithoutTLSTransmitsVerify(t *testing.T) {
	cfg := config.New(
		config.WithDomain("b.example", config.Domain{AuthDialback: true, Transport: config.S2S}),
		config.WithDomain("a.example", config.Domain{AuthDialback: true, Transport: config.S2S}),
		config.WithSecret([]byte("shh")),
	)
	table := newFakeTable()
	f := dialback.New(cfg, table, registry.New())
	sess, _ := newPipeSession(netio.Inbound, "stream1", nil)
	f.Attach(sess)
	route := &fakeRoute{collateResult: false}
	table.routes["b.example|a.example"] = route

	sess.ResultHandler(sess, stanza.Result{
		From: mustJID(t, "a.example"),
		To:   mustJID(t, "b.example"),
		Key:  "somekey",
	})

	if !route.collateCalled {
		t.Fatal("expected Collate to be called")
	}
	if len(route.verifies) != 1 {
		t.Fatalf("expected one verify transmitted, got %d", len(route.verifies))
	}
	v := route.verifies[0]
	want := cfg.DialbackKey("stream1", "b.example", "a.example")
	if v.Key != string(want) {
		t.Fatalf("verify key mismatch")
	}
	if v.ID != "stream1" {
		t.Fatalf("verify id = %q, want stream1", v.ID)
	}
}

func TestVerifyChallengeRepliesValidForCorrectKey(t *testing.T) {
	cfg := config.New(config.WithSecret([]byte("shh")))
	table := newFakeTable()
	f := dialback.New(cfg, table, registry.New())
	sess, peer := newPipeSession(netio.Inbound, "s1", nil)
	f.Attach(sess)

	key := cfg.DialbackKey("stream1", "a.example", "b.example")
	sess.VerifyHandler(sess, stanza.Verify{
		From: mustJID(t, "a.example"),
		To:   mustJID(t, "b.example"),
		ID:   "stream1",
		Key:  string(key),
	})

	start := readElement(t, peer)
	if got := attrValue(start.Attr, "type"); got != "valid" {
		t.Fatalf("type = %q, want valid", got)
	}
}

func TestVerifyChallengeRepliesInvalidForWrongKey(t *testing.T) {
	cfg := config.New(config.WithSecret([]byte("shh")))
	table := newFakeTable()
	f := dialback.New(cfg, table, registry.New())
	sess, peer := newPipeSession(netio.Inbound, "s1", nil)
	f.Attach(sess)

	sess.VerifyHandler(sess, stanza.Verify{
		From: mustJID(t, "a.example"),
		To:   mustJID(t, "b.example"),
		ID:   "stream1",
		Key:  "wrong",
	})

	start := readElement(t, peer)
	if got := attrValue(start.Attr, "type"); got != "invalid" {
		t.Fatalf("type = %q, want invalid", got)
	}
}

func TestResultResponseValidUpgradesOutboundAuth(t *testing.T) {
	cfg := config.New()
	table := newFakeTable()
	f := dialback.New(cfg, table, registry.New())
	sess, _ := newPipeSession(netio.Outbound, "s1", nil)
	f.Attach(sess)
	_ = sess.SetAuthState("a.example", "b.example", netio.Outbound, netio.AuthRequested)

	sess.ResultHandler(sess, stanza.Result{
		From: mustJID(t, "b.example"),
		To:   mustJID(t, "a.example"),
		Type: "valid",
	})

	if got := sess.AuthState("a.example", "b.example", netio.Outbound); got != netio.AuthAuthorized {
		t.Fatalf("auth state = %v, want Authorized", got)
	}
}

func TestResultResponseInvalidFailsRoute(t *testing.T) {
	cfg := config.New()
	table := newFakeTable()
	f := dialback.New(cfg, table, registry.New())
	sess, _ := newPipeSession(netio.Outbound, "s1", nil)
	f.Attach(sess)
	_ = sess.SetAuthState("a.example", "b.example", netio.Outbound, netio.AuthRequested)
	route := &fakeRoute{}
	table.routes["a.example|b.example"] = route

	sess.ResultHandler(sess, stanza.Result{
		From: mustJID(t, "b.example"),
		To:   mustJID(t, "a.example"),
		Type: "invalid",
	})

	if !route.failed {
		t.Fatal("expected route.Fail to be called")
	}
}

func TestVerifyResponseAuthorizesOriginalInboundSession(t *testing.T) {
	reg := registry.New()
	cfg := config.New()
	table := newFakeTable()
	f := dialback.New(cfg, table, reg)

	orig, origPeer := newPipeSession(netio.Inbound, "origstream", reg)
	_ = orig.SetAuthState("b.example", "a.example", netio.Inbound, netio.AuthRequested)

	respSess, _ := newPipeSession(netio.Outbound, "s2", nil)
	f.Attach(respSess)

	respSess.VerifyHandler(respSess, stanza.Verify{
		From: mustJID(t, "b.example"),
		To:   mustJID(t, "a.example"),
		ID:   "origstream",
		Type: "valid",
	})

	start := readElement(t, origPeer)
	if start.Name.Local != "result" {
		t.Fatalf("got %s, want result", start.Name.Local)
	}
	if got := attrValue(start.Attr, "type"); got != "valid" {
		t.Fatalf("type = %q, want valid", got)
	}
	if got := orig.AuthState("b.example", "a.example", netio.Inbound); got != netio.AuthAuthorized {
		t.Fatalf("auth state = %v, want Authorized", got)
	}
}
