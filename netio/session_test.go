// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package netio_test

import (
	"net"
	"testing"
	"time"

	"vein.im/s2s/internal/loop"
	"vein.im/s2s/netio"
	"vein.im/s2s/registry"
)

func TestOpenAcceptHandshakeAssignsStreamID(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	l := loop.New(8)
	reg := registry.New()

	type result struct {
		s   *netio.Session
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		s, err := netio.Accept(serverConn, "b.example", l, reg)
		serverCh <- result{s, err}
	}()
	go func() {
		s, err := netio.Open(clientConn, "a.example", "b.example", l, reg, registry.Addr{Host: "b.example", Port: 5269})
		clientCh <- result{s, err}
	}()

	var client, server result
	select {
	case client = <-clientCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client Open")
	}
	select {
	case server = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server Accept")
	}
	if client.err != nil {
		t.Fatalf("Open: %v", client.err)
	}
	if server.err != nil {
		t.Fatalf("Accept: %v", server.err)
	}
	if client.s.StreamID() == "" {
		t.Fatal("client session should have learned the server-assigned stream id")
	}
	if client.s.StreamID() != server.s.StreamID() {
		t.Fatalf("client stream id %q != server stream id %q", client.s.StreamID(), server.s.StreamID())
	}
	if client.s.RemoteDomain() != "b.example" {
		t.Errorf("client RemoteDomain = %q, want b.example", client.s.RemoteDomain())
	}
	if server.s.RemoteDomain() != "a.example" {
		t.Errorf("server RemoteDomain = %q, want a.example", server.s.RemoteDomain())
	}
}

func TestAuthStateMonotonicity(t *testing.T) {
	conn, _ := net.Pipe()
	l := loop.New(8)
	s := netio.New(conn, netio.Outbound, "stream1", l, nil, registry.Addr{})

	if got := s.AuthState("a.example", "b.example", netio.Outbound); got != netio.AuthNone {
		t.Fatalf("initial state = %v, want AuthNone", got)
	}
	if err := s.SetAuthState("a.example", "b.example", netio.Outbound, netio.AuthRequested); err != nil {
		t.Fatalf("NONE->REQUESTED: %v", err)
	}
	// Idempotent write of the same state is a no-op success.
	if err := s.SetAuthState("a.example", "b.example", netio.Outbound, netio.AuthRequested); err != nil {
		t.Fatalf("idempotent REQUESTED write should succeed: %v", err)
	}
	if err := s.SetAuthState("a.example", "b.example", netio.Outbound, netio.AuthAuthorized); err != nil {
		t.Fatalf("REQUESTED->AUTHORIZED: %v", err)
	}
	if err := s.SetAuthState("a.example", "b.example", netio.Outbound, netio.AuthRequested); err == nil {
		t.Fatal("AUTHORIZED->REQUESTED should be rejected as a regression")
	}
}

func TestOnAuthenticatedFiresOnOutboundAuthorization(t *testing.T) {
	conn, _ := net.Pipe()
	l := loop.New(8)
	s := netio.New(conn, netio.Outbound, "stream1", l, nil, registry.Addr{})

	var gotLocal, gotRemote string
	fired := false
	s.OnAuthenticated(func(local, remote string) {
		fired = true
		gotLocal, gotRemote = local, remote
	})
	if err := s.SetAuthState("a.example", "b.example", netio.Outbound, netio.AuthAuthorized); err != nil {
		t.Fatal(err)
	}
	if !fired {
		t.Fatal("on_authenticated should fire when an OUTBOUND pair becomes AUTHORIZED")
	}
	if gotLocal != "a.example" || gotRemote != "b.example" {
		t.Errorf("got (%q, %q)", gotLocal, gotRemote)
	}
}

func TestOnAuthReadyFiresOnceAndImmediatelyIfAlreadyReady(t *testing.T) {
	conn, _ := net.Pipe()
	l := loop.New(8)
	s := netio.New(conn, netio.Inbound, "stream1", l, nil, registry.Addr{})

	count := 0
	s.OnAuthReady(func() { count++ })
	s.MarkAuthReady()
	s.MarkAuthReady() // must not re-fire
	if count != 1 {
		t.Fatalf("on_auth_ready fired %d times, want 1", count)
	}

	count2 := 0
	s.OnAuthReady(func() { count2++ })
	if count2 != 1 {
		t.Fatal("subscribing after auth_ready became true should fire immediately")
	}
}
