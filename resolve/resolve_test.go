// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package resolve

import (
	"testing"

	"github.com/miekg/dns"

	"vein.im/s2s/internal/loop"
)

func TestSRVLookupCacheHitIsSynchronous(t *testing.T) {
	r := New(loop.New(0), &dns.ClientConfig{})
	want := SRVResult{Domain: "b.example", Targets: []SRVTarget{{Port: 5269, Host: "b.example"}}}
	r.srvCache["b.example"] = want

	var got SRVResult
	called := false
	r.SRVLookup(nil, "b.example", func(res SRVResult) {
		called = true
		got = res
	})
	if !called {
		t.Fatal("cached SRV result must be delivered synchronously")
	}
	if got.Domain != want.Domain || len(got.Targets) != 1 {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestSRVTargetSortByPriorityThenWeight(t *testing.T) {
	targets := []SRVTarget{
		{Priority: 10, Weight: 5, Host: "low-pri"},
		{Priority: 0, Weight: 1, Host: "hi-pri-lo-weight"},
		{Priority: 0, Weight: 9, Host: "hi-pri-hi-weight"},
	}
	sortSRVTargets(targets)
	if targets[0].Host != "hi-pri-hi-weight" || targets[1].Host != "hi-pri-lo-weight" || targets[2].Host != "low-pri" {
		t.Fatalf("unexpected order: %+v", targets)
	}
}

func TestAddressLookupCacheHitIsSynchronous(t *testing.T) {
	r := New(loop.New(0), &dns.ClientConfig{})
	r.addrCache["b.example"] = AddressResult{Host: "b.example"}

	called := false
	r.AddressLookup(nil, "b.example", func(AddressResult) { called = true })
	if !called {
		t.Fatal("cached address result must be delivered synchronously")
	}
}

func TestTLSALookupCacheHitIsSynchronous(t *testing.T) {
	r := New(loop.New(0), &dns.ClientConfig{})
	key := addrKey{port: 5269, host: "b.example"}
	r.tlsaCache[key] = TLSAResult{Domain: "_5269._tcp.b.example."}

	called := false
	r.TLSALookup(nil, 5269, "b.example", func(TLSAResult) { called = true })
	if !called {
		t.Fatal("cached TLSA result must be delivered synchronously")
	}
}
