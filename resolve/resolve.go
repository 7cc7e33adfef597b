// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package resolve is the DNS resolver facade: asynchronous SRV, address, and
// TLSA lookups with DNSSEC-awareness and per-key result caching, delivered
// back onto an event loop rather than called synchronously from a
// background goroutine.
package resolve // import "vein.im/s2s/resolve"

import (
	"context"
	"encoding/hex"
	"net"
	"sort"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"

	"vein.im/s2s/internal/loop"
)

// SRVTarget is one SRV record for the S2S service.
type SRVTarget struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Host     string
}

// SRVResult is the outcome of a SRV lookup for a domain.
type SRVResult struct {
	Domain  string
	Targets []SRVTarget
	DNSSEC  bool
	Err     error
}

// AddressResult is the outcome of an A/AAAA lookup for a hostname.
type AddressResult struct {
	Host string
	V4   []net.IP
	V6   []net.IP
	Err  error
}

// TLSARecord is one TLSA resource record.
type TLSARecord struct {
	Usage        uint8
	Selector     uint8
	MatchingType uint8
	Data         []byte
}

// TLSAResult is the outcome of a TLSA lookup for (port, hostname).
type TLSAResult struct {
	Domain  string // the synthesized _port._tcp.host query name
	Records []TLSARecord
	DNSSEC  bool
	Err     error
}

type addrKey struct {
	port uint16
	host string
}

// Resolver is the DNS resolver facade described by the component design.
// Every lookup delivers its result by posting a closure to loop, never by
// invoking the callback from the goroutine that performed the actual DNS
// exchange, so callers never observe a lookup completing concurrently with
// their own event-loop-confined state mutation.
//
// A cached result is delivered synchronously: the callback runs before the
// lookup method returns, with no round trip through the loop, per §4.1's
// "permit synchronous delivery of a cached result."
type Resolver struct {
	client *dns.Client
	config *dns.ClientConfig
	loop   *loop.Loop

	srvCache map[string]SRVResult
	addrCache map[string]AddressResult
	tlsaCache map[addrKey]TLSAResult
}

// New builds a Resolver that posts results onto l and issues queries using
// cfg (server list, port, timeout), in the shape of a stub-resolver client
// config as loaded from /etc/resolv.conf.
func New(l *loop.Loop, cfg *dns.ClientConfig) *Resolver {
	return &Resolver{
		client:    new(dns.Client),
		config:    cfg,
		loop:      l,
		srvCache:  make(map[string]SRVResult),
		addrCache: make(map[string]AddressResult),
		tlsaCache: make(map[addrKey]TLSAResult),
	}
}

// exchange tries every configured server in order, as the stub resolver
// would, returning the first successful response.
func (r *Resolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var resp *dns.Msg
	var lastErr error
	for _, srv := range r.config.Servers {
		resp, _, lastErr = r.client.ExchangeContext(ctx, msg, net.JoinHostPort(srv, r.config.Port))
		if lastErr == nil {
			return resp, nil
		}
	}
	return nil, lastErr
}

// SRVLookup resolves the S2S SRV records for domain, consulting the cache
// first.
func (r *Resolver) SRVLookup(ctx context.Context, domain string, cb func(SRVResult)) {
	if cached, ok := r.srvCache[domain]; ok {
		cb(cached)
		return
	}
	go func() {
		res := r.querySRV(ctx, domain)
		r.loop.Post(func() {
			r.srvCache[domain] = res
			cb(res)
		})
	}()
}

func (r *Resolver) querySRV(ctx context.Context, domain string) SRVResult {
	name := "_xmpp-server._tcp." + dns.Fqdn(domain)
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeSRV)
	msg.SetEdns0(4096, false)
	msg.AuthenticatedData = true

	resp, err := r.exchange(ctx, msg)
	if err != nil {
		return SRVResult{Domain: domain, Err: err}
	}
	res := SRVResult{Domain: domain, DNSSEC: resp.AuthenticatedData}
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		res.Targets = append(res.Targets, SRVTarget{
			Priority: srv.Priority,
			Weight:   srv.Weight,
			Port:     srv.Port,
			Host:     srv.Target,
		})
	}
	sortSRVTargets(res.Targets)
	return res
}

// sortSRVTargets orders targets by ascending RFC 2782 priority, then by
// descending weight within a priority band. Route tries the targets in
// exactly this order, advancing to the next one on each connect failure;
// no random selection among equal-priority targets is made.
func sortSRVTargets(targets []SRVTarget) {
	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].Priority != targets[j].Priority {
			return targets[i].Priority < targets[j].Priority
		}
		return targets[i].Weight > targets[j].Weight
	})
}

// AddressLookup resolves A and AAAA records for hostname.
func (r *Resolver) AddressLookup(ctx context.Context, hostname string, cb func(AddressResult)) {
	if cached, ok := r.addrCache[hostname]; ok {
		cb(cached)
		return
	}
	go func() {
		res := r.queryAddress(ctx, hostname)
		r.loop.Post(func() {
			r.addrCache[hostname] = res
			cb(res)
		})
	}()
}

// queryAddress resolves both address families independently: a failure on
// one (a timeout, a SERVFAIL, an AAAA-only resolver) does not prevent the
// other from being tried. Only if neither family yields an address does the
// combined result carry an error, aggregated with multierror so the caller
// sees both underlying causes instead of just whichever query ran first.
func (r *Resolver) queryAddress(ctx context.Context, hostname string) AddressResult {
	res := AddressResult{Host: hostname}
	var errs *multierror.Error

	msg4 := new(dns.Msg)
	msg4.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	msg4.SetEdns0(4096, false)
	msg4.AuthenticatedData = true
	if resp4, err := r.exchange(ctx, msg4); err != nil {
		errs = multierror.Append(errs, err)
	} else {
		for _, rr := range resp4.Answer {
			if a, ok := rr.(*dns.A); ok {
				res.V4 = append(res.V4, a.A)
			}
		}
	}

	msg6 := new(dns.Msg)
	msg6.SetQuestion(dns.Fqdn(hostname), dns.TypeAAAA)
	msg6.SetEdns0(4096, false)
	msg6.AuthenticatedData = true
	if resp6, err := r.exchange(ctx, msg6); err != nil {
		errs = multierror.Append(errs, err)
	} else {
		for _, rr := range resp6.Answer {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				res.V6 = append(res.V6, aaaa.AAAA)
			}
		}
	}

	if len(res.V4) == 0 && len(res.V6) == 0 && errs != nil {
		res.Err = errs.ErrorOrNil()
	}
	return res
}

// TLSALookup resolves the TLSA record set at _port._tcp.hostname.
func (r *Resolver) TLSALookup(ctx context.Context, port uint16, hostname string, cb func(TLSAResult)) {
	key := addrKey{port: port, host: hostname}
	if cached, ok := r.tlsaCache[key]; ok {
		cb(cached)
		return
	}
	go func() {
		res := r.queryTLSA(ctx, port, hostname)
		r.loop.Post(func() {
			r.tlsaCache[key] = res
			cb(res)
		})
	}()
}

func (r *Resolver) queryTLSA(ctx context.Context, port uint16, hostname string) TLSAResult {
	name, err := dns.TLSAName(dns.Fqdn(hostname), portString(port), "tcp")
	if err != nil {
		return TLSAResult{Err: err}
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTLSA)
	msg.SetEdns0(4096, false)
	msg.AuthenticatedData = true

	resp, err := r.exchange(ctx, msg)
	if err != nil {
		return TLSAResult{Domain: name, Err: err}
	}
	res := TLSAResult{Domain: name, DNSSEC: resp.AuthenticatedData}
	for _, rr := range resp.Answer {
		t, ok := rr.(*dns.TLSA)
		if !ok {
			continue
		}
		data, err := hex.DecodeString(t.Certificate)
		if err != nil {
			continue
		}
		res.Records = append(res.Records, TLSARecord{
			Usage:        t.Usage,
			Selector:     t.Selector,
			MatchingType: t.MatchingType,
			Data:         data,
		})
	}
	return res
}

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}
