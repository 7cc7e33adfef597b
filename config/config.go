// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package config provides the read-only, per-domain configuration view
// consumed by the rest of the routing core.
package config // import "vein.im/s2s/config"

import (
	"crypto/hmac"
	"crypto/sha256"

	"vein.im/s2s/resolve"
)

// Transport names the kind of stream a domain is configured to speak.
type Transport int

// The transport kinds a domain entry may declare.
const (
	S2S Transport = iota
	C2S
	Component
)

// Domain is one domain's static policy.
type Domain struct {
	// RequireTLS forbids dialback (and any other plaintext auth) unless the
	// stream has completed TLS.
	RequireTLS bool
	// AuthDialback allows XEP-0220 dialback for this domain. If false, an
	// inbound db:result for this domain is rejected with host-unknown.
	AuthDialback bool
	Transport    Transport
	// TLSA holds static TLSA override records for this domain, used by
	// Route.TLSA only when no live TLSA records have been collected.
	TLSA []resolve.TLSARecord
}

// View is the read-only per-domain accessor set described by §4.7. A View
// is loaded once at process start by the embedding application; this
// package never reads a configuration file itself.
type View interface {
	RequireTLS(domain string) bool
	AuthDialback(domain string) bool
	TransportType(domain string) Transport
	TLSA(domain string) []resolve.TLSARecord
	// DialbackKey derives the HMAC dialback key for (streamID, to, from)
	// using the process-wide secret. It is the verifier's job to regenerate
	// the same value and compare byte-for-byte.
	DialbackKey(streamID, to, from string) []byte
}

// Static is the in-memory View implementation: a fixed map of per-domain
// policy plus a single process-wide dialback secret, built with
// constructor options in the teacher's With... style rather than exposing
// a bag of mutable exported fields.
type Static struct {
	domains map[string]Domain
	secret  []byte
}

// Option configures a Static view at construction time.
type Option func(*Static)

// WithDomain registers policy for one local or peer domain.
func WithDomain(name string, d Domain) Option {
	return func(s *Static) {
		s.domains[name] = d
	}
}

// WithSecret sets the process-wide dialback HMAC secret. It must be called
// exactly once; dialback key derivation with a zero-length secret produces
// a deterministic, insecure key and should never be used outside tests.
func WithSecret(secret []byte) Option {
	return func(s *Static) {
		s.secret = secret
	}
}

// New builds a Static view from opts.
func New(opts ...Option) *Static {
	s := &Static{domains: make(map[string]Domain)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Static) lookup(domain string) Domain {
	return s.domains[domain] // zero Domain (deny-by-default) if absent
}

// RequireTLS implements View.
func (s *Static) RequireTLS(domain string) bool { return s.lookup(domain).RequireTLS }

// AuthDialback implements View.
func (s *Static) AuthDialback(domain string) bool { return s.lookup(domain).AuthDialback }

// TransportType implements View.
func (s *Static) TransportType(domain string) Transport { return s.lookup(domain).Transport }

// TLSA implements View.
func (s *Static) TLSA(domain string) []resolve.TLSARecord { return s.lookup(domain).TLSA }

// DialbackKey implements View. The key is HMAC-SHA256 over the
// stream id, the "to" domain, and the "from" domain, matching the
// construction in XEP-0220 §3.2 (a key derived from data both parties to
// the handshake already know, keyed by a secret only the authoritative
// servers share).
func (s *Static) DialbackKey(streamID, to, from string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(streamID))
	mac.Write([]byte{0})
	mac.Write([]byte(to))
	mac.Write([]byte{0})
	mac.Write([]byte(from))
	return mac.Sum(nil)
}
