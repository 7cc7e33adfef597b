// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants used throughout the S2S core.
package ns // import "vein.im/s2s/internal/ns"

// List of commonly used namespaces.
const (
	StartTLS = "urn:ietf:params:xml:ns:xmpp-tls"
	XML      = "http://www.w3.org/XML/1998/namespace"

	// Stream is the namespace of the outer <stream:stream> wrapper element.
	Stream = "http://etherx.jabber.org/streams"

	// Streams is the namespace of stream-level error conditions nested inside
	// a <stream:error/>.
	Streams = "urn:ietf:params:xml:ns:xmpp-streams"

	// Server is the content namespace for server-to-server streams.
	Server = "jabber:server"

	// Client is the content namespace for client-to-server streams (unused by
	// the S2S core itself, kept for completeness of the namespace table).
	Client = "jabber:client"

	// Dialback is the namespace of the db:result/db:verify stream content
	// elements, per XEP-0220.
	Dialback = "jabber:server:dialback"

	// DialbackFeature is the namespace under which dialback support is
	// advertised during stream feature negotiation.
	DialbackFeature = "urn:xmpp:features:dialback"

	// Stanza is the namespace of RFC 6120 §8.3.3 stanza error conditions.
	Stanza = "urn:ietf:params:xml:ns:xmpp-stanzas"
)
