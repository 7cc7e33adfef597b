// Copyright 2017 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza contains the stanza-routing-relevant view of an XMPP
// top-level element, stanza-level error conditions, and the XEP-0220
// dialback Verify element. Parsing of stanza payloads beyond addressing is
// treated as an external collaborator: this package only carries what the
// S2S routing core needs to make a delivery decision (from, to, id, type,
// and an opaque payload).
package stanza // import "vein.im/s2s/stanza"
