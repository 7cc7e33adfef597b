// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package netio

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net"

	"vein.im/s2s/internal/attr"
	"vein.im/s2s/internal/loop"
	"vein.im/s2s/internal/ns"
	"vein.im/s2s/registry"
)

// writeOpenTag writes the opening <stream:stream> tag directly (not
// through xml.Encoder, which cannot emit an unclosed start tag), the way
// the teacher's internal stream-open helpers did.
func writeOpenTag(conn net.Conn, from, to, id string) error {
	var buf bytes.Buffer
	buf.WriteString(`<stream:stream xmlns='`)
	buf.WriteString(ns.Server)
	buf.WriteString(`' xmlns:stream='`)
	buf.WriteString(ns.Stream)
	buf.WriteString(`' version='1.0'`)
	if from != "" {
		buf.WriteString(` from='`)
		xml.EscapeText(&buf, []byte(from))
		buf.WriteByte('\'')
	}
	if to != "" {
		buf.WriteString(` to='`)
		xml.EscapeText(&buf, []byte(to))
		buf.WriteByte('\'')
	}
	if id != "" {
		buf.WriteString(` id='`)
		xml.EscapeText(&buf, []byte(id))
		buf.WriteByte('\'')
	}
	buf.WriteByte('>')
	_, err := conn.Write(buf.Bytes())
	return err
}

// readOpenTag reads tokens from the session's own decoder until it finds
// the peer's opening <stream:stream> tag and returns its attributes. It
// must be called through the Session's single shared decoder (not a fresh
// one built over the same conn) because xml.Decoder buffers ahead of the
// bytes it has tokenized so far; a second decoder built later would miss
// whatever the first had already read past the open tag.
func readOpenTag(dec *xml.Decoder) (attrs []xml.Attr, err error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local != "stream" {
				return nil, fmt.Errorf("netio: expected stream open, got %s", start.Name.Local)
			}
			return start.Attr, nil
		}
	}
}

func attrValue(attrs []xml.Attr, local string) string {
	_, v := attr.Get(attrs, local)
	return v
}

// Open establishes an Outbound session to a peer that has already accepted
// our TCP connection: it builds the session (and its single decoder) up
// front, sends our open tag, then reads the peer's reply through that same
// decoder to learn the stream id they assigned. ReadLoop has not been
// started when Open returns; callers start it once they are ready to
// begin dispatch.
func Open(conn net.Conn, local, remote string, l *loop.Loop, reg *registry.Registry, addr registry.Addr) (*Session, error) {
	s := New(conn, Outbound, "", l, reg, addr)
	if err := writeOpenTag(conn, local, remote, ""); err != nil {
		s.Close()
		return nil, err
	}
	attrs, err := readOpenTag(s.dec)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.BindStreamID(attrValue(attrs, "id"))
	s.SetDomains(local, remote)
	return s, nil
}

// Accept establishes an Inbound session from a peer that has just
// connected to us: it reads their open tag through the session's decoder,
// assigns a fresh stream id, and replies with our own open tag carrying
// that id.
func Accept(conn net.Conn, local string, l *loop.Loop, reg *registry.Registry) (*Session, error) {
	id := attr.RandomID()
	s := New(conn, Inbound, id, l, reg, registry.Addr{})
	attrs, err := readOpenTag(s.dec)
	if err != nil {
		s.Close()
		return nil, err
	}
	remote := attrValue(attrs, "from")
	if err := writeOpenTag(conn, local, remote, id); err != nil {
		s.Close()
		return nil, err
	}
	s.SetDomains(local, remote)
	return s, nil
}
