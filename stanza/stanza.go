// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"vein.im/s2s/jid"
)

// Kind is the top-level element name of a stanza (message, presence, or iq).
type Kind string

// The three kinds of XMPP stanza.
const (
	Message  Kind = "message"
	Presence Kind = "presence"
	IQ       Kind = "iq"
)

// Stanza is the routing-relevant view of a top-level XMPP element: its
// addressing, id, type, and an opaque, already-serialized payload. A Route
// never inspects the payload; it only reads From/To/ID/Type to make a
// delivery decision, per §1's exclusion of stanza parsing specifics beyond
// what routing requires.
type Stanza struct {
	Kind  Kind
	From  jid.JID
	To    jid.JID
	ID    string
	Type  string
	Inner []byte // innerxml, opaque to the router
}

// Freeze returns a Stanza whose storage is independent of whatever decoder
// produced s. In Go there is no parse arena to outlive (the stanza was
// already fully decoded into owned fields), so Freeze's only real job is to
// clone Inner: that slice may still alias a decoder's read buffer and must
// not be aliased again once the stanza is enqueued on a Route.
func (s Stanza) Freeze() Stanza {
	if s.Inner != nil {
		cp := make([]byte, len(s.Inner))
		copy(cp, s.Inner)
		s.Inner = cp
	}
	return s
}

// MarshalXML writes the stanza back onto the wire, re-emitting its frozen
// payload as the element's raw inner content.
func (s Stanza) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: string(s.Kind)}}
	if !s.From.IsZero() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: s.From.String()})
	}
	if !s.To.IsZero() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: s.To.String()})
	}
	if s.ID != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: s.ID})
	}
	if s.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: s.Type})
	}
	inner := struct {
		Inner []byte `xml:",innerxml"`
	}{s.Inner}
	if err := e.EncodeElement(inner, start); err != nil {
		return err
	}
	return e.Flush()
}

// FromStartElement constructs a Stanza from an already-read start element,
// consuming the remainder of the element (including its innerxml) from d.
func FromStartElement(d *xml.Decoder, start xml.StartElement) (Stanza, error) {
	raw := struct {
		From  string `xml:"from,attr"`
		To    string `xml:"to,attr"`
		ID    string `xml:"id,attr"`
		Type  string `xml:"type,attr"`
		Inner []byte `xml:",innerxml"`
	}{}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return Stanza{}, err
	}
	s := Stanza{
		Kind:  Kind(start.Name.Local),
		ID:    raw.ID,
		Type:  raw.Type,
		Inner: raw.Inner,
	}
	if raw.From != "" {
		from, err := jid.Parse(raw.From)
		if err != nil {
			return Stanza{}, err
		}
		s.From = from
	}
	if raw.To != "" {
		to, err := jid.Parse(raw.To)
		if err != nil {
			return Stanza{}, err
		}
		s.To = to
	}
	return s, nil
}
