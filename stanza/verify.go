// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"errors"
	"fmt"

	"vein.im/s2s/internal/ns"
	"vein.im/s2s/jid"
)

// ErrMissingAttr is returned by VerifyFromStartElement/ResultFromStartElement
// when a mandatory attribute is absent, per original_source/dialback.cc's
// explicit "Missing mandatory attributes"/"Missing key" checks. The caller
// (netio's dispatch) treats this as stream-fatal.
var ErrMissingAttr = errors.New("stanza: missing mandatory dialback attribute")

// Verify is a XEP-0220 db:verify element: a dialback challenge sent by the
// receiving server of an inbound stream to the authoritative server for the
// claimed "from" domain, over that server's own inbound-to-us session.
type Verify struct {
	From jid.JID
	To   jid.JID
	ID   string // the stream id of the stream being vouched for
	Type string // "", "valid", or "invalid"
	Key  string // the HMAC key text; empty on a type= response
}

// Freeze returns a Verify independent of whatever buffer produced its Key
// string. Go strings are already immutable value copies, so this exists to
// document the invariant from §3, not to do any real work.
func (v Verify) Freeze() Verify { return v }

// MarshalXML writes the verify element onto the wire.
func (v Verify) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Space: ns.Dialback, Local: "verify"}}
	start.Attr = append(start.Attr,
		xml.Attr{Name: xml.Name{Local: "from"}, Value: v.From.String()},
		xml.Attr{Name: xml.Name{Local: "to"}, Value: v.To.String()},
		xml.Attr{Name: xml.Name{Local: "id"}, Value: v.ID},
	)
	if v.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: v.Type})
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if v.Key != "" {
		if err := e.EncodeToken(xml.CharData(v.Key)); err != nil {
			return err
		}
	}
	if err := e.EncodeToken(start.End()); err != nil {
		return err
	}
	return e.Flush()
}

// VerifyFromStartElement decodes a db:verify element.
func VerifyFromStartElement(d *xml.Decoder, start xml.StartElement) (Verify, error) {
	raw := struct {
		From string `xml:"from,attr"`
		To   string `xml:"to,attr"`
		ID   string `xml:"id,attr"`
		Type string `xml:"type,attr"`
		Key  string `xml:",chardata"`
	}{}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return Verify{}, err
	}
	if raw.From == "" || raw.To == "" || raw.ID == "" {
		return Verify{}, fmt.Errorf("db:verify: %w", ErrMissingAttr)
	}
	if raw.Type == "" && raw.Key == "" {
		return Verify{}, fmt.Errorf("db:verify challenge: %w (key)", ErrMissingAttr)
	}
	v := Verify{ID: raw.ID, Type: raw.Type, Key: raw.Key}
	var err error
	if v.From, err = jid.Parse(raw.From); err != nil {
		return Verify{}, err
	}
	if v.To, err = jid.Parse(raw.To); err != nil {
		return Verify{}, err
	}
	return v, nil
}

// Result is a XEP-0220 db:result element: either the initial authentication
// request (Key set, Type empty) or the response to one (Type set, Key
// empty).
type Result struct {
	From jid.JID
	To   jid.JID
	Type string
	Key  string
}

// MarshalXML writes the result element onto the wire.
func (r Result) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Space: ns.Dialback, Local: "result"}}
	start.Attr = append(start.Attr,
		xml.Attr{Name: xml.Name{Local: "from"}, Value: r.From.String()},
		xml.Attr{Name: xml.Name{Local: "to"}, Value: r.To.String()},
	)
	if r.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: r.Type})
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if r.Key != "" {
		if err := e.EncodeToken(xml.CharData(r.Key)); err != nil {
			return err
		}
	}
	if err := e.EncodeToken(start.End()); err != nil {
		return err
	}
	return e.Flush()
}

// ResultFromStartElement decodes a db:result element.
func ResultFromStartElement(d *xml.Decoder, start xml.StartElement) (Result, error) {
	raw := struct {
		From string `xml:"from,attr"`
		To   string `xml:"to,attr"`
		Type string `xml:"type,attr"`
		Key  string `xml:",chardata"`
	}{}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return Result{}, err
	}
	if raw.From == "" || raw.To == "" {
		return Result{}, fmt.Errorf("db:result: %w", ErrMissingAttr)
	}
	if raw.Type == "" && raw.Key == "" {
		return Result{}, fmt.Errorf("db:result request: %w (key)", ErrMissingAttr)
	}
	r := Result{Type: raw.Type, Key: raw.Key}
	var err error
	if r.From, err = jid.Parse(raw.From); err != nil {
		return Result{}, err
	}
	if r.To, err = jid.Parse(raw.To); err != nil {
		return Result{}, err
	}
	return r, nil
}
