// Copyright 2015 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package stream contains XMPP stream-level errors as defined by RFC 6120
// §4.9. A stream error is fatal: the entity that sends one closes the
// underlying XML stream immediately afterwards.
package stream // import "vein.im/s2s/stream"

import (
	"encoding/xml"
	"io"

	"vein.im/s2s/internal/ns"
)

// A list of stream errors defined in RFC 6120 §4.9.3.
var (
	BadFormat              = Error{Err: "bad-format"}
	BadNamespacePrefix     = Error{Err: "bad-namespace-prefix"}
	Conflict               = Error{Err: "conflict"}
	ConnectionTimeout      = Error{Err: "connection-timeout"}
	HostGone               = Error{Err: "host-gone"}
	HostUnknown            = Error{Err: "host-unknown"}
	ImproperAddressing     = Error{Err: "improper-addressing"}
	InternalServerError    = Error{Err: "internal-server-error"}
	InvalidFrom            = Error{Err: "invalid-from"}
	InvalidNamespace       = Error{Err: "invalid-namespace"}
	InvalidXML             = Error{Err: "invalid-xml"}
	NotAuthorized          = Error{Err: "not-authorized"}
	NotWellFormed          = Error{Err: "not-well-formed"}
	PolicyViolation        = Error{Err: "policy-violation"}
	RemoteConnectionFailed = Error{Err: "remote-connection-failed"}
	Reset                  = Error{Err: "reset"}
	ResourceConstraint     = Error{Err: "resource-constraint"}
	RestrictedXML          = Error{Err: "restricted-xml"}
	SystemShutdown         = Error{Err: "system-shutdown"}
	UndefinedCondition     = Error{Err: "undefined-condition"}
	UnsupportedEncoding    = Error{Err: "unsupported-encoding"}
	UnsupportedFeature     = Error{Err: "unsupported-feature"}
	UnsupportedStanzaType  = Error{Err: "unsupported-stanza-type"}
	UnsupportedVersion     = Error{Err: "unsupported-version"}
)

// NS is the namespace of the outer <stream:error/> wrapper element.
const NS = ns.Stream

// Error represents an unrecoverable stream-level error. Receiving or sending
// one always terminates the NetSession it arrived on or was written to; the
// XML tokenization and framing used to put it on the wire is treated as an
// external collaborator per the core's contract and is implemented here with
// the standard library's encoding/xml.
type Error struct {
	Err string
}

// Error satisfies the builtin error interface, returning the condition name.
// For example, given:
//
//	<stream:error>
//	  <restricted-xml xmlns="urn:ietf:params:xml:ns:xmpp-streams"/>
//	</stream:error>
//
// Error() returns "restricted-xml".
func (s Error) Error() string {
	return s.Err
}

// UnmarshalXML satisfies xml.Unmarshaler.
func (s *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	se := struct {
		XMLName xml.Name
		Cond    struct {
			XMLName xml.Name
		} `xml:",any"`
	}{}
	if err := d.DecodeElement(&se, &start); err != nil {
		return err
	}
	s.Err = se.Cond.XMLName.Local
	return nil
}

// MarshalXML satisfies xml.Marshaler.
func (s Error) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	outer := xml.StartElement{Name: xml.Name{Space: NS, Local: "error"}}
	if err := e.EncodeToken(outer); err != nil {
		return err
	}
	cond := xml.StartElement{Name: xml.Name{Space: ns.Streams, Local: s.Err}}
	if err := e.EncodeToken(cond); err != nil {
		return err
	}
	if err := e.EncodeToken(cond.End()); err != nil {
		return err
	}
	if err := e.EncodeToken(outer.End()); err != nil {
		return err
	}
	return e.Flush()
}

// WriteXML marshals the error directly to w, flushing afterwards.
func (s Error) WriteXML(w io.Writer) (int64, error) {
	e := xml.NewEncoder(w)
	if err := s.MarshalXML(e, xml.StartElement{}); err != nil {
		return 0, err
	}
	return 0, nil
}
