// Copyright 2014 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package jid

import (
	"encoding/xml"
	"errors"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// JID represents an XMPP address ("Jabber ID") of the form
// [localpart@]domainpart[/resourcepart]. Domain is the primary routing key
// used by the S2S core; the localpart and resourcepart are opaque to it.
type JID struct {
	localpart    string
	domainpart   string
	resourcepart string
}

// New constructs a JID from its three parts. Only domainpart is required.
func New(localpart, domainpart, resourcepart string) (JID, error) {
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) {
		return JID{}, errors.New("jid: contains invalid UTF-8")
	}

	domainpart, err := normalizeDomain(domainpart)
	if err != nil {
		return JID{}, err
	}

	if err := commonChecks(localpart, domainpart, resourcepart); err != nil {
		return JID{}, err
	}

	return JID{
		localpart:    localpart,
		domainpart:   domainpart,
		resourcepart: resourcepart,
	}, nil
}

// Parse splits s into its component parts and constructs a JID, per RFC 7622
// §3.1-3.5.
func Parse(s string) (JID, error) {
	localpart, domainpart, resourcepart, err := SplitString(s)
	if err != nil {
		return JID{}, err
	}
	return New(localpart, domainpart, resourcepart)
}

// MustParse is like Parse but panics if s is not a valid JID. It is intended
// for use with compile-time constants.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

func normalizeDomain(domainpart string) (string, error) {
	if err := checkIP6String(domainpart); err != nil {
		return "", err
	}
	if ip := net.ParseIP(strings.Trim(domainpart, "[]")); ip != nil {
		return domainpart, nil
	}
	p := idna.New(idna.MapForLookup(), idna.Transitional(true))
	out, err := p.ToUnicode(domainpart)
	if err != nil {
		// Not every domainpart round-trips through IDNA (IP literals, bare
		// hostnames used only for routing); fall back to the raw value rather
		// than rejecting it outright.
		return domainpart, nil
	}
	return out, nil
}

// Localpart returns the local (user) part of the JID, or the empty string.
func (j JID) Localpart() string { return j.localpart }

// Domainpart returns the domain part of the JID. This is the value used as
// the routing key throughout the S2S core.
func (j JID) Domainpart() string { return j.domainpart }

// Domain returns a JID containing only the domainpart.
func (j JID) Domain() JID { return JID{domainpart: j.domainpart} }

// Resourcepart returns the resource part of the JID, or the empty string.
func (j JID) Resourcepart() string { return j.resourcepart }

// Bare returns a copy of the JID without the resourcepart.
func (j JID) Bare() JID {
	j.resourcepart = ""
	return j
}

// Equal reports whether j and other refer to the same address.
func (j JID) Equal(other JID) bool {
	return j.localpart == other.localpart &&
		j.domainpart == other.domainpart &&
		j.resourcepart == other.resourcepart
}

// String implements fmt.Stringer.
func (j JID) String() string {
	s := j.domainpart
	if j.localpart != "" {
		s = j.localpart + "@" + s
	}
	if j.resourcepart != "" {
		s = s + "/" + j.resourcepart
	}
	return s
}

// IsZero reports whether j is the zero value.
func (j JID) IsZero() bool {
	return j.localpart == "" && j.domainpart == "" && j.resourcepart == ""
}

// MarshalXMLAttr implements xml.MarshalerAttr.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.IsZero() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr implements xml.UnmarshalerAttr.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// SplitString splits out the localpart, domainpart, and resourcepart from a
// string representation of a JID. The parts are not guaranteed to be valid;
// each part must be 1023 bytes or less. See RFC 7622 §3.1.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	parts := strings.SplitAfterN(s, "/", 2)

	if strings.HasSuffix(parts[0], "/") {
		if len(parts) == 2 && parts[1] != "" {
			resourcepart = parts[1]
		} else {
			err = errors.New("jid: the resourcepart must be larger than 0 bytes")
			return
		}
	}

	norp := strings.TrimSuffix(parts[0], "/")
	nolp := strings.SplitAfterN(norp, "@", 2)

	if nolp[0] == "@" {
		err = errors.New("jid: the localpart must be larger than 0 bytes")
		return
	}

	switch len(nolp) {
	case 1:
		domainpart = nolp[0]
	case 2:
		domainpart = nolp[1]
		localpart = strings.TrimSuffix(nolp[0], "@")
	}

	// RFC 7622 §3.2: a trailing label separator is stripped before any other
	// canonicalization.
	domainpart = strings.TrimSuffix(domainpart, ".")

	return
}

func checkIP6String(domainpart string) error {
	if l := len(domainpart); l > 2 && strings.HasPrefix(domainpart, "[") &&
		strings.HasSuffix(domainpart, "]") {
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil || ip.To4() != nil {
			return errors.New("jid: domainpart is not a valid IPv6 address")
		}
	}
	return nil
}

func commonChecks(localpart, domainpart, resourcepart string) error {
	if l := len(localpart); l > 1023 {
		return errors.New("jid: the localpart must be smaller than 1024 bytes")
	}
	// RFC 7622 §3.3.1: characters still disallowed even though the
	// IdentifierClass base class does not forbid them.
	if strings.ContainsAny(localpart, "\"&'/:<>@") {
		return errors.New("jid: localpart contains forbidden characters")
	}
	if l := len(resourcepart); l > 1023 {
		return errors.New("jid: the resourcepart must be smaller than 1024 bytes")
	}
	l := len(domainpart)
	if l < 1 || l > 1023 {
		return errors.New("jid: the domainpart must be between 1 and 1023 bytes")
	}
	return checkIP6String(domainpart)
}
