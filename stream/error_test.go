// Copyright 2015 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package stream_test

import (
	"bytes"
	"encoding/xml"
	"testing"

	"vein.im/s2s/stream"
)

func TestErrorRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)
	if err := stream.HostUnknown.MarshalXML(e, xml.StartElement{}); err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got stream.Error
	d := xml.NewDecoder(&buf)
	tok, err := d.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		t.Fatalf("expected start element, got %T", tok)
	}
	if err := got.UnmarshalXML(d, start); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Error() != "host-unknown" {
		t.Errorf("got %q, want %q", got.Error(), "host-unknown")
	}
}

func TestVersionRoundTrip(t *testing.T) {
	v, err := stream.ParseVersion("1.0")
	if err != nil {
		t.Fatalf("ParseVersion: %v", err)
	}
	if v.String() != "1.0" {
		t.Errorf("String() = %q, want %q", v.String(), "1.0")
	}
}
