// Copyright 2014 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package jid_test

import (
	"testing"

	"vein.im/s2s/jid"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in       string
		local    string
		domain   string
		resource string
	}{
		{"example.net", "", "example.net", ""},
		{"user@example.net", "user", "example.net", ""},
		{"user@example.net/res", "user", "example.net", "res"},
		{"example.net/res", "", "example.net", "res"},
		{"example.net.", "", "example.net", ""},
	}
	for _, tc := range tests {
		j, err := jid.Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", tc.in, err)
		}
		if j.Localpart() != tc.local || j.Domainpart() != tc.domain || j.Resourcepart() != tc.resource {
			t.Errorf("Parse(%q) = %q/%q/%q, want %q/%q/%q",
				tc.in, j.Localpart(), j.Domainpart(), j.Resourcepart(),
				tc.local, tc.domain, tc.resource)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	invalid := []string{"user@", "@example.net", "example.net/"}
	for _, in := range invalid {
		if _, err := jid.Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", in)
		}
	}
}

func TestBareAndDomain(t *testing.T) {
	j := jid.MustParse("user@example.net/res")
	if got := j.Bare().String(); got != "user@example.net" {
		t.Errorf("Bare() = %q, want %q", got, "user@example.net")
	}
	if got := j.Domain().String(); got != "example.net" {
		t.Errorf("Domain() = %q, want %q", got, "example.net")
	}
}

func TestEqual(t *testing.T) {
	a := jid.MustParse("user@example.net/res")
	b := jid.MustParse("user@example.net/res")
	c := jid.MustParse("user@example.net/other")
	if !a.Equal(b) {
		t.Errorf("expected %v to equal %v", a, b)
	}
	if a.Equal(c) {
		t.Errorf("expected %v to not equal %v", a, c)
	}
}
