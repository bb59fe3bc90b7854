// mautrix-linkedin - A Matrix-LinkedIn puppeting bridge.
// Copyright (C) 2024 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package linkedinid normalizes LinkedIn's URN identifiers.
package linkedinid

// URN is a LinkedIn resource identifier such as urn:li:fs_miniProfile:ABCDEF
// or urn:li:fs_event:(urn:li:fsd_conversation:123,456). Two URNs are equal
// when their tail id-parts match, regardless of the "urn:li:<type>" prefix:
// LinkedIn reuses the same tail across several decorative type prefixes for
// what is the same underlying object.
type URN string

// Tail returns the portion of the URN after its last top-level colon. For a
// tuple tail like "(a,b)" the parentheses are never split on, since the
// comma-separated parts are not colon-delimited.
func (u URN) Tail() string {
	s := string(u)
	idx := -1
	depth := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ':':
			if depth == 0 {
				idx = i
			}
		}
	}
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

// Equals compares two URNs by tail only, per the bridge's URN equality rule.
func (u URN) Equals(other URN) bool {
	if u == "" || other == "" {
		return u == other
	}
	return u.Tail() == other.Tail()
}

func (u URN) IsEmpty() bool {
	return u == ""
}

func (u URN) String() string {
	return string(u)
}

// WithPrefix builds a URN from a type name and a tail, e.g.
// WithPrefix("fs_miniProfile", "ABCDEF") -> urn:li:fs_miniProfile:ABCDEF.
func WithPrefix(typ, tail string) URN {
	return URN("urn:li:" + typ + ":" + tail)
}

// Unknown is the sentinel participant URN LinkedIn uses for ad/auto-message
// senders whose profile was never resolved (spec-mandated restricted room).
const Unknown URN = "urn:li:fs_miniProfile:UNKNOWN"
