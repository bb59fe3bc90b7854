package main

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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-linkedin/linkedinid"
)

// TestIsDuplicateSuppressesRepeat covers spec §8's dedup round-trip: the same
// LinkedIn message URN seen twice is flagged a duplicate the second time.
func TestIsDuplicateSuppressesRepeat(t *testing.T) {
	portal := &Portal{}
	urn := linkedinid.WithPrefix("fs_event", "(T,M)")

	assert.False(t, portal.isDuplicate(urn))
	assert.True(t, portal.isDuplicate(urn))
}

// TestIsDuplicateIgnoresPrefix mirrors the URN tail-equality invariant: the
// same tail under a different decorative prefix is still a duplicate.
func TestIsDuplicateIgnoresPrefix(t *testing.T) {
	portal := &Portal{}
	assert.False(t, portal.isDuplicate(linkedinid.URN("urn:li:fs_event:(T,M)")))
	assert.True(t, portal.isDuplicate(linkedinid.URN("urn:li:event:(T,M)")))
}

func TestIsDuplicateWrapsRing(t *testing.T) {
	portal := &Portal{}
	for i := 0; i <= recentEventsSize; i++ {
		urn := linkedinid.WithPrefix("fs_event", string(rune('a'+i%26))+string(rune(i)))
		assert.False(t, portal.isDuplicate(urn))
	}
	// One insert more than the ring holds has overwritten the very first URN.
	first := linkedinid.WithPrefix("fs_event", string(rune('a'))+string(rune(0)))
	assert.False(t, portal.isDuplicate(first))
}

func TestTypingDiffOnlyReturnsNewlyStarted(t *testing.T) {
	prev := []id.UserID{"@a:example.com", "@b:example.com"}
	next := []id.UserID{"@b:example.com", "@c:example.com"}

	started := typingDiff(prev, next)
	assert.Equal(t, []id.UserID{"@c:example.com"}, started)
}

func TestTypingDiffEmpty(t *testing.T) {
	assert.Empty(t, typingDiff(nil, nil))
	assert.Empty(t, typingDiff([]id.UserID{"@a:example.com"}, []id.UserID{"@a:example.com"}))
}
