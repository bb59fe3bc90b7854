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

package liapi

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCSRFTokenStripsQuotes covers spec §8's boundary behavior: JSESSIONID
// arriving with surrounding quotes must be stripped before use as csrf-token.
func TestCSRFTokenStripsQuotes(t *testing.T) {
	c, err := NewClient(zerolog.Nop(), map[string]string{
		"li_at":      "test-li-at",
		"JSESSIONID": `"ajax:1234567890"`,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ajax:1234567890", c.csrfToken())
}

func TestExportCookiesRoundTrips(t *testing.T) {
	c, err := NewClient(zerolog.Nop(), map[string]string{
		"li_at":      "abc",
		"JSESSIONID": "def",
	}, nil)
	require.NoError(t, err)
	exported := c.ExportCookies()
	assert.Equal(t, "abc", exported["li_at"])
	assert.Equal(t, "def", exported["JSESSIONID"])
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, (&Error{Status: 401}).IsAuthError())
	assert.True(t, (&Error{Status: 403}).IsAuthError())
	assert.False(t, (&Error{Status: 404}).IsAuthError())
	assert.True(t, (&Error{Status: 429}).IsRateLimited())
}
