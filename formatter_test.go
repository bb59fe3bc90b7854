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
	"github.com/stretchr/testify/require"

	"go.mau.fi/mautrix-linkedin/linkedinid"
)

// TestRenderEmote covers spec §8 scenario 3: an m.emote becomes "* {name}
// {text}" with a self-mention attribute over the displayname at offset 2.
func TestRenderEmote(t *testing.T) {
	senderURN := linkedinid.WithPrefix("fs_miniProfile", "X")
	body := RenderEmote("Sumner", "waves", senderURN)

	assert.Equal(t, "* Sumner waves", body.Text)
	require.Len(t, body.Attributes, 1)
	assert.Equal(t, 2, body.Attributes[0].Start)
	assert.Equal(t, len("Sumner"), body.Attributes[0].Length)
	require.NotNil(t, body.Attributes[0].Type.TextEntity)
	assert.True(t, body.Attributes[0].Type.TextEntity.URN.Equals(senderURN))
}

func TestRenderSubjectMarkdown(t *testing.T) {
	content := renderSubjectMarkdown("Quarterly update")
	assert.Contains(t, content.Body, "Quarterly update")
	assert.Contains(t, content.FormattedBody, "<strong>Quarterly update</strong>")
}

func TestRenderSponsoredInMail(t *testing.T) {
	content := renderSponsoredInMail("Acme Corp", "Check out our new plan", "Learn more", "https://example.com/cta", "Unsubscribe anytime")
	assert.Contains(t, content.Body, "[Sponsored] Acme Corp")
	assert.Contains(t, content.Body, "Check out our new plan")
	assert.Contains(t, content.Body, "https://example.com/cta")
	assert.Contains(t, content.FormattedBody, "Acme Corp")
	assert.Contains(t, content.FormattedBody, `href="https://example.com/cta"`)
	assert.Contains(t, content.FormattedBody, "Unsubscribe anytime")
}

func TestRenderSponsoredInMailWithoutCTA(t *testing.T) {
	content := renderSponsoredInMail("Acme Corp", "Body text", "", "", "")
	assert.NotContains(t, content.Body, "\n\n:")
	assert.NotContains(t, content.FormattedBody, `<a href=""`)
}

func TestRenderFeedUpdateWithArticle(t *testing.T) {
	content := renderFeedUpdate("Great read", "Industry report", "https://example.com/report")
	assert.Contains(t, content.Body, "Great read")
	assert.Contains(t, content.FormattedBody, "Industry report")
	assert.Contains(t, content.FormattedBody, "https://example.com/report")
}

func TestRenderFeedUpdateWithoutArticle(t *testing.T) {
	content := renderFeedUpdate("Just commentary, no link", "", "")
	assert.Contains(t, content.Body, "Just commentary, no link")
}

// TestParseMatrixPlainText covers the Matrix->LinkedIn leg for a body with no
// pills: formatting marks degrade to plain text and no attributes are
// produced (spec §4.3 "LinkedIn's attributed-body format carries no bold/
// italic runs").
func TestParseMatrixPlainText(t *testing.T) {
	br := &LinkedInBridge{}
	br.MatrixHTMLParser = NewParser(br)

	out := br.ParseMatrix("Hello <b>world</b>, <i>nice</i> to meet you")
	assert.Equal(t, "Hello world, nice to meet you", out.Text)
	assert.Empty(t, out.Attributes)
}

func TestParseMatrixLineBreak(t *testing.T) {
	br := &LinkedInBridge{}
	br.MatrixHTMLParser = NewParser(br)

	out := br.ParseMatrix("line one<br/>line two")
	assert.Equal(t, "line one\nline two", out.Text)
}
