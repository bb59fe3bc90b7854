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
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-linkedin/liapi"
	"go.mau.fi/mautrix-linkedin/linkedinid"
)

// renderLinkedInBody implements spec §4.3's LinkedIn→Matrix leg: splice plain
// text segments with mention anchors at each attribute's offset. It returns
// plain-only content unless the HTML actually differs from the escaped plain
// body.
func (portal *Portal) renderLinkedInBody(body liapi.AttributedBody) *event.MessageEventContent {
	type mention struct {
		start, length int
		urn           linkedinid.URN
	}
	var mentions []mention
	for _, attr := range body.Attributes {
		if attr.Type.TextEntity == nil {
			continue
		}
		mentions = append(mentions, mention{attr.Start, attr.Length, attr.Type.TextEntity.URN})
	}
	sort.Slice(mentions, func(i, j int) bool { return mentions[i].start < mentions[j].start })

	text := []rune(body.Text)
	htmlOut := html.EscapeString(body.Text)
	if len(mentions) > 0 {
		var b strings.Builder
		cursor := 0
		for _, m := range mentions {
			end := m.start + m.length
			if m.start < cursor || end > len(text) {
				continue
			}
			b.WriteString(html.EscapeString(string(text[cursor:m.start])))
			mentionText := string(text[m.start:end])
			if mentionText == "" || mentionText[0] != '@' {
				mentionText = "@" + mentionText
			}
			mxid := portal.bridge.GetMXIDForMemberURN(m.urn)
			if mxid != "" {
				b.WriteString(fmt.Sprintf(`<a href="https://matrix.to/#/%s">%s</a>`, mxid, html.EscapeString(mentionText)))
			} else {
				b.WriteString(html.EscapeString(mentionText))
			}
			cursor = end
		}
		b.WriteString(html.EscapeString(string(text[cursor:])))
		htmlOut = b.String()
	}

	htmlOut = strings.ReplaceAll(htmlOut, "\n", "<br/>")
	plain := html.EscapeString(body.Text)

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body.Text,
	}
	if htmlOut != plain {
		content.Format = event.FormatHTML
		content.FormattedBody = htmlOut
	}
	return content
}

// renderSubjectMarkdown renders a message subject as a bolded prefix line
// (spec §4.3), reusing the same goldmark pipeline the Matrix HTML parser's
// converters are built against.
func renderSubjectMarkdown(subject string) *event.MessageEventContent {
	mdRenderer := goldmark.New(format.Extensions, format.HTMLOptions)
	content := format.RenderMarkdownCustom(fmt.Sprintf("**%s**", subject), mdRenderer)
	return &content
}

// renderSponsoredInMail renders LinkedIn's "sponsored InMail" content block:
// advertiser label, body, optional call-to-action link, legal text.
func renderSponsoredInMail(advertiser, body, ctaText, ctaURL, legal string) *event.MessageEventContent {
	var plain strings.Builder
	var htmlOut strings.Builder
	fmt.Fprintf(&plain, "[Sponsored] %s\n%s", advertiser, body)
	fmt.Fprintf(&htmlOut, "<p><b>[Sponsored] %s</b></p><p>%s</p>", html.EscapeString(advertiser), html.EscapeString(body))
	if ctaURL != "" {
		fmt.Fprintf(&plain, "\n%s: %s", ctaText, ctaURL)
		fmt.Fprintf(&htmlOut, `<p><a href="%s">%s</a></p>`, ctaURL, html.EscapeString(ctaText))
	}
	if legal != "" {
		plain.WriteString("\n" + legal)
		htmlOut.WriteString("<p><sub>" + html.EscapeString(legal) + "</sub></p>")
	}
	return &event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          plain.String(),
		Format:        event.FormatHTML,
		FormattedBody: htmlOut.String(),
	}
}

// renderFeedUpdate renders a shared LinkedIn feed update: commentary text
// plus an article link (spec §4.3), via the same markdown pipeline used for
// subject lines so link escaping stays consistent with the rest of the
// formatter.
func renderFeedUpdate(commentary, articleTitle, articleURL string) *event.MessageEventContent {
	md := commentary
	if articleURL != "" {
		label := articleTitle
		if label == "" {
			label = articleURL
		}
		md = fmt.Sprintf("%s\n\n[%s](%s)", commentary, label, articleURL)
	}
	mdRenderer := goldmark.New(format.Extensions, format.HTMLOptions)
	content := format.RenderMarkdownCustom(md, mdRenderer)
	return &content
}

// NewParser builds the Matrix HTML parser used for the Matrix→LinkedIn leg
// (spec §4.3): incoming HTML becomes a plain string with mention attributes,
// not Slack-style bang-bracket tags, so the converters here just normalize
// formatting marks rather than emit platform-specific syntax.
func NewParser(bridge *LinkedInBridge) *format.HTMLParser {
	return &format.HTMLParser{
		TabsToSpaces: 4,
		Newline:      "\n",

		PillConverter: func(displayname, mxid, eventID string, ctx format.Context) string {
			if len(mxid) > 0 && mxid[0] == '@' {
				if urn := bridge.GetMemberURNForMXID(id.UserID(mxid)); urn != "" {
					ctx.ReturnData[mentionedUsersContextKey] = append(
						contextMentions(ctx), mentionRecord{urn: urn, text: displayname})
				}
			}
			return "@" + displayname
		},
		BoldConverter:           func(text string, _ format.Context) string { return text },
		ItalicConverter:         func(text string, _ format.Context) string { return text },
		StrikethroughConverter:  func(text string, _ format.Context) string { return text },
		MonospaceConverter:      func(text string, _ format.Context) string { return text },
		MonospaceBlockConverter: func(text, language string, _ format.Context) string { return text },
	}
}

const mentionedUsersContextKey = "fi.mau.linkedin.mentioned_users"

type mentionRecord struct {
	urn  linkedinid.URN
	text string
}

func contextMentions(ctx format.Context) []mentionRecord {
	existing, _ := ctx.ReturnData[mentionedUsersContextKey].([]mentionRecord)
	return existing
}

// ParseMatrix converts Matrix-formatted HTML to a LinkedIn attributed body,
// recomputing attribute offsets for any mentions the parser recorded.
func (bridge *LinkedInBridge) ParseMatrix(htmlBody string) liapi.AttributedBody {
	ctx := format.NewContext()
	ctx.ReturnData[mentionedUsersContextKey] = []mentionRecord{}
	plain := bridge.MatrixHTMLParser.Parse(htmlBody, ctx)

	var attrs []liapi.Attribute
	for _, m := range contextMentions(ctx) {
		start := strings.Index(plain, "@"+m.text)
		if start < 0 {
			continue
		}
		attrs = append(attrs, liapi.Attribute{
			Start:  start,
			Length: len("@" + m.text),
			Type:   liapi.Type{TextEntity: &liapi.TextEntity{URN: m.urn}},
		})
	}
	return liapi.AttributedBody{Text: plain, Attributes: attrs}
}

// RenderEmote formats a Matrix m.emote as LinkedIn's "* {displayname} {text}"
// with a self-mention attribute covering the displayname (spec §4.3).
func RenderEmote(senderDisplayname, text string, senderURN linkedinid.URN) liapi.AttributedBody {
	full := fmt.Sprintf("* %s %s", senderDisplayname, text)
	return liapi.AttributedBody{
		Text: full,
		Attributes: []liapi.Attribute{{
			Start:  2,
			Length: len(senderDisplayname),
			Type:   liapi.Type{TextEntity: &liapi.TextEntity{URN: senderURN}},
		}},
	}
}
