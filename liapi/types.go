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

import "go.mau.fi/mautrix-linkedin/linkedinid"

// Profile is the logged-in member's own profile (spec §4.2 "Get user profile").
type Profile struct {
	EntityURN   linkedinid.URN `json:"entityUrn"`
	FirstName   string         `json:"firstName"`
	LastName    string         `json:"lastName"`
	DisplayName string         `json:"displayName"`
}

// MiniProfile is a lightweight participant profile embedded in conversations
// and events.
type MiniProfile struct {
	EntityURN   linkedinid.URN `json:"entityUrn"`
	FirstName   string         `json:"firstName"`
	LastName    string         `json:"lastName"`
	Occupation  string         `json:"occupation"`
	PictureInfo *PictureInfo   `json:"picture,omitempty"`
}

type PictureInfo struct {
	// RootURL + one of the VectorImage artifact path segments forms the full
	// avatar URL; the photo content id is extracted from that segment by
	// regex (spec §4.4).
	RootURL   string             `json:"rootUrl"`
	Artifacts []PictureArtifact  `json:"artifacts"`
}

type PictureArtifact struct {
	Width        int    `json:"width"`
	PathSegment  string `json:"fileIdentifyingUrlPathSegment"`
}

// Conversation is one LinkedIn messaging thread (spec §3 Portal source data).
type Conversation struct {
	EntityURN      linkedinid.URN `json:"entityUrn"`
	GroupChat      bool           `json:"groupChat"`
	Read           bool           `json:"read"`
	LastActivityAt int64          `json:"lastActivityAt"`
	Participants   []MiniProfile  `json:"participants"`
	Title          string         `json:"title"`
	Muted          bool           `json:"muted"`
}

// ConversationsPage is the paginated "List conversations" response, iterated
// by resubmitting with the last element's LastActivityAt (spec §4.2).
type ConversationsPage struct {
	Elements []Conversation `json:"elements"`
	Paging   Paging         `json:"paging"`
}

type Paging struct {
	Count int `json:"count"`
	Start int `json:"start"`
	Total int `json:"total"`
}

// Event is one message/action event within a conversation.
type Event struct {
	EntityURN     linkedinid.URN `json:"entityUrn"`
	CreatedAt     int64          `json:"createdAt"`
	From          MiniProfile    `json:"from"`
	EventContent  EventContent   `json:"eventContent"`
}

type EventContent struct {
	MessageEvent *MessageEvent `json:"com.linkedin.voyager.messaging.event.MessageEvent,omitempty"`
}

type MessageEvent struct {
	AttributedBody AttributedBody    `json:"attributedBody"`
	Subject        string            `json:"subject,omitempty"`
	Attachments    []Attachment      `json:"customContent,omitempty"`
	RecalledAt     int64             `json:"recalledAt,omitempty"`
	LastEditedAt   int64             `json:"lastEditedAt,omitempty"`
	Sponsored      *SponsoredContent `json:"sponsoredMessageContent,omitempty"`
	FeedUpdate     *FeedUpdate       `json:"feedUpdateContent,omitempty"`
}

// SponsoredContent is LinkedIn's "sponsored InMail" content block: advertiser
// label, body, optional call-to-action link, legal text (spec §4.3).
type SponsoredContent struct {
	AdvertiserName string `json:"advertiserName"`
	Body           string `json:"body"`
	CTAText        string `json:"callToActionText,omitempty"`
	CTAURL         string `json:"callToActionUrl,omitempty"`
	LegalText      string `json:"legalText,omitempty"`
}

// FeedUpdate is a shared LinkedIn feed update attached to a message: commentary
// text plus an article link (spec §4.3, §4.6 step 6).
type FeedUpdate struct {
	CommentaryText string `json:"commentaryText,omitempty"`
	ArticleTitle   string `json:"articleTitle,omitempty"`
	ArticleURL     string `json:"articleUrl,omitempty"`
}

// AttributedBody is LinkedIn's {text, attributes[]} rich-text structure
// (spec §4.3).
type AttributedBody struct {
	Text       string      `json:"text"`
	Attributes []Attribute `json:"attributes"`
}

type Attribute struct {
	Start  int  `json:"start"`
	Length int  `json:"length"`
	Type   Type `json:"type"`
}

type Type struct {
	TextEntity *TextEntity `json:"com.linkedin.pemberly.text.Entity,omitempty"`
}

type TextEntity struct {
	URN linkedinid.URN `json:"urn"`
}

// Attachment is a media or third-party (e.g. Tenor GIF) attachment reference.
type Attachment struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MediaType  string `json:"mediaType"`
	ByteSize   int64  `json:"byteSize"`
	AssetURN   linkedinid.URN `json:"assetUrn"`
	Reference  MediaReference `json:"reference"`
}

type MediaReference struct {
	URL string `json:"string"`
}

// EventsPage is the paginated "Get conversation events" response.
type EventsPage struct {
	Elements []Event `json:"elements"`
	Paging   Paging  `json:"paging"`
}

// MessageCreate is the outbound send-message request body (spec §4.2 "Send
// message").
type MessageCreate struct {
	AttributedBody     AttributedBody      `json:"attributedBody"`
	AttachmentsRequest []SendAttachment    `json:"attachments,omitempty"`
}

type SendAttachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessageSendResponse yields the new message URN (spec §4.2).
type MessageSendResponse struct {
	Value struct {
		EventURN linkedinid.URN `json:"eventUrn"`
	} `json:"value"`
}

// UploadMetadataResponse is the result of the two-step media upload's first
// call: a one-shot PUT URL and attachment URN (spec §4.2 "Upload media").
type UploadMetadataResponse struct {
	Value struct {
		URN       linkedinid.URN `json:"urn"`
		UploadURL string         `json:"uploadUrl"`
	} `json:"value"`
}

// ReactorsPage lists the members who reacted with a given emoji on a message.
type ReactorsPage struct {
	Elements []MiniProfile `json:"elements"`
	Paging   Paging        `json:"paging"`
}

// ClientConnection is the realtime stream's session envelope (spec §4.2).
type ClientConnection struct {
	ClientConnection *struct {
		RealtimeSessionID string `json:"id"`
	} `json:"com.linkedin.realtimefrontend.ClientConnection,omitempty"`
}

// DecoratedEvent wraps the realtime payload variants the stream can deliver.
type DecoratedEvent struct {
	DecoratedEvent *struct {
		Payload DecoratedPayload `json:"payload"`
	} `json:"com.linkedin.realtimefrontend.DecoratedEvent,omitempty"`
}

type DecoratedPayload struct {
	Event          *Event          `json:"event,omitempty"`
	ReactionAdded  *ReactionSummary `json:"reactionAdded,omitempty"`
	Action         *ConversationAction `json:"action,omitempty"`
	FromEntity     *FromEntity     `json:"fromEntity,omitempty"`
}

type ReactionSummary struct {
	Added    bool           `json:"reactionAdded"`
	Emoji    string         `json:"emoji"`
	EventURN linkedinid.URN `json:"eventUrn"`
	Actor    MiniProfile    `json:"actorMiniProfile"`
}

type ConversationAction struct {
	Type         string        `json:"actionType"`
	Conversation *Conversation `json:"conversation,omitempty"`
}

type FromEntity struct {
	SeenReceipt *struct {
		EventURN linkedinid.URN `json:"eventUrn"`
		SeenAt   int64          `json:"seenAt"`
	} `json:"seenReceipt,omitempty"`
	TypingIndicator *struct {
		ConversationURN linkedinid.URN `json:"conversationUrn"`
		TypingParticipant MiniProfile  `json:"typingParticipant"`
	} `json:"typingIndicator,omitempty"`
}
