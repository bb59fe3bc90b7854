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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"

	"go.mau.fi/mautrix-linkedin/linkedinid"
)

// GetUserProfile fetches the logged-in member's own profile. It also serves
// as a liveness probe (spec §4.2).
func (c *Client) GetUserProfile(ctx context.Context) (*Profile, error) {
	var profile Profile
	err := c.do(ctx, http.MethodGet, "/identity/profiles/me", nil, &profile)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// ListConversations returns one page of conversations, ordered by activity.
// lastActivityBefore is an exclusive millisecond timestamp cursor; pass 0 for
// the first page (spec §4.2).
func (c *Client) ListConversations(ctx context.Context, lastActivityBefore int64) (*ConversationsPage, error) {
	path := "/messaging/conversations?q=inbox&count=20"
	if lastActivityBefore > 0 {
		path += fmt.Sprintf("&createdBefore=%d", lastActivityBefore)
	}
	var page ConversationsPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetConversationEvents paginates a single thread's events by "created
// before" timestamp (spec §4.2).
func (c *Client) GetConversationEvents(ctx context.Context, threadURN linkedinid.URN, createdBefore int64) (*EventsPage, error) {
	path := fmt.Sprintf("/messaging/conversations/%s/events?q=syncToken&count=20", threadURN.Tail())
	if createdBefore > 0 {
		path += fmt.Sprintf("&createdBefore=%d", createdBefore)
	}
	var page EventsPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// MarkConversationRead issues the PATCH read:true call (spec §4.2).
func (c *Client) MarkConversationRead(ctx context.Context, threadURN linkedinid.URN) error {
	path := fmt.Sprintf("/messaging/conversations/%s", threadURN.Tail())
	return c.do(ctx, http.MethodPatch, path, map[string]bool{"read": true}, nil)
}

// SendMessage posts a MessageCreate to the thread and returns the new
// message URN (spec §4.2).
func (c *Client) SendMessage(ctx context.Context, threadURN linkedinid.URN, body AttributedBody, attachments []SendAttachment) (linkedinid.URN, error) {
	path := fmt.Sprintf("/messaging/conversations/%s/events?action=create", threadURN.Tail())
	req := MessageCreate{AttributedBody: body, AttachmentsRequest: attachments}
	var resp MessageSendResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", err
	}
	return resp.Value.EventURN, nil
}

// RecallMessage deletes a message for everyone (spec §4.2).
func (c *Client) RecallMessage(ctx context.Context, threadURN, messageURN linkedinid.URN) error {
	path := fmt.Sprintf("/messaging/conversations/%s/events/%s?action=recall", threadURN.Tail(), messageURN.Tail())
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

// ReactWithEmoji adds a reaction (spec §4.2).
func (c *Client) ReactWithEmoji(ctx context.Context, threadURN, messageURN linkedinid.URN, emoji string) error {
	path := fmt.Sprintf("/messaging/conversations/%s/events/%s?action=reactWithEmoji", threadURN.Tail(), messageURN.Tail())
	return c.do(ctx, http.MethodPost, path, map[string]string{"emoji": emoji}, nil)
}

// UnreactWithEmoji removes a reaction (spec §4.2).
func (c *Client) UnreactWithEmoji(ctx context.Context, threadURN, messageURN linkedinid.URN, emoji string) error {
	path := fmt.Sprintf("/messaging/conversations/%s/events/%s?action=unreactWithEmoji", threadURN.Tail(), messageURN.Tail())
	return c.do(ctx, http.MethodPost, path, map[string]string{"emoji": emoji}, nil)
}

// ListReactors paginates the members who reacted with a given emoji on a
// message (spec §4.2).
func (c *Client) ListReactors(ctx context.Context, messageURN linkedinid.URN, emoji string, start int) (*ReactorsPage, error) {
	path := fmt.Sprintf("/messaging/events/%s/reactions/%s?q=reactors&start=%d", messageURN.Tail(), emoji, start)
	var page ReactorsPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SetTyping posts the typing action for a thread (spec §4.2).
func (c *Client) SetTyping(ctx context.Context, threadURN linkedinid.URN) error {
	path := fmt.Sprintf("/messaging/conversations/%s?action=typing", threadURN.Tail())
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

// UploadMedia performs the two-step upload: metadata POST, then a PUT of the
// raw bytes to the returned one-shot URL (spec §4.2 "Upload media").
func (c *Client) UploadMedia(ctx context.Context, filename string, data []byte) (*Attachment, error) {
	mtype := mimetype.Detect(data)
	metaReq := map[string]interface{}{
		"fileSize": len(data),
		"filename": filename,
		"mediaUploadType": "MESSAGING_PHOTO_ATTACHMENT",
	}
	var metaResp UploadMetadataResponse
	if err := c.do(ctx, http.MethodPost, "/voyagerMediaUploadMetadata?action=upload", metaReq, &metaResp); err != nil {
		return nil, fmt.Errorf("failed to request upload metadata: %w", err)
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, metaResp.Value.UploadURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	putReq.Header.Set("Content-Type", mtype.String())
	resp, err := c.http.Do(putReq)
	if err != nil {
		return nil, fmt.Errorf("failed to upload media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &Error{Status: resp.StatusCode, Body: string(body)}
	}

	return &Attachment{
		ID:        metaResp.Value.URN.String(),
		Name:      filename,
		MediaType: mtype.String(),
		ByteSize:  int64(len(data)),
		AssetURN:  metaResp.Value.URN,
	}, nil
}

// DownloadMedia fetches a content URL with the authenticated cookie jar
// (spec §4.2).
func (c *Client) DownloadMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", &Error{Status: resp.StatusCode, Body: string(body)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media body: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	return data, contentType, nil
}
