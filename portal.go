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

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "maunium.net/go/maulogger/v2"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/bridge"
	"maunium.net/go/mautrix/bridge/bridgeconfig"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-linkedin/database"
	"go.mau.fi/mautrix-linkedin/liapi"
	"go.mau.fi/mautrix-linkedin/linkedinid"
)

type portalMatrixMessage struct {
	evt        *event.Event
	user       *User
	receivedAt time.Time
}

// recentEventsSize bounds the incoming-event dedup ring (spec §4.6 "dedup").
const recentEventsSize = 100

// Portal is the Portal (C6): one (thread URN, receiver URN) conversation
// mirror. Matrix-side events are serialized through its own goroutine and
// lock the way the teacher's per-channel Portal does for Slack; LinkedIn-side
// events are handled on the goroutine that delivers them.
type Portal struct {
	*database.Portal

	bridge *LinkedInBridge
	log    log.Logger

	roomCreateLock sync.Mutex
	encryptLock    sync.Mutex

	matrixMessages chan portalMatrixMessage

	linkedinSendLock sync.Mutex

	currentlyTyping     []id.UserID
	currentlyTypingLock sync.Mutex

	recentEvents    [recentEventsSize]linkedinid.URN
	recentEventsPtr int
	recentEventsLock sync.Mutex
}

func (portal *Portal) IsEncrypted() bool {
	return portal.Encrypted
}

func (portal *Portal) MarkEncrypted() {
	portal.Encrypted = true
	portal.Update()
}

func (portal *Portal) ReceiveMatrixEvent(user bridge.User, evt *event.Event) {
	if user.GetPermissionLevel() >= bridgeconfig.PermissionLevelUser {
		portal.matrixMessages <- portalMatrixMessage{user: user.(*User), evt: evt, receivedAt: time.Now()}
	}
}

// HandleMatrixReadReceipt mirrors a Matrix read receipt onto the LinkedIn
// conversation (spec §4.6).
func (portal *Portal) HandleMatrixReadReceipt(sender bridge.User, _ id.EventID, _ time.Time) {
	user := sender.(*User)
	if !user.IsLoggedIn() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := user.client.MarkConversationRead(ctx, portal.Key.ThreadURN); err != nil {
		portal.log.Debugfln("Failed to mark %s as read by %s: %v", portal.Key, user.MXID, err)
	}
}

var _ bridge.Portal = (*Portal)(nil)

func (br *LinkedInBridge) loadPortal(dbPortal *database.Portal, key *database.PortalKey) *Portal {
	if dbPortal == nil {
		if key == nil {
			return nil
		}

		dbPortal = br.DB.Portal.New()
		dbPortal.Key = *key
		dbPortal.Insert()
	}

	portal := br.NewPortal(dbPortal)

	br.portalsByKey[portal.Key] = portal
	if portal.MXID != "" {
		br.portalsByMXID[portal.MXID] = portal
	}

	return portal
}

func (br *LinkedInBridge) GetPortalByMXID(mxid id.RoomID) *Portal {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()

	portal, ok := br.portalsByMXID[mxid]
	if !ok {
		return br.loadPortal(br.DB.Portal.GetByMXID(mxid), nil)
	}

	return portal
}

func (br *LinkedInBridge) GetPortalByThreadURN(key database.PortalKey) *Portal {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()

	portal, ok := br.portalsByKey[key]
	if !ok {
		return br.loadPortal(br.DB.Portal.GetByKey(key), &key)
	}

	return portal
}

// GetPortalByMessageURN resolves the portal a previously-bridged LinkedIn
// message belongs to, used to route realtime reaction events that only
// carry the message URN plus the receiving user (spec §4.6 "Realtime
// dispatch"). Messages are keyed by (messageURN, receiver) since the same
// LinkedIn message can be mirrored into more than one user's portal set.
func (br *LinkedInBridge) GetPortalByMessageURN(messageURN, receiver linkedinid.URN) *Portal {
	messages := br.DB.Message.GetByURN(messageURN, receiver)
	if len(messages) == 0 {
		return nil
	}
	return br.GetPortalByThreadURN(database.NewPortalKey(messages[0].ThreadURN, receiver))
}

func (br *LinkedInBridge) GetAllPortals() []*Portal {
	return br.dbPortalsToPortals(br.DB.Portal.GetAll())
}

func (br *LinkedInBridge) GetAllIPortals() (iportals []bridge.Portal) {
	portals := br.GetAllPortals()
	iportals = make([]bridge.Portal, len(portals))
	for i, portal := range portals {
		iportals[i] = portal
	}
	return iportals
}

func (br *LinkedInBridge) GetAllPortalsByReceiver(receiver linkedinid.URN) []*Portal {
	return br.dbPortalsToPortals(br.DB.Portal.GetAllByReceiver(receiver))
}

// GetDMPortalsWith finds every 1:1 portal that has otherURN as its
// counterpart, used to fan out ghost name/avatar updates (spec §4.4).
func (br *LinkedInBridge) GetDMPortalsWith(otherURN linkedinid.URN) []*Portal {
	return br.dbPortalsToPortals(br.DB.Portal.GetAllByOtherUser(otherURN))
}

func (br *LinkedInBridge) dbPortalsToPortals(dbPortals []*database.Portal) []*Portal {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()

	output := make([]*Portal, len(dbPortals))
	for index, dbPortal := range dbPortals {
		if dbPortal == nil {
			continue
		}

		portal, ok := br.portalsByKey[dbPortal.Key]
		if !ok {
			portal = br.loadPortal(dbPortal, nil)
		}

		output[index] = portal
	}

	return output
}

func (br *LinkedInBridge) NewPortal(dbPortal *database.Portal) *Portal {
	portal := &Portal{
		Portal: dbPortal,
		bridge: br,
		log:    br.Log.Sub(fmt.Sprintf("Portal/%s", dbPortal.Key)),

		matrixMessages: make(chan portalMatrixMessage, 128),
	}

	go portal.messageLoop()

	return portal
}

func (portal *Portal) messageLoop() {
	for msg := range portal.matrixMessages {
		portal.handleMatrixMessages(msg)
	}
}

func (portal *Portal) IsPrivateChat() bool {
	return !portal.IsGroupChat
}

func (portal *Portal) MainIntent() *appservice.IntentAPI {
	if portal.IsPrivateChat() && !portal.OtherUserURN.IsEmpty() {
		return portal.bridge.GetPuppetByMemberURN(portal.OtherUserURN).DefaultIntent()
	}

	return portal.bridge.Bot
}

// isUnknownSender reports whether a participant URN is the "unknown sender"
// sentinel LinkedIn uses for sponsored InMail and some system messages
// (spec §4.4/§4.6).
func isUnknownSender(urn linkedinid.URN) bool {
	return urn.IsEmpty() || urn.Equals(linkedinid.Unknown)
}

func (portal *Portal) syncParticipants(source *User, participants []liapi.MiniProfile) {
	for _, participant := range participants {
		if isUnknownSender(participant.EntityURN) || participant.EntityURN.Equals(source.MemberURN) {
			continue
		}

		puppet := portal.bridge.GetPuppetByMemberURN(participant.EntityURN)
		puppet.UpdateInfo(source, &participant)

		user := portal.bridge.GetUserByMemberURN(participant.EntityURN)
		if user != nil {
			portal.ensureUserInvited(user)
		}

		if user == nil || !puppet.IntentFor(portal).IsCustomPuppet {
			if err := puppet.IntentFor(portal).EnsureJoined(portal.MXID); err != nil {
				portal.log.Warnfln("Failed to make puppet of %s join %s: %v", participant.EntityURN, portal.MXID, err)
			}
		}
	}
}

// CreateMatrixRoom implements spec §4.6 room creation: bridge-info state,
// encryption, the DM events_default restriction for unknown-sender threads,
// invites, personal space membership, and an initial backfill.
func (portal *Portal) CreateMatrixRoom(user *User, conv *liapi.Conversation) error {
	portal.roomCreateLock.Lock()
	defer portal.roomCreateLock.Unlock()

	if portal.MXID != "" {
		return nil
	}

	portal.log.Infoln("Creating Matrix room for thread:", portal.Key.ThreadURN)

	portal.applyConversationMeta(conv)

	intent := portal.MainIntent()
	if err := intent.EnsureRegistered(); err != nil {
		return err
	}

	initialState := []*event.Event{}
	creationContent := make(map[string]interface{})
	creationContent["m.federate"] = false

	var invite []id.UserID

	if portal.bridge.Config.Bridge.Encryption.Default {
		initialState = append(initialState, &event.Event{
			Type: event.StateEncryption,
			Content: event.Content{
				Parsed: event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1},
			},
		})
		portal.Encrypted = true

		if portal.IsPrivateChat() {
			invite = append(invite, portal.bridge.Bot.UserID)
		}
	}

	var powerLevelOverride *event.PowerLevelsEventContent
	if portal.IsPrivateChat() && portal.OtherUserURN.Equals(linkedinid.Unknown) {
		// Sponsored/InMail senders can't be joined as a real ghost; keep the
		// room read-only from the Matrix side except for the bridge bot.
		powerLevelOverride = &event.PowerLevelsEventContent{EventsDefault: 50}
	}

	resp, err := intent.CreateRoom(&mautrix.ReqCreateRoom{
		Visibility:         "private",
		Name:               portal.Name,
		Topic:              portal.Topic,
		Invite:             invite,
		Preset:             "private_chat",
		IsDirect:           portal.IsPrivateChat(),
		InitialState:       initialState,
		CreationContent:    creationContent,
		PowerLevelOverride: powerLevelOverride,
	})
	if err != nil {
		portal.log.Warnln("Failed to create room:", err)
		return err
	}

	portal.NameSet = portal.Name != ""
	portal.TopicSet = true
	portal.MXID = resp.RoomID
	portal.bridge.portalsLock.Lock()
	portal.bridge.portalsByMXID[portal.MXID] = portal
	portal.bridge.portalsLock.Unlock()
	portal.Update()
	portal.log.Infoln("Matrix room created:", portal.MXID)

	if portal.Encrypted && portal.IsPrivateChat() {
		if err = portal.bridge.Bot.EnsureJoined(portal.MXID, appservice.EnsureJoinedParams{BotOverride: portal.MainIntent().Client}); err != nil {
			portal.log.Errorfln("Failed to ensure bridge bot is joined to private chat portal: %v", err)
		}
	}

	portal.ensureUserInvited(user)
	if space := user.GetSpaceRoom(); space != "" {
		if _, err = portal.bridge.Bot.SendStateEvent(space, event.StateSpaceChild, portal.MXID.String(), &event.SpaceChildEventContent{
			Via: []string{portal.bridge.Config.Homeserver.Domain},
		}); err != nil {
			portal.log.Warnln("Failed to add portal to user's space:", err)
		}
	}

	portal.syncParticipants(user, conv.Participants)

	firstEventResp, err := portal.MainIntent().SendMessageEvent(portal.MXID, event.Type{Type: "fi.mau.dummy.portal_created", Class: event.MessageEventType}, struct{}{})
	if err != nil {
		portal.log.Errorln("Failed to send dummy event to mark portal creation:", err)
	} else {
		portal.FirstEventID = firstEventResp.EventID
		portal.UpdateBridgeInfo()
		portal.Update()
	}

	if err := portal.BackfillHistory(user, conv, true); err != nil {
		portal.log.Warnln("Initial backfill failed:", err)
	}

	return nil
}

// applyConversationMeta fills in the portal's name/topic/other-user fields
// from conversation metadata without touching Matrix room state (spec §4.6).
func (portal *Portal) applyConversationMeta(conv *liapi.Conversation) {
	portal.IsGroupChat = conv.GroupChat
	if !portal.IsGroupChat {
		for _, p := range conv.Participants {
			if !p.EntityURN.IsEmpty() {
				portal.OtherUserURN = p.EntityURN
				break
			}
		}
	}

	if portal.IsGroupChat {
		portal.PlainName = conv.Title
		portal.Name = conv.Title
	} else if !portal.bridge.Config.Bridge.PrivateChatPortalMeta && !portal.Encrypted {
		portal.Name = ""
	}
}

// BackfillHistory implements spec §4.6's backfill decision table and loop:
// skip unless there's actually something new to fetch, otherwise page
// backwards (page size 20) from the most recent message, stopping at a short
// page or at the already-bridged watermark, then post-filter to the window
// after that watermark, trim to the configured limit, and replay oldest-first.
// isInitial distinguishes a brand-new portal's first backfill (called from
// CreateMatrixRoom) from an incremental re-sync of an existing one (called
// from User.syncThreads).
func (portal *Portal) BackfillHistory(user *User, conv *liapi.Conversation, isInitial bool) error {
	if portal.MXID == "" || !portal.bridge.Config.Bridge.Backfill.Enable {
		return nil
	}

	// Limit semantics (spec §4.6, §8 boundary behaviors): 0 disables
	// backfill entirely, negative is unbounded, positive caps the replay.
	limit := portal.bridge.Config.Bridge.Backfill.ImmediateMessages
	if limit == 0 {
		return nil
	}

	mostRecent := portal.bridge.DB.Message.GetMostRecentByThread(portal.Key.ThreadURN, portal.Key.Receiver)
	haveHistory := mostRecent != nil
	var afterTimestamp int64
	if haveHistory {
		afterTimestamp = mostRecent.Timestamp.UnixMilli()
	}

	switch {
	case haveHistory && isInitial:
		return nil
	case !haveHistory && !isInitial:
		return nil
	case !isInitial && haveHistory && conv.LastActivityAt <= afterTimestamp:
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var collected []liapi.Event
	var before int64
	for {
		page, err := user.client.GetConversationEvents(ctx, portal.Key.ThreadURN, before)
		if err != nil {
			return fmt.Errorf("failed to fetch conversation history: %w", err)
		}
		if len(page.Elements) == 0 {
			break
		}
		collected = append(collected, page.Elements...)
		oldest := page.Elements[len(page.Elements)-1]
		if len(page.Elements) < 20 {
			break
		}
		if haveHistory && oldest.CreatedAt <= afterTimestamp {
			break
		}
		before = oldest.CreatedAt
	}

	// Post-filter to the (afterTimestamp, now] window.
	filtered := collected[:0]
	for _, evt := range collected {
		if haveHistory && evt.CreatedAt <= afterTimestamp {
			continue
		}
		filtered = append(filtered, evt)
	}

	// Trim from the tail to the limit, keeping the most recent messages;
	// filtered is still newest-first at this point.
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}

	// Events arrive newest-first; bridge oldest-first so history reads top
	// to bottom the way it was sent.
	for i := len(filtered) - 1; i >= 0; i-- {
		evt := filtered[i]
		portal.HandleLinkedInMessage(user, &evt)
	}

	return nil
}

func (portal *Portal) ensureUserInvited(user *User) bool {
	return user.ensureInvited(portal.MainIntent(), portal.MXID, portal.IsPrivateChat())
}

// isDuplicate checks and records a LinkedIn message URN against the bounded
// recent-events ring, the in-memory half of the dedup check the Store
// persists durably (spec §4.6 "dedup").
func (portal *Portal) isDuplicate(messageURN linkedinid.URN) bool {
	portal.recentEventsLock.Lock()
	defer portal.recentEventsLock.Unlock()

	for _, existing := range portal.recentEvents {
		if existing.Equals(messageURN) {
			return true
		}
	}
	portal.recentEvents[portal.recentEventsPtr] = messageURN
	portal.recentEventsPtr = (portal.recentEventsPtr + 1) % recentEventsSize
	return false
}

func (portal *Portal) encrypt(intent *appservice.IntentAPI, content *event.Content, eventType event.Type) (event.Type, error) {
	if !portal.Encrypted || portal.bridge.Crypto == nil {
		return eventType, nil
	}
	intent.AddDoublePuppetValue(content)
	portal.encryptLock.Lock()
	err := portal.bridge.Crypto.Encrypt(portal.MXID, eventType, content)
	portal.encryptLock.Unlock()
	if err != nil {
		return eventType, fmt.Errorf("failed to encrypt event: %w", err)
	}
	return event.EventEncrypted, nil
}

const doublePuppetKey = "fi.mau.double_puppet_source"
const doublePuppetValue = "mautrix-linkedin"

func (portal *Portal) sendMatrixMessage(intent *appservice.IntentAPI, eventType event.Type, content interface{}, extraContent map[string]interface{}, timestamp int64) (*mautrix.RespSendEvent, error) {
	wrappedContent := event.Content{Parsed: content, Raw: extraContent}
	if timestamp != 0 && intent.IsCustomPuppet {
		if wrappedContent.Raw == nil {
			wrappedContent.Raw = map[string]interface{}{}
		}
		wrappedContent.Raw[doublePuppetKey] = doublePuppetValue
	}

	eventType, err := portal.encrypt(intent, &wrappedContent, eventType)
	if err != nil {
		return nil, err
	}

	if eventType == event.EventEncrypted {
		if intent.IsCustomPuppet {
			wrappedContent.Raw = map[string]interface{}{doublePuppetKey: doublePuppetValue}
		} else {
			wrappedContent.Raw = nil
		}
	}

	_, _ = intent.UserTyping(portal.MXID, false, 0)
	if timestamp == 0 {
		return intent.SendMessageEvent(portal.MXID, eventType, &wrappedContent)
	}
	return intent.SendMassagedMessageEvent(portal.MXID, eventType, &wrappedContent, timestamp)
}

// HandleLinkedInMessage implements spec §4.6's translation/writeback for an
// incoming LinkedIn message event: subject, attachments, body, and feed
// update, in that order, skipping duplicates and routing edits/recalls/
// sponsored content to their own handling instead of the default flow.
func (portal *Portal) HandleLinkedInMessage(source *User, evt *liapi.Event) {
	msgEvent := evt.EventContent.MessageEvent
	if msgEvent == nil {
		return
	}

	if msgEvent.RecalledAt != 0 {
		portal.handleLinkedInRecall(evt.EntityURN)
		return
	}

	if portal.IsPrivateChat() && portal.OtherUserURN.Equals(linkedinid.Unknown) && evt.From.EntityURN.Equals(source.MemberURN) {
		// Own messages echoed back from an unknown-sender thread (sponsored
		// InMail) are already represented by the Matrix-side send.
		return
	}

	if msgEvent.LastEditedAt != 0 && portal.bridge.DB.Message.Exists(evt.EntityURN, source.MemberURN) {
		portal.handleLinkedInEdit(source, evt, msgEvent)
		return
	}

	// If the URN is in the recent-events ring, it's a true duplicate (either
	// our own outbound echo or a realtime repeat) and nothing further should
	// happen. Otherwise the URN was just pushed into the ring, and the Store
	// is consulted separately: a row already existing there (e.g. a message
	// replayed by backfill) also ends handling here: nothing is resent and no
	// other part of the event is processed.
	if portal.isDuplicate(evt.EntityURN) {
		return
	}
	if portal.bridge.DB.Message.Exists(evt.EntityURN, source.MemberURN) {
		return
	}

	if msgEvent.Sponsored != nil {
		portal.handleSponsoredMessage(source, evt, msgEvent)
		return
	}

	intent := portal.puppetIntentFor(source, evt.From.EntityURN)

	index := 0
	if msgEvent.Subject != "" {
		if _, err := portal.sendMatrixMessage(intent, event.EventMessage, renderSubjectMarkdown(msgEvent.Subject), nil, evt.CreatedAt); err == nil {
			portal.markMessageHandled(evt.EntityURN, source.MemberURN, index, evt.CreatedAt)
			index++
		}
	}

	for _, attachment := range msgEvent.Attachments {
		content, err := portal.convertLinkedInAttachment(source, attachment)
		if err != nil {
			portal.log.Warnfln("Failed to bridge attachment %s: %v", attachment.ID, err)
			continue
		}
		if resp, err := portal.sendMatrixMessage(intent, event.EventMessage, content, nil, evt.CreatedAt); err == nil {
			portal.markMessageHandledMXID(evt.EntityURN, source.MemberURN, index, evt.CreatedAt, resp.EventID)
			index++
		}
	}

	content := portal.renderLinkedInBody(msgEvent.AttributedBody)
	if content.Body != "" {
		if resp, err := portal.sendMatrixMessage(intent, event.EventMessage, content, nil, evt.CreatedAt); err == nil {
			portal.markMessageHandledMXID(evt.EntityURN, source.MemberURN, index, evt.CreatedAt, resp.EventID)
			index++
		}
	}

	if fu := msgEvent.FeedUpdate; fu != nil {
		feedContent := renderFeedUpdate(fu.CommentaryText, fu.ArticleTitle, fu.ArticleURL)
		if resp, err := portal.sendMatrixMessage(intent, event.EventMessage, feedContent, nil, evt.CreatedAt); err == nil {
			portal.markMessageHandledMXID(evt.EntityURN, source.MemberURN, index, evt.CreatedAt, resp.EventID)
		}
	}
}

// handleSponsoredMessage renders a LinkedIn "sponsored InMail" as a single
// Matrix notice and restricts the room to bridge-bot-only replies, mirroring
// the restriction CreateMatrixRoom applies to ad-style DM rooms up front
// (spec §4.6 "For 'sponsored' messages, a notice is posted and replies are
// disabled (as in creation)").
func (portal *Portal) handleSponsoredMessage(source *User, evt *liapi.Event, msgEvent *liapi.MessageEvent) {
	intent := portal.puppetIntentFor(source, evt.From.EntityURN)
	sp := msgEvent.Sponsored
	content := renderSponsoredInMail(sp.AdvertiserName, sp.Body, sp.CTAText, sp.CTAURL, sp.LegalText)
	if resp, err := portal.sendMatrixMessage(intent, event.EventMessage, content, nil, evt.CreatedAt); err == nil {
		portal.markMessageHandledMXID(evt.EntityURN, source.MemberURN, 0, evt.CreatedAt, resp.EventID)
	}
	portal.disableReplies()
}

// disableReplies raises the room's events_default to 50, the same override
// CreateMatrixRoom applies at creation time for ad-style DM threads, so a
// sponsored message arriving on an already-created room still ends up
// read-only from the Matrix side.
func (portal *Portal) disableReplies() {
	if portal.MXID == "" {
		return
	}
	intent := portal.MainIntent()
	levels, err := intent.PowerLevels(portal.MXID)
	if err != nil {
		portal.log.Warnfln("Failed to get power levels to disable replies: %v", err)
		return
	}
	levels.EventsDefault = 50
	if _, err = intent.SetPowerLevels(portal.MXID, levels); err != nil {
		portal.log.Warnfln("Failed to disable replies: %v", err)
	}
}

func (portal *Portal) puppetIntentFor(source *User, senderURN linkedinid.URN) *appservice.IntentAPI {
	if isUnknownSender(senderURN) {
		return portal.bridge.Bot
	}
	return portal.bridge.GetPuppetByMemberURN(senderURN).IntentFor(portal)
}

func (portal *Portal) markMessageHandled(messageURN, receiver linkedinid.URN, index int, ts int64) *database.Message {
	msg := portal.bridge.DB.Message.New()
	msg.MessageURN = messageURN
	msg.ThreadURN = portal.Key.ThreadURN
	msg.Receiver = receiver
	msg.Index = index
	msg.Timestamp = time.UnixMilli(ts)
	msg.Insert()
	return msg
}

func (portal *Portal) markMessageHandledMXID(messageURN, receiver linkedinid.URN, index int, ts int64, mxid id.EventID) *database.Message {
	msg := portal.markMessageHandled(messageURN, receiver, index, ts)
	msg.UpdateMXID(mxid, portal.MXID)
	return msg
}

func (portal *Portal) convertLinkedInAttachment(source *User, attachment liapi.Attachment) (*event.MessageEventContent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	data, _, err := source.client.DownloadMedia(ctx, attachment.Reference.URL)
	if err != nil {
		return nil, err
	}

	mxc, info, err := portal.uploadMatrixAttachment(data, attachment.Name, attachment.MediaType)
	if err != nil {
		return nil, err
	}

	msgType := event.MsgFile
	switch {
	case len(attachment.MediaType) >= 5 && attachment.MediaType[:5] == "image":
		msgType = event.MsgImage
	case len(attachment.MediaType) >= 5 && attachment.MediaType[:5] == "video":
		msgType = event.MsgVideo
	case len(attachment.MediaType) >= 5 && attachment.MediaType[:5] == "audio":
		msgType = event.MsgAudio
	}

	return &event.MessageEventContent{
		MsgType: msgType,
		Body:    attachment.Name,
		URL:     mxc,
		Info:    info,
	}, nil
}

func (portal *Portal) uploadMatrixAttachment(data []byte, filename, mimeType string) (id.ContentURIString, *event.FileInfo, error) {
	resp, err := portal.MainIntent().UploadBytes(data, mimeType)
	if err != nil {
		return "", nil, fmt.Errorf("failed to upload to Matrix: %w", err)
	}
	return resp.ContentURI.CUString(), &event.FileInfo{MimeType: mimeType, Size: len(data)}, nil
}

func (portal *Portal) handleLinkedInEdit(source *User, evt *liapi.Event, msgEvent *liapi.MessageEvent) {
	existing := portal.bridge.DB.Message.GetByURNIndex(evt.EntityURN, source.MemberURN, 0)
	if existing == nil || existing.MXID == "" {
		return
	}
	content := portal.renderLinkedInBody(msgEvent.AttributedBody)
	content.SetEdit(existing.MXID)
	intent := portal.puppetIntentFor(source, evt.From.EntityURN)
	if _, err := portal.sendMatrixMessage(intent, event.EventMessage, content, nil, 0); err != nil {
		portal.log.Warnfln("Failed to bridge edit of %s: %v", evt.EntityURN, err)
	}
}

func (portal *Portal) handleLinkedInRecall(messageURN linkedinid.URN) {
	messages := portal.bridge.DB.Message.GetByURN(messageURN, portal.Key.Receiver)
	for _, msg := range messages {
		if msg.MXID == "" {
			continue
		}
		if _, err := portal.MainIntent().RedactEvent(portal.MXID, msg.MXID); err != nil {
			portal.log.Warnfln("Failed to redact recalled message %s: %v", messageURN, err)
		}
	}
	portal.bridge.DB.Message.DeleteAllForMessage(messageURN, portal.Key.Receiver)
	portal.bridge.DB.Reaction.DeleteAllForMessage(messageURN, portal.Key.Receiver)
}

// HandleLinkedInReactionAdded mirrors a LinkedIn reaction onto Matrix,
// deduplicating per (message, sender, emoji) (spec §3 invariant 4).
func (portal *Portal) HandleLinkedInReactionAdded(source *User, summary *liapi.ReactionSummary) {
	if existing := portal.bridge.DB.Reaction.GetBySender(summary.EventURN, portal.Key.Receiver, summary.Actor.EntityURN, summary.Emoji); existing != nil {
		return
	}

	messages := portal.bridge.DB.Message.GetByURN(summary.EventURN, portal.Key.Receiver)
	if len(messages) == 0 {
		return
	}
	target := messages[0]

	intent := portal.puppetIntentFor(source, summary.Actor.EntityURN)
	content := &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: target.MXID,
			Key:     summary.Emoji,
		},
	}
	resp, err := portal.sendMatrixMessage(intent, event.EventReaction, content, nil, 0)
	if err != nil {
		portal.log.Warnfln("Failed to bridge reaction to %s: %v", summary.EventURN, err)
		return
	}

	dbReaction := portal.bridge.DB.Reaction.New()
	dbReaction.MXID = resp.EventID
	dbReaction.RoomID = portal.MXID
	dbReaction.MessageURN = summary.EventURN
	dbReaction.Receiver = portal.Key.Receiver
	dbReaction.SenderURN = summary.Actor.EntityURN
	dbReaction.Emoji = summary.Emoji
	dbReaction.Insert()
}

func (portal *Portal) HandleLinkedInReactionRemoved(source *User, summary *liapi.ReactionSummary) {
	reaction := portal.bridge.DB.Reaction.GetBySender(summary.EventURN, portal.Key.Receiver, summary.Actor.EntityURN, summary.Emoji)
	if reaction == nil {
		return
	}
	if _, err := portal.MainIntent().RedactEvent(portal.MXID, reaction.MXID); err != nil {
		portal.log.Warnfln("Failed to redact reaction for %s: %v", summary.EventURN, err)
	}
	reaction.Delete()
}

// HandleLinkedInTyping forwards a LinkedIn typing indicator onto Matrix via
// the sender's ghost (spec §4.6).
func (portal *Portal) HandleLinkedInTyping(memberURN linkedinid.URN) {
	if isUnknownSender(memberURN) || portal.MXID == "" {
		return
	}
	puppet := portal.bridge.GetPuppetByMemberURN(memberURN)
	if _, err := puppet.IntentFor(portal).UserTyping(portal.MXID, true, 10*time.Second); err != nil {
		portal.log.Debugfln("Failed to bridge typing from %s: %v", memberURN, err)
	}
}

func (portal *Portal) handleMatrixMessages(msg portalMatrixMessage) {
	switch msg.evt.Type {
	case event.EventMessage:
		portal.handleMatrixMessage(msg.user, msg.evt)
	case event.EventRedaction:
		portal.handleMatrixRedaction(msg.user, msg.evt)
	case event.EventReaction:
		portal.handleMatrixReaction(msg.user, msg.evt)
	default:
		portal.log.Debugln("unknown event type", msg.evt.Type)
	}
}

// handleMatrixMessage implements spec §4.6's Matrix→LinkedIn dispatch: parse
// the Matrix content into a LinkedIn attributed body or media upload, send
// it, and record the resulting message URN for later edit/recall/reaction
// correlation.
func (portal *Portal) handleMatrixMessage(sender *User, evt *event.Event) {
	portal.linkedinSendLock.Lock()
	defer portal.linkedinSendLock.Unlock()

	if !sender.IsLoggedIn() {
		portal.log.Debugfln("Ignoring %s: sender not logged in to LinkedIn", evt.ID)
		return
	}

	if existing := portal.bridge.DB.Message.GetByMXID(evt.ID, portal.MXID); existing != nil {
		portal.log.Debugln("not handling duplicate message", evt.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	body, attachments, err := portal.convertMatrixMessage(ctx, sender, evt)
	if err != nil {
		portal.log.Warnfln("Failed to convert %s: %v", evt.ID, err)
		portal.sendMessageStatusError(evt, err)
		return
	}

	messageURN, err := sender.client.SendMessage(ctx, portal.Key.ThreadURN, body, attachments)
	if err != nil {
		portal.log.Warnfln("Failed to send %s to LinkedIn: %v", evt.ID, err)
		portal.sendMessageStatusError(evt, err)
		return
	}

	// Push into the dedup ring immediately so the realtime echo of this same
	// send is suppressed rather than re-bridged as a second Matrix event
	// (spec §4.6, §5 ordering guarantee 3, §9's open question).
	portal.isDuplicate(messageURN)

	dbMsg := portal.bridge.DB.Message.New()
	dbMsg.MessageURN = messageURN
	dbMsg.ThreadURN = portal.Key.ThreadURN
	dbMsg.SenderURN = sender.MemberURN
	dbMsg.Receiver = portal.Key.Receiver
	dbMsg.Index = 0
	dbMsg.Timestamp = time.Now()
	dbMsg.Insert()
	dbMsg.UpdateMXID(evt.ID, portal.MXID)
}

// sendMessageStatusError reports a bridging failure back into the room as a
// notice referencing the failed event, when enabled (spec §4.6 "message-send
// checkpoints").
func (portal *Portal) sendMessageStatusError(evt *event.Event, err error) {
	if !portal.bridge.Config.Bridge.MessageErrorNotices {
		return
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    fmt.Sprintf("⚠ Your message may not have been bridged: %v", err),
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReference,
			EventID: evt.ID,
		},
	}
	if _, sendErr := portal.sendMatrixMessage(portal.bridge.Bot, event.EventMessage, content, nil, 0); sendErr != nil {
		portal.log.Warnln("Failed to send bridging failure notice:", sendErr)
	}
}

func (portal *Portal) convertMatrixMessage(ctx context.Context, sender *User, evt *event.Event) (liapi.AttributedBody, []liapi.SendAttachment, error) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return liapi.AttributedBody{}, nil, fmt.Errorf("unexpected event content type")
	}

	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		newContent := content.NewContent
		if newContent == nil {
			newContent = content
		}
		return portal.bodyFromContent(sender, newContent), nil, nil
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		return portal.bodyFromContent(sender, content), nil, nil
	case event.MsgEmote:
		displayname := portal.bridge.GetPuppetByMemberURN(sender.MemberURN).Name
		return RenderEmote(displayname, content.Body, sender.MemberURN), nil, nil
	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo:
		data, err := portal.downloadMatrixAttachment(ctx, content)
		if err != nil {
			return liapi.AttributedBody{}, nil, fmt.Errorf("failed to download matrix attachment: %w", err)
		}
		attachment, err := sender.client.UploadMedia(ctx, content.Body, data)
		if err != nil {
			return liapi.AttributedBody{}, nil, fmt.Errorf("failed to upload media to linkedin: %w", err)
		}
		return liapi.AttributedBody{}, []liapi.SendAttachment{{ID: attachment.ID, Name: attachment.Name}}, nil
	default:
		return liapi.AttributedBody{}, nil, fmt.Errorf("unsupported message type %s", content.MsgType)
	}
}

func (portal *Portal) bodyFromContent(sender *User, content *event.MessageEventContent) liapi.AttributedBody {
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		return portal.bridge.ParseMatrix(content.FormattedBody)
	}
	return liapi.AttributedBody{Text: content.Body}
}

func (portal *Portal) downloadMatrixAttachment(ctx context.Context, content *event.MessageEventContent) ([]byte, error) {
	parsed, err := content.URL.Parse()
	if err != nil {
		return nil, err
	}
	return portal.MainIntent().DownloadBytes(ctx, parsed)
}

func (portal *Portal) handleMatrixReaction(sender *User, evt *event.Event) {
	portal.linkedinSendLock.Lock()
	defer portal.linkedinSendLock.Unlock()

	if !sender.IsLoggedIn() {
		return
	}

	reaction := evt.Content.AsReaction()
	if reaction.RelatesTo.Type != event.RelAnnotation {
		portal.log.Errorfln("Ignoring reaction %s due to unknown m.relates_to data", evt.ID)
		return
	}

	msg := portal.bridge.DB.Message.GetByMXID(reaction.RelatesTo.EventID, portal.MXID)
	if msg == nil {
		portal.log.Debugfln("Message %s has not been bridged, can't react to it", reaction.RelatesTo.EventID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sender.client.ReactWithEmoji(ctx, portal.Key.ThreadURN, msg.MessageURN, reaction.RelatesTo.Key); err != nil {
		portal.log.Warnfln("Failed to send reaction %s: %v", reaction.RelatesTo.Key, err)
		return
	}

	dbReaction := portal.bridge.DB.Reaction.New()
	dbReaction.MXID = evt.ID
	dbReaction.RoomID = portal.MXID
	dbReaction.MessageURN = msg.MessageURN
	dbReaction.Receiver = portal.Key.Receiver
	dbReaction.SenderURN = sender.MemberURN
	dbReaction.Emoji = reaction.RelatesTo.Key
	dbReaction.Insert()
}

func (portal *Portal) handleMatrixRedaction(user *User, evt *event.Event) {
	portal.linkedinSendLock.Lock()
	defer portal.linkedinSendLock.Unlock()

	if !user.IsLoggedIn() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	message := portal.bridge.DB.Message.GetByMXID(evt.Redacts, portal.MXID)
	if message != nil {
		if err := user.client.RecallMessage(ctx, portal.Key.ThreadURN, message.MessageURN); err != nil {
			portal.log.Debugfln("Failed to recall %s: %v", message.MessageURN, err)
			return
		}
		portal.bridge.DB.Message.DeleteAllForMessage(message.MessageURN, portal.Key.Receiver)
		return
	}

	reaction := portal.bridge.DB.Reaction.GetByMXID(evt.Redacts, portal.MXID)
	if reaction != nil {
		if err := user.client.UnreactWithEmoji(ctx, portal.Key.ThreadURN, reaction.MessageURN, reaction.Emoji); err != nil {
			portal.log.Debugfln("Failed to unreact %s: %v", reaction.MessageURN, err)
			return
		}
		reaction.Delete()
		return
	}

	portal.log.Warnfln("Failed to redact %s@%s: no bridged event found", portal.Key, evt.Redacts)
}

func typingDiff(prev, next []id.UserID) (started []id.UserID) {
OuterNew:
	for _, userID := range next {
		for _, previousUserID := range prev {
			if userID == previousUserID {
				continue OuterNew
			}
		}
		started = append(started, userID)
	}
	return
}

// HandleMatrixTyping forwards Matrix typing notifications to LinkedIn for
// every user who started typing since the last update (spec §4.6).
func (portal *Portal) HandleMatrixTyping(newTyping []id.UserID) {
	portal.currentlyTypingLock.Lock()
	defer portal.currentlyTypingLock.Unlock()
	started := typingDiff(portal.currentlyTyping, newTyping)
	portal.currentlyTyping = newTyping
	for _, userID := range started {
		user := portal.bridge.GetUserByMXID(userID)
		if user == nil || !user.IsLoggedIn() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = user.client.SetTyping(ctx, portal.Key.ThreadURN)
		cancel()
	}
}

// HandleMatrixLeave implements spec §4.6's cleanup_and_delete for a private
// chat the Matrix user left.
func (portal *Portal) HandleMatrixLeave(_ bridge.User) {
	portal.log.Debugln("User left private chat portal, cleaning up and deleting...")
	portal.delete()
	portal.cleanup()
}

// Leave is called on logout (spec §4.5) to drop a user's ghost membership
// without necessarily deleting the portal the way HandleMatrixLeave does.
func (portal *Portal) Leave(user *User) {
	if portal.MXID == "" {
		return
	}
	puppet := portal.bridge.GetPuppetByMemberURN(user.MemberURN)
	if puppet != nil && puppet.CustomIntent() != nil {
		_, _ = puppet.CustomIntent().LeaveRoom(portal.MXID)
	}
}

func (portal *Portal) delete() {
	portal.bridge.DB.Message.DeleteAllForThread(portal.Key.ThreadURN, portal.Key.Receiver)
	portal.Portal.Delete()
	portal.bridge.portalsLock.Lock()
	delete(portal.bridge.portalsByKey, portal.Key)
	if portal.MXID != "" {
		delete(portal.bridge.portalsByMXID, portal.MXID)
	}
	portal.bridge.portalsLock.Unlock()
}

func (portal *Portal) cleanup() {
	if portal.MXID == "" {
		return
	}
	if portal.IsPrivateChat() {
		if _, err := portal.MainIntent().LeaveRoom(portal.MXID); err != nil {
			portal.log.Warnln("Failed to leave private chat portal with main intent:", err)
		}
		return
	}

	intent := portal.MainIntent()
	members, err := intent.JoinedMembers(portal.MXID)
	if err != nil {
		portal.log.Errorln("Failed to get portal members for cleanup:", err)
		return
	}
	for member := range members.Joined {
		if member == intent.UserID {
			continue
		}
		if puppet := portal.bridge.GetPuppetByMXID(member); puppet != nil {
			_, _ = puppet.DefaultIntent().LeaveRoom(portal.MXID)
		}
	}
	_, _ = intent.LeaveRoom(portal.MXID)
}

func (portal *Portal) getBridgeInfoStateKey() string {
	return fmt.Sprintf("fi.mau.linkedin://linkedin/%s", portal.Key.ThreadURN.Tail())
}

func (portal *Portal) getBridgeInfo() (string, event.BridgeEventContent) {
	bridgeInfo := event.BridgeEventContent{
		BridgeBot: portal.bridge.Bot.UserID,
		Creator:   portal.MainIntent().UserID,
		Protocol: event.BridgeInfoSection{
			ID:          "linkedin",
			DisplayName: "LinkedIn",
			ExternalURL: "https://www.linkedin.com/",
		},
		Channel: event.BridgeInfoSection{
			ID:          portal.Key.ThreadURN.Tail(),
			DisplayName: portal.Name,
		},
	}
	if portal.IsPrivateChat() {
		bridgeInfo.RoomType = "dm"
	}
	return portal.getBridgeInfoStateKey(), bridgeInfo
}

func (portal *Portal) UpdateBridgeInfo() {
	if len(portal.MXID) == 0 {
		return
	}
	stateKey, content := portal.getBridgeInfo()
	if _, err := portal.MainIntent().SendStateEvent(portal.MXID, event.StateBridge, stateKey, content); err != nil {
		portal.log.Warnln("Failed to update m.bridge:", err)
	}
	if _, err := portal.MainIntent().SendStateEvent(portal.MXID, event.StateHalfShotBridge, stateKey, content); err != nil {
		portal.log.Warnln("Failed to update uk.half-shot.bridge:", err)
	}
}

func (portal *Portal) UpdateNameDirect(name string) bool {
	if portal.Name == name && (portal.NameSet || portal.MXID == "") {
		return false
	} else if !portal.Encrypted && !portal.bridge.Config.Bridge.PrivateChatPortalMeta && portal.IsPrivateChat() {
		return false
	}
	portal.Name = name
	portal.NameSet = false
	if portal.MXID != "" && portal.Name != "" {
		if _, err := portal.MainIntent().SetRoomName(portal.MXID, portal.Name); err != nil {
			portal.log.Warnln("Failed to update room name:", err)
		} else {
			portal.NameSet = true
		}
	}
	return true
}

func (portal *Portal) UpdateTopicDirect(topic string) bool {
	if portal.Topic == topic && (portal.TopicSet || portal.MXID == "") {
		return false
	}
	portal.Topic = topic
	portal.TopicSet = false
	if portal.MXID != "" {
		if _, err := portal.MainIntent().SetRoomTopic(portal.MXID, portal.Topic); err != nil {
			portal.log.Warnln("Failed to update room topic:", err)
		} else {
			portal.TopicSet = true
		}
	}
	return true
}

func (portal *Portal) updateRoomAvatar() {
	if portal.MXID == "" {
		return
	}
	if _, err := portal.MainIntent().SetRoomAvatar(portal.MXID, portal.AvatarURL); err != nil {
		portal.log.Warnln("Failed to update room avatar:", err)
	} else {
		portal.AvatarSet = true
	}
}

// UpdateAvatarFromPuppet mirrors a DM counterpart's ghost avatar onto the
// room, called from the puppet registry's update_info fan-out (spec §4.4).
func (portal *Portal) UpdateAvatarFromPuppet(puppet *Puppet) bool {
	if portal.Avatar == puppet.Avatar && portal.AvatarURL == puppet.AvatarURL && (portal.AvatarSet || portal.MXID == "") {
		return false
	}
	portal.Avatar = puppet.Avatar
	portal.AvatarURL = puppet.AvatarURL
	portal.AvatarSet = false
	portal.updateRoomAvatar()
	return true
}

// UpdateInfo refreshes name/topic/participant metadata from fresh
// conversation data (spec §4.6 "thread sync").
func (portal *Portal) UpdateInfo(source *User, conv *liapi.Conversation) bool {
	changed := false

	if portal.IsGroupChat != conv.GroupChat {
		portal.IsGroupChat = conv.GroupChat
		changed = true
	}

	if portal.IsPrivateChat() {
		var other linkedinid.URN
		for _, p := range conv.Participants {
			if !p.EntityURN.IsEmpty() && !p.EntityURN.Equals(source.MemberURN) {
				other = p.EntityURN
				break
			}
		}
		if !other.IsEmpty() && !portal.OtherUserURN.Equals(other) {
			portal.OtherUserURN = other
			changed = true
		}
	} else {
		changed = portal.UpdateNameDirect(conv.Title) || changed
	}

	if changed {
		portal.UpdateBridgeInfo()
		portal.Update()
	}

	portal.syncParticipants(source, conv.Participants)

	return changed
}
