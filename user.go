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
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	log "maunium.net/go/maulogger/v2"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/bridge"
	"maunium.net/go/mautrix/bridge/bridgeconfig"
	"maunium.net/go/mautrix/bridge/status"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/pushrules"

	"go.mau.fi/mautrix-linkedin/database"
	"go.mau.fi/mautrix-linkedin/liapi"
	"go.mau.fi/mautrix-linkedin/linkedinid"
)

var (
	ErrNotLoggedIn     = errors.New("not logged in")
	ErrAlreadyLoggedIn = errors.New("already logged in")
	ErrBadCredentials  = errors.New("linkedin rejected the stored session cookies")
)

// connectBackoffCeiling is the exponential backoff ceiling for repeated
// profile-fetch failures after login (spec §4.5: "exponential backoff 1->64s;
// after the ceiling the process reports UNKNOWN_ERROR and exits").
const connectBackoffCeiling = 64 * time.Second

// connectedStateDebounce limits how often a steady CONNECTED state is
// re-reported to the bridge-state endpoint (spec §4.5).
const connectedStateDebounce = 12 * time.Hour

// User is the User Session (C5): one per Matrix user who has interacted with
// the bridge. Unlike the teacher's per-team Slack model, a LinkedIn user has
// exactly one protocol identity, so there is a single client and a single
// bridge-state queue rather than a map keyed by team.
type User struct {
	*database.User

	sync.Mutex

	bridge *LinkedInBridge
	log    log.Logger

	PermissionLevel bridgeconfig.PermissionLevel

	BridgeState *bridge.BridgeStateQueue

	client *liapi.Client

	connLock        sync.Mutex
	mgmtCreateLock  sync.Mutex
	spaceCreateLock sync.Mutex
	threadSyncLock  sync.Mutex

	spaceMembershipChecked bool
	lastThreadSync         time.Time
	lastConnectedState     time.Time

	stopRealtime context.CancelFunc
	loggedOut    bool
}

func (user *User) GetPermissionLevel() bridgeconfig.PermissionLevel {
	return user.PermissionLevel
}

func (user *User) GetManagementRoomID() id.RoomID {
	return user.ManagementRoom
}

func (user *User) GetMXID() id.UserID {
	return user.MXID
}

func (user *User) GetCommandState() map[string]interface{} {
	return nil
}

func (user *User) GetIDoublePuppet() bridge.DoublePuppet {
	p := user.bridge.GetPuppetByCustomMXID(user.MXID)
	if p == nil || p.CustomIntent() == nil {
		return nil
	}
	return p
}

// GetIGhost returns the user's own ghost once logged in, matching the
// commented-out intention in the teacher's equivalent stub.
func (user *User) GetIGhost() bridge.Ghost {
	if user.MemberURN.IsEmpty() {
		return nil
	}
	return user.bridge.GetPuppetByMemberURN(user.MemberURN)
}

var _ bridge.User = (*User)(nil)

func (br *LinkedInBridge) loadUser(dbUser *database.User, mxid *id.UserID) *User {
	if dbUser == nil {
		if mxid == nil {
			return nil
		}

		dbUser = br.DB.User.New()
		dbUser.MXID = *mxid
		dbUser.Insert()
	}

	user := br.NewUser(dbUser)

	br.usersByMXID[user.MXID] = user
	if !user.MemberURN.IsEmpty() {
		br.usersByMemberURN[user.MemberURN] = user
	}

	if user.ManagementRoom != "" {
		br.managementRoomsLock.Lock()
		br.managementRooms[user.ManagementRoom] = user
		br.managementRoomsLock.Unlock()
	}

	return user
}

func (br *LinkedInBridge) GetUserByMXID(userID id.UserID) *User {
	if _, isPuppet := br.ParsePuppetMXID(userID); isPuppet || userID == br.Bot.UserID {
		return nil
	}

	br.usersLock.Lock()
	defer br.usersLock.Unlock()

	user, ok := br.usersByMXID[userID]
	if !ok {
		return br.loadUser(br.DB.User.GetByMXID(userID), &userID)
	}

	return user
}

func (br *LinkedInBridge) GetUserByMemberURN(urn linkedinid.URN) *User {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()

	user, ok := br.usersByMemberURN[urn]
	if !ok {
		return br.loadUser(br.DB.User.GetByMemberURN(urn), nil)
	}

	return user
}

func (br *LinkedInBridge) NewUser(dbUser *database.User) *User {
	user := &User{
		User:   dbUser,
		bridge: br,
		log:    br.Log.Sub("User").Sub(string(dbUser.MXID)),
	}

	user.PermissionLevel = br.Config.Bridge.Permissions.Get(user.MXID)
	user.BridgeState = br.NewBridgeStateQueue(user, user.log)

	return user
}

// GetAllLoggedInUsers loads every user with a stored member URN and caches
// them, resuming their realtime listeners at startup (spec §4.8).
func (br *LinkedInBridge) GetAllLoggedInUsers() []*User {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()

	dbUsers := br.DB.User.GetAllLoggedIn()
	users := make([]*User, len(dbUsers))
	for index, dbUser := range dbUsers {
		user, ok := br.usersByMXID[dbUser.MXID]
		if !ok {
			user = br.loadUser(dbUser, nil)
		}
		users[index] = user
	}
	return users
}

func (user *User) SetManagementRoom(roomID id.RoomID) {
	user.bridge.managementRoomsLock.Lock()
	defer user.bridge.managementRoomsLock.Unlock()

	existing, ok := user.bridge.managementRooms[roomID]
	if ok {
		existing.ManagementRoom = ""
		existing.Update()
	}

	user.ManagementRoom = roomID
	user.bridge.managementRooms[user.ManagementRoom] = user
	user.Update()
}

// GetSpaceRoom lazily creates the user's personal filtering space, gated by
// bridge.personal_filtering_spaces (spec §4.5 post-login step 2).
func (user *User) GetSpaceRoom() id.RoomID {
	if !user.bridge.Config.Bridge.PersonalFilteringSpaces {
		return ""
	}

	if len(user.SpaceRoom) == 0 {
		user.spaceCreateLock.Lock()
		defer user.spaceCreateLock.Unlock()
		if len(user.SpaceRoom) > 0 {
			return user.SpaceRoom
		}

		resp, err := user.bridge.Bot.CreateRoom(&mautrix.ReqCreateRoom{
			Visibility: "private",
			Name:       "LinkedIn",
			Topic:      "Your LinkedIn bridged chats",
			CreationContent: map[string]interface{}{
				"type": event.RoomTypeSpace,
			},
			PowerLevelOverride: &event.PowerLevelsEventContent{
				Users: map[id.UserID]int{
					user.bridge.Bot.UserID: 9001,
					user.MXID:              50,
				},
			},
		})
		if err != nil {
			user.log.Errorln("Failed to auto-create space room:", err)
		} else {
			user.SpaceRoom = resp.RoomID
			user.Update()
			user.ensureInvited(user.bridge.Bot, user.SpaceRoom, false)
		}
	} else if !user.spaceMembershipChecked && !user.bridge.StateStore.IsInRoom(user.SpaceRoom, user.MXID) {
		user.ensureInvited(user.bridge.Bot, user.SpaceRoom, false)
	}
	user.spaceMembershipChecked = true

	return user.SpaceRoom
}

func (user *User) ensureInvited(intent *appservice.IntentAPI, roomID id.RoomID, isDirect bool) bool {
	if intent == nil {
		intent = user.bridge.Bot
	}
	ret := false

	inviteContent := event.Content{
		Parsed: &event.MemberEventContent{
			Membership: event.MembershipInvite,
			IsDirect:   isDirect,
		},
		Raw: map[string]interface{}{},
	}

	customPuppet := user.bridge.GetPuppetByCustomMXID(user.MXID)
	if customPuppet != nil && customPuppet.CustomIntent() != nil {
		inviteContent.Raw["fi.mau.will_auto_accept"] = true
	}

	_, err := intent.SendStateEvent(roomID, event.StateMember, user.MXID.String(), &inviteContent)

	var httpErr mautrix.HTTPError
	if err != nil && errors.As(err, &httpErr) && httpErr.RespError != nil && strings.Contains(httpErr.RespError.Err, "is already in the room") {
		user.bridge.StateStore.SetMembership(roomID, user.MXID, event.MembershipJoin)
		ret = true
	} else if err != nil {
		user.log.Warnfln("Failed to invite user to %s: %v", roomID, err)
	} else {
		ret = true
	}

	if customPuppet != nil && customPuppet.CustomIntent() != nil {
		err = customPuppet.CustomIntent().EnsureJoined(roomID, appservice.EnsureJoinedParams{IgnoreCache: true})
		if err != nil {
			user.log.Warnfln("Failed to auto-join %s: %v", roomID, err)
			ret = false
		} else {
			ret = true
		}
	}

	return ret
}

// updateChatMute mirrors a portal's LinkedIn mute flag onto a Matrix push
// rule (spec §4.5 "thread sync").
func (user *User) updateChatMute(portal *Portal, muted bool) {
	if len(portal.MXID) == 0 {
		return
	}
	puppet := user.GetIDoublePuppet()
	if puppet == nil {
		return
	}
	intent := puppet.CustomIntent()
	if intent == nil {
		return
	}
	var err error
	if muted {
		err = intent.PutPushRule("global", pushrules.RoomRule, string(portal.MXID), &mautrix.ReqPutPushRule{
			Actions: []pushrules.PushActionType{pushrules.ActionDontNotify},
		})
	} else {
		err = intent.DeletePushRule("global", pushrules.RoomRule, string(portal.MXID))
	}
	if err != nil && !errors.Is(err, mautrix.MNotFound) {
		user.log.Warnfln("Failed to update push rule for %s through double puppet: %v", portal.MXID, err)
	}
}

func (user *User) tryAutomaticDoublePuppeting() {
	user.Lock()
	defer user.Unlock()

	if !user.bridge.Config.CanAutoDoublePuppet(user.MXID) {
		return
	}

	user.log.Debugln("Checking if double puppeting needs to be enabled")

	puppet := user.bridge.GetPuppetByMemberURN(user.MemberURN)
	if puppet.CustomMXID != "" {
		user.log.Debugln("User already has double-puppeting enabled")
		return
	}

	accessToken, err := puppet.loginWithSharedSecret(user.MXID)
	if err != nil {
		user.log.Warnln("Failed to login with shared secret:", err)
		return
	}

	if err = puppet.SwitchCustomMXID(accessToken, user.MXID); err != nil {
		puppet.log.Warnln("Failed to switch to auto-logined custom puppet:", err)
		return
	}

	user.log.Infoln("Successfully automatically enabled custom puppet")
}

// newAPILogger builds the zerolog.Logger the liapi client logs through,
// scoped to this user (spec §2.1 ambient stack: zerolog for the newer,
// request/event-scoped conversion and protocol-client code).
func (user *User) newAPILogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "liapi").Str("user_id", string(user.MXID)).Logger()
}

func (user *User) IsLoggedIn() bool {
	user.connLock.Lock()
	defer user.connLock.Unlock()
	return user.client != nil && !user.MemberURN.IsEmpty()
}

// loadStoredCookies reconstructs a liapi.Client from the user's persisted
// cookie jar and headers, or ErrNotLoggedIn if no cookies are stored (spec §3).
func (user *User) loadStoredCookies() (*liapi.Client, error) {
	dbCookies := user.bridge.DB.Cookie.GetAllForUser(user.MXID)
	if len(dbCookies) == 0 {
		return nil, ErrNotLoggedIn
	}
	cookies := make(map[string]string, len(dbCookies))
	for _, c := range dbCookies {
		cookies[c.Name] = c.Value
	}
	dbHeaders := user.bridge.DB.HTTPHeader.GetAllForUser(user.MXID)
	headers := make(map[string]string, len(dbHeaders))
	for _, h := range dbHeaders {
		headers[h.Name] = h.Value
	}
	return liapi.NewClient(user.newAPILogger(), cookies, headers)
}

// persistCookies stores the client's current cookie jar, replacing any
// previously-saved values (spec §3: "cookie jar is re-exported").
func (user *User) persistCookies(client *liapi.Client) {
	for name, value := range client.ExportCookies() {
		cookie := user.bridge.DB.Cookie.New()
		cookie.UserMXID = user.MXID
		cookie.Name = name
		cookie.Value = value
		cookie.Upsert()
	}
}

func (user *User) persistHeaders(headers map[string]string) {
	for name, value := range headers {
		header := user.bridge.DB.HTTPHeader.New()
		header.UserMXID = user.MXID
		header.Name = name
		header.Value = value
		header.Upsert()
	}
}

// LoginCookies is the provisioning API's entry point (spec §6): it stores
// the pasted cookies/headers, confirms them with a profile fetch, and on
// success kicks off the rest of the post-login sequence in the background.
func (user *User) LoginCookies(cookies map[string]string, extraHeaders map[string]string) error {
	user.connLock.Lock()
	defer user.connLock.Unlock()

	if user.client != nil {
		return ErrAlreadyLoggedIn
	}

	if liAt, ok := cookies["li_at"]; !ok || liAt == "" {
		return fmt.Errorf("%w: li_at cookie is required", ErrBadCredentials)
	}
	if jsession, ok := cookies["JSESSIONID"]; ok {
		cookies["JSESSIONID"] = strings.Trim(jsession, `"`)
	}

	client, err := liapi.NewClient(user.newAPILogger(), cookies, extraHeaders)
	if err != nil {
		return fmt.Errorf("failed to create linkedin client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	profile, err := client.GetUserProfile(ctx)
	if err != nil {
		user.BridgeState.Send(status.BridgeState{StateEvent: status.StateBadCredentials, Error: status.BridgeStateErrorCode(err.Error())})
		return fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}

	user.persistCookies(client)
	user.persistHeaders(extraHeaders)

	user.MemberURN = liapi.MemberURNFromMiniProfile(profile)
	user.Update()

	user.bridge.usersLock.Lock()
	user.bridge.usersByMemberURN[user.MemberURN] = user
	user.bridge.usersLock.Unlock()

	client.SetSelfURN(user.MemberURN)
	user.client = client
	user.loggedOut = false

	go user.postLogin()

	return nil
}

// Connect resumes an already-logged-in user at startup: loads the stored
// cookie jar, confirms it still works (with backoff on repeated failure per
// spec §4.5), then runs the same post-login sequence as a fresh login.
func (user *User) Connect() error {
	user.connLock.Lock()
	if user.client != nil {
		user.connLock.Unlock()
		return ErrAlreadyLoggedIn
	}
	client, err := user.loadStoredCookies()
	user.connLock.Unlock()
	if err != nil {
		return err
	}

	user.BridgeState.Send(status.BridgeState{StateEvent: status.StateConnecting})

	backoff := time.Second
	var profile *liapi.Profile
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		profile, err = client.GetUserProfile(ctx)
		cancel()
		if err == nil {
			break
		}
		user.log.Warnfln("Failed to fetch profile while reconnecting: %v (retrying in %s)", err, backoff)
		time.Sleep(backoff)
		if backoff < connectBackoffCeiling {
			backoff *= 2
			if backoff > connectBackoffCeiling {
				backoff = connectBackoffCeiling
			}
			continue
		}
		user.BridgeState.Send(status.BridgeState{StateEvent: status.StateUnknownError, Error: status.BridgeStateErrorCode(err.Error())})
		os.Exit(1)
	}

	if !liapi.MemberURNFromMiniProfile(profile).Equals(user.MemberURN) {
		user.BridgeState.Send(status.BridgeState{StateEvent: status.StateBadCredentials})
		return ErrBadCredentials
	}

	client.SetSelfURN(user.MemberURN)

	user.connLock.Lock()
	user.client = client
	user.loggedOut = false
	user.connLock.Unlock()

	go user.postLogin()

	return nil
}

// postLogin runs the sequence spec §4.5 prescribes after authentication
// succeeds: double puppeting, the personal space, an initial thread sync,
// then the realtime listener.
func (user *User) postLogin() {
	user.tryAutomaticDoublePuppeting()
	user.GetSpaceRoom()

	user.BridgeState.Send(status.BridgeState{StateEvent: status.StateBackfilling})
	if err := user.syncThreads(true); err != nil {
		user.log.Errorln("Initial thread sync failed:", err)
	}

	user.sendConnected()
	user.startRealtime()
}

func (user *User) sendConnected() {
	if time.Since(user.lastConnectedState) < connectedStateDebounce {
		return
	}
	user.lastConnectedState = time.Now()
	user.BridgeState.Send(status.BridgeState{StateEvent: status.StateConnected})
}

// syncThreads implements spec §4.5 "Thread sync": paginate List conversations
// until the configured backfill.conversations_count is touched, creating or
// updating a Portal for each and mirroring its mute flag.
func (user *User) syncThreads(force bool) error {
	user.threadSyncLock.Lock()
	defer user.threadSyncLock.Unlock()

	if !force && time.Since(user.lastThreadSync) < 10*time.Second {
		return nil
	}
	user.lastThreadSync = time.Now()

	limit := user.bridge.Config.Bridge.Backfill.ConversationsCount
	if limit <= 0 {
		limit = 20
	}

	ctx := context.Background()
	var before int64
	touched := 0
	for touched < limit {
		page, err := user.client.ListConversations(ctx, before)
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}
		if len(page.Elements) == 0 {
			break
		}
		for _, conv := range page.Elements {
			portal := user.bridge.GetPortalByThreadURN(database.NewPortalKey(conv.EntityURN, user.MemberURN))
			convCopy := conv
			if portal.MXID == "" {
				if err := portal.CreateMatrixRoom(user, &convCopy); err != nil {
					user.log.Warnfln("Failed to create room for %s: %v", conv.EntityURN, err)
					continue
				}
			} else {
				portal.UpdateInfo(user, &convCopy)
				portal.BackfillHistory(user, &convCopy, false)
			}
			user.updateChatMute(portal, conv.Muted)
			touched++
			before = conv.LastActivityAt
			if touched >= limit {
				break
			}
		}
		if len(page.Elements) < 20 {
			break
		}
	}
	return nil
}

// startRealtime subscribes the portal-dispatch handlers and launches the
// auto-restarting stream consumer loop (spec §4.5 "Realtime dispatch").
func (user *User) startRealtime() {
	ctx, cancel := context.WithCancel(context.Background())
	user.connLock.Lock()
	user.stopRealtime = cancel
	client := user.client
	user.connLock.Unlock()
	if client == nil {
		return
	}

	client.Subscribe(liapi.EventMessage, user.handleRealtimeMessage)
	client.Subscribe(liapi.EventReactionAdded, user.handleRealtimeReaction)
	client.Subscribe(liapi.EventAction, user.handleRealtimeAction)
	client.Subscribe(liapi.EventFromEntity, user.handleRealtimeFromEntity)

	go user.runRealtimeLoop(ctx, client)
}

func (user *User) runRealtimeLoop(ctx context.Context, client *liapi.Client) {
	for {
		err := client.RunRealtimeStream(ctx)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if user.bridge.shuttingDown {
			return
		}
		if !user.IsLoggedIn() {
			user.BridgeState.Send(status.BridgeState{StateEvent: status.StateBadCredentials})
			return
		}
		if err != nil {
			user.log.Warnln("Realtime stream ended, restarting:", err)
			user.BridgeState.Send(status.BridgeState{StateEvent: status.StateTransientDisconnect, Error: status.BridgeStateErrorCode(err.Error())})
		}
		user.persistCookies(client)
	}
}

func (user *User) handleRealtimeMessage(frame liapi.RealtimeFrame) {
	evt := frame.Payload.Event
	if evt == nil {
		return
	}
	portal := user.bridge.GetPortalByThreadURN(database.NewPortalKey(evt.EntityURN, user.MemberURN))
	if portal == nil {
		return
	}
	portal.HandleLinkedInMessage(user, evt)
}

func (user *User) handleRealtimeReaction(frame liapi.RealtimeFrame) {
	summary := frame.Payload.ReactionAdded
	if summary == nil {
		return
	}
	portal := user.bridge.GetPortalByMessageURN(summary.EventURN, user.MemberURN)
	if portal == nil {
		return
	}
	if summary.Added {
		portal.HandleLinkedInReactionAdded(user, summary)
	} else {
		portal.HandleLinkedInReactionRemoved(user, summary)
	}
}

func (user *User) handleRealtimeAction(frame liapi.RealtimeFrame) {
	action := frame.Payload.Action
	if action == nil || action.Conversation == nil {
		return
	}
	portal := user.bridge.GetPortalByThreadURN(database.NewPortalKey(action.Conversation.EntityURN, user.MemberURN))
	if portal.MXID == "" {
		conv := *action.Conversation
		if err := portal.CreateMatrixRoom(user, &conv); err != nil {
			user.log.Warnfln("Failed to create room for %s: %v", action.Conversation.EntityURN, err)
		}
	}
}

func (user *User) handleRealtimeFromEntity(frame liapi.RealtimeFrame) {
	fromEntity := frame.Payload.FromEntity
	if fromEntity == nil || fromEntity.TypingIndicator == nil {
		return
	}
	portal := user.bridge.GetPortalByThreadURN(database.NewPortalKey(fromEntity.TypingIndicator.ConversationURN, user.MemberURN))
	if portal != nil {
		portal.HandleLinkedInTyping(fromEntity.TypingIndicator.TypingParticipant.EntityURN)
	}
}

// Disconnect stops the realtime listener without forgetting the stored
// session, so a later Connect resumes where it left off.
func (user *User) Disconnect() error {
	user.connLock.Lock()
	defer user.connLock.Unlock()

	if user.stopRealtime != nil {
		user.stopRealtime()
		user.stopRealtime = nil
	}
	user.client = nil

	return nil
}

// Logout implements spec §4.5's logout transition: stop the realtime
// listener, detach any double puppet, forget the stored cookies, and clear
// the member URN so the state machine returns to NEW.
func (user *User) Logout() error {
	if !user.IsLoggedIn() {
		return ErrNotLoggedIn
	}

	user.leavePortals()

	puppet := user.bridge.GetPuppetByMemberURN(user.MemberURN)
	if puppet.CustomMXID != "" {
		if err := puppet.SwitchCustomMXID("", ""); err != nil {
			user.log.Warnln("Failed to remove double puppet while logging out:", err)
		}
	}

	user.connLock.Lock()
	user.loggedOut = true
	if user.stopRealtime != nil {
		user.stopRealtime()
		user.stopRealtime = nil
	}
	user.client = nil
	user.connLock.Unlock()

	user.bridge.DB.Cookie.DeleteAllForUser(user.MXID)
	user.bridge.DB.HTTPHeader.DeleteAllForUser(user.MXID)

	user.bridge.usersLock.Lock()
	delete(user.bridge.usersByMemberURN, user.MemberURN)
	user.bridge.usersLock.Unlock()

	user.MemberURN = ""
	user.Update()

	user.BridgeState.Send(status.BridgeState{StateEvent: status.StateLoggedOut})

	return nil
}

func (user *User) leavePortals() {
	for _, portal := range user.bridge.GetAllPortalsByReceiver(user.MemberURN) {
		portal.Leave(user)
	}
}
