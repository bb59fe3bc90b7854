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
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	ErrNoCustomMXID    = errors.New("no custom mxid set")
	ErrMismatchingMXID = errors.New("whoami result does not match custom mxid")
)

// newDoublePuppetClient resolves the homeserver base URL for mxid (via the
// config's override map, same-homeserver shortcut, or .well-known
// discovery) and builds a client authenticated as that real Matrix user
// (spec §4.4 "double-puppet Matrix id").
func (br *LinkedInBridge) newDoublePuppetClient(mxid id.UserID, accessToken string) (*mautrix.Client, error) {
	_, homeserver, err := mxid.Parse()
	if err != nil {
		return nil, err
	}

	homeserverURL, found := br.Config.Bridge.DoublePuppetServerMap[homeserver]
	if !found {
		if homeserver == br.AS.HomeserverDomain {
			homeserverURL = ""
		} else if br.Config.Bridge.DoublePuppetAllowDiscovery {
			resp, err := mautrix.DiscoverClientAPI(homeserver)
			if err != nil {
				return nil, fmt.Errorf("failed to find homeserver URL for %s: %v", homeserver, err)
			}

			homeserverURL = resp.Homeserver.BaseURL
			br.Log.Debugfln("Discovered URL %s for %s to enable double puppeting for %s", homeserverURL, homeserver, mxid)
		} else {
			return nil, fmt.Errorf("double puppeting from %s is not allowed", homeserver)
		}
	}

	return br.AS.NewExternalMautrixClient(mxid, accessToken, homeserverURL)
}

// GetFilterJSON restricts the double-puppet's sync to typing/receipt
// ephemeral events and the puppet's own presence; ProcessResponse does not
// forward any of them.
func (puppet *Puppet) GetFilterJSON(_ id.UserID) *mautrix.Filter {
	everything := []event.Type{{Type: "*"}}
	return &mautrix.Filter{
		Presence: mautrix.FilterPart{
			Senders: []id.UserID{puppet.CustomMXID},
			Types:   []event.Type{event.EphemeralEventPresence},
		},
		AccountData: mautrix.FilterPart{NotTypes: everything},
		Room: mautrix.RoomFilter{
			Ephemeral:    mautrix.FilterPart{Types: []event.Type{event.EphemeralEventTyping, event.EphemeralEventReceipt}},
			IncludeLeave: false,
			AccountData:  mautrix.FilterPart{NotTypes: everything},
			State:        mautrix.FilterPart{NotTypes: everything},
			Timeline:     mautrix.FilterPart{NotTypes: everything},
		},
	}
}

func (puppet *Puppet) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	puppet.log.Warnln("Sync error:", err)
	if errors.Is(err, mautrix.MUnknownToken) {
		if !puppet.tryRelogin(err, "syncing") {
			return 0, err
		}

		puppet.customIntent.AccessToken = puppet.AccessToken

		return 0, nil
	}

	return 10 * time.Second, nil
}

// ProcessResponse does not process the double-puppet's /sync response: this
// bridge's own ephemeral dispatch (typing/receipts) runs off appservice
// transactions handled by the mautrix bridge framework, not the puppet's own
// /sync. It only logs when the custom user is not connected to LinkedIn.
func (puppet *Puppet) ProcessResponse(resp *mautrix.RespSync, _ string) error {
	if puppet.customUser == nil || !puppet.customUser.IsLoggedIn() {
		puppet.log.Debugln("Skipping sync processing: custom user not connected to LinkedIn")
	}
	return nil
}

func (puppet *Puppet) SaveFilterID(_ id.UserID, _ string) {}

func (puppet *Puppet) SaveNextBatch(_ id.UserID, nbt string) {
	puppet.NextBatch = nbt
	puppet.Update()
}

func (puppet *Puppet) SaveRoom(_ *mautrix.Room) {}

func (puppet *Puppet) LoadFilterID(_ id.UserID) string { return "" }

func (puppet *Puppet) LoadNextBatch(_ id.UserID) string {
	return puppet.NextBatch
}

func (puppet *Puppet) LoadRoom(_ id.RoomID) *mautrix.Room { return nil }

func (puppet *Puppet) clearCustomMXID() {
	puppet.CustomMXID = ""
	puppet.AccessToken = ""
	puppet.customIntent = nil
	puppet.customUser = nil
}

func (puppet *Puppet) newCustomIntent() (*appservice.IntentAPI, error) {
	if puppet.CustomMXID == "" {
		return nil, ErrNoCustomMXID
	}

	client, err := puppet.bridge.newDoublePuppetClient(puppet.CustomMXID, puppet.AccessToken)
	if err != nil {
		return nil, err
	}

	client.Syncer = puppet
	client.Store = puppet

	ia := puppet.bridge.AS.NewIntentAPI("custom")
	ia.Client = client
	ia.Localpart, _, _ = puppet.CustomMXID.Parse()
	ia.UserID = puppet.CustomMXID
	ia.IsCustomPuppet = true

	return ia, nil
}

// StartCustomMXID attaches the puppet's stored double-puppet credentials, if
// any, verifying them with a whoami call (spec §4.4 switch_mxid).
func (puppet *Puppet) StartCustomMXID(reloginOnFail bool) error {
	if puppet.CustomMXID == "" {
		puppet.clearCustomMXID()

		return nil
	}

	intent, err := puppet.newCustomIntent()
	if err != nil {
		puppet.clearCustomMXID()

		return err
	}

	resp, err := intent.Whoami()
	if err != nil {
		if !reloginOnFail || (errors.Is(err, mautrix.MUnknownToken) && !puppet.tryRelogin(err, "initializing double puppeting")) {
			puppet.clearCustomMXID()

			return err
		}

		intent.AccessToken = puppet.AccessToken
	} else if resp.UserID != puppet.CustomMXID {
		puppet.clearCustomMXID()

		return ErrMismatchingMXID
	}

	puppet.customIntent = intent
	puppet.customUser = puppet.bridge.GetUserByMXID(puppet.CustomMXID)
	puppet.startSyncing()

	return nil
}

func (puppet *Puppet) tryRelogin(cause error, action string) bool {
	if !puppet.bridge.Config.CanAutoDoublePuppet(puppet.CustomMXID) {
		return false
	}

	puppet.log.Debugfln("Trying to relogin after '%v' while %s", cause, action)

	accessToken, err := puppet.loginWithSharedSecret(puppet.CustomMXID)
	if err != nil {
		puppet.log.Errorfln("Failed to relogin after '%v' while %s: %v", cause, action, err)

		return false
	}

	puppet.log.Infofln("Successfully relogined after '%v' while %s", cause, action)
	puppet.AccessToken = accessToken

	return true
}

func (puppet *Puppet) startSyncing() {
	if !puppet.bridge.Config.Bridge.SyncWithCustomPuppets {
		return
	}

	go func() {
		puppet.log.Debugln("Starting syncing...")
		puppet.customIntent.SyncPresence = "offline"

		err := puppet.customIntent.Sync()
		if err != nil {
			puppet.log.Errorln("Fatal error syncing:", err)
		}
	}()
}

func (puppet *Puppet) stopSyncing() {
	if !puppet.bridge.Config.Bridge.SyncWithCustomPuppets {
		return
	}

	puppet.customIntent.StopSync()
}

func (puppet *Puppet) loginWithSharedSecret(mxid id.UserID) (string, error) {
	_, homeserver, _ := mxid.Parse()

	puppet.log.Debugfln("Logging into %s with shared secret", mxid)

	loginSecret := puppet.bridge.Config.Bridge.LoginSharedSecretMap[homeserver]

	client, err := puppet.bridge.newDoublePuppetClient(mxid, "")
	if err != nil {
		return "", fmt.Errorf("failed to create mautrix client to log in: %v", err)
	}

	req := mautrix.ReqLogin{
		Identifier:               mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: string(mxid)},
		DeviceID:                 id.DeviceID(fmt.Sprintf("LinkedIn Bridge %s", puppet.MemberURN)),
		InitialDeviceDisplayName: "LinkedIn Bridge",
	}
	if loginSecret == "appservice" {
		client.AccessToken = puppet.bridge.AS.Registration.AppToken
		req.Type = mautrix.AuthTypeAppservice
	} else {
		mac := hmac.New(sha512.New, []byte(loginSecret))
		mac.Write([]byte(mxid))
		req.Password = hex.EncodeToString(mac.Sum(nil))
		req.Type = mautrix.AuthTypePassword
	}
	resp, err := client.Login(&req)
	if err != nil {
		return "", err
	}

	return resp.AccessToken, nil
}

// SwitchCustomMXID attaches or detaches a real Matrix user as this ghost's
// double puppet (spec §4.4 switch_mxid). Passing an empty mxid detaches.
func (puppet *Puppet) SwitchCustomMXID(accessToken string, mxid id.UserID) error {
	prevCustomMXID := puppet.CustomMXID
	if puppet.customIntent != nil {
		puppet.stopSyncing()
	}

	puppet.CustomMXID = mxid
	puppet.AccessToken = accessToken

	err := puppet.StartCustomMXID(false)
	if err != nil {
		return err
	}

	if prevCustomMXID != "" {
		puppet.bridge.puppetsLock.Lock()
		delete(puppet.bridge.puppetsByCustomMXID, prevCustomMXID)
		puppet.bridge.puppetsLock.Unlock()
	}

	if puppet.CustomMXID != "" {
		puppet.bridge.puppetsLock.Lock()
		puppet.bridge.puppetsByCustomMXID[puppet.CustomMXID] = puppet
		puppet.bridge.puppetsLock.Unlock()
	}

	puppet.bridge.AS.StateStore.MarkRegistered(puppet.CustomMXID)

	puppet.Update()

	return nil
}
