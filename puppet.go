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
	"fmt"
	"regexp"
	"strings"
	"sync"

	log "maunium.net/go/maulogger/v2"

	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/bridge"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-linkedin/database"
	"go.mau.fi/mautrix-linkedin/liapi"
	"go.mau.fi/mautrix-linkedin/linkedinid"
)

// Puppet is the Puppet Registry's (C4) per-member ghost.
type Puppet struct {
	*database.Puppet

	bridge *LinkedInBridge
	log    log.Logger

	MXID id.UserID

	customIntent *appservice.IntentAPI
	customUser   *User

	syncLock sync.Mutex
}

var _ bridge.Ghost = (*Puppet)(nil)

func (puppet *Puppet) GetMXID() id.UserID {
	return puppet.MXID
}

var userIDRegex *regexp.Regexp

func (br *LinkedInBridge) NewPuppet(dbPuppet *database.Puppet) *Puppet {
	return &Puppet{
		Puppet: dbPuppet,
		bridge: br,
		log:    br.Log.Sub(fmt.Sprintf("Puppet/%s", dbPuppet.MemberURN)),

		MXID: br.FormatPuppetMXID(dbPuppet.MemberURN),
	}
}

// ParsePuppetMXID extracts the LinkedIn member URN tail from a ghost's
// Matrix user id (spec §4.4 "parse URN from the templated localpart").
func (br *LinkedInBridge) ParsePuppetMXID(mxid id.UserID) (linkedinid.URN, bool) {
	if userIDRegex == nil {
		pattern := fmt.Sprintf(
			"^@%s:%s$",
			br.Config.Bridge.FormatUsername("([A-Za-z0-9_-]+)"),
			br.Config.Homeserver.Domain,
		)

		userIDRegex = regexp.MustCompile(pattern)
	}

	match := userIDRegex.FindStringSubmatch(string(mxid))
	if len(match) == 2 {
		return linkedinid.WithPrefix("fs_miniProfile", match[1]), true
	}

	return "", false
}

func (br *LinkedInBridge) GetPuppetByMXID(mxid id.UserID) *Puppet {
	urn, ok := br.ParsePuppetMXID(mxid)
	if !ok {
		return nil
	}

	return br.GetPuppetByMemberURN(urn)
}

func (br *LinkedInBridge) GetPuppetByMemberURN(urn linkedinid.URN) *Puppet {
	br.puppetsLock.Lock()
	defer br.puppetsLock.Unlock()

	puppet, ok := br.puppets[urn]
	if !ok {
		dbPuppet := br.DB.Puppet.Get(urn)
		if dbPuppet == nil {
			dbPuppet = br.DB.Puppet.New()
			dbPuppet.MemberURN = urn
			dbPuppet.Insert()
		}

		puppet = br.NewPuppet(dbPuppet)
		br.puppets[puppet.MemberURN] = puppet
	}

	return puppet
}

func (br *LinkedInBridge) GetPuppetByCustomMXID(mxid id.UserID) *Puppet {
	br.puppetsLock.Lock()
	defer br.puppetsLock.Unlock()

	puppet, ok := br.puppetsByCustomMXID[mxid]
	if !ok {
		dbPuppet := br.DB.Puppet.GetByCustomMXID(mxid)
		if dbPuppet == nil {
			return nil
		}

		puppet = br.NewPuppet(dbPuppet)
		br.puppets[puppet.MemberURN] = puppet
		br.puppetsByCustomMXID[puppet.CustomMXID] = puppet
	}

	return puppet
}

func (br *LinkedInBridge) GetAllPuppetsWithCustomMXID() []*Puppet {
	return br.dbPuppetsToPuppets(br.DB.Puppet.GetAllWithCustomMXID())
}

func (br *LinkedInBridge) GetAllPuppets() []*Puppet {
	return br.dbPuppetsToPuppets(br.DB.Puppet.GetAll())
}

func (br *LinkedInBridge) dbPuppetsToPuppets(dbPuppets []*database.Puppet) []*Puppet {
	br.puppetsLock.Lock()
	defer br.puppetsLock.Unlock()

	output := make([]*Puppet, len(dbPuppets))
	for index, dbPuppet := range dbPuppets {
		if dbPuppet == nil {
			continue
		}

		puppet, ok := br.puppets[dbPuppet.MemberURN]
		if !ok {
			puppet = br.NewPuppet(dbPuppet)
			br.puppets[puppet.MemberURN] = puppet

			if dbPuppet.CustomMXID != "" {
				br.puppetsByCustomMXID[dbPuppet.CustomMXID] = puppet
			}
		}

		output[index] = puppet
	}

	return output
}

// FormatPuppetMXID builds a ghost's Matrix user id from a member URN's tail
// (spec §4.4 "homeserver-scoped template").
func (br *LinkedInBridge) FormatPuppetMXID(urn linkedinid.URN) id.UserID {
	return id.NewUserID(
		br.Config.Bridge.FormatUsername(strings.ToLower(urn.Tail())),
		br.Config.Homeserver.Domain,
	)
}

func (puppet *Puppet) DefaultIntent() *appservice.IntentAPI {
	return puppet.bridge.AS.Intent(puppet.MXID)
}

func (puppet *Puppet) IntentFor(portal *Portal) *appservice.IntentAPI {
	if puppet.customIntent == nil || portal.Key.Receiver.Equals(puppet.MemberURN) {
		return puppet.DefaultIntent()
	}

	return puppet.customIntent
}

func (puppet *Puppet) CustomIntent() *appservice.IntentAPI {
	return puppet.customIntent
}

func (puppet *Puppet) updatePortalMeta(meta func(portal *Portal)) {
	for _, portal := range puppet.bridge.GetDMPortalsWith(puppet.MemberURN) {
		portal.roomCreateLock.Lock()
		meta(portal)
		portal.roomCreateLock.Unlock()
	}
}

// photoIDRegex extracts the content-addressed segment from a LinkedIn
// picture artifact path (spec §4.4 "avatar URLs carry a content-addressed
// segment from which the id is extracted by regex").
var photoIDRegex = regexp.MustCompile(`/image/(v2/[A-Za-z0-9_-]+|[0-9A-Fa-f]+)/`)

func extractPhotoID(url string) string {
	match := photoIDRegex.FindStringSubmatch(url)
	if len(match) == 2 {
		return match[1]
	}
	return url
}

func bestAvatarURL(info *liapi.PictureInfo) string {
	if info == nil || len(info.Artifacts) == 0 {
		return ""
	}
	best := info.Artifacts[0]
	for _, artifact := range info.Artifacts[1:] {
		if artifact.Width > best.Width {
			best = artifact
		}
	}
	return info.RootURL + best.PathSegment
}

// UpdateInfo refreshes displayname and avatar from a member profile (spec
// §4.4 update_info). Avatar download failure only sets avatar_set=false; it
// does not block the displayname update.
func (puppet *Puppet) UpdateInfo(source *User, profile *liapi.MiniProfile) {
	puppet.syncLock.Lock()
	defer puppet.syncLock.Unlock()

	changed := puppet.updateName(profile)
	changed = puppet.updateAvatar(source, profile) || changed

	if changed {
		puppet.Update()
	}
}

func (puppet *Puppet) updateName(profile *liapi.MiniProfile) bool {
	newName := puppet.bridge.Config.Bridge.FormatDisplayname(profile)
	if puppet.Name == newName && puppet.NameSet {
		return false
	}
	puppet.Name = newName
	err := puppet.DefaultIntent().SetDisplayName(newName)
	if err != nil {
		puppet.log.Warnln("Failed to update displayname:", err)
		puppet.NameSet = false
		return true
	}
	puppet.NameSet = true
	go puppet.updatePortalMeta(func(portal *Portal) {
		if portal.UpdateNameDirect(puppet.Name) {
			portal.Update()
			portal.UpdateBridgeInfo()
		}
	})
	return true
}

func (puppet *Puppet) updateAvatar(source *User, profile *liapi.MiniProfile) bool {
	avatarURL := bestAvatarURL(profile.PictureInfo)
	photoID := extractPhotoID(avatarURL)
	if puppet.Avatar == photoID && puppet.AvatarSet {
		return false
	}
	puppet.Avatar = photoID
	puppet.AvatarSet = false
	if photoID == "" {
		puppet.AvatarURL = id.ContentURI{}
		return true
	}

	url, err := uploadAvatar(puppet.DefaultIntent(), avatarURL, source)
	if err != nil {
		puppet.log.Warnfln("Failed to reupload avatar %s: %v", photoID, err)
		return true
	}
	puppet.AvatarURL = url

	err = puppet.DefaultIntent().SetAvatarURL(puppet.AvatarURL)
	if err != nil {
		puppet.log.Warnln("Failed to update avatar:", err)
		return true
	}
	puppet.AvatarSet = true
	go puppet.updatePortalMeta(func(portal *Portal) {
		if portal.UpdateAvatarFromPuppet(puppet) {
			portal.Update()
			portal.UpdateBridgeInfo()
		}
	})
	return true
}
