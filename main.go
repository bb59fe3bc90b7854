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
	_ "embed"
	"sync"

	"maunium.net/go/mautrix/bridge"
	"maunium.net/go/mautrix/bridge/commands"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/util/configupgrade"

	"go.mau.fi/mautrix-linkedin/config"
	"go.mau.fi/mautrix-linkedin/database"
	"go.mau.fi/mautrix-linkedin/linkedinid"
)

// Information to find out exactly which commit the bridge was built from.
// These are filled at build time with the -X linker flag.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

//go:embed example-config.yaml
var ExampleConfig string

// LinkedInBridge is the Bridge Supervisor (C8): process-wide registries for
// every other component plus the appservice lifecycle.
type LinkedInBridge struct {
	bridge.Bridge

	Config *config.Config
	DB     *database.Database

	provisioning *ProvisioningAPI

	MatrixHTMLParser *format.HTMLParser

	// shuttingDown stops realtime listener tasks from restarting once Stop
	// has begun (spec §4.8).
	shuttingDown bool

	usersByMXID      map[id.UserID]*User
	usersByMemberURN map[linkedinid.URN]*User
	usersLock        sync.Mutex

	managementRooms     map[id.RoomID]*User
	managementRoomsLock sync.Mutex

	portalsByMXID map[id.RoomID]*Portal
	portalsByKey  map[database.PortalKey]*Portal
	portalsLock   sync.Mutex

	puppets             map[linkedinid.URN]*Puppet
	puppetsByCustomMXID map[id.UserID]*Puppet
	puppetsLock         sync.Mutex
}

func (br *LinkedInBridge) GetExampleConfig() string {
	return ExampleConfig
}

func (br *LinkedInBridge) GetConfigPtr() interface{} {
	br.Config = &config.Config{
		BaseConfig: &br.Bridge.Config,
	}
	br.Config.BaseConfig.Bridge = &br.Config.Bridge
	return br.Config
}

func (br *LinkedInBridge) Init() {
	br.CommandProcessor = commands.NewProcessor(&br.Bridge)
	br.RegisterCommands()

	br.DB = database.New(br.Bridge.DB, br.Log.Sub("Database"))

	br.MatrixHTMLParser = NewParser(br)
}

func (br *LinkedInBridge) Start() {
	if br.Config.Bridge.Provisioning.SharedSecret != "disable" {
		br.provisioning = newProvisioningAPI(br)
	}

	br.WaitWebsocketConnected()

	// C4: load double puppets and start their sync tasks.
	for _, puppet := range br.GetAllPuppetsWithCustomMXID() {
		go func(puppet *Puppet) {
			err := puppet.StartCustomMXID(true)
			if err != nil {
				puppet.log.Errorln("Failed to start custom puppet:", err)
			}
		}(puppet)
	}

	// C5: load every previously-logged-in user and start their sessions
	// concurrently (spec §4.8).
	go br.startUsers()
}

func (br *LinkedInBridge) startUsers() {
	users := br.GetAllLoggedInUsers()
	br.Log.Infofln("Starting %d users", len(users))
	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(user *User) {
			defer wg.Done()
			user.Connect()
		}(user)
	}
	wg.Wait()
	br.Log.Infoln("Finished starting all users")
}

func (br *LinkedInBridge) Stop() {
	br.shuttingDown = true
	for _, user := range br.usersByMXID {
		if user.client != nil {
			br.Log.Debugln("Disconnecting", user.MXID)
			user.Disconnect()
		}
	}
}

func (br *LinkedInBridge) GetIPortal(mxid id.RoomID) bridge.Portal {
	p := br.GetPortalByMXID(mxid)
	if p == nil {
		return nil
	}
	return p
}

func (br *LinkedInBridge) GetIUser(mxid id.UserID, create bool) bridge.User {
	p := br.GetUserByMXID(mxid)
	if p == nil {
		return nil
	}
	return p
}

func (br *LinkedInBridge) IsGhost(mxid id.UserID) bool {
	_, ok := br.ParsePuppetMXID(mxid)
	return ok
}

func (br *LinkedInBridge) GetIGhost(mxid id.UserID) bridge.Ghost {
	p := br.GetPuppetByMXID(mxid)
	if p == nil {
		return nil
	}
	return p
}

func (br *LinkedInBridge) CreatePrivatePortal(roomID id.RoomID, user bridge.User, ghost bridge.Ghost) {
	// Initiating a new DM from the Matrix side isn't supported; LinkedIn
	// conversations are always created from the LinkedIn side first.
}

// GetMXIDForMemberURN resolves a LinkedIn member URN to the Matrix user id
// of its ghost, used by the formatter to render mentions (spec §4.3).
func (br *LinkedInBridge) GetMXIDForMemberURN(urn linkedinid.URN) id.UserID {
	if urn.IsEmpty() {
		return ""
	}
	return br.FormatPuppetMXID(urn)
}

// GetMemberURNForMXID is the inverse of GetMXIDForMemberURN, used when
// parsing Matrix pills back into LinkedIn mention attributes (spec §4.3).
func (br *LinkedInBridge) GetMemberURNForMXID(mxid id.UserID) linkedinid.URN {
	urn, ok := br.ParsePuppetMXID(mxid)
	if !ok {
		return ""
	}
	return urn
}

func main() {
	br := &LinkedInBridge{
		usersByMXID:      make(map[id.UserID]*User),
		usersByMemberURN: make(map[linkedinid.URN]*User),

		managementRooms: make(map[id.RoomID]*User),

		portalsByMXID: make(map[id.RoomID]*Portal),
		portalsByKey:  make(map[database.PortalKey]*Portal),

		puppets:             make(map[linkedinid.URN]*Puppet),
		puppetsByCustomMXID: make(map[id.UserID]*Puppet),
	}
	br.Bridge = bridge.Bridge{
		Name:              "mautrix-linkedin",
		URL:               "https://github.com/mautrix/linkedin",
		Description:       "A Matrix-LinkedIn puppeting bridge.",
		Version:           "0.1.0",
		ProtocolName:      "LinkedIn",
		BeeperServiceName: "linkedin",
		BeeperNetworkName: "linkedin",

		CryptoPickleKey: "maunium.net/go/mautrix-linkedin",

		ConfigUpgrader: &configupgrade.StructUpgrader{
			SimpleUpgrader: configupgrade.SimpleUpgrader(config.DoUpgrade),
			Blocks:         config.SpacedBlocks,
			Base:           ExampleConfig,
		},

		Child: br,
	}
	br.InitVersion(Tag, Commit, BuildTime)

	br.Main()
}
