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

package config

import (
	"maunium.net/go/mautrix/bridge/bridgeconfig"
	"maunium.net/go/mautrix/id"
)

// Config is the root configuration document: the shared bridge scaffolding
// plus LinkedIn-specific bridge settings.
type Config struct {
	*bridgeconfig.BaseConfig `yaml:",inline"`

	Bridge BridgeConfig `yaml:"bridge"`
}

// CanAutoDoublePuppet reports whether a shared secret is configured for the
// given Matrix user's homeserver (spec §4.4 switch_mxid "auto" mode).
func (config *Config) CanAutoDoublePuppet(userID id.UserID) bool {
	_, homeserver, err := userID.Parse()
	if err != nil {
		return false
	}
	_, ok := config.Bridge.LoginSharedSecretMap[homeserver]
	return ok
}
