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

package database

import "go.mau.fi/mautrix-linkedin/linkedinid"

// PortalKey is the composite identity of a Portal: the LinkedIn conversation
// URN plus the receiving member URN. An unassigned portal (no owning user
// yet) carries an empty Receiver.
type PortalKey struct {
	ThreadURN linkedinid.URN
	Receiver  linkedinid.URN
}

func NewPortalKey(threadURN, receiver linkedinid.URN) PortalKey {
	return PortalKey{ThreadURN: threadURN, Receiver: receiver}
}

func (key PortalKey) String() string {
	if key.Receiver == "" {
		return key.ThreadURN.String()
	}
	return key.ThreadURN.String() + "-" + key.Receiver.String()
}
