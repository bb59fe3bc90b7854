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

import (
	"database/sql"
	"errors"

	log "maunium.net/go/maulogger/v2"

	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/util/dbutil"

	"go.mau.fi/mautrix-linkedin/linkedinid"
)

// User is one Matrix user who has interacted with the bridge (spec §3/§4.5).
// The LinkedIn member URN is nullable until login succeeds.
type User struct {
	db  *Database
	log log.Logger

	MXID           id.UserID
	MemberURN      linkedinid.URN
	ManagementRoom id.RoomID
	SpaceRoom      id.RoomID
}

func (u *User) Scan(row dbutil.Scannable) *User {
	var memberURN, managementRoom, spaceRoom sql.NullString
	err := row.Scan(&u.MXID, &memberURN, &managementRoom, &spaceRoom)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			u.log.Errorln("Database scan failed:", err)
		}
		return nil
	}
	u.MemberURN = linkedinid.URN(memberURN.String)
	u.ManagementRoom = id.RoomID(managementRoom.String)
	u.SpaceRoom = id.RoomID(spaceRoom.String)
	return u
}

func (u *User) Insert() {
	const query = `INSERT INTO "user" (mxid, member_urn, management_room, space_room) VALUES ($1, $2, $3, $4)`
	_, err := u.db.Exec(query, u.MXID, strPtr(u.MemberURN.String()), u.ManagementRoom, u.SpaceRoom)
	if err != nil {
		u.log.Warnfln("Failed to insert %s: %v", u.MXID, err)
	}
}

func (u *User) Update() {
	const query = `UPDATE "user" SET member_urn=$1, management_room=$2, space_room=$3 WHERE mxid=$4`
	_, err := u.db.Exec(query, strPtr(u.MemberURN.String()), u.ManagementRoom, u.SpaceRoom, u.MXID)
	if err != nil {
		u.log.Warnfln("Failed to update %s: %v", u.MXID, err)
	}
}
