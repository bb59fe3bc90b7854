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
	log "maunium.net/go/maulogger/v2"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-linkedin/linkedinid"
)

type UserQuery struct {
	db  *Database
	log log.Logger
}

const userSelect = `SELECT mxid, member_urn, management_room, space_room FROM "user"`

func (uq *UserQuery) New() *User {
	return &User{db: uq.db, log: uq.log}
}

func (uq *UserQuery) GetByMXID(userID id.UserID) *User {
	return uq.get(userSelect+` WHERE mxid=$1`, userID)
}

func (uq *UserQuery) GetByMemberURN(memberURN linkedinid.URN) *User {
	return uq.get(userSelect+` WHERE member_urn=$1`, memberURN)
}

func (uq *UserQuery) GetAll() []*User {
	return uq.getAll(userSelect)
}

// GetAllLoggedIn returns users with a known member URN, used at startup to
// resume realtime listeners (spec §4.8).
func (uq *UserQuery) GetAllLoggedIn() []*User {
	return uq.getAll(userSelect + ` WHERE member_urn IS NOT NULL`)
}

func (uq *UserQuery) getAll(query string, args ...interface{}) []*User {
	rows, err := uq.db.Query(query, args...)
	if err != nil || rows == nil {
		return nil
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		users = append(users, uq.New().Scan(rows))
	}
	return users
}

func (uq *UserQuery) get(query string, args ...interface{}) *User {
	row := uq.db.QueryRow(query, args...)
	if row == nil {
		return nil
	}
	return uq.New().Scan(row)
}
