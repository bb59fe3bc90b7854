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
)

type CookieQuery struct {
	db  *Database
	log log.Logger
}

const cookieSelect = `SELECT user_mxid, name, value FROM cookie`

func (cq *CookieQuery) New() *Cookie {
	return &Cookie{db: cq.db, log: cq.log}
}

func (cq *CookieQuery) Get(userMXID id.UserID, name string) *Cookie {
	return cq.get(cookieSelect+" WHERE user_mxid=$1 AND name=$2", userMXID, name)
}

// GetAllForUser loads the full cookie jar for a user (spec §4.5 session bootstrap).
func (cq *CookieQuery) GetAllForUser(userMXID id.UserID) []*Cookie {
	return cq.getAll(cookieSelect+" WHERE user_mxid=$1", userMXID)
}

func (cq *CookieQuery) getAll(query string, args ...interface{}) []*Cookie {
	rows, err := cq.db.Query(query, args...)
	if err != nil || rows == nil {
		return nil
	}
	defer rows.Close()

	cookies := []*Cookie{}
	for rows.Next() {
		cookies = append(cookies, cq.New().Scan(rows))
	}
	return cookies
}

func (cq *CookieQuery) get(query string, args ...interface{}) *Cookie {
	row := cq.db.QueryRow(query, args...)
	if row == nil {
		return nil
	}
	return cq.New().Scan(row)
}
