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
)

// Cookie stores one named cookie value from a user's LinkedIn session jar,
// keyed by Matrix user ID + cookie name (spec §3: li_at, JSESSIONID, etc).
type Cookie struct {
	db  *Database
	log log.Logger

	UserMXID id.UserID
	Name     string
	Value    string
}

func (c *Cookie) Scan(row dbutil.Scannable) *Cookie {
	err := row.Scan(&c.UserMXID, &c.Name, &c.Value)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.log.Errorln("Database scan failed:", err)
		}
		return nil
	}
	return c
}

func (c *Cookie) Upsert() {
	const query = `
		INSERT INTO cookie (user_mxid, name, value) VALUES ($1, $2, $3)
		ON CONFLICT (user_mxid, name) DO UPDATE SET value=excluded.value`
	_, err := c.db.Exec(query, c.UserMXID, c.Name, c.Value)
	if err != nil {
		c.log.Warnfln("Failed to upsert cookie %s for %s: %v", c.Name, c.UserMXID, err)
	}
}

func (c *Cookie) Delete() {
	const query = `DELETE FROM cookie WHERE user_mxid=$1 AND name=$2`
	_, err := c.db.Exec(query, c.UserMXID, c.Name)
	if err != nil {
		c.log.Warnfln("Failed to delete cookie %s for %s: %v", c.Name, c.UserMXID, err)
	}
}

// DeleteAllForUser clears the jar on logout (spec §4.5).
func (cq *CookieQuery) DeleteAllForUser(userMXID id.UserID) {
	const query = `DELETE FROM cookie WHERE user_mxid=$1`
	_, err := cq.db.Exec(query, userMXID)
	if err != nil {
		cq.log.Warnfln("Failed to delete cookies for %s: %v", userMXID, err)
	}
}
