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

// HTTPHeader stores one persisted non-cookie request header (e.g. csrf-token,
// x-li-track) that liapi needs to replay calls after a restart (spec §3).
type HTTPHeader struct {
	db  *Database
	log log.Logger

	UserMXID id.UserID
	Name     string
	Value    string
}

func (h *HTTPHeader) Scan(row dbutil.Scannable) *HTTPHeader {
	err := row.Scan(&h.UserMXID, &h.Name, &h.Value)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			h.log.Errorln("Database scan failed:", err)
		}
		return nil
	}
	return h
}

func (h *HTTPHeader) Upsert() {
	const query = `
		INSERT INTO http_header (user_mxid, name, value) VALUES ($1, $2, $3)
		ON CONFLICT (user_mxid, name) DO UPDATE SET value=excluded.value`
	_, err := h.db.Exec(query, h.UserMXID, h.Name, h.Value)
	if err != nil {
		h.log.Warnfln("Failed to upsert header %s for %s: %v", h.Name, h.UserMXID, err)
	}
}

func (h *HTTPHeader) Delete() {
	const query = `DELETE FROM http_header WHERE user_mxid=$1 AND name=$2`
	_, err := h.db.Exec(query, h.UserMXID, h.Name)
	if err != nil {
		h.log.Warnfln("Failed to delete header %s for %s: %v", h.Name, h.UserMXID, err)
	}
}

// DeleteAllForUser clears stored headers on logout (spec §4.5).
func (hq *HTTPHeaderQuery) DeleteAllForUser(userMXID id.UserID) {
	const query = `DELETE FROM http_header WHERE user_mxid=$1`
	_, err := hq.db.Exec(query, userMXID)
	if err != nil {
		hq.log.Warnfln("Failed to delete headers for %s: %v", userMXID, err)
	}
}
