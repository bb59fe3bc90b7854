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

type HTTPHeaderQuery struct {
	db  *Database
	log log.Logger
}

const httpHeaderSelect = `SELECT user_mxid, name, value FROM http_header`

func (hq *HTTPHeaderQuery) New() *HTTPHeader {
	return &HTTPHeader{db: hq.db, log: hq.log}
}

func (hq *HTTPHeaderQuery) Get(userMXID id.UserID, name string) *HTTPHeader {
	return hq.get(httpHeaderSelect+" WHERE user_mxid=$1 AND name=$2", userMXID, name)
}

func (hq *HTTPHeaderQuery) GetAllForUser(userMXID id.UserID) []*HTTPHeader {
	return hq.getAll(httpHeaderSelect+" WHERE user_mxid=$1", userMXID)
}

func (hq *HTTPHeaderQuery) getAll(query string, args ...interface{}) []*HTTPHeader {
	rows, err := hq.db.Query(query, args...)
	if err != nil || rows == nil {
		return nil
	}
	defer rows.Close()

	headers := []*HTTPHeader{}
	for rows.Next() {
		headers = append(headers, hq.New().Scan(rows))
	}
	return headers
}

func (hq *HTTPHeaderQuery) get(query string, args ...interface{}) *HTTPHeader {
	row := hq.db.QueryRow(query, args...)
	if row == nil {
		return nil
	}
	return hq.New().Scan(row)
}
