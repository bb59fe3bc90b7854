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

const portalSelect = `
	SELECT thread_urn, receiver, mxid, is_group_chat, other_user_urn,
	       plain_name, name, name_set, topic, topic_set,
	       avatar, avatar_url, avatar_set, first_event_id, encrypted
	FROM portal`

type PortalQuery struct {
	db  *Database
	log log.Logger
}

func (pq *PortalQuery) New() *Portal {
	return &Portal{db: pq.db, log: pq.log}
}

func (pq *PortalQuery) GetAll() []*Portal {
	return pq.getAll(portalSelect)
}

func (pq *PortalQuery) GetByKey(key PortalKey) *Portal {
	return pq.get(portalSelect+" WHERE thread_urn=$1 AND receiver=$2", key.ThreadURN, key.Receiver)
}

func (pq *PortalQuery) GetByMXID(mxid id.RoomID) *Portal {
	return pq.get(portalSelect+" WHERE mxid=$1", mxid)
}

func (pq *PortalQuery) GetAllByReceiver(receiver linkedinid.URN) []*Portal {
	return pq.getAll(portalSelect+" WHERE receiver=$1", receiver)
}

func (pq *PortalQuery) GetAllWithMXID() []*Portal {
	return pq.getAll(portalSelect + " WHERE mxid IS NOT NULL")
}

// GetAllByOtherUser finds every DM portal with otherURN as the counterpart,
// across all receivers (spec §4.4: double-puppet avatar/name propagation
// needs every DM portal a ghost appears in, not just one receiver's).
func (pq *PortalQuery) GetAllByOtherUser(otherURN linkedinid.URN) []*Portal {
	return pq.getAll(portalSelect+" WHERE is_group_chat=false AND other_user_urn=$1", otherURN)
}

func (pq *PortalQuery) getAll(query string, args ...interface{}) []*Portal {
	rows, err := pq.db.Query(query, args...)
	if err != nil || rows == nil {
		return nil
	}
	defer rows.Close()

	portals := []*Portal{}
	for rows.Next() {
		portals = append(portals, pq.New().Scan(rows))
	}
	return portals
}

func (pq *PortalQuery) get(query string, args ...interface{}) *Portal {
	row := pq.db.QueryRow(query, args...)
	if row == nil {
		return nil
	}
	return pq.New().Scan(row)
}
