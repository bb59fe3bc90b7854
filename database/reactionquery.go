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

type ReactionQuery struct {
	db  *Database
	log log.Logger
}

const reactionSelect = `SELECT mxid, room_id, message_urn, receiver, sender_urn, emoji FROM reaction`

func (rq *ReactionQuery) New() *Reaction {
	return &Reaction{db: rq.db, log: rq.log}
}

func (rq *ReactionQuery) GetAllByMessage(messageURN, receiver linkedinid.URN) []*Reaction {
	return rq.getAll(reactionSelect+" WHERE message_urn=$1 AND receiver=$2", messageURN, receiver)
}

func (rq *ReactionQuery) GetByMXID(mxid id.EventID, roomID id.RoomID) *Reaction {
	return rq.get(reactionSelect+" WHERE mxid=$1 AND room_id=$2", mxid, roomID)
}

func (rq *ReactionQuery) GetBySender(messageURN, receiver, senderURN linkedinid.URN, emoji string) *Reaction {
	return rq.get(reactionSelect+" WHERE message_urn=$1 AND receiver=$2 AND sender_urn=$3 AND emoji=$4",
		messageURN, receiver, senderURN, emoji)
}

func (rq *ReactionQuery) getAll(query string, args ...interface{}) []*Reaction {
	rows, err := rq.db.Query(query, args...)
	if err != nil || rows == nil {
		return nil
	}
	defer rows.Close()

	reactions := []*Reaction{}
	for rows.Next() {
		reactions = append(reactions, rq.New().Scan(rows))
	}
	return reactions
}

func (rq *ReactionQuery) get(query string, args ...interface{}) *Reaction {
	row := rq.db.QueryRow(query, args...)
	if row == nil {
		return nil
	}
	return rq.New().Scan(row)
}
