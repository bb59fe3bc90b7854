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

// Reaction is unique per (message URN, sender URN, emoji) (spec §3 invariant 4).
type Reaction struct {
	db  *Database
	log log.Logger

	MXID   id.EventID
	RoomID id.RoomID

	MessageURN linkedinid.URN
	Receiver   linkedinid.URN
	SenderURN  linkedinid.URN
	Emoji      string
}

func (r *Reaction) Scan(row dbutil.Scannable) *Reaction {
	err := row.Scan(&r.MXID, &r.RoomID, &r.MessageURN, &r.Receiver, &r.SenderURN, &r.Emoji)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			r.log.Errorln("Database scan failed:", err)
		}
		return nil
	}
	return r
}

func (r *Reaction) Insert() {
	const query = `
		INSERT INTO reaction (mxid, room_id, message_urn, receiver, sender_urn, emoji)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Exec(query, r.MXID, r.RoomID, r.MessageURN, r.Receiver, r.SenderURN, r.Emoji)
	if err != nil {
		r.log.Warnfln("Failed to insert reaction for %s by %s: %v", r.MessageURN, r.SenderURN, err)
	}
}

func (r *Reaction) Delete() {
	const query = `DELETE FROM reaction WHERE message_urn=$1 AND receiver=$2 AND sender_urn=$3 AND emoji=$4`
	_, err := r.db.Exec(query, r.MessageURN, r.Receiver, r.SenderURN, r.Emoji)
	if err != nil {
		r.log.Warnfln("Failed to delete reaction for %s by %s: %v", r.MessageURN, r.SenderURN, err)
	}
}

// DeleteAllForMessage cascades a LinkedIn recall (spec §3 invariant 5).
func (rq *ReactionQuery) DeleteAllForMessage(messageURN, receiver linkedinid.URN) {
	const query = `DELETE FROM reaction WHERE message_urn=$1 AND receiver=$2`
	_, err := rq.db.Exec(query, messageURN, receiver)
	if err != nil {
		rq.log.Warnfln("Failed to delete reactions for %s: %v", messageURN, err)
	}
}
