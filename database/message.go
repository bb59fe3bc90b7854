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
	"time"

	log "maunium.net/go/maulogger/v2"

	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/util/dbutil"

	"go.mau.fi/mautrix-linkedin/linkedinid"
)

// Message is one row of the (possibly one-to-many) mapping from a LinkedIn
// message URN to the Matrix events it produced (spec §3: "index").
type Message struct {
	db  *Database
	log log.Logger

	MXID   id.EventID
	RoomID id.RoomID

	MessageURN linkedinid.URN
	ThreadURN  linkedinid.URN
	SenderURN  linkedinid.URN
	Receiver   linkedinid.URN
	Index      int

	Timestamp time.Time
}

func (m *Message) Scan(row dbutil.Scannable) *Message {
	var ts int64
	err := row.Scan(&m.MXID, &m.RoomID, &m.MessageURN, &m.ThreadURN, &m.SenderURN, &m.Receiver, &m.Index, &ts)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			m.log.Errorln("Database scan failed:", err)
		}
		return nil
	}
	if ts != 0 {
		m.Timestamp = time.UnixMilli(ts)
	}
	return m
}

func (m *Message) Insert() {
	const query = `
		INSERT INTO message (mxid, room_id, message_urn, thread_urn, sender_urn, receiver, msg_index, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := m.db.Exec(query, m.MXID, m.RoomID, m.MessageURN, m.ThreadURN, m.SenderURN, m.Receiver, m.Index, m.Timestamp.UnixMilli())
	if err != nil {
		m.log.Warnfln("Failed to insert message %s#%d: %v", m.MessageURN, m.Index, err)
	}
}

func (m *Message) UpdateMXID(mxid id.EventID, roomID id.RoomID) {
	const query = `UPDATE message SET mxid=$1, room_id=$2 WHERE message_urn=$3 AND receiver=$4 AND msg_index=$5`
	m.MXID, m.RoomID = mxid, roomID
	_, err := m.db.Exec(query, mxid, roomID, m.MessageURN, m.Receiver, m.Index)
	if err != nil {
		m.log.Warnfln("Failed to update mxid for %s#%d: %v", m.MessageURN, m.Index, err)
	}
}

func (m *Message) Delete() {
	const query = `DELETE FROM message WHERE message_urn=$1 AND receiver=$2 AND msg_index=$3`
	_, err := m.db.Exec(query, m.MessageURN, m.Receiver, m.Index)
	if err != nil {
		m.log.Warnfln("Failed to delete message %s#%d: %v", m.MessageURN, m.Index, err)
	}
}

// DeleteAllForThread cascades a portal deletion (spec §3 invariant 5).
func (mq *MessageQuery) DeleteAllForThread(threadURN, receiver linkedinid.URN) {
	const query = `DELETE FROM message WHERE thread_urn=$1 AND receiver=$2`
	_, err := mq.db.Exec(query, threadURN, receiver)
	if err != nil {
		mq.log.Warnfln("Failed to delete messages for %s/%s: %v", threadURN, receiver, err)
	}
}

// DeleteAllForMessage cascades a LinkedIn recall across every index.
func (mq *MessageQuery) DeleteAllForMessage(messageURN, receiver linkedinid.URN) {
	const query = `DELETE FROM message WHERE message_urn=$1 AND receiver=$2`
	_, err := mq.db.Exec(query, messageURN, receiver)
	if err != nil {
		mq.log.Warnfln("Failed to delete message rows for %s: %v", messageURN, err)
	}
}
