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

type MessageQuery struct {
	db  *Database
	log log.Logger
}

const messageSelect = `
	SELECT mxid, room_id, message_urn, thread_urn, sender_urn, receiver, msg_index, timestamp
	FROM message`

func (mq *MessageQuery) New() *Message {
	return &Message{db: mq.db, log: mq.log}
}

func (mq *MessageQuery) GetAllByThread(threadURN, receiver linkedinid.URN) []*Message {
	return mq.getAll(messageSelect+" WHERE thread_urn=$1 AND receiver=$2 ORDER BY msg_index ASC", threadURN, receiver)
}

// GetByURN returns every Matrix event part (index 0..N) bridged for a single
// LinkedIn message, ordered for recall/redaction fan-out.
func (mq *MessageQuery) GetByURN(messageURN, receiver linkedinid.URN) []*Message {
	return mq.getAll(messageSelect+" WHERE message_urn=$1 AND receiver=$2 ORDER BY msg_index ASC", messageURN, receiver)
}

// GetByURNIndex returns a specific Matrix event part of a LinkedIn message.
func (mq *MessageQuery) GetByURNIndex(messageURN, receiver linkedinid.URN, index int) *Message {
	return mq.get(messageSelect+" WHERE message_urn=$1 AND receiver=$2 AND msg_index=$3", messageURN, receiver, index)
}

func (mq *MessageQuery) GetByMXID(mxid id.EventID, roomID id.RoomID) *Message {
	return mq.get(messageSelect+" WHERE mxid=$1 AND room_id=$2", mxid, roomID)
}

// GetMostRecentByThread returns the most recently bridged message for a
// thread, used as the backfill watermark (spec §4.6).
func (mq *MessageQuery) GetMostRecentByThread(threadURN, receiver linkedinid.URN) *Message {
	return mq.get(messageSelect+" WHERE thread_urn=$1 AND receiver=$2 ORDER BY timestamp DESC LIMIT 1", threadURN, receiver)
}

// Exists reports whether any row is already stored for this LinkedIn message
// URN, the Store-side half of the deduplication check in spec §4.6.
func (mq *MessageQuery) Exists(messageURN, receiver linkedinid.URN) bool {
	row := mq.db.QueryRow(`SELECT 1 FROM message WHERE message_urn=$1 AND receiver=$2 LIMIT 1`, messageURN, receiver)
	var one int
	return row != nil && row.Scan(&one) == nil
}

func (mq *MessageQuery) getAll(query string, args ...interface{}) []*Message {
	rows, err := mq.db.Query(query, args...)
	if err != nil || rows == nil {
		return nil
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		messages = append(messages, mq.New().Scan(rows))
	}
	return messages
}

func (mq *MessageQuery) get(query string, args ...interface{}) *Message {
	row := mq.db.QueryRow(query, args...)
	if row == nil {
		return nil
	}
	return mq.New().Scan(row)
}
