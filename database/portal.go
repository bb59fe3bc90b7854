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

// Portal is one (thread URN, receiver URN) conversation mirror (spec §3/§4.6).
type Portal struct {
	db  *Database
	log log.Logger

	Key  PortalKey
	MXID id.RoomID

	IsGroupChat bool
	OtherUserURN linkedinid.URN // DM only

	PlainName string
	Name      string
	NameSet   bool
	Topic     string
	TopicSet  bool
	Avatar    string // LinkedIn photo content id
	AvatarURL id.ContentURI
	AvatarSet bool

	Encrypted bool

	FirstEventID id.EventID
}

func (p *Portal) Scan(row dbutil.Scannable) *Portal {
	var mxid, otherUser, avatarURL, firstEventID sql.NullString
	err := row.Scan(
		&p.Key.ThreadURN, &p.Key.Receiver, &mxid,
		&p.IsGroupChat, &otherUser,
		&p.PlainName, &p.Name, &p.NameSet,
		&p.Topic, &p.TopicSet,
		&p.Avatar, &avatarURL, &p.AvatarSet,
		&firstEventID, &p.Encrypted,
	)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			p.log.Errorln("Database scan failed:", err)
		}
		return nil
	}
	p.MXID = id.RoomID(mxid.String)
	p.OtherUserURN = linkedinid.URN(otherUser.String)
	p.AvatarURL, _ = id.ParseContentURI(avatarURL.String)
	p.FirstEventID = id.EventID(firstEventID.String)
	return p
}

func (p *Portal) mxidPtr() *id.RoomID {
	if p.MXID != "" {
		return &p.MXID
	}
	return nil
}

func (p *Portal) Insert() {
	const query = `
		INSERT INTO portal (thread_urn, receiver, mxid, is_group_chat, other_user_urn,
		                     plain_name, name, name_set, topic, topic_set,
		                     avatar, avatar_url, avatar_set, first_event_id, encrypted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := p.db.Exec(query,
		p.Key.ThreadURN, p.Key.Receiver, p.mxidPtr(), p.IsGroupChat, strPtr(p.OtherUserURN.String()),
		p.PlainName, p.Name, p.NameSet, p.Topic, p.TopicSet,
		p.Avatar, p.AvatarURL.String(), p.AvatarSet, p.FirstEventID.String(), p.Encrypted)
	if err != nil {
		p.log.Warnfln("Failed to insert %s: %v", p.Key, err)
	}
}

func (p *Portal) Update() {
	const query = `
		UPDATE portal SET mxid=$1, is_group_chat=$2, other_user_urn=$3,
		                  plain_name=$4, name=$5, name_set=$6, topic=$7, topic_set=$8,
		                  avatar=$9, avatar_url=$10, avatar_set=$11,
		                  first_event_id=$12, encrypted=$13
		WHERE thread_urn=$14 AND receiver=$15`
	_, err := p.db.Exec(query,
		p.mxidPtr(), p.IsGroupChat, strPtr(p.OtherUserURN.String()),
		p.PlainName, p.Name, p.NameSet, p.Topic, p.TopicSet,
		p.Avatar, p.AvatarURL.String(), p.AvatarSet,
		p.FirstEventID.String(), p.Encrypted,
		p.Key.ThreadURN, p.Key.Receiver)
	if err != nil {
		p.log.Warnfln("Failed to update %s: %v", p.Key, err)
	}
}

// Delete removes the portal row. Per spec §3 invariant 5, callers are
// responsible for cascading the Message/Reaction deletes first.
func (p *Portal) Delete() {
	const query = `DELETE FROM portal WHERE thread_urn=$1 AND receiver=$2`
	_, err := p.db.Exec(query, p.Key.ThreadURN, p.Key.Receiver)
	if err != nil {
		p.log.Warnfln("Failed to delete %s: %v", p.Key, err)
	}
}
