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

// Puppet is the ghost identity for one LinkedIn member URN (spec §3/§4.4).
type Puppet struct {
	db  *Database
	log log.Logger

	MemberURN linkedinid.URN

	Name    string
	NameSet bool

	Avatar    string // LinkedIn photo content id extracted from the photo URL
	AvatarURL id.ContentURI
	AvatarSet bool

	ContactInfoSet bool

	CustomMXID          id.UserID
	AccessToken         string
	NextBatch           string
	DoublePuppetBaseURL string
}

func (p *Puppet) Scan(row dbutil.Scannable) *Puppet {
	var avatarURL, customMXID, accessToken, nextBatch, baseURL sql.NullString
	err := row.Scan(&p.MemberURN, &p.Name, &p.NameSet, &p.Avatar, &avatarURL, &p.AvatarSet,
		&p.ContactInfoSet, &customMXID, &accessToken, &nextBatch, &baseURL)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			p.log.Errorln("Database scan failed:", err)
		}
		return nil
	}
	p.AvatarURL, _ = id.ParseContentURI(avatarURL.String)
	p.CustomMXID = id.UserID(customMXID.String)
	p.AccessToken = accessToken.String
	p.NextBatch = nextBatch.String
	p.DoublePuppetBaseURL = baseURL.String
	return p
}

func (p *Puppet) Insert() {
	const query = `
		INSERT INTO puppet (member_urn, name, name_set, avatar, avatar_url, avatar_set,
		                     contact_info_set, custom_mxid, access_token, next_batch, double_puppet_base_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := p.db.Exec(query, p.MemberURN, p.Name, p.NameSet, p.Avatar, p.AvatarURL.String(), p.AvatarSet,
		p.ContactInfoSet, p.CustomMXID, p.AccessToken, p.NextBatch, p.DoublePuppetBaseURL)
	if err != nil {
		p.log.Warnfln("Failed to insert %s: %v", p.MemberURN, err)
	}
}

func (p *Puppet) Update() {
	const query = `
		UPDATE puppet SET name=$1, name_set=$2, avatar=$3, avatar_url=$4, avatar_set=$5,
		                  contact_info_set=$6, custom_mxid=$7, access_token=$8, next_batch=$9,
		                  double_puppet_base_url=$10
		WHERE member_urn=$11`
	_, err := p.db.Exec(query, p.Name, p.NameSet, p.Avatar, p.AvatarURL.String(), p.AvatarSet,
		p.ContactInfoSet, p.CustomMXID, p.AccessToken, p.NextBatch, p.DoublePuppetBaseURL, p.MemberURN)
	if err != nil {
		p.log.Warnfln("Failed to update %s: %v", p.MemberURN, err)
	}
}
