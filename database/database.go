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
	_ "embed"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	log "maunium.net/go/maulogger/v2"
	"maunium.net/go/mautrix/util/dbutil"

	"go.mau.fi/mautrix-linkedin/database/upgrades"
)

// Database is the Store (C1): the durable mapping of bridge identities and
// the migration sequence that keeps it current.
type Database struct {
	*dbutil.Database

	User       *UserQuery
	Puppet     *PuppetQuery
	Portal     *PortalQuery
	Message    *MessageQuery
	Reaction   *ReactionQuery
	Cookie     *CookieQuery
	HTTPHeader *HTTPHeaderQuery
}

func New(baseDB *dbutil.Database, logger log.Logger) *Database {
	db := &Database{Database: baseDB}
	db.UpgradeTable = upgrades.Table

	db.User = &UserQuery{db: db, log: logger.Sub("User")}
	db.Puppet = &PuppetQuery{db: db, log: logger.Sub("Puppet")}
	db.Portal = &PortalQuery{db: db, log: logger.Sub("Portal")}
	db.Message = &MessageQuery{db: db, log: logger.Sub("Message")}
	db.Reaction = &ReactionQuery{db: db, log: logger.Sub("Reaction")}
	db.Cookie = &CookieQuery{db: db, log: logger.Sub("Cookie")}
	db.HTTPHeader = &HTTPHeaderQuery{db: db, log: logger.Sub("HTTPHeader")}

	return db
}

func strPtr(val string) *string {
	if val == "" {
		return nil
	}
	return &val
}
