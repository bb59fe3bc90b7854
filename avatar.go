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

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"
)

// uploadAvatar downloads a LinkedIn profile photo through the logged-in
// user's own client (spec §4.2 "Download media") and reuploads it to the
// homeserver, sniffing the content type the same way the rest of the media
// pipeline does (spec §4.3 ambient stack).
func uploadAvatar(intent *appservice.IntentAPI, url string, source *User) (id.ContentURI, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, _, err := source.client.DownloadMedia(ctx, url)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to download avatar: %w", err)
	}

	mime := mimetype.Detect(data).String()
	resp, err := intent.UploadBytes(data, mime)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to upload avatar to Matrix: %w", err)
	}

	return resp.ContentURI, nil
}
