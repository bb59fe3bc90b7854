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
	"net/url"

	"maunium.net/go/mautrix/bridge/commands"
)

type WrappedCommandEvent struct {
	*commands.Event
	Bridge *LinkedInBridge
	User   *User
	Portal *Portal
}

func (br *LinkedInBridge) RegisterCommands() {
	proc := br.CommandProcessor.(*commands.Processor)
	proc.AddHandlers(
		cmdPing,
		cmdLoginCookie,
		cmdLogout,
		cmdSyncThreads,
		cmdDeletePortal,
	)
}

func wrapCommand(handler func(*WrappedCommandEvent)) func(*commands.Event) {
	return func(ce *commands.Event) {
		user := ce.User.(*User)
		var portal *Portal
		if ce.Portal != nil {
			portal = ce.Portal.(*Portal)
		}
		br := ce.Bridge.Child.(*LinkedInBridge)
		handler(&WrappedCommandEvent{ce, br, user, portal})
	}
}

var cmdPing = &commands.FullHandler{
	Func: wrapCommand(fnPing),
	Name: "ping",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionAuth,
		Description: "Check if you're logged into LinkedIn",
	},
}

func fnPing(ce *WrappedCommandEvent) {
	if !ce.User.IsLoggedIn() {
		ce.Reply("You are not logged in to LinkedIn.")
		return
	}
	ce.Reply("You are logged in to LinkedIn as %s.", ce.User.MemberURN)
}

// cmdLoginCookie implements spec §4.5's management-room cookie login, the
// fallback path for users who aren't using the provisioning API's browser
// extension flow. It mirrors the teacher's `login-token` command shape:
// paste the li_at session cookie rather than typing a password into the room.
var cmdLoginCookie = &commands.FullHandler{
	Func: wrapCommand(fnLoginCookie),
	Name: "login-cookie",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionAuth,
		Description: "Link the bridge to a LinkedIn account using exported session cookies",
		Args:        "<li_at cookie>",
	},
}

func fnLoginCookie(ce *WrappedCommandEvent) {
	if len(ce.Args) != 1 {
		ce.Reply("**Usage**: $cmdprefix login-cookie <li_at cookie>")
		return
	}

	if ce.User.IsLoggedIn() {
		ce.Reply("You're already logged in. Log out first with `$cmdprefix logout`.")
		return
	}

	liAt, err := url.QueryUnescape(ce.Args[0])
	if err != nil {
		liAt = ce.Args[0]
	}

	if err := ce.User.LoginCookies(map[string]string{"li_at": liAt}, nil); err != nil {
		ce.Reply("Failed to log in: %v", err)
		return
	}

	ce.Reply("Successfully logged into LinkedIn as %s", ce.User.MemberURN)
}

var cmdLogout = &commands.FullHandler{
	Func: wrapCommand(fnLogout),
	Name: "logout",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionAuth,
		Description: "Unlink the bridge from your LinkedIn account.",
	},
	RequiresLogin: true,
}

func fnLogout(ce *WrappedCommandEvent) {
	if err := ce.User.Logout(); err != nil {
		ce.Reply("Error logging out: %v", err)
	} else {
		ce.Reply("Logged out successfully.")
	}
}

var cmdSyncThreads = &commands.FullHandler{
	Func: wrapCommand(fnSyncThreads),
	Name: "sync-threads",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionGeneral,
		Description: "Synchronize conversations from LinkedIn into Matrix",
	},
	RequiresLogin: true,
}

func fnSyncThreads(ce *WrappedCommandEvent) {
	if err := ce.User.syncThreads(true); err != nil {
		ce.Reply("Failed to sync conversations: %v", err)
		return
	}
	ce.Reply("Done syncing conversations.")
}

var cmdDeletePortal = &commands.FullHandler{
	Func:           wrapCommand(fnDeletePortal),
	Name:           "delete-portal",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionGeneral,
		Description: "Remove the bridge's record of this conversation. Does not affect LinkedIn.",
	},
	RequiresPortal: true,
}

func fnDeletePortal(ce *WrappedCommandEvent) {
	ce.Portal.delete()
	ce.Portal.cleanup()
	ce.Log.Infofln("Deleted portal")
}
