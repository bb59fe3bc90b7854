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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	log "maunium.net/go/maulogger/v2"

	"maunium.net/go/mautrix/bridge/status"
	"maunium.net/go/mautrix/id"
)

// ProvisioningAPI is the thin HTTP collaborator (spec §6): cookie-bundle
// login and logout, plus the bridge-state polling endpoint clients use to
// render connection status. Grounded on the teacher's `provisioning.go`,
// narrowed to this bridge's single-session-per-user model (no per-team
// login/logout pairs, since a LinkedIn ghost has exactly one LinkedIn
// account behind it).
type ProvisioningAPI struct {
	bridge *LinkedInBridge
	log    log.Logger
}

func newProvisioningAPI(br *LinkedInBridge) *ProvisioningAPI {
	p := &ProvisioningAPI{
		bridge: br,
		log:    br.Log.Sub("Provisioning"),
	}

	prefix := br.Config.Bridge.Provisioning.Prefix

	p.log.Debugln("Enabling provisioning API at", prefix)

	r := br.AS.Router.PathPrefix(prefix).Subrouter()

	r.Use(p.authMiddleware)

	r.HandleFunc("/ping", p.ping).Methods(http.MethodGet)
	r.HandleFunc("/login", p.login).Methods(http.MethodPost)
	r.HandleFunc("/logout", p.logout).Methods(http.MethodPost)
	p.bridge.AS.Router.HandleFunc("/_matrix/app/com.beeper.bridge_state", p.BridgeStatePing).Methods(http.MethodPost)

	return p
}

func jsonResponse(w http.ResponseWriter, status int, response interface{}) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

type Response struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

type Error struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	ErrCode string `json:"errcode"`
}

type responseWrap struct {
	http.ResponseWriter
	statusCode int
}

var _ http.Hijacker = (*responseWrap)(nil)

func (rw *responseWrap) WriteHeader(statusCode int) {
	rw.ResponseWriter.WriteHeader(statusCode)
	rw.statusCode = statusCode
}

func (rw *responseWrap) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

type contextKey int

const contextKeyUser contextKey = iota

func (p *ProvisioningAPI) authMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			auth = auth[len("Bearer "):]
		}

		if auth != p.bridge.Config.Bridge.Provisioning.SharedSecret {
			jsonResponse(w, http.StatusForbidden, Error{
				Error:   "Invalid auth token",
				ErrCode: "M_FORBIDDEN",
			})

			return
		}

		userID := r.URL.Query().Get("user_id")
		user := p.bridge.GetUserByMXID(id.UserID(userID))

		start := time.Now()
		wWrap := &responseWrap{w, 200}
		h.ServeHTTP(wWrap, r.WithContext(context.WithValue(r.Context(), contextKeyUser, user)))
		duration := time.Since(start).Seconds()

		p.log.Infofln("%s %s from %s took %.2f seconds and returned status %d", r.Method, r.URL.Path, user.MXID, duration, wWrap.statusCode)
	})
}

func (p *ProvisioningAPI) ping(w http.ResponseWriter, r *http.Request) {
	user := r.Context().Value(contextKeyUser).(*User)

	user.Lock()
	linkedinData := map[string]interface{}{
		"logged_in":  user.IsLoggedIn(),
		"member_urn": user.MemberURN,
	}
	resp := map[string]interface{}{
		"linkedin":        linkedinData,
		"management_room": user.ManagementRoom,
		"mxid":            user.MXID,
	}
	user.Unlock()

	jsonResponse(w, http.StatusOK, resp)
}

func (p *ProvisioningAPI) logout(w http.ResponseWriter, r *http.Request) {
	user := r.Context().Value(contextKeyUser).(*User)

	if !user.IsLoggedIn() {
		jsonResponse(w, http.StatusNotFound, Error{
			Error:   "Not logged in",
			ErrCode: "Not logged in",
		})

		return
	}

	if err := user.Logout(); err != nil {
		user.log.Warnln("Error while logging out:", err)

		jsonResponse(w, http.StatusInternalServerError, Error{
			Error:   fmt.Sprintf("Unknown error while logging out: %v", err),
			ErrCode: err.Error(),
		})

		return
	}

	jsonResponse(w, http.StatusOK, Response{true, "Logged out successfully."})
}

// loginRequest is the cookie bundle a browser-extension companion exports
// from an authenticated linkedin.com session (spec §4.5/§6): the `li_at`
// session cookie plus whichever secondary cookies (`JSESSIONID`, etc.) and
// headers LinkedIn's CSRF check requires.
type loginRequest struct {
	Cookies map[string]string `json:"cookies"`
	Headers map[string]string `json:"headers"`
}

func (p *ProvisioningAPI) login(w http.ResponseWriter, r *http.Request) {
	user := r.Context().Value(contextKeyUser).(*User)

	if user.IsLoggedIn() {
		jsonResponse(w, http.StatusConflict, Error{
			Error:   "Already logged in",
			ErrCode: "Already logged in",
		})

		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonResponse(w, http.StatusBadRequest, Error{
			Error:   fmt.Sprintf("Invalid JSON body: %v", err),
			ErrCode: "Invalid JSON body",
		})

		return
	}

	if req.Cookies["li_at"] == "" {
		jsonResponse(w, http.StatusBadRequest, Error{
			Error:   "No li_at cookie specified",
			ErrCode: "No li_at cookie specified",
		})

		return
	}

	if err := user.LoginCookies(req.Cookies, req.Headers); err != nil {
		jsonResponse(w, http.StatusNotAcceptable, Error{
			Error:   fmt.Sprintf("Failed to login: %s", err),
			ErrCode: err.Error(),
		})

		return
	}

	jsonResponse(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"member_urn": user.MemberURN,
	})
}

func (p *ProvisioningAPI) BridgeStatePing(w http.ResponseWriter, r *http.Request) {
	if !p.bridge.AS.CheckServerToken(w, r) {
		return
	}
	userID := r.URL.Query().Get("user_id")
	user := p.bridge.GetUserByMXID(id.UserID(userID))

	var global status.BridgeState
	global.StateEvent = status.StateRunning
	global = global.Fill(nil)

	resp := status.GlobalBridgeState{
		BridgeState:  global,
		RemoteStates: map[string]status.BridgeState{},
	}

	var remote status.BridgeState
	if user.IsLoggedIn() {
		remote.StateEvent = status.StateConnected
	} else {
		remote.StateEvent = status.StateLoggedOut
	}
	remote = remote.Fill(nil)
	resp.RemoteStates[remote.RemoteID] = remote

	user.log.Debugfln("Responding bridge state in bridge status endpoint: %+v", resp)
	jsonResponse(w, http.StatusOK, &resp)
}
