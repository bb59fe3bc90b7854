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

// Package liapi is a small client for LinkedIn's private voyager messaging
// API: cookie-authenticated REST calls plus the realtime SSE event stream.
package liapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"go.mau.fi/mautrix-linkedin/linkedinid"
)

const (
	baseURL     = "https://www.linkedin.com/voyager/api"
	realtimeURL = "https://www.linkedin.com/realtime/connect"
	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// Client is one logged-in LinkedIn session: an HTTP client bound to a cookie
// jar plus whatever extra headers were captured at login time (spec §4.2).
type Client struct {
	http   *http.Client
	jar    http.CookieJar
	log    zerolog.Logger
	self   linkedinid.URN

	extraHeaders map[string]string

	realtime *realtimeStream

	listenersMu sync.Mutex
	listeners   map[string][]func(RealtimeFrame)
}

// NewClient builds a client from a cookie jar seeded with at least `li_at`
// and `JSESSIONID`. extraHeaders mirrors headers captured from a browser
// session (e.g. x-li-track) so outbound requests look identical to one.
func NewClient(log zerolog.Logger, cookies map[string]string, extraHeaders map[string]string) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	c := &Client{
		http:         &http.Client{Timeout: 30 * time.Second},
		jar:          jar,
		log:          log,
		extraHeaders: extraHeaders,
	}
	c.http.Jar = jar
	c.SetCookies(cookies)
	return c, nil
}

// SetSelfURN records the logged-in member's own URN, echoed in realtime
// heartbeats (spec §4.2).
func (c *Client) SetSelfURN(urn linkedinid.URN) {
	c.self = urn
}

// SetCookies seeds or replaces the jar's cookies for www.linkedin.com.
func (c *Client) SetCookies(cookies map[string]string) {
	u, _ := url.Parse("https://www.linkedin.com")
	var jarCookies []*http.Cookie
	for name, value := range cookies {
		jarCookies = append(jarCookies, &http.Cookie{Name: name, Value: value, Domain: ".linkedin.com", Path: "/"})
	}
	c.jar.SetCookies(u, jarCookies)
}

// ExportCookies re-exports the jar so the caller can persist refreshed
// values after a reconnect (spec §4.2 "cookie jar is re-exported").
func (c *Client) ExportCookies() map[string]string {
	u, _ := url.Parse("https://www.linkedin.com")
	out := make(map[string]string)
	for _, ck := range c.jar.Cookies(u) {
		out[ck.Name] = ck.Value
	}
	return out
}

func (c *Client) csrfToken() string {
	u, _ := url.Parse("https://www.linkedin.com")
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == "JSESSIONID" {
			return strings.Trim(ck.Value, `"`)
		}
	}
	return ""
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-restli-protocol-version", "2.0.0")
	req.Header.Set("x-li-lang", "en_US")
	req.Header.Set("x-li-track", `{"clientVersion":"1.13.0","osName":"web","timezoneOffset":0,"deviceFormFactor":"DESKTOP"}`)
	if csrf := c.csrfToken(); csrf != "" {
		req.Header.Set("csrf-token", csrf)
	}
	for name, value := range c.extraHeaders {
		req.Header.Set(name, value)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do performs a request and decodes a 2xx JSON body into out (nil to discard).
// Non-2xx responses are returned as *Error.
func (c *Client) do(ctx context.Context, method, path string, reqBody, out interface{}) error {
	var bodyReader io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(buf)
	}
	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Status: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err = json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// MemberURNFromMiniProfile extracts the logged-in user's URN from a profile
// response (spec §4.2 "Get user profile ... also serves as a liveness probe").
func MemberURNFromMiniProfile(p *Profile) linkedinid.URN {
	return p.EntityURN
}
