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

package liapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Listener keys recognized by Subscribe, matching the payload field names
// the realtime stream can deliver plus two synthetic keys (spec §4.2).
const (
	EventMessage        = "event"
	EventReactionAdded  = "reactionAdded"
	EventAction         = "action"
	EventFromEntity     = "fromEntity"
	EventAll            = "ALL_EVENTS"
	EventTimeout        = "TIMEOUT"
)

type RealtimeFrame struct {
	Kind    string
	Payload DecoratedPayload
}

type realtimeStream struct {
	mu        sync.Mutex
	sessionID string
}

// Subscribe registers fn for frames matching kind (or EventAll for every
// frame, EventTimeout for stream-level read timeouts). Returns an unsubscribe
// function.
func (c *Client) Subscribe(kind string, fn func(RealtimeFrame)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	if c.listeners == nil {
		c.listeners = make(map[string][]func(RealtimeFrame))
	}
	c.listeners[kind] = append(c.listeners[kind], fn)
	idx := len(c.listeners[kind]) - 1
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		c.listeners[kind][idx] = nil
	}
}

func (c *Client) dispatch(kind string, frame RealtimeFrame) {
	c.listenersMu.Lock()
	fns := append([]func(RealtimeFrame){}, c.listeners[kind]...)
	allFns := append([]func(RealtimeFrame){}, c.listeners[EventAll]...)
	c.listenersMu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(frame)
		}
	}
	if kind != EventAll {
		for _, fn := range allFns {
			if fn != nil {
				fn(frame)
			}
		}
	}
}

// RunRealtimeStream opens the long-lived SSE connection and blocks, dispatching
// frames to registered listeners, until ctx is cancelled or the connection
// fails. A failed connect or read is delivered to EventTimeout listeners and
// also returned; a stream that ends cleanly dispatches EventTimeout and
// returns nil. A non-2xx response on connect (e.g. HTTP 429) returns an
// *Error without dispatching, and a cancelled ctx returns ctx.Err().
func (c *Client) RunRealtimeStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realtimeURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/event-stream")
	if csrf := c.csrfToken(); csrf != "" {
		req.Header.Set("csrf-token", csrf)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.dispatch(EventTimeout, RealtimeFrame{Kind: EventTimeout})
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return &Error{Status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Status: resp.StatusCode}
	}

	if c.realtime == nil {
		c.realtime = &realtimeStream{}
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go c.runHeartbeat(heartbeatCtx)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if raw == "" {
			continue
		}
		c.handleFrame([]byte(raw))
	}
	if err := scanner.Err(); err != nil {
		c.dispatch(EventTimeout, RealtimeFrame{Kind: EventTimeout})
		return err
	}
	c.dispatch(EventTimeout, RealtimeFrame{Kind: EventTimeout})
	return nil
}

func (c *Client) handleFrame(raw []byte) {
	var conn ClientConnection
	if err := json.Unmarshal(raw, &conn); err == nil && conn.ClientConnection != nil {
		c.realtime.mu.Lock()
		c.realtime.sessionID = conn.ClientConnection.RealtimeSessionID
		c.realtime.mu.Unlock()
		return
	}

	var decorated DecoratedEvent
	if err := json.Unmarshal(raw, &decorated); err != nil || decorated.DecoratedEvent == nil {
		return
	}
	payload := decorated.DecoratedEvent.Payload
	switch {
	case payload.Event != nil:
		c.dispatch(EventMessage, RealtimeFrame{Kind: EventMessage, Payload: payload})
	case payload.ReactionAdded != nil:
		c.dispatch(EventReactionAdded, RealtimeFrame{Kind: EventReactionAdded, Payload: payload})
	case payload.Action != nil:
		c.dispatch(EventAction, RealtimeFrame{Kind: EventAction, Payload: payload})
	case payload.FromEntity != nil:
		c.dispatch(EventFromEntity, RealtimeFrame{Kind: EventFromEntity, Payload: payload})
	}
}

// runHeartbeat posts to the tracking endpoint every 60s, skipped until a
// realtime session id has arrived (spec §4.2).
func (c *Client) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.realtime == nil {
				continue
			}
			c.realtime.mu.Lock()
			sessionID := c.realtime.sessionID
			c.realtime.mu.Unlock()
			if sessionID == "" {
				continue
			}
			_ = c.do(ctx, http.MethodPost, "/voyagerMessagingDashMessengerTracking?action=create", map[string]string{
				"realtimeSessionId": sessionID,
				"memberUrn":         c.self.String(),
			}, nil)
		}
	}
}
