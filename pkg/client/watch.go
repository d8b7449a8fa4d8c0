package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// WatchEvent is one event from a session watch stream.
type WatchEvent struct {
	// Type is status, offer, answer, candidate, or gone. A gone event is
	// always last: the session no longer accepts signaling.
	Type      string                     `json:"type"`
	Status    string                     `json:"status,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *RemoteCandidate           `json:"candidate,omitempty"`
}

// Watch subscribes to session changes over a WebSocket instead of polling.
// The returned channel is closed after a gone event, on error, or when ctx is
// cancelled.
func (c *Client) Watch(ctx context.Context, id string, party Party) (<-chan WatchEvent, error) {
	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	wsURL.Path = "/v1/sessions/" + url.PathEscape(id) + "/watch"
	wsURL.RawQuery = "party=" + url.QueryEscape(string(party))

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		}
		return nil, fmt.Errorf("dial watch: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	events := make(chan WatchEvent)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(events)
		defer close(done)
		defer conn.Close()
		for {
			var ev WatchEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == "gone" {
				return
			}
		}
	}()
	return events, nil
}
