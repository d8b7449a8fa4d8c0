// Package client is the Go client for the perchcam signaling broker. Both
// sides of a call use it: viewers create sessions and send offers, capture
// devices heartbeat, discover pending sessions and answer them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Party identifies which side of a session the caller is.
type Party string

const (
	PartyInitiator Party = "initiator"
	PartyResponder Party = "responder"
)

// ErrNotReady is returned by Offer and Answer when the counterpart has not
// submitted its description yet.
var ErrNotReady = errors.New("description not yet available")

// APIError is a non-2xx response from the broker.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: %s (%s, http %d)", e.Message, e.Code, e.Status)
}

// IsNotFound reports whether err is the broker saying the session does not
// exist (or has expired; the broker does not distinguish).
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsConflict reports whether err is a state conflict, e.g. a different
// description was already submitted or the device is not ready.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

type Session struct {
	ID          string `json:"id"`
	DeviceID    string `json:"deviceId"`
	InitiatorID string `json:"initiatorId"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	ExpiresAt   string `json:"expiresAt"`
	HasOffer    bool   `json:"hasOffer"`
	HasAnswer   bool   `json:"hasAnswer"`
}

type DeviceStatus struct {
	DeviceID         string            `json:"deviceId"`
	Online           bool              `json:"online"`
	ReadyForSessions bool              `json:"readyForSessions"`
	LastHeartbeat    time.Time         `json:"lastHeartbeat"`
	Capabilities     map[string]string `json:"capabilities,omitempty"`
}

// RemoteCandidate is one ICE candidate from the opposite party, tagged with
// its position in that party's sequence.
type RemoteCandidate struct {
	Seq       int64                   `json:"seq"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type Client struct {
	baseURL *url.URL
	http    *http.Client
	apiKey  string
	token   string
	log     zerolog.Logger

	// pollInterval seeds the backoff used by AwaitOffer/AwaitAnswer.
	pollInterval time.Duration
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithToken sets a JWT sent as an Authorization bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL:      u,
		http:         &http.Client{Timeout: 30 * time.Second},
		log:          zerolog.Nop(),
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Heartbeat(ctx context.Context, deviceID string, capabilities map[string]string) error {
	body := map[string]any{}
	if capabilities != nil {
		body["capabilities"] = capabilities
	}
	return c.do(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(deviceID)+"/heartbeat", body, nil)
}

func (c *Client) MarkOffline(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(deviceID)+"/offline", nil, nil)
}

func (c *Client) DeviceStatus(ctx context.Context, deviceID string) (DeviceStatus, error) {
	var out DeviceStatus
	err := c.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(deviceID), nil, &out)
	return out, err
}

// RunHeartbeats sends a heartbeat immediately and then every interval until
// ctx is cancelled, marking the device offline on the way out.
func (c *Client) RunHeartbeats(ctx context.Context, deviceID string, interval time.Duration, capabilities map[string]string) error {
	if err := c.Heartbeat(ctx, deviceID, capabilities); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.MarkOffline(offCtx, deviceID); err != nil {
				c.log.Warn().Err(err).Str("device_id", deviceID).Msg("mark offline failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := c.Heartbeat(ctx, deviceID, capabilities); err != nil {
				c.log.Warn().Err(err).Str("device_id", deviceID).Msg("heartbeat failed")
			}
		}
	}
}

func (c *Client) CreateSession(ctx context.Context, deviceID, initiatorID string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/v1/sessions", map[string]string{
		"deviceId":    deviceID,
		"initiatorId": initiatorID,
	}, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// PendingSessions lists pending sessions for a device, oldest first. Capture
// devices poll this to discover incoming calls.
func (c *Client) PendingSessions(ctx context.Context, deviceID string) ([]Session, error) {
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/sessions?deviceId="+url.QueryEscape(deviceID), nil, &out)
	return out.Sessions, err
}

func (c *Client) CloseSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CancelSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *Client) SendOffer(ctx context.Context, id string, desc webrtc.SessionDescription) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/offer", desc, nil)
}

func (c *Client) SendAnswer(ctx context.Context, id string, desc webrtc.SessionDescription) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/answer", desc, nil)
}

// Offer fetches the session's offer once. ErrNotReady means poll again.
func (c *Client) Offer(ctx context.Context, id string) (webrtc.SessionDescription, error) {
	return c.description(ctx, id, "offer")
}

// Answer fetches the session's answer once. ErrNotReady means poll again.
func (c *Client) Answer(ctx context.Context, id string) (webrtc.SessionDescription, error) {
	return c.description(ctx, id, "answer")
}

func (c *Client) description(ctx context.Context, id, kind string) (webrtc.SessionDescription, error) {
	var out webrtc.SessionDescription
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id)+"/"+kind, nil, &out)
	return out, err
}

// AwaitOffer polls with exponential backoff until the offer lands, the
// session dies, or ctx expires.
func (c *Client) AwaitOffer(ctx context.Context, id string) (webrtc.SessionDescription, error) {
	return c.awaitDescription(ctx, id, c.Offer)
}

// AwaitAnswer polls with exponential backoff until the answer lands, the
// session dies, or ctx expires.
func (c *Client) AwaitAnswer(ctx context.Context, id string) (webrtc.SessionDescription, error) {
	return c.awaitDescription(ctx, id, c.Answer)
}

func (c *Client) awaitDescription(ctx context.Context, id string, fetch func(context.Context, string) (webrtc.SessionDescription, error)) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollInterval
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // bounded by ctx

	op := func() error {
		d, err := fetch(ctx, id)
		switch {
		case err == nil:
			desc = d
			return nil
		case errors.Is(err, ErrNotReady):
			return err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(err)
		default:
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError &&
				apiErr.Status != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			// Server-side hiccups and rate limiting are retryable.
			return err
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return desc, nil
}

// AddCandidate submits one local ICE candidate as the given party.
func (c *Client) AddCandidate(ctx context.Context, id string, party Party, cand webrtc.ICECandidateInit) error {
	return c.do(ctx, http.MethodPost,
		"/v1/sessions/"+url.PathEscape(id)+"/candidates?party="+url.QueryEscape(string(party)), cand, nil)
}

// Candidates fetches the opposite party's candidates with seq > since. The
// returned cursor feeds the next call.
func (c *Client) Candidates(ctx context.Context, id string, party Party, since int64) ([]RemoteCandidate, int64, error) {
	var out struct {
		Candidates []RemoteCandidate `json:"candidates"`
		NextSince  int64             `json:"nextSince"`
	}
	path := "/v1/sessions/" + url.PathEscape(id) + "/candidates?party=" + url.QueryEscape(string(party)) +
		"&since=" + strconv.FormatInt(since, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, since, err
	}
	return out.Candidates, out.NextSince, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("invalid path %q: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(ref).String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		if out != nil {
			// A 204 on a GET means "nothing there yet".
			return ErrNotReady
		}
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	default:
		return decodeAPIError(resp)
	}
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil && json.Unmarshal(raw, &envelope) == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = "unknown"
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
