// Package rest is the authenticated HTTP wrapper for the chat backend. Every
// request carries the bearer token; a 401 triggers one shared refresh and a
// single replay, and a second 401 ends the session.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"chatsync/internal/models"
	"chatsync/internal/token"
)

const defaultTimeout = 15 * time.Second

var (
	// ErrSessionExpired means refresh failed or the refreshed token was
	// rejected too. The session has been cleared; the caller must re-login.
	ErrSessionExpired = errors.New("rest: session expired")

	// ErrNoSession means a request needing auth was made while logged out.
	ErrNoSession = errors.New("rest: no session")
)

// StatusError is any non-401 HTTP failure, surfaced to the caller unchanged.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: server returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the chat backend REST API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *token.Store

	// Single-flight refresh: the 1-buffered channel is the refresh lock.
	// Requests that 401 while it is held wait for the holder's outcome
	// instead of starting their own refresh.
	refreshMu  chan struct{}
	refreshErr error
}

// Option tunes the client.
type Option func(*Client)

// WithTimeout overrides the fixed per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient substitutes the underlying http.Client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(baseURL string, tokens *token.Store, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: defaultTimeout},
		tokens:    tokens,
		refreshMu: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges credentials for a token pair and stores it.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var resp models.LoginResponse
	err := c.postUnauthenticated(ctx, "/auth/login", models.LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return err
	}
	c.tokens.Set(token.Credentials{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken})
	return nil
}

// Rooms fetches the full room list for the authenticated viewer.
func (c *Client) Rooms(ctx context.Context) ([]models.RoomSummary, error) {
	var rooms []models.RoomSummary
	if err := c.do(ctx, http.MethodGet, "/chatrooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// RoomUser fetches one room summary by the viewer's membership id, used to
// refresh a single room after an update notification.
func (c *Client) RoomUser(ctx context.Context, chatroomUserID string) (models.RoomSummary, error) {
	var room models.RoomSummary
	if err := c.do(ctx, http.MethodGet, "/chatroom/users/"+chatroomUserID, nil, &room); err != nil {
		return models.RoomSummary{}, err
	}
	return room, nil
}

// History fetches the message history snapshot for one room. The server
// returns arrival order; callers sort by sentAt before display.
func (c *Client) History(ctx context.Context, roomID string) ([]models.Message, error) {
	var history []models.Message
	if err := c.do(ctx, http.MethodPost, "/messages/history", models.HistoryRequest{RoomID: roomID}, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// do performs one authenticated request with the refresh-and-retry flow.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	access := c.tokens.Access()
	if access == "" {
		return ErrNoSession
	}

	status, err := c.roundTrip(ctx, method, path, access, body, out)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return nil
	}

	// Recover once: refresh (shared across concurrent 401s) and replay.
	if err := c.refresh(ctx); err != nil {
		c.tokens.Clear()
		slog.Warn("[REST] Token refresh failed, session cleared", "error", err)
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	status, err = c.roundTrip(ctx, method, path, c.tokens.Access(), body, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.tokens.Clear()
		return ErrSessionExpired
	}
	return nil
}

// roundTrip issues the request. A 401 is reported via the status return, not
// as an error; other non-2xx statuses become StatusError.
func (c *Client) roundTrip(ctx context.Context, method, path, access string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+access)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("rest: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// refresh runs the token refresh, shared by all requests that hit a 401
// while it is in flight.
func (c *Client) refresh(ctx context.Context) error {
	select {
	case c.refreshMu <- struct{}{}:
		// We are the refresher.
	default:
		// A refresh is already running; wait for its outcome.
		c.refreshMu <- struct{}{}
		err := c.refreshErr
		<-c.refreshMu
		return err
	}

	refreshToken := c.tokens.Get().RefreshToken
	if refreshToken == "" {
		c.refreshErr = errors.New("no refresh token")
		<-c.refreshMu
		return c.refreshErr
	}

	var resp models.RefreshResponse
	err := c.postUnauthenticated(ctx, "/auth/refresh", models.RefreshRequest{RefreshToken: refreshToken}, &resp)
	if err == nil {
		c.tokens.Set(token.Credentials{AccessToken: resp.AccessToken, RefreshToken: refreshToken})
	}
	c.refreshErr = err
	<-c.refreshMu
	return err
}

func (c *Client) postUnauthenticated(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
