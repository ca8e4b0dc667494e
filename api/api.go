package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adwski/headtag/model"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 5 * time.Second
)

var (
	// ErrRoomNotFound - the room code is unknown to the server.
	ErrRoomNotFound = errors.New("room not found")

	// ErrNotAMember - the player id is not recognized as a member of
	// the room. Distinct from other 4xx responses: callers react with
	// a re-join flow, not an error banner.
	ErrNotAMember = errors.New("player is not a member of this room")

	// ErrTransport - the request never produced a server verdict.
	ErrTransport = errors.New("request failed")
)

// Error is a 4xx application response with the server-provided
// message, surfaced verbatim to the user. Never retried.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

type (
	Config struct {
		Logger  *zerolog.Logger
		BaseURL string
		Client  *http.Client
	}

	// Client talks to the room REST endpoints.
	Client struct {
		http    *http.Client
		baseURL string
		logger  zerolog.Logger
	}
)

func NewClient(cfg Config) *Client {
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		logger:  cfg.Logger.With().Str("component", "api").Logger(),
		http:    httpClient,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

type createRoomResponse struct {
	Code string `json:"code"`
}

type joinRequest struct {
	Name string `json:"name"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// CreateRoom asks the server for a fresh room and returns its code.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	var resp createRoomResponse
	if err := c.do(ctx, http.MethodPost, "/room/create", nil, &resp); err != nil {
		return "", err
	}
	c.logger.Debug().Str("roomCode", resp.Code).Msg("room created")
	return resp.Code, nil
}

// FetchRoom retrieves the full authoritative snapshot as seen by
// playerID.
func (c *Client) FetchRoom(ctx context.Context, code, playerID string) (*model.RoomSnapshot, error) {
	path := "/room/" + url.PathEscape(code) + "?playerId=" + url.QueryEscape(playerID)
	var snap model.RoomSnapshot
	if err := c.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Join registers a new player in the room and returns the identity
// assigned by the server.
func (c *Client) Join(ctx context.Context, code, name string) (*model.Player, error) {
	var player model.Player
	err := c.do(ctx, http.MethodPost, "/room/"+url.PathEscape(code)+"/join", joinRequest{Name: name}, &player)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().
		Str("roomCode", code).
		Str("playerID", player.ID).
		Msg("joined room")
	return &player, nil
}

// Start flips the room into the live-game phase.
func (c *Client) Start(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, "/room/"+url.PathEscape(code)+"/start", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("cannot marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Join(ErrTransport, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Join(ErrTransport, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Join(ErrTransport, err)
		}
		return nil

	case resp.StatusCode == http.StatusNotFound:
		return ErrRoomNotFound

	case resp.StatusCode == http.StatusForbidden:
		return ErrNotAMember

	default:
		var apiErr errorResponse
		b, _ := io.ReadAll(resp.Body)
		if err = json.Unmarshal(b, &apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug().
			Int("status", resp.StatusCode).
			Str("error", apiErr.Error).
			Msg("request rejected")
		return &Error{Code: resp.StatusCode, Message: apiErr.Error}
	}
}
