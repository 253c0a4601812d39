// Package relayclient talks to the relay HTTP API and satisfies
// session.Backend and replay.Source.
package relayclient

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

	"duelsync/internal/app/relay"
	"duelsync/internal/replay"
	"duelsync/internal/session"
	"duelsync/internal/store"
)

var (
	_ session.Backend = (*Client)(nil)
	_ replay.Source   = (*Client)(nil)
)

type Client struct {
	base  string
	inner *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		inner: &http.Client{Timeout: timeout},
	}
}

// StatusError is a non-2xx relay response. It unwraps to the matching store
// or relay sentinel when the code is known.
type StatusError struct {
	Status int
	Code   string
	err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay responded %d %s", e.Status, e.Code)
}

func (e *StatusError) Unwrap() error { return e.err }

var codeErrors = map[string]error{
	"not_found":          store.ErrNotFound,
	"conflict":           store.ErrConflict,
	"room_finished":      store.ErrRoomFinished,
	"room_full":          store.ErrRoomFull,
	"invalid_code":       store.ErrInvalidCode,
	"not_seated":         store.ErrNotSeated,
	"invalid_request":    relay.ErrInvalidRequest,
	"invalid_json":       relay.ErrInvalidRequest,
	"invalid_transition": relay.ErrInvalidTransition,
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	var room store.Room
	if err := c.do(ctx, http.MethodGet, roomPath(id), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// UpdateRoom returns the relay's current room with store.ErrConflict or
// store.ErrRoomFinished when the response carries one.
func (c *Client) UpdateRoom(ctx context.Context, id string, expectedVersion int64, patch store.RoomPatch) (*store.Room, error) {
	var room store.Room
	err := c.do(ctx, http.MethodPatch, roomPath(id), relay.NewUpdateRoomRequest(expectedVersion, patch), &room)
	if err != nil {
		var conflict *conflictError
		if errors.As(err, &conflict) {
			return conflict.room, conflict.StatusError
		}
		return nil, err
	}
	return &room, nil
}

func (c *Client) AppendAction(ctx context.Context, a store.NewAction) (*store.Action, error) {
	var act store.Action
	err := c.do(ctx, http.MethodPost, roomPath(a.RoomID)+"/actions", relay.AppendActionRequest{
		UserID:       a.UserID,
		ActionType:   a.ActionType,
		ActionData:   a.ActionData,
		GameState:    a.GameState,
		StateVersion: a.StateVersion,
	}, &act)
	if err != nil {
		return nil, err
	}
	return &act, nil
}

func (c *Client) ListActions(ctx context.Context, roomID string, q store.ActionQuery) ([]store.Action, error) {
	values := url.Values{}
	if q.Since != nil {
		values.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if q.AfterSeq > 0 {
		values.Set("after_seq", strconv.FormatInt(q.AfterSeq, 10))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	path := roomPath(roomID) + "/actions"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	var resp relay.ActionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) UpdateRoomPlayer(ctx context.Context, roomID, userID string, patch store.PlayerPatch) (*store.RoomPlayer, error) {
	var p store.RoomPlayer
	err := c.do(ctx, http.MethodPatch, roomPath(roomID)+"/players/"+url.PathEscape(userID), relay.UpdatePlayerRequest{
		Ready:        patch.Ready,
		Disconnected: patch.Disconnected,
		Heartbeat:    patch.Heartbeat,
	}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) FindMatch(ctx context.Context, gameID, userID string) (*store.Room, error) {
	return c.roomCall(ctx, http.MethodPost, "/api/matchmaking", relay.MatchRequest{GameID: gameID, UserID: userID})
}

func (c *Client) CreatePrivateRoom(ctx context.Context, gameID, userID string) (*store.Room, error) {
	return c.roomCall(ctx, http.MethodPost, "/api/rooms", relay.MatchRequest{GameID: gameID, UserID: userID})
}

func (c *Client) JoinByCode(ctx context.Context, code, userID string) (*store.Room, error) {
	return c.roomCall(ctx, http.MethodPost, "/api/rooms/join", relay.JoinRequest{Code: code, UserID: userID})
}

func (c *Client) CancelSearch(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/api/matchmaking/"+url.PathEscape(userID), nil, nil)
}

func (c *Client) LeaveRoom(ctx context.Context, roomID, userID string) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID)+"/leave", relay.UserRequest{UserID: userID}, nil)
}

func (c *Client) roomCall(ctx context.Context, method, path string, body any) (*store.Room, error) {
	var room store.Room
	if err := c.do(ctx, method, path, body, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func roomPath(id string) string {
	return "/api/rooms/" + url.PathEscape(id)
}

type conflictError struct {
	*StatusError
	room *store.Room
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.inner.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, out)
	}

	var payload relay.ErrorResponse
	_ = json.Unmarshal(raw, &payload)
	se := &StatusError{Status: resp.StatusCode, Code: payload.Error, err: codeErrors[payload.Error]}
	if payload.Room != nil {
		return &conflictError{StatusError: se, room: payload.Room}
	}
	return se
}
