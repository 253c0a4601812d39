package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"duelsync/internal/events"
	"duelsync/internal/game"
	"duelsync/internal/store"

	"github.com/rs/zerolog/log"
)

// finishAttempts bounds the CAS loop for terminal writes that must win over
// concurrent moves.
const finishAttempts = 3

// snapshotAttempts bounds appends of a snapshot whose state write already
// committed. The log entry is the only record replay has of that state.
const (
	snapshotAttempts = 3
	snapshotBackoff  = 100 * time.Millisecond
)

// SetReady flips this player's ready flag, records a ready action and, when
// the flag completes the all-ready condition, starts the game. A ready after
// the game started is a no-op.
func (c *Client) SetReady(ctx context.Context, ready bool) error {
	room, _, err := c.current()
	if err != nil {
		return err
	}
	if room.Status != store.RoomWaiting {
		return nil
	}
	if _, err := c.backend.UpdateRoomPlayer(ctx, room.ID, c.cfg.UserID, store.PlayerPatch{Ready: store.BoolPtr(ready), Heartbeat: true}); err != nil {
		return err
	}
	data, _ := json.Marshal(map[string]bool{"ready": ready})
	if _, err := c.appendAction(ctx, room.ID, store.ActionReady, data); err != nil {
		return err
	}
	fresh, err := c.backend.GetRoom(ctx, room.ID)
	if err != nil {
		return err
	}
	c.applyRoom(fresh)
	return c.maybeStart(ctx)
}

// maybeStart performs waiting -> playing when every connected seat is ready.
// Losing the race is not an error: the winner's room is adopted.
func (c *Client) maybeStart(ctx context.Context) error {
	room, _, err := c.current()
	if err != nil {
		return err
	}
	if room.Status != store.RoomWaiting || !room.AllReady() {
		return nil
	}
	red, err := c.reducers.Get(room.GameID)
	if err != nil {
		return err
	}
	initial, err := red.Initial(c.cfg.Seed())
	if err != nil {
		return err
	}
	started, err := c.backend.UpdateRoom(ctx, room.ID, room.Version, store.RoomPatch{
		Status:    store.StatusPtr(store.RoomPlaying),
		GameState: initial,
		StartedAt: store.TimePtr(time.Now().UTC()),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrRoomFinished) {
			return c.adopt(ctx, room.ID, started)
		}
		return err
	}
	log.Info().Str("room_id", room.ID).Str("user_id", c.cfg.UserID).Int64("version", started.Version).Msg("game started")
	c.applyRoom(started)
	// The starter logs the initial snapshot so replays open on it.
	data, _ := json.Marshal(map[string]bool{"ready": true, "started": true})
	if _, err := c.appendSnapshot(ctx, started, store.ActionReady, data); err != nil {
		log.Warn().Err(err).Str("room_id", room.ID).Msg("record start snapshot failed")
	}
	c.afterCommit(ctx)
	return nil
}

// adopt installs the room returned with a conflict, or re-reads it.
func (c *Client) adopt(ctx context.Context, roomID string, current *store.Room) error {
	if current == nil {
		fresh, err := c.backend.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		current = fresh
	}
	c.mu.Lock()
	c.optimistic = false
	c.mu.Unlock()
	c.applyRoom(current)
	return nil
}

// SendAction appends a non-move action, or routes a move through the
// reducer and the room write first.
func (c *Client) SendAction(ctx context.Context, actionType store.ActionType, data json.RawMessage) (*store.Action, error) {
	switch actionType {
	case store.ActionMove:
		return c.Move(ctx, data)
	case store.ActionChat:
		return c.sendChat(ctx, data)
	case store.ActionSurrender:
		return nil, c.Surrender(ctx)
	case store.ActionOfferDraw:
		return nil, c.OfferDraw(ctx)
	case store.ActionAcceptDraw:
		return nil, c.AcceptDraw(ctx)
	case store.ActionDeclineDraw:
		return nil, c.DeclineDraw(ctx)
	case store.ActionReady:
		var body struct {
			Ready bool `json:"ready"`
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &body); err != nil {
				return nil, fmt.Errorf("%w: %v", game.ErrMalformed, err)
			}
		}
		return nil, c.SetReady(ctx, body.Ready)
	default:
		return nil, fmt.Errorf("%w: %q", game.ErrInvalidAction, actionType)
	}
}

// Move reduces data locally, writes the resulting state with a CAS and then
// records the move with the committed snapshot embedded. Validation errors
// return before any network call. A lost CAS is retried once against the
// adopted state.
func (c *Client) Move(ctx context.Context, data json.RawMessage) (*store.Action, error) {
	return c.move(ctx, data, true)
}

func (c *Client) move(ctx context.Context, data json.RawMessage, retry bool) (*store.Action, error) {
	room, me, red, err := c.playing()
	if err != nil {
		return nil, err
	}
	next, err := red.Reduce(room.GameState, game.Input{Player: me, Type: game.TypeMove, Data: data})
	if err != nil {
		return nil, err
	}

	c.setOptimistic(room, next)
	committed, err := c.writeState(ctx, room, next)
	if errors.Is(err, store.ErrConflict) && retry {
		room, me, red, err = c.playing()
		if err != nil {
			return nil, err
		}
		next, err = red.Reduce(room.GameState, game.Input{Player: me, Type: game.TypeMove, Data: data})
		if err != nil {
			return nil, err
		}
		committed, err = c.writeState(ctx, room, next)
	}
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: %w", ErrDiscarded, err)
	}
	if err != nil {
		return nil, err
	}

	action, err := c.appendSnapshot(ctx, committed, store.ActionMove, data)
	if err != nil {
		c.setErr(err)
		return nil, err
	}
	c.afterCommit(ctx)
	return action, nil
}

// UpdateGameState writes newState with a CAS against the mirrored version.
// On conflict the room is re-read once and the remote value adopted; the
// caller's state is discarded and ErrDiscarded returned.
func (c *Client) UpdateGameState(ctx context.Context, newState json.RawMessage) (*store.Room, error) {
	room, _, err := c.current()
	if err != nil {
		return nil, err
	}
	if room.Status != store.RoomPlaying {
		return nil, ErrNotPlaying
	}
	c.setOptimistic(room, newState)
	committed, err := c.writeState(ctx, room, newState)
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: %w", ErrDiscarded, err)
	}
	if err != nil {
		return nil, err
	}
	c.afterCommit(ctx)
	return committed, nil
}

func (c *Client) setOptimistic(room *store.Room, state json.RawMessage) {
	c.mu.Lock()
	if c.room != nil && c.room.ID == room.ID && c.room.Version == room.Version {
		c.room.GameState = append(json.RawMessage(nil), state...)
		c.optimistic = true
	}
	c.mu.Unlock()
	c.events.Append(events.KindRoom, room.Version)
}

// writeState performs one CAS. A conflict adopts the remote room before
// returning store.ErrConflict; any other failure rolls back the optimistic
// state.
func (c *Client) writeState(ctx context.Context, room *store.Room, state json.RawMessage) (*store.Room, error) {
	updated, err := c.backend.UpdateRoom(ctx, room.ID, room.Version, store.RoomPatch{GameState: state})
	switch {
	case err == nil:
		c.mu.Lock()
		c.optimistic = false
		c.mu.Unlock()
		c.applyRoom(updated)
		return updated, nil
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrRoomFinished):
		log.Debug().Str("room_id", room.ID).Str("user_id", c.cfg.UserID).Int64("version", room.Version).Msg("state write lost race")
		if adoptErr := c.adopt(ctx, room.ID, updated); adoptErr != nil {
			c.rollback(room)
			return nil, adoptErr
		}
		if errors.Is(err, store.ErrRoomFinished) {
			return nil, err
		}
		return nil, store.ErrConflict
	default:
		c.rollback(room)
		c.setErr(err)
		return nil, err
	}
}

func (c *Client) rollback(room *store.Room) {
	c.mu.Lock()
	if c.room != nil && c.room.ID == room.ID && c.room.Version == room.Version {
		c.room.GameState = append(json.RawMessage(nil), room.GameState...)
	}
	c.optimistic = false
	c.mu.Unlock()
	c.events.Append(events.KindRoom, room.Version)
}

// afterCommit closes the room when the reducer reports a result and arms the
// reveal timer when the state stalls on an advance.
func (c *Client) afterCommit(ctx context.Context) {
	room, _, red, err := c.playing()
	if err != nil {
		return
	}
	out, err := red.Outcome(room.GameState)
	if err != nil {
		log.Warn().Err(err).Str("room_id", room.ID).Msg("read outcome failed")
		return
	}
	if out.Finished {
		var winnerID *string
		if p := out.Winner.Player(); p != 0 {
			winnerID = c.userIDFor(room, p)
		}
		if err := c.finish(ctx, winnerID); err != nil {
			log.Warn().Err(err).Str("room_id", room.ID).Msg("finish room failed")
		}
		return
	}
	c.armReveal(room, red)
}

// finish CAS-writes the terminal status, re-reading and retrying when a
// concurrent write lands first.
func (c *Client) finish(ctx context.Context, winnerID *string) error {
	for i := 0; i < finishAttempts; i++ {
		room, _, err := c.current()
		if err != nil {
			return err
		}
		if room.Status == store.RoomFinished {
			return nil
		}
		if room.Status != store.RoomPlaying {
			return nil
		}
		patch := store.RoomPatch{
			Status:     store.StatusPtr(store.RoomFinished),
			FinishedAt: store.TimePtr(time.Now().UTC()),
		}
		if winnerID != nil {
			patch.WinnerID = store.StringPtr(*winnerID)
		} else {
			patch.ClearWinner = true
		}
		updated, err := c.backend.UpdateRoom(ctx, room.ID, room.Version, patch)
		if err == nil {
			log.Info().Str("room_id", room.ID).Str("user_id", c.cfg.UserID).Interface("winner_id", winnerID).Msg("room finished")
			c.applyRoom(updated)
			return nil
		}
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrRoomFinished) {
			return err
		}
		if err := c.adopt(ctx, room.ID, updated); err != nil {
			return err
		}
	}
	return store.ErrConflict
}

// Surrender records the surrender and finishes the room with the opponent as
// winner, whatever the game state says.
func (c *Client) Surrender(ctx context.Context) error {
	room, me, _, err := c.playing()
	if err != nil {
		return err
	}
	data, _ := json.Marshal(map[string]int{"player_number": me})
	if _, err := c.appendAction(ctx, room.ID, store.ActionSurrender, data); err != nil {
		if errors.Is(err, store.ErrRoomFinished) {
			_ = c.adopt(ctx, room.ID, nil)
		}
		return err
	}
	return c.finish(ctx, c.userIDFor(room, 3-me))
}

func (c *Client) OfferDraw(ctx context.Context) error {
	room, me, _, err := c.playing()
	if err != nil {
		return err
	}
	c.mu.Lock()
	pending := c.drawOfferBy
	c.mu.Unlock()
	if pending != 0 {
		return ErrDrawPending
	}
	data, _ := json.Marshal(map[string]int{"player_number": me})
	if _, err := c.appendAction(ctx, room.ID, store.ActionOfferDraw, data); err != nil {
		return err
	}
	return nil
}

// AcceptDraw finishes the room with no winner. It requires a pending offer
// from the opponent.
func (c *Client) AcceptDraw(ctx context.Context) error {
	room, me, _, err := c.playing()
	if err != nil {
		return err
	}
	if !c.offerFrom(3 - me) {
		return ErrNoDrawOffer
	}
	if _, err := c.appendAction(ctx, room.ID, store.ActionAcceptDraw, nil); err != nil {
		return err
	}
	return c.finish(ctx, nil)
}

func (c *Client) DeclineDraw(ctx context.Context) error {
	room, me, _, err := c.playing()
	if err != nil {
		return err
	}
	if !c.offerFrom(3 - me) {
		return ErrNoDrawOffer
	}
	_, err = c.appendAction(ctx, room.ID, store.ActionDeclineDraw, nil)
	return err
}

func (c *Client) offerFrom(player int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drawOfferBy == player
}

// SendChat appends a chat line, throttled per client.
func (c *Client) SendChat(ctx context.Context, message string) (*store.Action, error) {
	data, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, err
	}
	return c.sendChat(ctx, data)
}

func (c *Client) sendChat(ctx context.Context, data json.RawMessage) (*store.Action, error) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", game.ErrMalformed, err)
	}
	if strings.TrimSpace(body.Message) == "" {
		return nil, ErrEmptyMessage
	}
	room, _, err := c.current()
	if err != nil {
		return nil, err
	}
	if !c.chat.Allow() {
		return nil, ErrRateLimited
	}
	return c.appendAction(ctx, room.ID, store.ActionChat, data)
}

// appendAction writes to the log and applies the result locally so this
// client's own entries are seen once.
func (c *Client) appendAction(ctx context.Context, roomID string, actionType store.ActionType, data json.RawMessage) (*store.Action, error) {
	return c.record(ctx, store.NewAction{
		RoomID:     roomID,
		UserID:     store.StringPtr(c.cfg.UserID),
		ActionType: actionType,
		ActionData: data,
	}, 1)
}

// appendSnapshot logs committed's state tagged with the version it was
// committed at, retrying transient failures.
func (c *Client) appendSnapshot(ctx context.Context, committed *store.Room, actionType store.ActionType, data json.RawMessage) (*store.Action, error) {
	return c.record(ctx, store.NewAction{
		RoomID:       committed.ID,
		UserID:       store.StringPtr(c.cfg.UserID),
		ActionType:   actionType,
		ActionData:   data,
		GameState:    committed.GameState,
		StateVersion: committed.Version,
	}, snapshotAttempts)
}

func (c *Client) record(ctx context.Context, in store.NewAction, attempts int) (*store.Action, error) {
	var (
		a   *store.Action
		err error
	)
	for attempt := 1; ; attempt++ {
		a, err = c.backend.AppendAction(ctx, in)
		if err == nil || attempt >= attempts || !transient(err) {
			break
		}
		log.Debug().Err(err).Str("room_id", in.RoomID).Str("action_type", string(in.ActionType)).Int("attempt", attempt).Msg("retrying append")
		if err = sleepCtx(ctx, time.Duration(attempt)*snapshotBackoff); err != nil {
			break
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("room_id", in.RoomID).Str("user_id", c.cfg.UserID).Str("action_type", string(in.ActionType)).Msg("append action failed")
		return nil, err
	}
	log.Debug().Str("room_id", in.RoomID).Str("user_id", c.cfg.UserID).Str("action_type", string(in.ActionType)).Int64("seq", a.Seq).Msg("action appended")
	c.applyActions([]store.Action{*a}, false)
	return a, nil
}

// transient reports whether an append failure may succeed when repeated.
func transient(err error) bool {
	for _, permanent := range []error{
		context.Canceled,
		context.DeadlineExceeded,
		store.ErrNotFound,
		store.ErrRoomFinished,
		store.ErrNotSeated,
		store.ErrInvalidAction,
		store.ErrConflict,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.events.Append(events.KindError, err.Error())
}
