package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"duelsync/internal/events"
	"duelsync/internal/game"
	"duelsync/internal/store"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func (c *Client) startLoop() {
	c.loopOnce.Do(func() {
		c.wg.Add(1)
		go c.loop()
	})
}

func (c *Client) loop() {
	defer c.wg.Done()
	poll := time.NewTicker(c.cfg.PollInterval)
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer poll.Stop()
	defer heartbeat.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-poll.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
			if err := c.Sync(ctx); err != nil && !errors.Is(err, ErrNoRoom) {
				log.Debug().Err(err).Str("user_id", c.cfg.UserID).Msg("poll failed")
			}
			cancel()
		case <-heartbeat.C:
			c.heartbeat()
		}
	}
}

// Sync runs one poll: the room snapshot and any new actions are fetched
// concurrently, then applied. The poll loop calls it on every tick.
func (c *Client) Sync(ctx context.Context) error {
	c.mu.Lock()
	if c.room == nil {
		c.mu.Unlock()
		return ErrNoRoom
	}
	roomID := c.room.ID
	after := c.lastSeq
	c.mu.Unlock()

	var (
		room    *store.Room
		actions []store.Action
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := c.backend.GetRoom(gctx, roomID)
		room = r
		return err
	})
	g.Go(func() error {
		a, err := c.fetchActions(gctx, roomID, after)
		actions = a
		return err
	})
	if err := g.Wait(); err != nil {
		c.recordFailure(roomID, err)
		return err
	}
	c.recordSuccess()

	if !c.inRoom(roomID) {
		return nil
	}
	c.applyRoom(room)
	c.applyActions(actions, true)
	c.afterSync(ctx)
	return nil
}

func (c *Client) fetchActions(ctx context.Context, roomID string, after int64) ([]store.Action, error) {
	var out []store.Action
	for {
		page, err := c.backend.ListActions(ctx, roomID, store.ActionQuery{AfterSeq: after, Limit: actionPageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < actionPageSize {
			return out, nil
		}
		after = page[len(page)-1].Seq
	}
}

func (c *Client) inRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room != nil && c.room.ID == roomID
}

func (c *Client) afterSync(ctx context.Context) {
	room, _, err := c.current()
	if err != nil {
		return
	}
	switch room.Status {
	case store.RoomWaiting:
		if err := c.maybeStart(ctx); err != nil {
			log.Debug().Err(err).Str("room_id", room.ID).Msg("start game failed")
		}
	case store.RoomPlaying:
		c.afterCommit(ctx)
	}
}

func (c *Client) recordFailure(roomID string, err error) {
	c.mu.Lock()
	c.failures++
	failures := c.failures
	crossed := c.connected && failures >= c.cfg.FailureThreshold
	if crossed {
		c.connected = false
		c.err = ErrConnectivity
	}
	c.mu.Unlock()
	if crossed {
		log.Warn().Err(err).Str("room_id", roomID).Str("user_id", c.cfg.UserID).Int("failures", failures).Msg("connectivity lost")
		c.events.Append(events.KindConnectivity, false)
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	restored := !c.connected
	if restored {
		c.connected = true
		if errors.Is(c.err, ErrConnectivity) {
			c.err = nil
		}
	}
	c.mu.Unlock()
	if restored {
		log.Info().Str("user_id", c.cfg.UserID).Msg("connectivity restored")
		c.events.Append(events.KindConnectivity, true)
	}
}

func (c *Client) heartbeat() {
	room, _, err := c.current()
	if err != nil || room.Status == store.RoomFinished {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.backend.UpdateRoomPlayer(ctx, room.ID, c.cfg.UserID, store.PlayerPatch{Heartbeat: true}); err != nil {
		log.Debug().Err(err).Str("room_id", room.ID).Str("user_id", c.cfg.UserID).Msg("heartbeat failed")
	}
}

type chatBody struct {
	Message string `json:"message"`
}

// applyActions records side effects of log entries not seen before: chat
// lines, draw offers and the opponent's last activity. Game state is never
// taken from actions; the room snapshot is authoritative. Only the poll
// advances the cursor.
func (c *Client) applyActions(actions []store.Action, advance bool) {
	var fresh []store.Action
	c.mu.Lock()
	for _, a := range actions {
		if advance && a.Seq > c.lastSeq {
			c.lastSeq = a.Seq
		}
		if _, ok := c.applied[a.ID]; ok {
			continue
		}
		c.applied[a.ID] = struct{}{}
		fresh = append(fresh, a)

		player := 0
		mine := a.UserID != nil && *a.UserID == c.cfg.UserID
		if a.UserID != nil && c.room != nil {
			if p, ok := c.room.Player(*a.UserID); ok {
				player = p.PlayerNumber
			}
		}
		switch a.ActionType {
		case store.ActionChat:
			var body chatBody
			if err := json.Unmarshal(a.ActionData, &body); err == nil {
				msg := ChatMessage{ActionID: a.ID, PlayerNumber: player, Message: body.Message, At: a.CreatedAt}
				if a.UserID != nil {
					msg.UserID = *a.UserID
				}
				c.transcript = append(c.transcript, msg)
			}
		case store.ActionOfferDraw:
			if c.room != nil && c.room.Status == store.RoomPlaying {
				c.drawOfferBy = player
			}
		case store.ActionAcceptDraw, store.ActionDeclineDraw:
			c.drawOfferBy = 0
		}
		if !mine && !a.IsSystem() {
			at := a.CreatedAt
			c.opponentActedAt = &at
		}
	}
	c.mu.Unlock()

	for _, a := range fresh {
		kind := events.KindAction
		if a.ActionType == store.ActionChat {
			kind = events.KindChat
		}
		c.events.Append(kind, a.ID)
	}
}

// armReveal schedules the advance move for a state stalled on one. Whichever
// client's timer fires first wins the CAS; the other adopts. Close waits for
// a timer that already fired.
func (c *Client) armReveal(room *store.Room, red game.Reducer) {
	adv, ok := red.(game.Advancer)
	if !ok {
		return
	}
	data, pending, err := adv.PendingAdvance(room.GameState)
	if err != nil || !pending {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil || (c.revealTimer != nil && c.revealVersion == room.Version) {
		return
	}
	c.stopRevealLocked()
	version := room.Version
	c.revealVersion = version
	c.wg.Add(1)
	c.revealTimer = time.AfterFunc(c.cfg.RevealDelay, func() {
		defer c.wg.Done()
		c.fireReveal(version, data)
	})
}

func (c *Client) fireReveal(version int64, data json.RawMessage) {
	if c.ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	stale := c.room == nil || c.room.Version != version
	c.mu.Unlock()
	if stale {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.move(ctx, data, false); err != nil {
		if game.IsValidationError(err) || errors.Is(err, ErrDiscarded) || errors.Is(err, ErrNotPlaying) {
			return
		}
		log.Warn().Err(err).Str("user_id", c.cfg.UserID).Int64("version", version).Msg("advance failed")
	}
}
