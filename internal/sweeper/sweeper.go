// Package sweeper is the relay's system actor. It marks silent players
// disconnected and ends rooms that lost a player or stalled on a turn.
package sweeper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"duelsync/internal/config"
	"duelsync/internal/game"
	"duelsync/internal/store"

	"github.com/rs/zerolog/log"
)

const (
	ReasonDisconnect = "disconnect"
	ReasonAbandoned  = "abandoned"
	ReasonTurn       = "turn"

	finishAttempts = 3
)

type Config struct {
	Interval        time.Duration
	DisconnectAfter time.Duration
	TurnTimeout     time.Duration
	BatchSize       int
}

func ConfigFrom(c config.SweeperConfig) Config {
	return Config{
		Interval:        time.Duration(c.IntervalMS) * time.Millisecond,
		DisconnectAfter: time.Duration(c.DisconnectAfterMS) * time.Millisecond,
		TurnTimeout:     time.Duration(c.TurnTimeoutMS) * time.Millisecond,
		BatchSize:       c.BatchSize,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.DisconnectAfter <= 0 {
		c.DisconnectAfter = 30 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 2 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	return c
}

type Option func(*Sweeper)

// WithLocker makes every sweep hold l, so only one relay replica acts.
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

type Sweeper struct {
	repo   store.Repository
	games  *game.Registry
	cfg    Config
	locker Locker
	now    func() time.Time
}

// Result counts what one sweep changed.
type Result struct {
	Rooms        int
	Disconnected int
	Forfeits     int
	TurnTimeouts int
}

func New(repo store.Repository, games *game.Registry, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		repo:  repo,
		games: games,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrNotLeader) && ctx.Err() == nil {
				log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx)
		if err != nil {
			metricLockSkipped.Add(1)
			return res, err
		}
		defer unlock()
	}
	metricSweeps.Add(1)
	rooms, err := s.repo.ListActiveRooms(ctx, s.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	for i := range rooms {
		res.Rooms++
		if err := s.sweepRoom(ctx, &rooms[i], &res); err != nil {
			log.Warn().Err(err).Str("room_id", rooms[i].ID).Msg("sweep room failed")
		}
	}
	return res, nil
}

func (s *Sweeper) sweepRoom(ctx context.Context, room *store.Room, res *Result) error {
	now := s.clock()
	for i, p := range room.Players {
		if p.Disconnected || now.Sub(p.LastSeenAt) <= s.cfg.DisconnectAfter {
			continue
		}
		if _, err := s.repo.UpdateRoomPlayer(ctx, room.ID, p.UserID, store.PlayerPatch{Disconnected: store.BoolPtr(true)}); err != nil {
			return fmt.Errorf("mark disconnected: %w", err)
		}
		room.Players[i].Disconnected = true
		res.Disconnected++
		metricDisconnects.Add(1)
		log.Info().Str("room_id", room.ID).Str("user_id", p.UserID).Int("player_number", p.PlayerNumber).Msg("player marked disconnected")
	}

	data, winnerID, due, err := s.verdict(ctx, room, now)
	if err != nil || !due {
		return err
	}
	if data.Reason == ReasonTurn {
		res.TurnTimeouts++
		metricTurnTimeouts.Add(1)
	} else {
		res.Forfeits++
		metricForfeits.Add(1)
	}
	return s.timeout(ctx, room, data, winnerID)
}

// verdict decides whether room ends at now and who wins. due is false while
// the room is still live.
func (s *Sweeper) verdict(ctx context.Context, room *store.Room, now time.Time) (timeoutData, *string, bool, error) {
	var gone, present []store.RoomPlayer
	for _, p := range room.Players {
		if p.Disconnected {
			gone = append(gone, p)
		} else {
			present = append(present, p)
		}
	}
	switch {
	case len(gone) == 1 && len(present) == 1:
		return timeoutData{Reason: ReasonDisconnect, PlayerNumber: gone[0].PlayerNumber}, &present[0].UserID, true, nil
	case len(gone) > 0 && len(present) == 0:
		return timeoutData{Reason: ReasonAbandoned}, nil, true, nil
	}

	since, err := s.lastActivity(ctx, room)
	if err != nil {
		return timeoutData{}, nil, false, err
	}
	if now.Sub(since) <= s.cfg.TurnTimeout {
		return timeoutData{}, nil, false, nil
	}
	data, winnerID, err := s.turnVerdict(room)
	if err != nil {
		return timeoutData{}, nil, false, err
	}
	return data, winnerID, true, nil
}

// lastActivity is when the game state last moved: the newest logged
// snapshot, else the start. Chat and draw offers do not reset the turn clock.
func (s *Sweeper) lastActivity(ctx context.Context, room *store.Room) (time.Time, error) {
	last, err := s.repo.LastSnapshot(ctx, room.ID)
	switch {
	case err == nil:
		return last.CreatedAt, nil
	case errors.Is(err, store.ErrNotFound):
		if room.StartedAt != nil {
			return *room.StartedAt, nil
		}
		return room.CreatedAt, nil
	default:
		return time.Time{}, err
	}
}

// turnVerdict picks the winner of a stalled room: the only player the game
// is not waiting on, or nobody.
func (s *Sweeper) turnVerdict(room *store.Room) (timeoutData, *string, error) {
	data := timeoutData{Reason: ReasonTurn}
	red, err := s.games.Get(room.GameID)
	if err != nil {
		return data, nil, err
	}
	awaiting, err := red.Awaiting(room.GameState)
	if err != nil {
		return data, nil, err
	}
	if len(awaiting) != 1 {
		return data, nil, nil
	}
	data.PlayerNumber = awaiting[0]
	winner, ok := room.PlayerByNumber(3 - awaiting[0])
	if !ok {
		return data, nil, nil
	}
	return data, &winner.UserID, nil
}

type timeoutData struct {
	Reason       string `json:"reason"`
	PlayerNumber int    `json:"player_number,omitempty"`
}

// timeout logs the system action and then finishes the room. The action
// goes first because a finished room's log is closed.
func (s *Sweeper) timeout(ctx context.Context, room *store.Room, data timeoutData, winnerID *string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := s.repo.AppendAction(ctx, store.NewAction{
		RoomID:     room.ID,
		ActionType: store.ActionTimeout,
		ActionData: raw,
	}); err != nil {
		if errors.Is(err, store.ErrRoomFinished) {
			return nil
		}
		return fmt.Errorf("append timeout: %w", err)
	}

	current := room
	for i := 0; i < finishAttempts; i++ {
		now := s.clock()
		patch := store.RoomPatch{
			Status:     store.StatusPtr(store.RoomFinished),
			FinishedAt: &now,
		}
		if winnerID != nil {
			patch.WinnerID = winnerID
		} else {
			patch.ClearWinner = true
		}
		_, err := s.repo.UpdateRoom(ctx, room.ID, current.Version, patch)
		switch {
		case err == nil:
			log.Info().
				Str("room_id", room.ID).
				Str("reason", data.Reason).
				Int("player_number", data.PlayerNumber).
				Interface("winner_id", winnerID).
				Msg("room timed out")
			return nil
		case errors.Is(err, store.ErrRoomFinished):
			return nil
		case errors.Is(err, store.ErrConflict):
			current, err = s.repo.GetRoom(ctx, room.ID)
			if err != nil {
				return err
			}
			if current.Status != store.RoomPlaying {
				return nil
			}
			// A move that landed meanwhile, or a player who came back,
			// voids the verdict.
			if data.Reason == ReasonTurn && !bytes.Equal(current.GameState, room.GameState) {
				s.superseded(room.ID, data)
				return nil
			}
			next, nextWinner, due, err := s.verdict(ctx, current, s.clock())
			if err != nil {
				return err
			}
			if !due || next != data {
				s.superseded(room.ID, data)
				return nil
			}
			winnerID = nextWinner
		default:
			return fmt.Errorf("finish room: %w", err)
		}
	}
	return store.ErrConflict
}

func (s *Sweeper) superseded(roomID string, data timeoutData) {
	metricSuperseded.Add(1)
	log.Info().Str("room_id", roomID).Str("reason", data.Reason).Int("player_number", data.PlayerNumber).Msg("timeout superseded")
}

func (s *Sweeper) clock() time.Time {
	return s.now().UTC()
}
