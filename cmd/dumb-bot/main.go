package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duelsync/internal/config"
	"duelsync/internal/game"
	"duelsync/internal/game/codebreaker"
	"duelsync/internal/game/rps"
	"duelsync/internal/logging"
	"duelsync/internal/relayclient"
	"duelsync/internal/replay"
	"duelsync/internal/session"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func main() {
	logCfg, err := config.LoadLog()
	if err != nil {
		panic(err)
	}
	logging.Init(logCfg)
	cfg, err := config.LoadBot()
	if err != nil {
		log.Fatal().Err(err).Msg("load bot config failed")
	}
	userID := cfg.UserID
	if userID == "" {
		userID = "bot-" + uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := relayclient.New(cfg.RelayURL, time.Duration(cfg.RequestTimeoutMS)*time.Millisecond)
	if err := relay.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("relay_url", cfg.RelayURL).Msg("relay unreachable")
	}
	games := game.NewRegistry(rps.New(rps.DefaultMaxRounds), codebreaker.New(codebreaker.DefaultMaxAttempts))
	client := session.New(relay, games, session.ConfigFromBot(cfg, userID))
	defer client.Close()

	roomID, err := enter(ctx, client, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("user_id", userID).Msg("enter room failed")
	}
	if err := play(ctx, client, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			client.LeaveRoom()
			return
		}
		log.Fatal().Err(err).Str("room_id", roomID).Msg("match failed")
	}

	final := client.Snapshot()
	winner := ""
	if final.Room != nil && final.Room.WinnerID != nil {
		winner = *final.Room.WinnerID
	}
	log.Info().Str("room_id", roomID).Str("user_id", userID).Str("winner_id", winner).Msg("match finished")

	if err := watchReplay(ctx, relay, roomID, time.Duration(cfg.ReplayIntervalMS)*time.Millisecond); err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("replay failed")
	}
}

func enter(ctx context.Context, client *session.Client, cfg config.BotConfig) (string, error) {
	switch {
	case cfg.JoinCode != "":
		room, err := client.JoinByCode(ctx, cfg.JoinCode)
		if err != nil {
			return "", err
		}
		return room.ID, nil
	case cfg.Private:
		room, err := client.CreatePrivateRoom(ctx, cfg.GameID)
		if err != nil {
			return "", err
		}
		log.Info().Str("room_id", room.ID).Str("join_code", room.JoinCode).Msg("private room created")
		return room.ID, nil
	default:
		room, err := client.FindMatch(ctx, cfg.GameID)
		if err != nil {
			return "", err
		}
		return room.ID, nil
	}
}

// play readies up and answers every turn with a random move until the room
// finishes.
func play(ctx context.Context, client *session.Client, cfg config.BotConfig) error {
	updates := client.Subscribe()
	defer client.Unsubscribe(updates)
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	think := time.Duration(cfg.ThinkMS) * time.Millisecond
	ready := false

	for {
		view := client.Snapshot()
		switch view.Status {
		case session.StatusFinished:
			return nil
		case session.StatusIdle:
			return errors.New("left room")
		case session.StatusWaiting:
			if !ready && len(view.Players) == 2 {
				if err := client.SetReady(ctx, true); err != nil {
					log.Warn().Err(err).Msg("ready failed")
				} else {
					ready = true
				}
			}
		case session.StatusPlaying:
			if client.CanAct() {
				if err := sleep(ctx, think); err != nil {
					return err
				}
				move := randomMove(rnd, view.Room.GameID)
				_, err := client.Move(ctx, move)
				if err == nil {
					continue
				}
				log.Warn().Err(err).RawJSON("move", move).Msg("move rejected")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-updates:
			if !ok {
				return errors.New("session closed")
			}
		case <-time.After(time.Duration(cfg.PollIntervalMS) * time.Millisecond):
		}
	}
}

func randomMove(rnd *rand.Rand, gameID string) json.RawMessage {
	if gameID == string(codebreaker.GameID) {
		guess := make([]string, codebreaker.CodeLength)
		for i := range guess {
			guess[i] = codebreaker.Colors[rnd.Intn(len(codebreaker.Colors))]
		}
		return codebreaker.GuessMove(guess...)
	}
	return rps.ChoiceMove(rps.Choices[rnd.Intn(len(rps.Choices))])
}

// watchReplay plays the finished match back and logs every frame.
func watchReplay(ctx context.Context, src replay.Source, roomID string, interval time.Duration) error {
	e := replay.New(src, replay.Config{BaseInterval: interval})
	defer e.Close()
	frames := e.Subscribe()
	defer e.Unsubscribe(frames)

	if err := e.Load(ctx, roomID); err != nil {
		return err
	}
	if err := e.Play(); err != nil {
		return err
	}
	for {
		view := e.Snapshot()
		if view.CurrentActionIndex >= 0 {
			a := view.Actions[view.CurrentActionIndex]
			log.Info().
				Int("index", view.CurrentActionIndex).
				Str("action_type", string(a.ActionType)).
				Float64("progress", view.Progress).
				RawJSON("game_state", orNull(view.GameState)).
				Msg("replay frame")
		}
		if view.Status == replay.StatusFinished {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-frames:
			if !ok {
				return nil
			}
		}
	}
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
