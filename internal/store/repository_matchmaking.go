package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const joinCodeAttempts = 5

// FindMatch seats userID in the oldest open public room for gameID, or opens
// a new one. A user already seated in a live room for the game gets that room
// back.
func (s *Store) FindMatch(ctx context.Context, gameID, userID string) (*Room, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var roomID string
	err = tx.QueryRow(ctx, `
SELECT r.id
FROM rooms r
JOIN room_players p ON p.room_id = r.id
WHERE r.game_id = $1 AND r.status <> 'finished' AND p.user_id = $2 AND NOT p.disconnected
ORDER BY r.created_at DESC
LIMIT 1`, gameID, userID).Scan(&roomID)
	switch {
	case err == nil:
		return getRoom(ctx, tx, roomID, false)
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}

	now := s.clock()
	err = tx.QueryRow(ctx, `
SELECT r.id
FROM rooms r
WHERE r.game_id = $1 AND r.status = 'waiting' AND NOT r.is_private
  AND (SELECT count(*) FROM room_players p WHERE p.room_id = r.id) < r.max_players
  AND NOT EXISTS (SELECT 1 FROM room_players p WHERE p.room_id = r.id AND p.disconnected)
ORDER BY r.created_at ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`, gameID).Scan(&roomID)
	switch {
	case err == nil:
		if err := seatPlayer(ctx, tx, roomID, userID, now); err != nil {
			return nil, err
		}
	case errors.Is(err, pgx.ErrNoRows):
		roomID = NewIDAt(now)
		if err := insertRoom(ctx, tx, roomID, gameID, "", false, now); err != nil {
			return nil, err
		}
		if err := seatPlayer(ctx, tx, roomID, userID, now); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	room, err := getRoom(ctx, tx, roomID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *Store) CreatePrivateRoom(ctx context.Context, gameID, userID string) (*Room, error) {
	var lastErr error
	for i := 0; i < joinCodeAttempts; i++ {
		room, err := s.createPrivateRoom(ctx, gameID, userID, NewJoinCode())
		if err == nil {
			return room, nil
		}
		if !isPgCode(err, pgUniqueViolation) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Store) createPrivateRoom(ctx context.Context, gameID, userID, code string) (*Room, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.clock()
	roomID := NewIDAt(now)
	if err := insertRoom(ctx, tx, roomID, gameID, code, true, now); err != nil {
		return nil, err
	}
	if err := seatPlayer(ctx, tx, roomID, userID, now); err != nil {
		return nil, err
	}
	room, err := getRoom(ctx, tx, roomID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *Store) JoinByCode(ctx context.Context, code, userID string) (*Room, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var roomID string
	if err := tx.QueryRow(ctx, `SELECT id FROM rooms WHERE join_code = $1 FOR UPDATE`, NormalizeJoinCode(code)).Scan(&roomID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCode
		}
		return nil, err
	}
	room, err := getRoom(ctx, tx, roomID, false)
	if err != nil {
		return nil, err
	}
	if p, ok := room.Player(userID); ok && !p.Disconnected {
		return room, nil
	}
	if room.Status != RoomWaiting || len(room.Players) >= room.MaxPlayers {
		return nil, ErrRoomFull
	}
	if err := seatPlayer(ctx, tx, roomID, userID, s.clock()); err != nil {
		return nil, err
	}
	room, err = getRoom(ctx, tx, roomID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return room, nil
}

// CancelSearch drops every waiting room where userID is the only occupant.
func (s *Store) CancelSearch(ctx context.Context, userID string) error {
	_, err := s.Pool.Exec(ctx, `
DELETE FROM rooms r
WHERE r.status = 'waiting'
  AND EXISTS (SELECT 1 FROM room_players p WHERE p.room_id = r.id AND p.user_id = $1)
  AND (SELECT count(*) FROM room_players p WHERE p.room_id = r.id) = 1`, userID)
	return err
}

func insertRoom(ctx context.Context, q querier, id, gameID, code string, private bool, now time.Time) error {
	_, err := q.Exec(ctx, `
INSERT INTO rooms (id, game_id, status, max_players, join_code, is_private, version, created_at)
VALUES ($1, $2, 'waiting', $3, $4, $5, 1, $6)`,
		id, gameID, MaxPlayers, codeParam(code), private, now)
	return err
}

// seatPlayer takes the lowest free player number. The caller holds the room
// row lock.
func seatPlayer(ctx context.Context, q querier, roomID, userID string, now time.Time) error {
	players, err := loadPlayers(ctx, q, roomID)
	if err != nil {
		return err
	}
	number := freeSeat(players)
	if number == 0 {
		return ErrRoomFull
	}
	_, err = q.Exec(ctx, `
INSERT INTO room_players (room_id, user_id, player_number, ready, disconnected, last_seen_at, joined_at)
VALUES ($1, $2, $3, FALSE, FALSE, $4, $4)`,
		roomID, userID, number, now)
	if isPgCode(err, pgUniqueViolation) {
		return ErrRoomFull
	}
	return err
}

func freeSeat(players []RoomPlayer) int {
	taken := map[int]bool{}
	for _, p := range players {
		taken[p.PlayerNumber] = true
	}
	for n := 1; n <= MaxPlayers; n++ {
		if !taken[n] {
			return n
		}
	}
	return 0
}
