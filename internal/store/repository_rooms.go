package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const roomColumns = `id, game_id, status, max_players, game_state, winner_id, join_code, is_private, version, created_at, started_at, finished_at`

const playerColumns = `room_id, user_id, player_number, ready, disconnected, last_seen_at, joined_at`

func scanRoom(row pgx.Row) (*Room, error) {
	var (
		r          Room
		status     string
		gameState  []byte
		winnerID   pgtype.Text
		joinCode   pgtype.Text
		createdAt  pgtype.Timestamptz
		startedAt  pgtype.Timestamptz
		finishedAt pgtype.Timestamptz
	)
	if err := row.Scan(&r.ID, &r.GameID, &status, &r.MaxPlayers, &gameState, &winnerID, &joinCode,
		&r.IsPrivate, &r.Version, &createdAt, &startedAt, &finishedAt); err != nil {
		return nil, mapNotFound(err)
	}
	r.Status = RoomStatus(status)
	r.GameState = jsonVal(gameState)
	r.WinnerID = textPtrVal(winnerID)
	r.JoinCode = textVal(joinCode)
	r.CreatedAt = createdAt.Time.UTC()
	r.StartedAt = timePtrVal(startedAt)
	r.FinishedAt = timePtrVal(finishedAt)
	return &r, nil
}

func loadPlayers(ctx context.Context, q querier, roomID string) ([]RoomPlayer, error) {
	rows, err := q.Query(ctx, `SELECT `+playerColumns+` FROM room_players WHERE room_id = $1 ORDER BY player_number ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []RoomPlayer{}
	for rows.Next() {
		var p RoomPlayer
		if err := rows.Scan(&p.RoomID, &p.UserID, &p.PlayerNumber, &p.Ready, &p.Disconnected, &p.LastSeenAt, &p.JoinedAt); err != nil {
			return nil, err
		}
		p.LastSeenAt = p.LastSeenAt.UTC()
		p.JoinedAt = p.JoinedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func getRoom(ctx context.Context, q querier, id string, forUpdate bool) (*Room, error) {
	sql := `SELECT ` + roomColumns + ` FROM rooms WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	r, err := scanRoom(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, err
	}
	players, err := loadPlayers(ctx, q, id)
	if err != nil {
		return nil, err
	}
	r.Players = players
	return r, nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	return getRoom(ctx, s.Pool, id, false)
}

// UpdateRoom applies patch only when the stored version equals
// expectedVersion. On ErrConflict and ErrRoomFinished the current room is
// returned alongside the error.
func (s *Store) UpdateRoom(ctx context.Context, id string, expectedVersion int64, patch RoomPatch) (*Room, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := getRoom(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if cur.Status == RoomFinished {
		return cur, ErrRoomFinished
	}
	if cur.Version != expectedVersion {
		return cur, ErrConflict
	}
	next := patch.Apply(cur)
	tag, err := tx.Exec(ctx, `
UPDATE rooms
SET status = $2, game_state = $3, winner_id = $4, started_at = $5, finished_at = $6, version = $7
WHERE id = $1 AND version = $8`,
		id, string(next.Status), jsonParam(next.GameState), textParam(next.WinnerID),
		timeParam(next.StartedAt), timeParam(next.FinishedAt), next.Version, expectedVersion)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return cur, ErrConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) UpdateRoomPlayer(ctx context.Context, roomID, userID string, patch PlayerPatch) (*RoomPlayer, error) {
	var ready, disconnected pgtype.Bool
	if patch.Ready != nil {
		ready = pgtype.Bool{Bool: *patch.Ready, Valid: true}
	}
	if patch.Disconnected != nil {
		disconnected = pgtype.Bool{Bool: *patch.Disconnected, Valid: true}
	}
	row := s.Pool.QueryRow(ctx, `
UPDATE room_players
SET ready = COALESCE($3, ready),
    disconnected = COALESCE($4, disconnected),
    last_seen_at = CASE WHEN $5 THEN $6 ELSE last_seen_at END
WHERE room_id = $1 AND user_id = $2
RETURNING `+playerColumns,
		roomID, userID, ready, disconnected, patch.Heartbeat, s.clock())
	var p RoomPlayer
	if err := row.Scan(&p.RoomID, &p.UserID, &p.PlayerNumber, &p.Ready, &p.Disconnected, &p.LastSeenAt, &p.JoinedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotSeated
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) LeaveRoom(ctx context.Context, roomID, userID string) error {
	_, err := s.UpdateRoomPlayer(ctx, roomID, userID, PlayerPatch{Disconnected: BoolPtr(true)})
	return err
}

func (s *Store) ListActiveRooms(ctx context.Context, limit int) ([]Room, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+roomColumns+` FROM rooms WHERE status = 'playing' ORDER BY started_at ASC NULLS LAST LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	out := []Room{}
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		players, err := loadPlayers(ctx, s.Pool, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Players = players
	}
	return out, nil
}
