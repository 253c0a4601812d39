package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const actionColumns = `id, room_id, seq, user_id, action_type, action_data, game_state, state_version, created_at`

func scanAction(row pgx.Row) (*Action, error) {
	var (
		a          Action
		userID     pgtype.Text
		actionType string
		data       []byte
		state      []byte
	)
	if err := row.Scan(&a.ID, &a.RoomID, &a.Seq, &userID, &actionType, &data, &state, &a.StateVersion, &a.CreatedAt); err != nil {
		return nil, mapNotFound(err)
	}
	a.UserID = textPtrVal(userID)
	a.ActionType = ActionType(actionType)
	a.ActionData = jsonVal(data)
	a.GameState = jsonVal(state)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// AppendAction writes one log entry. Bumping rooms.action_seq locks the room
// row until the insert commits, so appends to one room commit in seq order.
// Finished rooms reject new entries so the log a replay reads is immutable.
func (s *Store) AppendAction(ctx context.Context, in NewAction) (*Action, error) {
	if !in.ActionType.Valid() {
		return nil, ErrInvalidAction
	}
	now := s.clock().Truncate(time.Millisecond)
	id := NewIDAt(now)
	row := s.Pool.QueryRow(ctx, `
WITH bumped AS (
	UPDATE rooms SET action_seq = action_seq + 1
	WHERE id = $2 AND status <> 'finished'
	RETURNING id, action_seq
)
INSERT INTO room_actions (id, room_id, seq, user_id, action_type, action_data, game_state, state_version, created_at)
SELECT $1, b.id, b.action_seq, $3, $4, $5, $6, $7, $8
FROM bumped b
RETURNING `+actionColumns,
		id, in.RoomID, textParam(in.UserID), string(in.ActionType), jsonParam(in.ActionData), jsonParam(in.GameState), in.StateVersion, now)
	a, err := scanAction(row)
	if errors.Is(err, ErrNotFound) {
		room, getErr := getRoom(ctx, s.Pool, in.RoomID, false)
		if getErr != nil {
			return nil, getErr
		}
		if room.Status == RoomFinished {
			return nil, ErrRoomFinished
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) ListActions(ctx context.Context, roomID string, q ActionQuery) ([]Action, error) {
	var (
		where = []string{"room_id = $1"}
		args  = []any{roomID}
	)
	if q.AfterSeq > 0 {
		args = append(args, q.AfterSeq)
		where = append(where, "seq > $"+strconv.Itoa(len(args)))
	}
	if q.Since != nil {
		args = append(args, *q.Since)
		where = append(where, "created_at > $"+strconv.Itoa(len(args)))
	}
	args = append(args, q.NormalizedLimit())
	sql := `SELECT ` + actionColumns + ` FROM room_actions WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY seq ASC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) LastAction(ctx context.Context, roomID string) (*Action, error) {
	return scanAction(s.Pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM room_actions WHERE room_id = $1 ORDER BY seq DESC LIMIT 1`, roomID))
}

func (s *Store) LastSnapshot(ctx context.Context, roomID string) (*Action, error) {
	return scanAction(s.Pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM room_actions
WHERE room_id = $1 AND game_state IS NOT NULL AND game_state <> 'null'::jsonb
ORDER BY seq DESC LIMIT 1`, roomID))
}
