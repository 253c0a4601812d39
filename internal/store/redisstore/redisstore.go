// Package redisstore keeps rooms and action logs in Redis. Room records are
// JSON blobs guarded by WATCH/MULTI so every write is a compare-and-swap.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"duelsync/internal/store"

	"github.com/go-redis/redis/v8"
)

const txRetries = 16

var errTxExhausted = errors.New("redis transaction retries exhausted")

type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ store.Repository = (*Store)(nil)

// New wraps client. prefix namespaces every key the store touches.
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Open parses a redis:// URL and connects.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client, prefix), nil
}

func (s *Store) Client() *redis.Client { return s.client }

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *Store) clock() time.Time { return s.now().UTC() }

func (s *Store) roomKey(id string) string { return s.prefix + "room:" + id }
func (s *Store) actionsKey(id string) string { return s.prefix + "actions:" + id }
func (s *Store) codeKey(code string) string { return s.prefix + "code:" + code }
func (s *Store) waitingKey(game string) string { return s.prefix + "waiting:" + game }
func (s *Store) userKey(userID string) string { return s.prefix + "user:" + userID }
func (s *Store) activeKey() string { return s.prefix + "active" }

// txn runs fn under WATCH on keys, retrying when a watched key changes
// before EXEC.
func (s *Store) txn(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errTxExhausted
}

// reader is the read side shared by *redis.Client and *redis.Tx.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

func loadRoom(ctx context.Context, c reader, key string) (*store.Room, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r store.Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r.Players == nil {
		r.Players = []store.RoomPlayer{}
	}
	return &r, nil
}

func encodeRoom(r *store.Room) ([]byte, error) {
	return json.Marshal(r)
}

func (s *Store) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	return loadRoom(ctx, s.client, s.roomKey(id))
}

func (s *Store) UpdateRoom(ctx context.Context, id string, expectedVersion int64, patch store.RoomPatch) (*store.Room, error) {
	var (
		out    *store.Room
		outErr error
	)
	key := s.roomKey(id)
	err := s.txn(ctx, func(tx *redis.Tx) error {
		cur, err := loadRoom(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur.Status == store.RoomFinished {
			out, outErr = cur, store.ErrRoomFinished
			return nil
		}
		if cur.Version != expectedVersion {
			out, outErr = cur, store.ErrConflict
			return nil
		}
		next := patch.Apply(cur)
		raw, err := encodeRoom(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, raw, 0)
			if cur.Status != next.Status {
				s.reindex(ctx, p, cur, next)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out, outErr = next, nil
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return out, outErr
}

func (s *Store) reindex(ctx context.Context, p redis.Pipeliner, prev, next *store.Room) {
	if prev.Status == store.RoomWaiting && !prev.IsPrivate {
		p.ZRem(ctx, s.waitingKey(prev.GameID), prev.ID)
	}
	switch next.Status {
	case store.RoomPlaying:
		started := next.CreatedAt
		if next.StartedAt != nil {
			started = *next.StartedAt
		}
		p.ZAdd(ctx, s.activeKey(), &redis.Z{Score: float64(started.UnixMilli()), Member: next.ID})
	case store.RoomFinished:
		p.ZRem(ctx, s.activeKey(), next.ID)
	}
}

// AppendAction watches the room and its log. A concurrent append changes the
// list and aborts this one, so list position, seq and commit order agree.
func (s *Store) AppendAction(ctx context.Context, in store.NewAction) (*store.Action, error) {
	if !in.ActionType.Valid() {
		return nil, store.ErrInvalidAction
	}
	var out *store.Action
	key := s.roomKey(in.RoomID)
	logKey := s.actionsKey(in.RoomID)
	err := s.txn(ctx, func(tx *redis.Tx) error {
		room, err := loadRoom(ctx, tx, key)
		if err != nil {
			return err
		}
		if room.Status == store.RoomFinished {
			return store.ErrRoomFinished
		}
		n, err := tx.LLen(ctx, logKey).Result()
		if err != nil {
			return err
		}
		now := s.clock().Truncate(time.Millisecond)
		a := store.Action{
			ID:           store.NewIDAt(now),
			RoomID:       in.RoomID,
			Seq:          n + 1,
			UserID:       in.UserID,
			ActionType:   in.ActionType,
			ActionData:   in.ActionData,
			GameState:    in.GameState,
			StateVersion: in.StateVersion,
			CreatedAt:    now,
		}
		raw, err := json.Marshal(a)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.RPush(ctx, logKey, raw)
			return nil
		})
		if err != nil {
			return err
		}
		out = &a
		return nil
	}, key, logKey)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// loadActions decodes the log from list index start (seq start+1) to stop.
func (s *Store) loadActions(ctx context.Context, roomID string, start, stop int64) ([]store.Action, error) {
	raws, err := s.client.LRange(ctx, s.actionsKey(roomID), start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]store.Action, 0, len(raws))
	for _, raw := range raws {
		var a store.Action
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) ListActions(ctx context.Context, roomID string, q store.ActionQuery) ([]store.Action, error) {
	limit := q.NormalizedLimit()
	stop := int64(-1)
	if q.Since == nil {
		stop = q.AfterSeq + int64(limit) - 1
	}
	page, err := s.loadActions(ctx, roomID, q.AfterSeq, stop)
	if err != nil {
		return nil, err
	}
	out := []store.Action{}
	for _, a := range page {
		if !q.Matches(a) {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) LastAction(ctx context.Context, roomID string) (*store.Action, error) {
	last, err := s.loadActions(ctx, roomID, -1, -1)
	if err != nil {
		return nil, err
	}
	if len(last) == 0 {
		return nil, store.ErrNotFound
	}
	return &last[0], nil
}

func (s *Store) LastSnapshot(ctx context.Context, roomID string) (*store.Action, error) {
	all, err := s.loadActions(ctx, roomID, 0, -1)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].HasSnapshot() {
			return &all[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateRoomPlayer(ctx context.Context, roomID, userID string, patch store.PlayerPatch) (*store.RoomPlayer, error) {
	var out *store.RoomPlayer
	key := s.roomKey(roomID)
	err := s.txn(ctx, func(tx *redis.Tx) error {
		room, err := loadRoom(ctx, tx, key)
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotSeated
		}
		if err != nil {
			return err
		}
		idx := -1
		for i := range room.Players {
			if room.Players[i].UserID == userID {
				idx = i
			}
		}
		if idx < 0 {
			return store.ErrNotSeated
		}
		p := &room.Players[idx]
		if patch.Ready != nil {
			p.Ready = *patch.Ready
		}
		if patch.Disconnected != nil {
			p.Disconnected = *patch.Disconnected
		}
		if patch.Heartbeat {
			p.LastSeenAt = s.clock()
		}
		raw, err := encodeRoom(room)
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		}); err != nil {
			return err
		}
		player := *p
		out = &player
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) LeaveRoom(ctx context.Context, roomID, userID string) error {
	_, err := s.UpdateRoomPlayer(ctx, roomID, userID, store.PlayerPatch{Disconnected: store.BoolPtr(true)})
	return err
}

func (s *Store) ListActiveRooms(ctx context.Context, limit int) ([]store.Room, error) {
	if limit <= 0 {
		limit = 200
	}
	ids, err := s.client.ZRange(ctx, s.activeKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]store.Room, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRoom(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.Status == store.RoomPlaying {
			out = append(out, *r)
		}
	}
	return out, nil
}
