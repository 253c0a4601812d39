package redisstore

import (
	"context"
	"errors"
	"time"

	"duelsync/internal/store"

	"github.com/go-redis/redis/v8"
)

const joinCodeAttempts = 5

// seatedRoom returns the newest live room for gameID in which userID still
// holds a connected seat.
func (s *Store) seatedRoom(ctx context.Context, c reader, gameID, userID string) (*store.Room, error) {
	ids, err := c.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var found *store.Room
	for _, id := range ids {
		r, err := loadRoom(ctx, c, s.roomKey(id))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.GameID != gameID || r.Status == store.RoomFinished {
			continue
		}
		if p, ok := r.Player(userID); !ok || p.Disconnected {
			continue
		}
		if found == nil || r.CreatedAt.After(found.CreatedAt) {
			found = r
		}
	}
	return found, nil
}

func (s *Store) FindMatch(ctx context.Context, gameID, userID string) (*store.Room, error) {
	var out *store.Room
	waiting := s.waitingKey(gameID)
	err := s.txn(ctx, func(tx *redis.Tx) error {
		seated, err := s.seatedRoom(ctx, tx, gameID, userID)
		if err != nil {
			return err
		}
		if seated != nil {
			out = seated
			return nil
		}

		now := s.clock()
		ids, err := tx.ZRange(ctx, waiting, 0, -1).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			key := s.roomKey(id)
			if err := tx.Watch(ctx, key).Err(); err != nil {
				return err
			}
			room, err := loadRoom(ctx, tx, key)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if room.Status != store.RoomWaiting || len(room.Players) >= room.MaxPlayers || hasDisconnected(room) {
				continue
			}
			if err := seat(room, userID, now); err != nil {
				continue
			}
			raw, err := encodeRoom(room)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, raw, 0)
				p.SAdd(ctx, s.userKey(userID), room.ID)
				if len(room.Players) >= room.MaxPlayers {
					p.ZRem(ctx, waiting, room.ID)
				}
				return nil
			})
			if err != nil {
				return err
			}
			out = room
			return nil
		}

		room := newRoom(gameID, "", false, now)
		if err := seat(room, userID, now); err != nil {
			return err
		}
		raw, err := encodeRoom(room)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.roomKey(room.ID), raw, 0)
			p.ZAdd(ctx, waiting, &redis.Z{Score: float64(now.UnixMilli()), Member: room.ID})
			p.SAdd(ctx, s.userKey(userID), room.ID)
			return nil
		})
		if err != nil {
			return err
		}
		out = room
		return nil
	}, waiting, s.userKey(userID))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreatePrivateRoom(ctx context.Context, gameID, userID string) (*store.Room, error) {
	now := s.clock()
	for i := 0; i < joinCodeAttempts; i++ {
		room := newRoom(gameID, store.NewJoinCode(), true, now)
		if err := seat(room, userID, now); err != nil {
			return nil, err
		}
		raw, err := encodeRoom(room)
		if err != nil {
			return nil, err
		}
		claimed, err := s.client.SetNX(ctx, s.codeKey(room.JoinCode), room.ID, 0).Result()
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.roomKey(room.ID), raw, 0)
			p.SAdd(ctx, s.userKey(userID), room.ID)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return room, nil
	}
	return nil, errors.New("join code space exhausted")
}

func (s *Store) JoinByCode(ctx context.Context, code, userID string) (*store.Room, error) {
	roomID, err := s.client.Get(ctx, s.codeKey(store.NormalizeJoinCode(code))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}
	var out *store.Room
	key := s.roomKey(roomID)
	err = s.txn(ctx, func(tx *redis.Tx) error {
		room, err := loadRoom(ctx, tx, key)
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrInvalidCode
		}
		if err != nil {
			return err
		}
		if p, ok := room.Player(userID); ok && !p.Disconnected {
			out = room
			return nil
		}
		if _, ok := room.Player(userID); ok || room.Status != store.RoomWaiting || len(room.Players) >= room.MaxPlayers {
			return store.ErrRoomFull
		}
		if err := seat(room, userID, s.clock()); err != nil {
			return err
		}
		raw, err := encodeRoom(room)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, raw, 0)
			p.SAdd(ctx, s.userKey(userID), room.ID)
			return nil
		})
		if err != nil {
			return err
		}
		out = room
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CancelSearch(ctx context.Context, userID string) error {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		key := s.roomKey(id)
		err := s.txn(ctx, func(tx *redis.Tx) error {
			room, err := loadRoom(ctx, tx, key)
			if errors.Is(err, store.ErrNotFound) {
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.SRem(ctx, s.userKey(userID), id)
					return nil
				})
				return err
			}
			if err != nil {
				return err
			}
			if room.Status != store.RoomWaiting || len(room.Players) != 1 || room.Players[0].UserID != userID {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, key, s.actionsKey(id))
				p.ZRem(ctx, s.waitingKey(room.GameID), id)
				p.SRem(ctx, s.userKey(userID), id)
				if room.JoinCode != "" {
					p.Del(ctx, s.codeKey(room.JoinCode))
				}
				return nil
			})
			return err
		}, key)
		if err != nil {
			return err
		}
	}
	return nil
}

func newRoom(gameID, code string, private bool, now time.Time) *store.Room {
	return &store.Room{
		ID:         store.NewIDAt(now),
		GameID:     gameID,
		Status:     store.RoomWaiting,
		MaxPlayers: store.MaxPlayers,
		JoinCode:   code,
		IsPrivate:  private,
		Version:    1,
		CreatedAt:  now,
		Players:    []store.RoomPlayer{},
	}
}

func seat(r *store.Room, userID string, now time.Time) error {
	taken := map[int]bool{}
	for _, p := range r.Players {
		taken[p.PlayerNumber] = true
	}
	for n := 1; n <= r.MaxPlayers; n++ {
		if taken[n] {
			continue
		}
		r.Players = append(r.Players, store.RoomPlayer{
			RoomID:       r.ID,
			UserID:       userID,
			PlayerNumber: n,
			LastSeenAt:   now,
			JoinedAt:     now,
		})
		return nil
	}
	return store.ErrRoomFull
}

func hasDisconnected(r *store.Room) bool {
	for _, p := range r.Players {
		if p.Disconnected {
			return true
		}
	}
	return false
}
