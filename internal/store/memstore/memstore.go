// Package memstore is an in-process store.Repository for the relay's memory
// backend and for tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"duelsync/internal/store"
)

type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	rooms   map[string]*store.Room
	actions map[string][]store.Action
	codes   map[string]string
}

var _ store.Repository = (*Store)(nil)

type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		rooms:   map[string]*store.Room{},
		actions: map[string][]store.Action{},
		codes:   map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) GetRoom(_ context.Context, id string) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) UpdateRoom(_ context.Context, id string, expectedVersion int64, patch store.RoomPatch) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if cur.Status == store.RoomFinished {
		return cur.Clone(), store.ErrRoomFinished
	}
	if cur.Version != expectedVersion {
		return cur.Clone(), store.ErrConflict
	}
	next := patch.Apply(cur)
	s.rooms[id] = next
	return next.Clone(), nil
}

func (s *Store) AppendAction(_ context.Context, in store.NewAction) (*store.Action, error) {
	if !in.ActionType.Valid() {
		return nil, store.ErrInvalidAction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[in.RoomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if r.Status == store.RoomFinished {
		return nil, store.ErrRoomFinished
	}
	now := s.clock().Truncate(time.Millisecond)
	list := s.actions[in.RoomID]
	a := store.Action{
		ID:           store.NewIDAt(now),
		RoomID:       in.RoomID,
		Seq:          int64(len(list)) + 1,
		ActionType:   in.ActionType,
		ActionData:   cloneJSON(in.ActionData),
		GameState:    cloneJSON(in.GameState),
		StateVersion: in.StateVersion,
		CreatedAt:    now,
	}
	if in.UserID != nil {
		a.UserID = store.StringPtr(*in.UserID)
	}
	s.actions[in.RoomID] = append(list, a)
	return cloneAction(a), nil
}

func (s *Store) ListActions(_ context.Context, roomID string, q store.ActionQuery) ([]store.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := q.NormalizedLimit()
	out := []store.Action{}
	for _, a := range s.actions[roomID] {
		if !q.Matches(a) {
			continue
		}
		out = append(out, *cloneAction(a))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) LastAction(_ context.Context, roomID string) (*store.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.actions[roomID]
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	return cloneAction(list[len(list)-1]), nil
}

func (s *Store) LastSnapshot(_ context.Context, roomID string) (*store.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.actions[roomID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].HasSnapshot() {
			return cloneAction(list[i]), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateRoomPlayer(_ context.Context, roomID, userID string, patch store.PlayerPatch) (*store.RoomPlayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, store.ErrNotSeated
	}
	for i := range r.Players {
		p := &r.Players[i]
		if p.UserID != userID {
			continue
		}
		if patch.Ready != nil {
			p.Ready = *patch.Ready
		}
		if patch.Disconnected != nil {
			p.Disconnected = *patch.Disconnected
		}
		if patch.Heartbeat {
			p.LastSeenAt = s.clock()
		}
		out := *p
		return &out, nil
	}
	return nil, store.ErrNotSeated
}

func (s *Store) LeaveRoom(ctx context.Context, roomID, userID string) error {
	_, err := s.UpdateRoomPlayer(ctx, roomID, userID, store.PlayerPatch{Disconnected: store.BoolPtr(true)})
	return err
}

func (s *Store) FindMatch(_ context.Context, gameID, userID string) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		seated *store.Room
		open   *store.Room
	)
	for _, r := range s.rooms {
		if r.GameID != gameID || r.Status == store.RoomFinished {
			continue
		}
		if p, ok := r.Player(userID); ok && !p.Disconnected {
			if seated == nil || r.CreatedAt.After(seated.CreatedAt) {
				seated = r
			}
			continue
		}
		if r.Status != store.RoomWaiting || r.IsPrivate || len(r.Players) >= r.MaxPlayers || hasDisconnected(r) {
			continue
		}
		if open == nil || r.CreatedAt.Before(open.CreatedAt) ||
			(r.CreatedAt.Equal(open.CreatedAt) && r.ID < open.ID) {
			open = r
		}
	}
	if seated != nil {
		return seated.Clone(), nil
	}
	now := s.clock()
	if open == nil {
		open = s.newRoom(gameID, "", false, now)
	}
	if err := seat(open, userID, now); err != nil {
		return nil, err
	}
	return open.Clone(), nil
}

func (s *Store) CreatePrivateRoom(_ context.Context, gameID, userID string) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := store.NewJoinCode()
	for s.codes[code] != "" {
		code = store.NewJoinCode()
	}
	now := s.clock()
	r := s.newRoom(gameID, code, true, now)
	if err := seat(r, userID, now); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

func (s *Store) JoinByCode(_ context.Context, code, userID string) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[store.NormalizeJoinCode(code)]
	if !ok {
		return nil, store.ErrInvalidCode
	}
	r := s.rooms[id]
	if p, ok := r.Player(userID); ok && !p.Disconnected {
		return r.Clone(), nil
	}
	if r.Status != store.RoomWaiting || len(r.Players) >= r.MaxPlayers {
		return nil, store.ErrRoomFull
	}
	if _, ok := r.Player(userID); ok {
		return nil, store.ErrRoomFull
	}
	if err := seat(r, userID, s.clock()); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

func (s *Store) CancelSearch(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rooms {
		if r.Status != store.RoomWaiting || len(r.Players) != 1 || r.Players[0].UserID != userID {
			continue
		}
		delete(s.rooms, id)
		delete(s.actions, id)
		if r.JoinCode != "" {
			delete(s.codes, r.JoinCode)
		}
	}
	return nil
}

func (s *Store) ListActiveRooms(_ context.Context, limit int) ([]store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	out := []store.Room{}
	for _, r := range s.rooms {
		if r.Status == store.RoomPlaying {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return startedAt(out[i]).Before(startedAt(out[j]))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) newRoom(gameID, code string, private bool, now time.Time) *store.Room {
	r := &store.Room{
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
	s.rooms[r.ID] = r
	if code != "" {
		s.codes[code] = r.ID
	}
	return r
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
		sort.Slice(r.Players, func(i, j int) bool { return r.Players[i].PlayerNumber < r.Players[j].PlayerNumber })
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

func startedAt(r store.Room) time.Time {
	if r.StartedAt == nil {
		return r.CreatedAt
	}
	return *r.StartedAt
}

func cloneAction(a store.Action) *store.Action {
	out := a
	out.ActionData = cloneJSON(a.ActionData)
	out.GameState = cloneJSON(a.GameState)
	if a.UserID != nil {
		out.UserID = store.StringPtr(*a.UserID)
	}
	return &out
}

func cloneJSON(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
