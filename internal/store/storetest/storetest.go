// Package storetest holds the behaviour every store.Repository backend must
// share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"duelsync/internal/store"

	"github.com/stretchr/testify/require"
)

// Open returns a fresh, empty repository for one subtest.
type Open func(t *testing.T) store.Repository

func Run(t *testing.T, open Open) {
	t.Run("PrivateRoomJoinByCode", func(t *testing.T) { testPrivateRoom(t, open(t)) })
	t.Run("FindMatchPairsPlayers", func(t *testing.T) { testFindMatch(t, open(t)) })
	t.Run("UpdateRoomCompareAndSwap", func(t *testing.T) { testUpdateRoom(t, open(t)) })
	t.Run("ConcurrentUpdateSingleWinner", func(t *testing.T) { testConcurrentUpdate(t, open(t)) })
	t.Run("ActionLogOrderAndCursor", func(t *testing.T) { testActionLog(t, open(t)) })
	t.Run("ConcurrentAppendsGetDistinctSeqs", func(t *testing.T) { testConcurrentAppends(t, open(t)) })
	t.Run("LastSnapshot", func(t *testing.T) { testLastSnapshot(t, open(t)) })
	t.Run("FinishedRoomIsImmutable", func(t *testing.T) { testFinishedRoom(t, open(t)) })
	t.Run("PlayerFlags", func(t *testing.T) { testPlayerFlags(t, open(t)) })
	t.Run("CancelSearch", func(t *testing.T) { testCancelSearch(t, open(t)) })
	t.Run("ListActiveRooms", func(t *testing.T) { testListActiveRooms(t, open(t)) })
}

func startRoom(t *testing.T, repo store.Repository) *store.Room {
	t.Helper()
	ctx := context.Background()
	room, err := repo.CreatePrivateRoom(ctx, "rps", "alice")
	require.NoError(t, err)
	room, err = repo.JoinByCode(ctx, room.JoinCode, "bob")
	require.NoError(t, err)
	room, err = repo.UpdateRoom(ctx, room.ID, room.Version, store.RoomPatch{
		Status:    store.StatusPtr(store.RoomPlaying),
		GameState: json.RawMessage(`{"round":1}`),
		StartedAt: store.TimePtr(time.Now().UTC()),
	})
	require.NoError(t, err)
	return room
}

func testPrivateRoom(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	room, err := repo.CreatePrivateRoom(ctx, "rps", "alice")
	require.NoError(t, err)
	require.True(t, room.IsPrivate)
	require.Equal(t, store.RoomWaiting, room.Status)
	require.Len(t, room.JoinCode, store.JoinCodeLength)
	require.Len(t, room.Players, 1)
	require.Equal(t, 1, room.Players[0].PlayerNumber)

	joined, err := repo.JoinByCode(ctx, strings.ToLower(room.JoinCode), "bob")
	require.NoError(t, err)
	require.Equal(t, room.ID, joined.ID)
	require.Len(t, joined.Players, 2)
	bob, ok := joined.Player("bob")
	require.True(t, ok)
	require.Equal(t, 2, bob.PlayerNumber)

	again, err := repo.JoinByCode(ctx, room.JoinCode, "bob")
	require.NoError(t, err)
	require.Len(t, again.Players, 2)

	_, err = repo.JoinByCode(ctx, room.JoinCode, "carol")
	require.ErrorIs(t, err, store.ErrRoomFull)

	_, err = repo.JoinByCode(ctx, "ZZZZZZ", "carol")
	require.ErrorIs(t, err, store.ErrInvalidCode)
}

func testFindMatch(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	first, err := repo.FindMatch(ctx, "rps", "alice")
	require.NoError(t, err)
	require.False(t, first.IsPrivate)
	require.Len(t, first.Players, 1)

	same, err := repo.FindMatch(ctx, "rps", "alice")
	require.NoError(t, err)
	require.Equal(t, first.ID, same.ID)

	other, err := repo.FindMatch(ctx, "codebreaker", "bob")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)

	paired, err := repo.FindMatch(ctx, "rps", "carol")
	require.NoError(t, err)
	require.Equal(t, first.ID, paired.ID)
	require.Len(t, paired.Players, 2)

	next, err := repo.FindMatch(ctx, "rps", "dave")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, next.ID)
}

func testUpdateRoom(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	room, err := repo.CreatePrivateRoom(ctx, "rps", "alice")
	require.NoError(t, err)

	updated, err := repo.UpdateRoom(ctx, room.ID, room.Version, store.RoomPatch{GameState: json.RawMessage(`{"round":1}`)})
	require.NoError(t, err)
	require.Equal(t, room.Version+1, updated.Version)
	require.JSONEq(t, `{"round":1}`, string(updated.GameState))

	current, err := repo.UpdateRoom(ctx, room.ID, room.Version, store.RoomPatch{GameState: json.RawMessage(`{"round":9}`)})
	require.ErrorIs(t, err, store.ErrConflict)
	require.NotNil(t, current)
	require.Equal(t, updated.Version, current.Version)
	require.JSONEq(t, `{"round":1}`, string(current.GameState))

	_, err = repo.UpdateRoom(ctx, "missing", 1, store.RoomPatch{})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = repo.GetRoom(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentUpdate(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	room, err := repo.CreatePrivateRoom(ctx, "rps", "alice")
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateRoom(ctx, room.ID, room.Version, store.RoomPatch{GameState: json.RawMessage(`{"w":1}`)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected update error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, writers-1, conflicts)
}

func testActionLog(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	room := startRoom(t, repo)
	alice := store.StringPtr("alice")

	var ids []string
	for i := 0; i < 5; i++ {
		a, err := repo.AppendAction(ctx, store.NewAction{
			RoomID:     room.ID,
			UserID:     alice,
			ActionType: store.ActionChat,
			ActionData: json.RawMessage(`{"message":"hi"}`),
		})
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}
	sys, err := repo.AppendAction(ctx, store.NewAction{RoomID: room.ID, ActionType: store.ActionTimeout})
	require.NoError(t, err)
	require.True(t, sys.IsSystem())
	ids = append(ids, sys.ID)

	all, err := repo.ListActions(ctx, room.ID, store.ActionQuery{})
	require.NoError(t, err)
	require.Len(t, all, len(ids))
	for i, a := range all {
		require.Equal(t, ids[i], a.ID)
		require.Equal(t, int64(i+1), a.Seq)
		if i > 0 {
			require.False(t, a.CreatedAt.Before(all[i-1].CreatedAt))
		}
	}

	page, err := repo.ListActions(ctx, room.ID, store.ActionQuery{AfterSeq: all[1].Seq, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, ids[2], page[0].ID)
	require.Equal(t, ids[3], page[1].ID)

	tail, err := repo.ListActions(ctx, room.ID, store.ActionQuery{AfterSeq: all[len(all)-1].Seq})
	require.NoError(t, err)
	require.Empty(t, tail)

	last, err := repo.LastAction(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, sys.ID, last.ID)

	_, err = repo.AppendAction(ctx, store.NewAction{RoomID: room.ID, ActionType: "bogus"})
	require.ErrorIs(t, err, store.ErrInvalidAction)
	_, err = repo.AppendAction(ctx, store.NewAction{RoomID: "missing", ActionType: store.ActionChat})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentAppends(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	room := startRoom(t, repo)
	const n = 8

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.AppendAction(ctx, store.NewAction{
				RoomID:     room.ID,
				UserID:     store.StringPtr("bob"),
				ActionType: store.ActionChat,
				ActionData: json.RawMessage(`{"message":"hey"}`),
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	all, err := repo.ListActions(ctx, room.ID, store.ActionQuery{})
	require.NoError(t, err)
	require.Len(t, all, n)
	for i, a := range all {
		require.Equal(t, int64(i+1), a.Seq)
	}
	rest, err := repo.ListActions(ctx, room.ID, store.ActionQuery{AfterSeq: n / 2})
	require.NoError(t, err)
	require.Len(t, rest, n/2)
	require.Equal(t, int64(n/2+1), rest[0].Seq)
}

func testLastSnapshot(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	room := startRoom(t, repo)
	alice := store.StringPtr("alice")

	_, err := repo.LastSnapshot(ctx, room.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	move, err := repo.AppendAction(ctx, store.NewAction{
		RoomID:       room.ID,
		UserID:       alice,
		ActionType:   store.ActionMove,
		ActionData:   json.RawMessage(`{"choice":"rock"}`),
		GameState:    room.GameState,
		StateVersion: room.Version,
	})
	require.NoError(t, err)
	require.Equal(t, room.Version, move.StateVersion)
	_, err = repo.AppendAction(ctx, store.NewAction{
		RoomID:     room.ID,
		UserID:     alice,
		ActionType: store.ActionChat,
		ActionData: json.RawMessage(`{"message":"your turn"}`),
	})
	require.NoError(t, err)

	snap, err := repo.LastSnapshot(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, move.ID, snap.ID)
	require.Equal(t, room.Version, snap.StateVersion)
	require.JSONEq(t, string(room.GameState), string(snap.GameState))

	last, err := repo.LastAction(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, store.ActionChat, last.ActionType)
}

func testFinishedRoom(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	room := startRoom(t, repo)
	finished, err := repo.UpdateRoom(ctx, room.ID, room.Version, store.RoomPatch{
		Status:     store.StatusPtr(store.RoomFinished),
		WinnerID:   store.StringPtr("alice"),
		FinishedAt: store.TimePtr(time.Now().UTC()),
	})
	require.NoError(t, err)
	require.Equal(t, "alice", *finished.WinnerID)

	_, err = repo.UpdateRoom(ctx, room.ID, finished.Version, store.RoomPatch{ClearWinner: true})
	require.ErrorIs(t, err, store.ErrRoomFinished)

	_, err = repo.AppendAction(ctx, store.NewAction{RoomID: room.ID, UserID: store.StringPtr("bob"), ActionType: store.ActionMove})
	require.ErrorIs(t, err, store.ErrRoomFinished)
}

func testPlayerFlags(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	room, err := repo.CreatePrivateRoom(ctx, "rps", "alice")
	require.NoError(t, err)
	before := room.Players[0].LastSeenAt

	p, err := repo.UpdateRoomPlayer(ctx, room.ID, "alice", store.PlayerPatch{Ready: store.BoolPtr(true), Heartbeat: true})
	require.NoError(t, err)
	require.True(t, p.Ready)
	require.False(t, p.LastSeenAt.Before(before))

	require.NoError(t, repo.LeaveRoom(ctx, room.ID, "alice"))
	got, err := repo.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.True(t, got.Players[0].Disconnected)
	require.True(t, got.Players[0].Ready)
	require.Empty(t, got.ConnectedPlayers())

	_, err = repo.UpdateRoomPlayer(ctx, room.ID, "mallory", store.PlayerPatch{Heartbeat: true})
	require.ErrorIs(t, err, store.ErrNotSeated)
}

func testCancelSearch(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	room, err := repo.FindMatch(ctx, "rps", "alice")
	require.NoError(t, err)
	require.NoError(t, repo.CancelSearch(ctx, "alice"))
	_, err = repo.GetRoom(ctx, room.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	paired, err := repo.FindMatch(ctx, "rps", "bob")
	require.NoError(t, err)
	paired, err = repo.FindMatch(ctx, "rps", "carol")
	require.NoError(t, err)
	require.NoError(t, repo.CancelSearch(ctx, "bob"))
	kept, err := repo.GetRoom(ctx, paired.ID)
	require.NoError(t, err)
	require.Len(t, kept.Players, 2)
}

func testListActiveRooms(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	playing := startRoom(t, repo)
	_, err := repo.CreatePrivateRoom(ctx, "rps", "zed")
	require.NoError(t, err)

	rooms, err := repo.ListActiveRooms(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, playing.ID, rooms[0].ID)
	require.Len(t, rooms[0].Players, 2)
}
