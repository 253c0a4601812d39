package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"duelsync/internal/game"
	"duelsync/internal/game/codebreaker"
	"duelsync/internal/game/rps"
	"duelsync/internal/replay"
	"duelsync/internal/store"
	"duelsync/internal/store/memstore"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type spyBackend struct {
	Backend
	failReads   atomic.Bool
	failAppends atomic.Int32
	writes      atomic.Int32
}

func (p *spyBackend) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	if p.failReads.Load() {
		return nil, errors.New("network down")
	}
	return p.Backend.GetRoom(ctx, id)
}

func (p *spyBackend) UpdateRoom(ctx context.Context, id string, expectedVersion int64, patch store.RoomPatch) (*store.Room, error) {
	p.writes.Add(1)
	return p.Backend.UpdateRoom(ctx, id, expectedVersion, patch)
}

func (p *spyBackend) AppendAction(ctx context.Context, a store.NewAction) (*store.Action, error) {
	p.writes.Add(1)
	if p.failAppends.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	p.failAppends.Store(0)
	return p.Backend.AppendAction(ctx, a)
}

// gateBackend parks the armed user's next move append until the other
// player's move append has landed, so the log receives the older state last.
type gateBackend struct {
	Backend
	user    string
	armed   atomic.Bool
	parked  chan struct{}
	release chan struct{}
	landed  chan struct{}
}

func newGateBackend(inner Backend, user string) *gateBackend {
	return &gateBackend{
		Backend: inner,
		user:    user,
		parked:  make(chan struct{}),
		release: make(chan struct{}),
		landed:  make(chan struct{}),
	}
}

func (g *gateBackend) AppendAction(ctx context.Context, a store.NewAction) (*store.Action, error) {
	if !g.armed.Load() || a.ActionType != store.ActionMove {
		return g.Backend.AppendAction(ctx, a)
	}
	if *a.UserID == g.user {
		close(g.parked)
		<-g.release
		defer close(g.landed)
		return g.Backend.AppendAction(ctx, a)
	}
	g.armed.Store(false)
	out, err := g.Backend.AppendAction(ctx, a)
	close(g.release)
	<-g.landed
	return out, err
}

// stallBackend holds state writes once armed until the caller's context
// ends, then takes a little longer to return.
type stallBackend struct {
	Backend
	armed    atomic.Bool
	once     sync.Once
	entered  chan struct{}
	returned atomic.Bool
}

func (s *stallBackend) UpdateRoom(ctx context.Context, id string, expectedVersion int64, patch store.RoomPatch) (*store.Room, error) {
	if !s.armed.Load() {
		return s.Backend.UpdateRoom(ctx, id, expectedVersion, patch)
	}
	s.once.Do(func() { close(s.entered) })
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	s.returned.Store(true)
	return nil, ctx.Err()
}

func registry() *game.Registry {
	return game.NewRegistry(rps.New(3), codebreaker.New(0))
}

func testConfig(user string) Config {
	return Config{
		UserID:            user,
		PollInterval:      time.Hour,
		HeartbeatInterval: time.Hour,
		RevealDelay:       time.Hour,
		FailureThreshold:  3,
		Seed:              func() int64 { return 1 },
	}
}

func newClient(t *testing.T, backend Backend, cfg Config) *Client {
	t.Helper()
	c := New(backend, registry(), cfg)
	t.Cleanup(c.Close)
	return c
}

func pair(t *testing.T, backend Backend, gameID string, cfgA, cfgB Config) (*Client, *Client, string) {
	t.Helper()
	ctx := context.Background()
	a := newClient(t, backend, cfgA)
	b := newClient(t, backend, cfgB)
	room, err := a.CreatePrivateRoom(ctx, gameID)
	require.NoError(t, err)
	_, err = b.JoinByCode(ctx, room.JoinCode)
	require.NoError(t, err)
	require.NoError(t, a.Sync(ctx))
	return a, b, room.ID
}

func startPair(t *testing.T, backend Backend, gameID string, cfgA, cfgB Config) (*Client, *Client, string) {
	t.Helper()
	ctx := context.Background()
	a, b, roomID := pair(t, backend, gameID, cfgA, cfgB)
	require.NoError(t, a.SetReady(ctx, true))
	require.NoError(t, b.SetReady(ctx, true))
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Sync(ctx))
	require.Equal(t, StatusPlaying, a.Snapshot().Status)
	require.Equal(t, StatusPlaying, b.Snapshot().Status)
	return a, b, roomID
}

func roomState(t *testing.T, repo store.Repository, roomID string) *store.Room {
	t.Helper()
	room, err := repo.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	return room
}

func TestReadyRaceStartsOnce(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	a, b, roomID := pair(t, repo, "rps", testConfig("alice"), testConfig("bob"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Client{a, b} {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			errs[i] = c.SetReady(ctx, true)
		}(i, c)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	room := roomState(t, repo, roomID)
	require.Equal(t, store.RoomPlaying, room.Status)
	require.NotNil(t, room.StartedAt)
	require.Equal(t, int64(2), room.Version)

	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Sync(ctx))
	if diff := cmp.Diff(string(room.GameState), string(a.Snapshot().GameState)); diff != "" {
		t.Fatalf("alice diverged (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(string(room.GameState), string(b.Snapshot().GameState)); diff != "" {
		t.Fatalf("bob diverged (-want +got):\n%s", diff)
	}

	actions, err := repo.ListActions(ctx, roomID, store.ActionQuery{})
	require.NoError(t, err)
	require.Len(t, actions, 3)
	snapshots := 0
	for _, act := range actions {
		require.Equal(t, store.ActionReady, act.ActionType)
		if len(act.GameState) > 0 {
			snapshots++
			require.JSONEq(t, string(room.GameState), string(act.GameState))
		}
	}
	require.Equal(t, 1, snapshots)
}

func TestStrayReadyAfterStartIsNoOp(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	a, _, roomID := startPair(t, repo, "rps", testConfig("alice"), testConfig("bob"))
	before := roomState(t, repo, roomID)

	require.NoError(t, a.SetReady(ctx, false))

	after := roomState(t, repo, roomID)
	require.Equal(t, before.Version, after.Version)
	actions, err := repo.ListActions(ctx, roomID, store.ActionQuery{})
	require.NoError(t, err)
	require.Len(t, actions, 3)
}

func TestSimultaneousChoicesConverge(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	a, b, roomID := startPair(t, repo, "rps", testConfig("alice"), testConfig("bob"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	moves := []rps.Choice{rps.Rock, rps.Paper}
	for i, c := range []*Client{a, b} {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			_, errs[i] = c.Move(ctx, rps.ChoiceMove(moves[i]))
		}(i, c)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	s, err := rps.Decode(roomState(t, repo, roomID).GameState)
	require.NoError(t, err)
	require.True(t, s.Revealed)
	require.Equal(t, rps.Rock, s.Player1Choice)
	require.Equal(t, rps.Paper, s.Player2Choice)
	require.Equal(t, [2]int{0, 1}, s.Scores)

	actions, err := repo.ListActions(ctx, roomID, store.ActionQuery{})
	require.NoError(t, err)
	moveCount := 0
	for _, act := range actions {
		if act.ActionType == store.ActionMove {
			moveCount++
			require.NotEmpty(t, act.GameState)
		}
	}
	require.Equal(t, 2, moveCount)
}

func TestRPSMatchPlaysToDrawThroughRevealTimers(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	cfgA, cfgB := testConfig("alice"), testConfig("bob")
	cfgA.RevealDelay = 20 * time.Millisecond
	cfgB.RevealDelay = 20 * time.Millisecond
	a, b, roomID := startPair(t, repo, "rps", cfgA, cfgB)

	rounds := [][2]rps.Choice{{rps.Rock, rps.Scissors}, {rps.Paper, rps.Paper}, {rps.Scissors, rps.Rock}}
	for i, r := range rounds {
		require.NoError(t, a.Sync(ctx))
		_, err := a.Move(ctx, rps.ChoiceMove(r[0]))
		require.NoError(t, err)
		require.NoError(t, b.Sync(ctx))
		_, err = b.Move(ctx, rps.ChoiceMove(r[1]))
		require.NoError(t, err)

		want := i + 2
		require.Eventually(t, func() bool {
			_ = a.Sync(ctx)
			_ = b.Sync(ctx)
			room := roomState(t, repo, roomID)
			if room.Status == store.RoomFinished {
				return true
			}
			s, err := rps.Decode(room.GameState)
			return err == nil && s.Round == want && !s.Revealed
		}, 2*time.Second, 10*time.Millisecond)
	}

	room := roomState(t, repo, roomID)
	require.Equal(t, store.RoomFinished, room.Status)
	require.Nil(t, room.WinnerID)
	require.NotNil(t, room.FinishedAt)
	s, err := rps.Decode(room.GameState)
	require.NoError(t, err)
	require.Equal(t, [2]int{1, 1}, s.Scores)
	require.Equal(t, game.WinnerDraw, s.Winner)

	require.NoError(t, a.Sync(ctx))
	require.Equal(t, StatusFinished, a.Snapshot().Status)
}

func TestCloseWaitsForRevealInFlight(t *testing.T) {
	ctx := context.Background()
	stall := &stallBackend{Backend: memstore.New(), entered: make(chan struct{})}
	cfgB := testConfig("bob")
	cfgB.RevealDelay = 50 * time.Millisecond
	a, b, _ := startPair(t, stall, "rps", testConfig("alice"), cfgB)

	_, err := a.Move(ctx, rps.ChoiceMove(rps.Rock))
	require.NoError(t, err)
	require.NoError(t, b.Sync(ctx))
	_, err = b.Move(ctx, rps.ChoiceMove(rps.Paper))
	require.NoError(t, err)
	stall.armed.Store(true)

	select {
	case <-stall.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reveal timer never wrote")
	}
	b.Close()
	require.True(t, stall.returned.Load(), "Close returned while the reveal write was still running")
}

func TestSurrenderFinishesWithOpponentWinner(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	a, b, roomID := startPair(t, repo, "codebreaker", testConfig("alice"), testConfig("bob"))

	require.NoError(t, a.Surrender(ctx))

	room := roomState(t, repo, roomID)
	require.Equal(t, store.RoomFinished, room.Status)
	require.NotNil(t, room.WinnerID)
	require.Equal(t, "bob", *room.WinnerID)

	last, err := repo.LastAction(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, store.ActionSurrender, last.ActionType)
	require.Equal(t, "alice", *last.UserID)

	require.NoError(t, b.Sync(ctx))
	require.Equal(t, StatusFinished, b.Snapshot().Status)
	_, err = b.Move(ctx, codebreaker.GuessMove("red", "red", "red", "red"))
	require.ErrorIs(t, err, ErrNotPlaying)
}

func TestInvalidMovesNeverReachTheNetwork(t *testing.T) {
	ctx := context.Background()
	spy := &spyBackend{Backend: memstore.New()}
	a, b, _ := startPair(t, spy, "codebreaker", testConfig("alice"), testConfig("bob"))
	writes := spy.writes.Load()

	_, err := b.Move(ctx, codebreaker.GuessMove("red", "blue", "green", "yellow"))
	require.ErrorIs(t, err, game.ErrNotYourTurn)
	_, err = a.Move(ctx, codebreaker.GuessMove("red", "blue"))
	require.ErrorIs(t, err, game.ErrMalformed)
	require.Equal(t, writes, spy.writes.Load())

	require.True(t, a.CanAct())
	require.False(t, b.CanAct())
}

func TestStaleWriteAdoptsRemoteState(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	a, b, roomID := startPair(t, repo, "codebreaker", testConfig("alice"), testConfig("bob"))
	stale := b.Snapshot().GameState

	_, err := a.Move(ctx, codebreaker.GuessMove("orange", "orange", "purple", "purple"))
	require.NoError(t, err)

	_, err = b.UpdateGameState(ctx, stale)
	require.ErrorIs(t, err, ErrDiscarded)
	require.ErrorIs(t, err, store.ErrConflict)

	room := roomState(t, repo, roomID)
	view := b.Snapshot()
	require.Equal(t, room.Version, view.Room.Version)
	require.JSONEq(t, string(room.GameState), string(view.GameState))
}

func wrongGuess(secret []string) []string {
	out := append([]string(nil), secret...)
	for _, c := range codebreaker.Colors {
		if c != secret[0] {
			out[0] = c
			break
		}
	}
	return out
}

func TestCodebreakerCrackerWinsRoom(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	a, b, roomID := startPair(t, repo, "codebreaker", testConfig("alice"), testConfig("bob"))

	s, err := codebreaker.Decode(roomState(t, repo, roomID).GameState)
	require.NoError(t, err)
	secret := s.SecretCode

	_, err = a.Move(ctx, codebreaker.GuessMove(secret...))
	require.NoError(t, err)
	require.NoError(t, b.Sync(ctx))
	for i := 0; i < codebreaker.DefaultMaxAttempts; i++ {
		_, err := b.Move(ctx, codebreaker.GuessMove(wrongGuess(secret)...))
		require.NoError(t, err, "attempt %d", i+1)
	}

	room := roomState(t, repo, roomID)
	require.Equal(t, store.RoomFinished, room.Status)
	require.NotNil(t, room.WinnerID)
	require.Equal(t, "alice", *room.WinnerID)

	actions, err := repo.ListActions(ctx, roomID, store.ActionQuery{})
	require.NoError(t, err)
	last := actions[len(actions)-1]
	require.Equal(t, store.ActionMove, last.ActionType)
	require.JSONEq(t, string(room.GameState), string(last.GameState))
}

func TestSnapshotAppendRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	spy := &spyBackend{Backend: repo}
	a, _, roomID := startPair(t, spy, "codebreaker", testConfig("alice"), testConfig("bob"))

	s, err := codebreaker.Decode(roomState(t, repo, roomID).GameState)
	require.NoError(t, err)
	spy.failAppends.Store(1)
	act, err := a.Move(ctx, codebreaker.GuessMove(wrongGuess(s.SecretCode)...))
	require.NoError(t, err)

	room := roomState(t, repo, roomID)
	require.Equal(t, room.Version, act.StateVersion)
	snap, err := repo.LastSnapshot(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, act.ID, snap.ID)
	require.JSONEq(t, string(room.GameState), string(snap.GameState))

	spy.failAppends.Store(1)
	_, err = a.SendChat(ctx, "gg")
	require.Error(t, err)
}

func TestReplayEndsOnNewestStateWhenAppendsReorder(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	gate := newGateBackend(repo, "alice")
	a, b, roomID := startPair(t, gate, "codebreaker", testConfig("alice"), testConfig("bob"))

	s, err := codebreaker.Decode(roomState(t, repo, roomID).GameState)
	require.NoError(t, err)
	miss := codebreaker.GuessMove(wrongGuess(s.SecretCode)...)
	for i := 0; i < codebreaker.DefaultMaxAttempts-1; i++ {
		_, err := a.Move(ctx, miss)
		require.NoError(t, err, "alice attempt %d", i+1)
		require.NoError(t, b.Sync(ctx))
		_, err = b.Move(ctx, miss)
		require.NoError(t, err, "bob attempt %d", i+1)
		require.NoError(t, a.Sync(ctx))
	}

	gate.armed.Store(true)
	aliceDone := make(chan error, 1)
	go func() {
		_, err := a.Move(ctx, miss)
		aliceDone <- err
	}()
	select {
	case <-gate.parked:
	case <-time.After(2 * time.Second):
		t.Fatal("alice's append never reached the log")
	}
	require.NoError(t, b.Sync(ctx))
	_, err = b.Move(ctx, miss)
	require.NoError(t, err)
	require.NoError(t, <-aliceDone)

	room := roomState(t, repo, roomID)
	require.Equal(t, store.RoomFinished, room.Status)
	require.Nil(t, room.WinnerID)

	actions, err := repo.ListActions(ctx, roomID, store.ActionQuery{})
	require.NoError(t, err)
	var moves []store.Action
	for _, act := range actions {
		if act.ActionType == store.ActionMove {
			moves = append(moves, act)
		}
	}
	require.Len(t, moves, 2*codebreaker.DefaultMaxAttempts)
	bobLast, aliceLast := moves[len(moves)-2], moves[len(moves)-1]
	require.Equal(t, "bob", *bobLast.UserID)
	require.Equal(t, "alice", *aliceLast.UserID)
	require.Less(t, aliceLast.StateVersion, bobLast.StateVersion)

	snap, err := repo.LastSnapshot(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, aliceLast.ID, snap.ID)

	e := replay.New(repo, replay.Config{BaseInterval: time.Hour})
	defer e.Close()
	require.NoError(t, e.Load(ctx, roomID))
	require.NoError(t, e.SeekTo(len(actions)-1))
	require.JSONEq(t, string(room.GameState), string(e.Snapshot().GameState))
}

func TestConnectivityThresholdAndRecovery(t *testing.T) {
	ctx := context.Background()
	spy := &spyBackend{Backend: memstore.New()}
	a, _, _ := pair(t, spy, "rps", testConfig("alice"), testConfig("bob"))

	spy.failReads.Store(true)
	for i := 0; i < 2; i++ {
		require.Error(t, a.Sync(ctx))
		require.True(t, a.Snapshot().IsConnected)
		require.NoError(t, a.Snapshot().Err)
	}
	require.Error(t, a.Sync(ctx))
	view := a.Snapshot()
	require.False(t, view.IsConnected)
	require.ErrorIs(t, view.Err, ErrConnectivity)

	spy.failReads.Store(false)
	require.NoError(t, a.Sync(ctx))
	view = a.Snapshot()
	require.True(t, view.IsConnected)
	require.NoError(t, view.Err)
}

func TestApplyingSeenActionsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	a, b, roomID := pair(t, repo, "rps", testConfig("alice"), testConfig("bob"))

	_, err := a.SendChat(ctx, "good luck")
	require.NoError(t, err)
	require.NoError(t, b.Sync(ctx))
	first := b.Snapshot()
	require.Len(t, first.Chat, 1)
	require.Equal(t, "alice", first.Chat[0].UserID)
	require.Equal(t, 1, first.Chat[0].PlayerNumber)

	actions, err := repo.ListActions(ctx, roomID, store.ActionQuery{})
	require.NoError(t, err)
	b.applyActions(actions, true)
	b.applyActions(actions, true)
	require.NoError(t, b.Sync(ctx))

	second := b.Snapshot()
	if diff := cmp.Diff(first.Chat, second.Chat); diff != "" {
		t.Fatalf("chat changed on re-apply (-first +second):\n%s", diff)
	}
	require.Len(t, a.Snapshot().Chat, 1)
}

func TestDrawOfferDeclineThenAccept(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	a, b, roomID := startPair(t, repo, "rps", testConfig("alice"), testConfig("bob"))

	require.NoError(t, a.OfferDraw(ctx))
	require.ErrorIs(t, a.OfferDraw(ctx), ErrDrawPending)
	require.ErrorIs(t, b.AcceptDraw(ctx), ErrNoDrawOffer)

	require.NoError(t, b.Sync(ctx))
	require.Equal(t, 1, b.Snapshot().PendingDrawOffer)
	require.NoError(t, b.DeclineDraw(ctx))
	require.Equal(t, 0, b.Snapshot().PendingDrawOffer)

	require.NoError(t, a.Sync(ctx))
	require.NoError(t, a.OfferDraw(ctx))
	require.NoError(t, b.Sync(ctx))
	require.NoError(t, b.AcceptDraw(ctx))

	room := roomState(t, repo, roomID)
	require.Equal(t, store.RoomFinished, room.Status)
	require.Nil(t, room.WinnerID)
}

func TestChatThrottleAndValidation(t *testing.T) {
	ctx := context.Background()
	cfgA := testConfig("alice")
	cfgA.ChatPerSecond = 0.001
	cfgA.ChatBurst = 1
	a, _, _ := pair(t, memstore.New(), "rps", cfgA, testConfig("bob"))

	_, err := a.SendChat(ctx, "  ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	_, err = a.SendChat(ctx, "hello")
	require.NoError(t, err)
	_, err = a.SendChat(ctx, "hello again")
	require.ErrorIs(t, err, ErrRateLimited)

	_, err = a.SendAction(ctx, store.ActionType("dance"), nil)
	require.ErrorIs(t, err, game.ErrInvalidAction)
}

func TestFindMatchSearchAndCancel(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	a := newClient(t, repo, testConfig("alice"))
	b := newClient(t, repo, testConfig("bob"))
	c := newClient(t, repo, testConfig("carol"))

	_, err := a.FindMatch(ctx, "chess")
	require.ErrorIs(t, err, game.ErrUnknownGame)

	room, err := a.FindMatch(ctx, "rps")
	require.NoError(t, err)
	view := a.Snapshot()
	require.Equal(t, StatusSearching, view.Status)
	require.True(t, view.IsSearching)
	require.Equal(t, 1, view.MyPlayerNumber)

	joined, err := b.FindMatch(ctx, "rps")
	require.NoError(t, err)
	require.Equal(t, room.ID, joined.ID)
	require.False(t, b.Snapshot().IsSearching)
	require.Equal(t, 2, b.Snapshot().MyPlayerNumber)

	require.NoError(t, a.Sync(ctx))
	view = a.Snapshot()
	require.Equal(t, StatusWaiting, view.Status)
	require.NotNil(t, view.Opponent)
	require.Equal(t, "bob", view.Opponent.UserID)

	lonely, err := c.FindMatch(ctx, "rps")
	require.NoError(t, err)
	c.CancelSearch()
	c.Close()
	require.Equal(t, StatusIdle, c.Snapshot().Status)
	_, err = repo.GetRoom(ctx, lonely.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLeaveRoomMarksDisconnected(t *testing.T) {
	repo := memstore.New()
	a, _, roomID := pair(t, repo, "rps", testConfig("alice"), testConfig("bob"))

	a.LeaveRoom()
	a.Close()
	require.Equal(t, StatusIdle, a.Snapshot().Status)

	room := roomState(t, repo, roomID)
	p, ok := room.Player("alice")
	require.True(t, ok)
	require.True(t, p.Disconnected)
	require.False(t, room.AllReady())
}

func TestSubscribeSeesRoomChanges(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	a, _, _ := pair(t, repo, "rps", testConfig("alice"), testConfig("bob"))
	ch := a.Subscribe()
	defer a.Unsubscribe(ch)

	_, err := a.SendChat(ctx, "hi")
	require.NoError(t, err)
	select {
	case ev := <-ch:
		require.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("expected an event after chat")
	}
}
