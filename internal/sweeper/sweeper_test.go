package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"duelsync/internal/game"
	"duelsync/internal/game/codebreaker"
	"duelsync/internal/game/rps"
	"duelsync/internal/store"
	"duelsync/internal/store/memstore"
	"duelsync/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testCfg = Config{
	Interval:        time.Second,
	DisconnectAfter: 30 * time.Second,
	TurnTimeout:     2 * time.Minute,
}

func setup(t *testing.T, gameID string) (*memstore.Store, *fakeClock, *Sweeper, *store.Room) {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	repo := memstore.New(memstore.WithClock(clock.Now))
	games := game.NewRegistry(rps.New(3), codebreaker.New(0))

	room, err := repo.CreatePrivateRoom(ctx, gameID, "u1")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	room, err = repo.JoinByCode(ctx, room.JoinCode, "u2")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	red, _ := games.Get(gameID)
	state, err := red.Initial(1)
	if err != nil {
		t.Fatalf("initial: %v", err)
	}
	started := clock.Now()
	room, err = repo.UpdateRoom(ctx, room.ID, room.Version, store.RoomPatch{
		Status:    store.StatusPtr(store.RoomPlaying),
		StartedAt: &started,
		GameState: state,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return repo, clock, New(repo, games, testCfg, WithClock(clock.Now)), room
}

func heartbeat(t *testing.T, repo store.Repository, roomID string, users ...string) {
	t.Helper()
	for _, u := range users {
		if _, err := repo.UpdateRoomPlayer(context.Background(), roomID, u, store.PlayerPatch{Heartbeat: true}); err != nil {
			t.Fatalf("heartbeat %s: %v", u, err)
		}
	}
}

func lastTimeout(t *testing.T, repo store.Repository, roomID string) timeoutData {
	t.Helper()
	last, err := repo.LastAction(context.Background(), roomID)
	if err != nil {
		t.Fatalf("last action: %v", err)
	}
	if last.ActionType != store.ActionTimeout || !last.IsSystem() {
		t.Fatalf("expected system timeout, got %s user=%v", last.ActionType, last.UserID)
	}
	var data timeoutData
	if err := json.Unmarshal(last.ActionData, &data); err != nil {
		t.Fatalf("decode timeout data: %v", err)
	}
	return data
}

func TestSilentPlayerForfeits(t *testing.T) {
	ctx := context.Background()
	repo, clock, sw, room := setup(t, "rps")

	clock.Advance(40 * time.Second)
	heartbeat(t, repo, room.ID, "u1")

	res, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Disconnected != 1 || res.Forfeits != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _ := repo.GetRoom(ctx, room.ID)
	if got.Status != store.RoomFinished || got.WinnerID == nil || *got.WinnerID != "u1" {
		t.Fatalf("expected u1 to win finished room, got status=%s winner=%v", got.Status, got.WinnerID)
	}
	if p, _ := got.Player("u2"); !p.Disconnected {
		t.Fatalf("expected u2 disconnected")
	}
	if data := lastTimeout(t, repo, room.ID); data.Reason != ReasonDisconnect || data.PlayerNumber != 2 {
		t.Fatalf("unexpected timeout data: %+v", data)
	}
}

func TestBothPlayersGoneIsDraw(t *testing.T) {
	ctx := context.Background()
	repo, clock, sw, room := setup(t, "rps")
	clock.Advance(time.Minute)

	if _, err := sw.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := repo.GetRoom(ctx, room.ID)
	if got.Status != store.RoomFinished || got.WinnerID != nil {
		t.Fatalf("expected draw, got status=%s winner=%v", got.Status, got.WinnerID)
	}
	if data := lastTimeout(t, repo, room.ID); data.Reason != ReasonAbandoned {
		t.Fatalf("unexpected reason %q", data.Reason)
	}
}

func TestStalledTurnAwardsOpponent(t *testing.T) {
	ctx := context.Background()
	repo, clock, sw, room := setup(t, "codebreaker")

	clock.Advance(testCfg.TurnTimeout + time.Second)
	heartbeat(t, repo, room.ID, "u1", "u2")

	res, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.TurnTimeouts != 1 || res.Disconnected != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _ := repo.GetRoom(ctx, room.ID)
	if got.WinnerID == nil || *got.WinnerID != "u2" {
		t.Fatalf("expected u2 to win on player 1's stalled turn, got %v", got.WinnerID)
	}
	if data := lastTimeout(t, repo, room.ID); data.Reason != ReasonTurn || data.PlayerNumber != 1 {
		t.Fatalf("unexpected timeout data: %+v", data)
	}
}

func TestStalledSimultaneousRoundIsDraw(t *testing.T) {
	ctx := context.Background()
	repo, clock, sw, room := setup(t, "rps")

	clock.Advance(testCfg.TurnTimeout + time.Second)
	heartbeat(t, repo, room.ID, "u1", "u2")

	if _, err := sw.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := repo.GetRoom(ctx, room.ID)
	if got.Status != store.RoomFinished || got.WinnerID != nil {
		t.Fatalf("expected draw, got status=%s winner=%v", got.Status, got.WinnerID)
	}
}

func TestRecentActivityIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	repo, clock, sw, room := setup(t, "codebreaker")

	clock.Advance(testCfg.TurnTimeout - time.Second)
	heartbeat(t, repo, room.ID, "u1", "u2")
	u1 := "u1"
	if _, err := repo.AppendAction(ctx, store.NewAction{
		RoomID:       room.ID,
		UserID:       &u1,
		ActionType:   store.ActionMove,
		ActionData:   codebreaker.GuessMove("red", "red", "blue", "blue"),
		GameState:    room.GameState,
		StateVersion: room.Version,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.Advance(10 * time.Second)
	heartbeat(t, repo, room.ID, "u1", "u2")

	res, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Rooms != 1 || res.Forfeits != 0 || res.TurnTimeouts != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _ := repo.GetRoom(ctx, room.ID)
	if got.Status != store.RoomPlaying || got.Version != room.Version {
		t.Fatalf("room changed: status=%s version=%d", got.Status, got.Version)
	}
}

func TestChatDoesNotResetTurnClock(t *testing.T) {
	ctx := context.Background()
	repo, clock, sw, room := setup(t, "codebreaker")
	u1 := "u1"

	for i := 1; i <= 2; i++ {
		clock.Advance(testCfg.TurnTimeout - time.Second)
		heartbeat(t, repo, room.ID, "u1", "u2")
		if _, err := repo.AppendAction(ctx, store.NewAction{RoomID: room.ID, UserID: &u1, ActionType: store.ActionChat, ActionData: json.RawMessage(`{"message":"thinking"}`)}); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
		if _, err := sw.Sweep(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		got, _ := repo.GetRoom(ctx, room.ID)
		if i == 1 && got.Status != store.RoomPlaying {
			t.Fatalf("room ended before the turn timeout: %s", got.Status)
		}
	}
	got, _ := repo.GetRoom(ctx, room.ID)
	if got.Status != store.RoomFinished || got.WinnerID == nil || *got.WinnerID != "u2" {
		t.Fatalf("expected u2 to win on turn timeout, got status=%s winner=%v", got.Status, got.WinnerID)
	}
	if data := lastTimeout(t, repo, room.ID); data.Reason != ReasonTurn || data.PlayerNumber != 1 {
		t.Fatalf("unexpected timeout data: %+v", data)
	}
}

// racingRepo commits a state write right after the sweeper logs its timeout,
// as a player's move landing in that gap would.
type racingRepo struct {
	store.Repository
	state json.RawMessage
	once  sync.Once
	err   error
}

func (r *racingRepo) AppendAction(ctx context.Context, a store.NewAction) (*store.Action, error) {
	out, err := r.Repository.AppendAction(ctx, a)
	if err == nil && a.ActionType == store.ActionTimeout {
		r.once.Do(func() {
			room, gerr := r.Repository.GetRoom(ctx, a.RoomID)
			if gerr != nil {
				r.err = gerr
				return
			}
			_, r.err = r.Repository.UpdateRoom(ctx, a.RoomID, room.Version, store.RoomPatch{GameState: r.state})
		})
	}
	return out, err
}

func TestMoveDuringTimeoutVoidsVerdict(t *testing.T) {
	ctx := context.Background()
	repo, clock, _, room := setup(t, "codebreaker")
	games := game.NewRegistry(codebreaker.New(0))
	red, _ := games.Get("codebreaker")
	moved, err := red.Reduce(room.GameState, game.Input{Player: 1, Type: game.TypeMove, Data: codebreaker.GuessMove("red", "red", "blue", "blue")})
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	racing := &racingRepo{Repository: repo, state: moved}
	sw := New(racing, games, testCfg, WithClock(clock.Now))

	clock.Advance(testCfg.TurnTimeout + time.Second)
	heartbeat(t, repo, room.ID, "u1", "u2")
	if _, err := sw.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if racing.err != nil {
		t.Fatalf("racing write: %v", racing.err)
	}
	got, _ := repo.GetRoom(ctx, room.ID)
	if got.Status != store.RoomPlaying || got.WinnerID != nil {
		t.Fatalf("expected the move to keep the room alive, got status=%s winner=%v", got.Status, got.WinnerID)
	}
	if string(got.GameState) != string(moved) {
		t.Fatalf("expected the racing state to stand")
	}
}

type busyLocker struct{}

func (busyLocker) Lock(context.Context) (func(), error) { return nil, ErrNotLeader }

func TestSweepSkipsWithoutLock(t *testing.T) {
	ctx := context.Background()
	repo, clock, _, room := setup(t, "rps")
	sw := New(repo, game.NewRegistry(rps.New(3)), testCfg, WithClock(clock.Now), WithLocker(busyLocker{}))
	clock.Advance(time.Hour)

	if _, err := sw.Sweep(ctx); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
	got, _ := repo.GetRoom(ctx, room.ID)
	if got.Status != store.RoomPlaying {
		t.Fatalf("expected room untouched, got %s", got.Status)
	}
}

func TestRedisLockerAllowsOneHolder(t *testing.T) {
	client, prefix, cleanup := testutil.OpenTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	a := NewRedisLocker(client, prefix+"sweep", 5*time.Second)
	b := NewRedisLocker(client, prefix+"sweep", 5*time.Second)

	unlock, err := a.Lock(ctx)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := b.Lock(ctx); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("expected second lock refused, got %v", err)
	}
	unlock()
	unlockB, err := b.Lock(ctx)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	unlockB()
}
