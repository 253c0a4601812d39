// Package session is the single object presentation code talks to during a
// match. It mirrors one room and its action log, polls for remote changes and
// writes every room mutation as a compare-and-swap.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"duelsync/internal/events"
	"duelsync/internal/game"
	"duelsync/internal/store"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusSearching Status = "searching"
	StatusWaiting   Status = "waiting"
	StatusPlaying   Status = "playing"
	StatusFinished  Status = "finished"
)

type ChatMessage struct {
	ActionID     string    `json:"action_id"`
	UserID       string    `json:"user_id"`
	PlayerNumber int       `json:"player_number"`
	Message      string    `json:"message"`
	At           time.Time `json:"at"`
}

// View is a copy of the client's state at one instant.
type View struct {
	Status             Status
	Room               *store.Room
	Players            []store.RoomPlayer
	GameState          json.RawMessage
	MyPlayerNumber     int
	Opponent           *store.RoomPlayer
	Err                error
	IsSearching        bool
	IsConnected        bool
	Chat               []ChatMessage
	PendingDrawOffer   int
	OpponentLastAction *time.Time
}

type Client struct {
	backend  Backend
	reducers *game.Registry
	cfg      Config
	chat     *rate.Limiter
	events   *events.Buffer

	mu              sync.Mutex
	room            *store.Room
	optimistic      bool
	searching       bool
	connected       bool
	failures        int
	err             error
	lastSeq         int64
	applied         map[string]struct{}
	transcript      []ChatMessage
	drawOfferBy     int
	opponentActedAt *time.Time
	revealVersion   int64
	revealTimer     *time.Timer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopOnce sync.Once
}

func New(backend Backend, reducers *game.Registry, cfg Config) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		backend:   backend,
		reducers:  reducers,
		cfg:       cfg,
		chat:      rate.NewLimiter(rate.Limit(cfg.ChatPerSecond), cfg.ChatBurst),
		events:    events.NewBuffer(256),
		connected: true,
		applied:   map[string]struct{}{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Client) UserID() string { return c.cfg.UserID }

// Subscribe returns a channel that receives an event after every observable
// change.
func (c *Client) Subscribe() chan events.Event { return c.events.Subscribe() }

func (c *Client) Unsubscribe(ch chan events.Event) { c.events.Unsubscribe(ch) }

// Close stops polling, heartbeats and timers and waits for background
// cleanup calls and reveal writes already in flight to return.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	c.stopRevealLocked()
	c.mu.Unlock()
	c.wg.Wait()
	c.events.Close()
}

func (c *Client) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{
		Status:           c.statusLocked(),
		Err:              c.err,
		IsSearching:      c.searching,
		IsConnected:      c.connected,
		Chat:             append([]ChatMessage(nil), c.transcript...),
		PendingDrawOffer: c.drawOfferBy,
	}
	if c.opponentActedAt != nil {
		at := *c.opponentActedAt
		v.OpponentLastAction = &at
	}
	if c.room == nil {
		return v
	}
	v.Room = c.room.Clone()
	v.Players = append([]store.RoomPlayer(nil), c.room.Players...)
	v.GameState = append(json.RawMessage(nil), c.room.GameState...)
	if me, ok := c.room.Player(c.cfg.UserID); ok {
		v.MyPlayerNumber = me.PlayerNumber
		if opp, ok := c.room.PlayerByNumber(3 - me.PlayerNumber); ok {
			v.Opponent = &opp
		}
	}
	return v
}

func (c *Client) statusLocked() Status {
	if c.room == nil {
		if c.searching {
			return StatusSearching
		}
		return StatusIdle
	}
	switch c.room.Status {
	case store.RoomPlaying:
		return StatusPlaying
	case store.RoomFinished:
		return StatusFinished
	}
	if c.searching {
		return StatusSearching
	}
	return StatusWaiting
}

// CanAct reports whether the reducer is waiting on this player. It is
// advisory; the reducer and the CAS write are what actually enforce turns.
func (c *Client) CanAct() bool {
	room, me, red, err := c.playing()
	if err != nil {
		return false
	}
	awaiting, err := red.Awaiting(room.GameState)
	if err != nil {
		return false
	}
	for _, p := range awaiting {
		if p == me {
			return true
		}
	}
	return false
}

func (c *Client) FindMatch(ctx context.Context, gameID string) (*store.Room, error) {
	if _, err := c.reducers.Get(gameID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.searching = true
	c.mu.Unlock()
	room, err := c.backend.FindMatch(ctx, gameID, c.cfg.UserID)
	if err != nil {
		c.mu.Lock()
		c.searching = false
		c.mu.Unlock()
		return nil, err
	}
	c.enterRoom(room)
	return room, nil
}

func (c *Client) CreatePrivateRoom(ctx context.Context, gameID string) (*store.Room, error) {
	if _, err := c.reducers.Get(gameID); err != nil {
		return nil, err
	}
	room, err := c.backend.CreatePrivateRoom(ctx, gameID, c.cfg.UserID)
	if err != nil {
		return nil, err
	}
	c.enterRoom(room)
	return room, nil
}

func (c *Client) JoinByCode(ctx context.Context, code string) (*store.Room, error) {
	room, err := c.backend.JoinByCode(ctx, code, c.cfg.UserID)
	if err != nil {
		return nil, err
	}
	c.enterRoom(room)
	return room, nil
}

// CancelSearch drops local search state at once and removes the matchmaking
// intent in the background.
func (c *Client) CancelSearch() {
	c.mu.Lock()
	wasSearching := c.searching
	c.resetLocked()
	c.mu.Unlock()
	c.events.Append(events.KindRoom, nil)
	if !wasSearching {
		return
	}
	c.background(func(ctx context.Context) error {
		return c.backend.CancelSearch(ctx, c.cfg.UserID)
	}, "cancel search")
}

// LeaveRoom marks this player disconnected in the background and returns the
// client to idle.
func (c *Client) LeaveRoom() {
	c.mu.Lock()
	room := c.room
	c.resetLocked()
	c.mu.Unlock()
	c.events.Append(events.KindRoom, nil)
	if room == nil {
		return
	}
	roomID := room.ID
	c.background(func(ctx context.Context) error {
		return c.backend.LeaveRoom(ctx, roomID, c.cfg.UserID)
	}, "leave room")
}

func (c *Client) background(fn func(ctx context.Context) error, what string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Str("user_id", c.cfg.UserID).Msg(what + " failed")
		}
	}()
}

func (c *Client) resetLocked() {
	c.room = nil
	c.optimistic = false
	c.searching = false
	c.err = nil
	c.lastSeq = 0
	c.applied = map[string]struct{}{}
	c.transcript = nil
	c.drawOfferBy = 0
	c.opponentActedAt = nil
	c.revealVersion = 0
	c.stopRevealLocked()
}

// stopRevealLocked cancels a pending reveal. A timer that already fired
// releases the wait group from its own callback.
func (c *Client) stopRevealLocked() {
	if c.revealTimer != nil && c.revealTimer.Stop() {
		c.wg.Done()
	}
	c.revealTimer = nil
}

func (c *Client) enterRoom(room *store.Room) {
	c.mu.Lock()
	if c.room != nil && c.room.ID != room.ID {
		searching := c.searching
		c.resetLocked()
		c.searching = searching
	}
	c.mu.Unlock()
	c.applyRoom(room)
	log.Info().Str("room_id", room.ID).Str("user_id", c.cfg.UserID).Str("game_id", room.GameID).Msg("joined room")
	c.startLoop()
}

// applyRoom installs an authoritative snapshot. Older versions of the current
// room are ignored.
func (c *Client) applyRoom(room *store.Room) {
	if room == nil {
		return
	}
	c.mu.Lock()
	cur := c.room
	if cur != nil && cur.ID == room.ID {
		if room.Version < cur.Version {
			c.mu.Unlock()
			return
		}
		if room.Version == cur.Version && c.optimistic {
			next := cur.Clone()
			next.Players = append([]store.RoomPlayer(nil), room.Players...)
			room = next
		}
	}
	changed := cur == nil || cur.ID != room.ID || cur.Version != room.Version || !samePlayers(cur.Players, room.Players)
	c.room = room.Clone()
	if len(c.room.Players) >= c.room.MaxPlayers || c.room.Status != store.RoomWaiting {
		c.searching = false
	}
	if c.room.Status == store.RoomFinished {
		c.drawOfferBy = 0
		c.stopRevealLocked()
	}
	c.mu.Unlock()
	if changed {
		c.events.Append(events.KindRoom, room.Version)
	}
}

func samePlayers(a, b []store.RoomPlayer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID || a[i].Ready != b[i].Ready || a[i].Disconnected != b[i].Disconnected {
			return false
		}
	}
	return true
}

func (c *Client) current() (*store.Room, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return nil, 0, ErrNoRoom
	}
	me, ok := c.room.Player(c.cfg.UserID)
	if !ok {
		return nil, 0, ErrNotSeated
	}
	return c.room.Clone(), me.PlayerNumber, nil
}

func (c *Client) playing() (*store.Room, int, game.Reducer, error) {
	room, me, err := c.current()
	if err != nil {
		return nil, 0, nil, err
	}
	if room.Status != store.RoomPlaying {
		return nil, 0, nil, ErrNotPlaying
	}
	red, err := c.reducers.Get(room.GameID)
	if err != nil {
		return nil, 0, nil, err
	}
	return room, me, red, nil
}

func (c *Client) userIDFor(room *store.Room, player int) *string {
	if p, ok := room.PlayerByNumber(player); ok {
		return store.StringPtr(p.UserID)
	}
	return nil
}
