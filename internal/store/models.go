package store

import (
	"encoding/json"
	"time"
)

type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomPlaying  RoomStatus = "playing"
	RoomFinished RoomStatus = "finished"
)

func (s RoomStatus) Valid() bool {
	switch s {
	case RoomWaiting, RoomPlaying, RoomFinished:
		return true
	default:
		return false
	}
}

type ActionType string

const (
	ActionMove        ActionType = "move"
	ActionChat        ActionType = "chat"
	ActionReady       ActionType = "ready"
	ActionSurrender   ActionType = "surrender"
	ActionOfferDraw   ActionType = "offer_draw"
	ActionAcceptDraw  ActionType = "accept_draw"
	ActionDeclineDraw ActionType = "decline_draw"
	ActionTimeout     ActionType = "timeout"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionMove, ActionChat, ActionReady, ActionSurrender,
		ActionOfferDraw, ActionAcceptDraw, ActionDeclineDraw, ActionTimeout:
		return true
	default:
		return false
	}
}

// MaxPlayers is the seat count of every room.
const MaxPlayers = 2

type Room struct {
	ID         string          `json:"id"`
	GameID     string          `json:"game_id"`
	Status     RoomStatus      `json:"status"`
	MaxPlayers int             `json:"max_players"`
	GameState  json.RawMessage `json:"game_state,omitempty"`
	WinnerID   *string         `json:"winner_id"`
	JoinCode   string          `json:"join_code,omitempty"`
	IsPrivate  bool            `json:"is_private"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at"`
	Players    []RoomPlayer    `json:"players"`
}

// Player returns the seat held by userID.
func (r *Room) Player(userID string) (RoomPlayer, bool) {
	for _, p := range r.Players {
		if p.UserID == userID {
			return p, true
		}
	}
	return RoomPlayer{}, false
}

// PlayerByNumber returns the seat with the given player number.
func (r *Room) PlayerByNumber(n int) (RoomPlayer, bool) {
	for _, p := range r.Players {
		if p.PlayerNumber == n {
			return p, true
		}
	}
	return RoomPlayer{}, false
}

// ConnectedPlayers returns seats that have not left or timed out.
func (r *Room) ConnectedPlayers() []RoomPlayer {
	out := make([]RoomPlayer, 0, len(r.Players))
	for _, p := range r.Players {
		if !p.Disconnected {
			out = append(out, p)
		}
	}
	return out
}

// AllReady reports whether the room is full of connected players that are all
// ready. Disconnected seats count neither toward fullness nor readiness.
func (r *Room) AllReady() bool {
	connected := r.ConnectedPlayers()
	seats := r.MaxPlayers
	if seats <= 0 {
		seats = MaxPlayers
	}
	if len(connected) < seats {
		return false
	}
	for _, p := range connected {
		if !p.Ready {
			return false
		}
	}
	return true
}

func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	out := *r
	if r.GameState != nil {
		out.GameState = append(json.RawMessage(nil), r.GameState...)
	}
	if r.WinnerID != nil {
		w := *r.WinnerID
		out.WinnerID = &w
	}
	out.StartedAt = cloneTime(r.StartedAt)
	out.FinishedAt = cloneTime(r.FinishedAt)
	out.Players = append([]RoomPlayer(nil), r.Players...)
	return &out
}

type RoomPlayer struct {
	RoomID       string    `json:"room_id"`
	UserID       string    `json:"user_id"`
	PlayerNumber int       `json:"player_number"`
	Ready        bool      `json:"ready"`
	Disconnected bool      `json:"disconnected"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Action is one log entry. Seq is assigned per room inside the write, so seq
// order is commit order. StateVersion is the room version GameState was
// committed at; entries can land out of version order.
type Action struct {
	ID           string          `json:"id"`
	RoomID       string          `json:"room_id"`
	Seq          int64           `json:"seq"`
	UserID       *string         `json:"user_id"`
	ActionType   ActionType      `json:"action_type"`
	ActionData   json.RawMessage `json:"action_data,omitempty"`
	GameState    json.RawMessage `json:"game_state,omitempty"`
	StateVersion int64           `json:"state_version,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// IsSystem reports whether the action was written by a system actor rather
// than a seated player.
func (a Action) IsSystem() bool {
	return a.UserID == nil
}

type NewAction struct {
	RoomID       string
	UserID       *string
	ActionType   ActionType
	ActionData   json.RawMessage
	GameState    json.RawMessage
	StateVersion int64
}

// HasSnapshot reports whether the entry carries a game state.
func (a Action) HasSnapshot() bool {
	return len(a.GameState) > 0 && string(a.GameState) != "null"
}

// NewerSnapshot reports whether a's snapshot supersedes prev's. Higher state
// versions win; on a tie the later entry wins.
func (a Action) NewerSnapshot(prev Action) bool {
	return a.StateVersion > prev.StateVersion || (a.StateVersion == prev.StateVersion && a.Seq > prev.Seq)
}

// RoomPatch lists the fields a conditional update may change. Nil fields are
// left untouched.
type RoomPatch struct {
	Status      *RoomStatus
	GameState   json.RawMessage
	WinnerID    *string
	ClearWinner bool
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

func (p RoomPatch) apply(r *Room) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.GameState != nil {
		r.GameState = append(json.RawMessage(nil), p.GameState...)
	}
	if p.ClearWinner {
		r.WinnerID = nil
	}
	if p.WinnerID != nil {
		w := *p.WinnerID
		r.WinnerID = &w
	}
	if p.StartedAt != nil {
		r.StartedAt = cloneTime(p.StartedAt)
	}
	if p.FinishedAt != nil {
		r.FinishedAt = cloneTime(p.FinishedAt)
	}
}

// Apply returns a copy of r with the patch applied and the version bumped.
func (p RoomPatch) Apply(r *Room) *Room {
	out := r.Clone()
	p.apply(out)
	out.Version++
	return out
}

type PlayerPatch struct {
	Ready        *bool
	Disconnected *bool
	Heartbeat    bool
}

// ActionQuery filters a room's log. AfterSeq is the exact paging cursor;
// Since filters by timestamp.
type ActionQuery struct {
	Since    *time.Time
	AfterSeq int64
	Limit    int
}

const (
	DefaultActionLimit = 200
	MaxActionLimit     = 1000
)

// NormalizedLimit clamps Limit into (0, MaxActionLimit].
func (q ActionQuery) NormalizedLimit() int {
	if q.Limit <= 0 {
		return DefaultActionLimit
	}
	if q.Limit > MaxActionLimit {
		return MaxActionLimit
	}
	return q.Limit
}

// Matches reports whether a sorts strictly after the query cursor.
func (q ActionQuery) Matches(a Action) bool {
	if q.AfterSeq > 0 && a.Seq <= q.AfterSeq {
		return false
	}
	if q.Since != nil && !a.CreatedAt.After(*q.Since) {
		return false
	}
	return true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func StatusPtr(s RoomStatus) *RoomStatus { return &s }

func BoolPtr(b bool) *bool { return &b }

func TimePtr(t time.Time) *time.Time { return &t }

func StringPtr(s string) *string { return &s }
