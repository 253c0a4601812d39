package relay

import (
	"encoding/json"
	"time"

	"duelsync/internal/store"
)

type UpdateRoomRequest struct {
	ExpectedVersion *int64            `json:"expected_version"`
	Status          *store.RoomStatus `json:"status,omitempty"`
	GameState       json.RawMessage   `json:"game_state,omitempty"`
	WinnerID        *string           `json:"winner_id,omitempty"`
	ClearWinner     bool              `json:"clear_winner,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
}

func (r UpdateRoomRequest) Patch() store.RoomPatch {
	return store.RoomPatch{
		Status:      r.Status,
		GameState:   r.GameState,
		WinnerID:    r.WinnerID,
		ClearWinner: r.ClearWinner,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
}

// NewUpdateRoomRequest is the wire form of a conditional room update.
func NewUpdateRoomRequest(expectedVersion int64, patch store.RoomPatch) UpdateRoomRequest {
	return UpdateRoomRequest{
		ExpectedVersion: &expectedVersion,
		Status:          patch.Status,
		GameState:       patch.GameState,
		WinnerID:        patch.WinnerID,
		ClearWinner:     patch.ClearWinner,
		StartedAt:       patch.StartedAt,
		FinishedAt:      patch.FinishedAt,
	}
}

type AppendActionRequest struct {
	UserID       *string          `json:"user_id,omitempty"`
	ActionType   store.ActionType `json:"action_type"`
	ActionData   json.RawMessage  `json:"action_data,omitempty"`
	GameState    json.RawMessage  `json:"game_state,omitempty"`
	StateVersion int64            `json:"state_version,omitempty"`
}

type UpdatePlayerRequest struct {
	Ready        *bool `json:"ready,omitempty"`
	Disconnected *bool `json:"disconnected,omitempty"`
	Heartbeat    bool  `json:"heartbeat,omitempty"`
}

type UserRequest struct {
	UserID string `json:"user_id"`
}

type MatchRequest struct {
	GameID string `json:"game_id"`
	UserID string `json:"user_id"`
}

type JoinRequest struct {
	Code   string `json:"code"`
	UserID string `json:"user_id"`
}

type ActionsResponse struct {
	Items []store.Action `json:"items"`
}

type RoomsResponse struct {
	Items []store.Room `json:"items"`
}

// ErrorResponse carries the current room alongside conflict style errors so
// the caller can adopt it without another read.
type ErrorResponse struct {
	Error string      `json:"error"`
	Room  *store.Room `json:"room,omitempty"`
}
