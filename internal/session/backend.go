package session

import (
	"context"

	"duelsync/internal/store"
)

// Backend is the room/action collaborator the client talks to. Any
// store.Repository satisfies it for in-process play; relayclient.Client
// satisfies it over HTTP. UpdateRoom returns the current room alongside
// store.ErrConflict when it has one.
type Backend interface {
	GetRoom(ctx context.Context, id string) (*store.Room, error)
	UpdateRoom(ctx context.Context, id string, expectedVersion int64, patch store.RoomPatch) (*store.Room, error)
	AppendAction(ctx context.Context, a store.NewAction) (*store.Action, error)
	ListActions(ctx context.Context, roomID string, q store.ActionQuery) ([]store.Action, error)
	UpdateRoomPlayer(ctx context.Context, roomID, userID string, patch store.PlayerPatch) (*store.RoomPlayer, error)

	FindMatch(ctx context.Context, gameID, userID string) (*store.Room, error)
	CreatePrivateRoom(ctx context.Context, gameID, userID string) (*store.Room, error)
	JoinByCode(ctx context.Context, code, userID string) (*store.Room, error)
	CancelSearch(ctx context.Context, userID string) error
	LeaveRoom(ctx context.Context, roomID, userID string) error
}

var _ Backend = store.Repository(nil)
