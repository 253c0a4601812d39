package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound      = errors.New("not_found")
	ErrConflict      = errors.New("conflict")
	ErrRoomFinished  = errors.New("room_finished")
	ErrRoomFull      = errors.New("room_full")
	ErrInvalidCode   = errors.New("invalid_code")
	ErrNotSeated     = errors.New("not_seated")
	ErrInvalidAction = errors.New("invalid_action")
)

// Repository is the room record plus action log collaborator. Every room
// mutation is conditional on Room.Version.
type Repository interface {
	GetRoom(ctx context.Context, id string) (*Room, error)
	UpdateRoom(ctx context.Context, id string, expectedVersion int64, patch RoomPatch) (*Room, error)
	AppendAction(ctx context.Context, a NewAction) (*Action, error)
	ListActions(ctx context.Context, roomID string, q ActionQuery) ([]Action, error)
	LastAction(ctx context.Context, roomID string) (*Action, error)
	// LastSnapshot returns the newest entry carrying a game state.
	LastSnapshot(ctx context.Context, roomID string) (*Action, error)
	UpdateRoomPlayer(ctx context.Context, roomID, userID string, patch PlayerPatch) (*RoomPlayer, error)

	FindMatch(ctx context.Context, gameID, userID string) (*Room, error)
	CreatePrivateRoom(ctx context.Context, gameID, userID string) (*Room, error)
	JoinByCode(ctx context.Context, code, userID string) (*Room, error)
	CancelSearch(ctx context.Context, userID string) error
	LeaveRoom(ctx context.Context, roomID, userID string) error

	ListActiveRooms(ctx context.Context, limit int) ([]Room, error)
	Ping(ctx context.Context) error
}

// Store is the Postgres Repository.
type Store struct {
	Pool *pgxpool.Pool
	now  func() time.Time
}

var _ Repository = (*Store)(nil)

func New(dsn string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool, now: time.Now}, nil
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

func (s *Store) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}
