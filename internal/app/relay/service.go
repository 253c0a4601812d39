// Package relay is the thin authority in front of the room store. It checks
// room lifecycle transitions and seat membership; game_state stays opaque.
package relay

import (
	"context"
	"fmt"
	"strings"

	"duelsync/internal/game"
	"duelsync/internal/store"
)

const maxActiveRooms = 500

type Service struct {
	repo  store.Repository
	games *game.Registry
}

func NewService(repo store.Repository, games *game.Registry) *Service {
	return &Service{repo: repo, games: games}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, ErrInvalidRequest
	}
	return s.repo.GetRoom(ctx, roomID)
}

// UpdateRoom validates the requested lifecycle step against the version the
// caller expects and then performs the conditional write. A stale version or
// finished room yields the current room together with the error.
func (s *Service) UpdateRoom(ctx context.Context, roomID string, req UpdateRoomRequest) (*store.Room, error) {
	if strings.TrimSpace(roomID) == "" || req.ExpectedVersion == nil {
		return nil, ErrInvalidRequest
	}
	current, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if current.Status == store.RoomFinished {
		return current, store.ErrRoomFinished
	}
	if current.Version != *req.ExpectedVersion {
		return current, store.ErrConflict
	}
	patch := req.Patch()
	if err := ValidateTransition(current.Status, patch); err != nil {
		return nil, err
	}
	return s.repo.UpdateRoom(ctx, roomID, *req.ExpectedVersion, patch)
}

// ValidateTransition enforces waiting -> playing -> finished. Start and
// finish timestamps travel with their transitions and a winner can only be
// recorded on finish.
func ValidateTransition(from store.RoomStatus, patch store.RoomPatch) error {
	to := from
	if patch.Status != nil {
		to = *patch.Status
		if !to.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, to)
		}
	}
	if from == store.RoomFinished {
		return store.ErrRoomFinished
	}
	switch {
	case from == to:
	case from == store.RoomWaiting && to == store.RoomPlaying:
		if patch.StartedAt == nil {
			return fmt.Errorf("%w: started_at required", ErrInvalidTransition)
		}
	case from == store.RoomPlaying && to == store.RoomFinished:
		if patch.FinishedAt == nil {
			return fmt.Errorf("%w: finished_at required", ErrInvalidTransition)
		}
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if patch.StartedAt != nil && (from != store.RoomWaiting || to != store.RoomPlaying) {
		return fmt.Errorf("%w: started_at outside start", ErrInvalidTransition)
	}
	if patch.FinishedAt != nil && to != store.RoomFinished {
		return fmt.Errorf("%w: finished_at outside finish", ErrInvalidTransition)
	}
	if (patch.WinnerID != nil || patch.ClearWinner) && to != store.RoomFinished {
		return fmt.Errorf("%w: winner outside finish", ErrInvalidTransition)
	}
	return nil
}

// AppendAction accepts player actions from seated users and system actions
// (no user) for timeouts only.
func (s *Service) AppendAction(ctx context.Context, roomID string, req AppendActionRequest) (*store.Action, error) {
	if strings.TrimSpace(roomID) == "" || !req.ActionType.Valid() {
		return nil, ErrInvalidRequest
	}
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if req.StateVersion < 0 || (req.StateVersion > 0 && len(req.GameState) == 0) {
		return nil, fmt.Errorf("%w: state_version without game_state", ErrInvalidRequest)
	}
	if req.UserID == nil {
		if req.ActionType != store.ActionTimeout {
			return nil, fmt.Errorf("%w: user_id required", ErrInvalidRequest)
		}
	} else if _, ok := room.Player(*req.UserID); !ok {
		return nil, store.ErrNotSeated
	}
	return s.repo.AppendAction(ctx, store.NewAction{
		RoomID:       roomID,
		UserID:       req.UserID,
		ActionType:   req.ActionType,
		ActionData:   req.ActionData,
		GameState:    req.GameState,
		StateVersion: req.StateVersion,
	})
}

func (s *Service) ListActions(ctx context.Context, roomID string, q store.ActionQuery) ([]store.Action, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, ErrInvalidRequest
	}
	if _, err := s.repo.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	items, err := s.repo.ListActions(ctx, roomID, q)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.Action{}
	}
	return items, nil
}

func (s *Service) UpdatePlayer(ctx context.Context, roomID, userID string, req UpdatePlayerRequest) (*store.RoomPlayer, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidRequest
	}
	if req.Ready == nil && req.Disconnected == nil && !req.Heartbeat {
		return nil, fmt.Errorf("%w: empty patch", ErrInvalidRequest)
	}
	return s.repo.UpdateRoomPlayer(ctx, roomID, userID, store.PlayerPatch{
		Ready:        req.Ready,
		Disconnected: req.Disconnected,
		Heartbeat:    req.Heartbeat,
	})
}

func (s *Service) LeaveRoom(ctx context.Context, roomID, userID string) error {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidRequest
	}
	return s.repo.LeaveRoom(ctx, roomID, userID)
}

func (s *Service) FindMatch(ctx context.Context, req MatchRequest) (*store.Room, error) {
	if err := s.checkMatch(req); err != nil {
		return nil, err
	}
	return s.repo.FindMatch(ctx, req.GameID, req.UserID)
}

func (s *Service) CreatePrivateRoom(ctx context.Context, req MatchRequest) (*store.Room, error) {
	if err := s.checkMatch(req); err != nil {
		return nil, err
	}
	return s.repo.CreatePrivateRoom(ctx, req.GameID, req.UserID)
}

func (s *Service) JoinByCode(ctx context.Context, req JoinRequest) (*store.Room, error) {
	if strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.UserID) == "" {
		return nil, ErrInvalidRequest
	}
	return s.repo.JoinByCode(ctx, req.Code, req.UserID)
}

func (s *Service) CancelSearch(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidRequest
	}
	return s.repo.CancelSearch(ctx, userID)
}

func (s *Service) ActiveRooms(ctx context.Context, limit int) ([]store.Room, error) {
	if limit <= 0 || limit > maxActiveRooms {
		limit = maxActiveRooms
	}
	items, err := s.repo.ListActiveRooms(ctx, limit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.Room{}
	}
	return items, nil
}

func (s *Service) checkMatch(req MatchRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return ErrInvalidRequest
	}
	if _, err := s.games.Get(req.GameID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}
