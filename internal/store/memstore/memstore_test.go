package memstore

import (
	"context"
	"testing"
	"time"

	"duelsync/internal/store"
	"duelsync/internal/store/storetest"
)

func TestRepositoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository { return New() })
}

func TestClockDrivesHeartbeat(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	st := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	room, err := st.CreatePrivateRoom(ctx, "rps", "alice")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if !room.Players[0].LastSeenAt.Equal(now) {
		t.Fatalf("expected joined at fake clock, got %v", room.Players[0].LastSeenAt)
	}
	now = now.Add(time.Minute)
	p, err := st.UpdateRoomPlayer(ctx, room.ID, "alice", store.PlayerPatch{Heartbeat: true})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !p.LastSeenAt.Equal(now) {
		t.Fatalf("expected heartbeat at %v, got %v", now, p.LastSeenAt)
	}
}

func TestReturnedRoomsAreCopies(t *testing.T) {
	st := New()
	ctx := context.Background()
	room, err := st.CreatePrivateRoom(ctx, "rps", "alice")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	room.Players[0].Ready = true
	room.Status = store.RoomFinished

	got, err := st.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if got.Status != store.RoomWaiting || got.Players[0].Ready {
		t.Fatalf("stored room mutated through returned copy: %+v", got)
	}
}
