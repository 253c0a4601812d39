package events

import "testing"

func TestBufferOrderAndReplay(t *testing.T) {
	buf := NewBuffer(10)
	ev1 := buf.Append(KindRoom, map[string]any{"n": 1})
	ev2 := buf.Append(KindAction, map[string]any{"n": 2})
	ev3 := buf.Append(KindChat, map[string]any{"n": 3})

	if ev1.ID != "1" || ev2.ID != "2" || ev3.ID != "3" {
		t.Fatalf("unexpected event ids: %s %s %s", ev1.ID, ev2.ID, ev3.ID)
	}

	replay := buf.ReplayAfter("1")
	if len(replay) != 2 {
		t.Fatalf("expected 2 replay events, got %d", len(replay))
	}
	if replay[0].ID != "2" || replay[1].ID != "3" {
		t.Fatalf("unexpected replay order: %+v", replay)
	}
	if all := buf.ReplayAfter(""); len(all) != 3 {
		t.Fatalf("expected full replay, got %d", len(all))
	}
}

func TestBufferTrimsToMax(t *testing.T) {
	buf := NewBuffer(2)
	buf.Append(KindRoom, nil)
	buf.Append(KindRoom, nil)
	buf.Append(KindRoom, nil)
	replay := buf.ReplayAfter("")
	if len(replay) != 2 || replay[0].ID != "2" {
		t.Fatalf("expected last two events, got %+v", replay)
	}
}

func TestSubscribeReceivesAndCloseEndsStream(t *testing.T) {
	buf := NewBuffer(10)
	ch := buf.Subscribe()
	buf.Append(KindStatus, "ready")
	ev := <-ch
	if ev.Kind != KindStatus || ev.Data != "ready" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	buf.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after Close")
	}
	if late := buf.Subscribe(); late != nil {
		if _, ok := <-late; ok {
			t.Fatal("expected subscribe after close to return a closed channel")
		}
	}
	if ev := buf.Append(KindRoom, nil); ev.ID != "" {
		t.Fatalf("expected no event after close, got %+v", ev)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	buf := NewBuffer(10)
	ch := buf.Subscribe()
	buf.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	buf.Unsubscribe(ch)
}
