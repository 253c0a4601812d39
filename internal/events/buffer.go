// Package events fans out change notifications from the session client and
// the replay engine to presentation code.
package events

import (
	"strconv"
	"sync"
	"time"
)

type Kind string

const (
	KindRoom         Kind = "room"
	KindAction       Kind = "action"
	KindChat         Kind = "chat"
	KindConnectivity Kind = "connectivity"
	KindError        Kind = "error"
	KindCursor       Kind = "cursor"
	KindStatus       Kind = "status"
)

type Event struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	At   int64  `json:"at"`
	Data any    `json:"data,omitempty"`
}

// Buffer keeps the last max events and pushes each new one to every
// subscriber without blocking; a slow subscriber drops events and can catch
// up with ReplayAfter.
type Buffer struct {
	mu       sync.Mutex
	nextID   int64
	max      int
	events   []Event
	watchers map[chan Event]struct{}
	closed   bool
}

func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = 500
	}
	return &Buffer{
		max:      max,
		watchers: map[chan Event]struct{}{},
	}
}

func (b *Buffer) Append(kind Kind, data any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Event{}
	}
	b.nextID++
	ev := Event{
		ID:   strconv.FormatInt(b.nextID, 10),
		Kind: kind,
		At:   time.Now().UnixMilli(),
		Data: data,
	}
	b.events = append(b.events, ev)
	if len(b.events) > b.max {
		b.events = b.events[len(b.events)-b.max:]
	}
	for ch := range b.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

func (b *Buffer) ReplayAfter(lastID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil
	}
	last, err := strconv.ParseInt(lastID, 10, 64)
	if lastID == "" || err != nil {
		out := make([]Event, len(b.events))
		copy(out, b.events)
		return out
	}
	out := make([]Event, 0, len(b.events))
	for _, ev := range b.events {
		id, _ := strconv.ParseInt(ev.ID, 10, 64)
		if id > last {
			out = append(out, ev)
		}
	}
	return out
}

func (b *Buffer) Subscribe() chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.watchers[ch] = struct{}{}
	return ch
}

func (b *Buffer) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watchers[ch]; ok {
		delete(b.watchers, ch)
		close(ch)
	}
}

func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.watchers {
		close(ch)
		delete(b.watchers, ch)
	}
}
