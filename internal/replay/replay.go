// Package replay steps through the recorded action log of a finished room.
// Displayed state always comes from snapshots embedded in the log; the
// engine never runs a reducer.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"duelsync/internal/events"
	"duelsync/internal/store"

	"github.com/rs/zerolog/log"
)

var (
	ErrRoomNotFinished = errors.New("room_not_finished")
	ErrNotLoaded       = errors.New("replay_not_loaded")
	ErrInvalidSpeed    = errors.New("invalid_speed")
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusLoading  Status = "loading"
	StatusReady    Status = "ready"
	StatusPlaying  Status = "playing"
	StatusPaused   Status = "paused"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

// Speeds lists the accepted playback multipliers.
var Speeds = []float64{0.5, 1, 2, 4}

const (
	defaultBaseInterval = time.Second
	defaultPageSize     = 200
)

// Source is the read side of the room store.
type Source interface {
	GetRoom(ctx context.Context, roomID string) (*store.Room, error)
	ListActions(ctx context.Context, roomID string, q store.ActionQuery) ([]store.Action, error)
}

type Config struct {
	BaseInterval time.Duration
	PageSize     int
}

type View struct {
	Status             Status             `json:"status"`
	Room               *store.Room        `json:"room"`
	Players            []store.RoomPlayer `json:"players"`
	Actions            []store.Action     `json:"actions"`
	CurrentActionIndex int                `json:"current_action_index"`
	GameState          json.RawMessage    `json:"game_state,omitempty"`
	Speed              float64            `json:"speed"`
	Progress           float64            `json:"progress"`
	Err                error              `json:"-"`
}

type Engine struct {
	source Source
	cfg    Config
	events *events.Buffer

	mu      sync.Mutex
	status  Status
	room    *store.Room
	actions []store.Action
	// stateAt[i] is the snapshot in effect once action i has been applied.
	stateAt []json.RawMessage
	cursor  int
	speed   float64
	err     error
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(source Source, cfg Config) *Engine {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = defaultBaseInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	return &Engine{
		source: source,
		cfg:    cfg,
		events: events.NewBuffer(0),
		status: StatusIdle,
		cursor: -1,
		speed:  1,
	}
}

func (e *Engine) Subscribe() chan events.Event { return e.events.Subscribe() }

func (e *Engine) Unsubscribe(ch chan events.Event) { e.events.Unsubscribe(ch) }

// Load fetches the room and its complete action log. Only finished rooms
// can be replayed since their log no longer changes.
func (e *Engine) Load(ctx context.Context, roomID string) error {
	e.mu.Lock()
	e.stopLocked()
	e.status = StatusLoading
	e.err = nil
	e.emitLocked(events.KindStatus)
	e.mu.Unlock()

	room, actions, err := e.fetch(ctx, roomID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("replay load failed")
		e.status = StatusError
		e.err = err
		e.room = nil
		e.actions = nil
		e.stateAt = nil
		e.cursor = -1
		e.emitLocked(events.KindError)
		return err
	}
	e.room = room
	e.actions = actions
	e.stateAt = snapshotIndex(actions)
	e.cursor = -1
	e.status = StatusReady
	log.Info().Str("room_id", roomID).Int("actions", len(actions)).Msg("replay loaded")
	e.emitLocked(events.KindStatus)
	return nil
}

func (e *Engine) fetch(ctx context.Context, roomID string) (*store.Room, []store.Action, error) {
	room, err := e.source.GetRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	if room.Status != store.RoomFinished {
		return nil, nil, fmt.Errorf("%w: status %s", ErrRoomNotFinished, room.Status)
	}
	var all []store.Action
	var after int64
	for {
		page, err := e.source.ListActions(ctx, roomID, store.ActionQuery{AfterSeq: after, Limit: e.cfg.PageSize})
		if err != nil {
			return nil, nil, err
		}
		all = append(all, page...)
		if len(page) < e.cfg.PageSize {
			break
		}
		after = page[len(page)-1].Seq
	}
	return room, all, nil
}

// snapshotIndex resolves, for every position, the newest snapshot at or
// before it by committed room version. Appends can land out of version order,
// so a later entry may carry an older state and must not replace a newer one.
func snapshotIndex(actions []store.Action) []json.RawMessage {
	out := make([]json.RawMessage, len(actions))
	var best *store.Action
	for i := range actions {
		act := &actions[i]
		if act.HasSnapshot() && (best == nil || act.NewerSnapshot(*best)) {
			best = act
		}
		if best != nil {
			out[i] = best.GameState
		}
	}
	return out
}

func (e *Engine) StepForward() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loadedLocked() {
		return ErrNotLoaded
	}
	e.stopLocked()
	if e.cursor < len(e.actions)-1 {
		e.cursor++
	}
	e.settleLocked()
	return nil
}

func (e *Engine) StepBackward() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loadedLocked() {
		return ErrNotLoaded
	}
	e.stopLocked()
	if e.cursor > -1 {
		e.cursor--
	}
	e.settleLocked()
	return nil
}

// SeekTo moves the cursor to index, clamped to [-1, len-1].
func (e *Engine) SeekTo(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loadedLocked() {
		return ErrNotLoaded
	}
	e.stopLocked()
	if index < -1 {
		index = -1
	}
	if index > len(e.actions)-1 {
		index = len(e.actions) - 1
	}
	e.cursor = index
	e.settleLocked()
	return nil
}

// Play advances the cursor every BaseInterval/speed until the end of the
// log. Playing a finished replay restarts it.
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loadedLocked() {
		return ErrNotLoaded
	}
	if e.status == StatusPlaying {
		return nil
	}
	if e.status == StatusFinished {
		e.cursor = -1
	}
	if e.cursor >= len(e.actions)-1 {
		e.status = StatusFinished
		e.emitLocked(events.KindStatus)
		return nil
	}
	e.status = StatusPlaying
	e.startLocked()
	e.emitLocked(events.KindStatus)
	return nil
}

func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPlaying {
		return
	}
	e.stopLocked()
	e.status = StatusPaused
	e.emitLocked(events.KindStatus)
}

func (e *Engine) SetSpeed(speed float64) error {
	valid := false
	for _, s := range Speeds {
		if s == speed {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, speed)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speed = speed
	if e.status == StatusPlaying {
		e.startLocked()
	}
	e.emitLocked(events.KindStatus)
	return nil
}

func (e *Engine) Snapshot() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := View{
		Status:             e.status,
		Room:               e.room.Clone(),
		Actions:            append([]store.Action(nil), e.actions...),
		CurrentActionIndex: e.cursor,
		GameState:          e.stateLocked(),
		Speed:              e.speed,
		Progress:           e.progressLocked(),
		Err:                e.err,
	}
	if v.Room != nil {
		v.Players = v.Room.Players
	}
	return v
}

// Close stops playback and releases subscribers.
func (e *Engine) Close() {
	e.mu.Lock()
	e.stopLocked()
	e.mu.Unlock()
	e.wg.Wait()
	e.events.Close()
}

func (e *Engine) loadedLocked() bool {
	switch e.status {
	case StatusReady, StatusPlaying, StatusPaused, StatusFinished:
		return true
	default:
		return false
	}
}

// settleLocked sets the status after a manual cursor move.
func (e *Engine) settleLocked() {
	if e.cursor >= len(e.actions)-1 {
		e.status = StatusFinished
	} else {
		e.status = StatusPaused
	}
	e.emitLocked(events.KindCursor)
}

func (e *Engine) stateLocked() json.RawMessage {
	if e.cursor < 0 || e.cursor >= len(e.stateAt) {
		return nil
	}
	state := e.stateAt[e.cursor]
	if state == nil {
		return nil
	}
	return append(json.RawMessage(nil), state...)
}

func (e *Engine) progressLocked() float64 {
	if len(e.actions) == 0 {
		if e.status == StatusFinished {
			return 1
		}
		return 0
	}
	return float64(e.cursor+1) / float64(len(e.actions))
}

func (e *Engine) startLocked() {
	e.stopLocked()
	stop := make(chan struct{})
	e.stop = stop
	interval := time.Duration(float64(e.cfg.BaseInterval) / e.speed)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !e.tick(stop) {
					return
				}
			}
		}
	}()
}

func (e *Engine) stopLocked() {
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}

func (e *Engine) tick(stop chan struct{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != stop {
		return false
	}
	if e.cursor < len(e.actions)-1 {
		e.cursor++
	}
	if e.cursor >= len(e.actions)-1 {
		e.stopLocked()
		e.status = StatusFinished
		e.emitLocked(events.KindStatus)
		return false
	}
	e.emitLocked(events.KindCursor)
	return true
}

func (e *Engine) emitLocked(kind events.Kind) {
	e.events.Append(kind, map[string]any{
		"status": e.status,
		"cursor": e.cursor,
	})
}
