// Package game defines the reducer contract shared by every game a room can
// host. Reducers are pure: they map a shared state blob and one input to the
// next blob and never perform I/O.
package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInvalidAction = errors.New("invalid_action")
	ErrNotYourTurn   = errors.New("not_your_turn")
	ErrWrongPhase    = errors.New("wrong_phase")
	ErrMalformed     = errors.New("malformed_action")
	ErrUnknownGame   = errors.New("unknown_game")
)

// ID identifies a ruleset; it is stored as rooms.game_id.
type ID string

// TypeMove is the only input type reducers act on. Every other type is a
// no-op at the reducer level.
const TypeMove = "move"

type Input struct {
	Player int
	Type   string
	Data   json.RawMessage
}

// Winner is "" while the match runs, then "1", "2" or "draw".
type Winner string

const (
	WinnerNone Winner = ""
	Winner1    Winner = "1"
	Winner2    Winner = "2"
	WinnerDraw Winner = "draw"
)

// WinnerFor returns the winner token for a player number.
func WinnerFor(player int) Winner {
	switch player {
	case 1:
		return Winner1
	case 2:
		return Winner2
	default:
		return WinnerNone
	}
}

// Player returns the winning player number, or 0 for a draw or no result.
func (w Winner) Player() int {
	switch w {
	case Winner1:
		return 1
	case Winner2:
		return 2
	default:
		return 0
	}
}

type Outcome struct {
	Finished bool
	Winner   Winner
}

type Reducer interface {
	GameID() ID
	Initial(seed int64) (json.RawMessage, error)
	Reduce(state json.RawMessage, in Input) (json.RawMessage, error)
	Outcome(state json.RawMessage) (Outcome, error)
	// Awaiting lists the player numbers whose input the state is blocked on.
	Awaiting(state json.RawMessage) ([]int, error)
}

// Advancer is implemented by reducers whose state can stall on a timed
// follow-up move that either player may submit, such as closing a revealed
// round.
type Advancer interface {
	PendingAdvance(state json.RawMessage) (json.RawMessage, bool, error)
}

type Registry struct {
	reducers map[ID]Reducer
}

func NewRegistry(reducers ...Reducer) *Registry {
	r := &Registry{reducers: map[ID]Reducer{}}
	for _, red := range reducers {
		r.reducers[red.GameID()] = red
	}
	return r
}

func (r *Registry) Get(id string) (Reducer, error) {
	red, ok := r.reducers[ID(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGame, id)
	}
	return red, nil
}

func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.reducers))
	for id := range r.reducers {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}

// IsValidationError reports whether err is a local rejection that must never
// reach the network.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidAction) ||
		errors.Is(err, ErrNotYourTurn) ||
		errors.Is(err, ErrWrongPhase) ||
		errors.Is(err, ErrMalformed)
}

// Decode unmarshals a state blob, mapping syntax errors to ErrMalformed.
func Decode(state json.RawMessage, v any) error {
	if len(state) == 0 {
		return fmt.Errorf("%w: empty state", ErrMalformed)
	}
	if err := json.Unmarshal(state, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Encode marshals a state value.
func Encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
