// Package rps is the symmetric-simultaneous reducer: both players lock a
// hidden choice, the round is revealed, then an advance move either ends the
// match or opens the next round.
package rps

import (
	"encoding/json"
	"fmt"

	"duelsync/internal/game"
)

const (
	GameID           game.ID = "rps"
	DefaultMaxRounds         = 3
)

type Choice string

const (
	Rock     Choice = "rock"
	Paper    Choice = "paper"
	Scissors Choice = "scissors"
)

var Choices = []Choice{Rock, Paper, Scissors}

func (c Choice) Valid() bool {
	return c == Rock || c == Paper || c == Scissors
}

// beats reports whether c wins against other.
func (c Choice) beats(other Choice) bool {
	switch c {
	case Rock:
		return other == Scissors
	case Scissors:
		return other == Paper
	case Paper:
		return other == Rock
	}
	return false
}

type State struct {
	Round         int         `json:"round"`
	MaxRounds     int         `json:"maxRounds"`
	Player1Choice Choice      `json:"player1Choice,omitempty"`
	Player2Choice Choice      `json:"player2Choice,omitempty"`
	Revealed      bool        `json:"revealed"`
	RoundWinner   game.Winner `json:"roundWinner,omitempty"`
	Scores        [2]int      `json:"scores"`
	Winner        game.Winner `json:"winner,omitempty"`
}

// MoveData is the payload of a move. Exactly one of Choice or Advance is set.
type MoveData struct {
	Choice  Choice `json:"choice,omitempty"`
	Advance bool   `json:"advance,omitempty"`
}

func (s State) choice(player int) Choice {
	if player == 1 {
		return s.Player1Choice
	}
	return s.Player2Choice
}

func (s *State) setChoice(player int, c Choice) {
	if player == 1 {
		s.Player1Choice = c
	} else {
		s.Player2Choice = c
	}
}

// Majority is the score that ends the match early.
func (s State) Majority() int {
	return s.MaxRounds/2 + 1
}

type Reducer struct {
	maxRounds int
}

var _ game.Reducer = Reducer{}

func New(maxRounds int) Reducer {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return Reducer{maxRounds: maxRounds}
}

func (Reducer) GameID() game.ID { return GameID }

func (r Reducer) Initial(int64) (json.RawMessage, error) {
	rounds := r.maxRounds
	if rounds <= 0 {
		rounds = DefaultMaxRounds
	}
	return game.Encode(State{Round: 1, MaxRounds: rounds})
}

func Decode(raw json.RawMessage) (State, error) {
	var s State
	err := game.Decode(raw, &s)
	return s, err
}

func (Reducer) Reduce(raw json.RawMessage, in game.Input) (json.RawMessage, error) {
	s, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if in.Type != game.TypeMove {
		return raw, nil
	}
	if in.Player != 1 && in.Player != 2 {
		return nil, fmt.Errorf("%w: player %d", game.ErrInvalidAction, in.Player)
	}
	if s.Winner != game.WinnerNone {
		return nil, game.ErrWrongPhase
	}
	var move MoveData
	if err := game.Decode(in.Data, &move); err != nil {
		return nil, err
	}
	if move.Advance {
		if !s.Revealed {
			return nil, game.ErrWrongPhase
		}
		s.advance()
		return game.Encode(s)
	}
	if !move.Choice.Valid() {
		return nil, fmt.Errorf("%w: choice %q", game.ErrMalformed, move.Choice)
	}
	if s.Revealed {
		return nil, game.ErrWrongPhase
	}
	if s.choice(in.Player) != "" {
		return nil, game.ErrInvalidAction
	}
	s.setChoice(in.Player, move.Choice)
	if s.Player1Choice != "" && s.Player2Choice != "" {
		s.reveal()
	}
	return game.Encode(s)
}

func (s *State) reveal() {
	s.Revealed = true
	switch {
	case s.Player1Choice.beats(s.Player2Choice):
		s.Scores[0]++
		s.RoundWinner = game.Winner1
	case s.Player2Choice.beats(s.Player1Choice):
		s.Scores[1]++
		s.RoundWinner = game.Winner2
	default:
		s.RoundWinner = game.WinnerDraw
	}
}

func (s *State) advance() {
	majority := s.Majority()
	switch {
	case s.Scores[0] >= majority:
		s.Winner = game.Winner1
	case s.Scores[1] >= majority:
		s.Winner = game.Winner2
	case s.Round >= s.MaxRounds:
		switch {
		case s.Scores[0] > s.Scores[1]:
			s.Winner = game.Winner1
		case s.Scores[1] > s.Scores[0]:
			s.Winner = game.Winner2
		default:
			s.Winner = game.WinnerDraw
		}
	default:
		s.Round++
		s.Player1Choice = ""
		s.Player2Choice = ""
		s.Revealed = false
		s.RoundWinner = game.WinnerNone
	}
}

func (Reducer) Outcome(raw json.RawMessage) (game.Outcome, error) {
	s, err := Decode(raw)
	if err != nil {
		return game.Outcome{}, err
	}
	return game.Outcome{Finished: s.Winner != game.WinnerNone, Winner: s.Winner}, nil
}

// Awaiting is empty after a reveal: either client may advance.
func (Reducer) Awaiting(raw json.RawMessage) ([]int, error) {
	s, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if s.Winner != game.WinnerNone || s.Revealed {
		return nil, nil
	}
	out := []int{}
	for _, p := range []int{1, 2} {
		if s.choice(p) == "" {
			out = append(out, p)
		}
	}
	return out, nil
}

var _ game.Advancer = Reducer{}

// PendingAdvance returns the advance payload while a round sits revealed.
func (Reducer) PendingAdvance(raw json.RawMessage) (json.RawMessage, bool, error) {
	s, err := Decode(raw)
	if err != nil {
		return nil, false, err
	}
	if s.Revealed && s.Winner == game.WinnerNone {
		return AdvanceMove(), true, nil
	}
	return nil, false, nil
}

// ChoiceMove builds the payload for a choice.
func ChoiceMove(c Choice) json.RawMessage {
	b, _ := json.Marshal(MoveData{Choice: c})
	return b
}

// AdvanceMove builds the payload that closes a revealed round.
func AdvanceMove() json.RawMessage {
	return json.RawMessage(`{"advance":true}`)
}
