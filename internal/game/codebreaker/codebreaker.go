// Package codebreaker is the sequential-turn reducer: both players race to
// crack one shared hidden code, alternating guesses.
package codebreaker

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"duelsync/internal/game"
)

const (
	GameID             game.ID = "codebreaker"
	CodeLength                 = 4
	DefaultMaxAttempts         = 10
)

const (
	PhasePlaying  = "playing"
	PhaseFinished = "finished"
)

var Colors = []string{"red", "blue", "green", "yellow", "orange", "purple"}

func validColor(c string) bool {
	for _, v := range Colors {
		if v == c {
			return true
		}
	}
	return false
}

type Feedback struct {
	Exact   int `json:"exact"`
	Partial int `json:"partial"`
}

type Attempt struct {
	Guess    []string `json:"guess"`
	Feedback Feedback `json:"feedback"`
}

type State struct {
	SecretCode      []string    `json:"secretCode"`
	MaxAttempts     int         `json:"maxAttempts"`
	CurrentTurn     int         `json:"currentTurn"`
	Player1Attempts int         `json:"player1Attempts"`
	Player2Attempts int         `json:"player2Attempts"`
	Player1History  []Attempt   `json:"player1History"`
	Player2History  []Attempt   `json:"player2History"`
	Player1Won      bool        `json:"player1Won"`
	Player2Won      bool        `json:"player2Won"`
	Phase           string      `json:"phase"`
	Winner          game.Winner `json:"winner,omitempty"`
}

type MoveData struct {
	Guess []string `json:"guess"`
}

// NewState opens a match on a known secret with player 1 to move.
func NewState(secret []string, maxAttempts int) State {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return State{
		SecretCode:     append([]string(nil), secret...),
		MaxAttempts:    maxAttempts,
		CurrentTurn:    1,
		Player1History: []Attempt{},
		Player2History: []Attempt{},
		Phase:          PhasePlaying,
	}
}

func (s State) attempts(player int) int {
	if player == 1 {
		return s.Player1Attempts
	}
	return s.Player2Attempts
}

func (s State) won(player int) bool {
	if player == 1 {
		return s.Player1Won
	}
	return s.Player2Won
}

// Active reports whether player may still guess.
func (s State) Active(player int) bool {
	return !s.won(player) && s.attempts(player) < s.MaxAttempts
}

func (s *State) record(player int, a Attempt) {
	cracked := a.Feedback.Exact == CodeLength
	if player == 1 {
		s.Player1History = append(s.Player1History, a)
		s.Player1Attempts++
		s.Player1Won = cracked
	} else {
		s.Player2History = append(s.Player2History, a)
		s.Player2Attempts++
		s.Player2Won = cracked
	}
}

// Score counts exact and colour-only matches of guess against secret.
func Score(secret, guess []string) Feedback {
	var fb Feedback
	secretLeft := map[string]int{}
	guessLeft := map[string]int{}
	for i := range secret {
		if i < len(guess) && guess[i] == secret[i] {
			fb.Exact++
			continue
		}
		secretLeft[secret[i]]++
		if i < len(guess) {
			guessLeft[guess[i]]++
		}
	}
	for color, n := range guessLeft {
		fb.Partial += min(n, secretLeft[color])
	}
	return fb
}

type Reducer struct {
	maxAttempts int
}

var _ game.Reducer = Reducer{}

func New(maxAttempts int) Reducer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Reducer{maxAttempts: maxAttempts}
}

func (Reducer) GameID() game.ID { return GameID }

// Initial draws the secret from seed. The triggering client writes it once
// into the first game_state; it is never drawn again.
func (r Reducer) Initial(seed int64) (json.RawMessage, error) {
	rng := rand.New(rand.NewSource(seed))
	secret := make([]string, CodeLength)
	for i := range secret {
		secret[i] = Colors[rng.Intn(len(Colors))]
	}
	return game.Encode(NewState(secret, r.maxAttempts))
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
	if s.Phase != PhasePlaying {
		return nil, game.ErrWrongPhase
	}
	if in.Player != s.CurrentTurn {
		return nil, game.ErrNotYourTurn
	}
	if !s.Active(in.Player) {
		return nil, game.ErrInvalidAction
	}
	var move MoveData
	if err := game.Decode(in.Data, &move); err != nil {
		return nil, err
	}
	if len(move.Guess) != CodeLength {
		return nil, fmt.Errorf("%w: guess needs %d pegs", game.ErrMalformed, CodeLength)
	}
	for _, c := range move.Guess {
		if !validColor(c) {
			return nil, fmt.Errorf("%w: colour %q", game.ErrMalformed, c)
		}
	}

	s.record(in.Player, Attempt{
		Guess:    append([]string(nil), move.Guess...),
		Feedback: Score(s.SecretCode, move.Guess),
	})

	other := 3 - in.Player
	switch {
	case s.Active(other):
		s.CurrentTurn = other
	case s.Active(in.Player):
		s.CurrentTurn = in.Player
	default:
		s.finish()
	}
	return game.Encode(s)
}

func (s *State) finish() {
	s.Phase = PhaseFinished
	s.CurrentTurn = 0
	switch {
	case s.Player1Won && s.Player2Won:
		switch {
		case s.Player1Attempts < s.Player2Attempts:
			s.Winner = game.Winner1
		case s.Player2Attempts < s.Player1Attempts:
			s.Winner = game.Winner2
		default:
			s.Winner = game.WinnerDraw
		}
	case s.Player1Won:
		s.Winner = game.Winner1
	case s.Player2Won:
		s.Winner = game.Winner2
	default:
		s.Winner = game.WinnerDraw
	}
}

func (Reducer) Outcome(raw json.RawMessage) (game.Outcome, error) {
	s, err := Decode(raw)
	if err != nil {
		return game.Outcome{}, err
	}
	return game.Outcome{Finished: s.Phase == PhaseFinished, Winner: s.Winner}, nil
}

func (Reducer) Awaiting(raw json.RawMessage) ([]int, error) {
	s, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if s.Phase != PhasePlaying || s.CurrentTurn == 0 {
		return nil, nil
	}
	return []int{s.CurrentTurn}, nil
}

// GuessMove builds a move payload.
func GuessMove(guess ...string) json.RawMessage {
	b, _ := json.Marshal(MoveData{Guess: guess})
	return b
}
