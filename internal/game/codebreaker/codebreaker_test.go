package codebreaker

import (
	"encoding/json"
	"testing"

	"duelsync/internal/game"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []string{"red", "blue", "green", "yellow"}

func start(t *testing.T, maxAttempts int) json.RawMessage {
	t.Helper()
	state, err := game.Encode(NewState(secret, maxAttempts))
	require.NoError(t, err)
	return state
}

func guess(t *testing.T, state json.RawMessage, player int, pegs ...string) json.RawMessage {
	t.Helper()
	next, err := New(0).Reduce(state, game.Input{Player: player, Type: game.TypeMove, Data: GuessMove(pegs...)})
	require.NoError(t, err)
	return next
}

func TestScore(t *testing.T) {
	cases := []struct {
		guess []string
		want  Feedback
	}{
		{guess: []string{"red", "blue", "green", "yellow"}, want: Feedback{Exact: 4}},
		{guess: []string{"yellow", "green", "blue", "red"}, want: Feedback{Partial: 4}},
		{guess: []string{"red", "red", "red", "red"}, want: Feedback{Exact: 1}},
		{guess: []string{"orange", "purple", "orange", "purple"}, want: Feedback{}},
		{guess: []string{"blue", "blue", "green", "red"}, want: Feedback{Exact: 2, Partial: 1}},
	}
	for _, tc := range cases {
		if diff := cmp.Diff(tc.want, Score(secret, tc.guess)); diff != "" {
			t.Fatalf("score %v (-want +got):\n%s", tc.guess, diff)
		}
	}
}

func TestSingleCrackerWins(t *testing.T) {
	state := start(t, 10)
	wrong := []string{"orange", "orange", "purple", "purple"}
	for i := 0; i < 3; i++ {
		state = guess(t, state, 1, wrong...)
		state = guess(t, state, 2, wrong...)
	}
	state = guess(t, state, 1, secret...)

	s, err := Decode(state)
	require.NoError(t, err)
	require.True(t, s.Player1Won)
	require.Equal(t, 4, s.Player1Attempts)
	require.Equal(t, 2, s.CurrentTurn)

	for s.Player2Attempts < 10 {
		state = guess(t, state, 2, wrong...)
		s, err = Decode(state)
		require.NoError(t, err)
	}

	assert.Equal(t, PhaseFinished, s.Phase)
	assert.Equal(t, game.Winner1, s.Winner)
	assert.Len(t, s.Player2History, 10)
	out, err := New(0).Outcome(state)
	require.NoError(t, err)
	assert.Equal(t, game.Outcome{Finished: true, Winner: game.Winner1}, out)
}

func TestFewerAttemptsWinsAndTiesDraw(t *testing.T) {
	wrong := []string{"orange", "orange", "purple", "purple"}

	state := start(t, 10)
	state = guess(t, state, 1, wrong...)
	state = guess(t, state, 2, secret...)
	state = guess(t, state, 1, secret...)
	s, err := Decode(state)
	require.NoError(t, err)
	assert.Equal(t, game.Winner2, s.Winner)

	state = start(t, 10)
	state = guess(t, state, 1, secret...)
	state = guess(t, state, 2, secret...)
	s, err = Decode(state)
	require.NoError(t, err)
	assert.Equal(t, game.WinnerDraw, s.Winner)

	state = start(t, 1)
	state = guess(t, state, 1, wrong...)
	state = guess(t, state, 2, wrong...)
	s, err = Decode(state)
	require.NoError(t, err)
	assert.Equal(t, PhaseFinished, s.Phase)
	assert.Equal(t, game.WinnerDraw, s.Winner)
}

func TestTurnsAlternateWhileBothActive(t *testing.T) {
	r := New(0)
	state, err := r.Initial(7)
	require.NoError(t, err)
	wrong := []string{"orange", "orange", "orange", "orange"}
	s, err := Decode(state)
	require.NoError(t, err)
	if s.SecretCode[0] == "orange" {
		wrong = []string{"purple", "purple", "purple", "purple"}
	}

	last := 0
	for i := 0; i < 12; i++ {
		s, err = Decode(state)
		require.NoError(t, err)
		if s.Phase != PhasePlaying || !s.Active(1) || !s.Active(2) {
			break
		}
		p := s.CurrentTurn
		require.NotEqual(t, last, p, "player %d moved twice in a row", p)
		state = guess(t, state, p, wrong...)
		last = p
	}
}

func TestOutOfTurnRejected(t *testing.T) {
	state := start(t, 10)
	_, err := New(0).Reduce(state, game.Input{Player: 2, Type: game.TypeMove, Data: GuessMove(secret...)})
	assert.ErrorIs(t, err, game.ErrNotYourTurn)

	_, err = New(0).Reduce(state, game.Input{Player: 1, Type: game.TypeMove, Data: GuessMove("red", "blue")})
	assert.ErrorIs(t, err, game.ErrMalformed)

	_, err = New(0).Reduce(state, game.Input{Player: 1, Type: game.TypeMove, Data: GuessMove("red", "blue", "green", "black")})
	assert.ErrorIs(t, err, game.ErrMalformed)

	awaiting, err := New(0).Awaiting(state)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, awaiting)
}

func TestInitialIsSeeded(t *testing.T) {
	r := New(0)
	a, err := r.Initial(99)
	require.NoError(t, err)
	b, err := r.Initial(99)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	s, err := Decode(a)
	require.NoError(t, err)
	assert.Len(t, s.SecretCode, CodeLength)
	assert.Equal(t, 1, s.CurrentTurn)
	assert.Equal(t, DefaultMaxAttempts, s.MaxAttempts)
}
