package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHighValue(t *testing.T) {
	eng, err := New(DefaultHighValue)
	require.NoError(t, err)

	cases := []struct {
		name string
		in   Input
		want bool
	}{
		{"small stake", Input{MatchID: "m1", Stake: 10}, false},
		{"boundary stake", Input{MatchID: "m1", Stake: 1000}, true},
		{"big stake", Input{MatchID: "m1", Stake: 5000}, true},
		{"flagged", Input{MatchID: "m1", Stake: 1, Flags: map[string]bool{"high_value": true}}, true},
		{"flag false", Input{MatchID: "m1", Stake: 1, Flags: map[string]bool{"high_value": false}}, false},
		{"unrelated flag", Input{MatchID: "m1", Stake: 1, Flags: map[string]bool{"tournament": true}}, false},
		{"nil maps", Input{MatchID: "m1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := eng.Evaluate(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCustomExpressions(t *testing.T) {
	eng, err := New(`game == "claim" && size(players) >= 3`)
	require.NoError(t, err)

	got, err := eng.Evaluate(Input{Game: "claim", Players: []string{"a", "b", "c"}})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eng.Evaluate(Input{Game: "claim", Players: []string{"a", "b"}})
	require.NoError(t, err)
	assert.False(t, got)

	long, err := New(`move_count > 100`)
	require.NoError(t, err)
	got, err = long.Evaluate(Input{MoveCount: 101})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCompileRejectsBadExpressions(t *testing.T) {
	_, err := New(`stake >=`)
	require.Error(t, err)

	// Well-formed but not a bool.
	_, err = New(`match_id`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")

	// Unknown variable.
	_, err = New(`wager > 100.0`)
	require.Error(t, err)
}

func TestEvaluateFailsClosed(t *testing.T) {
	// Indexing an absent key errors at runtime; the caller sees false.
	eng, err := New(`flags["high_value"]`)
	require.NoError(t, err)

	got, err := eng.Evaluate(Input{})
	require.Error(t, err)
	assert.False(t, got)
}
