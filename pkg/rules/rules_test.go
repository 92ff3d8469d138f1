package rules

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenplay/matchproof/pkg/record"
)

func players(ids ...string) []record.PlayerRecord {
	out := make([]record.PlayerRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, record.PlayerRecord{PlayerID: id, Type: record.PlayerHuman})
	}
	return out
}

func move(player, action string, payload any) record.MoveRecord {
	mv := record.MoveRecord{PlayerID: player, Action: action}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		mv.Payload = raw
	}
	return mv
}

func declare(player, suit string) record.MoveRecord {
	return move(player, ActionDeclare, map[string]string{"suit": suit})
}

func TestRegistrySpecs(t *testing.T) {
	r := NewRegistry()

	spec, err := r.Spec("claim")
	require.NoError(t, err)
	assert.Equal(t, 2, spec.MinPlayers)
	assert.Equal(t, 4, spec.MaxPlayers)

	bridge, err := r.Spec("bridge")
	require.NoError(t, err)
	assert.Equal(t, 4, bridge.MinPlayers)
	assert.Equal(t, 4, bridge.MaxPlayers)

	_, err = r.Spec("tiddlywinks")
	require.ErrorIs(t, err, ErrUnknownGame)
}

func TestRegistryNew(t *testing.T) {
	r := NewRegistry()
	game := record.GameDescriptor{Name: "claim", MinPlayers: 2, MaxPlayers: 4}

	_, err := r.New(game, 1, players("p1"))
	require.ErrorIs(t, err, ErrPlayerCount)

	_, err = r.New(game, 1, players("p1", "p2", "p3", "p4", "p5"))
	require.ErrorIs(t, err, ErrPlayerCount)

	eng, err := r.New(game, 1, players("p1", "p2"))
	require.NoError(t, err)
	require.Equal(t, PhaseFloorReveal, eng.Phase())

	// Poker has roster bounds but no replayable engine yet.
	_, err = r.New(record.GameDescriptor{Name: "poker"}, 1, players("p1", "p2"))
	require.ErrorIs(t, err, ErrNoEngine)
}

func TestClaimDealDeterministic(t *testing.T) {
	a, err := NewClaimEngine(42, players("p1", "p2", "p3"))
	require.NoError(t, err)
	b, err := NewClaimEngine(42, players("p1", "p2", "p3"))
	require.NoError(t, err)

	for _, p := range []string{"p1", "p2", "p3"} {
		assert.Equal(t, a.Hand(p), b.Hand(p), "hands for %s diverge across identical seeds", p)
		assert.Len(t, a.Hand(p), claimHandSize)
	}

	c, err := NewClaimEngine(43, players("p1", "p2", "p3"))
	require.NoError(t, err)
	different := false
	for _, p := range []string{"p1", "p2", "p3"} {
		if fmt.Sprint(a.Hand(p)) != fmt.Sprint(c.Hand(p)) {
			different = true
		}
	}
	assert.True(t, different, "different seeds produced identical deals")
}

func TestClaimFloorPhase(t *testing.T) {
	e, err := NewClaimEngine(7, players("p1", "p2"))
	require.NoError(t, err)
	require.Equal(t, PhaseFloorReveal, e.Phase())
	require.Equal(t, "p1", e.CurrentPlayer())

	// Out of turn floor decision is rejected.
	err = e.Apply(move("p2", ActionPickUp, nil))
	require.ErrorIs(t, err, ErrIllegalMove)

	floor, ok := e.FloorCard()
	require.True(t, ok)
	before := len(e.Hand("p1"))

	require.NoError(t, e.Apply(move("p1", ActionPickUp, nil)))
	hand := e.Hand("p1")
	require.Len(t, hand, before+1)
	assert.Equal(t, floor, hand[len(hand)-1])
	assert.Equal(t, "p2", e.CurrentPlayer())
	assert.Equal(t, PhaseFloorReveal, e.Phase())

	require.NoError(t, e.Apply(move("p2", ActionDecline, nil)))
	assert.Equal(t, PhasePlayerAction, e.Phase())
}

func TestClaimPickUpCardCommitment(t *testing.T) {
	e, err := NewClaimEngine(7, players("p1", "p2"))
	require.NoError(t, err)

	floor, ok := e.FloorCard()
	require.True(t, ok)
	hash, err := CardHash(floor)
	require.NoError(t, err)

	// A stale commitment (for some other card) is rejected.
	wrong, err := CardHash(Card{Suit: "clubs", Rank: floor.Rank%13 + 1})
	require.NoError(t, err)
	err = e.Apply(move("p1", ActionPickUp, map[string]string{"card_hash": wrong}))
	require.ErrorIs(t, err, ErrIllegalMove)

	require.NoError(t, e.Apply(move("p1", ActionPickUp, map[string]string{"card_hash": hash})))
}

func TestClaimDeclare(t *testing.T) {
	e, err := NewClaimEngine(7, players("p1", "p2"))
	require.NoError(t, err)

	// Turn-free: p2 declares while p1 holds the floor decision.
	require.NoError(t, e.Apply(declare("p2", "hearts")))
	suit, ok := e.DeclaredSuit("p2")
	require.True(t, ok)
	assert.Equal(t, "hearts", suit)

	// One declaration per player.
	err = e.Apply(declare("p2", "spades"))
	require.ErrorIs(t, err, ErrIllegalMove)

	// A declared suit is locked for everyone else.
	err = e.Apply(declare("p1", "hearts"))
	require.ErrorIs(t, err, ErrIllegalMove)

	require.NoError(t, e.Apply(declare("p1", "spades")))

	err = e.Apply(declare("p1", "bananas"))
	require.ErrorIs(t, err, ErrIllegalMove)
}

func TestClaimShowdown(t *testing.T) {
	e, err := NewClaimEngine(7, players("p1", "p2"))
	require.NoError(t, err)

	err = e.Apply(move("p1", ActionCallShowdown, nil))
	require.ErrorIs(t, err, ErrIllegalMove, "showdown without declaration must fail")

	require.NoError(t, e.Apply(declare("p1", "spades")))
	require.NoError(t, e.Apply(move("p1", ActionCallShowdown, nil)))
	assert.Equal(t, PhaseEnded, e.Phase())
	assert.NotEmpty(t, e.Winner())

	// Nothing is legal after the end.
	err = e.Apply(declare("p2", "hearts"))
	require.ErrorIs(t, err, ErrIllegalMove)
}

func TestClaimScoring(t *testing.T) {
	e, err := NewClaimEngine(7, players("p1", "p2"))
	require.NoError(t, err)

	base := e.Scores()
	assert.Equal(t, int64(claimHandSize), base["p1"])
	assert.Equal(t, int64(claimHandSize), base["p2"])

	// Declaring a suit held in hand raises the declarer's score by ten per
	// matching card.
	hand := e.Hand("p1")
	suit := hand[0].Suit
	matching := 0
	for _, c := range hand {
		if c.Suit == suit {
			matching++
		}
	}
	require.NoError(t, e.Apply(declare("p1", suit)))
	scored := e.Scores()
	assert.Equal(t, int64(claimHandSize+10*matching), scored["p1"])
	assert.Equal(t, int64(claimHandSize), scored["p2"])
}

func TestClaimRebuttal(t *testing.T) {
	e, err := NewClaimEngine(7, players("p1", "p2"))
	require.NoError(t, err)

	run := []Card{{Suit: "hearts", Rank: 4}, {Suit: "hearts", Rank: 5}, {Suit: "hearts", Rank: 6}}
	require.NoError(t, e.Apply(move("p2", ActionRebuttal, map[string]any{"cards": run})))
	assert.Equal(t, int64(claimHandSize+15), e.Scores()["p2"])

	// Declared players cannot rebut.
	require.NoError(t, e.Apply(declare("p1", "spades")))
	err = e.Apply(move("p1", ActionRebuttal, map[string]any{"cards": run}))
	require.ErrorIs(t, err, ErrIllegalMove)
}

func TestValidateRun(t *testing.T) {
	cases := []struct {
		name  string
		cards []Card
		ok    bool
	}{
		{"low run", []Card{{"spades", 2}, {"spades", 3}, {"spades", 4}}, true},
		{"unsorted input", []Card{{"clubs", 9}, {"clubs", 7}, {"clubs", 8}}, true},
		{"ace low", []Card{{"hearts", 1}, {"hearts", 2}, {"hearts", 3}}, true},
		{"queen king ace", []Card{{"diamonds", 12}, {"diamonds", 13}, {"diamonds", 1}}, true},
		{"king ace two", []Card{{"spades", 13}, {"spades", 1}, {"spades", 2}}, true},
		{"gap", []Card{{"spades", 2}, {"spades", 4}, {"spades", 6}}, false},
		{"mixed suits", []Card{{"spades", 2}, {"hearts", 3}, {"spades", 4}}, false},
		{"duplicate rank", []Card{{"spades", 2}, {"spades", 2}, {"spades", 3}}, false},
		{"two cards", []Card{{"spades", 2}, {"spades", 3}}, false},
		{"bad rank", []Card{{"spades", 0}, {"spades", 1}, {"spades", 2}}, false},
		{"ace king only wraps adjacent", []Card{{"spades", 1}, {"spades", 11}, {"spades", 13}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRun(tc.cards)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrIllegalMove)
			}
		})
	}
}

func TestClaimReplayDeterminism(t *testing.T) {
	script := []record.MoveRecord{
		move("p1", ActionPickUp, nil),
		declare("p2", "hearts"),
		move("p2", ActionDecline, nil),
		declare("p1", "spades"),
		move("p1", ActionCallShowdown, nil),
	}

	run := func() (map[string]int64, string) {
		e, err := NewClaimEngine(99, players("p1", "p2"))
		require.NoError(t, err)
		for i, mv := range script {
			mv.Index = i
			require.NoError(t, e.Apply(mv))
		}
		return e.Scores(), e.Winner()
	}

	scoresA, winnerA := run()
	scoresB, winnerB := run()
	assert.Equal(t, scoresA, scoresB)
	assert.Equal(t, winnerA, winnerB)
	assert.NotEmpty(t, winnerA)
}

func TestClaimRejectsStrangers(t *testing.T) {
	e, err := NewClaimEngine(7, players("p1", "p2"))
	require.NoError(t, err)

	err = e.Apply(declare("intruder", "spades"))
	require.ErrorIs(t, err, ErrIllegalMove)

	err = e.Apply(move("p1", "teleport", nil))
	require.ErrorIs(t, err, ErrIllegalMove)
}
