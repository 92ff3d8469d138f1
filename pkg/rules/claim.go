package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/record"
)

// Suit names in on-chain encoding order (0 through 3).
var claimSuits = []string{"spades", "hearts", "diamonds", "clubs"}

// Card is one playing card. Rank runs 1 (ace) through 13 (king).
type Card struct {
	Suit string `json:"suit"`
	Rank int    `json:"rank"`
}

func (c Card) valid() bool {
	if c.Rank < 1 || c.Rank > 13 {
		return false
	}
	for _, s := range claimSuits {
		if c.Suit == s {
			return true
		}
	}
	return false
}

// CardHash returns the hex commitment for a card, used to cross-check
// pick_up payloads against the face-up floor card.
func CardHash(c Card) (string, error) {
	d, err := crypto.HashCanonical(c)
	if err != nil {
		return "", err
	}
	return d.Hex(), nil
}

const claimHandSize = 5

// ClaimEngine is the reference engine for the claim card game. The deal is
// a pure function of the match seed, so any verifier replaying the move
// log reconstructs identical hands.
//
// Play starts in the floor-reveal phase: each player in turn order takes
// exactly one decision on the face-up floor card, pick_up or decline.
// After every player has decided, play moves to the action phase. Intent
// declarations, showdown calls, and rebuttals are turn-free and legal in
// both phases. A showdown ends the match immediately.
type ClaimEngine struct {
	players []string
	hands   map[string][]Card
	floor   []Card
	floorUp int

	phase          Phase
	turn           int
	floorDecisions int

	declared   map[string]string
	suitOwners map[string]string
	rebuttals  map[string]int
	winner     string
}

// NewClaimEngine deals a match for the given roster. Player order is the
// join order and defines both turn order and tie-breaking.
func NewClaimEngine(seed uint64, players []record.PlayerRecord) (*ClaimEngine, error) {
	if len(players) < 2 || len(players) > 4 {
		return nil, fmt.Errorf("%w: claim wants 2..4 players, got %d", ErrPlayerCount, len(players))
	}

	deck := make([]Card, 0, 52)
	for _, suit := range claimSuits {
		for rank := 1; rank <= 13; rank++ {
			deck = append(deck, Card{Suit: suit, Rank: rank})
		}
	}
	rng := newPRNG(seed)
	rng.shuffle(len(deck), func(i, j int) { deck[i], deck[j] = deck[j], deck[i] })

	e := &ClaimEngine{
		players:    make([]string, 0, len(players)),
		hands:      make(map[string][]Card, len(players)),
		phase:      PhaseFloorReveal,
		declared:   make(map[string]string),
		suitOwners: make(map[string]string),
		rebuttals:  make(map[string]int),
	}
	for _, p := range players {
		e.players = append(e.players, p.PlayerID)
	}

	// Round-robin deal, then the rest of the deck becomes the floor pile.
	next := 0
	for i := 0; i < claimHandSize; i++ {
		for _, p := range e.players {
			e.hands[p] = append(e.hands[p], deck[next])
			next++
		}
	}
	e.floor = deck[next:]
	return e, nil
}

func (e *ClaimEngine) Phase() Phase { return e.phase }

// Winner returns the winning player after a showdown, else "".
func (e *ClaimEngine) Winner() string { return e.winner }

// DeclaredSuit returns the suit a player has declared, if any.
func (e *ClaimEngine) DeclaredSuit(playerID string) (string, bool) {
	s, ok := e.declared[playerID]
	return s, ok
}

// Hand returns a copy of a player's current hand.
func (e *ClaimEngine) Hand(playerID string) []Card {
	h := e.hands[playerID]
	cp := make([]Card, len(h))
	copy(cp, h)
	return cp
}

// FloorCard returns the current face-up floor card.
func (e *ClaimEngine) FloorCard() (Card, bool) {
	if e.floorUp >= len(e.floor) {
		return Card{}, false
	}
	return e.floor[e.floorUp], true
}

// CurrentPlayer returns whose floor decision is pending.
func (e *ClaimEngine) CurrentPlayer() string {
	return e.players[e.turn]
}

// Scores returns the standing at any point: one point per held card, ten
// per held card of the player's declared suit, fifteen per accepted
// rebuttal.
func (e *ClaimEngine) Scores() map[string]int64 {
	scores := make(map[string]int64, len(e.players))
	for _, p := range e.players {
		var s int64
		for _, c := range e.hands[p] {
			s++
			if suit, ok := e.declared[p]; ok && c.Suit == suit {
				s += 10
			}
		}
		s += int64(e.rebuttals[p]) * 15
		scores[p] = s
	}
	return scores
}

func (e *ClaimEngine) Apply(mv record.MoveRecord) error {
	if e.phase == PhaseEnded {
		return fmt.Errorf("%w: match already ended", ErrIllegalMove)
	}
	if !e.knows(mv.PlayerID) {
		return fmt.Errorf("%w: unknown player %q", ErrIllegalMove, mv.PlayerID)
	}
	if !TurnFree(mv.Action) && mv.PlayerID != e.players[e.turn] {
		return fmt.Errorf("%w: not %s's turn", ErrIllegalMove, mv.PlayerID)
	}

	switch mv.Action {
	case ActionPickUp:
		return e.applyFloorDecision(mv, true)
	case ActionDecline:
		return e.applyFloorDecision(mv, false)
	case ActionDeclare:
		return e.applyDeclare(mv)
	case ActionCallShowdown:
		return e.applyShowdown(mv)
	case ActionRebuttal:
		return e.applyRebuttal(mv)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrIllegalMove, mv.Action)
	}
}

func (e *ClaimEngine) knows(playerID string) bool {
	for _, p := range e.players {
		if p == playerID {
			return true
		}
	}
	return false
}

type pickUpPayload struct {
	CardHash string `json:"card_hash,omitempty"`
}

func (e *ClaimEngine) applyFloorDecision(mv record.MoveRecord, take bool) error {
	if e.phase != PhaseFloorReveal {
		return fmt.Errorf("%w: no floor decision pending", ErrIllegalMove)
	}
	card, ok := e.FloorCard()
	if !ok {
		return fmt.Errorf("%w: floor pile exhausted", ErrIllegalMove)
	}

	if len(mv.Payload) > 0 {
		var p pickUpPayload
		if err := json.Unmarshal(mv.Payload, &p); err != nil {
			return fmt.Errorf("%w: malformed payload: %v", ErrIllegalMove, err)
		}
		if p.CardHash != "" {
			want, err := CardHash(card)
			if err != nil {
				return err
			}
			if p.CardHash != want {
				return fmt.Errorf("%w: card commitment does not match floor card", ErrIllegalMove)
			}
		}
	}

	if take {
		e.hands[mv.PlayerID] = append(e.hands[mv.PlayerID], card)
	}
	e.floorUp++
	e.floorDecisions++
	e.turn = (e.turn + 1) % len(e.players)
	if e.floorDecisions >= len(e.players) || e.floorUp >= len(e.floor) {
		e.phase = PhasePlayerAction
	}
	return nil
}

type declarePayload struct {
	Suit string `json:"suit"`
}

func (e *ClaimEngine) applyDeclare(mv record.MoveRecord) error {
	var p declarePayload
	if err := json.Unmarshal(mv.Payload, &p); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", ErrIllegalMove, err)
	}
	if !(Card{Suit: p.Suit, Rank: 1}).valid() {
		return fmt.Errorf("%w: invalid suit %q", ErrIllegalMove, p.Suit)
	}
	if _, ok := e.declared[mv.PlayerID]; ok {
		return fmt.Errorf("%w: %s already declared", ErrIllegalMove, mv.PlayerID)
	}
	if owner, ok := e.suitOwners[p.Suit]; ok {
		return fmt.Errorf("%w: suit %s already declared by %s", ErrIllegalMove, p.Suit, owner)
	}
	e.declared[mv.PlayerID] = p.Suit
	e.suitOwners[p.Suit] = mv.PlayerID
	return nil
}

func (e *ClaimEngine) applyShowdown(mv record.MoveRecord) error {
	if _, ok := e.declared[mv.PlayerID]; !ok {
		return fmt.Errorf("%w: %s cannot call showdown without a declared suit", ErrIllegalMove, mv.PlayerID)
	}
	e.phase = PhaseEnded
	e.winner = e.computeWinner()
	return nil
}

type rebuttalPayload struct {
	Cards []Card `json:"cards"`
}

// applyRebuttal validates a three-card run proof. Card ownership is
// attested by the on-chain commitments; the engine checks the run shape:
// same suit, consecutive ranks, with the ace bridging king and two.
func (e *ClaimEngine) applyRebuttal(mv record.MoveRecord) error {
	if _, ok := e.declared[mv.PlayerID]; ok {
		return fmt.Errorf("%w: declared players cannot rebut", ErrIllegalMove)
	}
	var p rebuttalPayload
	if err := json.Unmarshal(mv.Payload, &p); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", ErrIllegalMove, err)
	}
	if err := ValidateRun(p.Cards); err != nil {
		return err
	}
	e.rebuttals[mv.PlayerID]++
	return nil
}

// ValidateRun checks a rebuttal proof: exactly three cards of one suit
// with consecutive ranks. The ace wraps, so queen-king-ace and
// king-ace-two are both runs.
func ValidateRun(cards []Card) error {
	if len(cards) != 3 {
		return fmt.Errorf("%w: rebuttal needs exactly 3 cards, got %d", ErrIllegalMove, len(cards))
	}
	ranks := make([]int, 0, 3)
	seen := make(map[int]bool, 3)
	for _, c := range cards {
		if !c.valid() {
			return fmt.Errorf("%w: invalid card %+v", ErrIllegalMove, c)
		}
		if c.Suit != cards[0].Suit {
			return fmt.Errorf("%w: rebuttal cards must share a suit", ErrIllegalMove)
		}
		if seen[c.Rank] {
			return fmt.Errorf("%w: duplicate rank %d in rebuttal", ErrIllegalMove, c.Rank)
		}
		seen[c.Rank] = true
		ranks = append(ranks, c.Rank)
	}
	sort.Ints(ranks)

	consecutive := ranks[0]+1 == ranks[1] && ranks[1]+1 == ranks[2]
	wrapKingAceTwo := ranks[0] == 1 && ranks[1] == 2 && ranks[2] == 13
	wrapQueenKingAce := ranks[0] == 1 && ranks[1] == 12 && ranks[2] == 13
	if !consecutive && !wrapKingAceTwo && !wrapQueenKingAce {
		return fmt.Errorf("%w: cards do not form a run", ErrIllegalMove)
	}
	return nil
}

// computeWinner picks the highest score, breaking ties by turn order.
func (e *ClaimEngine) computeWinner() string {
	scores := e.Scores()
	winner := e.players[0]
	best := scores[winner]
	for _, p := range e.players[1:] {
		if scores[p] > best {
			winner, best = p, scores[p]
		}
	}
	return winner
}
