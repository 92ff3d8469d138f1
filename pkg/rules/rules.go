// Package rules hosts the deterministic game rule engines the coordinator
// and the replay verifier share. An engine is a pure function of (game,
// seed, ordered moves): replaying the same moves against the same seed must
// reproduce the same scores and winner on any machine.
package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/provenplay/matchproof/pkg/record"
)

var (
	// ErrIllegalMove rejects a move the rules forbid in the current state.
	ErrIllegalMove = errors.New("rules: illegal move")
	// ErrUnknownGame is returned for a game with no registered spec.
	ErrUnknownGame = errors.New("rules: unknown game")
	// ErrNoEngine is returned when a game has a spec but no rule engine.
	ErrNoEngine = errors.New("rules: no engine registered for game")
	// ErrPlayerCount rejects a roster outside the game's bounds.
	ErrPlayerCount = errors.New("rules: player count out of bounds")
)

// Phase is the engine-visible stage of play, finer grained than the
// on-chain phase enum.
type Phase string

const (
	PhaseFloorReveal  Phase = "floor_reveal"
	PhasePlayerAction Phase = "player_action"
	PhaseEnded        Phase = "ended"
)

// Move action names, matching the on-chain instruction encoding.
const (
	ActionPickUp       = "pick_up"
	ActionDecline      = "decline"
	ActionDeclare      = "declare_intent"
	ActionCallShowdown = "call_showdown"
	ActionRebuttal     = "rebuttal"
)

// TurnFree reports whether the action may be taken out of turn. Floor
// decisions are turn-gated; declarations, showdown calls, and rebuttals
// may come from any player at any time.
func TurnFree(action string) bool {
	switch action {
	case ActionDeclare, ActionCallShowdown, ActionRebuttal:
		return true
	default:
		return false
	}
}

// AdvancesTurn reports whether the action passes the turn to the next
// player.
func AdvancesTurn(action string) bool {
	return action == ActionPickUp || action == ActionDecline
}

// EndsMatch reports whether the action terminates play.
func EndsMatch(action string) bool {
	return action == ActionCallShowdown
}

// Engine applies moves in authoritative order and reports derived outcomes.
// Implementations are not safe for concurrent use; each match gets its own
// instance.
type Engine interface {
	// Apply validates mv against the current state and mutates the engine.
	// A wrapped ErrIllegalMove leaves the engine unchanged.
	Apply(mv record.MoveRecord) error
	// Scores returns the current score per player.
	Scores() map[string]int64
	// Winner returns the winning player once the match has ended, else "".
	Winner() string
	Phase() Phase
}

// Factory builds a fresh engine for a match. The coordinator uses it at
// match start and again after rollbacks; the verifier uses it for replay.
type Factory interface {
	New(game record.GameDescriptor, seed uint64, players []record.PlayerRecord) (Engine, error)
}

// GameSpec names a supported game and its roster bounds.
type GameSpec struct {
	Name       string `json:"name"`
	MinPlayers int    `json:"min_players"`
	MaxPlayers int    `json:"max_players"`
}

// BuilderFunc constructs an engine for a validated roster.
type BuilderFunc func(game record.GameDescriptor, seed uint64, players []record.PlayerRecord) (Engine, error)

// Registry maps game names to specs and engine builders. The zero value is
// unusable; construct with NewRegistry.
type Registry struct {
	specs    map[string]GameSpec
	builders map[string]BuilderFunc
}

// NewRegistry returns a registry preloaded with the supported game roster
// bounds and the claim reference engine.
func NewRegistry() *Registry {
	r := &Registry{
		specs:    make(map[string]GameSpec),
		builders: make(map[string]BuilderFunc),
	}
	for _, spec := range []GameSpec{
		{Name: "claim", MinPlayers: 2, MaxPlayers: 4},
		{Name: "three_card_brag", MinPlayers: 2, MaxPlayers: 6},
		{Name: "poker", MinPlayers: 2, MaxPlayers: 10},
		{Name: "bridge", MinPlayers: 4, MaxPlayers: 4},
		{Name: "rummy", MinPlayers: 2, MaxPlayers: 6},
		{Name: "scrabble", MinPlayers: 2, MaxPlayers: 4},
		{Name: "word_search", MinPlayers: 1, MaxPlayers: 10},
		{Name: "crosswords", MinPlayers: 1, MaxPlayers: 10},
	} {
		r.specs[spec.Name] = spec
	}
	r.builders["claim"] = func(game record.GameDescriptor, seed uint64, players []record.PlayerRecord) (Engine, error) {
		return NewClaimEngine(seed, players)
	}
	return r
}

// Register adds or replaces a game spec and its engine builder. A nil
// builder registers the spec only, for games that are anchored but not
// replayable yet.
func (r *Registry) Register(spec GameSpec, builder BuilderFunc) {
	r.specs[spec.Name] = spec
	if builder != nil {
		r.builders[spec.Name] = builder
	}
}

// Specs lists every registered game, ordered by name.
func (r *Registry) Specs() []GameSpec {
	specs := make([]GameSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Replayable reports whether the game has a registered engine builder.
// Games without one can be anchored and hash-verified but not replayed.
func (r *Registry) Replayable(name string) bool {
	_, ok := r.builders[name]
	return ok
}

// Spec returns the registered bounds for a game.
func (r *Registry) Spec(name string) (GameSpec, error) {
	spec, ok := r.specs[name]
	if !ok {
		return GameSpec{}, fmt.Errorf("%w: %q", ErrUnknownGame, name)
	}
	return spec, nil
}

// New validates the roster against the game's bounds and builds an engine.
func (r *Registry) New(game record.GameDescriptor, seed uint64, players []record.PlayerRecord) (Engine, error) {
	spec, err := r.Spec(game.Name)
	if err != nil {
		return nil, err
	}
	if len(players) < spec.MinPlayers || len(players) > spec.MaxPlayers {
		return nil, fmt.Errorf("%w: %s wants %d..%d players, got %d",
			ErrPlayerCount, spec.Name, spec.MinPlayers, spec.MaxPlayers, len(players))
	}
	builder, ok := r.builders[game.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoEngine, game.Name)
	}
	return builder(game, seed, players)
}
