package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// legacyRecord is the pre-1.0.0 field layout: camelCase names, no version
// field, turns instead of moves. It exists only as migration input.
type legacyRecord struct {
	MatchID    string           `json:"matchId"`
	GameID     string           `json:"gameId"`
	CreatedAt  string           `json:"createdAt"`
	FinishedAt string           `json:"finishedAt"`
	RandomSeed uint64           `json:"randomSeed"`
	Players    []legacyPlayer   `json:"players"`
	Turns      []legacyTurn     `json:"turns"`
	Scores     map[string]int64 `json:"scores"`
	Winner     string           `json:"winner"`
}

type legacyPlayer struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Pubkey string `json:"pubkey"`
}

type legacyTurn struct {
	Idx      int             `json:"idx"`
	At       string          `json:"at"`
	PlayerID string          `json:"playerId"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload"`
}

// Migrate converts a legacy document into the current schema in one step.
// Field-presence branching is confined to this function: everything past
// migration sees only the versioned layout.
//
// Legacy records carry no signatures; they re-enter the pipeline unsigned
// and must be re-signed before anchoring.
func Migrate(raw []byte) (*MatchRecord, error) {
	var old legacyRecord
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, fmt.Errorf("%w: legacy decode: %v", ErrInvalidRecord, err)
	}
	if old.MatchID == "" {
		return nil, fmt.Errorf("%w: legacy record missing matchId", ErrInvalidRecord)
	}

	start, err := parseLegacyTime(old.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: createdAt: %v", ErrInvalidRecord, err)
	}
	end, err := parseLegacyTime(old.FinishedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: finishedAt: %v", ErrInvalidRecord, err)
	}

	rec := &MatchRecord{
		MatchID:   old.MatchID,
		Version:   Version,
		Game:      legacyGameDescriptor(old.GameID, len(old.Players)),
		StartTime: NewTimestamp(start),
		EndTime:   NewTimestamp(end),
		Seed:      old.RandomSeed,
		Scores:    old.Scores,
		Winner:    old.Winner,
	}
	if rec.Scores == nil {
		rec.Scores = map[string]int64{}
	}

	for _, p := range old.Players {
		rec.Players = append(rec.Players, PlayerRecord{
			PlayerID:  p.ID,
			Type:      legacyPlayerType(p.Kind),
			PublicKey: p.Pubkey,
		})
	}

	for _, turn := range old.Turns {
		at, err := parseLegacyTime(turn.At)
		if err != nil {
			return nil, fmt.Errorf("%w: turn %d timestamp: %v", ErrInvalidRecord, turn.Idx, err)
		}
		rec.Moves = append(rec.Moves, MoveRecord{
			Index:     turn.Idx,
			Timestamp: NewTimestamp(at),
			PlayerID:  turn.PlayerID,
			Action:    turn.Action,
			Payload:   turn.Payload,
		})
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("migrated record failed validation: %w", err)
	}
	return rec, nil
}

// parseLegacyTime accepts the looser RFC3339 forms old writers produced.
func parseLegacyTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func legacyGameDescriptor(gameID string, playerCount int) GameDescriptor {
	if gameID == "" {
		gameID = "unknown"
	}
	// Old records carried no player bounds; adopt the observed count.
	n := playerCount
	if n < 1 {
		n = 1
	}
	return GameDescriptor{Name: gameID, MinPlayers: n, MaxPlayers: n}
}

func legacyPlayerType(kind string) string {
	switch kind {
	case "human", "ai", "bot":
		return kind
	case "agent":
		return PlayerAI
	default:
		return PlayerBot
	}
}
