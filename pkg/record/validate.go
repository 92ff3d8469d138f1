package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrMoveOrdering means move indices are not exactly {0..N-1}.
	ErrMoveOrdering = errors.New("record: move ordering violation")

	// ErrInvalidRecord covers structural and semantic validation failures.
	ErrInvalidRecord = errors.New("record: invalid record")
)

const schemaURL = "https://schemas.provenplay.dev/matchproof/match-record-1.json"

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://schemas.provenplay.dev/matchproof/match-record-1.json",
  "type": "object",
  "required": ["match_id", "version", "game", "start_time", "end_time", "seed", "players", "moves", "scores"],
  "properties": {
    "match_id": {"type": "string", "minLength": 1, "maxLength": 64},
    "version": {"type": "string", "pattern": "^\\d+\\.\\d+\\.\\d+$"},
    "game": {
      "type": "object",
      "required": ["name", "min_players", "max_players"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "variant": {"type": "string"},
        "min_players": {"type": "integer", "minimum": 1},
        "max_players": {"type": "integer", "minimum": 1}
      }
    },
    "start_time": {"$ref": "#/$defs/timestamp"},
    "end_time": {"$ref": "#/$defs/timestamp"},
    "seed": {"type": "integer", "minimum": 0},
    "players": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/player"}},
    "moves": {"type": "array", "items": {"$ref": "#/$defs/move"}},
    "scores": {"type": "object", "additionalProperties": {"type": "integer"}},
    "winner": {"type": "string"},
    "chain_of_thought": {"type": "object", "additionalProperties": {"type": "string"}},
    "model_versions": {"type": "object", "additionalProperties": {"type": "string"}},
    "signatures": {"type": "array", "items": {"$ref": "#/$defs/signature"}}
  },
  "$defs": {
    "timestamp": {
      "type": "string",
      "pattern": "^\\d{4}-\\d{2}-\\d{2}T\\d{2}:\\d{2}:\\d{2}\\.\\d{3}Z$"
    },
    "player": {
      "type": "object",
      "required": ["player_id", "type", "public_key"],
      "properties": {
        "player_id": {"type": "string", "minLength": 1},
        "type": {"enum": ["human", "ai", "bot"]},
        "public_key": {"type": "string", "pattern": "^[0-9a-f]*$"}
      }
    },
    "move": {
      "type": "object",
      "required": ["index", "timestamp", "player_id", "action"],
      "properties": {
        "index": {"type": "integer", "minimum": 0},
        "timestamp": {"$ref": "#/$defs/timestamp"},
        "player_id": {"type": "string", "minLength": 1},
        "action": {"type": "string", "minLength": 1},
        "nonce": {"type": "integer", "minimum": 0}
      }
    },
    "signature": {
      "type": "object",
      "required": ["signer", "sig_type", "signature", "signed_at"],
      "properties": {
        "signer": {"type": "string", "pattern": "^[0-9a-f]+$"},
        "sig_type": {"enum": ["ed25519", "dilithium3"]},
        "signature": {"type": "string", "minLength": 1},
        "signed_at": {"$ref": "#/$defs/timestamp"},
        "role": {"enum": ["coordinator", "player", "validator", "authority"]}
      }
    }
  }
}`

var matchSchema = jsonschema.MustCompileString(schemaURL, schemaJSON)

// Validate runs structural (JSON Schema) then semantic checks. Structural
// failure reports the schema violation; semantic checks cover everything a
// schema cannot express: the move-index invariant, player-bound
// consistency, and cross-field references.
func (r *MatchRecord) Validate() error {
	if err := IsSupportedVersion(r.Version); err != nil {
		return err
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := validateSchema(raw); err != nil {
		return err
	}
	return r.validateSemantics()
}

// Parse decodes, version-gates, and validates raw record bytes.
func Parse(raw []byte) (*MatchRecord, error) {
	var rec MatchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := IsSupportedVersion(rec.Version); err != nil {
		return nil, err
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	if err := rec.validateSemantics(); err != nil {
		return nil, err
	}
	return &rec, nil
}

func validateSchema(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := matchSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

func (r *MatchRecord) validateSemantics() error {
	if err := ValidateMoveOrder(r.Moves); err != nil {
		return err
	}

	if len(r.Players) < r.Game.MinPlayers || len(r.Players) > r.Game.MaxPlayers {
		return fmt.Errorf("%w: %d players outside game bounds [%d,%d]",
			ErrInvalidRecord, len(r.Players), r.Game.MinPlayers, r.Game.MaxPlayers)
	}

	known := make(map[string]bool, len(r.Players))
	for _, p := range r.Players {
		if known[p.PlayerID] {
			return fmt.Errorf("%w: duplicate player %q", ErrInvalidRecord, p.PlayerID)
		}
		known[p.PlayerID] = true
	}

	for _, m := range r.Moves {
		if !known[m.PlayerID] {
			return fmt.Errorf("%w: move %d by unknown player %q", ErrInvalidRecord, m.Index, m.PlayerID)
		}
	}
	for pid := range r.Scores {
		if !known[pid] {
			return fmt.Errorf("%w: score for unknown player %q", ErrInvalidRecord, pid)
		}
	}
	if r.Winner != "" && !known[r.Winner] {
		return fmt.Errorf("%w: winner %q not a player", ErrInvalidRecord, r.Winner)
	}

	if r.EndTime.Before(r.StartTime.Time) {
		return fmt.Errorf("%w: end_time before start_time", ErrInvalidRecord)
	}
	return nil
}

// ValidateMoveOrder enforces that indices are exactly {0..N-1} in array
// order: any gap, duplicate, or out-of-place index fails.
func ValidateMoveOrder(moves []MoveRecord) error {
	for i, m := range moves {
		if m.Index != i {
			return fmt.Errorf("%w: position %d holds index %d", ErrMoveOrdering, i, m.Index)
		}
	}
	return nil
}
