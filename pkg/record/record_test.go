package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenplay/matchproof/pkg/crypto"
)

func fixtureRecord(t *testing.T) *MatchRecord {
	t.Helper()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &MatchRecord{
		MatchID:   "0195fe7b-9d74-7c1e-a5b2-3f6d2b9c0c11",
		Version:   Version,
		Game:      GameDescriptor{Name: "claim", MinPlayers: 2, MaxPlayers: 4},
		StartTime: NewTimestamp(start),
		EndTime:   NewTimestamp(start.Add(10 * time.Minute)),
		Seed:      0xDEADBEEF,
		Players: []PlayerRecord{
			{PlayerID: "alice", Type: PlayerHuman, PublicKey: "aa11"},
			{PlayerID: "bob", Type: PlayerAI, PublicKey: "bb22"},
		},
		Moves: []MoveRecord{
			{Index: 0, Timestamp: NewTimestamp(start.Add(time.Minute)), PlayerID: "alice", Action: "pick_up"},
			{Index: 1, Timestamp: NewTimestamp(start.Add(2 * time.Minute)), PlayerID: "bob", Action: "decline"},
		},
		Scores: map[string]int64{"alice": 10, "bob": 4},
		Winner: "alice",
	}
}

func TestValidate_WellFormed(t *testing.T) {
	require.NoError(t, fixtureRecord(t).Validate())
}

func TestValidateMoveOrder(t *testing.T) {
	ts := NewTimestamp(time.Now())
	cases := []struct {
		name    string
		indices []int
		wantErr bool
	}{
		{"empty", nil, false},
		{"contiguous", []int{0, 1, 2}, false},
		{"gap", []int{0, 2, 3}, true},
		{"duplicate", []int{0, 1, 1}, true},
		{"out of order", []int{1, 0, 2}, true},
		{"offset start", []int{1, 2, 3}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			moves := make([]MoveRecord, len(tc.indices))
			for i, idx := range tc.indices {
				moves[i] = MoveRecord{Index: idx, Timestamp: ts, PlayerID: "p", Action: "a"}
			}
			err := ValidateMoveOrder(moves)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrMoveOrdering)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidate_RejectsUnknownReferences(t *testing.T) {
	rec := fixtureRecord(t)
	rec.Winner = "mallory"
	require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)

	rec = fixtureRecord(t)
	rec.Scores["mallory"] = 1
	require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)

	rec = fixtureRecord(t)
	rec.Moves[1].PlayerID = "mallory"
	require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)
}

func TestValidate_PlayerBounds(t *testing.T) {
	rec := fixtureRecord(t)
	rec.Game.MinPlayers = 3
	require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)
}

func TestValidate_EndBeforeStart(t *testing.T) {
	rec := fixtureRecord(t)
	rec.EndTime = NewTimestamp(rec.StartTime.Add(-time.Second))
	require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)
}

func TestParse_SchemaViolations(t *testing.T) {
	rec := fixtureRecord(t)
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	// Well-formed passes.
	_, err = Parse(raw)
	require.NoError(t, err)

	// Drop a required field.
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	delete(doc, "match_id")
	broken, err := json.Marshal(doc)
	require.NoError(t, err)
	_, err = Parse(broken)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestVersionGate(t *testing.T) {
	require.NoError(t, IsSupportedVersion("1.0.0"))
	require.NoError(t, IsSupportedVersion("1.2.3"))
	require.ErrorIs(t, IsSupportedVersion("2.0.0"), ErrUnsupportedVersion)
	require.ErrorIs(t, IsSupportedVersion("0.9.0"), ErrUnsupportedVersion)
	require.ErrorIs(t, IsSupportedVersion("garbage"), ErrUnsupportedVersion)

	rec := fixtureRecord(t)
	rec.Version = "2.0.0"
	require.ErrorIs(t, rec.Validate(), ErrUnsupportedVersion)
}

func TestHash_StableAcrossSignatureAppends(t *testing.T) {
	rec := fixtureRecord(t)
	before, err := rec.Hash()
	require.NoError(t, err)

	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	require.NoError(t, rec.Sign(signer, crypto.RoleCoordinator, time.Now()))

	after, err := rec.Hash()
	require.NoError(t, err)
	assert.Equal(t, before, after, "appending a signature must not change the signing hash")

	// A real mutation does change it.
	rec.Winner = "bob"
	mutated, err := rec.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, before, mutated)
}

func TestSign_VerifiableSignatures(t *testing.T) {
	rec := fixtureRecord(t)
	now := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

	coord, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	player, err := crypto.NewDilithium3Signer()
	require.NoError(t, err)

	require.NoError(t, rec.Sign(coord, crypto.RoleCoordinator, now))
	require.NoError(t, rec.Sign(player, crypto.RolePlayer, now))
	require.Len(t, rec.Signatures, 2)

	digest, err := rec.Hash()
	require.NoError(t, err)
	for _, sig := range rec.Signatures {
		require.NoError(t, crypto.VerifySignature(sig.SigType, sig.Signer, digest, sig.Signature))
	}

	// Signature over the pre-mutation hash fails after mutation.
	rec.Scores["bob"] = 99
	tampered, err := rec.Hash()
	require.NoError(t, err)
	sig := rec.Signatures[0]
	require.Error(t, crypto.VerifySignature(sig.SigType, sig.Signer, tampered, sig.Signature))
}

func TestCanonicalBytes_Deterministic(t *testing.T) {
	a, err := fixtureRecord(t).CanonicalBytes()
	require.NoError(t, err)
	b, err := fixtureRecord(t).CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestParse_RoundTripPreservesHash(t *testing.T) {
	rec := fixtureRecord(t)
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	require.NoError(t, rec.Sign(signer, crypto.RoleCoordinator, time.Now()))

	raw, err := rec.CanonicalBytes()
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)

	h1, err := rec.Hash()
	require.NoError(t, err)
	h2, err := parsed.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, parsed.Signatures, 1)
}

func TestTimestamp_WireFormat(t *testing.T) {
	ts := NewTimestamp(time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC))
	b, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2025-03-01T12:00:00.123Z"`, string(b), "sub-millisecond precision must be truncated")

	var parsed Timestamp
	require.NoError(t, json.Unmarshal(b, &parsed))
	assert.True(t, parsed.Equal(ts))

	// Missing millisecond digits or offset forms are rejected.
	require.Error(t, json.Unmarshal([]byte(`"2025-03-01T12:00:00Z"`), &parsed))
	require.Error(t, json.Unmarshal([]byte(`"2025-03-01T12:00:00.123+02:00"`), &parsed))
}

func TestMigrate_LegacyLayout(t *testing.T) {
	legacy := []byte(`{
		"matchId": "legacy-42",
		"gameId": "claim",
		"createdAt": "2024-11-05T09:00:00Z",
		"finishedAt": "2024-11-05T09:12:30.5Z",
		"randomSeed": 777,
		"players": [
			{"id": "p1", "kind": "human", "pubkey": "aa"},
			{"id": "p2", "kind": "agent", "pubkey": "bb"}
		],
		"turns": [
			{"idx": 0, "at": "2024-11-05T09:01:00Z", "playerId": "p1", "action": "pick_up"},
			{"idx": 1, "at": "2024-11-05T09:02:00Z", "playerId": "p2", "action": "decline", "payload": {"reason": "weak hand"}}
		],
		"scores": {"p1": 3, "p2": 1},
		"winner": "p1"
	}`)

	rec, err := Migrate(legacy)
	require.NoError(t, err)

	assert.Equal(t, "legacy-42", rec.MatchID)
	assert.Equal(t, Version, rec.Version)
	assert.Equal(t, "claim", rec.Game.Name)
	assert.Equal(t, uint64(777), rec.Seed)
	require.Len(t, rec.Players, 2)
	assert.Equal(t, PlayerAI, rec.Players[1].Type, "agent maps to ai")
	require.Len(t, rec.Moves, 2)
	assert.Equal(t, 0, rec.Moves[0].Index)
	assert.Equal(t, "decline", rec.Moves[1].Action)
	assert.JSONEq(t, `{"reason": "weak hand"}`, string(rec.Moves[1].Payload))
	assert.Equal(t, "p1", rec.Winner)
	assert.Empty(t, rec.Signatures, "legacy records re-enter unsigned")

	// Migrated output satisfies the current schema outright.
	require.NoError(t, rec.Validate())
}

func TestMigrate_MissingMatchID(t *testing.T) {
	_, err := Migrate([]byte(`{"gameId": "claim"}`))
	require.ErrorIs(t, err, ErrInvalidRecord)
}
