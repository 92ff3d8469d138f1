package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/record"
	"github.com/provenplay/matchproof/pkg/rules"
)

var claimGame = record.GameDescriptor{Name: "claim", MinPlayers: 2, MaxPlayers: 4}

func newPlayingMatch(t *testing.T, m *Memory, matchID string, players ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := m.RegisterMatch(ctx, matchID, claimGame, players[0])
	require.NoError(t, err)
	for _, p := range players {
		_, err = m.JoinMatch(ctx, matchID, p)
		require.NoError(t, err)
	}
	_, err = m.StartMatch(ctx, matchID)
	require.NoError(t, err)
}

func submission(matchID string, index int, player, action string, nonce uint64) MoveSubmission {
	return MoveSubmission{
		MatchID:     matchID,
		Index:       index,
		PlayerID:    player,
		Action:      action,
		PayloadHash: crypto.HashBytes([]byte(action)),
		Nonce:       nonce,
	}
}

func TestMatchLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})

	_, err := m.RegisterMatch(ctx, "m1", claimGame, "p1")
	require.NoError(t, err)
	_, err = m.RegisterMatch(ctx, "m1", claimGame, "p1")
	require.ErrorIs(t, err, ErrMatchExists)

	// Not enough players to start.
	_, err = m.JoinMatch(ctx, "m1", "p1")
	require.NoError(t, err)
	_, err = m.StartMatch(ctx, "m1")
	require.ErrorIs(t, err, ErrInvalidPhase)

	_, err = m.JoinMatch(ctx, "m1", "p2")
	require.NoError(t, err)
	_, err = m.JoinMatch(ctx, "m1", "p2")
	require.ErrorIs(t, err, ErrMatchExists)

	_, err = m.StartMatch(ctx, "m1")
	require.NoError(t, err)

	// Joining after start is rejected.
	_, err = m.JoinMatch(ctx, "m1", "p3")
	require.ErrorIs(t, err, ErrInvalidPhase)

	state, err := m.GetConfirmedState(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, PhasePlaying, state.Phase)
	assert.Equal(t, []string{"p1", "p2"}, state.Players)
	assert.Equal(t, "p1", state.CurrentPlayer)
	assert.Zero(t, state.MoveCount)

	_, err = m.EndMatch(ctx, "m1", "p2")
	require.NoError(t, err)
	state, err = m.GetConfirmedState(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, PhaseEnded, state.Phase)
	assert.Equal(t, "p2", state.Winner)
}

func TestMatchFull(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	_, err := m.RegisterMatch(ctx, "m1", claimGame, "p1")
	require.NoError(t, err)
	for _, p := range []string{"p1", "p2", "p3", "p4"} {
		_, err = m.JoinMatch(ctx, "m1", p)
		require.NoError(t, err)
	}
	_, err = m.JoinMatch(ctx, "m1", "p5")
	require.ErrorIs(t, err, ErrMatchFull)
}

func TestSubmitMoveValidation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	newPlayingMatch(t, m, "m1", "p1", "p2")

	// Wrong index.
	_, err := m.SubmitMove(ctx, submission("m1", 3, "p1", rules.ActionPickUp, 1))
	require.ErrorIs(t, err, ErrInvalidMoveIndex)

	// Out of turn floor decision.
	_, err = m.SubmitMove(ctx, submission("m1", 0, "p2", rules.ActionPickUp, 1))
	require.ErrorIs(t, err, ErrNotPlayersTurn)

	// Turn-free declaration from the off-turn player.
	_, err = m.SubmitMove(ctx, submission("m1", 0, "p2", rules.ActionDeclare, 1))
	require.NoError(t, err)

	// Nonce must strictly increase per player.
	_, err = m.SubmitMove(ctx, submission("m1", 1, "p2", rules.ActionDeclare, 1))
	require.ErrorIs(t, err, ErrInvalidNonce)

	// Unknown player and unknown match.
	_, err = m.SubmitMove(ctx, submission("m1", 1, "intruder", rules.ActionDeclare, 1))
	require.ErrorIs(t, err, ErrPlayerNotInMatch)
	_, err = m.SubmitMove(ctx, submission("mX", 0, "p1", rules.ActionDeclare, 1))
	require.ErrorIs(t, err, ErrMatchNotFound)
}

func TestSubmitMoveTurnAndPhaseTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	newPlayingMatch(t, m, "m1", "p1", "p2")

	_, err := m.SubmitMove(ctx, submission("m1", 0, "p1", rules.ActionPickUp, 1))
	require.NoError(t, err)
	state, _ := m.GetConfirmedState(ctx, "m1")
	assert.Equal(t, 1, state.MoveCount)
	assert.Equal(t, "p2", state.CurrentPlayer, "pick_up must advance the turn")

	_, err = m.SubmitMove(ctx, submission("m1", 1, "p1", rules.ActionDeclare, 2))
	require.NoError(t, err)
	state, _ = m.GetConfirmedState(ctx, "m1")
	assert.Equal(t, "p2", state.CurrentPlayer, "declare_intent must not advance the turn")

	_, err = m.SubmitMove(ctx, submission("m1", 2, "p1", rules.ActionCallShowdown, 3))
	require.NoError(t, err)
	state, _ = m.GetConfirmedState(ctx, "m1")
	assert.Equal(t, PhaseEnded, state.Phase, "showdown must end the match")

	_, err = m.SubmitMove(ctx, submission("m1", 3, "p2", rules.ActionDeclare, 2))
	require.ErrorIs(t, err, ErrInvalidPhase)
}

func TestClientSignatureIsHonored(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	newPlayingMatch(t, m, "m1", "p1", "p2")

	mv := submission("m1", 0, "p1", rules.ActionPickUp, 1)
	mv.ClientSignature = "sig-abc123"
	handle, err := m.SubmitMove(ctx, mv)
	require.NoError(t, err)
	assert.Equal(t, "sig-abc123", handle.Signature)
	require.NoError(t, m.Confirm(ctx, handle))
}

func TestDropBeforeConfirm(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	newPlayingMatch(t, m, "m1", "p1", "p2")

	m.DropBeforeConfirm(func(mv MoveSubmission) bool { return mv.Index == 0 })

	handle, err := m.SubmitMove(ctx, submission("m1", 0, "p1", rules.ActionPickUp, 1))
	require.NoError(t, err, "a dropped transaction is still accepted at broadcast")

	confirmCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = m.Confirm(confirmCtx, handle)
	require.ErrorIs(t, err, ErrNotConfirmed)

	state, err := m.GetConfirmedState(ctx, "m1")
	require.NoError(t, err)
	assert.Zero(t, state.MoveCount, "dropped transaction must not mutate chain state")
}

func TestDropAfterConfirm(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	newPlayingMatch(t, m, "m1", "p1", "p2")

	m.DropAfterConfirm(func(mv MoveSubmission) bool { return mv.Index == 1 })

	h0, err := m.SubmitMove(ctx, submission("m1", 0, "p1", rules.ActionPickUp, 1))
	require.NoError(t, err)
	require.NoError(t, m.Confirm(ctx, h0))

	h1, err := m.SubmitMove(ctx, submission("m1", 1, "p2", rules.ActionDecline, 1))
	require.NoError(t, err)
	require.NoError(t, m.Confirm(ctx, h1), "the lying chain acknowledges the transaction")

	state, err := m.GetConfirmedState(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.MoveCount, "acknowledged-but-lost move must be missing from state")
}

func TestConfirmLatency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{ConfirmLatency: 30 * time.Millisecond})
	newPlayingMatch(t, m, "m1", "p1", "p2")

	handle, err := m.SubmitMove(ctx, submission("m1", 0, "p1", rules.ActionPickUp, 1))
	require.NoError(t, err)

	state, err := m.GetConfirmedState(ctx, "m1")
	require.NoError(t, err)
	assert.Zero(t, state.MoveCount, "move must not be visible before confirmation")

	require.NoError(t, m.Confirm(ctx, handle))
	state, err = m.GetConfirmedState(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.MoveCount)
}

func TestConfirmUnknownTx(t *testing.T) {
	m := NewMemory(MemoryConfig{})
	err := m.Confirm(context.Background(), TxHandle{Signature: "never-sent"})
	require.ErrorIs(t, err, ErrUnknownTx)
}

func TestAnchorBatchValidation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	root := crypto.HashBytes([]byte("root"))

	_, err := m.AnchorBatch(ctx, "", root, 1, "a", "b")
	require.ErrorIs(t, err, ErrInvalidBatch)

	long := make([]byte, maxBatchIDLen+1)
	for i := range long {
		long[i] = 'b'
	}
	_, err = m.AnchorBatch(ctx, string(long), root, 1, "a", "b")
	require.ErrorIs(t, err, ErrInvalidBatch)

	_, err = m.AnchorBatch(ctx, "batch-1", root, 0, "a", "b")
	require.ErrorIs(t, err, ErrInvalidBatch)

	_, err = m.AnchorBatch(ctx, "batch-1", crypto.Digest{}, 1, "a", "b")
	require.ErrorIs(t, err, ErrInvalidBatch)

	_, err = m.AnchorBatch(ctx, "batch-1", root, 1, "", "b")
	require.ErrorIs(t, err, ErrInvalidBatch)

	handle, err := m.AnchorBatch(ctx, "batch-1", root, 2, "a", "b")
	require.NoError(t, err)
	require.NotEmpty(t, handle.Signature)

	_, err = m.AnchorBatch(ctx, "batch-1", root, 2, "a", "b")
	require.ErrorIs(t, err, ErrBatchExists)

	anchor, err := m.GetBatchAnchor(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, root, anchor.MerkleRoot)
	assert.Equal(t, 2, anchor.Count)
	assert.Equal(t, "a", anchor.FirstMatchID)
	assert.Equal(t, "b", anchor.LastMatchID)

	_, err = m.GetBatchAnchor(ctx, "batch-2")
	require.ErrorIs(t, err, ErrAnchorNotFound)
}

func TestAnchorMatchRecordRequiresEndedMatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	newPlayingMatch(t, m, "m1", "p1", "p2")
	hash := crypto.HashBytes([]byte("record"))

	_, err := m.AnchorMatchRecord(ctx, "m1", hash, "file:///tmp/m1.json")
	require.ErrorIs(t, err, ErrInvalidPhase, "anchoring a live match must fail")

	_, err = m.EndMatch(ctx, "m1", "p1")
	require.NoError(t, err)

	_, err = m.AnchorMatchRecord(ctx, "m1", crypto.Digest{}, "file:///tmp/m1.json")
	require.ErrorIs(t, err, ErrInvalidAnchor)

	long := make([]byte, maxStorageURLLen+1)
	for i := range long {
		long[i] = 'u'
	}
	_, err = m.AnchorMatchRecord(ctx, "m1", hash, string(long))
	require.ErrorIs(t, err, ErrInvalidAnchor)

	_, err = m.AnchorMatchRecord(ctx, "m1", hash, "file:///tmp/m1.json")
	require.NoError(t, err)

	anchor, err := m.GetMatchAnchor(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, hash, anchor.MatchHash)
	assert.Equal(t, "file:///tmp/m1.json", anchor.StorageURL)
}

func TestAnchorCheckpoint(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	newPlayingMatch(t, m, "m1", "p1", "p2")

	_, err := m.AnchorCheckpoint(ctx, "m1", -1, crypto.HashBytes([]byte("s")))
	require.ErrorIs(t, err, ErrInvalidAnchor)

	_, err = m.AnchorCheckpoint(ctx, "m1", 20, crypto.HashBytes([]byte("s20")))
	require.NoError(t, err)
	_, err = m.AnchorCheckpoint(ctx, "m1", 40, crypto.HashBytes([]byte("s40")))
	require.NoError(t, err)

	cps := m.Checkpoints("m1")
	require.Len(t, cps, 2)
	assert.Equal(t, 20, cps[0].EventIndex)
	assert.Equal(t, 40, cps[1].EventIndex)
}

func TestFailNextAnchors(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	root := crypto.HashBytes([]byte("root"))

	m.FailNextAnchors(2)
	_, err := m.AnchorBatch(ctx, "b1", root, 1, "a", "a")
	require.Error(t, err)
	_, err = m.AnchorBatch(ctx, "b1", root, 1, "a", "a")
	require.Error(t, err)
	_, err = m.AnchorBatch(ctx, "b1", root, 1, "a", "a")
	require.NoError(t, err, "fault budget exhausted, anchor must succeed")
}

func TestSignerDirectory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})

	m.AuthorizeSigner("m1", "aabb")
	m.AuthorizeSigner("", "global")

	ok, err := m.IsAuthorizedSigner(ctx, "m1", "aabb")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.IsAuthorizedSigner(ctx, "m2", "aabb")
	require.NoError(t, err)
	assert.False(t, ok, "match-scoped keys must not leak across matches")

	ok, err = m.IsAuthorizedSigner(ctx, "m2", "global")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.IsAuthorizedSigner(ctx, "m1", "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashChainedLog(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})

	require.Zero(t, m.LogLength())
	tip0 := m.TipHash()

	_, err := m.RegisterMatch(ctx, "m1", claimGame, "p1")
	require.NoError(t, err)
	tip1 := m.TipHash()
	assert.NotEqual(t, tip0, tip1)
	assert.Equal(t, 1, m.LogLength())

	_, err = m.JoinMatch(ctx, "m1", "p1")
	require.NoError(t, err)
	assert.NotEqual(t, tip1, m.TipHash())
	assert.Equal(t, 2, m.LogLength())
}

func TestThrottledWrapsWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	throttled := NewThrottled(m, 1000, 10)

	_, err := throttled.RegisterMatch(ctx, "m1", claimGame, "p1")
	require.NoError(t, err)
	_, err = throttled.JoinMatch(ctx, "m1", "p1")
	require.NoError(t, err)
	_, err = throttled.JoinMatch(ctx, "m1", "p2")
	require.NoError(t, err)
	_, err = throttled.StartMatch(ctx, "m1")
	require.NoError(t, err)

	state, err := throttled.GetConfirmedState(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, PhasePlaying, state.Phase)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = throttled.SubmitMove(cancelled, submission("m1", 0, "p1", rules.ActionPickUp, 1))
	require.Error(t, err, "a cancelled context must not consume chain budget")
}
