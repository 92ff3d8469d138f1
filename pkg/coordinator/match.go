package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/provenplay/matchproof/pkg/batch"
	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/fanout"
	"github.com/provenplay/matchproof/pkg/ledger"
	"github.com/provenplay/matchproof/pkg/observability"
	"github.com/provenplay/matchproof/pkg/record"
	"github.com/provenplay/matchproof/pkg/rules"
)

// Match coordinates one match: it applies moves optimistically against the
// local rule engine, submits them to the chain, and reconciles the two
// views on a fixed cadence.
//
// All state lives on a single actor goroutine fed by a mailbox, so there
// is exactly one sequential mutation path. Confirmation watchers, anchor
// submissions, and spectator broadcasts run on their own goroutines and
// report back through the mailbox; none of them touch state directly.
type Match struct {
	cfg      Config
	chain    ledger.Ledger
	games    rules.Factory
	signer   crypto.Signer
	sink     fanout.Sink
	obs      *observability.Provider
	timeline *observability.Timeline
	log      *slog.Logger
	clock    func() time.Time

	// onSettled is invoked once, off the actor goroutine, when the match
	// has ended and every pending transaction has resolved.
	onSettled func(*record.MatchRecord)

	state   *matchState
	engine  rules.Engine
	pending []*pendingTx

	// checkpointMark is the highest move count a checkpoint anchor has
	// been requested for, including requests still in flight.
	checkpointMark int
	finalized      bool

	mailbox chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func newMatch(cfg Config, chain ledger.Ledger, games rules.Factory, signer crypto.Signer,
	sink fanout.Sink, obs *observability.Provider, timeline *observability.Timeline,
	state *matchState) *Match {

	ctx, cancel := context.WithCancel(context.Background())
	m := &Match{
		cfg:      cfg,
		chain:    chain,
		games:    games,
		signer:   signer,
		sink:     sink,
		obs:      obs,
		timeline: timeline,
		log:      slog.Default().With("component", "coordinator", "match_id", state.matchID),
		clock:    cfg.Clock,
		state:    state,
		mailbox:  make(chan func(), cfg.MailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Match) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.mailbox:
			fn()
		case <-m.ctx.Done():
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for its result.
func (m *Match) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case m.mailbox <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrMatchClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrMatchClosed
	}
}

// post delivers an asynchronous event to the actor without waiting.
func (m *Match) post(fn func()) {
	select {
	case m.mailbox <- fn:
	case <-m.done:
	}
}

// close stops the actor and every watcher. Pending transactions are
// abandoned, not rolled back: on restart the chain is the authority.
func (m *Match) close() {
	m.cancel()
	<-m.done
}

// ID returns the match identifier.
func (m *Match) ID() string { return m.state.matchID }

// Snapshot returns a copy of the current state.
func (m *Match) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := m.do(ctx, func() error {
		snap = m.snapshotLocked()
		return nil
	})
	return snap, err
}

// Join adds a player before the match starts. The chain accepts the join
// first; the roster only grows after on-chain acceptance.
func (m *Match) Join(ctx context.Context, player record.PlayerRecord) error {
	return m.do(ctx, func() error {
		if player.PlayerID == "" {
			return fmt.Errorf("%w: empty player id", ErrInvalidMove)
		}
		if player.Type == "" {
			player.Type = record.PlayerHuman
		}
		if _, err := m.chain.JoinMatch(ctx, m.state.matchID, player.PlayerID); err != nil {
			return fmt.Errorf("coordinator: join: %w", err)
		}
		m.state.players = append(m.state.players, player)
		m.state.nonces[player.PlayerID] = 0
		m.state.phase = PhaseJoining
		m.log.Info("player joined", "player_id", player.PlayerID, "players", len(m.state.players))
		return nil
	})
}

// Start locks the roster and begins play. The rule engine is built before
// the chain transaction goes out so an unsupported roster never starts a
// match the coordinator cannot drive.
func (m *Match) Start(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.state.phase != PhaseCreated && m.state.phase != PhaseJoining {
			return fmt.Errorf("%w: start during %s", ErrNotJoinable, m.state.phase)
		}
		engine, err := m.games.New(m.state.game, m.state.seed, m.state.players)
		if err != nil {
			return fmt.Errorf("coordinator: build engine: %w", err)
		}
		if _, err := m.chain.StartMatch(ctx, m.state.matchID); err != nil {
			return fmt.Errorf("coordinator: start: %w", err)
		}
		m.engine = engine
		m.state.phase = PhasePlaying
		m.state.startTime = m.clock()
		m.state.turn = 0
		m.log.Info("match started", "players", len(m.state.players), "seed", m.state.seed)
		return nil
	})
}

// SubmitMove validates a move against the local rules, applies it
// optimistically, and submits the chain transaction. The receipt returns
// as soon as the transaction is broadcast; confirmation is tracked in the
// background and a failure rolls the state back wholesale.
func (m *Match) SubmitMove(ctx context.Context, playerID, action string, payload json.RawMessage) (MoveReceipt, error) {
	ctx, finish := m.obs.TrackOperation(ctx, observability.OpSubmitMove,
		observability.AttrMatchID.String(m.state.matchID),
		observability.AttrMoveAction.String(action))
	var receipt MoveReceipt
	err := m.do(ctx, func() error {
		r, err := m.applyAndSubmit(ctx, playerID, action, payload)
		receipt = r
		return err
	})
	finish(err)
	return receipt, err
}

func (m *Match) applyAndSubmit(ctx context.Context, playerID, action string, payload json.RawMessage) (MoveReceipt, error) {
	switch m.state.phase {
	case PhasePlaying:
	case PhasePaused:
		return MoveReceipt{}, fmt.Errorf("%w: %s", ErrMatchPaused, m.state.conflict)
	case PhaseEnded:
		return MoveReceipt{}, ErrMatchEnded
	default:
		return MoveReceipt{}, fmt.Errorf("%w: phase %s", ErrNotPlaying, m.state.phase)
	}
	if !m.state.hasPlayer(playerID) {
		return MoveReceipt{}, fmt.Errorf("%w: %s", ledger.ErrPlayerNotInMatch, playerID)
	}

	mv := record.MoveRecord{
		Index:     len(m.state.moves),
		Timestamp: record.NewTimestamp(m.clock()),
		PlayerID:  playerID,
		Action:    action,
		Payload:   payload,
		Nonce:     m.state.nonces[playerID] + 1,
	}

	snapshot := m.state.clone()
	if err := m.engine.Apply(mv); err != nil {
		return MoveReceipt{}, err
	}

	m.state.moves = append(m.state.moves, mv)
	m.state.scores = m.engine.Scores()
	m.state.nonces[playerID] = mv.Nonce
	m.state.sinceReconcile++
	if rules.AdvancesTurn(action) {
		m.state.turn = (m.state.turn + 1) % len(m.state.players)
	}
	if m.engine.Phase() == rules.PhaseEnded {
		m.state.phase = PhaseEnded
		m.state.winner = m.engine.Winner()
		m.state.endTime = m.clock()
	}

	sub, err := m.signSubmission(mv)
	if err != nil {
		m.restore(snapshot)
		return MoveReceipt{}, err
	}
	handle, err := m.chain.SubmitMove(ctx, sub)
	if err != nil {
		// Synchronous rejection: the move never reached the chain, undo it.
		m.restore(snapshot)
		return MoveReceipt{}, fmt.Errorf("coordinator: chain rejected move %d: %w", mv.Index, err)
	}

	wctx, cancel := context.WithTimeout(m.ctx, m.cfg.TxTimeout)
	p := &pendingTx{
		handle:      handle,
		move:        mv,
		snapshot:    snapshot,
		submittedAt: m.clock(),
		cancel:      cancel,
	}
	m.pending = append(m.pending, p)
	go m.watch(wctx, cancel, handle)

	m.obs.CountMoveApplied(ctx, action)
	m.recordTimeline(observability.EntryMoveApplied, playerID,
		fmt.Sprintf("move %d (%s) applied optimistically", mv.Index, action),
		map[string]any{"move_index": mv.Index, "action": action, "tx": handle.Signature})
	m.broadcast(fanout.EventMoveApplied, mv.Index, false)

	m.maybeCheckpoint()
	if m.state.sinceReconcile >= m.cfg.ReconcileEvery {
		if err := m.reconcile(ctx); err != nil {
			m.log.Warn("reconciliation pass failed", "error", err)
		}
	}

	return MoveReceipt{
		MatchID:     m.state.matchID,
		MoveIndex:   mv.Index,
		Nonce:       mv.Nonce,
		TxSignature: handle.Signature,
		Pending:     len(m.pending),
	}, nil
}

// signSubmission hashes the move record canonically and signs the digest
// with the match session key, binding player, index, nonce, and payload
// into the transaction.
func (m *Match) signSubmission(mv record.MoveRecord) (ledger.MoveSubmission, error) {
	digest, err := crypto.HashCanonical(mv)
	if err != nil {
		return ledger.MoveSubmission{}, fmt.Errorf("coordinator: hash move: %w", err)
	}
	sig, err := m.signer.Sign(digest)
	if err != nil {
		return ledger.MoveSubmission{}, fmt.Errorf("coordinator: sign move: %w", err)
	}
	return ledger.MoveSubmission{
		MatchID:         m.state.matchID,
		Index:           mv.Index,
		PlayerID:        mv.PlayerID,
		Action:          mv.Action,
		PayloadHash:     digest,
		Nonce:           mv.Nonce,
		ClientSignature: crypto.EncodeSignature(sig),
	}, nil
}

// watch waits for one transaction to confirm and reports the outcome back
// to the actor. It runs off the actor goroutine; the mailbox serializes
// the result with every other mutation.
func (m *Match) watch(ctx context.Context, cancel context.CancelFunc, handle ledger.TxHandle) {
	err := m.chain.Confirm(ctx, handle)
	cancel()
	m.post(func() { m.settle(handle.Signature, err) })
}

// settle resolves one pending transaction. Outcomes for transactions that
// were already cleared by a rollback, a reconciliation, or a pause are
// stale and ignored.
func (m *Match) settle(txSig string, err error) {
	idx := -1
	for i, p := range m.pending {
		if p.handle.Signature == txSig {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	p := m.pending[idx]

	if err == nil {
		m.pending = append(m.pending[:idx], m.pending[idx+1:]...)
		m.obs.CountMoveConfirmed(m.ctx)
		m.recordTimeline(observability.EntryMoveConfirmed, p.move.PlayerID,
			fmt.Sprintf("move %d confirmed on chain", p.move.Index),
			map[string]any{"move_index": p.move.Index, "tx": txSig})
		m.broadcast(fanout.EventMoveConfirmed, p.move.Index, true)
		if m.state.phase == PhaseEnded && len(m.pending) == 0 && !m.finalized {
			// Finalization is gated behind a clean reconciliation: an
			// acknowledged-but-lost ending move must pause, not finalize.
			if rerr := m.reconcile(m.ctx); rerr != nil {
				m.log.Warn("final reconciliation failed", "error", rerr)
			}
		}
		return
	}

	cause := observability.RollbackRejected
	if errors.Is(err, ledger.ErrNotConfirmed) || errors.Is(err, context.DeadlineExceeded) {
		cause = observability.RollbackTimeout
	}
	m.rollback(p, cause, err)
}

// rollback restores the pre-move snapshot of the failed transaction and
// discards it along with every later pending move. The restore is
// wholesale: the snapshot replaces the live state and the rule engine is
// rebuilt by replaying the restored move log.
func (m *Match) rollback(failed *pendingTx, cause string, txErr error) {
	if m.state.phase == PhasePaused {
		return
	}

	kept := m.pending[:0]
	for _, p := range m.pending {
		if p.move.Index >= failed.move.Index {
			p.cancel()
			continue
		}
		kept = append(kept, p)
	}
	m.pending = kept

	m.state = failed.snapshot
	if m.checkpointMark > len(m.state.moves) {
		m.checkpointMark = m.state.lastCheckpoint
	}
	if err := m.rebuildEngine(); err != nil {
		m.pause(fmt.Sprintf("engine rebuild failed after rollback of move %d: %v", failed.move.Index, err))
		return
	}

	m.obs.CountMoveRolledBack(m.ctx, cause)
	m.log.Warn("move rolled back",
		"move_index", failed.move.Index,
		"tx", failed.handle.Signature,
		"cause", cause,
		"error", txErr,
	)
	m.recordTimeline(observability.EntryRollback, failed.move.PlayerID,
		fmt.Sprintf("move %d rolled back (%s)", failed.move.Index, cause),
		map[string]any{"move_index": failed.move.Index, "cause": cause, "error": txErr.Error()})
	m.broadcast(fanout.EventMoveRolledBack, failed.move.Index, false)

	// Resync straight away; the chain may have settled moves this actor
	// has not heard about yet.
	if err := m.reconcile(m.ctx); err != nil {
		m.log.Warn("post-rollback reconciliation failed", "error", err)
	}
}

// rebuildEngine reconstructs the rule engine from the seed and the
// current move log. Engines are pure functions of (game, seed, moves), so
// the rebuilt engine is bitwise equivalent to one that never saw the
// rolled-back moves.
func (m *Match) rebuildEngine() error {
	engine, err := m.games.New(m.state.game, m.state.seed, m.state.players)
	if err != nil {
		return err
	}
	for _, mv := range m.state.moves {
		if err := engine.Apply(mv); err != nil {
			return fmt.Errorf("replay move %d: %w", mv.Index, err)
		}
	}
	m.engine = engine
	return nil
}

// restore adopts a snapshot after a synchronous failure, before any
// pending transaction was registered for the move.
func (m *Match) restore(snapshot *matchState) {
	m.state = snapshot
	if err := m.rebuildEngine(); err != nil {
		m.pause(fmt.Sprintf("engine rebuild failed after restore: %v", err))
	}
}

// Reconciliation reads retry before the pass is abandoned, so one dropped
// response does not push the next sync a full cadence away.
const reconcileReadAttempts = 3

var reconcileReadBackoff = batch.BackoffPolicy{BaseMs: 50, MaxMs: 400, MaxJitterMs: 25}

// readConfirmedState fetches the on-chain view, retrying transient read
// failures with the same capped backoff the anchor path uses. The actor
// blocks while retrying; the worst-case budget stays under a second.
func (m *Match) readConfirmedState(ctx context.Context) (*ledger.OnChainState, error) {
	var lastErr error
	for attempt := 0; attempt < reconcileReadAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(batch.ComputeBackoff(m.state.matchID, attempt, reconcileReadBackoff)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		onchain, err := m.chain.GetConfirmedState(ctx, m.state.matchID)
		if err == nil {
			return onchain, nil
		}
		lastErr = err
		m.log.Warn("confirmed state read failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// reconcile compares local state against the confirmed on-chain state.
// Pending transactions the chain has already settled are cleared first;
// any divergence that survives pauses the match. Divergence is never
// auto-healed: an operator resumes the match explicitly.
//
// A conflict pause is a successful pass as far as the sync objective is
// concerned; only a failed chain read counts against it.
func (m *Match) reconcile(ctx context.Context) (err error) {
	ctx, finish := m.obs.TrackOperation(ctx, observability.OpReconcile,
		observability.AttrMatchID.String(m.state.matchID))
	defer func() { finish(err) }()

	m.state.sinceReconcile = 0

	onchain, err := m.readConfirmedState(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: read confirmed state: %w", err)
	}

	// Clear pendings covered by the confirmed move count; their watchers
	// may simply be behind.
	kept := m.pending[:0]
	for _, p := range m.pending {
		if p.move.Index < onchain.MoveCount {
			p.cancel()
			m.obs.CountMoveConfirmed(ctx)
			m.broadcast(fanout.EventMoveConfirmed, p.move.Index, true)
			continue
		}
		kept = append(kept, p)
	}
	m.pending = kept

	confirmedLocal := len(m.state.moves) - len(m.pending)
	detail := ""
	switch {
	case onchain.MoveCount != confirmedLocal:
		detail = fmt.Sprintf("confirmed move count diverged: chain %d, local %d (%d pending)",
			onchain.MoveCount, confirmedLocal, len(m.pending))
	case len(m.pending) == 0 && m.state.phase == PhasePlaying && onchain.Phase == ledger.PhaseEnded:
		detail = "chain reports the match ended while it is still playing locally"
	case len(m.pending) == 0 && m.state.phase == PhaseEnded && onchain.Phase == ledger.PhasePlaying:
		detail = "match ended locally but the chain is still in the playing phase"
	case len(m.pending) == 0 && m.state.phase == PhasePlaying &&
		onchain.CurrentPlayer != "" && onchain.CurrentPlayer != m.state.currentPlayer():
		detail = fmt.Sprintf("turn diverged: chain says %s, local says %s",
			onchain.CurrentPlayer, m.state.currentPlayer())
	}

	if detail != "" {
		m.obs.CountReconciliation(ctx, observability.SyncConflict)
		m.pause(detail)
		return nil
	}

	m.obs.CountReconciliation(ctx, observability.SyncMatched)
	m.recordTimeline(observability.EntryReconcile, "",
		fmt.Sprintf("reconciled at %d confirmed moves", onchain.MoveCount),
		map[string]any{"confirmed": onchain.MoveCount, "pending": len(m.pending)})
	m.maybeFinalize()
	return nil
}

// pause freezes the match on a detected conflict. Watchers are cancelled
// and pending moves dropped from tracking; the divergence description is
// kept for the operator. No further moves are accepted until Resume.
func (m *Match) pause(detail string) {
	if m.state.phase == PhasePaused {
		return
	}
	for _, p := range m.pending {
		p.cancel()
	}
	if n := len(m.pending); n > 0 {
		detail = fmt.Sprintf("%s; %d unconfirmed moves discarded from tracking", detail, n)
	}
	m.pending = nil
	m.state.phase = PhasePaused
	m.state.conflict = detail

	m.obs.CountStateConflict(m.ctx)
	m.log.Error("state conflict, match paused", "detail", detail)
	m.recordTimeline(observability.EntryConflict, "", "match paused on state conflict",
		map[string]any{"detail": detail})
	m.broadcast(fanout.EventMatchPaused, len(m.state.moves), false)
}

// ForceReconcile runs a reconciliation pass immediately, outside the
// usual cadence. The returned snapshot reflects the outcome: a paused
// phase means the pass found a conflict.
func (m *Match) ForceReconcile(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := m.do(ctx, func() error {
		if m.state.phase == PhasePlaying || m.state.phase == PhaseEnded {
			if err := m.reconcile(ctx); err != nil {
				return err
			}
		}
		snap = m.snapshotLocked()
		return nil
	})
	return snap, err
}

// Resume lifts a conflict pause by adopting the chain as the authority:
// the local move log is truncated to the confirmed count and derived
// state is rebuilt from what remains. A chain that is ahead of the local
// log cannot be adopted, because the coordinator does not hold the move
// contents the chain confirmed; that still needs manual repair.
func (m *Match) Resume(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := m.do(ctx, func() error {
		if m.state.phase != PhasePaused {
			return fmt.Errorf("%w: phase %s", ErrNotPaused, m.state.phase)
		}
		onchain, err := m.chain.GetConfirmedState(ctx, m.state.matchID)
		if err != nil {
			return fmt.Errorf("coordinator: read confirmed state: %w", err)
		}
		if onchain.MoveCount > len(m.state.moves) {
			return fmt.Errorf("%w: chain holds %d moves, local log has %d",
				ErrStateConflict, onchain.MoveCount, len(m.state.moves))
		}

		m.state.moves = m.state.moves[:onchain.MoveCount]
		m.state.nonces = noncesFromMoves(m.state.players, m.state.moves)
		m.state.turn = turnFromMoves(len(m.state.players), m.state.moves)
		if err := m.rebuildEngine(); err != nil {
			return fmt.Errorf("%w: engine rebuild: %v", ErrStateConflict, err)
		}
		m.state.scores = m.engine.Scores()

		switch onchain.Phase {
		case ledger.PhaseEnded:
			m.state.phase = PhaseEnded
			m.state.winner = m.engine.Winner()
			if m.state.winner == "" {
				m.state.winner = onchain.Winner
			}
			if m.state.endTime.IsZero() {
				m.state.endTime = m.clock()
			}
		case ledger.PhasePlaying:
			m.state.phase = PhasePlaying
		default:
			m.state.phase = PhaseJoining
		}
		m.state.conflict = ""
		m.state.sinceReconcile = 0
		if m.state.lastCheckpoint > len(m.state.moves) {
			m.state.lastCheckpoint = len(m.state.moves)
		}
		if m.checkpointMark > len(m.state.moves) {
			m.checkpointMark = len(m.state.moves)
		}

		m.log.Info("match resumed from chain state",
			"confirmed_moves", onchain.MoveCount, "phase", m.state.phase)
		m.recordTimeline(observability.EntryPhaseChange, "",
			fmt.Sprintf("resumed with %d confirmed moves", onchain.MoveCount),
			map[string]any{"confirmed": onchain.MoveCount, "phase": string(m.state.phase)})
		m.broadcast(fanout.EventMatchResumed, len(m.state.moves), true)

		m.maybeFinalize()
		snap = m.snapshotLocked()
		return nil
	})
	return snap, err
}

// End terminates the match by server decision (forfeit, abandonment).
// Outstanding optimistic moves must settle first so the final record is
// unambiguous.
func (m *Match) End(ctx context.Context, winner string) error {
	return m.do(ctx, func() error {
		switch m.state.phase {
		case PhaseEnded:
			return ErrMatchEnded
		case PhasePaused:
			return fmt.Errorf("%w: %s", ErrMatchPaused, m.state.conflict)
		case PhasePlaying:
		default:
			return fmt.Errorf("%w: phase %s", ErrNotPlaying, m.state.phase)
		}
		if len(m.pending) > 0 {
			return fmt.Errorf("%w: %d transactions unconfirmed", ErrPendingMoves, len(m.pending))
		}
		if winner != "" && !m.state.hasPlayer(winner) {
			return fmt.Errorf("%w: %s", ledger.ErrPlayerNotInMatch, winner)
		}
		if _, err := m.chain.EndMatch(ctx, m.state.matchID, winner); err != nil {
			return fmt.Errorf("coordinator: end: %w", err)
		}
		m.state.phase = PhaseEnded
		m.state.winner = winner
		m.state.endTime = m.clock()
		m.log.Info("match ended by server decision", "winner", winner)
		m.recordTimeline(observability.EntryPhaseChange, "", "match ended by server decision",
			map[string]any{"winner": winner})
		if err := m.reconcile(ctx); err != nil {
			m.log.Warn("final reconciliation failed", "error", err)
		}
		return nil
	})
}

// maybeFinalize hands the finished record to the settlement pipeline once
// the match has ended and nothing is left unconfirmed. It fires at most
// once per match.
func (m *Match) maybeFinalize() {
	if m.finalized || m.onSettled == nil {
		return
	}
	if m.state.phase != PhaseEnded || len(m.pending) > 0 {
		return
	}
	m.finalized = true
	rec := m.buildRecord()
	m.broadcast(fanout.EventMatchEnded, len(m.state.moves), true)
	go m.onSettled(rec)
}

// buildRecord assembles the finalized match record from the settled
// state. Signatures are appended downstream.
func (m *Match) buildRecord() *record.MatchRecord {
	scores := make(map[string]int64, len(m.state.scores))
	for k, v := range m.state.scores {
		scores[k] = v
	}
	start := m.state.startTime
	if start.IsZero() {
		start = m.clock()
	}
	end := m.state.endTime
	if end.IsZero() {
		end = m.clock()
	}
	return &record.MatchRecord{
		MatchID:   m.state.matchID,
		Version:   record.Version,
		Game:      m.state.game,
		StartTime: record.NewTimestamp(start),
		EndTime:   record.NewTimestamp(end),
		Seed:      m.state.seed,
		Players:   append([]record.PlayerRecord(nil), m.state.players...),
		Moves:     append([]record.MoveRecord(nil), m.state.moves...),
		Scores:    scores,
		Winner:    m.state.winner,
	}
}

// maybeCheckpoint anchors a state commitment when the cadence is due.
// High-value matches checkpoint after every move; everything else on the
// configured interval. The anchor call runs off the actor; only the
// acknowledgement mutates state.
func (m *Match) maybeCheckpoint() {
	if m.state.phase != PhasePlaying && m.state.phase != PhaseEnded {
		return
	}
	moveCount := len(m.state.moves)
	due := m.state.highValue || moveCount-m.checkpointMark >= m.cfg.CheckpointEvery
	if !due || moveCount <= m.checkpointMark {
		return
	}

	hash, err := m.state.stateHash()
	if err != nil {
		m.log.Warn("checkpoint state hash failed", "error", err)
		return
	}
	m.checkpointMark = moveCount

	go func() {
		handle, err := m.chain.AnchorCheckpoint(m.ctx, m.state.matchID, moveCount, hash)
		if err != nil {
			m.log.Warn("checkpoint anchor failed", "move_count", moveCount, "error", err)
			m.post(func() {
				// Allow the next move to retrigger the checkpoint.
				if m.checkpointMark == moveCount {
					m.checkpointMark = m.state.lastCheckpoint
				}
			})
			return
		}
		m.post(func() { m.checkpointAnchored(moveCount, handle) })
	}()
}

func (m *Match) checkpointAnchored(moveCount int, handle ledger.TxHandle) {
	if moveCount > m.state.lastCheckpoint {
		m.state.lastCheckpoint = moveCount
	}
	m.obs.CountCheckpointAnchored(m.ctx)
	m.log.Info("checkpoint anchored", "move_count", moveCount, "tx", handle.Signature)
	m.recordTimeline(observability.EntryCheckpoint, "",
		fmt.Sprintf("checkpoint at %d moves anchored", moveCount),
		map[string]any{"move_count": moveCount, "tx": handle.Signature})
	m.broadcast(fanout.EventCheckpointAnchored, moveCount, true)
}

func (m *Match) snapshotLocked() Snapshot {
	st := m.state
	snap := Snapshot{
		MatchID:        st.matchID,
		Phase:          st.phase,
		Game:           st.game,
		Players:        st.playerIDs(),
		CurrentPlayer:  st.currentPlayer(),
		MoveCount:      len(st.moves),
		ConfirmedCount: len(st.moves) - len(m.pending),
		PendingCount:   len(m.pending),
		Winner:         st.winner,
		LastCheckpoint: st.lastCheckpoint,
		HighValue:      st.highValue,
		ConflictDetail: st.conflict,
		UpdatedAt:      m.clock(),
	}
	if len(st.scores) > 0 {
		snap.Scores = make(map[string]int64, len(st.scores))
		for k, v := range st.scores {
			snap.Scores[k] = v
		}
	}
	if n := len(st.moves); n > 0 {
		last := st.moves[n-1]
		snap.LastMove = &last
	}
	if !st.startTime.IsZero() {
		t := st.startTime
		snap.StartTime = &t
	}
	if !st.endTime.IsZero() {
		t := st.endTime
		snap.EndTime = &t
	}
	return snap
}

// broadcast publishes the current snapshot to spectators. Delivery is
// best effort; a slow or failing sink never blocks the actor.
func (m *Match) broadcast(event string, moveIndex int, confirmed bool) {
	if m.sink == nil {
		return
	}
	u := fanout.NewUpdate(event, m.state.matchID, m.snapshotLocked(), moveIndex, confirmed, m.clock())
	if err := m.sink.Send(m.ctx, u); err != nil {
		m.log.Debug("spectator broadcast dropped", "event", event, "error", err)
	}
}

func (m *Match) recordTimeline(entryType observability.TimelineEntryType, actor, summary string, details map[string]any) {
	if err := m.timeline.Record(observability.TimelineEntry{
		EntryType: entryType,
		MatchID:   m.state.matchID,
		Actor:     actor,
		Summary:   summary,
		Details:   details,
	}); err != nil {
		m.log.Debug("timeline entry dropped", "error", err)
	}
}

// noncesFromMoves rebuilds per-player nonce counters from a move log.
func noncesFromMoves(players []record.PlayerRecord, moves []record.MoveRecord) map[string]uint64 {
	nonces := make(map[string]uint64, len(players))
	for _, p := range players {
		nonces[p.PlayerID] = 0
	}
	for _, mv := range moves {
		if mv.Nonce > nonces[mv.PlayerID] {
			nonces[mv.PlayerID] = mv.Nonce
		}
	}
	return nonces
}

// turnFromMoves replays turn advancement over a move log.
func turnFromMoves(playerCount int, moves []record.MoveRecord) int {
	if playerCount == 0 {
		return 0
	}
	turn := 0
	for _, mv := range moves {
		if rules.AdvancesTurn(mv.Action) {
			turn = (turn + 1) % playerCount
		}
	}
	return turn
}
