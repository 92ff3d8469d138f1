package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/record"
	"github.com/provenplay/matchproof/pkg/rules"
)

// Contract-side bounds, mirrored from the on-chain program.
const (
	maxMatchIDLen    = 64
	maxBatchIDLen    = 50
	maxStorageURLLen = 200
)

// MemoryConfig tunes the simulated chain.
type MemoryConfig struct {
	// ConfirmLatency delays move application and confirmation. Zero applies
	// moves synchronously inside SubmitMove, which keeps tests
	// deterministic; nonzero exercises the optimistic window.
	ConfirmLatency time.Duration
	// Clock overrides time.Now for anchored timestamps.
	Clock func() time.Time
}

// Memory simulates the on-chain program for tests and local development:
// per-match accounts with phase, turn and nonce enforcement, anchor
// accounts, a signer directory, and a hash-chained transaction log.
//
// Fault injection reproduces the two chain failure modes the coordinator
// must survive: DropBeforeConfirm loses a transaction so the submitter
// times out, and DropAfterConfirm acknowledges a transaction without
// applying it, which only reconciliation can detect.
type Memory struct {
	mu      sync.Mutex
	clock   func() time.Time
	latency time.Duration

	matches     map[string]*chainMatch
	batches     map[string]*BatchAnchor
	anchors     map[string]*MatchAnchor
	checkpoints map[string][]CheckpointAnchor
	signers     map[string]map[string]bool
	txs         map[string]*memTx
	txSeq       uint64

	log     []chainEntry
	tipHash crypto.Digest

	dropBeforeConfirm func(MoveSubmission) bool
	dropAfterConfirm  func(MoveSubmission) bool
	failAnchors       int
	failReads         int
}

type chainMatch struct {
	id        string
	game      record.GameDescriptor
	creator   string
	phase     Phase
	players   []string
	turn      int
	moveCount int
	nonces    map[string]uint64
	winner    string
}

type memTx struct {
	sig       string
	confirmed chan struct{}
	dropped   bool
	err       error
}

// chainEntry links every accepted transaction to its predecessor.
type chainEntry struct {
	Seq  uint64
	Sig  string
	Hash crypto.Digest
}

// NewMemory builds a simulator with the given config.
func NewMemory(cfg MemoryConfig) *Memory {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		clock:       clock,
		latency:     cfg.ConfirmLatency,
		matches:     make(map[string]*chainMatch),
		batches:     make(map[string]*BatchAnchor),
		anchors:     make(map[string]*MatchAnchor),
		checkpoints: make(map[string][]CheckpointAnchor),
		signers:     make(map[string]map[string]bool),
		txs:         make(map[string]*memTx),
	}
}

// DropBeforeConfirm installs a fault: matching submissions are accepted
// but never confirm and never apply. Pass nil to clear.
func (m *Memory) DropBeforeConfirm(fn func(MoveSubmission) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropBeforeConfirm = fn
}

// DropAfterConfirm installs a fault: matching submissions confirm normally
// but their state change is silently lost. Pass nil to clear.
func (m *Memory) DropAfterConfirm(fn func(MoveSubmission) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropAfterConfirm = fn
}

// FailNextAnchors makes the next n anchor instructions return an error.
func (m *Memory) FailNextAnchors(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAnchors = n
}

// FailNextReads makes the next n confirmed-state reads return an error.
func (m *Memory) FailNextReads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = n
}

// AuthorizeSigner adds a public key to a match's signer set. An empty
// matchID authorizes the key globally.
func (m *Memory) AuthorizeSigner(matchID, pubKeyHex string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signers[matchID] == nil {
		m.signers[matchID] = make(map[string]bool)
	}
	m.signers[matchID][pubKeyHex] = true
}

// TipHash returns the head of the hash-chained transaction log.
func (m *Memory) TipHash() crypto.Digest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tipHash
}

// LogLength returns the number of accepted transactions.
func (m *Memory) LogLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log)
}

// newTx registers a transaction and appends it to the hash chain. Caller
// holds m.mu.
func (m *Memory) newTx(clientSig string) *memTx {
	m.txSeq++
	sig := clientSig
	if sig == "" {
		sig = fmt.Sprintf("tx-%016d", m.txSeq)
	}
	tx := &memTx{sig: sig, confirmed: make(chan struct{})}
	m.txs[sig] = tx

	entry := chainEntry{Seq: m.txSeq, Sig: sig}
	entry.Hash = crypto.HashBytes(append(m.tipHash[:], sig...))
	m.tipHash = entry.Hash
	m.log = append(m.log, entry)
	return tx
}

func (m *Memory) confirmNow(tx *memTx) TxHandle {
	close(tx.confirmed)
	return TxHandle{Signature: tx.sig, SubmittedAt: m.clock()}
}

func (m *Memory) RegisterMatch(ctx context.Context, matchID string, game record.GameDescriptor, creator string) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if matchID == "" || len(matchID) > maxMatchIDLen {
		return TxHandle{}, fmt.Errorf("%w: match id length %d", ErrInvalidAnchor, len(matchID))
	}
	if _, ok := m.matches[matchID]; ok {
		return TxHandle{}, ErrMatchExists
	}
	m.matches[matchID] = &chainMatch{
		id:      matchID,
		game:    game,
		creator: creator,
		phase:   PhaseDealing,
		nonces:  make(map[string]uint64),
	}
	return m.confirmNow(m.newTx("")), nil
}

func (m *Memory) JoinMatch(ctx context.Context, matchID, playerID string) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.matches[matchID]
	if !ok {
		return TxHandle{}, ErrMatchNotFound
	}
	if match.phase != PhaseDealing {
		return TxHandle{}, fmt.Errorf("%w: join during %s", ErrInvalidPhase, match.phase)
	}
	for _, p := range match.players {
		if p == playerID {
			return TxHandle{}, fmt.Errorf("%w: %s already joined", ErrMatchExists, playerID)
		}
	}
	if match.game.MaxPlayers > 0 && len(match.players) >= match.game.MaxPlayers {
		return TxHandle{}, ErrMatchFull
	}
	match.players = append(match.players, playerID)
	return m.confirmNow(m.newTx("")), nil
}

func (m *Memory) StartMatch(ctx context.Context, matchID string) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.matches[matchID]
	if !ok {
		return TxHandle{}, ErrMatchNotFound
	}
	if match.phase != PhaseDealing {
		return TxHandle{}, fmt.Errorf("%w: start during %s", ErrInvalidPhase, match.phase)
	}
	min := match.game.MinPlayers
	if min <= 0 {
		min = 1
	}
	if len(match.players) < min {
		return TxHandle{}, fmt.Errorf("%w: %d of %d players joined", ErrInvalidPhase, len(match.players), min)
	}
	match.phase = PhasePlaying
	return m.confirmNow(m.newTx("")), nil
}

func (m *Memory) SubmitMove(ctx context.Context, mv MoveSubmission) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Preflight: cheap read-only checks a client would see at broadcast.
	match, ok := m.matches[mv.MatchID]
	if !ok {
		return TxHandle{}, ErrMatchNotFound
	}
	if match.phase != PhasePlaying {
		return TxHandle{}, fmt.Errorf("%w: move during %s", ErrInvalidPhase, match.phase)
	}
	if !contains(match.players, mv.PlayerID) {
		return TxHandle{}, ErrPlayerNotInMatch
	}

	tx := m.newTx(mv.ClientSignature)
	handle := TxHandle{Signature: tx.sig, SubmittedAt: m.clock()}

	if m.dropBeforeConfirm != nil && m.dropBeforeConfirm(mv) {
		tx.dropped = true
		return handle, nil
	}
	silent := m.dropAfterConfirm != nil && m.dropAfterConfirm(mv)

	if m.latency == 0 {
		err := m.applyMoveLocked(match, mv, silent)
		tx.err = err
		close(tx.confirmed)
		if err != nil {
			return handle, err
		}
		return handle, nil
	}

	time.AfterFunc(m.latency, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		tx.err = m.applyMoveLocked(match, mv, silent)
		close(tx.confirmed)
	})
	return handle, nil
}

// applyMoveLocked runs the contract's execution-time validation and state
// transition. Caller holds m.mu.
func (m *Memory) applyMoveLocked(match *chainMatch, mv MoveSubmission, silent bool) error {
	if match.phase != PhasePlaying {
		return fmt.Errorf("%w: move during %s", ErrInvalidPhase, match.phase)
	}
	if mv.Index != match.moveCount {
		return fmt.Errorf("%w: got %d, chain at %d", ErrInvalidMoveIndex, mv.Index, match.moveCount)
	}
	if mv.Nonce <= match.nonces[mv.PlayerID] {
		return fmt.Errorf("%w: nonce %d, last seen %d", ErrInvalidNonce, mv.Nonce, match.nonces[mv.PlayerID])
	}
	if !rules.TurnFree(mv.Action) && match.players[match.turn] != mv.PlayerID {
		return fmt.Errorf("%w: turn belongs to %s", ErrNotPlayersTurn, match.players[match.turn])
	}

	if silent {
		// Confirmed but lost: the acknowledgement goes out while the state
		// transition never lands.
		return nil
	}

	match.moveCount++
	match.nonces[mv.PlayerID] = mv.Nonce
	if rules.AdvancesTurn(mv.Action) {
		match.turn = (match.turn + 1) % len(match.players)
	}
	if rules.EndsMatch(mv.Action) {
		match.phase = PhaseEnded
	}
	return nil
}

func (m *Memory) EndMatch(ctx context.Context, matchID, winner string) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.matches[matchID]
	if !ok {
		return TxHandle{}, ErrMatchNotFound
	}
	if match.phase == PhaseDealing {
		return TxHandle{}, fmt.Errorf("%w: end during %s", ErrInvalidPhase, match.phase)
	}
	if winner != "" && !contains(match.players, winner) {
		return TxHandle{}, ErrPlayerNotInMatch
	}
	match.phase = PhaseEnded
	match.winner = winner
	return m.confirmNow(m.newTx("")), nil
}

func (m *Memory) GetConfirmedState(ctx context.Context, matchID string) (*OnChainState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failReads > 0 {
		m.failReads--
		return nil, fmt.Errorf("ledger: state read failed (injected fault)")
	}
	match, ok := m.matches[matchID]
	if !ok {
		return nil, ErrMatchNotFound
	}
	state := &OnChainState{
		MatchID:   match.id,
		Phase:     match.phase,
		Players:   append([]string(nil), match.players...),
		MoveCount: match.moveCount,
		Winner:    match.winner,
	}
	if match.phase == PhasePlaying && len(match.players) > 0 {
		state.CurrentPlayer = match.players[match.turn]
	}
	return state, nil
}

func (m *Memory) Confirm(ctx context.Context, handle TxHandle) error {
	m.mu.Lock()
	tx, ok := m.txs[handle.Signature]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTx, handle.Signature)
	}
	select {
	case <-tx.confirmed:
		return tx.err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrNotConfirmed, handle.Signature, ctx.Err())
	}
}

func (m *Memory) AnchorBatch(ctx context.Context, batchID string, root crypto.Digest, count int, firstID, lastID string) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAnchors > 0 {
		m.failAnchors--
		return TxHandle{}, fmt.Errorf("ledger: anchor rejected (injected fault)")
	}
	if batchID == "" || len(batchID) > maxBatchIDLen {
		return TxHandle{}, fmt.Errorf("%w: batch id length %d", ErrInvalidBatch, len(batchID))
	}
	if count <= 0 {
		return TxHandle{}, fmt.Errorf("%w: count %d", ErrInvalidBatch, count)
	}
	if root == (crypto.Digest{}) {
		return TxHandle{}, fmt.Errorf("%w: zero merkle root", ErrInvalidBatch)
	}
	if firstID == "" || lastID == "" {
		return TxHandle{}, fmt.Errorf("%w: missing match id bounds", ErrInvalidBatch)
	}
	if _, ok := m.batches[batchID]; ok {
		return TxHandle{}, ErrBatchExists
	}

	handle := m.confirmNow(m.newTx(""))
	m.batches[batchID] = &BatchAnchor{
		BatchID:      batchID,
		MerkleRoot:   root,
		Count:        count,
		FirstMatchID: firstID,
		LastMatchID:  lastID,
		Timestamp:    m.clock(),
		TxSignature:  handle.Signature,
	}
	return handle, nil
}

func (m *Memory) AnchorMatchRecord(ctx context.Context, matchID string, hash crypto.Digest, storageURL string) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAnchors > 0 {
		m.failAnchors--
		return TxHandle{}, fmt.Errorf("ledger: anchor rejected (injected fault)")
	}
	match, ok := m.matches[matchID]
	if !ok {
		return TxHandle{}, ErrMatchNotFound
	}
	if match.phase != PhaseEnded {
		return TxHandle{}, fmt.Errorf("%w: anchor during %s", ErrInvalidPhase, match.phase)
	}
	if hash == (crypto.Digest{}) {
		return TxHandle{}, fmt.Errorf("%w: zero match hash", ErrInvalidAnchor)
	}
	if len(storageURL) > maxStorageURLLen {
		return TxHandle{}, fmt.Errorf("%w: storage url length %d", ErrInvalidAnchor, len(storageURL))
	}

	handle := m.confirmNow(m.newTx(""))
	m.anchors[matchID] = &MatchAnchor{
		MatchID:     matchID,
		MatchHash:   hash,
		StorageURL:  storageURL,
		Timestamp:   m.clock(),
		TxSignature: handle.Signature,
	}
	return handle, nil
}

func (m *Memory) AnchorCheckpoint(ctx context.Context, matchID string, eventIndex int, stateHash crypto.Digest) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAnchors > 0 {
		m.failAnchors--
		return TxHandle{}, fmt.Errorf("ledger: anchor rejected (injected fault)")
	}
	if _, ok := m.matches[matchID]; !ok {
		return TxHandle{}, ErrMatchNotFound
	}
	if eventIndex < 0 {
		return TxHandle{}, fmt.Errorf("%w: negative event index", ErrInvalidAnchor)
	}
	if stateHash == (crypto.Digest{}) {
		return TxHandle{}, fmt.Errorf("%w: zero state hash", ErrInvalidAnchor)
	}

	handle := m.confirmNow(m.newTx(""))
	m.checkpoints[matchID] = append(m.checkpoints[matchID], CheckpointAnchor{
		MatchID:     matchID,
		EventIndex:  eventIndex,
		StateHash:   stateHash,
		Timestamp:   m.clock(),
		TxSignature: handle.Signature,
	})
	return handle, nil
}

func (m *Memory) GetBatchAnchor(ctx context.Context, batchID string) (*BatchAnchor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	anchor, ok := m.batches[batchID]
	if !ok {
		return nil, ErrAnchorNotFound
	}
	cp := *anchor
	return &cp, nil
}

func (m *Memory) GetMatchAnchor(ctx context.Context, matchID string) (*MatchAnchor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	anchor, ok := m.anchors[matchID]
	if !ok {
		return nil, ErrAnchorNotFound
	}
	cp := *anchor
	return &cp, nil
}

// Checkpoints returns a match's anchored checkpoints in order.
func (m *Memory) Checkpoints(matchID string) []CheckpointAnchor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CheckpointAnchor(nil), m.checkpoints[matchID]...)
}

func (m *Memory) IsAuthorizedSigner(ctx context.Context, matchID, pubKeyHex string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signers[matchID][pubKeyHex] {
		return true, nil
	}
	return m.signers[""][pubKeyHex], nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
