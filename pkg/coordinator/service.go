package coordinator

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/provenplay/matchproof/pkg/archive"
	"github.com/provenplay/matchproof/pkg/batch"
	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/fanout"
	"github.com/provenplay/matchproof/pkg/ledger"
	"github.com/provenplay/matchproof/pkg/observability"
	"github.com/provenplay/matchproof/pkg/policy"
	"github.com/provenplay/matchproof/pkg/record"
	"github.com/provenplay/matchproof/pkg/rules"
	"github.com/provenplay/matchproof/pkg/storage"
)

// Storage key prefixes for finalized records and their archive pointers.
const (
	recordKeyPrefix  = "match/record/"
	pointerKeyPrefix = "match/pointer/"
)

// finalizeTimeout bounds the settlement pipeline for one record.
const finalizeTimeout = 60 * time.Second

func recordKey(matchID string) string  { return recordKeyPrefix + matchID }
func pointerKey(matchID string) string { return pointerKeyPrefix + matchID }

// Deps wires the service's collaborators. Chain, Store, and Keyring are
// required; everything else degrades gracefully when absent.
type Deps struct {
	Chain   ledger.Ledger
	Store   storage.Store
	Keyring *crypto.Keyring
	// Games defaults to the built-in registry.
	Games *rules.Registry
	// Archive receives the full record bytes; nil skips archival.
	Archive archive.Archive
	// Batches aggregates ordinary match hashes; nil anchors every record
	// directly.
	Batches *batch.Manager
	// Policy classifies high-value matches; nil classifies none.
	Policy *policy.Engine
	// Sink receives spectator updates; nil discards them.
	Sink fanout.Sink
	// Observability and Timeline are nil-safe throughout.
	Observability *observability.Provider
	Timeline      *observability.Timeline
}

// Service owns every live match actor and the settlement pipeline that
// runs when a match finishes.
type Service struct {
	cfg      Config
	chain    ledger.Ledger
	store    storage.Store
	keyring  *crypto.Keyring
	games    *rules.Registry
	archive  archive.Archive
	batches  *batch.Manager
	policy   *policy.Engine
	sink     fanout.Sink
	obs      *observability.Provider
	timeline *observability.Timeline
	log      *slog.Logger
	clock    func() time.Time

	mu      sync.RWMutex
	matches map[string]*Match
	closed  bool
}

// NewService validates the dependency set and returns a ready service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if deps.Chain == nil {
		return nil, errors.New("coordinator: chain is required")
	}
	if deps.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if deps.Keyring == nil {
		return nil, errors.New("coordinator: keyring is required")
	}
	cfg.applyDefaults()
	games := deps.Games
	if games == nil {
		games = rules.NewRegistry()
	}
	sink := deps.Sink
	if sink == nil {
		sink = fanout.Discard{}
	}
	return &Service{
		cfg:      cfg,
		chain:    deps.Chain,
		store:    deps.Store,
		keyring:  deps.Keyring,
		games:    games,
		archive:  deps.Archive,
		batches:  deps.Batches,
		policy:   deps.Policy,
		sink:     sink,
		obs:      deps.Observability,
		timeline: deps.Timeline,
		log:      slog.Default().With("component", "coordinator"),
		clock:    cfg.Clock,
		matches:  make(map[string]*Match),
	}, nil
}

// CreateRequest describes a new match.
type CreateRequest struct {
	// MatchID defaults to a fresh UUID.
	MatchID string `json:"match_id,omitempty"`
	Game    string `json:"game"`
	Variant string `json:"variant,omitempty"`
	// Seed defaults to a random value. Fixing it makes the deal
	// reproducible, which replay verification depends on either way.
	Seed *uint64 `json:"seed,omitempty"`
	// Host is recorded as the on-chain match creator.
	Host  string          `json:"host,omitempty"`
	Stake float64         `json:"stake,omitempty"`
	Flags map[string]bool `json:"flags,omitempty"`
}

// CreateMatch registers a match on chain, derives and authorizes its
// session signing key, and starts its actor.
func (s *Service) CreateMatch(ctx context.Context, req CreateRequest) (*Match, error) {
	spec, err := s.games.Spec(req.Game)
	if err != nil {
		return nil, err
	}
	matchID := req.MatchID
	if matchID == "" {
		matchID = uuid.NewString()
	}

	var seed uint64
	if req.Seed != nil {
		seed = *req.Seed
	} else {
		var buf [8]byte
		if _, err := crand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("coordinator: seed: %w", err)
		}
		seed = binary.BigEndian.Uint64(buf[:])
	}

	game := record.GameDescriptor{
		Name:       spec.Name,
		Variant:    req.Variant,
		MinPlayers: spec.MinPlayers,
		MaxPlayers: spec.MaxPlayers,
	}

	signer, err := s.keyring.DeriveForMatch(matchID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: derive session key: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrMatchClosed
	}
	if _, ok := s.matches[matchID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("coordinator: %w", ledger.ErrMatchExists)
	}
	s.mu.Unlock()

	if _, err := s.chain.RegisterMatch(ctx, matchID, game, req.Host); err != nil {
		return nil, fmt.Errorf("coordinator: register: %w", err)
	}
	// A chain backend with a writable signer directory learns the session
	// key at creation, so record verification can fail closed later.
	if dir, ok := s.chain.(interface{ AuthorizeSigner(matchID, pubKeyHex string) }); ok {
		dir.AuthorizeSigner(matchID, signer.PublicKeyHex())
	}

	state := &matchState{
		matchID:   matchID,
		game:      game,
		phase:     PhaseCreated,
		seed:      seed,
		stake:     req.Stake,
		flags:     req.Flags,
		highValue: s.classify(matchID, req.Game, 0, req.Stake, req.Flags, nil),
		scores:    make(map[string]int64),
		nonces:    make(map[string]uint64),
	}

	m := newMatch(s.cfg, s.chain, s.games, signer, s.sink, s.obs, s.timeline, state)
	stake, flags := req.Stake, req.Flags
	m.onSettled = func(rec *record.MatchRecord) { s.finalizeRecord(rec, stake, flags) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		m.close()
		return nil, ErrMatchClosed
	}
	s.matches[matchID] = m
	s.mu.Unlock()

	s.log.Info("match created",
		"match_id", matchID, "game", spec.Name, "high_value", state.highValue)
	return m, nil
}

// Match returns a live match actor by ID.
func (s *Service) Match(matchID string) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	}
	return m, nil
}

// List snapshots every live match, ordered by match ID.
func (s *Service) List(ctx context.Context) ([]Snapshot, error) {
	s.mu.RLock()
	matches := make([]*Match, 0, len(s.matches))
	for _, m := range s.matches {
		matches = append(matches, m)
	}
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(matches))
	for _, m := range matches {
		snap, err := m.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].MatchID < snaps[j].MatchID })
	return snaps, nil
}

// Record loads a finalized match record from storage.
func (s *Service) Record(ctx context.Context, matchID string) (*record.MatchRecord, error) {
	data, err := s.store.Get(ctx, recordKey(matchID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, matchID)
		}
		return nil, fmt.Errorf("coordinator: load record: %w", err)
	}
	return record.Parse(data)
}

// AddSignature appends a detached signature to a finalized record. The
// anchored hash covers everything but the signature list, so late
// co-signers never invalidate the anchor.
func (s *Service) AddSignature(ctx context.Context, matchID string, signer crypto.Signer, role crypto.Role) error {
	rec, err := s.Record(ctx, matchID)
	if err != nil {
		return err
	}
	if err := rec.Sign(signer, role, s.clock()); err != nil {
		return fmt.Errorf("coordinator: sign record: %w", err)
	}
	data, err := rec.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("coordinator: encode record: %w", err)
	}
	if err := s.store.Persist(ctx, recordKey(matchID), data); err != nil {
		return fmt.Errorf("coordinator: persist record: %w", err)
	}
	s.log.Info("signature appended", "match_id", matchID, "signer", signer.PublicKeyHex(), "role", role)
	return nil
}

// Close shuts down every match actor. Pending transactions are abandoned
// to the chain's authority; finalizations already in flight finish on
// their own timeouts.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	matches := make([]*Match, 0, len(s.matches))
	for _, m := range s.matches {
		matches = append(matches, m)
	}
	s.mu.Unlock()

	for _, m := range matches {
		m.close()
	}
	return nil
}

// classify runs the high-value policy. Evaluation fails closed: policy
// errors classify the match as ordinary.
func (s *Service) classify(matchID, game string, moveCount int, stake float64, flags map[string]bool, players []string) bool {
	if s.policy == nil {
		return false
	}
	high, err := s.policy.Evaluate(policy.Input{
		MatchID:   matchID,
		Game:      game,
		MoveCount: moveCount,
		Stake:     stake,
		Flags:     flags,
		Players:   players,
	})
	if err != nil {
		s.log.Warn("policy evaluation failed, treating match as ordinary",
			"match_id", matchID, "error", err)
		return false
	}
	return high
}

// finalizeRecord runs the settlement pipeline for one finished match:
// sign with the session key, persist, archive, then anchor. The record is
// durable in storage before any anchor attempt, and ordinary matches ride
// the batch pipeline while high-value matches anchor directly.
func (s *Service) finalizeRecord(rec *record.MatchRecord, stake float64, flags map[string]bool) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	log := s.log.With("match_id", rec.MatchID)

	ctx, finish := s.obs.TrackOperation(ctx, "finalize_record",
		observability.MatchOperation(rec.MatchID, rec.Game.Name, "ended")...)
	var finalErr error
	defer func() { finish(finalErr) }()

	signer, err := s.keyring.DeriveForMatch(rec.MatchID)
	if err != nil {
		finalErr = err
		log.Error("finalize: derive session key", "error", err)
		return
	}
	if err := rec.Sign(signer, crypto.RoleCoordinator, s.clock()); err != nil {
		finalErr = err
		log.Error("finalize: sign record", "error", err)
		return
	}
	if err := rec.Validate(); err != nil {
		finalErr = err
		log.Error("finalize: record failed validation", "error", err)
		return
	}

	data, err := rec.CanonicalBytes()
	if err != nil {
		finalErr = err
		log.Error("finalize: canonicalize record", "error", err)
		return
	}
	hash, err := rec.Hash()
	if err != nil {
		finalErr = err
		log.Error("finalize: hash record", "error", err)
		return
	}

	if err := s.store.Persist(ctx, recordKey(rec.MatchID), data); err != nil {
		finalErr = err
		log.Error("finalize: persist record", "error", err)
		return
	}

	storageURL := ""
	if s.archive != nil {
		ptr, err := s.archive.Put(ctx, rec.MatchID+".json", data)
		if err != nil {
			// Archival is best effort; the record is already durable in
			// primary storage.
			log.Warn("finalize: archive put failed", "error", err)
		} else {
			storageURL = ptr.URL
			if ptrData, err := json.Marshal(ptr); err == nil {
				if perr := s.store.Persist(ctx, pointerKey(rec.MatchID), ptrData); perr != nil {
					log.Warn("finalize: persist archive pointer failed", "error", perr)
				}
			}
		}
	}

	high := s.classify(rec.MatchID, rec.Game.Name, len(rec.Moves), stake, flags, playerIDs(rec.Players))
	anchorKind := observability.AnchorKindBatch
	if high || s.batches == nil {
		anchorKind = observability.AnchorKindDirect
		if _, err := s.chain.AnchorMatchRecord(ctx, rec.MatchID, hash, storageURL); err != nil {
			log.Error("finalize: direct anchor failed", "error", err)
			if s.batches != nil {
				// Fall back to the batch pipeline rather than leaving the
				// record unanchored.
				if berr := s.batches.Add(ctx, rec.MatchID, hash); berr == nil {
					anchorKind = observability.AnchorKindBatch
				} else {
					finalErr = err
					return
				}
			} else {
				finalErr = err
				return
			}
		}
	} else {
		if err := s.batches.Add(ctx, rec.MatchID, hash); err != nil {
			finalErr = err
			log.Error("finalize: batch enqueue failed", "error", err)
			return
		}
	}

	if err := s.timeline.Record(observability.TimelineEntry{
		EntryType: observability.EntryAnchor,
		MatchID:   rec.MatchID,
		Summary:   fmt.Sprintf("record finalized, %s anchor", anchorKind),
		Details: map[string]any{
			"hash":       hash.Hex(),
			"anchor":     anchorKind,
			"moves":      len(rec.Moves),
			"high_value": high,
		},
	}); err != nil {
		log.Debug("timeline entry dropped", "error", err)
	}
	log.Info("record finalized",
		"hash", hash.Hex(), "anchor", anchorKind, "moves", len(rec.Moves), "high_value", high)
}

func playerIDs(players []record.PlayerRecord) []string {
	ids := make([]string, len(players))
	for i, p := range players {
		ids[i] = p.PlayerID
	}
	return ids
}
