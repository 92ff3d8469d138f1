package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/ledger"
	"github.com/provenplay/matchproof/pkg/observability"
	"github.com/provenplay/matchproof/pkg/storage"
)

var (
	// ErrAnchoringFailure wraps an anchor attempt the chain rejected.
	ErrAnchoringFailure = errors.New("batch: anchoring failure")
	// ErrClosed is returned by Add after Close.
	ErrClosed = errors.New("batch: manager closed")
	// ErrNotBatched means no persisted manifest contains the match.
	ErrNotBatched = errors.New("batch: match not in any batch")
)

// Config tunes the manager. Zero values take the documented defaults.
type Config struct {
	// MaxSize flushes a batch as soon as it holds this many hashes.
	MaxSize int
	// MaxWait flushes whatever has accumulated after this interval.
	MaxWait time.Duration
	// MaxAttempts bounds anchor retries before the batch is marked failed
	// and the alert hook fires.
	MaxAttempts int
	Backoff     BackoffPolicy
	// Clock overrides time.Now.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 100
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.Backoff == (BackoffPolicy{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// AlertFunc is called when a batch exhausts its anchor retries. The
// manifest stays persisted in the failed state; the alert is the operator
// handoff, never a drop.
type AlertFunc func(m *Manifest, err error)

// Manager accumulates finalized match hashes and flushes them into
// Merkle-anchored batches. A flush triggers on size, on the wait timer, or
// on Close, whichever comes first. The manifest is persisted before the
// anchor transaction is attempted, so no accepted hash can be lost to an
// anchoring failure.
//
// One flush is in flight at a time; Add never waits on anchoring.
type Manager struct {
	cfg   Config
	store storage.Store
	chain ledger.Anchorer
	log   *slog.Logger
	obs   *observability.Provider
	alert AlertFunc

	mu     sync.Mutex
	queue  []Leaf
	closed bool

	wake   chan struct{}
	force  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures optional manager collaborators.
type Option func(*Manager)

// WithAlert installs the retry-exhaustion hook.
func WithAlert(fn AlertFunc) Option {
	return func(m *Manager) { m.alert = fn }
}

// WithObservability wires metric recording. A nil provider records nothing.
func WithObservability(p *observability.Provider) Option {
	return func(m *Manager) { m.obs = p }
}

// NewManager starts the background flush loop.
func NewManager(cfg Config, store storage.Store, chain ledger.Anchorer, opts ...Option) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		store:  store,
		chain:  chain,
		log:    slog.Default().With("component", "batch"),
		wake:   make(chan struct{}, 1),
		force:  make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run(ctx)
	return m
}

// Add queues a finalized match hash for the next batch. It returns as soon
// as the hash is queued; anchoring latency never blocks finalization.
func (m *Manager) Add(ctx context.Context, matchID string, hash crypto.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.queue = append(m.queue, Leaf{MatchID: matchID, Hash: hash})
	full := len(m.queue) >= m.cfg.MaxSize
	m.mu.Unlock()

	if full {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// QueueLen reports how many hashes await the next flush.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close flushes the remaining queue, stops the loop, and waits for the
// in-flight flush to settle.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	<-m.done
	return nil
}

// run owns flushing. Running it on one goroutine is what makes flushes
// mutually exclusive.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.MaxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown flush: drain what is queued using a fresh context,
			// since ctx is already cancelled. Anchors get a single attempt;
			// whatever does not land stays pending for Recover.
			m.drain(context.Background(), false, 1)
			return
		case <-ticker.C:
			m.drain(ctx, false, m.cfg.MaxAttempts)
		case <-m.wake:
			// The size trigger only flushes full batches; a short tail
			// keeps accumulating until the timer or shutdown claims it.
			m.drain(ctx, true, m.cfg.MaxAttempts)
			ticker.Reset(m.cfg.MaxWait)
		case <-m.force:
			m.drain(ctx, false, m.cfg.MaxAttempts)
			ticker.Reset(m.cfg.MaxWait)
		}
	}
}

// drain flushes batches until the queue is empty (or, with fullOnly, until
// it is below MaxSize). A manifest persist failure requeues the leaves and
// stops the drain; an anchor failure does not, since the manifest is
// already durable.
func (m *Manager) drain(ctx context.Context, fullOnly bool, attempts int) {
	for {
		leaves := m.take(fullOnly)
		if len(leaves) == 0 {
			return
		}
		manifest, err := m.flush(ctx, leaves)
		if err != nil {
			m.requeue(leaves)
			m.log.Error("batch manifest not persisted, leaves requeued", "error", err, "count", len(leaves))
			return
		}
		if err := m.anchor(ctx, manifest, attempts); err != nil {
			m.log.Error("batch anchoring incomplete", "batch_id", manifest.BatchID, "error", err)
		}
	}
}

// take removes up to MaxSize leaves from the queue. With fullOnly it
// returns nothing unless a complete batch is waiting.
func (m *Manager) take(fullOnly bool) []Leaf {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 || (fullOnly && len(m.queue) < m.cfg.MaxSize) {
		return nil
	}
	n := len(m.queue)
	if n > m.cfg.MaxSize {
		n = m.cfg.MaxSize
	}
	leaves := m.queue[:n:n]
	m.queue = append([]Leaf(nil), m.queue[n:]...)
	return leaves
}

// flush builds and persists the manifest for one batch. The persist must
// succeed before any anchor attempt: a crash after persist leaves a
// pending manifest that Recover finishes.
func (m *Manager) flush(ctx context.Context, leaves []Leaf) (*Manifest, error) {
	batchID := uuid.NewString()
	manifest, err := NewManifest(batchID, leaves, m.cfg.Clock())
	if err != nil {
		return nil, err
	}
	if err := m.persist(ctx, manifest); err != nil {
		return nil, fmt.Errorf("persist before anchor: %w", err)
	}

	m.obs.CountBatchFlushed(ctx, manifest.Count())
	m.log.Info("batch flushed",
		"batch_id", manifest.BatchID,
		"count", manifest.Count(),
		"root", manifest.MerkleRoot.Hex(),
		"first", manifest.First(),
		"last", manifest.Last(),
	)
	return manifest, nil
}

func (m *Manager) requeue(leaves []Leaf) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(leaves, m.queue...)
}

func (m *Manager) persist(ctx context.Context, manifest *Manifest) error {
	data, err := manifest.Encode()
	if err != nil {
		return err
	}
	return m.store.Persist(ctx, manifestKey(manifest.BatchID), data)
}

// anchor submits the batch commitment, retrying with capped exponential
// backoff. Exhausting maxAttempts marks the manifest failed and raises the
// alert; the manifest itself is never deleted.
func (m *Manager) anchor(ctx context.Context, manifest *Manifest, maxAttempts int) (err error) {
	ctx, finish := m.obs.TrackOperation(ctx, observability.OpAnchorBatch,
		observability.BatchOperation(manifest.BatchID, manifest.Count())...)
	defer func() { finish(err) }()

	var lastErr error
	for manifest.Attempts < maxAttempts {
		if manifest.Attempts > 0 {
			delay := ComputeBackoff(manifest.BatchID, manifest.Attempts, m.cfg.Backoff)
			m.obs.CountAnchorRetry(ctx)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// Shutdown mid-retry: leave the manifest pending for Recover.
				return ctx.Err()
			}
		}
		manifest.Attempts++

		handle, err := m.chain.AnchorBatch(ctx, manifest.BatchID, manifest.MerkleRoot,
			manifest.Count(), manifest.First(), manifest.Last())
		if err == nil {
			now := m.cfg.Clock().UTC()
			manifest.State = StateAnchored
			manifest.TxSignature = handle.Signature
			manifest.AnchoredAt = &now
			manifest.LastError = ""
			if perr := m.persist(ctx, manifest); perr != nil {
				m.log.Error("anchored manifest not persisted", "batch_id", manifest.BatchID, "error", perr)
			}
			m.obs.CountBatchAnchored(ctx)
			m.log.Info("batch anchored",
				"batch_id", manifest.BatchID,
				"tx", handle.Signature,
				"attempts", manifest.Attempts,
			)
			return nil
		}

		lastErr = err
		manifest.LastError = err.Error()
		if perr := m.persist(ctx, manifest); perr != nil {
			m.log.Error("manifest update not persisted", "batch_id", manifest.BatchID, "error", perr)
		}
		m.log.Warn("batch anchor attempt failed",
			"batch_id", manifest.BatchID,
			"attempt", manifest.Attempts,
			"error", err,
		)
	}

	if maxAttempts < m.cfg.MaxAttempts {
		// Shutdown's single shot: the manifest stays pending so the next
		// process's Recover picks it up.
		return fmt.Errorf("%w: batch %s left pending: %v", ErrAnchoringFailure, manifest.BatchID, lastErr)
	}

	manifest.State = StateFailed
	if perr := m.persist(ctx, manifest); perr != nil {
		m.log.Error("failed manifest not persisted", "batch_id", manifest.BatchID, "error", perr)
	}
	if m.alert != nil {
		m.alert(manifest, lastErr)
	}
	m.log.Error("batch anchoring exhausted retries",
		"batch_id", manifest.BatchID,
		"attempts", manifest.Attempts,
		"error", lastErr,
	)
	return fmt.Errorf("%w: batch %s after %d attempts: %v",
		ErrAnchoringFailure, manifest.BatchID, manifest.Attempts, lastErr)
}

// Recover re-anchors manifests a previous process persisted but never
// anchored. Failed manifests are reported, not retried; they are the
// operator's call.
func (m *Manager) Recover(ctx context.Context) error {
	manifests, err := m.Manifests(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, manifest := range manifests {
		switch manifest.State {
		case StateAnchored:
			continue
		case StateFailed:
			m.log.Warn("skipping failed manifest during recovery", "batch_id", manifest.BatchID)
			continue
		}
		manifest.Attempts = 0
		m.log.Info("recovering unanchored batch", "batch_id", manifest.BatchID, "count", manifest.Count())
		if err := m.anchor(ctx, manifest, m.cfg.MaxAttempts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Manifests lists every persisted manifest, pending and settled.
func (m *Manager) Manifests(ctx context.Context) ([]*Manifest, error) {
	entries, err := m.store.List(ctx, manifestKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("batch: list manifests: %w", err)
	}
	manifests := make([]*Manifest, 0, len(entries))
	for _, entry := range entries {
		manifest, err := DecodeManifest(entry.Value)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, manifest)
	}
	return manifests, nil
}

// Manifest loads one manifest by batch ID.
func (m *Manager) Manifest(ctx context.Context, batchID string) (*Manifest, error) {
	data, err := m.store.Get(ctx, manifestKey(batchID))
	if err != nil {
		return nil, fmt.Errorf("batch: manifest %s: %w", batchID, err)
	}
	return DecodeManifest(data)
}

// ManifestFor returns the persisted manifest whose leaves include matchID.
// Verifiers use it to locate the batch commitment covering a record.
func (m *Manager) ManifestFor(ctx context.Context, matchID string) (*Manifest, error) {
	manifests, err := m.Manifests(ctx)
	if err != nil {
		return nil, err
	}
	for _, manifest := range manifests {
		for _, leaf := range manifest.Leaves {
			if leaf.MatchID == matchID {
				return manifest, nil
			}
		}
	}
	return nil, fmt.Errorf("batch: %w: match %s", ErrNotBatched, matchID)
}

// Flush forces an immediate drain outside the timer, short tail included,
// for the operator API.
func (m *Manager) Flush() {
	select {
	case m.force <- struct{}{}:
	default:
	}
}
