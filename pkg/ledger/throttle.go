package ledger

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/record"
)

// Throttled wraps a Ledger with a token bucket so a burst of finalizing
// matches cannot exceed the chain endpoint's transaction budget. Writes
// wait for a token; reads pass through.
type Throttled struct {
	inner   Ledger
	limiter *rate.Limiter
}

// NewThrottled allows tps transactions per second with the given burst.
func NewThrottled(inner Ledger, tps float64, burst int) *Throttled {
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{inner: inner, limiter: rate.NewLimiter(rate.Limit(tps), burst)}
}

func (t *Throttled) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ledger: throttle: %w", err)
	}
	return nil
}

func (t *Throttled) RegisterMatch(ctx context.Context, matchID string, game record.GameDescriptor, creator string) (TxHandle, error) {
	if err := t.wait(ctx); err != nil {
		return TxHandle{}, err
	}
	return t.inner.RegisterMatch(ctx, matchID, game, creator)
}

func (t *Throttled) JoinMatch(ctx context.Context, matchID, playerID string) (TxHandle, error) {
	if err := t.wait(ctx); err != nil {
		return TxHandle{}, err
	}
	return t.inner.JoinMatch(ctx, matchID, playerID)
}

func (t *Throttled) StartMatch(ctx context.Context, matchID string) (TxHandle, error) {
	if err := t.wait(ctx); err != nil {
		return TxHandle{}, err
	}
	return t.inner.StartMatch(ctx, matchID)
}

func (t *Throttled) SubmitMove(ctx context.Context, mv MoveSubmission) (TxHandle, error) {
	if err := t.wait(ctx); err != nil {
		return TxHandle{}, err
	}
	return t.inner.SubmitMove(ctx, mv)
}

func (t *Throttled) EndMatch(ctx context.Context, matchID, winner string) (TxHandle, error) {
	if err := t.wait(ctx); err != nil {
		return TxHandle{}, err
	}
	return t.inner.EndMatch(ctx, matchID, winner)
}

func (t *Throttled) GetConfirmedState(ctx context.Context, matchID string) (*OnChainState, error) {
	return t.inner.GetConfirmedState(ctx, matchID)
}

func (t *Throttled) Confirm(ctx context.Context, tx TxHandle) error {
	return t.inner.Confirm(ctx, tx)
}

func (t *Throttled) AnchorBatch(ctx context.Context, batchID string, root crypto.Digest, count int, firstID, lastID string) (TxHandle, error) {
	if err := t.wait(ctx); err != nil {
		return TxHandle{}, err
	}
	return t.inner.AnchorBatch(ctx, batchID, root, count, firstID, lastID)
}

func (t *Throttled) AnchorMatchRecord(ctx context.Context, matchID string, hash crypto.Digest, storageURL string) (TxHandle, error) {
	if err := t.wait(ctx); err != nil {
		return TxHandle{}, err
	}
	return t.inner.AnchorMatchRecord(ctx, matchID, hash, storageURL)
}

func (t *Throttled) AnchorCheckpoint(ctx context.Context, matchID string, eventIndex int, stateHash crypto.Digest) (TxHandle, error) {
	if err := t.wait(ctx); err != nil {
		return TxHandle{}, err
	}
	return t.inner.AnchorCheckpoint(ctx, matchID, eventIndex, stateHash)
}

func (t *Throttled) GetBatchAnchor(ctx context.Context, batchID string) (*BatchAnchor, error) {
	return t.inner.GetBatchAnchor(ctx, batchID)
}

func (t *Throttled) GetMatchAnchor(ctx context.Context, matchID string) (*MatchAnchor, error) {
	return t.inner.GetMatchAnchor(ctx, matchID)
}

func (t *Throttled) IsAuthorizedSigner(ctx context.Context, matchID, pubKeyHex string) (bool, error) {
	return t.inner.IsAuthorizedSigner(ctx, matchID, pubKeyHex)
}

// AuthorizeSigner forwards to the inner ledger's writable signer
// directory, when it has one, so wrapping does not hide it.
func (t *Throttled) AuthorizeSigner(matchID, pubKeyHex string) {
	if dir, ok := t.inner.(interface{ AuthorizeSigner(matchID, pubKeyHex string) }); ok {
		dir.AuthorizeSigner(matchID, pubKeyHex)
	}
}
