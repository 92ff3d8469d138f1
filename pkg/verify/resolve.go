package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/provenplay/matchproof/pkg/batch"
	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/ledger"
)

// ErrNoAnchor means neither a direct anchor nor a batch commitment could
// be found for the match.
var ErrNoAnchor = errors.New("verify: no on-chain anchor for match")

// ManifestSource locates the flushed batch manifest containing a match.
// *batch.Manager implements it over the shared store.
type ManifestSource interface {
	ManifestFor(ctx context.Context, matchID string) (*batch.Manifest, error)
}

// Resolve finds the on-chain commitment covering a match: the direct match
// anchor when one exists, otherwise the batch anchor referenced by the
// stored manifest that contains the match. A nil manifest source restricts
// resolution to direct anchors.
func (v *Verifier) Resolve(ctx context.Context, matchID string, manifests ManifestSource) (Anchor, error) {
	direct, err := v.chain.GetMatchAnchor(ctx, matchID)
	switch {
	case err == nil:
		return DirectAnchor(direct), nil
	case !errors.Is(err, ledger.ErrAnchorNotFound):
		return Anchor{}, fmt.Errorf("verify: match anchor for %s: %w", matchID, err)
	}

	if manifests == nil {
		return Anchor{}, fmt.Errorf("%w: %s", ErrNoAnchor, matchID)
	}
	manifest, err := manifests.ManifestFor(ctx, matchID)
	if err != nil {
		if errors.Is(err, batch.ErrNotBatched) {
			return Anchor{}, fmt.Errorf("%w: %s", ErrNoAnchor, matchID)
		}
		return Anchor{}, fmt.Errorf("verify: locate batch for %s: %w", matchID, err)
	}

	anchor, err := v.chain.GetBatchAnchor(ctx, manifest.BatchID)
	if err != nil {
		return Anchor{}, fmt.Errorf("verify: batch anchor %s: %w", manifest.BatchID, err)
	}
	proof, err := manifest.Proof(matchID)
	if err != nil {
		return Anchor{}, fmt.Errorf("verify: %w", err)
	}

	var leaf crypto.Digest
	for _, l := range manifest.Leaves {
		if l.MatchID == matchID {
			leaf = l.Hash
			break
		}
	}
	return BatchedAnchor(anchor, leaf, proof), nil
}
