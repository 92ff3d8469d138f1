package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attributes for match pipeline telemetry.
var (
	AttrMatchID    = attribute.Key("matchproof.match.id")
	AttrGameName   = attribute.Key("matchproof.game.name")
	AttrMatchPhase = attribute.Key("matchproof.match.phase")

	AttrMoveIndex     = attribute.Key("matchproof.move.index")
	AttrMoveAction    = attribute.Key("matchproof.move.action")
	AttrRollbackCause = attribute.Key("matchproof.rollback.cause")
	AttrSyncOutcome   = attribute.Key("matchproof.sync.outcome")

	AttrBatchID    = attribute.Key("matchproof.batch.id")
	AttrBatchCount = attribute.Key("matchproof.batch.count")
	AttrAnchorKind = attribute.Key("matchproof.anchor.kind")

	AttrVerifyCheck   = attribute.Key("matchproof.verify.check")
	AttrVerifyVerdict = attribute.Key("matchproof.verify.verdict")
)

// Rollback causes.
const (
	RollbackTimeout  = "timeout"
	RollbackRejected = "rejected"
)

// Sync outcomes.
const (
	SyncMatched  = "matched"
	SyncConflict = "conflict"
)

// Anchor kinds.
const (
	AnchorKindBatch      = "batch"
	AnchorKindDirect     = "direct"
	AnchorKindCheckpoint = "checkpoint"
)

// MatchOperation builds the attribute set for coordinator spans.
func MatchOperation(matchID, game, phase string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMatchID.String(matchID),
		AttrGameName.String(game),
		AttrMatchPhase.String(phase),
	}
}

// MoveOperation builds the attribute set for move spans.
func MoveOperation(matchID, action string, index int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMatchID.String(matchID),
		AttrMoveAction.String(action),
		AttrMoveIndex.Int(index),
	}
}

// BatchOperation builds the attribute set for anchoring spans.
func BatchOperation(batchID string, count int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBatchID.String(batchID),
		AttrBatchCount.Int(count),
	}
}

// VerifyOperation builds the attribute set for verification spans.
func VerifyOperation(matchID, anchorKind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMatchID.String(matchID),
		AttrAnchorKind.String(anchorKind),
	}
}
