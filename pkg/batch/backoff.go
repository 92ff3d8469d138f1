package batch

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy shapes the anchor retry schedule.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
}

// DefaultBackoff retries at roughly 1s, 2s, 4s... capped at 30s.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{BaseMs: 1000, MaxMs: 30000, MaxJitterMs: 500}
}

// ComputeBackoff returns the delay before retry attempt (1-based) for a
// batch. Jitter is deterministic in (batchID, attempt) so a replayed
// failure schedule is reproducible.
func ComputeBackoff(batchID string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+deterministicJitter(batchID, attempt, policy.MaxJitterMs)) * time.Millisecond
}

func deterministicJitter(batchID string, attempt int, maxJitterMs int64) int64 {
	if maxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", batchID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(maxJitterMs))
}
