package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Operations with SLO coverage.
const (
	OpSubmitMove  = "submit_move"
	OpReconcile   = "reconcile"
	OpAnchorBatch = "anchor_batch"
	OpVerify      = "verify"
)

// SLOTarget defines a latency and success objective for one operation.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0..1
	WindowHours int           `json:"window_hours"`
}

// SLOObservation is one operation outcome.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance for one operation.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"` // >1 burns budget faster than allowed
	ErrorBudgetLeft  float64 `json:"error_budget_left"`
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker accumulates operation outcomes and reports objective
// compliance. It backs the operational alert for sustained anchoring
// trouble that individual retry logs cannot show.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker returns a tracker preloaded with the default pipeline
// objectives.
func NewSLOTracker() *SLOTracker {
	t := &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
	for _, target := range []*SLOTarget{
		{SLOID: "slo-move", Name: "Optimistic move apply", Operation: OpSubmitMove, LatencyP99: 50 * time.Millisecond, SuccessRate: 0.999, WindowHours: 1},
		{SLOID: "slo-reconcile", Name: "Reconciliation sync", Operation: OpReconcile, LatencyP99: 2 * time.Second, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-anchor", Name: "Batch anchoring", Operation: OpAnchorBatch, LatencyP99: 30 * time.Second, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-verify", Name: "Record verification", Operation: OpVerify, LatencyP99: 5 * time.Second, SuccessRate: 0.999, WindowHours: 24},
	} {
		t.targets[target.Operation] = target
	}
	return t
}

// WithClock overrides the clock for tests.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget installs or replaces an objective.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record adds one outcome. A nil tracker is inert.
func (t *SLOTracker) Record(obs SLOObservation) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	t.observations[obs.Operation] = append(t.observations[obs.Operation], obs)
}

// Status computes compliance over the target's window.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("observability: no SLO target for operation %q", operation)
	}

	windowStart := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
	var windowed []SLOObservation
	for _, obs := range t.observations[operation] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
	}
	budgetLeft := 100.0
	if errorBudget > 0 {
		budgetLeft = 100.0 * (1.0 - errorRate/errorBudget)
		if budgetLeft < 0 {
			budgetLeft = 0
		}
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     p99 <= float64(target.LatencyP99.Milliseconds()) && successRate >= target.SuccessRate,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}

// Operations lists the operations with targets, sorted.
func (t *SLOTracker) Operations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
