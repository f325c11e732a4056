// Package recovery holds the strategies consulted after an orchestration
// operation has already failed: session, model inference, voice,
// communication and the comprehensive sequence that combines them.
package recovery

import (
	"sync"
	"time"

	"familyhub/internal/failure"
	"familyhub/internal/logging"
	"familyhub/internal/metrics"
	"github.com/google/uuid"
)

var log = logging.Component("recovery")

// DefaultGCDelay is how long finished operations stay inspectable
const DefaultGCDelay = 5 * time.Minute

// State is the lifecycle of one recovery operation
type State string

const (
	StateIdle       State = "idle"
	StateAnalyzing  State = "analyzing"
	StateRecovering State = "recovering"
	StateValidating State = "validating"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Operation records one recovery attempt
type Operation struct {
	ID          string           `json:"id"`
	Strategy    string           `json:"strategy"`
	Category    failure.Category `json:"category"`
	SessionID   string           `json:"session_id"`
	Attempts    int              `json:"attempts"`
	State       State            `json:"state"`
	Results     map[string]bool  `json:"results"`
	Warnings    []string         `json:"warnings,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
}

func (op *Operation) clone() Operation {
	cp := *op
	cp.Results = make(map[string]bool, len(op.Results))
	for k, v := range op.Results {
		cp.Results[k] = v
	}
	cp.Warnings = append([]string(nil), op.Warnings...)
	return cp
}

// Operations tracks live and recently finished recovery operations.
// Finished operations are dropped after the GC delay.
type Operations struct {
	mu       sync.Mutex
	ops      map[string]*Operation
	attempts map[string]int // strategy|session -> attempts since last success
	gcDelay  time.Duration
	metrics  *metrics.Metrics
}

// NewOperations creates an operation registry
func NewOperations(gcDelay time.Duration, m *metrics.Metrics) *Operations {
	if gcDelay <= 0 {
		gcDelay = DefaultGCDelay
	}
	return &Operations{
		ops:      make(map[string]*Operation),
		attempts: make(map[string]int),
		gcDelay:  gcDelay,
		metrics:  m,
	}
}

func (o *Operations) begin(strategy string, category failure.Category, sessionID string) *Operation {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := strategy + "|" + sessionID
	o.attempts[key]++
	op := &Operation{
		ID:        uuid.New().String(),
		Strategy:  strategy,
		Category:  category,
		SessionID: sessionID,
		Attempts:  o.attempts[key],
		State:     StateIdle,
		Results:   make(map[string]bool),
		StartedAt: time.Now(),
	}
	o.ops[op.ID] = op
	return op
}

func (o *Operations) transition(op *Operation, state State) {
	o.mu.Lock()
	op.State = state
	o.mu.Unlock()
}

func (o *Operations) record(op *Operation, component string, ok bool) {
	o.mu.Lock()
	op.Results[component] = ok
	o.mu.Unlock()
}

func (o *Operations) warn(op *Operation, warning string) {
	o.mu.Lock()
	op.Warnings = append(op.Warnings, warning)
	o.mu.Unlock()
}

func (o *Operations) finish(op *Operation, success bool) Operation {
	o.mu.Lock()
	if success {
		op.State = StateCompleted
		delete(o.attempts, op.Strategy+"|"+op.SessionID)
	} else {
		op.State = StateFailed
	}
	op.CompletedAt = time.Now()
	snapshot := op.clone()
	o.mu.Unlock()

	o.metrics.RecordRecovery(op.Strategy, success)
	id := op.ID
	time.AfterFunc(o.gcDelay, func() {
		o.mu.Lock()
		delete(o.ops, id)
		o.mu.Unlock()
	})
	return snapshot
}

// Operation returns a copy of a tracked operation
func (o *Operations) Operation(id string) (Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[id]
	if !ok {
		return Operation{}, false
	}
	return op.clone(), true
}

// Len returns the number of tracked operations
func (o *Operations) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}
