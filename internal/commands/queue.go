// Package commands accepts host-issued commands, debounces and batches them
// per dedupe key, and drains them through one serialized worker. Two knobs
// fall out: the debounce window coalesces same-key bursts into the last
// value, and the batch boundary submits and confirms a whole burst exactly
// once.
package commands

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	climatebridge "climate_bridge"
	"climate_bridge/internal/logger"
)

// DefaultDebounce is the delay after the last command in a burst before the
// burst is finalized.
const DefaultDebounce = 5 * time.Second

// Executor performs one command against the upstream API. batchID ties the
// call to its batch for audit purposes. Failures are isolated per command:
// the worker logs and moves on, never retries.
type Executor func(ctx context.Context, batchID string, cmd climatebridge.Command) error

// BatchResult summarizes one drained batch for the completion hook.
type BatchResult struct {
	BatchID    string
	Dispatched int
	Failed     int
	Touched    map[climatebridge.CommandDomain]bool
}

// Completion runs after the dispatch queue drains to empty. It decides
// whether to confirm via a targeted refresh or, when throttled, to adjust
// the local quota estimate instead.
type Completion func(ctx context.Context, res BatchResult)

// Queue is the debounce + batch + serial-worker pipeline. The debounce timer
// handle lives inside the same struct as the pending map, which makes the
// cancel-before-reschedule invariant structural: nobody else can start a
// competing timer.
type Queue struct {
	mu          sync.Mutex
	debounce    time.Duration
	pendingKeys []string // first-insertion order for this window
	pending     map[string]climatebridge.Command
	timer       *time.Timer
	dispatch    []climatebridge.Command // FIFO; unbounded (known gap)
	wake        chan struct{}

	execute    Executor
	onComplete Completion
	log        *logger.Logger
}

// New builds a queue. debounce of zero falls back to DefaultDebounce.
func New(debounce time.Duration, execute Executor, onComplete Completion, log *logger.Logger) *Queue {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Queue{
		debounce:   debounce,
		pending:    make(map[string]climatebridge.Command),
		wake:       make(chan struct{}, 1),
		execute:    execute,
		onComplete: onComplete,
		log:        log,
	}
}

// Enqueue inserts or overwrites the pending command for its dedupe key and
// restarts the shared debounce timer. The previous timer is always stopped
// first; no two timers ever run concurrently.
func (q *Queue) Enqueue(cmd climatebridge.Command) {
	key := cmd.DedupeKey()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timer != nil {
		q.timer.Stop()
	}
	if _, exists := q.pending[key]; !exists {
		q.pendingKeys = append(q.pendingKeys, key)
	}
	q.pending[key] = cmd
	q.timer = time.AfterFunc(q.debounce, q.flush)
}

// PendingKeys returns the dedupe keys currently waiting for the window to
// close, e.g. so a poll merge can protect fields a command is about to change.
func (q *Queue) PendingKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.pendingKeys))
	copy(out, q.pendingKeys)
	return out
}

// flush closes the batch window: every pending entry moves, in
// first-inserted order, into the dispatch queue.
func (q *Queue) flush() {
	q.mu.Lock()
	for _, key := range q.pendingKeys {
		q.dispatch = append(q.dispatch, q.pending[key])
	}
	q.pendingKeys = q.pendingKeys[:0]
	clear(q.pending)
	q.timer = nil
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks until a dispatch entry is available or ctx is done.
func (q *Queue) pop(ctx context.Context) (climatebridge.Command, bool) {
	for {
		q.mu.Lock()
		if len(q.dispatch) > 0 {
			cmd := q.dispatch[0]
			q.dispatch = q.dispatch[1:]
			q.mu.Unlock()
			return cmd, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return climatebridge.Command{}, false
		case <-q.wake:
		}
	}
}

func (q *Queue) dispatchEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dispatch) == 0
}

// Run is the single long-lived worker loop. It processes one entry at a
// time — no concurrent outbound calls — and fires the completion hook each
// time the dispatch queue drains to empty. Cancel ctx to shut down.
func (q *Queue) Run(ctx context.Context) {
	var batch *BatchResult
	for {
		cmd, ok := q.pop(ctx)
		if !ok {
			return
		}
		if batch == nil {
			batch = &BatchResult{
				BatchID: uuid.NewString(),
				Touched: make(map[climatebridge.CommandDomain]bool),
			}
		}

		if err := q.execute(ctx, batch.BatchID, cmd); err != nil {
			// Per-command failure: log and continue, never abort the batch.
			q.log.Errorw("command failed",
				"kind", cmd.Kind.String(),
				"key", cmd.DedupeKey(),
				"err", err,
			)
			batch.Failed++
		}
		batch.Dispatched++
		batch.Touched[cmd.Domain] = true

		if q.dispatchEmpty() {
			q.onComplete(ctx, *batch)
			batch = nil
		}
	}
}
