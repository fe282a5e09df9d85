package ripple

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultMaxAttempts is the shared drop policy for the offline queue and
// the media upload queue.
const DefaultMaxAttempts = 3

// OnlineChecker answers whether the process currently has verified
// connectivity. *Monitor satisfies it.
type OnlineChecker interface {
	Online(ctx context.Context) bool
}

// QueueOptions configures a Queue. Zero fields fall back to defaults.
type QueueOptions struct {
	Retry       RetryPolicy
	MaxAttempts int
	Clock       Clock
	IDs         IDGenerator
	Logger      Logger
}

// Queue is the durable offline write queue: per-entity FIFO queues of
// pending mutations, replayed on reconnect in a fixed priority order,
// with temporary-id reconciliation across queues.
//
// Lifecycle of one operation: Queued -> Syncing -> Committed, or back to
// Queued with attempts+1 on a retriable failure, or dropped (with the
// registered drop callback) on a terminal failure or once attempts
// reach the maximum.
type Queue struct {
	store       Store
	remote      Remote
	online      OnlineChecker
	retry       RetryPolicy
	clock       Clock
	ids         IDGenerator
	logger      Logger
	maxAttempts int

	mu       sync.Mutex
	queues   map[EntityType][]QueuedOperation
	idMap    map[string]string // temporary id -> real id
	commits  map[string]string // create token -> resolved real id
	flushing bool
	onCommit []func(op QueuedOperation, realID string)
	onDrop   []func(op QueuedOperation, err error)
}

// NewQueue loads any persisted queue state so a restart resumes with an
// accurate pending set.
func NewQueue(store Store, remote Remote, online OnlineChecker, opts QueueOptions) (*Queue, error) {
	q := &Queue{
		store:       store,
		remote:      remote,
		online:      online,
		retry:       opts.Retry,
		clock:       opts.Clock,
		ids:         opts.IDs,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		queues:      make(map[EntityType][]QueuedOperation),
		idMap:       make(map[string]string),
		commits:     make(map[string]string),
	}
	if q.retry.MaxRetries == 0 {
		q.retry = DefaultRetryPolicy()
	}
	if q.clock == nil {
		q.clock = RealClock{}
	}
	if q.ids == nil {
		q.ids = UUIDGenerator{}
	}
	if q.logger == nil {
		q.logger = NewNopLogger()
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// OnCommit registers fn to run after a queued operation's remote
// counterpart succeeds. For creates, realID is the server-assigned id
// that replaced the operation's temporary id; otherwise it equals the
// operation's id.
func (q *Queue) OnCommit(fn func(op QueuedOperation, realID string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onCommit = append(q.onCommit, fn)
}

// OnDrop registers fn to run when an operation is dropped. Wiring this
// up at the UI boundary is mandatory: a drop is user-visible data loss.
func (q *Queue) OnDrop(fn func(op QueuedOperation, err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = append(q.onDrop, fn)
}

// Enqueue records a mutation. When online and unblocked by pending
// creates, the mutation is attempted immediately via the retry engine;
// on success the real id is returned and the durable queue is never
// touched. Otherwise the operation is appended to its entity's durable
// queue and the (possibly temporary) id is returned synchronously so
// callers can render optimistically. Terminal failures propagate
// without queuing.
func (q *Queue) Enqueue(ctx context.Context, entity EntityType, kind OperationKind, id string, payload Payload) (string, error) {
	if payload != nil && payload.Entity() != entity {
		return "", fmt.Errorf("payload entity %s does not match %s", payload.Entity(), entity)
	}

	op := QueuedOperation{
		Entity:     entity,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: q.clock.Now(),
	}
	switch kind {
	case OpCreate:
		op.ID = TempIDPrefix + q.ids.New()
		op.Token = op.ID
	case OpUpdate, OpDelete:
		if id == "" {
			return "", fmt.Errorf("%s requires an id", kind)
		}
		op.ID = id
		op.Token = q.ids.New()
	default:
		return "", fmt.Errorf("unknown operation kind: %s", kind)
	}

	q.mu.Lock()
	op.rewriteRefs(q.resolveLocked)
	blocked := len(op.unresolvedRefs()) > 0
	q.mu.Unlock()

	if !blocked && q.online.Online(ctx) {
		realID, err := q.attempt(ctx, op, q.retry)
		if err == nil {
			q.logger.Debug("mutation applied immediately", "entity", entity, "kind", kind, "id", realID)
			return realID, nil
		}
		if IsTerminal(err) {
			return "", err
		}
		q.logger.Debug("immediate attempt failed, queuing", "entity", entity, "kind", kind, "error", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[entity] = append(q.queues[entity], op)
	if err := q.persistQueueLocked(entity); err != nil {
		q.queues[entity] = q.queues[entity][:len(q.queues[entity])-1]
		return "", err
	}
	q.logger.Info("operation queued", "entity", entity, "kind", kind, "id", op.ID)
	return op.ID, nil
}

// Pending returns the number of queued operations per entity type.
func (q *Queue) Pending() map[EntityType]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[EntityType]int, len(q.queues))
	for _, entity := range FlushOrder {
		if n := len(q.queues[entity]); n > 0 {
			counts[entity] = n
		}
	}
	return counts
}

// Flush drains the queues in priority order. A flush while one is in
// progress is a no-op that defers to the in-flight flush. Within one
// entity queue, operations replay strictly in enqueue order; requeued
// and skipped operations wait for a later pass.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for _, entity := range FlushOrder {
		if err := q.flushEntity(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) flushEntity(ctx context.Context, entity EntityType) error {
	// One pass processes exactly the operations pending at its start;
	// requeued operations wait for the next flush.
	q.mu.Lock()
	passSize := len(q.queues[entity])
	q.mu.Unlock()

	for i := 0; i < passSize; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		ops := q.queues[entity]
		if len(ops) == 0 {
			q.mu.Unlock()
			return nil
		}
		op := ops[0]
		q.queues[entity] = ops[1:]
		op.rewriteRefs(q.resolveLocked)
		committedID, committed := q.commits[op.Token]
		q.mu.Unlock()

		if committed {
			// The remote create succeeded before a crash; finish the
			// local bookkeeping without re-submitting.
			q.logger.Info("replayed committed operation", "entity", entity, "id", op.ID)
			q.finalize(op, committedID)
			continue
		}

		if len(op.unresolvedRefs()) > 0 {
			// Prerequisite create has not resolved yet; retry on a
			// later flush rather than failing the operation.
			q.logger.Debug("operation blocked on temporary reference", "entity", entity, "id", op.ID)
			q.requeue(entity, op)
			continue
		}

		flushRetry := q.retry
		flushRetry.MaxRetries = 1 // queue-level attempts provide the retry
		realID, err := q.attempt(ctx, op, flushRetry)
		if err != nil {
			if ctx.Err() != nil {
				// A cancelled flush is not a verdict on the operation.
				// Put it back at the head, attempts untouched, and stop
				// the pass; the next flush resumes in order.
				q.requeueFront(entity, op)
				return ctx.Err()
			}
			if !IsRetriable(err) {
				q.drop(op, err)
				continue
			}
			op.Attempts++
			if op.Attempts >= q.maxAttempts {
				q.drop(op, err)
				continue
			}
			q.logger.Debug("replay failed, requeued", "entity", entity, "id", op.ID, "attempts", op.Attempts)
			q.requeue(entity, op)
			continue
		}
		q.finalize(op, realID)
	}
	return nil
}

// attempt submits one operation to the remote collaborator under the
// given retry policy.
func (q *Queue) attempt(ctx context.Context, op QueuedOperation, policy RetryPolicy) (string, error) {
	switch op.Kind {
	case OpCreate:
		return WithRetry(ctx, policy, func(ctx context.Context) (string, error) {
			return q.remote.Create(ctx, op.Entity, op.Token, op.Payload)
		})
	case OpUpdate:
		_, err := WithRetry(ctx, policy, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, q.remote.Update(ctx, op.Entity, op.ID, op.Payload)
		})
		return op.ID, err
	case OpDelete:
		_, err := WithRetry(ctx, policy, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, q.remote.Delete(ctx, op.Entity, op.ID)
		})
		return op.ID, err
	}
	return "", fmt.Errorf("unknown operation kind: %s", op.Kind)
}

// finalize records a successful operation: for creates, the id map and
// commit log are persisted before the operation leaves its durable
// queue, so a crash in between replays the bookkeeping instead of the
// network call. Then the id map rewrite is applied in place to every
// still-queued operation.
func (q *Queue) finalize(op QueuedOperation, realID string) {
	q.mu.Lock()
	if op.Kind == OpCreate {
		q.idMap[op.ID] = realID
		q.commits[op.Token] = realID
		if err := q.persistMapLocked(KeyIDMap, q.idMap); err != nil {
			q.logger.Error("persisting id map failed", "error", err)
		}
		if err := q.persistMapLocked(KeyCommitLog, q.commits); err != nil {
			q.logger.Error("persisting commit log failed", "error", err)
		}
		for entity := range q.queues {
			rewritten := false
			for i := range q.queues[entity] {
				if q.queues[entity][i].rewriteRefs(q.resolveLocked) {
					rewritten = true
				}
			}
			if rewritten {
				if err := q.persistQueueLocked(entity); err != nil {
					q.logger.Error("persisting rewritten queue failed", "entity", entity, "error", err)
				}
			}
		}
	}
	if err := q.persistQueueLocked(op.Entity); err != nil {
		q.logger.Error("persisting queue failed", "entity", op.Entity, "error", err)
	}
	if op.Kind == OpCreate {
		delete(q.commits, op.Token)
		if err := q.persistMapLocked(KeyCommitLog, q.commits); err != nil {
			q.logger.Error("persisting commit log failed", "error", err)
		}
	}
	hooks := append([]func(QueuedOperation, string){}, q.onCommit...)
	q.mu.Unlock()

	q.logger.Info("operation committed", "entity", op.Entity, "kind", op.Kind, "id", realID)
	for _, fn := range hooks {
		fn(op, realID)
	}
}

// requeue returns an operation to the back of its own queue.
func (q *Queue) requeue(entity EntityType, op QueuedOperation) {
	q.mu.Lock()
	q.queues[entity] = append(q.queues[entity], op)
	if err := q.persistQueueLocked(entity); err != nil {
		q.logger.Error("persisting queue failed", "entity", entity, "error", err)
	}
	q.mu.Unlock()
}

// requeueFront restores an operation to the head of its queue so an
// interrupted flush preserves replay order.
func (q *Queue) requeueFront(entity EntityType, op QueuedOperation) {
	q.mu.Lock()
	q.queues[entity] = append([]QueuedOperation{op}, q.queues[entity]...)
	if err := q.persistQueueLocked(entity); err != nil {
		q.logger.Error("persisting queue failed", "entity", entity, "error", err)
	}
	q.mu.Unlock()
}

// drop discards an operation and surfaces the loss through the
// registered callbacks.
func (q *Queue) drop(op QueuedOperation, err error) {
	q.mu.Lock()
	if perr := q.persistQueueLocked(op.Entity); perr != nil {
		q.logger.Error("persisting queue failed", "entity", op.Entity, "error", perr)
	}
	hooks := append([]func(QueuedOperation, error){}, q.onDrop...)
	q.mu.Unlock()

	dropErr := &DropError{Op: op, Err: err}
	q.logger.Error("operation dropped", "entity", op.Entity, "kind", op.Kind, "id", op.ID, "attempts", op.Attempts, "error", err)
	for _, fn := range hooks {
		fn(op, dropErr)
	}
}

// ResolveRef records an externally resolved temporary reference, such
// as an uploaded attachment's final URL, and rewrites every queued
// operation that points at it. Operations blocked on the reference
// become eligible on the next flush.
func (q *Queue) ResolveRef(tempRef, resolved string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.idMap[tempRef] = resolved
	if err := q.persistMapLocked(KeyIDMap, q.idMap); err != nil {
		q.logger.Error("persisting id map failed", "error", err)
	}
	for entity := range q.queues {
		rewritten := false
		for i := range q.queues[entity] {
			if q.queues[entity][i].rewriteRefs(q.resolveLocked) {
				rewritten = true
			}
		}
		if rewritten {
			if err := q.persistQueueLocked(entity); err != nil {
				q.logger.Error("persisting rewritten queue failed", "entity", entity, "error", err)
			}
		}
	}
}

func (q *Queue) resolveLocked(id string) string {
	if real, ok := q.idMap[id]; ok {
		return real
	}
	return id
}

func (q *Queue) persistQueueLocked(entity EntityType) error {
	ops := q.queues[entity]
	if len(ops) == 0 {
		return q.store.Remove(entity.QueueKey())
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encoding %s queue: %w", entity, err)
	}
	return q.store.Set(entity.QueueKey(), string(raw))
}

func (q *Queue) persistMapLocked(key string, m map[string]string) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return q.store.Set(key, string(raw))
}

// load restores queues, the id map, and the commit log from the store.
// Commit entries whose operation is no longer queued are leftovers from
// a crash after dequeue and are discarded.
func (q *Queue) load() error {
	for _, entity := range FlushOrder {
		raw, ok, err := q.store.Get(entity.QueueKey())
		if err != nil {
			return fmt.Errorf("loading %s queue: %w", entity, err)
		}
		if !ok {
			continue
		}
		var ops []QueuedOperation
		if err := json.Unmarshal([]byte(raw), &ops); err != nil {
			return fmt.Errorf("decoding %s queue: %w", entity, err)
		}
		q.queues[entity] = ops
	}

	for _, key := range []string{KeyIDMap, KeyCommitLog} {
		raw, ok, err := q.store.Get(key)
		if err != nil {
			return fmt.Errorf("loading %s: %w", key, err)
		}
		if !ok {
			continue
		}
		dst := q.idMap
		if key == KeyCommitLog {
			dst = q.commits
		}
		if err := json.Unmarshal([]byte(raw), &dst); err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}
	}

	queued := make(map[string]bool)
	for _, ops := range q.queues {
		for _, op := range ops {
			queued[op.Token] = true
		}
	}
	pruned := false
	for token := range q.commits {
		if !queued[token] {
			delete(q.commits, token)
			pruned = true
		}
	}
	if pruned {
		if err := q.persistMapLocked(KeyCommitLog, q.commits); err != nil {
			return err
		}
	}
	return nil
}
