package media

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ripple/internal/ripple"
)

// Item is one pending attachment upload. Ref is the temporary
// reference handed to the caller at enqueue time; payloads carrying it
// stay blocked in the offline write queue until the upload resolves it
// to a real URL.
type Item struct {
	Ref         string    `json:"ref"`
	LocalPath   string    `json:"localPath"`
	ContentType string    `json:"contentType,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	Attempts    int       `json:"attempts"`
}

// QueueOptions configures a media Queue. Zero fields fall back to
// defaults.
type QueueOptions struct {
	MaxAttempts int
	Clock       ripple.Clock
	IDs         ripple.IDGenerator
	Logger      ripple.Logger
}

// Queue is the durable attachment upload queue. It mirrors the offline
// write queue's lifecycle: FIFO replay, a bounded attempt count, and a
// drop callback for user-visible data loss.
type Queue struct {
	store       ripple.Store
	uploader    Uploader
	online      ripple.OnlineChecker
	clock       ripple.Clock
	ids         ripple.IDGenerator
	logger      ripple.Logger
	maxAttempts int

	mu         sync.Mutex
	items      []Item
	flushing   bool
	onResolved []func(ref, url string)
	onDrop     []func(item Item, err error)
}

// NewQueue loads any persisted upload queue so a restart resumes
// pending uploads.
func NewQueue(store ripple.Store, uploader Uploader, online ripple.OnlineChecker, opts QueueOptions) (*Queue, error) {
	q := &Queue{
		store:       store,
		uploader:    uploader,
		online:      online,
		clock:       opts.Clock,
		ids:         opts.IDs,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
	}
	if q.clock == nil {
		q.clock = ripple.RealClock{}
	}
	if q.ids == nil {
		q.ids = ripple.UUIDGenerator{}
	}
	if q.logger == nil {
		q.logger = ripple.NewNopLogger()
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = ripple.DefaultMaxAttempts
	}

	raw, ok, err := store.Get(ripple.KeyMediaQueue)
	if err != nil {
		return nil, fmt.Errorf("loading media queue: %w", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &q.items); err != nil {
			return nil, fmt.Errorf("decoding media queue: %w", err)
		}
	}
	return q, nil
}

// OnResolved registers fn to run when an upload finishes. The offline
// write queue's ResolveRef is the expected subscriber.
func (q *Queue) OnResolved(fn func(ref, url string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onResolved = append(q.onResolved, fn)
}

// OnDrop registers fn to run when an upload is abandoned.
func (q *Queue) OnDrop(fn func(item Item, err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = append(q.onDrop, fn)
}

// Enqueue records a pending upload and returns its temporary reference,
// suitable for attachment fields of queued mutations.
func (q *Queue) Enqueue(localPath, contentType string) (string, error) {
	item := Item{
		Ref:         ripple.TempIDPrefix + "media_" + q.ids.New(),
		LocalPath:   localPath,
		ContentType: contentType,
		EnqueuedAt:  q.clock.Now(),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	if err := q.persistLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return "", err
	}
	q.logger.Info("attachment queued", "ref", item.Ref, "path", localPath)
	return item.Ref, nil
}

// Pending returns the number of queued uploads.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush uploads pending attachments in enqueue order. A flush while one
// is in progress is a no-op.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	passSize := len(q.items)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for i := 0; i < passSize; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !q.online.Online(ctx) {
			return nil
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		url, err := q.uploader.Upload(ctx, item.LocalPath, q.objectKey(item), item.ContentType)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation mid-upload keeps the item, attempts
				// untouched, at the head for the next flush.
				q.requeueFront(item)
				return ctx.Err()
			}
			if !ripple.IsRetriable(err) {
				q.drop(item, err)
				continue
			}
			item.Attempts++
			if item.Attempts >= q.maxAttempts {
				q.drop(item, err)
				continue
			}
			q.logger.Debug("upload failed, requeued", "ref", item.Ref, "attempts", item.Attempts)
			q.requeue(item)
			continue
		}
		q.resolve(item, url)
	}
	return nil
}

// objectKey derives a stable storage key from the item's reference so a
// replayed upload overwrites rather than duplicates.
func (q *Queue) objectKey(item Item) string {
	return strings.TrimPrefix(item.Ref, ripple.TempIDPrefix) + filepath.Ext(item.LocalPath)
}

func (q *Queue) resolve(item Item, url string) {
	q.mu.Lock()
	if err := q.persistLocked(); err != nil {
		q.logger.Error("persisting media queue failed", "error", err)
	}
	hooks := append([]func(string, string){}, q.onResolved...)
	q.mu.Unlock()

	q.logger.Info("attachment uploaded", "ref", item.Ref, "url", url)
	for _, fn := range hooks {
		fn(item.Ref, url)
	}
}

func (q *Queue) requeue(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	if err := q.persistLocked(); err != nil {
		q.logger.Error("persisting media queue failed", "error", err)
	}
	q.mu.Unlock()
}

func (q *Queue) requeueFront(item Item) {
	q.mu.Lock()
	q.items = append([]Item{item}, q.items...)
	if err := q.persistLocked(); err != nil {
		q.logger.Error("persisting media queue failed", "error", err)
	}
	q.mu.Unlock()
}

func (q *Queue) drop(item Item, err error) {
	q.mu.Lock()
	if perr := q.persistLocked(); perr != nil {
		q.logger.Error("persisting media queue failed", "error", perr)
	}
	hooks := append([]func(Item, error){}, q.onDrop...)
	q.mu.Unlock()

	q.logger.Error("attachment dropped", "ref", item.Ref, "attempts", item.Attempts, "error", err)
	for _, fn := range hooks {
		fn(item, err)
	}
}

func (q *Queue) persistLocked() error {
	if len(q.items) == 0 {
		return q.store.Remove(ripple.KeyMediaQueue)
	}
	raw, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("encoding media queue: %w", err)
	}
	return q.store.Set(ripple.KeyMediaQueue, string(raw))
}
