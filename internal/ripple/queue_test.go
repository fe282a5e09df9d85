package ripple_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ripple/internal/ripple"
	"ripple/internal/testutil"
)

func newTestQueue(t *testing.T, st ripple.Store, rem ripple.Remote, online ripple.OnlineChecker) *ripple.Queue {
	t.Helper()
	q, err := ripple.NewQueue(st, rem, online, ripple.QueueOptions{
		Retry: ripple.RetryPolicy{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Factor:       2,
		},
		Clock: testutil.FixedClock(),
		IDs:   testutil.NewStubIDGenerator(),
	})
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	return q
}

func TestQueue_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("offline create returns temp id and persists", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		rem := testutil.NewFakeRemote()
		q := newTestQueue(t, st, rem, testutil.NewStubOnline(false))

		id, err := q.Enqueue(ctx, ripple.EntityPost, ripple.OpCreate, "", &ripple.PostPayload{AuthorID: "u1", Body: "hello"})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if !ripple.IsTempID(id) {
			t.Errorf("id = %q, want a temporary id", id)
		}
		if rem.CallCount("Create") != 0 {
			t.Errorf("remote Create calls = %d, want 0 while offline", rem.CallCount("Create"))
		}
		if got := q.Pending()[ripple.EntityPost]; got != 1 {
			t.Errorf("pending posts = %d, want 1", got)
		}
		if _, ok, _ := st.Get(ripple.EntityPost.QueueKey()); !ok {
			t.Error("queue not persisted to store")
		}
	})

	t.Run("online create applies immediately", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		rem := testutil.NewFakeRemote()
		q := newTestQueue(t, st, rem, testutil.NewStubOnline(true))

		id, err := q.Enqueue(ctx, ripple.EntityPost, ripple.OpCreate, "", &ripple.PostPayload{AuthorID: "u1", Body: "hello"})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if id != "srv-1" {
			t.Errorf("id = %q, want %q", id, "srv-1")
		}
		if len(q.Pending()) != 0 {
			t.Errorf("pending = %v, want empty", q.Pending())
		}
		if _, ok, _ := st.Get(ripple.EntityPost.QueueKey()); ok {
			t.Error("durable queue written for an immediately applied mutation")
		}
	})

	t.Run("online retriable failure falls back to the queue", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		rem := testutil.NewFakeRemote()
		rem.Fail(10, ripple.Retriable(ripple.CodeUnavailable, fmt.Errorf("503")))
		q := newTestQueue(t, st, rem, testutil.NewStubOnline(true))

		id, err := q.Enqueue(ctx, ripple.EntityPost, ripple.OpCreate, "", &ripple.PostPayload{AuthorID: "u1", Body: "hello"})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if !ripple.IsTempID(id) {
			t.Errorf("id = %q, want a temporary id after fallback", id)
		}
		if got := q.Pending()[ripple.EntityPost]; got != 1 {
			t.Errorf("pending posts = %d, want 1", got)
		}
	})

	t.Run("online terminal failure propagates without queuing", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		rem := testutil.NewFakeRemote()
		rem.Fail(1, ripple.Terminal("invalid-request", fmt.Errorf("body too long")))
		q := newTestQueue(t, st, rem, testutil.NewStubOnline(true))

		_, err := q.Enqueue(ctx, ripple.EntityPost, ripple.OpCreate, "", &ripple.PostPayload{AuthorID: "u1", Body: "hello"})
		if err == nil {
			t.Fatal("expected terminal error")
		}
		if len(q.Pending()) != 0 {
			t.Errorf("pending = %v, want empty after terminal failure", q.Pending())
		}
	})

	t.Run("update requires an id", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		q := newTestQueue(t, st, testutil.NewFakeRemote(), testutil.NewStubOnline(false))

		if _, err := q.Enqueue(ctx, ripple.EntityPost, ripple.OpUpdate, "", &ripple.PostPayload{}); err == nil {
			t.Fatal("expected error for update without id")
		}
	})

	t.Run("payload entity must match", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		q := newTestQueue(t, st, testutil.NewFakeRemote(), testutil.NewStubOnline(false))

		if _, err := q.Enqueue(ctx, ripple.EntityPost, ripple.OpCreate, "", &ripple.CommentPayload{}); err == nil {
			t.Fatal("expected error for mismatched payload entity")
		}
	})
}

func TestQueue_Flush(t *testing.T) {
	ctx := context.Background()

	t.Run("rewrites temporary references across queues", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		rem := testutil.NewFakeRemote()
		online := testutil.NewStubOnline(false)
		q := newTestQueue(t, st, rem, online)

		postID, _ := q.Enqueue(ctx, ripple.EntityPost, ripple.OpCreate, "", &ripple.PostPayload{AuthorID: "u1", Body: "original"})
		if _, err := q.Enqueue(ctx, ripple.EntityPost, ripple.OpUpdate, postID, &ripple.PostPayload{AuthorID: "u1", Body: "edited"}); err != nil {
			t.Fatalf("Enqueue(update) error = %v", err)
		}
		if _, err := q.Enqueue(ctx, ripple.EntityComment, ripple.OpCreate, "", &ripple.CommentPayload{PostID: postID, AuthorID: "u2", Body: "nice"}); err != nil {
			t.Fatalf("Enqueue(comment) error = %v", err)
		}
		if _, err := q.Enqueue(ctx, ripple.EntityLike, ripple.OpCreate, "", &ripple.LikePayload{PostID: postID, UserID: "u2"}); err != nil {
			t.Fatalf("Enqueue(like) error = %v", err)
		}

		online.Set(true)
		if err := q.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}

		if len(q.Pending()) != 0 {
			t.Fatalf("pending = %v, want empty", q.Pending())
		}

		// Post creates first, then the update against the real id.
		wantOrder := []string{"Create", "Update", "Create", "Create"}
		if len(rem.Calls) != len(wantOrder) {
			t.Fatalf("remote calls = %d, want %d", len(rem.Calls), len(wantOrder))
		}
		for i, want := range wantOrder {
			if rem.Calls[i].Method != want {
				t.Errorf("call %d = %s, want %s", i, rem.Calls[i].Method, want)
			}
		}
		if rem.Calls[1].ID != "srv-1" {
			t.Errorf("update target = %q, want %q", rem.Calls[1].ID, "srv-1")
		}

		comment, ok := rem.CreatedPayload("srv-2")
		if !ok {
			t.Fatal("comment create not recorded")
		}
		if got := comment.(*ripple.CommentPayload).PostID; got != "srv-1" {
			t.Errorf("comment PostID = %q, want rewritten %q", got, "srv-1")
		}
		like, ok := rem.CreatedPayload("srv-3")
		if !ok {
			t.Fatal("like create not recorded")
		}
		if got := like.(*ripple.LikePayload).PostID; got != "srv-1" {
			t.Errorf("like PostID = %q, want rewritten %q", got, "srv-1")
		}
	})

	t.Run("replays in enqueue order within one entity", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		rem := testutil.NewFakeRemote()
		online := testutil.NewStubOnline(false)
		q := newTestQueue(t, st, rem, online)

		for _, body := range []string{"first", "second", "third"} {
			if _, err := q.Enqueue(ctx, ripple.EntityPost, ripple.OpCreate, "", &ripple.PostPayload{AuthorID: "u1", Body: body}); err != nil {
				t.Fatalf("Enqueue(%s) error = %v", body, err)
			}
		}

		online.Set(true)
		if err := q.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}

		for i, wantBody := range []string{"first", "second", "third"} {
			payload, ok := rem.CreatedPayload(fmt.Sprintf("srv-%d", i+1))
			if !ok {
				t.Fatalf("create %d not recorded", i+1)
			}
			if got := payload.(*ripple.PostPayload).Body; got != wantBody {
				t.Errorf("create %d body = %q, want %q", i+1, got, wantBody)
			}
		}
	})

	t.Run("operation blocked on an unresolved reference is requeued", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		rem := testutil.NewFakeRemote()
		online := testutil.NewStubOnline(false)
		q := newTestQueue(t, st, rem, online)

		if _, err := q.Enqueue(ctx, ripple.EntityComment, ripple.OpCreate, "", &ripple.CommentPayload{PostID: "temp_unknown", AuthorID: "u2", Body: "?"}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}

		online.Set(true)
		if err := q.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}

		if rem.CallCount("Create") != 0 {
			t.Errorf("remote Create calls = %d, want 0 for blocked op", rem.CallCount("Create"))
		}
		if got := q.Pending()[ripple.EntityComment]; got != 1 {
			t.Errorf("pending comments = %d, want 1", got)
		}
	})

	t.Run("drops after the attempt budget and surfaces the loss", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		rem := testutil.NewFakeRemote()
		rem.Fail(100, ripple.Retriable(ripple.CodeUnavailable, fmt.Errorf("down")))
		online := testutil.NewStubOnline(false)
		q := newTestQueue(t, st, rem, online)

		var dropped []error
		q.OnDrop(func(op ripple.QueuedOperation, err error) {
			dropped = append(dropped, err)
		})

		if _, err := q.Enqueue(ctx, ripple.EntityPost, ripple.OpCreate, "", &ripple.PostPayload{AuthorID: "u1", Body: "doomed"}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}

		online.Set(true)
		for i := 0; i < 3; i++ {
			if err := q.Flush(ctx); err != nil {
				t.Fatalf("Flush() %d error = %v", i, err)
			}
		}

		if len(dropped) != 1 {
			t.Fatalf("drops = %d, want 1", len(dropped))
		}
		var dropErr *ripple.DropError
		if !errors.As(dropped[0], &dropErr) {
			t.Fatalf("drop error type = %T, want *DropError", dropped[0])
		}
		if dropErr.Op.Attempts != 3 {
			t.Errorf("dropped op attempts = %d, want 3", dropErr.Op.Attempts)
		}
		if len(q.Pending()) != 0 {
			t.Errorf("pending = %v, want empty after drop", q.Pending())
		}
	})

	t.Run("terminal failure drops without burning the budget", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		rem := testutil.NewFakeRemote()
		rem.Fail(1, ripple.Terminal("permission-denied", fmt.Errorf("403")))
		online := testutil.NewStubOnline(false)
		q := newTestQueue(t, st, rem, online)

		var dropped int
		q.OnDrop(func(ripple.QueuedOperation, error) { dropped++ })

		if _, err := q.Enqueue(ctx, ripple.EntityPost, ripple.OpCreate, "", &ripple.PostPayload{AuthorID: "u1"}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}

		online.Set(true)
		if err := q.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if dropped != 1 {
			t.Errorf("drops = %d, want 1", dropped)
		}
	})

	t.Run("restart restores pending operations", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		rem := testutil.NewFakeRemote()
		online := testutil.NewStubOnline(false)
		q := newTestQueue(t, st, rem, online)

		if _, err := q.Enqueue(ctx, ripple.EntityPost, ripple.OpCreate, "", &ripple.PostPayload{AuthorID: "u1", Body: "persisted"}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}

		online.Set(true)
		q2 := newTestQueue(t, st, rem, online)
		if got := q2.Pending()[ripple.EntityPost]; got != 1 {
			t.Fatalf("pending posts after restart = %d, want 1", got)
		}
		if err := q2.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		payload, ok := rem.CreatedPayload("srv-1")
		if !ok {
			t.Fatal("create not recorded after restart")
		}
		if got := payload.(*ripple.PostPayload).Body; got != "persisted" {
			t.Errorf("body = %q, want %q", got, "persisted")
		}
	})

	t.Run("committed create is not resubmitted after a crash", func(t *testing.T) {
		st := testutil.NewTestStore(t)

		// Simulate the durable state left by a crash between the remote
		// create succeeding and the operation leaving its queue.
		op := ripple.QueuedOperation{
			ID:         "temp_crashed",
			Token:      "temp_crashed",
			Entity:     ripple.EntityPost,
			Kind:       ripple.OpCreate,
			Payload:    &ripple.PostPayload{AuthorID: "u1", Body: "already created"},
			EnqueuedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		}
		queueRaw, err := json.Marshal([]ripple.QueuedOperation{op})
		if err != nil {
			t.Fatalf("marshal queue: %v", err)
		}
		if err := st.Set(ripple.EntityPost.QueueKey(), string(queueRaw)); err != nil {
			t.Fatalf("seed queue: %v", err)
		}
		if err := st.Set(ripple.KeyCommitLog, `{"temp_crashed":"srv-9"}`); err != nil {
			t.Fatalf("seed commit log: %v", err)
		}

		rem := testutil.NewFakeRemote()
		q := newTestQueue(t, st, rem, testutil.NewStubOnline(true))

		var committedID string
		q.OnCommit(func(_ ripple.QueuedOperation, realID string) {
			committedID = realID
		})

		if err := q.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if rem.CallCount("Create") != 0 {
			t.Errorf("remote Create calls = %d, want 0 for committed replay", rem.CallCount("Create"))
		}
		if committedID != "srv-9" {
			t.Errorf("committed id = %q, want %q", committedID, "srv-9")
		}
		if len(q.Pending()) != 0 {
			t.Errorf("pending = %v, want empty", q.Pending())
		}
	})

	t.Run("resolved attachment reference unblocks the operation", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		rem := testutil.NewFakeRemote()
		online := testutil.NewStubOnline(false)
		q := newTestQueue(t, st, rem, online)

		if _, err := q.Enqueue(ctx, ripple.EntityPost, ripple.OpCreate, "", &ripple.PostPayload{
			AuthorID:      "u1",
			Body:          "with photo",
			AttachmentRef: "temp_media_1",
		}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}

		online.Set(true)
		if err := q.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if rem.CallCount("Create") != 0 {
			t.Fatal("blocked create submitted before attachment resolved")
		}

		q.ResolveRef("temp_media_1", "https://cdn.example.com/a.jpg")
		if err := q.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}

		payload, ok := rem.CreatedPayload("srv-1")
		if !ok {
			t.Fatal("create not recorded after resolution")
		}
		if got := payload.(*ripple.PostPayload).AttachmentRef; got != "https://cdn.example.com/a.jpg" {
			t.Errorf("AttachmentRef = %q, want resolved URL", got)
		}
	})

	t.Run("commit hook reports the real id", func(t *testing.T) {
		st := testutil.NewTestStore(t)
		rem := testutil.NewFakeRemote()
		online := testutil.NewStubOnline(false)
		q := newTestQueue(t, st, rem, online)

		var tempID, realID string
		q.OnCommit(func(op ripple.QueuedOperation, id string) {
			tempID, realID = op.ID, id
		})

		id, err := q.Enqueue(ctx, ripple.EntityMessage, ripple.OpCreate, "", &ripple.MessagePayload{
			ConversationID: "c1", SenderID: "u1", RecipientID: "u2", Body: "hey",
		})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}

		online.Set(true)
		if err := q.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if tempID != id {
			t.Errorf("commit hook op id = %q, want %q", tempID, id)
		}
		if realID != "srv-1" {
			t.Errorf("commit hook real id = %q, want %q", realID, "srv-1")
		}
	})
}

// cancellingRemote cancels the flush context from inside the attempt,
// the way a shutdown interrupts an in-flight request.
type cancellingRemote struct {
	*testutil.FakeRemote
	cancel context.CancelFunc
}

func (r *cancellingRemote) Create(ctx context.Context, entity ripple.EntityType, token string, payload ripple.Payload) (string, error) {
	r.cancel()
	return "", ctx.Err()
}

func TestQueue_Flush_CancelledMidAttemptKeepsOperation(t *testing.T) {
	st := testutil.NewTestStore(t)
	online := testutil.NewStubOnline(false)
	rem := &cancellingRemote{FakeRemote: testutil.NewFakeRemote()}
	q := newTestQueue(t, st, rem, online)

	drops := 0
	q.OnDrop(func(ripple.QueuedOperation, error) { drops++ })

	if _, err := q.Enqueue(context.Background(), ripple.EntityPost, ripple.OpCreate, "", &ripple.PostPayload{AuthorID: "u1", Body: "interrupted"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	online.Set(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rem.cancel = cancel

	err := q.Flush(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Flush() error = %v, want context.Canceled", err)
	}
	if drops != 0 {
		t.Errorf("drops = %d, want 0 on cancellation", drops)
	}
	if got := q.Pending()[ripple.EntityPost]; got != 1 {
		t.Errorf("pending posts = %d, want the operation retained", got)
	}

	// Attempts stay untouched so cancellation cannot burn the budget.
	raw, ok, err := st.Get(ripple.EntityPost.QueueKey())
	if err != nil || !ok {
		t.Fatalf("persisted queue = ok=%v err=%v, want present", ok, err)
	}
	var ops []ripple.QueuedOperation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		t.Fatalf("decoding persisted queue: %v", err)
	}
	if len(ops) != 1 || ops[0].Attempts != 0 {
		t.Fatalf("persisted ops = %+v, want one op with 0 attempts", ops)
	}

	// A fresh start over the same store replays the operation cleanly.
	rem2 := testutil.NewFakeRemote()
	q2 := newTestQueue(t, st, rem2, online)
	if err := q2.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() after restart error = %v", err)
	}
	if got := rem2.CallCount("Create"); got != 1 {
		t.Errorf("creates after restart = %d, want 1", got)
	}
	if len(q2.Pending()) != 0 {
		t.Errorf("Pending() = %v, want drained", q2.Pending())
	}
}

// blockingRemote parks each create until released so a flush can be
// held in flight.
type blockingRemote struct {
	*testutil.FakeRemote
	mu      sync.Mutex
	starts  int
	started chan struct{}
	release chan struct{}
}

func (r *blockingRemote) Create(ctx context.Context, entity ripple.EntityType, token string, payload ripple.Payload) (string, error) {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
	r.started <- struct{}{}
	<-r.release
	return r.FakeRemote.Create(ctx, entity, token, payload)
}

func (r *blockingRemote) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func TestQueue_Flush_SingleFlight(t *testing.T) {
	st := testutil.NewTestStore(t)
	online := testutil.NewStubOnline(false)
	rem := &blockingRemote{
		FakeRemote: testutil.NewFakeRemote(),
		started:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	q := newTestQueue(t, st, rem, online)

	if _, err := q.Enqueue(context.Background(), ripple.EntityPost, ripple.OpCreate, "", &ripple.PostPayload{AuthorID: "u1", Body: "once"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	online.Set(true)

	done := make(chan error, 1)
	go func() { done <- q.Flush(context.Background()) }()

	select {
	case <-rem.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first flush never reached the remote")
	}

	// Second flush while the first is in flight: a no-op.
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("concurrent Flush() error = %v", err)
	}
	if got := rem.Starts(); got != 1 {
		t.Errorf("remote attempts = %d, want no duplicate from the second flush", got)
	}

	close(rem.release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first flush did not finish")
	}

	if got := rem.CallCount("Create"); got != 1 {
		t.Errorf("creates = %d, want 1", got)
	}
	if len(q.Pending()) != 0 {
		t.Errorf("Pending() = %v, want drained", q.Pending())
	}
}
