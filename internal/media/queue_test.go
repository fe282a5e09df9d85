package media_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"ripple/internal/media"
	"ripple/internal/ripple"
	"ripple/internal/testutil"
)

// fakeUploader records uploads and fails the first FailTimes calls with
// Err before succeeding.
type fakeUploader struct {
	mu        sync.Mutex
	keys      []string
	failTimes int
	err       error
}

func (u *fakeUploader) Fail(n int, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failTimes = n
	u.err = err
}

func (u *fakeUploader) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failTimes > 0 {
		u.failTimes--
		return "", u.err
	}
	u.keys = append(u.keys, key)
	return "https://cdn.example.com/" + key, nil
}

func (u *fakeUploader) Keys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string{}, u.keys...)
}

type mediaFixture struct {
	queue    *media.Queue
	uploader *fakeUploader
	online   *testutil.StubOnline
	store    ripple.Store
}

func newMediaFixture(t *testing.T, online bool) *mediaFixture {
	t.Helper()
	st := testutil.NewTestStore(t)
	up := &fakeUploader{}
	onlineChecker := testutil.NewStubOnline(online)
	q, err := media.NewQueue(st, up, onlineChecker, media.QueueOptions{
		Clock: testutil.FixedClock(),
		IDs:   testutil.NewStubIDGenerator(),
	})
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	return &mediaFixture{queue: q, uploader: up, online: onlineChecker, store: st}
}

func TestMediaQueue_Enqueue(t *testing.T) {
	f := newMediaFixture(t, false)

	ref, err := f.queue.Enqueue("/tmp/photo.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !ripple.IsTempID(ref) {
		t.Errorf("ref = %q, want temporary reference", ref)
	}
	if f.queue.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", f.queue.Pending())
	}
	if _, ok, _ := f.store.Get(ripple.KeyMediaQueue); !ok {
		t.Error("queue not persisted")
	}
}

func TestMediaQueue_Flush(t *testing.T) {
	ctx := context.Background()

	t.Run("offline flush uploads nothing", func(t *testing.T) {
		f := newMediaFixture(t, false)
		f.queue.Enqueue("/tmp/photo.jpg", "image/jpeg")

		if err := f.queue.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if len(f.uploader.Keys()) != 0 {
			t.Errorf("uploads = %d, want 0 while offline", len(f.uploader.Keys()))
		}
		if f.queue.Pending() != 1 {
			t.Errorf("Pending() = %d, want item retained", f.queue.Pending())
		}
	})

	t.Run("successful upload resolves the reference", func(t *testing.T) {
		f := newMediaFixture(t, true)

		var gotRef, gotURL string
		f.queue.OnResolved(func(ref, url string) { gotRef, gotURL = ref, url })

		ref, _ := f.queue.Enqueue("/tmp/photo.jpg", "image/jpeg")
		if err := f.queue.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}

		if gotRef != ref {
			t.Errorf("resolved ref = %q, want %q", gotRef, ref)
		}
		if gotURL == "" {
			t.Error("resolved url is empty")
		}
		if f.queue.Pending() != 0 {
			t.Errorf("Pending() = %d, want 0", f.queue.Pending())
		}
		if _, ok, _ := f.store.Get(ripple.KeyMediaQueue); ok {
			t.Error("empty queue still persisted")
		}
	})

	t.Run("object key is stable and keeps the extension", func(t *testing.T) {
		f := newMediaFixture(t, true)
		ref, _ := f.queue.Enqueue("/tmp/photo.jpg", "image/jpeg")
		f.queue.Flush(ctx)

		keys := f.uploader.Keys()
		if len(keys) != 1 {
			t.Fatalf("uploads = %d, want 1", len(keys))
		}
		want := strings.TrimPrefix(ref, ripple.TempIDPrefix) + ".jpg"
		if keys[0] != want {
			t.Errorf("key = %q, want %q", keys[0], want)
		}
	})

	t.Run("retriable failure requeues until attempts run out", func(t *testing.T) {
		f := newMediaFixture(t, true)
		f.uploader.Fail(100, ripple.Retriable(ripple.CodeUnavailable, nil))

		var dropped media.Item
		f.queue.OnDrop(func(item media.Item, err error) { dropped = item })

		f.queue.Enqueue("/tmp/photo.jpg", "image/jpeg")

		// One attempt per flush pass.
		f.queue.Flush(ctx)
		f.queue.Flush(ctx)
		if f.queue.Pending() != 1 {
			t.Fatalf("Pending() = %d, want retained before the attempt cap", f.queue.Pending())
		}
		f.queue.Flush(ctx)

		if f.queue.Pending() != 0 {
			t.Errorf("Pending() = %d, want dropped after %d attempts", f.queue.Pending(), ripple.DefaultMaxAttempts)
		}
		if dropped.Attempts != ripple.DefaultMaxAttempts {
			t.Errorf("dropped attempts = %d, want %d", dropped.Attempts, ripple.DefaultMaxAttempts)
		}
	})

	t.Run("terminal failure drops immediately", func(t *testing.T) {
		f := newMediaFixture(t, true)
		f.uploader.Fail(1, ripple.Terminal("invalid-request", nil))

		dropped := 0
		f.queue.OnDrop(func(media.Item, error) { dropped++ })

		f.queue.Enqueue("/tmp/missing.jpg", "image/jpeg")
		f.queue.Flush(ctx)

		if dropped != 1 {
			t.Errorf("drops = %d, want 1", dropped)
		}
		if f.queue.Pending() != 0 {
			t.Errorf("Pending() = %d, want 0", f.queue.Pending())
		}
	})

	t.Run("uploads replay in enqueue order", func(t *testing.T) {
		f := newMediaFixture(t, true)
		f.queue.Enqueue("/tmp/a.jpg", "image/jpeg")
		f.queue.Enqueue("/tmp/b.png", "image/png")
		f.queue.Flush(ctx)

		keys := f.uploader.Keys()
		if len(keys) != 2 {
			t.Fatalf("uploads = %d, want 2", len(keys))
		}
		if !strings.HasSuffix(keys[0], ".jpg") || !strings.HasSuffix(keys[1], ".png") {
			t.Errorf("order = %v, want enqueue order", keys)
		}
	})
}

func TestMediaQueue_RestartRestoresPending(t *testing.T) {
	st := testutil.NewTestStore(t)
	up := &fakeUploader{}
	online := testutil.NewStubOnline(false)

	q, err := media.NewQueue(st, up, online, media.QueueOptions{IDs: testutil.NewStubIDGenerator()})
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	q.Enqueue("/tmp/photo.jpg", "image/jpeg")

	q2, err := media.NewQueue(st, up, online, media.QueueOptions{IDs: testutil.NewStubIDGenerator()})
	if err != nil {
		t.Fatalf("NewQueue() after restart error = %v", err)
	}
	if q2.Pending() != 1 {
		t.Errorf("Pending() = %d, want restored item", q2.Pending())
	}
}

// cancellingUploader cancels the flush context from inside the upload,
// the way a shutdown interrupts an in-flight transfer.
type cancellingUploader struct {
	cancel context.CancelFunc
}

func (u *cancellingUploader) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	u.cancel()
	return "", ctx.Err()
}

func TestMediaQueue_FlushCancelledMidUploadKeepsItem(t *testing.T) {
	st := testutil.NewTestStore(t)
	up := &cancellingUploader{}
	q, err := media.NewQueue(st, up, testutil.NewStubOnline(true), media.QueueOptions{
		IDs: testutil.NewStubIDGenerator(),
	})
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}

	drops := 0
	q.OnDrop(func(media.Item, error) { drops++ })

	if _, err := q.Enqueue("/tmp/photo.jpg", "image/jpeg"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	up.cancel = cancel

	if err := q.Flush(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Flush() error = %v, want context.Canceled", err)
	}
	if drops != 0 {
		t.Errorf("drops = %d, want 0 on cancellation", drops)
	}
	if q.Pending() != 1 {
		t.Errorf("Pending() = %d, want the upload retained", q.Pending())
	}
}
