package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"ripple/internal/ripple"
)

// RemoteCall records one invocation on the fake remote.
type RemoteCall struct {
	Method string
	Entity ripple.EntityType
	ID     string // target id for updates/deletes, token for creates
}

// FakeRemote is a scriptable remote collaborator. By default every call
// succeeds; set FailuresRemaining and Err to make the next N mutating
// calls fail. Creates honor idempotency tokens and assign sequential
// server ids ("srv-1", "srv-2", ...).
type FakeRemote struct {
	mu                sync.Mutex
	FailuresRemaining int
	Err               error
	Calls             []RemoteCall
	QueryDocs         map[ripple.EntityType][]json.RawMessage

	counter int
	tokens  map[string]string
	payloads map[string]ripple.Payload
}

var _ ripple.Remote = (*FakeRemote)(nil)

func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		tokens:   make(map[string]string),
		payloads: make(map[string]ripple.Payload),
	}
}

// Fail scripts the next n mutating calls to fail with err.
func (r *FakeRemote) Fail(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FailuresRemaining = n
	r.Err = err
}

// CallCount returns the number of calls with the given method name.
func (r *FakeRemote) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// CreatedPayload returns the payload submitted with the create that
// produced the given server id.
func (r *FakeRemote) CreatedPayload(id string) (ripple.Payload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payloads[id]
	return p, ok
}

func (r *FakeRemote) failLocked() error {
	if r.FailuresRemaining > 0 {
		r.FailuresRemaining--
		if r.Err != nil {
			return r.Err
		}
		return ripple.Retriable(ripple.CodeUnavailable, fmt.Errorf("scripted failure"))
	}
	return nil
}

func (r *FakeRemote) Create(_ context.Context, entity ripple.EntityType, token string, payload ripple.Payload) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, RemoteCall{Method: "Create", Entity: entity, ID: token})
	if err := r.failLocked(); err != nil {
		return "", err
	}
	if id, ok := r.tokens[token]; ok {
		return id, nil
	}
	r.counter++
	id := fmt.Sprintf("srv-%d", r.counter)
	r.tokens[token] = id
	r.payloads[id] = payload
	return id, nil
}

func (r *FakeRemote) Update(_ context.Context, entity ripple.EntityType, id string, payload ripple.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, RemoteCall{Method: "Update", Entity: entity, ID: id})
	return r.failLocked()
}

func (r *FakeRemote) Delete(_ context.Context, entity ripple.EntityType, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, RemoteCall{Method: "Delete", Entity: entity, ID: id})
	return r.failLocked()
}

func (r *FakeRemote) Query(_ context.Context, entity ripple.EntityType, _ ripple.Filter) ([]json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, RemoteCall{Method: "Query", Entity: entity})
	if err := r.failLocked(); err != nil {
		return nil, err
	}
	return r.QueryDocs[entity], nil
}

// FakeStream hands out caller-owned channels so tests can push stream
// events directly.
type FakeStream struct {
	MsgCh  chan ripple.StreamEvent
	ConvCh chan ripple.StreamEvent
}

var _ ripple.Stream = (*FakeStream)(nil)

func NewFakeStream() *FakeStream {
	return &FakeStream{
		MsgCh:  make(chan ripple.StreamEvent, 16),
		ConvCh: make(chan ripple.StreamEvent, 16),
	}
}

func (s *FakeStream) ListenMessages(context.Context, string) (<-chan ripple.StreamEvent, error) {
	return s.MsgCh, nil
}

func (s *FakeStream) ListenConversations(context.Context, string) (<-chan ripple.StreamEvent, error) {
	return s.ConvCh, nil
}
