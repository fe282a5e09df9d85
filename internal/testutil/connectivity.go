package testutil

import (
	"context"
	"sync"

	"ripple/internal/ripple"
)

// StubOnline is a fixed OnlineChecker.
type StubOnline struct {
	mu     sync.Mutex
	online bool
}

var _ ripple.OnlineChecker = (*StubOnline)(nil)

func NewStubOnline(online bool) *StubOnline {
	return &StubOnline{online: online}
}

func (s *StubOnline) Online(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *StubOnline) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

// FakeLinkSource is a scriptable link-layer signal. Emit pushes a state
// change event; Fetch returns the last emitted (or initial) state.
type FakeLinkSource struct {
	mu    sync.Mutex
	state ripple.ConnectivityState
	ch    chan ripple.ConnectivityState
}

var _ ripple.LinkStatusSource = (*FakeLinkSource)(nil)

func NewFakeLinkSource(initial ripple.ConnectivityState) *FakeLinkSource {
	return &FakeLinkSource{
		state: initial,
		ch:    make(chan ripple.ConnectivityState, 16),
	}
}

func (s *FakeLinkSource) Fetch(context.Context) (ripple.ConnectivityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *FakeLinkSource) Changes() <-chan ripple.ConnectivityState { return s.ch }

// Emit sets the current state and delivers it as a change event.
func (s *FakeLinkSource) Emit(state ripple.ConnectivityState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.ch <- state
}

// StubProber answers probes with a scripted error (nil means reachable)
// and counts invocations.
type StubProber struct {
	mu     sync.Mutex
	Err    error
	Probes int
}

var _ ripple.Prober = (*StubProber)(nil)

func (p *StubProber) Probe(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Probes++
	return p.Err
}

func (p *StubProber) ProbeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Probes
}

// Reachable returns a pointer to b, for ConnectivityState literals.
func Reachable(b bool) *bool { return &b }
