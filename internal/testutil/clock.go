package testutil

import (
	"fmt"
	"sync"
	"time"
)

// StubClock is a hand-advanced clock. Queue timestamps, typing-state
// freshness and cache expiry all read from it, so tests control time
// instead of sleeping through it.
type StubClock struct {
	mu sync.Mutex
	at time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{at: t}
}

// FixedClock returns a StubClock pinned to 2025-03-09 08:45:00 UTC, the
// arbitrary instant shared by the sync fixtures.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2025, 3, 9, 8, 45, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

// Advance moves the clock forward by d. Negative durations are allowed
// for tests that need an entry predating the fixture instant.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

// StubIDGenerator hands out sequential ids ("id-1", "id-2", ...) so
// temporary ids and idempotency tokens are predictable in assertions.
type StubIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("id-%d", g.counter)
}
