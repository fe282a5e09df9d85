package testutil

import (
	"testing"

	"ripple/internal/ripple"
	"ripple/internal/store"
)

// NewTestStore creates an in-memory store for a test.
func NewTestStore(t *testing.T) ripple.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}
