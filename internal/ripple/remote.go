package ripple

import (
	"context"
	"encoding/json"
)

// Filter is a field-equality query filter.
type Filter map[string]string

// Remote is the remote data collaborator: the generic create / update /
// delete / query surface the sync layer rides on. Implementations must
// tolerate update/delete calls that use a real id the caller once knew
// only as a temporary id, and should treat a repeated create carrying
// the same idempotency token as the original submission.
type Remote interface {
	// Create stores a new entity and returns its server-assigned id.
	// token is the caller's idempotency key for duplicate detection.
	Create(ctx context.Context, entity EntityType, token string, payload Payload) (string, error)

	// Update replaces fields of an existing entity.
	Update(ctx context.Context, entity EntityType, id string, payload Payload) error

	// Delete removes an entity.
	Delete(ctx context.Context, entity EntityType, id string) error

	// Query returns entity documents matching the filter.
	Query(ctx context.Context, entity EntityType, filter Filter) ([]json.RawMessage, error)
}

// StreamEvent is one live update from the remote collaborator's stream.
// Snapshots are complete: Messages carries the full ordered message list
// for the listened conversation, Conversations the full conversation
// list for the listened user. Err reports a stream failure; the channel
// stays open for retriable failures and closes after terminal ones.
type StreamEvent struct {
	Messages      []Message
	Conversations []Conversation
	Err           error
}

// Stream is the live-update surface of the remote collaborator.
// The returned channel closes when ctx is cancelled or the stream is
// torn down after a terminal error.
type Stream interface {
	ListenMessages(ctx context.Context, conversationID string) (<-chan StreamEvent, error)
	ListenConversations(ctx context.Context, userID string) (<-chan StreamEvent, error)
}
