package ripple

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies the kind of entity a queued mutation targets.
type EntityType string

const (
	EntityPost    EntityType = "post"
	EntityComment EntityType = "comment"
	EntityLike    EntityType = "like"
	EntityProfile EntityType = "profile"
	EntityMessage EntityType = "message"

	// EntityConversation is queryable and updatable at the remote
	// collaborator but never queued; conversation state is derived
	// server-side from message traffic.
	EntityConversation EntityType = "conversation"
)

// FlushOrder is the fixed priority in which per-entity queues drain.
// Posts replay before comments and likes so that reference rewrites
// resolve before dependents are attempted.
var FlushOrder = []EntityType{EntityPost, EntityComment, EntityLike, EntityProfile, EntityMessage}

// QueueKey returns the durable store key holding this entity's queue.
func (e EntityType) QueueKey() string { return "offline_queue_" + string(e) + "s" }

// OperationKind is the mutation type of a queued operation.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Payload is the tagged union of entity documents carried by queued
// operations. Each variant has a concrete schema so operation handling
// is exhaustive at compile time.
type Payload interface {
	Entity() EntityType

	// refs returns pointers to every foreign-key-like field so a single
	// rewrite pass can swap temporary ids (and unresolved attachment
	// refs) for their resolved values.
	refs() []*string
}

// PostPayload is a feed post document.
type PostPayload struct {
	AuthorID      string `json:"authorId"`
	Body          string `json:"body"`
	AttachmentRef string `json:"attachmentRef,omitempty"`
}

func (*PostPayload) Entity() EntityType { return EntityPost }
func (p *PostPayload) refs() []*string  { return []*string{&p.AttachmentRef} }

// CommentPayload is a comment on a post.
type CommentPayload struct {
	PostID   string `json:"postId"`
	AuthorID string `json:"authorId"`
	Body     string `json:"body"`
}

func (*CommentPayload) Entity() EntityType { return EntityComment }
func (p *CommentPayload) refs() []*string  { return []*string{&p.PostID} }

// LikePayload records a user liking a post.
type LikePayload struct {
	PostID string `json:"postId"`
	UserID string `json:"userId"`
}

func (*LikePayload) Entity() EntityType { return EntityLike }
func (p *LikePayload) refs() []*string  { return []*string{&p.PostID} }

// ProfilePayload is a user profile document.
type ProfilePayload struct {
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

func (*ProfilePayload) Entity() EntityType { return EntityProfile }
func (p *ProfilePayload) refs() []*string  { return []*string{&p.AvatarRef} }

// MessagePayload is a chat message document.
type MessagePayload struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	Body           string    `json:"body"`
	AttachmentRef  string    `json:"attachmentRef,omitempty"`
	Read           bool      `json:"read"`
	Deleted        bool      `json:"deleted"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (*MessagePayload) Entity() EntityType { return EntityMessage }
func (p *MessagePayload) refs() []*string {
	return []*string{&p.ConversationID, &p.AttachmentRef}
}

// ConversationPayload is a partial conversation update applied directly
// at the remote collaborator (typing timestamps, unread counters,
// per-participant soft-delete). Absent maps leave the corresponding
// fields untouched.
type ConversationPayload struct {
	Snippets    map[string]string    `json:"snippets,omitempty"`
	LastMessage string               `json:"lastMessageId,omitempty"`
	Unread      map[string]int       `json:"unread,omitempty"`
	Hidden      map[string]bool      `json:"hidden,omitempty"`
	TypingAt    map[string]time.Time `json:"typingAt,omitempty"`
}

func (*ConversationPayload) Entity() EntityType { return EntityConversation }
func (p *ConversationPayload) refs() []*string  { return nil }

// DecodePayload unmarshals a payload document into its concrete
// variant. Transport layers use it to rehydrate wire payloads.
func DecodePayload(entity EntityType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch entity {
	case EntityPost:
		p = &PostPayload{}
	case EntityComment:
		p = &CommentPayload{}
	case EntityLike:
		p = &LikePayload{}
	case EntityProfile:
		p = &ProfilePayload{}
	case EntityMessage:
		p = &MessagePayload{}
	case EntityConversation:
		p = &ConversationPayload{}
	default:
		return nil, fmt.Errorf("unknown entity type: %s", entity)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", entity, err)
	}
	return p, nil
}

// QueuedOperation is one pending mutation in a per-entity queue.
// ID is a temporary id for creates and the real entity id otherwise.
// Token uniquely identifies the operation itself; it doubles as the
// idempotency key sent to the remote collaborator and as the commit-log
// key that detects replays after a crash.
type QueuedOperation struct {
	ID         string
	Token      string
	Entity     EntityType
	Kind       OperationKind
	Payload    Payload
	EnqueuedAt time.Time
	Attempts   int
}

type queuedOperationJSON struct {
	ID         string          `json:"id"`
	Token      string          `json:"token"`
	Entity     EntityType      `json:"entityType"`
	Kind       OperationKind   `json:"operationKind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
}

func (op QueuedOperation) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", op.Entity, err)
	}
	return json.Marshal(queuedOperationJSON{
		ID:         op.ID,
		Token:      op.Token,
		Entity:     op.Entity,
		Kind:       op.Kind,
		Payload:    raw,
		EnqueuedAt: op.EnqueuedAt,
		Attempts:   op.Attempts,
	})
}

func (op *QueuedOperation) UnmarshalJSON(data []byte) error {
	var env queuedOperationJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := DecodePayload(env.Entity, env.Payload)
	if err != nil {
		return err
	}
	op.ID = env.ID
	op.Token = env.Token
	op.Entity = env.Entity
	op.Kind = env.Kind
	op.Payload = payload
	op.EnqueuedAt = env.EnqueuedAt
	op.Attempts = env.Attempts
	return nil
}

// rewriteRefs applies resolve to the operation's target id and every
// foreign-key field of its payload. It reports whether anything changed.
func (op *QueuedOperation) rewriteRefs(resolve func(string) string) bool {
	changed := false
	if r := resolve(op.ID); r != op.ID {
		op.ID = r
		changed = true
	}
	if op.Payload == nil {
		return changed
	}
	for _, ref := range op.Payload.refs() {
		if r := resolve(*ref); r != *ref {
			*ref = r
			changed = true
		}
	}
	return changed
}

// unresolvedRefs returns temporary references the operation still
// depends on: its own target for updates/deletes, temporary foreign
// keys, and attachment refs whose upload has not resolved yet.
func (op *QueuedOperation) unresolvedRefs() []string {
	var pending []string
	if op.Kind != OpCreate && IsTempID(op.ID) {
		pending = append(pending, op.ID)
	}
	if op.Payload != nil {
		for _, ref := range op.Payload.refs() {
			if IsTempID(*ref) {
				pending = append(pending, *ref)
			}
		}
	}
	return pending
}

// ConnectivityState is a link-layer snapshot from the connectivity
// collaborator. A nil InternetReachable means unknown (verify via a
// probe), never a definite answer.
type ConnectivityState struct {
	Connected         bool
	InternetReachable *bool
}

// Message is a chat message as cached locally. ID is a temporary id
// while the message is queued and the server-assigned id once synced.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	Body           string    `json:"body"`
	AttachmentRef  string    `json:"attachmentRef,omitempty"`
	Read           bool      `json:"read"`
	Deleted        bool      `json:"deleted"`
	Sending        bool      `json:"sending"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation is a two-party conversation document. The per-participant
// maps are keyed by participant id.
type Conversation struct {
	ID           string               `json:"id"`
	Participants [2]string            `json:"participants"`
	Snippets     map[string]string    `json:"snippets,omitempty"`
	LastMessage  string               `json:"lastMessageId,omitempty"`
	Unread       map[string]int       `json:"unread,omitempty"`
	Hidden       map[string]bool      `json:"hidden,omitempty"`
	TypingAt     map[string]time.Time `json:"typingAt,omitempty"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}
